// ABOUTME: Websocket adapter binding one voice connection to one session
// ABOUTME: Runs the read loop, the outbound writer with stale-frame drops, and teardown

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/Youmanvi/bankAssistant/internal/mirror"
	"github.com/Youmanvi/bankAssistant/internal/protocol"
	"github.com/Youmanvi/bankAssistant/internal/session"
	"github.com/Youmanvi/bankAssistant/internal/store"
	"github.com/Youmanvi/bankAssistant/internal/turn"
)

const (
	outboundQueueSize = 256
	closeGrace        = time.Second
	persistTimeout    = 5 * time.Second
)

// Reasons a voice connection ended. They label the sessions_total metric.
var (
	errEndCall      = errors.New("end_call")
	errClientClosed = errors.New("client_closed")
	errIdleTimeout  = errors.New("idle_timeout")
	errReadFailed   = errors.New("read_error")
	errWriteFailed  = errors.New("write_error")
	errSlowClient   = errors.New("slow_client")
	errReplaced     = errors.New("replaced")
	errShutdown     = errors.New("shutdown")
)

// outboundFrame is one queued text frame. Response fragments carry their
// sequence so the writer can drop what went stale while queued.
type outboundFrame struct {
	payload  []byte
	response bool
	sequence int64
	endCall  bool
}

// voiceConn is the state of one upgraded voice websocket.
type voiceConn struct {
	gw     *Gateway
	ws     *websocket.Conn
	sess   *session.Session
	ctx    context.Context
	cancel context.CancelCauseFunc
	out    chan outboundFrame

	limiter    *rate.Limiter
	writerDone chan struct{}
	logger     *slog.Logger

	queueMu sync.Mutex
	closed  bool
}

// handleVoice upgrades GET /llm-websocket/{call_id} and serves the call until
// the connection ends.
func (g *Gateway) handleVoice(w http.ResponseWriter, r *http.Request) {
	callID := r.PathValue("call_id")
	if callID == "" {
		http.Error(w, "call_id required", http.StatusBadRequest)
		return
	}
	if g.shuttingDown.Load() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader already wrote the HTTP error.
		g.logger.Warn("websocket upgrade failed", "call_id", callID, "error", err)
		return
	}

	g.conns.Add(1)
	defer g.conns.Done()
	g.newVoiceConn(ws, callID).serve()
}

func (g *Gateway) newVoiceConn(ws *websocket.Conn, callID string) *voiceConn {
	ctx, cancel := context.WithCancelCause(context.Background())
	sess := session.New(ctx, callID)

	limit := rate.Limit(g.config.Session.InboundRate)
	if g.config.Session.InboundRate <= 0 {
		limit = rate.Inf
	}

	return &voiceConn{
		gw:         g,
		ws:         ws,
		sess:       sess,
		ctx:        ctx,
		cancel:     cancel,
		out:        make(chan outboundFrame, outboundQueueSize),
		limiter:    rate.NewLimiter(limit, max(g.config.Session.InboundBurst, 1)),
		writerDone: make(chan struct{}),
		logger:     g.logger.With("component", "voice", "call_id", callID, "conn_id", sess.ConnID()),
	}
}

func (c *voiceConn) serve() {
	cfg := c.gw.config.Session

	if old := c.gw.sessions.Open(c.sess); old != nil {
		c.logger.Info("reconnect replaces older session", "old_conn_id", old.ConnID())
		go old.Close()
	}
	c.gw.metrics.SessionOpened()
	c.gw.mirror.Publish(mirror.Event{Type: mirror.TypeCallStarted, CallID: c.sess.CallID()})

	cfgFrame, err := protocol.EncodeConfig(protocol.DefaultConfig)
	if err == nil {
		_ = c.ws.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
		err = c.ws.WriteMessage(websocket.TextMessage, cfgFrame)
	}
	if err != nil {
		c.logger.Warn("sending session config failed", "error", err)
		c.cancel(errWriteFailed)
		close(c.writerDone)
		c.teardown()
		return
	}

	go c.writeLoop()
	c.readLoop()
	c.teardown()
}

// readLoop dispatches inbound events in arrival order until the connection ends.
func (c *voiceConn) readLoop() {
	cfg := c.gw.config.Session
	c.ws.SetReadLimit(cfg.ReadLimit)
	_ = c.ws.SetReadDeadline(time.Now().Add(cfg.IdleTimeout))

	sink := &connSink{conn: c}
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.cancel(c.classifyReadError(err))
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(cfg.IdleTimeout))

		ev, err := protocol.Decode(data)
		if err != nil {
			if !c.limiter.Allow() {
				c.rateLimited("undecodable")
				continue
			}
			reason := "malformed"
			if errors.Is(err, protocol.ErrUnknownEvent) {
				reason = "unknown"
			}
			c.gw.metrics.EventDropped(reason)
			c.logger.Warn("ignoring inbound frame", "error", err)
			continue
		}
		if limited(ev.Kind) && !c.limiter.Allow() {
			c.rateLimited(ev.Type)
			continue
		}

		if err := c.gw.dispatcher.Dispatch(c.sess.Context(), c.sess, ev, sink); err != nil {
			c.logDispatchError(ev, err)
		}
	}
}

// limited reports whether events of kind count against the inbound rate limit.
// Keepalives must each be echoed and every response request must be answered,
// so only transcript updates are shed.
func limited(kind protocol.Kind) bool {
	return kind == protocol.KindTranscriptUpdate
}

func (c *voiceConn) rateLimited(kind string) {
	c.gw.metrics.EventDropped("rate_limited")
	c.logger.Warn("inbound event rate limited", "type", kind)
}

func (c *voiceConn) classifyReadError(err error) error {
	if cause := context.Cause(c.ctx); cause != nil {
		return cause
	}
	if c.sess.Context().Err() != nil {
		if c.gw.shuttingDown.Load() {
			return errShutdown
		}
		return errReplaced
	}
	var netErr net.Error
	switch {
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived):
		return errClientClosed
	case errors.As(err, &netErr) && netErr.Timeout():
		return errIdleTimeout
	}
	c.logger.Warn("websocket read failed", "error", err)
	return errReadFailed
}

func (c *voiceConn) logDispatchError(ev protocol.Event, err error) {
	switch {
	case errors.Is(err, turn.ErrStaleSequence),
		errors.Is(err, turn.ErrDuplicateSequence),
		errors.Is(err, turn.ErrNotInitialized),
		errors.Is(err, turn.ErrAlreadyInitialized):
		c.logger.Info("event dropped", "type", ev.Type, "reason", err)
	case errors.Is(err, context.Canceled):
		c.logger.Debug("event after session end", "type", ev.Type)
	default:
		c.logger.Warn("event handling failed", "type", ev.Type, "error", err)
	}
}

// writeLoop owns all data frames after the config frame.
func (c *voiceConn) writeLoop() {
	defer close(c.writerDone)
	cfg := c.gw.config.Session

	ping := time.NewTicker(cfg.PingInterval)
	defer ping.Stop()

	for {
		select {
		case <-c.sess.Context().Done():
			c.writeClose(websocket.CloseNormalClosure, "")
			return

		case <-ping.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(cfg.WriteTimeout)); err != nil {
				c.logger.Debug("ping failed", "error", err)
				c.abort(errWriteFailed)
				return
			}

		case f := <-c.out:
			if f.response && c.gw.controller.ShouldSuppress(c.sess, f.sequence) {
				c.gw.metrics.StaleFrameDropped()
				continue
			}
			_ = c.ws.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, f.payload); err != nil {
				c.logger.Warn("websocket write failed", "error", err)
				c.abort(errWriteFailed)
				return
			}
			if f.endCall {
				c.logger.Info("call ended by agent")
				c.cancel(errEndCall)
				c.writeClose(websocket.CloseNormalClosure, "call ended")
				return
			}
		}
	}
}

// abort ends the connection without a close handshake and unblocks the reader.
func (c *voiceConn) abort(reason error) {
	c.cancel(reason)
	_ = c.ws.SetReadDeadline(time.Now())
}

// writeClose sends a close frame and gives the peer a moment to answer
// before the read loop gives up.
func (c *voiceConn) writeClose(code int, text string) {
	deadline := time.Now().Add(c.gw.config.Session.WriteTimeout)
	_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), deadline)
	_ = c.ws.SetReadDeadline(time.Now().Add(closeGrace))
}

// enqueue queues f without blocking. A full queue means the client stopped
// reading, and the connection is dropped.
func (c *voiceConn) enqueue(f outboundFrame) error {
	c.queueMu.Lock()
	defer c.queueMu.Unlock()
	if c.closed || c.sess.Context().Err() != nil {
		return fmt.Errorf("connection closed: %w", context.Cause(c.sess.Context()))
	}
	select {
	case c.out <- f:
		return nil
	default:
		c.closed = true
		c.logger.Warn("outbound queue full, dropping connection", "queued", len(c.out))
		c.cancel(errSlowClient)
		return errSlowClient
	}
}

func (c *voiceConn) teardown() {
	c.sess.Close()
	<-c.writerDone
	_ = c.ws.Close()
	c.gw.sessions.Remove(c.sess)

	reason := context.Cause(c.ctx)
	if reason == nil {
		reason = errClientClosed
	}

	elapsed := time.Since(c.sess.StartedAt())
	c.persist()
	c.gw.mirror.Publish(mirror.Event{Type: mirror.TypeCallEnded, CallID: c.sess.CallID(), Result: reason.Error()})
	c.gw.metrics.SessionClosed(reason.Error(), elapsed)
	c.logger.Info("call ended", "reason", reason.Error(), "duration", elapsed.Round(time.Millisecond), "turns", c.sess.Turns())
}

// persist stores the call summary.
func (c *voiceConn) persist() {
	info := c.sess.Snapshot()
	transcript, err := json.Marshal(c.sess.Transcript())
	if err != nil {
		c.logger.Error("encoding transcript", "error", err)
		transcript = []byte("[]")
	}

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	rec := &store.CallRecord{
		CallID:       info.CallID,
		FromNumber:   info.FromNumber,
		UserID:       info.UserID,
		FinalHandler: string(info.ActiveHandler),
		Turns:        int(info.Turns),
		Transcript:   string(transcript),
		StartedAt:    info.StartedAt,
		EndedAt:      time.Now().UTC(),
	}
	if err := c.gw.store.SaveCall(ctx, rec); err != nil {
		c.logger.Error("saving call record", "error", err)
	}
}

// connSink renders turn output as protocol frames on the connection queue.
type connSink struct {
	conn *voiceConn
}

func (s *connSink) Keepalive(timestamp int64) error {
	data, err := protocol.EncodeKeepalive(timestamp)
	if err != nil {
		return fmt.Errorf("encoding keepalive: %w", err)
	}
	return s.conn.enqueue(outboundFrame{payload: data})
}

func (s *connSink) Fragment(f turn.Fragment) error {
	data, err := protocol.EncodeResponse(protocol.Response{
		ResponseID:      f.Sequence,
		Content:         f.Text,
		ContentComplete: f.IsFinal,
		EndCall:         f.TerminatesSession,
		TransferNumber:  f.RedirectTarget,
	})
	if err != nil {
		return fmt.Errorf("encoding response %d: %w", f.Sequence, err)
	}
	return s.conn.enqueue(outboundFrame{
		payload:  data,
		response: true,
		sequence: f.Sequence,
		endCall:  f.TerminatesSession && f.IsFinal,
	})
}
