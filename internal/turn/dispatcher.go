// ABOUTME: Routes inbound session events to keepalive echo, init, transcript merge or generation
// ABOUTME: Never blocks on generation; each accepted request runs on a session goroutine

package turn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/Youmanvi/bankAssistant/internal/dedupe"
	"github.com/Youmanvi/bankAssistant/internal/handler"
	"github.com/Youmanvi/bankAssistant/internal/metrics"
	"github.com/Youmanvi/bankAssistant/internal/mirror"
	"github.com/Youmanvi/bankAssistant/internal/profile"
	"github.com/Youmanvi/bankAssistant/internal/protocol"
	"github.com/Youmanvi/bankAssistant/internal/session"
)

const defaultGenerationTimeout = 20 * time.Second

// DispatcherConfig wires a Dispatcher. Generator and Profiles are required.
type DispatcherConfig struct {
	Generator *Generator
	Profiles  profile.Resolver

	// Greeted remembers call IDs that already received the opening line so a
	// reconnecting client is not greeted twice. Nil disables the check.
	Greeted *dedupe.Cache[string]

	Mirror            mirror.Publisher
	Metrics           *metrics.Metrics
	Logger            *slog.Logger
	GenerationTimeout time.Duration
}

// Dispatcher decides what each inbound event means for a session.
type Dispatcher struct {
	gen      *Generator
	control  *Controller
	profiles profile.Resolver
	greeted  *dedupe.Cache[string]
	mirror   mirror.Publisher
	metrics  *metrics.Metrics
	logger   *slog.Logger
	timeout  time.Duration
}

// NewDispatcher creates a dispatcher from cfg.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	d := &Dispatcher{
		gen:      cfg.Generator,
		control:  cfg.Generator.Controller(),
		profiles: cfg.Profiles,
		greeted:  cfg.Greeted,
		mirror:   cfg.Mirror,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger,
		timeout:  cfg.GenerationTimeout,
	}
	if d.mirror == nil {
		d.mirror = mirror.Discard
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	d.logger = d.logger.With("component", "dispatcher")
	if d.timeout <= 0 {
		d.timeout = defaultGenerationTimeout
	}
	return d
}

// Dispatch handles one inbound event. Returned errors are protocol or
// validation errors for the caller to log; the event has been dropped.
func (d *Dispatcher) Dispatch(ctx context.Context, sess *session.Session, ev protocol.Event, sink Sink) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.metrics.Event(ev.Type)

	switch ev.Kind {
	case protocol.KindKeepalive:
		return sink.Keepalive(ev.Timestamp)

	case protocol.KindSessionInit:
		return d.init(sess, ev.FromNumber, sink)

	case protocol.KindTranscriptUpdate:
		d.merge(sess, ev.Transcript, false)
		return nil

	case protocol.KindResponseRequest:
		return d.request(sess, ev, sink)
	}
	return fmt.Errorf("%w: %s", protocol.ErrUnknownEvent, ev.Kind)
}

func (d *Dispatcher) init(sess *session.Session, fromNumber string, sink Sink) error {
	if !sess.MarkInitialized() {
		d.metrics.EventDropped("already_initialized")
		return ErrAlreadyInitialized
	}
	// Sequence 0 belongs to the opening line.
	if err := d.control.Accept(sess, 0); err != nil {
		d.logger.Warn("opening sequence already taken", "call_id", sess.CallID(), "error", err)
	}

	started := sess.Go(func(ctx context.Context) {
		defer d.recoverPanic(sess, "init")

		p := d.resolve(ctx, sess, fromNumber)
		sess.SetCaller(fromNumber, p)
		sess.Append(session.Utterance{Speaker: session.SpeakerSystem, Text: handler.CallerContext(p)})
		sess.MarkReady()

		if d.greeted != nil && d.greeted.CheckAndMark(sess.CallID()) {
			d.logger.Info("skipping greeting for reconnected call", "call_id", sess.CallID())
			return
		}
		if err := d.gen.Greet(sess, p, sink); err != nil && !errors.Is(err, ErrSuperseded) {
			d.logger.Warn("greeting not delivered", "call_id", sess.CallID(), "error", err)
		}
	})
	if !started {
		return fmt.Errorf("session init: %w", context.Canceled)
	}
	return nil
}

// resolve looks up the caller. Any failure yields an anonymous session.
func (d *Dispatcher) resolve(ctx context.Context, sess *session.Session, fromNumber string) *profile.Profile {
	if fromNumber == "" {
		return nil
	}
	p, err := d.profiles.Lookup(ctx, fromNumber)
	switch {
	case err == nil:
		d.logger.Info("caller identified", "call_id", sess.CallID(), "user_id", p.UserID)
		return p
	case errors.Is(err, profile.ErrNotFound), errors.Is(err, profile.ErrInvalidNumber):
		d.logger.Info("anonymous caller", "call_id", sess.CallID(), "reason", err)
	default:
		d.logger.Warn("profile lookup failed", "call_id", sess.CallID(), "error", err)
	}
	return nil
}

func (d *Dispatcher) request(sess *session.Session, ev protocol.Event, sink Sink) error {
	if !sess.Initialized() {
		d.metrics.EventDropped("not_initialized")
		return ErrNotInitialized
	}
	d.merge(sess, ev.Transcript, true)

	seq := ev.Sequence
	if err := d.control.Accept(sess, seq); err != nil {
		reason := "stale"
		if errors.Is(err, ErrDuplicateSequence) {
			reason = "duplicate"
		}
		d.metrics.EventDropped(reason)
		return fmt.Errorf("response %d: %w", seq, err)
	}

	if !sess.Go(func(ctx context.Context) {
		d.generate(ctx, sess, seq, sink)
	}) {
		return fmt.Errorf("response %d: %w", seq, context.Canceled)
	}
	return nil
}

func (d *Dispatcher) merge(sess *session.Session, entries []protocol.Utterance, complete bool) {
	converted := make([]session.Utterance, 0, len(entries))
	for _, e := range entries {
		speaker := session.SpeakerUser
		if e.Role == "agent" {
			speaker = session.SpeakerAgent
		}
		converted = append(converted, session.Utterance{Speaker: speaker, Text: e.Content})
	}
	for _, u := range sess.Merge(converted, complete) {
		d.mirror.Publish(mirror.Event{
			Type: mirror.TypeUtterance, CallID: sess.CallID(),
			Handler: string(sess.ActiveHandler()), Speaker: string(u.Speaker), Text: u.Text,
		})
	}
}

func (d *Dispatcher) generate(ctx context.Context, sess *session.Session, seq int64, sink Sink) {
	select {
	case <-sess.Ready():
	case <-ctx.Done():
		return
	}

	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	logger := d.logger.With("call_id", sess.CallID(), "sequence", seq)
	err := d.runSafely(ctx, sess, seq, sink)

	outcome := metrics.OutcomeCompleted
	switch {
	case err == nil:
	case errors.Is(err, ErrSuperseded):
		outcome = metrics.OutcomeSuperseded
		logger.Debug("generation superseded", "highest", sess.HighestRequested())
	case sess.Context().Err() != nil:
		// The connection is gone; there is nobody to apologize to.
		return
	default:
		outcome = metrics.OutcomeFailed
		if errors.Is(err, context.DeadlineExceeded) {
			outcome = metrics.OutcomeTimeout
		}
		logger.Error("generation failed", "error", err)
		if ferr := d.gen.Fallback(sess, seq, sink); ferr != nil && !errors.Is(ferr, ErrSuperseded) {
			logger.Warn("fallback not delivered", "error", ferr)
		}
	}
	d.metrics.Turn(outcome, time.Since(start))
}

func (d *Dispatcher) runSafely(ctx context.Context, sess *session.Session, seq int64, sink Sink) (err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("generation panic", "call_id", sess.CallID(), "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("generation panic: %v", r)
		}
	}()
	return d.gen.Run(ctx, sess, seq, sink)
}

func (d *Dispatcher) recoverPanic(sess *session.Session, where string) {
	if r := recover(); r != nil {
		d.logger.Error("session goroutine panic", "call_id", sess.CallID(), "where", where, "panic", r)
		sess.MarkReady()
	}
}
