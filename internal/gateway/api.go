// ABOUTME: Admin HTTP API: live and recorded calls plus a server-sent event mirror
// ABOUTME: Read-only views over the session manager, the call store and the broadcaster

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/Youmanvi/bankAssistant/internal/auth"
	"github.com/Youmanvi/bankAssistant/internal/session"
	"github.com/Youmanvi/bankAssistant/internal/store"
)

const (
	defaultCallLimit = 50
	maxCallLimit     = 500
	sseHeartbeat     = 15 * time.Second
)

// CallRecordView is a stored call as the admin API returns it.
type CallRecordView struct {
	CallID       string              `json:"call_id"`
	FromNumber   string              `json:"from_number,omitempty"`
	UserID       string              `json:"user_id,omitempty"`
	FinalHandler string              `json:"final_handler"`
	Turns        int                 `json:"turns"`
	StartedAt    time.Time           `json:"started_at"`
	EndedAt      time.Time           `json:"ended_at"`
	Transcript   []session.Utterance `json:"transcript,omitempty"`
}

// ListCallsResponse is the body of GET /admin/calls.
type ListCallsResponse struct {
	Live   []session.Info   `json:"live"`
	Recent []CallRecordView `json:"recent"`
}

// CallResponse is the body of GET /admin/calls/{call_id}.
// Either part may be absent, never both.
type CallResponse struct {
	Live       *session.Info       `json:"live,omitempty"`
	Transcript []session.Utterance `json:"transcript,omitempty"`
	Record     *CallRecordView     `json:"record,omitempty"`
}

func recordView(rec *store.CallRecord, withTranscript bool) (CallRecordView, error) {
	v := CallRecordView{
		CallID:       rec.CallID,
		FromNumber:   rec.FromNumber,
		UserID:       rec.UserID,
		FinalHandler: rec.FinalHandler,
		Turns:        rec.Turns,
		StartedAt:    rec.StartedAt,
		EndedAt:      rec.EndedAt,
	}
	if withTranscript && rec.Transcript != "" {
		if err := json.Unmarshal([]byte(rec.Transcript), &v.Transcript); err != nil {
			return v, fmt.Errorf("decoding transcript of %s: %w", rec.CallID, err)
		}
	}
	return v, nil
}

// handleListCalls returns live sessions and the most recent stored calls.
func (g *Gateway) handleListCalls(w http.ResponseWriter, r *http.Request) {
	limit := defaultCallLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			g.sendJSONError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxCallLimit)
	}

	records, err := g.store.ListCalls(r.Context(), limit)
	if err != nil {
		g.logger.Error("listing calls", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	resp := ListCallsResponse{
		Live:   g.sessions.List(),
		Recent: make([]CallRecordView, 0, len(records)),
	}
	for _, rec := range records {
		v, _ := recordView(rec, false)
		resp.Recent = append(resp.Recent, v)
	}
	g.logger.Debug("admin listed calls", "operator", auth.OperatorFrom(r.Context()), "live", len(resp.Live))
	g.sendJSON(w, http.StatusOK, resp)
}

// handleGetCall returns one call, live or recorded.
func (g *Gateway) handleGetCall(w http.ResponseWriter, r *http.Request) {
	callID := r.PathValue("call_id")

	var resp CallResponse
	if sess, ok := g.sessions.Get(callID); ok {
		info := sess.Snapshot()
		resp.Live = &info
		resp.Transcript = sess.Transcript()
	}

	rec, err := g.store.GetCall(r.Context(), callID)
	switch {
	case err == nil:
		v, err := recordView(rec, true)
		if err != nil {
			g.logger.Warn("stored transcript unreadable", "call_id", callID, "error", err)
		}
		resp.Record = &v
	case errors.Is(err, store.ErrNotFound):
	default:
		g.logger.Error("getting call", "call_id", callID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	if resp.Live == nil && resp.Record == nil {
		g.sendJSONError(w, http.StatusNotFound, "call not found")
		return
	}
	g.sendJSON(w, http.StatusOK, resp)
}

// handleEvents streams mirror events as server-sent events. The optional
// call_id query parameter narrows the stream to one call.
func (g *Gateway) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		g.logger.Error("streaming not supported")
		g.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	callID := r.URL.Query().Get("call_id")
	events, subID := g.mirror.Subscribe(r.Context(), callID)
	defer g.mirror.Unsubscribe(callID, subID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	g.writeSSEEvent(w, "ready", map[string]string{"subscription": subID, "call_id": callID})
	flusher.Flush()

	heartbeat := time.NewTicker(sseHeartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			_, _ = fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case ev, ok := <-events:
			if !ok {
				return
			}
			g.writeSSEEvent(w, ev.Type, ev)
			flusher.Flush()
		}
	}
}

// writeSSEEvent writes a single SSE event to the response writer.
func (g *Gateway) writeSSEEvent(w http.ResponseWriter, event string, data any) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		g.logger.Error("failed to marshal SSE data", "error", err)
		return
	}

	_, _ = fmt.Fprintf(w, "event: %s\n", event)
	_, _ = fmt.Fprintf(w, "data: %s\n\n", dataJSON)
}

func (g *Gateway) sendJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		g.logger.Debug("writing response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	g.sendJSON(w, status, map[string]string{"error": message})
}
