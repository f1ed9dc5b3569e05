// ABOUTME: Tests for the admin API, health endpoints and metrics exposition
// ABOUTME: Covers auth gating, call listing and lookup, and the server-sent event stream

package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Youmanvi/bankAssistant/internal/auth"
	"github.com/Youmanvi/bankAssistant/internal/store"
)

const adminSecret = "admin-secret-for-tests-32-bytes!"

func get(t *testing.T, url, token string) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequestWithContext(t.Context(), http.MethodGet, url, nil)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(body)
}

func TestHealthEndpoints(t *testing.T) {
	h := newHarness(t, nil)

	resp, body := get(t, h.srv.URL+"/health", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "OK", body)

	resp, body = get(t, h.srv.URL+"/health/ready", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ready (0 sessions)", body)
}

// downStore fails readiness checks.
type downStore struct {
	*store.MockStore
}

func (downStore) Ping(context.Context) error { return io.ErrUnexpectedEOF }

func TestReadyEndpoint_StoreDown(t *testing.T) {
	gw, err := New(testConfig(), testLogger(), WithStore(downStore{store.NewMockStore()}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = gw.Shutdown(context.Background()) })

	req, err := http.NewRequest(http.MethodGet, "/health/ready", nil)
	require.NoError(t, err)
	rec := httptest.NewRecorder()
	gw.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "store unavailable", rec.Body.String())
}

func TestMetricsEndpoint(t *testing.T) {
	h := newHarness(t, nil)
	c := h.dial(t, "call-metrics")
	c.init(alexNumber)
	c.final(0)

	resp, body := get(t, h.srv.URL+"/metrics", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "voice_gateway_sessions_active 1")
	assert.Contains(t, body, `voice_gateway_events_total{type="call_details"} 1`)
}

func TestMetricsEndpoint_Disabled(t *testing.T) {
	cfg := testConfig()
	cfg.Metrics.Enabled = false
	h := newHarness(t, cfg)

	resp, _ := get(t, h.srv.URL+"/metrics", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAdmin_RequiresTokenWhenSecretSet(t *testing.T) {
	cfg := testConfig()
	cfg.Admin.JWTSecret = adminSecret
	h := newHarness(t, cfg)

	resp, _ := get(t, h.srv.URL+"/admin/calls", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	verifier, err := auth.NewJWTVerifier([]byte(adminSecret))
	require.NoError(t, err)
	token, err := verifier.Generate("ops-oncall", time.Hour)
	require.NoError(t, err)

	resp, body := get(t, h.srv.URL+"/admin/calls", token)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var list ListCallsResponse
	require.NoError(t, json.Unmarshal([]byte(body), &list))
	assert.Empty(t, list.Live)

	// The voice websocket and health checks stay open.
	resp, _ = get(t, h.srv.URL+"/health", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAdmin_ListAndGetCalls(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.store.SaveCall(t.Context(), &store.CallRecord{
		CallID:       "call-old",
		FromNumber:   jordanNumber,
		UserID:       store.DemoCallerJordan,
		FinalHandler: "payments",
		Turns:        3,
		Transcript:   `[{"speaker":"user","text":"pay my bill"}]`,
		StartedAt:    time.Date(2026, 9, 30, 14, 0, 0, 0, time.UTC),
		EndedAt:      time.Date(2026, 9, 30, 14, 3, 0, 0, time.UTC),
	}))

	c := h.dial(t, "call-live")
	c.init(alexNumber)
	c.final(0)

	resp, body := get(t, h.srv.URL+"/admin/calls", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list ListCallsResponse
	require.NoError(t, json.Unmarshal([]byte(body), &list))
	require.Len(t, list.Live, 1)
	assert.Equal(t, "call-live", list.Live[0].CallID)
	assert.Equal(t, store.DemoCallerAlex, list.Live[0].UserID)
	require.Len(t, list.Recent, 1)
	assert.Equal(t, "call-old", list.Recent[0].CallID)
	assert.Empty(t, list.Recent[0].Transcript)

	resp, body = get(t, h.srv.URL+"/admin/calls/call-old", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var old CallResponse
	require.NoError(t, json.Unmarshal([]byte(body), &old))
	assert.Nil(t, old.Live)
	require.NotNil(t, old.Record)
	assert.Equal(t, "payments", old.Record.FinalHandler)
	require.Len(t, old.Record.Transcript, 1)
	assert.Equal(t, "pay my bill", old.Record.Transcript[0].Text)

	resp, body = get(t, h.srv.URL+"/admin/calls/call-live", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var live CallResponse
	require.NoError(t, json.Unmarshal([]byte(body), &live))
	require.NotNil(t, live.Live)
	assert.NotEmpty(t, live.Transcript)

	resp, _ = get(t, h.srv.URL+"/admin/calls/nope", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = get(t, h.srv.URL+"/admin/calls?limit=zero", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

// sseReader reads named events from a server-sent event stream.
type sseReader struct {
	scanner *bufio.Scanner
}

func (r *sseReader) nextEvent() (string, string, bool) {
	var event, data string
	for r.scanner.Scan() {
		line := r.scanner.Text()
		switch {
		case line == "" && event != "":
			return event, data, true
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		}
	}
	return "", "", false
}

func TestAdmin_EventStream(t *testing.T) {
	h := newHarness(t, nil)

	ctx, cancel := context.WithTimeout(t.Context(), readTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.srv.URL+"/admin/events?call_id=call-watched", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	events := &sseReader{scanner: bufio.NewScanner(resp.Body)}
	name, _, ok := events.nextEvent()
	require.True(t, ok)
	require.Equal(t, "ready", name)

	other := h.dial(t, "call-other")
	other.init(jordanNumber)
	other.final(0)

	c := h.dial(t, "call-watched")
	c.init(alexNumber)
	c.final(0)

	name, data, ok := events.nextEvent()
	require.True(t, ok)
	assert.Equal(t, "call_started", name)
	assert.Contains(t, data, `"call_id":"call-watched"`)

	// Fragments of the greeting follow; the agent utterance carries the full text.
	for {
		name, data, ok = events.nextEvent()
		require.True(t, ok, "stream ended before the greeting utterance")
		assert.NotContains(t, data, "call-other")
		if name == "utterance" && strings.Contains(data, `"speaker":"agent"`) {
			assert.Contains(t, data, "Hey Alex")
			return
		}
	}
}
