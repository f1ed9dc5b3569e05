// ABOUTME: Test harness for the gateway: an httptest server, a seeded store and a websocket caller
// ABOUTME: The caller speaks the voice protocol the way the hosted platform does

package gateway

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/Youmanvi/bankAssistant/internal/config"
	"github.com/Youmanvi/bankAssistant/internal/store"
)

const (
	alexNumber   = "+15550100001"
	jordanNumber = "+15550100002"
	readTimeout  = 5 * time.Second
)

// testConfig returns defaults suited to fast tests.
func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Server.HTTPAddr = "127.0.0.1:0"
	cfg.Session.WriteTimeout = 2 * time.Second
	cfg.Session.GenerationTimeout = 5 * time.Second
	cfg.Metrics.Enabled = true
	return cfg
}

// testLogger creates a silent logger for tests.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type harness struct {
	gw    *Gateway
	store *store.MockStore
	srv   *httptest.Server
}

func newHarness(t *testing.T, cfg *config.Config, opts ...Option) *harness {
	t.Helper()
	if cfg == nil {
		cfg = testConfig()
	}
	st := store.NewMockStore()
	require.NoError(t, store.SeedDemo(t.Context(), st))

	gw, err := New(cfg, testLogger(), append([]Option{WithStore(st)}, opts...)...)
	require.NoError(t, err)

	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(srv.Close)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = gw.Shutdown(ctx)
	})
	return &harness{gw: gw, store: st, srv: srv}
}

// frame is a decoded outbound message.
type frame map[string]any

func (f frame) kind() string { s, _ := f["response_type"].(string); return s }

func (f frame) responseID() int64 { n, _ := f["response_id"].(float64); return int64(n) }

func (f frame) final() bool { b, _ := f["content_complete"].(bool); return b }

func (f frame) endCall() bool { b, _ := f["end_call"].(bool); return b }

func (f frame) content() string { s, _ := f["content"].(string); return s }

// caller is one voice-platform connection.
type caller struct {
	t    *testing.T
	conn *websocket.Conn
}

func (h *harness) dial(t *testing.T, callID string) *caller {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/llm-websocket/" + callID
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	t.Cleanup(func() { _ = conn.Close() })
	return &caller{t: t, conn: conn}
}

func (c *caller) send(v any) {
	c.t.Helper()
	require.NoError(c.t, c.conn.WriteJSON(v))
}

func (c *caller) sendRaw(data string) {
	c.t.Helper()
	require.NoError(c.t, c.conn.WriteMessage(websocket.TextMessage, []byte(data)))
}

func (c *caller) next() frame {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(readTimeout)))
	var f frame
	require.NoError(c.t, c.conn.ReadJSON(&f))
	return f
}

// init sends call details after consuming the config frame.
func (c *caller) init(from string) {
	c.t.Helper()
	cfg := c.next()
	require.Equal(c.t, "config", cfg.kind())
	c.send(map[string]any{
		"interaction_type": "call_details",
		"call":             map[string]any{"call_id": "ignored", "from_number": from, "to_number": "+15559990000"},
	})
}

// request asks for response id with the given user lines.
func (c *caller) request(id int64, userLines ...string) {
	c.t.Helper()
	transcript := make([]map[string]string, 0, len(userLines))
	for _, l := range userLines {
		transcript = append(transcript, map[string]string{"role": "user", "content": l})
	}
	c.send(map[string]any{
		"interaction_type": "response_required",
		"response_id":      id,
		"transcript":       transcript,
	})
}

// final reads frames until the final fragment of id and returns everything
// seen for id, final last.
func (c *caller) final(id int64) []frame {
	c.t.Helper()
	var seen []frame
	for {
		f := c.next()
		if f.kind() != "response" || f.responseID() != id {
			continue
		}
		seen = append(seen, f)
		if f.final() {
			return seen
		}
	}
}

// text joins the content of frames.
func text(frames []frame) string {
	var b strings.Builder
	for _, f := range frames {
		b.WriteString(f.content())
	}
	return b.String()
}

// closed waits for the server to close the connection and returns the close error.
func (c *caller) closed() error {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(readTimeout)))
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return err
		}
	}
}
