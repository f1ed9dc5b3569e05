// ABOUTME: Shared fixtures for turn engine tests
// ABOUTME: A recording sink, scripted reasoners and a fully wired engine over the in-memory store

package turn

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Youmanvi/bankAssistant/internal/banking"
	"github.com/Youmanvi/bankAssistant/internal/dedupe"
	"github.com/Youmanvi/bankAssistant/internal/handler"
	"github.com/Youmanvi/bankAssistant/internal/profile"
	"github.com/Youmanvi/bankAssistant/internal/protocol"
	"github.com/Youmanvi/bankAssistant/internal/reasoner"
	"github.com/Youmanvi/bankAssistant/internal/reasoner/rules"
	"github.com/Youmanvi/bankAssistant/internal/session"
	"github.com/Youmanvi/bankAssistant/internal/store"
)

const humanNumber = "+1-555-000-9999"

// recordingSink records outbound traffic. When sess is set it also records
// any fragment that arrives for a sequence lower than the session's highest.
type recordingSink struct {
	mu         sync.Mutex
	sess       *session.Session
	keepalives []int64
	frags      []Fragment
	violations []string
	err        error
}

func (s *recordingSink) Keepalive(ts int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keepalives = append(s.keepalives, ts)
	return nil
}

func (s *recordingSink) Fragment(f Fragment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	if s.sess != nil && f.Sequence < s.sess.HighestRequested() {
		s.violations = append(s.violations, fmt.Sprintf("seq %d delivered after %d accepted", f.Sequence, s.sess.HighestRequested()))
	}
	s.frags = append(s.frags, f)
	return nil
}

func (s *recordingSink) fragments() []Fragment {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Fragment(nil), s.frags...)
}

func (s *recordingSink) forSeq(seq int64) []Fragment {
	var out []Fragment
	for _, f := range s.fragments() {
		if f.Sequence == seq {
			out = append(out, f)
		}
	}
	return out
}

func (s *recordingSink) finals(seq int64) []Fragment {
	var out []Fragment
	for _, f := range s.forSeq(seq) {
		if f.IsFinal {
			out = append(out, f)
		}
	}
	return out
}

// text joins the content of every fragment of seq the way the client would.
func (s *recordingSink) text(seq int64) string {
	var b strings.Builder
	for _, f := range s.forSeq(seq) {
		b.WriteString(f.Text)
	}
	return b.String()
}

func (s *recordingSink) waitFinal(t *testing.T, seq int64) Fragment {
	t.Helper()
	require.Eventually(t, func() bool { return len(s.finals(seq)) > 0 }, 2*time.Second, 5*time.Millisecond,
		"no final fragment for sequence %d", seq)
	if s.sess != nil {
		// The final's transcript commit runs under the delivery lock.
		s.sess.LockEmit()
		s.sess.UnlockEmit()
	}
	return s.finals(seq)[0]
}

// script returns a reasoner that replays one event list per step, in order.
// Steps past the end repeat the last one.
func script(steps ...[]reasoner.Event) (reasoner.Reasoner, *atomic.Int32) {
	var n atomic.Int32
	return reasoner.Func(func(ctx context.Context, req *reasoner.Request) (reasoner.Stream, error) {
		i := int(n.Add(1)) - 1
		if i >= len(steps) {
			i = len(steps) - 1
		}
		return reasoner.NewSliceStream(steps[i]...), nil
	}), &n
}

func text(s string) reasoner.Event {
	return reasoner.Event{Type: reasoner.EventText, Text: s}
}

func call(id, name string, args any) reasoner.Event {
	raw := json.RawMessage(`{}`)
	if args != nil {
		b, err := json.Marshal(args)
		if err != nil {
			panic(err)
		}
		raw = b
	}
	return reasoner.Event{Type: reasoner.EventCall, Call: reasoner.Call{ID: id, Name: name, Args: raw}}
}

// gate wraps a reasoner so the first step blocks until release is closed.
type gate struct {
	next    reasoner.Reasoner
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newGate(next reasoner.Reasoner) *gate {
	return &gate{next: next, entered: make(chan struct{}), release: make(chan struct{})}
}

func (g *gate) Step(ctx context.Context, req *reasoner.Request) (reasoner.Stream, error) {
	first := false
	g.once.Do(func() { first = true })
	if first {
		close(g.entered)
		select {
		case <-g.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return g.next.Step(ctx, req)
}

func (g *gate) waitEntered(t *testing.T) {
	t.Helper()
	select {
	case <-g.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("reasoner never entered")
	}
}

// engine is a dispatcher wired to the in-memory demo bank.
type engine struct {
	store *store.MockStore
	reg   *handler.Registry
	gen   *Generator
	disp  *Dispatcher
}

type engineOption func(*GeneratorConfig, *DispatcherConfig)

func withReasoner(r reasoner.Reasoner) engineOption {
	return func(g *GeneratorConfig, _ *DispatcherConfig) { g.Reasoner = r }
}

func withTimeout(d time.Duration) engineOption {
	return func(_ *GeneratorConfig, dc *DispatcherConfig) { dc.GenerationTimeout = d }
}

func newEngine(t *testing.T, opts ...engineOption) *engine {
	t.Helper()
	st := store.NewMockStore()
	require.NoError(t, store.SeedDemo(t.Context(), st))

	reg, err := handler.NewRegistry(banking.New(st, nil).Actions(), humanNumber)
	require.NoError(t, err)

	greeted := dedupe.New[string](time.Minute, 100, time.Minute)
	t.Cleanup(greeted.Close)

	gcfg := GeneratorConfig{
		Registry:   reg,
		Reasoner:   rules.New(nil),
		Controller: NewController(nil),
	}
	dcfg := DispatcherConfig{
		Profiles: profile.NewStoreResolver(st),
		Greeted:  greeted,
	}
	for _, o := range opts {
		o(&gcfg, &dcfg)
	}
	gen := NewGenerator(gcfg)
	dcfg.Generator = gen
	return &engine{store: st, reg: reg, gen: gen, disp: NewDispatcher(dcfg)}
}

// open starts a session, sends session init and waits for the greeting.
func (e *engine) open(t *testing.T, callID, fromNumber string) (*session.Session, *recordingSink) {
	t.Helper()
	sess := session.New(context.Background(), callID)
	t.Cleanup(sess.Close)
	sink := &recordingSink{sess: sess}

	require.NoError(t, e.disp.Dispatch(t.Context(), sess, protocol.Event{
		Kind: protocol.KindSessionInit, Type: protocol.InteractionCallDetails, FromNumber: fromNumber,
	}, sink))
	return sess, sink
}

func userSaid(lines ...string) []protocol.Utterance {
	out := make([]protocol.Utterance, 0, len(lines))
	for _, l := range lines {
		out = append(out, protocol.Utterance{Role: "user", Content: l})
	}
	return out
}

func request(seq int64, transcript []protocol.Utterance) protocol.Event {
	return protocol.Event{
		Kind:       protocol.KindResponseRequest,
		Type:       protocol.InteractionResponseRequired,
		Sequence:   seq,
		Transcript: transcript,
	}
}
