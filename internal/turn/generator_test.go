// ABOUTME: Tests for the response generation loop
// ABOUTME: Scripted reasoners drive streaming, hand-offs, limits, control actions and preemption

package turn

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/Youmanvi/bankAssistant/internal/banking"
	"github.com/Youmanvi/bankAssistant/internal/handler"
	"github.com/Youmanvi/bankAssistant/internal/mirror"
	"github.com/Youmanvi/bankAssistant/internal/profile"
	"github.com/Youmanvi/bankAssistant/internal/reasoner"
	"github.com/Youmanvi/bankAssistant/internal/session"
	"github.com/Youmanvi/bankAssistant/internal/store"
	"github.com/Youmanvi/bankAssistant/internal/tracing"
)

// countingActions returns stub domain actions that count their executions.
func countingActions(n *atomic.Int32, fail map[string]error) map[string]banking.ActionFunc {
	names := []string{
		banking.ActionAccountBalance, banking.ActionBankStatement, banking.ActionTransferFunds,
		banking.ActionSchedulePayment, banking.ActionCancelPayment, banking.ActionApplyLoan,
		banking.ActionApplyCreditCard, banking.ActionApplicationStatus,
	}
	out := make(map[string]banking.ActionFunc, len(names))
	for _, name := range names {
		out[name] = func(ctx context.Context, inv banking.Invocation) (string, error) {
			n.Add(1)
			if err := fail[name]; err != nil {
				return "", err
			}
			return "ok for " + inv.UserID, nil
		}
	}
	return out
}

func newTestGenerator(t *testing.T, r reasoner.Reasoner, actions map[string]banking.ActionFunc, pub mirror.Publisher) *Generator {
	t.Helper()
	reg, err := handler.NewRegistry(actions, humanNumber)
	require.NoError(t, err)
	return NewGenerator(GeneratorConfig{Registry: reg, Reasoner: r, Controller: NewController(nil), Mirror: pub})
}

func acceptedSession(t *testing.T, seq int64) *session.Session {
	t.Helper()
	sess := session.New(t.Context(), "call-gen")
	sess.SetCaller("+15550100001", &profile.Profile{UserID: store.DemoCallerAlex, Name: "Alex Morgan"})
	_, raised := sess.RaiseHighest(seq)
	require.True(t, raised)
	return sess
}

func TestRun_StreamsSentencesThenFinal(t *testing.T) {
	r, _ := script([]reasoner.Event{
		text("Sure, let me take a "), text("look at that. "), text("Your balance is **$40**."),
	})
	var calls atomic.Int32
	gen := newTestGenerator(t, r, countingActions(&calls, nil), nil)
	sess := acceptedSession(t, 1)
	sink := &recordingSink{sess: sess}

	require.NoError(t, gen.Run(t.Context(), sess, 1, sink))

	frags := sink.forSeq(1)
	require.Len(t, frags, 2)
	assert.Equal(t, Fragment{Sequence: 1, Text: "Sure, let me take a look at that."}, frags[0])
	assert.Equal(t, Fragment{Sequence: 1, Text: " Your balance is $40.", IsFinal: true}, frags[1])

	transcript := sess.Transcript()
	require.Len(t, transcript, 1)
	assert.Equal(t, session.Utterance{Speaker: session.SpeakerAgent, Text: "Sure, let me take a look at that. Your balance is $40."}, transcript[0])
	assert.Equal(t, int64(1), sess.Turns())
}

func TestRun_HandoffContinuesUnderNewHandler(t *testing.T) {
	var seen []handler.ID
	var step atomic.Int32
	r := reasoner.Func(func(ctx context.Context, req *reasoner.Request) (reasoner.Stream, error) {
		seen = append(seen, req.Handler)
		switch step.Add(1) {
		case 1:
			return reasoner.NewSliceStream(call("c1", handler.ActionTransferToAccounts, nil)), nil
		case 2:
			names := make([]string, 0, len(req.Tools))
			for _, tool := range req.Tools {
				names = append(names, tool.Name)
			}
			assert.Contains(t, names, banking.ActionAccountBalance)
			assert.NotContains(t, names, handler.ActionTransferToApplications, "only the active handler's actions")
			return reasoner.NewSliceStream(call("c2", banking.ActionAccountBalance, map[string]string{"account": "checking"})), nil
		default:
			last := req.Messages[len(req.Messages)-1]
			assert.Equal(t, reasoner.RoleTool, last.Role)
			return reasoner.NewSliceStream(text(last.Content)), nil
		}
	})
	var calls atomic.Int32
	gen := newTestGenerator(t, r, countingActions(&calls, nil), nil)
	sess := acceptedSession(t, 1)
	sink := &recordingSink{sess: sess}

	require.NoError(t, gen.Run(t.Context(), sess, 1, sink))

	assert.Equal(t, []handler.ID{handler.Triage, handler.Accounts, handler.Accounts}, seen)
	assert.Equal(t, handler.Accounts, sess.ActiveHandler())
	assert.Equal(t, int32(1), calls.Load())
	final := sink.finals(1)
	require.Len(t, final, 1)
	assert.Equal(t, "ok for "+store.DemoCallerAlex, final[0].Text)
}

func TestRun_ActionErrorBecomesResult(t *testing.T) {
	var results []string
	r := reasoner.Func(func(ctx context.Context, req *reasoner.Request) (reasoner.Stream, error) {
		if req.Handler == handler.Triage {
			return reasoner.NewSliceStream(call("c1", handler.ActionTransferToPayments, nil)), nil
		}
		last := req.Messages[len(req.Messages)-1]
		if last.Role == reasoner.RoleTool && last.Name == banking.ActionTransferFunds {
			results = append(results, last.Content)
			return reasoner.NewSliceStream(text("That did not work.")), nil
		}
		return reasoner.NewSliceStream(call("c2", banking.ActionTransferFunds, nil)), nil
	})
	var calls atomic.Int32
	fail := map[string]error{banking.ActionTransferFunds: store.ErrInsufficientFunds}
	gen := newTestGenerator(t, r, countingActions(&calls, fail), nil)
	sess := acceptedSession(t, 1)
	sink := &recordingSink{sess: sess}

	require.NoError(t, gen.Run(t.Context(), sess, 1, sink))

	assert.Equal(t, []string{"error: insufficient funds"}, results)
	final := sink.finals(1)
	require.Len(t, final, 1)
	assert.False(t, final[0].TerminatesSession)
}

func TestRun_UnknownActionIsReported(t *testing.T) {
	r, _ := script(
		[]reasoner.Event{call("c1", banking.ActionApplyLoan, nil)},
		[]reasoner.Event{text("I can't do that from here.")},
	)
	var calls atomic.Int32
	gen := newTestGenerator(t, r, countingActions(&calls, nil), nil)
	sess := acceptedSession(t, 1)
	sink := &recordingSink{sess: sess}

	require.NoError(t, gen.Run(t.Context(), sess, 1, sink))
	assert.Equal(t, int32(0), calls.Load(), "triage cannot apply for loans")
	assert.Len(t, sink.finals(1), 1)
}

func TestRun_HandoffLimit(t *testing.T) {
	r := reasoner.Func(func(ctx context.Context, req *reasoner.Request) (reasoner.Stream, error) {
		if req.Handler == handler.Triage {
			return reasoner.NewSliceStream(call("c", handler.ActionTransferToPayments, nil)), nil
		}
		return reasoner.NewSliceStream(call("c", handler.ActionTransferBackToTriage, map[string]string{"reason": "reroute"})), nil
	})
	var calls atomic.Int32
	gen := newTestGenerator(t, r, countingActions(&calls, nil), nil)
	sess := acceptedSession(t, 1)
	sink := &recordingSink{sess: sess}

	err := gen.Run(t.Context(), sess, 1, sink)
	assert.ErrorIs(t, err, ErrHandoffLimit)
	assert.Empty(t, sink.finals(1))
	assert.Empty(t, sess.Transcript(), "aborted turns record nothing")
}

func TestRun_StepLimit(t *testing.T) {
	r, steps := script([]reasoner.Event{call("c", handler.ActionTransferToAccounts, nil)},
		[]reasoner.Event{call("c", banking.ActionAccountBalance, nil)})
	var calls atomic.Int32
	gen := newTestGenerator(t, r, countingActions(&calls, nil), nil)
	sess := acceptedSession(t, 1)

	err := gen.Run(t.Context(), sess, 1, &recordingSink{sess: sess})
	assert.ErrorIs(t, err, ErrStepLimit)
	assert.Equal(t, int32(defaultMaxSteps), steps.Load())
}

func TestRun_OneHandoffPerStep(t *testing.T) {
	var toolResults []string
	r := reasoner.Func(func(ctx context.Context, req *reasoner.Request) (reasoner.Stream, error) {
		if req.Handler == handler.Triage {
			return reasoner.NewSliceStream(
				call("a", handler.ActionTransferToAccounts, nil),
				call("b", handler.ActionTransferToPayments, nil),
			), nil
		}
		for _, m := range req.Messages {
			if m.Role == reasoner.RoleTool {
				toolResults = append(toolResults, m.Content)
			}
		}
		return reasoner.NewSliceStream(text("Here we are.")), nil
	})
	var calls atomic.Int32
	gen := newTestGenerator(t, r, countingActions(&calls, nil), nil)
	sess := acceptedSession(t, 1)

	require.NoError(t, gen.Run(t.Context(), sess, 1, &recordingSink{sess: sess}))
	assert.Equal(t, handler.Accounts, sess.ActiveHandler())
	require.Len(t, toolResults, 2)
	assert.Equal(t, "transferred to accounts", toolResults[0])
	assert.Contains(t, toolResults[1], "skipped")
}

func TestRun_ControlActions(t *testing.T) {
	t.Run("end call", func(t *testing.T) {
		r, _ := script([]reasoner.Event{text("Goodbye!"), call("c", handler.ActionEndCall, nil)})
		var calls atomic.Int32
		gen := newTestGenerator(t, r, countingActions(&calls, nil), nil)
		sess := acceptedSession(t, 1)
		sink := &recordingSink{sess: sess}

		require.NoError(t, gen.Run(t.Context(), sess, 1, sink))
		frags := sink.forSeq(1)
		require.Len(t, frags, 1)
		assert.Equal(t, Fragment{Sequence: 1, Text: "Goodbye!", IsFinal: true, TerminatesSession: true}, frags[0])
	})

	t.Run("transfer to human", func(t *testing.T) {
		r, _ := script([]reasoner.Event{text("Connecting you now."), call("c", handler.ActionTransferToHuman, nil)})
		var calls atomic.Int32
		gen := newTestGenerator(t, r, countingActions(&calls, nil), nil)
		sess := acceptedSession(t, 1)
		sink := &recordingSink{sess: sess}

		require.NoError(t, gen.Run(t.Context(), sess, 1, sink))
		final := sink.finals(1)
		require.Len(t, final, 1)
		assert.Equal(t, humanNumber, final[0].RedirectTarget)
		assert.False(t, final[0].TerminatesSession)
	})
}

func TestRun_SupersededBeforeDomainAction(t *testing.T) {
	var sess *session.Session
	r := reasoner.Func(func(ctx context.Context, req *reasoner.Request) (reasoner.Stream, error) {
		if req.Handler == handler.Triage {
			return reasoner.NewSliceStream(call("c1", handler.ActionTransferToPayments, nil)), nil
		}
		// A newer request lands while this step is streaming.
		sess.RaiseHighest(2)
		return reasoner.NewSliceStream(call("c2", banking.ActionTransferFunds, nil)), nil
	})
	var calls atomic.Int32
	gen := newTestGenerator(t, r, countingActions(&calls, nil), nil)
	sess = acceptedSession(t, 1)
	sink := &recordingSink{sess: sess}

	err := gen.Run(t.Context(), sess, 1, sink)
	assert.ErrorIs(t, err, ErrSuperseded)
	assert.Equal(t, int32(0), calls.Load(), "stale turns must not mutate state")
	assert.Empty(t, sink.fragments())
	assert.Empty(t, sess.Transcript())
	assert.Equal(t, handler.Payments, sess.ActiveHandler(), "hand-offs made before supersession stand")
}

func TestRun_SupersededMidStream(t *testing.T) {
	var sess *session.Session
	r := reasoner.Func(func(ctx context.Context, req *reasoner.Request) (reasoner.Stream, error) {
		return &raisingStream{
			Stream: reasoner.NewSliceStream(text("First sentence here. "), text("Second sentence here. "), text("Third.")),
			after:  1,
			raise:  func() { sess.RaiseHighest(2) },
		}, nil
	})
	var calls atomic.Int32
	gen := newTestGenerator(t, r, countingActions(&calls, nil), nil)
	sess = acceptedSession(t, 1)
	sink := &recordingSink{sess: sess}

	err := gen.Run(t.Context(), sess, 1, sink)
	assert.ErrorIs(t, err, ErrSuperseded)
	frags := sink.forSeq(1)
	require.Len(t, frags, 1)
	assert.Equal(t, "First sentence here.", frags[0].Text)
	assert.Empty(t, sink.violations)
	assert.Empty(t, sess.Transcript())
}

// raisingStream calls raise once after events have been read.
type raisingStream struct {
	reasoner.Stream
	after int
	n     int
	raise func()
}

func (s *raisingStream) Next() (reasoner.Event, error) {
	if s.n == s.after {
		s.raise()
	}
	s.n++
	return s.Stream.Next()
}

func TestRun_ReasonerError(t *testing.T) {
	boom := errors.New("upstream unavailable")
	r := reasoner.Func(func(ctx context.Context, req *reasoner.Request) (reasoner.Stream, error) {
		return nil, boom
	})
	var calls atomic.Int32
	gen := newTestGenerator(t, r, countingActions(&calls, nil), nil)
	sess := acceptedSession(t, 1)

	err := gen.Run(t.Context(), sess, 1, &recordingSink{sess: sess})
	assert.ErrorIs(t, err, boom)
}

func TestRun_HistoryIncludesTranscript(t *testing.T) {
	var got []reasoner.Message
	r := reasoner.Func(func(ctx context.Context, req *reasoner.Request) (reasoner.Stream, error) {
		got = req.Messages
		return reasoner.NewSliceStream(text("ok")), nil
	})
	var calls atomic.Int32
	gen := newTestGenerator(t, r, countingActions(&calls, nil), nil)
	sess := acceptedSession(t, 1)
	sess.Append(session.Utterance{Speaker: session.SpeakerSystem, Text: "caller context"})
	sess.Append(session.Utterance{Speaker: session.SpeakerAgent, Text: "Hey Alex"})
	sess.Append(session.Utterance{Speaker: session.SpeakerUser, Text: "balance"})

	require.NoError(t, gen.Run(t.Context(), sess, 1, &recordingSink{sess: sess}))
	assert.Equal(t, []reasoner.Message{
		{Role: reasoner.RoleSystem, Content: "caller context"},
		{Role: reasoner.RoleAgent, Content: "Hey Alex"},
		{Role: reasoner.RoleUser, Content: "balance"},
	}, got)
}

func TestRun_PublishesAndTraces(t *testing.T) {
	r, _ := script(
		[]reasoner.Event{call("c1", handler.ActionTransferToAccounts, nil)},
		[]reasoner.Event{call("c2", banking.ActionAccountBalance, nil)},
		[]reasoner.Event{text("Done.")},
	)
	var calls atomic.Int32
	b := mirror.NewBroadcaster(nil)
	defer b.Close()
	events, _ := b.Subscribe(t.Context(), "call-gen")

	exp := tracetest.NewInMemoryExporter()
	reg, err := handler.NewRegistry(countingActions(&calls, nil), humanNumber)
	require.NoError(t, err)
	gen := NewGenerator(GeneratorConfig{
		Registry: reg, Reasoner: r, Mirror: b,
		Tracer: tracing.NewWithExporter("test", exp).Tracer(),
	})
	sess := acceptedSession(t, 1)

	require.NoError(t, gen.Run(t.Context(), sess, 1, &recordingSink{sess: sess}))

	var types []string
	for len(events) > 0 {
		types = append(types, (<-events).Type)
	}
	assert.Equal(t, []string{mirror.TypeHandoff, mirror.TypeAction, mirror.TypeFinal, mirror.TypeUtterance}, types)

	names := map[string]bool{}
	for _, s := range exp.GetSpans() {
		names[s.Name] = true
	}
	assert.True(t, names["turn.generate"])
	assert.True(t, names["reasoner.step"])
	assert.True(t, names["action."+banking.ActionAccountBalance])
}

func TestGreetAndFallback(t *testing.T) {
	var calls atomic.Int32
	r, _ := script([]reasoner.Event{text("unused")})
	gen := newTestGenerator(t, r, countingActions(&calls, nil), nil)

	sess := session.New(t.Context(), "c")
	sink := &recordingSink{sess: sess}
	require.NoError(t, gen.Controller().Accept(sess, 0))
	require.NoError(t, gen.Greet(sess, &profile.Profile{Name: "Jordan Lee"}, sink))
	assert.Equal(t, "Hey Jordan, thanks for calling. How can I help you with your banking today?", sink.finals(0)[0].Text)

	require.NoError(t, gen.Controller().Accept(sess, 1))
	require.NoError(t, gen.Fallback(sess, 1, sink))
	assert.Equal(t, fallbackText, sink.finals(1)[0].Text)
	assert.ErrorIs(t, gen.Fallback(sess, 1, sink), ErrSuperseded, "one final per sequence")

	transcript := sess.Transcript()
	require.Len(t, transcript, 2)
	assert.Equal(t, session.SpeakerAgent, transcript[1].Speaker)
}
