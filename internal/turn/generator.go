// ABOUTME: Response generation loop over reasoning steps, actions and hand-offs
// ABOUTME: Streams speakable fragments through the preemption gate and records the final turn text

package turn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/Youmanvi/bankAssistant/internal/banking"
	"github.com/Youmanvi/bankAssistant/internal/handler"
	"github.com/Youmanvi/bankAssistant/internal/metrics"
	"github.com/Youmanvi/bankAssistant/internal/mirror"
	"github.com/Youmanvi/bankAssistant/internal/profile"
	"github.com/Youmanvi/bankAssistant/internal/reasoner"
	"github.com/Youmanvi/bankAssistant/internal/session"
	"github.com/Youmanvi/bankAssistant/internal/speech"
	"github.com/Youmanvi/bankAssistant/internal/tracing"
)

const (
	defaultMaxHandoffs = 3
	defaultMaxSteps    = 8

	fallbackText = "I'm sorry, something went wrong on my end. Could you say that again?"
)

// GeneratorConfig wires a Generator. Registry, Reasoner and Controller are required.
type GeneratorConfig struct {
	Registry   *handler.Registry
	Reasoner   reasoner.Reasoner
	Controller *Controller
	Mirror     mirror.Publisher
	Metrics    *metrics.Metrics
	Tracer     trace.Tracer
	Logger     *slog.Logger

	MaxHandoffs int
	MaxSteps    int
	Chunking    speech.ChunkConfig
}

// Generator produces the response for one sequence.
type Generator struct {
	registry *handler.Registry
	reasoner reasoner.Reasoner
	control  *Controller
	mirror   mirror.Publisher
	metrics  *metrics.Metrics
	tracer   trace.Tracer
	logger   *slog.Logger

	maxHandoffs int
	maxSteps    int
	chunking    speech.ChunkConfig
}

// NewGenerator creates a generator from cfg.
func NewGenerator(cfg GeneratorConfig) *Generator {
	g := &Generator{
		registry:    cfg.Registry,
		reasoner:    cfg.Reasoner,
		control:     cfg.Controller,
		mirror:      cfg.Mirror,
		metrics:     cfg.Metrics,
		tracer:      cfg.Tracer,
		logger:      cfg.Logger,
		maxHandoffs: cfg.MaxHandoffs,
		maxSteps:    cfg.MaxSteps,
		chunking:    cfg.Chunking,
	}
	if g.mirror == nil {
		g.mirror = mirror.Discard
	}
	if g.tracer == nil {
		g.tracer = noop.NewTracerProvider().Tracer("noop")
	}
	if g.logger == nil {
		g.logger = slog.Default()
	}
	g.logger = g.logger.With("component", "generator")
	if g.maxHandoffs <= 0 {
		g.maxHandoffs = defaultMaxHandoffs
	}
	if g.maxSteps <= 0 {
		g.maxSteps = defaultMaxSteps
	}
	if g.control == nil {
		g.control = NewController(cfg.Metrics)
	}
	return g
}

// Controller returns the preemption gate the generator delivers through.
func (g *Generator) Controller() *Controller {
	return g.control
}

// Run generates the response for seq. It returns ErrSuperseded as soon as a
// newer sequence is accepted; nothing is recorded for an abandoned turn.
func (g *Generator) Run(ctx context.Context, sess *session.Session, seq int64, sink Sink) error {
	ctx, span := g.tracer.Start(ctx, "turn.generate", trace.WithAttributes(
		tracing.AttrCallID.String(sess.CallID()),
		tracing.AttrSequence.Int64(seq),
	))
	defer span.End()

	t := &turn{
		g:       g,
		sess:    sess,
		seq:     seq,
		sink:    sink,
		history: historyMessages(sess.Transcript()),
		logger:  g.logger.With("call_id", sess.CallID(), "sequence", seq),
	}
	err := t.run(ctx)
	switch {
	case err == nil:
		span.SetAttributes(tracing.AttrOutcome.String(metrics.OutcomeCompleted))
	case errors.Is(err, ErrSuperseded):
		span.SetAttributes(tracing.AttrOutcome.String(metrics.OutcomeSuperseded))
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// Greet delivers the opening line as the final fragment of sequence 0.
func (g *Generator) Greet(sess *session.Session, p *profile.Profile, sink Sink) error {
	return g.deliverFinal(sess, 0, handler.Greeting(p), sink)
}

// Fallback delivers an apology as the final fragment of seq after a failed
// generation. It does nothing when seq has been superseded or already finished.
func (g *Generator) Fallback(sess *session.Session, seq int64, sink Sink) error {
	return g.deliverFinal(sess, seq, fallbackText, sink)
}

func (g *Generator) deliverFinal(sess *session.Session, seq int64, text string, sink Sink) error {
	frag := Fragment{Sequence: seq, Text: text, IsFinal: true}
	ok, err := g.control.Deliver(sess, frag, sink, func() {
		sess.Append(session.Utterance{Speaker: session.SpeakerAgent, Text: text})
	})
	if err != nil {
		return err
	}
	if !ok {
		return ErrSuperseded
	}
	g.publishFinal(sess, frag, text)
	return nil
}

func (g *Generator) publishFinal(sess *session.Session, frag Fragment, full string) {
	active := string(sess.ActiveHandler())
	g.mirror.Publish(mirror.Event{
		Type: mirror.TypeFinal, CallID: sess.CallID(), Sequence: frag.Sequence,
		Handler: active, Text: frag.Text,
	})
	if full != "" {
		g.mirror.Publish(mirror.Event{
			Type: mirror.TypeUtterance, CallID: sess.CallID(), Sequence: frag.Sequence,
			Handler: active, Speaker: string(session.SpeakerAgent), Text: full,
		})
	}
}

// turn is the working state of one Run.
type turn struct {
	g    *Generator
	sess *session.Session
	seq  int64
	sink Sink

	history  []reasoner.Message
	working  []reasoner.Message
	pieces   []string // text delivered so far
	handoffs int
	logger   *slog.Logger
}

func (t *turn) run(ctx context.Context) error {
	for range t.g.maxSteps {
		if t.superseded() {
			return ErrSuperseded
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		active := t.sess.ActiveHandler()
		h, ok := t.g.registry.Get(active)
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownHandler, active)
		}

		rest, spoken, calls, err := t.step(ctx, h)
		if err != nil {
			return err
		}
		if len(calls) == 0 {
			return t.finish(rest, handler.ControlNone)
		}

		ctrl := controlOf(h, calls)
		if ctrl == handler.ControlNone {
			if err := t.speak(rest); err != nil {
				return err
			}
		}

		results, err := t.execute(ctx, h, calls)
		if err != nil {
			return err
		}
		t.working = append(t.working, reasoner.Message{Role: reasoner.RoleAgent, Content: spoken, Calls: calls})
		t.working = append(t.working, results...)

		if ctrl != handler.ControlNone {
			return t.finish(rest, ctrl)
		}
	}
	return ErrStepLimit
}

// step runs one reasoning step for h. Completed sentences are delivered as
// they stream; the unreleased tail is returned as rest. spoken is the whole
// step text for the working context.
func (t *turn) step(ctx context.Context, h *handler.Handler) (rest, spoken string, calls []reasoner.Call, err error) {
	ctx, span := t.g.tracer.Start(ctx, "reasoner.step", trace.WithAttributes(
		tracing.AttrHandler.String(string(h.ID)),
	))
	defer span.End()

	req := &reasoner.Request{
		Handler:      h.ID,
		Instructions: h.Instructions,
		Messages:     append(append([]reasoner.Message(nil), t.history...), t.working...),
		Tools:        reasoner.ToolsFor(h),
	}
	stream, err := t.g.reasoner.Step(ctx, req)
	if err != nil {
		span.RecordError(err)
		return "", "", nil, fmt.Errorf("reasoning step: %w", err)
	}
	defer stream.Close()

	chunker := speech.NewChunker(t.g.chunking)
	var all strings.Builder
	for {
		ev, err := stream.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			span.RecordError(err)
			return "", "", nil, fmt.Errorf("reading reasoning stream: %w", err)
		}
		switch ev.Type {
		case reasoner.EventText:
			all.WriteString(ev.Text)
			for _, chunk := range chunker.Push(ev.Text) {
				if err := t.speak(chunk); err != nil {
					return "", "", nil, err
				}
			}
		case reasoner.EventCall:
			calls = append(calls, ev.Call)
		}
	}
	return chunker.Flush(), speech.Plain(all.String()), calls, nil
}

// speak delivers text as a non-final fragment.
func (t *turn) speak(text string) error {
	piece := t.piece(text)
	if piece == "" {
		return nil
	}
	ok, err := t.g.control.Deliver(t.sess, Fragment{Sequence: t.seq, Text: piece}, t.sink, nil)
	if err != nil {
		return err
	}
	if !ok {
		return ErrSuperseded
	}
	t.pieces = append(t.pieces, strings.TrimSpace(piece))
	return nil
}

// piece cleans text for speech. Pieces after the first carry a leading space
// because the client concatenates fragment content.
func (t *turn) piece(text string) string {
	text = speech.Plain(text)
	if text == "" || len(t.pieces) == 0 {
		return text
	}
	return " " + text
}

func (t *turn) finish(rest string, ctrl handler.Control) error {
	piece := t.piece(rest)
	frag := Fragment{Sequence: t.seq, Text: piece, IsFinal: true}
	switch ctrl {
	case handler.ControlEndCall:
		frag.TerminatesSession = true
	case handler.ControlTransferToHuman:
		frag.RedirectTarget = t.g.registry.HumanNumber()
	}

	full := strings.Join(append(t.pieces, strings.TrimSpace(piece)), " ")
	full = strings.TrimSpace(full)

	ok, err := t.g.control.Deliver(t.sess, frag, t.sink, func() {
		if full != "" {
			t.sess.Append(session.Utterance{Speaker: session.SpeakerAgent, Text: full})
		}
	})
	if err != nil {
		return err
	}
	if !ok {
		return ErrSuperseded
	}
	t.g.publishFinal(t.sess, frag, full)
	t.logger.Debug("turn complete", "handler", t.sess.ActiveHandler(), "handoffs", t.handoffs,
		"end_call", frag.TerminatesSession, "redirect", frag.RedirectTarget != "")
	return nil
}

// execute runs the calls of one step and returns one tool message per call.
func (t *turn) execute(ctx context.Context, h *handler.Handler, calls []reasoner.Call) ([]reasoner.Message, error) {
	results := make([]reasoner.Message, 0, len(calls))
	handedOff := false

	for _, call := range calls {
		var result string
		a, ok := h.Action(call.Name)
		switch {
		case !ok:
			t.logger.Warn("unknown action requested", "handler", h.ID, "action", call.Name)
			result = fmt.Sprintf("error: %s is not available here", call.Name)

		case a.Kind == handler.KindDomain:
			if t.superseded() {
				return nil, ErrSuperseded
			}
			out, err := t.runAction(ctx, a, call)
			if err != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return nil, ctxErr
				}
				result = "error: " + err.Error()
			} else {
				result = out
			}

		case a.Kind == handler.KindHandoff:
			if handedOff {
				result = "skipped: only one transfer can happen at a time"
				break
			}
			if t.superseded() {
				return nil, ErrSuperseded
			}
			to, err := t.handoff(h.ID, a.Target)
			if err != nil {
				return nil, err
			}
			handedOff = true
			result = "transferred to " + string(to)

		case a.Kind == handler.KindControl:
			result = "ok"
		}

		results = append(results, reasoner.Message{
			Role:    reasoner.RoleTool,
			Content: result,
			CallID:  call.ID,
			Name:    call.Name,
		})
	}
	return results, nil
}

func (t *turn) runAction(ctx context.Context, a handler.Action, call reasoner.Call) (string, error) {
	ctx, span := t.g.tracer.Start(ctx, "action."+a.Name, trace.WithAttributes(
		tracing.AttrAction.String(a.Name),
	))
	defer span.End()

	out, err := a.Exec(ctx, banking.Invocation{UserID: t.sess.UserID(), Args: call.Args})
	t.g.metrics.Action(a.Name, err)

	ev := mirror.Event{
		Type: mirror.TypeAction, CallID: t.sess.CallID(), Sequence: t.seq,
		Handler: string(t.sess.ActiveHandler()), Action: a.Name, Result: out,
	}
	if err != nil {
		span.RecordError(err)
		ev.Result = "error: " + err.Error()
		t.logger.Info("action rejected", "action", a.Name, "error", err)
	}
	t.g.mirror.Publish(ev)
	return out, err
}

// handoff switches the active handler and returns the handler now active.
// If another turn already moved the call, its choice stands.
func (t *turn) handoff(from, to handler.ID) (handler.ID, error) {
	if !handler.CanTransition(from, to) {
		return "", fmt.Errorf("%w: %s to %s", ErrIllegalHandoff, from, to)
	}
	t.handoffs++
	if t.handoffs > t.g.maxHandoffs {
		return "", fmt.Errorf("%w: %d in one turn", ErrHandoffLimit, t.handoffs)
	}

	if !t.sess.Handoff(from, to) {
		current := t.sess.ActiveHandler()
		t.logger.Info("hand-off lost to concurrent turn", "from", from, "to", to, "active", current)
		return current, nil
	}

	t.g.metrics.Handoff(string(from), string(to))
	t.g.mirror.Publish(mirror.Event{
		Type: mirror.TypeHandoff, CallID: t.sess.CallID(), Sequence: t.seq,
		From: string(from), To: string(to),
	})
	t.logger.Info("hand-off", "from", from, "to", to)
	return to, nil
}

func (t *turn) superseded() bool {
	return t.g.control.ShouldSuppress(t.sess, t.seq)
}

// controlOf returns the first control effect among calls.
func controlOf(h *handler.Handler, calls []reasoner.Call) handler.Control {
	for _, c := range calls {
		if a, ok := h.Action(c.Name); ok && a.Kind == handler.KindControl {
			return a.Control
		}
	}
	return handler.ControlNone
}

func historyMessages(transcript []session.Utterance) []reasoner.Message {
	msgs := make([]reasoner.Message, 0, len(transcript))
	for _, u := range transcript {
		role := reasoner.RoleUser
		switch u.Speaker {
		case session.SpeakerAgent:
			role = reasoner.RoleAgent
		case session.SpeakerSystem:
			role = reasoner.RoleSystem
		}
		msgs = append(msgs, reasoner.Message{Role: role, Content: u.Text})
	}
	return msgs
}
