// ABOUTME: Preemption gate between response generation and the connection
// ABOUTME: Newer sequences suppress older ones and each sequence gets at most one final fragment

package turn

import (
	"github.com/Youmanvi/bankAssistant/internal/metrics"
	"github.com/Youmanvi/bankAssistant/internal/session"
)

// Controller validates response sequences and gates fragment delivery.
type Controller struct {
	metrics *metrics.Metrics
}

// NewController creates a controller. m may be nil.
func NewController(m *metrics.Metrics) *Controller {
	return &Controller{metrics: m}
}

// Accept raises the session's highest requested sequence to seq.
// A lower seq is stale and an equal one is a duplicate.
func (c *Controller) Accept(sess *session.Session, seq int64) error {
	sess.LockEmit()
	defer sess.UnlockEmit()

	prev, raised := sess.RaiseHighest(seq)
	switch {
	case raised:
		return nil
	case seq == prev:
		return ErrDuplicateSequence
	default:
		return ErrStaleSequence
	}
}

// ShouldSuppress reports whether seq has been superseded.
func (c *Controller) ShouldSuppress(sess *session.Session, seq int64) bool {
	return seq < sess.HighestRequested()
}

// Deliver hands frag to sink unless its sequence is superseded or already
// finished. For a delivered final fragment, commit runs before the lock is
// released, so a newer request sees its effects. Deliver reports whether the
// fragment went out.
func (c *Controller) Deliver(sess *session.Session, frag Fragment, sink Sink, commit func()) (bool, error) {
	sess.LockEmit()
	defer sess.UnlockEmit()

	if c.ShouldSuppress(sess, frag.Sequence) || frag.Sequence <= sess.LastFinal() {
		c.metrics.Fragment(false)
		return false, nil
	}
	if err := sink.Fragment(frag); err != nil {
		return false, err
	}
	c.metrics.Fragment(true)

	if frag.IsFinal {
		sess.SetLastFinal(frag.Sequence)
		if commit != nil {
			commit()
		}
	}
	return true, nil
}
