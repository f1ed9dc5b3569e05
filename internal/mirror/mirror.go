// ABOUTME: Fire-and-forget fan-out of call activity to admin observers
// ABOUTME: Publishing never blocks; events are dropped for slow subscribers

package mirror

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

const subscriberBufferSize = 64

// Event types.
const (
	TypeCallStarted = "call_started"
	TypeCallEnded   = "call_ended"
	TypeUtterance   = "utterance"
	TypeHandoff     = "handoff"
	TypeAction      = "action"
	TypeFinal       = "final"
)

// Event is one observable thing that happened on a call.
type Event struct {
	Type     string    `json:"type"`
	CallID   string    `json:"call_id"`
	At       time.Time `json:"at"`
	Sequence int64     `json:"sequence,omitempty"`
	Handler  string    `json:"handler,omitempty"`
	Speaker  string    `json:"speaker,omitempty"`
	Text     string    `json:"text,omitempty"`
	From     string    `json:"from,omitempty"`
	To       string    `json:"to,omitempty"`
	Action   string    `json:"action,omitempty"`
	Result   string    `json:"result,omitempty"`
}

// Publisher accepts events without blocking.
type Publisher interface {
	Publish(ev Event)
}

// Broadcaster is an in-memory Publisher with per-call and all-call subscribers.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan Event // call ID ("" for all) -> sub ID -> ch
	logger      *slog.Logger
}

// NewBroadcaster creates a broadcaster. Pass nil logger for default.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subscribers: make(map[string]map[string]chan Event),
		logger:      logger.With("component", "mirror"),
	}
}

// Subscribe registers for events of callID, or of every call when callID is
// empty. The subscription ends when ctx is cancelled.
func (b *Broadcaster) Subscribe(ctx context.Context, callID string) (<-chan Event, string) {
	subID := uuid.New().String()
	ch := make(chan Event, subscriberBufferSize)

	b.mu.Lock()
	if _, ok := b.subscribers[callID]; !ok {
		b.subscribers[callID] = make(map[string]chan Event)
	}
	b.subscribers[callID][subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "call_id", callID, "sub_id", subID)

	go func() {
		<-ctx.Done()
		b.Unsubscribe(callID, subID)
	}()
	return ch, subID
}

// Publish delivers ev to subscribers of its call and to all-call subscribers.
func (b *Broadcaster) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	b.mu.RLock()
	var targets []chan Event
	for _, key := range []string{ev.CallID, ""} {
		for _, ch := range b.subscribers[key] {
			targets = append(targets, ch)
		}
		if ev.CallID == "" {
			break
		}
	}

	// Sends happen under the read lock so Unsubscribe cannot close a channel mid-send.
	for _, ch := range targets {
		select {
		case ch <- ev:
		default:
			b.logger.Debug("dropped event for slow subscriber", "call_id", ev.CallID, "type", ev.Type)
		}
	}
	b.mu.RUnlock()
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broadcaster) Unsubscribe(callID, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[callID]
	if !ok {
		return
	}
	ch, ok := subs[subID]
	if !ok {
		return
	}
	delete(subs, subID)
	close(ch)
	if len(subs) == 0 {
		delete(b.subscribers, callID)
	}
	b.logger.Debug("subscriber removed", "call_id", callID, "sub_id", subID)
}

// Subscribers returns the number of active subscriptions.
func (b *Broadcaster) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, subs := range b.subscribers {
		n += len(subs)
	}
	return n
}

// Close closes every subscriber channel.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for key, subs := range b.subscribers {
		for id, ch := range subs {
			close(ch)
			delete(subs, id)
		}
		delete(b.subscribers, key)
	}
}

// Discard is a Publisher that drops everything.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(Event) {}
