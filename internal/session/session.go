// ABOUTME: Per-call context: transcript, active handler, requested sequence and caller profile
// ABOUTME: All state is owned by one Session and threaded explicitly through the turn engine

package session

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/Youmanvi/bankAssistant/internal/handler"
	"github.com/Youmanvi/bankAssistant/internal/profile"
)

// Speaker identifies who produced an utterance.
type Speaker string

const (
	SpeakerAgent  Speaker = "agent"
	SpeakerUser   Speaker = "user"
	SpeakerSystem Speaker = "system"
)

// Utterance is one transcript entry.
type Utterance struct {
	Speaker Speaker `json:"speaker"`
	Text    string  `json:"text"`
}

// Session is the state of one call bound to one connection.
type Session struct {
	callID    string
	connID    string
	startedAt time.Time

	ctx    context.Context
	cancel context.CancelFunc

	// lifeMu orders wg.Add in Go before wg.Wait in Close.
	lifeMu sync.Mutex
	closed bool
	wg     sync.WaitGroup

	// mu guards the transcript, the client cursor and caller identity.
	mu         sync.Mutex
	transcript []Utterance
	cursor     int
	profile    *profile.Profile
	fromNumber string

	active      atomic.Value // handler.ID
	highest     atomic.Int64
	initialized atomic.Bool
	ready       chan struct{}
	readyOnce   sync.Once
	turns       atomic.Int64

	// emit serializes fragment delivery with sequence raises.
	emit      sync.Mutex
	lastFinal int64
}

// New creates a session for callID. The session context is derived from parent
// and cancelled by Close.
func New(parent context.Context, callID string) *Session {
	ctx, cancel := context.WithCancel(parent)
	s := &Session{
		callID:    callID,
		connID:    uuid.New().String(),
		startedAt: time.Now().UTC(),
		ctx:       ctx,
		cancel:    cancel,
		ready:     make(chan struct{}),
		lastFinal: -1,
	}
	s.active.Store(handler.Triage)
	s.highest.Store(-1)
	return s
}

// CallID returns the external call identifier.
func (s *Session) CallID() string { return s.callID }

// ConnID identifies the physical connection behind this session.
func (s *Session) ConnID() string { return s.connID }

// StartedAt is when the connection was accepted.
func (s *Session) StartedAt() time.Time { return s.startedAt }

// Context is cancelled when the session is torn down.
func (s *Session) Context() context.Context { return s.ctx }

// Transcript returns a copy of the transcript.
func (s *Session) Transcript() []Utterance {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Utterance, len(s.transcript))
	copy(out, s.transcript)
	return out
}

// Append adds an utterance to the end of the transcript.
func (s *Session) Append(u Utterance) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transcript = append(s.transcript, u)
}

// Merge absorbs the client's running transcript and returns the user
// utterances it appended. The client resends its whole history each time, so
// only entries past the cursor are new. Agent entries are skipped because the
// session records agent text itself when a final fragment is delivered.
//
// When complete is false the client's last user entry may still be growing
// under speech recognition, so it is left for a later merge.
func (s *Session) Merge(entries []Utterance, complete bool) []Utterance {
	s.mu.Lock()
	defer s.mu.Unlock()

	limit := len(entries)
	if !complete && limit > 0 && entries[limit-1].Speaker == SpeakerUser {
		limit--
	}
	if len(entries) < s.cursor {
		// The client trimmed its history; only its newest entry can be new.
		s.cursor = max(limit-1, 0)
	}
	if limit <= s.cursor {
		return nil
	}

	var added []Utterance
	for _, e := range entries[s.cursor:limit] {
		if e.Speaker != SpeakerUser || strings.TrimSpace(e.Text) == "" {
			continue
		}
		u := Utterance{Speaker: SpeakerUser, Text: strings.TrimSpace(e.Text)}
		s.transcript = append(s.transcript, u)
		added = append(added, u)
	}
	s.cursor = limit
	return added
}

// ActiveHandler returns the handler currently serving the call.
func (s *Session) ActiveHandler() handler.ID {
	return s.active.Load().(handler.ID)
}

// Handoff switches the active handler from one to another. It fails when
// from is no longer active because another turn moved the call first.
func (s *Session) Handoff(from, to handler.ID) bool {
	return s.active.CompareAndSwap(from, to)
}

// HighestRequested returns the highest response sequence accepted so far.
func (s *Session) HighestRequested() int64 {
	return s.highest.Load()
}

// RaiseHighest raises the highest requested sequence to seq. It returns the
// previous value and whether seq was higher.
func (s *Session) RaiseHighest(seq int64) (int64, bool) {
	for {
		cur := s.highest.Load()
		if seq <= cur {
			return cur, false
		}
		if s.highest.CompareAndSwap(cur, seq) {
			return cur, true
		}
	}
}

// MarkInitialized records session init. It returns false if the session was
// already initialized.
func (s *Session) MarkInitialized() bool {
	return s.initialized.CompareAndSwap(false, true)
}

// Initialized reports whether session init has been received.
func (s *Session) Initialized() bool {
	return s.initialized.Load()
}

// MarkReady signals that the caller context has been seeded.
func (s *Session) MarkReady() {
	s.readyOnce.Do(func() { close(s.ready) })
}

// Ready is closed once the caller context is seeded.
func (s *Session) Ready() <-chan struct{} {
	return s.ready
}

// SetCaller attaches the caller's number and resolved profile. p may be nil.
func (s *Session) SetCaller(fromNumber string, p *profile.Profile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fromNumber = fromNumber
	s.profile = p
}

// Profile returns the resolved caller, or nil.
func (s *Session) Profile() *profile.Profile {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.profile
}

// FromNumber returns the caller's number as sent by the client.
func (s *Session) FromNumber() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fromNumber
}

// UserID returns the resolved caller's user ID, or "".
func (s *Session) UserID() string {
	if p := s.Profile(); p != nil {
		return p.UserID
	}
	return ""
}

// LockEmit acquires the delivery lock. LastFinal and SetLastFinal require it.
func (s *Session) LockEmit() { s.emit.Lock() }

// UnlockEmit releases the delivery lock.
func (s *Session) UnlockEmit() { s.emit.Unlock() }

// LastFinal returns the sequence of the last delivered final fragment.
func (s *Session) LastFinal() int64 { return s.lastFinal }

// SetLastFinal records a delivered final fragment and counts the turn.
func (s *Session) SetLastFinal(seq int64) {
	s.lastFinal = seq
	s.turns.Add(1)
}

// Turns returns the number of completed responses.
func (s *Session) Turns() int64 { return s.turns.Load() }

// Go runs fn on a goroutine tracked by the session. It reports false and
// does nothing once Close has been called.
func (s *Session) Go(fn func(ctx context.Context)) bool {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	if s.closed {
		return false
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn(s.ctx)
	}()
	return true
}

// Close cancels in-flight work and waits for tracked goroutines to return.
// It is safe to call more than once and from several goroutines.
func (s *Session) Close() {
	s.lifeMu.Lock()
	s.closed = true
	s.lifeMu.Unlock()

	s.cancel()
	s.wg.Wait()
}

// Info is a point-in-time view of a session.
type Info struct {
	CallID        string     `json:"call_id"`
	ConnID        string     `json:"conn_id"`
	FromNumber    string     `json:"from_number,omitempty"`
	UserID        string     `json:"user_id,omitempty"`
	ActiveHandler handler.ID `json:"active_handler"`
	Highest       int64      `json:"highest_sequence"`
	Turns         int64      `json:"turns"`
	Utterances    int        `json:"utterances"`
	StartedAt     time.Time  `json:"started_at"`
}

// Snapshot returns the session's current Info.
func (s *Session) Snapshot() Info {
	s.mu.Lock()
	info := Info{
		CallID:     s.callID,
		ConnID:     s.connID,
		FromNumber: s.fromNumber,
		Utterances: len(s.transcript),
		StartedAt:  s.startedAt,
	}
	if s.profile != nil {
		info.UserID = s.profile.UserID
	}
	s.mu.Unlock()

	info.ActiveHandler = s.ActiveHandler()
	info.Highest = s.HighestRequested()
	info.Turns = s.Turns()
	return info
}
