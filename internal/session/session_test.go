// ABOUTME: Tests for per-call session state
// ABOUTME: Covers transcript merging, handler compare-and-swap, sequence raising and teardown

package session

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/Youmanvi/bankAssistant/internal/handler"
	"github.com/Youmanvi/bankAssistant/internal/profile"
)

func u(sp Speaker, text string) Utterance { return Utterance{Speaker: sp, Text: text} }

func TestNew_Defaults(t *testing.T) {
	s := New(t.Context(), "call-1")
	assert.Equal(t, "call-1", s.CallID())
	assert.NotEmpty(t, s.ConnID())
	assert.Equal(t, handler.Triage, s.ActiveHandler())
	assert.Equal(t, int64(-1), s.HighestRequested())
	assert.Equal(t, int64(-1), s.LastFinal())
	assert.False(t, s.Initialized())
	assert.Empty(t, s.Transcript())
	assert.Nil(t, s.Profile())
}

func TestMerge_OnlyNewUserEntries(t *testing.T) {
	s := New(t.Context(), "c")
	s.Append(u(SpeakerAgent, "Hey there"))

	added := s.Merge([]Utterance{u(SpeakerAgent, "Hey there"), u(SpeakerUser, "balance")}, true)
	assert.Equal(t, []Utterance{u(SpeakerUser, "balance")}, added)

	s.Append(u(SpeakerAgent, "You have $10."))
	added = s.Merge([]Utterance{
		u(SpeakerAgent, "Hey there"), u(SpeakerUser, "balance"),
		u(SpeakerAgent, "You have $10."), u(SpeakerUser, " thanks "),
	}, true)
	assert.Equal(t, []Utterance{u(SpeakerUser, "thanks")}, added)

	assert.Equal(t, []Utterance{
		u(SpeakerAgent, "Hey there"), u(SpeakerUser, "balance"),
		u(SpeakerAgent, "You have $10."), u(SpeakerUser, "thanks"),
	}, s.Transcript())
}

func TestMerge_IncompleteTailWaits(t *testing.T) {
	s := New(t.Context(), "c")

	assert.Empty(t, s.Merge([]Utterance{u(SpeakerUser, "what's my")}, false))
	added := s.Merge([]Utterance{u(SpeakerUser, "what's my balance")}, true)
	assert.Equal(t, []Utterance{u(SpeakerUser, "what's my balance")}, added)
	assert.Len(t, s.Transcript(), 1)
}

func TestMerge_TrimmedHistory(t *testing.T) {
	s := New(t.Context(), "c")
	s.Merge([]Utterance{u(SpeakerUser, "a"), u(SpeakerAgent, "b"), u(SpeakerUser, "c")}, true)

	added := s.Merge([]Utterance{u(SpeakerUser, "d")}, true)
	assert.Equal(t, []Utterance{u(SpeakerUser, "d")}, added)
}

func TestHandoff_CompareAndSwap(t *testing.T) {
	s := New(t.Context(), "c")
	require.True(t, s.Handoff(handler.Triage, handler.Accounts))
	assert.False(t, s.Handoff(handler.Triage, handler.Payments), "stale from")
	assert.Equal(t, handler.Accounts, s.ActiveHandler())
}

func TestRaiseHighest(t *testing.T) {
	s := New(t.Context(), "c")

	prev, ok := s.RaiseHighest(0)
	assert.True(t, ok)
	assert.Equal(t, int64(-1), prev)

	_, ok = s.RaiseHighest(0)
	assert.False(t, ok)

	_, ok = s.RaiseHighest(5)
	assert.True(t, ok)
	prev, ok = s.RaiseHighest(3)
	assert.False(t, ok)
	assert.Equal(t, int64(5), prev)
}

func TestRaiseHighest_Concurrent(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		seqs := rapid.SliceOfN(rapid.Int64Range(0, 50), 1, 40).Draw(rt, "seqs")
		s := New(context.Background(), "c")

		var wg sync.WaitGroup
		var mu sync.Mutex
		wins := map[int64]int{}
		for _, seq := range seqs {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, ok := s.RaiseHighest(seq); ok {
					mu.Lock()
					wins[seq]++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		var want int64 = -1
		for _, seq := range seqs {
			want = max(want, seq)
		}
		if s.HighestRequested() != want {
			rt.Fatalf("highest = %d, want %d", s.HighestRequested(), want)
		}
		for seq, n := range wins {
			if n > 1 {
				rt.Fatalf("sequence %d raised %d times", seq, n)
			}
		}
	})
}

func TestInitAndReady(t *testing.T) {
	s := New(t.Context(), "c")
	assert.True(t, s.MarkInitialized())
	assert.False(t, s.MarkInitialized())
	assert.True(t, s.Initialized())

	select {
	case <-s.Ready():
		t.Fatal("ready before seed")
	default:
	}
	s.MarkReady()
	s.MarkReady()
	<-s.Ready()
}

func TestCallerAndSnapshot(t *testing.T) {
	s := New(t.Context(), "c")
	s.SetCaller("+15550100001", &profile.Profile{UserID: "u1", Name: "Alex Morgan"})
	s.Append(u(SpeakerSystem, "seed"))
	s.Handoff(handler.Triage, handler.Payments)
	s.RaiseHighest(4)
	s.LockEmit()
	s.SetLastFinal(4)
	s.UnlockEmit()

	info := s.Snapshot()
	assert.Equal(t, "u1", info.UserID)
	assert.Equal(t, "+15550100001", info.FromNumber)
	assert.Equal(t, handler.Payments, info.ActiveHandler)
	assert.Equal(t, int64(4), info.Highest)
	assert.Equal(t, int64(1), info.Turns)
	assert.Equal(t, 1, info.Utterances)
	assert.Equal(t, "u1", s.UserID())
}

func TestClose_WaitsForGoroutines(t *testing.T) {
	s := New(t.Context(), "c")
	started := make(chan struct{})
	var finished bool
	s.Go(func(ctx context.Context) {
		close(started)
		<-ctx.Done()
		finished = true
	})
	<-started
	s.Close()
	assert.True(t, finished)
	assert.Error(t, s.Context().Err())
}

func TestGo_AfterCloseIsNoop(t *testing.T) {
	s := New(t.Context(), "c")
	s.Close()
	ran := false
	assert.False(t, s.Go(func(context.Context) { ran = true }))
	s.Close()
	assert.False(t, ran)
}

func TestClose_RacingGo(t *testing.T) {
	for range 50 {
		s := New(t.Context(), "c")
		var active atomic.Int32
		var spawners sync.WaitGroup
		for range 8 {
			spawners.Add(1)
			go func() {
				defer spawners.Done()
				for range 20 {
					s.Go(func(ctx context.Context) {
						active.Add(1)
						defer active.Add(-1)
						<-ctx.Done()
					})
				}
			}()
		}
		s.Close()
		require.Equal(t, int32(0), active.Load(), "a tracked goroutine outlived Close")
		spawners.Wait()
		require.Equal(t, int32(0), active.Load())
	}
}
