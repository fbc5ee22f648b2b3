package workflow

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

type captureRecorder struct {
	mu     sync.Mutex
	events []*EventRecord
}

func (r *captureRecorder) Record(ev *EventRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *captureRecorder) types() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventType, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.EventType
	}
	return out
}

func TestStateMachine_HappyPath(t *testing.T) {
	rec := &captureRecorder{}
	sm := NewStateMachine("exec-1", []string{"a"}, rec, nil)
	ctx := context.Background()

	for _, ev := range []NodeEvent{EventMarkReady, EventStart, EventComplete} {
		_, err := sm.Apply(ctx, "a", ev, nil)
		require.NoError(t, err, ev)
	}

	st, ok := sm.State("a")
	require.True(t, ok)
	assert.Equal(t, StatusCompleted, st.Status)
	assert.Equal(t, 1.0, st.Progress)
	assert.NotNil(t, st.StartedAt)
	assert.NotNil(t, st.CompletedAt)
	require.Len(t, st.History, 3)
	assert.Equal(t, StatusReady, st.History[1].From)
	assert.Equal(t, []EventType{EventStepReady, EventStepStarted, EventStepCompleted}, rec.types())
	assert.Equal(t, "exec-1", rec.events[0].ExecutionID)
}

func TestStateMachine_InvalidTransitionLeavesState(t *testing.T) {
	rec := &captureRecorder{}
	sm := NewStateMachine("exec-1", []string{"a"}, rec, nil)

	_, err := sm.Apply(context.Background(), "a", EventComplete, nil)
	var ite *InvalidTransitionError
	require.ErrorAs(t, err, &ite)
	assert.Equal(t, StatusPending, ite.From)
	assert.Equal(t, EventComplete, ite.Event)

	st, _ := sm.State("a")
	assert.Equal(t, StatusPending, st.Status)
	assert.Empty(t, st.History)
	assert.Empty(t, rec.types())

	_, err = sm.Apply(context.Background(), "ghost", EventStart, nil)
	assert.ErrorIs(t, err, ErrNodeNotFound)
}

func TestStateMachine_RetryAndPayload(t *testing.T) {
	sm := NewStateMachine("exec-1", []string{"a"}, nil, nil)
	ctx := context.Background()
	_, _ = sm.Apply(ctx, "a", EventMarkReady, nil)
	_, _ = sm.Apply(ctx, "a", EventStart, nil)
	st, err := sm.Apply(ctx, "a", EventFail, map[string]any{PayloadError: "smtp down"})
	require.NoError(t, err)
	assert.Equal(t, "smtp down", st.Error)
	assert.NotNil(t, st.CompletedAt)

	st, err = sm.Apply(ctx, "a", EventRetry, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, st.Status)
	assert.Equal(t, 1, st.RetryCount)
	assert.Empty(t, st.Error)
	assert.Nil(t, st.CompletedAt)

	st, err = sm.Apply(ctx, "a", EventBlock, map[string]any{PayloadBlockedBy: []string{"x", "y"}})
	require.NoError(t, err)
	assert.Equal(t, StatusBlocked, st.Status)
	assert.Equal(t, []string{"x", "y"}, st.BlockedBy)
}

func TestStateMachine_PauseResume(t *testing.T) {
	sm := NewStateMachine("exec-1", []string{"form"}, nil, nil)
	ctx := context.Background()
	for _, ev := range []NodeEvent{EventMarkReady, EventStart, EventPause} {
		_, err := sm.Apply(ctx, "form", ev, nil)
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"form"}, sm.NodesIn(StatusPaused))
	assert.True(t, sm.CanApply("form", EventResume))
	assert.False(t, sm.CanApply("form", EventComplete))

	_, err := sm.Apply(ctx, "form", EventResume, nil)
	require.NoError(t, err)
	status, _ := sm.Status("form")
	assert.Equal(t, StatusRunning, status)
}

func TestStateMachine_Restore(t *testing.T) {
	sm := NewStateMachine("exec-1", []string{"a"}, nil, nil)
	require.NoError(t, sm.Restore("a", StatusCompleted))
	status, _ := sm.Status("a")
	assert.Equal(t, StatusCompleted, status)
	assert.Error(t, sm.Restore("a", NodeStatus("exploded")))
	assert.ErrorIs(t, sm.Restore("b", StatusPending), ErrNodeNotFound)
}

func TestTransitionTable_TerminalStatuses(t *testing.T) {
	for _, s := range AllNodeStatuses {
		for _, ev := range AllNodeEvents {
			_, ok := NextStatus(s, ev)
			if s.IsTerminal() {
				assert.False(t, ok, "%s --%s--> must not exist", s, ev)
			}
		}
	}
}

func TestProperty_StateMachine_FollowsTable(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		sm := NewStateMachine("exec", []string{"n"}, nil, nil)
		events := rapid.SliceOfN(rapid.SampledFrom(AllNodeEvents), 1, 30).Draw(rt, "events")

		want := StatusPending
		for _, ev := range events {
			before, _ := sm.Status("n")
			next, legal := NextStatus(before, ev)
			_, err := sm.Apply(context.Background(), "n", ev, nil)
			var ite *InvalidTransitionError
			if legal {
				if err != nil {
					rt.Fatalf("legal %s --%s--> rejected: %v", before, ev, err)
				}
				want = next
			} else if !errors.As(err, &ite) {
				rt.Fatalf("illegal %s --%s--> accepted", before, ev)
			}
			if got, _ := sm.Status("n"); got != want {
				rt.Fatalf("status %s, want %s", got, want)
			}
		}

		st, _ := sm.State("n")
		for i := 1; i < len(st.History); i++ {
			if st.History[i].From != st.History[i-1].To {
				rt.Fatalf("history broken at %d", i)
			}
		}
	})
}

func TestScheduler_Lifecycle(t *testing.T) {
	done := map[string]bool{}
	deps := map[string][]string{"b": {"a"}, "c": {"a"}}
	ready := func(id string) bool {
		for _, d := range deps[id] {
			if !done[d] {
				return false
			}
		}
		return true
	}
	s := NewScheduler([]string{"a", "b", "c"}, 1, ready, nil)

	next := s.GetNextNodes()
	require.Equal(t, []string{"a"}, next)
	require.NoError(t, s.MarkRunning("a"))
	assert.Empty(t, s.GetNextNodes(), "parallelism is saturated")

	require.NoError(t, s.MarkCompleted("a"))
	done["a"] = true
	assert.Equal(t, []string{"b"}, s.GetNextNodes())
	assert.Equal(t, []string{"b", "c"}, s.IDs(SetReady))

	require.NoError(t, s.MarkRunning("b"))
	require.NoError(t, s.MarkPaused("b"))
	require.NoError(t, s.MarkSkipped("c"))
	assert.True(t, s.IsBlocked())
	assert.False(t, s.IsComplete())

	require.NoError(t, s.Resume("b"))
	require.NoError(t, s.MarkCompleted("b"))
	assert.True(t, s.IsComplete())
	assert.True(t, s.IsIdle())
	assert.Equal(t, map[QueueSet]int{SetCompleted: 2, SetSkipped: 1}, s.Counts())
}

func TestScheduler_RejectsIllegalMoves(t *testing.T) {
	s := NewScheduler([]string{"a"}, 0, nil, nil)
	assert.Equal(t, 1, s.MaxParallel())
	assert.Error(t, s.MarkCompleted("a"))
	assert.ErrorIs(t, s.MarkRunning("zzz"), ErrNodeNotFound)

	require.NoError(t, s.MarkReady("a"))
	require.NoError(t, s.MarkFailed("a"))
	assert.True(t, s.HasFailed())
	assert.Error(t, s.MarkSkipped("a"))

	s.Restore("a", SetReady)
	set, _ := s.Set("a")
	assert.Equal(t, SetReady, set)
	assert.Equal(t, []string{"a"}, s.GetNextNodes())
}

func TestProperty_Scheduler_NeverExceedsParallelism(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		size := rapid.IntRange(1, 20).Draw(rt, "size")
		maxParallel := rapid.IntRange(1, 5).Draw(rt, "maxParallel")
		ids := make([]string, size)
		for i := range ids {
			ids[i] = string(rune('a' + i))
		}
		s := NewScheduler(ids, maxParallel, nil, nil)

		for steps := 0; !s.IsComplete() && steps < 100; steps++ {
			for _, id := range s.GetNextNodes() {
				if err := s.MarkRunning(id); err != nil {
					rt.Fatal(err)
				}
			}
			running := s.IDs(SetRunning)
			if len(running) > maxParallel {
				rt.Fatalf("%d running, limit %d", len(running), maxParallel)
			}
			if len(running) > 0 {
				finish := rapid.SampledFrom(running).Draw(rt, "finish")
				if err := s.MarkCompleted(finish); err != nil {
					rt.Fatal(err)
				}
			}
		}
		if !s.IsComplete() {
			rt.Fatalf("scheduler did not drain: %v", s.Counts())
		}
	})
}
