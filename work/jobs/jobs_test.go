package jobs

import (
	"container/heap"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"stbmux/work/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noopPortalRefresher(ctx context.Context, portalID string) (*types.RefreshSummary, error) {
	return types.NewRefreshSummary(0, 0), nil
}

func noopEpgRefresher(ctx context.Context) error {
	return nil
}

// waitFor polls a job status until pred accepts it or the deadline passes.
func waitFor(t *testing.T, s *Scheduler, typ Type, portalID, desc string, pred func(*Status) bool) *Status {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if st := s.Status(typ, portalID); st != nil && pred(st) {
			return st
		}
		time.Sleep(5 * time.Millisecond)
	}
	st := s.Status(typ, portalID)
	t.Fatalf("job %s|%s never became %s, last status: %+v", typ, portalID, desc, st)
	return nil
}

func waitForState(t *testing.T, s *Scheduler, typ Type, portalID string, want State) *Status {
	t.Helper()
	return waitFor(t, s, typ, portalID, string(want), func(st *Status) bool {
		return st.State == want
	})
}

func TestRetryBackoff(t *testing.T) {
	cases := []struct {
		attempts int
		want     time.Duration
	}{
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{5, 32 * time.Second},
		{6, 60 * time.Second},
		{10, 60 * time.Second},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, retryBackoff(tc.attempts), "attempts=%d", tc.attempts)
	}
}

func TestDelayQueueOrdersByRunAt(t *testing.T) {
	now := time.Now()
	var q delayQueue
	heap.Push(&q, &job{typ: TypeRefreshPortal, portalID: "late", runAt: now.Add(time.Minute)})
	heap.Push(&q, &job{typ: TypeRefreshPortal, portalID: "now", runAt: now})
	heap.Push(&q, &job{typ: TypeRefreshPortal, portalID: "soon", runAt: now.Add(time.Second)})

	var order []string
	for q.Len() > 0 {
		order = append(order, heap.Pop(&q).(*job).portalID)
	}
	assert.Equal(t, []string{"now", "soon", "late"}, order)
}

func TestEnqueueDeduplicates(t *testing.T) {
	s, err := NewScheduler(2, 3, noopPortalRefresher, noopEpgRefresher)
	require.NoError(t, err)
	defer s.Stop()

	// dispatcher not running: the second enqueue sees the pending entry
	assert.Equal(t, "enqueued", s.EnqueueRefreshPortal("p1", "test"))
	assert.Equal(t, "queued", s.EnqueueRefreshPortal("p1", "test"))

	// a different portal is an independent key
	assert.Equal(t, "enqueued", s.EnqueueRefreshPortal("p2", "test"))
}

func TestEnqueueWhileRunning(t *testing.T) {
	started := make(chan struct{})
	finish := make(chan struct{})
	s, err := NewScheduler(2, 3, func(ctx context.Context, portalID string) (*types.RefreshSummary, error) {
		close(started)
		<-finish
		return types.NewRefreshSummary(1, 0), nil
	}, noopEpgRefresher)
	require.NoError(t, err)
	defer s.Stop()
	go s.Run()

	assert.Equal(t, "enqueued", s.EnqueueRefreshPortal("p1", "test"))
	<-started
	assert.Equal(t, "running", s.EnqueueRefreshPortal("p1", "test"))
	close(finish)

	st := waitForState(t, s, TypeRefreshPortal, "p1", StateCompleted)
	assert.Equal(t, 1, st.Attempts)
	require.NotNil(t, st.Summary)
	assert.Equal(t, 1, st.Summary.Channels)
}

func TestPortalRefreshEnqueuesGuideRebuild(t *testing.T) {
	s, err := NewScheduler(2, 3, noopPortalRefresher, noopEpgRefresher)
	require.NoError(t, err)
	defer s.Stop()
	go s.Run()

	s.EnqueueRefreshPortal("p1", "test")
	waitForState(t, s, TypeRefreshPortal, "p1", StateCompleted)
	waitForState(t, s, TypeRefreshEpg, "", StateCompleted)
}

func TestFailedJobIsRequeuedWithBackoff(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	s, err := NewScheduler(2, 3, func(ctx context.Context, portalID string) (*types.RefreshSummary, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		return nil, errors.New("portal unreachable")
	}, noopEpgRefresher)
	require.NoError(t, err)
	defer s.Stop()
	go s.Run()

	s.EnqueueRefreshPortal("p1", "test")

	// the status right after Enqueue is also queued, so wait for the first
	// attempt to be recorded, not for the state alone
	st := waitFor(t, s, TypeRefreshPortal, "p1", "requeued after the first failure", func(st *Status) bool {
		return st.State == StateQueued && st.Attempts >= 1
	})
	assert.Equal(t, 1, st.Attempts)
	assert.Equal(t, "portal unreachable", st.LastError)

	mu.Lock()
	assert.Equal(t, 1, calls, "retry must wait out the backoff, not run immediately")
	mu.Unlock()
}

func TestJobSucceedsOnThirdAttempt(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	s, err := NewScheduler(2, 3, func(ctx context.Context, portalID string) (*types.RefreshSummary, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls < 3 {
			return nil, errors.New("portal unreachable")
		}
		return types.NewRefreshSummary(4, 2), nil
	}, noopEpgRefresher)
	require.NoError(t, err)
	defer s.Stop()
	s.backoff = func(int) time.Duration { return time.Millisecond }
	go s.Run()

	s.EnqueueRefreshPortal("p1", "test")

	st := waitForState(t, s, TypeRefreshPortal, "p1", StateCompleted)
	assert.Equal(t, 3, st.Attempts)
	assert.Empty(t, st.LastError)
	require.NotNil(t, st.Summary)
	assert.Equal(t, 4, st.Summary.Channels)

	mu.Lock()
	assert.Equal(t, 3, calls)
	mu.Unlock()
}

func TestStatusEncodableWhileJobRetries(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	s, err := NewScheduler(2, 5, func(ctx context.Context, portalID string) (*types.RefreshSummary, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls < 4 {
			return nil, errors.New("portal unreachable")
		}
		return types.NewRefreshSummary(1, 0), nil
	}, noopEpgRefresher)
	require.NoError(t, err)
	defer s.Stop()
	s.backoff = func(int) time.Duration { return time.Millisecond }
	go s.Run()

	// hammer the status endpoint's read path through every transition; each
	// published status must stay encodable without coordination
	done := make(chan struct{})
	go func() {
		defer close(done)
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			st := s.Status(TypeRefreshPortal, "p1")
			if st == nil {
				continue
			}
			if _, err := json.Marshal(st); err != nil {
				t.Errorf("encoding status: %v", err)
				return
			}
			if st.State == StateCompleted {
				return
			}
		}
		t.Error("job never completed")
	}()

	s.EnqueueRefreshPortal("p1", "test")
	<-done
}

func TestPermanentFailure(t *testing.T) {
	s, err := NewScheduler(2, 0, func(ctx context.Context, portalID string) (*types.RefreshSummary, error) {
		return nil, errors.New("portal unreachable")
	}, noopEpgRefresher)
	require.NoError(t, err)
	defer s.Stop()
	go s.Run()

	s.EnqueueRefreshPortal("p1", "test")

	st := waitForState(t, s, TypeRefreshPortal, "p1", StateError)
	assert.Equal(t, "portal unreachable", st.LastError)
	assert.False(t, st.FinishedAt.IsZero())

	// permanent failures are not retried automatically but can be re-triggered
	assert.Equal(t, "enqueued", s.EnqueueRefreshPortal("p1", "manual"))
}

func TestStatusUnknownKey(t *testing.T) {
	s, err := NewScheduler(2, 3, noopPortalRefresher, noopEpgRefresher)
	require.NoError(t, err)
	defer s.Stop()

	assert.Nil(t, s.Status(TypeRefreshPortal, "never-seen"))
	assert.Nil(t, s.Status(TypeRefreshEpg, ""))
}

func TestPortalLockIdentity(t *testing.T) {
	s, err := NewScheduler(2, 3, noopPortalRefresher, noopEpgRefresher)
	require.NoError(t, err)
	defer s.Stop()

	assert.Same(t, s.PortalLock("p1"), s.PortalLock("p1"))
	assert.NotSame(t, s.PortalLock("p1"), s.PortalLock("p2"))
}

func TestPortalLockSerializesWithRefresh(t *testing.T) {
	started := make(chan struct{})
	finish := make(chan struct{})
	s, err := NewScheduler(2, 3, func(ctx context.Context, portalID string) (*types.RefreshSummary, error) {
		close(started)
		<-finish
		return types.NewRefreshSummary(0, 0), nil
	}, noopEpgRefresher)
	require.NoError(t, err)
	defer s.Stop()
	go s.Run()

	s.EnqueueRefreshPortal("p1", "test")
	<-started

	// a rotation arriving mid-refresh blocks until the refresh releases the
	// portal lock
	rotated := make(chan struct{})
	go func() {
		mu := s.PortalLock("p1")
		mu.Lock()
		mu.Unlock()
		close(rotated)
	}()

	select {
	case <-rotated:
		t.Fatal("portal lock acquired while refresh was still running")
	case <-time.After(50 * time.Millisecond):
	}

	close(finish)
	select {
	case <-rotated:
	case <-time.After(2 * time.Second):
		t.Fatal("portal lock never released after refresh")
	}
}
