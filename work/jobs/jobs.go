package jobs

import (
	"container/heap"
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"stbmux/work/logger"
	"stbmux/work/metrics"
	"stbmux/work/types"

	"github.com/panjf2000/ants/v2"
	"github.com/puzpuzpuz/xsync/v3"
)

// Type identifies a maintenance job kind.
type Type string

const (
	TypeRefreshPortal Type = "refreshPortal"
	TypeRefreshEpg    Type = "refreshEpg"
)

// State is the externally queryable lifecycle of a job key.
type State string

const (
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateError     State = "error"
)

// Status is the durable record for a (type, portal) key: where it is now,
// when it last ran, and what happened. Permanent failures stay here until an
// operator re-triggers the job.
type Status struct {
	State      State                 `json:"state"`
	QueuedAt   time.Time             `json:"queuedAt"`
	StartedAt  time.Time             `json:"startedAt,omitempty"`
	FinishedAt time.Time             `json:"finishedAt,omitempty"`
	Attempts   int                   `json:"attempts"`
	LastError  string                `json:"lastError,omitempty"`
	Summary    *types.RefreshSummary `json:"summary,omitempty"`
}

// job is one queue entry. runAt is in the future for retries.
type job struct {
	typ      Type
	portalID string
	reason   string
	attempts int
	runAt    time.Time
	index    int
}

func (j *job) key() string {
	return string(j.typ) + "|" + j.portalID
}

// delayQueue is a min-heap keyed by runAt so retries don't busy-poll the
// queue head.
type delayQueue []*job

func (q delayQueue) Len() int            { return len(q) }
func (q delayQueue) Less(i, j int) bool  { return q[i].runAt.Before(q[j].runAt) }
func (q delayQueue) Swap(i, j int)       { q[i], q[j] = q[j], q[i]; q[i].index = i; q[j].index = j }
func (q *delayQueue) Push(x any)         { j := x.(*job); j.index = len(*q); *q = append(*q, j) }
func (q *delayQueue) Pop() any {
	old := *q
	n := len(old)
	j := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return j
}

// PortalRefresher runs the actual channel refresh for one portal.
type PortalRefresher func(ctx context.Context, portalID string) (*types.RefreshSummary, error)

// EpgRefresher rebuilds the combined guide.
type EpgRefresher func(ctx context.Context) error

// Scheduler runs maintenance jobs with at-most-one-in-flight-per-key
// semantics, a bounded worker pool and capped exponential retry. Per-portal
// locks serialize everything touching one portal, including probe-driven
// credential rotation, and a global lock serializes EPG refreshes.
type Scheduler struct {
	mu      sync.Mutex
	queue   delayQueue
	pending map[string]bool
	running map[string]bool

	statuses    *xsync.MapOf[string, *Status]
	portalLocks *xsync.MapOf[string, *sync.Mutex]
	epgMu       sync.Mutex

	pool       *ants.Pool
	wake       chan struct{}
	stopChan   chan struct{}
	stopOnce   sync.Once
	maxRetries int
	backoff    func(attempts int) time.Duration

	refreshPortal PortalRefresher
	refreshEpg    EpgRefresher
}

// NewScheduler creates a scheduler backed by a bounded ants pool. Call Run
// in its own goroutine to start dispatching.
func NewScheduler(workers, maxRetries int, rp PortalRefresher, re EpgRefresher) (*Scheduler, error) {
	pool, err := ants.NewPool(workers, ants.WithNonblocking(false))
	if err != nil {
		return nil, fmt.Errorf("creating worker pool: %w", err)
	}

	return &Scheduler{
		pending:       make(map[string]bool),
		running:       make(map[string]bool),
		statuses:      xsync.NewMapOf[string, *Status](),
		portalLocks:   xsync.NewMapOf[string, *sync.Mutex](),
		pool:          pool,
		wake:          make(chan struct{}, 1),
		stopChan:      make(chan struct{}),
		maxRetries:    maxRetries,
		backoff:       retryBackoff,
		refreshPortal: rp,
		refreshEpg:    re,
	}, nil
}

// PortalLock returns the mutex serializing all state mutation for the
// portal. The probe path takes this same lock around MoveMac so credential
// rotation never races a refresh job.
func (s *Scheduler) PortalLock(portalID string) *sync.Mutex {
	mu, _ := s.portalLocks.LoadOrCompute(portalID, func() *sync.Mutex {
		return &sync.Mutex{}
	})
	return mu
}

// Enqueue adds a job unless its key is already queued or running; the return
// value says which. Deduplication and the queue insert happen under one
// lock.
func (s *Scheduler) Enqueue(typ Type, portalID, reason string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := string(typ) + "|" + portalID
	if s.running[key] {
		return "running"
	}
	if s.pending[key] {
		return "queued"
	}

	j := &job{
		typ:      typ,
		portalID: portalID,
		reason:   reason,
		runAt:    time.Now(),
	}
	heap.Push(&s.queue, j)
	s.pending[key] = true
	s.statuses.Store(key, &Status{State: StateQueued, QueuedAt: time.Now()})

	logger.Debug("{jobs - Enqueue} %s portal=%q reason=%q", typ, portalID, reason)
	s.kick()
	return "enqueued"
}

// EnqueueRefreshPortal queues a channel refresh for one portal.
func (s *Scheduler) EnqueueRefreshPortal(portalID, reason string) string {
	return s.Enqueue(TypeRefreshPortal, portalID, reason)
}

// EnqueueEpgRefresh queues a combined-guide rebuild.
func (s *Scheduler) EnqueueEpgRefresh(reason string) string {
	return s.Enqueue(TypeRefreshEpg, "", reason)
}

// EnqueueRefreshAll queues one refresh per enabled portal.
func (s *Scheduler) EnqueueRefreshAll(portalIDs []string, reason string) {
	for _, id := range portalIDs {
		s.EnqueueRefreshPortal(id, reason)
	}
}

// Status returns the durable status for a job key, nil when the key has
// never been enqueued.
func (s *Scheduler) Status(typ Type, portalID string) *Status {
	st, _ := s.statuses.Load(string(typ) + "|" + portalID)
	return st
}

func (s *Scheduler) kick() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run dispatches due jobs to the worker pool until Stop. Jobs scheduled in
// the future keep the dispatcher asleep until their runAt.
func (s *Scheduler) Run() {
	for {
		s.mu.Lock()
		var wait time.Duration
		if len(s.queue) == 0 {
			wait = time.Hour
		} else if d := time.Until(s.queue[0].runAt); d > 0 {
			wait = d
		} else {
			j := heap.Pop(&s.queue).(*job)
			key := j.key()
			delete(s.pending, key)
			s.running[key] = true
			s.mu.Unlock()

			s.dispatch(j)
			continue
		}
		s.mu.Unlock()

		select {
		case <-s.stopChan:
			return
		case <-s.wake:
		case <-time.After(wait):
		}
	}
}

func (s *Scheduler) dispatch(j *job) {
	err := s.pool.Submit(func() {
		s.execute(j)
	})
	if err != nil {
		// pool closed during shutdown
		s.mu.Lock()
		delete(s.running, j.key())
		s.mu.Unlock()
	}
}

func (s *Scheduler) execute(j *job) {
	key := j.key()

	// every transition publishes a fresh Status value; a stored status is
	// never mutated again, so readers may encode it without a lock
	st := Status{
		State:     StateRunning,
		QueuedAt:  j.runAt,
		StartedAt: time.Now(),
		Attempts:  j.attempts + 1,
	}
	s.statuses.Store(key, &st)

	summary, err := s.runBody(j)

	s.mu.Lock()
	delete(s.running, key)
	s.mu.Unlock()

	next := st
	next.Summary = summary

	if err == nil {
		next.State = StateCompleted
		next.FinishedAt = time.Now()
		s.statuses.Store(key, &next)
		metrics.JobRuns.WithLabelValues(string(j.typ), "completed").Inc()
		return
	}

	next.LastError = err.Error()

	j.attempts++
	if j.attempts <= s.maxRetries {
		backoff := s.backoff(j.attempts)
		logger.Warn("{jobs - execute} %s failed (attempt %d): %v, retrying in %s", key, j.attempts, err, backoff)
		metrics.JobRuns.WithLabelValues(string(j.typ), "retried").Inc()

		j.runAt = time.Now().Add(backoff)
		s.mu.Lock()
		if !s.pending[key] {
			heap.Push(&s.queue, j)
			s.pending[key] = true
		}
		s.mu.Unlock()

		next.State = StateQueued
		s.statuses.Store(key, &next)
		s.kick()
		return
	}

	logger.Error("{jobs - execute} %s failed permanently after %d attempts: %v", key, j.attempts, err)
	metrics.JobRuns.WithLabelValues(string(j.typ), "error").Inc()
	next.State = StateError
	next.FinishedAt = time.Now()
	s.statuses.Store(key, &next)
}

// runBody runs the job under its serialization lock: per-portal for portal
// jobs, a single global lock for EPG jobs.
func (s *Scheduler) runBody(j *job) (*types.RefreshSummary, error) {
	ctx := context.Background()

	switch j.typ {
	case TypeRefreshPortal:
		mu := s.PortalLock(j.portalID)
		mu.Lock()
		defer mu.Unlock()

		summary, err := s.refreshPortal(ctx, j.portalID)
		if err != nil {
			return nil, err
		}
		// keep schedule data consistent with the fresh channel set
		s.EnqueueEpgRefresh("portal " + j.portalID + " refreshed")
		return summary, nil

	case TypeRefreshEpg:
		s.epgMu.Lock()
		defer s.epgMu.Unlock()
		return nil, s.refreshEpg(ctx)

	default:
		return nil, fmt.Errorf("unknown job type %q", j.typ)
	}
}

// retryBackoff is min(60, 2^attempts) seconds.
func retryBackoff(attempts int) time.Duration {
	secs := math.Min(60, math.Pow(2, float64(attempts)))
	return time.Duration(secs) * time.Second
}

// Stop shuts the dispatcher and worker pool down. Queued jobs are dropped;
// running jobs finish.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
	})
	s.pool.Release()
}
