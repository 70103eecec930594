// Package queue is the in-process admission-control and dispatch layer.
// It enforces the single-active-job-per-workflow invariant at the queue
// boundary and caps system-wide concurrency.
package queue

import (
	"container/heap"
	"context"
	"log/slog"
	"sync"

	"certflow/internal/faults"
	"certflow/internal/telemetry"
	"certflow/internal/worker"
)

type item struct {
	spec      worker.Spec
	seq       uint64
	cancelled bool
	index     int
}

// specHeap orders by priority (higher first), FIFO within a priority.
type specHeap []*item

func (h specHeap) Len() int { return len(h) }
func (h specHeap) Less(i, j int) bool {
	if h[i].spec.Priority != h[j].spec.Priority {
		return h[i].spec.Priority > h[j].spec.Priority
	}
	return h[i].seq < h[j].seq
}
func (h specHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *specHeap) Push(x any) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}
func (h *specHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

// Queue accepts job specs and dispatches them to an executor respecting a
// maximum concurrency bound. Enqueue returns immediately; nothing blocks
// the submitting caller.
type Queue struct {
	maxConcurrency int
	execute        func(ctx context.Context, spec worker.Spec)
	logger         *slog.Logger

	mu      sync.Mutex
	heap    specHeap
	seq     uint64
	active  map[string]string             // workflowID -> jobID, queued or running
	queued  map[string]*item              // jobID -> heap entry
	running map[string]context.CancelFunc // jobID -> cancel
	wake    chan struct{}
	closed  bool
}

// New builds a queue. execute runs in its own goroutine per dispatched
// job and must block until the job reaches a terminal state.
func New(maxConcurrency int, execute func(ctx context.Context, spec worker.Spec), logger *slog.Logger) *Queue {
	if maxConcurrency <= 0 {
		maxConcurrency = 3
	}
	return &Queue{
		maxConcurrency: maxConcurrency,
		execute:        execute,
		logger:         logger,
		active:         make(map[string]string),
		queued:         make(map[string]*item),
		running:        make(map[string]context.CancelFunc),
		wake:           make(chan struct{}, 1),
	}
}

// Enqueue admits a job spec. It fails with faults.ErrDuplicateActiveJob
// when the workflow already has a queued or running job; that is the
// mechanism preventing duplicate stage submissions no matter how many
// callers race on AdvanceIfEligible.
func (q *Queue) Enqueue(spec worker.Spec) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return "", faults.Transientf("queue closed")
	}
	if _, exists := q.active[spec.WorkflowID]; exists {
		return "", faults.ErrDuplicateActiveJob
	}
	q.seq++
	it := &item{spec: spec, seq: q.seq}
	heap.Push(&q.heap, it)
	q.queued[spec.JobID] = it
	q.active[spec.WorkflowID] = spec.JobID
	telemetry.QueueDepthGauge.Set(float64(q.heap.Len()))
	q.signal()
	return spec.JobID, nil
}

// Finish releases the workflow's active slot for jobID. Idempotent. The
// state machine calls it first thing in its outcome handler so the next
// stage can be enqueued from within that handler.
func (q *Queue) Finish(jobID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.release(jobID)
}

// release must be called with q.mu held.
func (q *Queue) release(jobID string) {
	delete(q.running, jobID)
	for wf, id := range q.active {
		if id == jobID {
			delete(q.active, wf)
			break
		}
	}
	q.signal()
}

// Cancel is best-effort. A queued job is removed and reported removed; a
// running job gets its context cancelled and the stage handler exits at
// its next safe point.
func (q *Queue) Cancel(jobID string) (wasQueued bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if it, ok := q.queued[jobID]; ok {
		it.cancelled = true
		delete(q.queued, jobID)
		q.release(jobID)
		return true
	}
	if cancel, ok := q.running[jobID]; ok {
		cancel()
	}
	return false
}

// ActiveJob reports the queued-or-running job holding a workflow's slot.
func (q *Queue) ActiveJob(workflowID string) (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	id, ok := q.active[workflowID]
	return id, ok
}

// Depth returns the number of jobs waiting for a slot.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.heap.Len()
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Run dispatches until ctx is done. It owns the concurrency semaphore:
// at most maxConcurrency jobs execute simultaneously, the rest wait in
// priority order.
func (q *Queue) Run(ctx context.Context) error {
	sem := make(chan struct{}, q.maxConcurrency)
	var wg sync.WaitGroup
	defer func() {
		q.mu.Lock()
		q.closed = true
		q.mu.Unlock()
		wg.Wait()
	}()

	for {
		it := q.next()
		if it == nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-q.wake:
				continue
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case sem <- struct{}{}:
		}

		// The item stays in the queued set while it waits for a slot, so
		// Cancel can still withdraw it; re-check before it becomes running.
		q.mu.Lock()
		if it.cancelled {
			q.mu.Unlock()
			<-sem
			continue
		}
		delete(q.queued, it.spec.JobID)
		jobCtx, cancel := context.WithCancel(ctx)
		q.running[it.spec.JobID] = cancel
		q.mu.Unlock()

		wg.Add(1)
		go func(it *item) {
			defer wg.Done()
			defer func() { <-sem }()
			q.execute(jobCtx, it.spec)
			cancel()
			// Defensive release for sinks that never call Finish.
			q.Finish(it.spec.JobID)
		}(it)
	}
}

// next pops the highest-priority non-cancelled item, or nil when empty.
// The popped item remains in the queued set until the dispatcher has a
// slot for it.
func (q *Queue) next() *item {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.heap.Len() > 0 {
		it := heap.Pop(&q.heap).(*item)
		telemetry.QueueDepthGauge.Set(float64(q.heap.Len()))
		if it.cancelled {
			delete(q.queued, it.spec.JobID)
			continue
		}
		return it
	}
	return nil
}
