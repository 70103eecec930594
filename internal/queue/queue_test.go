package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"certflow/internal/faults"
	"certflow/internal/worker"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discard{}, nil))
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func spec(jobID, workflowID string, priority int) worker.Spec {
	return worker.Spec{JobID: jobID, WorkflowID: workflowID, Priority: priority}
}

func TestEnqueueRejectsDuplicateWorkflow(t *testing.T) {
	q := New(2, func(context.Context, worker.Spec) {}, testLogger())

	if _, err := q.Enqueue(spec("job-1", "wf-1", 0)); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	if _, err := q.Enqueue(spec("job-2", "wf-1", 0)); !errors.Is(err, faults.ErrDuplicateActiveJob) {
		t.Fatalf("expected ErrDuplicateActiveJob, got %v", err)
	}
	// A different workflow is unaffected.
	if _, err := q.Enqueue(spec("job-3", "wf-2", 0)); err != nil {
		t.Fatalf("unrelated workflow rejected: %v", err)
	}
	// Releasing the slot admits the workflow again.
	q.Finish("job-1")
	if _, err := q.Enqueue(spec("job-4", "wf-1", 0)); err != nil {
		t.Fatalf("enqueue after finish: %v", err)
	}
}

func TestEnqueueRejectsDuplicateUnderContention(t *testing.T) {
	q := New(1, func(context.Context, worker.Spec) {}, testLogger())

	var admitted atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := q.Enqueue(worker.Spec{JobID: "job", WorkflowID: "wf-contend"}); err == nil {
				admitted.Add(1)
			}
		}(i)
	}
	wg.Wait()
	if got := admitted.Load(); got != 1 {
		t.Fatalf("expected exactly one admission, got %d", got)
	}
}

func TestDispatchHonorsPriorityAndFIFO(t *testing.T) {
	var mu sync.Mutex
	var order []string
	release := make(chan struct{})

	q := New(1, func(_ context.Context, s worker.Spec) {
		mu.Lock()
		order = append(order, s.JobID)
		mu.Unlock()
		<-release
	}, testLogger())

	// low seeded first so the dispatcher is busy with it while the rest queue up.
	mustEnqueue(t, q, spec("first", "wf-a", 0))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = q.Run(ctx) }()

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 1
	})

	mustEnqueue(t, q, spec("low", "wf-b", 1))
	mustEnqueue(t, q, spec("high", "wf-c", 5))
	mustEnqueue(t, q, spec("high-later", "wf-d", 5))

	close(release)
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 4
	})

	mu.Lock()
	defer mu.Unlock()
	want := []string{"first", "high", "high-later", "low"}
	for i, id := range want {
		if order[i] != id {
			t.Fatalf("dispatch order %v, want %v", order, want)
		}
	}
}

func TestConcurrencyBound(t *testing.T) {
	const bound = 2
	var inFlight, peak atomic.Int64
	block := make(chan struct{})

	q := New(bound, func(context.Context, worker.Spec) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-block
		inFlight.Add(-1)
	}, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = q.Run(ctx) }()

	for i := 0; i < 6; i++ {
		mustEnqueue(t, q, worker.Spec{JobID: string(rune('a' + i)), WorkflowID: string(rune('A' + i))})
	}
	waitFor(t, func() bool { return inFlight.Load() == bound })
	if got := peak.Load(); got > bound {
		t.Fatalf("concurrency bound exceeded: %d > %d", got, bound)
	}
	close(block)
	waitFor(t, func() bool { return inFlight.Load() == 0 && q.Depth() == 0 })
	if got := peak.Load(); got > bound {
		t.Fatalf("concurrency bound exceeded: %d > %d", got, bound)
	}
}

func TestCancelQueuedJob(t *testing.T) {
	executed := make(chan string, 4)
	q := New(1, func(_ context.Context, s worker.Spec) { executed <- s.JobID }, testLogger())

	mustEnqueue(t, q, spec("victim", "wf-v", 0))
	if wasQueued := q.Cancel("victim"); !wasQueued {
		t.Fatal("expected queued cancellation")
	}
	// Slot is released, so the workflow can submit again.
	mustEnqueue(t, q, spec("survivor", "wf-v", 0))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = q.Run(ctx) }()

	select {
	case id := <-executed:
		if id != "survivor" {
			t.Fatalf("cancelled job executed: %s", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("survivor never dispatched")
	}
}

func TestCancelJobWaitingForSlot(t *testing.T) {
	started := make(chan struct{})
	block := make(chan struct{})
	var mu sync.Mutex
	var executed []string

	q := New(1, func(_ context.Context, s worker.Spec) {
		mu.Lock()
		executed = append(executed, s.JobID)
		mu.Unlock()
		if s.JobID == "holder" {
			close(started)
			<-block
		}
	}, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = q.Run(ctx) }()

	mustEnqueue(t, q, spec("holder", "wf-a", 0))
	<-started

	// The dispatcher pops the victim and parks on the full semaphore; the
	// job must stay cancellable for that whole wait.
	mustEnqueue(t, q, spec("victim", "wf-b", 0))
	waitFor(t, func() bool { return q.Depth() == 0 })

	if wasQueued := q.Cancel("victim"); !wasQueued {
		t.Fatal("job waiting for a slot reported as not queued")
	}
	// The workflow slot came back with the cancellation.
	mustEnqueue(t, q, spec("replacement", "wf-b", 0))

	close(block)
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(executed) == 2
	})

	mu.Lock()
	defer mu.Unlock()
	for _, id := range executed {
		if id == "victim" {
			t.Fatalf("cancelled job executed: %v", executed)
		}
	}
}

func TestCancelRunningJobCancelsContext(t *testing.T) {
	started := make(chan struct{})
	stopped := make(chan struct{})
	q := New(1, func(ctx context.Context, _ worker.Spec) {
		close(started)
		<-ctx.Done()
		close(stopped)
	}, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = q.Run(ctx) }()

	mustEnqueue(t, q, spec("running", "wf-r", 0))
	<-started
	if wasQueued := q.Cancel("running"); wasQueued {
		t.Fatal("running job reported as queued")
	}
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("running job context never cancelled")
	}
}

func TestActiveJob(t *testing.T) {
	q := New(1, func(context.Context, worker.Spec) {}, testLogger())
	mustEnqueue(t, q, spec("job-x", "wf-x", 0))

	if id, ok := q.ActiveJob("wf-x"); !ok || id != "job-x" {
		t.Fatalf("ActiveJob = %q,%v", id, ok)
	}
	if _, ok := q.ActiveJob("wf-other"); ok {
		t.Fatal("unexpected active job for idle workflow")
	}
}

func mustEnqueue(t *testing.T, q *Queue, s worker.Spec) {
	t.Helper()
	if _, err := q.Enqueue(s); err != nil {
		t.Fatalf("enqueue %s: %v", s.JobID, err)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never satisfied")
}
