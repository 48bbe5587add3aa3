package queue_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hazyhaar/domresolve/queue"
	"github.com/hazyhaar/domresolve/storage"
	_ "modernc.org/sqlite" // register "sqlite" driver
)

func newQ(t *testing.T, opts queue.Options) *queue.Q {
	t.Helper()
	db := storage.OpenMemory(t, storage.WithSchema(queue.Schema))
	return queue.New(db, opts)
}

func TestPublishAndClaim(t *testing.T) {
	q := newQ(t, queue.Options{Visibility: time.Second})
	ctx := context.Background()

	id, err := q.Publish(ctx, queue.Task{Kind: queue.TaskDriftSweep, Selector: "home_team_name"})
	if err != nil {
		t.Fatal(err)
	}
	if id == "" {
		t.Fatal("expected a job ID")
	}

	job, err := q.Claim(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if job == nil {
		t.Fatal("expected a job")
	}
	if job.ID != id {
		t.Fatalf("got id %q, want %q", job.ID, id)
	}
	if job.Task.Kind != queue.TaskDriftSweep || job.Task.Selector != "home_team_name" {
		t.Fatalf("got task %+v", job.Task)
	}
	if job.Attempts != 1 {
		t.Fatalf("got attempts %d, want 1", job.Attempts)
	}

	// Second claim returns nil — the job is invisible.
	job2, err := q.Claim(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if job2 != nil {
		t.Fatal("expected nil, job should be invisible")
	}
}

func TestPublishUnique(t *testing.T) {
	q := newQ(t, queue.Options{Visibility: time.Second})
	ctx := context.Background()
	task := queue.Task{Kind: queue.TaskEvolveSweep}

	id1, err := q.PublishUnique(ctx, task)
	if err != nil {
		t.Fatal(err)
	}
	if id1 == "" {
		t.Fatal("first publish must insert")
	}

	id2, err := q.PublishUnique(ctx, task)
	if err != nil {
		t.Fatal(err)
	}
	if id2 != "" {
		t.Fatal("duplicate pending task must be skipped")
	}

	// A different selector is a different task.
	id3, err := q.PublishUnique(ctx, queue.Task{Kind: queue.TaskEvolveSweep, Selector: "home_team_name"})
	if err != nil {
		t.Fatal(err)
	}
	if id3 == "" {
		t.Fatal("distinct selector must insert")
	}

	// A claimed job still blocks duplicates; an acked one does not.
	job, err := q.Claim(ctx)
	if err != nil || job == nil {
		t.Fatalf("claim: %v %v", job, err)
	}
	if id, _ := q.PublishUnique(ctx, job.Task); id != "" {
		t.Fatal("claimed task must still block duplicates")
	}
	if err := q.Ack(ctx, job.ID); err != nil {
		t.Fatal(err)
	}
	if id, err := q.PublishUnique(ctx, job.Task); err != nil || id == "" {
		t.Fatalf("acked task must be publishable again: %q %v", id, err)
	}
}

func TestAck(t *testing.T) {
	q := newQ(t, queue.Options{Visibility: 10 * time.Millisecond})
	ctx := context.Background()

	q.Publish(ctx, queue.Task{Kind: queue.TaskRetention})
	job, _ := q.Claim(ctx)
	if err := q.Ack(ctx, job.ID); err != nil {
		t.Fatal(err)
	}

	time.Sleep(20 * time.Millisecond)

	job2, err := q.Claim(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if job2 != nil {
		t.Fatal("acked job must not reappear")
	}
	if n, _ := q.Len(ctx); n != 0 {
		t.Fatalf("expected empty queue, got %d", n)
	}
}

func TestNack(t *testing.T) {
	q := newQ(t, queue.Options{Visibility: time.Hour})
	ctx := context.Background()

	q.Publish(ctx, queue.Task{Kind: queue.TaskRetention})
	job, _ := q.Claim(ctx)

	// Invisible for an hour unless nacked.
	if j, _ := q.Claim(ctx); j != nil {
		t.Fatal("job should be invisible")
	}
	if err := q.Nack(ctx, job.ID); err != nil {
		t.Fatal(err)
	}

	job2, err := q.Claim(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if job2 == nil {
		t.Fatal("nacked job must be immediately claimable")
	}
	if job2.Attempts != 2 {
		t.Fatalf("got attempts %d, want 2", job2.Attempts)
	}
}

func TestVisibilityTimeout(t *testing.T) {
	q := newQ(t, queue.Options{Visibility: 50 * time.Millisecond})
	ctx := context.Background()

	q.Publish(ctx, queue.Task{Kind: queue.TaskDriftSweep})
	q.Claim(ctx)

	if j, _ := q.Claim(ctx); j != nil {
		t.Fatal("job should be invisible")
	}

	time.Sleep(80 * time.Millisecond)

	job, err := q.Claim(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if job == nil {
		t.Fatal("job should have reappeared")
	}
	if job.Attempts != 2 {
		t.Fatalf("got attempts %d, want 2", job.Attempts)
	}
}

func TestExtend(t *testing.T) {
	q := newQ(t, queue.Options{Visibility: 50 * time.Millisecond})
	ctx := context.Background()

	q.Publish(ctx, queue.Task{Kind: queue.TaskEvolveSweep})
	job, _ := q.Claim(ctx)

	if err := q.Extend(ctx, job.ID, 500*time.Millisecond); err != nil {
		t.Fatal(err)
	}

	time.Sleep(80 * time.Millisecond)

	if j, _ := q.Claim(ctx); j != nil {
		t.Fatal("job should still be invisible after extend")
	}
}

func TestMaxAttemptsDiscards(t *testing.T) {
	q := newQ(t, queue.Options{
		Visibility:   time.Hour,
		PollInterval: 10 * time.Millisecond,
		MaxAttempts:  2,
	})
	ctx := context.Background()

	q.Publish(ctx, queue.Task{Kind: queue.TaskDriftSweep})

	var deliveries atomic.Int32
	runCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()

	q.Run(runCtx, func(_ context.Context, j *queue.Job) error {
		deliveries.Add(1)
		return errors.New("sweep failed")
	})

	// Two failed deliveries, then the third claim discards.
	if got := deliveries.Load(); got != 2 {
		t.Fatalf("expected 2 deliveries before discard, got %d", got)
	}
	if n, _ := q.Len(ctx); n != 0 {
		t.Fatalf("expected discarded job removed, got %d", n)
	}
}

func TestMultipleQueues(t *testing.T) {
	db := storage.OpenMemory(t, storage.WithSchema(queue.Schema))
	sweeps := queue.New(db, queue.Options{Queue: "sweeps", Visibility: time.Second})
	prunes := queue.New(db, queue.Options{Queue: "prunes", Visibility: time.Second})
	ctx := context.Background()

	sweeps.Publish(ctx, queue.Task{Kind: queue.TaskDriftSweep})

	if j, _ := prunes.Claim(ctx); j != nil {
		t.Fatal("queues must not see each other's jobs")
	}
	j, err := sweeps.Claim(ctx)
	if err != nil || j == nil {
		t.Fatalf("expected sweep job: %v %v", j, err)
	}
}

func TestRunProcessesJobs(t *testing.T) {
	q := newQ(t, queue.Options{
		Visibility:   5 * time.Second,
		PollInterval: 10 * time.Millisecond,
	})
	ctx := context.Background()

	const total = 3
	for i := 0; i < total; i++ {
		q.Publish(ctx, queue.Task{Kind: queue.TaskRetention})
	}

	var processed atomic.Int32
	runCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	q.Run(runCtx, func(_ context.Context, j *queue.Job) error {
		if processed.Add(1) >= total {
			cancel()
		}
		return nil
	})

	// Delivery is at-least-once: the job acked after cancel may reappear,
	// so only the processed count is asserted.
	if got := int(processed.Load()); got != total {
		t.Fatalf("expected %d processed, got %d", total, got)
	}
}

func TestRunRedeliversAfterHandlerError(t *testing.T) {
	q := newQ(t, queue.Options{
		Visibility:   5 * time.Second,
		PollInterval: 10 * time.Millisecond,
	})
	ctx := context.Background()

	q.Publish(ctx, queue.Task{Kind: queue.TaskEvolveSweep})

	var deliveries atomic.Int32
	runCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	q.Run(runCtx, func(_ context.Context, j *queue.Job) error {
		if deliveries.Add(1) == 1 {
			return errors.New("transient failure")
		}
		cancel()
		return nil
	})

	if got := deliveries.Load(); got != 2 {
		t.Fatalf("expected redelivery after nack, got %d deliveries", got)
	}
}

func TestPurge(t *testing.T) {
	q := newQ(t, queue.Options{Visibility: time.Second})
	ctx := context.Background()

	q.Publish(ctx, queue.Task{Kind: queue.TaskDriftSweep})
	q.Publish(ctx, queue.Task{Kind: queue.TaskRetention})

	if err := q.Purge(ctx); err != nil {
		t.Fatal(err)
	}
	if n, _ := q.Len(ctx); n != 0 {
		t.Fatalf("expected empty queue after purge, got %d", n)
	}
}

func TestClaimBatch(t *testing.T) {
	q := newQ(t, queue.Options{Visibility: time.Second})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		q.Publish(ctx, queue.Task{Kind: queue.TaskDriftSweep})
	}

	jobs, err := q.ClaimBatch(ctx, 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 3 {
		t.Fatalf("expected 3 jobs, got %d", len(jobs))
	}
	for _, j := range jobs {
		if j.Attempts != 1 {
			t.Fatalf("got attempts %d, want 1", j.Attempts)
		}
	}

	// Remaining two, then empty non-nil.
	jobs, err = q.ClaimBatch(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 2 {
		t.Fatalf("expected 2 jobs, got %d", len(jobs))
	}
	jobs, err = q.ClaimBatch(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if jobs == nil || len(jobs) != 0 {
		t.Fatalf("expected empty non-nil slice, got %v", jobs)
	}
}

func TestRunBatchConcurrency(t *testing.T) {
	q := newQ(t, queue.Options{
		Visibility:   5 * time.Second,
		PollInterval: 10 * time.Millisecond,
	})
	ctx := context.Background()

	const total = 10
	const maxConc = 2

	for i := 0; i < total; i++ {
		q.Publish(ctx, queue.Task{Kind: queue.TaskDriftSweep})
	}

	var current, peak, processed atomic.Int32
	runCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	q.RunBatch(runCtx, 5, maxConc, func(_ context.Context, j *queue.Job) error {
		c := current.Add(1)
		for {
			p := peak.Load()
			if c <= p || peak.CompareAndSwap(p, c) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		current.Add(-1)
		if processed.Add(1) >= total {
			cancel()
		}
		return nil
	})

	if got := int(processed.Load()); got != total {
		t.Fatalf("expected %d processed, got %d", total, got)
	}
	if p := int(peak.Load()); p > maxConc {
		t.Fatalf("peak concurrency = %d, exceeds %d", p, maxConc)
	}
}

func TestSchedulerPublishesWithoutStacking(t *testing.T) {
	q := newQ(t, queue.Options{Visibility: time.Second})
	ctx, cancel := context.WithTimeout(context.Background(), 130*time.Millisecond)
	defer cancel()

	s := queue.NewScheduler(q,
		queue.Entry{Every: 20 * time.Millisecond, Task: queue.Task{Kind: queue.TaskRetention}},
		queue.Entry{Every: -1, Task: queue.Task{Kind: "ignored"}},
	)
	s.Run(ctx)

	// Several ticks fired, but the unconsumed task must exist exactly once.
	n, err := q.Len(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected exactly 1 pending job, got %d", n)
	}
	job, err := q.Claim(context.Background())
	if err != nil || job == nil {
		t.Fatalf("claim: %v %v", job, err)
	}
	if job.Task.Kind != queue.TaskRetention {
		t.Fatalf("got kind %q", job.Task.Kind)
	}
}
