package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Entry is one recurring task.
type Entry struct {
	Every time.Duration
	Task  Task
}

// Scheduler republishes recurring tasks on their intervals. Publication
// goes through PublishUnique, so an entry whose previous job is still
// pending or running is skipped rather than stacked, and several daemon
// instances running the same schedule enqueue each task once.
type Scheduler struct {
	q       *Q
	entries []Entry
	logger  *slog.Logger
}

// NewScheduler builds a scheduler over a queue. Entries with a
// non-positive interval are dropped.
func NewScheduler(q *Q, entries ...Entry) *Scheduler {
	kept := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if e.Every > 0 {
			kept = append(kept, e)
		}
	}
	return &Scheduler{q: q, entries: kept, logger: q.opts.Logger}
}

// Run ticks every entry on its own interval until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	if len(s.entries) == 0 {
		<-ctx.Done()
		return
	}
	s.logger.Info("queue: scheduler started", "entries", len(s.entries))

	var wg sync.WaitGroup
	for _, e := range s.entries {
		wg.Add(1)
		go func(e Entry) {
			defer wg.Done()
			ticker := time.NewTicker(e.Every)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					id, err := s.q.PublishUnique(ctx, e.Task)
					switch {
					case err != nil:
						if ctx.Err() == nil {
							s.logger.Warn("queue: schedule publish failed",
								"kind", e.Task.Kind, "error", err)
						}
					case id == "":
						s.logger.Debug("queue: scheduled task still pending",
							"kind", e.Task.Kind, "selector", e.Task.Selector)
					}
				}
			}
		}(e)
	}
	wg.Wait()
	s.logger.Info("queue: scheduler stopped")
}
