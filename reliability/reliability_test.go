package reliability

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/hazyhaar/domresolve/storage"
	_ "modernc.org/sqlite" // register "sqlite" driver
)

func newTestTracker(t *testing.T, opts ...Option) *Tracker {
	t.Helper()
	db := storage.OpenMemory(t, storage.WithSchema(Schema))
	return New(db, opts...)
}

func TestRecordSuccess(t *testing.T) {
	tr := newTestTracker(t)
	ctx := context.Background()

	rec, err := tr.RecordSuccess(ctx, "home_team_name", "stg_a", 0.9, 12*time.Millisecond, "/html/body/div[1]/span")
	if err != nil {
		t.Fatalf("RecordSuccess: %v", err)
	}

	if rec.Total != 1 || rec.Success != 1 || rec.Failure != 0 {
		t.Fatalf("expected 1/1/0, got %d/%d/%d", rec.Total, rec.Success, rec.Failure)
	}
	// First update blends with the neutral prior: 0.1*1 + 0.9*0.5.
	if math.Abs(rec.EWMA-0.55) > 1e-9 {
		t.Fatalf("expected EWMA 0.55, got %v", rec.EWMA)
	}
	if rec.AvgConfidence != 0.9 {
		t.Fatalf("expected avg confidence 0.9, got %v", rec.AvgConfidence)
	}
	if rec.SuccessStreak != 1 || rec.FailureStreak != 0 {
		t.Fatalf("expected streaks 1/0, got %d/%d", rec.SuccessStreak, rec.FailureStreak)
	}
	if rec.LastSuccessAt == 0 {
		t.Fatal("expected last success timestamp")
	}
	if rec.LastSuccessPath != "/html/body/div[1]/span" {
		t.Fatalf("expected path recorded, got %q", rec.LastSuccessPath)
	}
}

func TestRecordFailure(t *testing.T) {
	tr := newTestTracker(t)
	ctx := context.Background()

	if _, err := tr.RecordSuccess(ctx, "home_team_name", "stg_a", 0.9, time.Millisecond, "/p"); err != nil {
		t.Fatal(err)
	}
	rec, err := tr.RecordFailure(ctx, "home_team_name", "stg_a", time.Millisecond)
	if err != nil {
		t.Fatalf("RecordFailure: %v", err)
	}

	if rec.Total != 2 || rec.Success != 1 || rec.Failure != 1 {
		t.Fatalf("expected 2/1/1, got %d/%d/%d", rec.Total, rec.Success, rec.Failure)
	}
	if math.Abs(rec.EWMA-0.495) > 1e-9 {
		t.Fatalf("expected EWMA 0.495, got %v", rec.EWMA)
	}
	if rec.SuccessStreak != 0 || rec.FailureStreak != 1 {
		t.Fatalf("expected streaks 0/1, got %d/%d", rec.SuccessStreak, rec.FailureStreak)
	}
	// A failure never clears the last known good path.
	if rec.LastSuccessPath != "/p" {
		t.Fatalf("expected path kept, got %q", rec.LastSuccessPath)
	}
}

func TestTotalEqualsSuccessPlusFailure(t *testing.T) {
	tr := newTestTracker(t)
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		var rec *Record
		var err error
		if i%3 == 0 {
			rec, err = tr.RecordFailure(ctx, "match_score", "stg_b", time.Millisecond)
		} else {
			rec, err = tr.RecordSuccess(ctx, "match_score", "stg_b", 0.8, time.Millisecond, "/td")
		}
		if err != nil {
			t.Fatal(err)
		}
		if rec.Total != rec.Success+rec.Failure {
			t.Fatalf("after update %d: total %d != success %d + failure %d", i, rec.Total, rec.Success, rec.Failure)
		}
	}
}

func TestScoreNeutralPrior(t *testing.T) {
	tr := newTestTracker(t)

	rec, err := tr.Get(context.Background(), "never_seen", "stg_x")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Total != 0 {
		t.Fatalf("expected zero total, got %d", rec.Total)
	}
	if rec.Score() != NeutralPrior {
		t.Fatalf("expected neutral prior %v, got %v", NeutralPrior, rec.Score())
	}
}

func TestEWMAConverges(t *testing.T) {
	tr := newTestTracker(t, WithAlpha(0.5))
	ctx := context.Background()

	var rec *Record
	var err error
	for i := 0; i < 10; i++ {
		rec, err = tr.RecordSuccess(ctx, "s", "stg", 0.9, time.Millisecond, "/p")
		if err != nil {
			t.Fatal(err)
		}
	}
	if rec.EWMA < 0.99 {
		t.Fatalf("expected EWMA near 1 after 10 successes at alpha 0.5, got %v", rec.EWMA)
	}

	for i := 0; i < 10; i++ {
		rec, err = tr.RecordFailure(ctx, "s", "stg", time.Millisecond)
		if err != nil {
			t.Fatal(err)
		}
	}
	if rec.EWMA > 0.01 {
		t.Fatalf("expected EWMA near 0 after 10 failures, got %v", rec.EWMA)
	}
}

func TestAvgConfidenceOverSuccessesOnly(t *testing.T) {
	tr := newTestTracker(t)
	ctx := context.Background()

	if _, err := tr.RecordSuccess(ctx, "s", "stg", 0.8, time.Millisecond, "/p"); err != nil {
		t.Fatal(err)
	}
	if _, err := tr.RecordFailure(ctx, "s", "stg", time.Millisecond); err != nil {
		t.Fatal(err)
	}
	rec, err := tr.RecordSuccess(ctx, "s", "stg", 0.6, time.Millisecond, "/p")
	if err != nil {
		t.Fatal(err)
	}

	if math.Abs(rec.AvgConfidence-0.7) > 1e-9 {
		t.Fatalf("expected avg confidence 0.7 over two successes, got %v", rec.AvgConfidence)
	}
}

func TestWindowChronological(t *testing.T) {
	tr := newTestTracker(t)
	ctx := context.Background()

	tr.RecordSuccess(ctx, "s", "stg", 0.9, time.Millisecond, "/p")
	tr.RecordFailure(ctx, "s", "stg", time.Millisecond)
	tr.RecordSuccess(ctx, "s", "stg", 0.7, time.Millisecond, "/p")

	win, err := tr.Window(ctx, "s", "stg", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(win) != 3 {
		t.Fatalf("expected 3 samples, got %d", len(win))
	}
	if !win[0].Success || win[1].Success || !win[2].Success {
		t.Fatalf("expected success/failure/success in time order, got %+v", win)
	}
	if win[0].Confidence != 0.9 || win[2].Confidence != 0.7 {
		t.Fatalf("expected confidences in time order, got %+v", win)
	}

	// A shorter window keeps the newest attempts.
	win, err = tr.Window(ctx, "s", "stg", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(win) != 2 {
		t.Fatalf("expected 2 samples, got %d", len(win))
	}
	if win[0].Success || !win[1].Success {
		t.Fatalf("expected failure then success, got %+v", win)
	}
}

func TestPersistenceAcrossTrackers(t *testing.T) {
	db := storage.OpenMemory(t, storage.WithSchema(Schema))
	ctx := context.Background()

	tr1 := New(db)
	if _, err := tr1.RecordSuccess(ctx, "s", "stg", 0.9, time.Millisecond, "/html/body/div"); err != nil {
		t.Fatal(err)
	}

	tr2 := New(db)
	rec, err := tr2.Get(ctx, "s", "stg")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Total != 1 || rec.LastSuccessPath != "/html/body/div" {
		t.Fatalf("expected committed state loaded, got %+v", rec)
	}
}

func TestForSelector(t *testing.T) {
	tr := newTestTracker(t)
	ctx := context.Background()

	tr.RecordSuccess(ctx, "s", "stg_b", 0.9, time.Millisecond, "/p")
	tr.RecordFailure(ctx, "s", "stg_a", time.Millisecond)
	tr.RecordSuccess(ctx, "other", "stg_c", 0.9, time.Millisecond, "/p")

	recs, err := tr.ForSelector(ctx, "s")
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 records, got %d", len(recs))
	}
	if recs[0].Strategy != "stg_a" || recs[1].Strategy != "stg_b" {
		t.Fatalf("expected strategy order, got %s, %s", recs[0].Strategy, recs[1].Strategy)
	}

	all, err := tr.All(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 records, got %d", len(all))
	}
}

func TestPruneAttempts(t *testing.T) {
	tr := newTestTracker(t)
	ctx := context.Background()

	tr.RecordSuccess(ctx, "s", "stg", 0.9, time.Millisecond, "/p")
	tr.RecordFailure(ctx, "s", "stg", time.Millisecond)

	time.Sleep(10 * time.Millisecond)
	n, err := tr.PruneAttempts(ctx, 5*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("expected 2 pruned rows, got %d", n)
	}

	win, err := tr.Window(ctx, "s", "stg", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(win) != 0 {
		t.Fatalf("expected empty window after prune, got %d", len(win))
	}

	// Aggregates survive pruning.
	rec, err := tr.Get(ctx, "s", "stg")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Total != 2 {
		t.Fatalf("expected aggregate kept, got total %d", rec.Total)
	}
}

func TestConcurrentUpdates(t *testing.T) {
	tr := newTestTracker(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				if _, err := tr.RecordSuccess(ctx, "s", "stg", 0.8, time.Millisecond, "/p"); err != nil {
					t.Errorf("RecordSuccess: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	rec, err := tr.Get(ctx, "s", "stg")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Total != 80 || rec.Success != 80 {
		t.Fatalf("expected 80 recorded attempts, got %d/%d", rec.Total, rec.Success)
	}
}
