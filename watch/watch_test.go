package watch

import (
	"context"
	"database/sql"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	_ "modernc.org/sqlite" // register "sqlite" driver
)

func testDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	// Single connection so PRAGMA changes are visible to every caller.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func bumpUserVersion(t *testing.T, db *sql.DB, v int) {
	t.Helper()
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", v)); err != nil {
		t.Fatal(err)
	}
}

func TestDataVersion(t *testing.T) {
	db := testDB(t)

	v, err := DataVersion(context.Background(), db)
	if err != nil {
		t.Fatal(err)
	}
	if v < 0 {
		t.Fatalf("expected non-negative version, got %d", v)
	}
}

func TestUserVersion(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	v, err := UserVersion(ctx, db)
	if err != nil {
		t.Fatal(err)
	}
	if v != 0 {
		t.Fatalf("expected 0, got %d", v)
	}

	bumpUserVersion(t, db, 7)
	v, err = UserVersion(ctx, db)
	if err != nil {
		t.Fatal(err)
	}
	if v != 7 {
		t.Fatalf("expected 7, got %d", v)
	}
}

func TestTableVersion(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	if _, err := db.Exec("CREATE TABLE selectors (name TEXT PRIMARY KEY, updated_at INTEGER)"); err != nil {
		t.Fatal(err)
	}

	det := TableVersion("selectors", "updated_at")
	v, err := det(ctx, db)
	if err != nil {
		t.Fatal(err)
	}
	if v != 0 {
		t.Fatalf("expected 0 for empty table, got %d", v)
	}

	if _, err := db.Exec("INSERT INTO selectors (name, updated_at) VALUES ('home_team_name', 1700000000000)"); err != nil {
		t.Fatal(err)
	}
	v, err = det(ctx, db)
	if err != nil {
		t.Fatal(err)
	}
	if v != 1700000000000 {
		t.Fatalf("expected 1700000000000, got %d", v)
	}
}

func TestRun_FiresOnVersionChange(t *testing.T) {
	db := testDB(t)

	// user_version as detector so the test controls it exactly.
	var reloads atomic.Int32
	w := New(db, Config{
		Interval: 20 * time.Millisecond,
		Detector: UserVersion,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go w.Run(ctx, func() error {
		reloads.Add(1)
		return nil
	})

	// Let the initial version be read.
	time.Sleep(50 * time.Millisecond)

	bumpUserVersion(t, db, 1)
	time.Sleep(80 * time.Millisecond)

	if got := reloads.Load(); got != 1 {
		t.Fatalf("expected 1 reload, got %d", got)
	}

	bumpUserVersion(t, db, 2)
	time.Sleep(80 * time.Millisecond)

	if got := reloads.Load(); got != 2 {
		t.Fatalf("expected 2 reloads, got %d", got)
	}

	// Quiet database, no extra reloads.
	time.Sleep(80 * time.Millisecond)
	if got := reloads.Load(); got != 2 {
		t.Fatalf("expected still 2, got %d", got)
	}
}

func TestRun_Debounce(t *testing.T) {
	db := testDB(t)

	var reloads atomic.Int32
	w := New(db, Config{
		Interval: 20 * time.Millisecond,
		Debounce: 100 * time.Millisecond,
		Detector: UserVersion,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go w.Run(ctx, func() error {
		reloads.Add(1)
		return nil
	})

	time.Sleep(50 * time.Millisecond)

	// Five bumps inside the debounce window collapse to one reload.
	for i := 1; i <= 5; i++ {
		bumpUserVersion(t, db, i)
		time.Sleep(15 * time.Millisecond)
	}

	if got := reloads.Load(); got != 0 {
		t.Fatalf("expected 0 reloads during debounce, got %d", got)
	}

	time.Sleep(200 * time.Millisecond)

	if got := reloads.Load(); got != 1 {
		t.Fatalf("expected exactly 1 debounced reload, got %d", got)
	}
}

func TestRun_ErrorRetriesNextCycle(t *testing.T) {
	db := testDB(t)

	var calls atomic.Int32
	w := New(db, Config{
		Interval: 20 * time.Millisecond,
		Detector: UserVersion,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go w.Run(ctx, func() error {
		if calls.Add(1) == 1 {
			return context.DeadlineExceeded // first attempt fails
		}
		return nil
	})

	time.Sleep(50 * time.Millisecond)

	bumpUserVersion(t, db, 1)
	time.Sleep(120 * time.Millisecond)

	if got := calls.Load(); got < 2 {
		t.Fatalf("expected at least 2 calls (fail then retry), got %d", got)
	}
	if v := w.Version(); v != 1 {
		t.Fatalf("expected version 1 after successful retry, got %d", v)
	}
}

func TestWaitForVersion(t *testing.T) {
	db := testDB(t)

	w := New(db, Config{
		Interval: 20 * time.Millisecond,
		Detector: UserVersion,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	go w.Run(ctx, func() error { return nil })

	time.Sleep(50 * time.Millisecond)

	go func() {
		time.Sleep(50 * time.Millisecond)
		db.Exec("PRAGMA user_version = 10")
	}()

	if err := w.WaitForVersion(ctx, 10); err != nil {
		t.Fatalf("WaitForVersion: %v", err)
	}
	if v := w.Version(); v < 10 {
		t.Fatalf("expected version >= 10, got %d", v)
	}
}

func TestWaitForVersion_Timeout(t *testing.T) {
	db := testDB(t)

	w := New(db, Config{
		Interval: 20 * time.Millisecond,
		Detector: UserVersion,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go w.Run(ctx, func() error { return nil })

	time.Sleep(50 * time.Millisecond)

	// Version 99 never appears.
	waitCtx, waitCancel := context.WithTimeout(ctx, 80*time.Millisecond)
	defer waitCancel()

	if err := w.WaitForVersion(waitCtx, 99); err == nil {
		t.Fatal("expected timeout error")
	}
}

func TestStats(t *testing.T) {
	db := testDB(t)

	w := New(db, Config{
		Interval: 20 * time.Millisecond,
		Detector: UserVersion,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go w.Run(ctx, func() error { return nil })
	time.Sleep(50 * time.Millisecond)

	bumpUserVersion(t, db, 1)
	time.Sleep(80 * time.Millisecond)

	s := w.Stats()
	if s.Checks == 0 {
		t.Fatal("expected checks > 0")
	}
	if s.ChangesDetected == 0 {
		t.Fatal("expected changes > 0")
	}
	if s.Reloads == 0 {
		t.Fatal("expected reloads > 0")
	}
}
