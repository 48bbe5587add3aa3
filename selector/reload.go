package selector

import (
	"context"
	"time"

	"github.com/hazyhaar/domresolve/watch"
)

// WatchReload polls the backing database and reloads the registry when the
// selectors table changes, typically because another process edited the
// catalog. Blocks until ctx is cancelled; run it in a goroutine. The returned
// watcher exposes Stats and WaitForVersion for tests and health endpoints.
//
// The detector keys on MAX(updated_at), so a pure cross-process DELETE is
// only picked up together with the next write. In-process deletes update the
// snapshot directly and do not need the watcher.
func (r *Registry) WatchReload(ctx context.Context, interval, debounce time.Duration) *watch.Watcher {
	w := watch.New(r.store.db, watch.Config{
		Interval: interval,
		Debounce: debounce,
		Detector: watch.TableVersion("selectors", "updated_at"),
		Logger:   r.logger,
	})
	go w.Run(ctx, func() error { return r.Reload(ctx) })
	return w
}
