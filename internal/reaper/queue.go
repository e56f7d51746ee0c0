// Package reaper removes consumed segment files in the background so relays
// never block on deletion.
package reaper

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/matst80/fstunnel/internal/obs"
	"github.com/matst80/fstunnel/internal/segment"
	"go.uber.org/multierr"
)

// DefaultInterval is the time between two removal passes.
const DefaultInterval = 3 * time.Second

// Releaser is told when segment 0 of a token is gone, which frees the token
// for admission bookkeeping.
type Releaser interface {
	Release(ctx context.Context, token string) error
}

// Queue is the process-wide set of paths awaiting removal.
type Queue struct {
	store    *segment.Store
	interval time.Duration
	release  Releaser

	mu      sync.Mutex
	pending map[string]struct{}
}

// New returns a queue draining every interval. release may be nil.
func New(store *segment.Store, interval time.Duration, release Releaser) *Queue {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Queue{
		store:    store,
		interval: interval,
		release:  release,
		pending:  make(map[string]struct{}),
	}
}

// Enqueue schedules paths for removal. Queuing a path twice is harmless.
func (q *Queue) Enqueue(paths ...string) {
	q.mu.Lock()
	for _, p := range paths {
		q.pending[p] = struct{}{}
	}
	n := len(q.pending)
	q.mu.Unlock()
	obs.PendingDeletions.Set(float64(n))
}

// Len returns the number of paths still waiting.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Drain makes one removal pass over a snapshot of the queue. Paths that could
// not be removed stay queued and are reported in the returned error.
func (q *Queue) Drain(ctx context.Context) (removed int, err error) {
	q.mu.Lock()
	snapshot := make([]string, 0, len(q.pending))
	for p := range q.pending {
		snapshot = append(snapshot, p)
	}
	q.mu.Unlock()
	if len(snapshot) == 0 {
		return 0, nil
	}

	done := make([]string, 0, len(snapshot))
	for _, p := range snapshot {
		if rerr := q.store.Remove(p); rerr != nil {
			err = multierr.Append(err, fmt.Errorf("remove %s: %w", p, rerr))
			continue
		}
		obs.Debug("reaper.remove", obs.Fields{"path": p})
		done = append(done, p)
		if q.release == nil {
			continue
		}
		if name := filepath.Base(p); segment.IsFirst(name) {
			token := segment.TokenOf(name)
			if rerr := q.release.Release(ctx, token); rerr != nil {
				obs.Error("reaper.release", obs.Fields{"token": token, "err": rerr})
				obs.ErrorsTotal.WithLabelValues("admission_release").Inc()
			}
		}
	}

	q.mu.Lock()
	for _, p := range done {
		delete(q.pending, p)
	}
	n := len(q.pending)
	q.mu.Unlock()
	obs.PendingDeletions.Set(float64(n))
	return len(done), err
}

// Run drains the queue every interval until ctx is cancelled, then makes one
// last pass. Failures never stop the loop.
func (q *Queue) Run(ctx context.Context) error {
	t := time.NewTicker(q.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			q.cycle(context.WithoutCancel(ctx))
			return nil
		case <-t.C:
			q.cycle(ctx)
		}
	}
}

func (q *Queue) cycle(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			obs.Error("reaper.panic", obs.Fields{"panic": fmt.Sprint(r)})
			obs.ErrorsTotal.WithLabelValues("reaper_panic").Inc()
		}
	}()
	removed, err := q.Drain(ctx)
	if err != nil {
		for _, e := range multierr.Errors(err) {
			obs.Error("reaper.remove", obs.Fields{"err": e})
		}
		obs.ErrorsTotal.WithLabelValues("fs_remove").Add(float64(len(multierr.Errors(err))))
	}
	if removed > 0 {
		obs.Debug("reaper.cycle", obs.Fields{"removed": removed, "pending": q.Len()})
	}
}
