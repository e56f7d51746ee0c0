package tunnel

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/matst80/fstunnel/internal/admission"
	"github.com/matst80/fstunnel/internal/config"
	"github.com/matst80/fstunnel/internal/obs"
	"github.com/matst80/fstunnel/internal/ratelimit"
	"github.com/matst80/fstunnel/internal/reaper"
	"github.com/matst80/fstunnel/internal/segment"
	"golang.org/x/sync/errgroup"
)

const limiterSweep = time.Minute

// prepareStore creates the directories and clears stale segments, sparing
// tokens keep still claims.
func prepareStore(c config.Config, keep func(token string) bool) (*segment.Store, error) {
	store := segment.NewStore(nil, c.RetryDelay)
	if err := store.Prepare(c.ReadDir, c.WriteDir, keep); err != nil {
		return nil, fmt.Errorf("prepare directories: %w", err)
	}
	obs.Debug("dirs.prepared", obs.Fields{"read_dir": c.ReadDir, "write_dir": c.WriteDir})
	return store, nil
}

// admittedElsewhere reports tokens some other responder currently holds. A
// lookup failure keeps the file.
func admittedElsewhere(ctx context.Context, admitted admission.Set) func(token string) bool {
	return func(token string) bool {
		in, err := admitted.Contains(ctx, token)
		if err != nil {
			obs.Warn("dirs.prepare.lookup", obs.Fields{"token": token, "err": err})
			return true
		}
		return in
	}
}

// runReaper starts the deletion queue detached from ctx so it keeps draining
// while sessions wind down. The returned func stops it after a final pass.
func runReaper(ctx context.Context, q *reaper.Queue) (stop func()) {
	qctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = q.Run(qctx)
	}()
	return func() {
		cancel()
		<-done
	}
}

// RunInitiator listens on c.Addr() and tunnels every accepted connection
// until ctx is cancelled.
func RunInitiator(ctx context.Context, c config.Config) error {
	store, err := prepareStore(c, nil)
	if err != nil {
		return err
	}
	ln, err := net.Listen("tcp", c.Addr())
	if err != nil {
		return fmt.Errorf("listen %s: %w", c.Addr(), err)
	}
	defer ln.Close()

	q := reaper.New(store, c.DeleteInterval, nil)
	limiter := ratelimit.NewLimiter(c.RateLimit.Global, c.RateLimit.PerSource, c.RateLimit.Burst)
	ini := NewInitiator(store, q, limiter, c.Relay())
	st := &status{role: string(config.Initiator), sessions: &ini.sessions, pending: q.Len}

	obs.Info("initiator.start", obs.Fields{"listen": ln.Addr().String(), "read_dir": c.ReadDir, "write_dir": c.WriteDir})
	stopReaper := runReaper(ctx, q)
	defer stopReaper()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ini.Serve(gctx, ln) })
	g.Go(func() error {
		_ = obs.ServeMetrics(gctx, c.MetricsAddr, st)
		return nil
	})
	if limiter.Enabled() {
		g.Go(func() error {
			for sleep(gctx, limiterSweep) {
				limiter.Cleanup(limiterSweep)
			}
			return nil
		})
	}
	st.ready.Store(true)
	obs.Info("initiator.ready", obs.Fields{})
	err = g.Wait()
	obs.Info("initiator.shutdown.complete", obs.Fields{})
	return err
}

// RunResponder watches c.ReadDir and dials c.Addr() for every new session
// until ctx is cancelled.
func RunResponder(ctx context.Context, c config.Config) error {
	admitted, err := admission.New(c.Admission())
	if err != nil {
		return err
	}
	defer admitted.Close()
	// responders sharing a read dir through Redis keep each other's live sessions
	store, err := prepareStore(c, admittedElsewhere(ctx, admitted))
	if err != nil {
		return err
	}

	q := reaper.New(store, c.DeleteInterval, admitted)
	resp := NewResponder(ResponderOptions{
		Store:        store,
		Deleter:      q,
		Admission:    admitted,
		Dialer:       &net.Dialer{Timeout: c.DialTimeout},
		Target:       c.Addr(),
		Relay:        c.Relay(),
		ScanInterval: c.ScanInterval,
		RetryDelay:   c.RetryDelay,
	})
	st := &status{role: string(config.Responder), sessions: &resp.sessions, pending: q.Len, admitted: admitted.Len}

	obs.Info("responder.start", obs.Fields{"target": c.Addr(), "read_dir": c.ReadDir, "write_dir": c.WriteDir})
	stopReaper := runReaper(ctx, q)
	defer stopReaper()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return resp.Run(gctx) })
	g.Go(func() error {
		_ = obs.ServeMetrics(gctx, c.MetricsAddr, st)
		return nil
	})
	st.ready.Store(true)
	obs.Info("responder.ready", obs.Fields{})
	err = g.Wait()
	obs.Info("responder.shutdown.complete", obs.Fields{})
	return err
}
