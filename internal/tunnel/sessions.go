package tunnel

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// sessionGroup tracks running relay pairs so shutdown can wait for them.
type sessionGroup struct {
	g      errgroup.Group
	active atomic.Int64
	total  atomic.Int64
}

func (s *sessionGroup) spawn(fn func() error) {
	s.active.Add(1)
	s.total.Add(1)
	s.g.Go(func() error {
		defer s.active.Add(-1)
		// a failed session is already logged and must not poison the group
		_ = fn()
		return nil
	})
}

func (s *sessionGroup) wait() { _ = s.g.Wait() }

// Stats is the snapshot served on /api/state.
type Stats struct {
	Role             string `json:"role"`
	ActiveSessions   int64  `json:"active_sessions"`
	TotalSessions    int64  `json:"total_sessions"`
	PendingDeletions int    `json:"pending_deletions"`
	AdmittedTokens   int    `json:"admitted_tokens"`
	Now              string `json:"now"`
}

type status struct {
	role     string
	ready    atomic.Bool
	sessions *sessionGroup
	pending  func() int
	admitted func() int
}

func (s *status) Ready() bool { return s.ready.Load() }

func (s *status) Stats() any {
	st := Stats{
		Role:           s.role,
		ActiveSessions: s.sessions.active.Load(),
		TotalSessions:  s.sessions.total.Load(),
		Now:            time.Now().UTC().Format(time.RFC3339),
	}
	if s.pending != nil {
		st.PendingDeletions = s.pending()
	}
	if s.admitted != nil {
		st.AdmittedTokens = s.admitted()
	}
	return st
}

// sleep waits for d or until ctx is done, reporting whether d elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
