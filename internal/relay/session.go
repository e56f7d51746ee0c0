package relay

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/matst80/fstunnel/internal/obs"
	"github.com/matst80/fstunnel/internal/segment"
	"golang.org/x/sync/errgroup"
)

// Session is the relay pair of one tunneled connection.
type Session struct {
	Token string
	Role  string

	flag CloseFlag
	out  *Outbound
	in   *Inbound
}

// NewSession wires an Outbound and an Inbound relay around conn.
func NewSession(role, token string, conn net.Conn, store *segment.Store, deleter Deleter, cfg Config) *Session {
	s := &Session{Token: token, Role: role}
	s.out = NewOutbound(conn, &s.flag, token, store, cfg)
	s.in = NewInbound(conn, &s.flag, token, store, deleter, cfg)
	return s
}

// Run drives both relays and returns once both directions have ended.
func (s *Session) Run(ctx context.Context) error {
	start := time.Now()
	obs.SessionsTotal.WithLabelValues(s.Role).Inc()
	obs.ActiveSessions.Inc()
	obs.Info("session.start", obs.Fields{"token": s.Token, "role": s.Role})

	var g errgroup.Group
	g.Go(func() error { return s.out.Run(ctx) })
	g.Go(func() error { return s.in.Run(ctx) })
	err := g.Wait()

	obs.ActiveSessions.Dec()
	obs.SessionDurationSeconds.Observe(time.Since(start).Seconds())
	f := obs.Fields{"token": s.Token, "role": s.Role, "duration": time.Since(start).String()}
	switch {
	case err == nil:
		obs.Info("session.end", f)
	case errors.Is(err, ErrLivenessTimeout):
		f["reason"] = "liveness"
		obs.Warn("session.end", f)
	default:
		f["err"] = err.Error()
		obs.Error("session.end", f)
	}
	return err
}
