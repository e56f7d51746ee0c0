package tunnel

import (
	"context"
	"errors"
	"net"

	"github.com/matst80/fstunnel/internal/obs"
	"github.com/matst80/fstunnel/internal/ratelimit"
	"github.com/matst80/fstunnel/internal/relay"
	"github.com/matst80/fstunnel/internal/segment"
)

// Initiator accepts TCP connections and starts a relay pair under a fresh
// token for each one.
type Initiator struct {
	store   *segment.Store
	deleter relay.Deleter
	limiter *ratelimit.Limiter
	cfg     relay.Config

	sessions sessionGroup
}

// NewInitiator returns an Initiator. limiter may be nil.
func NewInitiator(store *segment.Store, deleter relay.Deleter, limiter *ratelimit.Limiter, cfg relay.Config) *Initiator {
	return &Initiator{store: store, deleter: deleter, limiter: limiter, cfg: cfg}
}

// Serve accepts on ln until ctx is cancelled or ln fails, then waits for
// the running sessions to end.
func (i *Initiator) Serve(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()
	defer i.sessions.wait()

	for {
		c, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				obs.Error("accept.timeout", obs.Fields{"err": err.Error()})
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		i.handle(ctx, c)
	}
}

func (i *Initiator) handle(ctx context.Context, c net.Conn) {
	remote := c.RemoteAddr().String()
	source, _, err := net.SplitHostPort(remote)
	if err != nil {
		source = remote
	}
	if !i.limiter.Allow(source) {
		obs.Warn("accept.rate_limited", obs.Fields{"remote": remote})
		obs.RejectedTotal.Inc()
		_ = c.Close()
		return
	}
	token, err := segment.NewToken()
	if err != nil {
		obs.Error("accept.token", obs.Fields{"err": err, "remote": remote})
		obs.ErrorsTotal.WithLabelValues("token").Inc()
		_ = c.Close()
		return
	}
	obs.Info("accept.session", obs.Fields{"token": token, "remote": remote})
	sess := relay.NewSession("initiator", token, c, i.store, i.deleter, i.cfg)
	i.sessions.spawn(func() error { return sess.Run(ctx) })
}
