package tunnel

import (
	"context"
	"net"
	"time"

	"github.com/matst80/fstunnel/internal/admission"
	"github.com/matst80/fstunnel/internal/obs"
	"github.com/matst80/fstunnel/internal/relay"
	"github.com/matst80/fstunnel/internal/segment"
)

// Dialer opens upstream connections.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Responder scans the read directory for new sessions and dials the
// upstream target once per admitted token.
type Responder struct {
	store    *segment.Store
	deleter  relay.Deleter
	admitted admission.Set
	dialer   Dialer
	target   string
	cfg      relay.Config

	scanInterval time.Duration
	retryDelay   time.Duration

	sessions sessionGroup
}

// ResponderOptions carries the Responder's collaborators.
type ResponderOptions struct {
	Store        *segment.Store
	Deleter      relay.Deleter
	Admission    admission.Set
	Dialer       Dialer
	Target       string
	Relay        relay.Config
	ScanInterval time.Duration
	RetryDelay   time.Duration
}

func NewResponder(opts ResponderOptions) *Responder {
	if opts.Dialer == nil {
		opts.Dialer = &net.Dialer{Timeout: 10 * time.Second}
	}
	return &Responder{
		store:        opts.Store,
		deleter:      opts.Deleter,
		admitted:     opts.Admission,
		dialer:       opts.Dialer,
		target:       opts.Target,
		cfg:          opts.Relay,
		scanInterval: opts.ScanInterval,
		retryDelay:   opts.RetryDelay,
	}
}

// Run scans until ctx is cancelled, then waits for the running sessions.
func (r *Responder) Run(ctx context.Context) error {
	defer r.sessions.wait()
	for sleep(ctx, r.scanInterval) {
		if err := r.Scan(ctx); err != nil {
			obs.Error("scan.list", obs.Fields{"dir": r.cfg.ReadDir, "err": err})
			obs.ErrorsTotal.WithLabelValues("fs_list").Inc()
			sleep(ctx, r.retryDelay)
		}
	}
	return nil
}

// Scan makes one pass over the read directory and starts a session for
// every segment 0 whose token is not admitted yet. The token is admitted
// before anything else so a later pass cannot dial it again.
func (r *Responder) Scan(ctx context.Context) error {
	entries, err := r.store.FS().ReadDir(r.cfg.ReadDir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		name := e.Name()
		if !e.Type().IsRegular() || !segment.IsFirst(name) {
			continue
		}
		token := segment.TokenOf(name)
		ok, err := r.admitted.Admit(ctx, token)
		if err != nil {
			obs.Error("scan.admit", obs.Fields{"token": token, "err": err})
			obs.ErrorsTotal.WithLabelValues("admission").Inc()
			continue
		}
		if !ok {
			continue
		}
		// the listing may predate the deleter removing segment 0 and
		// releasing the token
		if !r.store.Exists(segment.Path(r.cfg.ReadDir, token, 0)) {
			_ = r.admitted.Release(ctx, token)
			continue
		}
		obs.Info("scan.admitted", obs.Fields{"token": token, "file": name, "admitted": r.admitted.Len()})
		r.sessions.spawn(func() error { return r.open(ctx, token) })
	}
	return nil
}

func (r *Responder) open(ctx context.Context, token string) error {
	conn, err := r.dialer.DialContext(ctx, "tcp", r.target)
	if err != nil {
		obs.Error("scan.dial", obs.Fields{"token": token, "target": r.target, "err": err})
		obs.DialFailuresTotal.Inc()
		r.abandon(ctx, token)
		return err
	}
	obs.Debug("scan.dialed", obs.Fields{"token": token, "target": r.target})
	return relay.NewSession("responder", token, conn, r.store, r.deleter, r.cfg).Run(ctx)
}

// abandon refuses a session whose upstream could not be reached. The token
// stays admitted; the peer gets an immediate EOF and the token's files are
// queued for deletion, which releases the admission once segment 0 is gone.
func (r *Responder) abandon(ctx context.Context, token string) {
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.WithoutCancel(ctx), r.cfg.Grace)
		defer cancel()
	}
	if err := r.store.Put(ctx, segment.Path(r.cfg.WriteDir, token, 0), nil); err != nil {
		obs.Error("scan.abandon_eof", obs.Fields{"token": token, "err": err})
	}
	paths, err := r.store.SessionFiles(ctx, r.cfg.ReadDir, token)
	if err != nil {
		obs.Error("scan.abandon_sweep", obs.Fields{"token": token, "err": err})
		return
	}
	r.deleter.Enqueue(paths...)
}
