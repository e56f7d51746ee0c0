package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/matst80/fstunnel/internal/obs"
	"github.com/matst80/fstunnel/internal/segment"
)

// ErrLivenessTimeout ends an inbound direction whose peer stopped producing segments.
var ErrLivenessTimeout = errors.New("relay: no segment within liveness timeout")

// Deleter accepts paths for asynchronous removal.
type Deleter interface {
	Enqueue(paths ...string)
}

// Inbound replays segment files onto a connection in sequence order.
type Inbound struct {
	conn    net.Conn
	flag    *CloseFlag
	token   string
	store   *segment.Store
	deleter Deleter
	cfg     Config

	seq uint64
}

func NewInbound(conn net.Conn, flag *CloseFlag, token string, store *segment.Store, deleter Deleter, cfg Config) *Inbound {
	return &Inbound{conn: conn, flag: flag, token: token, store: store, deleter: deleter, cfg: cfg}
}

// Run consumes segments until the EOF sentinel, a connection write failure,
// the liveness timeout or ctx cancellation. Whatever the cause it then closes
// the connection and queues the session's remaining files for deletion.
func (in *Inbound) Run(ctx context.Context) error {
	defer in.terminate(ctx)

	t := time.NewTicker(in.cfg.SegmentPoll)
	defer t.Stop()
	lastSegment := time.Now()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
		for {
			consumed, done, err := in.next(ctx)
			if done || err != nil {
				return err
			}
			if !consumed {
				break
			}
			lastSegment = time.Now()
		}
		if waited := time.Since(lastSegment); waited > in.cfg.Liveness {
			obs.Warn("relay.inbound.liveness", obs.Fields{"token": in.token, "seq": in.seq, "waited": waited.String()})
			obs.LivenessTimeoutsTotal.Inc()
			return ErrLivenessTimeout
		}
	}
}

// next consumes the expected segment if it is visible. done reports the end
// of the direction.
func (in *Inbound) next(ctx context.Context) (consumed, done bool, err error) {
	path := segment.Path(in.cfg.ReadDir, in.token, in.seq)
	if !in.store.Exists(path) {
		return false, false, nil
	}
	data, err := in.store.Get(ctx, path)
	if err != nil {
		// only a cancelled context stops the retrying read
		return false, true, nil
	}
	in.deleter.Enqueue(path)
	obs.SegmentsReadTotal.Inc()
	in.seq++
	if len(data) == 0 {
		obs.Debug("relay.inbound.eof", obs.Fields{"token": in.token, "seq": in.seq - 1})
		return true, true, nil
	}
	if _, werr := in.conn.Write(data); werr != nil {
		obs.Error("relay.inbound.write", obs.Fields{"token": in.token, "err": werr})
		obs.ErrorsTotal.WithLabelValues("conn_write").Inc()
		return true, true, fmt.Errorf("inbound write: %w", werr)
	}
	obs.BytesInTotal.Add(float64(len(data)))
	return true, false, nil
}

func (in *Inbound) terminate(ctx context.Context) {
	in.flag.Set()
	if err := in.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		obs.Error("relay.inbound.close", obs.Fields{"token": in.token, "err": err})
	}

	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.WithoutCancel(ctx), in.cfg.Grace)
		defer cancel()
	}
	paths, err := in.store.SessionFiles(ctx, in.cfg.ReadDir, in.token)
	if err != nil {
		obs.Error("relay.inbound.sweep", obs.Fields{"token": in.token, "err": err})
		return
	}
	if len(paths) > 0 {
		in.deleter.Enqueue(paths...)
	}
	obs.Debug("relay.inbound.swept", obs.Fields{"token": in.token, "files": len(paths)})
}
