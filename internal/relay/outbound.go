package relay

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/matst80/fstunnel/internal/obs"
	"github.com/matst80/fstunnel/internal/segment"
)

// Outbound turns bytes read from a connection into numbered segment files.
type Outbound struct {
	conn  net.Conn
	flag  *CloseFlag
	token string
	store *segment.Store
	cfg   Config

	seq uint64
	buf bytes.Buffer
}

func NewOutbound(conn net.Conn, flag *CloseFlag, token string, store *segment.Store, cfg Config) *Outbound {
	return &Outbound{conn: conn, flag: flag, token: token, store: store, cfg: cfg}
}

// Run reads until the connection ends and always finishes with the EOF
// sentinel. It returns a non-nil error only for an unexpected read failure.
func (o *Outbound) Run(ctx context.Context) error {
	defer o.writeEOF(ctx)

	chunk := make([]byte, o.cfg.ChunkSize)
	for {
		if ctx.Err() != nil {
			return o.flush(ctx)
		}
		// a closed conn rejects the deadline; Read then reports EOF or closed
		_ = o.conn.SetReadDeadline(time.Now().Add(o.cfg.ReadyPoll))
		n, rerr := o.conn.Read(chunk)
		if n > 0 {
			o.buf.Write(chunk[:n])
			if o.buf.Len() >= o.cfg.FlushSize {
				if err := o.flush(ctx); err != nil {
					return err
				}
			}
		}
		switch {
		case rerr == nil:
		case errors.Is(rerr, os.ErrDeadlineExceeded):
			// nothing more available right now
			if err := o.flush(ctx); err != nil {
				return err
			}
		case errors.Is(rerr, io.EOF):
			obs.Debug("relay.outbound.eof", obs.Fields{"token": o.token})
			return o.flush(ctx)
		default:
			return o.readFailed(ctx, rerr)
		}
	}
}

func (o *Outbound) readFailed(ctx context.Context, rerr error) error {
	ferr := o.flush(ctx)
	if o.flag.IsSet() {
		obs.Debug("relay.outbound.closed", obs.Fields{"token": o.token, "err": rerr})
		return ferr
	}
	obs.Error("relay.outbound.read", obs.Fields{"token": o.token, "err": rerr})
	obs.ErrorsTotal.WithLabelValues("conn_read").Inc()
	return fmt.Errorf("outbound read: %w", rerr)
}

// flush writes the buffered bytes as the next segment. An empty buffer is a
// no-op so only writeEOF can produce a zero-length segment.
func (o *Outbound) flush(ctx context.Context) error {
	if o.buf.Len() == 0 {
		return nil
	}
	path := segment.Path(o.cfg.WriteDir, o.token, o.seq)
	if err := o.store.Put(ctx, path, o.buf.Bytes()); err != nil {
		return err
	}
	obs.Debug("relay.outbound.flush", obs.Fields{"token": o.token, "seq": o.seq, "bytes": o.buf.Len()})
	obs.SegmentsWrittenTotal.Inc()
	obs.BytesOutTotal.Add(float64(o.buf.Len()))
	o.seq++
	o.buf.Reset()
	return nil
}

func (o *Outbound) writeEOF(ctx context.Context) {
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.WithoutCancel(ctx), o.cfg.Grace)
		defer cancel()
	}
	path := segment.Path(o.cfg.WriteDir, o.token, o.seq)
	if err := o.store.Put(ctx, path, nil); err != nil {
		obs.Error("relay.outbound.eof_write", obs.Fields{"token": o.token, "seq": o.seq, "err": err})
		obs.ErrorsTotal.WithLabelValues("eof_write").Inc()
		return
	}
	obs.Debug("relay.outbound.eof_written", obs.Fields{"token": o.token, "seq": o.seq})
	obs.SegmentsWrittenTotal.Inc()
	o.seq++
}
