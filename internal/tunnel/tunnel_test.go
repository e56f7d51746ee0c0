package tunnel

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/matst80/fstunnel/internal/admission"
	"github.com/matst80/fstunnel/internal/config"
	"github.com/matst80/fstunnel/internal/ratelimit"
	"github.com/matst80/fstunnel/internal/reaper"
	"github.com/matst80/fstunnel/internal/relay"
	"github.com/matst80/fstunnel/internal/segment"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pipeDialer struct {
	mu    sync.Mutex
	dials int
	err   error
}

func (d *pipeDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	d.mu.Lock()
	d.dials++
	d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	conn, upstream := net.Pipe()
	go func() {
		_, _ = io.Copy(io.Discard, upstream)
		_ = upstream.Close()
	}()
	return conn, nil
}

func (d *pipeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func dirs(t *testing.T) (a, b string, store *segment.Store) {
	t.Helper()
	root := t.TempDir()
	a, b = filepath.Join(root, "a"), filepath.Join(root, "b")
	store = segment.NewStore(nil, time.Millisecond)
	require.NoError(t, store.Prepare(a, b, nil))
	return a, b, store
}

func relayConfig(readDir, writeDir string) relay.Config {
	return relay.Config{
		ReadDir:     readDir,
		WriteDir:    writeDir,
		FlushSize:   64 * 1024,
		ChunkSize:   4096,
		ReadyPoll:   5 * time.Millisecond,
		SegmentPoll: 5 * time.Millisecond,
		Liveness:    5 * time.Second,
		Grace:       time.Second,
	}
}

func newTestResponder(store *segment.Store, q *reaper.Queue, set admission.Set, d Dialer, readDir, writeDir string) *Responder {
	return NewResponder(ResponderOptions{
		Store:        store,
		Deleter:      q,
		Admission:    set,
		Dialer:       d,
		Target:       "upstream:1",
		Relay:        relayConfig(readDir, writeDir),
		ScanInterval: 5 * time.Millisecond,
		RetryDelay:   5 * time.Millisecond,
	})
}

func TestScanDialsEachTokenOnce(t *testing.T) {
	a, b, store := dirs(t)
	set := admission.NewMemory()
	q := reaper.New(store, time.Hour, set)
	d := &pipeDialer{}
	r := newTestResponder(store, q, set, d, b, a)

	tok, _ := segment.NewToken()
	require.NoError(t, store.Put(context.Background(), segment.Path(b, tok, 0), []byte("hi")))

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, r.Scan(ctx))
	require.NoError(t, r.Scan(ctx))
	require.NoError(t, r.Scan(ctx))
	require.Eventually(t, func() bool { return d.count() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, d.count())
	assert.Equal(t, 1, set.Len())

	cancel()
	r.sessions.wait()
}

func TestScanIgnoresNonFirstAndTempFiles(t *testing.T) {
	a, b, store := dirs(t)
	set := admission.NewMemory()
	d := &pipeDialer{}
	r := newTestResponder(store, reaper.New(store, time.Hour, set), set, d, b, a)

	tok, _ := segment.NewToken()
	require.NoError(t, os.WriteFile(segment.TempPath(segment.Path(b, tok, 0)), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(segment.Path(b, tok, 1), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(b, "README"), []byte("x"), 0o644))
	require.NoError(t, os.Mkdir(segment.Path(b, tok, 0)+"d", 0o755))

	require.NoError(t, r.Scan(context.Background()))
	assert.Equal(t, 0, d.count())
	assert.Equal(t, 0, set.Len())
}

func TestScanListingFailure(t *testing.T) {
	a, b, store := dirs(t)
	set := admission.NewMemory()
	r := newTestResponder(store, reaper.New(store, time.Hour, set), set, &pipeDialer{}, filepath.Join(b, "missing"), a)
	assert.Error(t, r.Scan(context.Background()))
}

func TestDialFailureAbandonsSession(t *testing.T) {
	a, b, store := dirs(t)
	set := admission.NewMemory()
	q := reaper.New(store, time.Hour, set)
	d := &pipeDialer{err: errors.New("connection refused")}
	r := newTestResponder(store, q, set, d, b, a)
	ctx := context.Background()

	tok, _ := segment.NewToken()
	first := segment.Path(b, tok, 0)
	require.NoError(t, store.Put(ctx, first, []byte("hello")))

	require.NoError(t, r.Scan(ctx))
	r.sessions.wait()
	assert.Equal(t, 1, d.count())

	// the peer is told to stop right away
	eof, err := os.ReadFile(segment.Path(a, tok, 0))
	require.NoError(t, err)
	assert.Empty(t, eof)

	// still admitted, so a rescan does not redial
	in, err := set.Contains(ctx, tok)
	require.NoError(t, err)
	assert.True(t, in)
	require.NoError(t, r.Scan(ctx))
	r.sessions.wait()
	assert.Equal(t, 1, d.count())

	// removing segment 0 releases the token
	_, err = q.Drain(ctx)
	require.NoError(t, err)
	assert.False(t, store.Exists(first))
	in, err = set.Contains(ctx, tok)
	require.NoError(t, err)
	assert.False(t, in)

	require.NoError(t, r.Scan(ctx))
	r.sessions.wait()
	assert.Equal(t, 1, d.count())
}

func echoServer(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				_, _ = io.Copy(c, c)
			}()
		}
	}()
	return ln
}

func TestTunnelEndToEnd(t *testing.T) {
	a, b, store := dirs(t)
	echo := echoServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	iniQ := reaper.New(store, 10*time.Millisecond, nil)
	set := admission.NewMemory()
	respQ := reaper.New(store, 10*time.Millisecond, set)
	go func() { _ = iniQ.Run(ctx) }()
	go func() { _ = respQ.Run(ctx) }()

	ini := NewInitiator(store, iniQ, nil, relayConfig(a, b))
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	serveDone := make(chan error, 1)
	go func() { serveDone <- ini.Serve(ctx, ln) }()

	resp := newTestResponder(store, respQ, set, &net.Dialer{Timeout: time.Second}, b, a)
	resp.target = echo.Addr().String()
	respDone := make(chan error, 1)
	go func() { respDone <- resp.Run(ctx) }()

	for _, msg := range []string{"hello through the folder", "second session"} {
		c, err := net.Dial("tcp", ln.Addr().String())
		require.NoError(t, err)
		_, err = c.Write([]byte(msg))
		require.NoError(t, err)
		buf := make([]byte, len(msg))
		require.NoError(t, c.SetReadDeadline(time.Now().Add(5*time.Second)))
		_, err = io.ReadFull(c, buf)
		require.NoError(t, err)
		assert.Equal(t, msg, string(buf))

		require.NoError(t, c.(*net.TCPConn).CloseWrite())
		rest, err := io.ReadAll(c)
		require.NoError(t, err, "tunnel should close the client after the echo side ends")
		assert.Empty(t, rest)
		_ = c.Close()
	}

	require.Eventually(t, func() bool {
		return ini.sessions.active.Load() == 0 && resp.sessions.active.Load() == 0
	}, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		ea, _ := os.ReadDir(a)
		eb, _ := os.ReadDir(b)
		return len(ea) == 0 && len(eb) == 0 && set.Len() == 0
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(2), ini.sessions.total.Load())
	assert.Equal(t, int64(2), resp.sessions.total.Load())

	cancel()
	require.NoError(t, <-serveDone)
	require.NoError(t, <-respDone)
}

func TestInitiatorRateLimit(t *testing.T) {
	a, b, store := dirs(t)
	q := reaper.New(store, time.Hour, nil)
	ini := NewInitiator(store, q, ratelimit.NewLimiter(0, 1, 1), relayConfig(a, b))
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ini.Serve(ctx, ln) }()

	first, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer first.Close()
	second, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer second.Close()

	require.NoError(t, second.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err = second.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF, "rate limited connection should be closed")

	require.Eventually(t, func() bool { return ini.sessions.total.Load() == 1 }, time.Second, time.Millisecond)
	st := (&status{role: "initiator", sessions: &ini.sessions, pending: q.Len}).Stats().(Stats)
	assert.Equal(t, int64(1), st.ActiveSessions)
	assert.Equal(t, "initiator", st.Role)

	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, int64(0), ini.sessions.active.Load())
}

func TestPrepareKeepsSessionsAdmittedElsewhere(t *testing.T) {
	mr := miniredis.RunT(t)
	opts := admission.Options{RedisAddr: mr.Addr(), TTL: time.Minute}
	peer, err := admission.New(opts)
	require.NoError(t, err)
	defer peer.Close()
	mine, err := admission.New(opts)
	require.NoError(t, err)
	defer mine.Close()

	root := t.TempDir()
	c := config.Config{ReadDir: filepath.Join(root, "b"), WriteDir: filepath.Join(root, "a"), RetryDelay: time.Millisecond}
	require.NoError(t, os.MkdirAll(c.ReadDir, 0o755))
	live, _ := segment.NewToken()
	stale, _ := segment.NewToken()
	ctx := context.Background()
	ok, err := peer.Admit(ctx, live)
	require.NoError(t, err)
	require.True(t, ok)
	for _, name := range []string{
		segment.Name(live, 0), segment.Name(live, 1), segment.Name(live, 2) + segment.TempExt,
		segment.Name(stale, 0), "junk",
	} {
		require.NoError(t, os.WriteFile(filepath.Join(c.ReadDir, name), []byte("x"), 0o644))
	}

	_, err = prepareStore(c, admittedElsewhere(ctx, mine))
	require.NoError(t, err)
	entries, err := os.ReadDir(c.ReadDir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.ElementsMatch(t, []string{
		segment.Name(live, 0), segment.Name(live, 1), segment.Name(live, 2) + segment.TempExt,
	}, names)
}
