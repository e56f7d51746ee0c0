package segment

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"github.com/matst80/fstunnel/internal/obs"
	"go.uber.org/multierr"
)

// DefaultRetryDelay is the pause between attempts of a failing filesystem call.
const DefaultRetryDelay = 500 * time.Millisecond

// Retry calls op until it succeeds, sleeping delay between attempts. It only
// gives up when ctx is cancelled, returning the context error. onErr, when
// set, sees every failed attempt.
func Retry(ctx context.Context, delay time.Duration, op func() error, onErr func(attempt int, err error)) error {
	for attempt := 1; ; attempt++ {
		err := op()
		if err == nil {
			return nil
		}
		if onErr != nil {
			onErr(attempt, err)
		}
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// Store reads and writes segment files on a possibly flaky shared medium.
// Every operation except Exists and Remove retries until it succeeds.
type Store struct {
	fs    FS
	delay time.Duration
}

// NewStore returns a Store over fsys. A nil fsys means the real filesystem.
func NewStore(fsys FS, retryDelay time.Duration) *Store {
	if fsys == nil {
		fsys = OSFS{}
	}
	if retryDelay <= 0 {
		retryDelay = DefaultRetryDelay
	}
	return &Store{fs: fsys, delay: retryDelay}
}

// FS exposes the underlying filesystem.
func (s *Store) FS() FS { return s.fs }

// Put makes data visible at path: the full content goes to the temp name
// first and is then renamed into place, so path never holds a partial file.
// A failed rename leaves the complete temp file and only the rename is retried.
func (s *Store) Put(ctx context.Context, path string, data []byte) error {
	tmp := TempPath(path)
	err := Retry(ctx, s.delay, func() error {
		return s.fs.WriteFile(tmp, data, 0o644)
	}, func(attempt int, err error) {
		obs.Error("segment.write_tmp", obs.Fields{"path": tmp, "attempt": attempt, "err": err})
		obs.ErrorsTotal.WithLabelValues("fs_write").Inc()
	})
	if err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	err = Retry(ctx, s.delay, func() error {
		return s.fs.Rename(tmp, path)
	}, func(attempt int, err error) {
		obs.Error("segment.rename", obs.Fields{"path": tmp, "attempt": attempt, "err": err})
		obs.ErrorsTotal.WithLabelValues("fs_rename").Inc()
	})
	if err != nil {
		return fmt.Errorf("rename %s: %w", tmp, err)
	}
	return nil
}

// Get reads the whole of path, retrying transient failures.
func (s *Store) Get(ctx context.Context, path string) ([]byte, error) {
	var data []byte
	err := Retry(ctx, s.delay, func() error {
		b, err := s.fs.ReadFile(path)
		if err != nil {
			return err
		}
		data = b
		return nil
	}, func(attempt int, err error) {
		obs.Error("segment.read", obs.Fields{"path": path, "attempt": attempt, "err": err})
		obs.ErrorsTotal.WithLabelValues("fs_read").Inc()
	})
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return data, nil
}

// Exists reports whether a regular file is visible at path. Any stat error
// counts as not there yet.
func (s *Store) Exists(path string) bool {
	fi, err := s.fs.Stat(path)
	return err == nil && fi.Mode().IsRegular()
}

// List returns the entries of dir, retrying a failing listing.
func (s *Store) List(ctx context.Context, dir string) ([]fs.DirEntry, error) {
	var entries []fs.DirEntry
	err := Retry(ctx, s.delay, func() error {
		e, err := s.fs.ReadDir(dir)
		if err != nil {
			return err
		}
		entries = e
		return nil
	}, func(attempt int, err error) {
		obs.Error("segment.list", obs.Fields{"dir": dir, "attempt": attempt, "err": err})
		obs.ErrorsTotal.WithLabelValues("fs_list").Inc()
	})
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", dir, err)
	}
	return entries, nil
}

// SessionFiles lists every file in dir that belongs to token, temp files included.
func (s *Store) SessionFiles(ctx context.Context, dir, token string) ([]string, error) {
	entries, err := s.List(ctx, dir)
	if err != nil {
		return nil, err
	}
	prefix := Prefix(token)
	var paths []string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), prefix) {
			paths = append(paths, filepath.Join(dir, e.Name()))
		}
	}
	return paths, nil
}

// Remove deletes path once. A path that is already gone counts as removed.
func (s *Store) Remove(path string) error {
	if err := s.fs.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// Prepare creates both directories and clears the read directory of regular
// files left over from an earlier run, so stale segments are never replayed.
// Files whose token keep reports true are left alone; keep may be nil.
func (s *Store) Prepare(readDir, writeDir string, keep func(token string) bool) error {
	for _, dir := range []string{readDir, writeDir} {
		if err := s.fs.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	entries, err := s.fs.ReadDir(readDir)
	if err != nil {
		return fmt.Errorf("list %s: %w", readDir, err)
	}
	var errs error
	kept := 0
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		if keep != nil {
			if token := TokenOf(strings.TrimSuffix(e.Name(), TempExt)); token != "" && keep(token) {
				kept++
				continue
			}
		}
		errs = multierr.Append(errs, s.Remove(filepath.Join(readDir, e.Name())))
	}
	if kept > 0 {
		obs.Info("segment.prepare.kept", obs.Fields{"dir": readDir, "files": kept})
	}
	if errs != nil {
		return fmt.Errorf("clean %s: %w", readDir, errs)
	}
	return nil
}
