package logging

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	bytesPerMB        int64 = 1024 * 1024
	defaultMaxSizeMB        = 50
	defaultMaxAgeDays       = 14
	defaultMaxBackups       = 5

	logDirPerm  os.FileMode = 0o700
	logFilePerm os.FileMode = 0o600
)

// rotatingFile appends to path and shifts it to path.1, path.2, ... once it
// would grow past limit. Backups beyond keep, or older than maxAge, are
// removed on every rotation.
type rotatingFile struct {
	mu     sync.Mutex
	path   string
	limit  int64
	keep   int
	maxAge time.Duration
	f      *os.File
	size   int64
}

func openRotatingFile(cfg Config) (*rotatingFile, error) {
	path := strings.TrimSpace(cfg.FilePath)
	if path == "" {
		return nil, nil
	}
	path = filepath.Clean(path)
	if err := os.MkdirAll(filepath.Dir(path), logDirPerm); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	r := &rotatingFile{
		path:   path,
		limit:  int64(orDefault(cfg.MaxSizeMB, defaultMaxSizeMB)) * bytesPerMB,
		keep:   orDefault(cfg.MaxBackups, defaultMaxBackups),
		maxAge: time.Duration(orDefault(cfg.MaxAgeDays, defaultMaxAgeDays)) * 24 * time.Hour,
	}
	if err := r.open(); err != nil {
		return nil, err
	}
	r.prune()
	return r, nil
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func (r *rotatingFile) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.f == nil {
		if err := r.open(); err != nil {
			return 0, err
		}
	}
	if r.size > 0 && r.size+int64(len(p)) > r.limit {
		if err := r.rotate(); err != nil {
			return 0, err
		}
	}
	n, err := r.f.Write(p)
	r.size += int64(n)
	return n, err
}

func (r *rotatingFile) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.close()
}

func (r *rotatingFile) open() error {
	f, err := os.OpenFile(r.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, logFilePerm)
	if err != nil {
		return fmt.Errorf("open log file %s: %w", r.path, err)
	}
	r.f = f
	r.size = 0
	if info, err := f.Stat(); err == nil {
		r.size = info.Size()
	}
	return nil
}

func (r *rotatingFile) close() error {
	if r.f == nil {
		return nil
	}
	err := r.f.Close()
	r.f = nil
	return err
}

func (r *rotatingFile) rotate() error {
	if err := r.close(); err != nil {
		return fmt.Errorf("close log file %s: %w", r.path, err)
	}
	for i := r.keep - 1; i >= 1; i-- {
		if err := os.Rename(backupName(r.path, i), backupName(r.path, i+1)); err != nil && !errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "logging: shift %s failed: %v\n", backupName(r.path, i), err)
		}
	}
	if err := os.Rename(r.path, backupName(r.path, 1)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("rotate log file %s: %w", r.path, err)
	}
	r.prune()
	return r.open()
}

// prune removes backups past keep and backups older than maxAge.
func (r *rotatingFile) prune() {
	cutoff := nowFn().Add(-r.maxAge)
	matches, err := filepath.Glob(r.path + ".*")
	if err != nil {
		return
	}
	for _, name := range matches {
		n, ok := backupIndex(r.path, name)
		if !ok {
			continue
		}
		stale := n > r.keep
		if !stale {
			info, err := os.Stat(name)
			stale = err == nil && info.ModTime().Before(cutoff)
		}
		if stale {
			if err := os.Remove(name); err != nil {
				fmt.Fprintf(os.Stderr, "logging: remove old log %s failed: %v\n", name, err)
			}
		}
	}
}

func backupName(path string, n int) string {
	return fmt.Sprintf("%s.%d", path, n)
}

func backupIndex(path, name string) (int, bool) {
	var n int
	suffix := strings.TrimPrefix(name, path+".")
	if _, err := fmt.Sscanf(suffix, "%d", &n); err != nil || backupName(path, n) != name {
		return 0, false
	}
	return n, true
}
