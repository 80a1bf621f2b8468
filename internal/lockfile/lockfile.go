// Package lockfile provides the single-writer file lock guarding the shared
// study-state file and the run-name reservation ledger. The lock is a
// sibling <path>.lock file created with O_EXCL and carrying the holder's PID
// so that locks orphaned by a crashed process can be recovered: a lock is
// stale when its recorded PID is no longer alive, or when it is older than
// the stale threshold. Waiting is bounded; hitting the timeout is a
// retryable condition, not a fatal one.
package lockfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cairnml/cairn/internal/fault"
	"github.com/cairnml/cairn/internal/procutil"
)

const (
	defaultTimeout    = 10 * time.Second
	defaultRetry      = 50 * time.Millisecond
	defaultStaleAfter = 15 * time.Minute
)

type Options struct {
	// Timeout bounds the total wait for the file lock.
	Timeout time.Duration
	// Retry is the poll interval while the lock is held elsewhere.
	Retry time.Duration
	// StaleAfter is the age beyond which an unreleased lock is considered
	// orphaned even when its PID cannot be proven dead.
	StaleAfter time.Duration
	// Holder is an opaque token recorded in the lock metadata for debugging.
	Holder string

	Logger *slog.Logger
}

func (o Options) applyDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = defaultTimeout
	}
	if o.Retry <= 0 {
		o.Retry = defaultRetry
	}
	if o.StaleAfter <= 0 {
		o.StaleAfter = defaultStaleAfter
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

type lockMetadata struct {
	PID       int    `json:"pid"`
	Holder    string `json:"holder,omitempty"`
	CreatedAt string `json:"created_at"`
}

// Lock is a held lock. Release removes the lock file; releasing twice is a
// no-op.
type Lock struct {
	path     string
	procLock *sync.Mutex
	once     sync.Once
}

func (l *Lock) Release() error {
	var err error
	l.once.Do(func() {
		err = os.Remove(l.path)
		l.procLock.Unlock()
	})
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// Goroutines within one process serialize on a per-path mutex before
// touching the filesystem, so O_EXCL contention only happens across
// processes.
var processLocks sync.Map

func processLockFor(path string) *sync.Mutex {
	if v, ok := processLocks.Load(path); ok {
		return v.(*sync.Mutex)
	}
	m := &sync.Mutex{}
	actual, _ := processLocks.LoadOrStore(path, m)
	return actual.(*sync.Mutex)
}

// Acquire takes the lock guarding path, waiting up to the timeout. Timeout
// surfaces as a TransientError so callers retry rather than abort.
func Acquire(path string, opts Options) (*Lock, error) {
	opts = opts.applyDefaults()
	lockPath := path + ".lock"
	if dir := filepath.Dir(lockPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("prepare lock directory: %w", err)
		}
	}

	procLock := processLockFor(lockPath)
	procLock.Lock()

	start := time.Now()
	attempts := 0
	for {
		attempts++
		f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			meta := lockMetadata{
				PID:       os.Getpid(),
				Holder:    opts.Holder,
				CreatedAt: time.Now().UTC().Format(time.RFC3339),
			}
			if encoded, marshalErr := json.Marshal(meta); marshalErr == nil {
				_, _ = f.Write(append(encoded, '\n'))
			}
			_ = f.Close()
			return &Lock{path: lockPath, procLock: procLock}, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			procLock.Unlock()
			return nil, fmt.Errorf("acquire lock %s: %w", lockPath, err)
		}
		if isStale(lockPath, opts.StaleAfter) {
			opts.Logger.Warn("recovering stale lock", "path", lockPath)
			_ = os.Remove(lockPath)
			continue
		}
		if time.Since(start) >= opts.Timeout {
			procLock.Unlock()
			return nil, fault.Transient("lockfile.acquire",
				fmt.Errorf("lock %s still held after %s (%d attempts)", lockPath, time.Since(start).Truncate(time.Millisecond), attempts))
		}
		time.Sleep(opts.Retry)
	}
}

// With runs fn while holding the lock for path and always releases it, even
// when fn panics.
func With(path string, opts Options, fn func() error) error {
	l, err := Acquire(path, opts)
	if err != nil {
		return err
	}
	defer func() { _ = l.Release() }()
	return fn()
}

// isStale reports whether the lock at lockPath belongs to a dead process or
// exceeds the age threshold. Metadata that cannot be read falls back to file
// age alone.
func isStale(lockPath string, staleAfter time.Duration) bool {
	b, err := os.ReadFile(lockPath)
	if err != nil {
		return false
	}
	var meta lockMetadata
	if json.Unmarshal(b, &meta) == nil && meta.PID > 0 {
		if !procutil.PIDAlive(meta.PID) {
			return true
		}
		if t, err := time.Parse(time.RFC3339, meta.CreatedAt); err == nil {
			return time.Since(t) > staleAfter
		}
	}
	info, err := os.Stat(lockPath)
	if err != nil {
		return false
	}
	return time.Since(info.ModTime()) > staleAfter
}
