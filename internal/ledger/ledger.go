// Package ledger issues collision-free version suffixes for human-readable
// run names. The external tracking server has no create-if-absent primitive,
// so concurrent trial processes race to register names like base_v1, base_v2.
// The ledger is the local arbiter: an append-only NDJSON event log guarded by
// a file lock, replayed on every operation. A version is claimed in reserved
// state, moves to committed once the external run is confirmed, and is freed
// by the stale sweep when its holder crashed before committing. At most one
// live entry exists per (base, version) pair; freed versions may be reissued.
package ledger

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/cairnml/cairn/internal/fault"
	"github.com/cairnml/cairn/internal/lockfile"
)

type State string

const (
	StateReserved  State = "reserved"
	StateCommitted State = "committed"
)

// Entry is the folded view of one (base, version) pair.
type Entry struct {
	BaseName   string
	Version    int
	State      State
	Holder     string
	ReservedAt time.Time
}

const (
	opReserve = "reserve"
	opCommit  = "commit"
	opFree    = "free"
)

// event is one line in the ledger file.
type event struct {
	Op      string `json:"op"`
	Base    string `json:"base"`
	Version int    `json:"version"`
	Holder  string `json:"holder,omitempty"`
	Reason  string `json:"reason,omitempty"`
	At      string `json:"at"`
}

type Options struct {
	// Path is the ledger file; the guarding lock lives at Path + ".lock".
	Path string
	// LockTimeout bounds the wait for the ledger lock.
	LockTimeout time.Duration

	Logger *slog.Logger
}

type Ledger struct {
	path        string
	lockTimeout time.Duration
	logger      *slog.Logger
}

func New(opts Options) (*Ledger, error) {
	path := strings.TrimSpace(opts.Path)
	if path == "" {
		return nil, fault.Config("ledger.path", "ledger file path is required")
	}
	timeout := opts.LockTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{path: path, lockTimeout: timeout, logger: logger}, nil
}

// RunName renders the externally visible run name for a reserved version.
func RunName(base string, version int) string {
	return fmt.Sprintf("%s_v%d", base, version)
}

// Reserve claims the smallest unused version for base and records it as
// reserved. The claim is exclusive until committed or freed as stale.
func (l *Ledger) Reserve(base string) (int, error) {
	base = strings.TrimSpace(base)
	if base == "" {
		return 0, fault.Config("base", "run base name is required")
	}
	version := 0
	err := l.withLock(func() error {
		entries, err := l.replay()
		if err != nil {
			return err
		}
		version = smallestUnused(entries[base])
		return l.append(event{
			Op:      opReserve,
			Base:    base,
			Version: version,
			Holder:  ulid.Make().String(),
			At:      time.Now().UTC().Format(time.RFC3339Nano),
		})
	})
	if err != nil {
		return 0, err
	}
	l.logger.Debug("reserved run name", "base", base, "version", version)
	return version, nil
}

// Commit marks a reservation as confirmed. Committing a version that was
// never reserved, or whose reservation was already freed as stale, is a
// conflict; re-committing a committed entry is a no-op.
func (l *Ledger) Commit(base string, version int) error {
	base = strings.TrimSpace(base)
	if base == "" {
		return fault.Config("base", "run base name is required")
	}
	return l.withLock(func() error {
		entries, err := l.replay()
		if err != nil {
			return err
		}
		e, ok := entries[base][version]
		if !ok {
			return fault.Conflict("ledger.Commit", "no reservation for %s v%d", base, version)
		}
		if e.State == StateCommitted {
			return nil
		}
		return l.append(event{
			Op:      opCommit,
			Base:    base,
			Version: version,
			At:      time.Now().UTC().Format(time.RFC3339Nano),
		})
	})
}

// CleanupStale frees reserved entries older than olderThan and reports how
// many were freed. Committed entries are never touched regardless of age.
func (l *Ledger) CleanupStale(olderThan time.Duration) (int, error) {
	freed := 0
	err := l.withLock(func() error {
		entries, err := l.replay()
		if err != nil {
			return err
		}
		now := time.Now()
		var stale []*Entry
		for _, versions := range entries {
			for _, e := range versions {
				if e.State == StateReserved && now.Sub(e.ReservedAt) > olderThan {
					stale = append(stale, e)
				}
			}
		}
		sort.Slice(stale, func(i, j int) bool {
			if stale[i].BaseName != stale[j].BaseName {
				return stale[i].BaseName < stale[j].BaseName
			}
			return stale[i].Version < stale[j].Version
		})
		for _, e := range stale {
			if err := l.append(event{
				Op:      opFree,
				Base:    e.BaseName,
				Version: e.Version,
				Reason:  "stale",
				At:      now.UTC().Format(time.RFC3339Nano),
			}); err != nil {
				return err
			}
			l.logger.Warn("freed stale run name reservation",
				"base", e.BaseName, "version", e.Version, "holder", e.Holder,
				"reserved_at", e.ReservedAt.Format(time.RFC3339))
			freed++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return freed, nil
}

// Entries returns a snapshot of all live entries ordered by base name then
// version. The snapshot reads without the lock; a torn trailing line from a
// writer mid-append is skipped, which is safe because an unacknowledged
// append never confirmed a claim to its caller.
func (l *Ledger) Entries() ([]Entry, error) {
	entries, err := l.replay()
	if err != nil {
		return nil, err
	}
	var out []Entry
	for _, versions := range entries {
		for _, e := range versions {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].BaseName != out[j].BaseName {
			return out[i].BaseName < out[j].BaseName
		}
		return out[i].Version < out[j].Version
	})
	return out, nil
}

func (l *Ledger) withLock(fn func() error) error {
	return lockfile.With(l.path, lockfile.Options{
		Timeout: l.lockTimeout,
		Logger:  l.logger,
	}, fn)
}

// replay folds the event log into the current entry set. Lines that do not
// parse are skipped: a crash mid-append leaves a torn tail, and the claim it
// described was never acknowledged.
func (l *Ledger) replay() (map[string]map[int]*Entry, error) {
	entries := make(map[string]map[int]*Entry)
	f, err := os.Open(l.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return entries, nil
		}
		return nil, fmt.Errorf("open ledger %s: %w", l.path, err)
	}
	defer func() { _ = f.Close() }()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 2*1024*1024)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var ev event
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			l.logger.Warn("skipping malformed ledger line", "path", l.path, "line", lineNo)
			continue
		}
		switch ev.Op {
		case opReserve:
			if entries[ev.Base] == nil {
				entries[ev.Base] = make(map[int]*Entry)
			}
			entries[ev.Base][ev.Version] = &Entry{
				BaseName:   ev.Base,
				Version:    ev.Version,
				State:      StateReserved,
				Holder:     ev.Holder,
				ReservedAt: parseEventTime(ev.At),
			}
		case opCommit:
			if e, ok := entries[ev.Base][ev.Version]; ok {
				e.State = StateCommitted
			}
		case opFree:
			delete(entries[ev.Base], ev.Version)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read ledger %s: %w", l.path, err)
	}
	return entries, nil
}

func (l *Ledger) append(ev event) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode ledger event: %w", err)
	}
	// A crashed writer can leave a torn final line; this event must start on
	// a fresh line to stay parseable.
	if !endsWithNewline(l.path) {
		b = append([]byte{'\n'}, b...)
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open ledger %s: %w", l.path, err)
	}
	if _, err := f.Write(append(b, '\n')); err != nil {
		_ = f.Close()
		return fmt.Errorf("append ledger %s: %w", l.path, err)
	}
	return f.Close()
}

func endsWithNewline(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return true
	}
	defer func() { _ = f.Close() }()
	info, err := f.Stat()
	if err != nil || info.Size() == 0 {
		return true
	}
	buf := make([]byte, 1)
	if _, err := f.ReadAt(buf, info.Size()-1); err != nil {
		return true
	}
	return buf[0] == '\n'
}

// smallestUnused returns the lowest version not currently reserved or
// committed, starting at 1. Freed versions are reissued.
func smallestUnused(versions map[int]*Entry) int {
	for v := 1; ; v++ {
		if _, ok := versions[v]; !ok {
			return v
		}
	}
}

func parseEventTime(raw string) time.Time {
	if ts, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return ts
	}
	return time.Time{}
}
