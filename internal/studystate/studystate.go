// Package studystate maintains the shared study-state file: the NDJSON
// journal every trial process appends its result to. Writers serialize on a
// file lock; records are ordered by lock acquisition, not by trial start
// time. The journal is what makes an interrupted sweep resumable: a restart
// replays it to learn which trial numbers are done and which number comes
// next.
package studystate

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

type Status string

const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

func (s Status) Valid() bool {
	return s == StatusCompleted || s == StatusFailed
}

// TrialRecord is one journal line: the outcome of one trial attempt.
type TrialRecord struct {
	AttemptID    string             `json:"attempt_id"`
	TrialNumber  int                `json:"trial_number"`
	Status       Status             `json:"status"`
	StudyKeyHash string             `json:"study_key_hash"`
	TrialKeyHash string             `json:"trial_key_hash,omitempty"`
	RunName      string             `json:"run_name,omitempty"`
	RunID        string             `json:"run_id,omitempty"`
	Params       map[string]any     `json:"params,omitempty"`
	Metrics      map[string]float64 `json:"metrics,omitempty"`
	RecordedAt   string             `json:"recorded_at"`
}

type Options struct {
	// Path is the journal file; the guarding lock lives at Path + ".lock".
	Path string
	// LockTimeout bounds the wait for the journal lock.
	LockTimeout time.Duration

	Logger *slog.Logger
}

type File struct {
	path        string
	lockTimeout time.Duration
	logger      *slog.Logger
}

func New(opts Options) (*File, error) {
	path := strings.TrimSpace(opts.Path)
	if path == "" {
		return nil, fault.Config("studystate.path", "study state file path is required")
	}
	timeout := opts.LockTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &File{path: path, lockTimeout: timeout, logger: logger}, nil
}

// Append records one trial attempt. The attempt ID and timestamp are filled
// in when absent. All records in one journal must carry the same study key
// hash; a mismatch means two different studies are writing to the same file
// and is rejected rather than recorded.
func (f *File) Append(rec TrialRecord) error {
	if rec.TrialNumber < 1 {
		return fault.Config("trial_number", "trial number must be at least 1 (got %d)", rec.TrialNumber)
	}
	if !rec.Status.Valid() {
		return fault.Config("status", "unknown trial status %q", string(rec.Status))
	}
	rec.StudyKeyHash = strings.TrimSpace(rec.StudyKeyHash)
	if rec.StudyKeyHash == "" {
		return fault.Config("study_key_hash", "study key hash is required")
	}
	if rec.AttemptID == "" {
		rec.AttemptID = ulid.Make().String()
	}
	if rec.RecordedAt == "" {
		rec.RecordedAt = time.Now().UTC().Format(time.RFC3339Nano)
	}

	return f.withLock(func() error {
		existing, err := f.readAll()
		if err != nil {
			return err
		}
		for _, prev := range existing {
			if prev.StudyKeyHash != rec.StudyKeyHash {
				return fault.Conflict("studystate.Append",
					"study key hash %s does not match journal's %s", rec.StudyKeyHash, prev.StudyKeyHash)
			}
			break
		}
		return f.appendLine(rec)
	})
}

// Load returns every record in journal order.
func (f *File) Load() ([]TrialRecord, error) {
	return f.readAll()
}

// CompletedTrials returns the sorted trial numbers whose latest record is
// completed. A trial retried after a failure counts once.
func (f *File) CompletedTrials() ([]int, error) {
	latest, err := f.latestByTrial()
	if err != nil {
		return nil, err
	}
	var done []int
	for n, rec := range latest {
		if rec.Status == StatusCompleted {
			done = append(done, n)
		}
	}
	sort.Ints(done)
	return done, nil
}

// NextTrialNumber returns one past the highest trial number on record, so a
// resumed sweep never collides with numbers already used, including failed
// attempts.
func (f *File) NextTrialNumber() (int, error) {
	records, err := f.readAll()
	if err != nil {
		return 0, err
	}
	next := 1
	for _, rec := range records {
		if rec.TrialNumber >= next {
			next = rec.TrialNumber + 1
		}
	}
	return next, nil
}

// StudyKeyHash returns the hash established by the journal's first record,
// or "" for an empty journal.
func (f *File) StudyKeyHash() (string, error) {
	records, err := f.readAll()
	if err != nil {
		return "", err
	}
	if len(records) == 0 {
		return "", nil
	}
	return records[0].StudyKeyHash, nil
}

func (f *File) latestByTrial() (map[int]TrialRecord, error) {
	records, err := f.readAll()
	if err != nil {
		return nil, err
	}
	latest := make(map[int]TrialRecord)
	for _, rec := range records {
		latest[rec.TrialNumber] = rec
	}
	return latest, nil
}

func (f *File) withLock(fn func() error) error {
	return lockfile.With(f.path, lockfile.Options{
		Timeout: f.lockTimeout,
		Logger:  f.logger,
	}, fn)
}

func (f *File) readAll() ([]TrialRecord, error) {
	file, err := os.Open(f.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("open study state %s: %w", f.path, err)
	}
	defer func() { _ = file.Close() }()

	sc := bufio.NewScanner(file)
	sc.Buffer(make([]byte, 0, 64*1024), 2*1024*1024)
	var records []TrialRecord
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var rec TrialRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			f.logger.Warn("skipping malformed study state line", "path", f.path, "line", lineNo)
			continue
		}
		records = append(records, rec)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read study state %s: %w", f.path, err)
	}
	return records, nil
}

func (f *File) appendLine(rec TrialRecord) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode trial record: %w", err)
	}
	if !endsWithNewline(f.path) {
		b = append([]byte{'\n'}, b...)
	}
	file, err := os.OpenFile(f.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open study state %s: %w", f.path, err)
	}
	if _, err := file.Write(append(b, '\n')); err != nil {
		_ = file.Close()
		return fmt.Errorf("append study state %s: %w", f.path, err)
	}
	return file.Close()
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
