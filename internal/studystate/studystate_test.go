package studystate

import (
	"io"
	"log/slog"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/cairnml/cairn/internal/fault"
)

const studyHash = "0a1b2c3d4e5f60718293a4b5c6d7e8f90a1b2c3d4e5f60718293a4b5c6d7e8f9"

func testFile(t *testing.T) *File {
	t.Helper()
	f, err := New(Options{
		Path:        filepath.Join(t.TempDir(), "study-state.ndjson"),
		LockTimeout: 2 * time.Second,
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return f
}

func record(trial int, status Status) TrialRecord {
	return TrialRecord{
		TrialNumber:  trial,
		Status:       status,
		StudyKeyHash: studyHash,
		Metrics:      map[string]float64{"val_accuracy": 0.91},
	}
}

func TestNewRequiresPath(t *testing.T) {
	if _, err := New(Options{}); !fault.IsConfig(err) {
		t.Fatalf("New without path: got %v want configuration error", err)
	}
}

func TestAppendFillsAttemptIDAndTimestamp(t *testing.T) {
	f := testFile(t)
	if err := f.Append(record(1, StatusCompleted)); err != nil {
		t.Fatalf("Append: %v", err)
	}

	records, err := f.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("Load: got %d records want 1", len(records))
	}
	if records[0].AttemptID == "" {
		t.Fatal("attempt id not filled in")
	}
	if records[0].RecordedAt == "" {
		t.Fatal("recorded_at not filled in")
	}
	if _, err := time.Parse(time.RFC3339Nano, records[0].RecordedAt); err != nil {
		t.Fatalf("recorded_at not RFC3339: %v", err)
	}
}

func TestAppendValidation(t *testing.T) {
	f := testFile(t)

	bad := record(0, StatusCompleted)
	if err := f.Append(bad); !fault.IsConfig(err) {
		t.Fatalf("Append with trial 0: got %v want configuration error", err)
	}

	bad = record(1, Status("running"))
	if err := f.Append(bad); !fault.IsConfig(err) {
		t.Fatalf("Append with bad status: got %v want configuration error", err)
	}

	bad = record(1, StatusCompleted)
	bad.StudyKeyHash = ""
	if err := f.Append(bad); !fault.IsConfig(err) {
		t.Fatalf("Append without study hash: got %v want configuration error", err)
	}
}

func TestAppendRejectsStudyHashDrift(t *testing.T) {
	f := testFile(t)
	if err := f.Append(record(1, StatusCompleted)); err != nil {
		t.Fatalf("Append: %v", err)
	}

	drifted := record(2, StatusCompleted)
	drifted.StudyKeyHash = "ffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffff"
	if err := f.Append(drifted); !fault.IsConflict(err) {
		t.Fatalf("Append with drifted hash: got %v want conflict", err)
	}
}

func TestCompletedTrialsLastRecordWins(t *testing.T) {
	f := testFile(t)
	for _, rec := range []TrialRecord{
		record(1, StatusCompleted),
		record(2, StatusFailed),
		record(3, StatusCompleted),
		record(2, StatusCompleted), // retry of the failed trial
	} {
		if err := f.Append(rec); err != nil {
			t.Fatalf("Append trial %d: %v", rec.TrialNumber, err)
		}
	}

	done, err := f.CompletedTrials()
	if err != nil {
		t.Fatalf("CompletedTrials: %v", err)
	}
	if want := []int{1, 2, 3}; !reflect.DeepEqual(done, want) {
		t.Fatalf("CompletedTrials: got %v want %v", done, want)
	}
}

func TestNextTrialNumberSkipsAllRecordedNumbers(t *testing.T) {
	f := testFile(t)

	next, err := f.NextTrialNumber()
	if err != nil {
		t.Fatalf("NextTrialNumber: %v", err)
	}
	if next != 1 {
		t.Fatalf("NextTrialNumber on empty journal: got %d want 1", next)
	}

	for _, rec := range []TrialRecord{
		record(1, StatusCompleted),
		record(2, StatusCompleted),
		record(3, StatusFailed),
	} {
		if err := f.Append(rec); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	next, err = f.NextTrialNumber()
	if err != nil {
		t.Fatalf("NextTrialNumber: %v", err)
	}
	if next != 4 {
		t.Fatalf("NextTrialNumber: got %d want 4 (failed attempts still burn their number)", next)
	}
}

func TestStudyKeyHash(t *testing.T) {
	f := testFile(t)

	hash, err := f.StudyKeyHash()
	if err != nil {
		t.Fatalf("StudyKeyHash: %v", err)
	}
	if hash != "" {
		t.Fatalf("StudyKeyHash on empty journal: got %q want empty", hash)
	}

	if err := f.Append(record(1, StatusCompleted)); err != nil {
		t.Fatalf("Append: %v", err)
	}
	hash, err = f.StudyKeyHash()
	if err != nil {
		t.Fatalf("StudyKeyHash: %v", err)
	}
	if hash != studyHash {
		t.Fatalf("StudyKeyHash: got %q want %q", hash, studyHash)
	}
}

func TestConcurrentAppendsAllRecorded(t *testing.T) {
	f := testFile(t)

	const n = 8
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 1; i <= n; i++ {
		wg.Add(1)
		go func(trial int) {
			defer wg.Done()
			errs <- f.Append(record(trial, StatusCompleted))
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	done, err := f.CompletedTrials()
	if err != nil {
		t.Fatalf("CompletedTrials: %v", err)
	}
	if len(done) != n {
		t.Fatalf("CompletedTrials: got %d want %d", len(done), n)
	}
	for i, trial := range done {
		if trial != i+1 {
			t.Fatalf("CompletedTrials: got %v want 1..%d", done, n)
		}
	}
}
