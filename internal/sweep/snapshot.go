package sweep

import (
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/cairnml/cairn/internal/fault"
	"github.com/cairnml/cairn/internal/studystate"
)

// TrialStatus is the per-trial line of a study snapshot. Status is the
// journal's latest word ("completed" or "failed"); empty means artifacts
// exist on disk with no journal record, typically an attempt that was
// interrupted before it finished.
type TrialStatus struct {
	Number       int                `json:"number"`
	Status       string             `json:"status,omitempty"`
	RunName      string             `json:"run_name,omitempty"`
	RunID        string             `json:"run_id,omitempty"`
	Metrics      map[string]float64 `json:"metrics,omitempty"`
	HasArtifacts bool               `json:"has_artifacts"`
}

// StudyStatus is a compact read-only snapshot of one study directory,
// composed from the trial journal and the on-disk trial directories.
type StudyStatus struct {
	StudyDir     string        `json:"study_dir"`
	StudyKeyHash string        `json:"study_key_hash,omitempty"`
	Completed    int           `json:"completed"`
	Failed       int           `json:"failed"`
	NextTrial    int           `json:"next_trial"`
	Trials       []TrialStatus `json:"trials,omitempty"`
}

// LoadStatus builds the snapshot for studyDir. It only reads; nothing is
// locked, repaired, or written.
func LoadStatus(studyDir string, logger *slog.Logger) (*StudyStatus, error) {
	if logger == nil {
		logger = slog.Default()
	}
	studyDir = filepath.Clean(studyDir)
	if info, err := os.Stat(studyDir); err != nil || !info.IsDir() {
		return nil, fault.NotFound(studyDir, "study directory %s does not exist", studyDir)
	}

	s := &StudyStatus{StudyDir: studyDir, NextTrial: 1}
	byNumber := map[int]*TrialStatus{}

	if err := applyJournal(s, byNumber, logger); err != nil {
		return nil, err
	}
	if err := applyTrialDirs(s, byNumber); err != nil {
		return nil, err
	}

	numbers := make([]int, 0, len(byNumber))
	for n := range byNumber {
		numbers = append(numbers, n)
	}
	sort.Ints(numbers)
	for _, n := range numbers {
		s.Trials = append(s.Trials, *byNumber[n])
	}
	return s, nil
}

func applyJournal(s *StudyStatus, byNumber map[int]*TrialStatus, logger *slog.Logger) error {
	state, err := studystate.New(studystate.Options{
		Path:   filepath.Join(s.StudyDir, StateFileName),
		Logger: logger,
	})
	if err != nil {
		return err
	}
	records, err := state.Load()
	if err != nil {
		return err
	}
	// Later records supersede earlier ones for the same trial number.
	for _, rec := range records {
		if s.StudyKeyHash == "" {
			s.StudyKeyHash = rec.StudyKeyHash
		}
		byNumber[rec.TrialNumber] = &TrialStatus{
			Number:  rec.TrialNumber,
			Status:  string(rec.Status),
			RunName: rec.RunName,
			RunID:   rec.RunID,
			Metrics: rec.Metrics,
		}
		if rec.TrialNumber >= s.NextTrial {
			s.NextTrial = rec.TrialNumber + 1
		}
	}
	for _, ts := range byNumber {
		switch studystate.Status(ts.Status) {
		case studystate.StatusCompleted:
			s.Completed++
		case studystate.StatusFailed:
			s.Failed++
		}
	}
	return nil
}

func applyTrialDirs(s *StudyStatus, byNumber map[int]*TrialStatus) error {
	entries, err := os.ReadDir(s.StudyDir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		n, ok := parseTrialDirName(entry.Name())
		if !ok {
			continue
		}
		ts := byNumber[n]
		if ts == nil {
			ts = &TrialStatus{Number: n}
			byNumber[n] = ts
		}
		ts.HasArtifacts = dirHasEntries(filepath.Join(s.StudyDir, entry.Name()))
	}
	return nil
}

func parseTrialDirName(name string) (int, bool) {
	rest, ok := strings.CutPrefix(name, "trial-")
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(rest)
	if err != nil || n < 1 {
		return 0, false
	}
	return n, true
}
