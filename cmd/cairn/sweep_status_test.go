package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cairnml/cairn/internal/studystate"
	"github.com/cairnml/cairn/internal/sweep"
)

// seedStudyDir fabricates a study directory: one completed trial with
// artifacts on disk, one failed trial with a journal record only.
func seedStudyDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	state, err := studystate.New(studystate.Options{
		Path:   filepath.Join(dir, "state.ndjson"),
		Logger: quietLogger(),
	})
	if err != nil {
		t.Fatal(err)
	}
	hash := strings.Repeat("5c", 32)
	records := []studystate.TrialRecord{
		{TrialNumber: 1, Status: studystate.StatusCompleted, StudyKeyHash: hash, RunName: "hpo_distilbert_v1", RunID: "r1", Metrics: map[string]float64{"objective": 0.42}},
		{TrialNumber: 2, Status: studystate.StatusFailed, StudyKeyHash: hash, RunName: "hpo_distilbert_v2", RunID: "r2"},
	}
	for _, rec := range records {
		if err := state.Append(rec); err != nil {
			t.Fatal(err)
		}
	}
	trialDir := filepath.Join(dir, "trial-001")
	if err := os.Mkdir(trialDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(trialDir, "metrics.json"), []byte(`{"objective": 0.42}`), 0o644); err != nil {
		t.Fatal(err)
	}
	return dir
}

func TestRunSweepStatusText(t *testing.T) {
	dir := seedStudyDir(t)

	var stdout, stderr bytes.Buffer
	if code := runSweepStatus([]string{"--study-dir", dir}, &stdout, &stderr); code != 0 {
		t.Fatalf("exit %d want 0; stderr: %s", code, stderr.String())
	}
	out := stdout.String()
	if got := lineValue(t, out, "study_key_hash"); got != strings.Repeat("5c", 32) {
		t.Errorf("study_key_hash: got %s", got)
	}
	if got := lineValue(t, out, "completed"); got != "1" {
		t.Errorf("completed: got %s want 1", got)
	}
	if got := lineValue(t, out, "failed"); got != "1" {
		t.Errorf("failed: got %s want 1", got)
	}
	if got := lineValue(t, out, "next_trial"); got != "3" {
		t.Errorf("next_trial: got %s want 3", got)
	}
	if !strings.Contains(out, "trial=001 status=completed run=hpo_distilbert_v1 artifacts=true") {
		t.Errorf("missing trial 1 line:\n%s", out)
	}
	if !strings.Contains(out, "trial=002 status=failed run=hpo_distilbert_v2 artifacts=false") {
		t.Errorf("missing trial 2 line:\n%s", out)
	}
}

func TestRunSweepStatusJSON(t *testing.T) {
	dir := seedStudyDir(t)

	var stdout, stderr bytes.Buffer
	if code := runSweepStatus([]string{"--study-dir", dir, "--json"}, &stdout, &stderr); code != 0 {
		t.Fatalf("exit %d want 0; stderr: %s", code, stderr.String())
	}
	var st sweep.StudyStatus
	if err := json.Unmarshal(stdout.Bytes(), &st); err != nil {
		t.Fatalf("unmarshal: %v\n%s", err, stdout.String())
	}
	if st.Completed != 1 || st.Failed != 1 || st.NextTrial != 3 {
		t.Fatalf("summary: %+v", st)
	}
	if len(st.Trials) != 2 {
		t.Fatalf("trials: got %d want 2", len(st.Trials))
	}
	if st.Trials[0].Metrics["objective"] != 0.42 {
		t.Errorf("trial 1 metrics: %+v", st.Trials[0].Metrics)
	}
	if !st.Trials[0].HasArtifacts || st.Trials[1].HasArtifacts {
		t.Errorf("artifact flags: %+v", st.Trials)
	}
}

func TestRunSweepStatusErrors(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if code := runSweepStatus(nil, &stdout, &stderr); code != 1 {
		t.Fatalf("missing flag: exit %d want 1", code)
	}
	if !strings.Contains(stderr.String(), "--study-dir is required") {
		t.Fatalf("stderr: %s", stderr.String())
	}

	stderr.Reset()
	if code := runSweepStatus([]string{"--study-dir", filepath.Join(t.TempDir(), "absent")}, &stdout, &stderr); code != 1 {
		t.Fatalf("missing dir: exit %d want 1", code)
	}
}
