package runmode

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/cairnml/cairn/internal/fault"
)

func writeFiles(t *testing.T, dir string, rels ...string) {
	t.Helper()
	for _, rel := range rels {
		path := filepath.Join(dir, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
			t.Fatalf("write %s: %v", path, err)
		}
	}
}

func TestGlobProbeValidation(t *testing.T) {
	if _, err := GlobProbe(); !fault.IsConfig(err) {
		t.Fatalf("GlobProbe without globs: got %v want configuration error", err)
	}
	if _, err := GlobProbe("[bad"); !fault.IsConfig(err) {
		t.Fatalf("GlobProbe with bad pattern: got %v want configuration error", err)
	}
}

func TestGlobProbeCompleteness(t *testing.T) {
	probe, err := GlobProbe("final.json", "trial-*/model.ckpt")
	if err != nil {
		t.Fatalf("GlobProbe: %v", err)
	}

	missing := filepath.Join(t.TempDir(), "study-0a1b2c3d")
	if got, err := probe(missing); err != nil || got != Absent {
		t.Fatalf("probe missing dir: got %s err %v want %s", got, err, Absent)
	}

	empty := t.TempDir()
	if got, err := probe(empty); err != nil || got != Absent {
		t.Fatalf("probe empty dir: got %s err %v want %s", got, err, Absent)
	}

	partial := t.TempDir()
	writeFiles(t, partial, "trial-001/model.ckpt", "trial-001/train.log")
	if got, err := probe(partial); err != nil || got != Partial {
		t.Fatalf("probe partial dir: got %s err %v want %s", got, err, Partial)
	}

	complete := t.TempDir()
	writeFiles(t, complete, "trial-001/model.ckpt", "final.json")
	if got, err := probe(complete); err != nil || got != Complete {
		t.Fatalf("probe complete dir: got %s err %v want %s", got, err, Complete)
	}
}

func TestDecide(t *testing.T) {
	fixed := func(c Completeness) Probe {
		return func(string) (Completeness, error) { return c, nil }
	}

	cases := []struct {
		name   string
		probe  Probe
		policy Policy
		want   Decision
	}{
		{"force wins over complete artifacts", fixed(Complete), Policy{Force: true, AllowReuse: true, AllowResume: true}, ForceNew},
		{"absent always fresh", fixed(Absent), Policy{AllowReuse: true, AllowResume: true}, ForceNew},
		{"complete with reuse", fixed(Complete), Policy{AllowReuse: true, AllowResume: true}, ReuseIfExists},
		{"complete without reuse", fixed(Complete), Policy{AllowResume: true}, ForceNew},
		{"partial with resume", fixed(Partial), Policy{AllowReuse: true, AllowResume: true}, ResumeIfIncomplete},
		{"partial without resume", fixed(Partial), Policy{AllowReuse: true}, ForceNew},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			report, err := Decide("/unused", tc.probe, tc.policy)
			if err != nil {
				t.Fatalf("Decide: %v", err)
			}
			if report.Decision != tc.want {
				t.Fatalf("Decide: got %s want %s (reason %q)", report.Decision, tc.want, report.Reason)
			}
			if report.Reason == "" {
				t.Fatal("Decide: empty reason")
			}
		})
	}
}

func TestDecideForceSkipsProbe(t *testing.T) {
	probed := false
	probe := func(string) (Completeness, error) {
		probed = true
		return Complete, nil
	}
	report, err := Decide("/unused", probe, Policy{Force: true})
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if report.Decision != ForceNew {
		t.Fatalf("Decide: got %s want %s", report.Decision, ForceNew)
	}
	if probed {
		t.Fatal("probe consulted despite force policy")
	}
}

func TestDecidePropagatesProbeError(t *testing.T) {
	wantErr := fmt.Errorf("probe exploded")
	probe := func(string) (Completeness, error) { return "", wantErr }
	if _, err := Decide("/unused", probe, Policy{}); err != wantErr {
		t.Fatalf("Decide: got %v want %v", err, wantErr)
	}
}

func TestDecideRequiresProbe(t *testing.T) {
	if _, err := Decide("/unused", nil, Policy{}); !fault.IsConfig(err) {
		t.Fatalf("Decide without probe: got %v want configuration error", err)
	}
}

func TestDecisionMatchesFilesystemLifecycle(t *testing.T) {
	probe, err := GlobProbe("final.json")
	if err != nil {
		t.Fatalf("GlobProbe: %v", err)
	}
	policy := Policy{AllowReuse: true, AllowResume: true}
	dir := filepath.Join(t.TempDir(), "study-0a1b2c3d")

	report, err := Decide(dir, probe, policy)
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if report.Decision != ForceNew {
		t.Fatalf("fresh tree: got %s want %s", report.Decision, ForceNew)
	}

	writeFiles(t, dir, "trial-001/metrics.json")
	report, err = Decide(dir, probe, policy)
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if report.Decision != ResumeIfIncomplete {
		t.Fatalf("partial tree: got %s want %s", report.Decision, ResumeIfIncomplete)
	}

	writeFiles(t, dir, "final.json")
	report, err = Decide(dir, probe, policy)
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if report.Decision != ReuseIfExists {
		t.Fatalf("complete tree: got %s want %s", report.Decision, ReuseIfExists)
	}
}
