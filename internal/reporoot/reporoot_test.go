package reporoot

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/cairnml/cairn/internal/fault"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// makeRepo fabricates a project tree with the required markers and returns
// its root.
func makeRepo(t *testing.T, optional ...string) string {
	t.Helper()
	root := t.TempDir()
	for _, dir := range []string{"config", "src"} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0o755); err != nil {
			t.Fatalf("mkdir %s: %v", dir, err)
		}
	}
	for _, name := range optional {
		if err := os.MkdirAll(filepath.Join(root, name), 0o755); err != nil {
			t.Fatalf("mkdir %s: %v", name, err)
		}
	}
	return root
}

func newTestDetector(opts Options) *Detector {
	if opts.Logger == nil {
		opts.Logger = quietLogger()
	}
	return NewDetector(opts)
}

func TestDetect_ConfigDirHintIgnoresWorkDir(t *testing.T) {
	root := makeRepo(t)
	elsewhere := t.TempDir()

	d := newTestDetector(Options{})
	got, err := d.Detect(Input{ConfigDir: filepath.Join(root, "config"), WorkDir: elsewhere})
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if got.Dir != root {
		t.Fatalf("dir = %q, want %q", got.Dir, root)
	}
	if got.Strategy != StrategyConfigDir {
		t.Fatalf("strategy = %q, want %q", got.Strategy, StrategyConfigDir)
	}
}

func TestDetect_OutputDirWalksUpToOutputsMarker(t *testing.T) {
	root := makeRepo(t)
	deep := filepath.Join(root, "outputs", "checkpoints", "distilbert", "study-0a1b2c3d")
	if err := os.MkdirAll(deep, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	d := newTestDetector(Options{})
	got, err := d.Detect(Input{OutputDir: deep, WorkDir: t.TempDir()})
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if got.Dir != root || got.Strategy != StrategyOutputDir {
		t.Fatalf("got %+v, want dir %q via output_dir", got, root)
	}
}

func TestDetect_StartPathWalksUpFromFile(t *testing.T) {
	root := makeRepo(t)
	trainDir := filepath.Join(root, "src", "train")
	if err := os.MkdirAll(trainDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	startFile := filepath.Join(trainDir, "loop.py")
	if err := os.WriteFile(startFile, []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	d := newTestDetector(Options{})
	got, err := d.Detect(Input{StartPath: startFile, WorkDir: t.TempDir()})
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if got.Dir != root || got.Strategy != StrategyStartPath {
		t.Fatalf("got %+v, want dir %q via start_path", got, root)
	}
}

func TestDetect_WorkspaceAndPlatformCandidates(t *testing.T) {
	workspaceRoot := makeRepo(t)
	platformRoot := makeRepo(t)

	d := newTestDetector(Options{WorkspaceCandidates: []string{filepath.Join(t.TempDir(), "absent"), workspaceRoot}})
	got, err := d.Detect(Input{WorkDir: t.TempDir()})
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if got.Dir != workspaceRoot || got.Strategy != StrategyWorkspace {
		t.Fatalf("got %+v, want workspace candidate %q", got, workspaceRoot)
	}

	d = newTestDetector(Options{PlatformCandidates: map[string][]string{"notebook": {platformRoot}}})
	got, err = d.Detect(Input{Platform: "notebook", WorkDir: t.TempDir()})
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if got.Dir != platformRoot || got.Strategy != StrategyPlatform {
		t.Fatalf("got %+v, want platform candidate %q", got, platformRoot)
	}

	// Candidates for a different platform are not consulted.
	got, err = d.Detect(Input{Platform: "local", WorkDir: makeRepo(t)})
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if got.Strategy != StrategyCwdWalk {
		t.Fatalf("strategy = %q, want %q", got.Strategy, StrategyCwdWalk)
	}
}

func TestDetect_CwdWalkFindsRootFromNestedDir(t *testing.T) {
	root := makeRepo(t)
	nested := filepath.Join(root, "src", "models", "encoder")
	if err := os.MkdirAll(nested, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	d := newTestDetector(Options{})
	got, err := d.Detect(Input{WorkDir: nested})
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if got.Dir != root || got.Strategy != StrategyCwdWalk {
		t.Fatalf("got %+v, want dir %q via cwd_walk", got, root)
	}
}

func TestDetect_NestedCopyMissingMarkerIsSkipped(t *testing.T) {
	root := makeRepo(t)
	// A vendored copy with only one of the two required markers.
	copyDir := filepath.Join(root, "build", "copy")
	if err := os.MkdirAll(filepath.Join(copyDir, "config"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	d := newTestDetector(Options{})
	got, err := d.Detect(Input{WorkDir: copyDir})
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if got.Dir != root {
		t.Fatalf("dir = %q, want outer root %q", got.Dir, root)
	}
}

func TestDetect_FallbackToCwdWarnsAndSucceeds(t *testing.T) {
	empty := t.TempDir()
	d := newTestDetector(Options{FallbackToCwd: true, MaxDepth: 2})
	got, err := d.Detect(Input{WorkDir: empty})
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if got.Strategy != StrategyCwdFallback || got.Confidence != ConfidenceLow {
		t.Fatalf("got %+v, want cwd_fallback with low confidence", got)
	}
	if got.Dir != empty {
		t.Fatalf("dir = %q, want %q", got.Dir, empty)
	}
}

func TestDetect_NoFallbackFailsExplicitly(t *testing.T) {
	d := newTestDetector(Options{MaxDepth: 2})
	_, err := d.Detect(Input{WorkDir: t.TempDir()})
	if err == nil {
		t.Fatalf("expected not-found error")
	}
	if !fault.IsNotFound(err) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
}

func TestConfidence_OptionalMarkersRaiseIt(t *testing.T) {
	plain := makeRepo(t)
	tracked := makeRepo(t, ".git")

	d := newTestDetector(Options{OptionalMarkers: []string{".git", "pyproject.toml"}})
	got, err := d.Detect(Input{WorkDir: plain})
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if got.Confidence != ConfidenceMedium {
		t.Fatalf("confidence = %q, want %q", got.Confidence, ConfidenceMedium)
	}
	got, err = d.Detect(Input{WorkDir: tracked})
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if got.Confidence != ConfidenceHigh {
		t.Fatalf("confidence = %q, want %q", got.Confidence, ConfidenceHigh)
	}
}

func TestValidate(t *testing.T) {
	root := makeRepo(t)
	d := newTestDetector(Options{})
	if !d.Validate(root) {
		t.Fatalf("Validate(%q) = false, want true", root)
	}
	if d.Validate(t.TempDir()) {
		t.Fatalf("Validate on empty dir should be false")
	}
	if d.Validate("") {
		t.Fatalf("Validate(\"\") should be false")
	}
}
