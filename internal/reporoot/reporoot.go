// Package reporoot locates the project root directory from a set of ordered
// search strategies. Every strategy validates its candidate against marker
// subdirectories before accepting it, so running inside a nested copy of the
// project (a build artifact, a vendored tree) does not resolve to the copy
// unless the copy carries the full marker set.
package reporoot

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/cairnml/cairn/internal/fault"
)

// Strategy names the search step that produced a root, for provenance logs.
type Strategy string

const (
	StrategyConfigDir   Strategy = "config_dir"
	StrategyOutputDir   Strategy = "output_dir"
	StrategyStartPath   Strategy = "start_path"
	StrategyWorkspace   Strategy = "workspace_candidate"
	StrategyPlatform    Strategy = "platform_candidate"
	StrategyCwdWalk     Strategy = "cwd_walk"
	StrategyCwdFallback Strategy = "cwd_fallback"
)

const (
	ConfidenceHigh   = "high"   // required markers plus at least one optional marker
	ConfidenceMedium = "medium" // required markers only
	ConfidenceLow    = "low"    // unvalidated cwd fallback
)

// Root is a resolved project root with the provenance callers log.
type Root struct {
	Dir        string
	Strategy   Strategy
	Confidence string
}

type Options struct {
	// RequiredMarkers must all exist as directories under a candidate.
	RequiredMarkers []string
	// OptionalMarkers raise confidence when present; any file kind counts.
	OptionalMarkers []string
	// OutputsDirName is the conventional outputs-root directory name used by
	// the output-dir strategy.
	OutputsDirName string

	WorkspaceCandidates []string
	// PlatformCandidates lists install locations per execution platform.
	PlatformCandidates map[string][]string

	MaxDepth      int
	FallbackToCwd bool

	Logger *slog.Logger
}

func (o Options) applyDefaults() Options {
	if len(o.RequiredMarkers) == 0 {
		o.RequiredMarkers = []string{"config", "src"}
	}
	if o.OutputsDirName == "" {
		o.OutputsDirName = "outputs"
	}
	if o.MaxDepth == 0 {
		o.MaxDepth = 8
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Input carries the per-call hints. All fields are optional; Platform is the
// hostenv platform string used to select platform candidates.
type Input struct {
	StartPath string
	ConfigDir string
	OutputDir string
	Platform  string
	// WorkDir overrides os.Getwd for the cwd strategies.
	WorkDir string
}

type Detector struct {
	opts Options
}

func NewDetector(opts Options) *Detector {
	return &Detector{opts: opts.applyDefaults()}
}

// Detect runs the strategies in order and returns the first validated root.
// It never fails silently: either a usable root comes back or the error says
// what was searched. The cwd fallback is the one succeed-with-warning path.
func (d *Detector) Detect(in Input) (Root, error) {
	if dir := strings.TrimSpace(in.ConfigDir); dir != "" {
		if cand, ok := d.fromConfigDir(dir); ok {
			return d.accept(cand, StrategyConfigDir), nil
		}
	}
	if dir := strings.TrimSpace(in.OutputDir); dir != "" {
		if cand, ok := d.fromOutputDir(dir); ok {
			return d.accept(cand, StrategyOutputDir), nil
		}
	}
	if start := strings.TrimSpace(in.StartPath); start != "" {
		if cand, ok := d.walkUp(startDir(start)); ok {
			return d.accept(cand, StrategyStartPath), nil
		}
	}
	for _, cand := range d.opts.WorkspaceCandidates {
		if d.Validate(cand) {
			return d.accept(cand, StrategyWorkspace), nil
		}
	}
	for _, cand := range d.opts.PlatformCandidates[in.Platform] {
		if d.Validate(cand) {
			return d.accept(cand, StrategyPlatform), nil
		}
	}
	workDir := strings.TrimSpace(in.WorkDir)
	if workDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return Root{}, fault.NotFound("", "repository root not found: cannot determine working directory: %v", err)
		}
		workDir = wd
	}
	if cand, ok := d.walkUp(workDir); ok {
		return d.accept(cand, StrategyCwdWalk), nil
	}
	if d.opts.FallbackToCwd {
		d.opts.Logger.Warn("repository root not found by any strategy; falling back to working directory",
			"dir", workDir,
			"required_markers", strings.Join(d.opts.RequiredMarkers, ","))
		return Root{Dir: workDir, Strategy: StrategyCwdFallback, Confidence: ConfidenceLow}, nil
	}
	return Root{}, fault.NotFound(workDir,
		"repository root not found (markers %s; searched hints, %d workspace candidates, cwd walk up %d levels)",
		strings.Join(d.opts.RequiredMarkers, "+"), len(d.opts.WorkspaceCandidates), d.opts.MaxDepth)
}

// Validate reports whether every required marker exists as a directory
// under dir.
func (d *Detector) Validate(dir string) bool {
	if strings.TrimSpace(dir) == "" {
		return false
	}
	for _, marker := range d.opts.RequiredMarkers {
		info, err := os.Stat(filepath.Join(dir, marker))
		if err != nil || !info.IsDir() {
			return false
		}
	}
	return true
}

func (d *Detector) accept(dir string, s Strategy) Root {
	r := Root{Dir: filepath.Clean(dir), Strategy: s, Confidence: d.confidence(dir)}
	d.opts.Logger.Debug("repository root resolved", "dir", r.Dir, "strategy", string(r.Strategy), "confidence", r.Confidence)
	return r
}

func (d *Detector) confidence(dir string) string {
	for _, marker := range d.opts.OptionalMarkers {
		if _, err := os.Stat(filepath.Join(dir, marker)); err == nil {
			return ConfidenceHigh
		}
	}
	return ConfidenceMedium
}

// fromConfigDir derives the root as the parent of the supplied config
// directory.
func (d *Detector) fromConfigDir(configDir string) (string, bool) {
	abs, err := filepath.Abs(configDir)
	if err != nil {
		return "", false
	}
	parent := filepath.Dir(abs)
	if d.Validate(parent) {
		return parent, true
	}
	return "", false
}

// fromOutputDir walks upward looking for the conventional outputs directory
// and takes its parent.
func (d *Detector) fromOutputDir(outputDir string) (string, bool) {
	abs, err := filepath.Abs(outputDir)
	if err != nil {
		return "", false
	}
	dir := filepath.Clean(abs)
	for i := 0; i <= d.opts.MaxDepth; i++ {
		if filepath.Base(dir) == d.opts.OutputsDirName {
			parent := filepath.Dir(dir)
			if d.Validate(parent) {
				return parent, true
			}
			return "", false
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", false
}

// walkUp checks start and then each ancestor, deepest first.
func (d *Detector) walkUp(start string) (string, bool) {
	abs, err := filepath.Abs(start)
	if err != nil {
		return "", false
	}
	dir := filepath.Clean(abs)
	for i := 0; i <= d.opts.MaxDepth; i++ {
		if d.Validate(dir) {
			return dir, true
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", false
}

// startDir maps a start path to the directory the walk begins from: the path
// itself when it is a directory, its parent when it is a file or absent.
func startDir(start string) string {
	if info, err := os.Stat(start); err == nil && info.IsDir() {
		return start
	}
	return filepath.Dir(start)
}
