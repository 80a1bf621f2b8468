// Package runmode decides whether a resolved output path gets a fresh run,
// reuses a complete one, or resumes a partial one. Decisions are computed
// fresh on every call from current disk state and the configured policy;
// nothing is cached, because the filesystem can change between invocations.
package runmode

import (
	"errors"
	"io/fs"
	"os"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/cairnml/cairn/internal/fault"
)

type Decision string

const (
	ForceNew           Decision = "force_new"
	ReuseIfExists      Decision = "reuse_if_exists"
	ResumeIfIncomplete Decision = "resume_if_incomplete"
)

// Completeness is a probe's judgment of what sits at an output path.
type Completeness string

const (
	Absent   Completeness = "absent"
	Partial  Completeness = "partial"
	Complete Completeness = "complete"
)

// Probe inspects an output path and reports its completeness. Callers
// supply the notion of "complete" (for example, final metrics written).
type Probe func(outputPath string) (Completeness, error)

// Policy is the configured preference. Force wins over everything;
// AllowReuse and AllowResume gate the non-fresh decisions.
type Policy struct {
	Force       bool
	AllowReuse  bool
	AllowResume bool
}

// Report carries the decision with the evidence it was based on, for logs.
type Report struct {
	Decision     Decision
	Completeness Completeness
	Reason       string
}

// Decide applies policy to the probe's view of outputPath.
func Decide(outputPath string, probe Probe, policy Policy) (Report, error) {
	if policy.Force {
		return Report{Decision: ForceNew, Reason: "policy forces a fresh run"}, nil
	}
	if probe == nil {
		return Report{}, fault.Config("runmode.probe", "completeness probe is required")
	}
	completeness, err := probe(outputPath)
	if err != nil {
		return Report{}, err
	}
	switch completeness {
	case Absent:
		return Report{Decision: ForceNew, Completeness: completeness, Reason: "no artifacts present"}, nil
	case Complete:
		if policy.AllowReuse {
			return Report{Decision: ReuseIfExists, Completeness: completeness, Reason: "artifacts complete and reuse allowed"}, nil
		}
		return Report{Decision: ForceNew, Completeness: completeness, Reason: "artifacts complete but reuse disallowed"}, nil
	case Partial:
		if policy.AllowResume {
			return Report{Decision: ResumeIfIncomplete, Completeness: completeness, Reason: "artifacts incomplete and resume allowed"}, nil
		}
		return Report{Decision: ForceNew, Completeness: completeness, Reason: "artifacts incomplete but resume disallowed"}, nil
	default:
		return Report{}, fault.Config("runmode.completeness", "probe returned unknown completeness %q", string(completeness))
	}
}

// GlobProbe builds a Probe that calls an output path complete when every
// required glob matches at least one file under it. A missing or empty
// directory is absent; anything in between is partial.
func GlobProbe(requiredGlobs ...string) (Probe, error) {
	if len(requiredGlobs) == 0 {
		return nil, fault.Config("runmode.globs", "at least one required glob is needed")
	}
	for _, pattern := range requiredGlobs {
		if !doublestar.ValidatePattern(pattern) {
			return nil, fault.Config("runmode.globs", "invalid glob pattern %q", pattern)
		}
	}
	return func(outputPath string) (Completeness, error) {
		info, err := os.Stat(outputPath)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return Absent, nil
			}
			return "", err
		}
		if !info.IsDir() {
			// A bare file can only satisfy probes about itself; treat it as
			// partial so resume policy applies.
			return Partial, nil
		}
		if !hasAnyFile(outputPath) {
			return Absent, nil
		}
		fsys := os.DirFS(outputPath)
		for _, pattern := range requiredGlobs {
			matches, err := doublestar.Glob(fsys, pattern)
			if err != nil {
				return "", err
			}
			if len(matches) == 0 {
				return Partial, nil
			}
		}
		return Complete, nil
	}, nil
}

func hasAnyFile(dir string) bool {
	found := false
	_ = fs.WalkDir(os.DirFS(dir), ".", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			found = true
			return fs.SkipAll
		}
		return nil
	})
	return found
}
