// Package paths builds output directories and cache paths from named
// patterns with {placeholder} fields. Two directory families coexist for
// study artifacts: the current family keyed by the study hash prefix
// (study-<hash8>) and a legacy family keyed by the human-readable study
// name, kept read-compatible for trees written by old runs.
package paths

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/cairnml/cairn/internal/fault"
	"github.com/cairnml/cairn/internal/naming"
)

// Scheme names the directory family a study path belongs to.
type Scheme string

const (
	SchemeHash   Scheme = "hash"
	SchemeLegacy Scheme = "legacy"
)

// StudyDir is a resolved study directory plus the family it came from.
type StudyDir struct {
	Dir    string
	Scheme Scheme
}

// Expand substitutes {name} placeholders in pattern from fields. A
// placeholder with no value fails loudly instead of expanding to an empty
// path segment; stray braces are malformed patterns.
func Expand(pattern string, fields map[string]string) (string, error) {
	var b strings.Builder
	for i := 0; i < len(pattern); {
		switch c := pattern[i]; c {
		case '{':
			end := strings.IndexByte(pattern[i:], '}')
			if end < 0 {
				return "", fault.Config("paths.pattern", "unclosed placeholder in pattern %q", pattern)
			}
			name := pattern[i+1 : i+end]
			if name == "" {
				return "", fault.Config("paths.pattern", "empty placeholder in pattern %q", pattern)
			}
			v, ok := fields[name]
			if !ok || v == "" {
				return "", fault.Config(name, "placeholder {%s} has no value (pattern %q)", name, pattern)
			}
			b.WriteString(v)
			i += end + 1
		case '}':
			return "", fault.Config("paths.pattern", "unbalanced '}' in pattern %q", pattern)
		default:
			b.WriteByte(c)
			i++
		}
	}
	return b.String(), nil
}

type Options struct {
	// Root is the resolved repository root. Required.
	Root string
	// OutputsDir is the outputs directory name under the root.
	OutputsDir string
	CacheDir   string
	// Categories maps an output category to its pattern under
	// <root>/<outputs>/<category>/.
	Categories map[string]string
}

func (o Options) applyDefaults() Options {
	if o.OutputsDir == "" {
		o.OutputsDir = "outputs"
	}
	if o.CacheDir == "" {
		o.CacheDir = ".cache"
	}
	return o
}

type Resolver struct {
	opts Options
}

func NewResolver(opts Options) (*Resolver, error) {
	if strings.TrimSpace(opts.Root) == "" {
		return nil, fault.Config("paths.root", "repository root is required")
	}
	return &Resolver{opts: opts.applyDefaults()}, nil
}

// OutputsRoot is <root>/<outputs>. All study artifacts live under it, and
// backup rebasing is defined relative to it.
func (r *Resolver) OutputsRoot() string {
	return filepath.Join(r.opts.Root, r.opts.OutputsDir)
}

func (r *Resolver) CacheDir() string {
	return filepath.Join(r.opts.Root, r.opts.CacheDir)
}

// OutputPath expands the configured pattern for category under
// <outputs>/<category>/.
func (r *Resolver) OutputPath(category string, fields map[string]string) (string, error) {
	pattern, ok := r.opts.Categories[category]
	if !ok {
		return "", fault.Config("paths.categories."+category, "unknown output category %q", category)
	}
	rel, err := Expand(pattern, fields)
	if err != nil {
		return "", err
	}
	return filepath.Join(r.OutputsRoot(), category, rel), nil
}

// StudyDir resolves the study directory for ctx under category. The hash
// family is always preferred: the hash directory is probed on disk first,
// and the legacy name-based directory is returned only when the hash
// directory is absent and a legacy directory already exists. New studies
// therefore always land in the hash family, while trees written by old runs
// stay readable.
func (r *Resolver) StudyDir(category string, ctx naming.Context) (StudyDir, error) {
	hash8 := ctx.Hash8()
	if hash8 == "" {
		return StudyDir{}, fault.Conflict("paths.StudyDir", "naming context carries no study identity")
	}
	base := filepath.Join(r.OutputsRoot(), category, ctx.Backbone)
	hashDir := filepath.Join(base, "study-"+hash8)
	if dirExists(hashDir) {
		return StudyDir{Dir: hashDir, Scheme: SchemeHash}, nil
	}
	if ctx.StudyName != "" {
		legacyDir := filepath.Join(base, ctx.StudyName)
		if dirExists(legacyDir) {
			return StudyDir{Dir: legacyDir, Scheme: SchemeLegacy}, nil
		}
	}
	return StudyDir{Dir: hashDir, Scheme: SchemeHash}, nil
}

// TrialDir is the per-trial subdirectory under a study directory. Trials
// never share a subdirectory.
func TrialDir(studyDir string, trial int) string {
	return filepath.Join(studyDir, fmt.Sprintf("trial-%03d", trial))
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
