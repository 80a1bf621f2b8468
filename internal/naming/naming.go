// Package naming validates and normalizes the free-text tokens that appear
// inside path patterns and run names, and carries the immutable naming
// context for one run.
package naming

import (
	"fmt"
	"strings"

	"github.com/cairnml/cairn/internal/fault"
)

// Kind identifies a token class. Each class shares the same character rules
// but carries its own length cap and config key (for error messages).
type Kind string

const (
	KindBackbone  Kind = "backbone"
	KindStage     Kind = "stage"
	KindStudyName Kind = "study_name"
	KindVariant   Kind = "variant"
	KindCategory  Kind = "category"
)

type rule struct {
	key    string // dotted config key reported on rejection
	maxLen int
}

var rules = map[Kind]rule{
	KindBackbone:  {key: "study.backbone", maxLen: 64},
	KindStage:     {key: "study.stage", maxLen: 32},
	KindStudyName: {key: "study.name", maxLen: 96},
	KindVariant:   {key: "study.variant", maxLen: 32},
	KindCategory:  {key: "paths.categories", maxLen: 32},
}

// Normalize lowercases, trims, and maps internal whitespace to "-", then
// verifies the result against the token charset [a-z0-9._-] with a leading
// alphanumeric. Rejections are ConfigErrors naming the token's config key.
func Normalize(kind Kind, raw string) (string, error) {
	r, ok := rules[kind]
	if !ok {
		return "", fault.Conflict("naming", "unknown token kind %q", string(kind))
	}
	s := strings.ToLower(strings.TrimSpace(raw))
	if s == "" {
		return "", fault.Config(r.key, "token must not be empty")
	}
	s = strings.Join(strings.Fields(s), "-")
	if len(s) > r.maxLen {
		return "", fault.Config(r.key, "token %q exceeds %d characters", s, r.maxLen)
	}
	if !isAlnum(s[0]) {
		return "", fault.Config(r.key, "token %q must start with a letter or digit", s)
	}
	for i := 0; i < len(s); i++ {
		if !isTokenByte(s[i]) {
			return "", fault.Config(r.key, "token %q contains invalid character %q (allowed: a-z 0-9 . _ -)", s, string(s[i]))
		}
	}
	return s, nil
}

// MustValid reports whether raw already is a normalized token of the kind.
func MustValid(kind Kind, raw string) bool {
	n, err := Normalize(kind, raw)
	return err == nil && n == raw
}

func isAlnum(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= '0' && b <= '9')
}

func isTokenByte(b byte) bool {
	return isAlnum(b) || b == '.' || b == '_' || b == '-'
}

// Context is the immutable naming record for one run. It is built once per
// process, passed by value, and extended only by deriving a child context
// (a trial context derived from its study context). Identity hashes are
// carried as plain hex strings so that leaf packages stay dependency-free.
type Context struct {
	Backbone  string
	Stage     string
	StudyName string // legacy human-readable study name; may be empty
	Variant   string // may be empty

	StudyHash  string // full study key hash (64 hex); may be empty before resolution
	FamilyHash string

	Trial int   // 0 means "study scope", trials are 1-based
	Seed  int64
}

// NewContext normalizes the tokens and returns a study-scoped context.
// StudyName and Variant are optional; everything else is required.
func NewContext(backbone, stage, studyName, variant string, seed int64) (Context, error) {
	b, err := Normalize(KindBackbone, backbone)
	if err != nil {
		return Context{}, err
	}
	st, err := Normalize(KindStage, stage)
	if err != nil {
		return Context{}, err
	}
	c := Context{Backbone: b, Stage: st, Seed: seed}
	if strings.TrimSpace(studyName) != "" {
		n, err := Normalize(KindStudyName, studyName)
		if err != nil {
			return Context{}, err
		}
		c.StudyName = n
	}
	if strings.TrimSpace(variant) != "" {
		v, err := Normalize(KindVariant, variant)
		if err != nil {
			return Context{}, err
		}
		c.Variant = v
	}
	return c, nil
}

// WithIdentity derives a context carrying the resolved study hashes.
func (c Context) WithIdentity(studyHash, familyHash string) Context {
	c.StudyHash = strings.TrimSpace(studyHash)
	c.FamilyHash = strings.TrimSpace(familyHash)
	return c
}

// WithTrial derives the context for one trial of the study. n is 1-based.
func (c Context) WithTrial(n int) Context {
	c.Trial = n
	return c
}

// IsTrial reports whether the context is trial-scoped.
func (c Context) IsTrial() bool { return c.Trial > 0 }

// Hash8 returns the 8-hex-character study hash prefix used in folder names,
// or "" when no identity is attached yet.
func (c Context) Hash8() string {
	if len(c.StudyHash) < 8 {
		return ""
	}
	return c.StudyHash[:8]
}

// Fields returns the placeholder map for path-pattern expansion. Only
// populated fields are present, so a pattern referencing an absent field
// fails loudly in the resolver instead of expanding to an empty segment.
func (c Context) Fields() map[string]string {
	f := map[string]string{
		"backbone": c.Backbone,
		"stage":    c.Stage,
		"seed":     fmt.Sprintf("%d", c.Seed),
	}
	if c.StudyName != "" {
		f["study_name"] = c.StudyName
	}
	if c.Variant != "" {
		f["variant"] = c.Variant
	}
	if h8 := c.Hash8(); h8 != "" {
		f["study_hash8"] = h8
	}
	if c.Trial > 0 {
		f["trial"] = fmt.Sprintf("%d", c.Trial)
	}
	return f
}
