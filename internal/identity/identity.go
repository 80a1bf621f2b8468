// Package identity derives stable, collision-resistant identities for
// studies and trials from configuration content. A study restarted with
// unchanged configuration resolves to the same hashes and therefore the same
// artifacts; identity is persisted as tracking-run tags and those tags are
// the source of truth on re-resolution.
package identity

import "strings"

// Algo is the hash algorithm generation. v1 identities still appear in tags
// written by old runs and are accepted on read; they are never computed.
type Algo string

const (
	AlgoV1 Algo = "v1"
	AlgoV2 Algo = "v2"
)

func ParseAlgo(s string) (Algo, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "v1":
		return AlgoV1, true
	case "v2":
		return AlgoV2, true
	default:
		return "", false
	}
}

// Source records how an identity was obtained. Metadata only; equality is
// hash equality.
type Source string

const (
	SourceProvided Source = "provided"
	SourceTag      Source = "tag"
	SourceComputed Source = "computed"
)

// Tag keys under which identity is persisted on tracking runs.
const (
	TagStudyKeyHash    = "cairn.study_key_hash"
	TagStudyFamilyHash = "cairn.study_family_hash"
	TagIdentityAlgo    = "cairn.identity_algo"
	TagTrialKeyHash    = "cairn.trial_key_hash"
	TagTrialNumber     = "cairn.trial_number"
)

// Study identifies one hyperparameter sweep. Computed once when the sweep
// starts and immutable afterwards.
type Study struct {
	KeyHash    string // 16-64 hex chars; 64 for v2
	FamilyHash string // groups studies sharing backbone + data config
	Algo       Algo   // metadata; empty when the hash was provided opaquely
	Source     Source
}

// Equal compares identities. Algo and Source are metadata and excluded.
func (s Study) Equal(o Study) bool { return s.KeyHash == o.KeyHash }

func (s Study) IsZero() bool { return s.KeyHash == "" }

// Hash8 is the 8-character prefix embedded in hash-based folder names.
func (s Study) Hash8() string {
	if len(s.KeyHash) < 8 {
		return ""
	}
	return s.KeyHash[:8]
}

// Trial identifies one sampled configuration inside a study. KeyHash is
// reproducible from the study key hash and the hyperparameters alone; Number
// is positional metadata.
type Trial struct {
	KeyHash string
	Study   Study
	Number  int
}
