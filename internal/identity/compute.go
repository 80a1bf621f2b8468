package identity

import (
	"encoding/hex"

	"github.com/zeebo/blake3"

	"github.com/cairnml/cairn/internal/fault"
	"github.com/cairnml/cairn/internal/naming"
)

// ComputeStudy derives the v2 study identity from the full configuration
// content. All three sections are required: a caller that cannot supply the
// training configuration cannot get a correct identity and fails here rather
// than receiving a weaker partial hash.
func ComputeStudy(backbone string, data, search, train map[string]any) (Study, error) {
	b, err := naming.Normalize(naming.KindBackbone, backbone)
	if err != nil {
		return Study{}, err
	}
	if len(data) == 0 {
		return Study{}, fault.Config("data", "data configuration section is required to compute a study identity")
	}
	if len(search) == 0 {
		return Study{}, fault.Config("search", "search configuration section is required to compute a study identity")
	}
	if len(train) == 0 {
		return Study{}, fault.Config("train", "training configuration section is required to compute a study identity")
	}

	keyHash, err := hashDoc(map[string]any{
		"algo":     string(AlgoV2),
		"backbone": b,
		"data":     data,
		"search":   search,
		"train":    train,
	})
	if err != nil {
		return Study{}, err
	}
	familyHash, err := hashDoc(map[string]any{
		"algo":     string(AlgoV2),
		"backbone": b,
		"data":     data,
	})
	if err != nil {
		return Study{}, err
	}
	return Study{
		KeyHash:    keyHash,
		FamilyHash: familyHash,
		Algo:       AlgoV2,
		Source:     SourceComputed,
	}, nil
}

// ComputeTrial derives a trial identity from its owning study and the
// sampled hyperparameters. The trial number is not part of the hash, so the
// hash is reproducible before a number is assigned.
func ComputeTrial(study Study, params map[string]any) (Trial, error) {
	if study.IsZero() {
		return Trial{}, fault.Conflict("identity.ComputeTrial", "owning study identity is empty")
	}
	if len(params) == 0 {
		return Trial{}, fault.Config("params", "trial hyperparameters are required to compute a trial identity")
	}
	keyHash, err := hashDoc(map[string]any{
		"algo":   string(AlgoV2),
		"params": params,
		"study":  study.KeyHash,
	})
	if err != nil {
		return Trial{}, err
	}
	return Trial{KeyHash: keyHash, Study: study}, nil
}

func hashDoc(doc map[string]any) (string, error) {
	b, err := CanonicalEncode(doc)
	if err != nil {
		return "", err
	}
	sum := blake3.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}
