package sweep

import (
	"math"
	"math/rand"
	"sort"

	"github.com/cairnml/cairn/internal/fault"
)

// Sampler draws the hyperparameters for one trial from the configured search
// space. Implementations must be deterministic in (trial, space, seed) so
// that a restarted sweep re-derives the same parameters, and with them the
// same trial key hash, for a trial number it re-runs.
type Sampler interface {
	Sample(trial int, space map[string]any, seed int64) (map[string]any, error)
}

// SpaceSampler is the built-in sampler. The space grammar per parameter:
//
//	learning_rate: {min: 1e-5, max: 1e-3, log: true}   log-uniform float
//	batch_size:    {min: 16, max: 128, int: true}      uniform integer
//	dropout:       {min: 0.0, max: 0.5}                uniform float
//	scheduler:     [linear, cosine]                    choice
//	warmup_steps:  500                                 fixed value
type SpaceSampler struct{}

func (SpaceSampler) Sample(trial int, space map[string]any, seed int64) (map[string]any, error) {
	params := make(map[string]any, len(space))
	if len(space) == 0 {
		return params, nil
	}
	// One stream per trial, parameters drawn in sorted name order so the
	// draw sequence does not depend on map iteration.
	rng := rand.New(rand.NewSource(seed + int64(trial)*1000003))
	names := make([]string, 0, len(space))
	for name := range space {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		v, err := sampleParam(name, space[name], rng)
		if err != nil {
			return nil, err
		}
		params[name] = v
	}
	return params, nil
}

func sampleParam(name string, spec any, rng *rand.Rand) (any, error) {
	switch s := spec.(type) {
	case []any:
		if len(s) == 0 {
			return nil, fault.Config("study.space."+name, "choice list is empty")
		}
		return s[rng.Intn(len(s))], nil
	case map[string]any:
		lo, okLo := toFloat(s["min"])
		hi, okHi := toFloat(s["max"])
		if !okLo || !okHi {
			return nil, fault.Config("study.space."+name, "range needs numeric min and max")
		}
		if hi < lo {
			return nil, fault.Config("study.space."+name, "range max %v is below min %v", hi, lo)
		}
		if isLog, _ := s["log"].(bool); isLog {
			if lo <= 0 {
				return nil, fault.Config("study.space."+name, "log range needs min > 0 (got %v)", lo)
			}
			return math.Exp(math.Log(lo) + rng.Float64()*(math.Log(hi)-math.Log(lo))), nil
		}
		if isInt, _ := s["int"].(bool); isInt {
			low, high := int(math.Ceil(lo)), int(math.Floor(hi))
			if high < low {
				return nil, fault.Config("study.space."+name, "integer range [%v, %v] contains no integers", lo, hi)
			}
			return low + rng.Intn(high-low+1), nil
		}
		return lo + rng.Float64()*(hi-lo), nil
	default:
		// A bare scalar is a fixed parameter.
		return spec, nil
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}
