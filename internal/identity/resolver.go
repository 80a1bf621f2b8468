package identity

import (
	"context"
	"log/slog"
	"strings"
)

// TagReader reads one tag from a tracking run. Implementations own their
// retry policy; the resolver calls each key once and treats any error as a
// lookup failure to fall through from.
type TagReader interface {
	GetTag(ctx context.Context, runID, key string) (value string, ok bool, err error)
}

// ResolveRequest carries the inputs for study-identity resolution. Fields
// are consulted in strict priority order; see Resolver.ResolveStudy.
type ResolveRequest struct {
	// ExplicitKeyHash, when set, is returned unchanged. Never re-validated.
	ExplicitKeyHash string
	// ParentRunID selects tag lookup from that run's persisted identity.
	ParentRunID string

	// Configuration content for computation, the final fallback.
	Backbone string
	Data     map[string]any
	Search   map[string]any
	Train    map[string]any
}

// Resolver resolves study identities with the strict priority
// explicit > tag > computed. Two processes of the same sweep agree on
// identity through the tag path even when their local configuration objects
// resolved defaults differently.
type Resolver struct {
	tags   TagReader
	logger *slog.Logger
}

// NewResolver builds a resolver. tags may be nil for offline use; logger nil
// means slog.Default().
func NewResolver(tags TagReader, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{tags: tags, logger: logger}
}

// ResolveStudy applies the resolution priority. Tag-lookup failures are the
// one place an error is swallowed rather than surfaced: computation is
// always available given sufficient config, so the failure is logged and
// resolution falls through. Missing config sections still fail loudly.
func (r *Resolver) ResolveStudy(ctx context.Context, req ResolveRequest) (Study, error) {
	if h := strings.TrimSpace(req.ExplicitKeyHash); h != "" {
		return Study{KeyHash: h, Source: SourceProvided}, nil
	}
	if runID := strings.TrimSpace(req.ParentRunID); runID != "" && r.tags != nil {
		if s, ok := r.fromTags(ctx, runID); ok {
			return s, nil
		}
	}
	return ComputeStudy(req.Backbone, req.Data, req.Search, req.Train)
}

func (r *Resolver) fromTags(ctx context.Context, runID string) (Study, bool) {
	keyHash, ok, err := r.tags.GetTag(ctx, runID, TagStudyKeyHash)
	if err != nil {
		r.logger.Warn("identity tag lookup failed; falling back to computation",
			"run_id", runID, "tag", TagStudyKeyHash, "err", err)
		return Study{}, false
	}
	if !ok || strings.TrimSpace(keyHash) == "" {
		return Study{}, false
	}
	s := Study{KeyHash: strings.TrimSpace(keyHash), Algo: AlgoV2, Source: SourceTag}
	if fam, ok, err := r.tags.GetTag(ctx, runID, TagStudyFamilyHash); err == nil && ok {
		s.FamilyHash = strings.TrimSpace(fam)
	}
	if algoTag, ok, err := r.tags.GetTag(ctx, runID, TagIdentityAlgo); err == nil && ok {
		if algo, valid := ParseAlgo(algoTag); valid {
			s.Algo = algo
		}
	}
	return s, true
}
