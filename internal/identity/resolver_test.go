package identity

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/cairnml/cairn/internal/fault"
)

type fakeTags struct {
	tags  map[string]map[string]string
	err   error
	calls int
}

func (f *fakeTags) GetTag(_ context.Context, runID, key string) (string, bool, error) {
	f.calls++
	if f.err != nil {
		return "", false, f.err
	}
	v, ok := f.tags[runID][key]
	return v, ok, nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestResolveStudy_ExplicitHashShortCircuits(t *testing.T) {
	tags := &fakeTags{tags: map[string]map[string]string{
		"run-1": {TagStudyKeyHash: "fffffffffff"},
	}}
	r := NewResolver(tags, quietLogger())
	got, err := r.ResolveStudy(context.Background(), ResolveRequest{
		ExplicitKeyHash: "deadbeef00",
		ParentRunID:     "run-1",
	})
	if err != nil {
		t.Fatalf("ResolveStudy: %v", err)
	}
	if got.KeyHash != "deadbeef00" {
		t.Fatalf("key hash = %q, want the explicit hash unchanged", got.KeyHash)
	}
	if got.Source != SourceProvided {
		t.Fatalf("source = %q, want provided", got.Source)
	}
	if tags.calls != 0 {
		t.Fatalf("explicit hash must not trigger tag lookups, got %d calls", tags.calls)
	}
}

func TestResolveStudy_TagLookupWins(t *testing.T) {
	tags := &fakeTags{tags: map[string]map[string]string{
		"run-1": {
			TagStudyKeyHash:    "aa11bb22cc33",
			TagStudyFamilyHash: "fam001",
			TagIdentityAlgo:    "v2",
		},
	}}
	r := NewResolver(tags, quietLogger())
	// No config sections supplied: the tag path must succeed without them.
	got, err := r.ResolveStudy(context.Background(), ResolveRequest{ParentRunID: "run-1"})
	if err != nil {
		t.Fatalf("ResolveStudy: %v", err)
	}
	if got.KeyHash != "aa11bb22cc33" || got.FamilyHash != "fam001" {
		t.Fatalf("got %+v", got)
	}
	if got.Source != SourceTag || got.Algo != AlgoV2 {
		t.Fatalf("metadata = %q/%q, want tag/v2", got.Source, got.Algo)
	}
}

func TestResolveStudy_V1TagAcceptedOnRead(t *testing.T) {
	tags := &fakeTags{tags: map[string]map[string]string{
		"run-legacy": {
			TagStudyKeyHash: "00aa11bb22cc33dd",
			TagIdentityAlgo: "v1",
		},
	}}
	r := NewResolver(tags, quietLogger())
	got, err := r.ResolveStudy(context.Background(), ResolveRequest{ParentRunID: "run-legacy"})
	if err != nil {
		t.Fatalf("ResolveStudy: %v", err)
	}
	if got.Algo != AlgoV1 {
		t.Fatalf("algo = %q, want v1", got.Algo)
	}
}

func TestResolveStudy_TagFailureFallsThroughToComputation(t *testing.T) {
	tags := &fakeTags{err: errors.New("tracking server unreachable")}
	r := NewResolver(tags, quietLogger())
	data, search, train := sampleSections()
	got, err := r.ResolveStudy(context.Background(), ResolveRequest{
		ParentRunID: "run-1",
		Backbone:    "bert",
		Data:        data,
		Search:      search,
		Train:       train,
	})
	if err != nil {
		t.Fatalf("ResolveStudy: %v", err)
	}
	if got.Source != SourceComputed {
		t.Fatalf("source = %q, want computed", got.Source)
	}
	want, err := ComputeStudy("bert", data, search, train)
	if err != nil {
		t.Fatalf("ComputeStudy: %v", err)
	}
	if !got.Equal(want) {
		t.Fatalf("fallback computation diverged: %s vs %s", got.KeyHash, want.KeyHash)
	}
}

func TestResolveStudy_TagAbsenceFallsThrough(t *testing.T) {
	tags := &fakeTags{tags: map[string]map[string]string{"run-1": {}}}
	r := NewResolver(tags, quietLogger())
	data, search, train := sampleSections()
	got, err := r.ResolveStudy(context.Background(), ResolveRequest{
		ParentRunID: "run-1",
		Backbone:    "bert",
		Data:        data,
		Search:      search,
		Train:       train,
	})
	if err != nil {
		t.Fatalf("ResolveStudy: %v", err)
	}
	if got.Source != SourceComputed {
		t.Fatalf("source = %q, want computed", got.Source)
	}
}

func TestResolveStudy_ComputationRequiresConfig(t *testing.T) {
	r := NewResolver(nil, quietLogger())
	_, err := r.ResolveStudy(context.Background(), ResolveRequest{Backbone: "bert"})
	if err == nil {
		t.Fatalf("expected error without config sections")
	}
	if !fault.IsConfig(err) {
		t.Fatalf("expected config error, got %v", err)
	}
}
