package identity

import (
	"strings"
	"testing"

	"github.com/cairnml/cairn/internal/fault"
)

func sampleSections() (data, search, train map[string]any) {
	data = map[string]any{"dataset": "sst2", "max_len": 128}
	search = map[string]any{"lr_min": 0.00001, "lr_max": 0.001, "n_trials": 20}
	train = map[string]any{"batch_size": 32, "epochs": 3}
	return
}

func TestComputeStudy_Deterministic(t *testing.T) {
	data, search, train := sampleSections()
	a, err := ComputeStudy("distilbert", data, search, train)
	if err != nil {
		t.Fatalf("ComputeStudy: %v", err)
	}
	b, err := ComputeStudy("distilbert", data, search, train)
	if err != nil {
		t.Fatalf("ComputeStudy: %v", err)
	}
	if a.KeyHash != b.KeyHash || a.FamilyHash != b.FamilyHash {
		t.Fatalf("identical config produced different hashes: %+v vs %+v", a, b)
	}
	if len(a.KeyHash) != 64 {
		t.Fatalf("key hash length = %d, want 64", len(a.KeyHash))
	}
	if a.Algo != AlgoV2 || a.Source != SourceComputed {
		t.Fatalf("metadata = %q/%q, want v2/computed", a.Algo, a.Source)
	}
}

func TestComputeStudy_InsertionOrderDoesNotMatter(t *testing.T) {
	data, search, train := sampleSections()
	reordered := map[string]any{"max_len": 128, "dataset": "sst2"}
	a, err := ComputeStudy("bert", data, search, train)
	if err != nil {
		t.Fatalf("ComputeStudy: %v", err)
	}
	b, err := ComputeStudy("bert", reordered, search, train)
	if err != nil {
		t.Fatalf("ComputeStudy: %v", err)
	}
	if a.KeyHash != b.KeyHash {
		t.Fatalf("key order changed the hash: %s vs %s", a.KeyHash, b.KeyHash)
	}
}

func TestComputeStudy_TrainChangeKeepsFamily(t *testing.T) {
	data, search, train := sampleSections()
	a, err := ComputeStudy("bert", data, search, train)
	if err != nil {
		t.Fatalf("ComputeStudy: %v", err)
	}
	trainB := map[string]any{"batch_size": 64, "epochs": 3}
	b, err := ComputeStudy("bert", data, search, trainB)
	if err != nil {
		t.Fatalf("ComputeStudy: %v", err)
	}
	if a.KeyHash == b.KeyHash {
		t.Fatalf("train change did not change the key hash")
	}
	if a.FamilyHash != b.FamilyHash {
		t.Fatalf("train change should not change the family hash: %s vs %s", a.FamilyHash, b.FamilyHash)
	}

	dataC := map[string]any{"dataset": "imdb", "max_len": 128}
	c, err := ComputeStudy("bert", dataC, search, train)
	if err != nil {
		t.Fatalf("ComputeStudy: %v", err)
	}
	if c.FamilyHash == a.FamilyHash {
		t.Fatalf("data change should change the family hash")
	}
}

func TestComputeStudy_BackboneIsNormalizedFirst(t *testing.T) {
	data, search, train := sampleSections()
	a, err := ComputeStudy("DistilBERT", data, search, train)
	if err != nil {
		t.Fatalf("ComputeStudy: %v", err)
	}
	b, err := ComputeStudy("  distilbert ", data, search, train)
	if err != nil {
		t.Fatalf("ComputeStudy: %v", err)
	}
	if a.KeyHash != b.KeyHash {
		t.Fatalf("backbone spelling changed the hash: %s vs %s", a.KeyHash, b.KeyHash)
	}
}

func TestComputeStudy_MissingSectionFailsLoudly(t *testing.T) {
	data, search, _ := sampleSections()
	_, err := ComputeStudy("bert", data, search, nil)
	if err == nil {
		t.Fatalf("expected error for missing train section")
	}
	if !fault.IsConfig(err) {
		t.Fatalf("expected config error, got %v", err)
	}
	if !strings.Contains(err.Error(), "train") {
		t.Fatalf("error should name the train section: %v", err)
	}
}

func TestComputeTrial_ReproducibleWithoutNumber(t *testing.T) {
	data, search, train := sampleSections()
	study, err := ComputeStudy("bert", data, search, train)
	if err != nil {
		t.Fatalf("ComputeStudy: %v", err)
	}
	params := map[string]any{"lr": 0.0003, "dropout": 0.2}
	a, err := ComputeTrial(study, params)
	if err != nil {
		t.Fatalf("ComputeTrial: %v", err)
	}
	b, err := ComputeTrial(study, params)
	if err != nil {
		t.Fatalf("ComputeTrial: %v", err)
	}
	if a.KeyHash != b.KeyHash {
		t.Fatalf("same params produced different trial hashes")
	}
	a.Number = 4
	c, err := ComputeTrial(a.Study, params)
	if err != nil {
		t.Fatalf("ComputeTrial: %v", err)
	}
	if c.KeyHash != a.KeyHash {
		t.Fatalf("trial number leaked into the hash")
	}

	other, err := ComputeTrial(study, map[string]any{"lr": 0.0004, "dropout": 0.2})
	if err != nil {
		t.Fatalf("ComputeTrial: %v", err)
	}
	if other.KeyHash == a.KeyHash {
		t.Fatalf("different params produced the same trial hash")
	}
}

func TestComputeTrial_Guards(t *testing.T) {
	if _, err := ComputeTrial(Study{}, map[string]any{"lr": 0.1}); !fault.IsConflict(err) {
		t.Fatalf("empty study should be a conflict, got %v", err)
	}
	data, search, train := sampleSections()
	study, err := ComputeStudy("bert", data, search, train)
	if err != nil {
		t.Fatalf("ComputeStudy: %v", err)
	}
	if _, err := ComputeTrial(study, nil); !fault.IsConfig(err) {
		t.Fatalf("empty params should be a config error, got %v", err)
	}
}

func TestStudy_EqualIgnoresMetadata(t *testing.T) {
	a := Study{KeyHash: "abc", Algo: AlgoV2, Source: SourceComputed}
	b := Study{KeyHash: "abc", Algo: AlgoV1, Source: SourceTag}
	if !a.Equal(b) {
		t.Fatalf("equality must compare hashes only")
	}
	c := Study{KeyHash: "abd"}
	if a.Equal(c) {
		t.Fatalf("different hashes must not be equal")
	}
}

func TestStudy_Hash8(t *testing.T) {
	s := Study{KeyHash: "0123456789abcdef"}
	if got := s.Hash8(); got != "01234567" {
		t.Fatalf("Hash8 = %q, want 01234567", got)
	}
	if got := (Study{KeyHash: "abc"}).Hash8(); got != "" {
		t.Fatalf("short hash should yield empty Hash8, got %q", got)
	}
}
