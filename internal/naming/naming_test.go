package naming

import (
	"strings"
	"testing"

	"github.com/cairnml/cairn/internal/fault"
)

func TestNormalize_LowercasesAndMapsWhitespace(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"DistilBERT", "distilbert"},
		{"  deberta-v3 ", "deberta-v3"},
		{"my study name", "my-study-name"},
		{"bert.base_uncased", "bert.base_uncased"},
		{"a  b\tc", "a-b-c"},
	}
	for _, tc := range cases {
		got, err := Normalize(KindBackbone, tc.in)
		if err != nil {
			t.Fatalf("Normalize(%q) error: %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("Normalize(%q)=%q want %q", tc.in, got, tc.want)
		}
	}
}

func TestNormalize_RejectsInvalidTokens(t *testing.T) {
	cases := []string{"", "   ", "-leading", ".hidden", "ba/ckbone", "name!", "päck"}
	for _, in := range cases {
		if _, err := Normalize(KindStage, in); err == nil {
			t.Fatalf("Normalize(%q): expected error", in)
		} else if !fault.IsConfig(err) {
			t.Fatalf("Normalize(%q): expected config error, got %v", in, err)
		}
	}
}

func TestNormalize_ErrorNamesConfigKey(t *testing.T) {
	_, err := Normalize(KindBackbone, "")
	if err == nil {
		t.Fatalf("expected error")
	}
	if want := "study.backbone"; !strings.Contains(err.Error(), want) {
		t.Fatalf("error %q should name key %q", err.Error(), want)
	}
}

func TestContext_DerivationDoesNotMutateParent(t *testing.T) {
	study, err := NewContext("DistilBERT", "hpo", "baseline sweep", "", 42)
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}
	withID := study.WithIdentity("0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef", "feedfacefeedface")
	trial := withID.WithTrial(7)

	if study.StudyHash != "" || study.Trial != 0 {
		t.Fatalf("parent context mutated: %+v", study)
	}
	if withID.Trial != 0 {
		t.Fatalf("identity context gained a trial number: %+v", withID)
	}
	if trial.Trial != 7 || trial.StudyHash == "" {
		t.Fatalf("derived trial context: %+v", trial)
	}
	if got, want := trial.Hash8(), "01234567"; got != want {
		t.Fatalf("Hash8()=%q want %q", got, want)
	}
}

func TestContext_FieldsOmitUnsetPlaceholders(t *testing.T) {
	c, err := NewContext("bert", "final", "", "", 7)
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}
	f := c.Fields()
	if _, ok := f["study_name"]; ok {
		t.Fatalf("study_name should be absent: %v", f)
	}
	if _, ok := f["study_hash8"]; ok {
		t.Fatalf("study_hash8 should be absent before identity: %v", f)
	}
	if _, ok := f["trial"]; ok {
		t.Fatalf("trial should be absent in study scope: %v", f)
	}
	if f["backbone"] != "bert" || f["stage"] != "final" || f["seed"] != "7" {
		t.Fatalf("fields: %v", f)
	}
}
