package fault

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestConfig_MessageNamesTheKey(t *testing.T) {
	err := Config("backup.mount_root", "required when backend=%s", "mirror")
	if !IsConfig(err) {
		t.Fatalf("IsConfig=false for %v", err)
	}
	if !strings.Contains(err.Error(), "backup.mount_root") {
		t.Fatalf("message does not name the key: %q", err.Error())
	}
	if IsNotFound(err) || IsTransient(err) || IsConflict(err) {
		t.Fatalf("config error matched another class: %v", err)
	}
}

func TestTransient_UnwrapsAndSurvivesWrapping(t *testing.T) {
	cause := errors.New("connection reset")
	err := Transient("tracking: set tag", cause)
	if !IsTransient(err) {
		t.Fatalf("IsTransient=false for %v", err)
	}
	if !errors.Is(err, cause) {
		t.Fatalf("cause lost: %v", err)
	}
	// Classification must survive an extra fmt wrap.
	wrapped := fmt.Errorf("trial 3: %w", err)
	if !IsTransient(wrapped) {
		t.Fatalf("IsTransient=false after wrapping: %v", wrapped)
	}
	var te *TransientError
	if !errors.As(wrapped, &te) || !te.Retryable() {
		t.Fatalf("expected retryable transient error, got %v", wrapped)
	}
}

func TestConflict_And_NotFound_Classification(t *testing.T) {
	c := Conflict("backup", "path %q is already under the backup root", "/drive/x")
	if !IsConflict(c) || IsTransient(c) {
		t.Fatalf("conflict classification: %v", c)
	}
	n := NotFound("/tmp/outputs/metrics.json", "completeness artifact missing")
	if !IsNotFound(n) || IsConfig(n) {
		t.Fatalf("not-found classification: %v", n)
	}
	if !strings.Contains(n.Error(), "/tmp/outputs/metrics.json") {
		t.Fatalf("not-found message should name the path: %q", n.Error())
	}
}
