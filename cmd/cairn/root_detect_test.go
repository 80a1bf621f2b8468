package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestRunRootDetectFromConfigDir(t *testing.T) {
	root, _ := writeWorkspace(t)

	var stdout, stderr bytes.Buffer
	if code := runRootDetect([]string{"--config-dir", filepath.Join(root, "config")}, &stdout, &stderr); code != 0 {
		t.Fatalf("exit %d want 0; stderr: %s", code, stderr.String())
	}
	out := stdout.String()
	if got := lineValue(t, out, "root"); got != root {
		t.Errorf("root: got %s want %s", got, root)
	}
	if got := lineValue(t, out, "strategy"); got != "config_dir" {
		t.Errorf("strategy: got %s want config_dir", got)
	}
	if got := lineValue(t, out, "confidence"); got != "medium" {
		t.Errorf("confidence: got %s want medium", got)
	}
}

func TestRunRootDetectWalksUpFromStart(t *testing.T) {
	root, _ := writeWorkspace(t)
	deep := filepath.Join(root, "src", "models", "encoder")
	if err := os.MkdirAll(deep, 0o755); err != nil {
		t.Fatal(err)
	}

	var stdout, stderr bytes.Buffer
	if code := runRootDetect([]string{"--start", deep}, &stdout, &stderr); code != 0 {
		t.Fatalf("exit %d want 0; stderr: %s", code, stderr.String())
	}
	if got := lineValue(t, stdout.String(), "root"); got != root {
		t.Errorf("root: got %s want %s", got, root)
	}
	if got := lineValue(t, stdout.String(), "strategy"); got != "start_path" {
		t.Errorf("strategy: got %s want start_path", got)
	}
}

func TestRunRootDetectUnknownArg(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if code := runRootDetect([]string{"--bogus"}, &stdout, &stderr); code != 1 {
		t.Fatalf("exit %d want 1", code)
	}
}
