// Package tracking is the boundary to the experiment tracking server. The
// core needs exactly four capabilities: create a run, read and write run
// tags, and search runs by tag, scoped to a parent/child hierarchy. Tags
// are the durable source of truth for identity hashes. Two implementations
// exist: a REST client speaking the MLflow wire protocol and a local file
// store for offline use; both satisfy Client, so everything above them is
// implementation-blind.
package tracking

import (
	"context"
	"sort"
)

// TagParentRunID is the tag linking a child run to its parent, named the
// way the MLflow ecosystem expects.
const TagParentRunID = "mlflow.parentRunId"

// Run is the client-facing view of one tracked run.
type Run struct {
	ID   string
	Name string
	Tags map[string]string
}

// ParentID returns the parent run recorded in tags, or "".
func (r Run) ParentID() string {
	return r.Tags[TagParentRunID]
}

// Client is the tracking-server capability set this core depends on.
type Client interface {
	// CreateRun registers a run. parentID may be empty for a top-level run.
	CreateRun(ctx context.Context, name, parentID string, tags map[string]string) (Run, error)
	// SetTag writes one tag on an existing run.
	SetTag(ctx context.Context, runID, key, value string) error
	// GetRun fetches a run with its tags.
	GetRun(ctx context.Context, runID string) (Run, error)
	// SearchRuns returns runs whose tags contain every given pair.
	SearchRuns(ctx context.Context, tagFilter map[string]string) ([]Run, error)
}

// ArtifactUploader pushes a local artifact into a run's artifact storage.
// It is a separate, explicit adapter so that version-compatibility quirks
// of any concrete storage stay inside the implementation instead of leaking
// into callers.
type ArtifactUploader interface {
	UploadArtifact(ctx context.Context, runID, localPath, artifactPath string) error
}

// sortedKeys gives deterministic iteration for filters and wire encoding.
func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
