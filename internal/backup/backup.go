// Package backup mirrors local output artifacts into a remote backup root.
// Remote placement is computed by rebasing each path's position relative to
// the local outputs root, never by substituting absolute path prefixes;
// environments mount the project at different absolute locations and prefix
// substitution breaks the moment they disagree. Two backends satisfy the
// same interface: a filesystem mirror for mounted-drive deployments and an
// S3-compatible object store for cloud workspaces. Backups are idempotent:
// unchanged content, judged by blake3 digest, is skipped.
package backup

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/zeebo/blake3"

	"github.com/cairnml/cairn/internal/fault"
)

// Expect declares what kind of artifact the caller is backing up, so that a
// wrong path (file where a tree was meant, or vice versa) fails loudly
// instead of silently syncing the wrong thing.
type Expect string

const (
	ExpectFile Expect = "file"
	ExpectDir  Expect = "dir"
	ExpectAny  Expect = "any"
)

func (e Expect) valid() bool {
	return e == ExpectFile || e == ExpectDir || e == ExpectAny || e == ""
}

// Backend stores and retrieves file content addressed by a slash-separated
// path relative to the outputs root.
type Backend interface {
	// RemotePath renders the externally meaningful location of rel.
	RemotePath(rel string) string
	// Contains reports whether a local filesystem path lies inside the
	// backend's storage, which only a filesystem-backed backend can be.
	Contains(localPath string) bool
	// Put uploads localFile to rel. digest is the file's blake3 hex digest,
	// recorded so later syncs can skip unchanged content.
	Put(ctx context.Context, rel, localFile, digest string) error
	// Digest returns the recorded digest of rel, or found=false when absent.
	Digest(ctx context.Context, rel string) (digest string, found bool, err error)
	// Get downloads rel into localFile, creating parent directories.
	Get(ctx context.Context, rel, localFile string) error
	// List returns the file rels stored under rel ("" lists everything).
	List(ctx context.Context, rel string) ([]string, error)
}

type Options struct {
	// OutputsRoot anchors rebasing. Required.
	OutputsRoot string
	Backend     Backend
	// Enabled gates the ImmediateBackup and AfterTrial triggers only;
	// explicit Backup and Restore calls always run.
	Enabled bool
	// ExcludeGlobs filters files out of directory-tree backups, matched
	// against the outputs-root-relative path.
	ExcludeGlobs []string

	Logger *slog.Logger
}

type Synchronizer struct {
	outputsRoot string
	backend     Backend
	enabled     bool
	excludes    []string
	logger      *slog.Logger
}

func NewSynchronizer(opts Options) (*Synchronizer, error) {
	if strings.TrimSpace(opts.OutputsRoot) == "" {
		return nil, fault.Config("backup.outputs_root", "outputs root is required")
	}
	if opts.Backend == nil {
		return nil, fault.Config("backup.backend", "storage backend is required")
	}
	for _, pattern := range opts.ExcludeGlobs {
		if !doublestar.ValidatePattern(pattern) {
			return nil, fault.Config("backup.exclude_globs", "invalid exclude pattern %q", pattern)
		}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Synchronizer{
		outputsRoot: filepath.Clean(opts.OutputsRoot),
		backend:     opts.Backend,
		enabled:     opts.Enabled,
		excludes:    opts.ExcludeGlobs,
		logger:      logger,
	}, nil
}

// Backup syncs local (a file or a directory tree) into the backup root and
// returns the remote location. Unchanged files are skipped by digest
// comparison, so repeating a backup is cheap and never duplicates.
func (s *Synchronizer) Backup(ctx context.Context, local string, expect Expect) (string, error) {
	if !expect.valid() {
		return "", fault.Config("expect", "unknown backup expectation %q", string(expect))
	}
	local = filepath.Clean(local)
	if s.backend.Contains(local) {
		return "", fault.Conflict("backup.Backup", "path %s is already under the backup root", local)
	}
	rel, err := s.relOf(local)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(local)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fault.NotFound(local, "nothing to back up at %s", local)
		}
		return "", fmt.Errorf("stat %s: %w", local, err)
	}
	if expect == ExpectFile && info.IsDir() {
		return "", fault.Conflict("backup.Backup", "expected a file at %s, found a directory", local)
	}
	if expect == ExpectDir && !info.IsDir() {
		return "", fault.Conflict("backup.Backup", "expected a directory at %s, found a file", local)
	}

	if !info.IsDir() {
		if _, err := s.syncFile(ctx, rel, local); err != nil {
			return "", err
		}
		return s.backend.RemotePath(rel), nil
	}

	synced, skipped := 0, 0
	err = filepath.WalkDir(local, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		// Lock files guard live writers and must never travel.
		if strings.HasSuffix(d.Name(), ".lock") {
			return nil
		}
		fileRel, err := s.relOf(path)
		if err != nil {
			return err
		}
		if s.excluded(fileRel) {
			return nil
		}
		did, err := s.syncFile(ctx, fileRel, path)
		if err != nil {
			return err
		}
		if did {
			synced++
		} else {
			skipped++
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	s.logger.Debug("backup complete", "path", local, "synced", synced, "skipped", skipped)
	return s.backend.RemotePath(rel), nil
}

// Restore pulls the backup of local back into place and returns local.
// A missing backup is NotFoundError; startup callers treat that as nothing
// to restore.
func (s *Synchronizer) Restore(ctx context.Context, local string) (string, error) {
	local = filepath.Clean(local)
	if s.backend.Contains(local) {
		return "", fault.Conflict("backup.Restore", "path %s is already under the backup root", local)
	}
	rel, err := s.relOf(local)
	if err != nil {
		return "", err
	}
	rels, err := s.backend.List(ctx, rel)
	if err != nil {
		return "", err
	}
	if len(rels) == 0 {
		return "", fault.NotFound(s.backend.RemotePath(rel), "no backup found for %s", local)
	}
	for _, fileRel := range rels {
		dest := filepath.Join(s.outputsRoot, filepath.FromSlash(fileRel))
		if err := s.backend.Get(ctx, fileRel, dest); err != nil {
			return "", err
		}
	}
	s.logger.Info("restored from backup", "path", local, "files", len(rels))
	return local, nil
}

// DrivePathFor returns where local would land in the backup root, without
// touching storage.
func (s *Synchronizer) DrivePathFor(local string) (string, error) {
	local = filepath.Clean(local)
	if s.backend.Contains(local) {
		return "", fault.Conflict("backup.DrivePathFor", "path %s is already under the backup root", local)
	}
	rel, err := s.relOf(local)
	if err != nil {
		return "", err
	}
	return s.backend.RemotePath(rel), nil
}

// ImmediateBackup is the fire-once trigger invoked right after an artifact
// is created or loaded. It is gated rather than failing: backups disabled,
// a missing path, or an already-remote path mean there is nothing to do.
// Real sync errors still propagate.
func (s *Synchronizer) ImmediateBackup(ctx context.Context, local string, expect Expect) (string, bool, error) {
	if !s.enabled {
		return "", false, nil
	}
	local = filepath.Clean(local)
	if s.backend.Contains(local) {
		s.logger.Debug("immediate backup skipped: path is already remote", "path", local)
		return "", false, nil
	}
	if _, err := os.Stat(local); err != nil {
		s.logger.Debug("immediate backup skipped: path absent", "path", local)
		return "", false, nil
	}
	remote, err := s.Backup(ctx, local, expect)
	if err != nil {
		return "", false, err
	}
	return remote, true, nil
}

// AfterTrial returns the incremental hook run after every completed trial.
// It re-syncs only the mutable study-state file, bounding per-trial I/O.
func (s *Synchronizer) AfterTrial(statePath string) func(context.Context) error {
	return func(ctx context.Context) error {
		_, _, err := s.ImmediateBackup(ctx, statePath, ExpectFile)
		return err
	}
}

func (s *Synchronizer) excluded(rel string) bool {
	for _, pattern := range s.excludes {
		if ok, err := doublestar.Match(pattern, rel); err == nil && ok {
			return true
		}
	}
	return false
}

// syncFile uploads one file unless the backend already holds identical
// content, and reports whether an upload happened.
func (s *Synchronizer) syncFile(ctx context.Context, rel, local string) (bool, error) {
	remoteDigest, found, err := s.backend.Digest(ctx, rel)
	if err != nil {
		return false, err
	}
	localDigest, err := fileDigest(local)
	if err != nil {
		return false, err
	}
	if found && localDigest == remoteDigest {
		return false, nil
	}
	if err := s.backend.Put(ctx, rel, local, localDigest); err != nil {
		return false, err
	}
	return true, nil
}

// relOf converts a local path into its slash-separated position relative to
// the outputs root. Paths outside the outputs root have no defined remote
// position.
func (s *Synchronizer) relOf(local string) (string, error) {
	rel, err := filepath.Rel(s.outputsRoot, local)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fault.Conflict("backup.rebase", "path %s is outside the outputs root %s", local, s.outputsRoot)
	}
	return filepath.ToSlash(rel), nil
}

func fileDigest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()
	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
