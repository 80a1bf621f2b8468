// Package checkpoint resolves where a study's checkpoints live and what is
// already on disk. Naming-scheme selection is delegated to the path
// resolver; on hosts whose durable store is a mounted drive the same
// relative path is rebased under the mount, by position relative to the
// outputs root rather than by string substitution. Resolution is a pure
// function of the naming context and the detected host, so two calls in one
// process always agree.
package checkpoint

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/cairnml/cairn/internal/fault"
	"github.com/cairnml/cairn/internal/hostenv"
	"github.com/cairnml/cairn/internal/naming"
	"github.com/cairnml/cairn/internal/paths"
)

// State classifies checkpoint presence for one resolved location.
//
// NotPresent moves to PresentLocal on local creation or PresentRemoteOnly
// when a backup exists that was never pulled; PresentRemoteOnly moves to
// PresentBoth when a restore pulls it local. PresentLocal and PresentBoth
// are terminal for a trial attempt.
type State string

const (
	StateNotPresent        State = "not_present"
	StatePresentLocal      State = "present_local"
	StatePresentRemoteOnly State = "present_remote_only"
	StatePresentBoth       State = "present_both"
)

// HasLocal reports whether a local copy exists to resume from.
func (s State) HasLocal() bool {
	return s == StatePresentLocal || s == StatePresentBoth
}

// NeedsRestore reports whether only the remote copy exists.
func (s State) NeedsRestore() bool {
	return s == StatePresentRemoteOnly
}

// Location is a resolved checkpoint directory pair. RemoteDir is empty on
// hosts without a drive mount.
type Location struct {
	LocalDir  string
	RemoteDir string
	Scheme    paths.Scheme
}

// Primary returns the durable write target: the mounted remote directory
// when one exists, the local directory otherwise.
func (l Location) Primary() string {
	if l.RemoteDir != "" {
		return l.RemoteDir
	}
	return l.LocalDir
}

type Options struct {
	Paths *paths.Resolver
	// BackupDir is the mount-root-relative subtree holding rebased paths.
	BackupDir string
	// Category is the output category checkpoints resolve under.
	Category string

	Logger *slog.Logger
}

type Resolver struct {
	paths     *paths.Resolver
	backupDir string
	category  string
	logger    *slog.Logger
}

func NewResolver(opts Options) (*Resolver, error) {
	if opts.Paths == nil {
		return nil, fault.Config("checkpoint.paths", "path resolver is required")
	}
	backupDir := strings.TrimSpace(opts.BackupDir)
	if backupDir == "" {
		backupDir = "cairn-backup"
	}
	if filepath.IsAbs(backupDir) {
		return nil, fault.Config("backup.backup_dir", "backup dir must be relative to the mount root (got %q)", backupDir)
	}
	category := strings.TrimSpace(opts.Category)
	if category == "" {
		category = "checkpoints"
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{paths: opts.Paths, backupDir: backupDir, category: category, logger: logger}, nil
}

// Resolve returns the checkpoint location for ctx on the given host. Trial
// contexts resolve to the trial subdirectory of the study dir.
func (r *Resolver) Resolve(ctx naming.Context, host hostenv.Host) (Location, error) {
	sd, err := r.paths.StudyDir(r.category, ctx)
	if err != nil {
		return Location{}, err
	}
	dir := sd.Dir
	if ctx.IsTrial() {
		dir = paths.TrialDir(dir, ctx.Trial)
	}
	loc := Location{LocalDir: dir, Scheme: sd.Scheme}
	if host.HasDriveMount() {
		remote, err := r.RemotePathFor(dir, host)
		if err != nil {
			return Location{}, err
		}
		loc.RemoteDir = remote
	}
	r.logger.Debug("resolved checkpoint location",
		"local", loc.LocalDir, "remote", loc.RemoteDir, "scheme", string(loc.Scheme))
	return loc, nil
}

// RemotePathFor rebases a local path under the host's drive mount,
// preserving its position relative to the outputs root. Rebasing a path
// that is already under the mount is rejected: remote-of-remote is
// undefined.
func (r *Resolver) RemotePathFor(local string, host hostenv.Host) (string, error) {
	if !host.HasDriveMount() {
		return "", fault.Conflict("checkpoint.RemotePathFor", "host platform %s has no drive mount", string(host.Platform))
	}
	if underRoot(host.DriveMountRoot, local) {
		return "", fault.Conflict("checkpoint.RemotePathFor", "path %s is already under the drive mount %s", local, host.DriveMountRoot)
	}
	rel, err := relUnder(r.paths.OutputsRoot(), local)
	if err != nil {
		return "", fault.Conflict("checkpoint.RemotePathFor", "path %s is outside the outputs root %s", local, r.paths.OutputsRoot())
	}
	return filepath.Join(host.DriveMountRoot, r.backupDir, rel), nil
}

// Classify reports what exists on disk for loc. A location whose local
// directory already sits under the drive mount is the remote copy itself
// and never counts as a distinct local presence.
func Classify(loc Location, host hostenv.Host) State {
	if host.HasDriveMount() && underRoot(host.DriveMountRoot, loc.LocalDir) {
		if dirNonEmpty(loc.LocalDir) {
			return StatePresentRemoteOnly
		}
		return StateNotPresent
	}
	local := dirNonEmpty(loc.LocalDir)
	remote := loc.RemoteDir != "" && dirNonEmpty(loc.RemoteDir)
	switch {
	case local && remote:
		return StatePresentBoth
	case local:
		return StatePresentLocal
	case remote:
		return StatePresentRemoteOnly
	default:
		return StateNotPresent
	}
}

func underRoot(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

func relUnder(root, path string) (string, error) {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return "", err
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fault.Conflict("checkpoint.rebase", "path %s escapes root %s", path, root)
	}
	return rel, nil
}

// dirNonEmpty reports whether path is a directory holding at least one
// entry. An empty directory has nothing to resume from.
func dirNonEmpty(path string) bool {
	entries, err := os.ReadDir(path)
	if err != nil {
		return false
	}
	return len(entries) > 0
}
