// Package sweep drives a hyperparameter sweep end to end: resolve the
// process context once, then run trials through the identity, path, run-mode,
// checkpoint, backup, ledger, and tracking components in order. Components
// never infer their inputs; everything downstream of ResolveContext receives
// the fully resolved Context.
package sweep

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/cairnml/cairn/internal/backup"
	"github.com/cairnml/cairn/internal/config"
	"github.com/cairnml/cairn/internal/fault"
	"github.com/cairnml/cairn/internal/hostenv"
	"github.com/cairnml/cairn/internal/identity"
	"github.com/cairnml/cairn/internal/ledger"
	"github.com/cairnml/cairn/internal/naming"
	"github.com/cairnml/cairn/internal/paths"
	"github.com/cairnml/cairn/internal/reporoot"
	"github.com/cairnml/cairn/internal/tracking"
)

// StateFileName is the study-state journal inside the study directory.
const StateFileName = "state.ndjson"

// CheckpointCategory is the output category study and trial artifacts live
// under.
const CheckpointCategory = "checkpoints"

// Overrides are the explicit per-invocation inputs to context resolution.
// Everything is optional except a configuration source (Config or
// ConfigPath).
type Overrides struct {
	// ConfigPath is loaded when Config is nil; its directory also serves as
	// the config-dir hint for root detection.
	ConfigPath string
	Config     *config.Config

	// Root-detection hints, consulted in the detector's strategy order.
	StartPath string
	ConfigDir string
	OutputDir string
	// WorkDir overrides the working directory for the cwd strategies.
	WorkDir string
	// OutputsRoot bypasses root detection for the outputs tree entirely.
	OutputsRoot string

	// StudyKeyHash short-circuits identity resolution with an explicit hash.
	StudyKeyHash string
	// ParentRunID selects identity lookup from that run's persisted tags.
	ParentRunID string
	// Tags is the tag reader for the ParentRunID path; typically a
	// *tracking.Facade. nil disables the tag path.
	Tags identity.TagReader

	// Host overrides platform detection, for tests and forced deployments.
	Host *hostenv.Host

	Logger *slog.Logger
}

// Context is the resolved process context. It is plain data constructed once
// per process and threaded through every component; nothing re-detects or
// re-infers behind it.
type Context struct {
	Config *config.Config
	Root   reporoot.Root
	Host   hostenv.Host
	Paths  *paths.Resolver
	Study  identity.Study
	Naming naming.Context

	Logger *slog.Logger
}

// ResolveContext performs the one inference pass of the process: load
// configuration, detect the platform, detect the repository root, build the
// path resolver, and resolve study identity (explicit hash > parent-run tags
// > computation). ctx bounds the tag lookup.
func ResolveContext(ctx context.Context, ov Overrides) (*Context, error) {
	logger := ov.Logger
	if logger == nil {
		logger = slog.Default()
	}

	cfg := ov.Config
	if cfg == nil {
		if strings.TrimSpace(ov.ConfigPath) == "" {
			return nil, fault.Config("config", "a configuration document is required (Config or ConfigPath)")
		}
		loaded, err := config.Load(ov.ConfigPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	var host hostenv.Host
	if ov.Host != nil {
		host = *ov.Host
	} else {
		host = hostenv.Detect(logger)
	}

	pathsOpts := paths.Options{
		OutputsDir: cfg.Paths.OutputsDir,
		CacheDir:   cfg.Paths.CacheDir,
		Categories: cfg.Paths.Categories,
	}
	var root reporoot.Root
	if strings.TrimSpace(ov.OutputsRoot) != "" {
		// The caller pinned the outputs tree; treat its parent as the root.
		outputsRoot := filepath.Clean(ov.OutputsRoot)
		root = reporoot.Root{Dir: filepath.Dir(outputsRoot), Strategy: reporoot.StrategyStartPath, Confidence: reporoot.ConfidenceMedium}
		pathsOpts.Root = root.Dir
		pathsOpts.OutputsDir = filepath.Base(outputsRoot)
	} else {
		configDir := ov.ConfigDir
		if configDir == "" && ov.ConfigPath != "" {
			configDir = filepath.Dir(ov.ConfigPath)
		}
		detector := reporoot.NewDetector(reporoot.Options{
			RequiredMarkers:     cfg.Paths.Markers.Required,
			OptionalMarkers:     cfg.Paths.Markers.Optional,
			OutputsDirName:      cfg.Paths.OutputsDir,
			WorkspaceCandidates: cfg.RootSearch.WorkspaceCandidates,
			PlatformCandidates:  cfg.RootSearch.PlatformCandidates,
			MaxDepth:            cfg.RootSearch.MaxDepth,
			FallbackToCwd:       cfg.RootSearch.FallbackToCwd == nil || *cfg.RootSearch.FallbackToCwd,
			Logger:              logger,
		})
		detected, err := detector.Detect(reporoot.Input{
			StartPath: ov.StartPath,
			ConfigDir: configDir,
			OutputDir: ov.OutputDir,
			Platform:  string(host.Platform),
			WorkDir:   ov.WorkDir,
		})
		if err != nil {
			return nil, err
		}
		root = detected
		pathsOpts.Root = root.Dir
	}

	resolver, err := paths.NewResolver(pathsOpts)
	if err != nil {
		return nil, err
	}

	study, err := identity.NewResolver(ov.Tags, logger).ResolveStudy(ctx, identity.ResolveRequest{
		ExplicitKeyHash: ov.StudyKeyHash,
		ParentRunID:     ov.ParentRunID,
		Backbone:        cfg.Study.Backbone,
		Data:            cfg.Study.Data,
		Search:          cfg.Study.Space,
		Train:           cfg.Study.Train,
	})
	if err != nil {
		return nil, err
	}

	nctx, err := naming.NewContext(cfg.Study.Backbone, cfg.Study.Stage, cfg.Study.Name, cfg.Study.Variant, cfg.Study.Seed)
	if err != nil {
		return nil, err
	}
	nctx = nctx.WithIdentity(study.KeyHash, study.FamilyHash)

	logger.Info("resolved sweep context",
		"root", root.Dir,
		"root_strategy", root.Strategy,
		"platform", host.Platform,
		"study_key_hash", study.KeyHash,
		"identity_source", study.Source)

	return &Context{
		Config: cfg,
		Root:   root,
		Host:   host,
		Paths:  resolver,
		Study:  study,
		Naming: nctx,
		Logger: logger,
	}, nil
}

// RunBase is the base run name trial versions are reserved under, e.g.
// "hpo_distilbert".
func (c *Context) RunBase() string {
	return fmt.Sprintf("%s_%s", c.Naming.Stage, c.Naming.Backbone)
}

// StudyRunName names the study's parent tracking run.
func (c *Context) StudyRunName() string {
	if c.Naming.StudyName != "" {
		return c.Naming.StudyName
	}
	return fmt.Sprintf("%s_study_%s", c.RunBase(), c.Naming.Hash8())
}

// LedgerPath is the reservation ledger shared by every study under this
// outputs root.
func (c *Context) LedgerPath() string {
	return filepath.Join(c.Paths.OutputsRoot(), ".cairn", "namereserve.ndjson")
}

func (c *Context) NewLedger() (*ledger.Ledger, error) {
	return ledger.New(ledger.Options{
		Path:        c.LedgerPath(),
		LockTimeout: c.Config.Study.LockTimeout(),
		Logger:      c.Logger,
	})
}

// NewSynchronizer builds the backup synchronizer for the configured backend.
// The mirror backend roots at the drive mount (detected or configured); the
// object-store backend reads its credentials from the environment.
func (c *Context) NewSynchronizer() (*backup.Synchronizer, error) {
	var backend backup.Backend
	switch c.Config.Backup.Backend {
	case config.BackendMirror:
		mountRoot := strings.TrimSpace(c.Config.Backup.MountRoot)
		if mountRoot == "" {
			mountRoot = c.Host.DriveMountRoot
		}
		if mountRoot == "" {
			return nil, fault.Config("backup.mount_root", "mirror backend needs a mount root (configured or a detected drive mount)")
		}
		m, err := backup.NewMirror(filepath.Join(mountRoot, c.Config.Backup.BackupDir))
		if err != nil {
			return nil, err
		}
		backend = m
	case config.BackendObjectStore:
		os := c.Config.Backup.ObjectStore
		store, err := backup.NewObjectStore(backup.ObjectStoreOptions{
			Endpoint:     os.Endpoint,
			Bucket:       os.Bucket,
			Prefix:       os.Prefix,
			AccessKeyEnv: os.AccessKeyEnv,
			SecretKeyEnv: os.SecretKeyEnv,
			Region:       os.Region,
			UseSSL:       os.UseSSL == nil || *os.UseSSL,
		})
		if err != nil {
			return nil, err
		}
		backend = store
	default:
		return nil, fault.Config("backup.backend", "unknown backend %q", string(c.Config.Backup.Backend))
	}
	return backup.NewSynchronizer(backup.Options{
		OutputsRoot:  c.Paths.OutputsRoot(),
		Backend:      backend,
		Enabled:      c.Config.Backup.Enabled,
		ExcludeGlobs: c.Config.Backup.ExcludeGlobs,
		Logger:       c.Logger,
	})
}

// NewTracking builds the tracking facade: the REST client when a server is
// configured, otherwise the local file store under the outputs tree. Tags
// are the durable identity store either way.
func (c *Context) NewTracking() (*tracking.Facade, error) {
	var client tracking.Client
	if strings.TrimSpace(c.Config.Tracking.BaseURL) != "" {
		rest, err := tracking.NewRESTClient(tracking.RESTOptions{
			BaseURL:    c.Config.Tracking.BaseURL,
			Experiment: c.Config.Tracking.Experiment,
			Retry: tracking.RetryPolicy{
				MaxAttempts:   c.Config.Tracking.Retry.MaxAttempts,
				InitialDelay:  c.Config.Tracking.Retry.InitialDelay(),
				BackoffFactor: c.Config.Tracking.Retry.BackoffFactor,
				MaxDelay:      c.Config.Tracking.Retry.MaxDelay(),
			},
			Logger: c.Logger,
		})
		if err != nil {
			return nil, err
		}
		client = rest
	} else {
		dir := strings.TrimSpace(c.Config.Tracking.LocalDir)
		if dir == "" {
			dir = filepath.Join(c.Paths.OutputsRoot(), "trackstore")
		}
		store, err := tracking.NewFileStore(tracking.FileStoreOptions{Root: dir, Logger: c.Logger})
		if err != nil {
			return nil, err
		}
		client = store
	}
	return tracking.NewFacade(client, c.Logger)
}
