// Package config loads the sweep configuration document. Decoding is strict
// (unknown keys are rejected), the raw document is checked against an
// embedded JSON Schema, defaults are applied explicitly, and validation
// failures always name the offending dotted key. The loaded Config is plain
// data passed into constructors; nothing in this package caches it.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cairnml/cairn/internal/fault"
	"github.com/cairnml/cairn/internal/hostenv"
)

type BackupBackend string

const (
	BackendMirror      BackupBackend = "mirror"
	BackendObjectStore BackupBackend = "objectstore"
)

type MarkersConfig struct {
	Required []string `json:"required,omitempty" yaml:"required,omitempty"`
	Optional []string `json:"optional,omitempty" yaml:"optional,omitempty"`
}

type PathsConfig struct {
	OutputsDir string            `json:"outputs_dir,omitempty" yaml:"outputs_dir,omitempty"`
	CacheDir   string            `json:"cache_dir,omitempty" yaml:"cache_dir,omitempty"`
	Categories map[string]string `json:"categories,omitempty" yaml:"categories,omitempty"`
	Markers    MarkersConfig     `json:"markers,omitempty" yaml:"markers,omitempty"`
}

type RootSearchConfig struct {
	WorkspaceCandidates []string            `json:"workspace_candidates,omitempty" yaml:"workspace_candidates,omitempty"`
	PlatformCandidates  map[string][]string `json:"platform_candidates,omitempty" yaml:"platform_candidates,omitempty"`
	MaxDepth            int                 `json:"max_depth,omitempty" yaml:"max_depth,omitempty"`
	FallbackToCwd       *bool               `json:"fallback_to_cwd,omitempty" yaml:"fallback_to_cwd,omitempty"`
}

type ObjectStoreConfig struct {
	Endpoint     string `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	Bucket       string `json:"bucket,omitempty" yaml:"bucket,omitempty"`
	Prefix       string `json:"prefix,omitempty" yaml:"prefix,omitempty"`
	AccessKeyEnv string `json:"access_key_env,omitempty" yaml:"access_key_env,omitempty"`
	SecretKeyEnv string `json:"secret_key_env,omitempty" yaml:"secret_key_env,omitempty"`
	Region       string `json:"region,omitempty" yaml:"region,omitempty"`
	UseSSL       *bool  `json:"use_ssl,omitempty" yaml:"use_ssl,omitempty"`
}

type BackupConfig struct {
	Enabled      bool              `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Backend      BackupBackend     `json:"backend,omitempty" yaml:"backend,omitempty"`
	MountRoot    string            `json:"mount_root,omitempty" yaml:"mount_root,omitempty"`
	BackupDir    string            `json:"backup_dir,omitempty" yaml:"backup_dir,omitempty"`
	ExcludeGlobs []string          `json:"exclude_globs,omitempty" yaml:"exclude_globs,omitempty"`
	ObjectStore  ObjectStoreConfig `json:"objectstore,omitempty" yaml:"objectstore,omitempty"`
}

type RetryConfig struct {
	MaxAttempts    int     `json:"max_attempts,omitempty" yaml:"max_attempts,omitempty"`
	InitialDelayMS int     `json:"initial_delay_ms,omitempty" yaml:"initial_delay_ms,omitempty"`
	BackoffFactor  float64 `json:"backoff_factor,omitempty" yaml:"backoff_factor,omitempty"`
	MaxDelayMS     int     `json:"max_delay_ms,omitempty" yaml:"max_delay_ms,omitempty"`
}

func (r RetryConfig) InitialDelay() time.Duration {
	return time.Duration(r.InitialDelayMS) * time.Millisecond
}

func (r RetryConfig) MaxDelay() time.Duration {
	return time.Duration(r.MaxDelayMS) * time.Millisecond
}

type TrackingConfig struct {
	BaseURL    string      `json:"base_url,omitempty" yaml:"base_url,omitempty"`
	Experiment string      `json:"experiment,omitempty" yaml:"experiment,omitempty"`
	LocalDir   string      `json:"local_dir,omitempty" yaml:"local_dir,omitempty"`
	Retry      RetryConfig `json:"retry,omitempty" yaml:"retry,omitempty"`
}

type RunPolicyConfig struct {
	Force       bool  `json:"force,omitempty" yaml:"force,omitempty"`
	AllowReuse  *bool `json:"allow_reuse,omitempty" yaml:"allow_reuse,omitempty"`
	AllowResume *bool `json:"allow_resume,omitempty" yaml:"allow_resume,omitempty"`
}

func (p RunPolicyConfig) ReuseAllowed() bool {
	return p.AllowReuse == nil || *p.AllowReuse
}

func (p RunPolicyConfig) ResumeAllowed() bool {
	return p.AllowResume == nil || *p.AllowResume
}

type StudyConfig struct {
	Backbone string `json:"backbone" yaml:"backbone"`
	Stage    string `json:"stage,omitempty" yaml:"stage,omitempty"`
	Name     string `json:"name,omitempty" yaml:"name,omitempty"`
	Variant  string `json:"variant,omitempty" yaml:"variant,omitempty"`
	Seed     int64  `json:"seed,omitempty" yaml:"seed,omitempty"`
	Trials   int    `json:"trials,omitempty" yaml:"trials,omitempty"`

	// Data and Train are hashed into the study identity together with the
	// backbone and the search space; Space is additionally the sampler's
	// input and opaque to everything but identity and sampling.
	Data  map[string]any `json:"data,omitempty" yaml:"data,omitempty"`
	Space map[string]any `json:"space,omitempty" yaml:"space,omitempty"`
	Train map[string]any `json:"train,omitempty" yaml:"train,omitempty"`

	RunPolicy          RunPolicyConfig `json:"run_policy,omitempty" yaml:"run_policy,omitempty"`
	LedgerStaleAfterMS int             `json:"ledger_stale_after_ms,omitempty" yaml:"ledger_stale_after_ms,omitempty"`
	LockTimeoutMS      int             `json:"lock_timeout_ms,omitempty" yaml:"lock_timeout_ms,omitempty"`
}

func (s StudyConfig) LedgerStaleAfter() time.Duration {
	return time.Duration(s.LedgerStaleAfterMS) * time.Millisecond
}

func (s StudyConfig) LockTimeout() time.Duration {
	return time.Duration(s.LockTimeoutMS) * time.Millisecond
}

type Config struct {
	Version    int              `json:"version" yaml:"version"`
	Paths      PathsConfig      `json:"paths,omitempty" yaml:"paths,omitempty"`
	RootSearch RootSearchConfig `json:"rootsearch,omitempty" yaml:"rootsearch,omitempty"`
	Backup     BackupConfig     `json:"backup,omitempty" yaml:"backup,omitempty"`
	Tracking   TrackingConfig   `json:"tracking,omitempty" yaml:"tracking,omitempty"`
	Study      StudyConfig      `json:"study" yaml:"study"`
}

// Load reads, schema-checks, decodes, defaults, and validates the document
// at path. JSON is accepted for .json files; everything else decodes as YAML.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return LoadBytes(b, strings.ToLower(filepath.Ext(path)))
}

func LoadBytes(b []byte, ext string) (*Config, error) {
	isJSON := ext == ".json"
	if err := validateRawDocument(b, isJSON); err != nil {
		return nil, err
	}
	var cfg Config
	if isJSON {
		if err := decodeJSONStrict(b, &cfg); err != nil {
			return nil, err
		}
	} else {
		if err := decodeYAMLStrict(b, &cfg); err != nil {
			return nil, err
		}
	}
	applyDefaults(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func decodeJSONStrict(b []byte, cfg *Config) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return fmt.Errorf("json: multiple top-level values are not allowed")
		}
		return err
	}
	return nil
}

func decodeYAMLStrict(b []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return fmt.Errorf("yaml: multiple documents are not allowed")
		}
		return err
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg == nil {
		return
	}
	if cfg.Version == 0 {
		cfg.Version = 1
	}
	if strings.TrimSpace(cfg.Paths.OutputsDir) == "" {
		cfg.Paths.OutputsDir = "outputs"
	}
	if strings.TrimSpace(cfg.Paths.CacheDir) == "" {
		cfg.Paths.CacheDir = ".cache"
	}
	if cfg.Paths.Categories == nil {
		cfg.Paths.Categories = map[string]string{
			"checkpoints": "{backbone}",
			"logs":        "{backbone}/{stage}",
			"metrics":     "{backbone}",
			"exports":     "{backbone}",
		}
	}
	if len(cfg.Paths.Markers.Required) == 0 {
		cfg.Paths.Markers.Required = []string{"config", "src"}
	}
	if len(cfg.Paths.Markers.Optional) == 0 {
		cfg.Paths.Markers.Optional = []string{".git", "pyproject.toml"}
	}
	cfg.Paths.Markers.Required = trimNonEmpty(cfg.Paths.Markers.Required)
	cfg.Paths.Markers.Optional = trimNonEmpty(cfg.Paths.Markers.Optional)

	if cfg.RootSearch.MaxDepth == 0 {
		cfg.RootSearch.MaxDepth = 8
	}
	if cfg.RootSearch.FallbackToCwd == nil {
		t := true
		cfg.RootSearch.FallbackToCwd = &t
	}
	cfg.RootSearch.WorkspaceCandidates = trimNonEmpty(cfg.RootSearch.WorkspaceCandidates)

	if cfg.Backup.Backend == "" {
		cfg.Backup.Backend = BackendMirror
	}
	if strings.TrimSpace(cfg.Backup.BackupDir) == "" {
		cfg.Backup.BackupDir = "cairn-backup"
	}
	cfg.Backup.ExcludeGlobs = trimNonEmpty(cfg.Backup.ExcludeGlobs)
	if cfg.Backup.ObjectStore.UseSSL == nil {
		t := true
		cfg.Backup.ObjectStore.UseSSL = &t
	}
	if strings.TrimSpace(cfg.Backup.ObjectStore.AccessKeyEnv) == "" {
		cfg.Backup.ObjectStore.AccessKeyEnv = "CAIRN_OBJECTSTORE_ACCESS_KEY"
	}
	if strings.TrimSpace(cfg.Backup.ObjectStore.SecretKeyEnv) == "" {
		cfg.Backup.ObjectStore.SecretKeyEnv = "CAIRN_OBJECTSTORE_SECRET_KEY"
	}

	if strings.TrimSpace(cfg.Tracking.Experiment) == "" {
		cfg.Tracking.Experiment = "cairn"
	}
	if cfg.Tracking.Retry.MaxAttempts == 0 {
		cfg.Tracking.Retry.MaxAttempts = 4
	}
	if cfg.Tracking.Retry.InitialDelayMS == 0 {
		cfg.Tracking.Retry.InitialDelayMS = 250
	}
	if cfg.Tracking.Retry.BackoffFactor == 0 {
		cfg.Tracking.Retry.BackoffFactor = 2.0
	}
	if cfg.Tracking.Retry.MaxDelayMS == 0 {
		cfg.Tracking.Retry.MaxDelayMS = 5000
	}

	if strings.TrimSpace(cfg.Study.Stage) == "" {
		cfg.Study.Stage = "hpo"
	}
	if cfg.Study.Trials == 0 {
		cfg.Study.Trials = 10
	}
	if cfg.Study.LedgerStaleAfterMS == 0 {
		cfg.Study.LedgerStaleAfterMS = 900000 // 15 minutes
	}
	if cfg.Study.LockTimeoutMS == 0 {
		cfg.Study.LockTimeoutMS = 10000
	}
}

func validate(cfg *Config) error {
	if cfg == nil {
		return fault.Config("", "config is nil")
	}
	if cfg.Version != 1 {
		return fault.Config("version", "unsupported config version: %d", cfg.Version)
	}
	if strings.TrimSpace(cfg.Study.Backbone) == "" {
		return fault.Config("study.backbone", "backbone is required")
	}
	if cfg.Study.Trials < 1 {
		return fault.Config("study.trials", "must be >= 1, got %d", cfg.Study.Trials)
	}
	if cfg.Study.LedgerStaleAfterMS < 0 {
		return fault.Config("study.ledger_stale_after_ms", "must be >= 0")
	}
	if cfg.Study.LockTimeoutMS < 1 {
		return fault.Config("study.lock_timeout_ms", "must be >= 1")
	}
	if len(cfg.Paths.Markers.Required) == 0 {
		return fault.Config("paths.markers.required", "at least one required root marker is needed")
	}
	if cfg.RootSearch.MaxDepth < 1 {
		return fault.Config("rootsearch.max_depth", "must be >= 1, got %d", cfg.RootSearch.MaxDepth)
	}
	for platform := range cfg.RootSearch.PlatformCandidates {
		if _, err := hostenv.ParsePlatform(platform); err != nil {
			return fault.Config("rootsearch.platform_candidates", "unknown platform key %q (want local|notebook|cloud_workspace)", platform)
		}
	}
	for category, pattern := range cfg.Paths.Categories {
		if strings.TrimSpace(pattern) == "" {
			return fault.Config("paths.categories."+category, "pattern must not be empty")
		}
	}
	switch cfg.Backup.Backend {
	case BackendMirror, BackendObjectStore:
	default:
		return fault.Config("backup.backend", "invalid backend %q (want mirror|objectstore)", string(cfg.Backup.Backend))
	}
	if cfg.Backup.Enabled && cfg.Backup.Backend == BackendObjectStore {
		if strings.TrimSpace(cfg.Backup.ObjectStore.Endpoint) == "" {
			return fault.Config("backup.objectstore.endpoint", "required when backup.backend=objectstore")
		}
		if strings.TrimSpace(cfg.Backup.ObjectStore.Bucket) == "" {
			return fault.Config("backup.objectstore.bucket", "required when backup.backend=objectstore")
		}
	}
	if filepath.IsAbs(cfg.Backup.BackupDir) {
		return fault.Config("backup.backup_dir", "must be relative to the mount root, got absolute path %q", cfg.Backup.BackupDir)
	}
	if cfg.Tracking.Retry.MaxAttempts < 1 {
		return fault.Config("tracking.retry.max_attempts", "must be >= 1")
	}
	if cfg.Tracking.Retry.BackoffFactor < 1 {
		return fault.Config("tracking.retry.backoff_factor", "must be >= 1, got %v", cfg.Tracking.Retry.BackoffFactor)
	}
	if cfg.Tracking.Retry.MaxDelayMS < cfg.Tracking.Retry.InitialDelayMS {
		return fault.Config("tracking.retry.max_delay_ms", "must be >= initial_delay_ms")
	}
	return nil
}

func trimNonEmpty(parts []string) []string {
	if len(parts) == 0 {
		return nil
	}
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
