// Package hostenv identifies the execution platform (plain local machine,
// hosted notebook, cloud workspace) and locates the durable drive mount when
// one exists. Detection is heuristic and can always be pinned with the
// CAIRN_PLATFORM / CAIRN_DRIVE_ROOT environment variables.
package hostenv

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
)

type Platform string

const (
	// PlatformLocal is a developer machine or CI box. The working directory
	// is durable; no drive mount is assumed.
	PlatformLocal Platform = "local"
	// PlatformNotebook is a hosted notebook runtime. The working directory
	// is ephemeral; durable storage is a mounted remote drive.
	PlatformNotebook Platform = "notebook"
	// PlatformCloudWorkspace is a managed ML workspace (training job or
	// persistent workspace volume). Durable but without a drive mount.
	PlatformCloudWorkspace Platform = "cloud_workspace"
)

func ParsePlatform(s string) (Platform, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "local":
		return PlatformLocal, nil
	case "notebook", "colab":
		return PlatformNotebook, nil
	case "cloud_workspace", "cloud-workspace", "cloudworkspace", "workspace":
		return PlatformCloudWorkspace, nil
	default:
		return "", fmt.Errorf("invalid platform: %q", s)
	}
}

func (p Platform) Valid() bool {
	_, err := ParsePlatform(string(p))
	return err == nil
}

// Host is the detected execution environment. It is plain data: building it
// twice in one process yields the same value, so path decisions derived from
// it agree across call sites.
type Host struct {
	Platform       Platform
	DriveMountRoot string // "" when no drive mount is present
}

// HasDriveMount reports whether a mounted remote drive is the durable store.
func (h Host) HasDriveMount() bool { return h.DriveMountRoot != "" }

// Probe supplies the environment and filesystem lookups Detect relies on.
// Zero fields fall back to the real process environment.
type Probe struct {
	LookupEnv func(string) (string, bool)
	DirExists func(string) bool
}

func (p Probe) applyDefaults() Probe {
	if p.LookupEnv == nil {
		p.LookupEnv = os.LookupEnv
	}
	if p.DirExists == nil {
		p.DirExists = func(path string) bool {
			info, err := os.Stat(path)
			return err == nil && info.IsDir()
		}
	}
	return p
}

// Environment variables set by the hosting platforms we recognize.
var (
	notebookEnvMarkers  = []string{"COLAB_RELEASE_TAG", "COLAB_GPU"}
	workspaceEnvMarkers = []string{"SM_CURRENT_HOST", "PAPERSPACE_CLUSTER_ID"}

	driveMountCandidates = []string{
		"/content/drive/MyDrive",
		"/content/gdrive/MyDrive",
	}
)

// Detect inspects the process environment and well-known mount points and
// returns the Host. It never fails: an unrecognizable environment is a local
// machine.
func Detect(logger *slog.Logger) Host {
	return DetectWith(Probe{}, logger)
}

func DetectWith(p Probe, logger *slog.Logger) Host {
	p = p.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	h := Host{Platform: detectPlatform(p, logger)}
	if h.Platform == PlatformNotebook {
		h.DriveMountRoot = detectDriveMount(p)
		if h.DriveMountRoot == "" {
			logger.Warn("notebook platform detected but no drive mount found; checkpoints stay on ephemeral disk",
				"candidates", strings.Join(driveMountCandidates, ","))
		}
	}
	if v, ok := p.LookupEnv("CAIRN_DRIVE_ROOT"); ok && strings.TrimSpace(v) != "" {
		h.DriveMountRoot = strings.TrimSpace(v)
	}
	return h
}

func detectPlatform(p Probe, logger *slog.Logger) Platform {
	if v, ok := p.LookupEnv("CAIRN_PLATFORM"); ok && strings.TrimSpace(v) != "" {
		pl, err := ParsePlatform(v)
		if err == nil {
			return pl
		}
		logger.Warn("ignoring unrecognized CAIRN_PLATFORM override", "value", v)
	}
	for _, key := range notebookEnvMarkers {
		if _, ok := p.LookupEnv(key); ok {
			return PlatformNotebook
		}
	}
	if p.DirExists("/content") && p.DirExists("/content/sample_data") {
		return PlatformNotebook
	}
	for _, key := range workspaceEnvMarkers {
		if _, ok := p.LookupEnv(key); ok {
			return PlatformCloudWorkspace
		}
	}
	return PlatformLocal
}

func detectDriveMount(p Probe) string {
	for _, cand := range driveMountCandidates {
		if p.DirExists(cand) {
			return cand
		}
	}
	return ""
}
