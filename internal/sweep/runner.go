package sweep

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/cairnml/cairn/internal/fault"
)

// MetricsFileName is the file a trial writes into its output directory when
// it finishes. Its presence is the default completeness signal.
const MetricsFileName = "metrics.json"

// Environment passed to trial commands. Training entrypoints read these
// instead of re-deriving identity or paths on their own.
const (
	trialNumberEnvKey = "CAIRN_TRIAL_NUMBER"
	trialSeedEnvKey   = "CAIRN_SEED"
	runNameEnvKey     = "CAIRN_RUN_NAME"
	studyHashEnvKey   = "CAIRN_STUDY_KEY_HASH"
	trialHashEnvKey   = "CAIRN_TRIAL_KEY_HASH"
	paramsEnvKey      = "CAIRN_PARAMS_JSON"
	outputDirEnvKey   = "CAIRN_OUTPUT_DIR"
)

// TrialSpec is everything a single trial attempt needs to run.
type TrialSpec struct {
	Number       int
	Seed         int64
	RunName      string
	StudyKeyHash string
	TrialKeyHash string
	Params       map[string]any
	// OutputDir is the trial directory; created before the runner is called.
	OutputDir string
}

type TrialResult struct {
	Metrics map[string]float64
}

// Runner executes one trial attempt. The engine owns everything around the
// attempt (reservation, tracking, state records, backup); the runner only
// turns a spec into outputs under spec.OutputDir.
type Runner interface {
	RunTrial(ctx context.Context, spec TrialSpec) (TrialResult, error)
}

// CommandRunner runs each trial as a shell command with the trial's identity
// and parameters in the environment.
type CommandRunner struct {
	// Command is run via "sh -c" once per trial.
	Command string
	// Dir is the working directory; empty inherits the process cwd.
	Dir string
	// Timeout bounds one attempt; zero means no per-trial bound.
	Timeout time.Duration

	Logger *slog.Logger
}

func (r *CommandRunner) RunTrial(ctx context.Context, spec TrialSpec) (TrialResult, error) {
	if strings.TrimSpace(r.Command) == "" {
		return TrialResult{}, fault.Config("sweep.run_cmd", "trial command is empty")
	}
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	paramsJSON, err := json.Marshal(spec.Params)
	if err != nil {
		return TrialResult{}, fmt.Errorf("encode trial params: %w", err)
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", r.Command)
	cmd.Dir = r.Dir
	// Run in its own process group so cancellation kills the entire tree.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = 3 * time.Second
	cmd.Env = append(os.Environ(),
		trialNumberEnvKey+"="+strconv.Itoa(spec.Number),
		trialSeedEnvKey+"="+strconv.FormatInt(spec.Seed, 10),
		runNameEnvKey+"="+spec.RunName,
		studyHashEnvKey+"="+spec.StudyKeyHash,
		trialHashEnvKey+"="+spec.TrialKeyHash,
		paramsEnvKey+"="+string(paramsJSON),
		outputDirEnvKey+"="+spec.OutputDir,
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	logger.Info("running trial command", "trial", spec.Number, "run_name", spec.RunName)
	if err := cmd.Run(); err != nil {
		return TrialResult{}, fmt.Errorf("trial command failed: %w (stderr: %s)", err, tail(stderr.String(), 512))
	}

	metrics, err := readMetricsFile(filepath.Join(spec.OutputDir, MetricsFileName))
	if err != nil {
		return TrialResult{}, err
	}
	return TrialResult{Metrics: metrics}, nil
}

// NoopRunner stands in for a real training command. It writes the parameter
// and metrics files a real trial would, which is enough to exercise the full
// reservation, state, and backup path.
type NoopRunner struct{}

func (NoopRunner) RunTrial(ctx context.Context, spec TrialSpec) (TrialResult, error) {
	if err := ctx.Err(); err != nil {
		return TrialResult{}, err
	}
	paramsJSON, err := json.MarshalIndent(spec.Params, "", "  ")
	if err != nil {
		return TrialResult{}, fmt.Errorf("encode trial params: %w", err)
	}
	if err := os.WriteFile(filepath.Join(spec.OutputDir, "params.json"), append(paramsJSON, '\n'), 0o644); err != nil {
		return TrialResult{}, fmt.Errorf("write params file: %w", err)
	}
	metrics := map[string]float64{"objective": 1.0 / float64(spec.Number+1)}
	body, err := json.MarshalIndent(metrics, "", "  ")
	if err != nil {
		return TrialResult{}, fmt.Errorf("encode metrics: %w", err)
	}
	if err := os.WriteFile(filepath.Join(spec.OutputDir, MetricsFileName), append(body, '\n'), 0o644); err != nil {
		return TrialResult{}, fmt.Errorf("write metrics file: %w", err)
	}
	return TrialResult{Metrics: metrics}, nil
}

// readMetricsFile reads a flat name-to-number metrics document. A missing
// file is not an error; the trial simply reported no metrics.
func readMetricsFile(path string) (map[string]float64, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read metrics file: %w", err)
	}
	var metrics map[string]float64
	if err := json.Unmarshal(b, &metrics); err != nil {
		return nil, fmt.Errorf("parse metrics file %s: %w", path, err)
	}
	return metrics, nil
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
