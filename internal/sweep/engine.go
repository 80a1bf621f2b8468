package sweep

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/cairnml/cairn/internal/backup"
	"github.com/cairnml/cairn/internal/checkpoint"
	"github.com/cairnml/cairn/internal/fault"
	"github.com/cairnml/cairn/internal/identity"
	"github.com/cairnml/cairn/internal/ledger"
	"github.com/cairnml/cairn/internal/paths"
	"github.com/cairnml/cairn/internal/runmode"
	"github.com/cairnml/cairn/internal/studystate"
	"github.com/cairnml/cairn/internal/tracking"
)

// Options configure one sweep run.
type Options struct {
	// Context is the resolved process context. Required.
	Context *Context

	// Tracking records study and trial runs; nil disables tracking entirely.
	Tracking *tracking.Facade
	// Backup drives checkpoint synchronization; nil disables it entirely.
	Backup *backup.Synchronizer

	Sampler Sampler
	Runner  Runner

	// Trials overrides the configured trial count when positive.
	Trials int
	// Probe judges trial-directory completeness; the default looks for the
	// metrics file a finished trial writes.
	Probe runmode.Probe

	Logger *slog.Logger
}

func (o *Options) applyDefaults() error {
	if o.Context == nil {
		return fault.Config("sweep.context", "a resolved context is required")
	}
	if o.Sampler == nil {
		o.Sampler = SpaceSampler{}
	}
	if o.Runner == nil {
		o.Runner = NoopRunner{}
	}
	if o.Trials <= 0 {
		o.Trials = o.Context.Config.Study.Trials
	}
	if o.Trials <= 0 {
		return fault.Config("study.trials", "trial count must be positive (got %d)", o.Trials)
	}
	if len(o.Context.Config.Study.Space) == 0 {
		return fault.Config("study.space", "a sweep needs a non-empty search space")
	}
	if o.Probe == nil {
		probe, err := runmode.GlobProbe(MetricsFileName)
		if err != nil {
			return err
		}
		o.Probe = probe
	}
	if o.Logger == nil {
		o.Logger = o.Context.Logger
	}
	return nil
}

// Result summarizes one sweep run.
type Result struct {
	StudyDir     string
	Scheme       paths.Scheme
	StudyKeyHash string
	// StudyRunID is empty when tracking is disabled or the whole study was
	// reused without contacting the tracker.
	StudyRunID string

	Planned   int
	Completed []int
	Skipped   []int
	Failed    []int

	Warnings []string
}

// Engine runs the trial loop: decide, sample, reserve, run, record, sync.
// One Engine runs one sweep; construct a fresh one per Run.
type Engine struct {
	opts        Options
	checkpoints *checkpoint.Resolver
	ledger      *ledger.Ledger
	policy      runmode.Policy

	warningsMu sync.Mutex
	warnings   []string
}

func New(opts Options) (*Engine, error) {
	if err := opts.applyDefaults(); err != nil {
		return nil, err
	}
	c := opts.Context
	checkpoints, err := checkpoint.NewResolver(checkpoint.Options{
		Paths:     c.Paths,
		BackupDir: c.Config.Backup.BackupDir,
		Category:  CheckpointCategory,
		Logger:    opts.Logger,
	})
	if err != nil {
		return nil, err
	}
	led, err := c.NewLedger()
	if err != nil {
		return nil, err
	}
	policy := runmode.Policy{
		Force:       c.Config.Study.RunPolicy.Force,
		AllowReuse:  c.Config.Study.RunPolicy.ReuseAllowed(),
		AllowResume: c.Config.Study.RunPolicy.ResumeAllowed(),
	}
	return &Engine{opts: opts, checkpoints: checkpoints, ledger: led, policy: policy}, nil
}

// Warn records a non-fatal problem on the result and logs it.
func (e *Engine) Warn(msg string) {
	e.warningsMu.Lock()
	e.warnings = append(e.warnings, msg)
	e.warningsMu.Unlock()
	e.opts.Logger.Warn(msg)
}

// Run executes the sweep. Trials run sequentially; a failed trial is
// recorded and the sweep moves on, while infrastructure errors (state
// journal, reservation ledger, tracking, backup sync) abort the run.
func (e *Engine) Run(ctx context.Context) (*Result, error) {
	c := e.opts.Context
	logger := e.opts.Logger

	loc, err := e.checkpoints.Resolve(c.Naming, c.Host)
	if err != nil {
		return nil, err
	}
	studyDir := loc.Primary()
	e.maybeRestore(ctx, loc, "study directory")
	if err := os.MkdirAll(studyDir, 0o755); err != nil {
		return nil, fmt.Errorf("create study dir %s: %w", studyDir, err)
	}

	statePath := filepath.Join(studyDir, StateFileName)
	state, err := studystate.New(studystate.Options{
		Path:        statePath,
		LockTimeout: c.Config.Study.LockTimeout(),
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}
	if existing, err := state.StudyKeyHash(); err != nil {
		return nil, err
	} else if existing != "" && existing != c.Study.KeyHash {
		return nil, fault.Conflict("sweep.Run", "study dir %s belongs to study %s, not %s", studyDir, existing, c.Study.KeyHash)
	}

	if freed, err := e.ledger.CleanupStale(c.Config.Study.LedgerStaleAfter()); err != nil {
		return nil, err
	} else if freed > 0 {
		logger.Info("released stale run-name reservations", "count", freed)
	}

	result := &Result{
		StudyDir:     studyDir,
		Scheme:       loc.Scheme,
		StudyKeyHash: c.Study.KeyHash,
		Planned:      e.opts.Trials,
	}

	completed, err := state.CompletedTrials()
	if err != nil {
		return nil, err
	}
	done := make(map[int]bool, len(completed))
	for _, n := range completed {
		done[n] = true
	}

	report, err := runmode.Decide(studyDir, e.studyProbe(done), e.policy)
	if err != nil {
		return nil, err
	}
	logger.Info("study run-mode decision",
		"decision", string(report.Decision),
		"completeness", string(report.Completeness),
		"reason", report.Reason)
	switch report.Decision {
	case runmode.ReuseIfExists:
		for n := 1; n <= e.opts.Trials; n++ {
			result.Skipped = append(result.Skipped, n)
		}
		logger.Info("study already complete; nothing to run", "study_dir", studyDir)
		result.Warnings = e.warnings
		return result, nil
	case runmode.ForceNew:
		// Forced runs revisit every trial; completed records stay in the
		// journal and the re-run appends fresh ones.
		done = map[int]bool{}
	}

	if e.opts.Tracking != nil {
		runID, err := e.studyRun(ctx)
		if err != nil {
			return nil, err
		}
		result.StudyRunID = runID
	}

	for n := 1; n <= e.opts.Trials; n++ {
		if err := ctx.Err(); err != nil {
			result.Warnings = e.warnings
			return result, fmt.Errorf("sweep interrupted before trial %d: %w", n, err)
		}
		if done[n] {
			logger.Debug("trial already recorded as completed", "trial", n)
			result.Skipped = append(result.Skipped, n)
			continue
		}
		if err := e.runTrial(ctx, n, statePath, state, result); err != nil {
			result.Warnings = e.warnings
			return result, fmt.Errorf("trial %d: %w", n, err)
		}
	}

	logger.Info("sweep finished",
		"study_dir", studyDir,
		"planned", result.Planned,
		"completed", len(result.Completed),
		"skipped", len(result.Skipped),
		"failed", len(result.Failed))
	result.Warnings = e.warnings
	return result, nil
}

// studyProbe judges the study directory from the trial journal: every
// planned trial recorded completed means complete, anything on disk at all
// means partial.
func (e *Engine) studyProbe(done map[int]bool) runmode.Probe {
	return func(outputPath string) (runmode.Completeness, error) {
		allDone := true
		for n := 1; n <= e.opts.Trials; n++ {
			if !done[n] {
				allDone = false
				break
			}
		}
		if allDone {
			return runmode.Complete, nil
		}
		if len(done) > 0 || dirHasEntries(outputPath) {
			return runmode.Partial, nil
		}
		return runmode.Absent, nil
	}
}

// studyRun finds the study's parent tracking run by key hash or creates it.
func (e *Engine) studyRun(ctx context.Context) (string, error) {
	c := e.opts.Context
	run, found, err := e.opts.Tracking.FindStudyRun(ctx, c.Study.KeyHash)
	if err != nil {
		return "", err
	}
	if found {
		e.opts.Logger.Info("attached to existing study run", "run_id", run.ID, "run_name", run.Name)
		return run.ID, nil
	}
	created, err := e.opts.Tracking.CreateStudyRun(ctx, c.StudyRunName(), c.Study)
	if err != nil {
		return "", err
	}
	return created.ID, nil
}

func (e *Engine) runTrial(ctx context.Context, n int, statePath string, state *studystate.File, result *Result) error {
	c := e.opts.Context
	logger := e.opts.Logger

	tLoc, err := e.checkpoints.Resolve(c.Naming.WithTrial(n), c.Host)
	if err != nil {
		return err
	}
	trialDir := tLoc.Primary()
	e.maybeRestore(ctx, tLoc, fmt.Sprintf("trial %d directory", n))

	params, err := e.opts.Sampler.Sample(n, c.Config.Study.Space, c.Naming.Seed)
	if err != nil {
		return err
	}
	trial, err := identity.ComputeTrial(c.Study, params)
	if err != nil {
		return err
	}
	trial.Number = n

	report, err := runmode.Decide(trialDir, e.opts.Probe, e.policy)
	if err != nil {
		return err
	}
	if report.Decision == runmode.ReuseIfExists {
		metrics, err := readMetricsFile(filepath.Join(trialDir, MetricsFileName))
		if err != nil {
			e.Warn(fmt.Sprintf("trial %d: reusing outputs but metrics are unreadable: %v", n, err))
		}
		if err := state.Append(studystate.TrialRecord{
			TrialNumber:  n,
			Status:       studystate.StatusCompleted,
			StudyKeyHash: c.Study.KeyHash,
			TrialKeyHash: trial.KeyHash,
			Params:       params,
			Metrics:      metrics,
		}); err != nil {
			return err
		}
		logger.Info("trial outputs already complete; reusing", "trial", n, "dir", trialDir)
		result.Skipped = append(result.Skipped, n)
		return nil
	}

	version, err := e.ledger.Reserve(c.RunBase())
	if err != nil {
		return err
	}
	runName := ledger.RunName(c.RunBase(), version)

	runID := ""
	if e.opts.Tracking != nil {
		run, err := e.opts.Tracking.CreateTrialRun(ctx, runName, result.StudyRunID, trial)
		if err != nil {
			return err
		}
		runID = run.ID
	}

	if err := os.MkdirAll(trialDir, 0o755); err != nil {
		return fmt.Errorf("create trial dir %s: %w", trialDir, err)
	}

	outcome, runErr := e.opts.Runner.RunTrial(ctx, TrialSpec{
		Number:       n,
		Seed:         c.Naming.Seed + int64(n),
		RunName:      runName,
		StudyKeyHash: c.Study.KeyHash,
		TrialKeyHash: trial.KeyHash,
		Params:       params,
		OutputDir:    trialDir,
	})
	if runErr != nil {
		if ctx.Err() != nil {
			// Interrupted, not failed: leave no record so a restart
			// re-runs the trial.
			return ctx.Err()
		}
		if err := state.Append(studystate.TrialRecord{
			TrialNumber:  n,
			Status:       studystate.StatusFailed,
			StudyKeyHash: c.Study.KeyHash,
			TrialKeyHash: trial.KeyHash,
			RunName:      runName,
			RunID:        runID,
			Params:       params,
		}); err != nil {
			return err
		}
		e.Warn(fmt.Sprintf("trial %d (%s) failed: %v", n, runName, runErr))
		result.Failed = append(result.Failed, n)
		return nil
	}

	if e.opts.Backup != nil {
		if _, _, err := e.opts.Backup.ImmediateBackup(ctx, trialDir, backup.ExpectDir); err != nil {
			return err
		}
	}
	if err := state.Append(studystate.TrialRecord{
		TrialNumber:  n,
		Status:       studystate.StatusCompleted,
		StudyKeyHash: c.Study.KeyHash,
		TrialKeyHash: trial.KeyHash,
		RunName:      runName,
		RunID:        runID,
		Params:       params,
		Metrics:      outcome.Metrics,
	}); err != nil {
		return err
	}
	if err := e.ledger.Commit(c.RunBase(), version); err != nil {
		return err
	}
	if e.opts.Backup != nil {
		if err := e.opts.Backup.AfterTrial(statePath)(ctx); err != nil {
			return err
		}
	}
	logger.Info("trial completed", "trial", n, "run_name", runName, "run_id", runID)
	result.Completed = append(result.Completed, n)
	return nil
}

// maybeRestore pulls a missing directory back from backup on hosts whose
// durable store is elsewhere. Restore failures degrade to a warning; the
// sweep proceeds as a fresh start.
func (e *Engine) maybeRestore(ctx context.Context, loc checkpoint.Location, what string) {
	if e.opts.Backup == nil || e.opts.Context.Host.HasDriveMount() {
		return
	}
	if checkpoint.Classify(loc, e.opts.Context.Host) != checkpoint.StateNotPresent {
		return
	}
	if _, err := e.opts.Backup.Restore(ctx, loc.LocalDir); err != nil {
		if fault.IsNotFound(err) {
			return
		}
		e.Warn(fmt.Sprintf("restore of %s failed; starting fresh: %v", what, err))
		return
	}
	e.opts.Logger.Info("restored from backup", "what", what, "dir", loc.LocalDir)
}

func dirHasEntries(path string) bool {
	entries, err := os.ReadDir(path)
	return err == nil && len(entries) > 0
}
