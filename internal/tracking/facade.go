package tracking

import (
	"context"
	"log/slog"
	"strconv"

	"github.com/cairnml/cairn/internal/fault"
	"github.com/cairnml/cairn/internal/identity"
)

// Facade speaks the sweep engine's identity vocabulary over a Client:
// create study and trial runs carrying their identity tags, persist identity
// onto existing runs, and find a study's run back by key hash. Tag writes
// propagate errors; the read-side fallback lives in the identity resolver,
// not here.
type Facade struct {
	client Client
	logger *slog.Logger
}

func NewFacade(client Client, logger *slog.Logger) (*Facade, error) {
	if client == nil {
		return nil, fault.Config("tracking.client", "tracking client is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Facade{client: client, logger: logger}, nil
}

// Client exposes the underlying run API for callers that need it directly.
func (f *Facade) Client() Client { return f.client }

// GetTag reads one tag from a run. The identity resolver consumes this
// shape for tag-based study resolution.
func (f *Facade) GetTag(ctx context.Context, runID, key string) (string, bool, error) {
	run, err := f.client.GetRun(ctx, runID)
	if err != nil {
		return "", false, err
	}
	v, ok := run.Tags[key]
	return v, ok, nil
}

func studyTags(study identity.Study) map[string]string {
	tags := map[string]string{identity.TagStudyKeyHash: study.KeyHash}
	if study.FamilyHash != "" {
		tags[identity.TagStudyFamilyHash] = study.FamilyHash
	}
	if study.Algo != "" {
		tags[identity.TagIdentityAlgo] = string(study.Algo)
	}
	return tags
}

func trialTags(trial identity.Trial) map[string]string {
	return map[string]string{
		identity.TagTrialKeyHash: trial.KeyHash,
		identity.TagTrialNumber:  strconv.Itoa(trial.Number),
	}
}

// CreateStudyRun creates the sweep's parent run with its identity tags
// already attached.
func (f *Facade) CreateStudyRun(ctx context.Context, name string, study identity.Study) (Run, error) {
	if study.IsZero() {
		return Run{}, fault.Config("study", "study identity is required")
	}
	run, err := f.client.CreateRun(ctx, name, "", studyTags(study))
	if err != nil {
		return Run{}, err
	}
	f.logger.Info("created study run",
		"run_id", run.ID, "name", name, "study_key_hash", study.KeyHash)
	return run, nil
}

// CreateTrialRun creates one trial's run under the study run.
func (f *Facade) CreateTrialRun(ctx context.Context, name, studyRunID string, trial identity.Trial) (Run, error) {
	if trial.KeyHash == "" {
		return Run{}, fault.Config("trial", "trial identity is required")
	}
	run, err := f.client.CreateRun(ctx, name, studyRunID, trialTags(trial))
	if err != nil {
		return Run{}, err
	}
	f.logger.Debug("created trial run",
		"run_id", run.ID, "parent", studyRunID, "trial_number", trial.Number)
	return run, nil
}

// PersistStudyIdentity writes study identity tags onto an existing run, for
// runs created before identity was resolved. Failures propagate; identity
// tags are the durable source of truth and must not be silently absent.
func (f *Facade) PersistStudyIdentity(ctx context.Context, runID string, study identity.Study) error {
	if study.IsZero() {
		return fault.Config("study", "study identity is required")
	}
	tags := studyTags(study)
	for _, k := range sortedKeys(tags) {
		if err := f.client.SetTag(ctx, runID, k, tags[k]); err != nil {
			return err
		}
	}
	return nil
}

// PersistTrialIdentity writes trial identity tags onto an existing run.
func (f *Facade) PersistTrialIdentity(ctx context.Context, runID string, trial identity.Trial) error {
	if trial.KeyHash == "" {
		return fault.Config("trial", "trial identity is required")
	}
	tags := trialTags(trial)
	for _, k := range sortedKeys(tags) {
		if err := f.client.SetTag(ctx, runID, k, tags[k]); err != nil {
			return err
		}
	}
	return nil
}

// FindStudyRun looks up the run carrying a study's key hash, the attach
// point for resumed sweeps. More than one match means an earlier sweep
// crashed between creating runs; the first is taken and the rest reported.
func (f *Facade) FindStudyRun(ctx context.Context, keyHash string) (Run, bool, error) {
	if keyHash == "" {
		return Run{}, false, fault.Config("study_key_hash", "key hash is required")
	}
	runs, err := f.client.SearchRuns(ctx, map[string]string{identity.TagStudyKeyHash: keyHash})
	if err != nil {
		return Run{}, false, err
	}
	if len(runs) == 0 {
		return Run{}, false, nil
	}
	if len(runs) > 1 {
		f.logger.Warn("multiple runs share a study key hash; using the first",
			"study_key_hash", keyHash, "count", len(runs))
	}
	return runs[0], true, nil
}
