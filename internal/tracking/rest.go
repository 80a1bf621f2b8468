package tracking

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cairnml/cairn/internal/fault"
)

// RetryPolicy bounds retries of transient tracking-server failures. Delay
// grows as initial * factor^(attempt-1), capped at MaxDelay.
type RetryPolicy struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	BackoffFactor float64
	MaxDelay      time.Duration
}

func (p RetryPolicy) applyDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 4
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = 250 * time.Millisecond
	}
	if p.BackoffFactor <= 0 {
		p.BackoffFactor = 2.0
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 5 * time.Second
	}
	return p
}

func (p RetryPolicy) delayFor(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.InitialDelay) * math.Pow(p.BackoffFactor, float64(attempt-1))
	if capped := float64(p.MaxDelay); d > capped {
		d = capped
	}
	return time.Duration(d)
}

type RESTOptions struct {
	// BaseURL is the tracking server, e.g. http://127.0.0.1:5000.
	BaseURL string
	// Experiment is the experiment name runs are created under; resolved to
	// an id once per client and created on the server if absent.
	Experiment string
	Retry      RetryPolicy
	HTTPClient *http.Client

	Logger *slog.Logger
}

// RESTClient speaks the MLflow REST wire protocol.
type RESTClient struct {
	baseURL    string
	experiment string
	retry      RetryPolicy
	httpClient *http.Client
	logger     *slog.Logger

	mu           sync.Mutex
	experimentID string
}

func NewRESTClient(opts RESTOptions) (*RESTClient, error) {
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		return nil, fault.Config("tracking.base_url", "tracking server base url is required")
	}
	experiment := strings.TrimSpace(opts.Experiment)
	if experiment == "" {
		return nil, fault.Config("tracking.experiment", "experiment name is required")
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &RESTClient{
		baseURL:    base,
		experiment: experiment,
		retry:      opts.Retry.applyDefaults(),
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

type wireTag struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type wireRun struct {
	Info struct {
		RunID   string `json:"run_id"`
		RunName string `json:"run_name"`
	} `json:"info"`
	Data struct {
		Tags []wireTag `json:"tags"`
	} `json:"data"`
}

func (w wireRun) toRun() Run {
	run := Run{ID: w.Info.RunID, Name: w.Info.RunName, Tags: make(map[string]string, len(w.Data.Tags))}
	for _, tag := range w.Data.Tags {
		run.Tags[tag.Key] = tag.Value
	}
	return run
}

type apiError struct {
	Code    string `json:"error_code"`
	Message string `json:"message"`
}

func (c *RESTClient) CreateRun(ctx context.Context, name, parentID string, tags map[string]string) (Run, error) {
	experimentID, err := c.ensureExperiment(ctx)
	if err != nil {
		return Run{}, err
	}
	wireTags := make([]wireTag, 0, len(tags)+1)
	for _, k := range sortedKeys(tags) {
		wireTags = append(wireTags, wireTag{Key: k, Value: tags[k]})
	}
	if parentID != "" {
		wireTags = append(wireTags, wireTag{Key: TagParentRunID, Value: parentID})
	}
	body := map[string]any{
		"experiment_id": experimentID,
		"run_name":      name,
		"start_time":    time.Now().UnixMilli(),
		"tags":          wireTags,
	}
	var out struct {
		Run wireRun `json:"run"`
	}
	if err := c.call(ctx, http.MethodPost, "/api/2.0/mlflow/runs/create", nil, body, &out); err != nil {
		return Run{}, err
	}
	run := out.Run.toRun()
	if run.Name == "" {
		run.Name = name
	}
	if parentID != "" && run.Tags[TagParentRunID] == "" {
		run.Tags[TagParentRunID] = parentID
	}
	return run, nil
}

func (c *RESTClient) SetTag(ctx context.Context, runID, key, value string) error {
	body := map[string]any{"run_id": runID, "key": key, "value": value}
	return c.call(ctx, http.MethodPost, "/api/2.0/mlflow/runs/set-tag", nil, body, &struct{}{})
}

func (c *RESTClient) GetRun(ctx context.Context, runID string) (Run, error) {
	query := url.Values{"run_id": []string{runID}}
	var out struct {
		Run wireRun `json:"run"`
	}
	if err := c.call(ctx, http.MethodGet, "/api/2.0/mlflow/runs/get", query, nil, &out); err != nil {
		return Run{}, err
	}
	return out.Run.toRun(), nil
}

func (c *RESTClient) SearchRuns(ctx context.Context, tagFilter map[string]string) ([]Run, error) {
	experimentID, err := c.ensureExperiment(ctx)
	if err != nil {
		return nil, err
	}
	clauses := make([]string, 0, len(tagFilter))
	for _, k := range sortedKeys(tagFilter) {
		value := strings.ReplaceAll(tagFilter[k], "'", "''")
		clauses = append(clauses, fmt.Sprintf("tags.`%s` = '%s'", k, value))
	}
	body := map[string]any{
		"experiment_ids": []string{experimentID},
		"filter":         strings.Join(clauses, " and "),
		"max_results":    1000,
	}
	var out struct {
		Runs []wireRun `json:"runs"`
	}
	if err := c.call(ctx, http.MethodPost, "/api/2.0/mlflow/runs/search", nil, body, &out); err != nil {
		return nil, err
	}
	runs := make([]Run, 0, len(out.Runs))
	for _, w := range out.Runs {
		runs = append(runs, w.toRun())
	}
	return runs, nil
}

// ensureExperiment resolves the configured experiment name to an id once
// per client, creating the experiment when the server does not have it.
func (c *RESTClient) ensureExperiment(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.experimentID != "" {
		return c.experimentID, nil
	}

	query := url.Values{"experiment_name": []string{c.experiment}}
	var got struct {
		Experiment struct {
			ExperimentID string `json:"experiment_id"`
		} `json:"experiment"`
	}
	err := c.call(ctx, http.MethodGet, "/api/2.0/mlflow/experiments/get-by-name", query, nil, &got)
	switch {
	case err == nil:
		c.experimentID = got.Experiment.ExperimentID
	case fault.IsNotFound(err):
		var created struct {
			ExperimentID string `json:"experiment_id"`
		}
		body := map[string]any{"name": c.experiment}
		if err := c.call(ctx, http.MethodPost, "/api/2.0/mlflow/experiments/create", nil, body, &created); err != nil {
			return "", err
		}
		c.experimentID = created.ExperimentID
	default:
		return "", err
	}
	if c.experimentID == "" {
		return "", fmt.Errorf("tracking server returned empty experiment id for %q", c.experiment)
	}
	return c.experimentID, nil
}

// call performs one API request with bounded retries. Network failures and
// 429/5xx responses retry with backoff; anything else is terminal. After
// the last attempt the failure surfaces as a TransientError.
func (c *RESTClient) call(ctx context.Context, method, path string, query url.Values, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request %s: %w", path, err)
		}
	}
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var lastErr error
	for attempt := 1; attempt <= c.retry.MaxAttempts; attempt++ {
		if attempt > 1 {
			if err := sleepCtx(ctx, c.retry.delayFor(attempt-1)); err != nil {
				return err
			}
			c.logger.Debug("retrying tracking request", "path", path, "attempt", attempt)
		}
		err := c.doOnce(ctx, method, endpoint, payload, out)
		if err == nil {
			return nil
		}
		var retryable *retryableError
		if !errors.As(err, &retryable) {
			return err
		}
		lastErr = retryable.err
	}
	return fault.Transient("tracking "+method+" "+path, lastErr)
}

// retryableError marks failures worth another attempt.
type retryableError struct {
	err error
}

func (e *retryableError) Error() string { return e.err.Error() }

func (c *RESTClient) doOnce(ctx context.Context, method, endpoint string, payload []byte, out any) error {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &retryableError{err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusOK {
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response %s: %w", endpoint, err)
		}
		return nil
	}

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	var apiErr apiError
	_ = json.Unmarshal(raw, &apiErr)
	message := apiErr.Message
	if message == "" {
		message = strings.TrimSpace(string(raw))
	}
	if message == "" {
		message = resp.Status
	}

	switch {
	case resp.StatusCode == http.StatusNotFound || apiErr.Code == "RESOURCE_DOES_NOT_EXIST":
		return fault.NotFound(endpoint, "%s", message)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return &retryableError{err: fmt.Errorf("%s: %s", resp.Status, message)}
	default:
		return fmt.Errorf("tracking server rejected %s: %s (%s)", endpoint, message, apiErr.Code)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
