// Package execution launches, stops and tracks jobs submitted over the
// control channel. Each execution gets a project-scoped working directory
// holding an environment file and a credential_process helper that calls
// back into the local API for scoped storage credentials.
package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/mattjoyce/fleet-agent/internal/protocol"
	"github.com/mattjoyce/fleet-agent/internal/state"
	"github.com/mattjoyce/fleet-agent/internal/workspace"
)

//go:generate mockgen -destination=mocks/mock_notifier.go -package=mocks github.com/mattjoyce/fleet-agent/internal/execution Notifier

// TokenIssuer mints the bearer token a job uses to call the local API.
type TokenIssuer interface {
	IssueFor(executionID string) (string, error)
}

// Notifier pushes status changes upstream. Send is only attempted while
// IsOpen reports true.
type Notifier interface {
	IsOpen() bool
	Send(ctx context.Context, msg protocol.Message) error
}

// CredentialCache drops cached storage credentials for a removed execution.
type CredentialCache interface {
	Forget(executionID string)
}

// Config holds engine settings. Script paths should be absolute.
type Config struct {
	SharedDir          string
	SubmitScript       string
	StopScript         string
	AgentEndpoint      string
	DefaultRegion      string
	LaunchTimeout      time.Duration
	RequireNativeJobID bool
}

// Deps are the collaborators an Engine drives. Notifier and Credentials may
// be nil.
type Deps struct {
	Repository  state.Repository
	Workspaces  workspace.Manager
	Tokens      TokenIssuer
	Notifier    Notifier
	Credentials CredentialCache
	Logger      *slog.Logger
}

// Engine owns the execution lifecycle.
type Engine struct {
	cfg         Config
	repo        state.Repository
	workspaces  workspace.Manager
	tokens      TokenIssuer
	notifier    Notifier
	credentials CredentialCache
	logger      *slog.Logger
	now         func() time.Time

	// mu serializes read-modify-write cycles on records. Scripts run
	// outside it.
	mu sync.Mutex
}

// New creates an Engine.
func New(cfg Config, deps Deps) *Engine {
	if cfg.LaunchTimeout <= 0 {
		cfg.LaunchTimeout = DefaultLaunchTimeout
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		cfg:         cfg,
		repo:        deps.Repository,
		workspaces:  deps.Workspaces,
		tokens:      deps.Tokens,
		notifier:    deps.Notifier,
		credentials: deps.Credentials,
		logger:      logger.With("component", "execution"),
		now:         time.Now,
	}
}

type launchResult struct {
	dir         string
	output      string
	nativeJobID string
}

// Create records a new PENDING execution and launches its submit script.
// The record is persisted before any filesystem or process work. If the
// launch fails the record is kept as FAILED and a *Failure is returned.
func (e *Engine) Create(ctx context.Context, cmd protocol.RunAnalysis) (*state.Record, error) {
	id := cmd.DatasetID
	if id == "" {
		return nil, fail("create", id, errors.New("datasetId is required"))
	}
	if cmd.ProjectID == "" {
		return nil, fail("create", id, errors.New("projectId is required"))
	}

	rec := &state.Record{
		ID:                id,
		ProjectID:         cmd.ProjectID,
		Username:          cmd.Username,
		DatasetPath:       cmd.DatasetPath,
		FileAccessRoleARN: cmd.FileAccessRoleARN,
		Region:            cmd.Region,
		Executor:          cmd.Executor,
		Environment:       cmd.Environment,
		Status:            state.StatusPending,
		CreatedAt:         e.now().UTC(),
	}
	if err := e.repo.Add(ctx, rec); err != nil {
		return nil, fail("create", id, err)
	}

	logger := e.logger.With("execution_id", id, "project_id", cmd.ProjectID)
	logger.Info("launching execution", "executor", cmd.Executor, "username", cmd.Username)

	res, err := e.launch(ctx, rec, logger)
	if err != nil {
		logger.Error("launch failed", "error", err)
		e.markLaunchFailed(context.WithoutCancel(ctx), id, res, err, logger)
		return nil, fail("create", id, err)
	}

	updated, err := e.mutate(ctx, id, func(r *state.Record) error {
		r.WorkingDir = res.dir
		r.Stdout = res.output
		r.NativeJobID = res.nativeJobID
		return nil
	})
	if err != nil {
		return nil, fail("create", id, err)
	}

	logger.Info("execution launched", "native_job_id", res.nativeJobID, "working_dir", res.dir)
	return updated, nil
}

func (e *Engine) launch(ctx context.Context, rec *state.Record, logger *slog.Logger) (launchResult, error) {
	var res launchResult

	token, err := e.tokens.IssueFor(rec.ID)
	if err != nil {
		return res, fmt.Errorf("issue execution token: %w", err)
	}

	ws, err := e.workspaces.Create(ctx, rec.ProjectID, rec.ID)
	if err != nil {
		return res, err
	}
	res.dir = ws.Dir

	envPath := filepath.Join(ws.Dir, envFileName)
	agentEnv := map[string]string{
		"PW_PROJECT_DIR":              ws.ProjectDir,
		"PW_WORKING_DIR":              ws.Dir,
		"PW_SHARED_DIR":               e.cfg.SharedDir,
		"PW_ENVIRONMENT_FILE":         envPath,
		"AGENT_TOKEN":                 token,
		"AGENT_ENDPOINT":              e.cfg.AgentEndpoint,
		"AGENT_EXECUTION_ID":          rec.ID,
		"AWS_CONFIG_FILE":             filepath.Join(ws.Dir, awsConfigFileName),
		"AWS_SHARED_CREDENTIALS_FILE": filepath.Join(ws.Dir, awsCredentialsName),
	}
	if err := writeEnvFile(envPath, rec.Environment, agentEnv); err != nil {
		return res, err
	}

	region := rec.Region
	if region == "" {
		region = e.cfg.DefaultRegion
	}
	if err := writeCredentialProcess(ws.Dir, region); err != nil {
		return res, err
	}

	if _, err := os.Stat(e.cfg.SubmitScript); err != nil {
		return res, fmt.Errorf("submit script: %w", err)
	}

	out, err := runScript(ctx, scriptRun{
		script: e.cfg.SubmitScript,
		dir:    ws.Dir,
		env: map[string]string{
			"PW_ENVIRONMENT_FILE": envPath,
			"PW_WORKING_DIR":      ws.Dir,
		},
		timeout: e.cfg.LaunchTimeout,
	}, logger)
	res.output = out
	if err != nil {
		return res, err
	}

	res.nativeJobID = parseNativeJobID(out)
	if res.nativeJobID == "" {
		if e.cfg.RequireNativeJobID {
			return res, errors.New("submit script printed no native job id")
		}
		logger.Warn("submit script printed no native job id")
	}
	return res, nil
}

func (e *Engine) markLaunchFailed(ctx context.Context, id string, res launchResult, cause error, logger *slog.Logger) {
	_, err := e.mutate(ctx, id, func(r *state.Record) error {
		r.WorkingDir = res.dir
		r.Stdout = res.output
		if r.Status.Terminal() {
			return nil
		}
		if _, err := state.Path(r.Status, state.StatusFailed); err != nil {
			return err
		}
		finished := e.now().UTC()
		r.Status = state.StatusFailed
		r.FinishedAt = &finished
		r.Message = cause.Error()
		return nil
	})
	if err != nil {
		logger.Error("failed to record launch failure", "error", err)
	}
}

// Stop runs the stop script for a launched execution and marks it FAILED
// with a "stopped" message.
func (e *Engine) Stop(ctx context.Context, cmd protocol.StopAnalysis) error {
	id := cmd.DatasetID
	rec, err := e.repo.Get(ctx, id)
	if err != nil {
		return fail("stop", id, err)
	}
	if rec.Status.Terminal() {
		return fail("stop", id, ErrAlreadyTerminal)
	}
	if rec.NativeJobID == "" {
		return fail("stop", id, ErrNotStarted)
	}
	if e.cfg.StopScript == "" {
		return fail("stop", id, errors.New("no stop script configured"))
	}

	logger := e.logger.With("execution_id", id, "native_job_id", rec.NativeJobID)
	logger.Info("stopping execution", "reason", cmd.Reason)

	_, err = runScript(ctx, scriptRun{
		script: e.cfg.StopScript,
		dir:    rec.WorkingDir,
		env: map[string]string{
			"PW_ENVIRONMENT_FILE": filepath.Join(rec.WorkingDir, envFileName),
			"PW_WORKING_DIR":      rec.WorkingDir,
			"PW_NATIVE_JOB_ID":    rec.NativeJobID,
			"PW_STOP_REASON":      cmd.Reason,
		},
		timeout: e.cfg.LaunchTimeout,
	}, logger)
	if err != nil {
		return fail("stop", id, err)
	}

	message := "stopped"
	if cmd.Reason != "" {
		message = "stopped: " + cmd.Reason
	}
	if err := e.UpdateStatus(ctx, id, state.StatusFailed, message, nil); err != nil {
		return fail("stop", id, err)
	}
	return nil
}

// UpdateStatus moves an execution to status along the lifecycle graph. A
// terminal status stamps the finish time and keeps message and details.
// Each step taken is pushed upstream when the control channel is open.
func (e *Engine) UpdateStatus(ctx context.Context, id string, status state.Status, message string, details map[string]any) error {
	var steps []state.Status
	rec, err := e.mutate(ctx, id, func(r *state.Record) error {
		path, err := state.Path(r.Status, status)
		if err != nil {
			return err
		}
		steps = path
		r.Status = status
		if message != "" {
			r.Message = message
		}
		if details != nil {
			r.Details = details
		}
		if status.Terminal() {
			finished := e.now().UTC()
			r.FinishedAt = &finished
		}
		return nil
	})
	if err != nil {
		return fail("update", id, err)
	}

	e.logger.Info("execution status changed", "execution_id", id, "status", status, "steps", len(steps))
	for i, step := range steps {
		update := protocol.StatusUpdate{
			DatasetID:   rec.ID,
			ProjectID:   rec.ProjectID,
			NativeJobID: rec.NativeJobID,
			Status:      string(step),
		}
		if i == len(steps)-1 {
			update.Message = rec.Message
			update.Details = rec.Details
		}
		e.notify(ctx, protocol.AnalysisUpdate{StatusUpdate: update})
	}
	return nil
}

func (e *Engine) notify(ctx context.Context, msg protocol.AnalysisUpdate) {
	logger := e.logger.With("execution_id", msg.DatasetID, "status", msg.Status)
	if e.notifier == nil || !e.notifier.IsOpen() {
		logger.Warn("control channel closed, status update not sent")
		return
	}
	if err := e.notifier.Send(ctx, msg); err != nil {
		logger.Warn("failed to send status update", "error", err)
	}
}

// Get returns a copy of one execution record.
func (e *Engine) Get(ctx context.Context, id string) (*state.Record, error) {
	rec, err := e.repo.Get(ctx, id)
	if err != nil {
		return nil, fail("get", id, err)
	}
	return rec, nil
}

// List returns a summary of every known execution, oldest first.
func (e *Engine) List(ctx context.Context) ([]Summary, error) {
	recs, err := e.repo.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	now := e.now()
	out := make([]Summary, 0, len(recs))
	for _, rec := range recs {
		out = append(out, Summarize(rec, now))
	}
	return out, nil
}

// Complete drops the record of an execution whose job has finished
// reporting. The working directory stays until the retention sweep.
func (e *Engine) Complete(ctx context.Context, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, err := e.repo.Get(ctx, id); err != nil {
		return fail("complete", id, err)
	}
	if err := e.repo.Remove(ctx, id); err != nil {
		return fail("complete", id, err)
	}
	e.forget(id)
	e.logger.Info("execution completed", "execution_id", id)
	return nil
}

// Remove deletes an execution record and its working directory.
func (e *Engine) Remove(ctx context.Context, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	rec, err := e.repo.Get(ctx, id)
	if err != nil {
		return fail("remove", id, err)
	}
	return e.removeLocked(ctx, rec)
}

func (e *Engine) removeLocked(ctx context.Context, rec *state.Record) error {
	if err := e.repo.Remove(ctx, rec.ID); err != nil {
		return fail("remove", rec.ID, err)
	}
	e.forget(rec.ID)
	if err := e.workspaces.Remove(ctx, rec.ProjectID, rec.ID); err != nil {
		return fail("remove", rec.ID, err)
	}
	return nil
}

// Cleanup removes finished executions older than retention along with
// their working directories, then prunes directories no record owns.
// It returns the number of records removed.
func (e *Engine) Cleanup(ctx context.Context, retention time.Duration) (int, error) {
	if retention <= 0 {
		return 0, fmt.Errorf("retention must be positive")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	recs, err := e.repo.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list executions: %w", err)
	}

	cutoff := e.now().Add(-retention)
	live := make(map[string]bool, len(recs))
	removed := 0
	var errs []error
	for _, rec := range recs {
		if !rec.Status.Terminal() {
			e.logger.Debug("skipping active execution", "execution_id", rec.ID, "status", rec.Status)
			live[rec.ID] = true
			continue
		}
		finished := rec.CreatedAt
		if rec.FinishedAt != nil {
			finished = *rec.FinishedAt
		}
		if finished.After(cutoff) {
			live[rec.ID] = true
			continue
		}
		e.logger.Info("cleaning up execution", "execution_id", rec.ID, "status", rec.Status)
		if err := e.removeLocked(ctx, rec); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}

	report, err := e.workspaces.Prune(ctx, retention, func(_, datasetID string) bool {
		return live[datasetID]
	})
	if err != nil {
		errs = append(errs, fmt.Errorf("prune workspaces: %w", err))
	}
	if report.DeletedDirs > 0 {
		e.logger.Info("pruned orphaned working directories", "count", report.DeletedDirs)
	}
	return removed, errors.Join(errs...)
}

func (e *Engine) mutate(ctx context.Context, id string, fn func(*state.Record) error) (*state.Record, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	rec, err := e.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := fn(rec); err != nil {
		return nil, err
	}
	if err := e.repo.Update(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (e *Engine) forget(id string) {
	if e.credentials != nil {
		e.credentials.Forget(id)
	}
}
