package execution_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/fleet-agent/internal/auth"
	"github.com/mattjoyce/fleet-agent/internal/execution"
	"github.com/mattjoyce/fleet-agent/internal/execution/mocks"
	"github.com/mattjoyce/fleet-agent/internal/protocol"
	"github.com/mattjoyce/fleet-agent/internal/state"
	"github.com/mattjoyce/fleet-agent/internal/workspace"
)

const (
	submitWithJobID = `. "$PW_ENVIRONMENT_FILE"
printf '%s' "$AGENT_TOKEN" > token.txt
printf '%s' "$CUSTOM" > custom.txt
echo "Submitted batch job"
echo 4242
`
	stopRecorder = `printf '%s|%s' "$PW_NATIVE_JOB_ID" "$PW_STOP_REASON" > "$PW_WORKING_DIR/stopped.txt"
`
)

type harness struct {
	engine   *execution.Engine
	repo     *state.MemoryStore
	tokens   *auth.TokenService
	notifier *mocks.MockNotifier
	workDir  string
}

func newHarness(t *testing.T, submit string, mutate ...func(*execution.Config)) *harness {
	t.Helper()
	root := t.TempDir()
	workDir := filepath.Join(root, "work")
	scripts := filepath.Join(root, "scripts")
	require.NoError(t, os.MkdirAll(scripts, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(scripts, "submit.sh"), []byte(submit), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(scripts, "stop.sh"), []byte(stopRecorder), 0o755))

	ws, err := workspace.NewFSManager(workDir)
	require.NoError(t, err)
	tokens, err := auth.NewTokenService(auth.TokenConfig{AgentID: "agent-1"})
	require.NoError(t, err)

	cfg := execution.Config{
		SharedDir:     filepath.Join(root, "shared"),
		SubmitScript:  filepath.Join(scripts, "submit.sh"),
		StopScript:    filepath.Join(scripts, "stop.sh"),
		AgentEndpoint: "http://127.0.0.1:8080",
		DefaultRegion: "us-east-1",
		LaunchTimeout: 5 * time.Second,
	}
	for _, m := range mutate {
		m(&cfg)
	}

	ctrl := gomock.NewController(t)
	notifier := mocks.NewMockNotifier(ctrl)
	repo := state.NewMemoryStore()
	engine := execution.New(cfg, execution.Deps{
		Repository: repo,
		Workspaces: ws,
		Tokens:     tokens,
		Notifier:   notifier,
		Logger:     slog.New(slog.NewJSONHandler(&bytes.Buffer{}, nil)),
	})
	return &harness{engine: engine, repo: repo, tokens: tokens, notifier: notifier, workDir: workDir}
}

func runAnalysis(id string) protocol.RunAnalysis {
	return protocol.RunAnalysis{
		DatasetID:         id,
		ProjectID:         "p1",
		Region:            "us-west-2",
		Executor:          "NEXTFLOW",
		Environment:       map[string]string{"CUSTOM": "it's; $(whoami)", "AGENT_TOKEN": "forged"},
		FileAccessRoleARN: "arn:aws:iam::123456789012:role/file-access",
		DatasetPath:       "s3://bucket/p1/" + id,
		Username:          "alice",
	}
}

func TestCreateLaunchesExecution(t *testing.T) {
	h := newHarness(t, submitWithJobID)

	rec, err := h.engine.Create(context.Background(), runAnalysis("ds1"))
	require.NoError(t, err)

	wantDir := filepath.Join(h.workDir, "projects", "p1", "datasets", "ds1")
	assert.Equal(t, state.StatusPending, rec.Status)
	assert.Equal(t, "4242", rec.NativeJobID)
	assert.Equal(t, wantDir, rec.WorkingDir)
	assert.Contains(t, rec.Stdout, "Submitted batch job")

	stored, err := h.repo.Get(context.Background(), "ds1")
	require.NoError(t, err)
	assert.Equal(t, "4242", stored.NativeJobID)

	// The job sees the agent's token, not the caller's, and it is bound to ds1.
	token, err := os.ReadFile(filepath.Join(wantDir, "token.txt"))
	require.NoError(t, err)
	_, err = h.tokens.Validate(string(token), "ds1")
	assert.NoError(t, err)

	custom, err := os.ReadFile(filepath.Join(wantDir, "custom.txt"))
	require.NoError(t, err)
	assert.Equal(t, "it's; $(whoami)", string(custom))

	config, err := os.ReadFile(filepath.Join(wantDir, "aws.config"))
	require.NoError(t, err)
	helper := filepath.Join(wantDir, "credentials-helper.sh")
	assert.Contains(t, string(config), "credential_process = "+helper)
	assert.Contains(t, string(config), "region = us-west-2")

	info, err := os.Stat(helper)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o750), info.Mode().Perm())

	env, err := os.ReadFile(filepath.Join(wantDir, "env.list"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(env), "#!/bin/bash\n"))
	assert.Contains(t, string(env), "export AGENT_EXECUTION_ID='ds1'\n")
	assert.Contains(t, string(env), "export AGENT_ENDPOINT='http://127.0.0.1:8080'\n")
	assert.NotContains(t, string(env), "forged")
}

func TestCreateLaunchFailureMarksFailed(t *testing.T) {
	h := newHarness(t, "echo 'sbatch: error: invalid partition'\nexit 1\n")

	_, err := h.engine.Create(context.Background(), runAnalysis("ds1"))
	require.Error(t, err)

	var failure *execution.Failure
	require.True(t, errors.As(err, &failure))
	assert.Equal(t, "ds1", failure.ExecutionID)
	assert.Equal(t, "create", failure.Op)

	rec, err := h.repo.Get(context.Background(), "ds1")
	require.NoError(t, err)
	assert.Equal(t, state.StatusFailed, rec.Status)
	require.NotNil(t, rec.FinishedAt)
	assert.Contains(t, rec.Message, "invalid partition")
	assert.Contains(t, rec.Stdout, "invalid partition")
}

func TestCreateRejectsInvalidEnvironmentKey(t *testing.T) {
	h := newHarness(t, submitWithJobID)
	cmd := runAnalysis("ds1")
	cmd.Environment = map[string]string{"BAD KEY": "x"}

	_, err := h.engine.Create(context.Background(), cmd)
	require.Error(t, err)

	rec, err := h.repo.Get(context.Background(), "ds1")
	require.NoError(t, err)
	assert.Equal(t, state.StatusFailed, rec.Status)
}

func TestCreateNativeJobIDPolicy(t *testing.T) {
	t.Run("optional by default", func(t *testing.T) {
		h := newHarness(t, "echo queued\n")
		rec, err := h.engine.Create(context.Background(), runAnalysis("ds1"))
		require.NoError(t, err)
		assert.Empty(t, rec.NativeJobID)
		assert.Equal(t, state.StatusPending, rec.Status)
	})

	t.Run("required", func(t *testing.T) {
		h := newHarness(t, "echo queued\n", func(c *execution.Config) { c.RequireNativeJobID = true })
		_, err := h.engine.Create(context.Background(), runAnalysis("ds1"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "native job id")
	})
}

func TestCreateDuplicateLeavesOriginal(t *testing.T) {
	h := newHarness(t, submitWithJobID)
	_, err := h.engine.Create(context.Background(), runAnalysis("ds1"))
	require.NoError(t, err)

	_, err = h.engine.Create(context.Background(), runAnalysis("ds1"))
	assert.True(t, errors.Is(err, state.ErrAlreadyExists))

	rec, err := h.repo.Get(context.Background(), "ds1")
	require.NoError(t, err)
	assert.Equal(t, state.StatusPending, rec.Status)
}

func TestCreateRequiresIDs(t *testing.T) {
	h := newHarness(t, submitWithJobID)
	_, err := h.engine.Create(context.Background(), protocol.RunAnalysis{ProjectID: "p1"})
	assert.Error(t, err)
	_, err = h.engine.Create(context.Background(), protocol.RunAnalysis{DatasetID: "ds1"})
	assert.Error(t, err)
}

func TestUpdateStatusWalksPendingToCompleted(t *testing.T) {
	h := newHarness(t, submitWithJobID)
	_, err := h.engine.Create(context.Background(), runAnalysis("ds1"))
	require.NoError(t, err)

	var sent []protocol.AnalysisUpdate
	h.notifier.EXPECT().IsOpen().Return(true).Times(2)
	h.notifier.EXPECT().Send(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, m protocol.Message) error {
		sent = append(sent, m.(protocol.AnalysisUpdate))
		return nil
	}).Times(2)

	details := map[string]any{"outputs": float64(3)}
	require.NoError(t, h.engine.UpdateStatus(context.Background(), "ds1", state.StatusCompleted, "done", details))

	rec, err := h.repo.Get(context.Background(), "ds1")
	require.NoError(t, err)
	assert.Equal(t, state.StatusCompleted, rec.Status)
	assert.Equal(t, "done", rec.Message)
	assert.Equal(t, details, rec.Details)
	require.NotNil(t, rec.FinishedAt)

	require.Len(t, sent, 2)
	assert.Equal(t, "RUNNING", sent[0].Status)
	assert.Equal(t, "COMPLETED", sent[1].Status)
	assert.Equal(t, "done", sent[1].Message)
	assert.Equal(t, "4242", sent[1].NativeJobID)
	assert.Equal(t, "p1", sent[1].ProjectID)
}

func TestUpdateStatusRejectsLeavingTerminal(t *testing.T) {
	h := newHarness(t, submitWithJobID)
	h.notifier.EXPECT().IsOpen().Return(false).AnyTimes()

	_, err := h.engine.Create(context.Background(), runAnalysis("ds1"))
	require.NoError(t, err)
	require.NoError(t, h.engine.UpdateStatus(context.Background(), "ds1", state.StatusFailed, "boom", nil))

	for _, next := range []state.Status{state.StatusRunning, state.StatusCompleted, state.StatusPending} {
		err := h.engine.UpdateStatus(context.Background(), "ds1", next, "", nil)
		assert.True(t, errors.Is(err, state.ErrInvalidTransition), "FAILED -> %s: %v", next, err)
	}

	rec, err := h.repo.Get(context.Background(), "ds1")
	require.NoError(t, err)
	assert.Equal(t, state.StatusFailed, rec.Status)
	assert.Equal(t, "boom", rec.Message)
}

func TestUpdateStatusRepeatedTerminalKeepsResult(t *testing.T) {
	h := newHarness(t, submitWithJobID)
	h.notifier.EXPECT().IsOpen().Return(false).AnyTimes()

	finished := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	h.engine.SetClock(func() time.Time { return finished })

	_, err := h.engine.Create(context.Background(), runAnalysis("ds1"))
	require.NoError(t, err)
	require.NoError(t, h.engine.UpdateStatus(context.Background(), "ds1", state.StatusCompleted, "done", map[string]any{"a": 1}))

	h.engine.SetClock(func() time.Time { return finished.Add(6 * time.Hour) })
	for _, again := range []state.Status{state.StatusCompleted, state.StatusFailed} {
		err := h.engine.UpdateStatus(context.Background(), "ds1", again, "rewritten", map[string]any{"b": 2})
		assert.True(t, errors.Is(err, state.ErrInvalidTransition), "COMPLETED -> %s: %v", again, err)
	}

	rec, err := h.repo.Get(context.Background(), "ds1")
	require.NoError(t, err)
	assert.Equal(t, state.StatusCompleted, rec.Status)
	assert.Equal(t, "done", rec.Message)
	assert.Equal(t, map[string]any{"a": 1}, rec.Details)
	require.NotNil(t, rec.FinishedAt)
	assert.True(t, rec.FinishedAt.Equal(finished), "finishedAt moved to %s", rec.FinishedAt)
}

func TestUpdateStatusUnknownExecution(t *testing.T) {
	h := newHarness(t, submitWithJobID)
	err := h.engine.UpdateStatus(context.Background(), "missing", state.StatusRunning, "", nil)
	assert.True(t, errors.Is(err, state.ErrNotFound))
}

func TestUpdateStatusClosedChannelIsNotFatal(t *testing.T) {
	h := newHarness(t, submitWithJobID)
	_, err := h.engine.Create(context.Background(), runAnalysis("ds1"))
	require.NoError(t, err)

	h.notifier.EXPECT().IsOpen().Return(false).Times(1)
	h.notifier.EXPECT().Send(gomock.Any(), gomock.Any()).Times(0)

	require.NoError(t, h.engine.UpdateStatus(context.Background(), "ds1", state.StatusRunning, "", nil))
}

func TestStop(t *testing.T) {
	h := newHarness(t, submitWithJobID)
	h.notifier.EXPECT().IsOpen().Return(false).AnyTimes()

	rec, err := h.engine.Create(context.Background(), runAnalysis("ds1"))
	require.NoError(t, err)

	require.NoError(t, h.engine.Stop(context.Background(), protocol.StopAnalysis{DatasetID: "ds1", ProjectID: "p1", Reason: "user request"}))

	recorded, err := os.ReadFile(filepath.Join(rec.WorkingDir, "stopped.txt"))
	require.NoError(t, err)
	assert.Equal(t, "4242|user request", string(recorded))

	stopped, err := h.repo.Get(context.Background(), "ds1")
	require.NoError(t, err)
	assert.Equal(t, state.StatusFailed, stopped.Status)
	assert.Equal(t, "stopped: user request", stopped.Message)

	err = h.engine.Stop(context.Background(), protocol.StopAnalysis{DatasetID: "ds1"})
	assert.True(t, errors.Is(err, execution.ErrAlreadyTerminal))
}

func TestStopWithoutNativeJobID(t *testing.T) {
	h := newHarness(t, "echo queued\n")
	_, err := h.engine.Create(context.Background(), runAnalysis("ds1"))
	require.NoError(t, err)

	err = h.engine.Stop(context.Background(), protocol.StopAnalysis{DatasetID: "ds1"})
	assert.True(t, errors.Is(err, execution.ErrNotStarted))
}

func TestStopUnknownExecution(t *testing.T) {
	h := newHarness(t, submitWithJobID)
	err := h.engine.Stop(context.Background(), protocol.StopAnalysis{DatasetID: "missing"})
	assert.True(t, errors.Is(err, state.ErrNotFound))

	var failure *execution.Failure
	assert.True(t, errors.As(err, &failure))
}

func TestListReportsElapsed(t *testing.T) {
	h := newHarness(t, submitWithJobID)
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	h.engine.SetClock(func() time.Time { return start })

	_, err := h.engine.Create(context.Background(), runAnalysis("ds1"))
	require.NoError(t, err)

	h.engine.SetClock(func() time.Time { return start.Add(90 * time.Second) })
	summaries, err := h.engine.List(context.Background())
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, "ds1", summaries[0].DatasetID)
	assert.Equal(t, state.StatusPending, summaries[0].Status)
	assert.Equal(t, int64(90), summaries[0].ElapsedSeconds)
}

func TestCompleteDropsRecordKeepsDirectory(t *testing.T) {
	h := newHarness(t, submitWithJobID)
	rec, err := h.engine.Create(context.Background(), runAnalysis("ds1"))
	require.NoError(t, err)

	require.NoError(t, h.engine.Complete(context.Background(), "ds1"))

	_, err = h.repo.Get(context.Background(), "ds1")
	assert.True(t, errors.Is(err, state.ErrNotFound))
	_, err = os.Stat(rec.WorkingDir)
	assert.NoError(t, err)

	err = h.engine.Complete(context.Background(), "ds1")
	assert.True(t, errors.Is(err, state.ErrNotFound))
}

func TestRemoveDeletesDirectory(t *testing.T) {
	h := newHarness(t, submitWithJobID)
	rec, err := h.engine.Create(context.Background(), runAnalysis("ds1"))
	require.NoError(t, err)

	require.NoError(t, h.engine.Remove(context.Background(), "ds1"))
	_, err = os.Stat(rec.WorkingDir)
	assert.True(t, os.IsNotExist(err))
}

func TestCleanupRemovesOldFinishedExecutions(t *testing.T) {
	h := newHarness(t, submitWithJobID)
	h.notifier.EXPECT().IsOpen().Return(false).AnyTimes()

	start := time.Now().Add(-72 * time.Hour)
	h.engine.SetClock(func() time.Time { return start })

	for _, id := range []string{"old-done", "old-running"} {
		_, err := h.engine.Create(context.Background(), runAnalysis(id))
		require.NoError(t, err)
	}
	require.NoError(t, h.engine.UpdateStatus(context.Background(), "old-done", state.StatusCompleted, "", nil))
	require.NoError(t, h.engine.UpdateStatus(context.Background(), "old-running", state.StatusRunning, "", nil))

	h.engine.SetClock(time.Now)
	_, err := h.engine.Create(context.Background(), runAnalysis("recent"))
	require.NoError(t, err)
	require.NoError(t, h.engine.UpdateStatus(context.Background(), "recent", state.StatusFailed, "", nil))

	removed, err := h.engine.Cleanup(context.Background(), 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = h.repo.Get(context.Background(), "old-done")
	assert.True(t, errors.Is(err, state.ErrNotFound))
	for _, id := range []string{"old-running", "recent"} {
		_, err := h.repo.Get(context.Background(), id)
		assert.NoError(t, err, id)
	}
	_, err = os.Stat(filepath.Join(h.workDir, "projects", "p1", "datasets", "old-done"))
	assert.True(t, os.IsNotExist(err))
}
