package execution

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"syscall"
	"time"
)

const (
	// DefaultLaunchTimeout bounds how long a submit or stop script may run.
	DefaultLaunchTimeout = 10 * time.Second

	// terminationGracePeriod is the time we wait after SIGTERM before sending SIGKILL.
	terminationGracePeriod = 5 * time.Second

	// pipeWaitDelay bounds how long Wait keeps reading output after the
	// script exits, for scripts that leave a background child holding stdout.
	pipeWaitDelay = 2 * time.Second

	maxOutputBytes = 64 * 1024
)

var nativeJobIDPattern = regexp.MustCompile(`^\d+$`)

// ErrLaunchTimeout is returned when a script outlives its launch timeout.
var ErrLaunchTimeout = errors.New("script timed out")

type scriptRun struct {
	script  string
	dir     string
	env     map[string]string
	timeout time.Duration
}

// runScript runs "sh script" in dir with stdout and stderr merged. The
// returned output is kept even when the script fails so callers can report it.
func runScript(ctx context.Context, run scriptRun, logger *slog.Logger) (string, error) {
	timeout := run.timeout
	if timeout <= 0 {
		timeout = DefaultLaunchTimeout
	}
	timeoutTimer := time.NewTimer(timeout)
	defer timeoutTimer.Stop()

	// Termination is managed here rather than through CommandContext so the
	// script gets SIGTERM before SIGKILL.
	cmd := exec.Command("sh", run.script)
	cmd.Dir = run.dir
	cmd.Env = os.Environ()
	for k, v := range run.env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.WaitDelay = pipeWaitDelay

	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	logger.Debug("running script", "script", run.script, "dir", run.dir, "timeout", timeout)

	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("start %s: %w", run.script, err)
	}

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
	}()

	var cause error
	select {
	case err := <-waitErr:
		out := truncateOutput(output.String())
		if err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				return out, fmt.Errorf("%s exited with status %d: %s", run.script, exitErr.ExitCode(), strings.TrimSpace(out))
			}
			return out, fmt.Errorf("wait for %s: %w", run.script, err)
		}
		return out, nil
	case <-timeoutTimer.C:
		cause = ErrLaunchTimeout
	case <-ctx.Done():
		cause = ctx.Err()
	}

	logger.Warn("script did not finish, sending SIGTERM", "script", run.script, "reason", cause)
	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		logger.Error("failed to send SIGTERM", "error", err)
	}

	grace := time.NewTimer(terminationGracePeriod)
	defer grace.Stop()

	select {
	case <-waitErr:
		logger.Info("script exited after SIGTERM", "script", run.script)
	case <-grace.C:
		logger.Warn("script did not exit after SIGTERM, sending SIGKILL", "script", run.script)
		if err := cmd.Process.Kill(); err != nil {
			logger.Error("failed to send SIGKILL", "error", err)
		}
		<-waitErr
	}

	return truncateOutput(output.String()), fmt.Errorf("%s: %w", run.script, cause)
}

// parseNativeJobID returns the last output line made only of digits.
func parseNativeJobID(output string) string {
	var id string
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if nativeJobIDPattern.MatchString(line) {
			id = line
		}
	}
	return id
}

func truncateOutput(s string) string {
	if len(s) <= maxOutputBytes {
		return s
	}
	return s[len(s)-maxOutputBytes:]
}
