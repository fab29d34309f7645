package main

import (
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/mattjoyce/fleet-agent/internal/execution"
	"github.com/mattjoyce/fleet-agent/internal/state"
)

func captureOutputWithExitCode(t *testing.T, run func() int) (int, string, string) {
	t.Helper()

	oldStdout := os.Stdout
	oldStderr := os.Stderr

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe stdout failed: %v", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe stderr failed: %v", err)
	}

	os.Stdout = stdoutW
	os.Stderr = stderrW

	code := run()

	_ = stdoutW.Close()
	_ = stderrW.Close()
	os.Stdout = oldStdout
	os.Stderr = oldStderr

	stdoutBytes, _ := io.ReadAll(stdoutR)
	stderrBytes, _ := io.ReadAll(stderrR)

	_ = stdoutR.Close()
	_ = stderrR.Close()

	return code, string(stdoutBytes), string(stderrBytes)
}

// writeAgentHome lays out a config, work dir and scripts under a temp dir
// and returns the config path.
func writeAgentHome(t *testing.T, extra string) string {
	t.Helper()
	root := t.TempDir()
	for _, dir := range []string{"work", "scripts"} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	for _, name := range []string{"submit_headnode.sh", "stop_headnode.sh"} {
		if err := os.WriteFile(filepath.Join(root, "scripts", name), []byte("#!/bin/sh\necho 7\n"), 0o755); err != nil {
			t.Fatal(err)
		}
	}

	configPath := filepath.Join(root, "agent-config.yml")
	configYAML := `
agent:
  id: agent-test
  url: https://fleet.example.com
  token: secret
execution:
  work_dir: ` + filepath.Join(root, "work") + `
  scripts_dir: ` + filepath.Join(root, "scripts") + `
service:
  pid_file: ` + filepath.Join(root, "data", "agent.pid") + `
` + extra
	if err := os.WriteFile(configPath, []byte(configYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	return configPath
}

func TestRunCLIUsage(t *testing.T) {
	code, _, stderr := captureOutputWithExitCode(t, func() int { return runCLI(nil) })
	if code != 1 || !strings.Contains(stderr, "Usage:") {
		t.Fatalf("runCLI(nil) = %d, stderr: %s", code, stderr)
	}

	code, stdout, _ := captureOutputWithExitCode(t, func() int { return runCLI([]string{"help"}) })
	if code != 0 || !strings.Contains(stdout, "executions list") {
		t.Fatalf("runCLI(help) = %d, stdout: %s", code, stdout)
	}

	code, _, stderr = captureOutputWithExitCode(t, func() int { return runCLI([]string{"bogus"}) })
	if code != 1 || !strings.Contains(stderr, "Unknown command: bogus") {
		t.Fatalf("runCLI(bogus) = %d, stderr: %s", code, stderr)
	}
}

func TestRunVersionJSON(t *testing.T) {
	code, stdout, stderr := captureOutputWithExitCode(t, func() int { return runCLI([]string{"version", "--json"}) })
	if code != 0 {
		t.Fatalf("version --json code = %d, stderr: %s", code, stderr)
	}
	var info versionInfo
	if err := json.Unmarshal([]byte(stdout), &info); err != nil {
		t.Fatalf("version output is not JSON: %v\n%s", err, stdout)
	}
	if info.Version != version {
		t.Fatalf("version = %q, want %q", info.Version, version)
	}
}

func TestShortenCommit(t *testing.T) {
	if got := shortenCommit("0123456789abcdef"); got != "0123456789ab" {
		t.Fatalf("shortenCommit() = %q", got)
	}
	if got := shortenCommit("abc"); got != "abc" {
		t.Fatalf("shortenCommit() = %q", got)
	}
}

func TestRunConfigLockVerboseDryRun(t *testing.T) {
	configPath := writeAgentHome(t, "")

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"config", "lock", "--config", configPath, "-v", "--dry-run"})
	})
	if code != 0 {
		t.Fatalf("config lock code = %d, stderr: %s", code, stderr)
	}

	hashPattern := regexp.MustCompile(`HASH agent-config\.yml: [a-f0-9]{64}`)
	if !hashPattern.MatchString(stdout) {
		t.Fatalf("stdout missing config hash: %s", stdout)
	}
	if !strings.Contains(stdout, "submit_headnode.sh") || !strings.Contains(stdout, "Dry run") {
		t.Fatalf("stdout missing script hash or dry-run line: %s", stdout)
	}
	if _, err := os.Stat(filepath.Join(filepath.Dir(configPath), ".checksums")); !os.IsNotExist(err) {
		t.Fatal(".checksums should not be written in dry-run mode")
	}
}

func TestRunConfigLockRelocksEditedConfig(t *testing.T) {
	configPath := writeAgentHome(t, "")

	code, _, stderr := captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"config", "lock", "--config", configPath})
	})
	if code != 0 {
		t.Fatalf("first lock code = %d, stderr: %s", code, stderr)
	}

	f, err := os.OpenFile(configPath, os.O_APPEND|os.O_WRONLY, 0)
	if err != nil {
		t.Fatal(err)
	}
	_, _ = f.WriteString("api:\n  listen: 127.0.0.1:9191\n")
	_ = f.Close()

	code, _, stderr = captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"config", "check", "--config", configPath})
	})
	if code != 1 || !strings.Contains(stderr, "hash mismatch") {
		t.Fatalf("check after edit = %d, stderr: %s", code, stderr)
	}

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"config", "lock", "--config", configPath})
	})
	if code != 0 || !strings.Contains(stdout, "Locked configuration") {
		t.Fatalf("relock code = %d, stdout: %s, stderr: %s", code, stdout, stderr)
	}

	code, stdout, stderr = captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"config", "check", "--config", configPath, "--json"})
	})
	if code != 0 {
		t.Fatalf("check after relock = %d, stdout: %s, stderr: %s", code, stdout, stderr)
	}
	if !strings.Contains(stdout, `"valid": true`) {
		t.Fatalf("check output: %s", stdout)
	}
}

func TestRunConfigCheckMissingWorkDir(t *testing.T) {
	configPath := writeAgentHome(t, "")
	if err := os.RemoveAll(filepath.Join(filepath.Dir(configPath), "work")); err != nil {
		t.Fatal(err)
	}

	code, stdout, _ := captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"config", "check", "--config", configPath})
	})
	if code != 1 || !strings.Contains(stdout, "does not exist") {
		t.Fatalf("check code = %d, stdout: %s", code, stdout)
	}
}

func TestRunStartMissingURLFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent-config.yml")
	if err := os.WriteFile(path, []byte("agent:\n  id: a\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	code, _, stderr := captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"start", "--config", path})
	})
	if code != 1 {
		t.Fatalf("start code = %d, want 1", code)
	}
	if !strings.HasPrefix(stderr, "fleet-agent: ") || !strings.Contains(stderr, "agent.url is required") {
		t.Fatalf("stderr = %q", stderr)
	}
}

func TestRunStartMissingWorkDirFails(t *testing.T) {
	configPath := writeAgentHome(t, "")
	if err := os.RemoveAll(filepath.Join(filepath.Dir(configPath), "work")); err != nil {
		t.Fatal(err)
	}

	code, _, stderr := captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"start", "--config", configPath})
	})
	if code != 1 || !strings.Contains(stderr, "work directory") {
		t.Fatalf("start code = %d, stderr = %q", code, stderr)
	}
	if _, err := os.Stat(filepath.Join(filepath.Dir(configPath), "work")); !os.IsNotExist(err) {
		t.Fatal("start must not create the work directory")
	}
}

func TestRunStartUnreachableServiceFails(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	configPath := writeAgentHome(t, "")
	t.Setenv("FLEET_AGENT_URL", url)
	t.Setenv("FLEET_AGENT_API_LISTEN", "127.0.0.1:0")

	code, _, stderr := captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"start", "--config", configPath})
	})
	if code != 1 || !strings.Contains(stderr, "failed to reach") {
		t.Fatalf("start code = %d, stderr = %q", code, stderr)
	}
}

// The callback API is bound before the service is contacted, so a busy
// listen address fails startup even when the service is down too.
func TestRunStartBindsAPIBeforeConnecting(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer busy.Close()

	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	configPath := writeAgentHome(t, "")
	t.Setenv("FLEET_AGENT_URL", url)
	t.Setenv("FLEET_AGENT_API_LISTEN", busy.Addr().String())

	code, _, stderr := captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"start", "--config", configPath})
	})
	if code != 1 || !strings.Contains(stderr, "listen on "+busy.Addr().String()) {
		t.Fatalf("start code = %d, stderr = %q", code, stderr)
	}
	if strings.Contains(stderr, "failed to reach") {
		t.Fatalf("service contacted before the API was bound: %q", stderr)
	}
}

func TestRunExecutionsList(t *testing.T) {
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/executions" {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode([]execution.Summary{
			{DatasetID: "ds-1", ProjectID: "p-1", Status: state.StatusRunning, NativeJobID: "4242", CreatedAt: created, ElapsedSeconds: 90},
			{DatasetID: "ds-2", ProjectID: "p-1", Status: state.StatusPending, CreatedAt: created},
		})
	}))
	defer srv.Close()

	var out strings.Builder
	code := runExecutionsList([]string{"--endpoint", srv.URL}, &out)
	if code != 0 {
		t.Fatalf("list code = %d", code)
	}
	table := out.String()
	for _, want := range []string{"DATASET", "ds-1", "RUNNING", "4242", "1m30s", "ds-2", "PENDING"} {
		if !strings.Contains(table, want) {
			t.Fatalf("table missing %q:\n%s", want, table)
		}
	}

	out.Reset()
	if code := runExecutionsList([]string{"--endpoint", srv.URL, "--json"}, &out); code != 0 {
		t.Fatalf("list --json code = %d", code)
	}
	var list []execution.Summary
	if err := json.Unmarshal([]byte(out.String()), &list); err != nil || len(list) != 2 {
		t.Fatalf("json output = %s, err = %v", out.String(), err)
	}
}

func TestRunExecutionsListServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
	}))
	defer srv.Close()

	var out strings.Builder
	code, _, stderr := captureOutputWithExitCode(t, func() int {
		return runExecutionsList([]string{"--endpoint", srv.URL}, &out)
	})
	if code != 1 || !strings.Contains(stderr, "500") {
		t.Fatalf("list code = %d, stderr = %q", code, stderr)
	}
}

func TestRenderExecutionsEmpty(t *testing.T) {
	if got := renderExecutions(nil, newTheme()); !strings.Contains(got, "No executions") {
		t.Fatalf("renderExecutions(nil) = %q", got)
	}
}
