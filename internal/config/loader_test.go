package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		env     map[string]string
		wantErr string
		checkFn func(t *testing.T, cfg *Config)
	}{
		{
			name: "minimal valid config",
			yaml: `
agent:
  id: agent-1
  url: https://fleet.example.com
  token: secret
`,
			checkFn: func(t *testing.T, cfg *Config) {
				if cfg.Agent.ID != "agent-1" {
					t.Errorf("agent.id = %q", cfg.Agent.ID)
				}
				if cfg.Agent.HeartbeatInterval != 30*time.Second {
					t.Errorf("default heartbeat not applied: %v", cfg.Agent.HeartbeatInterval)
				}
				if cfg.State.Backend != "memory" {
					t.Errorf("state.backend = %q, want memory", cfg.State.Backend)
				}
				if !filepath.IsAbs(cfg.Execution.WorkDir) {
					t.Errorf("work_dir not absolute: %s", cfg.Execution.WorkDir)
				}
				if cfg.Execution.SharedDir != filepath.Join(cfg.Execution.WorkDir, "shared") {
					t.Errorf("shared_dir = %s", cfg.Execution.SharedDir)
				}
				if cfg.Execution.SubmitScript != filepath.Join(cfg.Execution.ScriptsDir, "submit_headnode.sh") {
					t.Errorf("submit_script = %s", cfg.Execution.SubmitScript)
				}
				if cfg.API.Endpoint != "http://127.0.0.1:8080" {
					t.Errorf("api.endpoint = %s", cfg.API.Endpoint)
				}
				if cfg.Credentials.STSEndpoint != "https://sts.us-east-1.amazonaws.com" {
					t.Errorf("sts_endpoint = %s", cfg.Credentials.STSEndpoint)
				}
				if cfg.SourcePath == "" {
					t.Error("SourcePath not recorded")
				}
			},
		},
		{
			name: "durations and explicit values",
			yaml: `
agent:
  id: agent-1
  url: https://fleet.example.com
  heartbeat_interval: 45s
  watch_interval: 1m
service:
  log_level: DEBUG
  log_format: console
api:
  listen: 127.0.0.1:9090
  endpoint: http://headnode:9090/
execution:
  work_dir: /srv/work
  scripts_dir: /opt/scripts
  submit_script: /usr/local/bin/submit.sh
  require_native_job_id: true
state:
  backend: sqlite
  path: /var/lib/agent/state.db
credentials:
  region: cn-north-1
  partition: aws-cn
`,
			checkFn: func(t *testing.T, cfg *Config) {
				if cfg.Agent.HeartbeatInterval != 45*time.Second || cfg.Agent.WatchInterval != time.Minute {
					t.Errorf("intervals = %v/%v", cfg.Agent.HeartbeatInterval, cfg.Agent.WatchInterval)
				}
				if cfg.Service.LogLevel != "debug" {
					t.Errorf("log_level not normalised: %q", cfg.Service.LogLevel)
				}
				if cfg.API.Endpoint != "http://headnode:9090" {
					t.Errorf("api.endpoint = %s", cfg.API.Endpoint)
				}
				if cfg.Execution.SubmitScript != "/usr/local/bin/submit.sh" {
					t.Errorf("absolute submit_script rewritten: %s", cfg.Execution.SubmitScript)
				}
				if cfg.Execution.StopScript != "/opt/scripts/stop_headnode.sh" {
					t.Errorf("stop_script = %s", cfg.Execution.StopScript)
				}
				if !cfg.Execution.RequireNativeJobID {
					t.Error("require_native_job_id not parsed")
				}
				if cfg.Credentials.STSEndpoint != "https://sts.cn-north-1.amazonaws.com.cn" {
					t.Errorf("sts_endpoint = %s", cfg.Credentials.STSEndpoint)
				}
			},
		},
		{
			name: "env overrides file",
			yaml: `
agent:
  id: from-file
  url: https://file.example.com
`,
			env: map[string]string{
				"FLEET_AGENT_ID":                 "from-env",
				"FLEET_AGENT_HEARTBEAT_INTERVAL": "15",
				"FLEET_AGENT_WATCH_INTERVAL":     "hourly",
			},
			checkFn: func(t *testing.T, cfg *Config) {
				if cfg.Agent.ID != "from-env" {
					t.Errorf("agent.id = %q, want from-env", cfg.Agent.ID)
				}
				if cfg.Agent.URL != "https://file.example.com" {
					t.Errorf("agent.url = %q", cfg.Agent.URL)
				}
				if cfg.Agent.HeartbeatInterval != 15*time.Second {
					t.Errorf("heartbeat = %v, want 15s", cfg.Agent.HeartbeatInterval)
				}
				if cfg.Agent.WatchInterval != time.Hour {
					t.Errorf("watch = %v, want 1h", cfg.Agent.WatchInterval)
				}
			},
		},
		{
			name: "interpolated token",
			yaml: `
agent:
  id: agent-1
  url: https://fleet.example.com
  token: ${TEST_FLEET_TOKEN}
`,
			env: map[string]string{"TEST_FLEET_TOKEN": "s3cret"},
			checkFn: func(t *testing.T, cfg *Config) {
				if cfg.Agent.Token != "s3cret" {
					t.Errorf("agent.token = %q", cfg.Agent.Token)
				}
			},
		},
		{
			name: "unset token variable",
			yaml: `
agent:
  id: agent-1
  url: https://fleet.example.com
  token: ${TEST_FLEET_TOKEN_UNSET}
`,
			wantErr: "TEST_FLEET_TOKEN_UNSET",
		},
		{
			name:    "missing url",
			yaml:    "agent:\n  id: agent-1\n",
			wantErr: "agent.url is required",
		},
		{
			name:    "missing id",
			yaml:    "agent:\n  url: https://fleet.example.com\n",
			wantErr: "agent.id is required",
		},
		{
			name:    "unknown field",
			yaml:    "agent:\n  id: a\n  url: https://x\n  plugins: {}\n",
			wantErr: "failed to parse",
		},
		{
			name: "bad env interval",
			yaml: "agent:\n  id: a\n  url: https://x\n",
			env:  map[string]string{"FLEET_AGENT_WATCH_INTERVAL": "soon"},
			wantErr: "FLEET_AGENT_WATCH_INTERVAL",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			tmpDir := t.TempDir()
			configPath := filepath.Join(tmpDir, "agent-config.yml")
			if err := os.WriteFile(configPath, []byte(tt.yaml), 0600); err != nil {
				t.Fatal(err)
			}

			cfg, err := Load(configPath)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("Load() error = %v, want containing %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Load() failed: %v", err)
			}
			tt.checkFn(t, cfg)
		})
	}
}

func TestLoadFromEnvOnly(t *testing.T) {
	t.Setenv("FLEET_AGENT_URL", "https://fleet.example.com")
	t.Setenv("FLEET_AGENT_ID", "env-agent")
	t.Setenv("FLEET_AGENT_WORK_DIR", "~/fleet-work")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load(\"\") failed: %v", err)
	}
	if cfg.SourcePath != "" {
		t.Errorf("SourcePath = %q, want empty", cfg.SourcePath)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	if cfg.Execution.WorkDir != filepath.Join(home, "fleet-work") {
		t.Errorf("work_dir = %s, want expanded home", cfg.Execution.WorkDir)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yml"))
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("Load() error = %v, want not found", err)
	}
}

func TestLoadVerifiesLockedConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "agent-config.yml")
	content := "agent:\n  id: agent-1\n  url: https://fleet.example.com\n"
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := GenerateChecksumsWithReport(tmpDir, []string{"agent-config.yml"}, false); err != nil {
		t.Fatal(err)
	}

	if _, err := Load(configPath); err != nil {
		t.Fatalf("Load() of locked config failed: %v", err)
	}

	if err := os.WriteFile(configPath, []byte(content+"  token: injected\n"), 0600); err != nil {
		t.Fatal(err)
	}
	_, err := Load(configPath)
	if err == nil || !strings.Contains(err.Error(), "hash mismatch") {
		t.Fatalf("Load() error = %v, want hash mismatch", err)
	}
}

func TestDiscover(t *testing.T) {
	dir := t.TempDir()
	flagFile := filepath.Join(dir, "flag.yml")
	envFile := filepath.Join(dir, "env.yml")
	for _, f := range []string{flagFile, envFile} {
		if err := os.WriteFile(f, []byte("agent: {}\n"), 0600); err != nil {
			t.Fatal(err)
		}
	}

	t.Setenv("FLEET_AGENT_CONFIG", envFile)
	if got, err := Discover(flagFile); err != nil || got != flagFile {
		t.Fatalf("Discover(flag) = %q, %v", got, err)
	}
	if got, err := Discover(""); err != nil || got != envFile {
		t.Fatalf("Discover(env) = %q, %v", got, err)
	}
	if _, err := Discover(filepath.Join(dir, "missing.yml")); err == nil {
		t.Fatal("Discover() with a missing flag path should fail")
	}

	t.Setenv("FLEET_AGENT_CONFIG", "")
	t.Chdir(dir)
	if got, err := Discover(""); err != nil || got != "" {
		t.Fatalf("Discover() with nothing = %q, %v", got, err)
	}
}

func TestInterpolateEnv(t *testing.T) {
	tests := []struct {
		name  string
		input string
		env   map[string]string
		want  string
	}{
		{
			name:  "simple replacement",
			input: "work_dir: ${TEST_BASE}/work",
			env:   map[string]string{"TEST_BASE": "/srv"},
			want:  "work_dir: /srv/work",
		},
		{
			name:  "multiple vars",
			input: "${TEST_SCHEME}://${TEST_HOST}",
			env:   map[string]string{"TEST_SCHEME": "https", "TEST_HOST": "fleet"},
			want:  "https://fleet",
		},
		{
			name:  "undefined var unchanged",
			input: "token: ${TEST_UNDEFINED_VAR}",
			want:  "token: ${TEST_UNDEFINED_VAR}",
		},
		{
			name:  "no vars",
			input: "plain text",
			want:  "plain text",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			if got := interpolateEnv(tt.input); got != tt.want {
				t.Errorf("interpolateEnv() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestParseInterval(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    time.Duration
		wantErr bool
	}{
		{"go duration", "5m", 5 * time.Minute, false},
		{"seconds", "30", 30 * time.Second, false},
		{"hourly", "hourly", time.Hour, false},
		{"daily", "daily", 24 * time.Hour, false},
		{"weekly", "weekly", 7 * 24 * time.Hour, false},
		{"invalid", "invalid", 0, true},
		{"negative", "-5m", 0, true},
		{"zero seconds", "0", 0, true},
		{"zero", "0s", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseInterval(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseInterval() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if got != tt.want {
				t.Errorf("ParseInterval() = %v, want %v", got, tt.want)
			}
		})
	}
}

func validConfig() *Config {
	cfg := Defaults()
	cfg.Agent.ID = "agent-1"
	cfg.Agent.URL = "https://fleet.example.com"
	cfg.API.Endpoint = "http://127.0.0.1:8080"
	return cfg
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid config", func(*Config) {}, false},
		{"bad url scheme", func(c *Config) { c.Agent.URL = "ftp://x" }, true},
		{"bad log level", func(c *Config) { c.Service.LogLevel = "verbose" }, true},
		{"bad log format", func(c *Config) { c.Service.LogFormat = "xml" }, true},
		{"bad backend", func(c *Config) { c.State.Backend = "postgres" }, true},
		{"zero heartbeat", func(c *Config) { c.Agent.HeartbeatInterval = 0 }, true},
		{"negative jitter", func(c *Config) { c.Agent.WatchJitter = -time.Second }, true},
		{"lifetime too short", func(c *Config) { c.Credentials.Lifetime = time.Minute }, true},
		{"refresh margin too long", func(c *Config) { c.Credentials.RefreshMargin = 2 * time.Hour }, true},
		{"unset secret", func(c *Config) { c.Auth.TokenSecret = "${NOPE}" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := validate(cfg)
			if (err != nil) != tt.wantErr {
				t.Errorf("validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
