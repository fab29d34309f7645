package config

import "time"

// Config represents the complete fleet-agent configuration.
type Config struct {
	Agent       AgentConfig       `yaml:"agent"`
	Service     ServiceConfig     `yaml:"service"`
	API         APIConfig         `yaml:"api"`
	Execution   ExecutionConfig   `yaml:"execution"`
	State       StateConfig       `yaml:"state"`
	Auth        AuthConfig        `yaml:"auth"`
	Credentials CredentialsConfig `yaml:"credentials"`

	// SourcePath is the file the config was loaded from, empty when the
	// agent runs from environment variables alone.
	SourcePath string `yaml:"-"`
}

// AgentConfig identifies the agent to the orchestration service.
type AgentConfig struct {
	ID                string        `yaml:"id"`
	URL               string        `yaml:"url"`
	Token             string        `yaml:"token"`
	UserAgent         string        `yaml:"user_agent"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	WatchInterval     time.Duration `yaml:"watch_interval"`
	WatchJitter       time.Duration `yaml:"watch_jitter"`
}

// ServiceConfig defines process-level settings.
type ServiceConfig struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	PIDFile   string `yaml:"pid_file"`
}

// APIConfig defines the local callback API listener.
type APIConfig struct {
	Listen string `yaml:"listen"`
	// Endpoint is the URL jobs use to reach the API. Derived from Listen
	// when empty.
	Endpoint string `yaml:"endpoint"`
}

// ExecutionConfig defines where executions run and how they are launched.
type ExecutionConfig struct {
	WorkDir            string        `yaml:"work_dir"`
	SharedDir          string        `yaml:"shared_dir"`
	ScriptsDir         string        `yaml:"scripts_dir"`
	SubmitScript       string        `yaml:"submit_script"`
	StopScript         string        `yaml:"stop_script"`
	LaunchTimeout      time.Duration `yaml:"launch_timeout"`
	RequireNativeJobID bool          `yaml:"require_native_job_id"`
	Retention          time.Duration `yaml:"retention"`
	CleanupInterval    time.Duration `yaml:"cleanup_interval"`
}

// StateConfig defines execution record storage.
type StateConfig struct {
	// Backend is "memory" or "sqlite".
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`
}

// AuthConfig defines execution token settings.
type AuthConfig struct {
	// TokenSecret keys execution tokens. Empty means a random per-process key,
	// which invalidates outstanding tokens on restart.
	TokenSecret string        `yaml:"token_secret"`
	TokenTTL    time.Duration `yaml:"token_ttl"`
}

// CredentialsConfig defines how scoped storage credentials are issued.
type CredentialsConfig struct {
	STSEndpoint    string        `yaml:"sts_endpoint"`
	Region         string        `yaml:"region"`
	Partition      string        `yaml:"partition"`
	DefaultRoleARN string        `yaml:"default_role_arn"`
	Lifetime       time.Duration `yaml:"lifetime"`
	GracePeriod    time.Duration `yaml:"grace_period"`
	RefreshMargin  time.Duration `yaml:"refresh_margin"`
	AllowKMS       bool          `yaml:"allow_kms"`
	AllowImagePull bool          `yaml:"allow_image_pull"`
	CrossAccountID string        `yaml:"cross_account_id"`
}

// Defaults returns a Config with default values.
func Defaults() *Config {
	return &Config{
		Agent: AgentConfig{
			HeartbeatInterval: 30 * time.Second,
			WatchInterval:     10 * time.Second,
			WatchJitter:       2 * time.Second,
		},
		Service: ServiceConfig{
			LogLevel:  "info",
			LogFormat: "json",
			PIDFile:   "./data/fleet-agent.pid",
		},
		API: APIConfig{
			Listen: "127.0.0.1:8080",
		},
		Execution: ExecutionConfig{
			WorkDir:         "./work",
			ScriptsDir:      "./scripts",
			SubmitScript:    "submit_headnode.sh",
			StopScript:      "stop_headnode.sh",
			LaunchTimeout:   10 * time.Second,
			Retention:       7 * 24 * time.Hour,
			CleanupInterval: 24 * time.Hour,
		},
		State: StateConfig{
			Backend: "memory",
			Path:    "./data/executions.db",
		},
		Auth: AuthConfig{
			TokenTTL: 7 * 24 * time.Hour,
		},
		Credentials: CredentialsConfig{
			Region:        "us-east-1",
			Partition:     "aws",
			Lifetime:      time.Hour,
			GracePeriod:   30 * time.Second,
			RefreshMargin: 5 * time.Minute,
		},
	}
}
