package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "FLEET_AGENT_"

// DefaultConfigFile is looked up in the working directory when no path is given.
const DefaultConfigFile = "agent-config.yml"

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads configuration from configPath, applies FLEET_AGENT_* overrides
// and defaults, resolves paths and validates the result. An empty
// configPath loads from the environment alone.
func Load(configPath string) (*Config, error) {
	return load(configPath, true)
}

// LoadUnverified is Load without the checksum check, for re-locking a
// config that was edited on purpose.
func LoadUnverified(configPath string) (*Config, error) {
	return load(configPath, false)
}

func load(configPath string, verify bool) (*Config, error) {
	cfg := &Config{}

	if configPath != "" {
		absPath, err := filepath.Abs(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
		}
		if verify {
			if err := verifyConfigHash(absPath); err != nil {
				return nil, err
			}
		}
		if cfg, err = loadConfigFile(absPath); err != nil {
			return nil, err
		}
		cfg.SourcePath = absPath
	}

	if err := applyEnvOverrides(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	cfg = applyConfigDefaults(cfg)

	if err := resolvePaths(cfg); err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Discover picks the config file to load: the --config flag, then
// $FLEET_AGENT_CONFIG, then ./agent-config.yml. It returns "" when none is
// set and the default file does not exist.
func Discover(flagPath string) (string, error) {
	if flagPath != "" {
		if _, err := os.Stat(flagPath); err != nil {
			return "", fmt.Errorf("config file not found: %s", flagPath)
		}
		return flagPath, nil
	}
	if envPath := os.Getenv(EnvPrefix + "CONFIG"); envPath != "" {
		if _, err := os.Stat(envPath); err != nil {
			return "", fmt.Errorf("config file from $%sCONFIG not found: %s", EnvPrefix, envPath)
		}
		return envPath, nil
	}
	if _, err := os.Stat(DefaultConfigFile); err == nil {
		return DefaultConfigFile, nil
	}
	return "", nil
}

func loadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("config file not found: %s\n"+
				"Hint: Check the path or run with --config flag", path)
		}
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var cfg Config
	dec := yaml.NewDecoder(strings.NewReader(interpolateEnv(string(data))))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return &cfg, nil
}

// verifyConfigHash checks the config file against a .checksums manifest in
// its directory. A directory without a manifest is not verified.
func verifyConfigHash(path string) error {
	dir := filepath.Dir(path)
	manifest, err := LoadChecksums(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}

	expectedHash, ok := manifest.Lookup(dir, path)
	if !ok {
		return fmt.Errorf("config file %s has no hash in checksums at %s\n"+
			"Run: fleet-agent config lock --config %s", filepath.Base(path), dir, path)
	}
	if err := VerifyFileHash(path, expectedHash); err != nil {
		return fmt.Errorf("config verification failed for %s: %w\n"+
			"If you edited this file intentionally, run: fleet-agent config lock --config %s", path, err, path)
	}
	return nil
}

// LookupFunc matches os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// applyEnvOverrides applies FLEET_AGENT_* variables on top of file values.
func applyEnvOverrides(cfg *Config, lookup LookupFunc) error {
	strs := map[string]*string{
		"URL":           &cfg.Agent.URL,
		"ID":            &cfg.Agent.ID,
		"TOKEN":         &cfg.Agent.Token,
		"USER_AGENT":    &cfg.Agent.UserAgent,
		"LOG_LEVEL":     &cfg.Service.LogLevel,
		"LOG_FORMAT":    &cfg.Service.LogFormat,
		"PID_FILE":      &cfg.Service.PIDFile,
		"API_LISTEN":    &cfg.API.Listen,
		"API_ENDPOINT":  &cfg.API.Endpoint,
		"WORK_DIR":      &cfg.Execution.WorkDir,
		"SHARED_DIR":    &cfg.Execution.SharedDir,
		"SCRIPTS_DIR":   &cfg.Execution.ScriptsDir,
		"STATE_BACKEND": &cfg.State.Backend,
		"STATE_PATH":    &cfg.State.Path,
		"TOKEN_SECRET":  &cfg.Auth.TokenSecret,
		"STS_ENDPOINT":  &cfg.Credentials.STSEndpoint,
		"REGION":        &cfg.Credentials.Region,
	}
	for suffix, dst := range strs {
		if v, ok := lookup(EnvPrefix + suffix); ok && v != "" {
			*dst = v
		}
	}

	durations := map[string]*time.Duration{
		"HEARTBEAT_INTERVAL": &cfg.Agent.HeartbeatInterval,
		"WATCH_INTERVAL":     &cfg.Agent.WatchInterval,
		"LAUNCH_TIMEOUT":     &cfg.Execution.LaunchTimeout,
		"RETENTION":          &cfg.Execution.Retention,
	}
	for suffix, dst := range durations {
		v, ok := lookup(EnvPrefix + suffix)
		if !ok || v == "" {
			continue
		}
		d, err := ParseInterval(v)
		if err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, suffix, err)
		}
		*dst = d
	}

	if v, ok := lookup(EnvPrefix + "REQUIRE_NATIVE_JOB_ID"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%sREQUIRE_NATIVE_JOB_ID: %w", EnvPrefix, err)
		}
		cfg.Execution.RequireNativeJobID = b
	}
	return nil
}

// applyConfigDefaults merges default values into config where not explicitly set.
func applyConfigDefaults(cfg *Config) *Config {
	defaults := Defaults()

	if cfg.Agent.HeartbeatInterval == 0 {
		cfg.Agent.HeartbeatInterval = defaults.Agent.HeartbeatInterval
	}
	if cfg.Agent.WatchInterval == 0 {
		cfg.Agent.WatchInterval = defaults.Agent.WatchInterval
	}
	if cfg.Agent.WatchJitter == 0 {
		cfg.Agent.WatchJitter = defaults.Agent.WatchJitter
	}

	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = defaults.Service.LogLevel
	}
	cfg.Service.LogLevel = strings.ToLower(cfg.Service.LogLevel)
	if cfg.Service.LogFormat == "" {
		cfg.Service.LogFormat = defaults.Service.LogFormat
	}
	if cfg.Service.PIDFile == "" {
		cfg.Service.PIDFile = defaults.Service.PIDFile
	}

	if cfg.API.Listen == "" {
		cfg.API.Listen = defaults.API.Listen
	}

	if cfg.Execution.WorkDir == "" {
		cfg.Execution.WorkDir = defaults.Execution.WorkDir
	}
	if cfg.Execution.ScriptsDir == "" {
		cfg.Execution.ScriptsDir = defaults.Execution.ScriptsDir
	}
	if cfg.Execution.SubmitScript == "" {
		cfg.Execution.SubmitScript = defaults.Execution.SubmitScript
	}
	if cfg.Execution.StopScript == "" {
		cfg.Execution.StopScript = defaults.Execution.StopScript
	}
	if cfg.Execution.LaunchTimeout == 0 {
		cfg.Execution.LaunchTimeout = defaults.Execution.LaunchTimeout
	}
	if cfg.Execution.Retention == 0 {
		cfg.Execution.Retention = defaults.Execution.Retention
	}
	if cfg.Execution.CleanupInterval == 0 {
		cfg.Execution.CleanupInterval = defaults.Execution.CleanupInterval
	}

	if cfg.State.Backend == "" {
		cfg.State.Backend = defaults.State.Backend
	}
	if cfg.State.Path == "" {
		cfg.State.Path = defaults.State.Path
	}

	if cfg.Auth.TokenTTL == 0 {
		cfg.Auth.TokenTTL = defaults.Auth.TokenTTL
	}

	if cfg.Credentials.Region == "" {
		cfg.Credentials.Region = defaults.Credentials.Region
	}
	if cfg.Credentials.Partition == "" {
		cfg.Credentials.Partition = defaults.Credentials.Partition
	}
	if cfg.Credentials.STSEndpoint == "" {
		cfg.Credentials.STSEndpoint = stsEndpoint(cfg.Credentials.Partition, cfg.Credentials.Region)
	}
	if cfg.Credentials.Lifetime == 0 {
		cfg.Credentials.Lifetime = defaults.Credentials.Lifetime
	}
	if cfg.Credentials.GracePeriod == 0 {
		cfg.Credentials.GracePeriod = defaults.Credentials.GracePeriod
	}
	if cfg.Credentials.RefreshMargin == 0 {
		cfg.Credentials.RefreshMargin = defaults.Credentials.RefreshMargin
	}

	return cfg
}

func stsEndpoint(partition, region string) string {
	if partition == "aws-cn" {
		return fmt.Sprintf("https://sts.%s.amazonaws.com.cn", region)
	}
	return fmt.Sprintf("https://sts.%s.amazonaws.com", region)
}

// resolvePaths expands "~" and makes every filesystem path absolute.
// Relative paths resolve against the working directory, except the submit
// and stop scripts, which resolve against scripts_dir.
func resolvePaths(cfg *Config) error {
	var err error
	abs := func(p string) string {
		if err != nil || p == "" {
			return p
		}
		var out string
		out, err = absPath(p)
		return out
	}

	cfg.Execution.WorkDir = abs(cfg.Execution.WorkDir)
	if cfg.Execution.SharedDir == "" && err == nil {
		cfg.Execution.SharedDir = filepath.Join(cfg.Execution.WorkDir, "shared")
	}
	cfg.Execution.SharedDir = abs(cfg.Execution.SharedDir)
	cfg.Execution.ScriptsDir = abs(cfg.Execution.ScriptsDir)
	cfg.Service.PIDFile = abs(cfg.Service.PIDFile)
	cfg.State.Path = abs(cfg.State.Path)
	if err != nil {
		return fmt.Errorf("failed to resolve path: %w", err)
	}

	for _, script := range []*string{&cfg.Execution.SubmitScript, &cfg.Execution.StopScript} {
		p := expandHome(*script)
		if !filepath.IsAbs(p) {
			p = filepath.Join(cfg.Execution.ScriptsDir, p)
		}
		*script = filepath.Clean(p)
	}

	if cfg.API.Endpoint == "" {
		endpoint, err := endpointFromListen(cfg.API.Listen)
		if err != nil {
			return err
		}
		cfg.API.Endpoint = endpoint
	}
	cfg.API.Endpoint = strings.TrimRight(cfg.API.Endpoint, "/")
	return nil
}

func expandHome(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~"))
}

func absPath(p string) (string, error) {
	return filepath.Abs(expandHome(p))
}

// endpointFromListen derives the URL jobs call back on. A wildcard listen
// address is advertised under the host name so jobs on other nodes can
// reach it.
func endpointFromListen(listen string) (string, error) {
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return "", fmt.Errorf("api.listen %q: %w", listen, err)
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		name, err := os.Hostname()
		if err != nil || name == "" {
			name = "localhost"
		}
		host = name
	}
	return "http://" + net.JoinHostPort(host, port), nil
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is (not expanded).
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		// If not found, leave the placeholder (will fail validation if required)
		return match
	})
}

// validate performs basic validation on the configuration.
func validate(cfg *Config) error {
	if cfg.Agent.URL == "" {
		return fmt.Errorf("agent.url is required (or set %sURL)", EnvPrefix)
	}
	u, err := url.Parse(cfg.Agent.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("agent.url must be an http(s) URL (got %q)", cfg.Agent.URL)
	}
	if cfg.Agent.ID == "" {
		return fmt.Errorf("agent.id is required (or set %sID)", EnvPrefix)
	}

	for field, value := range map[string]string{
		"agent.token":       cfg.Agent.Token,
		"auth.token_secret": cfg.Auth.TokenSecret,
	} {
		if matches := envVarPattern.FindStringSubmatch(value); len(matches) > 1 {
			return fmt.Errorf("%s: environment variable ${%s} is not set", field, matches[1])
		}
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.Service.LogLevel] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}
	if cfg.Service.LogFormat != "json" && cfg.Service.LogFormat != "console" {
		return fmt.Errorf("service.log_format must be json or console (got %q)", cfg.Service.LogFormat)
	}

	if cfg.State.Backend != "memory" && cfg.State.Backend != "sqlite" {
		return fmt.Errorf("state.backend must be memory or sqlite (got %q)", cfg.State.Backend)
	}

	positive := map[string]time.Duration{
		"agent.heartbeat_interval":   cfg.Agent.HeartbeatInterval,
		"agent.watch_interval":       cfg.Agent.WatchInterval,
		"execution.launch_timeout":   cfg.Execution.LaunchTimeout,
		"execution.retention":        cfg.Execution.Retention,
		"execution.cleanup_interval": cfg.Execution.CleanupInterval,
		"auth.token_ttl":             cfg.Auth.TokenTTL,
		"credentials.lifetime":       cfg.Credentials.Lifetime,
	}
	for field, d := range positive {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", field)
		}
	}
	if cfg.Agent.WatchJitter < 0 {
		return fmt.Errorf("agent.watch_jitter must not be negative")
	}
	if cfg.Credentials.Lifetime < 15*time.Minute || cfg.Credentials.Lifetime > 12*time.Hour {
		return fmt.Errorf("credentials.lifetime must be between 15m and 12h (got %s)", cfg.Credentials.Lifetime)
	}
	if cfg.Credentials.RefreshMargin >= cfg.Credentials.Lifetime {
		return fmt.Errorf("credentials.refresh_margin must be shorter than credentials.lifetime")
	}

	if _, err := url.ParseRequestURI(cfg.API.Endpoint); err != nil {
		return fmt.Errorf("api.endpoint %q: %w", cfg.API.Endpoint, err)
	}
	return nil
}

// ParseInterval converts an interval string to a duration. It accepts Go
// duration strings, a bare number of seconds, and hourly/daily/weekly.
func ParseInterval(interval string) (time.Duration, error) {
	interval = strings.TrimSpace(interval)
	switch interval {
	case "hourly":
		return time.Hour, nil
	case "daily":
		return 24 * time.Hour, nil
	case "weekly":
		return 7 * 24 * time.Hour, nil
	}

	if secs, err := strconv.Atoi(interval); err == nil {
		if secs <= 0 {
			return 0, fmt.Errorf("interval must be positive: %q", interval)
		}
		return time.Duration(secs) * time.Second, nil
	}

	d, err := time.ParseDuration(interval)
	if err != nil {
		return 0, fmt.Errorf("invalid interval %q: %w", interval, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("interval must be positive: %q", interval)
	}
	return d, nil
}
