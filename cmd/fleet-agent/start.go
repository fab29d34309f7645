package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/mattjoyce/fleet-agent/internal/api"
	"github.com/mattjoyce/fleet-agent/internal/auth"
	"github.com/mattjoyce/fleet-agent/internal/channel"
	"github.com/mattjoyce/fleet-agent/internal/config"
	"github.com/mattjoyce/fleet-agent/internal/credentials"
	"github.com/mattjoyce/fleet-agent/internal/dispatch"
	"github.com/mattjoyce/fleet-agent/internal/doctor"
	"github.com/mattjoyce/fleet-agent/internal/execution"
	"github.com/mattjoyce/fleet-agent/internal/lock"
	"github.com/mattjoyce/fleet-agent/internal/log"
	"github.com/mattjoyce/fleet-agent/internal/scheduler"
	"github.com/mattjoyce/fleet-agent/internal/state"
	"github.com/mattjoyce/fleet-agent/internal/storage"
	"github.com/mattjoyce/fleet-agent/internal/sysinfo"
	"github.com/mattjoyce/fleet-agent/internal/workspace"
)

// fatal prints a one-line startup error and returns the exit code.
func fatal(format string, args ...any) int {
	fmt.Fprintf(os.Stderr, "fleet-agent: "+format+"\n", args...)
	return 1
}

func runStart(args []string) int {
	fs := pflag.NewFlagSet("start", pflag.ContinueOnError)
	configPath := fs.StringP("config", "c", "", "Path to agent-config.yml")
	debugLog := fs.Bool("debug", false, "Log at debug level")
	if code, done := parseFlags(fs, args); done {
		return code
	}

	path, err := config.Discover(*configPath)
	if err != nil {
		return fatal("%v", err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return fatal("failed to load config: %v", err)
	}
	if *debugLog {
		cfg.Service.LogLevel = "debug"
	}

	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)
	logger := log.WithComponent("main")
	logger.Info("fleet-agent starting", "version", version, "agent_id", cfg.Agent.ID, "config", cfg.SourcePath)

	report := doctor.New(cfg).Validate()
	for _, w := range report.Warnings {
		logger.Warn("config warning", "category", w.Category, "field", w.Field, "message", w.Message)
	}
	if !report.Valid {
		first := report.Errors[0]
		logger.Error("host is not ready", "errors", len(report.Errors))
		return fatal("%s: %s", first.Category, first.Message)
	}

	pidLock, err := lock.Acquire(cfg.Service.PIDFile)
	if err != nil {
		logger.Error("failed to acquire PID lock", "path", cfg.Service.PIDFile, "error", err)
		return fatal("%v", err)
	}
	defer pidLock.Release()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	repo, db, err := openRepository(ctx, cfg)
	if err != nil {
		logger.Error("failed to open execution store", "backend", cfg.State.Backend, "error", err)
		return fatal("%v", err)
	}
	if db != nil {
		defer db.Close()
	}
	logger.Info("execution store ready", "backend", cfg.State.Backend)

	tokens, err := auth.NewTokenService(auth.TokenConfig{
		AgentID: cfg.Agent.ID,
		Secret:  cfg.Auth.TokenSecret,
		TTL:     cfg.Auth.TokenTTL,
	})
	if err != nil {
		return fatal("token service: %v", err)
	}

	broker, err := credentials.NewSTSBroker(credentials.STSBrokerConfig{Endpoint: cfg.Credentials.STSEndpoint})
	if err != nil {
		return fatal("credential broker: %v", err)
	}
	creds := credentials.NewService(credentials.Config{
		AgentID:          cfg.Agent.ID,
		DefaultRoleARN:   cfg.Credentials.DefaultRoleARN,
		Partition:        cfg.Credentials.Partition,
		Lifetime:         cfg.Credentials.Lifetime,
		RefreshMargin:    cfg.Credentials.RefreshMargin,
		GracePeriod:      cfg.Credentials.GracePeriod,
		AllowKMS:         cfg.Credentials.AllowKMS,
		AllowImagePull:   cfg.Credentials.AllowImagePull,
		ProjectAccountID: cfg.Credentials.CrossAccountID,
	}, broker, log.Get())

	workspaces, err := workspace.NewFSManager(cfg.Execution.WorkDir)
	if err != nil {
		return fatal("workspace: %v", err)
	}

	httpClient := &http.Client{Timeout: 30 * time.Second}
	client := channel.NewClient(channel.Config{
		AgentVersion: version,
		Host:         sysinfo.Collect(),
		HTTPClient:   httpClient,
		Logger:       log.Get(),
	})
	defer client.Close()

	engine := execution.New(execution.Config{
		SharedDir:          cfg.Execution.SharedDir,
		SubmitScript:       cfg.Execution.SubmitScript,
		StopScript:         cfg.Execution.StopScript,
		AgentEndpoint:      cfg.API.Endpoint,
		DefaultRegion:      cfg.Credentials.Region,
		LaunchTimeout:      cfg.Execution.LaunchTimeout,
		RequireNativeJobID: cfg.Execution.RequireNativeJobID,
	}, execution.Deps{
		Repository:  repo,
		Workspaces:  workspaces,
		Tokens:      tokens,
		Notifier:    client,
		Credentials: creds,
		Logger:      log.Get(),
	})
	handler := dispatch.New(engine)

	// Jobs launched by the first run-analysis call back at once, so the API
	// is bound before the control channel registers.
	ln, err := net.Listen("tcp", cfg.API.Listen)
	if err != nil {
		logger.Error("failed to bind callback API", "listen", cfg.API.Listen, "error", err)
		return fatal("listen on %s: %v", cfg.API.Listen, err)
	}
	server := api.New(api.Config{
		Listen:        cfg.API.Listen,
		AgentEndpoint: cfg.API.Endpoint,
		AgentID:       cfg.Agent.ID,
		AgentVersion:  version,
	}, api.Deps{
		Executions:  engine,
		Credentials: creds,
		Tokens:      tokens,
		Channel:     client,
		Logger:      log.WithComponent("api"),
	})
	errCh := make(chan error, 1)
	go func() {
		if err := server.Serve(ctx, ln); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- fmt.Errorf("api: %w", err)
		}
	}()
	logger.Info("callback API listening", "listen", ln.Addr().String(), "endpoint", cfg.API.Endpoint)

	info, err := channel.ResolveConnectionInfo(ctx, httpClient, channel.ConnectionInfo{
		BaseURL:    cfg.Agent.URL,
		AgentID:    cfg.Agent.ID,
		AgentToken: cfg.Agent.Token,
		UserAgent:  userAgent(cfg),
		Region:     cfg.Credentials.Region,
	})
	if err != nil {
		logger.Error("failed to reach orchestration service", "url", cfg.Agent.URL, "error", err)
		return fatal("failed to reach %s: %v", cfg.Agent.URL, err)
	}
	if err := client.Connect(ctx, info, handler); err != nil {
		logger.Error("failed to open control channel", "error", err)
		return fatal("failed to open control channel: %v", err)
	}

	supervisor := scheduler.New(scheduler.Config{
		WatchInterval:     cfg.Agent.WatchInterval,
		WatchJitter:       cfg.Agent.WatchJitter,
		HeartbeatInterval: cfg.Agent.HeartbeatInterval,
		CleanupInterval:   cfg.Execution.CleanupInterval,
		Retention:         cfg.Execution.Retention,
		Info:              info,
		Handler:           handler,
	}, client, engine, log.Get())
	supervisor.Start(ctx)
	defer supervisor.Stop()

	logger.Info("fleet-agent running (press Ctrl+C to stop)")

	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	case err := <-errCh:
		logger.Error("component failed", "error", err)
		stop()
		return fatal("%v", err)
	}

	logger.Info("fleet-agent stopped")
	return 0
}

// openRepository returns the configured execution store. db is nil for the
// memory backend.
func openRepository(ctx context.Context, cfg *config.Config) (state.Repository, *sql.DB, error) {
	if cfg.State.Backend != "sqlite" {
		return state.NewMemoryStore(), nil, nil
	}
	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		return nil, nil, err
	}
	return state.NewStore(db), db, nil
}

func userAgent(cfg *config.Config) string {
	if cfg.Agent.UserAgent != "" {
		return cfg.Agent.UserAgent
	}
	return "fleet-agent/" + version
}
