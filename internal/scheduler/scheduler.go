// Package scheduler runs the agent's periodic background work: reconnecting
// the control channel, sending heartbeats and sweeping old executions.
package scheduler

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/mattjoyce/fleet-agent/internal/channel"
	"github.com/mattjoyce/fleet-agent/internal/protocol"
)

const (
	DefaultWatchInterval     = 10 * time.Second
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultCleanupInterval   = 24 * time.Hour
	DefaultRetention         = 7 * 24 * time.Hour
)

// Config holds supervisor timing and the parameters used to reconnect.
type Config struct {
	WatchInterval time.Duration
	// WatchJitter spreads reconnect attempts across a fleet.
	WatchJitter       time.Duration
	HeartbeatInterval time.Duration
	CleanupInterval   time.Duration
	Retention         time.Duration

	Info    channel.ConnectionInfo
	Handler channel.Handler
}

// Supervisor keeps the control channel up and runs housekeeping ticks.
type Supervisor struct {
	cfg     Config
	channel Channel
	cleaner Cleaner
	logger  *slog.Logger
	stopCh  chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
}

// New creates a new Supervisor instance.
func New(cfg Config, ch Channel, cleaner Cleaner, logger *slog.Logger) *Supervisor {
	if cfg.WatchInterval <= 0 {
		cfg.WatchInterval = DefaultWatchInterval
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = DefaultCleanupInterval
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		cfg:     cfg,
		channel: ch,
		cleaner: cleaner,
		logger:  logger.With("component", "supervisor"),
		stopCh:  make(chan struct{}),
	}
}

// Start launches the watchdog, heartbeat and cleanup loops. The watchdog
// fires immediately; the others wait one interval.
func (s *Supervisor) Start(ctx context.Context) {
	s.logger.Info("Starting supervisor",
		"watch_interval", s.cfg.WatchInterval,
		"heartbeat_interval", s.cfg.HeartbeatInterval,
		"cleanup_interval", s.cfg.CleanupInterval,
	)

	s.wg.Add(3)
	go s.loop(ctx, "watchdog", s.cfg.WatchInterval, s.cfg.WatchJitter, true, s.watchdogTick)
	go s.loop(ctx, "heartbeat", s.cfg.HeartbeatInterval, 0, false, s.heartbeatTick)
	if s.cleaner != nil {
		go s.loop(ctx, "cleanup", s.cfg.CleanupInterval, 0, false, s.cleanupTick)
	} else {
		s.wg.Done()
	}
}

// Stop ends all loops and waits for any in-flight tick to return.
func (s *Supervisor) Stop() {
	s.once.Do(func() {
		s.logger.Info("Stopping supervisor")
		close(s.stopCh)
	})
	s.wg.Wait()
}

func (s *Supervisor) loop(ctx context.Context, name string, interval, jitter time.Duration, immediate bool, tick func(context.Context)) {
	defer s.wg.Done()

	if immediate {
		tick(ctx)
	}

	timer := time.NewTimer(calculateJitteredInterval(interval, jitter))
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			tick(ctx)
			timer.Reset(calculateJitteredInterval(interval, jitter))
		case <-s.stopCh:
			return
		case <-ctx.Done():
			s.logger.Debug("Supervisor context cancelled, stopping loop", "loop", name)
			return
		}
	}
}

// watchdogTick reopens the control channel if it is down. Failures are
// retried on the next tick.
func (s *Supervisor) watchdogTick(ctx context.Context) {
	if s.channel.IsOpen() {
		return
	}
	s.logger.Info("Control channel is closed, reconnecting")
	if err := s.channel.Connect(ctx, s.cfg.Info, s.cfg.Handler); err != nil {
		s.logger.Warn("Reconnect failed", "error", err)
		return
	}
	s.logger.Info("Control channel reconnected")
}

// heartbeatTick sends a keepalive frame while the channel is open.
func (s *Supervisor) heartbeatTick(ctx context.Context) {
	if !s.channel.IsOpen() {
		s.logger.Debug("Skipping heartbeat, control channel closed")
		return
	}
	if err := s.channel.Send(ctx, protocol.Heartbeat{}); err != nil {
		s.logger.Warn("Failed to send heartbeat", "error", err)
	}
}

// cleanupTick removes finished executions past the retention window.
func (s *Supervisor) cleanupTick(ctx context.Context) {
	removed, err := s.cleaner.Cleanup(ctx, s.cfg.Retention)
	if err != nil {
		s.logger.Error("Execution cleanup failed", "removed", removed, "error", err)
		return
	}
	if removed > 0 {
		s.logger.Info("Removed old executions", "removed", removed, "retention", s.cfg.Retention)
	}
}

// calculateJitteredInterval adds a random jitter to the base interval.
func calculateJitteredInterval(baseInterval time.Duration, jitter time.Duration) time.Duration {
	if jitter <= 0 {
		return baseInterval
	}
	randomJitter := time.Duration(rand.Int63n(jitter.Nanoseconds()))
	return baseInterval + randomJitter
}
