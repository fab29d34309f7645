// Package credentials issues per-execution temporary storage credentials
// scoped by a session policy built from the execution's dataset path.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mattjoyce/fleet-agent/internal/state"
)

const (
	DefaultLifetime      = time.Hour
	DefaultRefreshMargin = 5 * time.Minute
	DefaultGracePeriod   = 30 * time.Second
)

// ErrExecutionCompleted is returned when credentials are requested for an
// execution that finished longer ago than the grace period.
var ErrExecutionCompleted = errors.New("execution already completed")

// Config configures a Service.
type Config struct {
	AgentID string
	// DefaultRoleARN is used when an execution carries no role of its own.
	DefaultRoleARN   string
	Partition        string
	Lifetime         time.Duration
	RefreshMargin    time.Duration
	GracePeriod      time.Duration
	AllowKMS         bool
	AllowImagePull   bool
	ProjectAccountID string
}

// Service issues and caches scoped credentials per execution id.
type Service struct {
	cfg    Config
	broker Broker
	logger *slog.Logger
	now    func() time.Time

	mu    sync.Mutex
	cache map[string]Credentials
}

func NewService(cfg Config, broker Broker, logger *slog.Logger) *Service {
	if cfg.Lifetime <= 0 {
		cfg.Lifetime = DefaultLifetime
	}
	if cfg.RefreshMargin <= 0 {
		cfg.RefreshMargin = DefaultRefreshMargin
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	return &Service{
		cfg:    cfg,
		broker: broker,
		logger: logger.With("component", "credentials"),
		now:    time.Now,
		cache:  make(map[string]Credentials),
	}
}

// Issue returns credentials for rec, reusing a cached set until it is within
// the refresh margin of expiry. Concurrent misses for the same execution may
// both reach the broker; the later result wins the cache slot.
func (s *Service) Issue(ctx context.Context, rec *state.Record) (Credentials, error) {
	if rec == nil {
		return Credentials{}, fmt.Errorf("execution is nil")
	}
	now := s.now()
	if rec.Status.Terminal() {
		if rec.FinishedAt == nil || now.Sub(*rec.FinishedAt) > s.cfg.GracePeriod {
			return Credentials{}, fmt.Errorf("%w: %s", ErrExecutionCompleted, rec.ID)
		}
	}

	s.mu.Lock()
	cached, ok := s.cache[rec.ID]
	s.mu.Unlock()
	if ok && now.Add(s.cfg.RefreshMargin).Before(cached.Expiration) {
		s.logger.Debug("using cached credentials", "execution_id", rec.ID)
		return cached, nil
	}

	in, err := s.assumeRoleInput(rec)
	if err != nil {
		return Credentials{}, err
	}

	s.logger.Debug("requesting credentials", "execution_id", rec.ID, "role_arn", in.RoleARN, "session", in.SessionName)
	creds, err := s.broker.AssumeRole(ctx, in)
	if err != nil {
		return Credentials{}, fmt.Errorf("issue credentials for %s: %w", rec.ID, err)
	}

	s.mu.Lock()
	s.cache[rec.ID] = creds
	s.mu.Unlock()
	return creds, nil
}

// Forget drops any cached credentials for id.
func (s *Service) Forget(id string) {
	s.mu.Lock()
	delete(s.cache, id)
	s.mu.Unlock()
}

func (s *Service) assumeRoleInput(rec *state.Record) (AssumeRoleInput, error) {
	dataset, err := ParseS3Path(rec.DatasetPath)
	if err != nil {
		return AssumeRoleInput{}, err
	}
	role := rec.FileAccessRoleARN
	if role == "" {
		role = s.cfg.DefaultRoleARN
	}
	if role == "" {
		return AssumeRoleInput{}, fmt.Errorf("execution %s has no file access role", rec.ID)
	}

	policy, err := BuildPolicy(PolicyInput{
		Partition:        s.cfg.Partition,
		Dataset:          dataset,
		AllowKMS:         s.cfg.AllowKMS,
		AllowImagePull:   s.cfg.AllowImagePull,
		ProjectAccountID: s.cfg.ProjectAccountID,
	}).JSON()
	if err != nil {
		return AssumeRoleInput{}, err
	}

	return AssumeRoleInput{
		RoleARN:     role,
		SessionName: RoleSessionName(s.cfg.AgentID, rec.Username),
		Policy:      policy,
		ExternalID:  rec.ProjectID,
		Region:      rec.Region,
		Duration:    s.cfg.Lifetime,
	}, nil
}
