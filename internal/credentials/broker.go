package credentials

import (
	"context"
	"fmt"
	"net/http"
	"time"

	miniocreds "github.com/minio/minio-go/v7/pkg/credentials"
)

//go:generate mockgen -destination=mocks/mock_broker.go -package=mocks github.com/mattjoyce/fleet-agent/internal/credentials Broker

// Credentials are temporary storage credentials.
type Credentials struct {
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	Expiration      time.Time
}

// AssumeRoleInput is one STS AssumeRole request.
type AssumeRoleInput struct {
	RoleARN     string
	SessionName string
	Policy      string
	ExternalID  string
	Region      string
	Duration    time.Duration
}

// Broker exchanges a role and session policy for temporary credentials.
type Broker interface {
	AssumeRole(ctx context.Context, in AssumeRoleInput) (Credentials, error)
}

// STSBrokerConfig configures an STSBroker.
type STSBrokerConfig struct {
	// Endpoint is the STS endpoint, e.g. https://sts.us-east-1.amazonaws.com.
	Endpoint string
	// Base provides the agent's own long-lived credentials. When nil the
	// host's environment, shared credentials file and instance role are tried
	// in that order.
	Base *miniocreds.Credentials
}

// STSBroker calls AWS STS AssumeRole through minio-go's credential providers.
type STSBroker struct {
	endpoint string
	base     *miniocreds.Credentials
}

var _ Broker = (*STSBroker)(nil)

func NewSTSBroker(cfg STSBrokerConfig) (*STSBroker, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("sts endpoint is required")
	}
	base := cfg.Base
	if base == nil {
		base = miniocreds.NewChainCredentials([]miniocreds.Provider{
			&miniocreds.EnvAWS{},
			&miniocreds.FileAWSCredentials{},
			&miniocreds.IAM{Client: &http.Client{Transport: http.DefaultTransport, Timeout: 10 * time.Second}},
		})
	}
	return &STSBroker{endpoint: cfg.Endpoint, base: base}, nil
}

func (b *STSBroker) AssumeRole(ctx context.Context, in AssumeRoleInput) (Credentials, error) {
	if err := ctx.Err(); err != nil {
		return Credentials{}, err
	}
	if in.RoleARN == "" {
		return Credentials{}, fmt.Errorf("role arn is required")
	}

	baseValue, err := b.base.Get()
	if err != nil {
		return Credentials{}, fmt.Errorf("load agent credentials: %w", err)
	}

	sts, err := miniocreds.NewSTSAssumeRole(b.endpoint, miniocreds.STSAssumeRoleOptions{
		AccessKey:       baseValue.AccessKeyID,
		SecretKey:       baseValue.SecretAccessKey,
		SessionToken:    baseValue.SessionToken,
		Policy:          in.Policy,
		Location:        in.Region,
		DurationSeconds: int(in.Duration.Seconds()),
		RoleARN:         in.RoleARN,
		RoleSessionName: in.SessionName,
		ExternalID:      in.ExternalID,
	})
	if err != nil {
		return Credentials{}, fmt.Errorf("build assume role request: %w", err)
	}

	v, err := sts.Get()
	if err != nil {
		return Credentials{}, fmt.Errorf("assume role %s: %w", in.RoleARN, err)
	}
	exp := v.Expiration
	if exp.IsZero() {
		exp = time.Now().Add(in.Duration)
	}
	return Credentials{
		AccessKeyID:     v.AccessKeyID,
		SecretAccessKey: v.SecretAccessKey,
		SessionToken:    v.SessionToken,
		Expiration:      exp.UTC(),
	}, nil
}
