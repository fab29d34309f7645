package scheduler

import (
	"context"
	"time"

	"github.com/mattjoyce/fleet-agent/internal/channel"
	"github.com/mattjoyce/fleet-agent/internal/protocol"
)

//go:generate mockgen -destination=mocks/mock_supervisor.go -package=mocks github.com/mattjoyce/fleet-agent/internal/scheduler Channel,Cleaner

// Channel is the control connection the supervisor keeps alive.
type Channel interface {
	IsOpen() bool
	Connect(ctx context.Context, info channel.ConnectionInfo, h channel.Handler) error
	Send(ctx context.Context, msg protocol.Message) error
}

// Cleaner drops finished executions older than a retention window.
type Cleaner interface {
	Cleanup(ctx context.Context, retention time.Duration) (int, error)
}
