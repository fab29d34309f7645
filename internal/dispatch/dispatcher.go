package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/mattjoyce/fleet-agent/internal/log"
	"github.com/mattjoyce/fleet-agent/internal/protocol"
	"github.com/mattjoyce/fleet-agent/internal/state"
)

//go:generate mockgen -destination=mocks/mock_engine.go -package=mocks github.com/mattjoyce/fleet-agent/internal/dispatch Engine

// Engine is the part of the execution engine the dispatcher drives.
type Engine interface {
	Create(ctx context.Context, cmd protocol.RunAnalysis) (*state.Record, error)
	Stop(ctx context.Context, cmd protocol.StopAnalysis) error
}

// Dispatcher turns one inbound message into at most one reply. It holds no
// state of its own.
type Dispatcher struct {
	engine Engine
	logger *slog.Logger
}

// New creates a new Dispatcher.
func New(engine Engine) *Dispatcher {
	return &Dispatcher{
		engine: engine,
		logger: log.WithComponent("dispatch"),
	}
}

// Handle processes msg and returns the reply to send, or nil.
func (d *Dispatcher) Handle(ctx context.Context, msg protocol.Message) (reply protocol.Message) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("panic while handling message", "type", msg.Type(), "panic", r, "stack", string(debug.Stack()))
			if cmd, ok := msg.(protocol.RunAnalysis); ok {
				reply = failedResponse(cmd, fmt.Errorf("internal error: %v", r))
			} else {
				reply = nil
			}
		}
	}()

	switch m := msg.(type) {
	case protocol.RunAnalysis:
		return d.runAnalysis(ctx, m)
	case protocol.StopAnalysis:
		return d.stopAnalysis(ctx, m)
	case protocol.Heartbeat, protocol.Register, protocol.RunAnalysisResponse, protocol.AnalysisUpdate, protocol.Ack:
		d.logger.Debug("ignoring message", "type", m.Type())
		return nil
	case protocol.Unknown:
		d.logger.Warn("received unknown message", "type", m.Tag, "raw", string(m.Raw))
		return nil
	default:
		d.logger.Warn("unhandled message type", "type", fmt.Sprintf("%T", msg))
		return nil
	}
}

func (d *Dispatcher) runAnalysis(ctx context.Context, cmd protocol.RunAnalysis) protocol.Message {
	logger := d.logger.With("execution_id", cmd.DatasetID, "project_id", cmd.ProjectID)
	logger.Info("run analysis requested", "executor", cmd.Executor)

	rec, err := d.engine.Create(ctx, cmd)
	if errors.Is(err, state.ErrAlreadyExists) {
		// The live execution keeps its status; only the duplicate is refused.
		logger.Warn("duplicate run analysis ignored")
		return protocol.Ack{Message: fmt.Sprintf("analysis %s already exists", cmd.DatasetID)}
	}
	if err != nil {
		logger.Error("error running analysis", "error", err)
		return failedResponse(cmd, err)
	}

	return protocol.RunAnalysisResponse{StatusUpdate: protocol.StatusUpdate{
		DatasetID:   cmd.DatasetID,
		ProjectID:   cmd.ProjectID,
		NativeJobID: rec.NativeJobID,
		Status:      string(state.StatusPending),
		Output:      rec.Stdout,
	}}
}

func (d *Dispatcher) stopAnalysis(ctx context.Context, cmd protocol.StopAnalysis) protocol.Message {
	logger := d.logger.With("execution_id", cmd.DatasetID)
	logger.Info("stop analysis requested", "reason", cmd.Reason)

	if err := d.engine.Stop(ctx, cmd); err != nil {
		logger.Error("error stopping analysis", "error", err)
		return protocol.Ack{Message: fmt.Sprintf("error stopping analysis %s: %v", cmd.DatasetID, err)}
	}
	return protocol.Ack{Message: fmt.Sprintf("analysis %s stopped", cmd.DatasetID)}
}

func failedResponse(cmd protocol.RunAnalysis, err error) protocol.Message {
	text := fmt.Sprintf("Error running analysis: %v", err)
	return protocol.RunAnalysisResponse{StatusUpdate: protocol.StatusUpdate{
		DatasetID: cmd.DatasetID,
		ProjectID: cmd.ProjectID,
		Status:    string(state.StatusFailed),
		Message:   text,
		Output:    err.Error(),
	}}
}
