package state

import (
	"errors"
	"fmt"
	"strings"
)

// Status is the lifecycle state of one execution.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

// ErrInvalidTransition is returned when a status change would leave the
// lifecycle graph, including any attempt to leave a terminal state.
var ErrInvalidTransition = errors.New("invalid status transition")

// edges lists the only single-step moves an execution may make.
var edges = map[Status][]Status{
	StatusPending: {StatusRunning, StatusFailed},
	StatusRunning: {StatusCompleted, StatusFailed},
}

// Terminal reports whether s is COMPLETED or FAILED.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Valid reports whether s is one of the four known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// ParseStatus accepts a status name in any case.
func ParseStatus(raw string) (Status, error) {
	s := Status(strings.ToUpper(strings.TrimSpace(raw)))
	if !s.Valid() {
		return "", fmt.Errorf("unknown status %q", raw)
	}
	return s, nil
}

// Path returns the statuses an execution passes through, in order, to get
// from "from" to "to". The path is empty when a live execution stays where it
// is. A terminal status admits no move at all, not even to itself. A PENDING
// execution reported COMPLETED is walked through RUNNING.
func Path(from, to Status) ([]Status, error) {
	if !from.Valid() || !to.Valid() {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	if from.Terminal() {
		return nil, fmt.Errorf("%w: %s is terminal", ErrInvalidTransition, from)
	}
	if from == to {
		return nil, nil
	}
	if step(from, to) {
		return []Status{to}, nil
	}
	for _, mid := range edges[from] {
		if step(mid, to) {
			return []Status{mid, to}, nil
		}
	}
	return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

func step(from, to Status) bool {
	for _, next := range edges[from] {
		if next == to {
			return true
		}
	}
	return false
}
