package state

import (
	"context"
	"errors"
	"maps"
	"time"
)

var (
	ErrNotFound      = errors.New("execution not found")
	ErrAlreadyExists = errors.New("execution already exists")
)

// Record is the persisted form of one execution. The ID is the caller's
// dataset id and never changes after Add.
type Record struct {
	ID                string
	ProjectID         string
	Username          string
	DatasetPath       string
	FileAccessRoleARN string
	Region            string
	Executor          string
	Environment       map[string]string
	WorkingDir        string

	Status     Status
	CreatedAt  time.Time
	FinishedAt *time.Time

	// Launch output.
	Stdout      string
	NativeJobID string

	// Final result.
	Message string
	Details map[string]any
}

// Clone returns a copy that shares no maps or pointers with r.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	c.Environment = maps.Clone(r.Environment)
	c.Details = maps.Clone(r.Details)
	if r.FinishedAt != nil {
		t := *r.FinishedAt
		c.FinishedAt = &t
	}
	return &c
}

// Repository stores execution records. Implementations must be safe for
// concurrent use; the control-channel receive loop and the local API both
// write through it.
type Repository interface {
	// Add stores a new record. Returns ErrAlreadyExists if the id is taken.
	Add(ctx context.Context, rec *Record) error
	// Get returns a copy of the record or ErrNotFound.
	Get(ctx context.Context, id string) (*Record, error)
	// List returns copies of all records ordered by creation time.
	List(ctx context.Context) ([]*Record, error)
	// Update replaces an existing record. Returns ErrNotFound if missing.
	Update(ctx context.Context, rec *Record) error
	// Remove deletes a record. Removing a missing id is not an error.
	Remove(ctx context.Context, id string) error
}
