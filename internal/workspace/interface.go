package workspace

import (
	"context"
	"time"
)

// Workspace is the on-disk home of one execution. Dir is
// {base}/projects/{project}/datasets/{dataset}; ProjectDir is its
// project-level parent shared by every dataset of the project.
type Workspace struct {
	ProjectID  string
	DatasetID  string
	ProjectDir string
	Dir        string
}

// PruneReport summarizes a prune run.
type PruneReport struct {
	DeletedDirs int
}

// KeepFunc reports whether a dataset directory still belongs to a live
// execution and must survive a prune.
type KeepFunc func(projectID, datasetID string) bool

// Manager owns execution working directories.
type Manager interface {
	// Create materializes the working directory, creating parents as needed.
	Create(ctx context.Context, projectID, datasetID string) (Workspace, error)

	// Open resolves an existing working directory.
	Open(ctx context.Context, projectID, datasetID string) (Workspace, error)

	// Remove deletes a working directory and, when it was the last dataset,
	// its project directory. Removing a missing directory is not an error.
	Remove(ctx context.Context, projectID, datasetID string) error

	// Prune removes dataset directories older than olderThan that keep does
	// not claim.
	Prune(ctx context.Context, olderThan time.Duration, keep KeepFunc) (PruneReport, error)
}
