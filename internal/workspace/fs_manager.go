package workspace

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	projectsDir = "projects"
	datasetsDir = "datasets"
)

// fsWorkspaceManager manages execution working directories on local disk.
type fsWorkspaceManager struct {
	baseDir string
	now     func() time.Time
}

var _ Manager = (*fsWorkspaceManager)(nil)

// NewFSManager creates a filesystem-backed workspace manager rooted at baseDir.
func NewFSManager(baseDir string) (*fsWorkspaceManager, error) {
	trimmed := strings.TrimSpace(baseDir)
	if trimmed == "" {
		return nil, fmt.Errorf("workspace base directory is empty")
	}

	return &fsWorkspaceManager{
		baseDir: filepath.Clean(trimmed),
		now:     time.Now,
	}, nil
}

// Create materializes the working directory for a dataset of a project.
func (m *fsWorkspaceManager) Create(ctx context.Context, projectID, datasetID string) (Workspace, error) {
	if err := ctx.Err(); err != nil {
		return Workspace{}, err
	}

	ws, err := m.resolve(projectID, datasetID)
	if err != nil {
		return Workspace{}, err
	}

	if err := os.MkdirAll(ws.Dir, 0o755); err != nil {
		return Workspace{}, fmt.Errorf("create workspace for dataset %q: %w", datasetID, err)
	}

	return ws, nil
}

// Open returns an existing working directory.
func (m *fsWorkspaceManager) Open(ctx context.Context, projectID, datasetID string) (Workspace, error) {
	if err := ctx.Err(); err != nil {
		return Workspace{}, err
	}

	ws, err := m.resolve(projectID, datasetID)
	if err != nil {
		return Workspace{}, err
	}

	info, err := os.Stat(ws.Dir)
	if err != nil {
		return Workspace{}, fmt.Errorf("open workspace for dataset %q: %w", datasetID, err)
	}
	if !info.IsDir() {
		return Workspace{}, fmt.Errorf("workspace path for dataset %q is not a directory", datasetID)
	}

	return ws, nil
}

// Remove deletes a dataset's working directory.
func (m *fsWorkspaceManager) Remove(ctx context.Context, projectID, datasetID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	ws, err := m.resolve(projectID, datasetID)
	if err != nil {
		return err
	}

	if err := os.RemoveAll(ws.Dir); err != nil {
		return fmt.Errorf("remove workspace for dataset %q: %w", datasetID, err)
	}
	m.removeIfEmpty(filepath.Join(ws.ProjectDir, datasetsDir))
	m.removeIfEmpty(ws.ProjectDir)
	return nil
}

// Prune removes stale dataset directories based on directory modification
// time. Directories that keep claims are left alone.
func (m *fsWorkspaceManager) Prune(ctx context.Context, olderThan time.Duration, keep KeepFunc) (PruneReport, error) {
	if err := ctx.Err(); err != nil {
		return PruneReport{}, err
	}
	if olderThan <= 0 {
		return PruneReport{}, fmt.Errorf("olderThan must be positive")
	}

	projects, err := os.ReadDir(filepath.Join(m.baseDir, projectsDir))
	if errors.Is(err, fs.ErrNotExist) {
		return PruneReport{}, nil
	}
	if err != nil {
		return PruneReport{}, fmt.Errorf("read projects directory: %w", err)
	}

	cutoff := m.now().Add(-olderThan)
	report := PruneReport{}

	for _, project := range projects {
		if !project.IsDir() {
			continue
		}
		projectDir := filepath.Join(m.baseDir, projectsDir, project.Name())
		datasets, err := os.ReadDir(filepath.Join(projectDir, datasetsDir))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return report, fmt.Errorf("read datasets of project %q: %w", project.Name(), err)
		}

		for _, dataset := range datasets {
			if err := ctx.Err(); err != nil {
				return report, err
			}
			if !dataset.IsDir() {
				continue
			}
			if keep != nil && keep(project.Name(), dataset.Name()) {
				continue
			}

			info, err := dataset.Info()
			if err != nil {
				return report, fmt.Errorf("read workspace entry info %q: %w", dataset.Name(), err)
			}
			if info.ModTime().After(cutoff) {
				continue
			}

			if err := m.Remove(ctx, project.Name(), dataset.Name()); err != nil {
				return report, err
			}
			report.DeletedDirs++
		}
	}

	return report, nil
}

func (m *fsWorkspaceManager) resolve(projectID, datasetID string) (Workspace, error) {
	if err := validateID("projectID", projectID); err != nil {
		return Workspace{}, err
	}
	if err := validateID("datasetID", datasetID); err != nil {
		return Workspace{}, err
	}
	projectDir := filepath.Join(m.baseDir, projectsDir, projectID)
	return Workspace{
		ProjectID:  projectID,
		DatasetID:  datasetID,
		ProjectDir: projectDir,
		Dir:        filepath.Join(projectDir, datasetsDir, datasetID),
	}, nil
}

// removeIfEmpty drops dir when nothing is left inside it; os.Remove refuses
// non-empty directories.
func (m *fsWorkspaceManager) removeIfEmpty(dir string) {
	_ = os.Remove(dir)
}

func validateID(kind, id string) error {
	trimmed := strings.TrimSpace(id)
	if trimmed == "" {
		return fmt.Errorf("%s is empty", kind)
	}
	if trimmed != id {
		return fmt.Errorf("%s %q has surrounding whitespace", kind, id)
	}
	if id == "." || id == ".." {
		return fmt.Errorf("%s %q is invalid", kind, id)
	}
	if strings.ContainsAny(id, `/\`) {
		return fmt.Errorf("%s %q must not contain path separators", kind, id)
	}
	if filepath.Clean(id) != id {
		return fmt.Errorf("%s %q is invalid", kind, id)
	}
	return nil
}
