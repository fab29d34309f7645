package execution

import (
	"time"

	"github.com/mattjoyce/fleet-agent/internal/state"
)

// Summary is the listing view of one execution.
type Summary struct {
	DatasetID        string       `json:"datasetId"`
	ProjectID        string       `json:"projectId"`
	Username         string       `json:"username,omitempty"`
	Executor         string       `json:"executor,omitempty"`
	Status           state.Status `json:"status"`
	WorkingDirectory string       `json:"workingDirectory,omitempty"`
	NativeJobID      string       `json:"nativeJobId,omitempty"`
	CreatedAt        time.Time    `json:"createdAt"`
	FinishedAt       *time.Time   `json:"finishedAt,omitempty"`
	ElapsedSeconds   int64        `json:"elapsedTimeSeconds"`
}

// Summarize builds the listing view of rec as of now. Elapsed time stops
// counting once the execution finishes.
func Summarize(rec *state.Record, now time.Time) Summary {
	end := now
	if rec.FinishedAt != nil {
		end = *rec.FinishedAt
	}
	elapsed := int64(end.Sub(rec.CreatedAt) / time.Second)
	if elapsed < 0 {
		elapsed = 0
	}
	return Summary{
		DatasetID:        rec.ID,
		ProjectID:        rec.ProjectID,
		Username:         rec.Username,
		Executor:         rec.Executor,
		Status:           rec.Status,
		WorkingDirectory: rec.WorkingDir,
		NativeJobID:      rec.NativeJobID,
		CreatedAt:        rec.CreatedAt,
		FinishedAt:       rec.FinishedAt,
		ElapsedSeconds:   elapsed,
	}
}
