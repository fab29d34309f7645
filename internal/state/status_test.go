package state

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPath(t *testing.T) {
	tests := []struct {
		name    string
		from    Status
		to      Status
		want    []Status
		wantErr bool
	}{
		{name: "pending to running", from: StatusPending, to: StatusRunning, want: []Status{StatusRunning}},
		{name: "pending to failed", from: StatusPending, to: StatusFailed, want: []Status{StatusFailed}},
		{name: "pending to completed walks running", from: StatusPending, to: StatusCompleted, want: []Status{StatusRunning, StatusCompleted}},
		{name: "running to completed", from: StatusRunning, to: StatusCompleted, want: []Status{StatusCompleted}},
		{name: "running to failed", from: StatusRunning, to: StatusFailed, want: []Status{StatusFailed}},
		{name: "same state", from: StatusRunning, to: StatusRunning, want: nil},
		{name: "completed again", from: StatusCompleted, to: StatusCompleted, wantErr: true},
		{name: "failed again", from: StatusFailed, to: StatusFailed, wantErr: true},
		{name: "running back to pending", from: StatusRunning, to: StatusPending, wantErr: true},
		{name: "completed to failed", from: StatusCompleted, to: StatusFailed, wantErr: true},
		{name: "failed to running", from: StatusFailed, to: StatusRunning, wantErr: true},
		{name: "completed to pending", from: StatusCompleted, to: StatusPending, wantErr: true},
		{name: "unknown status", from: StatusPending, to: Status("QUEUED"), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Path(tt.from, tt.to)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrInvalidTransition))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

// Every path returned by Path must be a chain of single legal edges, and no
// path may start from a terminal state.
func TestPathOnlyFollowsEdges(t *testing.T) {
	all := []Status{StatusPending, StatusRunning, StatusCompleted, StatusFailed}
	for _, from := range all {
		for _, to := range all {
			path, err := Path(from, to)
			if err != nil {
				continue
			}
			assert.False(t, from.Terminal(), "%s -> %s accepted from a terminal state", from, to)
			cur := from
			for _, next := range path {
				assert.True(t, step(cur, next), "%s -> %s is not an edge", cur, next)
				cur = next
			}
		}
	}
}

func TestParseStatus(t *testing.T) {
	s, err := ParseStatus(" completed ")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, s)
	assert.True(t, s.Terminal())

	_, err = ParseStatus("done")
	assert.Error(t, err)
}
