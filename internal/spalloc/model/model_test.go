package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestJobStateTransitions(t *testing.T) {
	assert.True(t, JobQueued.CanTransitionTo(JobPower))
	assert.True(t, JobPower.CanTransitionTo(JobReady))
	assert.False(t, JobQueued.CanTransitionTo(JobReady))
	assert.False(t, JobReady.CanTransitionTo(JobPower))
	assert.False(t, JobPower.CanTransitionTo(JobQueued))

	for _, state := range AllJobStates {
		assert.True(t, state.CanTransitionTo(JobDestroyed), "destroy must be reachable from %s", state)
	}
	assert.False(t, JobDestroyed.CanTransitionTo(JobQueued))
	assert.True(t, JobDestroyed.Terminal())
	assert.False(t, JobReady.Terminal())
}

func TestRootChipOffsets(t *testing.T) {
	assert.Equal(t, ChipLocation{X: 0, Y: 0}, TriadCoords{X: 0, Y: 0, Z: 0}.RootChip())
	assert.Equal(t, ChipLocation{X: 8, Y: 4}, TriadCoords{X: 0, Y: 0, Z: 1}.RootChip())
	assert.Equal(t, ChipLocation{X: 4, Y: 8}, TriadCoords{X: 0, Y: 0, Z: 2}.RootChip())
	assert.Equal(t, ChipLocation{X: 24, Y: 12}, TriadCoords{X: 2, Y: 1, Z: 0}.RootChip())
	assert.Equal(t, ChipLocation{X: 32, Y: 16}, TriadCoords{X: 2, Y: 1, Z: 1}.RootChip())
}

func TestMachineChipDimensions(t *testing.T) {
	m := &Machine{Width: 4, Height: 2, Depth: TriadDepth}
	assert.Equal(t, 48, m.ChipWidth())
	assert.Equal(t, 24, m.ChipHeight())
	assert.Equal(t, 24, m.Area())
}

func TestEstimatedBoards(t *testing.T) {
	tests := map[string]struct {
		shape Shape
		want  int
	}{
		"count":      {NumBoardsShape{NumBoards: 5}, 5},
		"dimensions": {DimensionsShape{Width: 2, Height: 3}, 18},
		"board":      {BoardShape{BoardID: 42}, 1},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			r := &AllocRequest{Shape: tc.shape}
			assert.Equal(t, tc.want, r.EstimatedBoards())
		})
	}
}

func TestJobExpiry(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	job := &Job{
		KeepaliveTimestamp: now,
		KeepaliveInterval:  30 * time.Second,
	}
	deadline := job.ExpiresAt()
	assert.Equal(t, now.Add(30*time.Second), deadline)

	// At the deadline the job is still alive; it expires strictly after.
	assert.False(t, deadline.Before(deadline))
	assert.True(t, deadline.Before(deadline.Add(time.Nanosecond)))
}

func TestBoardFree(t *testing.T) {
	b := &Board{}
	assert.True(t, b.Free())
	job := int32(7)
	b.AllocatedJob = &job
	assert.False(t, b.Free())
}
