package model

import (
	"time"
)

// Machine is a collection of boards with a triad-grid topology. Boards are
// ordered by (x, y, z); board coordinates are unique within a machine.
type Machine struct {
	ID        int32
	Name      string
	Width     int
	Height    int
	Depth     int
	InService bool
	Tags      []string
	Boards    []Board
}

// Area returns the total number of board positions in the machine grid.
func (m *Machine) Area() int {
	return m.Width * m.Height * m.Depth
}

// ChipWidth returns the width of the machine in chips.
func (m *Machine) ChipWidth() int {
	return m.Width * TriadChipWidth
}

// ChipHeight returns the height of the machine in chips.
func (m *Machine) ChipHeight() int {
	return m.Height * TriadChipHeight
}

// HasTag reports whether the machine carries the given capability tag.
func (m *Machine) HasTag(tag string) bool {
	for _, t := range m.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Board is a single allocatable unit of a machine.
type Board struct {
	ID       int32
	MachineID int32
	Coords   TriadCoords
	Physical PhysicalCoords
	// Root chip of the board in the machine's chip space.
	ChipRoot ChipLocation
	// Address of the board's ethernet chip, empty if the board has none.
	Address string
	// A board that is not functioning is never allocated.
	Functioning bool
	// Job currently holding the board, nil if the board is free.
	AllocatedJob *int32
	PowerOn      bool
}

// Free reports whether the board can be claimed by a new allocation.
func (b *Board) Free() bool {
	return b.AllocatedJob == nil
}

// Job is a request to use part of a machine, from creation to destruction.
type Job struct {
	ID        int32
	MachineID int32
	Owner     string
	State     JobState

	// Dimensions and root of the granted allocation, unset until the
	// allocation engine has placed the job.
	Width  *int
	Height *int
	Depth  *int
	RootID *int32

	CreateTimestamp    time.Time
	KeepaliveInterval  time.Duration
	KeepaliveTimestamp time.Time
	KeepaliveHost      string

	DeathReason    *string
	DeathTimestamp *time.Time

	// The request payload as originally submitted, kept for audit.
	OriginalRequest []byte

	// Quota accounting: resource usage has been charged to the owner's
	// ledger up to this instant.
	AccountedUntil time.Time
	// Board-seconds consumed by this job and already consolidated.
	QuotaUsed int64
}

// Allocated reports whether boards have been committed to the job.
func (j *Job) Allocated() bool {
	return j.RootID != nil
}

// ExpiresAt returns the instant at which the job dies unless a keepalive
// arrives first. A job whose deadline equals the current time is still alive;
// it expires strictly after the deadline.
func (j *Job) ExpiresAt() time.Time {
	return j.KeepaliveTimestamp.Add(j.KeepaliveInterval)
}

// BoardIssueReport describes a problem with a board, as reported by a user or
// raised internally by the power controller.
type BoardIssueReport struct {
	ID          int32
	BoardID     int32
	JobID       *int32
	Reporter    string
	Description string
	Timestamp   time.Time
}

// QuotaEntry is an owner's remaining board-second balance on one machine.
type QuotaEntry struct {
	Owner     string
	MachineID int32
	Balance   int64
}
