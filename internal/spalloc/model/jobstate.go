package model

// JobState is the lifecycle state of a job.
//
// The permitted transitions are:
//
//	Queued -> Power      allocation engine commits a placement
//	Power  -> Ready      power controller reports all boards energised
//	any    -> Destroyed  explicit destroy, keepalive expiry, power failure
type JobState string

const (
	// JobQueued means the job is waiting for the allocation engine.
	JobQueued JobState = "QUEUED"
	// JobPower means boards have been chosen and a power sequence is in flight.
	JobPower JobState = "POWER"
	// JobReady means the job's boards are energised and reachable.
	JobReady JobState = "READY"
	// JobDestroyed is terminal.
	JobDestroyed JobState = "DESTROYED"
)

// AllJobStates lists every state, in lifecycle order.
var AllJobStates = []JobState{JobQueued, JobPower, JobReady, JobDestroyed}

// Terminal reports whether the state is final.
func (s JobState) Terminal() bool {
	return s == JobDestroyed
}

// CanTransitionTo reports whether the state machine permits moving from s to
// next. Destruction is reachable from every state, including Destroyed itself
// (destroying a destroyed job is a no-op, not an error).
func (s JobState) CanTransitionTo(next JobState) bool {
	if next == JobDestroyed {
		return true
	}
	switch s {
	case JobQueued:
		return next == JobPower
	case JobPower:
		return next == JobReady
	}
	return false
}
