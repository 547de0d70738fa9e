// Package epochs lets API callers block until a machine, a job, or the job
// list actually changes. Every entity has a generation counter; mutating
// components bump the counter after committing, and waiters are woken by a
// channel close. Waiting never holds a store transaction open.
package epochs

import (
	"context"
	"sync"
	"time"

	"k8s.io/apimachinery/pkg/util/clock"
)

// Kind selects which class of entity a generation counter belongs to.
type Kind int

const (
	// JobEpoch tracks one job; the id is the job id.
	JobEpoch Kind = iota
	// MachineEpoch tracks one machine; the id is the machine id.
	MachineEpoch
	// JobListEpoch tracks the set of jobs as a whole; the id is ignored.
	JobListEpoch
)

type key struct {
	kind Kind
	id   int32
}

type epoch struct {
	generation uint64
	changed    chan struct{}
}

// Epochs is the change-notification hub.
type Epochs struct {
	mu     sync.Mutex
	epochs map[key]*epoch
	clock  clock.Clock
}

func New(c clock.Clock) *Epochs {
	return &Epochs{
		epochs: map[key]*epoch{},
		clock:  c,
	}
}

func (e *Epochs) get(k key) *epoch {
	ep, ok := e.epochs[k]
	if !ok {
		ep = &epoch{changed: make(chan struct{})}
		e.epochs[k] = ep
	}
	return ep
}

func normalise(kind Kind, id int32) key {
	if kind == JobListEpoch {
		id = 0
	}
	return key{kind: kind, id: id}
}

// Current returns the present generation of an entity.
func (e *Epochs) Current(kind Kind, id int32) uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.get(normalise(kind, id)).generation
}

// Bump advances an entity's generation and wakes all waiters. A job bump
// also bumps the job list.
func (e *Epochs) Bump(kind Kind, id int32) {
	e.mu.Lock()
	ep := e.get(normalise(kind, id))
	ep.generation++
	close(ep.changed)
	ep.changed = make(chan struct{})
	e.mu.Unlock()

	if kind == JobEpoch {
		e.Bump(JobListEpoch, 0)
	}
}

// Wait blocks until the entity's generation exceeds since, the timeout
// elapses, or ctx is cancelled, and returns the generation current at that
// point. The second return is true only if a change was observed.
func (e *Epochs) Wait(ctx context.Context, kind Kind, id int32, since uint64, timeout time.Duration) (uint64, bool) {
	k := normalise(kind, id)

	timer := e.clock.NewTimer(timeout)
	defer timer.Stop()

	for {
		e.mu.Lock()
		ep := e.get(k)
		if ep.generation > since {
			gen := ep.generation
			e.mu.Unlock()
			return gen, true
		}
		changed := ep.changed
		e.mu.Unlock()

		select {
		case <-changed:
		case <-timer.C():
			return e.Current(kind, id), false
		case <-ctx.Done():
			return e.Current(kind, id), false
		}
	}
}
