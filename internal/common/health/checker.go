package health

import "sync/atomic"

// Checker reports whether one aspect of the service is healthy.
type Checker interface {
	Check() error
}

// CheckerFunc adapts a function to the Checker interface.
type CheckerFunc func() error

func (f CheckerFunc) Check() error { return f() }

// StartupCompleteChecker fails until the service finishes initialisation,
// so a supervisor does not route to a server still running migrations.
type StartupCompleteChecker struct {
	complete atomic.Value
}

func NewStartupCompleteChecker() *StartupCompleteChecker {
	c := &StartupCompleteChecker{}
	c.complete.Store(false)
	return c
}

func (c *StartupCompleteChecker) MarkComplete() {
	c.complete.Store(true)
}

func (c *StartupCompleteChecker) Check() error {
	if done, ok := c.complete.Load().(bool); ok && done {
		return nil
	}
	return errStartingUp
}
