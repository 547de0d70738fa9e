package health

import (
	"errors"
	"strings"
)

var errStartingUp = errors.New("service is still starting up")

// MultiChecker aggregates checkers; it is healthy only when every member is.
type MultiChecker struct {
	checkers []Checker
}

func NewMultiChecker(checkers ...Checker) *MultiChecker {
	return &MultiChecker{checkers: checkers}
}

func (mc *MultiChecker) Add(checker Checker) {
	mc.checkers = append(mc.checkers, checker)
}

func (mc *MultiChecker) Check() error {
	var failures []string
	for _, checker := range mc.checkers {
		if err := checker.Check(); err != nil {
			failures = append(failures, err.Error())
		}
	}
	if len(failures) == 0 {
		return nil
	}
	return errors.New(strings.Join(failures, "\n"))
}
