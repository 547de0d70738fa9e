// Package serviceerrors contains the typed errors returned by the service
// core. The API translation layer looks for the error types defined in this
// file to decide what kind of response a caller receives.
//
// If multiple errors occur in some operation (e.g., several boards fail to
// power on), that operation should return an error of type multierror.Error
// from github.com/hashicorp/go-multierror that encapsulates the individual
// errors.
package serviceerrors

import (
	"fmt"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	"github.com/pkg/errors"
)

// ErrNotFound is a generic error to be returned whenever some resource isn't
// found. Type and Message are optional and are omitted from the error message
// if not provided.
type ErrNotFound struct {
	Type    string // Resource type, e.g., "machine" or "job"
	Value   string // Resource name or id, e.g., "SpiNNaker1M"
	Message string // An optional message to include in the error message
}

func (err *ErrNotFound) Error() (s string) {
	if err.Type != "" {
		s = fmt.Sprintf("resource %q of type %q not found", err.Value, err.Type)
	} else {
		s = fmt.Sprintf("resource %q not found", err.Value)
	}
	if err.Message != "" {
		return s + fmt.Sprintf("; %s", err.Message)
	}
	return s
}

// ErrInvalidArgument is a generic error to be returned on invalid argument.
// Message is optional and is omitted from the error message if not provided.
type ErrInvalidArgument struct {
	Name    string      // Name of the field referred to, e.g., "keepaliveInterval"
	Value   interface{} // The invalid value that was provided
	Message string      // An optional message explaining why the value is invalid
}

func (err *ErrInvalidArgument) Error() string {
	if err.Message == "" {
		return fmt.Sprintf("value %q is invalid for field %q", err.Value, err.Name)
	}
	return fmt.Sprintf("value %q is invalid for field %q; %s", err.Value, err.Name, err.Message)
}

// ErrNoPermission occurs when a caller tries to perform an action it is not
// entitled to. The server logs the full detail; callers only ever see the
// bare message.
type ErrNoPermission struct {
	// Principal that attempted the action.
	Principal string
	// The attempted action.
	Action string
}

func (err *ErrNoPermission) Error() string {
	return "permission denied"
}

// ErrQuotaExceeded occurs when job creation would drive an owner's
// board-second balance below zero. It is resource exhaustion, not a fault.
type ErrQuotaExceeded struct {
	Owner     string
	Machine   string
	Balance   int64 // board-seconds remaining
	Projected int64 // board-seconds the job would consume up front
}

func (err *ErrQuotaExceeded) Error() string {
	return fmt.Sprintf(
		"quota exhausted for %q on %q: %d board-seconds held, %d needed",
		err.Owner, err.Machine, err.Balance, err.Projected)
}

// ErrUnavailable indicates a storage-layer failure (e.g., a lock-wait
// timeout). Detail carries the underlying cause; UserMessage decides how much
// of it a caller gets to see.
type ErrUnavailable struct {
	Detail string
}

func (err *ErrUnavailable) Error() string {
	return "service temporarily unavailable"
}

// UserMessage renders an error for a caller. Storage failures get a
// deliberately bland message unless debug mode is on, to avoid leaking
// internals; everything else renders its cause directly.
func UserMessage(err error, debug bool) string {
	var unavailable *ErrUnavailable
	if errors.As(err, &unavailable) {
		if debug && unavailable.Detail != "" {
			return fmt.Sprintf("%s: %s", unavailable.Error(), unavailable.Detail)
		}
		return unavailable.Error()
	}
	return errors.Cause(err).Error()
}

// IsRetryableStorageError reports whether err is a transient postgres
// condition that a caller may retry: lock-wait timeout, serialisation
// failure, or deadlock.
func IsRetryableStorageError(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case pgerrcode.LockNotAvailable,
		pgerrcode.SerializationFailure,
		pgerrcode.DeadlockDetected:
		return true
	}
	return false
}
