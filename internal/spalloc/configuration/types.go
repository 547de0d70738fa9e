package configuration

import (
	"time"

	log "github.com/sirupsen/logrus"
)

type SpallocConfig struct {
	// Port the prometheus metrics and health endpoints are served on.
	MetricsPort uint16
	// When true, storage failure detail is included in caller-visible
	// errors. Leave off in production.
	Debug    bool
	LogLevel log.Level

	Postgres  PostgresConfig
	Allocator AllocatorConfig
	Keepalive KeepaliveConfig
	Quota     QuotaConfig
	BMP       BMPConfig
	Reports   ReportsConfig
	Wait      WaitConfig
}

type PostgresConfig struct {
	// libpq-style key/value pairs, e.g. host, port, dbname, user.
	Connection map[string]string
	// Upper bound on how long a transaction may wait on a row lock before
	// the statement fails and surfaces as a storage error.
	LockTimeout time.Duration
}

type AllocatorConfig struct {
	// How often the allocation engine attempts to place queued requests.
	Period time.Duration
	// A request whose importance is more than this far below the most
	// important pending request is skipped for the pass.
	ImportanceSpan int
	PriorityScale  PriorityScale
}

// PriorityScale sets how fast requests of each shape accrue importance while
// queued. Specific-board requests are weighted far higher so that users
// pinned to particular hardware are not starved.
type PriorityScale struct {
	Size          float64
	Dimensions    float64
	SpecificBoard float64
}

type KeepaliveConfig struct {
	// How often the expiry sweep runs.
	ExpiryPeriod time.Duration
	// Bounds on the per-job keepalive interval accepted at creation.
	Min time.Duration
	Max time.Duration
}

type QuotaConfig struct {
	// How often elapsed board-seconds are consolidated into owner balances.
	ConsolidationPeriod time.Duration
}

type BMPConfig struct {
	// Delay between issuing a power command and polling board status.
	ProbeInterval time.Duration
	// Retry budget for the power-on sequence.
	PowerAttempts int
	// Retry budget for FPGA bring-up after a successful power-on.
	FpgaAttempts int
	// Run against a simulated transceiver instead of real hardware.
	DummyHardware bool
}

type ReportsConfig struct {
	// Number of reports that must accumulate against one board before an
	// issue event is emitted to the notification collaborator.
	Threshold int
	// Reports older than this no longer count towards the threshold.
	Window time.Duration
}

type WaitConfig struct {
	// Default and maximum blocking time for wait-for-change calls.
	Default time.Duration
	Max     time.Duration
}
