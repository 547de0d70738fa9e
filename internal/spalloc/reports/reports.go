// Package reports collects board-issue reports. When enough distinct reports
// accumulate against one board inside the configured window, a single issue
// event is emitted to the notification collaborator (which decides upstream
// whether to email an administrator).
package reports

import (
	"context"
	"fmt"
	"time"

	gocache "github.com/patrickmn/go-cache"
	log "github.com/sirupsen/logrus"
	"k8s.io/apimachinery/pkg/util/clock"

	"github.com/SpiNNakerManchester/spalloc-server/internal/spalloc/configuration"
	"github.com/SpiNNakerManchester/spalloc-server/internal/spalloc/model"
)

// Issue is the event handed to the notification collaborator once a board
// has collected enough reports.
type Issue struct {
	MachineID   int32
	BoardID     int32
	Description string
	Reporter    string
	ReportCount int
}

// Sink receives issue events. Implemented by the e-mail notification layer;
// a no-op sink is used when notifications are not configured.
type Sink interface {
	BoardIssue(ctx context.Context, issue Issue) error
}

// NopSink discards issue events.
type NopSink struct{}

func (NopSink) BoardIssue(context.Context, Issue) error { return nil }

// Store is the persistence the accumulator needs.
type Store interface {
	InsertBoardReport(ctx context.Context, report *model.BoardIssueReport, window time.Duration) (int, error)
}

// Accumulator persists reports and emits at most one issue event per board
// per window.
type Accumulator struct {
	store     Store
	sink      Sink
	clock     clock.Clock
	threshold int
	window    time.Duration
	// Boards we have already raised an issue for recently; stops a noisy
	// board producing an event per report.
	emitted *gocache.Cache
}

func NewAccumulator(store Store, sink Sink, c clock.Clock, config configuration.ReportsConfig) *Accumulator {
	return &Accumulator{
		store:     store,
		sink:      sink,
		clock:     c,
		threshold: config.Threshold,
		window:    config.Window,
		emitted:   gocache.New(config.Window, config.Window),
	}
}

// Report records a problem with a board. The report is always persisted;
// the issue event fires only when the accumulated count reaches the
// threshold and no event has been emitted for the board this window.
func (a *Accumulator) Report(ctx context.Context, machineID int32, report *model.BoardIssueReport) error {
	report.Timestamp = a.clock.Now()
	count, err := a.store.InsertBoardReport(ctx, report, a.window)
	if err != nil {
		return err
	}
	log.WithFields(log.Fields{
		"board":    report.BoardID,
		"reporter": report.Reporter,
		"count":    count,
	}).Info("board issue reported")

	if count < a.threshold {
		return nil
	}
	cacheKey := fmt.Sprint(report.BoardID)
	if _, already := a.emitted.Get(cacheKey); already {
		return nil
	}
	a.emitted.Set(cacheKey, struct{}{}, gocache.DefaultExpiration)

	return a.sink.BoardIssue(ctx, Issue{
		MachineID:   machineID,
		BoardID:     report.BoardID,
		Description: report.Description,
		Reporter:    report.Reporter,
		ReportCount: count,
	})
}
