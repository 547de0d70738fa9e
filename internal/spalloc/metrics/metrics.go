// Package metrics exposes the fleet state to prometheus. Counts are read
// from the store at scrape time rather than maintained incrementally, so a
// scrape is always consistent with the database.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/SpiNNakerManchester/spalloc-server/internal/spalloc/model"
	"github.com/SpiNNakerManchester/spalloc-server/internal/spalloc/repository"
)

const scrapeTimeout = 5 * time.Second

// Provider is the store surface the collector reads at scrape time.
type Provider interface {
	JobStateCounts(ctx context.Context) (map[model.JobState]int, error)
	BoardCounts(ctx context.Context) ([]repository.MachineBoardCounts, error)
}

var (
	jobsDesc = prometheus.NewDesc(
		"spalloc_jobs",
		"Number of jobs by lifecycle state.",
		[]string{"state"}, nil)
	boardsDesc = prometheus.NewDesc(
		"spalloc_boards",
		"Number of boards per machine.",
		[]string{"machine"}, nil)
	allocatedDesc = prometheus.NewDesc(
		"spalloc_boards_allocated",
		"Number of boards per machine currently held by a job.",
		[]string{"machine"}, nil)
	deadDesc = prometheus.NewDesc(
		"spalloc_boards_dead",
		"Number of boards per machine marked non-functioning.",
		[]string{"machine"}, nil)
)

// Collector implements prometheus.Collector over the store.
type Collector struct {
	provider Provider
}

func NewCollector(provider Provider) *Collector {
	return &Collector{provider: provider}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- jobsDesc
	ch <- boardsDesc
	ch <- allocatedDesc
	ch <- deadDesc
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), scrapeTimeout)
	defer cancel()

	var jobCounts map[model.JobState]int
	var boardCounts []repository.MachineBoardCounts
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		jobCounts, err = c.provider.JobStateCounts(ctx)
		return err
	})
	g.Go(func() error {
		var err error
		boardCounts, err = c.provider.BoardCounts(ctx)
		return err
	})
	if err := g.Wait(); err != nil {
		log.WithError(err).Error("failed to collect fleet metrics")
		return
	}

	for _, state := range []model.JobState{
		model.JobQueued, model.JobPower, model.JobReady, model.JobDestroyed,
	} {
		ch <- prometheus.MustNewConstMetric(
			jobsDesc, prometheus.GaugeValue, float64(jobCounts[state]), string(state))
	}
	for _, counts := range boardCounts {
		ch <- prometheus.MustNewConstMetric(
			boardsDesc, prometheus.GaugeValue, float64(counts.Total), counts.MachineName)
		ch <- prometheus.MustNewConstMetric(
			allocatedDesc, prometheus.GaugeValue, float64(counts.Allocated), counts.MachineName)
		ch <- prometheus.MustNewConstMetric(
			deadDesc, prometheus.GaugeValue, float64(counts.Dead), counts.MachineName)
	}
}
