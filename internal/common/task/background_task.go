package task

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"k8s.io/apimachinery/pkg/util/clock"
)

type task struct {
	function    func()
	interval    time.Duration
	metricName  string
	stopChannel chan bool
}

// BackgroundTaskManager runs periodic maintenance loops. It is not
// threadsafe; Register and StopAll should only be called from a single
// goroutine. Timing goes through the injected clock so tests can single-step
// the loops with a fake clock instead of sleeping.
type BackgroundTaskManager struct {
	tasks         []*task
	metricsPrefix string
	clock         clock.Clock
	paused        int32
	wg            *sync.WaitGroup
}

func NewBackgroundTaskManager(metricsPrefix string, c clock.Clock) *BackgroundTaskManager {
	return &BackgroundTaskManager{
		tasks:         []*task{},
		metricsPrefix: metricsPrefix,
		clock:         c,
		wg:            &sync.WaitGroup{},
	}
}

// Register starts running backgroundTask every interval, and once
// immediately. A paused manager keeps ticking but skips the task body.
func (m *BackgroundTaskManager) Register(backgroundTask func(), interval time.Duration, metricName string) {
	task := &task{
		function:    backgroundTask,
		interval:    interval,
		metricName:  metricName,
		stopChannel: make(chan bool),
	}
	m.startBackgroundTask(task)
	m.tasks = append(m.tasks, task)
}

// Pause makes all registered tasks skip their bodies until Resume is called.
// Used for service maintenance windows.
func (m *BackgroundTaskManager) Pause() {
	atomic.StoreInt32(&m.paused, 1)
}

func (m *BackgroundTaskManager) Resume() {
	atomic.StoreInt32(&m.paused, 0)
}

func (m *BackgroundTaskManager) isPaused() bool {
	return atomic.LoadInt32(&m.paused) == 1
}

// StopAll stops all registered tasks, waiting up to timeout for in-flight
// runs to finish. Returns true if the wait timed out.
func (m *BackgroundTaskManager) StopAll(timeout time.Duration) bool {
	m.stopTasks()
	return m.waitForShutdownCompletion(timeout)
}

func (m *BackgroundTaskManager) startBackgroundTask(task *task) {
	var taskDurationHistogram = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    m.metricsPrefix + task.metricName + "_latency_seconds",
			Help:    "Background loop " + task.metricName + " latency in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 15),
		})

	runOnce := func() {
		if m.isPaused() {
			return
		}
		start := m.clock.Now()
		task.function()
		taskDurationHistogram.Observe(m.clock.Since(start).Seconds())
	}

	m.wg.Add(1)
	go func() {
		runOnce()
		ticker := m.clock.NewTicker(task.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C():
			case <-task.stopChannel:
				m.wg.Done()
				return
			}
			runOnce()
		}
	}()
}

func (m *BackgroundTaskManager) waitForShutdownCompletion(timeout time.Duration) bool {
	c := make(chan struct{})
	go func() {
		defer close(c)
		m.wg.Wait()
	}()
	select {
	case <-c:
		return false // completed normally
	case <-time.After(timeout):
		return true // timed out
	}
}

func (m *BackgroundTaskManager) stopTasks() {
	for _, task := range m.tasks {
		task.stopChannel <- true
	}
}
