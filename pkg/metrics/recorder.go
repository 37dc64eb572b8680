package metrics

import (
	"sync"
	"time"

	"github.com/cuemby/relay/pkg/taskerr"
	"github.com/cuemby/relay/pkg/types"
)

const (
	sampleInterval = 10 * time.Second
	seriesWindow   = 24 * time.Hour
	seriesCapacity = int(seriesWindow / sampleInterval)

	defaultAlertCapacity = 1000
)

// counters is one worker's running tallies, guarded by Recorder.mu.
type counters struct {
	tasksStarted   int64
	tasksCompleted int64
	tasksFailed    int64
	apiCallsTotal  int64
	apiCallsOK     int64
	apiCallsLimited int64

	recentFailures int
	recentTotal    int

	durationSum time.Duration
	durationN   int64
}

// Alert is a threshold-crossing record, both published and persisted.
type Alert struct {
	WorkerID  string    `json:"workerId"`
	Signal    string    `json:"signal"`
	Value     float64   `json:"value"`
	Threshold float64   `json:"threshold"`
	Ts        time.Time `json:"ts"`
}

// Recorder tracks per-worker counters, a bounded 24h time-series ring
// buffer, and a bounded alert history. It is the in-process counterpart to
// the Prometheus vars above, used for anything Prometheus itself cannot
// answer (a point-in-time snapshot, a 24h series, a bounded alert list).
type Recorder struct {
	mu       sync.Mutex
	counters map[string]*counters
	series   map[string]*ring
	alerts   []Alert
	alertCap int
}

// NewRecorder constructs an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{
		counters: make(map[string]*counters),
		series:   make(map[string]*ring),
		alertCap: defaultAlertCapacity,
	}
}

func (r *Recorder) counterFor(workerID string) *counters {
	c, ok := r.counters[workerID]
	if !ok {
		c = &counters{}
		r.counters[workerID] = c
	}
	return c
}

// RecordTaskStarted increments the started counter for workerID.
func (r *Recorder) RecordTaskStarted(workerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counterFor(workerID).tasksStarted++
	TasksStarted.WithLabelValues(workerID).Inc()
}

// RecordTaskCompleted increments the completed counter.
func (r *Recorder) RecordTaskCompleted(workerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.counterFor(workerID)
	c.tasksCompleted++
	c.recentTotal++
	TasksCompleted.WithLabelValues(workerID).Inc()
	APICallsTotal.WithLabelValues(workerID, "success").Inc()
}

// RecordTaskFailed increments the failed counter, bucketed by the
// classified error kind.
func (r *Recorder) RecordTaskFailed(workerID string, kind taskerr.Kind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.counterFor(workerID)
	c.tasksFailed++
	c.recentTotal++
	c.recentFailures++
	TasksFailed.WithLabelValues(workerID, string(kind)).Inc()
	if kind == taskerr.RateLimited {
		APICallsTotal.WithLabelValues(workerID, "rate_limited").Inc()
	} else {
		APICallsTotal.WithLabelValues(workerID, "error").Inc()
	}
}

// ObserveTaskDuration records a task's execution time toward the mean and
// the Prometheus histogram.
func (r *Recorder) ObserveTaskDuration(workerID string, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.counterFor(workerID)
	c.durationSum += d
	c.durationN++
	TaskDuration.WithLabelValues(workerID).Observe(d.Seconds())
}

// Snapshot is a derived per-worker metrics view.
type Snapshot struct {
	WorkerID        string
	TasksStarted    int64
	TasksCompleted  int64
	TasksFailed     int64
	SuccessRate     float64
	MeanTaskDuration time.Duration
	ErrorRatePerMin float64
}

// ResetRecentWindow zeroes the recent-failure/recent-total counters used to
// derive Snapshot's SuccessRate and ErrorRatePerMin, called by health.Monitor
// once per assessment cycle so those fields reflect only the cycle just
// closed rather than the worker's entire lifetime.
func (r *Recorder) ResetRecentWindow(workerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.counterFor(workerID)
	c.recentFailures = 0
	c.recentTotal = 0
}

// Snapshot returns the derived metrics for workerID at the current time.
func (r *Recorder) Snapshot(workerID string) Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.counterFor(workerID)

	var successRate float64
	if c.recentTotal > 0 {
		successRate = float64(c.recentTotal-c.recentFailures) / float64(c.recentTotal)
	} else {
		successRate = 1.0
	}

	var mean time.Duration
	if c.durationN > 0 {
		mean = c.durationSum / time.Duration(c.durationN)
	}

	return Snapshot{
		WorkerID:         workerID,
		TasksStarted:     c.tasksStarted,
		TasksCompleted:   c.tasksCompleted,
		TasksFailed:      c.tasksFailed,
		SuccessRate:      successRate,
		MeanTaskDuration: mean,
		ErrorRatePerMin:  float64(c.recentFailures), // sampled per health-monitor cycle, see health.Monitor
	}
}

// ring is a bounded 24h, 10s-sampled time series.
type ring struct {
	samples []types.MetricSample
	next    int
	full    bool
}

func newRing() *ring {
	return &ring{samples: make([]types.MetricSample, seriesCapacity)}
}

func (r *ring) add(s types.MetricSample) {
	r.samples[r.next] = s
	r.next = (r.next + 1) % seriesCapacity
	if r.next == 0 {
		r.full = true
	}
}

func (r *ring) all() []types.MetricSample {
	if !r.full {
		return append([]types.MetricSample(nil), r.samples[:r.next]...)
	}
	out := make([]types.MetricSample, 0, seriesCapacity)
	out = append(out, r.samples[r.next:]...)
	out = append(out, r.samples[:r.next]...)
	return out
}

// Sample appends one time-series point for workerID, evicting the oldest
// sample once the 24h ring is full.
func (r *Recorder) Sample(workerID string, s types.MetricSample) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ringBuf, ok := r.series[workerID]
	if !ok {
		ringBuf = newRing()
		r.series[workerID] = ringBuf
	}
	if s.Timestamp.IsZero() {
		s.Timestamp = time.Now()
	}
	ringBuf.add(s)
}

// Series returns the current 24h time series for workerID, oldest first.
func (r *Recorder) Series(workerID string) []types.MetricSample {
	r.mu.Lock()
	defer r.mu.Unlock()
	ringBuf, ok := r.series[workerID]
	if !ok {
		return nil
	}
	return ringBuf.all()
}

// RaiseAlert records an alert both in the bounded history and (by the
// caller) on the alert channel.
func (r *Recorder) RaiseAlert(a Alert) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a.Ts.IsZero() {
		a.Ts = time.Now()
	}
	r.alerts = append(r.alerts, a)
	if len(r.alerts) > r.alertCap {
		r.alerts = r.alerts[len(r.alerts)-r.alertCap:]
	}
	AlertsTotal.WithLabelValues(a.Signal).Inc()
}

// Alerts returns the bounded alert history, oldest first.
func (r *Recorder) Alerts() []Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Alert(nil), r.alerts...)
}
