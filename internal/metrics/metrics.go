// Package metrics is the process-wide metrics seam. Sync code reports through
// the package-level helpers; cmd/apisync picks a Backend (Datadog or none) at
// startup. The default backend drops everything.
package metrics

import (
	"sync"
	"time"
)

// Metric names reported by the sync engine.
const (
	StepTotal           = "sync_step_total"            // labels: step, status
	StepDurationSeconds = "sync_step_duration_seconds" // labels: step, status
	RowsTotal           = "sync_rows_total"            // labels: kind
	ChunksTotal         = "sync_chunks_total"
	ChunkDurationSecs   = "sync_chunk_duration_seconds"
	DDLTotal            = "sync_ddl_total" // labels: op, status
)

// Labels are metric dimensions.
type Labels map[string]string

// Backend receives metric observations.
type Backend interface {
	IncCounter(name string, delta float64, labels Labels)
	ObserveHistogram(name string, value float64, labels Labels)
	Flush() error
}

type nopBackend struct{}

func (nopBackend) IncCounter(string, float64, Labels)       {}
func (nopBackend) ObserveHistogram(string, float64, Labels) {}
func (nopBackend) Flush() error                             { return nil }

var (
	mu      sync.RWMutex
	backend Backend = nopBackend{}
)

// SetBackend replaces the process-wide backend. nil restores the nop backend.
func SetBackend(b Backend) {
	mu.Lock()
	defer mu.Unlock()
	if b == nil {
		b = nopBackend{}
	}
	backend = b
}

func current() Backend {
	mu.RLock()
	defer mu.RUnlock()
	return backend
}

// IncCounter adds delta to a counter.
func IncCounter(name string, delta float64, labels Labels) {
	current().IncCounter(name, delta, labels)
}

// ObserveHistogram records one sample.
func ObserveHistogram(name string, value float64, labels Labels) {
	current().ObserveHistogram(name, value, labels)
}

// Flush asks the backend to submit buffered data.
func Flush() error { return current().Flush() }

// RecordStep counts one step outcome and its duration since start. A nil err
// is status "ok", anything else "error".
func RecordStep(step string, start time.Time, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	l := Labels{"step": step, "status": status}
	IncCounter(StepTotal, 1, l)
	ObserveHistogram(StepDurationSeconds, time.Since(start).Seconds(), l)
}
