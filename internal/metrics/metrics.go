// Package metrics is the process-wide metrics seam used by the GIS workflows.
//
// Workflow code only calls the package-level helpers. A concrete backend (Datadog)
// is installed once by the command via SetBackend; until then every call is a no-op.
package metrics

import (
	"strconv"
	"sync"
	"time"
)

// Labels are metric dimensions (e.g. step, status, kind).
type Labels map[string]string

// Metric names understood by backends. Unknown names are ignored by backends.
const (
	StepTotal           = "gis_step_total"
	StepDurationSeconds = "gis_step_duration_seconds"
	RecordsTotal        = "gis_records_total"
	BatchesTotal        = "gis_batches_total"
	StatementsTotal     = "gis_statements_total"

	HTTPRequestsTotal          = "gis_http_requests_total"
	HTTPErrorsTotal            = "gis_http_errors_total"
	HTTPRequestDurationSeconds = "gis_http_request_duration_seconds"
)

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

// SetBackend installs b as the process-wide backend. A nil b restores the no-op backend.
func SetBackend(b Backend) {
	mu.Lock()
	defer mu.Unlock()
	if b == nil {
		backend = nopBackend{}
		return
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
func Flush() error {
	return current().Flush()
}

// RecordStep counts one execution of step and its duration, labelled ok or error.
func RecordStep(step string, start time.Time, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	l := Labels{"step": step, "status": status}
	IncCounter(StepTotal, 1, l)
	ObserveHistogram(StepDurationSeconds, time.Since(start).Seconds(), l)
}

// AddRecords counts records of a given kind (read, matched, skipped, updated).
func AddRecords(kind string, n int) {
	if n <= 0 {
		return
	}
	IncCounter(RecordsTotal, float64(n), Labels{"kind": kind})
}

// RecordHTTP counts one outbound request and its latency, labelled by status
// class ("2xx", "4xx", ...) or "error" when no response arrived.
func RecordHTTP(status int, start time.Time, err error) {
	class := "error"
	if err == nil {
		class = strconv.Itoa(status/100) + "xx"
	}
	l := Labels{"status": class}
	IncCounter(HTTPRequestsTotal, 1, l)
	ObserveHistogram(HTTPRequestDurationSeconds, time.Since(start).Seconds(), l)
	if err != nil || status >= 400 {
		IncCounter(HTTPErrorsTotal, 1, l)
	}
}
