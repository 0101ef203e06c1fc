// Package metrics is the backend-agnostic metrics facade used by the
// converter stages. Stages record through package-level helpers; the process
// picks a backend once at startup with SetBackend.
package metrics

import (
	"strconv"
	"sync"
	"time"
)

// Metric names understood by backends.
const (
	StepTotal           = "dumpflat_step_total"
	StepDurationSeconds = "dumpflat_step_duration_seconds"
	RecordsTotal        = "dumpflat_records_total"
	BytesTotal          = "dumpflat_bytes_total"
	BatchesTotal        = "dumpflat_batches_total"
	HTTPRequestsTotal   = "dumpflat_http_requests_total"
	HTTPErrorsTotal     = "dumpflat_http_errors_total"
	HTTPRequestSeconds  = "dumpflat_http_request_duration_seconds"
	HTTPResponseSeconds = "dumpflat_http_response_duration_seconds"
	HTTPDownloadBytes   = "dumpflat_http_download_bytes"
)

// Labels is a flat label set attached to one observation.
type Labels map[string]string

// Backend receives observations. Implementations must be safe for concurrent use.
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

// SetBackend installs b as the process-wide backend. A nil b restores the nop backend.
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

// Flush asks the current backend to submit buffered observations.
func Flush() error { return current().Flush() }

// IncCounter forwards to the current backend.
func IncCounter(name string, delta float64, labels Labels) {
	current().IncCounter(name, delta, labels)
}

// ObserveHistogram forwards to the current backend.
func ObserveHistogram(name string, value float64, labels Labels) {
	current().ObserveHistogram(name, value, labels)
}

// RecordStep counts one finished pipeline step and its duration.
func RecordStep(step string, err error, d time.Duration) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	l := Labels{"step": step, "status": status}
	IncCounter(StepTotal, 1, l)
	ObserveHistogram(StepDurationSeconds, d.Seconds(), l)
}

// RecordRecords counts records of a kind (chunked, emitted, loaded, dropped).
func RecordRecords(kind string, n int64) {
	if n <= 0 {
		return
	}
	IncCounter(RecordsTotal, float64(n), Labels{"kind": kind})
}

// RecordBytes counts bytes processed by a stage.
func RecordBytes(stage string, n int64) {
	if n <= 0 {
		return
	}
	IncCounter(BytesTotal, float64(n), Labels{"stage": stage})
}

// RecordBatch counts one database batch.
func RecordBatch() { IncCounter(BatchesTotal, 1, nil) }

// RecordHTTP records one HTTP attempt. Negative durations and sizes mean
// "not reached" and are skipped.
func RecordHTTP(job string, status int, err error, reqDur, respDur time.Duration, bytes int64) {
	st := "error"
	if status > 0 {
		st = strconv.Itoa(status)
	}
	l := Labels{"job": job, "status": st}

	IncCounter(HTTPRequestsTotal, 1, l)
	if err != nil || status == 0 || status >= 400 {
		IncCounter(HTTPErrorsTotal, 1, l)
	}
	if reqDur >= 0 {
		ObserveHistogram(HTTPRequestSeconds, reqDur.Seconds(), l)
	}
	if respDur >= 0 {
		ObserveHistogram(HTTPResponseSeconds, respDur.Seconds(), l)
	}
	if bytes >= 0 {
		ObserveHistogram(HTTPDownloadBytes, float64(bytes), l)
	}
}
