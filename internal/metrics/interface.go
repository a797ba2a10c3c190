// Package metrics provides interfaces for metrics collection and monitoring.
package metrics

import (
	"time"

	"github.com/anstrom/nesspipe/internal/nessus"
)

// Recorder is the set of measurements the pipeline reports.
// Components accept a Recorder so tests can run without a registry.
type Recorder interface {
	// ObserveParse records the outcome of one assembled document.
	ObserveParse(stats nessus.Stats, duration time.Duration, err error)

	// AddExportRows counts rows written in the given output format.
	AddExportRows(format string, rows int)

	// IncrementClientRequests counts scanner API calls by method and status.
	IncrementClientRequests(method, status string)

	// IncrementDatabaseQueries counts store operations by outcome.
	IncrementDatabaseQueries(operation, status string)

	// IncrementHTTPRequests counts requests served by the API.
	IncrementHTTPRequests(method, path, status string)

	// ObserveJob records one finished worker pool job.
	ObserveJob(jobType, status string, duration time.Duration)
}

// Ensure that PrometheusMetrics implements Recorder interface.
var _ Recorder = (*PrometheusMetrics)(nil)

// Nop discards every measurement.
type Nop struct{}

func (Nop) ObserveParse(nessus.Stats, time.Duration, error) {}
func (Nop) AddExportRows(string, int)                       {}
func (Nop) IncrementClientRequests(string, string)          {}
func (Nop) IncrementDatabaseQueries(string, string)         {}
func (Nop) IncrementHTTPRequests(string, string, string)    {}
func (Nop) ObserveJob(string, string, time.Duration)        {}
