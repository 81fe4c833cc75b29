package metrics

import "time"

// Recorder defines observability hooks for queue and job metrics. Implementations
// may forward to Prometheus, OpenTelemetry, etc. All methods must be safe on the
// NoopRecorder (allowing optional injection).
type Recorder interface {
	ObserveStageDuration(stage string, d time.Duration)
	ObserveJobDuration(d time.Duration)
	IncJobOutcome(outcome string) // outcome: completed|failed|cancelled
	IncJobRetry(stage string)
	IncRetryExhausted(stage string)
	IncLeaseRecovered()
	SetQueueDepth(n int)
	SetActiveWorkers(n int)
}

// NoopRecorder is a Recorder that does nothing (default when metrics not configured).
type NoopRecorder struct{}

func (NoopRecorder) ObserveStageDuration(string, time.Duration) {}
func (NoopRecorder) ObserveJobDuration(time.Duration)           {}
func (NoopRecorder) IncJobOutcome(string)                       {}
func (NoopRecorder) IncJobRetry(string)                         {}
func (NoopRecorder) IncRetryExhausted(string)                   {}
func (NoopRecorder) IncLeaseRecovered()                         {}
func (NoopRecorder) SetQueueDepth(int)                          {}
func (NoopRecorder) SetActiveWorkers(int)                       {}
