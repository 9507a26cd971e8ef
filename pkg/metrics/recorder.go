package metrics

import "time"

// RunOutcome enumerates pipeline run result categories for counters.
type RunOutcome string

const (
	RunSuccess           RunOutcome = "success"
	RunNotFound          RunOutcome = "not_found"
	RunContractViolation RunOutcome = "contract_violation"
	RunFailed            RunOutcome = "failed"
)

// InvalidationCause names the mutation that cleared a chain cache.
type InvalidationCause string

const (
	CauseDefinitions InvalidationCause = "definitions"
	CauseOverrides   InvalidationCause = "overrides"
	CauseDynamic     InvalidationCause = "dynamic"
)

// Recorder defines observability hooks for pipeline runs and engine state.
// Implementations may forward to Prometheus or elsewhere; NoopRecorder is the
// default when metrics are not configured.
type Recorder interface {
	ObserveRunDuration(pipeline string, d time.Duration)
	IncRunOutcome(pipeline string, outcome RunOutcome)
	IncChainCache(hit bool)
	IncCacheInvalidation(cause InvalidationCause)
	SetDynamicStages(n int)
	IncConfigReload(success bool)
	ObserveFrameIntents(n int)
}

// NoopRecorder is a Recorder that does nothing.
type NoopRecorder struct{}

func (NoopRecorder) ObserveRunDuration(string, time.Duration) {}
func (NoopRecorder) IncRunOutcome(string, RunOutcome)         {}
func (NoopRecorder) IncChainCache(bool)                       {}
func (NoopRecorder) IncCacheInvalidation(InvalidationCause)   {}
func (NoopRecorder) SetDynamicStages(int)                     {}
func (NoopRecorder) IncConfigReload(bool)                     {}
func (NoopRecorder) ObserveFrameIntents(int)                  {}
