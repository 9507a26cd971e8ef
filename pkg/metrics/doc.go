// Package metrics exposes the Prometheus counters and gauges of a skirmish process.
//
// Components accept a Recorder and default to NoopRecorder, so metrics stay
// optional for embedders and tests. The CLI wires a PrometheusRecorder and
// serves its registry with Handler.
package metrics
