// Package telemetry wires OpenTelemetry exporters and meters for the skirmish
// pipeline engine.
//
// It centralises trace provider setup and offers helpers that record stage
// execution metrics and annotate spans with chain cache and policy gate
// outcomes, so a slow or rejected skill can be traced back to the stage that
// caused it.
package telemetry
