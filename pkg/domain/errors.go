package domain

import (
	"errors"
	"fmt"
)

// Common domain errors
var (
	ErrPipelineNotFound   = errors.New("pipeline not found")
	ErrStageNotFound      = errors.New("stage not found")
	ErrContractViolation  = errors.New("contract violation")
	ErrDynamicStage       = errors.New("dynamic stage failed")
	ErrInvalidDefinition  = errors.New("invalid definition")
	ErrConfigInvalid      = errors.New("invalid configuration")
	ErrSchedulerMissing   = errors.New("no scheduler configured")
	ErrUnknownScope       = errors.New("unknown override scope")
	ErrDuplicateStageName = errors.New("duplicate stage name")
)

// ResolutionError reports a pipeline or stage that could not be resolved at call time.
type ResolutionError struct {
	Pipeline string
	Stage    string
}

func (e *ResolutionError) Error() string {
	if e.Stage == "" {
		return fmt.Sprintf("pipeline %q not found in any scope", e.Pipeline)
	}
	return location(e.Pipeline, e.Stage) + ": stage not registered"
}

// Is lets callers match resolution failures against the sentinel errors.
func (e *ResolutionError) Is(target error) bool {
	if e.Stage == "" {
		return target == ErrPipelineNotFound
	}
	return target == ErrStageNotFound
}

// location renders pipeline.stage, or just the stage when it ran outside a pipeline.
func location(pipeline, stage string) string {
	if pipeline == "" {
		return stage
	}
	return pipeline + "." + stage
}

// ContractPhase names the side of a stage whose contract rejected a value.
type ContractPhase string

const (
	PhaseInput  ContractPhase = "input"
	PhaseOutput ContractPhase = "output"
)

// ContractError reports a value rejected by a stage's input or output contract.
type ContractError struct {
	Pipeline string
	Stage    string
	Phase    ContractPhase
	Err      error
}

func (e *ContractError) Error() string {
	return fmt.Sprintf("%s: %s validation failed: %v", location(e.Pipeline, e.Stage), e.Phase, e.Err)
}

func (e *ContractError) Unwrap() error {
	return e.Err
}

// Is matches ErrContractViolation.
func (e *ContractError) Is(target error) bool {
	return target == ErrContractViolation
}

// StageError wraps an error returned by a stage transform with its location.
// The original error stays reachable through errors.Is and errors.As.
type StageError struct {
	Pipeline string
	Stage    string
	Err      error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", location(e.Pipeline, e.Stage), e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// HandlerError wraps an error returned by a dynamic stage handler.
type HandlerError struct {
	Pipeline string
	Anchor   string
	ID       string
	Err      error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("%s: dynamic stage %q failed: %v", location(e.Pipeline, e.Anchor), e.ID, e.Err)
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}

// Is matches ErrDynamicStage.
func (e *HandlerError) Is(target error) bool {
	return target == ErrDynamicStage
}
