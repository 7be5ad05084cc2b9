package model

import (
	"errors"
	"fmt"
)

// Error taxonomy. Configuration errors are rejected synchronously with no
// state mutation; sink/deployment failures are recoverable and retryable;
// an unrecoverable state means a rollback could not be executed safely and
// requires operator attention.
var (
	ErrInvalidConfiguration  = errors.New("invalid configuration")
	ErrInvalidVariantWeights = errors.New("invalid variant weights")
	ErrEventSinkUnavailable  = errors.New("event sink unavailable")
	ErrDeploymentFailure     = errors.New("deployment failure")
	ErrUnrecoverableState    = errors.New("unrecoverable state")
	ErrFeatureNotFound       = errors.New("feature not found")
	ErrExperimentNotFound    = errors.New("experiment not found")
	ErrRollbackInFlight      = errors.New("rollback already in flight")
	ErrNoRollbackPoint       = errors.New("no rollback point defined")
)

// ConfigError wraps ErrInvalidConfiguration with the offending field and value.
type ConfigError struct {
	Field string
	Value any
	Msg   string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid configuration: %s=%v: %s", e.Field, e.Value, e.Msg)
}

func (e *ConfigError) Unwrap() error { return ErrInvalidConfiguration }
