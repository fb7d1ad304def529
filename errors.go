package avstream

import (
	"errors"
	"fmt"
)

// Sentinel errors for session operations.
// These errors enable reliable error classification using errors.Is().
var (
	// ErrConfig indicates invalid construction parameters.
	ErrConfig = errors.New("invalid configuration")

	// ErrLifecycle indicates an operation not allowed in the current state.
	ErrLifecycle = errors.New("lifecycle violation")

	// ErrInvalidSession indicates the session failed and refuses new work.
	ErrInvalidSession = errors.New("session is invalid")

	// ErrNoMonitoringData indicates no packet has been received yet.
	ErrNoMonitoringData = errors.New("no monitoring data")

	// ErrAppOutputRunning indicates app output was started twice.
	ErrAppOutputRunning = errors.New("app output already running")
)

// ConfigError describes one invalid configuration field.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config %s: %s", e.Field, e.Reason)
}

// Is matches ErrConfig.
func (e *ConfigError) Is(target error) bool {
	return target == ErrConfig
}

// LifecycleError reports an operation refused because of the state it was
// attempted in. Nothing is released or changed when it is returned.
type LifecycleError struct {
	Op    string
	State State
}

func (e *LifecycleError) Error() string {
	return fmt.Sprintf("%s not allowed in state %s", e.Op, e.State)
}

// Is matches ErrLifecycle.
func (e *LifecycleError) Is(target error) bool {
	return target == ErrLifecycle
}
