package models

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across the store and service layers.
var (
	ErrSessionNotFound     = errors.New("session not found")
	ErrBatchNotFound       = errors.New("prompt batch not found")
	ErrObservationNotFound = errors.New("observation not found")
	ErrScheduleNotFound    = errors.New("agent schedule not found")
	ErrCycle               = errors.New("session parent link would create a cycle")
)

// CycleError reports an attempted parent link whose ancestor chain includes
// the session itself. Surfaced to the caller, never silently dropped.
type CycleError struct {
	SessionID string
	ParentID  string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("linking session %s to parent %s would create a cycle", e.SessionID, e.ParentID)
}

func (e *CycleError) Is(target error) bool { return target == ErrCycle }

// CapabilityError reports a missing or misconfigured injected dependency
// (LLM client, embedding provider, agent runner). Configuration problem;
// callers must not retry.
type CapabilityError struct {
	Capability string
	Detail     string
}

func (e *CapabilityError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("capability %q is not configured", e.Capability)
	}
	return fmt.Sprintf("capability %q is not configured: %s", e.Capability, e.Detail)
}

// StoreError wraps a vector store failure. The vector index is derived
// state, so callers log and continue; the row keeps embedded=false and the
// upsert is retried later.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string { return fmt.Sprintf("vector store %s: %v", e.Op, e.Err) }
func (e *StoreError) Unwrap() error { return e.Err }
