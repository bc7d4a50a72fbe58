// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package apperr defines the error kinds shared across the store, sync
// engine, and workflow runtime. Each kind is a distinct type so callers
// can discriminate with errors.As instead of string matching.
package apperr

import (
	"fmt"
	"time"
)

// NotFoundError reports a lookup that found nothing where absence is an
// expected outcome (a mapping lookup, a step record query).
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// CycleRejectedError is returned when inserting a blocks-edge would create
// a cycle in the dependency graph.
type CycleRejectedError struct {
	FromID string
	ToID   string
}

func (e *CycleRejectedError) Error() string {
	return fmt.Sprintf("dependency %s -> %s rejected: would create a cycle", e.FromID, e.ToID)
}

// MappingConflictError is returned when a mapping insert would rebind an
// already-mapped local id or remote number.
type MappingConflictError struct {
	LocalID      string
	RemoteNumber int
	Scope        string
}

func (e *MappingConflictError) Error() string {
	return fmt.Sprintf("mapping conflict in scope %s: local=%s remote=%d already bound to a different counterpart", e.Scope, e.LocalID, e.RemoteNumber)
}

// RemoteClass distinguishes why a remote call failed, for logging and
// metrics; it does not change retry behavior (Classify does that).
type RemoteClass string

const (
	RemoteClassRateLimit   RemoteClass = "rate_limit"
	RemoteClassServerError RemoteClass = "server_error"
	RemoteClassNetwork     RemoteClass = "network"
	RemoteClassTimeout     RemoteClass = "timeout"
	RemoteClassUnavailable RemoteClass = "unavailable"
)

// TransientRemoteError wraps a remote-tracker failure the Retry Layer
// considers retryable.
type TransientRemoteError struct {
	Class      RemoteClass
	StatusCode int
	RetryAfter time.Duration
	Cause      error
}

func (e *TransientRemoteError) Error() string {
	return fmt.Sprintf("transient remote error (%s, status=%d): %v", e.Class, e.StatusCode, e.Cause)
}

func (e *TransientRemoteError) Unwrap() error { return e.Cause }

// TerminalRemoteError wraps a remote-tracker failure that must not be
// retried (4xx other than 429).
type TerminalRemoteError struct {
	StatusCode int
	Message    string
	Cause      error
}

func (e *TerminalRemoteError) Error() string {
	return fmt.Sprintf("terminal remote error (status=%d): %s", e.StatusCode, e.Message)
}

func (e *TerminalRemoteError) Unwrap() error { return e.Cause }

// ExhaustedRetriesError is raised when the Retry Layer gives up after
// max_retries transient failures.
type ExhaustedRetriesError struct {
	Attempts     int
	TotalDelay   time.Duration
	LastErr      error
}

func (e *ExhaustedRetriesError) Error() string {
	return fmt.Sprintf("exhausted retries after %d attempts (%v total delay): %v", e.Attempts, e.TotalDelay, e.LastErr)
}

func (e *ExhaustedRetriesError) Unwrap() error { return e.LastErr }

// ConflictDetectedError records a bidirectional sync conflict: both the
// local and remote sides changed since the mapping's last snapshot.
type ConflictDetectedError struct {
	LocalID       string
	RemoteNumber  int
	LocalUpdated  time.Time
	RemoteUpdated time.Time
	Resolution    string
}

func (e *ConflictDetectedError) Error() string {
	return fmt.Sprintf("conflict on local=%s remote=%d: local_updated=%s remote_updated=%s resolved=%s",
		e.LocalID, e.RemoteNumber, e.LocalUpdated, e.RemoteUpdated, e.Resolution)
}

// ReviewRejectedError is a Development Workflow outcome: the agent's own
// review pass declined the diff.
type ReviewRejectedError struct {
	IssueID string
	Summary string
}

func (e *ReviewRejectedError) Error() string {
	return fmt.Sprintf("review rejected for issue %s: %s", e.IssueID, e.Summary)
}

// ApprovalTimeoutError is a Development Workflow outcome: the PR sat
// unapproved past its deadline.
type ApprovalTimeoutError struct {
	IssueID string
	Waited  time.Duration
}

func (e *ApprovalTimeoutError) Error() string {
	return fmt.Sprintf("pr approval timed out for issue %s after %v", e.IssueID, e.Waited)
}

// TerminatedError is a Durable Step Runtime outcome: the instance was
// explicitly terminated.
type TerminatedError struct {
	InstanceID string
	Reason     string
}

func (e *TerminatedError) Error() string {
	return fmt.Sprintf("workflow instance %s terminated: %s", e.InstanceID, e.Reason)
}

// DuplicateStepError is a programmer error: a workflow body registered
// two step.do calls under the same name.
type DuplicateStepError struct {
	WorkflowID string
	StepName   string
}

func (e *DuplicateStepError) Error() string {
	return fmt.Sprintf("duplicate step name %q in workflow %s", e.StepName, e.WorkflowID)
}

// EventTimeoutError is raised by step.wait_for_event when no event
// arrives before the deadline.
type EventTimeoutError struct {
	WorkflowID string
	EventName  string
	Timeout    time.Duration
}

func (e *EventTimeoutError) Error() string {
	return fmt.Sprintf("wait_for_event(%s) on workflow %s timed out after %v", e.EventName, e.WorkflowID, e.Timeout)
}

// ValidationError reports bad input from a caller.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// ConfigError reports a configuration load or validation problem.
type ConfigError struct {
	Key    string
	Reason string
	Cause  error
}

func (e *ConfigError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("config error at %s: %s", e.Key, e.Reason)
	}
	return fmt.Sprintf("config error: %s", e.Reason)
}

func (e *ConfigError) Unwrap() error { return e.Cause }
