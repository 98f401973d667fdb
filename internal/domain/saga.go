package domain

import (
	"time"
)

// SagaStatus is the orchestrator-level lifecycle of a payment saga.
type SagaStatus string

const (
	SagaStatusRunning      SagaStatus = "RUNNING"
	SagaStatusCompensating SagaStatus = "COMPENSATING"
	SagaStatusCompleted    SagaStatus = "COMPLETED"
	SagaStatusFailed       SagaStatus = "FAILED"
	SagaStatusTimedOut     SagaStatus = "TIMED_OUT"
	SagaStatusRejected     SagaStatus = "REJECTED"
)

// IsTerminal reports whether the saga can no longer change.
func (s SagaStatus) IsTerminal() bool {
	switch s {
	case SagaStatusCompleted, SagaStatusFailed, SagaStatusTimedOut, SagaStatusRejected:
		return true
	}
	return false
}

// ResumeTrigger marks what a suspended saga is waiting for.
type ResumeTrigger string

const (
	ResumeOnClearingOutcome ResumeTrigger = "clearing_outcome"
	ResumeOnQueuedMessage   ResumeTrigger = "queued_message"
	ResumeOnDeadline        ResumeTrigger = "deadline"
)

// SagaInstance is the orchestrator aggregate for one payment. saga_id equals
// payment_id. Every mutation is persisted in the same transaction as the
// outbox event describing it.
type SagaInstance struct {
	SagaID         string `json:"saga_id"`
	TenantID       string `json:"tenant_id"`
	BusinessUnitID string `json:"business_unit_id"`

	CurrentStep    string   `json:"current_step"`
	CompletedSteps []string `json:"completed_steps"`
	// CompensationStack is the reverse of CompletedSteps filtered to steps
	// that declared a compensator. Empty once the saga is terminal.
	CompensationStack []string       `json:"compensation_stack"`
	AttemptCounts     map[string]int `json:"attempt_counts"`

	// Data carries step outputs (reservation id, hold ref, clearing ref,
	// routing decision) needed by later steps and compensators.
	Data map[string]interface{} `json:"data"`

	LastEventSeq int64         `json:"last_event_seq"`
	DeadlineAt   time.Time     `json:"deadline_at"`
	Status       SagaStatus    `json:"status"`
	FailureCause string        `json:"failure_cause,omitempty"`
	ResumeOn     ResumeTrigger `json:"resume_on,omitempty"`

	LeaseOwner     string     `json:"lease_owner,omitempty"`
	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Suspended reports whether the saga is parked waiting on an external
// trigger rather than eligible for driving.
func (s *SagaInstance) Suspended() bool {
	return s.ResumeOn != "" && !s.Status.IsTerminal()
}

// PushCompensator records a completed step's compensator on the LIFO stack.
func (s *SagaInstance) PushCompensator(step string) {
	s.CompensationStack = append(s.CompensationStack, step)
}

// PopCompensator removes and returns the most recent compensator. The
// second return is false when the stack is empty.
func (s *SagaInstance) PopCompensator() (string, bool) {
	if len(s.CompensationStack) == 0 {
		return "", false
	}
	top := s.CompensationStack[len(s.CompensationStack)-1]
	s.CompensationStack = s.CompensationStack[:len(s.CompensationStack)-1]
	return top, true
}

// PeekCompensator returns the next compensator without removing it.
func (s *SagaInstance) PeekCompensator() (string, bool) {
	if len(s.CompensationStack) == 0 {
		return "", false
	}
	return s.CompensationStack[len(s.CompensationStack)-1], true
}

// RecordAttempt increments and returns the attempt count for a step.
func (s *SagaInstance) RecordAttempt(step string) int {
	if s.AttemptCounts == nil {
		s.AttemptCounts = make(map[string]int)
	}
	s.AttemptCounts[step]++
	return s.AttemptCounts[step]
}

// SagaTransition is one audit row per state change, kept for operators and
// reconciliation.
type SagaTransition struct {
	ID         int64      `json:"id"`
	SagaID     string     `json:"saga_id"`
	TenantID   string     `json:"tenant_id"`
	FromStatus SagaStatus `json:"from_status"`
	ToStatus   SagaStatus `json:"to_status"`
	Step       string     `json:"step,omitempty"`
	Cause      string     `json:"cause,omitempty"`
	OccurredAt time.Time  `json:"occurred_at"`
}
