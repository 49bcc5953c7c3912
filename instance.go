package sagaflow

import (
	"encoding/json"
	"time"
)

// SagaState is the lifecycle state of a saga instance.
type SagaState string

const (
	StateCreated      SagaState = "CREATED"
	StateRunning      SagaState = "RUNNING"
	StateCompensating SagaState = "COMPENSATING"
	StateCompleted    SagaState = "COMPLETED"
	StateCompensated  SagaState = "COMPENSATED"
	StateFailed       SagaState = "FAILED"
)

// Terminal reports whether no further transitions can occur.
func (s SagaState) Terminal() bool {
	switch s {
	case StateCompleted, StateCompensated, StateFailed:
		return true
	}
	return false
}

// CompletedStep records a step whose action succeeded, along with the output
// its compensation will be called with.
type CompletedStep struct {
	Name   string          `json:"name"`
	Output json.RawMessage `json:"output,omitempty"`
}

// SagaInstance is a snapshot of one saga's progress. It is mutated exclusively
// by its owning coordinator; everyone else sees copies.
type SagaInstance struct {
	ID          string          `json:"id"`
	TypeName    string          `json:"typeName"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	State       SagaState       `json:"state"`
	CurrentStep int             `json:"currentStepIndex"`
	Completed   []CompletedStep `json:"completedSteps"`

	// Compensated and FailedCompensations track the unwind, so a recovered
	// saga never re-runs a compensation that already has a log record.
	Compensated         []string `json:"compensatedSteps,omitempty"`
	FailedCompensations []string `json:"failedCompensations,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	LastError string    `json:"lastError,omitempty"`
}

// clone returns a deep copy safe to hand outside the coordinator.
func (i *SagaInstance) clone() *SagaInstance {
	out := *i
	out.Completed = append([]CompletedStep(nil), i.Completed...)
	out.Compensated = append([]string(nil), i.Compensated...)
	out.FailedCompensations = append([]string(nil), i.FailedCompensations...)
	return &out
}
