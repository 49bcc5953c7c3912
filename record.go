package sagaflow

import (
	"encoding/json"
	"time"
)

// EventType identifies the kind of transition a log record captures.
type EventType string

const (
	EventStarted               EventType = "STARTED"
	EventStepSucceeded         EventType = "STEP_SUCCEEDED"
	EventStepFailed            EventType = "STEP_FAILED"
	EventCompensationSucceeded EventType = "COMPENSATION_SUCCEEDED"
	EventCompensationFailed    EventType = "COMPENSATION_FAILED"
	EventCompleted             EventType = "COMPLETED"
	EventFailed                EventType = "FAILED"
	EventAborted               EventType = "ABORTED"
)

// Terminal reports whether the event closes the saga. ABORTED is the terminal
// record of a fully compensated saga.
func (e EventType) Terminal() bool {
	switch e {
	case EventCompleted, EventFailed, EventAborted:
		return true
	}
	return false
}

// Record is one immutable entry in a saga's log. Sequence numbers are
// per-saga, strictly increasing, and gapless; the log rejects anything else.
type Record struct {
	SagaID    string          `json:"sagaId"`
	Sequence  uint64          `json:"sequenceNumber"`
	Event     EventType       `json:"eventType"`
	StepName  string          `json:"stepName,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// startedData is the payload of a STARTED record. The type name is persisted
// so recovery can find the matching definition without any other state.
type startedData struct {
	TypeName string          `json:"typeName"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// successData is the payload of a STEP_SUCCEEDED record: the action's output
// plus the number of attempts it took, so the durable log carries the retry
// history of steps that eventually succeeded, not only of those that failed.
type successData struct {
	Output   json.RawMessage `json:"output,omitempty"`
	Attempts uint            `json:"attempts,omitempty"`
}

// failureData is the payload of STEP_FAILED and COMPENSATION_FAILED records.
type failureData struct {
	Error     string `json:"error"`
	Attempts  uint   `json:"attempts,omitempty"`
	Cancelled bool   `json:"cancelled,omitempty"`
}
