package sagaflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
)

// RebuildInstance folds a saga's log records back into its state. The fold is
// deterministic: the same records always produce the same instance, which is
// what makes crash recovery and status reads off the log possible. It returns
// the instance together with the highest sequence number seen, so a resuming
// coordinator continues the log from the right slot.
func RebuildInstance(records []Record) (*SagaInstance, uint64, error) {
	if len(records) == 0 {
		return nil, 0, errors.New("rebuild: no records")
	}

	inst := &SagaInstance{}
	var seq uint64

	for i, rec := range records {
		if rec.Sequence != uint64(i)+1 {
			return nil, 0, fmt.Errorf(
				"rebuild saga %s: gap in log, record %d has sequence %d",
				rec.SagaID, i, rec.Sequence,
			)
		}
		if i > 0 && rec.SagaID != inst.ID {
			return nil, 0, fmt.Errorf(
				"rebuild saga %s: record for different saga %s",
				inst.ID, rec.SagaID,
			)
		}
		seq = rec.Sequence

		switch rec.Event {
		case EventStarted:
			if i != 0 {
				return nil, 0, fmt.Errorf("rebuild saga %s: STARTED not first record", rec.SagaID)
			}
			var started startedData
			if err := json.Unmarshal(rec.Data, &started); err != nil {
				return nil, 0, fmt.Errorf("rebuild saga %s: bad STARTED data: %w", rec.SagaID, err)
			}
			inst.ID = rec.SagaID
			inst.TypeName = started.TypeName
			inst.Payload = started.Payload
			inst.State = StateCreated
			inst.CreatedAt = rec.Timestamp

		case EventStepSucceeded:
			var success successData
			if len(rec.Data) > 0 {
				if err := json.Unmarshal(rec.Data, &success); err != nil {
					return nil, 0, fmt.Errorf("rebuild saga %s: bad STEP_SUCCEEDED data: %w", rec.SagaID, err)
				}
			}
			inst.Completed = append(inst.Completed, CompletedStep{Name: rec.StepName, Output: success.Output})
			inst.CurrentStep = len(inst.Completed)
			inst.State = StateRunning

		case EventStepFailed:
			inst.State = StateCompensating
			inst.LastError = failureMessage(rec.Data)

		case EventCompensationSucceeded:
			inst.Compensated = append(inst.Compensated, rec.StepName)
			inst.State = StateCompensating

		case EventCompensationFailed:
			inst.FailedCompensations = append(inst.FailedCompensations, rec.StepName)
			inst.State = StateCompensating
			inst.LastError = failureMessage(rec.Data)

		case EventCompleted:
			inst.State = StateCompleted

		case EventFailed:
			inst.State = StateFailed

		case EventAborted:
			inst.State = StateCompensated

		default:
			return nil, 0, fmt.Errorf("rebuild saga %s: unknown event type %q", rec.SagaID, rec.Event)
		}

		if i == 0 && rec.Event != EventStarted {
			return nil, 0, fmt.Errorf("rebuild saga %s: first record is %s, want STARTED", rec.SagaID, rec.Event)
		}
		inst.UpdatedAt = rec.Timestamp
	}

	return inst, seq, nil
}

func failureMessage(data json.RawMessage) string {
	var failure failureData
	if err := json.Unmarshal(data, &failure); err != nil {
		return string(data)
	}
	return failure.Error
}

// RecoveryManager resumes the sagas a previous process left unfinished. Run
// it once at startup, after all saga types are registered.
type RecoveryManager struct {
	registry *Registry
	logger   zerolog.Logger
}

// NewRecoveryManager creates a recovery manager over the registry's log.
func NewRecoveryManager(registry *Registry, logger zerolog.Logger) *RecoveryManager {
	return &RecoveryManager{registry: registry, logger: logger}
}

// ResumeAll scans the log for non-terminal sagas and resumes each one. It
// returns the number of sagas resumed; per-saga failures are collected
// rather than stopping the scan, so one broken saga never blocks the rest.
func (r *RecoveryManager) ResumeAll(ctx context.Context) (int, error) {
	ids, err := r.registry.store().ListNonTerminal(ctx)
	if err != nil {
		return 0, fmt.Errorf("list non-terminal sagas: %w", err)
	}

	resumed := 0
	var errs []error
	for _, id := range ids {
		if err := r.registry.resume(ctx, id); err != nil {
			r.logger.Error().Str("sagaId", id).Err(err).Msg("failed to resume saga")
			errs = append(errs, fmt.Errorf("resume saga %s: %w", id, err))
			continue
		}
		r.logger.Info().Str("sagaId", id).Msg("resumed saga")
		resumed++
	}

	return resumed, errors.Join(errs...)
}
