package sagaflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/rs/zerolog"
)

// Default retry and timeout policy for step execution.
const (
	DefaultRetryBase   = 100 * time.Millisecond
	DefaultRetryCap    = 5 * time.Second
	DefaultStepTimeout = 30 * time.Second
)

// Attempt describes one invocation of a step's action or compensation,
// reported after the invocation returns.
type Attempt struct {
	Step         string
	Compensation bool
	Number       uint
	Err          error
	Elapsed      time.Duration
}

// AttemptReporter receives a callback per attempt. The coordinator uses it
// for logging and retry metrics.
type AttemptReporter func(Attempt)

// StepExecutor runs step actions and compensations under the saga's retry
// policy: exponential backoff from a base delay, capped, with random jitter,
// retrying only errors classified as retryable.
type StepExecutor struct {
	base   time.Duration
	cap    time.Duration
	logger zerolog.Logger
}

// NewStepExecutor creates an executor with the default backoff policy.
func NewStepExecutor(logger zerolog.Logger) *StepExecutor {
	return &StepExecutor{
		base:   DefaultRetryBase,
		cap:    DefaultRetryCap,
		logger: logger,
	}
}

// WithBackoff overrides the base delay and cap. Useful to shrink delays in
// tests.
func (e *StepExecutor) WithBackoff(base, cap time.Duration) *StepExecutor {
	e.base = base
	e.cap = cap
	return e
}

// ExecuteAction invokes the step's action until it succeeds, exhausts its
// retry budget, or the context is cancelled. It returns the action's output
// and the number of attempts made.
func (e *StepExecutor) ExecuteAction(
	ctx context.Context,
	step StepDefinition,
	input json.RawMessage,
	report AttemptReporter,
) (json.RawMessage, uint, error) {
	var output json.RawMessage
	attempts, err := e.run(ctx, step, false, report, func(attemptCtx context.Context) error {
		out, err := step.Action(attemptCtx, input)
		if err != nil {
			return err
		}
		output = out
		return nil
	})
	if err != nil {
		return nil, attempts, err
	}
	return output, attempts, nil
}

// ExecuteCompensation invokes the step's compensation under the same retry
// policy as actions. Steps without a compensation succeed trivially.
func (e *StepExecutor) ExecuteCompensation(
	ctx context.Context,
	step StepDefinition,
	output json.RawMessage,
	report AttemptReporter,
) (uint, error) {
	if step.Compensation == nil {
		return 0, nil
	}
	return e.run(ctx, step, true, report, func(attemptCtx context.Context) error {
		return step.Compensation(attemptCtx, output)
	})
}

func (e *StepExecutor) run(
	ctx context.Context,
	step StepDefinition,
	compensation bool,
	report AttemptReporter,
	fn func(context.Context) error,
) (uint, error) {
	var attempts uint

	err := retry.Do(
		func() error {
			attempts++
			start := time.Now()
			err := e.attempt(ctx, step.Timeout, fn)
			if err != nil {
				e.logger.Debug().
					Str("step", step.Name).
					Bool("compensation", compensation).
					Uint("attempt", attempts).
					Err(err).
					Msg("step attempt failed")
			}
			if report != nil {
				report(Attempt{
					Step:         step.Name,
					Compensation: compensation,
					Number:       attempts,
					Err:          err,
					Elapsed:      time.Since(start),
				})
			}
			return err
		},
		retry.Attempts(step.MaxRetries+1),
		retry.Delay(e.base),
		retry.MaxDelay(e.cap),
		retry.MaxJitter(e.base),
		retry.DelayType(retry.CombineDelay(retry.BackOffDelay, retry.RandomDelay)),
		retry.RetryIf(Retryable),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	)
	if err != nil {
		return attempts, err
	}
	return attempts, nil
}

// attempt runs one invocation under the step's per-attempt timeout. A
// timeout of the attempt alone is transient; cancellation of the outer
// context is not.
func (e *StepExecutor) attempt(ctx context.Context, timeout time.Duration, fn func(context.Context) error) error {
	if timeout <= 0 {
		timeout = DefaultStepTimeout
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := fn(attemptCtx)
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return Transient(fmt.Errorf("attempt timed out after %s: %w", timeout, err))
	}
	return err
}
