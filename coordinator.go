package sagaflow

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/tidwall/btree"
)

// Coordinator drives a single saga instance through its state machine:
// CREATED -> RUNNING -> COMPLETED on success, or through COMPENSATING to
// COMPENSATED (clean unwind) or FAILED (a compensation could not be
// resolved). Every transition is appended to the log before the coordinator
// acts on it; the log append doubles as the single-writer guard, so a
// coordinator that loses a sequence race stops immediately.
type Coordinator struct {
	id       string
	def      *SagaDefinition
	log      LogStore
	executor *StepExecutor
	pub      EventPublisher
	metrics  *Metrics
	logger   zerolog.Logger

	mu   sync.Mutex
	inst *SagaInstance
	seq  uint64

	// outputs indexes step outputs by step name for compensation lookup.
	outputs *btree.Map[string, json.RawMessage]

	cancelled atomic.Bool
	done      chan struct{}
}

func newCoordinator(
	id string,
	def *SagaDefinition,
	payload json.RawMessage,
	log LogStore,
	executor *StepExecutor,
	pub EventPublisher,
	metrics *Metrics,
	logger zerolog.Logger,
) *Coordinator {
	now := time.Now().UTC()
	return &Coordinator{
		id:       id,
		def:      def,
		log:      log,
		executor: executor,
		pub:      pub,
		metrics:  metrics,
		logger:   logger.With().Str("sagaId", id).Str("sagaType", def.TypeName).Logger(),
		inst: &SagaInstance{
			ID:        id,
			TypeName:  def.TypeName,
			Payload:   payload,
			State:     StateCreated,
			CreatedAt: now,
			UpdatedAt: now,
		},
		outputs: btree.NewMap[string, json.RawMessage](0),
		done:    make(chan struct{}),
	}
}

// rehydrate builds a coordinator around an instance rebuilt from the log,
// positioned to resume where the previous process stopped.
func rehydrate(
	inst *SagaInstance,
	seq uint64,
	def *SagaDefinition,
	log LogStore,
	executor *StepExecutor,
	pub EventPublisher,
	metrics *Metrics,
	logger zerolog.Logger,
) *Coordinator {
	c := &Coordinator{
		id:       inst.ID,
		def:      def,
		log:      log,
		executor: executor,
		pub:      pub,
		metrics:  metrics,
		logger:   logger.With().Str("sagaId", inst.ID).Str("sagaType", def.TypeName).Logger(),
		inst:     inst,
		seq:      seq,
		outputs:  btree.NewMap[string, json.RawMessage](0),
		done:     make(chan struct{}),
	}
	for _, step := range inst.Completed {
		c.outputs.Set(step.Name, step.Output)
	}
	return c
}

// ID returns the saga's unique identifier.
func (c *Coordinator) ID() string { return c.id }

// Done is closed when the saga reaches a terminal state or the coordinator
// stops after losing log ownership.
func (c *Coordinator) Done() <-chan struct{} { return c.done }

// Snapshot returns a copy of the saga's current state.
func (c *Coordinator) Snapshot() *SagaInstance {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inst.clone()
}

// Cancel requests cooperative cancellation. It takes effect at the next step
// boundary; the step in flight is never interrupted. Cancel reports whether
// the request was accepted, which it is only while the saga is still moving
// forward.
func (c *Coordinator) Cancel() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.inst.State {
	case StateCreated, StateRunning:
		c.cancelled.Store(true)
		return true
	}
	return false
}

// begin durably records the saga's creation. It must succeed before Run is
// started; a failure here means the saga never existed.
func (c *Coordinator) begin(ctx context.Context) error {
	data, err := json.Marshal(startedData{TypeName: c.def.TypeName, Payload: c.inst.Payload})
	if err != nil {
		return err
	}
	return c.append(ctx, EventStarted, "", data)
}

// Run executes the saga to a terminal state. It is called once, on its own
// goroutine; all errors are absorbed into the saga's state.
func (c *Coordinator) Run(ctx context.Context) {
	defer close(c.done)

	if c.def.SagaTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.def.SagaTimeout)
		defer cancel()
	}

	c.mu.Lock()
	state := c.inst.State
	c.mu.Unlock()

	switch {
	case state.Terminal():
		return
	case state == StateCompensating:
		// Recovered mid-unwind; pick up where the crash left off.
		c.compensate(ctx)
	default:
		c.setState(StateRunning)
		c.runForward(ctx)
	}
}

func (c *Coordinator) runForward(ctx context.Context) {
	for i := c.currentStep(); i < len(c.def.Steps); i++ {
		step := c.def.Steps[i]

		// Cancellation is cooperative: checked only between steps.
		if c.cancelled.Load() || ctx.Err() != nil {
			c.logger.Info().Str("step", step.Name).Msg("saga cancelled before step")
			if !c.recordFailure(ctx, step.Name, errors.New("saga cancelled"), 0, true) {
				return
			}
			c.compensate(ctx)
			return
		}

		output, attempts, err := c.executor.ExecuteAction(ctx, step, c.payload(), c.reportAttempt)
		if err != nil {
			c.logger.Warn().Str("step", step.Name).Uint("attempts", attempts).Err(err).
				Msg("step action failed")
			if !c.recordFailure(ctx, step.Name, err, attempts, false) {
				return
			}
			c.compensate(ctx)
			return
		}

		data, _ := json.Marshal(successData{Output: output, Attempts: attempts})
		if appendErr := c.append(ctx, EventStepSucceeded, step.Name, data); appendErr != nil {
			c.abandon(appendErr)
			return
		}
		c.recordSuccess(i, step.Name, output)
	}

	if err := c.append(ctx, EventCompleted, "", nil); err != nil {
		c.abandon(err)
		return
	}
	c.finish(StateCompleted)
}

// recordFailure logs the step failure and moves the saga to COMPENSATING.
// It reports false when the coordinator lost log ownership and must stop.
func (c *Coordinator) recordFailure(ctx context.Context, stepName string, cause error, attempts uint, cancelled bool) bool {
	data, _ := json.Marshal(failureData{Error: cause.Error(), Attempts: attempts, Cancelled: cancelled})
	if err := c.append(ctx, EventStepFailed, stepName, data); err != nil {
		c.abandon(err)
		return false
	}

	c.mu.Lock()
	c.inst.State = StateCompensating
	c.inst.LastError = cause.Error()
	c.mu.Unlock()
	return true
}

func (c *Coordinator) recordSuccess(index int, stepName string, output json.RawMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.inst.Completed = append(c.inst.Completed, CompletedStep{Name: stepName, Output: output})
	c.inst.CurrentStep = index + 1
	c.outputs.Set(stepName, output)
}

// compensate unwinds every completed step in reverse completion order.
// It is best-effort: a failed compensation is recorded and the unwind keeps
// going, so later failures never strand earlier compensations. The unwind
// runs detached from the caller's cancellation; once started it always runs
// to the end.
func (c *Coordinator) compensate(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)

	completed := c.Snapshot()
	failed := false

	for i := len(completed.Completed) - 1; i >= 0; i-- {
		name := completed.Completed[i].Name
		if c.alreadyCompensated(name) {
			continue
		}

		idx, ok := c.def.StepIndex(name)
		if !ok {
			// Definition changed underneath a recovered saga.
			c.logger.Error().Str("step", name).Msg("no definition for completed step")
			failed = true
			c.recordCompensationFailure(ctx, name, errors.New("step not in definition"), 0)
			continue
		}
		step := c.def.Steps[idx]

		output, _ := c.outputs.Get(name)
		attempts, err := c.executor.ExecuteCompensation(ctx, step, output, c.reportAttempt)
		if err != nil {
			failed = true
			compErr := &CompensationError{Step: name, Err: err}
			c.logger.Error().Str("step", name).Uint("attempts", attempts).Err(err).
				Msg("compensation failed")
			if !c.recordCompensationFailure(ctx, name, compErr, attempts) {
				return
			}
			continue
		}

		if appendErr := c.append(ctx, EventCompensationSucceeded, name, nil); appendErr != nil {
			c.abandon(appendErr)
			return
		}
		c.mu.Lock()
		c.inst.Compensated = append(c.inst.Compensated, name)
		c.mu.Unlock()
	}

	c.mu.Lock()
	anyFailed := failed || len(c.inst.FailedCompensations) > 0
	c.mu.Unlock()

	if anyFailed {
		if err := c.append(ctx, EventFailed, "", nil); err != nil {
			c.abandon(err)
			return
		}
		c.finish(StateFailed)
		return
	}

	if err := c.append(ctx, EventAborted, "", nil); err != nil {
		c.abandon(err)
		return
	}
	c.finish(StateCompensated)
}

func (c *Coordinator) recordCompensationFailure(ctx context.Context, stepName string, cause error, attempts uint) bool {
	data, _ := json.Marshal(failureData{Error: cause.Error(), Attempts: attempts})
	if err := c.append(ctx, EventCompensationFailed, stepName, data); err != nil {
		c.abandon(err)
		return false
	}

	c.mu.Lock()
	c.inst.FailedCompensations = append(c.inst.FailedCompensations, stepName)
	c.inst.LastError = cause.Error()
	c.mu.Unlock()
	return true
}

func (c *Coordinator) alreadyCompensated(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, n := range c.inst.Compensated {
		if n == name {
			return true
		}
	}
	for _, n := range c.inst.FailedCompensations {
		if n == name {
			return true
		}
	}
	return false
}

// append persists the next record and, once durable, publishes the matching
// event. The sequence number is the optimistic lock: on conflict the record
// was not written and the caller must abandon the saga.
func (c *Coordinator) append(ctx context.Context, event EventType, stepName string, data json.RawMessage) error {
	c.mu.Lock()
	next := c.seq + 1
	c.mu.Unlock()

	rec := Record{
		SagaID:    c.id,
		Sequence:  next,
		Event:     event,
		StepName:  stepName,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}
	if err := c.log.Append(ctx, rec); err != nil {
		return err
	}

	c.mu.Lock()
	c.seq = next
	c.inst.UpdatedAt = rec.Timestamp
	state := c.inst.State
	c.mu.Unlock()

	c.publish(ctx, SagaEvent{
		SagaID:    c.id,
		TypeName:  c.def.TypeName,
		Event:     event,
		StepName:  stepName,
		State:     state,
		Timestamp: rec.Timestamp,
	})
	return nil
}

// abandon stops the coordinator after a log failure. On a sequence conflict
// another writer owns the saga now, so no further state may be touched.
func (c *Coordinator) abandon(err error) {
	if errors.Is(err, ErrSequenceConflict) {
		c.logger.Warn().Err(err).Msg("lost saga log ownership, stopping")
		return
	}
	c.logger.Error().Err(err).Msg("saga log append failed, stopping")
}

func (c *Coordinator) publish(ctx context.Context, event SagaEvent) {
	if c.pub == nil {
		return
	}
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := c.pub.Publish(pubCtx, event); err != nil {
		c.logger.Warn().Err(err).Str("event", string(event.Event)).Msg("event publish failed")
	}
}

func (c *Coordinator) finish(state SagaState) {
	c.mu.Lock()
	c.inst.State = state
	created := c.inst.CreatedAt
	c.mu.Unlock()

	c.metrics.IncSagaFinished(state)
	c.metrics.ObserveSagaDuration(time.Since(created))
	c.logger.Info().Str("state", string(state)).Msg("saga finished")
}

func (c *Coordinator) setState(state SagaState) {
	c.mu.Lock()
	c.inst.State = state
	c.mu.Unlock()
}

func (c *Coordinator) currentStep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inst.CurrentStep
}

func (c *Coordinator) payload() json.RawMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inst.Payload
}

func (c *Coordinator) reportAttempt(a Attempt) {
	if a.Number > 1 {
		c.metrics.IncStepRetry(a.Step)
	}
	evt := c.logger.Debug()
	if a.Err != nil {
		evt = c.logger.Warn().Err(a.Err)
	}
	evt.Str("step", a.Step).
		Bool("compensation", a.Compensation).
		Uint("attempt", a.Number).
		Dur("elapsed", a.Elapsed).
		Msg("step attempt")
}
