package sagaflow

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fulfillment is a test double for the downstream services of a three step
// order saga: reserve-inventory, charge-payment, ship. The fail* knobs drive
// the failure scenarios.
type fulfillment struct {
	mu sync.Mutex

	failCharge  error
	failRelease error
	chargeDelay time.Duration
	actionCalls map[string]int
	compCalls   map[string]int
	compOutputs map[string]string
}

func newFulfillment() *fulfillment {
	return &fulfillment{
		actionCalls: make(map[string]int),
		compCalls:   make(map[string]int),
		compOutputs: make(map[string]string),
	}
}

func (f *fulfillment) action(name string, result string, fail func() error, delay func() time.Duration) ActionFunc {
	return func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
		f.mu.Lock()
		f.actionCalls[name]++
		f.mu.Unlock()
		if delay != nil {
			time.Sleep(delay())
		}
		if fail != nil {
			if err := fail(); err != nil {
				return nil, err
			}
		}
		return json.Marshal(map[string]string{"id": result})
	}
}

func (f *fulfillment) compensation(name string, fail func() error) CompensationFunc {
	return func(ctx context.Context, output json.RawMessage) error {
		f.mu.Lock()
		f.compCalls[name]++
		f.compOutputs[name] = string(output)
		f.mu.Unlock()
		if fail != nil {
			return fail()
		}
		return nil
	}
}

func (f *fulfillment) actions(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.actionCalls[name]
}

func (f *fulfillment) comps(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.compCalls[name]
}

func (f *fulfillment) definition(t *testing.T) *SagaDefinition {
	t.Helper()
	builder := NewDefinition("order-fulfillment")

	steps := []StepDefinition{
		{
			Name:         "reserve-inventory",
			Action:       f.action("reserve-inventory", "res-1", nil, nil),
			Compensation: f.compensation("reserve-inventory", func() error { return f.failRelease }),
			MaxRetries:   1,
			Timeout:      time.Second,
		},
		{
			Name: "charge-payment",
			Action: f.action("charge-payment", "ch-1",
				func() error { return f.failCharge },
				func() time.Duration { return f.chargeDelay }),
			Compensation: f.compensation("charge-payment", nil),
			MaxRetries:   1,
			Timeout:      time.Second,
		},
		{
			Name:       "ship",
			Action:     f.action("ship", "shp-1", nil, nil),
			MaxRetries: 1,
			Timeout:    time.Second,
		},
	}
	for _, step := range steps {
		require.NoError(t, builder.Append(step))
	}

	def, err := builder.Build()
	require.NoError(t, err)
	return def
}

func runSaga(t *testing.T, log LogStore, def *SagaDefinition, payload json.RawMessage) *Coordinator {
	t.Helper()
	coord := newCoordinator(
		"saga-1", def, payload, log,
		testExecutor(), NopPublisher{}, nil, zerolog.Nop(),
	)
	require.NoError(t, coord.begin(context.Background()))
	go coord.Run(context.Background())
	return coord
}

func waitDone(t *testing.T, coord *Coordinator) *SagaInstance {
	t.Helper()
	select {
	case <-coord.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("saga did not finish")
	}
	return coord.Snapshot()
}

func eventSequence(t *testing.T, log LogStore, sagaID string) []EventType {
	t.Helper()
	recs, err := log.ReadAll(context.Background(), sagaID)
	require.NoError(t, err)
	events := make([]EventType, len(recs))
	for i, rec := range recs {
		require.Equal(t, uint64(i)+1, rec.Sequence, "log must be gapless")
		events[i] = rec.Event
	}
	return events
}

func TestSagaCompletesAllSteps(t *testing.T) {
	f := newFulfillment()
	log := NewMemoryLog()

	coord := runSaga(t, log, f.definition(t), json.RawMessage(`{"orderId":"ORD-1"}`))
	inst := waitDone(t, coord)

	assert.Equal(t, StateCompleted, inst.State)
	require.Len(t, inst.Completed, 3)
	for _, name := range []string{"reserve-inventory", "charge-payment", "ship"} {
		assert.Equal(t, 1, f.actions(name), name)
		assert.Equal(t, 0, f.comps(name), name)
	}

	assert.Equal(t, []EventType{
		EventStarted,
		EventStepSucceeded,
		EventStepSucceeded,
		EventStepSucceeded,
		EventCompleted,
	}, eventSequence(t, log, "saga-1"))
}

func TestStepRecordKeepsRetryHistory(t *testing.T) {
	f := newFulfillment()
	log := NewMemoryLog()

	// charge-payment needs two attempts; the STEP_SUCCEEDED record must
	// carry that count so the audit trail is not limited to failures.
	flaky := 0
	builder := NewDefinition("flaky")
	require.NoError(t, builder.Append(StepDefinition{
		Name: "charge-payment",
		Action: func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
			flaky++
			if flaky == 1 {
				return nil, Transient(errors.New("gateway timeout"))
			}
			return json.Marshal(map[string]string{"id": "ch-1"})
		},
		Compensation: f.compensation("charge-payment", nil),
		MaxRetries:   3,
		Timeout:      time.Second,
	}))
	def, err := builder.Build()
	require.NoError(t, err)

	coord := runSaga(t, log, def, nil)
	inst := waitDone(t, coord)
	require.Equal(t, StateCompleted, inst.State)

	recs, err := log.ReadAll(context.Background(), "saga-1")
	require.NoError(t, err)
	require.Equal(t, EventStepSucceeded, recs[1].Event)

	var success successData
	require.NoError(t, json.Unmarshal(recs[1].Data, &success))
	assert.Equal(t, uint(2), success.Attempts)
	assert.JSONEq(t, `{"id":"ch-1"}`, string(success.Output))
}

func TestSagaCompensatesOnPermanentStepFailure(t *testing.T) {
	f := newFulfillment()
	f.failCharge = Permanent(errors.New("card declined"))
	log := NewMemoryLog()

	coord := runSaga(t, log, f.definition(t), json.RawMessage(`{"orderId":"ORD-1"}`))
	inst := waitDone(t, coord)

	assert.Equal(t, StateCompensated, inst.State)
	assert.Equal(t, []string{"reserve-inventory"}, inst.Compensated)
	assert.Contains(t, inst.LastError, "card declined")

	// Only the step that succeeded is compensated; ship never ran.
	assert.Equal(t, 1, f.comps("reserve-inventory"))
	assert.Equal(t, 0, f.comps("charge-payment"))
	assert.Equal(t, 0, f.actions("ship"))

	// The compensation received the reservation output for the release call.
	assert.JSONEq(t, `{"id":"res-1"}`, f.compOutputs["reserve-inventory"])

	assert.Equal(t, []EventType{
		EventStarted,
		EventStepSucceeded,
		EventStepFailed,
		EventCompensationSucceeded,
		EventAborted,
	}, eventSequence(t, log, "saga-1"))
}

func TestSagaFailsWhenCompensationFails(t *testing.T) {
	f := newFulfillment()
	f.failCharge = Permanent(errors.New("card declined"))
	f.failRelease = Permanent(errors.New("inventory service gone"))
	log := NewMemoryLog()

	coord := runSaga(t, log, f.definition(t), nil)
	inst := waitDone(t, coord)

	assert.Equal(t, StateFailed, inst.State)
	assert.Equal(t, []string{"reserve-inventory"}, inst.FailedCompensations)
	assert.Contains(t, inst.LastError, "reserve-inventory")

	assert.Equal(t, []EventType{
		EventStarted,
		EventStepSucceeded,
		EventStepFailed,
		EventCompensationFailed,
		EventFailed,
	}, eventSequence(t, log, "saga-1"))
}

func TestCompensationContinuesPastFailures(t *testing.T) {
	f := newFulfillment()
	log := NewMemoryLog()

	// Three steps succeed, then a fourth fails; the middle compensation
	// fails, but the earlier one must still run.
	builder := NewDefinition("multi")
	require.NoError(t, builder.Append(StepDefinition{
		Name:         "one",
		Action:       f.action("one", "a", nil, nil),
		Compensation: f.compensation("one", nil),
		Timeout:      time.Second,
	}))
	require.NoError(t, builder.Append(StepDefinition{
		Name:         "two",
		Action:       f.action("two", "b", nil, nil),
		Compensation: f.compensation("two", func() error { return Permanent(errors.New("broken")) }),
		Timeout:      time.Second,
	}))
	require.NoError(t, builder.Append(StepDefinition{
		Name:    "three",
		Action:  f.action("three", "c", func() error { return Permanent(errors.New("boom")) }, nil),
		Timeout: time.Second,
	}))
	def, err := builder.Build()
	require.NoError(t, err)

	coord := runSaga(t, log, def, nil)
	inst := waitDone(t, coord)

	assert.Equal(t, StateFailed, inst.State)
	assert.Equal(t, 1, f.comps("two"))
	assert.Equal(t, 1, f.comps("one"))
	assert.Equal(t, []string{"one"}, inst.Compensated)
	assert.Equal(t, []string{"two"}, inst.FailedCompensations)
}

func TestCancelBetweenStepsUnwindsCompletedWork(t *testing.T) {
	f := newFulfillment()
	f.chargeDelay = 100 * time.Millisecond
	log := NewMemoryLog()

	coord := runSaga(t, log, f.definition(t), nil)

	// Let the saga get past step 1, then cancel while step 2 is in flight.
	require.Eventually(t, func() bool {
		return f.actions("charge-payment") > 0
	}, 2*time.Second, time.Millisecond)
	assert.True(t, coord.Cancel())

	inst := waitDone(t, coord)

	assert.Equal(t, StateCompensated, inst.State)
	assert.Equal(t, 0, f.actions("ship"), "cancelled saga must not start new steps")
	assert.Equal(t, 1, f.comps("reserve-inventory"))
	assert.Equal(t, 1, f.comps("charge-payment"))
}

func TestCancelAfterTerminalStateIsRejected(t *testing.T) {
	f := newFulfillment()
	log := NewMemoryLog()

	coord := runSaga(t, log, f.definition(t), nil)
	waitDone(t, coord)

	assert.False(t, coord.Cancel())
}

func TestLosingWriterAbandonsSaga(t *testing.T) {
	f := newFulfillment()
	log := NewMemoryLog()
	def := f.definition(t)

	first := newCoordinator("saga-1", def, nil, log, testExecutor(), NopPublisher{}, nil, zerolog.Nop())
	require.NoError(t, first.begin(context.Background()))

	// A second coordinator for the same saga loses the sequence race
	// immediately and must not write anything.
	second := newCoordinator("saga-1", def, nil, log, testExecutor(), NopPublisher{}, nil, zerolog.Nop())
	err := second.begin(context.Background())
	require.ErrorIs(t, err, ErrSequenceConflict)

	recs, err := log.ReadAll(context.Background(), "saga-1")
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}
