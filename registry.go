package sagaflow

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog"
)

// Registry holds the saga definitions and the in-flight coordinators. The
// log remains the source of truth for every saga; the in-flight map is only
// a cache of live coordinators, rebuildable from the log at any time.
//
// Definitions are identified by their type name. Saga construction happens
// at start time and again on recovery, when the concrete action and
// compensation functions are recovered from the registered definition by
// that persisted name.
type Registry struct {
	log      LogStore
	executor *StepExecutor
	pub      EventPublisher
	metrics  *Metrics
	logger   zerolog.Logger

	defs     *xsync.MapOf[string, *SagaDefinition]
	inflight *xsync.MapOf[string, *Coordinator]
}

// Option configures a Registry.
type Option func(*Registry)

// WithPublisher sets the event publisher for all coordinators.
func WithPublisher(pub EventPublisher) Option {
	return func(r *Registry) { r.pub = pub }
}

// WithMetrics sets the metrics collector for all coordinators.
func WithMetrics(m *Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// WithExecutor overrides the default step executor.
func WithExecutor(e *StepExecutor) Option {
	return func(r *Registry) { r.executor = e }
}

// NewRegistry creates a registry over the given log store.
func NewRegistry(log LogStore, logger zerolog.Logger, opts ...Option) *Registry {
	r := &Registry{
		log:      log,
		logger:   logger,
		defs:     xsync.NewMapOf[string, *SagaDefinition](),
		inflight: xsync.NewMapOf[string, *Coordinator](),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.executor == nil {
		r.executor = NewStepExecutor(logger)
	}
	if r.pub == nil {
		r.pub = NopPublisher{}
	}
	return r
}

// Register adds a saga definition under its type name.
func (r *Registry) Register(def *SagaDefinition) error {
	if _, loaded := r.defs.LoadOrStore(def.TypeName, def); loaded {
		return fmt.Errorf("register %q: %w", def.TypeName, ErrDuplicateType)
	}
	return nil
}

// Start creates a new saga of the named type and begins executing it
// asynchronously. The call returns once the saga's creation is durably
// logged; the returned ID can immediately be used with Status and Cancel.
func (r *Registry) Start(ctx context.Context, typeName string, payload json.RawMessage) (string, error) {
	def, ok := r.defs.Load(typeName)
	if !ok {
		return "", fmt.Errorf("start %q: %w", typeName, ErrUnknownSagaType)
	}

	id := uuid.NewString()
	coord := newCoordinator(id, def, payload, r.log, r.executor, r.pub, r.metrics, r.logger)
	if err := coord.begin(ctx); err != nil {
		return "", fmt.Errorf("start %q: %w", typeName, err)
	}

	r.metrics.IncSagaStarted()
	r.track(coord)

	// The saga outlives the request that started it.
	go coord.Run(context.WithoutCancel(ctx))
	return id, nil
}

// resume rebuilds a saga from its log records and restarts its coordinator.
// Sagas already in flight in this process are left alone.
func (r *Registry) resume(ctx context.Context, id string) error {
	if _, loaded := r.inflight.Load(id); loaded {
		return nil
	}

	records, err := r.log.ReadAll(ctx, id)
	if err != nil {
		return err
	}
	inst, seq, err := RebuildInstance(records)
	if err != nil {
		return err
	}
	if inst.State.Terminal() {
		return nil
	}

	def, ok := r.defs.Load(inst.TypeName)
	if !ok {
		return fmt.Errorf("resume %q: %w", inst.TypeName, ErrUnknownSagaType)
	}

	coord := rehydrate(inst, seq, def, r.log, r.executor, r.pub, r.metrics, r.logger)
	if _, loaded := r.inflight.LoadOrStore(id, coord); loaded {
		// Raced with another resume; that coordinator owns the saga.
		return nil
	}
	go func() {
		coord.Run(context.WithoutCancel(ctx))
		r.inflight.Delete(id)
	}()
	return nil
}

// Status returns the saga's current state: the live coordinator's snapshot
// when the saga is in flight here, otherwise the state rebuilt from the log.
func (r *Registry) Status(ctx context.Context, id string) (*SagaInstance, error) {
	if coord, ok := r.inflight.Load(id); ok {
		return coord.Snapshot(), nil
	}

	records, err := r.log.ReadAll(ctx, id)
	if err != nil {
		return nil, err
	}
	inst, _, err := RebuildInstance(records)
	if err != nil {
		return nil, err
	}
	return inst, nil
}

// Cancel requests cooperative cancellation of an in-flight saga. It reports
// whether the request was accepted; a saga already unwinding or finished
// cannot be cancelled.
func (r *Registry) Cancel(ctx context.Context, id string) (bool, error) {
	if coord, ok := r.inflight.Load(id); ok {
		return coord.Cancel(), nil
	}

	// Not in flight here: confirm the saga exists at all.
	if _, err := r.Status(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

// List returns snapshots of all sagas currently in flight in this process,
// sorted by ID.
func (r *Registry) List() []*SagaInstance {
	out := make([]*SagaInstance, 0)
	r.inflight.Range(func(_ string, coord *Coordinator) bool {
		out = append(out, coord.Snapshot())
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Registry) store() LogStore { return r.log }

func (r *Registry) track(coord *Coordinator) {
	r.inflight.Store(coord.ID(), coord)
	go func() {
		<-coord.Done()
		r.inflight.Delete(coord.ID())
	}()
}
