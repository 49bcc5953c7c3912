package sagaflow

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"

	"github.com/vireo/sagaflow/set"
)

// ActionFunc performs a step's forward work. It receives the saga payload and
// returns the output later handed to the step's compensation. The engine
// guarantees at-least-once invocation; actions must be idempotent downstream.
type ActionFunc func(ctx context.Context, input json.RawMessage) (json.RawMessage, error)

// CompensationFunc undoes a previously succeeded step. It receives the output
// captured from that step's action and must be idempotent; it is best-effort.
type CompensationFunc func(ctx context.Context, output json.RawMessage) error

// StepDefinition is the unit of work a saga executes: an action plus the
// compensation that reverses it.
type StepDefinition struct {
	Name         string
	Action       ActionFunc
	Compensation CompensationFunc

	// MaxRetries bounds retries of retryable failures; zero means the first
	// failure is final. Timeout bounds each individual attempt and defaults
	// to DefaultStepTimeout.
	MaxRetries uint
	Timeout    time.Duration
}

// SagaDefinition is an immutable, ordered sequence of steps registered under
// a type name. Build one through a DefinitionBuilder.
type SagaDefinition struct {
	TypeName    string
	Steps       []StepDefinition
	SagaTimeout time.Duration

	byName map[string]int
}

// StepIndex returns the position of the named step.
func (d *SagaDefinition) StepIndex(name string) (int, bool) {
	i, ok := d.byName[name]
	return i, ok
}

// DefinitionBuilder assembles a SagaDefinition. Steps are modeled as a chain
// in a directed graph; Build derives the execution order from a stabilized
// topological sort, which also rejects any malformed sequence.
type DefinitionBuilder struct {
	typeName    string
	sagaTimeout time.Duration
	steps       []StepDefinition
	names       *set.Set[string]
}

// NewDefinition starts a builder for the given saga type name.
func NewDefinition(typeName string) *DefinitionBuilder {
	return &DefinitionBuilder{
		typeName: typeName,
		names:    set.New[string](),
	}
}

// SagaTimeout bounds the whole forward run of the saga. Compensation is not
// subject to it; an unwind always runs to completion.
func (b *DefinitionBuilder) SagaTimeout(d time.Duration) *DefinitionBuilder {
	b.sagaTimeout = d
	return b
}

// Append adds the next step in execution order.
func (b *DefinitionBuilder) Append(step StepDefinition) error {
	if step.Name == "" {
		return fmt.Errorf("step name must not be empty")
	}
	if b.names.Contains(step.Name) {
		return fmt.Errorf("step with name %q already exists", step.Name)
	}
	if step.Action == nil {
		return fmt.Errorf("step %q has no action", step.Name)
	}
	if step.Timeout <= 0 {
		step.Timeout = DefaultStepTimeout
	}
	b.names.Insert(step.Name)
	b.steps = append(b.steps, step)
	return nil
}

// Build validates the step chain and returns the finished definition.
func (b *DefinitionBuilder) Build() (*SagaDefinition, error) {
	if b.typeName == "" {
		return nil, fmt.Errorf("saga type name must not be empty")
	}
	if len(b.steps) == 0 {
		return nil, fmt.Errorf("saga %q has no steps", b.typeName)
	}

	order, err := chainOrder(len(b.steps))
	if err != nil {
		return nil, fmt.Errorf("saga %q: %w", b.typeName, err)
	}

	def := &SagaDefinition{
		TypeName:    b.typeName,
		Steps:       make([]StepDefinition, 0, len(b.steps)),
		SagaTimeout: b.sagaTimeout,
		byName:      make(map[string]int, len(b.steps)),
	}
	for _, id := range order {
		def.byName[b.steps[id].Name] = len(def.Steps)
		def.Steps = append(def.Steps, b.steps[id])
	}
	return def, nil
}

// chainOrder builds the linear step graph and returns its node IDs in
// execution order via a stabilized topological sort. For a chain the sort is
// the identity, but it keeps ordering deterministic and catches structural
// bugs in one place.
func chainOrder(n int) ([]int64, error) {
	g := simple.NewDirectedGraph()
	for i := 0; i < n; i++ {
		g.AddNode(simple.Node(i))
	}
	for i := 0; i < n-1; i++ {
		g.SetEdge(simple.Edge{F: simple.Node(i), T: simple.Node(i + 1)})
	}

	sorted, err := topo.SortStabilized(g, func(nodes []graph.Node) {
		sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID() < nodes[j].ID() })
	})
	if err != nil {
		return nil, fmt.Errorf("step graph is not a valid sequence: %w", err)
	}

	order := make([]int64, len(sorted))
	for i, node := range sorted {
		order[i] = node.ID()
	}
	return order, nil
}
