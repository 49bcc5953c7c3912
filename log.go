package sagaflow

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// LogStore defines the interface for the append-only saga log. It is the
// single source of truth for saga state: every transition is appended as a
// Record before the coordinator acts on it.
type LogStore interface {
	// Append persists a record. The record's Sequence must be exactly one
	// greater than the highest sequence already stored for its saga (or 1
	// for a new saga); otherwise Append fails with ErrSequenceConflict.
	Append(ctx context.Context, rec Record) error

	// ReadAll returns every record for a saga in sequence order, or
	// ErrSagaNotFound when no records exist for the ID.
	ReadAll(ctx context.Context, sagaID string) ([]Record, error)

	// ListNonTerminal returns the IDs of sagas whose latest record is not
	// a terminal event. These are the sagas recovery must resume.
	ListNonTerminal(ctx context.Context) ([]string, error)
}

// MemoryLog provides an in-memory LogStore for testing or scenarios where
// persistence is not required.
type MemoryLog struct {
	records map[string][]Record
	mu      sync.RWMutex
}

// NewMemoryLog creates a new in-memory log.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{
		records: make(map[string][]Record),
	}
}

// Append stores the record after validating its sequence number.
func (m *MemoryLog) Append(ctx context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	recs := m.records[rec.SagaID]
	want := uint64(len(recs)) + 1
	if rec.Sequence != want {
		return fmt.Errorf(
			"append saga %s: got sequence %d, want %d: %w",
			rec.SagaID, rec.Sequence, want, ErrSequenceConflict,
		)
	}

	m.records[rec.SagaID] = append(recs, rec)
	return nil
}

// ReadAll returns a copy of the saga's records in sequence order.
func (m *MemoryLog) ReadAll(ctx context.Context, sagaID string) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	recs, exists := m.records[sagaID]
	if !exists {
		return nil, fmt.Errorf("read saga %s: %w", sagaID, ErrSagaNotFound)
	}

	out := make([]Record, len(recs))
	copy(out, recs)
	return out, nil
}

// ListNonTerminal returns the IDs of sagas with no terminal record yet,
// sorted for deterministic recovery order.
func (m *MemoryLog) ListNonTerminal(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0)
	for id, recs := range m.records {
		if len(recs) == 0 {
			continue
		}
		if !recs[len(recs)-1].Event.Terminal() {
			ids = append(ids, id)
		}
	}

	sort.Strings(ids)
	return ids, nil
}
