package sagaflow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// Schema is the DDL for the saga log table. Apply it once before using
// PostgresLog, or call Init.
const Schema = `
CREATE TABLE IF NOT EXISTS saga_log (
	saga_id         TEXT        NOT NULL,
	sequence_number BIGINT      NOT NULL,
	event_type      TEXT        NOT NULL,
	step_name       TEXT        NOT NULL DEFAULT '',
	data            JSONB,
	timestamp       TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (saga_id, sequence_number)
)`

// PostgresLog provides a Postgres-backed LogStore. The primary key on
// (saga_id, sequence_number) is the concurrency guard: two writers racing
// for the same sequence slot see a unique violation, surfaced as
// ErrSequenceConflict.
type PostgresLog struct {
	db *sql.DB
}

// NewPostgresLog creates a log backed by the given database handle.
func NewPostgresLog(db *sql.DB) *PostgresLog {
	return &PostgresLog{db: db}
}

// Init creates the saga log table if it does not exist.
func (p *PostgresLog) Init(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("create saga_log table: %w", err)
	}
	return nil
}

// Append inserts the record inside a transaction that first locks and
// checks the saga's latest row, so a stale writer fails before inserting.
func (p *PostgresLog) Append(ctx context.Context, rec Record) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append tx: %w", err)
	}
	defer tx.Rollback()

	var last uint64
	query := `
		SELECT sequence_number
		FROM saga_log
		WHERE saga_id = $1
		ORDER BY sequence_number DESC
		LIMIT 1
		FOR UPDATE
	`
	err = tx.QueryRowContext(ctx, query, rec.SagaID).Scan(&last)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("read latest sequence: %w", err)
	}
	if rec.Sequence != last+1 {
		return fmt.Errorf(
			"append saga %s: got sequence %d, want %d: %w",
			rec.SagaID, rec.Sequence, last+1, ErrSequenceConflict,
		)
	}

	insert := `
		INSERT INTO saga_log (saga_id, sequence_number, event_type, step_name, data, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err = tx.ExecContext(ctx, insert,
		rec.SagaID, rec.Sequence, string(rec.Event), rec.StepName,
		nullBytes(rec.Data), rec.Timestamp,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("append saga %s sequence %d: %w",
				rec.SagaID, rec.Sequence, ErrSequenceConflict)
		}
		return fmt.Errorf("insert record: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit append tx: %w", err)
	}
	return nil
}

// ReadAll returns every record for a saga in sequence order.
func (p *PostgresLog) ReadAll(ctx context.Context, sagaID string) ([]Record, error) {
	query := `
		SELECT saga_id, sequence_number, event_type, step_name, data, timestamp
		FROM saga_log
		WHERE saga_id = $1
		ORDER BY sequence_number ASC
	`
	rows, err := p.db.QueryContext(ctx, query, sagaID)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	var recs []Record
	for rows.Next() {
		var rec Record
		var event string
		var data []byte
		var ts time.Time
		if err := rows.Scan(&rec.SagaID, &rec.Sequence, &event, &rec.StepName, &data, &ts); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		rec.Event = EventType(event)
		rec.Data = data
		rec.Timestamp = ts
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}

	if len(recs) == 0 {
		return nil, fmt.Errorf("read saga %s: %w", sagaID, ErrSagaNotFound)
	}
	return recs, nil
}

// ListNonTerminal returns the IDs of sagas whose latest record is not a
// terminal event.
func (p *PostgresLog) ListNonTerminal(ctx context.Context) ([]string, error) {
	query := `
		SELECT l.saga_id
		FROM saga_log l
		JOIN (
			SELECT saga_id, MAX(sequence_number) AS max_seq
			FROM saga_log
			GROUP BY saga_id
		) latest ON l.saga_id = latest.saga_id AND l.sequence_number = latest.max_seq
		WHERE l.event_type NOT IN ($1, $2, $3)
		ORDER BY l.saga_id
	`
	rows, err := p.db.QueryContext(ctx, query,
		string(EventCompleted), string(EventFailed), string(EventAborted))
	if err != nil {
		return nil, fmt.Errorf("query non-terminal sagas: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan saga id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate saga ids: %w", err)
	}
	return ids, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func nullBytes(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return b
}
