package sagaflow

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// FileLog provides a file-based LogStore that persists each saga's records
// as a JSON-lines file on disk, one record per line, appended in sequence
// order and fsynced before Append returns.
type FileLog struct {
	basePath string
	mu       sync.Mutex // Protects file operations
	lastSeq  map[string]uint64
}

// NewFileLog creates a new file-based log that writes records to the
// specified directory.
func NewFileLog(basePath string) (*FileLog, error) {
	// Ensure the base directory exists
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}

	return &FileLog{
		basePath: basePath,
		lastSeq:  make(map[string]uint64),
	}, nil
}

// Append writes the record as a new line in the saga's log file.
func (f *FileLog) Append(ctx context.Context, rec Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	last, err := f.lastSequence(rec.SagaID)
	if err != nil {
		return err
	}
	if rec.Sequence != last+1 {
		return fmt.Errorf(
			"append saga %s: got sequence %d, want %d: %w",
			rec.SagaID, rec.Sequence, last+1, ErrSequenceConflict,
		)
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	file, err := os.OpenFile(f.filename(rec.SagaID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer file.Close()

	if _, err := file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write record: %w", err)
	}
	if err := file.Sync(); err != nil {
		return fmt.Errorf("failed to sync log file: %w", err)
	}

	f.lastSeq[rec.SagaID] = rec.Sequence
	return nil
}

// ReadAll reads the saga's records back from its log file.
func (f *FileLog) ReadAll(ctx context.Context, sagaID string) ([]Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.readAll(sagaID)
}

// ListNonTerminal scans the log directory for sagas whose latest record is
// not a terminal event.
func (f *FileLog) ListNonTerminal(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	entries, err := os.ReadDir(f.basePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read log directory: %w", err)
	}

	ids := make([]string, 0)
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".jsonl") {
			continue
		}
		sagaID := strings.TrimSuffix(name, ".jsonl")

		recs, err := f.readAll(sagaID)
		if err != nil {
			return nil, err
		}
		if len(recs) > 0 && !recs[len(recs)-1].Event.Terminal() {
			ids = append(ids, sagaID)
		}
	}

	return ids, nil
}

// lastSequence returns the highest sequence stored for a saga, consulting
// the cache first and falling back to a file scan after a restart.
func (f *FileLog) lastSequence(sagaID string) (uint64, error) {
	if seq, ok := f.lastSeq[sagaID]; ok {
		return seq, nil
	}

	recs, err := f.readAll(sagaID)
	if err != nil {
		if errors.Is(err, ErrSagaNotFound) {
			return 0, nil
		}
		return 0, err
	}

	seq := recs[len(recs)-1].Sequence
	f.lastSeq[sagaID] = seq
	return seq, nil
}

func (f *FileLog) readAll(sagaID string) ([]Record, error) {
	file, err := os.Open(f.filename(sagaID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("read saga %s: %w", sagaID, ErrSagaNotFound)
		}
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	defer file.Close()

	var recs []Record
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil, fmt.Errorf("failed to unmarshal record: %w", err)
		}
		recs = append(recs, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read log file: %w", err)
	}

	if len(recs) == 0 {
		return nil, fmt.Errorf("read saga %s: %w", sagaID, ErrSagaNotFound)
	}
	return recs, nil
}

// filename returns the full path for a saga's log file.
func (f *FileLog) filename(sagaID string) string {
	return filepath.Join(f.basePath, sagaID+".jsonl")
}
