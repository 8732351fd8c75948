package mutation

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"syscall"
)

// Queue is the file-based mutation intake: the agent appends a JSON array to
// mutations.json; the daemon drains and clears it under an exclusive flock
// so a concurrent writer never sees a half-cleared file.
type Queue struct {
	path   string
	logger *slog.Logger
}

// NewQueue creates a queue over the given file path.
func NewQueue(path string, logger *slog.Logger) *Queue {
	return &Queue{path: path, logger: logger.With("component", "mutation.queue")}
}

// Path returns the queue file path.
func (q *Queue) Path() string { return q.path }

// Drain reads, parses, and clears the queue in one locked operation. A
// missing or empty file yields no mutations and no error. A file that fails
// to parse is cleared too — the malformed batch is isolated rather than
// retried forever — and the error reports what was dropped.
func (q *Queue) Drain() ([]Mutation, error) {
	f, err := os.OpenFile(q.path, os.O_RDWR, 0o644)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open mutation queue: %w", err)
	}
	defer f.Close()

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX); err != nil {
		return nil, fmt.Errorf("lock mutation queue: %w", err)
	}
	defer syscall.Flock(int(f.Fd()), syscall.LOCK_UN)

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("read mutation queue: %w", err)
	}
	if len(data) == 0 {
		return nil, nil
	}

	// Clear before parsing: whatever happens next, this batch is consumed.
	if err := f.Truncate(0); err != nil {
		return nil, fmt.Errorf("clear mutation queue: %w", err)
	}

	mutations, parseErr := parseBatch(data)
	for i := range mutations {
		mutations[i].Source = "file"
	}
	if parseErr != nil {
		return mutations, fmt.Errorf("malformed mutation batch dropped: %w", parseErr)
	}
	q.logger.Debug("drained mutation queue", "count", len(mutations))
	return mutations, nil
}

// parseBatch accepts either a JSON array of mutations or a single mutation
// object.
func parseBatch(data []byte) ([]Mutation, error) {
	var batch []Mutation
	if err := json.Unmarshal(data, &batch); err == nil {
		return batch, nil
	}
	var single Mutation
	if err := json.Unmarshal(data, &single); err != nil {
		return nil, err
	}
	return []Mutation{single}, nil
}
