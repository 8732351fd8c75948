// Package audit provides append-only JSONL logs with single-generation
// rotation. The mutation audit trail and the trigger history both build on
// the same Log type: one JSON object per line, rotated to a ".old" sibling
// when the active file exceeds its size cap.
package audit

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// Log is an append-only JSONL file with size-capped rotation. One prior
// generation is kept (path with ".jsonl" swapped for ".old"); older entries
// are dropped.
type Log struct {
	mu       sync.Mutex
	path     string
	oldPath  string
	maxBytes int64
	file     *os.File
	size     int64
	logger   *slog.Logger
}

// NewLog opens (or creates) the JSONL file at path. maxBytes caps the active
// file; a write that would exceed it rotates first.
func NewLog(path string, maxBytes int64, logger *slog.Logger) (*Log, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat log %s: %w", path, err)
	}

	oldPath := strings.TrimSuffix(path, ".jsonl") + ".old"
	return &Log{
		path:     path,
		oldPath:  oldPath,
		maxBytes: maxBytes,
		file:     f,
		size:     info.Size(),
		logger:   logger.With("component", "audit.Log", "path", path),
	}, nil
}

// Append marshals v and writes it as one line, rotating first when the line
// would push the file past its cap.
func (l *Log) Append(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode log entry: %w", err)
	}
	line := append(data, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.size > 0 && l.size+int64(len(line)) > l.maxBytes {
		if err := l.rotateLocked(); err != nil {
			return err
		}
	}

	n, err := l.file.Write(line)
	l.size += int64(n)
	if err != nil {
		return fmt.Errorf("append log entry: %w", err)
	}
	return nil
}

func (l *Log) rotateLocked() error {
	if err := l.file.Close(); err != nil {
		return fmt.Errorf("close log for rotation: %w", err)
	}
	if err := os.Rename(l.path, l.oldPath); err != nil {
		return fmt.Errorf("rotate log: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("reopen log after rotation: %w", err)
	}
	l.file = f
	l.size = 0
	l.logger.Debug("rotated log", "old", l.oldPath)
	return nil
}

// Recent returns up to n most-recent raw entries, oldest first. When the
// active file holds fewer than n, the tail of the rotated generation fills
// the rest. Unparseable lines are skipped.
func (l *Log) Recent(n int) ([]json.RawMessage, error) {
	if n <= 0 {
		return nil, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	current, err := tailLines(l.path, n)
	if err != nil {
		return nil, err
	}
	if len(current) < n {
		old, err := tailLines(l.oldPath, n-len(current))
		if err != nil {
			return nil, err
		}
		current = append(old, current...)
	}
	return current, nil
}

// Close closes the underlying file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// tailChunk is how much of the file end is read per step when tailing.
const tailChunk = 64 * 1024

// tailLines returns up to n JSON lines from the end of path, oldest first.
// Chunks are read backwards from the end until enough newlines are seen, so
// a large log never gets loaded whole.
func tailLines(path string, n int) ([]json.RawMessage, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open log %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat log %s: %w", path, err)
	}

	var buf []byte
	offset := info.Size()
	for offset > 0 && bytes.Count(buf, []byte{'\n'}) <= n {
		step := int64(tailChunk)
		if step > offset {
			step = offset
		}
		offset -= step
		head := make([]byte, step)
		if _, err := f.ReadAt(head, offset); err != nil {
			return nil, fmt.Errorf("read log %s: %w", path, err)
		}
		buf = append(head, buf...)
	}

	lines := bytes.Split(buf, []byte{'\n'})
	if offset > 0 && len(lines) > 0 {
		lines = lines[1:] // the first line may be cut mid-entry
	}
	var out []json.RawMessage
	for _, line := range lines {
		line = bytes.TrimSpace(line)
		if len(line) == 0 || !json.Valid(line) {
			continue
		}
		out = append(out, json.RawMessage(append([]byte(nil), line...)))
	}
	if len(out) > n {
		out = out[len(out)-n:]
	}
	return out, nil
}
