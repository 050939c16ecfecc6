//nolint:tagliatelle // superior snake-case yo.
package resilience

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// DLQEntry is one undelivered message.
type DLQEntry struct {
	Key        string    `json:"key"`
	Value      string    `json:"value"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// DiskQueue is an append-only JSON-lines dead-letter queue. It is drained
// whole: DequeueAll returns every entry and removes the file.
type DiskQueue struct {
	path string
	mu   sync.Mutex
	now  func() time.Time
}

// NewDiskQueue creates (or reopens) the queue for feedName/topic under dir.
func NewDiskQueue(dir, feedName, topic string) (*DiskQueue, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create dlq dir: %w", err)
	}

	return &DiskQueue{
		path: filepath.Join(dir, feedName+"."+topic+".jsonl"),
		now:  time.Now,
	}, nil
}

// Path returns the queue file path.
func (q *DiskQueue) Path() string {
	return q.path
}

// Enqueue appends one message.
func (q *DiskQueue) Enqueue(key, value []byte) error {
	line, err := json.Marshal(DLQEntry{
		Key:        string(key),
		Value:      string(value),
		EnqueuedAt: q.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal dlq entry: %w", err)
	}

	line = append(line, '\n')

	q.mu.Lock()
	defer q.mu.Unlock()

	f, err := os.OpenFile(q.path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("open dlq: %w", err)
	}

	// A torn final line from an interrupted append must not swallow this one.
	torn, err := endsWithoutNewline(f)
	if err != nil {
		f.Close()

		return fmt.Errorf("inspect dlq: %w", err)
	}

	if torn {
		line = append([]byte{'\n'}, line...)
	}

	if _, err := f.Write(line); err != nil {
		f.Close()

		return fmt.Errorf("append dlq: %w", err)
	}

	return f.Close()
}

func endsWithoutNewline(f *os.File) (bool, error) {
	info, err := f.Stat()
	if err != nil {
		return false, err
	}

	if info.Size() == 0 {
		return false, nil
	}

	last := make([]byte, 1)
	if _, err := f.ReadAt(last, info.Size()-1); err != nil {
		return false, err
	}

	return last[0] != '\n', nil
}

// DequeueAll reads every entry and removes the file. Malformed lines are
// skipped. If reading fails the file is left in place.
func (q *DiskQueue) DequeueAll() ([]DLQEntry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	entries, err := q.read()
	if err != nil {
		return nil, err
	}

	if err := os.Remove(q.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("remove dlq: %w", err)
	}

	return entries, nil
}

// Size returns the number of entries currently queued.
func (q *DiskQueue) Size() (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	entries, err := q.read()
	if err != nil {
		return 0, err
	}

	return len(entries), nil
}

func (q *DiskQueue) read() ([]DLQEntry, error) {
	f, err := os.Open(q.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}

		return nil, fmt.Errorf("open dlq: %w", err)
	}
	defer f.Close()

	var entries []DLQEntry

	// Lines are unbounded; anything that is not a JSON entry is skipped.
	reader := bufio.NewReader(f)

	for {
		line, readErr := reader.ReadBytes('\n')

		if trimmed := bytes.TrimSpace(line); len(trimmed) > 0 {
			var entry DLQEntry
			if err := json.Unmarshal(trimmed, &entry); err == nil {
				entries = append(entries, entry)
			}
		}

		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				return entries, nil
			}

			return nil, fmt.Errorf("read dlq: %w", readErr)
		}
	}
}
