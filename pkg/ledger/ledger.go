// Package ledger provides the append-only JSONL audit log for rollout
// decisions and rollback outcomes. One line per record, newest last.
package ledger

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Record is a single audit entry.
type Record struct {
	Timestamp string `json:"ts"`
	Service   string `json:"service"`
	Type      string `json:"type"`
	Data      any    `json:"data,omitempty"`
}

// Ledger appends audit records to a single file. Appends are serialized so
// concurrent decision cycles never interleave partial lines.
type Ledger struct {
	path    string
	service string
	mu      sync.Mutex
}

// New opens (or creates on first append) a ledger at path.
func New(path, service string) (*Ledger, error) {
	if path == "" {
		return nil, errors.New("ledger path is empty")
	}
	if service == "" {
		service = "unknown"
	}
	return &Ledger{path: path, service: service}, nil
}

// Append writes one record. The file and parent directories are created on
// first use.
func (l *Ledger) Append(eventType string, data any) error {
	rec := Record{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Service:   l.service,
		Type:      eventType,
		Data:      data,
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal ledger record: %w", err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(payload, '\n')); err != nil {
		return fmt.Errorf("write ledger: %w", err)
	}
	return nil
}

// Tail returns up to n most recent records, oldest first. A missing file
// yields an empty slice, not an error.
func (l *Ledger) Tail(n int) ([]Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	defer f.Close()

	var recs []Record
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		var r Record
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue // skip torn or legacy lines
		}
		recs = append(recs, r)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan ledger: %w", err)
	}
	if n > 0 && len(recs) > n {
		recs = recs[len(recs)-n:]
	}
	return recs, nil
}

// Path returns the backing file path, for hash anchoring.
func (l *Ledger) Path() string { return l.path }
