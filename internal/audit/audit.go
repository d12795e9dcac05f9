// Package audit implements the append-only action log (spec C7):
// every ExternalWrite/StateChange/Destructive/Control-category handler
// outcome is recorded as an ActionRecord. Grounded on the teacher's
// internal/governance.WAL: one JSONL file per subject (there: agent id;
// here: audit bucket), bufio.Scanner replay, and a keep-last-N prune.
// Unlike the teacher's WAL, records here are immutable once appended —
// there is no MarkApplied rewrite path, since an audit trail must not be
// mutated after the fact (spec §4.7: "ActionRecords are append-only").
package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/clawinfra/evoclaw/internal/clock"
)

// Kind classifies the action recorded, mirroring controlapi.ActionCategory
// (kept as a separate string type so the audit log's on-disk schema does
// not couple to controlapi's Go type across versions).
type Kind string

const (
	KindToolCall       Kind = "tool_call"
	KindExternalRead   Kind = "external_read"
	KindExternalWrite  Kind = "external_write"
	KindStateChange    Kind = "state_change"
	KindDestructive    Kind = "destructive"
	KindControl        Kind = "control"
)

// Record is one immutable entry in the audit log (spec §3 ActionRecord).
type Record struct {
	ID            string    `json:"id"`
	Timestamp     time.Time `json:"timestamp"`
	AgentID       string    `json:"agent_id"`
	Kind          Kind      `json:"kind"`
	CorrelationID string    `json:"correlation_id"`
	Detail        string    `json:"detail"`
	Outcome       string    `json:"outcome"`
}

// Log is an append-only, JSONL-backed audit trail, one file per bucket
// (typically "global", but callers may partition per tenant).
type Log struct {
	baseDir string
	clock   clock.Clock
	log     *slog.Logger

	mu      sync.Mutex
	buffers map[string][]Record
}

// Open creates (if necessary) baseDir and returns a Log rooted there.
func Open(baseDir string, clk clock.Clock, logger *slog.Logger) (*Log, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("audit: create dir: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{
		baseDir: baseDir,
		clock:   clk,
		log:     logger.With("component", "audit"),
		buffers: make(map[string][]Record),
	}, nil
}

func (l *Log) path(bucket string) string {
	return filepath.Join(l.baseDir, bucket+".jsonl")
}

// Append writes one record to bucket's log file, filling in ID and
// Timestamp from the Log's clock.
func (l *Log) Append(ctx context.Context, bucket string, r Record) (Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	r.ID = l.clock.NewID("act")
	r.Timestamp = l.clock.Now()

	f, err := os.OpenFile(l.path(bucket), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return Record{}, fmt.Errorf("audit: open %s: %w", bucket, err)
	}
	defer f.Close()

	data, err := json.Marshal(r)
	if err != nil {
		return Record{}, fmt.Errorf("audit: marshal record: %w", err)
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		return Record{}, fmt.Errorf("audit: write record: %w", err)
	}

	l.log.Debug("audit append", "bucket", bucket, "agent_id", r.AgentID, "kind", r.Kind, "id", r.ID)
	return r, nil
}

// BufferAdd queues a record in memory without touching disk, for
// handlers that batch several audit entries per invocation and flush
// once at the end (spec §4.7: batching is allowed as long as a flush
// happens before the handler reports success).
func (l *Log) BufferAdd(bucket string, r Record) {
	l.mu.Lock()
	defer l.mu.Unlock()

	r.ID = l.clock.NewID("act")
	r.Timestamp = l.clock.Now()
	l.buffers[bucket] = append(l.buffers[bucket], r)
}

// Flush persists every buffered record for bucket and clears the buffer.
func (l *Log) Flush(bucket string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	buffered := l.buffers[bucket]
	if len(buffered) == 0 {
		return nil
	}

	f, err := os.OpenFile(l.path(bucket), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("audit: open %s: %w", bucket, err)
	}
	defer f.Close()

	for _, r := range buffered {
		data, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("audit: marshal record: %w", err)
		}
		if _, err := f.Write(append(data, '\n')); err != nil {
			return fmt.Errorf("audit: write record: %w", err)
		}
	}

	l.log.Info("audit buffer flushed", "bucket", bucket, "entries", len(buffered))
	delete(l.buffers, bucket)
	return nil
}

// Read returns every record in bucket, in append order.
func (l *Log) Read(bucket string) ([]Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.readAll(bucket)
}

func (l *Log) readAll(bucket string) ([]Record, error) {
	f, err := os.Open(l.path(bucket))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("audit: open %s: %w", bucket, err)
	}
	defer f.Close()

	var records []Record
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var r Record
		if err := json.Unmarshal(scanner.Bytes(), &r); err != nil {
			l.log.Warn("audit: skipping malformed record", "bucket", bucket, "error", err)
			continue
		}
		records = append(records, r)
	}
	return records, scanner.Err()
}

// Prune keeps only the most recent `keep` records of bucket, dropping
// older ones (spec §9 Design Notes: audit retention is a dual bound —
// this implements the count-bound side; age-based pruning is left to an
// operator-scheduled job, spec §9.1).
func (l *Log) Prune(bucket string, keep int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	records, err := l.readAll(bucket)
	if err != nil {
		return err
	}
	if len(records) <= keep {
		return nil
	}

	pruned := records[len(records)-keep:]
	f, err := os.Create(l.path(bucket))
	if err != nil {
		return fmt.Errorf("audit: create %s: %w", bucket, err)
	}
	defer f.Close()

	for _, r := range pruned {
		data, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("audit: marshal record: %w", err)
		}
		if _, err := f.Write(append(data, '\n')); err != nil {
			return fmt.Errorf("audit: write record: %w", err)
		}
	}

	l.log.Info("audit pruned", "bucket", bucket, "removed", len(records)-keep, "kept", keep)
	return nil
}
