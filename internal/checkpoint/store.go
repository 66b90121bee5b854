// Package checkpoint persists batch progress as an append-only record stream,
// enabling exact resumption after a crash.
package checkpoint

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/urlsieve/urlsieve/internal/batch"
)

// Record is one resolution appended to a batch's stream.
type Record struct {
	TaskID       string             `json:"task_id"`
	Outcome      batch.Outcome      `json:"outcome"`
	FailureClass batch.FailureClass `json:"failure_class,omitempty"`
	Error        string             `json:"error,omitempty"`
	At           time.Time          `json:"at"`
}

// Checkpoint is the replayed state of one batch: the resolved-task set and
// the aggregate counters derivable from the stream.
type Checkpoint struct {
	BatchID  string
	Resolved map[string]batch.Outcome
	Counters batch.Counters
}

// IsResolved reports whether the task already reached a terminal outcome.
func (c *Checkpoint) IsResolved(taskID string) bool {
	_, ok := c.Resolved[taskID]
	return ok
}

// Store appends records to one file per batch under a state directory.
// Appends are serialized internally and buffered; the buffer is forced to
// stable storage every FlushEvery records or FlushInterval, whichever fires
// first.
type Store struct {
	dir           string
	flushEvery    int
	flushInterval time.Duration
	logger        *zap.Logger

	mu      sync.Mutex
	streams map[string]*stream
}

type stream struct {
	file      *os.File
	writer    *bufio.Writer
	unflushed int
	lastSync  time.Time
}

// Config parameterizes a Store.
type Config struct {
	Dir           string
	FlushEvery    int
	FlushInterval time.Duration
	Logger        *zap.Logger
}

// NewStore creates the state directory if needed and returns a Store.
func NewStore(cfg Config) (*Store, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("checkpoint dir is required")
	}
	if cfg.FlushEvery <= 0 {
		cfg.FlushEvery = 32
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 2 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create checkpoint dir: %w", err)
	}
	return &Store{
		dir:           cfg.Dir,
		flushEvery:    cfg.FlushEvery,
		flushInterval: cfg.FlushInterval,
		logger:        cfg.Logger,
		streams:       make(map[string]*stream),
	}, nil
}

func (s *Store) path(batchID string) string {
	return filepath.Join(s.dir, batchID+".ckpt")
}

func (s *Store) streamLocked(batchID string) (*stream, error) {
	if st, ok := s.streams[batchID]; ok {
		return st, nil
	}
	f, err := os.OpenFile(s.path(batchID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint stream: %w", err)
	}
	st := &stream{
		file:     f,
		writer:   bufio.NewWriter(f),
		lastSync: time.Now(),
	}
	s.streams[batchID] = st
	return st, nil
}

// Append writes one resolution record. Safe for concurrent use.
func (s *Store) Append(batchID string, rec Record) error {
	if rec.At.IsZero() {
		rec.At = time.Now()
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal checkpoint record: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.streamLocked(batchID)
	if err != nil {
		return err
	}
	if _, err := st.writer.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append checkpoint record: %w", err)
	}
	st.unflushed++

	if st.unflushed >= s.flushEvery || time.Since(st.lastSync) >= s.flushInterval {
		if err := s.syncLocked(st); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) syncLocked(st *stream) error {
	if err := st.writer.Flush(); err != nil {
		return fmt.Errorf("flush checkpoint stream: %w", err)
	}
	if err := st.file.Sync(); err != nil {
		return fmt.Errorf("sync checkpoint stream: %w", err)
	}
	st.unflushed = 0
	st.lastSync = time.Now()
	return nil
}

// Flush forces any buffered records for the batch to stable storage.
func (s *Store) Flush(batchID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.streams[batchID]
	if !ok {
		return nil
	}
	return s.syncLocked(st)
}

// Close flushes and closes the stream for one batch.
func (s *Store) Close(batchID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.streams[batchID]
	if !ok {
		return nil
	}
	delete(s.streams, batchID)
	if err := s.syncLocked(st); err != nil {
		st.file.Close() //nolint:errcheck // already failing
		return err
	}
	if err := st.file.Close(); err != nil {
		return fmt.Errorf("close checkpoint stream: %w", err)
	}
	return nil
}

// CloseAll flushes and closes every open stream.
func (s *Store) CloseAll() error {
	s.mu.Lock()
	ids := make([]string, 0, len(s.streams))
	for id := range s.streams {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	var firstErr error
	for _, id := range ids {
		if err := s.Close(id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Delete removes the batch's stream from disk.
func (s *Store) Delete(batchID string) error {
	if err := s.Close(batchID); err != nil {
		return err
	}
	if err := os.Remove(s.path(batchID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove checkpoint stream: %w", err)
	}
	return nil
}

// Load replays the batch's record stream. A missing file yields an empty
// checkpoint. A torn final record (partial write, no trailing newline, or
// invalid JSON) is dropped rather than failing the load; torn records in the
// middle of the stream indicate real corruption and are reported. Duplicate
// task IDs collapse to the first occurrence so replays stay idempotent.
func (s *Store) Load(batchID string) (*Checkpoint, error) {
	ckpt := &Checkpoint{
		BatchID:  batchID,
		Resolved: make(map[string]batch.Outcome),
	}

	// Make buffered-but-unsynced records visible to the reader.
	s.mu.Lock()
	if st, ok := s.streams[batchID]; ok {
		if err := s.syncLocked(st); err != nil {
			s.mu.Unlock()
			return nil, err
		}
	}
	s.mu.Unlock()

	f, err := os.Open(s.path(batchID))
	if err != nil {
		if os.IsNotExist(err) {
			return ckpt, nil
		}
		return nil, fmt.Errorf("open checkpoint stream: %w", err)
	}
	defer f.Close() //nolint:errcheck // read-only

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var pendingErr error
	for scanner.Scan() {
		if pendingErr != nil {
			// An undecodable record followed by more records is corruption,
			// not a torn tail.
			return nil, pendingErr
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var rec Record
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			pendingErr = fmt.Errorf("decode checkpoint record: %w", err)
			continue
		}
		s.applyRecord(ckpt, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan checkpoint stream: %w", err)
	}
	if pendingErr != nil {
		s.logger.Warn("dropping torn checkpoint tail record",
			zap.String("batch_id", batchID))
	}
	return ckpt, nil
}

func (s *Store) applyRecord(ckpt *Checkpoint, rec Record) {
	if _, seen := ckpt.Resolved[rec.TaskID]; seen {
		return
	}
	ckpt.Resolved[rec.TaskID] = rec.Outcome
	switch rec.Outcome {
	case batch.OutcomeSucceeded:
		ckpt.Counters.Succeeded++
	case batch.OutcomeFailed:
		ckpt.Counters.PermanentlyFailed++
	case batch.OutcomeSkipped:
		ckpt.Counters.Skipped++
	}
}
