package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/urlsieve/urlsieve/internal/batch"
	"github.com/urlsieve/urlsieve/internal/checkpoint"
	"github.com/urlsieve/urlsieve/internal/governor"
	"github.com/urlsieve/urlsieve/internal/resource"
)

// Sentinel errors surfaced to API callers.
var (
	ErrBatchNotFound    = fmt.Errorf("batch not found")
	ErrBatchNotPaused   = fmt.Errorf("batch is not paused")
	ErrBatchNotRunning  = fmt.Errorf("batch is not running")
	ErrBatchNotTerminal = fmt.Errorf("batch is not terminal")
	ErrBatchExists      = fmt.Errorf("batch already exists")
	ErrEmptyBatch       = fmt.Errorf("batch contains no URLs")
)

// Config tunes the engine's worker pool and queue pacing.
type Config struct {
	// Concurrency bounds in-flight tasks across all batches.
	Concurrency int
	// ChunkSize bounds how many tasks the feeder releases into the ready
	// queue at once; the effective size adapts between 10 and this value.
	ChunkSize int
	// TaskTimeout bounds one collaborator call.
	TaskTimeout time.Duration
	// PressurePause is how long an idled worker waits before re-sampling
	// resource pressure.
	PressurePause time.Duration
	// DrainPoll is the worker's wait when the ready queue is empty but
	// delayed retries are still pending.
	DrainPoll time.Duration
	// AdmitRetryFloor is the minimum requeue delay after a governor denial.
	AdmitRetryFloor time.Duration
}

func (c *Config) withDefaults() {
	if c.Concurrency <= 0 {
		c.Concurrency = 10
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = 100
	}
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = 30 * time.Second
	}
	if c.PressurePause <= 0 {
		c.PressurePause = 500 * time.Millisecond
	}
	if c.DrainPoll <= 0 {
		c.DrainPoll = 25 * time.Millisecond
	}
	if c.AdmitRetryFloor <= 0 {
		c.AdmitRetryFloor = 50 * time.Millisecond
	}
}

// Engine owns every batch: it admits URL lists, schedules them through the
// shared worker budget, and exposes the batch lifecycle operations.
type Engine struct {
	cfg       Config
	governor  *governor.Governor
	monitor   *resource.Monitor
	retry     *batch.RetryPolicy
	ckpt      *checkpoint.Store
	processor batch.Processor
	sink      batch.ResultSink
	publisher batch.Publisher
	clock     batch.Clock
	logger    *zap.Logger

	slots chan struct{}

	mu   sync.Mutex
	runs map[string]*run
}

// Options carries the engine's collaborators. Processor, checkpoint store,
// governor, retry policy, and monitor are required; the rest default to
// no-op implementations.
type Options struct {
	Governor  *governor.Governor
	Monitor   *resource.Monitor
	Retry     *batch.RetryPolicy
	Ckpt      *checkpoint.Store
	Processor batch.Processor
	Sink      batch.ResultSink
	Publisher batch.Publisher
	Clock     batch.Clock
	Logger    *zap.Logger
}

// New wires an Engine from its collaborators.
func New(cfg Config, opts Options) (*Engine, error) {
	cfg.withDefaults()
	if opts.Processor == nil {
		return nil, fmt.Errorf("scheduler: processor is required")
	}
	if opts.Governor == nil {
		return nil, fmt.Errorf("scheduler: governor is required")
	}
	if opts.Retry == nil {
		return nil, fmt.Errorf("scheduler: retry policy is required")
	}
	if opts.Ckpt == nil {
		return nil, fmt.Errorf("scheduler: checkpoint store is required")
	}
	if opts.Monitor == nil {
		return nil, fmt.Errorf("scheduler: resource monitor is required")
	}
	if opts.Sink == nil {
		opts.Sink = batch.NopSink{}
	}
	if opts.Clock == nil {
		opts.Clock = batch.SystemClock{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Engine{
		cfg:       cfg,
		governor:  opts.Governor,
		monitor:   opts.Monitor,
		retry:     opts.Retry,
		ckpt:      opts.Ckpt,
		processor: opts.Processor,
		sink:      opts.Sink,
		publisher: opts.Publisher,
		clock:     opts.Clock,
		logger:    opts.Logger,
		slots:     make(chan struct{}, cfg.Concurrency),
		runs:      make(map[string]*run),
	}, nil
}

// Submit registers a new batch under a fresh identifier and starts draining
// it. The returned identifier is the handle for every later operation.
func (e *Engine) Submit(urls []string) (string, error) {
	return e.SubmitWithID(uuid.NewString(), urls)
}

// SubmitWithID registers a batch under a caller-chosen identifier. Paired
// with the checkpoint store it resumes an interrupted batch after a restart:
// re-submitting the same URL list under the same identifier skips everything
// already resolved.
func (e *Engine) SubmitWithID(id string, urls []string) (string, error) {
	if len(urls) == 0 {
		return "", ErrEmptyBatch
	}
	tasks := buildTasks(id, urls)

	e.mu.Lock()
	if _, ok := e.runs[id]; ok {
		e.mu.Unlock()
		return "", fmt.Errorf("submit %q: %w", id, ErrBatchExists)
	}
	r := newRun(e, id, tasks)
	e.runs[id] = r
	e.mu.Unlock()

	e.logger.Info("batch submitted", zap.String("batch_id", id), zap.Int("urls", len(urls)))
	go r.start()
	return id, nil
}

// buildTasks normalizes every URL into a Task. Malformed URLs still become
// tasks so the batch accounts for them; they resolve as permanent failures
// before reaching the queue. Task identifiers are positional so a re-submitted
// list maps onto the same checkpoint records.
func buildTasks(batchID string, urls []string) []*batch.Task {
	tasks := make([]*batch.Task, 0, len(urls))
	for i, raw := range urls {
		t := &batch.Task{
			ID:      fmt.Sprintf("task-%06d", i),
			BatchID: batchID,
			Status:  batch.TaskQueued,
		}
		normalized, err := batch.NormalizeURL(raw)
		if err != nil {
			t.URL = raw
			t.LastFailure = batch.FailurePermanent
			t.LastError = err.Error()
			tasks = append(tasks, t)
			continue
		}
		dest, err := batch.DestinationKey(normalized)
		if err != nil {
			t.URL = normalized
			t.LastFailure = batch.FailurePermanent
			t.LastError = err.Error()
			tasks = append(tasks, t)
			continue
		}
		t.URL = normalized
		t.Destination = dest
		tasks = append(tasks, t)
	}
	return tasks
}

// Status returns a snapshot of one batch.
func (e *Engine) Status(id string) (batch.Batch, error) {
	r, err := e.lookup(id)
	if err != nil {
		return batch.Batch{}, err
	}
	return r.snapshot(), nil
}

// List returns snapshots of every known batch, newest first.
func (e *Engine) List() []batch.Batch {
	e.mu.Lock()
	out := make([]batch.Batch, 0, len(e.runs))
	for _, r := range e.runs {
		out = append(out, r.snapshot())
	}
	e.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].Submitted.After(out[j].Submitted)
	})
	return out
}

// Pause stops admission of new tasks. In-flight tasks finish normally.
func (e *Engine) Pause(id string) error {
	r, err := e.lookup(id)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status != batch.StatusRunning && r.status != batch.StatusDraining {
		return fmt.Errorf("pause %q: %w", id, ErrBatchNotRunning)
	}
	r.status = batch.StatusPaused
	r.paused.Store(true)
	r.logger.Info("batch paused")
	return nil
}

// Resume reopens admission on a paused batch.
func (e *Engine) Resume(id string) error {
	r, err := e.lookup(id)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status != batch.StatusPaused {
		return fmt.Errorf("resume %q: %w", id, ErrBatchNotPaused)
	}
	r.status = batch.StatusRunning
	r.paused.Store(false)
	r.logger.Info("batch resumed")
	return nil
}

// Cancel stops a batch. In-flight tasks are abandoned, unresolved tasks stay
// unresolved, and the checkpoint written so far remains valid for a later
// re-submission under the same identifier.
func (e *Engine) Cancel(id string) error {
	r, err := e.lookup(id)
	if err != nil {
		return err
	}
	r.mu.Lock()
	terminal := r.status.Terminal()
	r.mu.Unlock()
	if terminal {
		return nil
	}
	r.paused.Store(false)
	r.cancel()
	r.logger.Info("batch cancel requested")
	return nil
}

// Delete removes a terminal batch and its checkpoint file.
func (e *Engine) Delete(id string) error {
	r, err := e.lookup(id)
	if err != nil {
		return err
	}
	r.mu.Lock()
	terminal := r.status.Terminal()
	r.mu.Unlock()
	if !terminal {
		return fmt.Errorf("delete %q: %w", id, ErrBatchNotTerminal)
	}

	if err := e.ckpt.Delete(id); err != nil {
		return fmt.Errorf("delete checkpoint %q: %w", id, err)
	}
	e.mu.Lock()
	delete(e.runs, id)
	e.mu.Unlock()
	e.logger.Info("batch deleted", zap.String("batch_id", id))
	return nil
}

// Wait blocks until the batch finalizes or ctx ends. Used by tests and
// graceful shutdown.
func (e *Engine) Wait(ctx context.Context, id string) error {
	r, err := e.lookup(id)
	if err != nil {
		return err
	}
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown cancels every non-terminal batch and waits for the runs to
// finalize, flushing checkpoints on the way out.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	runs := make([]*run, 0, len(e.runs))
	for _, r := range e.runs {
		runs = append(runs, r)
	}
	e.mu.Unlock()

	for _, r := range runs {
		r.cancel()
	}
	for _, r := range runs {
		select {
		case <-r.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return e.ckpt.CloseAll()
}

func (e *Engine) lookup(id string) (*run, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.runs[id]
	if !ok {
		return nil, fmt.Errorf("batch %q: %w", id, ErrBatchNotFound)
	}
	return r, nil
}

func (e *Engine) publishEvent(id string, status batch.Status, counters batch.Counters) {
	if e.publisher == nil {
		return
	}
	event := map[string]any{
		"batch_id":           id,
		"status":             string(status),
		"total":              counters.Total,
		"succeeded":          counters.Succeeded,
		"permanently_failed": counters.PermanentlyFailed,
		"skipped":            counters.Skipped,
		"retries":            counters.Retries,
		"at":                 e.clock.Now().UTC().Format(time.RFC3339),
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := e.publisher.Publish(ctx, event); err != nil {
		e.logger.Warn("completion event publish failed", zap.String("batch_id", id), zap.Error(err))
	}
}
