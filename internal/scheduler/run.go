// Package scheduler binds the governor, resource monitor, retry policy, and
// checkpoint store into a bounded worker pool that drains URL batches.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/urlsieve/urlsieve/internal/batch"
	"github.com/urlsieve/urlsieve/internal/checkpoint"
	"github.com/urlsieve/urlsieve/internal/metrics"
	"github.com/urlsieve/urlsieve/internal/resource"
)

// run is the scheduling state for one batch: the task list, the ready queue,
// and the worker pool draining it.
type run struct {
	id     string
	engine *Engine
	logger *zap.Logger

	tasks []*batch.Task
	queue chan *batch.Task

	ctx    context.Context
	cancel context.CancelFunc

	paused         atomic.Bool
	fedAll         atomic.Bool
	delayed        atomic.Int64
	inFlight       atomic.Int64
	unresolved     atomic.Int64
	failedAttempts atomic.Int64

	mu        sync.Mutex
	status    batch.Status
	counters  batch.Counters
	submitted time.Time
	started   *time.Time
	finished  *time.Time
	errText   string

	wg   sync.WaitGroup
	done chan struct{}
}

func newRun(e *Engine, id string, tasks []*batch.Task) *run {
	ctx, cancel := context.WithCancel(context.Background())
	return &run{
		id:        id,
		engine:    e,
		logger:    e.logger.With(zap.String("batch_id", id)),
		tasks:     tasks,
		queue:     make(chan *batch.Task, len(tasks)+1),
		ctx:       ctx,
		cancel:    cancel,
		status:    batch.StatusPending,
		submitted: e.clock.Now(),
		done:      make(chan struct{}),
	}
}

// start loads the checkpoint, resolves duplicates and malformed URLs up
// front, and launches the feeder and worker pool. Setup failures (an
// unreadable checkpoint) finalize the batch as failed before any work runs.
func (r *run) start() {
	defer close(r.done)

	ckpt, err := r.engine.ckpt.Load(r.id)
	if err != nil {
		r.logger.Error("checkpoint load failed", zap.Error(err))
		r.setFatal(fmt.Errorf("load checkpoint: %w", err))
		r.finalize()
		return
	}

	queueable := r.prepare(ckpt)
	if r.failed() {
		r.finalize()
		return
	}

	now := r.engine.clock.Now()
	r.mu.Lock()
	r.status = batch.StatusRunning
	r.started = &now
	r.mu.Unlock()

	r.logger.Info("batch started",
		zap.Int("total", len(r.tasks)),
		zap.Int("queueable", len(queueable)),
		zap.Int64("unresolved", r.unresolved.Load()),
	)

	for i := 0; i < r.engine.cfg.Concurrency; i++ {
		r.wg.Add(1)
		go r.worker(i)
	}
	r.feed(queueable)
	r.wg.Wait()
	r.finalize()
}

// prepare reconciles the task list with the checkpoint and resolves the
// tasks that never reach the queue: already-checkpointed ones, in-batch
// duplicates, and URLs that failed normalization.
func (r *run) prepare(ckpt *checkpoint.Checkpoint) []*batch.Task {
	r.mu.Lock()
	r.counters = ckpt.Counters
	r.counters.Total = len(r.tasks)
	r.mu.Unlock()

	seen := make(map[string]struct{}, len(r.tasks))
	queueable := make([]*batch.Task, 0, len(r.tasks))

	for _, t := range r.tasks {
		if outcome, ok := ckpt.Resolved[t.ID]; ok {
			t.Status = statusForOutcome(outcome)
			continue
		}
		if t.LastFailure == batch.FailurePermanent {
			// Normalization rejected the URL at submit time.
			r.unresolved.Add(1)
			r.resolvePermanent(t, batch.FailurePermanent, t.LastError)
			continue
		}
		if _, dup := seen[t.URL]; dup {
			r.unresolved.Add(1)
			r.resolveSkipped(t)
			continue
		}
		seen[t.URL] = struct{}{}
		t.Status = batch.TaskQueued
		r.unresolved.Add(1)
		queueable = append(queueable, t)
	}
	return queueable
}

func statusForOutcome(o batch.Outcome) batch.TaskStatus {
	switch o {
	case batch.OutcomeFailed:
		return batch.TaskPermanentlyFailed
	case batch.OutcomeSkipped:
		return batch.TaskSkippedDuplicate
	default:
		return batch.TaskSucceeded
	}
}

// feed releases tasks into the ready queue in adaptive chunks so a huge batch
// never materializes entirely in memory-hungry flight. Chunk size shrinks
// under pressure or a high error rate and grows when the system is idle.
func (r *run) feed(queueable []*batch.Task) {
	chunk := r.engine.cfg.ChunkSize
	i := 0
	for i < len(queueable) {
		if r.ctx.Err() != nil {
			r.fedAll.Store(true)
			return
		}
		if r.paused.Load() {
			r.sleep(r.engine.cfg.DrainPoll)
			continue
		}
		if len(r.queue) > chunk/2 {
			r.sleep(r.engine.cfg.DrainPoll)
			continue
		}
		n := chunk
		if rest := len(queueable) - i; rest < n {
			n = rest
		}
		for _, t := range queueable[i : i+n] {
			r.queue <- t
		}
		i += n
		chunk = r.adjustChunk(chunk)
	}
	r.fedAll.Store(true)
}

// adjustChunk applies the adaptive sizing rule: shrink 20% under elevated
// pressure or an error rate above 10%, grow 20% when pressure is normal,
// bounded by [10, configured chunk size].
func (r *run) adjustChunk(cur int) int {
	pressure := r.engine.monitor.Pressure()

	r.mu.Lock()
	succeeded := r.counters.Succeeded
	r.mu.Unlock()
	failures := r.failedAttempts.Load()
	attempts := int64(succeeded) + failures

	errRate := 0.0
	if attempts > 0 {
		errRate = float64(failures) / float64(attempts)
	}

	switch {
	case pressure != resource.PressureNormal || errRate > 0.1:
		next := cur * 8 / 10
		if next < 10 {
			next = 10
		}
		return next
	case errRate < 0.1:
		next := cur * 12 / 10
		if next > r.engine.cfg.ChunkSize {
			next = r.engine.cfg.ChunkSize
		}
		return next
	default:
		return cur
	}
}

// worker is one slot of the bounded pool. Ordinal gating implements the
// adaptive ceiling: under elevated pressure only the low-ordinal workers keep
// pulling, and under critical pressure none do until a later sample recovers.
func (r *run) worker(ordinal int) {
	defer r.wg.Done()
	for {
		if r.ctx.Err() != nil {
			return
		}
		if r.unresolved.Load() == 0 {
			return
		}
		if r.paused.Load() {
			r.sleep(r.engine.cfg.DrainPoll)
			continue
		}

		pressure := r.engine.monitor.Pressure()
		metrics.SetPressure(int(pressure))
		if ordinal >= r.ceiling(pressure) {
			if pressure == resource.PressureCritical {
				metrics.ObserveDenial("pressure")
			}
			r.sleep(r.engine.cfg.PressurePause)
			continue
		}

		t, ok := r.pop()
		if !ok {
			r.maybeMarkDraining()
			r.sleep(r.engine.cfg.DrainPoll)
			continue
		}

		if wait := time.Until(t.NotBefore); wait > 0 {
			r.requeueAfter(t, wait)
			continue
		}

		adm := r.engine.governor.TryAdmit(t.Destination)
		if !adm.OK {
			metrics.ObserveDenial("domain")
			delay := adm.RetryAfter
			if floor := r.engine.cfg.AdmitRetryFloor; delay < floor {
				delay = floor
			}
			r.requeueAfter(t, delay)
			continue
		}
		r.execute(t)
	}
}

// ceiling maps pressure onto the number of active worker ordinals.
func (r *run) ceiling(p resource.Pressure) int {
	c := r.engine.cfg.Concurrency
	switch p {
	case resource.PressureCritical:
		return 0
	case resource.PressureElevated:
		half := c / 2
		if half < 1 {
			half = 1
		}
		return half
	default:
		return c
	}
}

func (r *run) pop() (*batch.Task, bool) {
	select {
	case t := <-r.queue:
		return t, true
	default:
		return nil, false
	}
}

func (r *run) requeueAfter(t *batch.Task, delay time.Duration) {
	t.NotBefore = time.Now().Add(delay)
	r.delayed.Add(1)
	time.AfterFunc(delay, func() {
		r.delayed.Add(-1)
		select {
		case r.queue <- t:
		default:
			// Queue is sized to hold every task; a full queue here means the
			// batch was finalized and the send can be dropped.
		}
	})
}

// execute runs one admitted task through the collaborator. The governor slot
// is released on every exit path; the engine-wide slot bounds concurrency
// across batches.
func (r *run) execute(t *batch.Task) {
	defer r.engine.governor.Release(t.Destination)

	select {
	case r.engine.slots <- struct{}{}:
	case <-r.ctx.Done():
		return
	}
	defer func() { <-r.engine.slots }()

	metrics.TaskStarted()
	defer metrics.TaskFinished()

	r.inFlight.Add(1)
	defer r.inFlight.Add(-1)

	t.Status = batch.TaskInFlight
	ctx, cancel := context.WithTimeout(r.ctx, r.engine.cfg.TaskTimeout)
	defer cancel()

	result, err := r.engine.processor.Process(ctx, t.URL)
	if err == nil {
		r.resolveSuccess(t, result)
		return
	}
	if r.ctx.Err() != nil {
		// Batch-level cancellation: leave the task unresolved so a later
		// resume picks it up; the checkpoint stays valid.
		t.Status = batch.TaskQueued
		return
	}
	r.handleFailure(t, err)
}

func (r *run) handleFailure(t *batch.Task, err error) {
	class := batch.ClassOf(err)
	r.engine.governor.RecordFailure(t.Destination)

	if batch.ConsumesAttempt(class) {
		t.Attempt++
	}
	firstFailure := t.LastFailure == batch.FailureNone
	t.LastFailure = class
	t.LastError = err.Error()
	r.failedAttempts.Add(1)

	decision := r.engine.retry.Decide(t.Attempt, class, batch.RetryAfterOf(err))
	if decision.Retry {
		t.Status = batch.TaskFailed
		metrics.ObserveRetry(string(class))
		r.mu.Lock()
		r.counters.Retries++
		// Failed counts tasks awaiting retry; each task enters it once and
		// leaves it on resolution, so the counter sums with the terminal
		// outcomes to at most the batch total.
		if firstFailure {
			r.counters.Failed++
		}
		r.mu.Unlock()
		r.logger.Debug("task retry scheduled",
			zap.String("url", t.URL),
			zap.String("class", string(class)),
			zap.Int("attempt", t.Attempt),
			zap.Duration("delay", decision.Delay),
		)
		r.requeueAfter(t, decision.Delay)
		return
	}

	if !firstFailure {
		r.mu.Lock()
		r.counters.Failed--
		r.mu.Unlock()
	}
	r.resolvePermanent(t, class, t.LastError)
}

func (r *run) resolveSuccess(t *batch.Task, result batch.Result) {
	if err := r.appendCheckpoint(t.ID, batch.OutcomeSucceeded, batch.FailureNone, ""); err != nil {
		return
	}
	t.Status = batch.TaskSucceeded
	r.mu.Lock()
	r.counters.Succeeded++
	if t.LastFailure != batch.FailureNone {
		r.counters.Failed--
	}
	r.mu.Unlock()
	metrics.ObserveTask(string(batch.OutcomeSucceeded))

	if err := r.engine.sink.OnSuccess(r.ctx, t.URL, result); err != nil {
		r.logger.Warn("result sink rejected success", zap.String("url", t.URL), zap.Error(err))
	}
	r.markResolved()
}

func (r *run) resolvePermanent(t *batch.Task, class batch.FailureClass, errText string) {
	if err := r.appendCheckpoint(t.ID, batch.OutcomeFailed, class, errText); err != nil {
		return
	}
	t.Status = batch.TaskPermanentlyFailed
	t.LastFailure = class
	t.LastError = errText
	r.mu.Lock()
	r.counters.PermanentlyFailed++
	r.mu.Unlock()
	metrics.ObserveTask(string(batch.OutcomeFailed))

	r.logger.Info("task permanently failed",
		zap.String("url", t.URL),
		zap.String("class", string(class)),
		zap.Int("attempts", t.Attempt),
		zap.String("error", errText),
	)
	if err := r.engine.sink.OnPermanentFailure(r.ctx, t.URL, class, errText); err != nil {
		r.logger.Warn("result sink rejected failure", zap.String("url", t.URL), zap.Error(err))
	}
	r.markResolved()
}

func (r *run) resolveSkipped(t *batch.Task) {
	if err := r.appendCheckpoint(t.ID, batch.OutcomeSkipped, batch.FailureNone, ""); err != nil {
		return
	}
	t.Status = batch.TaskSkippedDuplicate
	r.mu.Lock()
	r.counters.Skipped++
	r.mu.Unlock()
	metrics.ObserveTask(string(batch.OutcomeSkipped))
	r.markResolved()
}

// appendCheckpoint persists a resolution. A checkpoint I/O failure is fatal
// to the batch: progress durably written so far stays valid for resume.
func (r *run) appendCheckpoint(taskID string, outcome batch.Outcome, class batch.FailureClass, errText string) error {
	err := r.engine.ckpt.Append(r.id, checkpoint.Record{
		TaskID:       taskID,
		Outcome:      outcome,
		FailureClass: class,
		Error:        errText,
		At:           r.engine.clock.Now(),
	})
	if err != nil {
		r.logger.Error("checkpoint append failed", zap.Error(err))
		r.setFatal(fmt.Errorf("append checkpoint: %w", err))
		return err
	}
	metrics.ObserveCheckpointAppend()
	return nil
}

func (r *run) markResolved() {
	r.unresolved.Add(-1)
}

func (r *run) maybeMarkDraining() {
	if !r.fedAll.Load() || r.delayed.Load() != 0 || len(r.queue) != 0 {
		return
	}
	if r.unresolved.Load() == 0 {
		return
	}
	r.mu.Lock()
	if r.status == batch.StatusRunning {
		r.status = batch.StatusDraining
	}
	r.mu.Unlock()
}

// setFatal records a batch-level failure and stops admission.
func (r *run) setFatal(err error) {
	r.mu.Lock()
	if r.errText == "" {
		r.errText = err.Error()
	}
	r.mu.Unlock()
	r.cancel()
}

func (r *run) failed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.errText != ""
}

func (r *run) finalize() {
	if err := r.engine.ckpt.Flush(r.id); err != nil {
		r.logger.Error("final checkpoint flush failed", zap.Error(err))
	}

	now := r.engine.clock.Now()
	r.mu.Lock()
	r.finished = &now
	switch {
	case r.errText != "":
		r.status = batch.StatusFailed
	case r.ctx.Err() != nil && r.unresolved.Load() > 0:
		r.status = batch.StatusFailed
		r.errText = "batch canceled"
	default:
		r.status = batch.StatusCompleted
	}
	status := r.status
	counters := r.counters
	started := r.started
	r.mu.Unlock()

	r.cancel()

	dur := time.Duration(0)
	if started != nil {
		dur = now.Sub(*started)
	}
	metrics.ObserveBatch(string(status), dur)

	r.logger.Info("batch finalized",
		zap.String("status", string(status)),
		zap.Int("succeeded", counters.Succeeded),
		zap.Int("permanently_failed", counters.PermanentlyFailed),
		zap.Int("skipped", counters.Skipped),
		zap.Int("retries", counters.Retries),
		zap.Duration("duration", dur),
	)

	r.engine.publishEvent(r.id, status, counters)
}

// snapshot renders the run as an API-facing Batch.
func (r *run) snapshot() batch.Batch {
	r.mu.Lock()
	defer r.mu.Unlock()
	return batch.Batch{
		ID:        r.id,
		Status:    r.status,
		Submitted: r.submitted,
		Started:   r.started,
		Finished:  r.finished,
		ErrorText: r.errText,
		Counters:  r.counters,
	}
}

// sleep waits for d or until the batch context ends.
func (r *run) sleep(d time.Duration) {
	if d <= 0 {
		d = 10 * time.Millisecond
	}
	select {
	case <-r.ctx.Done():
	case <-time.After(d):
	}
}
