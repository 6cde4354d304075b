package queue

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/ashdyer/kiln/internal/backend"
	"github.com/ashdyer/kiln/internal/collect"
	"github.com/ashdyer/kiln/internal/model"
	"github.com/ashdyer/kiln/internal/progress"
	"github.com/ashdyer/kiln/internal/router"
	"github.com/ashdyer/kiln/internal/store"
	"github.com/ashdyer/kiln/internal/template"
)

// Config holds the pool's execution parameters. It is read once at
// construction and treated as immutable for the pool's lifetime.
type Config struct {
	Workers       int
	QueueDepth    int
	MaxAttempts   int           // fresh-attempt budget per task
	RetryLimit    int           // same-backend retries on connection failure
	FailoverDepth int           // additional backends tried after the first
	TaskTimeout   time.Duration // default wall-clock budget
	BackoffBase   time.Duration
	BackoffMax    time.Duration
}

// Cancellation acknowledgement values.
const (
	CancelOK              = "ok"
	CancelNotFound        = "not_found"
	CancelAlreadyTerminal = "already_terminal"
)

// errCancelRequested is the cancellation cause installed by Cancel so workers
// can distinguish a caller cancel from a timeout.
var errCancelRequested = errors.New("cancel requested")

// Pool owns the worker goroutines and the task lifecycle. It is the single
// place that decides retry vs. failover vs. terminal failure from an error's
// kind; nothing above it retries.
type Pool struct {
	cfg       Config
	queue     *Queue
	store     store.Store
	router    *router.Router
	tracker   *progress.Tracker
	collector *collect.Collector
	logger    *slog.Logger

	wg sync.WaitGroup

	mu            sync.Mutex
	running       map[string]context.CancelCauseFunc
	pendingCancel map[string]bool // cancels that raced a dequeue
	admitting     int             // slots reserved by in-flight Submits
}

// NewPool creates a worker pool. Start must be called before tasks run.
func NewPool(cfg Config, s store.Store, r *router.Router, tracker *progress.Tracker, collector *collect.Collector, logger *slog.Logger) *Pool {
	return &Pool{
		cfg:           cfg,
		queue:         NewQueue(cfg.QueueDepth),
		store:         s,
		router:        r,
		tracker:       tracker,
		collector:     collector,
		logger:        logger,
		running:       make(map[string]context.CancelCauseFunc),
		pendingCancel: make(map[string]bool),
	}
}

// Start launches the worker goroutines.
func (p *Pool) Start() {
	for range p.cfg.Workers {
		p.wg.Go(p.workerLoop)
	}
}

// Stop closes the queue and waits for in-flight tasks to finish.
func (p *Pool) Stop() {
	p.queue.Close()
	p.wg.Wait()
}

// Depth returns the current queue depth.
func (p *Pool) Depth() int {
	return p.queue.Depth()
}

// Submit validates and admits a task. The task is persisted as queued before
// it becomes visible to workers. Admission reserves a slot first, so
// concurrent submits cannot push the queue past the configured depth; at the
// depth Submit returns ErrQueueFull and leaves no record behind.
func (p *Pool) Submit(ctx context.Context, t *model.Task) error {
	if t.FunctionName == "" {
		return model.Errf(model.KindValidation, "function_name is required")
	}
	if !model.ValidTier(t.QualityTier) {
		return model.Errf(model.KindValidation, "unknown quality tier %q", t.QualityTier)
	}

	p.mu.Lock()
	if p.queue.Depth()+p.admitting >= p.cfg.QueueDepth {
		p.mu.Unlock()
		return ErrQueueFull
	}
	p.admitting++
	p.mu.Unlock()

	if t.ID == "" {
		t.ID = model.NewID()
	}
	t.Status = model.StatusQueued
	t.CreatedAt = time.Now().UTC()

	if err := p.store.CreateTask(ctx, t); err != nil {
		p.mu.Lock()
		p.admitting--
		p.mu.Unlock()
		return err
	}

	// Enqueue and release the reservation together so the slot is counted
	// exactly once at every point.
	p.mu.Lock()
	p.queue.Requeue(t)
	p.admitting--
	p.mu.Unlock()
	queueDepth.Set(float64(p.queue.Depth()))
	return nil
}

// Resume re-admits tasks recovered from the store at startup. They were
// admitted before the restart, so the depth check does not apply.
func (p *Pool) Resume(tasks []*model.Task) {
	for _, t := range tasks {
		p.queue.Requeue(t)
	}
	queueDepth.Set(float64(p.queue.Depth()))
}

// Cancel requests cancellation of a task. Queued tasks are removed and marked
// cancelled immediately; running tasks get their execution context cancelled
// and the owning worker records the terminal state. Remote acknowledgement is
// best-effort: an unacknowledged backend job is left as an orphan.
func (p *Pool) Cancel(ctx context.Context, id string) (string, error) {
	t, err := p.store.GetTask(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return CancelNotFound, nil
	}
	if err != nil {
		return "", err
	}
	if model.IsTerminal(t.Status) {
		return CancelAlreadyTerminal, nil
	}

	if p.queue.Remove(id) {
		queueDepth.Set(float64(p.queue.Depth()))
		p.finishCancelled(t, "cancelled before execution")
		return CancelOK, nil
	}

	p.mu.Lock()
	cancel, ok := p.running[id]
	if !ok {
		// The task is between dequeue and registration; flag it so the
		// worker cancels before executing.
		p.pendingCancel[id] = true
	}
	p.mu.Unlock()

	if ok {
		cancel(errCancelRequested)
		return CancelOK, nil
	}

	// The task may also have finished since the status read above. Re-read so
	// a terminal task gets a truthful ack instead of a stale flag.
	t, err = p.store.GetTask(ctx, id)
	if err == nil && model.IsTerminal(t.Status) {
		p.mu.Lock()
		delete(p.pendingCancel, id)
		p.mu.Unlock()
		return CancelAlreadyTerminal, nil
	}
	return CancelOK, nil
}

func (p *Pool) workerLoop() {
	for {
		t, ok := p.queue.Dequeue()
		if !ok {
			return
		}
		queueDepth.Set(float64(p.queue.Depth()))
		p.runTask(t)
	}
}

// runTask drives one attempt of a task: queued → running → terminal, or back
// to queued for a fresh attempt.
func (p *Pool) runTask(t *model.Task) {
	ctx, cancel := context.WithCancelCause(context.Background())
	defer cancel(nil)

	p.mu.Lock()
	if p.pendingCancel[t.ID] {
		delete(p.pendingCancel, t.ID)
		p.mu.Unlock()
		p.finishCancelled(t, "cancelled before execution")
		return
	}
	p.running[t.ID] = cancel
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.running, t.ID)
		p.mu.Unlock()
	}()

	if err := p.store.UpdateTaskStatus(ctx, t.ID, model.StatusRunning); err != nil {
		p.logger.Warn("task not transitioned to running, skipping", "task_id", t.ID, "error", err)
		return
	}

	now := time.Now().UTC()
	t.Status = model.StatusRunning
	if t.StartedAt == nil {
		t.StartedAt = &now
	}
	t.AttemptCount++
	if err := p.store.UpdateTask(ctx, t); err != nil {
		p.logger.Error("persist running task", "task_id", t.ID, "error", err)
	}

	p.tracker.Publish(t.ID, t.AttemptCount, 0, "starting")

	timeout := p.cfg.TaskTimeout
	if t.TimeoutS != nil && *t.TimeoutS > 0 {
		timeout = time.Duration(*t.TimeoutS) * time.Second
	}
	tctx, tcancel := context.WithTimeout(ctx, timeout)
	defer tcancel()

	result, err := p.executeWithFailover(tctx, t)
	if err == nil {
		p.finishSucceeded(t, result)
		return
	}

	if errors.Is(context.Cause(tctx), errCancelRequested) {
		p.finishCancelled(t, "cancelled by caller")
		return
	}
	if errors.Is(tctx.Err(), context.DeadlineExceeded) {
		if t.AttemptCount < p.cfg.MaxAttempts {
			p.requeue(t, "timeout")
			return
		}
		p.finishFailed(t, model.Errf(model.KindTimeout, "task exceeded its %s budget", timeout))
		return
	}

	p.finishFailed(t, err)
}

// executeWithFailover routes and executes the task, excluding each failed
// backend and re-routing up to the failover depth. Connection failures are
// retried on the same backend first; execution failures go straight to the
// next backend. Validation and protocol failures stop immediately.
func (p *Pool) executeWithFailover(ctx context.Context, t *model.Task) (*model.TaskResult, error) {
	exclude := make(map[string]bool)
	var lastErr error

	for hop := 0; hop <= p.cfg.FailoverDepth; hop++ {
		dec, err := p.router.Route(t, exclude)
		if err != nil {
			if lastErr == nil || model.IsKind(err, model.KindValidation) {
				return nil, err
			}
			return nil, model.WrapErr(model.KindNoBackend, lastErr, "no alternate backend available")
		}

		t.BackendUsed = dec.BackendID
		attemptStart := time.Now()
		seed := drawSeed(dec.Template, t.Parameters)

		payload, err := template.Inject(ctx, dec.Template, t.Parameters, seed, dec.Adapter)
		if err != nil {
			if model.IsKind(err, model.KindValidation) {
				return nil, err
			}
			// Upload failed; treat like any backend failure and move on.
			p.reportFailure(dec.BackendID, err)
			exclude[dec.BackendID] = true
			lastErr = err
			continue
		}

		raw, err := p.executeWithRetry(ctx, t, dec, payload)
		if err != nil {
			if ctx.Err() != nil {
				return nil, err
			}
			p.reportFailure(dec.BackendID, err)
			switch model.KindOf(err) {
			case model.KindConnection, model.KindExecution:
				exclude[dec.BackendID] = true
				lastErr = err
				continue
			default:
				// Protocol failures are bug signals, not routing signals.
				p.logger.Error("protocol failure from backend",
					"backend_id", dec.BackendID, "task_id", t.ID, "error", err)
				return nil, err
			}
		}

		p.router.ReportSuccess(dec.BackendID, time.Since(attemptStart))
		return p.collector.Collect(ctx, t.ID, dec.Template, raw, seed, dec.BackendID, time.Since(attemptStart))
	}

	if lastErr == nil {
		return nil, model.Errf(model.KindNoBackend, "no backend available for function %q", t.FunctionName)
	}
	return nil, model.WrapErr(model.KindNoBackend, lastErr, "failover depth exhausted")
}

// executeWithRetry runs the payload on one backend, retrying connection
// failures with exponential backoff up to the retry limit. All other error
// kinds return immediately.
func (p *Pool) executeWithRetry(ctx context.Context, t *model.Task, dec *router.Decision, payload []byte) (*backend.RawResult, error) {
	job := backend.Job{
		TaskID:  t.ID,
		Payload: payload,
		OnProgress: func(fraction float64, stage string) {
			p.tracker.Publish(t.ID, t.AttemptCount, fraction, stage)
		},
	}

	var lastErr error
	for try := 0; try <= p.cfg.RetryLimit; try++ {
		if try > 0 {
			if !p.backoff(ctx, try) {
				return nil, lastErr
			}
		}

		raw, err := dec.Adapter.Execute(ctx, job)
		if err == nil {
			return raw, nil
		}
		if ctx.Err() != nil {
			return nil, err
		}
		if !model.IsKind(err, model.KindConnection) {
			return nil, err
		}

		p.router.ReportConnectionFailure(dec.BackendID)
		backendFailures.WithLabelValues(dec.BackendID, string(model.KindConnection)).Inc()
		lastErr = err
		p.logger.Warn("backend connection failure",
			"backend_id", dec.BackendID, "task_id", t.ID, "try", try+1, "error", err)
	}
	return nil, lastErr
}

// backoff sleeps for an exponentially growing interval, reporting false if
// the context ended first.
func (p *Pool) backoff(ctx context.Context, try int) bool {
	d := min(p.cfg.BackoffBase<<(try-1), p.cfg.BackoffMax)
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// reportFailure feeds an execution outcome into the routing health table.
func (p *Pool) reportFailure(backendID string, err error) {
	kind := model.KindOf(err)
	backendFailures.WithLabelValues(backendID, string(kind)).Inc()
	if kind == model.KindConnection {
		p.router.ReportConnectionFailure(backendID)
		return
	}
	p.router.ReportExecutionFailure(backendID)
}

func (p *Pool) finishSucceeded(t *model.Task, result *model.TaskResult) {
	now := time.Now().UTC()
	t.Status = model.StatusSucceeded
	t.Result = result
	t.Error = ""
	t.ErrorKind = ""
	t.CompletedAt = &now
	p.persistTerminal(t)

	p.tracker.Publish(t.ID, t.AttemptCount, 1, "complete")
	p.tracker.Close(t.ID)

	if t.StartedAt != nil {
		taskDuration.WithLabelValues(t.FunctionName).Observe(now.Sub(*t.StartedAt).Seconds())
	}
	p.logger.Info("task succeeded",
		"task_id", t.ID, "backend_id", t.BackendUsed, "attempts", t.AttemptCount,
		"artifacts", len(result.Artifacts))
}

func (p *Pool) finishFailed(t *model.Task, err error) {
	now := time.Now().UTC()
	t.Status = model.StatusFailed
	t.Error = err.Error()
	t.ErrorKind = string(model.KindOf(err))
	t.CompletedAt = &now
	p.persistTerminal(t)
	p.tracker.Close(t.ID)

	p.logger.Error("task failed",
		"task_id", t.ID, "backend_id", t.BackendUsed, "attempts", t.AttemptCount,
		"kind", t.ErrorKind, "error", err)
}

func (p *Pool) finishCancelled(t *model.Task, msg string) {
	now := time.Now().UTC()
	t.Status = model.StatusCancelled
	t.Error = msg
	t.ErrorKind = string(model.KindCancelled)
	t.CompletedAt = &now
	p.persistTerminal(t)
	p.tracker.Close(t.ID)

	p.logger.Info("task cancelled", "task_id", t.ID)
}

func (p *Pool) persistTerminal(t *model.Task) {
	tasksTotal.WithLabelValues(t.Status).Inc()
	if err := p.store.UpdateTask(context.Background(), t); err != nil {
		p.logger.Error("persist terminal task", "task_id", t.ID, "status", t.Status, "error", err)
	}
}

// requeue returns a task to the queue for a fresh attempt. Progress restarts
// at zero under the incremented attempt count when the task next runs.
func (p *Pool) requeue(t *model.Task, reason string) {
	if err := p.store.UpdateTaskStatus(context.Background(), t.ID, model.StatusQueued); err != nil {
		p.logger.Error("requeue task", "task_id", t.ID, "error", err)
		p.finishFailed(t, model.Errf(model.KindTimeout, "task exceeded its budget and could not be requeued"))
		return
	}
	t.Status = model.StatusQueued
	t.BackendUsed = ""
	p.logger.Warn("retrying task as a fresh attempt",
		"task_id", t.ID, "reason", reason, "attempt", t.AttemptCount)
	p.queue.Requeue(t)
	queueDepth.Set(float64(p.queue.Depth()))
}

// drawSeed picks a random sampling seed for templates that expose one, unless
// the caller pinned a seed parameter. A fresh attempt draws a fresh seed.
func drawSeed(tpl *template.Template, params map[string]any) *int64 {
	if tpl.SeedTarget == "" {
		return nil
	}
	if _, pinned := params["seed"]; pinned {
		return nil
	}
	seed := rand.Int64()
	return &seed
}
