package queue_test

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ashdyer/kiln/internal/backend"
	"github.com/ashdyer/kiln/internal/collect"
	"github.com/ashdyer/kiln/internal/model"
	"github.com/ashdyer/kiln/internal/progress"
	"github.com/ashdyer/kiln/internal/queue"
	"github.com/ashdyer/kiln/internal/router"
	"github.com/ashdyer/kiln/internal/store"
	"github.com/ashdyer/kiln/internal/template"
)

// mockAdapter is a scriptable backend for pool tests. exec receives the
// one-based call number so failures can be scripted per attempt.
type mockAdapter struct {
	typ  string
	exec func(ctx context.Context, call int, job backend.Job) (*backend.RawResult, error)

	mu    sync.Mutex
	calls int
}

func (m *mockAdapter) Execute(ctx context.Context, job backend.Job) (*backend.RawResult, error) {
	m.mu.Lock()
	m.calls++
	call := m.calls
	m.mu.Unlock()
	return m.exec(ctx, call, job)
}

func (m *mockAdapter) UploadAsset(_ context.Context, path string) (string, error) {
	return path, nil
}

func (m *mockAdapter) Ping(context.Context) error { return nil }

func (m *mockAdapter) Type() string { return m.typ }

func (m *mockAdapter) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// succeedWith returns an exec func that always reports one output served by
// the artifact server.
func succeedWith(artifactURL string) func(context.Context, int, backend.Job) (*backend.RawResult, error) {
	return func(context.Context, int, backend.Job) (*backend.RawResult, error) {
		return &backend.RawResult{Outputs: []backend.OutputRef{
			{Name: "final_image", URL: artifactURL},
		}}, nil
	}
}

// blockUntilDone is an exec func that holds the job open until its context ends.
func blockUntilDone(ctx context.Context, _ int, _ backend.Job) (*backend.RawResult, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

type harness struct {
	pool      *queue.Pool
	store     store.Store
	router    *router.Router
	artifacts string // artifact server base URL
}

func defaultConfig() queue.Config {
	return queue.Config{
		Workers:       2,
		QueueDepth:    16,
		MaxAttempts:   2,
		RetryLimit:    2,
		FailoverDepth: 2,
		TaskTimeout:   5 * time.Second,
		BackoffBase:   time.Millisecond,
		BackoffMax:    5 * time.Millisecond,
	}
}

// newHarness builds a pool over a real store, router, and template registry,
// with the given adapters registered as graph backends.
func newHarness(t *testing.T, cfg queue.Config, adapters map[string]*mockAdapter) *harness {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))

	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	tplDir := t.TempDir()
	writePoolTemplate(t, tplDir, "portrait", "standard")
	templates := template.NewManager(tplDir, logger)
	if err := templates.Load(); err != nil {
		t.Fatalf("load templates: %v", err)
	}

	r := router.New(templates, logger)
	for id, a := range adapters {
		r.Register(id, a.typ, "http://"+id, nil, a)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write([]byte("png bytes"))
	}))
	t.Cleanup(srv.Close)

	tracker := progress.NewTracker(1000)
	collector := collect.New(t.TempDir(), logger)
	pool := queue.NewPool(cfg, s, r, tracker, collector, logger)

	return &harness{pool: pool, store: s, router: r, artifacts: srv.URL}
}

func writePoolTemplate(t *testing.T, dir, function, tier string) {
	t.Helper()
	d := filepath.Join(dir, function, tier)
	if err := os.MkdirAll(d, 0o755); err != nil {
		t.Fatal(err)
	}
	manifest := `template_id: portrait-standard
version: 1
backend_type: graph
workflow: workflow.json
parameters:
  - name: prompt
    rule: direct
    target: prompt
    required: true
outputs: [final_image]
`
	if err := os.WriteFile(filepath.Join(d, "manifest.yaml"), []byte(manifest), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(d, "workflow.json"), []byte(`{"prompt": ""}`), 0o644); err != nil {
		t.Fatal(err)
	}
}

func makeTask() *model.Task {
	return &model.Task{
		FunctionName: "portrait",
		QualityTier:  model.TierStandard,
		Parameters:   map[string]any{"prompt": "a lighthouse at dusk"},
	}
}

// waitForStatus polls the store until the task reaches the expected status.
func waitForStatus(t *testing.T, s store.Store, id, expected string, timeout time.Duration) *model.Task {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		task, err := s.GetTask(context.Background(), id)
		if err != nil {
			t.Fatalf("GetTask: %v", err)
		}
		if task.Status == expected {
			return task
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("task %s did not reach status %q within %v", id, expected, timeout)
	return nil
}

func TestSubmitHappyPath(t *testing.T) {
	h := newHarness(t, defaultConfig(), nil)
	a := &mockAdapter{typ: "graph"}
	a.exec = succeedWith(h.artifacts + "/final.png")
	h.router.Register("graph-a", "graph", "http://graph-a", nil, a)

	h.pool.Start()
	defer h.pool.Stop()

	task := makeTask()
	if err := h.pool.Submit(context.Background(), task); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if task.ID == "" {
		t.Fatal("Submit did not assign an id")
	}

	done := waitForStatus(t, h.store, task.ID, model.StatusSucceeded, 5*time.Second)
	if done.AttemptCount != 1 {
		t.Errorf("AttemptCount = %d, want 1", done.AttemptCount)
	}
	if done.BackendUsed != "graph-a" {
		t.Errorf("BackendUsed = %q, want graph-a", done.BackendUsed)
	}
	if done.Result == nil || len(done.Result.Artifacts) != 1 {
		t.Fatalf("Result = %+v, want one artifact", done.Result)
	}
	if done.Result.TemplateID != "portrait-standard" {
		t.Errorf("Result.TemplateID = %q", done.Result.TemplateID)
	}
	if done.CompletedAt == nil || done.StartedAt == nil {
		t.Error("timestamps not recorded")
	}
}

func TestSubmitValidation(t *testing.T) {
	h := newHarness(t, defaultConfig(), nil)

	noFunction := makeTask()
	noFunction.FunctionName = ""
	if err := h.pool.Submit(context.Background(), noFunction); !model.IsKind(err, model.KindValidation) {
		t.Errorf("missing function: kind = %q, want validation", model.KindOf(err))
	}

	badTier := makeTask()
	badTier.QualityTier = "ultra"
	if err := h.pool.Submit(context.Background(), badTier); !model.IsKind(err, model.KindValidation) {
		t.Errorf("bad tier: kind = %q, want validation", model.KindOf(err))
	}
}

func TestSubmitQueueFullLeavesNoRecord(t *testing.T) {
	cfg := defaultConfig()
	cfg.QueueDepth = 2
	h := newHarness(t, cfg, nil)
	// Pool not started: nothing drains the queue.

	for range 2 {
		if err := h.pool.Submit(context.Background(), makeTask()); err != nil {
			t.Fatalf("Submit under depth: %v", err)
		}
	}

	rejected := makeTask()
	err := h.pool.Submit(context.Background(), rejected)
	if !model.IsKind(err, model.KindQueueFull) {
		t.Fatalf("Submit at depth: kind = %q, want queue_full", model.KindOf(err))
	}

	// The rejected task must not be persisted.
	_, total, listErr := h.store.ListTasks(context.Background(), 10, 0)
	if listErr != nil {
		t.Fatalf("ListTasks: %v", listErr)
	}
	if total != 2 {
		t.Errorf("persisted tasks = %d, want 2", total)
	}
}

func TestConcurrentSubmitsRespectDepth(t *testing.T) {
	cfg := defaultConfig()
	cfg.QueueDepth = 4
	h := newHarness(t, cfg, nil)
	// Pool not started: nothing drains the queue.

	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted := 0
	for range 16 {
		wg.Go(func() {
			err := h.pool.Submit(context.Background(), makeTask())
			if err == nil {
				mu.Lock()
				accepted++
				mu.Unlock()
				return
			}
			if !model.IsKind(err, model.KindQueueFull) {
				t.Errorf("Submit: %v", err)
			}
		})
	}
	wg.Wait()

	if accepted != 4 {
		t.Errorf("accepted = %d, want exactly the queue depth", accepted)
	}
	if h.pool.Depth() != 4 {
		t.Errorf("Depth() = %d, want 4", h.pool.Depth())
	}
	_, total, err := h.store.ListTasks(context.Background(), 20, 0)
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if total != 4 {
		t.Errorf("persisted tasks = %d, want 4", total)
	}
}

func TestConnectionFailureRetriesSameBackend(t *testing.T) {
	h := newHarness(t, defaultConfig(), nil)
	a := &mockAdapter{typ: "graph"}
	url := h.artifacts + "/final.png"
	a.exec = func(ctx context.Context, call int, job backend.Job) (*backend.RawResult, error) {
		if call <= 2 {
			return nil, model.Errf(model.KindConnection, "connect: connection refused")
		}
		return succeedWith(url)(ctx, call, job)
	}
	h.router.Register("graph-a", "graph", "http://graph-a", nil, a)

	h.pool.Start()
	defer h.pool.Stop()

	task := makeTask()
	if err := h.pool.Submit(context.Background(), task); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	done := waitForStatus(t, h.store, task.ID, model.StatusSucceeded, 5*time.Second)
	if a.callCount() != 3 {
		t.Errorf("adapter calls = %d, want 3 (two retries)", a.callCount())
	}
	if done.BackendUsed != "graph-a" {
		t.Errorf("BackendUsed = %q, want the same backend throughout", done.BackendUsed)
	}
	if done.AttemptCount != 1 {
		t.Errorf("AttemptCount = %d, want 1 (retries are not fresh attempts)", done.AttemptCount)
	}
}

func TestConnectionRetryExhaustionFailsOver(t *testing.T) {
	h := newHarness(t, defaultConfig(), nil)

	dropping := &mockAdapter{typ: "graph"}
	dropping.exec = func(context.Context, int, backend.Job) (*backend.RawResult, error) {
		return nil, model.Errf(model.KindConnection, "connect: connection refused")
	}
	healthy := &mockAdapter{typ: "graph"}
	healthy.exec = succeedWith(h.artifacts + "/final.png")

	// "a-dropping" sorts first so it wins the initial route.
	h.router.Register("a-dropping", "graph", "http://a", nil, dropping)
	h.router.Register("b-healthy", "graph", "http://b", nil, healthy)

	h.pool.Start()
	defer h.pool.Stop()

	task := makeTask()
	if err := h.pool.Submit(context.Background(), task); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	done := waitForStatus(t, h.store, task.ID, model.StatusSucceeded, 5*time.Second)
	if got := dropping.callCount(); got != 3 {
		t.Errorf("dropping backend calls = %d, want 3 (initial try plus the retry limit)", got)
	}
	if done.BackendUsed != "b-healthy" {
		t.Errorf("BackendUsed = %q, want the failover target", done.BackendUsed)
	}
	if done.AttemptCount != 1 {
		t.Errorf("AttemptCount = %d, want 1 (failover stays within the attempt)", done.AttemptCount)
	}
}

func TestExecutionFailureFailsOver(t *testing.T) {
	h := newHarness(t, defaultConfig(), nil)

	failing := &mockAdapter{typ: "graph"}
	failing.exec = func(context.Context, int, backend.Job) (*backend.RawResult, error) {
		return nil, model.Errf(model.KindExecution, "node failed: out of memory")
	}
	healthy := &mockAdapter{typ: "graph"}
	healthy.exec = succeedWith(h.artifacts + "/final.png")

	// "a-failing" sorts first so it wins the initial route.
	h.router.Register("a-failing", "graph", "http://a", nil, failing)
	h.router.Register("b-healthy", "graph", "http://b", nil, healthy)

	h.pool.Start()
	defer h.pool.Stop()

	task := makeTask()
	if err := h.pool.Submit(context.Background(), task); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	done := waitForStatus(t, h.store, task.ID, model.StatusSucceeded, 5*time.Second)
	if done.BackendUsed != "b-healthy" {
		t.Errorf("BackendUsed = %q, want the failover target", done.BackendUsed)
	}
	if failing.callCount() != 1 {
		t.Errorf("failing backend calls = %d, want 1 (no same-backend retry on execution errors)", failing.callCount())
	}
}

func TestFailoverExhaustionIsTerminal(t *testing.T) {
	cfg := defaultConfig()
	cfg.RetryLimit = 0
	h := newHarness(t, cfg, nil)

	a := &mockAdapter{typ: "graph"}
	a.exec = func(context.Context, int, backend.Job) (*backend.RawResult, error) {
		return nil, model.Errf(model.KindExecution, "always fails")
	}
	h.router.Register("graph-a", "graph", "http://a", nil, a)

	h.pool.Start()
	defer h.pool.Stop()

	task := makeTask()
	if err := h.pool.Submit(context.Background(), task); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	done := waitForStatus(t, h.store, task.ID, model.StatusFailed, 5*time.Second)
	if done.ErrorKind != string(model.KindNoBackend) {
		t.Errorf("ErrorKind = %q, want no_backend_available", done.ErrorKind)
	}
}

func TestValidationFailureIsTerminal(t *testing.T) {
	h := newHarness(t, defaultConfig(), nil)
	a := &mockAdapter{typ: "graph"}
	a.exec = succeedWith(h.artifacts + "/final.png")
	h.router.Register("graph-a", "graph", "http://a", nil, a)

	h.pool.Start()
	defer h.pool.Stop()

	task := makeTask()
	task.Parameters["bogus"] = true
	if err := h.pool.Submit(context.Background(), task); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	done := waitForStatus(t, h.store, task.ID, model.StatusFailed, 5*time.Second)
	if done.ErrorKind != string(model.KindValidation) {
		t.Errorf("ErrorKind = %q, want validation", done.ErrorKind)
	}
	if a.callCount() != 0 {
		t.Errorf("adapter calls = %d, want 0 (rejected before execution)", a.callCount())
	}
	if done.AttemptCount != 1 {
		t.Errorf("AttemptCount = %d, want 1 (validation failures are not retried)", done.AttemptCount)
	}
}

func TestTimeoutRequeuesThenFails(t *testing.T) {
	cfg := defaultConfig()
	cfg.TaskTimeout = 50 * time.Millisecond
	cfg.MaxAttempts = 2
	h := newHarness(t, cfg, nil)

	a := &mockAdapter{typ: "graph", exec: blockUntilDone}
	h.router.Register("graph-a", "graph", "http://a", nil, a)

	h.pool.Start()
	defer h.pool.Stop()

	task := makeTask()
	if err := h.pool.Submit(context.Background(), task); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	done := waitForStatus(t, h.store, task.ID, model.StatusFailed, 5*time.Second)
	if done.AttemptCount != 2 {
		t.Errorf("AttemptCount = %d, want 2 (one fresh attempt after the first timeout)", done.AttemptCount)
	}
	if done.ErrorKind != string(model.KindTimeout) {
		t.Errorf("ErrorKind = %q, want timeout", done.ErrorKind)
	}
}

func TestPerTaskTimeoutOverride(t *testing.T) {
	cfg := defaultConfig()
	cfg.MaxAttempts = 1
	h := newHarness(t, cfg, nil)

	a := &mockAdapter{typ: "graph", exec: blockUntilDone}
	h.router.Register("graph-a", "graph", "http://a", nil, a)

	h.pool.Start()
	defer h.pool.Stop()

	task := makeTask()
	timeout := 1 // seconds, far below the 5s pool default
	task.TimeoutS = &timeout
	if err := h.pool.Submit(context.Background(), task); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	done := waitForStatus(t, h.store, task.ID, model.StatusFailed, 3*time.Second)
	if done.ErrorKind != string(model.KindTimeout) {
		t.Errorf("ErrorKind = %q, want timeout", done.ErrorKind)
	}
}

func TestCancelQueuedTask(t *testing.T) {
	h := newHarness(t, defaultConfig(), nil)
	// Pool not started: the task stays queued.

	task := makeTask()
	if err := h.pool.Submit(context.Background(), task); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	ack, err := h.pool.Cancel(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if ack != queue.CancelOK {
		t.Errorf("ack = %q, want ok", ack)
	}

	got, err := h.store.GetTask(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status != model.StatusCancelled {
		t.Errorf("Status = %q, want cancelled", got.Status)
	}

	// Cancelling again acknowledges the terminal state without error.
	ack, err = h.pool.Cancel(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("second Cancel: %v", err)
	}
	if ack != queue.CancelAlreadyTerminal {
		t.Errorf("ack = %q, want already_terminal", ack)
	}

	if ack, _ := h.pool.Cancel(context.Background(), "no-such-id"); ack != queue.CancelNotFound {
		t.Errorf("ack = %q, want not_found", ack)
	}
}

func TestCancelRunningTask(t *testing.T) {
	h := newHarness(t, defaultConfig(), nil)

	started := make(chan struct{}, 1)
	a := &mockAdapter{typ: "graph"}
	a.exec = func(ctx context.Context, _ int, _ backend.Job) (*backend.RawResult, error) {
		started <- struct{}{}
		<-ctx.Done()
		return nil, ctx.Err()
	}
	h.router.Register("graph-a", "graph", "http://a", nil, a)

	h.pool.Start()
	defer h.pool.Stop()

	task := makeTask()
	if err := h.pool.Submit(context.Background(), task); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("task never started executing")
	}

	ack, err := h.pool.Cancel(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if ack != queue.CancelOK {
		t.Errorf("ack = %q, want ok", ack)
	}

	done := waitForStatus(t, h.store, task.ID, model.StatusCancelled, 5*time.Second)
	if done.ErrorKind != string(model.KindCancelled) {
		t.Errorf("ErrorKind = %q, want cancelled", done.ErrorKind)
	}
}

// staleGetStore serves a stale snapshot on the first GetTask for seeded ids,
// reproducing a status read that races a concurrent finish.
type staleGetStore struct {
	store.Store
	mu    sync.Mutex
	stale map[string]*model.Task
}

func (s *staleGetStore) GetTask(ctx context.Context, id string) (*model.Task, error) {
	s.mu.Lock()
	if t, ok := s.stale[id]; ok {
		delete(s.stale, id)
		s.mu.Unlock()
		return t, nil
	}
	s.mu.Unlock()
	return s.Store.GetTask(ctx, id)
}

func TestCancelRacingFinishAcknowledgesTerminal(t *testing.T) {
	h := newHarness(t, defaultConfig(), nil)
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))

	// Seed a task that already finished, as a worker would have left it.
	now := time.Now().UTC()
	task := makeTask()
	task.ID = model.NewID()
	task.Status = model.StatusSucceeded
	task.CreatedAt = now
	task.CompletedAt = &now
	if err := h.store.CreateTask(context.Background(), task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	// The cancel's first status read sees the task still running.
	stale := *task
	stale.Status = model.StatusRunning
	stale.CompletedAt = nil
	ss := &staleGetStore{Store: h.store, stale: map[string]*model.Task{task.ID: &stale}}
	pool := queue.NewPool(defaultConfig(), ss, h.router, progress.NewTracker(1000), collect.New(t.TempDir(), logger), logger)

	ack, err := pool.Cancel(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if ack != queue.CancelAlreadyTerminal {
		t.Errorf("ack = %q, want already_terminal (task finished during the cancel)", ack)
	}
}

func TestResumeReadmitsRecoveredTasks(t *testing.T) {
	h := newHarness(t, defaultConfig(), nil)
	a := &mockAdapter{typ: "graph"}
	a.exec = succeedWith(h.artifacts + "/final.png")
	h.router.Register("graph-a", "graph", "http://a", nil, a)

	// Seed a queued task directly, as a previous process would have left it.
	task := makeTask()
	task.ID = model.NewID()
	task.Status = model.StatusQueued
	task.CreatedAt = time.Now().UTC()
	if err := h.store.CreateTask(context.Background(), task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	_, requeue, err := h.store.RecoverOrphans(context.Background())
	if err != nil {
		t.Fatalf("RecoverOrphans: %v", err)
	}
	if len(requeue) != 1 {
		t.Fatalf("requeue = %d tasks, want 1", len(requeue))
	}

	h.pool.Start()
	defer h.pool.Stop()
	h.pool.Resume(requeue)

	waitForStatus(t, h.store, task.ID, model.StatusSucceeded, 5*time.Second)
}

func TestNoBackendForFunctionFailsWithValidation(t *testing.T) {
	h := newHarness(t, defaultConfig(), nil)
	a := &mockAdapter{typ: "graph"}
	a.exec = succeedWith(h.artifacts + "/final.png")
	h.router.Register("graph-a", "graph", "http://a", nil, a)

	h.pool.Start()
	defer h.pool.Stop()

	task := makeTask()
	task.FunctionName = "landscape" // no template registered
	if err := h.pool.Submit(context.Background(), task); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	done := waitForStatus(t, h.store, task.ID, model.StatusFailed, 5*time.Second)
	if done.ErrorKind != string(model.KindValidation) {
		t.Errorf("ErrorKind = %q, want validation (no template exists at any tier)", done.ErrorKind)
	}
}
