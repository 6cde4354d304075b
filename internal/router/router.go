// Package router owns the live backend table: health, capabilities, and
// rolling quality counters. Workers obtain (backend, template) decisions from
// it and report execution outcomes back; nothing else mutates the table.
package router

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ashdyer/kiln/internal/backend"
	"github.com/ashdyer/kiln/internal/model"
	"github.com/ashdyer/kiln/internal/template"
)

// Backend health states.
const (
	HealthUnknown     = "unknown"
	HealthHealthy     = "healthy"
	HealthDegraded    = "degraded"
	HealthUnreachable = "unreachable"
)

// ewmaAlpha weights the most recent outcome in the rolling success-rate and
// latency estimates.
const ewmaAlpha = 0.2

// Handle is a read-only snapshot of one backend's routing state.
type Handle struct {
	ID            string    `json:"id"`
	Type          string    `json:"type"`
	Endpoint      string    `json:"endpoint"`
	Health        string    `json:"health"`
	Capabilities  []string  `json:"capabilities,omitempty"`
	SuccessRate   float64   `json:"success_rate"`
	LatencyMS     float64   `json:"latency_ms"`
	LastCheckedAt time.Time `json:"last_checked_at,omitzero"`
}

// Decision is the outcome of routing one task.
type Decision struct {
	BackendID string
	Adapter   backend.Adapter
	Template  *template.Template
	// Downgraded is set when the resolved tier is below the requested one.
	Downgraded bool
}

type entry struct {
	id        string
	typ       string
	endpoint  string
	adapter   backend.Adapter
	functions map[string]bool // empty means any function with a matching template

	health      string
	successRate float64
	latencyMS   float64
	lastChecked time.Time
}

// Router selects a backend and template for each task.
type Router struct {
	templates *template.Manager
	logger    *slog.Logger

	mu       sync.RWMutex
	backends map[string]*entry
}

// New creates a router over the given template manager.
func New(templates *template.Manager, logger *slog.Logger) *Router {
	return &Router{
		templates: templates,
		logger:    logger,
		backends:  make(map[string]*entry),
	}
}

// Register adds a backend instance. functions limits the instance to the
// named function names; empty means it accepts any function whose template
// matches its protocol type. New backends start in the unknown health state
// and remain routable until proven unreachable.
func (r *Router) Register(id, typ, endpoint string, functions []string, a backend.Adapter) {
	fns := make(map[string]bool, len(functions))
	for _, fn := range functions {
		fns[fn] = true
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[id] = &entry{
		id:          id,
		typ:         typ,
		endpoint:    endpoint,
		adapter:     a,
		functions:   fns,
		health:      HealthUnknown,
		successRate: 1, // optimistic until evidence arrives
	}
}

// Route resolves a (backend, template) pair for the task, excluding the given
// backend ids (prior failover hops). Quality downgrade — resolving a lower
// tier because the requested one has no template or no eligible backend — is
// an explicit, logged decision, distinct from failover.
func (r *Router) Route(task *model.Task, exclude map[string]bool) (*Decision, error) {
	sawTemplate := false

	for tier := task.QualityTier; tier != ""; tier = model.TierBelow(tier) {
		tpl, err := r.templates.Resolve(task.FunctionName, tier)
		if err != nil {
			if errors.Is(err, template.ErrNotFound) {
				continue
			}
			return nil, err
		}
		sawTemplate = true

		best := r.pick(tpl, task.FunctionName, exclude)
		if best == nil {
			continue
		}

		downgraded := tier != task.QualityTier
		if downgraded {
			r.logger.Warn("quality downgrade",
				"decision", "quality_downgrade",
				"task_id", task.ID,
				"requested_tier", task.QualityTier,
				"resolved_tier", tier,
			)
		}
		return &Decision{
			BackendID:  best.id,
			Adapter:    best.adapter,
			Template:   tpl,
			Downgraded: downgraded,
		}, nil
	}

	if !sawTemplate {
		return nil, model.Errf(model.KindValidation, "no template for function %q at tier %q or below", task.FunctionName, task.QualityTier)
	}
	return nil, model.Errf(model.KindNoBackend, "no backend available for function %q", task.FunctionName)
}

// pick returns the best eligible backend for the template, or nil.
// Preference: healthy over degraded (unknown ranks with degraded), then best
// rolling success rate, then lowest observed latency.
func (r *Router) pick(tpl *template.Template, function string, exclude map[string]bool) *entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var candidates []*entry
	for _, e := range r.backends {
		if exclude[e.id] || e.typ != tpl.BackendType || e.health == HealthUnreachable {
			continue
		}
		if len(e.functions) > 0 && !e.functions[function] {
			continue
		}
		candidates = append(candidates, e)
	}
	if len(candidates) == 0 {
		return nil
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if (a.health == HealthHealthy) != (b.health == HealthHealthy) {
			return a.health == HealthHealthy
		}
		if a.successRate != b.successRate {
			return a.successRate > b.successRate
		}
		if a.latencyMS != b.latencyMS {
			return a.latencyMS < b.latencyMS
		}
		return a.id < b.id
	})
	return candidates[0]
}

// ReportSuccess records a successful execution and its observed latency.
func (r *Router) ReportSuccess(id string, latency time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.backends[id]
	if !ok {
		return
	}
	e.health = HealthHealthy
	e.successRate = ewma(e.successRate, 1)
	e.latencyMS = ewma(e.latencyMS, float64(latency.Milliseconds()))
}

// ReportExecutionFailure records a job the backend accepted but errored.
// The backend stays routable but drops to degraded.
func (r *Router) ReportExecutionFailure(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.backends[id]
	if !ok {
		return
	}
	if e.health != HealthUnreachable {
		e.health = HealthDegraded
	}
	e.successRate = ewma(e.successRate, 0)
}

// ReportConnectionFailure records an unreachable backend. It is excluded from
// routing until a health check restores it.
func (r *Router) ReportConnectionFailure(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.backends[id]
	if !ok {
		return
	}
	e.health = HealthUnreachable
	e.successRate = ewma(e.successRate, 0)
}

// CheckHealth pings every backend once and updates health states. A
// successful ping restores an unreachable backend to healthy.
func (r *Router) CheckHealth(ctx context.Context) {
	r.mu.RLock()
	adapters := make(map[string]backend.Adapter, len(r.backends))
	for id, e := range r.backends {
		adapters[id] = e.adapter
	}
	r.mu.RUnlock()

	for id, a := range adapters {
		err := a.Ping(ctx)

		r.mu.Lock()
		e, ok := r.backends[id]
		if ok {
			e.lastChecked = time.Now().UTC()
			if err != nil {
				if e.health != HealthUnreachable {
					r.logger.Warn("backend unreachable", "backend_id", id, "error", err)
				}
				e.health = HealthUnreachable
			} else if e.health == HealthUnreachable || e.health == HealthUnknown {
				r.logger.Info("backend healthy", "backend_id", id)
				e.health = HealthHealthy
			}
		}
		r.mu.Unlock()
	}
}

// RunHealthChecks pings backends on the given interval until ctx ends.
func (r *Router) RunHealthChecks(ctx context.Context, interval time.Duration) {
	r.CheckHealth(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.CheckHealth(ctx)
		}
	}
}

// Snapshot returns the current backend table, sorted by id for a stable API
// response.
func (r *Router) Snapshot() []Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()

	handles := make([]Handle, 0, len(r.backends))
	for _, e := range r.backends {
		var caps []string
		for fn := range e.functions {
			caps = append(caps, fn)
		}
		sort.Strings(caps)
		handles = append(handles, Handle{
			ID:            e.id,
			Type:          e.typ,
			Endpoint:      e.endpoint,
			Health:        e.health,
			Capabilities:  caps,
			SuccessRate:   e.successRate,
			LatencyMS:     e.latencyMS,
			LastCheckedAt: e.lastChecked,
		})
	}
	sort.Slice(handles, func(i, j int) bool { return handles[i].ID < handles[j].ID })
	return handles
}

func ewma(cur, sample float64) float64 {
	return (1-ewmaAlpha)*cur + ewmaAlpha*sample
}
