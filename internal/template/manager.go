package template

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/ashdyer/kiln/internal/model"
)

// ErrNotFound is returned when no template is loaded for a (function, tier) pair.
var ErrNotFound = errors.New("template not found")

const manifestName = "manifest.yaml"

type key struct {
	function string
	tier     string
}

// Manager discovers, validates, and caches workflow templates from a
// filesystem registry laid out as <dir>/<function>/<tier>/manifest.yaml.
// The cache is swapped atomically on Load, so Resolve never observes a
// half-loaded registry.
type Manager struct {
	dir      string
	logger   *slog.Logger
	validate *validator.Validate

	mu    sync.RWMutex
	cache map[key]*Template
}

// NewManager creates a template manager over the given registry directory.
func NewManager(dir string, logger *slog.Logger) *Manager {
	return &Manager{
		dir:      dir,
		logger:   logger,
		validate: validator.New(),
		cache:    make(map[key]*Template),
	}
}

// Load scans the registry directory and replaces the in-memory cache with the
// set of templates that pass validation. Invalid templates are logged and
// excluded, never silently accepted. Load is also the hot-reload operation.
func (m *Manager) Load() error {
	functions, err := os.ReadDir(m.dir)
	if err != nil {
		return fmt.Errorf("read template dir: %w", err)
	}

	next := make(map[key]*Template)
	for _, fn := range functions {
		if !fn.IsDir() {
			continue
		}
		tiers, err := os.ReadDir(filepath.Join(m.dir, fn.Name()))
		if err != nil {
			return fmt.Errorf("read function dir %q: %w", fn.Name(), err)
		}
		for _, tier := range tiers {
			if !tier.IsDir() {
				continue
			}
			if !model.ValidTier(tier.Name()) {
				m.logger.Warn("skipping unknown quality tier directory",
					"function", fn.Name(), "dir", tier.Name())
				continue
			}
			tpl, err := m.loadOne(fn.Name(), tier.Name())
			if err != nil {
				m.logger.Error("invalid template excluded",
					"function", fn.Name(), "tier", tier.Name(), "error", err)
				continue
			}
			next[key{fn.Name(), tier.Name()}] = tpl
		}
	}

	m.mu.Lock()
	m.cache = next
	m.mu.Unlock()

	m.logger.Info("templates loaded", "count", len(next))
	return nil
}

// loadOne reads and validates a single template directory.
func (m *Manager) loadOne(function, tier string) (*Template, error) {
	dir := filepath.Join(m.dir, function, tier)

	raw, err := os.ReadFile(filepath.Join(dir, manifestName))
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	var mf Manifest
	if err := yaml.Unmarshal(raw, &mf); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	if err := m.validate.Struct(&mf); err != nil {
		return nil, fmt.Errorf("validate manifest: %w", err)
	}

	body, err := os.ReadFile(filepath.Join(dir, mf.Workflow))
	if err != nil {
		return nil, fmt.Errorf("read workflow body: %w", err)
	}
	var source map[string]any
	if err := json.Unmarshal(body, &source); err != nil {
		return nil, fmt.Errorf("parse workflow body: %w", err)
	}

	tpl := &Template{
		Manifest:     mf,
		FunctionName: function,
		QualityTier:  tier,
		Source:       source,
	}
	if err := checkMapping(tpl); err != nil {
		return nil, err
	}
	return tpl, nil
}

// checkMapping verifies that every mapped target resolves into the source
// document, that lookup rules carry a table, and that parameter names are
// unique. Unresolvable required fields fail here, at load time, not at run time.
func checkMapping(tpl *Template) error {
	seen := make(map[string]bool)
	for _, p := range tpl.Parameters {
		if seen[p.Name] {
			return fmt.Errorf("duplicate parameter %q", p.Name)
		}
		seen[p.Name] = true
		if p.Rule == RuleLookup && len(p.Values) == 0 {
			return fmt.Errorf("lookup parameter %q has no values table", p.Name)
		}
		if err := checkPath(tpl.Source, p.Target); err != nil {
			return fmt.Errorf("parameter %q: %w", p.Name, err)
		}
	}
	for target := range tpl.Quality {
		if err := checkPath(tpl.Source, target); err != nil {
			return fmt.Errorf("quality knob %q: %w", target, err)
		}
	}
	if tpl.SeedTarget != "" {
		if err := checkPath(tpl.Source, tpl.SeedTarget); err != nil {
			return fmt.Errorf("seed target: %w", err)
		}
	}
	return nil
}

// Resolve returns the template for the given (function, tier) pair, or
// ErrNotFound.
func (m *Manager) Resolve(function, tier string) (*Template, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tpl, ok := m.cache[key{function, tier}]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, function, tier)
	}
	return tpl, nil
}

// List returns information about all loaded templates, sorted for a stable
// API response.
func (m *Manager) List() []Info {
	m.mu.RLock()
	defer m.mu.RUnlock()

	infos := make([]Info, 0, len(m.cache))
	for _, tpl := range m.cache {
		infos = append(infos, Info{
			TemplateID:   tpl.TemplateID,
			Version:      tpl.Version,
			FunctionName: tpl.FunctionName,
			QualityTier:  tpl.QualityTier,
			BackendType:  tpl.BackendType,
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].FunctionName != infos[j].FunctionName {
			return infos[i].FunctionName < infos[j].FunctionName
		}
		return infos[i].QualityTier < infos[j].QualityTier
	})
	return infos
}
