package propozal

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

const DefaultPlan = "free"

// Plan limits are per calendar month. A negative MonthlyProposals means unlimited.
type Plan struct {
	Name             string `yaml:"name" json:"name"`
	MonthlyProposals int    `yaml:"monthly_proposals" json:"monthlyProposals"`
}

type planFile struct {
	Plans []Plan `yaml:"plans"`
}

func DefaultPlans() []Plan {
	return []Plan{
		{Name: "free", MonthlyProposals: 3},
		{Name: "starter", MonthlyProposals: 25},
		{Name: "pro", MonthlyProposals: 100},
		{Name: "agency", MonthlyProposals: -1},
	}
}

type PlanCatalog struct {
	mu    sync.RWMutex
	plans map[string]Plan
}

func NewPlanCatalog(plans []Plan) *PlanCatalog {
	c := &PlanCatalog{}
	if err := c.Replace(plans); err != nil {
		_ = c.Replace(DefaultPlans())
	}
	return c
}

// Replace swaps the catalog atomically. The default plan must always exist so
// unknown accounts have somewhere to land.
func (c *PlanCatalog) Replace(plans []Plan) error {
	next := make(map[string]Plan, len(plans))
	for _, plan := range plans {
		name := normalizePlanName(plan.Name)
		if name == "" {
			return invalidField("plans", "plan name is required")
		}
		if _, dup := next[name]; dup {
			return invalidField("plans", "duplicate plan "+name)
		}
		plan.Name = name
		next[name] = plan
	}
	if _, ok := next[DefaultPlan]; !ok {
		return invalidField("plans", "catalog must define the "+DefaultPlan+" plan")
	}
	c.mu.Lock()
	c.plans = next
	c.mu.Unlock()
	return nil
}

// Lookup falls back to the default plan for names the catalog does not know.
func (c *PlanCatalog) Lookup(name string) Plan {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if plan, ok := c.plans[normalizePlanName(name)]; ok {
		return plan
	}
	return c.plans[DefaultPlan]
}

func (c *PlanCatalog) List() []Plan {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Plan, 0, len(c.plans))
	for _, plan := range c.plans {
		out = append(out, plan)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func normalizePlanName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func ParsePlans(data []byte) ([]Plan, error) {
	var file planFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse plan catalog: %w", err)
	}
	if len(file.Plans) == 0 {
		return nil, invalidField("plans", "catalog is empty")
	}
	probe := &PlanCatalog{}
	if err := probe.Replace(file.Plans); err != nil {
		return nil, err
	}
	return file.Plans, nil
}

func LoadPlanFile(path string) ([]Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParsePlans(data)
}

// PlanWatcher reloads a plan file into a catalog whenever it changes on disk.
// A bad edit is logged and the previous catalog stays in force.
type PlanWatcher struct {
	path    string
	catalog *PlanCatalog
	logger  *slog.Logger
	watcher *fsnotify.Watcher
}

func NewPlanWatcher(path string, catalog *PlanCatalog, logger *slog.Logger) (*PlanWatcher, error) {
	path = strings.TrimSpace(path)
	if path == "" || catalog == nil {
		return nil, ErrInvalidInput
	}
	if logger == nil {
		logger = slog.Default()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the directory: editors and config management replace the file
	// rather than writing it in place.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		return nil, err
	}
	return &PlanWatcher{
		path:    filepath.Clean(path),
		catalog: catalog,
		logger:  logger.With("component", "plans", "path", path),
		watcher: watcher,
	}, nil
}

func (w *PlanWatcher) Reload() error {
	plans, err := LoadPlanFile(w.path)
	if err != nil {
		return err
	}
	return w.catalog.Replace(plans)
}

// Run blocks until ctx is done.
func (w *PlanWatcher) Run(ctx context.Context) error {
	defer w.watcher.Close()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if err := w.Reload(); err != nil {
				w.logger.Warn("plan catalog reload failed, keeping previous catalog", "error", err)
				continue
			}
			w.logger.Info("plan catalog reloaded", "plans", len(w.catalog.List()))
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("plan watcher error", "error", err)
		}
	}
}
