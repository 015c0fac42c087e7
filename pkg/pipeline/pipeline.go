// Package pipeline runs per-table extract, transform and load stages.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/Gobusters/ectolinq"
	"github.com/google/uuid"

	"github.com/danhnguyen123/data-engineering-outsource/config"
	"github.com/danhnguyen123/data-engineering-outsource/pkg/timeutil"
)

var (
	// ErrStageNotFound is returned for an unknown table or a stage the table does not define
	ErrStageNotFound = errors.New("stage not found")
	// ErrDuplicateTable is returned when a table is registered twice
	ErrDuplicateTable = errors.New("table already registered")
	// ErrDependencyCycle is returned when `after` edges form a cycle
	ErrDependencyCycle = errors.New("table dependencies form a cycle")
)

// Stage is one of extract, transform or load.
type Stage string

const (
	StageExtract   Stage = "extract"
	StageTransform Stage = "transform"
	StageLoad      Stage = "load"
)

// Stages lists stages in execution order.
var Stages = []Stage{StageExtract, StageTransform, StageLoad}

func ParseStage(s string) (Stage, error) {
	switch Stage(s) {
	case StageExtract, StageTransform, StageLoad:
		return Stage(s), nil
	}
	return "", fmt.Errorf("%w: unknown stage %q", ErrStageNotFound, s)
}

// StageFlags toggles each stage of a table.
type StageFlags struct {
	Extract   bool `json:"extract"`
	Transform bool `json:"transform"`
	Load      bool `json:"load"`
}

// AllStages enables every stage.
func AllStages() StageFlags {
	return StageFlags{Extract: true, Transform: true, Load: true}
}

func (f StageFlags) Enabled(s Stage) bool {
	switch s {
	case StageExtract:
		return f.Extract
	case StageTransform:
		return f.Transform
	case StageLoad:
		return f.Load
	}
	return false
}

func (f *StageFlags) set(s Stage, on bool) {
	switch s {
	case StageExtract:
		f.Extract = on
	case StageTransform:
		f.Transform = on
	case StageLoad:
		f.Load = on
	}
}

// RunConfig is the per-run configuration every stage receives.
type RunConfig struct {
	RunID     string
	StartDate string
	EndDate   string
	// Tables holds explicit flags from the run conf; tables not listed use their defaults
	Tables  map[string]StageFlags
	Vars    map[string]any
	Attempt int
}

// NewRunConfig covers yesterday..today in the warehouse timezone.
func NewRunConfig(now time.Time) RunConfig {
	start, end := timeutil.DefaultRange(now)
	return RunConfig{
		RunID:     uuid.New().String(),
		StartDate: start,
		EndDate:   end,
		Tables:    map[string]StageFlags{},
		Vars:      map[string]any{},
		Attempt:   1,
	}
}

// ParseRunConfig applies a run conf such as
// {"start_date": "2024-06-01", "invoices": {"extract": false}} over the defaults.
// Table objects may list a subset of stages; omitted stages stay enabled.
// Any other key lands in Vars.
func ParseRunConfig(conf map[string]any, now time.Time) (RunConfig, error) {
	cfg := NewRunConfig(now)
	for key, value := range conf {
		switch key {
		case "run_id":
			s, ok := value.(string)
			if !ok || s == "" {
				return cfg, fmt.Errorf("run_id must be a non-empty string")
			}
			cfg.RunID = s
		case "start_date", "end_date":
			s, ok := value.(string)
			if !ok {
				return cfg, fmt.Errorf("%s must be a YYYY-MM-DD string", key)
			}
			if _, err := timeutil.ParseDate(s); err != nil {
				return cfg, fmt.Errorf("%s: %w", key, err)
			}
			if key == "start_date" {
				cfg.StartDate = s
			} else {
				cfg.EndDate = s
			}
		case "attempt":
			n, err := toInt(value)
			if err != nil {
				return cfg, fmt.Errorf("attempt: %w", err)
			}
			cfg.Attempt = n
		default:
			if flags, ok := parseFlags(value); ok {
				cfg.Tables[key] = flags
				continue
			}
			cfg.Vars[key] = value
		}
	}

	if cfg.StartDate > cfg.EndDate {
		return cfg, fmt.Errorf("start_date %s is after end_date %s", cfg.StartDate, cfg.EndDate)
	}
	return cfg, nil
}

// ParseRunConfigJSON parses a JSON run conf; empty input yields the defaults.
func ParseRunConfigJSON(raw []byte, now time.Time) (RunConfig, error) {
	if len(raw) == 0 {
		return NewRunConfig(now), nil
	}
	var conf map[string]any
	if err := json.Unmarshal(raw, &conf); err != nil {
		return RunConfig{}, fmt.Errorf("invalid run conf: %w", err)
	}
	return ParseRunConfig(conf, now)
}

func parseFlags(value any) (StageFlags, bool) {
	m, ok := value.(map[string]any)
	if !ok || len(m) == 0 {
		return StageFlags{}, false
	}
	flags := AllStages()
	for k, v := range m {
		s, err := ParseStage(k)
		if err != nil {
			return StageFlags{}, false
		}
		on, ok := v.(bool)
		if !ok {
			return StageFlags{}, false
		}
		flags.set(s, on)
	}
	return flags, true
}

func toInt(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		return int(n), nil
	case json.Number:
		i, err := n.Int64()
		return int(i), err
	case string:
		return strconv.Atoi(n)
	}
	return 0, fmt.Errorf("not a number: %T", v)
}

// Flags resolves the stage flags of t for this run.
func (c RunConfig) Flags(t *Table) StageFlags {
	if flags, ok := c.Tables[t.Name]; ok {
		return flags
	}
	flags := AllStages()
	for _, s := range t.Disabled {
		flags.set(s, false)
	}
	return flags
}

// Var returns a run variable as a string.
func (c RunConfig) Var(key string) string {
	s, _ := c.Vars[key].(string)
	return s
}

// StageResult is what a stage reports back to the runner.
type StageResult struct {
	Records int
	// HasNewData is published as the has_new_data signal when set by an extract
	HasNewData *bool
}

// Result builds a StageResult carrying a has_new_data signal.
func Result(records int, hasNewData bool) StageResult {
	return StageResult{Records: records, HasNewData: &hasNewData}
}

// StageFunc executes one stage.
type StageFunc func(ctx context.Context, run RunConfig) (StageResult, error)

// Table is one pipeline; nil stages are not defined for the table.
type Table struct {
	Namespace string
	Name      string
	Extract   StageFunc
	Transform StageFunc
	Load      StageFunc
	// SignalGated tables skip transform and load unless extract reported new data
	SignalGated bool
	// After lists tables of the same namespace that run first
	After []string
	// Disabled stages are off unless the run conf enables them
	Disabled []Stage
}

func (t *Table) Key() string {
	return t.Namespace + "." + t.Name
}

func (t *Table) Stage(s Stage) StageFunc {
	switch s {
	case StageExtract:
		return t.Extract
	case StageTransform:
		return t.Transform
	case StageLoad:
		return t.Load
	}
	return nil
}

// Registry indexes tables by namespace.table.
type Registry struct {
	tables map[string]*Table
	order  map[string][]string
	sla    map[string]time.Duration
}

func NewRegistry() *Registry {
	return &Registry{
		tables: map[string]*Table{},
		order:  map[string][]string{},
		sla:    map[string]time.Duration{},
	}
}

func (r *Registry) Register(tables ...*Table) error {
	for _, t := range tables {
		if _, ok := r.tables[t.Key()]; ok {
			return fmt.Errorf("%w: %s", ErrDuplicateTable, t.Key())
		}
		r.tables[t.Key()] = t
		r.order[t.Namespace] = append(r.order[t.Namespace], t.Name)
	}
	return nil
}

func (r *Registry) Get(namespace, table string) (*Table, error) {
	t, ok := r.tables[namespace+"."+table]
	if !ok {
		return nil, fmt.Errorf("%w: table %s.%s", ErrStageNotFound, namespace, table)
	}
	return t, nil
}

// Namespaces returns registered namespaces sorted by name.
func (r *Registry) Namespaces() []string {
	out := make([]string, 0, len(r.order))
	for ns := range r.order {
		out = append(out, ns)
	}
	sort.Strings(out)
	return out
}

// Tables returns a namespace's tables in registration order.
func (r *Registry) Tables(namespace string) []*Table {
	names := r.order[namespace]
	out := make([]*Table, 0, len(names))
	for _, name := range names {
		out = append(out, r.tables[namespace+"."+name])
	}
	return out
}

// SLA is the per-stage duration above which a timeout alert is raised.
func (r *Registry) SLA(namespace string) time.Duration {
	return r.sla[namespace]
}

// Apply copies dependencies, disabled stages and SLAs from the pipelines file.
// Tables the file names but nothing registered are an error.
func (r *Registry) Apply(p *config.Pipelines) error {
	for ns, def := range p.Namespaces {
		r.sla[ns] = def.SLA
		for _, td := range def.Tables {
			t, err := r.Get(ns, td.Name)
			if err != nil {
				return err
			}
			t.After = append([]string(nil), td.After...)
			t.Disabled = ectolinq.Map(td.Disabled, func(s string) Stage { return Stage(s) })
		}
	}
	return nil
}

// Order returns a namespace's tables so that every table follows its `after` dependencies.
// Ties keep registration order.
func (r *Registry) Order(namespace string) ([]*Table, error) {
	tables := r.Tables(namespace)
	if len(tables) == 0 {
		return nil, fmt.Errorf("%w: namespace %s", ErrStageNotFound, namespace)
	}

	done := map[string]bool{}
	out := make([]*Table, 0, len(tables))
	for len(out) < len(tables) {
		progressed := false
		for _, t := range tables {
			if done[t.Name] || !depsDone(t, done) {
				continue
			}
			done[t.Name] = true
			out = append(out, t)
			progressed = true
		}
		if !progressed {
			return nil, fmt.Errorf("%w: namespace %s", ErrDependencyCycle, namespace)
		}
	}
	return out, nil
}

func depsDone(t *Table, done map[string]bool) bool {
	for _, dep := range t.After {
		if !done[dep] {
			return false
		}
	}
	return true
}
