// Package pool resolves configured schedules into ready-to-draw inputs.
package pool

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	yaml "go.yaml.in/yaml/v3"

	"drawbot/internal/config"
	"drawbot/internal/draw"
	logx "drawbot/pkg/logx"
)

var (
	// ErrUnavailable means the pool could not be obtained (missing or
	// unreadable file, bad format). It is distinct from draw.ErrEmptyPool.
	ErrUnavailable     = errors.New("pool unavailable")
	ErrUnknownSchedule = errors.New("unknown schedule")
	ErrDuplicateEntry  = errors.New("duplicate pool entry")
)

// Entry is one resolved schedule. Err is set when the pool could not be
// loaded; Draw is then unusable.
type Entry struct {
	Schedule config.Schedule
	Draw     draw.Scheduler
	Err      error
}

type Provider struct {
	log logx.Logger

	mu      sync.RWMutex
	entries map[string]Entry
	order   []string
}

func New(log logx.Logger) *Provider {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Provider{log: log, entries: map[string]Entry{}}
}

// Apply rebuilds every schedule from cfg. Relative pool files resolve
// against baseDir. A schedule that fails to load is kept with its error so
// queries can report it as unavailable.
func (p *Provider) Apply(cfg *config.Config, baseDir string) {
	entries := make(map[string]Entry, len(cfg.Schedules))
	order := make([]string, 0, len(cfg.Schedules))
	for _, s := range cfg.Schedules {
		e := Build(s, cfg.Scheduler.Timezone, baseDir)
		if e.Err != nil {
			p.log.Warn("schedule unavailable", logx.String("schedule", s.ID), logx.Err(e.Err))
		} else {
			p.log.Debug("schedule loaded", logx.String("schedule", s.ID), logx.Int("pool_size", len(e.Draw.Pool)))
		}
		entries[s.ID] = e
		order = append(order, s.ID)
	}
	p.mu.Lock()
	p.entries = entries
	p.order = order
	p.mu.Unlock()
}

// Get returns the draw inputs of a schedule.
func (p *Provider) Get(id string) (draw.Scheduler, config.Schedule, error) {
	p.mu.RLock()
	e, ok := p.entries[id]
	p.mu.RUnlock()
	if !ok {
		return draw.Scheduler{}, config.Schedule{}, fmt.Errorf("%w: %q", ErrUnknownSchedule, id)
	}
	return e.Draw, e.Schedule, e.Err
}

// List returns every schedule in config order.
func (p *Provider) List() []Entry {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Entry, 0, len(p.order))
	for _, id := range p.order {
		out = append(out, p.entries[id])
	}
	return out
}

// Build resolves one schedule.
func Build(s config.Schedule, defaultTZ, baseDir string) Entry {
	e := Entry{Schedule: s}
	loc, err := s.Location(defaultTZ)
	if err != nil {
		e.Err = fmt.Errorf("%w: timezone: %w", ErrUnavailable, err)
		return e
	}
	epoch, err := s.EpochIn(loc)
	if err != nil {
		e.Err = fmt.Errorf("%w: %w", ErrUnavailable, err)
		return e
	}
	// Day arithmetic stays usable even when the pool itself fails to load.
	e.Draw = draw.Scheduler{ID: s.ID, Epoch: epoch, Location: loc}
	items := s.Pool
	if f := strings.TrimSpace(s.PoolFile); f != "" {
		if !filepath.IsAbs(f) && baseDir != "" {
			f = filepath.Join(baseDir, f)
		}
		items, err = LoadFile(f)
		if err != nil {
			e.Err = err
			return e
		}
	}
	items, err = Normalize(items)
	if err != nil {
		e.Err = err
		return e
	}
	e.Draw.Pool = items
	return e
}

// Normalize trims entries, drops blanks, rejects duplicates and returns the
// pool sorted.
func Normalize(items []string) ([]string, error) {
	out := make([]string, 0, len(items))
	seen := make(map[string]struct{}, len(items))
	for _, it := range items {
		it = strings.TrimSpace(it)
		if it == "" {
			continue
		}
		if _, dup := seen[it]; dup {
			return nil, fmt.Errorf("%w: %w %q", ErrUnavailable, ErrDuplicateEntry, it)
		}
		seen[it] = struct{}{}
		out = append(out, it)
	}
	sort.Strings(out)
	return out, nil
}

// LoadFile reads a pool file. .json and .yaml/.yml files hold a list of
// strings; anything else is one entry per line with '#' comments.
func LoadFile(path string) ([]string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	var items []string
	switch {
	case strings.EqualFold(filepath.Ext(path), ".json"):
		err = json.Unmarshal(b, &items)
	case config.IsYAML(path):
		err = yaml.Unmarshal(b, &items)
	default:
		items, err = parseLines(b)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrUnavailable, filepath.Base(path), err)
	}
	return items, nil
}

func parseLines(b []byte) ([]string, error) {
	var out []string
	sc := bufio.NewScanner(bytes.NewReader(b))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	return out, sc.Err()
}
