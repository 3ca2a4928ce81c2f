// Package scheduler fires named jobs on cron or interval triggers.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	logx "drawbot/pkg/logx"
)

type Config struct {
	Enabled  bool
	Timezone string // IANA zone, empty means UTC
}

// Job is the unit of work run by a trigger.
type Job func(ctx context.Context) error

type entry struct {
	name    string
	spec    ParsedSpec
	timeout time.Duration
	job     Job
	id      cron.EntryID
	running atomic.Bool
	runs    atomic.Uint64
	skipped atomic.Uint64
	lastErr atomic.Value // string
}

type Service struct {
	mu sync.Mutex

	log    logx.Logger
	cfg    Config
	loc    *time.Location
	parser cron.Parser
	c      *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc

	entries map[string]*entry
	wg      sync.WaitGroup
}

// EntryInfo describes one registered trigger.
type EntryInfo struct {
	Name    string
	Spec    string
	Timeout time.Duration
	Next    time.Time
	Prev    time.Time
	Runs    uint64
	Skipped uint64
	LastErr string
}

type Snapshot struct {
	Enabled  bool
	Running  bool
	Timezone string
	Entries  []EntryInfo
}

func New(cfg Config, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg: cfg,
		log: log,
		// SecondOptional accepts both 5 and 6 field specs.
		parser:  cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		entries: map[string]*entry{},
	}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Location is the zone triggers are evaluated in.
func (s *Service) Location() *time.Location {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loc != nil {
		return s.loc
	}
	return s.loadLocationLocked()
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; using UTC", logx.String("tz", tz), logx.Err(err))
		return time.UTC
	}
	return loc
}

// Apply updates the config. A timezone change restarts a running cron so
// every entry is re-evaluated in the new zone.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tzChanged := strings.TrimSpace(s.cfg.Timezone) != strings.TrimSpace(cfg.Timezone)
	s.cfg = cfg
	if s.c == nil || !tzChanged {
		return
	}
	s.c.Stop()
	s.startCronLocked()
	s.log.Info("timezone changed; triggers rescheduled", logx.String("tz", s.loc.String()))
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.startCronLocked()
	s.log.Info("service started", logx.String("tz", s.loc.String()), logx.Int("entries", len(s.entries)))
}

func (s *Service) startCronLocked() {
	s.loc = s.loadLocationLocked()
	s.c = cron.New(
		cron.WithParser(s.parser),
		cron.WithLocation(s.loc),
		cron.WithLogger(cronLogger{log: s.log}),
	)
	for _, e := range s.entries {
		if err := s.addCronLocked(e); err != nil {
			s.log.Error("trigger register failed", logx.String("name", e.name), logx.Err(err))
		}
	}
	s.c.Start()
}

// Stop stops triggering and waits for running jobs or ctx. Entries stay
// registered for the next Start.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	cancel := s.cancel
	s.c = nil
	s.cancel = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	if cancel != nil {
		cancel()
	}
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn("stop: jobs still running", logx.Err(ctx.Err()))
	}
	s.log.Info("service stopped")
}

// AddSchedule registers job under name, replacing any entry with the same
// name. A run that is still in flight when the trigger fires again is
// skipped.
func (s *Service) AddSchedule(name, spec string, timeout time.Duration, job Job) error {
	if strings.TrimSpace(name) == "" {
		return errors.New("name required")
	}
	if job == nil {
		return errors.New("job required")
	}
	ps, err := ParseSchedule(spec)
	if err != nil {
		return err
	}
	if _, err := s.parser.Parse(ps.CronSpec()); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", spec, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(name)
	e := &entry{name: name, spec: ps, timeout: timeout, job: job}
	s.entries[name] = e
	if s.c != nil {
		if err := s.addCronLocked(e); err != nil {
			delete(s.entries, name)
			return err
		}
		s.log.Debug("trigger registered", logx.String("name", name), logx.String("spec", ps.CronSpec()),
			logx.Time("next", s.c.Entry(e.id).Next))
	}
	return nil
}

// Remove deletes the named entry and reports whether it existed.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(name)
}

func (s *Service) removeLocked(name string) bool {
	e, ok := s.entries[name]
	if !ok {
		return false
	}
	if s.c != nil && e.id != 0 {
		s.c.Remove(e.id)
	}
	delete(s.entries, name)
	return true
}

// Names returns the registered entry names, sorted.
func (s *Service) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.entries))
	for n := range s.entries {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Next returns the next fire time of the named entry, if cron is running.
func (s *Service) Next(name string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[name]
	if !ok || s.c == nil || e.id == 0 {
		return time.Time{}, false
	}
	next := s.c.Entry(e.id).Next
	return next, !next.IsZero()
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{Enabled: s.cfg.Enabled, Running: s.c != nil, Timezone: strings.TrimSpace(s.cfg.Timezone)}
	for _, e := range s.entries {
		info := EntryInfo{
			Name:    e.name,
			Spec:    e.spec.CronSpec(),
			Timeout: e.timeout,
			Runs:    e.runs.Load(),
			Skipped: e.skipped.Load(),
		}
		info.LastErr, _ = e.lastErr.Load().(string)
		if s.c != nil && e.id != 0 {
			ce := s.c.Entry(e.id)
			info.Next, info.Prev = ce.Next, ce.Prev
		}
		snap.Entries = append(snap.Entries, info)
	}
	sort.Slice(snap.Entries, func(i, j int) bool { return snap.Entries[i].Name < snap.Entries[j].Name })
	return snap
}

func (s *Service) addCronLocked(e *entry) error {
	ctx := s.ctx
	id, err := s.c.AddFunc(e.spec.CronSpec(), func() { s.fire(ctx, e) })
	if err != nil {
		return err
	}
	e.id = id
	return nil
}

// RunNow runs the named job immediately, outside its trigger, honouring
// the overlap guard.
func (s *Service) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	e, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown trigger %q", name)
	}
	return s.run(ctx, e)
}

func (s *Service) fire(ctx context.Context, e *entry) {
	if ctx == nil || ctx.Err() != nil {
		return
	}
	if err := s.run(ctx, e); err != nil && !errors.Is(err, errOverlap) {
		s.log.Warn("job failed", logx.String("name", e.name), logx.Err(err))
	}
}

var errOverlap = errors.New("previous run still in flight")

func (s *Service) run(ctx context.Context, e *entry) error {
	if !e.running.CompareAndSwap(false, true) {
		e.skipped.Add(1)
		s.log.Debug("job skipped (still running)", logx.String("name", e.name))
		return errOverlap
	}
	s.wg.Add(1)
	defer func() {
		e.running.Store(false)
		s.wg.Done()
	}()

	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}
	start := time.Now()
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		return e.job(ctx)
	}()
	e.runs.Add(1)
	if err != nil {
		e.lastErr.Store(err.Error())
	} else {
		e.lastErr.Store("")
	}
	s.log.Debug("job done", logx.String("name", e.name), logx.Duration("took", time.Since(start)), logx.Err(err))
	return err
}

// cronLogger routes robfig/cron's internal logging into logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Trace("cron: "+msg, kvFields(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error("cron: "+msg, append(kvFields(keysAndValues), logx.Err(err))...)
}

func kvFields(kv []interface{}) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, logx.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return out
}
