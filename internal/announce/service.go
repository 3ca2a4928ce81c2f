// Package announce posts each schedule's daily pick to its chat targets.
//
// A post run recomputes the pick from the schedule inputs; storage is only
// consulted to avoid posting the same day twice to one target.
package announce

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"drawbot/internal/config"
	"drawbot/internal/draw"
	"drawbot/internal/pool"
	"drawbot/internal/scheduler"
	"drawbot/internal/storage"
	"drawbot/internal/transport"
	logx "drawbot/pkg/logx"
)

// Triggers is the part of the scheduler used to register post runs.
type Triggers interface {
	AddSchedule(name, spec string, timeout time.Duration, job scheduler.Job) error
	Remove(name string) bool
	Names() []string
}

type Service struct {
	mu sync.Mutex

	log      logx.Logger
	sender   transport.Sender
	store    storage.Store
	pools    *pool.Provider
	triggers Triggers
	now      func() time.Time

	cfg     Config
	limiter *rate.Limiter
}

type Option func(*Service)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func WithStore(st storage.Store) Option { return func(s *Service) { s.store = st } }

func New(sender transport.Sender, pools *pool.Provider, triggers Triggers, log logx.Logger, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		log:      log,
		sender:   sender,
		pools:    pools,
		triggers: triggers,
		now:      time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	s.setConfig(Config{})
	return s
}

// ConfigFrom converts the announce section; durations were validated on load.
func ConfigFrom(c config.AnnounceConfig) Config {
	out := Config{RatePerSec: c.RatePerSec, RetryMax: c.RetryMax}
	out.SendTimeout, _ = config.ParseDurationOrDefault("announce.send_timeout", c.SendTimeout, 15*time.Second)
	out.RetryBase, _ = config.ParseDurationOrDefault("announce.retry_base", c.RetryBase, time.Second)
	out.Retention, _ = config.ParseDurationOrDefault("announce.retention", c.Retention, 0)
	return out
}

func (s *Service) setConfig(cfg Config) {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 1
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 15 * time.Second
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = time.Second
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 30 * time.Second
	}
	if cfg.Retention < 0 {
		cfg.Retention = 0
	}
	s.mu.Lock()
	s.cfg = cfg
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	s.mu.Unlock()
}

// Apply takes a new configuration: it updates delivery settings and
// re-registers one trigger per postable schedule. Triggers of schedules that
// disappeared or stopped posting are removed.
func (s *Service) Apply(cfg *config.Config) error {
	ac := ConfigFrom(cfg.Announce)
	s.setConfig(ac)
	if s.triggers == nil {
		return nil
	}

	s.mu.Lock()
	c := s.cfg
	s.mu.Unlock()

	want := map[string]bool{}
	var errs []error
	for _, sch := range cfg.Schedules {
		if sch.Disabled || strings.TrimSpace(sch.Post) == "" || len(sch.Targets) == 0 {
			continue
		}
		name := TriggerPrefix + sch.ID
		want[name] = true
		id := sch.ID
		timeout := runTimeout(c, len(sch.Targets))
		if err := s.triggers.AddSchedule(name, triggerSpec(sch.Post, sch.Timezone), timeout, func(ctx context.Context) error {
			_, err := s.Post(ctx, id)
			return err
		}); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
	}
	for _, name := range s.triggers.Names() {
		if strings.HasPrefix(name, TriggerPrefix) && !want[name] {
			s.triggers.Remove(name)
			s.log.Info("trigger removed", logx.String("name", name))
		}
	}

	if c.Retention > 0 {
		if err := s.triggers.AddSchedule(pruneTrigger, "1h", time.Minute, s.prune); err != nil {
			errs = append(errs, err)
		}
	} else {
		s.triggers.Remove(pruneTrigger)
	}
	s.log.Debug("announce applied", logx.Int("triggers", len(want)), logx.Duration("retention", c.Retention))
	return errors.Join(errs...)
}

// triggerSpec pins a cron trigger to the schedule's own zone so it fires on
// the calendar day the pick is computed for. Without a schedule zone the
// trigger runs in the scheduler zone, which is also the day zone.
func triggerSpec(post, tz string) string {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return post
	}
	ps, err := scheduler.ParseSchedule(post)
	if err != nil || ps.Kind != scheduler.SpecCron {
		return post
	}
	expr := strings.TrimSpace(ps.Cron)
	if strings.HasPrefix(expr, "TZ=") || strings.HasPrefix(expr, "CRON_TZ=") || strings.HasPrefix(expr, "@every") {
		return post
	}
	return "CRON_TZ=" + tz + " " + expr
}

// runTimeout bounds one post run: every target may use all its attempts.
func runTimeout(c Config, targets int) time.Duration {
	per := time.Duration(c.RetryMax+1)*c.SendTimeout + time.Duration(c.RetryMax)*c.RetryMaxDelay
	return time.Duration(targets)*per + 30*time.Second
}

// PostNow runs a post immediately, as the scheduled trigger would.
func (s *Service) PostNow(ctx context.Context, id string) (Result, error) {
	return s.Post(ctx, id)
}

// Post draws today's pick for the schedule and delivers it to every target
// not already served today. When the pool is empty or unavailable an
// explicit notice is sent instead of a pick.
func (s *Service) Post(ctx context.Context, id string) (Result, error) {
	res := Result{ScheduleID: id}
	d, sch, err := s.pools.Get(id)
	if errors.Is(err, pool.ErrUnknownSchedule) {
		return res, err
	}
	log := s.log.With(logx.String("schedule", id))

	day := d.DayIndex(s.now())
	res.DayIndex = day

	var text string
	if err == nil {
		res.Item, err = d.PickDay(day)
	}
	switch {
	case err == nil:
		text, err = Render(sch.Format, newPostData(sch, d, day, res.Item))
		if err != nil {
			return res, fmt.Errorf("render %s: %w", id, err)
		}
	case errors.Is(err, draw.ErrEmptyPool) || errors.Is(err, pool.ErrUnavailable):
		log.Warn("pool unavailable, posting notice", logx.Int64("day", day), logx.Err(err))
		res.Unavailable = true
		text = UnavailableText(sch, d.Date(day))
	default:
		return res, err
	}

	var errs []error
	for _, t := range sch.Targets {
		to := transport.ChatTarget{ChatID: t.ChatID, ThreadID: t.ThreadID}
		if !res.Unavailable && s.alreadyPosted(ctx, id, day, to) {
			res.Skipped++
			continue
		}
		ref, err := s.sendWithRetry(ctx, to, text)
		if err != nil {
			res.Failed++
			errs = append(errs, fmt.Errorf("chat %d: %w", to.ChatID, err))
			log.Warn("post failed", logx.Int64("chat_id", to.ChatID), logx.Err(err))
			continue
		}
		res.Sent++
		if !res.Unavailable {
			s.record(ctx, storage.Post{
				ScheduleID: id,
				DayIndex:   day,
				Item:       res.Item,
				ChatID:     to.ChatID,
				ThreadID:   to.ThreadID,
				MessageID:  ref.MessageID,
				PostedAt:   s.now(),
			})
		}
	}
	log.Info("post run done",
		logx.Int64("day", day),
		logx.String("item", res.Item),
		logx.Int("sent", res.Sent),
		logx.Int("skipped", res.Skipped),
		logx.Int("failed", res.Failed),
	)
	return res, errors.Join(errs...)
}

func (s *Service) alreadyPosted(ctx context.Context, id string, day int64, to transport.ChatTarget) bool {
	if s.store == nil {
		return false
	}
	ok, err := s.store.HasPost(ctx, id, day, to.ChatID, to.ThreadID)
	if err != nil {
		s.log.Warn("history lookup failed", logx.String("schedule", id), logx.Err(err))
		return false
	}
	return ok
}

func (s *Service) record(ctx context.Context, p storage.Post) {
	if s.store == nil {
		return
	}
	if _, err := s.store.RecordPost(ctx, p); err != nil && !errors.Is(err, storage.ErrDuplicate) {
		s.log.Warn("history write failed", logx.String("schedule", p.ScheduleID), logx.Err(err))
	}
}

func (s *Service) sendWithRetry(ctx context.Context, to transport.ChatTarget, text string) (transport.MessageRef, error) {
	if s.sender == nil {
		return transport.MessageRef{}, errors.New("no sender")
	}
	s.mu.Lock()
	cfg := s.cfg
	lim := s.limiter
	s.mu.Unlock()

	attempts := 1 + cfg.RetryMax
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			return transport.MessageRef{}, err
		}
		callCtx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		ref, err := s.sender.SendText(callCtx, to, text, &transport.SendOptions{DisablePreview: true})
		cancel()
		if err == nil {
			return ref, nil
		}
		lastErr = err
		s.log.Debug("send failed", logx.Int("attempt", attempt), logx.Int("max", attempts), logx.Err(err))
		if attempt == attempts {
			break
		}
		t := time.NewTimer(retryDelay(cfg, attempt))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return transport.MessageRef{}, ctx.Err()
		}
	}
	return transport.MessageRef{}, lastErr
}

// retryDelay is base*2^(attempt-1) capped at RetryMaxDelay, with 0.7..1.3
// jitter.
func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	d = time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
	if d > cfg.RetryMaxDelay {
		d = cfg.RetryMaxDelay
	}
	return d
}

func (s *Service) prune(ctx context.Context) error {
	s.mu.Lock()
	keep := s.cfg.Retention
	s.mu.Unlock()
	if s.store == nil || keep <= 0 {
		return nil
	}
	n, err := s.store.PruneBefore(ctx, s.now().Add(-keep))
	if err != nil {
		return err
	}
	if n > 0 {
		s.log.Info("history pruned", logx.Int64("rows", n))
	}
	return nil
}
