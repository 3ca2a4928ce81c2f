package config

import (
	"errors"
	"fmt"
	"strings"
	"text/template"
	"time"

	"drawbot/internal/scheduler"
)

const EpochLayout = "2006-01-02"

func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// ParseDurationOrDefault returns def when raw is empty or zero.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}

// LoadLocation resolves an IANA zone name; empty means UTC.
func LoadLocation(tz string) (*time.Location, error) {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(tz)
}

// Location returns the schedule's zone, falling back to def.
func (s Schedule) Location(def string) (*time.Location, error) {
	tz := strings.TrimSpace(s.Timezone)
	if tz == "" {
		tz = def
	}
	return LoadLocation(tz)
}

// EpochIn parses Epoch as midnight in loc.
func (s Schedule) EpochIn(loc *time.Location) (time.Time, error) {
	raw := strings.TrimSpace(s.Epoch)
	if raw == "" {
		return time.Time{}, errors.New("epoch required")
	}
	t, err := time.ParseInLocation(EpochLayout, raw, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid epoch %q (want YYYY-MM-DD): %w", raw, err)
	}
	return t, nil
}

// DisplayTitle is Title, or ID when no title is set.
func (s Schedule) DisplayTitle() string {
	if t := strings.TrimSpace(s.Title); t != "" {
		return t
	}
	return s.ID
}

type ValidateOptions struct {
	// RequireToken is set by the bot runtime; offline commands do not need one.
	RequireToken bool
}

// Validate checks everything that can be checked without touching the
// network or pool files. Pool contents are checked by the pool provider.
func Validate(cfg *Config, opt ValidateOptions) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	if opt.RequireToken && strings.TrimSpace(cfg.Telegram.Token) == "" {
		return errors.New("telegram.token is required")
	}
	if _, err := ParseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout); err != nil {
		return err
	}
	if _, err := LoadLocation(cfg.Scheduler.Timezone); err != nil {
		return fmt.Errorf("scheduler.timezone: %w", err)
	}
	if cfg.Storage != nil {
		switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
		case "", "none":
		case "sqlite", "sqlite3":
			if strings.TrimSpace(cfg.Storage.Path) == "" {
				return errors.New("storage.path is required for sqlite")
			}
		default:
			return fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver)
		}
		if _, err := ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout); err != nil {
			return err
		}
	}
	if cfg.Announce.RatePerSec < 0 {
		return errors.New("announce.rate_per_sec must be >= 0")
	}
	if cfg.Announce.RetryMax < 0 {
		return errors.New("announce.retry_max must be >= 0")
	}
	for _, f := range []struct{ path, raw string }{
		{"announce.send_timeout", cfg.Announce.SendTimeout},
		{"announce.retry_base", cfg.Announce.RetryBase},
		{"announce.retention", cfg.Announce.Retention},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			return err
		}
	}

	seen := make(map[string]bool, len(cfg.Schedules))
	for i, s := range cfg.Schedules {
		path := fmt.Sprintf("schedules[%d]", i)
		if strings.TrimSpace(s.ID) == "" {
			return fmt.Errorf("%s.id is required", path)
		}
		if s.ID != strings.TrimSpace(s.ID) || strings.ContainsAny(s.ID, " \t\n") {
			return fmt.Errorf("%s.id %q must not contain whitespace", path, s.ID)
		}
		if seen[s.ID] {
			return fmt.Errorf("%s.id %q is duplicated", path, s.ID)
		}
		seen[s.ID] = true

		loc, err := s.Location(cfg.Scheduler.Timezone)
		if err != nil {
			return fmt.Errorf("%s.timezone: %w", path, err)
		}
		if _, err := s.EpochIn(loc); err != nil {
			return fmt.Errorf("%s.epoch: %w", path, err)
		}
		hasFile := strings.TrimSpace(s.PoolFile) != ""
		if hasFile && len(s.Pool) > 0 {
			return fmt.Errorf("%s: set either pool or pool_file, not both", path)
		}
		if !hasFile && len(s.Pool) == 0 {
			return fmt.Errorf("%s: pool or pool_file is required", path)
		}
		if strings.TrimSpace(s.Post) != "" {
			if _, err := scheduler.ParseSchedule(s.Post); err != nil {
				return fmt.Errorf("%s.post: %w", path, err)
			}
			if len(s.Targets) == 0 {
				return fmt.Errorf("%s.targets: required when post is set", path)
			}
		}
		if strings.TrimSpace(s.Format) != "" {
			if _, err := template.New(s.ID).Parse(s.Format); err != nil {
				return fmt.Errorf("%s.format: %w", path, err)
			}
		}
		for j, t := range s.Targets {
			if t.ChatID == 0 {
				return fmt.Errorf("%s.targets[%d].chat_id is required", path, j)
			}
		}
	}
	return nil
}
