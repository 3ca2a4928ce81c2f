// Package config loads, validates and hot-reloads the bot configuration.
//
// JSON and YAML files are accepted; YAML is converted to JSON first so both go
// through the same strict decoder (unknown keys are errors).
package config

type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Storage   *StorageConfig  `json:"storage,omitempty"`
	Announce  AnnounceConfig  `json:"announce"`
	Schedules []Schedule      `json:"schedules"`
}

type TelegramConfig struct {
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	GroupLog     string  `json:"group_log"`
	// PollTimeout is a Go duration string (e.g. "10s").
	PollTimeout string `json:"poll_timeout"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// SchedulerConfig controls the post triggers.
type SchedulerConfig struct {
	Enabled bool `json:"enabled"`
	// Timezone is the default IANA zone for triggers and day boundaries.
	Timezone string `json:"timezone,omitempty"`
}

// StorageConfig controls the draw history store.
//
//	"storage": { "driver": "sqlite", "path": "./data/drawbot.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// AnnounceConfig controls delivery of the daily posts.
//
// Defaults: rate_per_sec 1, send_timeout "15s", retry_max 3, retry_base "1s",
// retention "0s" (keep all history).
type AnnounceConfig struct {
	RatePerSec  int    `json:"rate_per_sec,omitempty"`
	SendTimeout string `json:"send_timeout,omitempty"`
	RetryMax    int    `json:"retry_max,omitempty"`
	RetryBase   string `json:"retry_base,omitempty"`
	Retention   string `json:"retention,omitempty"`
}

// Schedule is one independent draw schedule.
type Schedule struct {
	// ID is the scheduler identifier. It seeds the draw order, so renaming it
	// reshuffles every day.
	ID    string `json:"id"`
	Title string `json:"title,omitempty"`

	// Epoch is day 0 as YYYY-MM-DD in the schedule's timezone.
	Epoch    string `json:"epoch"`
	Timezone string `json:"timezone,omitempty"`

	// Post is the trigger (cron, HH:MM interval or duration). Empty disables
	// posting; the schedule still answers queries.
	Post     string       `json:"post,omitempty"`
	Disabled bool         `json:"disabled,omitempty"`
	Targets  []ChatTarget `json:"targets,omitempty"`

	Pool     []string `json:"pool,omitempty"`
	PoolFile string   `json:"pool_file,omitempty"`

	// Format is an optional text/template for posts.
	Format string `json:"format,omitempty"`
}

type ChatTarget struct {
	ChatID   int64 `json:"chat_id"`
	ThreadID int   `json:"thread_id,omitempty"`
}

// Find returns the schedule with the given id.
func (c *Config) Find(id string) (Schedule, bool) {
	if c == nil {
		return Schedule{}, false
	}
	for _, s := range c.Schedules {
		if s.ID == id {
			return s, true
		}
	}
	return Schedule{}, false
}
