package announce

import "time"

// TriggerPrefix names the scheduler entries owned by this package.
const TriggerPrefix = "announce:"

const pruneTrigger = "announce.prune"

// Config controls delivery. Zero values fall back to defaults.
type Config struct {
	RatePerSec    int
	SendTimeout   time.Duration
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	// Retention prunes history older than this; 0 keeps everything.
	Retention time.Duration
}

// Result describes one posting run of a schedule.
type Result struct {
	ScheduleID  string
	DayIndex    int64
	Item        string
	Unavailable bool
	Sent        int
	Skipped     int
	Failed      int
}
