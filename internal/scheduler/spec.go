package scheduler

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

type SpecKind int

const (
	SpecCron SpecKind = iota
	SpecInterval
)

// ParsedSpec is a normalized trigger string.
//
// Accepted forms:
//   - cron: "0 9 * * *", "0 0 9 * * *" (seconds), "@daily", "@every 6h"
//   - interval duration: "55m", "24h"
//   - interval HH:MM: "24:00" (every 24 hours), "00:30"
//
// The prefixes "cron:", "interval:" and "every:" force a form.
type ParsedSpec struct {
	Kind   SpecKind
	Cron   string
	Every  time.Duration
	Source string // "cron" | "duration" | "hhmm"
}

// CronSpec renders the spec in robfig/cron syntax.
func (p ParsedSpec) CronSpec() string {
	if p.Kind == SpecInterval {
		return "@every " + p.Every.String()
	}
	return p.Cron
}

var reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

func ParseSchedule(raw string) (ParsedSpec, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ParsedSpec{}, fmt.Errorf("schedule required")
	}
	low := strings.ToLower(s)
	if strings.HasPrefix(low, "cron:") {
		expr := strings.TrimSpace(s[len("cron:"):])
		if expr == "" {
			return ParsedSpec{}, fmt.Errorf("cron schedule required after 'cron:'")
		}
		return ParsedSpec{Kind: SpecCron, Cron: expr, Source: "cron"}, nil
	}
	for _, prefix := range []string{"interval:", "every:"} {
		if strings.HasPrefix(low, prefix) {
			return parseInterval(s[len(prefix):])
		}
	}
	if strings.ContainsAny(s, " \t\n\r") || strings.HasPrefix(s, "@") {
		return ParsedSpec{Kind: SpecCron, Cron: s, Source: "cron"}, nil
	}
	if reHHMM.MatchString(s) {
		return parseInterval(s)
	}
	if d, err := time.ParseDuration(s); err == nil {
		if d <= 0 {
			return ParsedSpec{}, fmt.Errorf("interval must be > 0")
		}
		return ParsedSpec{Kind: SpecInterval, Every: d, Source: "duration"}, nil
	}
	return ParsedSpec{}, fmt.Errorf(
		"invalid schedule %q (use cron like '0 9 * * *', HH:MM like '24:00', or duration like '12h')",
		raw,
	)
}

func parseInterval(v string) (ParsedSpec, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return ParsedSpec{}, fmt.Errorf("interval required")
	}
	if m := reHHMM.FindStringSubmatch(v); m != nil {
		h, m2, err := parseHHMM(v)
		if err != nil {
			return ParsedSpec{}, err
		}
		d := time.Duration(h)*time.Hour + time.Duration(m2)*time.Minute
		if d <= 0 {
			return ParsedSpec{}, fmt.Errorf("interval must be > 0")
		}
		return ParsedSpec{Kind: SpecInterval, Every: d, Source: "hhmm"}, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return ParsedSpec{}, fmt.Errorf("invalid interval %q (use HH:MM or a duration like '12h')", v)
	}
	if d <= 0 {
		return ParsedSpec{}, fmt.Errorf("interval must be > 0")
	}
	return ParsedSpec{Kind: SpecInterval, Every: d, Source: "duration"}, nil
}

// parseHHMM splits "HH:MM"; hours up to 999, minutes 0..59.
func parseHHMM(v string) (int, int, error) {
	m := reHHMM.FindStringSubmatch(v)
	if len(m) != 3 {
		return 0, 0, fmt.Errorf("invalid HH:MM %q", v)
	}
	h, _ := strconv.Atoi(m[1])
	mm, _ := strconv.Atoi(m[2])
	if mm > 59 {
		return 0, 0, fmt.Errorf("invalid minutes in %q", v)
	}
	return h, mm, nil
}
