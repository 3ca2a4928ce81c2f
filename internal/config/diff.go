package config

import (
	"reflect"
	"sort"
	"strings"

	logx "drawbot/pkg/logx"
)

// SummarizeChange lists the changed sections, safe log fields describing
// them (never the token) and the ids of added, removed or modified
// schedules.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var (
		changed []string
		fields  []logx.Field
	)

	if oldCfg.Telegram.Token != newCfg.Telegram.Token {
		changed = append(changed, "telegram.token")
	}
	if strings.TrimSpace(oldCfg.Telegram.PollTimeout) != strings.TrimSpace(newCfg.Telegram.PollTimeout) ||
		!reflect.DeepEqual(oldCfg.Telegram.OwnerUserIDs, newCfg.Telegram.OwnerUserIDs) ||
		strings.TrimSpace(oldCfg.Telegram.GroupLog) != strings.TrimSpace(newCfg.Telegram.GroupLog) {
		changed = append(changed, "telegram")
		fields = append(fields,
			logx.Int("telegram.owner_count", len(newCfg.Telegram.OwnerUserIDs)),
			logx.Bool("telegram.group_log_set", strings.TrimSpace(newCfg.Telegram.GroupLog) != ""),
		)
	}
	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		fields = append(fields,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.file", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram", newCfg.Logging.Telegram.Enabled),
		)
	}
	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		fields = append(fields,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
		)
	}
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
	}
	if oldCfg.Announce != newCfg.Announce {
		changed = append(changed, "announce")
	}

	ids := changedSchedules(oldCfg.Schedules, newCfg.Schedules)
	if len(ids) > 0 {
		changed = append(changed, "schedules")
		fields = append(fields, logx.Strs("schedules.changed", ids), logx.Int("schedules.count", len(newCfg.Schedules)))
	}
	return changed, fields, ids
}

func changedSchedules(oldS, newS []Schedule) []string {
	prev := make(map[string]Schedule, len(oldS))
	for _, s := range oldS {
		prev[s.ID] = s
	}
	var ids []string
	for _, s := range newS {
		p, ok := prev[s.ID]
		if !ok || !reflect.DeepEqual(p, s) {
			ids = append(ids, s.ID)
		}
		delete(prev, s.ID)
	}
	for id := range prev {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
