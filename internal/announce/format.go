package announce

import (
	"strings"
	"text/template"
	"time"

	"drawbot/internal/config"
	"drawbot/internal/draw"
)

const defaultFormat = "{{.Title}} ({{.Date}})\n{{.Item}}"

// PostData is the value passed to a schedule's post template.
type PostData struct {
	ID       string
	Title    string
	Item     string
	Day      int64
	Date     string
	Weekday  string
	Cycle    int64
	Position int // 1-based position within the cycle
	Size     int
}

func newPostData(sch config.Schedule, d draw.Scheduler, day int64, item string) PostData {
	date := d.Date(day)
	pd := PostData{
		ID:      sch.ID,
		Title:   sch.DisplayTitle(),
		Item:    item,
		Day:     day,
		Date:    date.Format(config.EpochLayout),
		Weekday: date.Weekday().String(),
		Size:    len(d.Pool),
	}
	if c, err := d.Cycle(day); err == nil {
		pd.Cycle = c.Index
		pd.Position = int(c.Day) + 1
	}
	return pd
}

// Render formats a post. An empty format uses the default layout.
func Render(format string, data PostData) (string, error) {
	if strings.TrimSpace(format) == "" {
		format = defaultFormat
	}
	t, err := template.New(data.ID).Parse(format)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	if err := t.Execute(&b, data); err != nil {
		return "", err
	}
	return b.String(), nil
}

// UnavailableText is posted instead of a pick when the pool cannot be used.
func UnavailableText(sch config.Schedule, date time.Time) string {
	return sch.DisplayTitle() + " (" + date.Format(config.EpochLayout) + ")\nNo pick today: the pool is unavailable."
}
