package commands

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"drawbot/internal/announce"
	"drawbot/internal/config"
	"drawbot/internal/draw"
	"drawbot/internal/pool"
	"drawbot/internal/storage"
	logx "drawbot/pkg/logx"
)

// Poster triggers an immediate post run.
type Poster interface {
	PostNow(ctx context.Context, id string) (announce.Result, error)
}

// NextRun reports the next fire time of a named trigger.
type NextRun interface {
	Next(name string) (time.Time, bool)
}

// Services are the collaborators the draw commands read from. Store, Poster
// and Triggers may be nil.
type Services struct {
	Pools    *pool.Provider
	Store    storage.Store
	Poster   Poster
	Triggers NextRun
	Now      func() time.Time
}

const (
	historyDefault = 10
	historyMax     = 50
)

// Register adds the draw commands to r.
func Register(r *Router, svc *Services) {
	if svc.Now == nil {
		svc.Now = time.Now
	}
	h := &handlers{svc: svc, router: r}
	r.Register(
		Command{Name: "start", Description: "About this bot", Handle: h.start},
		Command{Name: "help", Description: "List commands", Handle: h.help},
		Command{Name: "schedules", Aliases: []string{"list"}, Description: "List draw schedules", Handle: h.schedules},
		Command{Name: "today", Usage: "/today <id>", Description: "Today's pick", Handle: h.today},
		Command{Name: "day", Usage: "/day <id> <YYYY-MM-DD|+N|-N>", Description: "Pick for another day", Handle: h.day},
		Command{Name: "cycle", Usage: "/cycle <id> [YYYY-MM-DD]", Description: "Full order of a cycle", Handle: h.cycle},
		Command{Name: "history", Usage: "/history <id> [n]", Description: "Recently posted picks", Handle: h.history},
		Command{Name: "post", Usage: "/post <id>", Description: "Post today's pick now", Access: AccessOwnerOnly, Timeout: 2 * time.Minute, Handle: h.post},
	)
}

type handlers struct {
	svc    *Services
	router *Router
}

func (h *handlers) start(ctx context.Context, req *Request) error {
	return req.Reply(ctx, "Hi! Every schedule here draws one item per day from its pool, "+
		"without repeats until the pool is used up. Anyone can recompute the same pick.\n\n"+
		"Try /schedules or /help.")
}

func (h *handlers) help(ctx context.Context, req *Request) error {
	var b strings.Builder
	b.WriteString("Commands:\n")
	for _, c := range h.router.Commands() {
		usage := c.Usage
		if usage == "" {
			usage = "/" + c.Name
		}
		b.WriteString(usage + " - " + c.Description)
		if c.Access == AccessOwnerOnly {
			b.WriteString(" (owner)")
		}
		b.WriteByte('\n')
	}
	return req.Reply(ctx, strings.TrimRight(b.String(), "\n"))
}

func (h *handlers) schedules(ctx context.Context, req *Request) error {
	list := h.svc.Pools.List()
	if len(list) == 0 {
		return req.Reply(ctx, "no schedules configured")
	}
	var b strings.Builder
	for _, e := range list {
		fmt.Fprintf(&b, "• %s: %s", e.Schedule.ID, e.Schedule.DisplayTitle())
		switch {
		case e.Err != nil:
			b.WriteString(" (pool unavailable)")
		case len(e.Draw.Pool) == 0:
			b.WriteString(" (pool empty)")
		default:
			fmt.Fprintf(&b, " (%d items)", len(e.Draw.Pool))
		}
		if s := h.nextPost(e.Schedule.ID); s != "" {
			b.WriteString(", " + s)
		}
		b.WriteByte('\n')
	}
	return req.Reply(ctx, strings.TrimRight(b.String(), "\n"))
}

func (h *handlers) today(ctx context.Context, req *Request) error {
	d, sch, ok := h.resolve(ctx, req, 0)
	if !ok {
		return nil
	}
	return h.replyDay(ctx, req, d, sch, d.DayIndex(h.svc.Now()), true)
}

func (h *handlers) day(ctx context.Context, req *Request) error {
	d, sch, ok := h.resolve(ctx, req, 1)
	if !ok {
		return nil
	}
	if len(req.Args) < 2 {
		return req.Reply(ctx, "usage: /day <id> <YYYY-MM-DD|+N|-N>")
	}
	day, err := parseDay(d, req.Args[1], h.svc.Now())
	if err != nil {
		return req.Reply(ctx, err.Error())
	}
	return h.replyDay(ctx, req, d, sch, day, false)
}

func (h *handlers) cycle(ctx context.Context, req *Request) error {
	d, sch, ok := h.resolve(ctx, req, 1)
	if !ok {
		return nil
	}
	today := d.DayIndex(h.svc.Now())
	day := today
	if len(req.Args) > 1 {
		var err error
		if day, err = parseDay(d, req.Args[1], h.svc.Now()); err != nil {
			return req.Reply(ctx, err.Error())
		}
	}
	c, err := d.Cycle(day)
	if err != nil {
		return req.Reply(ctx, unavailable(sch))
	}
	seq, err := d.Sequence(c.Index)
	if err != nil {
		return req.Reply(ctx, unavailable(sch))
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s, cycle %d:\n", sch.DisplayTitle(), c.Index)
	start := c.Start(len(d.Pool))
	for i, item := range seq {
		di := start + int64(i)
		mark := ""
		if di == today {
			mark = "  ← today"
		}
		fmt.Fprintf(&b, "%d. %s %s%s\n", i+1, d.Date(di).Format(config.EpochLayout), item, mark)
	}
	return req.Reply(ctx, strings.TrimRight(b.String(), "\n"))
}

func (h *handlers) history(ctx context.Context, req *Request) error {
	if h.svc.Store == nil {
		return req.Reply(ctx, "history is disabled (no storage configured)")
	}
	if len(req.Args) == 0 {
		return req.Reply(ctx, "usage: /history <id> [n]")
	}
	id := req.Args[0]
	if _, _, err := h.svc.Pools.Get(id); errors.Is(err, pool.ErrUnknownSchedule) {
		return req.Reply(ctx, unknown(id))
	}
	n := historyDefault
	if len(req.Args) > 1 {
		v, err := strconv.Atoi(req.Args[1])
		if err != nil || v <= 0 {
			return req.Reply(ctx, "n must be a positive number")
		}
		n = min(v, historyMax)
	}
	posts, err := h.svc.Store.RecentPosts(ctx, id, n)
	if err != nil {
		return err
	}
	if len(posts) == 0 {
		return req.Reply(ctx, "nothing posted yet for "+id)
	}
	var b strings.Builder
	for _, p := range posts {
		fmt.Fprintf(&b, "day %d: %s (chat %d, %s)\n", p.DayIndex, p.Item, p.ChatID, humanize.Time(p.PostedAt))
	}
	return req.Reply(ctx, strings.TrimRight(b.String(), "\n"))
}

func (h *handlers) post(ctx context.Context, req *Request) error {
	if h.svc.Poster == nil {
		return req.Reply(ctx, "posting is not available")
	}
	if len(req.Args) == 0 {
		return req.Reply(ctx, "usage: /post <id>")
	}
	res, err := h.svc.Poster.PostNow(ctx, req.Args[0])
	if errors.Is(err, pool.ErrUnknownSchedule) {
		_ = req.Reply(ctx, unknown(req.Args[0]))
		return replied(err)
	}
	msg := fmt.Sprintf("day %d: sent %d, skipped %d, failed %d", res.DayIndex, res.Sent, res.Skipped, res.Failed)
	if res.Unavailable {
		msg += " (pool unavailable, notice posted)"
	}
	if rerr := req.Reply(ctx, msg); rerr != nil && err == nil {
		return rerr
	}
	return replied(err)
}

// resolve reads the schedule id at args[0]. With a single schedule
// configured and minArgs 0 the id may be omitted.
func (h *handlers) resolve(ctx context.Context, req *Request, minArgs int) (draw.Scheduler, config.Schedule, bool) {
	var id string
	switch {
	case len(req.Args) > 0:
		id = req.Args[0]
	case minArgs == 0:
		if list := h.svc.Pools.List(); len(list) == 1 {
			id = list[0].Schedule.ID
		}
	}
	if id == "" {
		_ = req.Reply(ctx, "which schedule? try /schedules")
		return draw.Scheduler{}, config.Schedule{}, false
	}
	d, sch, err := h.svc.Pools.Get(id)
	switch {
	case errors.Is(err, pool.ErrUnknownSchedule):
		_ = req.Reply(ctx, unknown(id))
		return d, sch, false
	case err != nil:
		req.Logger.Warn("pool unavailable", logx.Err(err))
		_ = req.Reply(ctx, unavailable(sch))
		return d, sch, false
	}
	return d, sch, true
}

func (h *handlers) replyDay(ctx context.Context, req *Request, d draw.Scheduler, sch config.Schedule, day int64, withNext bool) error {
	item, err := d.PickDay(day)
	if err != nil {
		return req.Reply(ctx, unavailable(sch))
	}
	c, _ := d.Cycle(day)
	text := fmt.Sprintf("%s, %s (day %d, cycle %d, %d/%d)\n%s",
		sch.DisplayTitle(), d.Date(day).Format(config.EpochLayout), day, c.Index, c.Day+1, len(d.Pool), item)
	if withNext {
		if s := h.nextPost(sch.ID); s != "" {
			text += "\n" + s
		}
	}
	return req.Reply(ctx, text)
}

func (h *handlers) nextPost(id string) string {
	if h.svc.Triggers == nil {
		return ""
	}
	next, ok := h.svc.Triggers.Next(announce.TriggerPrefix + id)
	if !ok {
		return ""
	}
	return "next post " + humanize.RelTime(next, h.svc.Now(), "ago", "from now")
}

// parseDay reads YYYY-MM-DD in the schedule's location, or a signed day
// offset from today.
func parseDay(d draw.Scheduler, arg string, now time.Time) (int64, error) {
	arg = strings.TrimSpace(arg)
	if strings.HasPrefix(arg, "+") || strings.HasPrefix(arg, "-") {
		n, err := strconv.ParseInt(arg, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("bad day offset %q", arg)
		}
		return d.DayIndex(now) + n, nil
	}
	loc := d.Location
	if loc == nil {
		loc = time.UTC
	}
	t, err := time.ParseInLocation(config.EpochLayout, arg, loc)
	if err != nil {
		return 0, fmt.Errorf("bad date %q, use YYYY-MM-DD", arg)
	}
	return d.DayIndex(t), nil
}

func unknown(id string) string {
	return fmt.Sprintf("unknown schedule %q, try /schedules", id)
}

func unavailable(sch config.Schedule) string {
	return sch.DisplayTitle() + ": pool unavailable, no pick can be computed"
}
