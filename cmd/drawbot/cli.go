package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli"

	"drawbot/internal/app"
	"drawbot/internal/config"
	"drawbot/internal/draw"
	"drawbot/internal/pool"
	logx "drawbot/pkg/logx"
)

var configFlag = cli.StringFlag{
	Name:  "config, c",
	Value: "./config.yaml",
	Usage: "path to the config file (JSON or YAML)",
}

var scheduleFlag = cli.StringFlag{
	Name:  "schedule, s",
	Usage: "schedule id (may be omitted when only one is configured)",
}

func execute(args []string, out io.Writer) error {
	a := cli.NewApp()
	a.Name = "drawbot"
	a.HelpName = "drawbot"
	a.Usage = "deterministic daily draw bot"
	a.UsageText = "drawbot <command> [arguments...]"
	a.Version = version
	a.Writer = out
	a.Commands = []cli.Command{
		{
			Name:   "run",
			Usage:  "run the Telegram bot",
			Flags:  []cli.Flag{configFlag},
			Action: runBot,
		},
		{
			Name:  "pick",
			Usage: "print the pick of one day",
			Flags: []cli.Flag{
				configFlag,
				scheduleFlag,
				cli.StringFlag{Name: "date, d", Usage: "calendar day as YYYY-MM-DD (default: today)"},
				cli.Int64Flag{Name: "day", Usage: "day index relative to the epoch (overrides --date)"},
			},
			Action: pickDay,
		},
		{
			Name:  "cycle",
			Usage: "print the full order of one cycle",
			Flags: []cli.Flag{
				configFlag,
				scheduleFlag,
				cli.Int64Flag{Name: "cycle", Usage: "cycle index (default: the current cycle)"},
			},
			Action: printCycle,
		},
		{
			Name:   "check",
			Usage:  "validate the config and load every pool",
			Flags:  []cli.Flag{configFlag},
			Action: checkConfig,
		},
	}
	return a.Run(args)
}

func runBot(c *cli.Context) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bot, err := app.New(c.String("config"))
	if err != nil {
		return err
	}
	if err := bot.Start(ctx); err != nil {
		return err
	}
	reason := app.StopSignal
	select {
	case <-ctx.Done():
	case <-bot.Done():
		reason = app.StopFatalError
	}
	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := bot.Stop(stopCtx, reason); err != nil {
		return err
	}
	return bot.Err()
}

// offline loads the config and pools without touching the network.
func offline(c *cli.Context) (*config.Config, *pool.Provider, error) {
	path := c.String("config")
	cfg, err := config.NewManager(path).Load()
	if err != nil {
		return nil, nil, err
	}
	if err := config.Validate(cfg, config.ValidateOptions{}); err != nil {
		return nil, nil, err
	}
	p := pool.New(logx.Nop())
	p.Apply(cfg, filepath.Dir(path))
	return cfg, p, nil
}

func resolveSchedule(c *cli.Context, p *pool.Provider) (draw.Scheduler, config.Schedule, error) {
	id := c.String("schedule")
	if id == "" {
		list := p.List()
		if len(list) != 1 {
			return draw.Scheduler{}, config.Schedule{}, errors.New("--schedule is required")
		}
		id = list[0].Schedule.ID
	}
	return p.Get(id)
}

func pickDay(c *cli.Context) error {
	_, p, err := offline(c)
	if err != nil {
		return err
	}
	d, sch, err := resolveSchedule(c, p)
	if err != nil {
		return err
	}
	day := d.DayIndex(time.Now())
	switch {
	case c.IsSet("day"):
		day = c.Int64("day")
	case c.String("date") != "":
		t, err := time.ParseInLocation(config.EpochLayout, c.String("date"), d.Location)
		if err != nil {
			return fmt.Errorf("--date: %w", err)
		}
		day = d.DayIndex(t)
	}
	item, err := d.PickDay(day)
	if err != nil {
		return fmt.Errorf("%s: %w", sch.ID, err)
	}
	cy, _ := d.Cycle(day)
	fmt.Fprintf(c.App.Writer, "%s\t%s\tday=%d\tcycle=%d\tpos=%d/%d\t%s\n",
		sch.ID, d.Date(day).Format(config.EpochLayout), day, cy.Index, cy.Day+1, len(d.Pool), item)
	return nil
}

func printCycle(c *cli.Context) error {
	_, p, err := offline(c)
	if err != nil {
		return err
	}
	d, sch, err := resolveSchedule(c, p)
	if err != nil {
		return err
	}
	cy, err := d.Cycle(d.DayIndex(time.Now()))
	if err != nil {
		return fmt.Errorf("%s: %w", sch.ID, err)
	}
	if c.IsSet("cycle") {
		cy.Index = c.Int64("cycle")
	}
	seq, err := d.Sequence(cy.Index)
	if err != nil {
		return fmt.Errorf("%s: %w", sch.ID, err)
	}
	w := tabwriter.NewWriter(c.App.Writer, 0, 4, 2, ' ', 0)
	start := cy.Start(len(d.Pool))
	for i, item := range seq {
		day := start + int64(i)
		fmt.Fprintf(w, "%d\t%s\t%s\n", day, d.Date(day).Format(config.EpochLayout), item)
	}
	return w.Flush()
}

func checkConfig(c *cli.Context) error {
	cfg, p, err := offline(c)
	if err != nil {
		return err
	}
	var bad []string
	for _, e := range p.List() {
		switch {
		case e.Err != nil:
			bad = append(bad, e.Schedule.ID)
			fmt.Fprintf(c.App.Writer, "FAIL %s: %v\n", e.Schedule.ID, e.Err)
		case len(e.Draw.Pool) == 0:
			bad = append(bad, e.Schedule.ID)
			fmt.Fprintf(c.App.Writer, "FAIL %s: %v\n", e.Schedule.ID, draw.ErrEmptyPool)
		default:
			fmt.Fprintf(c.App.Writer, "ok   %s: %d items, epoch %s\n", e.Schedule.ID, len(e.Draw.Pool), e.Schedule.Epoch)
		}
	}
	if len(bad) > 0 {
		return fmt.Errorf("%d of %d schedules unavailable: %s", len(bad), len(cfg.Schedules), strings.Join(bad, ", "))
	}
	return nil
}
