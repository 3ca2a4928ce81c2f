// Package adapter connects the bot to Telegram through telebot.
package adapter

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	rtsup "drawbot/internal/runtime/supervisor"
	"drawbot/internal/transport"
	logx "drawbot/pkg/logx"
)

const textLimit = 4000

type Config struct {
	Token       string
	PollTimeout time.Duration
}

type Adapter struct {
	log logx.Logger
	bot *tele.Bot

	out atomic.Value // chan<- transport.Update

	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor

	dropped atomic.Uint64

	menuMu   sync.Mutex
	menuHash string
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		Poller:  &tele.LongPoller{Timeout: timeout},
		Offline: false,
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Adapter{log: log, bot: b}
	var nilOut chan<- transport.Update
	a.out.Store(nilOut)

	b.Handle(tele.OnText, func(c tele.Context) error {
		m := c.Message()
		if m == nil || m.Sender == nil {
			return nil
		}
		a.deliver(transport.Update{
			Kind: transport.UpdateMessage,
			Message: &transport.Message{
				ID:           m.ID,
				ChatID:       m.Chat.ID,
				ThreadID:     m.ThreadID,
				FromID:       m.Sender.ID,
				FromUsername: m.Sender.Username,
				Text:         m.Text,
			},
		})
		return nil
	})
	return a, nil
}

// deliver forwards an update without blocking the poll loop.
func (a *Adapter) deliver(up transport.Update) {
	out, _ := a.out.Load().(chan<- transport.Update)
	if out == nil {
		return
	}
	select {
	case out <- up:
	default:
		a.dropped.Add(1)
	}
}

func (a *Adapter) Start(ctx context.Context, out chan<- transport.Update) error {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	if a.running {
		return nil
	}
	a.running = true
	a.out.Store(out)
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log))
	sup := a.sup

	sup.Go0("updates.drop_report", func(c context.Context) {
		t := time.NewTicker(5 * time.Second)
		defer t.Stop()
		for {
			select {
			case <-c.Done():
				a.reportDropped(cap(out))
				return
			case <-t.C:
				a.reportDropped(cap(out))
			}
		}
	})
	sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		a.bot.Stop()
	})
	// bot.Start blocks until Stop; restart it if it returns early.
	sup.GoRestart("telebot.poll", 500*time.Millisecond, 10*time.Second, false, func(c context.Context) error {
		a.log.Info("polling started")
		a.bot.Start()
		a.log.Info("polling stopped")
		return nil
	})
	return nil
}

func (a *Adapter) reportDropped(capacity int) {
	if n := a.dropped.Swap(0); n > 0 {
		a.log.Warn("incoming updates dropped (channel full)", logx.Uint64("count", n), logx.Int("chan_cap", capacity))
	}
}

// Stop cancels polling and waits briefly; a long poll in flight never holds
// shutdown for more than a couple of seconds.
func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	wasRunning := a.running
	a.running = false
	var nilOut chan<- transport.Update
	a.out.Store(nilOut)
	a.runMu.Unlock()
	if !wasRunning || sup == nil {
		return nil
	}
	sup.Cancel()

	wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := sup.Wait(wctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		a.log.Warn("telegram stop error", logx.Err(err))
	}
	return nil
}

func (a *Adapter) SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	if opt == nil {
		opt = &transport.SendOptions{}
	}
	chat := &tele.Chat{ID: to.ChatID}
	var first transport.MessageRef
	for i, chunk := range SplitText(text, textLimit) {
		if err := ctx.Err(); err != nil {
			return first, err
		}
		msg, err := a.bot.Send(chat, chunk, &tele.SendOptions{
			ParseMode:             opt.ParseMode,
			DisableWebPagePreview: opt.DisablePreview,
			ThreadID:              to.ThreadID,
		})
		if err != nil {
			return first, err
		}
		if i == 0 {
			first = transport.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: msg.ID}
		}
	}
	return first, nil
}

// UpdateMenuCommands publishes the command menu, skipping the call when the
// list is unchanged.
func (a *Adapter) UpdateMenuCommands(ctx context.Context, cmds []transport.BotCommand) error {
	var key strings.Builder
	list := make([]tele.Command, 0, len(cmds))
	for _, c := range cmds {
		if c.Command == "" {
			continue
		}
		d := c.Description
		if d == "" {
			d = c.Command
		}
		if len(d) > 256 {
			d = d[:256]
		}
		list = append(list, tele.Command{Text: c.Command, Description: d})
		key.WriteString(c.Command + "\x00" + d + "\x00")
	}

	a.menuMu.Lock()
	defer a.menuMu.Unlock()
	if key.String() == a.menuHash {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := a.bot.SetCommands(list); err != nil {
		return err
	}
	a.menuHash = key.String()
	a.log.Info("menu commands updated", logx.Int("count", len(list)))
	return nil
}

// SplitText cuts s into chunks of at most limit runes, preferring newline
// boundaries that keep chunks at least a third of the limit long.
func SplitText(s string, limit int) []string {
	if limit <= 0 {
		limit = textLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}
	var out []string
	start := 0
	for start < len(rs) {
		end := start + limit
		if end >= len(rs) {
			end = len(rs)
		} else {
			for i := end - 1; i > start+limit/3; i-- {
				if rs[i] == '\n' {
					end = i + 1
					break
				}
			}
		}
		if chunk := strings.TrimRight(string(rs[start:end]), "\n"); chunk != "" {
			out = append(out, chunk)
		}
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}
