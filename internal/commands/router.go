// Package commands answers chat commands about the draw schedules.
package commands

import (
	"context"
	"errors"
	"math/rand"
	"runtime/debug"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	rtsup "drawbot/internal/runtime/supervisor"
	"drawbot/internal/transport"
	logx "drawbot/pkg/logx"
)

type Access int

const (
	AccessEveryone Access = iota
	AccessOwnerOnly
)

type HandlerFunc func(ctx context.Context, req *Request) error

type Command struct {
	Name        string
	Aliases     []string
	Usage       string
	Description string
	Access      Access
	Timeout     time.Duration
	Handle      HandlerFunc
}

// Request is one parsed command invocation.
type Request struct {
	Update       transport.Update
	Chat         transport.ChatTarget
	FromID       int64
	FromUsername string
	Command      string
	Args         []string
	ReqID        string
	Logger       logx.Logger

	sender transport.Sender
}

// Reply sends text back to the chat the command came from.
func (r *Request) Reply(ctx context.Context, text string) error {
	_, err := r.sender.SendText(ctx, r.Chat, text, &transport.SendOptions{DisablePreview: true})
	return err
}

type Router struct {
	mu     sync.RWMutex
	cmds   []Command
	byName map[string]Command
	owners []int64

	log    logx.Logger
	sender transport.Sender
	mws    []func(Command) Middleware

	jobs chan func()
}

func NewRouter(sender transport.Sender, log logx.Logger) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Router{
		log:    log,
		sender: sender,
		byName: map[string]Command{},
		jobs:   make(chan func(), 64),
	}
}

// Use adds a middleware factory. It is consulted per command at dispatch
// time and may return nil to skip a command.
func (r *Router) Use(mw func(Command) Middleware) {
	r.mu.Lock()
	r.mws = append(r.mws, mw)
	r.mu.Unlock()
}

func (r *Router) SetOwners(owners []int64) {
	r.mu.Lock()
	r.owners = append([]int64(nil), owners...)
	r.mu.Unlock()
}

// Register adds commands; a later command with the same name or alias wins.
func (r *Router) Register(cmds ...Command) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range cmds {
		c.Name = strings.ToLower(strings.TrimSpace(c.Name))
		if c.Name == "" || c.Handle == nil {
			continue
		}
		r.cmds = append(r.cmds, c)
		r.byName[c.Name] = c
		for _, a := range c.Aliases {
			r.byName[strings.ToLower(a)] = c
		}
	}
}

// Commands returns the registered commands sorted by name.
func (r *Router) Commands() []Command {
	r.mu.RLock()
	seen := map[string]bool{}
	out := make([]Command, 0, len(r.cmds))
	for i := len(r.cmds) - 1; i >= 0; i-- {
		if c := r.cmds[i]; !seen[c.Name] {
			seen[c.Name] = true
			out = append(out, c)
		}
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// MenuCommands lists the public commands for the platform menu.
func (r *Router) MenuCommands() []transport.BotCommand {
	var out []transport.BotCommand
	for _, c := range r.Commands() {
		if c.Access != AccessEveryone {
			continue
		}
		out = append(out, transport.BotCommand{Command: c.Name, Description: c.Description})
	}
	return out
}

// DispatchLoop routes updates to a small worker pool until ctx is done or
// updates is closed.
func (r *Router) DispatchLoop(ctx context.Context, updates <-chan transport.Update) error {
	const workers = 4
	sup := rtsup.New(ctx,
		rtsup.WithLogger(r.log.With(logx.String("comp", "commands"))),
		rtsup.WithCancelOnError(false),
	)
	for i := 0; i < workers; i++ {
		idx := i
		sup.GoRestart("command.worker."+strconv.Itoa(idx), 200*time.Millisecond, 5*time.Second, true, func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job := <-r.jobs:
					func() {
						defer func() {
							if p := recover(); p != nil {
								r.log.Error("panic in command job", logx.Int("worker", idx), logx.Any("panic", p), logx.String("stack", string(debug.Stack())))
							}
						}()
						job()
					}()
				}
			}
		})
	}
	r.log.Info("command dispatcher started", logx.Int("workers", workers))
	defer func() {
		sup.Cancel()
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		r.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			r.enqueue(ctx, up)
		}
	}
}

func (r *Router) enqueue(ctx context.Context, up transport.Update) {
	select {
	case r.jobs <- func() { r.Handle(ctx, up) }:
	default:
		if up.Message != nil {
			_, _ = r.sender.SendText(ctx, chatOf(up.Message), "busy, try again", nil)
		}
	}
}

// Handle routes one update synchronously.
func (r *Router) Handle(ctx context.Context, up transport.Update) {
	if up.Kind != transport.UpdateMessage || up.Message == nil {
		return
	}
	msg := up.Message
	text := strings.TrimSpace(msg.Text)
	if !strings.HasPrefix(text, "/") {
		return
	}
	parts := tokenize(text)
	if len(parts) == 0 {
		return
	}
	word := strings.ToLower(strings.TrimPrefix(parts[0], "/"))
	if i := strings.IndexByte(word, '@'); i >= 0 {
		word = word[:i]
	}

	r.mu.RLock()
	cmd, ok := r.byName[word]
	owners := r.owners
	mws := r.mws
	r.mu.RUnlock()

	to := chatOf(msg)
	if !ok {
		_, _ = r.sender.SendText(ctx, to, "unknown command, try /help", nil)
		return
	}
	if cmd.Access == AccessOwnerOnly && !isOwner(msg.FromID, owners) {
		_, _ = r.sender.SendText(ctx, to, "unauthorized", nil)
		return
	}

	rid := newReqID()
	req := &Request{
		Update:       up,
		Chat:         to,
		FromID:       msg.FromID,
		FromUsername: msg.FromUsername,
		Command:      cmd.Name,
		Args:         parts[1:],
		ReqID:        rid,
		Logger: r.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", msg.ChatID),
			logx.Int64("from_id", msg.FromID),
			logx.String("cmd", cmd.Name),
		),
		sender: r.sender,
	}

	chain := []Middleware{MWPanicRecover(r.log), MWRequestLog(r.log)}
	for _, mw := range mws {
		if m := mw(cmd); m != nil {
			chain = append(chain, m)
		}
	}
	chain = append(chain, MWTimeout(cmd.Timeout))
	err := Chain(cmd.Handle, chain...)(ctx, req)
	var done repliedError
	if err != nil && !errors.As(err, &done) {
		_ = req.Reply(ctx, "error: "+err.Error())
	}
}

// repliedError carries a handler failure the user was already told about.
// Middleware still sees the error; the router sends no second reply.
type repliedError struct{ err error }

func (e repliedError) Error() string { return e.err.Error() }
func (e repliedError) Unwrap() error { return e.err }

func replied(err error) error {
	if err == nil {
		return nil
	}
	return repliedError{err: err}
}

func chatOf(m *transport.Message) transport.ChatTarget {
	return transport.ChatTarget{ChatID: m.ChatID, ThreadID: m.ThreadID}
}

func isOwner(id int64, owners []int64) bool {
	for _, o := range owners {
		if o == id {
			return true
		}
	}
	return false
}

// tokenize splits command text into tokens, honouring quotes and
// backslash escapes:
//
//	/day "daily word" -1
func tokenize(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	var (
		out   []string
		buf   strings.Builder
		inQ   bool
		qChar byte
		esc   bool
		had   bool
	)
	flush := func() {
		if buf.Len() > 0 || had {
			out = append(out, buf.String())
			buf.Reset()
		}
		had = false
	}
	for i := 0; i < len(s); i++ {
		ch := s[i]
		switch {
		case esc:
			buf.WriteByte(ch)
			esc = false
		case ch == '\\':
			esc = true
		case inQ:
			if ch == qChar {
				inQ = false
			} else {
				buf.WriteByte(ch)
			}
		case ch == '"' || ch == '\'':
			inQ, qChar, had = true, ch, true
		case ch == ' ' || ch == '\t' || ch == '\n' || ch == '\r':
			flush()
		default:
			buf.WriteByte(ch)
		}
	}
	flush()
	return out
}

var ridSeq atomic.Uint64

func newReqID() string {
	const alpha = "abcdefghijklmnopqrstuvwxyz0123456789"
	n := ridSeq.Add(1)
	return strconv.FormatInt(time.Now().UnixNano(), 36) + "-" + strconv.FormatUint(n, 36) +
		string([]byte{alpha[rand.Intn(len(alpha))], alpha[rand.Intn(len(alpha))]})
}
