package logx

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"drawbot/internal/transport"
)

type Config struct {
	Level    string
	Console  bool
	File     FileConfig
	Telegram TelegramConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

// TelegramConfig forwards records at or above MinLevel to a chat.
type TelegramConfig struct {
	Enabled    bool
	ThreadID   int
	MinLevel   string
	RatePerSec int
}

// Service owns the log sinks and swaps them on Apply.
type Service struct {
	mu  sync.Mutex
	cfg Config

	root atomic.Value // zerolog.Logger

	file *os.File

	sender   transport.Sender
	queue    chan chatLine
	once     sync.Once
	cancelTG context.CancelFunc
	wg       sync.WaitGroup

	// guarded by mu
	target   transport.ChatTarget
	limiter  *rate.Limiter
	minLevel zerolog.Level
}

type chatLine struct {
	to  transport.ChatTarget
	msg string
}

// New creates the service, applies cfg and returns the root Logger.
// sender may be nil when chat logging is never enabled.
func New(cfg Config, sender transport.Sender) (*Service, Logger) {
	setGlobals()
	s := &Service{
		sender: sender,
		queue:  make(chan chatLine, 256),
	}
	s.target.ThreadID = cfg.Telegram.ThreadID
	s.root.Store(zerolog.New(newConsoleWriter(os.Stdout)).Level(parseLevel(cfg.Level, zerolog.InfoLevel)).With().Timestamp().Logger())
	s.Apply(cfg)
	return s, Logger{src: s}
}

func (s *Service) current() zerolog.Logger {
	zl, ok := s.root.Load().(zerolog.Logger)
	if !ok {
		return zerolog.Nop()
	}
	return zl
}

func (s *Service) Logger() Logger { return Logger{src: s} }

// SetTelegramTarget sets the chat that receives forwarded records.
// chatID 0 disables forwarding without touching the rest of the config.
func (s *Service) SetTelegramTarget(chatID int64, threadID int) {
	s.mu.Lock()
	s.target.ChatID = chatID
	if threadID != 0 {
		s.target.ThreadID = threadID
	}
	s.mu.Unlock()
}

func (s *Service) Close() error {
	s.mu.Lock()
	f := s.file
	s.file = nil
	cancel := s.cancelTG
	s.cancelTG = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		s.wg.Wait()
	}
	if f != nil {
		return f.Close()
	}
	return nil
}

// Apply swaps outputs and levels. Safe for concurrent use.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cfg = cfg
	s.minLevel = parseLevel(cfg.Telegram.MinLevel, zerolog.WarnLevel)
	rps := cfg.Telegram.RatePerSec
	if rps < 1 {
		rps = 1
	}
	s.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	if cfg.Telegram.ThreadID != 0 {
		s.target.ThreadID = cfg.Telegram.ThreadID
	}

	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}

	writers := make([]io.Writer, 0, 3)
	if cfg.Console {
		writers = append(writers, newConsoleWriter(os.Stdout))
	}
	if cfg.File.Enabled {
		path := strings.TrimSpace(cfg.File.Path)
		if path == "" {
			path = "./drawbot.log"
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "logx: open log file %q: %v\n", path, err)
		} else {
			s.file = f
			writers = append(writers, zerolog.SyncWriter(f))
		}
	}
	if cfg.Telegram.Enabled && s.sender != nil {
		s.once.Do(func() {
			ctx, cancel := context.WithCancel(context.Background())
			s.cancelTG = cancel
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.forward(ctx)
			}()
		})
		writers = append(writers, &chatWriter{svc: s})
		if s.target.ChatID == 0 {
			fmt.Fprintln(os.Stderr, "logx: telegram logging enabled but telegram.group_log is not set")
		}
	}
	if len(writers) == 0 {
		writers = append(writers, newConsoleWriter(os.Stdout))
	}

	zl := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(parseLevel(cfg.Level, zerolog.InfoLevel)).
		With().Timestamp().Logger()
	s.root.Store(zl)
}

func (s *Service) forward(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case it := <-s.queue:
			_, _ = s.sender.SendText(ctx, it.to, it.msg, &transport.SendOptions{DisablePreview: true})
		}
	}
}

// chatWriter is the zerolog sink feeding the forward queue. It never blocks:
// records over the rate limit or over a full queue are dropped.
type chatWriter struct{ svc *Service }

func (w *chatWriter) Write(p []byte) (int, error) {
	return w.WriteLevel(zerolog.InfoLevel, p)
}

func (w *chatWriter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	s := w.svc
	s.mu.Lock()
	to := s.target
	lim := s.limiter
	min := s.minLevel
	s.mu.Unlock()

	if to.ChatID == 0 || lim == nil || level < min || !lim.Allow() {
		return len(p), nil
	}
	msg := formatChatLine(p)
	if msg == "" {
		return len(p), nil
	}
	select {
	case s.queue <- chatLine{to: to, msg: msg}:
	default:
	}
	return len(p), nil
}

// formatChatLine renders one zerolog JSON line as "[LEVEL] msg" followed by
// sorted "- key=value" lines.
func formatChatLine(p []byte) string {
	var m map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(string(p))), &m); err != nil {
		return truncate(strings.TrimSpace(string(p)), 3500)
	}
	lvl, _ := m["level"].(string)
	msg, _ := m["message"].(string)

	var b strings.Builder
	if lvl != "" {
		b.WriteString("[" + strings.ToUpper(lvl) + "] ")
	}
	b.WriteString(msg)

	keys := make([]string, 0, len(m))
	for k := range m {
		switch k {
		case "time", "level", "message":
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteString("\n- " + k + "=")
		b.WriteString(truncate(fmt.Sprint(m[k]), 600))
	}
	return truncate(b.String(), 3500)
}

func truncate(s string, maxN int) string {
	if maxN <= 0 || len(s) <= maxN {
		return s
	}
	if maxN < 10 {
		return s[:maxN]
	}
	return s[:maxN-3] + "..."
}
