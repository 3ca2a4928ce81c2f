package app

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"drawbot/internal/storage"
	"drawbot/internal/transport"
	logx "drawbot/pkg/logx"
)

type fakeAdapter struct {
	mu      sync.Mutex
	started bool
	stopped bool
	sent    []string
	menu    []transport.BotCommand
}

func (f *fakeAdapter) Start(context.Context, chan<- transport.Update) error {
	f.mu.Lock()
	f.started = true
	f.mu.Unlock()
	return nil
}

func (f *fakeAdapter) Stop(context.Context) error {
	f.mu.Lock()
	f.stopped = true
	f.mu.Unlock()
	return nil
}

func (f *fakeAdapter) SendText(_ context.Context, to transport.ChatTarget, text string, _ *transport.SendOptions) (transport.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, text)
	return transport.MessageRef{ChatID: to.ChatID, MessageID: len(f.sent)}, nil
}

func (f *fakeAdapter) UpdateMenuCommands(_ context.Context, cmds []transport.BotCommand) error {
	f.mu.Lock()
	f.menu = cmds
	f.mu.Unlock()
	return nil
}

const testConfig = `
logging:
  level: error
scheduler:
  enabled: true
  timezone: UTC
storage:
  driver: sqlite
  path: data/history.db
schedules:
  - id: ABC
    title: Word
    epoch: "2024-01-01"
    post: "0 9 * * *"
    targets: [{chat_id: -100}]
    pool_file: words.txt
`

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	p := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return p
}

// listenNotify points NOTIFY_SOCKET at a fresh unixgram socket. It returns
// nil when the platform cannot bind one.
func listenNotify(t *testing.T, dir string) *net.UnixConn {
	t.Helper()
	sock := filepath.Join(dir, "notify.sock")
	conn, err := net.ListenUnixgram("unixgram", &net.UnixAddr{Name: sock, Net: "unixgram"})
	if err != nil {
		t.Logf("unixgram not available, systemd checks skipped: %v", err)
		t.Setenv("NOTIFY_SOCKET", "")
		return nil
	}
	t.Cleanup(func() { _ = conn.Close() })
	t.Setenv("NOTIFY_SOCKET", sock)
	t.Setenv("WATCHDOG_USEC", "")
	return conn
}

// waitNotify reads datagrams until one starts with prefix.
func waitNotify(t *testing.T, conn *net.UnixConn, prefix string) string {
	t.Helper()
	buf := make([]byte, 512)
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var seen []string
	for {
		n, err := conn.Read(buf)
		if err != nil {
			t.Fatalf("no %q datagram (seen %q): %v", prefix, seen, err)
		}
		msg := string(buf[:n])
		if strings.HasPrefix(msg, prefix) {
			return msg
		}
		seen = append(seen, msg)
	}
}

func TestAppLifecycle(t *testing.T) {
	dir := t.TempDir()
	notify := listenNotify(t, dir)
	if err := os.WriteFile(filepath.Join(dir, "words.txt"), []byte("HALEEG\nALEEB\nALEEC\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	path := writeConfig(t, dir, testConfig)
	ad := &fakeAdapter{}
	now := time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC)

	a, err := New(path, WithAdapter(ad), WithClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start error: %v", err)
	}

	if notify != nil {
		waitNotify(t, notify, "READY=1")
		if got := waitNotify(t, notify, "STATUS="); got != "STATUS=running, 1 schedules" {
			t.Fatalf("start status = %q", got)
		}
	}

	if _, ok := a.Scheduler().Next("announce:ABC"); !ok {
		t.Fatal("post trigger not scheduled")
	}
	res, err := a.Announcer().PostNow(ctx, "ABC")
	if err != nil || res.Item != "HALEEG" || res.Sent != 1 {
		t.Fatalf("PostNow = %+v, %v", res, err)
	}
	if _, err := os.Stat(filepath.Join(dir, "data", "history.db")); err != nil {
		t.Fatalf("history db not created next to config: %v", err)
	}

	// Reload with a second schedule and no post trigger for ABC.
	reloaded := strings.Replace(testConfig, `    post: "0 9 * * *"`+"\n", "", 1) + `
  - id: extra
    epoch: "2024-01-01"
    pool: [x, y]
`
	writeConfig(t, dir, reloaded)
	if ok, err := a.cfgm.Reload(ctx); err != nil || !ok {
		t.Fatalf("Reload = %v, %v", ok, err)
	}
	deadline := time.Now().Add(3 * time.Second)
	for {
		_, _, err := a.pools.Get("extra")
		_, scheduled := a.Scheduler().Next("announce:ABC")
		if err == nil && !scheduled {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("reload not applied: extra err=%v, ABC scheduled=%v", err, scheduled)
		}
		time.Sleep(20 * time.Millisecond)
	}
	if notify != nil {
		got := waitNotify(t, notify, "STATUS=reloaded")
		if !strings.Contains(got, "schedules), 2 schedules") {
			t.Fatalf("reload status = %q", got)
		}
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	if err := a.Stop(stopCtx, StopSignal); err != nil {
		t.Fatalf("Stop error: %v", err)
	}
	ad.mu.Lock()
	defer ad.mu.Unlock()
	if !ad.started || !ad.stopped {
		t.Fatalf("adapter started=%v stopped=%v", ad.started, ad.stopped)
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := writeConfig(t, dir, "schedules:\n  - id: a\n    epoch: 2024-13-01\n    pool: [x]\n")
	if _, err := New(path, WithAdapter(&fakeAdapter{})); err == nil || !strings.Contains(err.Error(), "epoch") {
		t.Fatalf("err = %v", err)
	}
}

func TestNewRequiresTokenWithoutAdapter(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := writeConfig(t, dir, "schedules:\n  - id: a\n    epoch: \"2024-01-01\"\n    pool: [x]\n")
	if _, err := New(path); err == nil || !strings.Contains(err.Error(), "token") {
		t.Fatalf("err = %v", err)
	}
}

type closeSpy struct {
	storage.Store
	closed bool
}

func (c *closeSpy) Close() error {
	c.closed = true
	return c.Store.Close()
}

func TestNewClosesStoreOnError(t *testing.T) {
	dir := t.TempDir()
	// Four cron fields pass validation but fail trigger registration.
	path := writeConfig(t, dir, strings.Replace(testConfig, `"0 9 * * *"`, `"0 9 * *"`, 1))

	var spy *closeSpy
	openStore = func(cfg storage.Config, log logx.Logger) (storage.Store, error) {
		st, err := storage.Open(cfg, log)
		if err != nil {
			return nil, err
		}
		spy = &closeSpy{Store: st}
		return spy, nil
	}
	t.Cleanup(func() { openStore = storage.Open })

	if _, err := New(path, WithAdapter(&fakeAdapter{})); err == nil || !strings.Contains(err.Error(), "announce:ABC") {
		t.Fatalf("err = %v, want trigger registration error", err)
	}
	if spy == nil || !spy.closed {
		t.Fatal("store left open after New failed")
	}
}
