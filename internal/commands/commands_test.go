package commands

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"drawbot/internal/announce"
	"drawbot/internal/config"
	"drawbot/internal/pool"
	"drawbot/internal/storage"
	"drawbot/internal/transport"
	logx "drawbot/pkg/logx"
)

type fakeSender struct {
	mu  sync.Mutex
	out []string
	to  []transport.ChatTarget
}

func (f *fakeSender) SendText(_ context.Context, to transport.ChatTarget, text string, _ *transport.SendOptions) (transport.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.out = append(f.out, text)
	f.to = append(f.to, to)
	return transport.MessageRef{ChatID: to.ChatID, MessageID: len(f.out)}, nil
}

func (f *fakeSender) last(t *testing.T) string {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.out) == 0 {
		t.Fatal("no reply sent")
	}
	return f.out[len(f.out)-1]
}

type fakePoster struct{ calls []string }

func (p *fakePoster) PostNow(_ context.Context, id string) (announce.Result, error) {
	p.calls = append(p.calls, id)
	if id != "ABC" {
		return announce.Result{}, pool.ErrUnknownSchedule
	}
	return announce.Result{ScheduleID: id, DayIndex: 1, Item: "HALEEG", Sent: 2}, nil
}

type fakeNext map[string]time.Time

func (f fakeNext) Next(name string) (time.Time, bool) {
	t, ok := f[name]
	return t, ok
}

// fakeStore serves canned history and captures audit entries.
type fakeStore struct {
	mu    sync.Mutex
	posts []storage.Post
	audit []storage.AuditEntry
}

func (s *fakeStore) RecordPost(_ context.Context, p storage.Post) (storage.Post, error) {
	return p, nil
}
func (s *fakeStore) HasPost(context.Context, string, int64, int64, int) (bool, error) {
	return false, nil
}
func (s *fakeStore) RecentPosts(_ context.Context, id string, limit int) ([]storage.Post, error) {
	var out []storage.Post
	for _, p := range s.posts {
		if p.ScheduleID == id && len(out) < limit {
			out = append(out, p)
		}
	}
	return out, nil
}
func (s *fakeStore) PruneBefore(context.Context, time.Time) (int64, error) { return 0, nil }
func (s *fakeStore) AppendAudit(_ context.Context, e storage.AuditEntry) error {
	s.mu.Lock()
	s.audit = append(s.audit, e)
	s.mu.Unlock()
	return nil
}
func (s *fakeStore) Close() error { return nil }

var fixedNow = time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC)

const owner = 42

type fixture struct {
	router *Router
	sender *fakeSender
	poster *fakePoster
	store  *fakeStore
}

func newFixture(t *testing.T, withStore bool) *fixture {
	t.Helper()
	cfg := &config.Config{
		Scheduler: config.SchedulerConfig{Timezone: "UTC"},
		Schedules: []config.Schedule{
			{ID: "ABC", Title: "Word", Epoch: "2024-01-01", Pool: []string{"HALEEG", "ALEEB", "ALEEC"}},
			{ID: "empty", Epoch: "2024-01-01"},
			{ID: "gone", Epoch: "2024-01-01", PoolFile: "missing.txt"},
		},
	}
	pools := pool.New(logx.Nop())
	pools.Apply(cfg, t.TempDir())

	f := &fixture{sender: &fakeSender{}, poster: &fakePoster{}}
	svc := &Services{
		Pools:    pools,
		Poster:   f.poster,
		Triggers: fakeNext{"announce:ABC": fixedNow.Add(3 * time.Hour)},
		Now:      func() time.Time { return fixedNow },
	}
	f.router = NewRouter(f.sender, logx.Nop())
	f.router.SetOwners([]int64{owner})
	if withStore {
		f.store = &fakeStore{posts: []storage.Post{
			{ScheduleID: "ABC", DayIndex: 1, Item: "HALEEG", ChatID: -100, PostedAt: time.Now().Add(-time.Hour)},
			{ScheduleID: "ABC", DayIndex: 0, Item: "ALEEB", ChatID: -100, PostedAt: time.Now().Add(-25 * time.Hour)},
		}}
		svc.Store = f.store
		f.router.Use(MWAudit(f.store))
	}
	Register(f.router, svc)
	return f
}

func (f *fixture) send(t *testing.T, from int64, text string) string {
	t.Helper()
	f.router.Handle(context.Background(), transport.Update{
		Kind:    transport.UpdateMessage,
		Message: &transport.Message{ChatID: -100, ThreadID: 3, FromID: from, Text: text},
	})
	return f.sender.last(t)
}

func TestDrawCommands(t *testing.T) {
	t.Parallel()
	cases := []struct {
		text string
		want []string
	}{
		{"/today ABC", []string{"Word, 2024-01-02 (day 1, cycle 0, 2/3)\nHALEEG", "next post 3 hours from now"}},
		{"/today@drawbot ABC", []string{"HALEEG"}},
		{"/day ABC 2024-01-04", []string{"day 3", "ALEEC"}},
		{"/day ABC -1", []string{"2024-01-01 (day 0", "ALEEB"}},
		{"/day ABC +4", []string{"day 5", "HALEEG"}},
		{"/day ABC 2023-12-28", []string{"day -4", "ALEEB"}},
		{"/day ABC someday", []string{"bad date"}},
		{"/day ABC", []string{"usage: /day"}},
		{"/cycle ABC", []string{"cycle 0:", "1. 2024-01-01 ALEEB\n2. 2024-01-02 HALEEG  ← today\n3. 2024-01-03 ALEEC"}},
		{"/cycle ABC 2024-01-05", []string{"cycle 1:", "1. 2024-01-04 ALEEC\n2. 2024-01-05 ALEEB\n3. 2024-01-06 HALEEG"}},
		{"/today", []string{"which schedule?"}},
		{"/today nope", []string{`unknown schedule "nope"`}},
		{"/today empty", []string{"empty: pool unavailable"}},
		{"/today gone", []string{"gone: pool unavailable"}},
		{"/cycle empty", []string{"pool unavailable"}},
		{"/schedules", []string{"• ABC: Word (3 items), next post 3 hours from now", "• empty: empty (pool empty)", "• gone: gone (pool unavailable)"}},
		{"/history ABC", []string{"history is disabled"}},
		{"/nope", []string{"unknown command"}},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.text, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t, false)
			got := f.send(t, 7, tc.text)
			for _, w := range tc.want {
				if !strings.Contains(got, w) {
					t.Fatalf("reply = %q, want it to contain %q", got, w)
				}
			}
		})
	}
}

func TestRepliesGoToSourceThread(t *testing.T) {
	t.Parallel()
	f := newFixture(t, false)
	f.send(t, 7, "/start")
	if to := f.sender.to[0]; to.ChatID != -100 || to.ThreadID != 3 {
		t.Fatalf("reply target = %+v", to)
	}
}

func TestNonCommandIgnored(t *testing.T) {
	t.Parallel()
	f := newFixture(t, false)
	f.router.Handle(context.Background(), transport.Update{
		Kind:    transport.UpdateMessage,
		Message: &transport.Message{ChatID: 1, Text: "hello there"},
	})
	if len(f.sender.out) != 0 {
		t.Fatalf("unexpected replies: %q", f.sender.out)
	}
}

func TestPostOwnerOnlyAndAudited(t *testing.T) {
	t.Parallel()
	f := newFixture(t, true)

	if got := f.send(t, 7, "/post ABC"); got != "unauthorized" {
		t.Fatalf("non-owner reply = %q", got)
	}
	if len(f.poster.calls) != 0 {
		t.Fatal("poster called for non-owner")
	}

	if got := f.send(t, owner, "/post ABC"); got != "day 1: sent 2, skipped 0, failed 0" {
		t.Fatalf("owner reply = %q", got)
	}
	before := len(f.sender.out)
	if got := f.send(t, owner, "/post nope"); got != `unknown schedule "nope", try /schedules` {
		t.Fatalf("unknown id reply = %q", got)
	}
	if n := len(f.sender.out) - before; n != 1 {
		t.Fatalf("unknown id got %d replies, want 1: %q", n, f.sender.out[before:])
	}

	if len(f.store.audit) != 2 {
		t.Fatalf("audit entries = %d, want 2", len(f.store.audit))
	}
	ok, bad := f.store.audit[0], f.store.audit[1]
	if !ok.OK || ok.Action != "post" || ok.Target != "ABC" || ok.ActorID != owner {
		t.Fatalf("audit[0] = %+v", ok)
	}
	if bad.OK || !strings.Contains(bad.Error, "unknown schedule") {
		t.Fatalf("audit[1] = %+v", bad)
	}
}

func TestHistory(t *testing.T) {
	t.Parallel()
	f := newFixture(t, true)
	got := f.send(t, 7, "/history ABC")
	if !strings.Contains(got, "day 1: HALEEG (chat -100, 1 hour ago)") || !strings.Contains(got, "day 0: ALEEB") {
		t.Fatalf("history = %q", got)
	}
	if got := f.send(t, 7, "/history ABC 1"); strings.Contains(got, "ALEEB") {
		t.Fatalf("limited history = %q", got)
	}
	if got := f.send(t, 7, "/history ABC zero"); !strings.Contains(got, "positive number") {
		t.Fatalf("bad n reply = %q", got)
	}
	if len(f.store.audit) != 0 {
		t.Fatal("public commands must not be audited")
	}
}

func TestHelpAndMenu(t *testing.T) {
	t.Parallel()
	f := newFixture(t, false)
	help := f.send(t, 7, "/help")
	if !strings.Contains(help, "/post <id> - Post today's pick now (owner)") || !strings.Contains(help, "/cycle <id> [YYYY-MM-DD]") {
		t.Fatalf("help = %q", help)
	}
	for _, c := range f.router.MenuCommands() {
		if c.Command == "post" {
			t.Fatal("owner command in public menu")
		}
	}
	if len(f.router.MenuCommands()) != 7 {
		t.Fatalf("menu = %+v", f.router.MenuCommands())
	}
}

func TestTokenize(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in   string
		want []string
	}{
		{`/day "daily word" -1`, []string{"/day", "daily word", "-1"}},
		{`/today  abc `, []string{"/today", "abc"}},
		{`/x a\ b ''`, []string{"/x", "a b", ""}},
		{``, nil},
	}
	for _, tc := range cases {
		if got := tokenize(tc.in); !reflect.DeepEqual(got, tc.want) {
			t.Fatalf("tokenize(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestPanicRecovered(t *testing.T) {
	t.Parallel()
	f := newFixture(t, false)
	f.router.Register(Command{Name: "boom", Handle: func(context.Context, *Request) error { panic("kaboom") }})
	if got := f.send(t, 7, "/boom"); !strings.Contains(got, "panic: kaboom") {
		t.Fatalf("reply = %q", got)
	}
}

func TestDispatchLoop(t *testing.T) {
	t.Parallel()
	f := newFixture(t, false)
	ctx, cancel := context.WithCancel(context.Background())
	updates := make(chan transport.Update, 1)
	done := make(chan error, 1)
	go func() { done <- f.router.DispatchLoop(ctx, updates) }()

	updates <- transport.Update{Kind: transport.UpdateMessage, Message: &transport.Message{ChatID: 1, Text: "/today ABC"}}
	deadline := time.Now().Add(2 * time.Second)
	for {
		f.sender.mu.Lock()
		n := len(f.sender.out)
		f.sender.mu.Unlock()
		if n > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("no reply from dispatch loop")
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil && !errors.Is(err, context.Canceled) {
		t.Fatalf("DispatchLoop = %v", err)
	}
}
