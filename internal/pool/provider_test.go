package pool

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"drawbot/internal/config"
	"drawbot/internal/draw"
	logx "drawbot/pkg/logx"
)

func writeFile(t *testing.T, dir, name, data string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}
}

func TestLoadFileFormats(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeFile(t, dir, "words.txt", "# season 1\nHALEEG\n\n  ALEEB \nALEEC\n")
	writeFile(t, dir, "words.json", `["HALEEG","ALEEB","ALEEC"]`)
	writeFile(t, dir, "words.yaml", "- HALEEG\n- ALEEB\n- ALEEC\n")

	for _, name := range []string{"words.txt", "words.json", "words.yaml"} {
		items, err := LoadFile(filepath.Join(dir, name))
		if err != nil {
			t.Fatalf("%s: LoadFile error: %v", name, err)
		}
		norm, err := Normalize(items)
		if err != nil {
			t.Fatalf("%s: Normalize error: %v", name, err)
		}
		if len(norm) != 3 || norm[0] != "ALEEB" || norm[2] != "HALEEG" {
			t.Fatalf("%s: pool = %v", name, norm)
		}
	}
}

func TestLoadFileErrors(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeFile(t, dir, "bad.json", `{"not":"a list"}`)

	if _, err := LoadFile(filepath.Join(dir, "missing.txt")); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("missing file err = %v", err)
	}
	if _, err := LoadFile(filepath.Join(dir, "bad.json")); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("bad json err = %v", err)
	}
}

func TestNormalizeDuplicates(t *testing.T) {
	t.Parallel()
	_, err := Normalize([]string{"a", "b", " a"})
	if !errors.Is(err, ErrDuplicateEntry) || !errors.Is(err, ErrUnavailable) {
		t.Fatalf("err = %v, want duplicate + unavailable", err)
	}
}

func TestProviderApply(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeFile(t, dir, "words.txt", "HALEEG\nALEEB\nALEEC\n")
	writeFile(t, dir, "empty.txt", "# nothing yet\n")

	cfg := &config.Config{
		Scheduler: config.SchedulerConfig{Timezone: "UTC"},
		Schedules: []config.Schedule{
			{ID: "ABC", Epoch: "2024-01-01", PoolFile: "words.txt"},
			{ID: "inline", Epoch: "2024-01-01", Pool: []string{"x", "y"}},
			{ID: "missing", Epoch: "2024-01-01", PoolFile: "nope.txt"},
			{ID: "empty", Epoch: "2024-01-01", PoolFile: "empty.txt"},
		},
	}
	p := New(logx.Nop())
	p.Apply(cfg, dir)

	if got := len(p.List()); got != 4 {
		t.Fatalf("List len = %d", got)
	}
	s, sc, err := p.Get("ABC")
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if sc.ID != "ABC" {
		t.Fatalf("schedule = %+v", sc)
	}
	pick, err := s.PickDay(1)
	if err != nil || pick != "HALEEG" {
		t.Fatalf("PickDay(1) = %q, %v", pick, err)
	}

	if _, _, err := p.Get("missing"); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("missing err = %v", err)
	}
	if _, _, err := p.Get("nope"); !errors.Is(err, ErrUnknownSchedule) {
		t.Fatalf("unknown err = %v", err)
	}
	empty, _, err := p.Get("empty")
	if err != nil {
		t.Fatalf("empty schedule should load: %v", err)
	}
	if _, err := empty.PickDay(0); !errors.Is(err, draw.ErrEmptyPool) {
		t.Fatalf("empty PickDay err = %v", err)
	}
}
