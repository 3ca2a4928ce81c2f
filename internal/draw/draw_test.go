package draw

import (
	"errors"
	"fmt"
	"sort"
	"testing"
)

var testPool = []string{"ALEEB", "ALEEC", "HALEEG"}

func TestSelectScenarios(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		day  int64
		want string
	}{
		{name: "first day", day: 0, want: "ALEEB"},
		{name: "second day", day: 1, want: "HALEEG"},
		{name: "third day", day: 2, want: "ALEEC"},
		{name: "rollover", day: 3, want: "ALEEC"},
		{name: "before epoch", day: -1, want: "ALEEC"},
		{name: "before epoch cycle start", day: -3, want: "HALEEG"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got, err := Select("ABC", testPool, tt.day)
			if err != nil {
				t.Fatalf("Select error: %v", err)
			}
			if got != tt.want {
				t.Fatalf("Select(day=%d) = %q, want %q", tt.day, got, tt.want)
			}
		})
	}
}

func TestSeed(t *testing.T) {
	t.Parallel()
	if got := Seed("ABC"); got != 198 {
		t.Fatalf("Seed(ABC) = %d, want 198", got)
	}
	if got := Seed(""); got != 0 {
		t.Fatalf("Seed(\"\") = %d, want 0", got)
	}
	// code points, not bytes
	if got := Seed("é"); got != 0xE9 {
		t.Fatalf("Seed(é) = %d, want %d", got, 0xE9)
	}
}

func TestSelectDeterministic(t *testing.T) {
	t.Parallel()
	pool := makePool(17)
	for day := int64(-40); day < 40; day++ {
		a, err := Select("word-of-the-day", pool, day)
		if err != nil {
			t.Fatalf("Select error: %v", err)
		}
		b, _ := Select("word-of-the-day", pool, day)
		if a != b {
			t.Fatalf("day %d: %q != %q", day, a, b)
		}
	}
}

func TestSelectFullCycleCoverage(t *testing.T) {
	t.Parallel()
	for _, n := range []int{1, 2, 3, 7, 13, 26, 100} {
		pool := makePool(n)
		for _, cycle := range []int64{-2, -1, 0, 1, 5} {
			seen := make(map[string]bool, n)
			for d := int64(0); d < int64(n); d++ {
				v, err := Select("cover", pool, cycle*int64(n)+d)
				if err != nil {
					t.Fatalf("Select error: %v", err)
				}
				if seen[v] {
					t.Fatalf("n=%d cycle=%d: %q drawn twice", n, cycle, v)
				}
				seen[v] = true
			}
			if len(seen) != n {
				t.Fatalf("n=%d cycle=%d: covered %d entries", n, cycle, len(seen))
			}
		}
	}
}

func TestCycleRolloverChangesOrder(t *testing.T) {
	t.Parallel()
	for n := 2; n < 40; n++ {
		pool := makePool(n)
		first, err := Sequence("rollover", pool, 0)
		if err != nil {
			t.Fatalf("Sequence error: %v", err)
		}
		second, _ := Sequence("rollover", pool, 1)
		if equalStrings(first, second) {
			t.Fatalf("n=%d: cycles 0 and 1 share the same order %v", n, first)
		}
	}
}

func TestSelectSortInvariance(t *testing.T) {
	t.Parallel()
	canonical := makePool(9)
	reversed := append([]string(nil), canonical...)
	sort.Sort(sort.Reverse(sort.StringSlice(reversed)))
	rotated := append(append([]string(nil), canonical[4:]...), canonical[:4]...)

	for day := int64(-9); day < 27; day++ {
		want, _ := Select("sorted", canonical, day)
		for _, p := range [][]string{reversed, rotated} {
			got, err := Select("sorted", p, day)
			if err != nil {
				t.Fatalf("Select error: %v", err)
			}
			if got != want {
				t.Fatalf("day %d: permuted pool gave %q, want %q", day, got, want)
			}
		}
	}
}

func TestSelectDoesNotMutateInput(t *testing.T) {
	t.Parallel()
	pool := []string{"c", "a", "b"}
	if _, err := Select("x", pool, 2); err != nil {
		t.Fatalf("Select error: %v", err)
	}
	if !equalStrings(pool, []string{"c", "a", "b"}) {
		t.Fatalf("input mutated: %v", pool)
	}
}

func TestSelectSchedulerIDSensitivity(t *testing.T) {
	t.Parallel()
	pool := makePoolPrefix("item", 20)
	var diff, total int
	for i := 0; i < 19; i++ {
		a := fmt.Sprintf("schedule-%02d", i)
		b := fmt.Sprintf("schedule-%02d", i+1)
		for day := int64(0); day < 40; day++ {
			va, _ := Select(a, pool, day)
			vb, _ := Select(b, pool, day)
			total++
			if va != vb {
				diff++
			}
		}
	}
	if diff*2 <= total {
		t.Fatalf("only %d of %d samples differ between scheduler ids", diff, total)
	}
}

func TestSelectEmptyPool(t *testing.T) {
	t.Parallel()
	for _, pool := range [][]string{nil, {}} {
		got, err := Select("ABC", pool, 0)
		if !errors.Is(err, ErrEmptyPool) {
			t.Fatalf("err = %v, want ErrEmptyPool", err)
		}
		if got != "" {
			t.Fatalf("got %q alongside error", got)
		}
	}
	if _, err := Sequence("ABC", nil, 0); !errors.Is(err, ErrEmptyPool) {
		t.Fatalf("Sequence err = %v, want ErrEmptyPool", err)
	}
	if _, err := NewCycle(5, 0); !errors.Is(err, ErrEmptyPool) {
		t.Fatalf("NewCycle err = %v, want ErrEmptyPool", err)
	}
}

func TestSequenceMatchesSelect(t *testing.T) {
	t.Parallel()
	pool := makePool(11)
	for _, cycle := range []int64{-3, 0, 2} {
		seq, err := Sequence("seq", pool, cycle)
		if err != nil {
			t.Fatalf("Sequence error: %v", err)
		}
		for i, v := range seq {
			got, _ := Select("seq", pool, cycle*int64(len(pool))+int64(i))
			if got != v {
				t.Fatalf("cycle %d step %d: Sequence=%q Select=%q", cycle, i, v, got)
			}
		}
	}
}

func TestNewCycleFloorSemantics(t *testing.T) {
	t.Parallel()
	tests := []struct {
		day   int64
		n     int
		index int64
		off   int64
	}{
		{day: 0, n: 3, index: 0, off: 0},
		{day: 2, n: 3, index: 0, off: 2},
		{day: 3, n: 3, index: 1, off: 0},
		{day: -1, n: 3, index: -1, off: 2},
		{day: -3, n: 3, index: -1, off: 0},
		{day: -4, n: 3, index: -2, off: 2},
	}
	for _, tt := range tests {
		c, err := NewCycle(tt.day, tt.n)
		if err != nil {
			t.Fatalf("NewCycle error: %v", err)
		}
		if c.Index != tt.index || c.Day != tt.off {
			t.Fatalf("NewCycle(%d,%d) = %+v, want {%d %d}", tt.day, tt.n, c, tt.index, tt.off)
		}
	}
}

func makePool(n int) []string { return makePoolPrefix("e", n) }

func makePoolPrefix(prefix string, n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("%s-%03d", prefix, i)
	}
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
