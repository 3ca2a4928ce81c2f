package draw

import (
	"errors"
	"sort"
)

// ErrEmptyPool is returned when no element can be drawn.
var ErrEmptyPool = errors.New("draw: empty pool")

// cycleSalt perturbs the draw order from one cycle to the next.
// Changing it changes every produced sequence.
const cycleSalt = 13

// Seed folds a scheduler id into the draw seed: the sum of its code points.
func Seed(schedulerID string) int64 {
	var sum int64
	for _, r := range schedulerID {
		sum += int64(r)
	}
	return sum
}

// Cycle locates a day inside the cycle structure of a pool.
type Cycle struct {
	Index int64 // floor(dayIndex / poolSize)
	Day   int64 // dayIndex mod poolSize, always in [0, poolSize)
}

// NewCycle splits dayIndex using floor semantics so that negative day indices
// still land on a non-negative Day.
func NewCycle(dayIndex int64, poolSize int) (Cycle, error) {
	if poolSize <= 0 {
		return Cycle{}, ErrEmptyPool
	}
	n := int64(poolSize)
	return Cycle{Index: floorDiv(dayIndex, n), Day: floorMod(dayIndex, n)}, nil
}

// Start returns the day index of the first day of the cycle.
func (c Cycle) Start(poolSize int) int64 { return c.Index * int64(poolSize) }

// Select returns the pool element drawn for dayIndex.
//
// The pool is sorted before use, so any permutation of the same set yields the
// same result. The input slice is never modified.
func Select(schedulerID string, pool []string, dayIndex int64) (string, error) {
	available := normalize(pool)
	c, err := NewCycle(dayIndex, len(available))
	if err != nil {
		return "", err
	}
	seed := Seed(schedulerID)

	var result string
	for step := int64(0); step <= c.Day; step++ {
		result, available = take(available, seed+step+c.Index*cycleSalt)
	}
	return result, nil
}

// Sequence returns the full draw order of one cycle: element i is what Select
// returns for day cycleIndex*len(pool)+i.
func Sequence(schedulerID string, pool []string, cycleIndex int64) ([]string, error) {
	available := normalize(pool)
	if len(available) == 0 {
		return nil, ErrEmptyPool
	}
	seed := Seed(schedulerID)

	out := make([]string, 0, len(available))
	for step := int64(0); len(available) > 0; step++ {
		var v string
		v, available = take(available, seed+step+cycleIndex*cycleSalt)
		out = append(out, v)
	}
	return out, nil
}

// take removes and returns the element picked by prng, keeping the order of
// the remaining elements.
func take(available []string, prng int64) (string, []string) {
	i := floorMod(prng, int64(len(available)))
	v := available[i]
	return v, append(available[:i], available[i+1:]...)
}

func normalize(pool []string) []string {
	sorted := append([]string(nil), pool...)
	sort.Strings(sorted)
	return sorted
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

func floorMod(a, b int64) int64 {
	m := a % b
	if m != 0 && ((m < 0) != (b < 0)) {
		m += b
	}
	return m
}
