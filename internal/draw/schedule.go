package draw

import "time"

// Scheduler bundles the inputs of one independent draw schedule.
//
// It is a plain value: all inputs are explicit fields and nothing is looked
// up from the environment. The zero Location means UTC.
type Scheduler struct {
	ID       string
	Pool     []string
	Epoch    time.Time
	Location *time.Location
}

func (s Scheduler) loc() *time.Location {
	if s.Location == nil {
		return time.UTC
	}
	return s.Location
}

// DayIndex returns the day index of t for this schedule.
func (s Scheduler) DayIndex(t time.Time) int64 {
	return DayIndex(t, s.Epoch, s.loc())
}

// Pick returns the element drawn for the calendar day containing t.
func (s Scheduler) Pick(t time.Time) (string, error) {
	return s.PickDay(s.DayIndex(t))
}

// PickDay returns the element drawn for dayIndex.
func (s Scheduler) PickDay(dayIndex int64) (string, error) {
	return Select(s.ID, s.Pool, dayIndex)
}

// Cycle returns the cycle containing dayIndex.
func (s Scheduler) Cycle(dayIndex int64) (Cycle, error) {
	return NewCycle(dayIndex, len(s.Pool))
}

// Sequence returns the draw order of the cycle with the given index.
func (s Scheduler) Sequence(cycleIndex int64) ([]string, error) {
	return Sequence(s.ID, s.Pool, cycleIndex)
}

// Date returns midnight of the calendar day with the given index, in the
// schedule's location.
func (s Scheduler) Date(dayIndex int64) time.Time {
	return DayDate(s.Epoch, dayIndex, s.loc())
}

// DayIndex counts whole calendar days from epoch to t, both read as dates in
// loc. The count is made on civil dates, so DST shifts never move a day
// boundary. Days before the epoch are negative.
func DayIndex(t, epoch time.Time, loc *time.Location) int64 {
	if loc == nil {
		loc = time.UTC
	}
	return civilDays(t.In(loc)) - civilDays(epoch.In(loc))
}

// DayDate is the inverse of DayIndex: midnight in loc of the epoch date plus
// dayIndex days.
func DayDate(epoch time.Time, dayIndex int64, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	e := epoch.In(loc)
	return time.Date(e.Year(), e.Month(), e.Day()+int(dayIndex), 0, 0, 0, 0, loc)
}

// civilDays returns the number of days since 1970-01-01 of t's calendar date.
func civilDays(t time.Time) int64 {
	y, m, d := t.Date()
	u := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	return floorDiv(u.Unix(), 86400)
}
