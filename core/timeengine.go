package core

import (
	"time"

	"github.com/teleroute/drouter/state"
)

// TimeEngine turns a set of (id, time-of-day) entries into callbacks on the
// main loop. It keeps exactly one timer armed, pointed at the next due
// second; every id due at that second fires in one batch. Day-of-week
// filtering is the caller's concern. All methods run on the main loop.
type TimeEngine struct {
	e *state.Env

	entries map[int]int // id -> seconds since midnight
	gen     uint64
	fire    func(s *state.State, id int, at time.Time)
}

func NewTimeEngine(e *state.Env, fire func(s *state.State, id int, at time.Time)) *TimeEngine {
	return &TimeEngine{
		e:       e,
		entries: make(map[int]int),
		fire:    fire,
	}
}

// Add registers or replaces an entry and re-arms the timer.
func (te *TimeEngine) Add(id, secOfDay int) {
	te.entries[id] = secOfDay
	te.rearm(time.Now())
}

// Remove drops an entry; unknown ids are ignored.
func (te *TimeEngine) Remove(id int) {
	delete(te.entries, id)
	te.rearm(time.Now())
}

// Stop disarms any pending timer.
func (te *TimeEngine) Stop() {
	te.gen++
}

// nextAt returns the next wall-clock instant at or after from with the given
// second of day.
func nextAt(from time.Time, secOfDay int) time.Time {
	day := time.Date(from.Year(), from.Month(), from.Day(), 0, 0, 0, 0, from.Location())
	at := day.Add(time.Duration(secOfDay) * time.Second)
	if at.Before(from) {
		at = at.AddDate(0, 0, 1)
	}
	return at
}

func (te *TimeEngine) rearm(from time.Time) {
	te.gen++
	gen := te.gen

	var due time.Time
	for _, sec := range te.entries {
		at := nextAt(from, sec)
		if due.IsZero() || at.Before(due) {
			due = at
		}
	}
	if due.IsZero() {
		return
	}
	delay := time.Until(due)
	if delay < 0 {
		delay = 0
	}
	te.e.ScheduleTask(func(s *state.State) error {
		if gen != te.gen {
			return nil
		}
		te.fireDue(s, due)
		return nil
	}, delay)
}

// fireDue runs every entry due at the given instant, then re-arms past it.
func (te *TimeEngine) fireDue(s *state.State, due time.Time) {
	defer te.rearm(due.Add(time.Second))
	sec := due.Hour()*3600 + due.Minute()*60 + due.Second()
	for id, entrySec := range te.entries {
		if entrySec == sec {
			te.fire(s, id, due)
		}
	}
}
