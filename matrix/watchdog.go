package matrix

import (
	"time"

	"github.com/teleroute/drouter/state"
)

const (
	WatchdogDefaultPollInterval    = time.Second
	WatchdogDefaultTimeoutInterval = 5 * time.Second
	// Grace before the first poll/timeout after Start, so a device that is
	// slow to finish its initial enumeration is not killed immediately.
	watchdogStartupGrace = 5 * time.Second
)

// Watchdog detects a silently-dead device link: it emits OnPoll periodically
// and fires OnTimeout if Touch is not called within the timeout interval.
// All methods must be called on the main loop; callbacks run there too.
type Watchdog struct {
	e               *state.Env
	PollInterval    time.Duration
	TimeoutInterval time.Duration
	OnPoll          func(s *state.State) error
	OnTimeout       func(s *state.State) error

	active     bool
	pollGen    uint64
	timeoutGen uint64
}

func NewWatchdog(e *state.Env) *Watchdog {
	return &Watchdog{
		e:               e,
		PollInterval:    WatchdogDefaultPollInterval,
		TimeoutInterval: WatchdogDefaultTimeoutInterval,
	}
}

func (w *Watchdog) IsActive() bool {
	return w.active
}

func (w *Watchdog) Start() {
	w.active = true
	w.schedulePoll(watchdogStartupGrace)
	w.scheduleTimeout(watchdogStartupGrace + w.TimeoutInterval)
}

func (w *Watchdog) Stop() {
	w.active = false
	w.pollGen++
	w.timeoutGen++
}

// Touch resets the timeout clock. A touch after the watchdog has fired or
// been stopped is ignored.
func (w *Watchdog) Touch() {
	if w.active {
		w.scheduleTimeout(w.TimeoutInterval)
	}
}

func (w *Watchdog) schedulePoll(delay time.Duration) {
	w.pollGen++
	gen := w.pollGen
	w.e.ScheduleTask(func(s *state.State) error {
		if gen != w.pollGen || !w.active {
			return nil
		}
		w.schedulePoll(w.PollInterval)
		if w.OnPoll != nil {
			return w.OnPoll(s)
		}
		return nil
	}, delay)
}

func (w *Watchdog) scheduleTimeout(delay time.Duration) {
	w.timeoutGen++
	gen := w.timeoutGen
	w.e.ScheduleTask(func(s *state.State) error {
		if gen != w.timeoutGen || !w.active {
			return nil
		}
		w.active = false
		w.pollGen++
		if w.OnTimeout != nil {
			return w.OnTimeout(s)
		}
		return nil
	}, delay)
}
