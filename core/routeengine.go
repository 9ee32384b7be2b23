package core

import (
	"time"

	"github.com/teleroute/drouter/state"
	"github.com/teleroute/drouter/store"
)

const routeEngineActor = "schedule"

// RouteEngine fires stored route actions at their scheduled times of day.
// Action numbers in the journal are 1-based wire numbers; they are converted
// to 0-based map numbers when a route is activated. Day-of-week masks are
// checked at fire time, so a weekday-only action sits armed through the
// weekend without firing.
type RouteEngine struct {
	e *state.Env

	actions map[int]store.RouteAction
	timers  *TimeEngine
}

func (re *RouteEngine) Init(s *state.State) error {
	re.e = s.Env
	re.actions = make(map[int]store.RouteAction)
	re.timers = NewTimeEngine(s.Env, re.fire)

	actions, err := Get[*RouterRegistry](s).Store().LoadRouteActions()
	if err != nil {
		return err
	}
	for _, a := range actions {
		re.actions[a.Id] = a
		re.timers.Add(a.Id, a.Time)
	}
	s.Log.Info("loaded route actions", "count", len(re.actions))
	return nil
}

func (re *RouteEngine) Cleanup(s *state.State) error {
	re.timers.Stop()
	return nil
}

func (re *RouteEngine) Actions() []store.RouteAction {
	actions := make([]store.RouteAction, 0, len(re.actions))
	for _, a := range re.actions {
		actions = append(actions, a)
	}
	return actions
}

// Refresh re-reads one action from the journal and applies the difference:
// a new action is added, a changed one replaced, a deleted or deactivated one
// removed. Safe to call for ids that never existed.
func (re *RouteEngine) Refresh(s *state.State, id int) {
	st := Get[*RouterRegistry](s).Store()
	go func() {
		a, err := st.RouteAction(id)
		re.e.Dispatch(func(s *state.State) error {
			if err != nil {
				s.Log.Warn("failed to refresh route action", "id", id, "error", err)
				return nil
			}
			if a == nil {
				delete(re.actions, id)
				re.timers.Remove(id)
			} else {
				re.actions[id] = *a
				re.timers.Add(id, a.Time)
			}
			return nil
		})
	}()
}

func (re *RouteEngine) fire(s *state.State, id int, at time.Time) {
	a, ok := re.actions[id]
	if !ok || !a.RunsOn(at.Weekday()) {
		return
	}
	s.Log.Info("firing route action", "id", id,
		"router", a.Router, "output", a.Destination, "input", a.Source)
	err := Get[*RouterRegistry](s).ActivateRoute(s, a.Router-1, a.Destination-1, a.Source-1, routeEngineActor)
	if err != nil {
		s.Log.Warn("route action failed", "id", id, "error", err)
	}
}
