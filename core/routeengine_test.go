package core

import (
	"reflect"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teleroute/drouter/state"
	"github.com/teleroute/drouter/store"
)

// runNextDispatch waits for the next closure dispatched onto the loop and
// runs it inline.
func runNextDispatch(t *testing.T, s *state.State) {
	t.Helper()
	select {
	case fun := <-s.DispatchChannel:
		require.NoError(t, fun(s))
	case <-time.After(time.Second):
		t.Fatal("no dispatch arrived")
	}
}

func TestRouteEngine_RefreshIdempotent(t *testing.T) {
	env := testLoopEnv(t)
	st := store.NewMemoryStore()
	st.PutRouteAction(store.RouteAction{Id: 7, Time: 3600, Router: 1, Destination: 1, Source: 2})

	s := &state.State{
		Env: env,
		Modules: map[string]state.Module{
			reflect.TypeFor[*RouterRegistry]().String(): &RouterRegistry{st: st},
		},
	}
	re := &RouteEngine{
		e:       env,
		actions: make(map[int]store.RouteAction),
		timers:  NewTimeEngine(env, func(s *state.State, id int, at time.Time) {}),
	}

	// refreshing the same id twice leaves one action and one timer entry
	re.Refresh(s, 7)
	runNextDispatch(t, s)
	re.Refresh(s, 7)
	runNextDispatch(t, s)
	assert.Len(t, re.actions, 1)
	assert.Len(t, re.timers.entries, 1)

	// a changed time replaces the armed entry in place
	st.PutRouteAction(store.RouteAction{Id: 7, Time: 7200, Router: 1, Destination: 1, Source: 2})
	re.Refresh(s, 7)
	runNextDispatch(t, s)
	assert.Len(t, re.timers.entries, 1)
	assert.Equal(t, 7200, re.timers.entries[7])

	// a deactivated action disarms it
	st.DeleteRouteAction(7)
	re.Refresh(s, 7)
	runNextDispatch(t, s)
	assert.Empty(t, re.actions)
	assert.Empty(t, re.timers.entries)
}
