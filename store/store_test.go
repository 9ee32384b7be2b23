package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestParseTimeOfDay(t *testing.T) {
	sec, err := ParseTimeOfDay("06:30:15")
	assert.NoError(t, err)
	assert.Equal(t, 6*3600+30*60+15, sec)

	sec, err = ParseTimeOfDay("23:59")
	assert.NoError(t, err)
	assert.Equal(t, 23*3600+59*60, sec)

	_, err = ParseTimeOfDay("24:00:00")
	assert.Error(t, err)
	_, err = ParseTimeOfDay("sometime")
	assert.Error(t, err)
}

func TestFormatTimeOfDay(t *testing.T) {
	assert.Equal(t, "06:30:15", FormatTimeOfDay(6*3600+30*60+15))
	assert.Equal(t, "00:00:00", FormatTimeOfDay(0))
}

func TestRouteAction_NextRunsAt(t *testing.T) {
	// fires weekdays at 06:00
	a := RouteAction{
		Time:      6 * 3600,
		DayOfWeek: [7]bool{false, true, true, true, true, true, false},
	}

	// Monday 2026-08-31 05:00 local: fires the same morning
	now := time.Date(2026, 8, 31, 5, 0, 0, 0, time.Local)
	assert.Equal(t, time.Date(2026, 8, 31, 6, 0, 0, 0, time.Local), a.NextRunsAt(now))

	// Monday 07:00: next fire is Tuesday
	now = time.Date(2026, 8, 31, 7, 0, 0, 0, time.Local)
	assert.Equal(t, time.Date(2026, 9, 1, 6, 0, 0, 0, time.Local), a.NextRunsAt(now))

	// Saturday: the weekend is skipped
	now = time.Date(2026, 9, 5, 12, 0, 0, 0, time.Local)
	assert.Equal(t, time.Date(2026, 9, 7, 6, 0, 0, 0, time.Local), a.NextRunsAt(now))

	// empty day mask never fires
	b := RouteAction{Time: 6 * 3600}
	assert.True(t, b.NextRunsAt(now).IsZero())
}

func TestRouteAction_RunsOn(t *testing.T) {
	a := RouteAction{DayOfWeek: [7]bool{true, false, false, false, false, false, true}}
	assert.True(t, a.RunsOn(time.Sunday))
	assert.True(t, a.RunsOn(time.Saturday))
	assert.False(t, a.RunsOn(time.Wednesday))
}

func TestMemoryStore_RouteActions(t *testing.T) {
	m := NewMemoryStore()
	m.PutRouteAction(RouteAction{Id: 1, Router: 1, Destination: 2, Source: 3})
	m.PutRouteAction(RouteAction{Id: 2, Router: 1, Destination: 1, Source: 1})

	actions, err := m.LoadRouteActions()
	assert.NoError(t, err)
	assert.Len(t, actions, 2)

	a, err := m.RouteAction(1)
	assert.NoError(t, err)
	assert.NotNil(t, a)
	assert.Equal(t, 2, a.Destination)

	m.DeleteRouteAction(1)
	a, err = m.RouteAction(1)
	assert.NoError(t, err)
	assert.Nil(t, a)
}

func TestMemoryStore_Events(t *testing.T) {
	m := NewMemoryStore()
	id, err := m.InsertEvent(Event{Actor: "192.168.21.30:51000", Type: EventRoute, Router: 1})
	assert.NoError(t, err)
	assert.Equal(t, int64(1), id)

	assert.NoError(t, m.UpdateEvent(id, map[string]any{"HOSTNAME": "studio-a"}))
	evs := m.Events()
	assert.Len(t, evs, 1)
	assert.Equal(t, "studio-a", evs[0].Hostname)

	// updating a missing event is not an error
	assert.NoError(t, m.UpdateEvent(99, map[string]any{"HOSTNAME": "x"}))
}
