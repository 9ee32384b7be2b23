// Package store is the persistence boundary of the daemon. The core only
// ever uses the narrow Store contract; the schema behind it is not part of
// the daemon's API.
package store

import (
	"fmt"
	"time"

	"github.com/teleroute/drouter/state"
)

// RouteAction is a scheduled crosspoint change. Times are seconds since
// midnight; the day mask is indexed by time.Weekday (Sunday = 0).
type RouteAction struct {
	Id          int
	Time        int
	DayOfWeek   [7]bool
	Router      int
	Destination int
	Source      int
	Comment     string
}

// RunsOn reports whether the action fires on the given weekday.
func (a *RouteAction) RunsOn(day time.Weekday) bool {
	return a.DayOfWeek[int(day)]
}

// NextRunsAt returns the next wall-clock instant the action would fire at or
// after now, or the zero time if the day mask is empty.
func (a *RouteAction) NextRunsAt(now time.Time) time.Time {
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	for i := 0; i < 8; i++ {
		at := day.AddDate(0, 0, i).Add(time.Duration(a.Time) * time.Second)
		if at.Before(now) {
			continue
		}
		if a.RunsOn(at.Weekday()) {
			return at
		}
	}
	return time.Time{}
}

// Event is one auditable operator action.
type Event struct {
	Id          int64
	At          time.Time
	Actor       string
	Hostname    string
	Type        string
	Router      int
	Destination int
	Source      int
	Comment     string
}

const (
	EventRoute    = "route"
	EventGpi      = "gpi"
	EventGpo      = "gpo"
	EventSnapshot = "snapshot"
)

type Store interface {
	LoadEndpointMaps() ([]state.EndPointMap, error)
	LoadRouteActions() ([]RouteAction, error)
	// RouteAction returns the action by id, or nil if it does not exist or
	// is no longer active.
	RouteAction(id int) (*RouteAction, error)
	// Snapshots returns the stored snapshot set of one router map.
	Snapshots(router int) ([]state.SnapshotConfig, error)
	InsertEvent(ev Event) (int64, error)
	UpdateEvent(id int64, fields map[string]any) error
	Close() error
}

// snapshotsFromMaps picks the snapshot list of one router out of a map set.
func snapshotsFromMaps(maps []state.EndPointMap, router int) []state.SnapshotConfig {
	for _, em := range maps {
		if em.Number == router {
			return em.Snapshots
		}
	}
	return nil
}

// Open selects the backing implementation from configuration: a MySQL DSN if
// one is configured, the local journal otherwise.
func Open(cfg state.StoreConfig) (Store, error) {
	if dsn := resolveDsn(cfg); dsn != "" {
		st, err := openMysql(dsn)
		if err != nil {
			return nil, fmt.Errorf("store: %w", err)
		}
		return st, nil
	}
	path := cfg.LocalPath
	if path == "" {
		path = "drouter.db"
	}
	st, err := openLocal(path)
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}
	return st, nil
}

// ParseTimeOfDay parses "HH:MM" or "HH:MM:SS" into seconds since midnight.
func ParseTimeOfDay(s string) (int, error) {
	var h, m, sec int
	if _, err := fmt.Sscanf(s, "%d:%d:%d", &h, &m, &sec); err != nil {
		sec = 0
		if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
			return 0, fmt.Errorf("invalid time of day %q", s)
		}
	}
	if h < 0 || h > 23 || m < 0 || m > 59 || sec < 0 || sec > 59 {
		return 0, fmt.Errorf("invalid time of day %q", s)
	}
	return h*3600 + m*60 + sec, nil
}

// FormatTimeOfDay renders seconds since midnight as "HH:MM:SS".
func FormatTimeOfDay(t int) string {
	return fmt.Sprintf("%02d:%02d:%02d", t/3600, (t/60)%60, t%60)
}
