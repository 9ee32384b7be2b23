package store

import (
	"sync"

	"github.com/teleroute/drouter/state"
)

// MemoryStore keeps everything in process memory. Used in tests and by tools
// that have no persistence configured at all.
type MemoryStore struct {
	mu      sync.Mutex
	maps    []state.EndPointMap
	actions map[int]RouteAction
	events  map[int64]Event
	nextId  int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		actions: make(map[int]RouteAction),
		events:  make(map[int64]Event),
		nextId:  1,
	}
}

func (m *MemoryStore) PutEndpointMap(em state.EndPointMap) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.maps = append(m.maps, em)
}

func (m *MemoryStore) PutRouteAction(a RouteAction) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.actions[a.Id] = a
}

func (m *MemoryStore) DeleteRouteAction(id int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.actions, id)
}

func (m *MemoryStore) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	evs := make([]Event, 0, len(m.events))
	for _, ev := range m.events {
		evs = append(evs, ev)
	}
	return evs
}

func (m *MemoryStore) LoadEndpointMaps() ([]state.EndPointMap, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	maps := make([]state.EndPointMap, len(m.maps))
	copy(maps, m.maps)
	return maps, nil
}

func (m *MemoryStore) LoadRouteActions() ([]RouteAction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	actions := make([]RouteAction, 0, len(m.actions))
	for _, a := range m.actions {
		actions = append(actions, a)
	}
	return actions, nil
}

func (m *MemoryStore) RouteAction(id int) (*RouteAction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.actions[id]
	if !ok {
		return nil, nil
	}
	return &a, nil
}

func (m *MemoryStore) Snapshots(router int) ([]state.SnapshotConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return snapshotsFromMaps(m.maps, router), nil
}

func (m *MemoryStore) InsertEvent(ev Event) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev.Id = m.nextId
	m.nextId++
	m.events[ev.Id] = ev
	return ev.Id, nil
}

func (m *MemoryStore) UpdateEvent(id int64, fields map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.events[id]
	if !ok {
		return nil
	}
	for col, val := range fields {
		switch col {
		case "HOSTNAME":
			if s, ok := val.(string); ok {
				ev.Hostname = s
			}
		case "COMMENT":
			if s, ok := val.(string); ok {
				ev.Comment = s
			}
		}
	}
	m.events[id] = ev
	return nil
}

func (m *MemoryStore) Close() error { return nil }
