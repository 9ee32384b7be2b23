package state

import "net/netip"

// RouterType distinguishes audio and GPIO router maps.
type RouterType string

const (
	AudioRouter RouterType = "audio"
	GpioRouter  RouterType = "gpio"
)

type MapDirection int

const (
	MapInput MapDirection = iota
	MapOutput
)

// MapSlot binds one wire-protocol endpoint number to a device endpoint.
type MapSlot struct {
	HostAddress netip.Addr `yaml:"host_address"`
	Slot        int
	Name        string `yaml:",omitempty"`
}

// EndPointMap presents a numbered "router" to the SA and J protocols: an
// ordered list of inputs and outputs drawn from any of the configured
// matrices. Wire numbers are 1-based; list indices here are 0-based.
type EndPointMap struct {
	Number    int
	Name      string           `yaml:",omitempty"`
	Type      RouterType       `yaml:",omitempty"`
	Inputs    []MapSlot        `yaml:",omitempty"`
	Outputs   []MapSlot        `yaml:",omitempty"`
	Snapshots []SnapshotConfig `yaml:",omitempty"`
}

func (m *EndPointMap) Slots(dir MapDirection) []MapSlot {
	if dir == MapInput {
		return m.Inputs
	}
	return m.Outputs
}

func (m *EndPointMap) SlotCount(dir MapDirection) int {
	return len(m.Slots(dir))
}

// Endpoint returns the device binding for a 0-based map endpoint number.
func (m *EndPointMap) Endpoint(dir MapDirection, n int) (MapSlot, bool) {
	slots := m.Slots(dir)
	if n < 0 || n >= len(slots) {
		return MapSlot{}, false
	}
	return slots[n], true
}

// EndpointNumber finds the 0-based map number for a device endpoint, or -1.
func (m *EndPointMap) EndpointNumber(dir MapDirection, addr netip.Addr, slot int) int {
	for i, s := range m.Slots(dir) {
		if s.HostAddress == addr && s.Slot == slot {
			return i
		}
	}
	return -1
}

// Snapshot returns the named snapshot, or nil.
func (m *EndPointMap) Snapshot(name string) *SnapshotConfig {
	for i := range m.Snapshots {
		if m.Snapshots[i].Name == name {
			return &m.Snapshots[i]
		}
	}
	return nil
}
