package state

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
)

func testMap() *EndPointMap {
	return &EndPointMap{
		Number: 0,
		Name:   "Router 1",
		Type:   AudioRouter,
		Inputs: []MapSlot{
			{HostAddress: netip.MustParseAddr("192.168.21.10"), Slot: 0},
			{HostAddress: netip.MustParseAddr("192.168.21.10"), Slot: 1},
			{HostAddress: netip.MustParseAddr("192.168.21.11"), Slot: 0},
		},
		Outputs: []MapSlot{
			{HostAddress: netip.MustParseAddr("192.168.21.10"), Slot: 0},
		},
		Snapshots: []SnapshotConfig{
			{Name: "Morning Show", Routes: []SnapshotRoute{{Output: 1, Input: 2}}},
		},
	}
}

func TestEndPointMap_Endpoint(t *testing.T) {
	em := testMap()
	slot, ok := em.Endpoint(MapInput, 2)
	assert.True(t, ok)
	assert.Equal(t, netip.MustParseAddr("192.168.21.11"), slot.HostAddress)
	assert.Equal(t, 0, slot.Slot)

	_, ok = em.Endpoint(MapInput, 3)
	assert.False(t, ok)
	_, ok = em.Endpoint(MapOutput, -1)
	assert.False(t, ok)
}

func TestEndPointMap_EndpointNumber(t *testing.T) {
	em := testMap()
	assert.Equal(t, 1, em.EndpointNumber(MapInput, netip.MustParseAddr("192.168.21.10"), 1))
	assert.Equal(t, 0, em.EndpointNumber(MapOutput, netip.MustParseAddr("192.168.21.10"), 0))
	assert.Equal(t, -1, em.EndpointNumber(MapInput, netip.MustParseAddr("192.168.21.12"), 0))
	assert.Equal(t, -1, em.EndpointNumber(MapInput, netip.Addr{}, 0))
}

func TestEndPointMap_Snapshot(t *testing.T) {
	em := testMap()
	snap := em.Snapshot("Morning Show")
	assert.NotNil(t, snap)
	assert.Len(t, snap.Routes, 1)
	assert.Nil(t, em.Snapshot("Evening Show"))
}
