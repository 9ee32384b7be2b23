package proto

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/teleroute/drouter/core"
	"github.com/teleroute/drouter/state"
)

func testNode() state.Node {
	return state.Node{
		HostAddress: netip.MustParseAddr("192.168.21.10"),
		HostName:    "studio-a",
		DeviceName:  "xNode",
		SrcSlots:    4,
		DstSlots:    4,
		GpiSlots:    1,
		GpoSlots:    1,
	}
}

func TestNodeRecord(t *testing.T) {
	assert.Equal(t, "NODE\t192.168.21.10\tstudio-a\txNode\t4\t4\t1\t1\r\n",
		nodeRecord("NODE", testNode()))
	assert.Equal(t, "NODEDEL\t192.168.21.10\tstudio-a\txNode\t4\t4\t1\t1\r\n",
		nodeRecord("NODEDEL", testNode()))
}

func TestSourceRecord(t *testing.T) {
	src := state.Source{
		Slot:          1,
		Name:          "Mic 2",
		StreamAddress: netip.MustParseAddr("239.192.0.2"),
		Enabled:       true,
		Channels:      2,
		PacketSize:    240,
	}
	assert.Equal(t, "SRC\t192.168.21.10\t1\tstudio-a\t239.192.0.2\tMic 2\t1\t2\t240\r\n",
		sourceRecord("SRC", testNode(), 1, src))
}

func TestSourceRecord_UnroutedStream(t *testing.T) {
	src := state.Source{Slot: 0, Name: "Mic 1", Channels: 2, PacketSize: 240}
	assert.Equal(t, "SRC\t192.168.21.10\t0\tstudio-a\t\tMic 1\t0\t2\t240\r\n",
		sourceRecord("SRC", testNode(), 0, src))
}

func TestDestinationRecord(t *testing.T) {
	dst := state.Destination{
		Slot:          2,
		Name:          "Monitor",
		StreamAddress: netip.MustParseAddr("239.192.0.7"),
		Channels:      2,
	}
	assert.Equal(t, "DST\t192.168.21.10\t2\tstudio-a\t239.192.0.7\tMonitor\t2\r\n",
		destinationRecord("DST", testNode(), 2, dst))
}

func TestGpioRecords(t *testing.T) {
	gpi := state.GpioBundle{Slot: 0, Code: "hhlhh"}
	assert.Equal(t, "GPI\t192.168.21.10\t0\tstudio-a\thhlhh\r\n",
		gpiRecord("GPI", testNode(), 0, gpi))

	gpo := state.Gpo{
		Slot:          0,
		Name:          "On Air",
		Bundle:        state.GpioBundle{Slot: 0, Code: "hhhhh"},
		SourceAddress: netip.MustParseAddr("192.168.21.11"),
		SourceSlot:    3,
	}
	assert.Equal(t, "GPO\t192.168.21.10\t0\tstudio-a\thhhhh\tOn Air\t192.168.21.11\t3\r\n",
		gpoRecord("GPO", testNode(), 0, gpo))
}

func TestSilenceRecord(t *testing.T) {
	alarm := core.SilenceState{
		Node:    testNode(),
		Slot:    1,
		Channel: 0,
		Active:  true,
	}
	assert.Equal(t, "SILENCE\t192.168.21.10\t1\t0\t1\r\n", silenceRecord("SILENCE", alarm))
}

func TestAddrString(t *testing.T) {
	assert.Equal(t, "", addrString(netip.Addr{}))
	assert.Equal(t, "192.168.21.10", addrString(netip.MustParseAddr("192.168.21.10")))
}

func TestParseAddrSlot(t *testing.T) {
	addr, slot, ok := parseAddrSlot([]string{"clearcrosspoint", "192.168.21.10", "3"}, 3)
	assert.True(t, ok)
	assert.Equal(t, netip.MustParseAddr("192.168.21.10"), addr)
	assert.Equal(t, 3, slot)

	_, _, ok = parseAddrSlot([]string{"clearcrosspoint", "192.168.21.10"}, 3)
	assert.False(t, ok)
	_, _, ok = parseAddrSlot([]string{"clearcrosspoint", "nonsense", "3"}, 3)
	assert.False(t, ok)
	_, _, ok = parseAddrSlot([]string{"clearcrosspoint", "192.168.21.10", "-1"}, 3)
	assert.False(t, ok)
}

func TestLivewireNumber(t *testing.T) {
	assert.Equal(t, 2, livewireNumber(netip.MustParseAddr("239.192.0.2")))
	assert.Equal(t, 0x1234, livewireNumber(netip.MustParseAddr("239.192.18.52")))
	assert.Equal(t, 0, livewireNumber(netip.Addr{}))
}
