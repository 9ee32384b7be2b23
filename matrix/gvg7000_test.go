package matrix

import (
	"context"
	"io"
	"log/slog"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/teleroute/drouter/state"
)

func testState() *state.State {
	return &state.State{
		Env: &state.Env{
			Context:         context.Background(),
			DispatchChannel: make(chan func(*state.State) error, 128),
			Log:             slog.New(slog.NewTextHandler(io.Discard, nil)),
		},
	}
}

func TestGvgChecksum_RoundTrip(t *testing.T) {
	frame := gvgToNative("QJ")
	assert.Equal(t, byte(gvgSOH), frame[0])
	assert.Equal(t, byte(gvgEOT), frame[len(frame)-1])

	body := frame[1 : len(frame)-1]
	assert.True(t, gvgVerifyChecksum(body))

	// corrupt one payload byte
	body[2] ^= 0x01
	assert.False(t, gvgVerifyChecksum(body))
}

func TestGvgVerifyChecksum_ShortMessage(t *testing.T) {
	assert.False(t, gvgVerifyChecksum(nil))
	assert.False(t, gvgVerifyChecksum([]byte("N0")))
}

func TestGvgPrettify(t *testing.T) {
	assert.Equal(t, "TI,01,02", gvgPrettify([]byte("TI\t01\t02")))
}

func newTestGvgDriver(ev Events) *gvg7000Driver {
	cfg := state.MatrixConfig{
		Id:   3,
		Type: state.Gvg7000Matrix,
		Host: netip.MustParseAddr("192.168.21.11"),
		Port: 12345,
	}
	return newGvg7000Driver(testState().Env, cfg, ev)
}

func TestGvg7000_NameTables(t *testing.T) {
	d := newTestGvgDriver(Events{})
	s := testState()

	assert.NoError(t, d.processCommand(s, "NQ\tS\t2\tCD Player\t00\t0\t0\tTuner\t01\t0\t0"))
	assert.NoError(t, d.processCommand(s, "NQ\tD\t1\tMain Out\t00\t0\t0"))

	src := d.Src(0)
	assert.NotNil(t, src)
	assert.Equal(t, "CD Player", src.Name)
	assert.Equal(t, state.SlotAddress(0), src.StreamAddress)
	assert.Equal(t, "Tuner", d.Src(1).Name)
	assert.Equal(t, "Main Out", d.Dst(0).Name)
}

func TestGvg7000_CrosspointEdgeTriggered(t *testing.T) {
	changes := 0
	d := newTestGvgDriver(Events{
		DestinationChanged: func(s *state.State, id, slot int, node state.Node, dst state.Destination) error {
			changes++
			assert.Equal(t, 3, id)
			assert.Equal(t, 0, slot)
			return nil
		},
	})
	s := testState()
	assert.NoError(t, d.processCommand(s, "NQ\tS\t2\tCD Player\t00\t0\t0\tTuner\t01\t0\t0"))
	assert.NoError(t, d.processCommand(s, "NQ\tD\t1\tMain Out\t00\t0\t0"))

	// first update fires, identical repeat does not
	assert.NoError(t, d.processCommand(s, "JQ\t00\t1\t0\t0\t01"))
	assert.NoError(t, d.processCommand(s, "JQ\t00\t1\t0\t0\t01"))
	assert.Equal(t, 1, changes)
	assert.Equal(t, state.SlotAddress(1), d.Dst(0).StreamAddress)

	// and a new source fires again
	assert.NoError(t, d.processCommand(s, "JQ\t00\t1\t0\t0\t00"))
	assert.Equal(t, 2, changes)
}

func TestGvg7000_ConnectedOnDeviceTime(t *testing.T) {
	connects := 0
	d := newTestGvgDriver(Events{
		Connected: func(s *state.State, id int, connected bool) error {
			connects++
			assert.True(t, connected)
			return nil
		},
	})
	s := testState()
	assert.False(t, d.IsConnected())
	assert.NoError(t, d.processCommand(s, "ST\t2026-08-31 06:00:00"))
	assert.True(t, d.IsConnected())

	// repeated time reports do not re-announce
	assert.NoError(t, d.processCommand(s, "ST\t2026-08-31 06:00:01"))
	assert.Equal(t, 1, connects)
}

func TestGvg7000_DeviceTimeTouchesWatchdog(t *testing.T) {
	d := newTestGvgDriver(Events{})
	s := testState()
	d.watchdog.Start()
	gen := d.watchdog.timeoutGen

	// ST answers the watchdog's QT poll and must reset the timeout clock
	assert.NoError(t, d.processCommand(s, "ST\t2026-08-31 06:00:00"))
	assert.True(t, d.watchdog.IsActive())
	assert.Greater(t, d.watchdog.timeoutGen, gen)
}

func TestGvg7000_FrameAccumulator(t *testing.T) {
	connects := 0
	d := newTestGvgDriver(Events{
		Connected: func(s *state.State, id int, connected bool) error {
			connects++
			return nil
		},
	})
	s := testState()

	frame := gvgToNative("ST,2026-08-31 06:00:00")
	// deliver the frame split across two reads, with leading noise
	assert.NoError(t, d.handleBytes(s, append([]byte{'x', 'y'}, frame[:4]...)))
	assert.NoError(t, d.handleBytes(s, frame[4:]))
	assert.Equal(t, 1, connects)
}
