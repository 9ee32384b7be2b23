package matrix

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/teleroute/drouter/state"
)

func newTestBtDriver(ev Events) *bt41MlrDriver {
	cfg := state.MatrixConfig{
		Id:   2,
		Type: state.Bt41MlrMatrix,
		Host: netip.MustParseAddr("192.168.21.12"),
		Port: 10001,
	}
	return newBt41MlrDriver(testState().Env, cfg, ev)
}

func TestBt41Mlr_WatchdogRearmedOnEveryConnect(t *testing.T) {
	d := newTestBtDriver(Events{})
	s := testState()

	assert.NoError(t, d.onConnected(s))
	assert.True(t, d.watchdog.IsActive())

	// after a watchdog timeout the reconnect must bring polling back
	d.watchdog.active = false
	assert.NoError(t, d.onConnected(s))
	assert.True(t, d.watchdog.IsActive())
}

func TestBt41Mlr_SilenceStateTouchesWatchdog(t *testing.T) {
	d := newTestBtDriver(Events{})
	s := testState()
	d.watchdog.Start()
	gen := d.watchdog.timeoutGen

	assert.NoError(t, d.handleLine(s, "S0S,0"))
	assert.Greater(t, d.watchdog.timeoutGen, gen)
}

func TestBt41Mlr_CrosspointState(t *testing.T) {
	changes := 0
	d := newTestBtDriver(Events{
		DestinationChanged: func(s *state.State, id, slot int, node state.Node, dst state.Destination) error {
			changes++
			return nil
		},
	})
	s := testState()

	assert.NoError(t, d.handleLine(s, "S0L,0,1,0,0"))
	assert.Equal(t, 1, changes)
	assert.Equal(t, state.SlotAddress(1), d.Dst(0).StreamAddress)

	// identical state does not re-announce
	assert.NoError(t, d.handleLine(s, "S0L,0,1,0,0"))
	assert.Equal(t, 1, changes)
}
