package core

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/netip"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teleroute/drouter/matrix"
	"github.com/teleroute/drouter/state"
	"github.com/teleroute/drouter/store"
)

// fakeDriver is an in-memory matrix backend for registry tests.
type fakeDriver struct {
	id   int
	addr netip.Addr
	srcs map[int]*state.Source
	dsts map[int]*state.Destination
	gpis map[int]*state.GpioBundle
	gpos map[int]*state.Gpo
}

func (f *fakeDriver) Connect(s *state.State) error { return nil }
func (f *fakeDriver) Close() error                 { return nil }
func (f *fakeDriver) IsConnected() bool            { return true }
func (f *fakeDriver) Id() int                      { return f.id }
func (f *fakeDriver) Description() string          { return fmt.Sprintf("fake %d", f.id) }
func (f *fakeDriver) Node() state.Node {
	return state.Node{HostAddress: f.addr, HostName: "fake", SrcSlots: len(f.srcs), DstSlots: len(f.dsts)}
}

func (f *fakeDriver) SrcSlots() int                        { return len(f.srcs) }
func (f *fakeDriver) DstSlots() int                        { return len(f.dsts) }
func (f *fakeDriver) Src(slot int) *state.Source           { return f.srcs[slot] }
func (f *fakeDriver) Dst(slot int) *state.Destination      { return f.dsts[slot] }
func (f *fakeDriver) Gpis() int                            { return len(f.gpis) }
func (f *fakeDriver) Gpos() int                            { return len(f.gpos) }
func (f *fakeDriver) GpiBundle(slot int) *state.GpioBundle { return f.gpis[slot] }
func (f *fakeDriver) Gpo(slot int) *state.Gpo              { return f.gpos[slot] }

func (f *fakeDriver) SetDstAddress(s *state.State, slot int, addr netip.Addr) error {
	dst, ok := f.dsts[slot]
	if !ok {
		return matrix.ErrNotSupported
	}
	dst.StreamAddress = addr
	return nil
}

func (f *fakeDriver) SetGpiCode(s *state.State, slot int, code string) error {
	gpi, ok := f.gpis[slot]
	if !ok {
		return matrix.ErrNotSupported
	}
	gpi.Code = code
	return nil
}

func (f *fakeDriver) SetGpoCode(s *state.State, slot int, code string) error {
	gpo, ok := f.gpos[slot]
	if !ok {
		return matrix.ErrNotSupported
	}
	gpo.Bundle.Code = code
	return nil
}

func (f *fakeDriver) SetGpoSource(s *state.State, slot int, addr netip.Addr, srcSlot int) error {
	gpo, ok := f.gpos[slot]
	if !ok {
		return matrix.ErrNotSupported
	}
	gpo.SourceAddress = addr
	gpo.SourceSlot = srcSlot
	return nil
}

func testRegistry(t *testing.T) (*RouterRegistry, *state.State, *fakeDriver, *store.MemoryStore) {
	t.Helper()
	ctx, cancel := context.WithCancelCause(context.Background())
	t.Cleanup(func() { cancel(nil) })
	env := &state.Env{
		Context: ctx,
		Cancel:  cancel,
		Log:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	s := &state.State{Env: env}

	host := netip.MustParseAddr("10.11.0.5")
	drv := &fakeDriver{
		id:   1,
		addr: host,
		srcs: map[int]*state.Source{
			1: {Slot: 1, Name: "Mic 1", StreamAddress: netip.MustParseAddr("239.192.0.1"), Enabled: true},
			2: {Slot: 2, Name: "Mic 2", StreamAddress: netip.MustParseAddr("239.192.0.2"), Enabled: true},
		},
		dsts: map[int]*state.Destination{
			1: {Slot: 1, Name: "Air"},
		},
		gpis: map[int]*state.GpioBundle{
			3: {Slot: 3, Code: "hhhhh"},
		},
		gpos: map[int]*state.Gpo{
			4: {Slot: 4, Bundle: state.GpioBundle{Slot: 4, Code: "hhhhh"}},
		},
	}

	st := store.NewMemoryStore()
	r := &RouterRegistry{
		e:        env,
		st:       st,
		drivers:  map[int]matrix.Driver{1: drv},
		byAddr:   map[netip.Addr]matrix.Driver{host: drv},
		maps:     make(map[int]*state.EndPointMap),
		subs:     make(map[uuid.UUID]func(n state.Notification)),
		silences: make(map[silenceKey]bool),
		auditor:  NewAuditor(env, st),
	}
	r.maps[0] = &state.EndPointMap{
		Number: 0,
		Name:   "Main",
		Type:   state.AudioRouter,
		Inputs: []state.MapSlot{
			{HostAddress: host, Slot: 1},
			{HostAddress: host, Slot: 2},
		},
		Outputs: []state.MapSlot{
			{HostAddress: host, Slot: 1},
		},
	}
	r.maps[1] = &state.EndPointMap{
		Number:  1,
		Name:    "Relays",
		Type:    state.GpioRouter,
		Inputs:  []state.MapSlot{{HostAddress: host, Slot: 3}},
		Outputs: []state.MapSlot{{HostAddress: host, Slot: 4}},
	}
	return r, s, drv, st
}

func TestRouterRegistry_ActivateRoute(t *testing.T) {
	r, s, drv, _ := testRegistry(t)

	require.NoError(t, r.ActivateRoute(s, 0, 0, 1, "test"))
	assert.Equal(t, netip.MustParseAddr("239.192.0.2"), drv.dsts[1].StreamAddress)

	input, err := r.RouteStat(0, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, input)

	// negative input mutes the output
	require.NoError(t, r.ActivateRoute(s, 0, 0, -1, "test"))
	assert.False(t, drv.dsts[1].StreamAddress.IsValid())
	input, err = r.RouteStat(0, 0)
	require.NoError(t, err)
	assert.Equal(t, -1, input)
}

func TestRouterRegistry_ActivateRouteErrors(t *testing.T) {
	r, s, _, _ := testRegistry(t)

	assert.ErrorIs(t, r.ActivateRoute(s, 9, 0, 0, "test"), ErrNoRouter)
	assert.ErrorIs(t, r.ActivateRoute(s, 0, 5, 0, "test"), ErrNoEndpoint)
	assert.ErrorIs(t, r.ActivateRoute(s, 0, 0, 5, "test"), ErrNoEndpoint)
}

func TestRouterRegistry_GpioRoute(t *testing.T) {
	r, s, drv, _ := testRegistry(t)

	require.NoError(t, r.ActivateRoute(s, 1, 0, 0, "test"))
	assert.Equal(t, drv.addr, drv.gpos[4].SourceAddress)
	assert.Equal(t, 3, drv.gpos[4].SourceSlot)

	input, err := r.RouteStat(1, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, input)
}

func TestRouterRegistry_TriggerGpio(t *testing.T) {
	r, s, drv, _ := testRegistry(t)

	require.NoError(t, r.TriggerGpi(s, 1, 0, "xxlxx", "test"))
	assert.Equal(t, "hhlhh", drv.gpis[3].Code)

	require.NoError(t, r.TriggerGpo(s, 1, 0, "lxxxx", "test"))
	assert.Equal(t, "lhhhh", drv.gpos[4].Bundle.Code)

	code, err := r.GpiState(1, 0)
	require.NoError(t, err)
	assert.Equal(t, "hhlhh", code)
	code, err = r.GpoState(1, 0)
	require.NoError(t, err)
	assert.Equal(t, "lhhhh", code)

	assert.ErrorIs(t, r.TriggerGpi(s, 0, 0, "xxlxx", "test"), ErrNotGpioRouter)
}

func TestRouterRegistry_ActivateSnapshot(t *testing.T) {
	r, s, drv, st := testRegistry(t)
	r.maps[0].Snapshots = []state.SnapshotConfig{
		{Name: "morning", Routes: []state.SnapshotRoute{{Output: 0, Input: 0}}},
	}

	require.NoError(t, r.ActivateSnapshot(s, 0, "morning", "test"))
	assert.Equal(t, netip.MustParseAddr("239.192.0.1"), drv.dsts[1].StreamAddress)

	// a snapshot that only exists in the store is still found
	st.PutEndpointMap(state.EndPointMap{
		Number: 0,
		Snapshots: []state.SnapshotConfig{
			{Name: "evening", Routes: []state.SnapshotRoute{{Output: 0, Input: 1}}},
		},
	})
	require.NoError(t, r.ActivateSnapshot(s, 0, "evening", "test"))
	assert.Equal(t, netip.MustParseAddr("239.192.0.2"), drv.dsts[1].StreamAddress)

	assert.ErrorIs(t, r.ActivateSnapshot(s, 0, "overnight", "test"), ErrNoSnapshot)
}

func TestRouterRegistry_Notify(t *testing.T) {
	r, s, _, _ := testRegistry(t)

	var got []state.Notification
	id := r.Subscribe(func(n state.Notification) { got = append(got, n) })
	require.NoError(t, r.onDestinationChanged(s, 1, 1, state.Node{}, state.Destination{Slot: 1}))
	require.Len(t, got, 1)
	assert.Equal(t, state.CatDestination, got[0].Category)

	r.Unsubscribe(id)
	require.NoError(t, r.onDestinationChanged(s, 1, 1, state.Node{}, state.Destination{Slot: 1}))
	assert.Len(t, got, 1)
}
