package core

import (
	"errors"
	"fmt"
	"net/netip"
	"slices"

	"github.com/google/uuid"

	"github.com/teleroute/drouter/matrix"
	"github.com/teleroute/drouter/state"
	"github.com/teleroute/drouter/store"
)

var (
	ErrNoRouter      = errors.New("no such router")
	ErrNoEndpoint    = errors.New("no such endpoint")
	ErrNotGpioRouter = errors.New("not a gpio router")
	ErrNoSnapshot    = errors.New("no such snapshot")
)

// RouterRegistry owns the matrix drivers and the endpoint maps, translating
// between map-level router/endpoint numbers and device-level slots. It is the
// fanout point for all state-change notifications. All methods must be called
// on the main loop.
type RouterRegistry struct {
	e  *state.Env
	st store.Store

	drivers  map[int]matrix.Driver
	byAddr   map[netip.Addr]matrix.Driver
	maps     map[int]*state.EndPointMap
	subs     map[uuid.UUID]func(n state.Notification)
	silences map[silenceKey]bool

	auditor *Auditor
}

type silenceKey struct {
	matrixId int
	slot     int
	channel  int
}

// SilenceState is one channel's silence alarm state.
type SilenceState struct {
	MatrixId int
	Node     state.Node
	Slot     int
	Channel  int
	Active   bool
}

func (r *RouterRegistry) Init(s *state.State) error {
	r.e = s.Env
	r.drivers = make(map[int]matrix.Driver)
	r.byAddr = make(map[netip.Addr]matrix.Driver)
	r.maps = make(map[int]*state.EndPointMap)
	r.subs = make(map[uuid.UUID]func(n state.Notification))
	r.silences = make(map[silenceKey]bool)

	st, err := store.Open(s.Config.Store)
	if err != nil {
		return err
	}
	r.st = st
	r.auditor = NewAuditor(s.Env, st)

	stored, err := st.LoadEndpointMaps()
	if err != nil {
		return err
	}
	for i := range stored {
		m := stored[i]
		r.maps[m.Number] = &m
	}
	// Maps from the config file shadow stored ones with the same number.
	for i := range s.Config.Maps {
		m := s.Config.Maps[i]
		r.maps[m.Number] = &m
	}

	ev := matrix.Events{
		Connected:          r.onConnected,
		SourceChanged:      r.onSourceChanged,
		DestinationChanged: r.onDestinationChanged,
		GpiChanged:         r.onGpiChanged,
		GpoChanged:         r.onGpoChanged,
		SilenceAlarm:       r.onSilenceAlarm,
	}
	for _, mc := range s.Config.Matrices {
		drv, err := matrix.NewDriver(s.Env, mc, ev)
		if err != nil {
			return err
		}
		r.drivers[mc.Id] = drv
		r.byAddr[mc.Host] = drv
		if err := drv.Connect(s); err != nil {
			return err
		}
	}
	return nil
}

func (r *RouterRegistry) Cleanup(s *state.State) error {
	for _, drv := range r.drivers {
		drv.Close()
	}
	if r.st != nil {
		r.st.Close()
	}
	return nil
}

func (r *RouterRegistry) Store() store.Store { return r.st }

// Subscribe registers a notification sink and returns its handle. The sink
// runs on the main loop and must not block.
func (r *RouterRegistry) Subscribe(fn func(n state.Notification)) uuid.UUID {
	id := uuid.New()
	r.subs[id] = fn
	return id
}

func (r *RouterRegistry) Unsubscribe(id uuid.UUID) {
	delete(r.subs, id)
}

func (r *RouterRegistry) notify(n state.Notification) {
	for _, fn := range r.subs {
		fn(n)
	}
}

// NotifyTetherState is called by the tether module on instance state changes.
func (r *RouterRegistry) NotifyTetherState(active bool) {
	r.notify(state.Notification{Category: state.CatTether, Kind: state.KindChange, TetherActive: active})
}

func (r *RouterRegistry) Drivers() []matrix.Driver {
	ids := make([]int, 0, len(r.drivers))
	for id := range r.drivers {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	drvs := make([]matrix.Driver, 0, len(ids))
	for _, id := range ids {
		drvs = append(drvs, r.drivers[id])
	}
	return drvs
}

func (r *RouterRegistry) Driver(id int) matrix.Driver { return r.drivers[id] }

func (r *RouterRegistry) DriverByAddress(addr netip.Addr) matrix.Driver { return r.byAddr[addr] }

// Maps returns the endpoint maps ordered by router number.
func (r *RouterRegistry) Maps() []*state.EndPointMap {
	nums := make([]int, 0, len(r.maps))
	for n := range r.maps {
		nums = append(nums, n)
	}
	slices.Sort(nums)
	maps := make([]*state.EndPointMap, 0, len(nums))
	for _, n := range nums {
		maps = append(maps, r.maps[n])
	}
	return maps
}

func (r *RouterRegistry) Map(number int) *state.EndPointMap { return r.maps[number] }

// SilenceStates returns the active silence alarms, ordered by matrix id.
func (r *RouterRegistry) SilenceStates() []SilenceState {
	var states []SilenceState
	for key, active := range r.silences {
		if !active {
			continue
		}
		drv := r.drivers[key.matrixId]
		if drv == nil {
			continue
		}
		states = append(states, SilenceState{
			MatrixId: key.matrixId,
			Node:     drv.Node(),
			Slot:     key.slot,
			Channel:  key.channel,
			Active:   true,
		})
	}
	slices.SortFunc(states, func(a, b SilenceState) int {
		if a.MatrixId != b.MatrixId {
			return a.MatrixId - b.MatrixId
		}
		if a.Slot != b.Slot {
			return a.Slot - b.Slot
		}
		return a.Channel - b.Channel
	})
	return states
}

// SetCrosspoint routes a source to a destination, both addressed at the
// device level.
func (r *RouterRegistry) SetCrosspoint(s *state.State, dstAddr netip.Addr, dstSlot int, srcAddr netip.Addr, srcSlot int) error {
	dstDrv := r.byAddr[dstAddr]
	srcDrv := r.byAddr[srcAddr]
	if dstDrv == nil || srcDrv == nil {
		return ErrNoEndpoint
	}
	src := srcDrv.Src(srcSlot)
	if src == nil {
		return ErrNoEndpoint
	}
	return dstDrv.SetDstAddress(s, dstSlot, src.StreamAddress)
}

// ClearCrosspoint mutes a destination addressed at the device level.
func (r *RouterRegistry) ClearCrosspoint(s *state.State, dstAddr netip.Addr, dstSlot int) error {
	dstDrv := r.byAddr[dstAddr]
	if dstDrv == nil {
		return ErrNoEndpoint
	}
	return dstDrv.SetDstAddress(s, dstSlot, netip.Addr{})
}

// SetGpioCrosspoint feeds a GPO from a GPI, both addressed at the device level.
func (r *RouterRegistry) SetGpioCrosspoint(s *state.State, gpoAddr netip.Addr, gpoSlot int, gpiAddr netip.Addr, gpiSlot int) error {
	gpoDrv := r.byAddr[gpoAddr]
	if gpoDrv == nil {
		return ErrNoEndpoint
	}
	return gpoDrv.SetGpoSource(s, gpoSlot, gpiAddr, gpiSlot)
}

// ClearGpioCrosspoint detaches a GPO from its GPI feed.
func (r *RouterRegistry) ClearGpioCrosspoint(s *state.State, gpoAddr netip.Addr, gpoSlot int) error {
	gpoDrv := r.byAddr[gpoAddr]
	if gpoDrv == nil {
		return ErrNoEndpoint
	}
	return gpoDrv.SetGpoSource(s, gpoSlot, netip.Addr{}, -1)
}

// SetGpiState sets a device-level GPI code.
func (r *RouterRegistry) SetGpiState(s *state.State, addr netip.Addr, slot int, code string) error {
	drv := r.byAddr[addr]
	if drv == nil {
		return ErrNoEndpoint
	}
	code, err := state.ParseGpioCode(code)
	if err != nil {
		return err
	}
	return drv.SetGpiCode(s, slot, code)
}

// SetGpoState sets a device-level GPO code.
func (r *RouterRegistry) SetGpoState(s *state.State, addr netip.Addr, slot int, code string) error {
	drv := r.byAddr[addr]
	if drv == nil {
		return ErrNoEndpoint
	}
	code, err := state.ParseGpioCode(code)
	if err != nil {
		return err
	}
	return drv.SetGpoCode(s, slot, code)
}

// ActivateRoute routes map input number to map output number on the given
// router. A negative input mutes the output where the hardware supports it.
// Numbers are 0-based.
func (r *RouterRegistry) ActivateRoute(s *state.State, router, output, input int, actor string) error {
	em := r.maps[router]
	if em == nil {
		return ErrNoRouter
	}
	out, ok := em.Endpoint(state.MapOutput, output)
	if !ok {
		return ErrNoEndpoint
	}
	drv := r.byAddr[out.HostAddress]
	if drv == nil {
		return ErrNoEndpoint
	}
	if em.Type == state.GpioRouter {
		if input < 0 {
			return drv.SetGpoSource(s, out.Slot, netip.Addr{}, -1)
		}
		in, ok := em.Endpoint(state.MapInput, input)
		if !ok {
			return ErrNoEndpoint
		}
		if err := drv.SetGpoSource(s, out.Slot, in.HostAddress, in.Slot); err != nil {
			return err
		}
	} else {
		addr := netip.Addr{}
		if input >= 0 {
			in, ok := em.Endpoint(state.MapInput, input)
			if !ok {
				return ErrNoEndpoint
			}
			srcDrv := r.byAddr[in.HostAddress]
			if srcDrv == nil {
				return ErrNoEndpoint
			}
			src := srcDrv.Src(in.Slot)
			if src == nil {
				return ErrNoEndpoint
			}
			addr = src.StreamAddress
		}
		if err := drv.SetDstAddress(s, out.Slot, addr); err != nil {
			return err
		}
	}
	r.auditor.Record(store.Event{
		Actor:       actor,
		Type:        store.EventRoute,
		Router:      router,
		Destination: output,
		Source:      input,
		Comment: fmt.Sprintf("route %s output %d to input %d",
			em.Name, output+1, input+1),
	})
	return nil
}

// RouteStat returns the 0-based input number currently routed to the output,
// or -1 when the output is muted or fed from outside the map.
func (r *RouterRegistry) RouteStat(router, output int) (int, error) {
	em := r.maps[router]
	if em == nil {
		return -1, ErrNoRouter
	}
	out, ok := em.Endpoint(state.MapOutput, output)
	if !ok {
		return -1, ErrNoEndpoint
	}
	drv := r.byAddr[out.HostAddress]
	if drv == nil {
		return -1, nil
	}
	if em.Type == state.GpioRouter {
		gpo := drv.Gpo(out.Slot)
		if gpo == nil || !gpo.SourceAddress.IsValid() {
			return -1, nil
		}
		return em.EndpointNumber(state.MapInput, gpo.SourceAddress, gpo.SourceSlot), nil
	}
	dst := drv.Dst(out.Slot)
	if dst == nil || !dst.StreamAddress.IsValid() {
		return -1, nil
	}
	return r.inputByStreamAddress(em, dst.StreamAddress), nil
}

func (r *RouterRegistry) inputByStreamAddress(em *state.EndPointMap, addr netip.Addr) int {
	for i, in := range em.Inputs {
		drv := r.byAddr[in.HostAddress]
		if drv == nil {
			continue
		}
		src := drv.Src(in.Slot)
		if src != nil && src.StreamAddress == addr {
			return i
		}
	}
	return -1
}

// GpiState returns the code of a GPIO router input, or "" when unknown.
func (r *RouterRegistry) GpiState(router, input int) (string, error) {
	em := r.maps[router]
	if em == nil {
		return "", ErrNoRouter
	}
	if em.Type != state.GpioRouter {
		return "", ErrNotGpioRouter
	}
	in, ok := em.Endpoint(state.MapInput, input)
	if !ok {
		return "", ErrNoEndpoint
	}
	drv := r.byAddr[in.HostAddress]
	if drv == nil {
		return "", nil
	}
	gpi := drv.GpiBundle(in.Slot)
	if gpi == nil {
		return "", nil
	}
	return gpi.Code, nil
}

// GpoState returns the code of a GPIO router output, or "" when unknown.
func (r *RouterRegistry) GpoState(router, output int) (string, error) {
	em := r.maps[router]
	if em == nil {
		return "", ErrNoRouter
	}
	if em.Type != state.GpioRouter {
		return "", ErrNotGpioRouter
	}
	out, ok := em.Endpoint(state.MapOutput, output)
	if !ok {
		return "", ErrNoEndpoint
	}
	drv := r.byAddr[out.HostAddress]
	if drv == nil {
		return "", nil
	}
	gpo := drv.Gpo(out.Slot)
	if gpo == nil {
		return "", nil
	}
	return gpo.Bundle.Code, nil
}

// TriggerGpi overlays a mask onto a GPIO router input. Only the non-wildcard
// positions change.
func (r *RouterRegistry) TriggerGpi(s *state.State, router, input int, mask string, actor string) error {
	em := r.maps[router]
	if em == nil {
		return ErrNoRouter
	}
	if em.Type != state.GpioRouter {
		return ErrNotGpioRouter
	}
	in, ok := em.Endpoint(state.MapInput, input)
	if !ok {
		return ErrNoEndpoint
	}
	drv := r.byAddr[in.HostAddress]
	if drv == nil {
		return ErrNoEndpoint
	}
	cur := "hhhhh"
	if gpi := drv.GpiBundle(in.Slot); gpi != nil && gpi.Code != "" {
		cur = gpi.Code
	}
	code, err := state.ApplyMask(cur, mask)
	if err != nil {
		return err
	}
	if err := drv.SetGpiCode(s, in.Slot, code); err != nil {
		return err
	}
	r.auditor.Record(store.Event{
		Actor:   actor,
		Type:    store.EventGpi,
		Router:  router,
		Source:  input,
		Comment: fmt.Sprintf("set gpi %s input %d to %s", em.Name, input+1, code),
	})
	return nil
}

// TriggerGpo overlays a mask onto a GPIO router output.
func (r *RouterRegistry) TriggerGpo(s *state.State, router, output int, mask string, actor string) error {
	em := r.maps[router]
	if em == nil {
		return ErrNoRouter
	}
	if em.Type != state.GpioRouter {
		return ErrNotGpioRouter
	}
	out, ok := em.Endpoint(state.MapOutput, output)
	if !ok {
		return ErrNoEndpoint
	}
	drv := r.byAddr[out.HostAddress]
	if drv == nil {
		return ErrNoEndpoint
	}
	cur := "hhhhh"
	if gpo := drv.Gpo(out.Slot); gpo != nil && gpo.Bundle.Code != "" {
		cur = gpo.Bundle.Code
	}
	code, err := state.ApplyMask(cur, mask)
	if err != nil {
		return err
	}
	if err := drv.SetGpoCode(s, out.Slot, code); err != nil {
		return err
	}
	r.auditor.Record(store.Event{
		Actor:       actor,
		Type:        store.EventGpo,
		Router:      router,
		Destination: output,
		Comment:     fmt.Sprintf("set gpo %s output %d to %s", em.Name, output+1, code),
	})
	return nil
}

// ActivateSnapshot replays all routes of a named snapshot on the router.
func (r *RouterRegistry) ActivateSnapshot(s *state.State, router int, name string, actor string) error {
	em := r.maps[router]
	if em == nil {
		return ErrNoRouter
	}
	snap := em.Snapshot(name)
	if snap == nil {
		// A snapshot added in the store after startup is not in the cached
		// map yet; fall back to the stored definition.
		stored, err := r.st.Snapshots(router)
		if err != nil {
			return err
		}
		for i := range stored {
			if stored[i].Name == name {
				snap = &stored[i]
				break
			}
		}
	}
	if snap == nil {
		return ErrNoSnapshot
	}
	for _, route := range snap.Routes {
		if err := r.ActivateRoute(s, router, route.Output, route.Input, actor); err != nil {
			s.Log.Warn("snapshot route failed", "router", router, "snapshot", name,
				"output", route.Output, "input", route.Input, "error", err)
		}
	}
	r.auditor.Record(store.Event{
		Actor:   actor,
		Type:    store.EventSnapshot,
		Router:  router,
		Comment: fmt.Sprintf("activate snapshot %s on %s", name, em.Name),
	})
	return nil
}

func (r *RouterRegistry) onConnected(s *state.State, id int, connected bool) error {
	drv := r.drivers[id]
	if drv == nil {
		return nil
	}
	kind := state.KindAdd
	if !connected {
		kind = state.KindDel
	}
	s.Log.Info("matrix connection state changed", "matrix", id, "connected", connected)
	r.notify(state.Notification{
		Category: state.CatNode,
		Kind:     kind,
		MatrixId: id,
		Node:     drv.Node(),
	})
	return nil
}

func (r *RouterRegistry) onSourceChanged(s *state.State, id, slot int, node state.Node, src state.Source) error {
	r.notify(state.Notification{
		Category: state.CatSource,
		Kind:     state.KindChange,
		MatrixId: id,
		Node:     node,
		Slot:     slot,
		Source:   &src,
	})
	return nil
}

func (r *RouterRegistry) onDestinationChanged(s *state.State, id, slot int, node state.Node, dst state.Destination) error {
	r.notify(state.Notification{
		Category:    state.CatDestination,
		Kind:        state.KindChange,
		MatrixId:    id,
		Node:        node,
		Slot:        slot,
		Destination: &dst,
	})
	return nil
}

func (r *RouterRegistry) onGpiChanged(s *state.State, id, slot int, node state.Node, gpi state.GpioBundle) error {
	r.notify(state.Notification{
		Category: state.CatGpi,
		Kind:     state.KindChange,
		MatrixId: id,
		Node:     node,
		Slot:     slot,
		Gpi:      &gpi,
	})
	return nil
}

func (r *RouterRegistry) onGpoChanged(s *state.State, id, slot int, node state.Node, gpo state.Gpo) error {
	r.notify(state.Notification{
		Category: state.CatGpo,
		Kind:     state.KindChange,
		MatrixId: id,
		Node:     node,
		Slot:     slot,
		Gpo:      &gpo,
	})
	return nil
}

func (r *RouterRegistry) onSilenceAlarm(s *state.State, id, slot, channel int, active bool) error {
	drv := r.drivers[id]
	if drv == nil {
		return nil
	}
	r.silences[silenceKey{matrixId: id, slot: slot, channel: channel}] = active
	r.notify(state.Notification{
		Category:    state.CatSilence,
		Kind:        state.KindChange,
		MatrixId:    id,
		Node:        drv.Node(),
		Slot:        slot,
		Channel:     channel,
		AlarmActive: active,
	})
	return nil
}
