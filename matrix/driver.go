// Package matrix implements the hardware router backends. Each driver owns a
// socket and its reconnect behavior; all driver state is mutated only on the
// main loop, reader goroutines hand received bytes off via Dispatch.
package matrix

import (
	"errors"
	"fmt"
	"net"
	"net/netip"

	"github.com/teleroute/drouter/state"
)

var ErrNotSupported = errors.New("operation not supported by this matrix type")

// Events carries driver state changes up to the registry. Callbacks are
// always invoked on the main loop.
type Events struct {
	Connected          func(s *state.State, id int, connected bool) error
	SourceChanged      func(s *state.State, id int, slot int, node state.Node, src state.Source) error
	DestinationChanged func(s *state.State, id int, slot int, node state.Node, dst state.Destination) error
	GpiChanged         func(s *state.State, id int, slot int, node state.Node, gpi state.GpioBundle) error
	GpoChanged         func(s *state.State, id int, slot int, node state.Node, gpo state.Gpo) error
	SilenceAlarm       func(s *state.State, id int, slot int, channel int, active bool) error
}

// Driver is the common contract over physically different router backends.
// Unless noted otherwise, methods must be called on the main loop.
type Driver interface {
	// Connect begins an asynchronous connection attempt. The driver keeps
	// retrying on its own until Close.
	Connect(s *state.State) error
	Close() error
	IsConnected() bool
	Id() int
	Description() string
	Node() state.Node

	SrcSlots() int
	DstSlots() int
	Src(slot int) *state.Source
	Dst(slot int) *state.Destination
	// SetDstAddress routes the source with the given stream address to the
	// destination slot. The zero address means mute/off where supported.
	SetDstAddress(s *state.State, slot int, addr netip.Addr) error

	Gpis() int
	Gpos() int
	GpiBundle(slot int) *state.GpioBundle
	Gpo(slot int) *state.Gpo
	SetGpiCode(s *state.State, slot int, code string) error
	SetGpoCode(s *state.State, slot int, code string) error
	SetGpoSource(s *state.State, slot int, addr netip.Addr, srcSlot int) error
}

// NewDriver builds the backend for a configured matrix type.
func NewDriver(e *state.Env, cfg state.MatrixConfig, ev Events) (Driver, error) {
	switch cfg.Type {
	case state.LwrpMatrix:
		return newLwrpDriver(e, cfg, ev), nil
	case state.Bt41MlrMatrix:
		return newBt41MlrDriver(e, cfg, ev), nil
	case state.Gvg7000Matrix:
		return newGvg7000Driver(e, cfg, ev), nil
	}
	return nil, fmt.Errorf("matrix %d: unknown type %q", cfg.Id, cfg.Type)
}

func (ev *Events) connected(s *state.State, id int, c bool) error {
	if ev.Connected == nil {
		return nil
	}
	return ev.Connected(s, id, c)
}

func (ev *Events) sourceChanged(s *state.State, id, slot int, node state.Node, src state.Source) error {
	if ev.SourceChanged == nil {
		return nil
	}
	return ev.SourceChanged(s, id, slot, node, src)
}

func (ev *Events) destinationChanged(s *state.State, id, slot int, node state.Node, dst state.Destination) error {
	if ev.DestinationChanged == nil {
		return nil
	}
	return ev.DestinationChanged(s, id, slot, node, dst)
}

func (ev *Events) gpiChanged(s *state.State, id, slot int, node state.Node, gpi state.GpioBundle) error {
	if ev.GpiChanged == nil {
		return nil
	}
	return ev.GpiChanged(s, id, slot, node, gpi)
}

func (ev *Events) gpoChanged(s *state.State, id, slot int, node state.Node, gpo state.Gpo) error {
	if ev.GpoChanged == nil {
		return nil
	}
	return ev.GpoChanged(s, id, slot, node, gpo)
}

func (ev *Events) silenceAlarm(s *state.State, id, slot, channel int, active bool) error {
	if ev.SilenceAlarm == nil {
		return nil
	}
	return ev.SilenceAlarm(s, id, slot, channel, active)
}

// dialTCP resolves and dials the device address off-loop, delivering the
// result back on the main loop. A nil conn means the attempt failed.
func dialTCP(e *state.Env, host netip.Addr, port uint16, done func(s *state.State, conn net.Conn) error) {
	go func() {
		addr := netip.AddrPortFrom(host, port).String()
		var d net.Dialer
		conn, err := d.DialContext(e.Context, "tcp", addr)
		if err != nil {
			conn = nil
		}
		e.Dispatch(func(s *state.State) error {
			return done(s, conn)
		})
	}()
}
