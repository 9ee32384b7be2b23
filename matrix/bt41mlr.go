package matrix

import (
	"bufio"
	"fmt"
	"net"
	"net/netip"
	"strings"

	"github.com/teleroute/drouter/state"
)

// Broadcast Tools Universal 4.1 MLR>>Web: four audio inputs, one output, one
// GPI bundle, driven by a tiny ASCII command set over TCP.
const (
	bt41MlrSourceQuan = 4
	bt41MlrDestQuan   = 1
	bt41MlrGpiQuan    = 1
)

type bt41MlrDriver struct {
	e   *state.Env
	id  int
	cfg state.MatrixConfig
	ev  Events

	conn      net.Conn
	gen       uint64
	connected bool
	closed    bool

	node     state.Node
	sources  [bt41MlrSourceQuan]*state.Source
	dests    [bt41MlrDestQuan]*state.Destination
	gpis     [bt41MlrGpiQuan]*state.GpioBundle
	silence  [bt41MlrDestQuan]bool
	watchdog *Watchdog
}

func newBt41MlrDriver(e *state.Env, cfg state.MatrixConfig, ev Events) *bt41MlrDriver {
	d := &bt41MlrDriver{e: e, id: cfg.Id, cfg: cfg, ev: ev}
	for i := range d.sources {
		d.sources[i] = &state.Source{
			Slot:          i,
			Name:          fmt.Sprintf("SRC %d", i+1),
			StreamAddress: state.SlotAddress(i),
			Enabled:       true,
			Channels:      2,
		}
	}
	for i := range d.dests {
		d.dests[i] = &state.Destination{
			Slot:     i,
			Name:     fmt.Sprintf("DST %d", i+1),
			Channels: 2,
		}
	}
	for i := range d.gpis {
		d.gpis[i] = &state.GpioBundle{Slot: i, Code: "hhhhh"}
	}
	d.watchdog = NewWatchdog(e)
	d.watchdog.OnPoll = func(s *state.State) error {
		d.write("*0SS")
		return nil
	}
	d.watchdog.OnTimeout = func(s *state.State) error {
		s.Log.Warn("watchdog timeout, forcing reconnect", "matrix", d.id)
		if d.conn != nil {
			d.conn.Close()
		}
		return nil
	}
	return d
}

func (d *bt41MlrDriver) Id() int             { return d.id }
func (d *bt41MlrDriver) IsConnected() bool   { return d.connected }
func (d *bt41MlrDriver) Description() string { return "Broadcast Tools Universal 4.1 MLR>>Web" }
func (d *bt41MlrDriver) Node() state.Node    { return d.node }
func (d *bt41MlrDriver) SrcSlots() int       { return bt41MlrSourceQuan }
func (d *bt41MlrDriver) DstSlots() int       { return bt41MlrDestQuan }
func (d *bt41MlrDriver) Gpis() int           { return bt41MlrGpiQuan }
func (d *bt41MlrDriver) Gpos() int           { return 0 }

func (d *bt41MlrDriver) Src(slot int) *state.Source {
	if slot < 0 || slot >= bt41MlrSourceQuan {
		return nil
	}
	return d.sources[slot]
}

func (d *bt41MlrDriver) Dst(slot int) *state.Destination {
	if slot < 0 || slot >= bt41MlrDestQuan {
		return nil
	}
	return d.dests[slot]
}

func (d *bt41MlrDriver) GpiBundle(slot int) *state.GpioBundle {
	if slot < 0 || slot >= bt41MlrGpiQuan {
		return nil
	}
	return d.gpis[slot]
}

func (d *bt41MlrDriver) Gpo(slot int) *state.Gpo { return nil }

func (d *bt41MlrDriver) Connect(s *state.State) error {
	d.dial()
	return nil
}

func (d *bt41MlrDriver) Close() error {
	d.closed = true
	d.watchdog.Stop()
	if d.conn != nil {
		d.conn.Close()
		d.conn = nil
	}
	return nil
}

func (d *bt41MlrDriver) SetDstAddress(s *state.State, slot int, addr netip.Addr) error {
	if slot != 0 {
		return fmt.Errorf("matrix %d: no destination slot %d", d.id, slot)
	}
	if d.dests[slot].StreamAddress == addr {
		return nil
	}
	src := state.AddressSlot(addr)
	if src < 0 {
		// Mute is not supported.
		return nil
	}
	d.write(fmt.Sprintf("*0%02d", src+1))
	return nil
}

func (d *bt41MlrDriver) SetGpiCode(s *state.State, slot int, code string) error {
	return ErrNotSupported
}

func (d *bt41MlrDriver) SetGpoCode(s *state.State, slot int, code string) error {
	return ErrNotSupported
}

func (d *bt41MlrDriver) SetGpoSource(s *state.State, slot int, addr netip.Addr, srcSlot int) error {
	return ErrNotSupported
}

func (d *bt41MlrDriver) dial() {
	d.gen++
	gen := d.gen
	dialTCP(d.e, d.cfg.Host, d.cfg.Port, func(s *state.State, conn net.Conn) error {
		if gen != d.gen || d.closed {
			if conn != nil {
				conn.Close()
			}
			return nil
		}
		if conn == nil {
			d.e.ScheduleTask(func(s *state.State) error {
				if gen == d.gen && !d.closed {
					d.dial()
				}
				return nil
			}, 0)
			return nil
		}
		d.conn = conn
		go d.readLoop(gen, conn)
		return d.onConnected(s)
	})
}

func (d *bt41MlrDriver) onConnected(s *state.State) error {
	d.node = state.Node{
		HostAddress: d.cfg.Host,
		HostName:    d.cfg.Host.String(),
		DeviceName:  string(state.Bt41MlrMatrix),
		ProductName: d.Description(),
		SrcSlots:    bt41MlrSourceQuan,
		DstSlots:    bt41MlrDestQuan,
		GpiSlots:    bt41MlrGpiQuan,
	}
	// Re-arm on every connect; a timeout deactivates the watchdog and the
	// link would otherwise come back without dead-link detection.
	d.watchdog.Start()
	d.write("*0SL") // request audio crosspoint state
	return nil
}

func (d *bt41MlrDriver) readLoop(gen uint64, conn net.Conn) {
	sc := bufio.NewScanner(conn)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		d.e.Dispatch(func(s *state.State) error {
			if gen != d.gen {
				return nil
			}
			return d.handleLine(s, line)
		})
	}
	d.e.Dispatch(func(s *state.State) error {
		if gen != d.gen {
			return nil
		}
		return d.onDisconnected(s)
	})
}

func (d *bt41MlrDriver) onDisconnected(s *state.State) error {
	if err := d.ev.connected(s, d.id, false); err != nil {
		return err
	}
	d.connected = false
	if d.conn != nil {
		d.conn.Close()
		d.conn = nil
	}
	if !d.closed {
		d.dial()
	}
	return nil
}

// handleLine parses one comma-delimited status line from the device.
func (d *bt41MlrDriver) handleLine(s *state.State, line string) error {
	f0 := strings.Split(line, ",")

	if f0[0] == "S0L" && len(f0) == 1+bt41MlrSourceQuan { // audio crosspoint state
		found := false
		for i := 1; i <= bt41MlrSourceQuan; i++ {
			if f0[i] != "1" {
				continue
			}
			found = true
			addr := state.SlotAddress(i - 1)
			if d.dests[0].StreamAddress != addr {
				d.dests[0].StreamAddress = addr
				if err := d.ev.destinationChanged(s, d.id, 0, d.node, *d.dests[0]); err != nil {
					return err
				}
			}
		}
		if !found && d.dests[0].StreamAddress.IsValid() {
			d.dests[0].StreamAddress = netip.Addr{}
			if err := d.ev.destinationChanged(s, d.id, 0, d.node, *d.dests[0]); err != nil {
				return err
			}
		}
		if !d.connected {
			d.write("*0SPA") // request GPI states
		}
	}

	if f0[0] == "S0P" && len(f0) == 7 { // GPI state
		code := make([]byte, 0, state.GpioCodeLen)
		for i := 0; i < state.GpioCodeLen; i++ {
			if f0[2+i] == "1" {
				code = append(code, 'l')
			} else {
				code = append(code, 'h')
			}
		}
		d.gpis[0].Code = string(code)
		if !d.connected {
			d.connected = true
			if err := d.ev.connected(s, d.id, true); err != nil {
				return err
			}
		}
		if err := d.ev.gpiChanged(s, d.id, 0, d.node, *d.gpis[0]); err != nil {
			return err
		}
	}

	if f0[0] == "S0S" && len(f0) == 2 { // silence alarm state
		active := f0[1] == "1"
		if d.silence[0] != active {
			d.silence[0] = active
			for ch := 0; ch < 2; ch++ {
				if err := d.ev.silenceAlarm(s, d.id, 0, ch, active); err != nil {
					return err
				}
			}
		}
		d.watchdog.Touch()
	}

	return nil
}

func (d *bt41MlrDriver) write(cmd string) {
	if d.conn != nil {
		d.conn.Write([]byte(cmd))
	}
}
