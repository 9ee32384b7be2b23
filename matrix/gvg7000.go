package matrix

import (
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/teleroute/drouter/state"
)

// Grass Valley Series 7000 compatible device. Binary frame layout:
//
//	SOH 'N' '0' <tab-delimited ASCII fields> <2 hex digit checksum> EOT
//
// The checksum covers everything between SOH and itself.
const (
	gvgSOH = 0x01
	gvgEOT = 0x04

	gvgPollInterval = 200 * time.Millisecond
)

type gvg7000Driver struct {
	e   *state.Env
	id  int
	cfg state.MatrixConfig
	ev  Events

	conn      net.Conn
	gen       uint64
	connected bool
	closed    bool

	rawAccum []byte
	inFrame  bool

	node     state.Node
	sources  map[int]*state.Source
	dests    map[int]*state.Destination
	watchdog *Watchdog
}

func newGvg7000Driver(e *state.Env, cfg state.MatrixConfig, ev Events) *gvg7000Driver {
	d := &gvg7000Driver{
		e:       e,
		id:      cfg.Id,
		cfg:     cfg,
		ev:      ev,
		sources: make(map[int]*state.Source),
		dests:   make(map[int]*state.Destination),
	}
	d.watchdog = NewWatchdog(e)
	d.watchdog.OnPoll = func(s *state.State) error {
		d.sendCommand("QT")
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

func (d *gvg7000Driver) Id() int             { return d.id }
func (d *gvg7000Driver) IsConnected() bool   { return d.connected }
func (d *gvg7000Driver) Description() string { return "Grass Valley 7000 Compatible Device" }
func (d *gvg7000Driver) Node() state.Node    { return d.node }
func (d *gvg7000Driver) SrcSlots() int       { return len(d.sources) }
func (d *gvg7000Driver) DstSlots() int       { return len(d.dests) }
func (d *gvg7000Driver) Gpis() int           { return 0 }
func (d *gvg7000Driver) Gpos() int           { return 0 }

func (d *gvg7000Driver) Src(slot int) *state.Source           { return d.sources[slot] }
func (d *gvg7000Driver) Dst(slot int) *state.Destination      { return d.dests[slot] }
func (d *gvg7000Driver) GpiBundle(slot int) *state.GpioBundle { return nil }
func (d *gvg7000Driver) Gpo(slot int) *state.Gpo              { return nil }

func (d *gvg7000Driver) Connect(s *state.State) error {
	d.e.RepeatTask(func(s *state.State) error {
		if !d.closed && d.conn != nil {
			d.sendCommand("QJ")
		}
		return nil
	}, gvgPollInterval)
	d.dial()
	return nil
}

func (d *gvg7000Driver) Close() error {
	d.closed = true
	d.watchdog.Stop()
	if d.conn != nil {
		d.conn.Close()
		d.conn = nil
	}
	return nil
}

func (d *gvg7000Driver) SetDstAddress(s *state.State, slot int, addr netip.Addr) error {
	dst := d.dests[slot]
	if dst == nil {
		return fmt.Errorf("matrix %d: no destination slot %d", d.id, slot)
	}
	if dst.StreamAddress == addr {
		return nil
	}
	src := state.AddressSlot(addr)
	if src < 0 {
		// Mute is not supported.
		return nil
	}
	d.sendCommand(fmt.Sprintf("TI,%02X,%02X", slot, src))
	return nil
}

func (d *gvg7000Driver) SetGpiCode(s *state.State, slot int, code string) error {
	return ErrNotSupported
}

func (d *gvg7000Driver) SetGpoCode(s *state.State, slot int, code string) error {
	return ErrNotSupported
}

func (d *gvg7000Driver) SetGpoSource(s *state.State, slot int, addr netip.Addr, srcSlot int) error {
	return ErrNotSupported
}

func (d *gvg7000Driver) dial() {
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

func (d *gvg7000Driver) onConnected(s *state.State) error {
	d.node = state.Node{
		HostAddress: d.cfg.Host,
		HostName:    d.cfg.Host.String(),
		DeviceName:  string(state.Gvg7000Matrix),
		ProductName: "Grass Valley Series 7000 Protocol",
	}
	d.rawAccum = nil
	d.inFrame = false

	d.sendCommand("QN,IS") // enumerate sources
	d.sendCommand("QN,ID") // enumerate destinations
	d.sendCommand("BK,D")  // request crosspoint states
	d.sendCommand("QJ")
	d.sendCommand("QT") // date/time query doubles as connection probe

	d.watchdog.Start()
	return nil
}

func (d *gvg7000Driver) readLoop(gen uint64, conn net.Conn) {
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			d.e.Dispatch(func(s *state.State) error {
				if gen != d.gen {
					return nil
				}
				return d.handleBytes(s, data)
			})
		}
		if err != nil {
			break
		}
	}
	d.e.Dispatch(func(s *state.State) error {
		if gen != d.gen {
			return nil
		}
		return d.onDisconnected(s)
	})
}

func (d *gvg7000Driver) onDisconnected(s *state.State) error {
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

// handleBytes runs the SOH/EOT frame accumulator over a received chunk.
func (d *gvg7000Driver) handleBytes(s *state.State, data []byte) error {
	for _, b := range data {
		switch b {
		case gvgSOH:
			d.rawAccum = d.rawAccum[:0]
			d.inFrame = true
		case gvgEOT:
			if d.inFrame {
				if err := d.dispatchFrame(s, d.rawAccum); err != nil {
					return err
				}
			}
			d.inFrame = false
		default:
			if d.inFrame {
				d.rawAccum = append(d.rawAccum, b)
			}
		}
	}
	return nil
}

func (d *gvg7000Driver) dispatchFrame(s *state.State, msg []byte) error {
	if !gvgVerifyChecksum(msg) {
		s.Log.Warn("received invalid gvg7000 message", "matrix", d.id, "msg", gvgPrettify(msg))
		return nil
	}
	if msg[0] != 'N' {
		s.Log.Warn("received gvg7000 message with unknown protocol id",
			"matrix", d.id, "id", string(msg[0]), "msg", gvgPrettify(msg))
		return nil
	}
	return d.processCommand(s, string(msg[2:len(msg)-2]))
}

func (d *gvg7000Driver) processCommand(s *state.State, msg string) error {
	f0 := strings.Split(msg, "\t")

	if f0[0] == "ST" && len(f0) >= 2 { // device date/time; answers the watchdog's QT poll
		s.Log.Debug("gvg7000 device time", "matrix", d.id, "time", f0[1])
		d.watchdog.Touch()
		if !d.connected {
			d.connected = true
			if err := d.ev.connected(s, d.id, true); err != nil {
				return err
			}
		}
		return nil
	}

	if f0[0] == "JQ" && len(f0) >= 3 { // destination crosspoint update
		dstNum, err := strconv.ParseInt(f0[1], 16, 32)
		if err != nil {
			return nil
		}
		srcQuan, _ := strconv.Atoi(f0[2])
		if srcQuan > 0 && len(f0) >= 6 {
			srcNum, err := strconv.ParseInt(f0[5], 16, 32)
			if err != nil {
				return nil
			}
			dst := d.dests[int(dstNum)]
			if dst == nil || int(srcNum) >= len(d.sources) {
				return nil
			}
			addr := state.SlotAddress(int(srcNum))
			if dst.StreamAddress != addr {
				dst.StreamAddress = addr
				if err := d.ev.destinationChanged(s, d.id, int(dstNum), d.node, *dst); err != nil {
					return err
				}
			}
		}
		return nil
	}

	if f0[0] == "NQ" && len(f0) >= 3 {
		size, _ := strconv.Atoi(f0[2])
		switch f0[1] {
		case "S": // source names
			for i := 0; i < size && 3+i*4+1 < len(f0); i++ {
				name := f0[3+i*4]
				num, err := strconv.ParseInt(f0[3+i*4+1], 16, 32)
				if err != nil {
					continue
				}
				src := d.sources[int(num)]
				if src == nil {
					src = &state.Source{Slot: int(num), Enabled: true}
					d.sources[int(num)] = src
				}
				src.Name = name
				src.Channels = 2
				src.StreamAddress = state.SlotAddress(int(num))
				if int(num) >= d.node.SrcSlots {
					d.node.SrcSlots = int(num) + 1
				}
			}
		case "D": // destination names
			for i := 0; i < size && 3+i*4+1 < len(f0); i++ {
				name := f0[3+i*4]
				num, err := strconv.ParseInt(f0[3+i*4+1], 16, 32)
				if err != nil {
					continue
				}
				dst := d.dests[int(num)]
				if dst == nil {
					dst = &state.Destination{Slot: int(num)}
					d.dests[int(num)] = dst
				}
				dst.Name = name
				dst.Channels = 2
				if int(num) >= d.node.DstSlots {
					d.node.DstSlots = int(num) + 1
				}
			}
		}
		return nil
	}

	s.Log.Debug("received unimplemented gvg7000 message", "matrix", d.id, "msg", msg)
	return nil
}

func (d *gvg7000Driver) sendCommand(cmd string) {
	if d.conn != nil {
		d.conn.Write(gvgToNative(cmd))
	}
}

// gvgToNative wraps a comma-delimited command string into a wire frame.
func gvgToNative(cmd string) []byte {
	body := strings.ReplaceAll(cmd, ",", "\t")
	if !strings.HasSuffix(body, "\t") {
		body += "\t"
	}
	msg := "N0" + body
	sum := gvgChecksum([]byte(msg))
	frame := make([]byte, 0, len(msg)+4)
	frame = append(frame, gvgSOH)
	frame = append(frame, msg...)
	frame = append(frame, fmt.Sprintf("%02X", sum)...)
	frame = append(frame, gvgEOT)
	return frame
}

func gvgChecksum(msg []byte) uint8 {
	var sum uint8
	for _, b := range msg {
		sum += b
	}
	return uint8(0x100 - uint16(sum))
}

func gvgVerifyChecksum(msg []byte) bool {
	if len(msg) < 3 {
		return false
	}
	sum := gvgChecksum(msg[:len(msg)-2])
	return fmt.Sprintf("%02X", sum) == string(msg[len(msg)-2:])
}

func gvgPrettify(msg []byte) string {
	return strings.ReplaceAll(string(msg), "\t", ",")
}
