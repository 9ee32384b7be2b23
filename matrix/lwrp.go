package matrix

import (
	"bufio"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"

	"github.com/teleroute/drouter/state"
)

// lwrpDriver is a thin pass-through over the LWRP line-protocol client; the
// protocol work lives in lwrpClient below.
type lwrpDriver struct {
	client *lwrpClient
}

func newLwrpDriver(e *state.Env, cfg state.MatrixConfig, ev Events) *lwrpDriver {
	return &lwrpDriver{client: newLwrpClient(e, cfg, ev)}
}

func (d *lwrpDriver) Connect(s *state.State) error { return d.client.connect() }
func (d *lwrpDriver) Close() error                 { return d.client.close() }
func (d *lwrpDriver) IsConnected() bool            { return d.client.connected }
func (d *lwrpDriver) Id() int                      { return d.client.id }
func (d *lwrpDriver) Description() string          { return d.client.node.ProductName }
func (d *lwrpDriver) Node() state.Node             { return d.client.node }
func (d *lwrpDriver) SrcSlots() int                { return len(d.client.sources) }
func (d *lwrpDriver) DstSlots() int                { return len(d.client.dests) }
func (d *lwrpDriver) Gpis() int                    { return len(d.client.gpis) }
func (d *lwrpDriver) Gpos() int                    { return len(d.client.gpos) }

func (d *lwrpDriver) Src(slot int) *state.Source           { return d.client.sources[slot] }
func (d *lwrpDriver) Dst(slot int) *state.Destination      { return d.client.dests[slot] }
func (d *lwrpDriver) GpiBundle(slot int) *state.GpioBundle { return d.client.gpis[slot] }
func (d *lwrpDriver) Gpo(slot int) *state.Gpo              { return d.client.gpos[slot] }

func (d *lwrpDriver) SetDstAddress(s *state.State, slot int, addr netip.Addr) error {
	return d.client.setDstAddress(slot, addr)
}

func (d *lwrpDriver) SetGpiCode(s *state.State, slot int, code string) error {
	return d.client.setGpioCode("GPI", slot, code)
}

func (d *lwrpDriver) SetGpoCode(s *state.State, slot int, code string) error {
	return d.client.setGpioCode("GPO", slot, code)
}

func (d *lwrpDriver) SetGpoSource(s *state.State, slot int, addr netip.Addr, srcSlot int) error {
	return d.client.setGpoSource(slot, addr, srcSlot)
}

// lwrpClient speaks LWRP to a Livewire node: LOGIN/VER handshake, SRC/DST/
// GPI/GPO enumeration, then unsolicited change lines for the life of the
// connection.
type lwrpClient struct {
	e   *state.Env
	id  int
	cfg state.MatrixConfig
	ev  Events

	conn      net.Conn
	gen       uint64
	connected bool
	closed    bool
	enumDone  bool

	node    state.Node
	sources map[int]*state.Source
	dests   map[int]*state.Destination
	gpis    map[int]*state.GpioBundle
	gpos    map[int]*state.Gpo
}

func newLwrpClient(e *state.Env, cfg state.MatrixConfig, ev Events) *lwrpClient {
	return &lwrpClient{
		e:       e,
		id:      cfg.Id,
		cfg:     cfg,
		ev:      ev,
		sources: make(map[int]*state.Source),
		dests:   make(map[int]*state.Destination),
		gpis:    make(map[int]*state.GpioBundle),
		gpos:    make(map[int]*state.Gpo),
	}
}

func (c *lwrpClient) connect() error {
	c.dial()
	return nil
}

func (c *lwrpClient) close() error {
	c.closed = true
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	return nil
}

func (c *lwrpClient) dial() {
	c.gen++
	gen := c.gen
	dialTCP(c.e, c.cfg.Host, c.cfg.Port, func(s *state.State, conn net.Conn) error {
		if gen != c.gen || c.closed {
			if conn != nil {
				conn.Close()
			}
			return nil
		}
		if conn == nil {
			c.e.ScheduleTask(func(s *state.State) error {
				if gen == c.gen && !c.closed {
					c.dial()
				}
				return nil
			}, 0)
			return nil
		}
		c.conn = conn
		go c.readLoop(gen, conn)
		return c.onConnected(s)
	})
}

func (c *lwrpClient) onConnected(s *state.State) error {
	c.node = state.Node{
		HostAddress: c.cfg.Host,
		HostName:    c.cfg.Host.String(),
		DeviceName:  string(state.LwrpMatrix),
	}
	c.enumDone = false
	c.write("LOGIN " + c.cfg.Password)
	c.write("VER")
	c.write("SRC")
	c.write("DST")
	c.write("ADD GPI")
	c.write("ADD GPO")
	return nil
}

func (c *lwrpClient) readLoop(gen uint64, conn net.Conn) {
	sc := bufio.NewScanner(conn)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		c.e.Dispatch(func(s *state.State) error {
			if gen != c.gen {
				return nil
			}
			return c.handleLine(s, line)
		})
	}
	c.e.Dispatch(func(s *state.State) error {
		if gen != c.gen {
			return nil
		}
		return c.onDisconnected(s)
	})
}

func (c *lwrpClient) onDisconnected(s *state.State) error {
	if err := c.ev.connected(s, c.id, false); err != nil {
		return err
	}
	c.connected = false
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	if !c.closed {
		c.dial()
	}
	return nil
}

func (c *lwrpClient) handleLine(s *state.State, line string) error {
	fields := splitLwrpLine(line)
	if len(fields) == 0 {
		return nil
	}
	switch fields[0] {
	case "VER":
		for _, f := range fields[1:] {
			key, val, _ := strings.Cut(f, ":")
			switch key {
			case "DEVN":
				c.node.ProductName = unquote(val)
			case "NSRC":
				c.node.SrcSlots = parseSlotCount(val)
			case "NDST":
				c.node.DstSlots = parseSlotCount(val)
			case "NGPI":
				c.node.GpiSlots = parseSlotCount(val)
			case "NGPO":
				c.node.GpoSlots = parseSlotCount(val)
			}
		}
		if !c.connected {
			c.connected = true
			if err := c.ev.connected(s, c.id, true); err != nil {
				return err
			}
		}
	case "SRC":
		if len(fields) < 2 {
			return nil
		}
		slot, err := strconv.Atoi(fields[1])
		if err != nil {
			return nil
		}
		slot-- // LWRP channel numbers are 1-based
		src := c.sources[slot]
		if src == nil {
			src = &state.Source{Slot: slot, Channels: 2}
			c.sources[slot] = src
		}
		for _, f := range fields[2:] {
			key, val, _ := strings.Cut(f, ":")
			switch key {
			case "PSNM":
				src.Name = unquote(val)
			case "RTPA":
				if a, err := netip.ParseAddr(unquote(val)); err == nil {
					src.StreamAddress = a
				} else {
					src.StreamAddress = netip.Addr{}
				}
			case "RTPE":
				src.Enabled = val == "1"
			case "NCHN":
				src.Channels, _ = strconv.Atoi(val)
			}
		}
		return c.ev.sourceChanged(s, c.id, slot, c.node, *src)
	case "DST":
		if len(fields) < 2 {
			return nil
		}
		slot, err := strconv.Atoi(fields[1])
		if err != nil {
			return nil
		}
		slot--
		dst := c.dests[slot]
		if dst == nil {
			dst = &state.Destination{Slot: slot, Channels: 2}
			c.dests[slot] = dst
		}
		for _, f := range fields[2:] {
			key, val, _ := strings.Cut(f, ":")
			switch key {
			case "NAME":
				dst.Name = unquote(val)
			case "ADDR":
				if a, err := netip.ParseAddr(unquote(val)); err == nil {
					dst.StreamAddress = a
				} else {
					dst.StreamAddress = netip.Addr{}
				}
			case "NCHN":
				dst.Channels, _ = strconv.Atoi(val)
			}
		}
		return c.ev.destinationChanged(s, c.id, slot, c.node, *dst)
	case "GPI":
		if len(fields) < 3 {
			return nil
		}
		slot, err := strconv.Atoi(fields[1])
		if err != nil {
			return nil
		}
		slot--
		code, err := state.ParseGpioCode(fields[2])
		if err != nil {
			return nil
		}
		gpi := c.gpis[slot]
		if gpi == nil {
			gpi = &state.GpioBundle{Slot: slot}
			c.gpis[slot] = gpi
		}
		gpi.Code = code
		return c.ev.gpiChanged(s, c.id, slot, c.node, *gpi)
	case "GPO":
		if len(fields) < 3 {
			return nil
		}
		slot, err := strconv.Atoi(fields[1])
		if err != nil {
			return nil
		}
		slot--
		gpo := c.gpos[slot]
		if gpo == nil {
			gpo = &state.Gpo{Slot: slot, SourceSlot: -1}
			c.gpos[slot] = gpo
		}
		if code, err := state.ParseGpioCode(fields[2]); err == nil {
			gpo.Bundle = state.GpioBundle{Slot: slot, Code: code}
		} else {
			for _, f := range fields[2:] {
				key, val, _ := strings.Cut(f, ":")
				switch key {
				case "NAME":
					gpo.Name = unquote(val)
				case "SRCA":
					if a, err := netip.ParseAddr(unquote(val)); err == nil {
						gpo.SourceAddress = a
					} else {
						gpo.SourceAddress = netip.Addr{}
					}
				}
			}
		}
		return c.ev.gpoChanged(s, c.id, slot, c.node, *gpo)
	case "ERROR":
		s.Log.Warn("lwrp error from device", "matrix", c.id, "line", line)
	}
	return nil
}

func (c *lwrpClient) setDstAddress(slot int, addr netip.Addr) error {
	if addr.IsValid() {
		c.write(fmt.Sprintf("DST %d ADDR:\"%s\"", slot+1, addr))
	} else {
		c.write(fmt.Sprintf("DST %d ADDR:\"\"", slot+1))
	}
	return nil
}

func (c *lwrpClient) setGpioCode(kind string, slot int, code string) error {
	code, err := state.ParseGpioCode(code)
	if err != nil {
		return err
	}
	c.write(fmt.Sprintf("%s %d %s", kind, slot+1, code))
	return nil
}

func (c *lwrpClient) setGpoSource(slot int, addr netip.Addr, srcSlot int) error {
	if addr.IsValid() {
		c.write(fmt.Sprintf("CFG GPO %d SRCA:\"%s/%d\"", slot+1, addr, srcSlot+1))
	} else {
		c.write(fmt.Sprintf("CFG GPO %d SRCA:\"\"", slot+1))
	}
	return nil
}

func (c *lwrpClient) write(line string) {
	if c.conn != nil {
		c.conn.Write([]byte(line + "\r\n"))
	}
}

// splitLwrpLine splits on spaces while honoring double-quoted spans, which
// may contain spaces.
func splitLwrpLine(line string) []string {
	var fields []string
	var cur strings.Builder
	quoted := false
	for i := 0; i < len(line); i++ {
		ch := line[i]
		switch {
		case ch == '"':
			quoted = !quoted
			cur.WriteByte(ch)
		case ch == ' ' && !quoted:
			if cur.Len() > 0 {
				fields = append(fields, cur.String())
				cur.Reset()
			}
		default:
			cur.WriteByte(ch)
		}
	}
	if cur.Len() > 0 {
		fields = append(fields, cur.String())
	}
	return fields
}

func unquote(s string) string {
	return strings.Trim(s, "\"")
}

// parseSlotCount handles both plain counts and "total/stereo" style values.
func parseSlotCount(val string) int {
	if i := strings.IndexByte(val, '/'); i >= 0 {
		val = val[:i]
	}
	n, _ := strconv.Atoi(val)
	return n
}
