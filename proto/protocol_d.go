package proto

import (
	"bufio"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/teleroute/drouter/core"
	"github.com/teleroute/drouter/matrix"
	"github.com/teleroute/drouter/state"
)

// DServer speaks the native tab-delimited state dump protocol. Clients
// address endpoints at the device level (host address plus slot) and can
// subscribe to live updates per record category.
type DServer struct {
	e        *state.Env
	ln       net.Listener
	sessions map[uuid.UUID]*dSession
}

type dSession struct {
	*Session

	clipsSubscribed    bool
	silencesSubscribed bool
	dstsSubscribed     bool
	gpisSubscribed     bool
	gposSubscribed     bool
	nodesSubscribed    bool
	srcsSubscribed     bool
	tethersSubscribed  bool
}

func (d *DServer) Init(s *state.State) error {
	d.e = s.Env
	d.sessions = make(map[uuid.UUID]*dSession)

	ln, err := listen(s.Env, "D", s.Config.Protocols.DListen, d.accept)
	if err != nil {
		return err
	}
	d.ln = ln
	return nil
}

func (d *DServer) Cleanup(s *state.State) error {
	if d.ln != nil {
		d.ln.Close()
	}
	for _, sess := range d.sessions {
		sess.Close()
	}
	return nil
}

func (d *DServer) accept(conn net.Conn) {
	sess := &dSession{Session: newSession(conn)}
	d.e.Dispatch(func(s *state.State) error {
		d.sessions[sess.Id] = sess
		sess.Sub = core.Get[*core.RouterRegistry](s).Subscribe(func(n state.Notification) {
			d.notify(sess, n)
		})
		return nil
	})

	sc := bufio.NewScanner(conn)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		// Waiting applies backpressure: a session cannot queue commands
		// faster than the loop drains them.
		d.e.DispatchWait(func(s *state.State) (any, error) {
			d.handleCommand(s, sess, line)
			return nil, nil
		})
	}
	d.e.Dispatch(func(s *state.State) error {
		core.Get[*core.RouterRegistry](s).Unsubscribe(sess.Sub)
		delete(d.sessions, sess.Id)
		sess.Close()
		return nil
	})
}

func (d *DServer) handleCommand(s *state.State, sess *dSession, line string) {
	reg := core.Get[*core.RouterRegistry](s)
	cmds := strings.Split(line, " ")

	switch strings.ToLower(cmds[0]) {
	case "exit":
		sess.WriteString("ok\r\n")
		sess.Close()
	case "ping":
		sess.WriteString("pong\r\n")
	case "listnodes":
		d.forEachNode(reg, func(drv matrix.Driver, node state.Node) {
			sess.WriteString(nodeRecord("NODE", node))
		})
		sess.WriteString("ok\r\n")
	case "listsources":
		d.forEachNode(reg, func(drv matrix.Driver, node state.Node) {
			for slot := 0; slot < drv.SrcSlots(); slot++ {
				if src := drv.Src(slot); src != nil {
					sess.WriteString(sourceRecord("SRC", node, slot, *src))
				}
			}
		})
		sess.WriteString("ok\r\n")
	case "listdestinations":
		d.forEachNode(reg, func(drv matrix.Driver, node state.Node) {
			for slot := 0; slot < drv.DstSlots(); slot++ {
				if dst := drv.Dst(slot); dst != nil {
					sess.WriteString(destinationRecord("DST", node, slot, *dst))
				}
			}
		})
		sess.WriteString("ok\r\n")
	case "listgpis":
		d.forEachNode(reg, func(drv matrix.Driver, node state.Node) {
			for slot := 0; slot < drv.Gpis(); slot++ {
				if gpi := drv.GpiBundle(slot); gpi != nil {
					sess.WriteString(gpiRecord("GPI", node, slot, *gpi))
				}
			}
		})
		sess.WriteString("ok\r\n")
	case "listgpos":
		d.forEachNode(reg, func(drv matrix.Driver, node state.Node) {
			for slot := 0; slot < drv.Gpos(); slot++ {
				if gpo := drv.Gpo(slot); gpo != nil {
					sess.WriteString(gpoRecord("GPO", node, slot, *gpo))
				}
			}
		})
		sess.WriteString("ok\r\n")
	case "listsilences":
		for _, alarm := range reg.SilenceStates() {
			sess.WriteString(silenceRecord("SILENCE", alarm))
		}
		sess.WriteString("ok\r\n")
	case "listclips":
		// No backend reports clip alarms.
		sess.WriteString("ok\r\n")
	case "subscribenodes":
		sess.nodesSubscribed = true
		d.forEachNode(reg, func(drv matrix.Driver, node state.Node) {
			sess.WriteString(nodeRecord("NODEADD", node))
		})
		sess.WriteString("ok\r\n")
	case "subscribesources":
		sess.srcsSubscribed = true
		d.forEachNode(reg, func(drv matrix.Driver, node state.Node) {
			for slot := 0; slot < drv.SrcSlots(); slot++ {
				if src := drv.Src(slot); src != nil {
					sess.WriteString(sourceRecord("SRCADD", node, slot, *src))
				}
			}
		})
		sess.WriteString("ok\r\n")
	case "subscribedestinations":
		sess.dstsSubscribed = true
		d.forEachNode(reg, func(drv matrix.Driver, node state.Node) {
			for slot := 0; slot < drv.DstSlots(); slot++ {
				if dst := drv.Dst(slot); dst != nil {
					sess.WriteString(destinationRecord("DSTADD", node, slot, *dst))
				}
			}
		})
		sess.WriteString("ok\r\n")
	case "subscribegpis":
		sess.gpisSubscribed = true
		d.forEachNode(reg, func(drv matrix.Driver, node state.Node) {
			for slot := 0; slot < drv.Gpis(); slot++ {
				if gpi := drv.GpiBundle(slot); gpi != nil {
					sess.WriteString(gpiRecord("GPIADD", node, slot, *gpi))
				}
			}
		})
		sess.WriteString("ok\r\n")
	case "subscribegpos":
		sess.gposSubscribed = true
		d.forEachNode(reg, func(drv matrix.Driver, node state.Node) {
			for slot := 0; slot < drv.Gpos(); slot++ {
				if gpo := drv.Gpo(slot); gpo != nil {
					sess.WriteString(gpoRecord("GPOADD", node, slot, *gpo))
				}
			}
		})
		sess.WriteString("ok\r\n")
	case "subscribesilences":
		sess.silencesSubscribed = true
		for _, alarm := range reg.SilenceStates() {
			sess.WriteString(silenceRecord("SILENCEADD", alarm))
		}
		sess.WriteString("ok\r\n")
	case "subscribeclips":
		sess.clipsSubscribed = true
		sess.WriteString("ok\r\n")
	case "subscribetethers":
		sess.tethersSubscribed = true
		sess.WriteString(tetherRecord("TETHER", core.Get[*core.Tether](s).InstanceIsActive()))
		sess.WriteString("ok\r\n")
	case "clearcrosspoint":
		if addr, slot, ok := parseAddrSlot(cmds, 3); ok {
			if err := reg.ClearCrosspoint(s, addr, slot); err != nil {
				s.Log.Debug("clearcrosspoint failed", "peer", sess.Peer, "error", err)
			}
			sess.WriteString("ok\r\n")
			return
		}
		sess.WriteString("error\r\n")
	case "cleargpiocrosspoint":
		if addr, slot, ok := parseAddrSlot(cmds, 3); ok {
			if err := reg.ClearGpioCrosspoint(s, addr, slot); err != nil {
				s.Log.Debug("cleargpiocrosspoint failed", "peer", sess.Peer, "error", err)
			}
			sess.WriteString("ok\r\n")
			return
		}
		sess.WriteString("error\r\n")
	case "setcrosspoint":
		if dstAddr, dstSlot, ok := parseAddrSlot(cmds, 5); ok {
			if srcAddr, srcSlot, ok := parseAddrSlot(cmds[2:], 3); ok {
				if err := reg.SetCrosspoint(s, dstAddr, dstSlot, srcAddr, srcSlot); err != nil {
					s.Log.Debug("setcrosspoint failed", "peer", sess.Peer, "error", err)
				}
				sess.WriteString("ok\r\n")
				return
			}
		}
		sess.WriteString("error\r\n")
	case "setgpiocrosspoint":
		if gpoAddr, gpoSlot, ok := parseAddrSlot(cmds, 5); ok {
			if gpiAddr, gpiSlot, ok := parseAddrSlot(cmds[2:], 3); ok {
				if err := reg.SetGpioCrosspoint(s, gpoAddr, gpoSlot, gpiAddr, gpiSlot); err != nil {
					s.Log.Debug("setgpiocrosspoint failed", "peer", sess.Peer, "error", err)
				}
				sess.WriteString("ok\r\n")
				return
			}
		}
		sess.WriteString("error\r\n")
	case "setgpistate":
		if addr, slot, ok := parseAddrSlot(cmds, 4); ok {
			if err := reg.SetGpiState(s, addr, slot, cmds[3]); err != nil {
				s.Log.Debug("setgpistate failed", "peer", sess.Peer, "error", err)
			}
			sess.WriteString("ok\r\n")
			return
		}
		sess.WriteString("error\r\n")
	case "setgpostate":
		if addr, slot, ok := parseAddrSlot(cmds, 4); ok {
			if err := reg.SetGpoState(s, addr, slot, cmds[3]); err != nil {
				s.Log.Debug("setgpostate failed", "peer", sess.Peer, "error", err)
			}
			sess.WriteString("ok\r\n")
			return
		}
		sess.WriteString("error\r\n")
	default:
		sess.WriteString("error\r\n")
	}
}

// parseAddrSlot validates a "<host-addr> <slot> ..." argument pair at
// cmds[1] and cmds[2]. want is the minimum total command length.
func parseAddrSlot(cmds []string, want int) (netip.Addr, int, bool) {
	if len(cmds) < want {
		return netip.Addr{}, 0, false
	}
	addr, err := netip.ParseAddr(cmds[1])
	if err != nil {
		return netip.Addr{}, 0, false
	}
	slot, err := strconv.Atoi(cmds[2])
	if err != nil || slot < 0 {
		return netip.Addr{}, 0, false
	}
	return addr, slot, true
}

func (d *DServer) forEachNode(reg *core.RouterRegistry, fn func(drv matrix.Driver, node state.Node)) {
	for _, drv := range reg.Drivers() {
		if !drv.IsConnected() {
			continue
		}
		fn(drv, drv.Node())
	}
}

func (d *DServer) notify(sess *dSession, n state.Notification) {
	switch n.Category {
	case state.CatNode:
		if !sess.nodesSubscribed {
			return
		}
		keyword := "NODEADD"
		if n.Kind == state.KindDel {
			keyword = "NODEDEL"
		}
		sess.WriteString(nodeRecord(keyword, n.Node))
	case state.CatSource:
		if sess.srcsSubscribed && n.Source != nil {
			sess.WriteString(sourceRecord("SRC", n.Node, n.Slot, *n.Source))
		}
	case state.CatDestination:
		if sess.dstsSubscribed && n.Destination != nil {
			sess.WriteString(destinationRecord("DST", n.Node, n.Slot, *n.Destination))
		}
	case state.CatGpi:
		if sess.gpisSubscribed && n.Gpi != nil {
			sess.WriteString(gpiRecord("GPI", n.Node, n.Slot, *n.Gpi))
		}
	case state.CatGpo:
		if sess.gposSubscribed && n.Gpo != nil {
			sess.WriteString(gpoRecord("GPO", n.Node, n.Slot, *n.Gpo))
		}
	case state.CatTether:
		if sess.tethersSubscribed {
			sess.WriteString(tetherRecord("TETHER", n.TetherActive))
		}
	case state.CatSilence:
		if sess.silencesSubscribed {
			sess.WriteString(silenceRecord("SILENCE", core.SilenceState{
				MatrixId: n.MatrixId,
				Node:     n.Node,
				Slot:     n.Slot,
				Channel:  n.Channel,
				Active:   n.AlarmActive,
			}))
		}
	}
}

func addrString(addr netip.Addr) string {
	if !addr.IsValid() {
		return ""
	}
	return addr.String()
}

func boolDigit(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func nodeRecord(keyword string, node state.Node) string {
	return fmt.Sprintf("%s\t%s\t%s\t%s\t%d\t%d\t%d\t%d\r\n",
		keyword, addrString(node.HostAddress), node.HostName, node.DeviceName,
		node.SrcSlots, node.DstSlots, node.GpiSlots, node.GpoSlots)
}

func sourceRecord(keyword string, node state.Node, slot int, src state.Source) string {
	return fmt.Sprintf("%s\t%s\t%d\t%s\t%s\t%s\t%s\t%d\t%d\r\n",
		keyword, addrString(node.HostAddress), slot, node.HostName,
		addrString(src.StreamAddress), src.Name, boolDigit(src.Enabled),
		src.Channels, src.PacketSize)
}

func destinationRecord(keyword string, node state.Node, slot int, dst state.Destination) string {
	return fmt.Sprintf("%s\t%s\t%d\t%s\t%s\t%s\t%d\r\n",
		keyword, addrString(node.HostAddress), slot, node.HostName,
		addrString(dst.StreamAddress), dst.Name, dst.Channels)
}

func gpiRecord(keyword string, node state.Node, slot int, gpi state.GpioBundle) string {
	return fmt.Sprintf("%s\t%s\t%d\t%s\t%s\r\n",
		keyword, addrString(node.HostAddress), slot, node.HostName, gpi.Code)
}

func gpoRecord(keyword string, node state.Node, slot int, gpo state.Gpo) string {
	return fmt.Sprintf("%s\t%s\t%d\t%s\t%s\t%s\t%s\t%d\r\n",
		keyword, addrString(node.HostAddress), slot, node.HostName,
		gpo.Bundle.Code, gpo.Name, addrString(gpo.SourceAddress), gpo.SourceSlot)
}

func tetherRecord(keyword string, active bool) string {
	return fmt.Sprintf("%s\t%s\r\n", keyword, boolDigit(active))
}

func silenceRecord(keyword string, alarm core.SilenceState) string {
	return fmt.Sprintf("%s\t%s\t%d\t%d\t%s\r\n",
		keyword, addrString(alarm.Node.HostAddress), alarm.Slot, alarm.Channel,
		boolDigit(alarm.Active))
}
