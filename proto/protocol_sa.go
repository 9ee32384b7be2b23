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
	"github.com/teleroute/drouter/state"
)

const saPrompt = ">>"

// SaServer speaks the Software Authority line protocol. Router, input and
// output numbers are 1-based on the wire; an input of 0 means "off". A Login
// command always succeeds, as legacy clients expect.
type SaServer struct {
	e        *state.Env
	ln       net.Listener
	sessions map[uuid.UUID]*Session
	help     map[string]string
}

func (sa *SaServer) Init(s *state.State) error {
	sa.e = s.Env
	sa.sessions = make(map[uuid.UUID]*Session)
	sa.help = saHelpStrings()

	ln, err := listen(s.Env, "SA", s.Config.Protocols.SaListen, sa.accept)
	if err != nil {
		return err
	}
	sa.ln = ln
	return nil
}

func (sa *SaServer) Cleanup(s *state.State) error {
	if sa.ln != nil {
		sa.ln.Close()
	}
	for _, sess := range sa.sessions {
		sess.Close()
	}
	return nil
}

func (sa *SaServer) accept(conn net.Conn) {
	sess := newSession(conn)
	sa.e.Dispatch(func(s *state.State) error {
		sa.sessions[sess.Id] = sess
		sess.Sub = core.Get[*core.RouterRegistry](s).Subscribe(func(n state.Notification) {
			sa.notify(s, sess, n)
		})
		return nil
	})

	sc := bufio.NewScanner(conn)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		sa.e.DispatchWait(func(s *state.State) (any, error) {
			sa.handleCommand(s, sess, line)
			return nil, nil
		})
	}
	sa.e.Dispatch(func(s *state.State) error {
		core.Get[*core.RouterRegistry](s).Unsubscribe(sess.Sub)
		delete(sa.sessions, sess.Id)
		sess.Close()
		return nil
	})
}

func (sa *SaServer) handleCommand(s *state.State, sess *Session, line string) {
	reg := core.Get[*core.RouterRegistry](s)
	cmds := strings.Split(line, " ")

	switch strings.ToLower(cmds[0]) {
	case "login":
		sess.WriteString("Login Successful\r\n" + saPrompt)
	case "exit", "quit":
		sess.Close()
	case "help", "?":
		if len(cmds) == 1 {
			sess.WriteString(sa.help[""] + "\r\n\r\n")
		} else if h, ok := sa.help[strings.ToLower(cmds[1])]; ok {
			sess.WriteString(h + "\r\n\r\n")
		} else {
			sess.WriteString("\r\n\r\n")
		}
		sess.WriteString(saPrompt)
	case "routernames":
		sess.WriteString("Begin RouterNames\r\n")
		for _, em := range reg.Maps() {
			sess.WriteString(fmt.Sprintf("    %d %s\r\n", em.Number+1, em.Name))
		}
		sess.WriteString("End RouterNames\r\n" + saPrompt)
	case "sourcenames":
		if len(cmds) != 2 {
			return
		}
		router, err := strconv.Atoi(cmds[1])
		if err != nil {
			sess.WriteString("Error - Bay Does Not exist.\r\n" + saPrompt)
			return
		}
		sa.sendSourceNames(reg, sess, router-1)
	case "destnames":
		if len(cmds) != 2 {
			return
		}
		router, err := strconv.Atoi(cmds[1])
		if err != nil {
			sess.WriteString("Error - Bay Does Not exist.\r\n" + saPrompt)
			return
		}
		sa.sendDestNames(reg, sess, router-1)
	case "activateroute":
		if len(cmds) != 4 {
			sess.WriteString("Error\r\n" + saPrompt)
			return
		}
		router, err1 := strconv.Atoi(cmds[1])
		output, err2 := strconv.Atoi(cmds[2])
		input, err3 := strconv.Atoi(cmds[3])
		if err1 != nil || err2 != nil || err3 != nil || input < 0 {
			sess.WriteString("Error\r\n" + saPrompt)
			return
		}
		sa.activateRoute(s, reg, sess, router-1, output-1, input)
	case "routestat":
		if len(cmds) < 2 {
			sess.WriteString("Error\r\n" + saPrompt)
			return
		}
		router, err := strconv.Atoi(cmds[1])
		if err != nil {
			sess.WriteString("Error\r\n" + saPrompt)
			return
		}
		output := 0
		if len(cmds) >= 3 {
			output, err = strconv.Atoi(cmds[2])
			if err != nil {
				sess.WriteString("Error\r\n" + saPrompt)
				return
			}
		}
		sa.sendRouteStat(reg, sess, router-1, output)
	case "gpistat":
		if len(cmds) < 2 {
			return
		}
		router, err := strconv.Atoi(cmds[1])
		if err != nil {
			sess.WriteString("Error - Router Does Not exist.\r\n" + saPrompt)
			return
		}
		num := -1
		if len(cmds) >= 3 {
			if num, err = strconv.Atoi(cmds[2]); err != nil {
				return
			}
		}
		sa.sendGpiStat(reg, sess, router-1, num)
	case "gpostat":
		if len(cmds) < 2 {
			return
		}
		router, err := strconv.Atoi(cmds[1])
		if err != nil {
			sess.WriteString("Error - Router Does Not exist.\r\n" + saPrompt)
			return
		}
		num := -1
		if len(cmds) >= 3 {
			if num, err = strconv.Atoi(cmds[2]); err != nil {
				return
			}
		}
		sa.sendGpoStat(reg, sess, router-1, num)
	case "triggergpi":
		if len(cmds) != 4 && len(cmds) != 5 {
			return
		}
		router, err1 := strconv.Atoi(cmds[1])
		input, err2 := strconv.Atoi(cmds[2])
		if err1 != nil || err2 != nil || len(cmds[3]) != state.GpioCodeLen {
			return
		}
		sa.triggerGpi(s, reg, sess, router-1, input-1, cmds[3])
	case "triggergpo":
		if len(cmds) != 4 && len(cmds) != 5 {
			return
		}
		router, err1 := strconv.Atoi(cmds[1])
		output, err2 := strconv.Atoi(cmds[2])
		if err1 != nil || err2 != nil || len(cmds[3]) != state.GpioCodeLen {
			return
		}
		sa.triggerGpo(s, reg, sess, router-1, output-1, cmds[3])
	case "snapshots":
		if len(cmds) != 2 {
			return
		}
		router, err := strconv.Atoi(cmds[1])
		if err != nil {
			sess.WriteString("Error - Router Does Not exist.\r\n" + saPrompt)
			return
		}
		sa.sendSnapshotNames(reg, sess, router-1)
	case "activatesnap":
		if len(cmds) < 3 {
			return
		}
		router, err := strconv.Atoi(cmds[1])
		if err != nil {
			sess.WriteString("Error - Router Does Not exist.\r\n" + saPrompt)
			return
		}
		name := strings.Join(cmds[2:], " ")
		sa.activateSnapshot(s, reg, sess, router-1, name)
	}
}

func (sa *SaServer) activateRoute(s *state.State, reg *core.RouterRegistry, sess *Session, router, output, input int) {
	em := reg.Map(router)
	if em == nil {
		sess.WriteString("Error - Router Does Not exist.\r\n" + saPrompt)
		return
	}
	if output < 0 || output >= em.SlotCount(state.MapOutput) {
		sess.WriteString("Error - Output Does Not exist.\r\n")
		return
	}
	if input > em.SlotCount(state.MapInput) {
		sess.WriteString("Error - Input Does Not exist.\r\n")
		return
	}
	// 'input' is 1-based on the wire; 0 means "off".
	if err := reg.ActivateRoute(s, router, output, input-1, sess.Peer); err != nil {
		s.Log.Debug("sa route change failed", "peer", sess.Peer, "error", err)
		return
	}
	sess.WriteString("Route Change Initiated\r\n")
}

func (sa *SaServer) sendRouteStat(reg *core.RouterRegistry, sess *Session, router, output int) {
	em := reg.Map(router)
	if em == nil {
		sess.WriteString("Error - Router Does Not exist.\r\n" + saPrompt)
		return
	}
	if output > em.SlotCount(state.MapOutput) || output < 0 {
		sess.WriteString("Error - Output Does Not exist.\r\n")
		return
	}
	if output == 0 { // all outputs
		for i := 0; i < em.SlotCount(state.MapOutput); i++ {
			input, _ := reg.RouteStat(router, i)
			sess.WriteString(fmt.Sprintf("RouteStat %d %d %d False\r\n", router+1, i+1, input+1))
		}
		return
	}
	input, _ := reg.RouteStat(router, output-1)
	sess.WriteString(fmt.Sprintf("RouteStat %d %d %d False\r\n", router+1, output, input+1))
}

func (sa *SaServer) sendGpiStat(reg *core.RouterRegistry, sess *Session, router, num int) {
	em := reg.Map(router)
	if em == nil {
		sess.WriteString("Error - Router Does Not exist.\r\n" + saPrompt)
		return
	}
	sess.WriteString(saPrompt)
	if em.Type != state.GpioRouter {
		return
	}
	if num < 0 {
		for i := 0; i < em.SlotCount(state.MapInput); i++ {
			if code, err := reg.GpiState(router, i); err == nil && code != "" {
				sess.WriteString(fmt.Sprintf("GPIStat %d %d %s\r\n", router+1, i+1, code))
			}
		}
		return
	}
	if code, err := reg.GpiState(router, num-1); err == nil && code != "" {
		sess.WriteString(fmt.Sprintf("GPIStat %d %d %s\r\n", router+1, num, code))
	}
}

func (sa *SaServer) sendGpoStat(reg *core.RouterRegistry, sess *Session, router, num int) {
	em := reg.Map(router)
	if em == nil {
		sess.WriteString("Error - Router Does Not exist.\r\n" + saPrompt)
		return
	}
	sess.WriteString(saPrompt)
	if em.Type != state.GpioRouter {
		return
	}
	if num < 0 {
		for i := 0; i < em.SlotCount(state.MapOutput); i++ {
			if code, err := reg.GpoState(router, i); err == nil && code != "" {
				sess.WriteString(fmt.Sprintf("GPOStat %d %d %s\r\n", router+1, i+1, code))
			}
		}
		return
	}
	if code, err := reg.GpoState(router, num-1); err == nil && code != "" {
		sess.WriteString(fmt.Sprintf("GPOStat %d %d %s\r\n", router+1, num, code))
	}
}

func (sa *SaServer) triggerGpi(s *state.State, reg *core.RouterRegistry, sess *Session, router, input int, code string) {
	em := reg.Map(router)
	if em == nil {
		sess.WriteString("Error - Router Does Not exist.\r\n" + saPrompt)
		return
	}
	if em.Type != state.GpioRouter {
		sess.WriteString(saPrompt)
		return
	}
	sess.WriteString(saPrompt)
	if err := reg.TriggerGpi(s, router, input, code, sess.Peer); err != nil {
		s.Log.Debug("sa trigger gpi failed", "peer", sess.Peer, "error", err)
	}
}

func (sa *SaServer) triggerGpo(s *state.State, reg *core.RouterRegistry, sess *Session, router, output int, code string) {
	em := reg.Map(router)
	if em == nil {
		sess.WriteString("Error - Router Does Not exist.\r\n" + saPrompt)
		return
	}
	if em.Type != state.GpioRouter {
		sess.WriteString(saPrompt)
		return
	}
	sess.WriteString(saPrompt)
	if err := reg.TriggerGpo(s, router, output, code, sess.Peer); err != nil {
		s.Log.Debug("sa trigger gpo failed", "peer", sess.Peer, "error", err)
	}
}

func (sa *SaServer) sendSourceNames(reg *core.RouterRegistry, sess *Session, router int) {
	em := reg.Map(router)
	if em == nil {
		sess.WriteString("Error - Bay Does Not exist.\r\n" + saPrompt)
		return
	}
	sess.WriteString(fmt.Sprintf("Begin SourceNames - %d\r\n", router+1))
	for i, in := range em.Inputs {
		drv := reg.DriverByAddress(in.HostAddress)
		if drv == nil || !drv.IsConnected() {
			sess.WriteString(fmt.Sprintf("    %d\t[unavailable]\t[unavailable]\t%s\t[unavailable]\t%d\t0\t0.0.0.0\r\n",
				i+1, addrString(in.HostAddress), in.Slot+1))
			continue
		}
		node := drv.Node()
		if em.Type == state.AudioRouter {
			name := fmt.Sprintf("SRC %d", in.Slot+1)
			streamAddr := "0.0.0.0"
			srcNum := 0
			if src := drv.Src(in.Slot); src != nil {
				if src.Name != "" {
					name = src.Name
				}
				if src.StreamAddress.IsValid() {
					streamAddr = src.StreamAddress.String()
					srcNum = livewireNumber(src.StreamAddress)
				}
			}
			sess.WriteString(fmt.Sprintf("    %d\t%s\t%s ON %s\t%s\t%s\t%d\t%d\t%s\r\n",
				i+1, name, name, node.HostName, addrString(node.HostAddress),
				node.HostName, in.Slot+1, srcNum, streamAddr))
		} else {
			name := fmt.Sprintf("GPI %d", in.Slot+1)
			sess.WriteString(fmt.Sprintf("    %d\t%s\t%s ON %s\t%s\t%s\t%d\t%s/%d\t0\r\n",
				i+1, name, name, node.HostName, addrString(node.HostAddress),
				node.HostName, in.Slot+1, addrString(node.HostAddress), in.Slot+1))
		}
	}
	sess.WriteString(fmt.Sprintf("End SourceNames - %d\r\n", router+1) + saPrompt)
}

func (sa *SaServer) sendDestNames(reg *core.RouterRegistry, sess *Session, router int) {
	em := reg.Map(router)
	if em == nil {
		sess.WriteString("Error - Bay Does Not exist.\r\n" + saPrompt)
		return
	}
	sess.WriteString(fmt.Sprintf("Begin DestNames - %d\r\n", router+1))
	for i, out := range em.Outputs {
		drv := reg.DriverByAddress(out.HostAddress)
		if drv == nil || !drv.IsConnected() {
			sess.WriteString(fmt.Sprintf("    %d\t[unavailable]\t[unavailable]\t%s\t[unavailable]\t%d\r\n",
				i+1, addrString(out.HostAddress), out.Slot+1))
			continue
		}
		node := drv.Node()
		var name string
		if em.Type == state.AudioRouter {
			name = fmt.Sprintf("DST %d", out.Slot+1)
			if dst := drv.Dst(out.Slot); dst != nil && dst.Name != "" {
				name = dst.Name
			}
		} else {
			name = fmt.Sprintf("GPO %d", out.Slot+1)
			if gpo := drv.Gpo(out.Slot); gpo != nil && gpo.Name != "" {
				name = gpo.Name
			}
		}
		sess.WriteString(fmt.Sprintf("    %d\t%s\t%s ON %s\t%s\t%s\t%d\r\n",
			i+1, name, name, node.HostName, addrString(node.HostAddress),
			node.HostName, out.Slot+1))
	}
	sess.WriteString(fmt.Sprintf("End DestNames - %d\r\n", router+1) + saPrompt)
}

func (sa *SaServer) sendSnapshotNames(reg *core.RouterRegistry, sess *Session, router int) {
	em := reg.Map(router)
	if em == nil {
		sess.WriteString("Error - Router Does Not exist.\r\n" + saPrompt)
		return
	}
	sess.WriteString(fmt.Sprintf("Begin SnapshotNames - %d\r\n", router+1))
	for _, snap := range em.Snapshots {
		sess.WriteString(fmt.Sprintf("    %s\r\n", snap.Name))
	}
	sess.WriteString(fmt.Sprintf("End SnapshotNames - %d\r\n", router+1) + saPrompt)
}

func (sa *SaServer) activateSnapshot(s *state.State, reg *core.RouterRegistry, sess *Session, router int, name string) {
	em := reg.Map(router)
	if em == nil {
		sess.WriteString("Error - Router Does Not exist.\r\n" + saPrompt)
		return
	}
	sess.WriteString("Snapshot Initiated\r\n")
	if err := reg.ActivateSnapshot(s, router, name, sess.Peer); err != nil {
		s.Log.Debug("sa snapshot failed", "peer", sess.Peer, "snapshot", name, "error", err)
	}
}

// notify broadcasts state changes to every connected client; the legacy
// protocol has no subscription concept.
func (sa *SaServer) notify(s *state.State, sess *Session, n state.Notification) {
	reg := core.Get[*core.RouterRegistry](s)
	switch n.Category {
	case state.CatDestination:
		for _, em := range reg.Maps() {
			if em.Type != state.AudioRouter {
				continue
			}
			output := em.EndpointNumber(state.MapOutput, n.Node.HostAddress, n.Slot)
			if output < 0 {
				continue
			}
			input, _ := reg.RouteStat(em.Number, output)
			sess.WriteString(fmt.Sprintf("RouteStat %d %d %d False\r\n", em.Number+1, output+1, input+1))
		}
	case state.CatGpi:
		if n.Gpi == nil {
			return
		}
		for _, em := range reg.Maps() {
			if em.Type != state.GpioRouter {
				continue
			}
			input := em.EndpointNumber(state.MapInput, n.Node.HostAddress, n.Slot)
			if input >= 0 {
				sess.WriteString(fmt.Sprintf("GPIStat %d %d %s\r\n", em.Number+1, input+1, n.Gpi.Code))
			}
		}
	case state.CatGpo:
		if n.Gpo == nil {
			return
		}
		for _, em := range reg.Maps() {
			if em.Type != state.GpioRouter {
				continue
			}
			output := em.EndpointNumber(state.MapOutput, n.Node.HostAddress, n.Slot)
			if output < 0 {
				continue
			}
			sess.WriteString(fmt.Sprintf("GPOStat %d %d %s\r\n", em.Number+1, output+1, n.Gpo.Bundle.Code))
			input := em.EndpointNumber(state.MapInput, n.Gpo.SourceAddress, n.Gpo.SourceSlot)
			sess.WriteString(fmt.Sprintf("RouteStat %d %d %d False\r\n", em.Number+1, output+1, input+1))
		}
	}
}

// livewireNumber is the Livewire channel number embedded in the low 16 bits
// of a stream address.
func livewireNumber(addr netip.Addr) int {
	if !addr.IsValid() || !addr.Is4() {
		return 0
	}
	a4 := addr.As4()
	return int(a4[2])<<8 | int(a4[3])
}

func saHelpStrings() map[string]string {
	return map[string]string{
		"": "ActivateRoute, ActivateSnap, DestNames, Exit, GPIStat, GPOStat, Quit" +
			", RouterNames, RouteStat, SnapShots, SourceNames, TriggerGPI, TriggerGPO" +
			"\r\n\r\nEnter \"Help\" or \"?\" followed by the name of the command.",
		"activateroute": "ActivateRoute <router> <output> <input>\r\n\r\nRoute <input> to <output> on <router>.",
		"activatesnap":  "ActivateSnap <router> <snapshot>\r\n\r\nActivate the named snapshot on <router>.",
		"destnames":     "DestNames <router>\r\n\r\nReturn names of all outputs on the specified router.",
		"exit":          "Exit\r\n\r\nClose TCP/IP connection.",
		"gpistat": "GPIStat <router> [<gpi-num>]\r\n\r\nQuery the state of one or more GPIs.\r\n" +
			"If <gpi-num> is not given, the entire set of GPIs for the specified\r\n<router> will be returned.",
		"gpostat": "GPOStat <router> [<gpo-num>]\r\n\r\nQuery the state of one or more GPOs.\r\n" +
			"If <gpo-num> is not given, the entire set of GPOs for the specified\r\n<router> will be returned.",
		"quit":        "Quit\r\n\r\nClose TCP/IP connection.",
		"routernames": "RouterNames\r\n\r\nReturn a list of configured matrices.",
		"routestat": "RouteStat <router> [<output>]\r\n\r\nReturn the <output> crosspoint's input assignment.\r\n" +
			"If no <output> is given, the crosspoint states for all outputs on\r\n<router> will be returned.",
		"snapshots":   "SnapShots <router>\r\n\r\nReturn the list of snapshots on the specified router.",
		"sourcenames": "SourceNames <router>\r\n\r\nReturn names of all inputs on the specified router.",
		"triggergpi": "TriggerGPI <router> <gpi-num> <state> [<duration>]\r\n\r\nSet the specified GPI to <state> for <duration> milliseconds.\r\n" +
			"(Supported only by virtual GPI devices.)",
		"triggergpo": "TriggerGPO <router> <gpo-num> <state> [<duration>]\r\n\r\nSet the specified GPO to <state> for <duration> milliseconds.",
	}
}
