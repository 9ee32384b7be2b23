package proto

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/teleroute/drouter/core"
	"github.com/teleroute/drouter/state"
	"github.com/teleroute/drouter/store"
)

// J protocol error types, stable on the wire.
const (
	jOkError = iota
	jJsonError
	jParameterError
	jNoRouterError
	jNoSnapshotError
	jNoSourceError
	jNoDestinationError
	jNotGpioRouterError
	jNoCommandError
)

func jErrorString(etype int) string {
	switch etype {
	case jOkError:
		return "ok"
	case jJsonError:
		return "JSON syntax error"
	case jParameterError:
		return "command parameter error"
	case jNoRouterError:
		return "no such router"
	case jNoSnapshotError:
		return "no such snapshot"
	case jNoSourceError:
		return "no such source"
	case jNoDestinationError:
		return "no such destination"
	case jNotGpioRouterError:
		return "not a GPIO router"
	case jNoCommandError:
		return "no such command"
	}
	return ""
}

// jSession layers the JSON framing state and the per-client push masks over
// the base session.
type jSession struct {
	*Session

	accum       []byte
	accumQuoted bool
	accumLevel  int

	gpistatMasked   bool
	gpostatMasked   bool
	routestatMasked bool
}

// jRequest is the argument object of any inbound command.
type jRequest struct {
	Router      int    `json:"router"`
	Destination int    `json:"destination"`
	Source      int    `json:"source"`
	Number      int    `json:"number"`
	Code        string `json:"code"`
	Duration    int    `json:"duration"`
	Snapshot    string `json:"snapshot"`
	State       bool   `json:"state"`
	SendUpdates bool   `json:"sendUpdates"`
}

// JServer speaks the JSON control protocol. Inbound traffic is framed by
// brace counting so that clients can send objects back-to-back without
// delimiters; bare text lines carrying the SA verbs are accepted as well.
type JServer struct {
	e        *state.Env
	ln       net.Listener
	sessions map[uuid.UUID]*jSession
}

func (j *JServer) Init(s *state.State) error {
	j.e = s.Env
	j.sessions = make(map[uuid.UUID]*jSession)

	ln, err := listen(s.Env, "J", s.Config.Protocols.JListen, j.accept)
	if err != nil {
		return err
	}
	j.ln = ln
	return nil
}

func (j *JServer) Cleanup(s *state.State) error {
	if j.ln != nil {
		j.ln.Close()
	}
	for _, sess := range j.sessions {
		sess.Close()
	}
	return nil
}

func (j *JServer) accept(conn net.Conn) {
	sess := &jSession{Session: newSession(conn)}
	j.e.Dispatch(func(s *state.State) error {
		j.sessions[sess.Id] = sess
		sess.Sub = core.Get[*core.RouterRegistry](s).Subscribe(func(n state.Notification) {
			j.notify(s, sess, n)
		})
		return nil
	})

	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		for _, b := range buf[:n] {
			if frame, text, ok := sess.feed(b); ok {
				j.e.DispatchWait(func(s *state.State) (any, error) {
					if text {
						j.handleTextCommand(s, sess, string(frame))
					} else {
						j.handleJson(s, sess, frame)
					}
					return nil, nil
				})
			}
		}
		if err != nil {
			break
		}
	}
	j.e.Dispatch(func(s *state.State) error {
		core.Get[*core.RouterRegistry](s).Unsubscribe(sess.Sub)
		delete(j.sessions, sess.Id)
		sess.Close()
		return nil
	})
}

// feed advances the framing state machine by one byte. It returns a complete
// frame when one closes: a JSON object when the outermost brace balances, or
// a bare text line when a newline arrives outside any object.
func (sess *jSession) feed(b byte) (frame []byte, text bool, ok bool) {
	switch b {
	case '"':
		if sess.accumLevel > 0 {
			sess.accumQuoted = !sess.accumQuoted
		}
		sess.accum = append(sess.accum, b)
	case '{':
		if !sess.accumQuoted {
			sess.accumLevel++
		}
		sess.accum = append(sess.accum, b)
	case '}':
		sess.accum = append(sess.accum, b)
		if !sess.accumQuoted && sess.accumLevel > 0 {
			sess.accumLevel--
			if sess.accumLevel == 0 {
				frame = sess.accum
				sess.accum = nil
				return frame, false, true
			}
		}
	case '\n':
		if sess.accumLevel == 0 {
			line := strings.TrimSpace(string(sess.accum))
			sess.accum = nil
			if line == "" {
				return nil, false, false
			}
			return []byte(line), true, true
		}
		sess.accum = append(sess.accum, b)
	default:
		sess.accum = append(sess.accum, b)
	}
	return nil, false, false
}

func (j *JServer) handleJson(s *state.State, sess *jSession, frame []byte) {
	var msg map[string]json.RawMessage
	if err := json.Unmarshal(frame, &msg); err != nil {
		j.sendError(sess, jJsonError, "")
		return
	}
	for cmd, raw := range msg {
		var req jRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			j.sendError(sess, jJsonError, "")
			return
		}
		j.dispatch(s, sess, strings.ToLower(cmd), &req)
		return // one command per object
	}
	j.sendError(sess, jNoCommandError, "")
}

// handleTextCommand maps an SA-style text line onto the JSON command set.
func (j *JServer) handleTextCommand(s *state.State, sess *jSession, line string) {
	cmds := strings.Split(line, " ")
	req := jRequest{}
	atoi := func(i int) int {
		if i >= len(cmds) {
			return 0
		}
		n, err := strconv.Atoi(cmds[i])
		if err != nil {
			return 0
		}
		return n
	}

	cmd := strings.ToLower(cmds[0])
	switch cmd {
	case "exit", "quit":
		sess.Close()
		return
	case "ping", "routernames":
	case "routestat":
		req.Router = atoi(1)
		req.Destination = atoi(2)
	case "sourcenames", "destnames", "snapshots", "actionlist", "actionstat":
		req.Router = atoi(1)
	case "activateroute":
		req.Router = atoi(1)
		req.Destination = atoi(2)
		req.Source = atoi(3)
	case "activatesnap":
		req.Router = atoi(1)
		if len(cmds) > 2 {
			req.Snapshot = strings.Join(cmds[2:], " ")
		}
	case "gpistat", "gpostat":
		req.Router = atoi(1)
		req.Number = atoi(2)
	case "triggergpi", "triggergpo":
		req.Router = atoi(1)
		req.Number = atoi(2)
		if len(cmds) > 3 {
			req.Code = cmds[3]
		}
		req.Duration = atoi(4)
	case "maskgpistat", "maskgpostat", "maskroutestat", "maskstat":
		req.State = len(cmds) > 1 && (cmds[1] == "true" || cmds[1] == "on" || cmds[1] == "1")
	default:
		j.sendError(sess, jNoCommandError, "")
		return
	}
	j.dispatch(s, sess, cmd, &req)
}

func (j *JServer) dispatch(s *state.State, sess *jSession, cmd string, req *jRequest) {
	reg := core.Get[*core.RouterRegistry](s)

	switch cmd {
	case "ping":
		j.send(sess, map[string]any{"pong": map[string]any{
			"datetime": time.Now().Format("2006-01-02T15:04:05"),
		}})
	case "routernames":
		j.sendRouterNames(reg, sess)
	case "routestat":
		if req.Router <= 0 {
			j.sendError(sess, jNoRouterError, "")
			return
		}
		j.sendRouteInfo(reg, sess, req.Router-1, req.Destination-1)
	case "activateroute":
		j.activateRoute(s, reg, sess, req)
	case "activatesnap":
		if req.Router <= 0 {
			j.sendError(sess, jNoRouterError, "")
			return
		}
		j.activateSnapshot(s, reg, sess, req.Router-1, strings.TrimSpace(req.Snapshot))
	case "snapshots":
		if req.Router <= 0 {
			j.sendError(sess, jNoRouterError, "")
			return
		}
		j.sendSnapshotNames(reg, sess, req.Router-1)
	case "sourcenames":
		if req.Router <= 0 {
			j.sendError(sess, jNoRouterError, "")
			return
		}
		j.sendSourceInfo(reg, sess, req.Router-1)
	case "destnames":
		if req.Router <= 0 {
			j.sendError(sess, jNoRouterError, "")
			return
		}
		j.sendDestInfo(reg, sess, req.Router-1)
	case "gpistat":
		if req.Router <= 0 {
			j.sendError(sess, jNoRouterError, "")
			return
		}
		j.sendGpiInfo(reg, sess, req.Router-1, req.Number-1)
	case "gpostat":
		if req.Router <= 0 {
			j.sendError(sess, jNoRouterError, "")
			return
		}
		j.sendGpoInfo(reg, sess, req.Router-1, req.Number-1)
	case "triggergpi":
		j.triggerGpio(s, reg, sess, req, false)
	case "triggergpo":
		j.triggerGpio(s, reg, sess, req, true)
	case "actionlist":
		if req.Router <= 0 {
			j.sendError(sess, jNoRouterError, "")
			return
		}
		j.sendActionInfo(s, reg, sess, req.Router-1)
	case "actionstat":
		if req.Router <= 0 {
			j.sendError(sess, jNoRouterError, "")
			return
		}
		j.sendActionStat(s, sess, req.Router-1)
	case "maskgpistat":
		sess.gpistatMasked = req.State
		j.send(sess, map[string]any{"maskgpistat": map[string]any{"state": req.State}})
	case "maskgpostat":
		sess.gpostatMasked = req.State
		j.send(sess, map[string]any{"maskgpostat": map[string]any{"state": req.State}})
	case "maskroutestat":
		sess.routestatMasked = req.State
		j.send(sess, map[string]any{"maskroutestat": map[string]any{"state": req.State}})
	case "maskstat":
		sess.gpistatMasked = req.State
		sess.gpostatMasked = req.State
		sess.routestatMasked = req.State
		j.send(sess, map[string]any{"maskgpistat": map[string]any{"state": req.State}})
		j.send(sess, map[string]any{"maskgpostat": map[string]any{"state": req.State}})
		j.send(sess, map[string]any{"maskroutestat": map[string]any{"state": req.State}})
	default:
		j.sendError(sess, jNoCommandError, "")
	}
}

func (j *JServer) activateRoute(s *state.State, reg *core.RouterRegistry, sess *jSession, req *jRequest) {
	if req.Router <= 0 {
		j.sendError(sess, jParameterError, "missing/invalid \"router\" value")
		return
	}
	if req.Destination <= 0 {
		j.sendError(sess, jParameterError, "missing/invalid \"destination\" value")
		return
	}
	if req.Source < 0 {
		j.sendError(sess, jParameterError, "missing/invalid \"source\" value")
		return
	}
	// source 0 clears the crosspoint.
	err := reg.ActivateRoute(s, req.Router-1, req.Destination-1, req.Source-1, sess.Peer)
	if err != nil {
		j.sendRegistryError(sess, err)
	}
}

func (j *JServer) triggerGpio(s *state.State, reg *core.RouterRegistry, sess *jSession, req *jRequest, gpo bool) {
	if req.Router <= 0 {
		j.sendError(sess, jParameterError, "missing/invalid \"router\" value")
		return
	}
	if req.Number <= 0 {
		j.sendError(sess, jParameterError, "missing/invalid \"number\" value")
		return
	}
	if len(req.Code) != state.GpioCodeLen {
		j.sendError(sess, jParameterError, "missing/invalid \"code\" value")
		return
	}
	var err error
	if gpo {
		err = reg.TriggerGpo(s, req.Router-1, req.Number-1, req.Code, sess.Peer)
	} else {
		err = reg.TriggerGpi(s, req.Router-1, req.Number-1, req.Code, sess.Peer)
	}
	if err != nil {
		j.sendRegistryError(sess, err)
	}
}

func (j *JServer) activateSnapshot(s *state.State, reg *core.RouterRegistry, sess *jSession, router int, name string) {
	if reg.Map(router) == nil {
		j.sendError(sess, jNoRouterError, "")
		return
	}
	sess.WriteString("Snapshot Initiated\r\n")
	if err := reg.ActivateSnapshot(s, router, name, sess.Peer); err != nil {
		s.Log.Debug("j snapshot failed", "peer", sess.Peer, "snapshot", name, "error", err)
	}
}

func (j *JServer) sendRouterNames(reg *core.RouterRegistry, sess *jSession) {
	type routerEntry struct {
		Number int    `json:"number"`
		Name   string `json:"name"`
		Type   string `json:"type"`
	}
	entries := make([]routerEntry, 0)
	for _, em := range reg.Maps() {
		entries = append(entries, routerEntry{
			Number: em.Number + 1,
			Name:   em.Name,
			Type:   string(em.Type),
		})
	}
	j.send(sess, map[string]any{"routernames": entries})
}

// sendRouteInfo reports crosspoint state; output < 0 means every output on
// the router.
func (j *JServer) sendRouteInfo(reg *core.RouterRegistry, sess *jSession, router, output int) {
	em := reg.Map(router)
	if em == nil {
		j.sendError(sess, jNoRouterError, "")
		return
	}
	if output < 0 {
		for i := 0; i < em.SlotCount(state.MapOutput); i++ {
			input, _ := reg.RouteStat(router, i)
			j.send(sess, routeStatMessage(router, i, input))
		}
		return
	}
	if output >= em.SlotCount(state.MapOutput) {
		return
	}
	input, _ := reg.RouteStat(router, output)
	j.send(sess, routeStatMessage(router, output, input))
}

// routeStatMessage renders 0-based internal numbers as the 1-based wire
// form; an unrouted output carries source -1.
func routeStatMessage(router, output, input int) map[string]any {
	source := -1
	if input >= 0 {
		source = input + 1
	}
	return map[string]any{"routestat": map[string]any{
		"router":      router + 1,
		"destination": output + 1,
		"source":      source,
	}}
}

func (j *JServer) sendGpiInfo(reg *core.RouterRegistry, sess *jSession, router, input int) {
	em := reg.Map(router)
	if em == nil {
		j.sendError(sess, jNoRouterError, "")
		return
	}
	if em.Type != state.GpioRouter {
		j.sendError(sess, jNotGpioRouterError, "")
		return
	}
	lo, hi := input, input+1
	if input < 0 {
		lo, hi = 0, em.SlotCount(state.MapInput)
	}
	for i := lo; i < hi; i++ {
		if code, err := reg.GpiState(router, i); err == nil && code != "" {
			j.send(sess, map[string]any{"gpistat": map[string]any{
				"router": router + 1, "source": i + 1, "code": code,
			}})
		}
	}
}

func (j *JServer) sendGpoInfo(reg *core.RouterRegistry, sess *jSession, router, output int) {
	em := reg.Map(router)
	if em == nil {
		j.sendError(sess, jNoRouterError, "")
		return
	}
	if em.Type != state.GpioRouter {
		j.sendError(sess, jNotGpioRouterError, "")
		return
	}
	lo, hi := output, output+1
	if output < 0 {
		lo, hi = 0, em.SlotCount(state.MapOutput)
	}
	for i := lo; i < hi; i++ {
		if code, err := reg.GpoState(router, i); err == nil && code != "" {
			j.send(sess, map[string]any{"gpostat": map[string]any{
				"router": router + 1, "destination": i + 1, "code": code,
			}})
		}
	}
}

func (j *JServer) sendSnapshotNames(reg *core.RouterRegistry, sess *jSession, router int) {
	em := reg.Map(router)
	if em == nil {
		j.sendError(sess, jNoRouterError, "")
		return
	}
	body := map[string]any{"router": router + 1}
	for i, snap := range em.Snapshots {
		body[fmt.Sprintf("snapshot%d", i)] = map[string]any{"name": snap.Name}
	}
	j.send(sess, map[string]any{"snapshots": body})
}

type jEndpointEntry struct {
	Number          int    `json:"number"`
	Name            string `json:"name"`
	HostDescription string `json:"hostDescription"`
	HostAddress     string `json:"hostAddress,omitempty"`
	HostName        string `json:"hostName,omitempty"`
	Slot            int    `json:"slot,omitempty"`
	SourceNumber    int    `json:"sourceNumber,omitempty"`
	StreamAddress   string `json:"streamAddress,omitempty"`
	GpioAddress     string `json:"gpioAddress,omitempty"`
}

// sendSourceInfo replies with a flat object carrying the router number and
// the source list side by side.
func (j *JServer) sendSourceInfo(reg *core.RouterRegistry, sess *jSession, router int) {
	em := reg.Map(router)
	if em == nil {
		j.sendError(sess, jNoRouterError, "")
		return
	}
	entries := make([]jEndpointEntry, 0)
	for i, in := range em.Inputs {
		entry := jEndpointEntry{Number: i + 1}
		if em.Type == state.AudioRouter {
			entry.Name = fmt.Sprintf("SRC %d", in.Slot+1)
		} else {
			entry.Name = fmt.Sprintf("GPI %d", in.Slot+1)
		}
		if drv := reg.DriverByAddress(in.HostAddress); drv != nil && drv.IsConnected() {
			node := drv.Node()
			entry.HostDescription = node.DeviceName
			entry.HostAddress = addrString(node.HostAddress)
			entry.HostName = node.HostName
			entry.Slot = in.Slot + 1
			if em.Type == state.AudioRouter {
				if src := drv.Src(in.Slot); src != nil {
					if src.Name != "" {
						entry.Name = src.Name
					}
					if src.StreamAddress.IsValid() {
						entry.StreamAddress = src.StreamAddress.String()
						entry.SourceNumber = livewireNumber(src.StreamAddress)
					}
				}
			} else {
				entry.GpioAddress = fmt.Sprintf("%s/%d", addrString(node.HostAddress), in.Slot+1)
			}
		}
		if in.Name != "" {
			entry.Name = in.Name
		}
		entries = append(entries, entry)
	}
	j.send(sess, map[string]any{"router": router + 1, "sourcenames": entries})
}

func (j *JServer) sendDestInfo(reg *core.RouterRegistry, sess *jSession, router int) {
	em := reg.Map(router)
	if em == nil {
		j.sendError(sess, jNoRouterError, "")
		return
	}
	body := map[string]any{"router": router + 1}
	for i, out := range em.Outputs {
		entry := jEndpointEntry{Number: i + 1}
		if em.Type == state.AudioRouter {
			entry.Name = fmt.Sprintf("DST %d", out.Slot+1)
		} else {
			entry.Name = fmt.Sprintf("GPO %d", out.Slot+1)
		}
		if drv := reg.DriverByAddress(out.HostAddress); drv != nil && drv.IsConnected() {
			node := drv.Node()
			entry.HostDescription = node.DeviceName
			entry.HostAddress = addrString(node.HostAddress)
			entry.HostName = node.HostName
			entry.Slot = out.Slot + 1
			if em.Type == state.AudioRouter {
				if dst := drv.Dst(out.Slot); dst != nil && dst.Name != "" {
					entry.Name = dst.Name
				}
			} else if gpo := drv.Gpo(out.Slot); gpo != nil && gpo.Name != "" {
				entry.Name = gpo.Name
			}
		}
		if out.Name != "" {
			entry.Name = out.Name
		}
		body[fmt.Sprintf("destination%d", i)] = entry
	}
	j.send(sess, map[string]any{"destnames": body})
}

func (j *JServer) sendActionInfo(s *state.State, reg *core.RouterRegistry, sess *jSession, router int) {
	em := reg.Map(router)
	if em == nil {
		j.sendError(sess, jNoRouterError, "")
		return
	}
	body := map[string]any{"router": router + 1}
	count := 0
	for _, a := range core.Get[*core.RouteEngine](s).Actions() {
		if a.Router-1 != router {
			continue
		}
		body[fmt.Sprintf("action%d", count)] = actionListMessage(em, a)
		count++
	}
	j.send(sess, map[string]any{"actionlist": body})
}

func actionListMessage(em *state.EndPointMap, a store.RouteAction) map[string]any {
	msg := map[string]any{
		"id":          a.Id,
		"isActive":    true,
		"time":        store.FormatTimeOfDay(a.Time),
		"sunday":      a.DayOfWeek[0],
		"monday":      a.DayOfWeek[1],
		"tuesday":     a.DayOfWeek[2],
		"wednesday":   a.DayOfWeek[3],
		"thursday":    a.DayOfWeek[4],
		"friday":      a.DayOfWeek[5],
		"saturday":    a.DayOfWeek[6],
		"destination": a.Destination,
		"source":      a.Source,
		"comment":     a.Comment,
	}
	if slot, ok := em.Endpoint(state.MapOutput, a.Destination-1); ok {
		msg["destinationName"] = slot.Name
		msg["destinationHostAddress"] = addrString(slot.HostAddress)
	}
	if slot, ok := em.Endpoint(state.MapInput, a.Source-1); ok {
		msg["sourceName"] = slot.Name
		msg["sourceHostAddress"] = addrString(slot.HostAddress)
	}
	return msg
}

// sendActionStat reports the id of the next action due on the router.
func (j *JServer) sendActionStat(s *state.State, sess *jSession, router int) {
	nextIds := make([]int, 0)
	var nextAt time.Time
	now := time.Now()
	for _, a := range core.Get[*core.RouteEngine](s).Actions() {
		if a.Router-1 != router {
			continue
		}
		at := a.NextRunsAt(now)
		if at.IsZero() {
			continue
		}
		if nextAt.IsZero() || at.Before(nextAt) {
			nextAt = at
			nextIds = []int{a.Id}
		} else if at.Equal(nextAt) {
			nextIds = append(nextIds, a.Id)
		}
	}
	j.send(sess, map[string]any{"actionstat": map[string]any{
		"router": router + 1,
		"nextId": nextIds,
	}})
}

// notify pushes unsolicited stat records unless the client masked them.
func (j *JServer) notify(s *state.State, sess *jSession, n state.Notification) {
	reg := core.Get[*core.RouterRegistry](s)
	switch n.Category {
	case state.CatDestination:
		if sess.routestatMasked {
			return
		}
		for _, em := range reg.Maps() {
			if em.Type != state.AudioRouter {
				continue
			}
			output := em.EndpointNumber(state.MapOutput, n.Node.HostAddress, n.Slot)
			if output < 0 {
				continue
			}
			input, _ := reg.RouteStat(em.Number, output)
			j.send(sess, routeStatMessage(em.Number, output, input))
		}
	case state.CatGpi:
		if sess.gpistatMasked || n.Gpi == nil {
			return
		}
		for _, em := range reg.Maps() {
			if em.Type != state.GpioRouter {
				continue
			}
			input := em.EndpointNumber(state.MapInput, n.Node.HostAddress, n.Slot)
			if input >= 0 {
				j.send(sess, map[string]any{"gpistat": map[string]any{
					"router": em.Number + 1, "source": input + 1, "code": n.Gpi.Code,
				}})
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
			if !sess.gpostatMasked {
				j.send(sess, map[string]any{"gpostat": map[string]any{
					"router": em.Number + 1, "destination": output + 1, "code": n.Gpo.Bundle.Code,
				}})
			}
			if !sess.routestatMasked {
				input := em.EndpointNumber(state.MapInput, n.Gpo.SourceAddress, n.Gpo.SourceSlot)
				j.send(sess, routeStatMessage(em.Number, output, input))
			}
		}
	}
}

// sendRegistryError maps a registry failure onto the wire error taxonomy.
func (j *JServer) sendRegistryError(sess *jSession, err error) {
	switch {
	case err == nil:
	case errors.Is(err, core.ErrNoRouter):
		j.sendError(sess, jNoRouterError, "")
	case errors.Is(err, core.ErrNoEndpoint):
		j.sendError(sess, jNoDestinationError, "")
	case errors.Is(err, core.ErrNotGpioRouter):
		j.sendError(sess, jNotGpioRouterError, "")
	case errors.Is(err, core.ErrNoSnapshot):
		j.sendError(sess, jNoSnapshotError, "")
	default:
		j.sendError(sess, jParameterError, err.Error())
	}
}

func (j *JServer) sendError(sess *jSession, etype int, remarks string) {
	desc := jErrorString(etype)
	if remarks != "" {
		desc += "\n\n" + remarks
	}
	j.send(sess, map[string]any{"error": map[string]any{
		"type":        etype,
		"description": desc,
	}})
}

func (j *JServer) send(sess *jSession, msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	sess.Write(append(data, '\r', '\n'))
}
