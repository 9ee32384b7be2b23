package core

import (
	"fmt"
	"math/rand/v2"
	"net"
	"net/netip"
	"time"

	"go.bug.st/serial"

	"github.com/teleroute/drouter/state"
)

const (
	tetherUdpPort      = 6245
	tetherTtySpeed     = 9600
	tetherBaseInterval = 10 * time.Second
	tetherWindow       = time.Second
)

// Tether negotiates which of two twinned daemon instances is active. Both
// sides probe each other over UDP and a serial crossover; the active side
// answers '+', the standby side '-'. A side demotes itself as soon as either
// channel reports an active peer, and promotes itself only when neither
// channel does. The randomized probe interval plus the backoff on overlapping
// probe windows breaks startup symmetry.
type Tether struct {
	e   *state.Env
	cfg state.TetherConfig

	engaged bool
	active  bool

	udp     *net.UDPConn
	udpPeer *net.UDPAddr
	tty     serial.Port

	udpState byte
	ttyState byte

	inWindow    bool
	windowGen   uint64
	intervalGen uint64

	exitArgs []string
}

func (t *Tether) Init(s *state.State) error {
	t.e = s.Env
	t.cfg = s.Config.Tether

	if !t.cfg.IsActivated() {
		t.setActive(s, true)
		return nil
	}
	if !t.cfg.IsSane() {
		s.Log.Error("incomplete tether configuration, tethering disabled")
		t.setActive(s, true)
		return nil
	}

	udp, err := net.ListenUDP("udp", &net.UDPAddr{Port: tetherUdpPort})
	if err != nil {
		return fmt.Errorf("unable to bind tether udp port %d: %w", tetherUdpPort, err)
	}
	t.udp = udp
	t.udpPeer = net.UDPAddrFromAddrPort(netip.AddrPortFrom(t.cfg.ThatAddress, tetherUdpPort))

	tty, err := serial.Open(t.cfg.ThisSerial, &serial.Mode{
		BaudRate: tetherTtySpeed,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		udp.Close()
		return fmt.Errorf("unable to open tether tty port %q: %w", t.cfg.ThisSerial, err)
	}
	t.tty = tty
	t.engaged = true

	go t.udpReadLoop(udp)
	go t.ttyReadLoop(tty)
	t.scheduleInterval()

	s.Log.Info("tether engaged", "this", t.cfg.ThisHostName, "that", t.cfg.ThatHostName)
	return nil
}

func (t *Tether) Cleanup(s *state.State) error {
	// Best-effort detach, regardless of which side thinks it holds the
	// address right now.
	if len(t.exitArgs) > 0 {
		if err := Exec("ip", t.exitArgs...); err != nil {
			s.Log.Debug("shared address detach at exit failed", "error", err)
		}
		t.exitArgs = nil
	}
	if t.udp != nil {
		t.udp.Close()
	}
	if t.tty != nil {
		t.tty.Close()
	}
	return nil
}

// InstanceIsActive reports whether this instance currently owns the pair.
func (t *Tether) InstanceIsActive() bool {
	return t.active
}

func (t *Tether) udpReadLoop(udp *net.UDPConn) {
	buf := make([]byte, 16)
	for {
		n, from, err := udp.ReadFromUDP(buf)
		if err != nil {
			return
		}
		if n < 1 {
			continue
		}
		addr := from.AddrPort().Addr().Unmap()
		b := buf[0]
		t.e.Dispatch(func(s *state.State) error {
			t.onUdpByte(s, b, addr)
			return nil
		})
	}
}

func (t *Tether) ttyReadLoop(tty serial.Port) {
	buf := make([]byte, 1)
	for {
		n, err := tty.Read(buf)
		if err != nil {
			return
		}
		if n < 1 {
			continue
		}
		b := buf[0]
		t.e.Dispatch(func(s *state.State) error {
			t.onTtyByte(s, b)
			return nil
		})
	}
}

func (t *Tether) onUdpByte(s *state.State, b byte, from netip.Addr) {
	if from != t.cfg.ThatAddress {
		return
	}
	if t.inWindow {
		if b == '?' {
			t.backoff()
		} else {
			t.udpState = b
		}
		return
	}
	if b == '?' {
		t.udp.WriteToUDP([]byte{t.stateByte()}, t.udpPeer)
	}
}

func (t *Tether) onTtyByte(s *state.State, b byte) {
	if t.inWindow {
		if b == '?' {
			t.backoff()
		} else {
			t.ttyState = b
		}
		return
	}
	if b == '?' {
		t.tty.Write([]byte{t.stateByte()})
	}
}

func (t *Tether) stateByte() byte {
	if t.active {
		return '+'
	}
	return '-'
}

func (t *Tether) scheduleInterval() {
	t.intervalGen++
	gen := t.intervalGen
	t.e.ScheduleTask(func(s *state.State) error {
		if gen != t.intervalGen || !t.engaged {
			return nil
		}
		t.openWindow()
		return nil
	}, tetherInterval())
}

// openWindow probes both channels and collects replies for the window
// duration; a missing reply counts as an inactive peer.
func (t *Tether) openWindow() {
	t.udpState = '-'
	t.ttyState = '-'
	t.udp.WriteToUDP([]byte{'?'}, t.udpPeer)
	t.tty.Write([]byte{'?'})

	t.inWindow = true
	t.windowGen++
	gen := t.windowGen
	t.e.ScheduleTask(func(s *state.State) error {
		if gen != t.windowGen || !t.engaged {
			return nil
		}
		t.closeWindow(s)
		return nil
	}, tetherWindow)
}

func (t *Tether) closeWindow(s *state.State) {
	t.inWindow = false
	next := resolveWindow(t.active, t.udpState, t.ttyState)
	if next != t.active {
		t.setActive(s, next)
		if next {
			t.modifySharedAddress(s, "add")
		} else {
			t.modifySharedAddress(s, "del")
		}
	}
	t.scheduleInterval()
}

// backoff abandons the current probe window: the peer is probing at the same
// time, so both sides retreat for a fresh randomized interval.
func (t *Tether) backoff() {
	t.inWindow = false
	t.windowGen++
	t.scheduleInterval()
}

func (t *Tether) setActive(s *state.State, active bool) {
	t.active = active
	s.Log.Info("instance state changed", "active", active)
	Get[*RouterRegistry](s).NotifyTetherState(active)
}

// resolveWindow decides the next active state from the collected replies. An
// active peer on either channel always wins; promotion requires both channels
// to agree the peer is not active.
func resolveWindow(active bool, udpState, ttyState byte) bool {
	if active {
		if udpState == '+' || ttyState == '+' {
			return false
		}
		return true
	}
	if udpState != '+' && ttyState != '+' {
		return true
	}
	return false
}

func tetherInterval() time.Duration {
	return time.Duration(rand.Float64() * float64(tetherBaseInterval))
}

// modifySharedAddress attaches or detaches the shared address on whichever
// interface carries this instance's tether address.
func (t *Tether) modifySharedAddress(s *state.State, keyword string) {
	name, plen, err := findInterface(t.cfg.ThisAddress)
	if err != nil {
		s.Log.Error("unable to find tether interface", "address", t.cfg.ThisAddress, "error", err)
		return
	}
	args := []string{"addr", keyword, fmt.Sprintf("%s/%d", t.cfg.SharedAddress, plen), "dev", name}
	if keyword == "add" {
		t.exitArgs = []string{"addr", "del", fmt.Sprintf("%s/%d", t.cfg.SharedAddress, plen), "dev", name}
	}
	if err := Exec("ip", args...); err != nil {
		s.Log.Error("unable to modify shared address", "keyword", keyword, "error", err)
	}
}

func findInterface(addr netip.Addr) (string, int, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return "", 0, err
	}
	for _, iface := range ifaces {
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipnet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			ip, ok := netip.AddrFromSlice(ipnet.IP)
			if !ok {
				continue
			}
			if ip.Unmap() == addr {
				plen, _ := ipnet.Mask.Size()
				return iface.Name, plen, nil
			}
		}
	}
	return "", 0, fmt.Errorf("no interface carries %s", addr)
}
