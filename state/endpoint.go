package state

import (
	"fmt"
	"net/netip"
	"strings"
)

// Node describes one physical device as seen by its driver.
type Node struct {
	HostAddress netip.Addr
	HostName    string
	DeviceName  string
	ProductName string
	SrcSlots    int
	DstSlots    int
	GpiSlots    int
	GpoSlots    int
}

// Source is a routable audio input endpoint. The zero StreamAddress means the
// source is not currently streaming.
type Source struct {
	Slot          int
	Name          string
	StreamAddress netip.Addr
	Enabled       bool
	Channels      int
	PacketSize    int
}

// Destination is a routable audio output endpoint. StreamAddress is the
// address of the source currently routed to it; the zero value means off.
type Destination struct {
	Slot          int
	Name          string
	StreamAddress netip.Addr
	Channels      int
}

// GpioBundle is a five-line contact-closure state vector.
type GpioBundle struct {
	Slot int
	Code string
}

// Gpo is a GPIO output bundle with an optional GPI crosspoint assignment.
type Gpo struct {
	Slot          int
	Name          string
	Bundle        GpioBundle
	SourceAddress netip.Addr
	SourceSlot    int
}

const GpioCodeLen = 5

// ParseGpioCode validates a five-character code over the {h,l,x} alphabet and
// returns it lower-cased.
func ParseGpioCode(code string) (string, error) {
	code = strings.ToLower(code)
	if len(code) != GpioCodeLen {
		return "", fmt.Errorf("gpio code %q: length must be %d", code, GpioCodeLen)
	}
	for i := 0; i < len(code); i++ {
		switch code[i] {
		case 'h', 'l', 'x':
		default:
			return "", fmt.Errorf("gpio code %q: invalid character %q at position %d", code, code[i], i)
		}
	}
	return code, nil
}

// MaskBit returns the position and value of the single addressed bit in a
// mask. A mask addressing one bit must leave the other four positions as
// wildcards, otherwise the target bit is ambiguous.
func MaskBit(mask string) (int, byte, error) {
	mask, err := ParseGpioCode(mask)
	if err != nil {
		return -1, 0, err
	}
	pos := -1
	wild := 0
	for i := 0; i < len(mask); i++ {
		if mask[i] == 'x' {
			wild++
		} else {
			pos = i
		}
	}
	if wild < GpioCodeLen-1 {
		return -1, 0, fmt.Errorf("gpio mask %q: needs at least %d wildcard positions", mask, GpioCodeLen-1)
	}
	if pos < 0 {
		return -1, 0, fmt.Errorf("gpio mask %q: no bit addressed", mask)
	}
	return pos, mask[pos], nil
}

// ApplyMask overlays the non-wildcard positions of mask onto code.
func ApplyMask(code, mask string) (string, error) {
	code, err := ParseGpioCode(code)
	if err != nil {
		return "", err
	}
	mask, err = ParseGpioCode(mask)
	if err != nil {
		return "", err
	}
	out := []byte(code)
	for i := 0; i < len(mask); i++ {
		if mask[i] != 'x' {
			out[i] = mask[i]
		}
	}
	return string(out), nil
}

// SlotAddress encodes a 0-based slot number as the synthetic stream address
// used by backends without real stream addressing.
func SlotAddress(slot int) netip.Addr {
	return netip.AddrFrom4([4]byte{0, 0, 0, byte(1 + slot)})
}

// AddressSlot is the inverse of SlotAddress; returns -1 for the zero address.
func AddressSlot(addr netip.Addr) int {
	if !addr.IsValid() {
		return -1
	}
	a4 := addr.As4()
	return int(a4[3]) - 1
}
