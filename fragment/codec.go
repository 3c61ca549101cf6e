// Package fragment implements the fixed-header fragment codec (spec
// §4.1, C1) and the per-peer reassembly buffer (spec §4.2, C2).
package fragment

import (
	"encoding/binary"

	"github.com/torlando-tech/ble-reticulum/mesherrors"
)

const (
	// headerLen is the fixed 5-byte header: type(1) + seq(2) + total(2).
	headerLen = 5

	// TypeStart and TypeEnd are the two bits set in the header's type
	// byte; a single-fragment packet sets both.
	TypeStart byte = 1 << 0
	TypeEnd   byte = 1 << 1
)

// maxFragments is the largest fragment count a 2-byte total field can
// carry (§4.1: "clamped to <= 65535").
const maxFragments = 65535

// Fragment is one on-wire unit of a larger packet.
type Fragment struct {
	Type    byte
	Seq     uint16
	Total   uint16
	Payload []byte
}

// IsStart reports whether this fragment opens a packet.
func (f Fragment) IsStart() bool { return f.Type&TypeStart != 0 }

// IsEnd reports whether this fragment closes a packet.
func (f Fragment) IsEnd() bool { return f.Type&TypeEnd != 0 }

// Encode serializes the fragment to its 5-byte-header wire form.
func (f Fragment) Encode() []byte {
	buf := make([]byte, headerLen+len(f.Payload))
	buf[0] = f.Type
	binary.BigEndian.PutUint16(buf[1:3], f.Seq)
	binary.BigEndian.PutUint16(buf[3:5], f.Total)
	copy(buf[headerLen:], f.Payload)
	return buf
}

// DecodeFragment parses a single fragment from its wire form.
func DecodeFragment(data []byte) (Fragment, error) {
	if len(data) < headerLen {
		return Fragment{}, mesherrors.Wrap(mesherrors.KindCodec, errShortFragment)
	}
	f := Fragment{
		Type:  data[0],
		Seq:   binary.BigEndian.Uint16(data[1:3]),
		Total: binary.BigEndian.Uint16(data[3:5]),
	}
	if len(data) > headerLen {
		f.Payload = append([]byte(nil), data[headerLen:]...)
	}
	return f, nil
}

// payloadSize returns the usable payload bytes per fragment for the
// given MTU, validating the §4.1 floor.
func payloadSize(mtu int) (int, error) {
	if mtu < 23 {
		return 0, mesherrors.ErrMtuTooSmall
	}
	return mtu - headerLen, nil
}

// Encode splits packet into a sequence of fragments sized for mtu
// (§4.1). A zero-length packet yields exactly one fragment with both
// START and END set and an empty payload.
func Encode(packet []byte, mtu int) ([]Fragment, error) {
	size, err := payloadSize(mtu)
	if err != nil {
		return nil, err
	}

	if len(packet) == 0 {
		return []Fragment{{Type: TypeStart | TypeEnd, Seq: 0, Total: 1, Payload: nil}}, nil
	}

	n := (len(packet) + size - 1) / size
	if n > maxFragments {
		return nil, mesherrors.ErrPacketTooLarge
	}

	frags := make([]Fragment, n)
	for i := 0; i < n; i++ {
		start := i * size
		end := start + size
		if end > len(packet) {
			end = len(packet)
		}

		var t byte
		if i == 0 {
			t |= TypeStart
		}
		if i == n-1 {
			t |= TypeEnd
		}

		frags[i] = Fragment{
			Type:    t,
			Seq:     uint16(i),
			Total:   uint16(n),
			Payload: packet[start:end],
		}
	}
	return frags, nil
}

var errShortFragment = shortFragmentErr{}

type shortFragmentErr struct{}

func (shortFragmentErr) Error() string { return "fragment shorter than 5-byte header" }
