package protocol

import (
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"

	"github.com/luciancaetano/netslime"
)

// Header sizes in bytes. The fragment fields are present only when
// FlagFragment is set.
const (
	HeaderSize         = 10
	FragmentHeaderSize = HeaderSize + 2
)

// Header flags, four bits on the wire.
const (
	FlagFragment uint8 = 0x1
	FlagAckOnly  uint8 = 0x2
	FlagControl  uint8 = 0x4

	flagReserved uint8 = 0x8
)

// Header is the fixed packet header.
//
// Ack and AckBits always describe the sender's reliable-ordered receive
// state, whatever channel the packet itself travels on: every sequence up to
// and including Ack was received, and bit i of AckBits reports Ack+1+i as
// buffered out of order.
type Header struct {
	Version       uint8
	Channel       netslime.Channel
	Flags         uint8
	Sequence      uint16
	Ack           uint16
	AckBits       uint32
	FragmentIndex uint8
	FragmentCount uint8
}

// Size returns the encoded header size.
func (h Header) Size() int {
	if h.Flags&FlagFragment != 0 {
		return FragmentHeaderSize
	}
	return HeaderSize
}

// Packet is a deframed packet. Payload references the received bytes.
type Packet struct {
	Header
	Payload []byte
}

// FrameErrorKind classifies why a datagram was not a valid packet.
type FrameErrorKind uint8

const (
	Malformed FrameErrorKind = iota
	VersionMismatch
	Truncated
)

func (k FrameErrorKind) String() string {
	switch k {
	case Malformed:
		return "malformed"
	case VersionMismatch:
		return "version-mismatch"
	case Truncated:
		return "truncated"
	}
	return fmt.Sprintf("frame-error(%d)", uint8(k))
}

// FrameError is returned by Deframe. It describes untrusted input; callers
// drop the datagram and move on.
type FrameError struct {
	Kind   FrameErrorKind
	Detail string
}

func (e *FrameError) Error() string {
	return fmt.Sprintf("frame %s: %s", e.Kind, e.Detail)
}

func frameErrorf(kind FrameErrorKind, format string, args ...any) *FrameError {
	return &FrameError{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// IsVersionMismatch reports whether err is a FrameError of kind
// VersionMismatch.
func IsVersionMismatch(err error) bool {
	var fe *FrameError
	return errors.As(err, &fe) && fe.Kind == VersionMismatch
}

// MaxPayload returns the largest payload that fits an unfragmented packet.
func MaxPayload(mtu int) int {
	return mtu - HeaderSize
}

// Frame writes the header followed by payload. The payload must fit the MTU;
// larger payloads go through Fragment.
func Frame(h Header, payload []byte, mtu int) ([]byte, error) {
	if !h.Channel.Valid() {
		return nil, errors.Wrapf(netslime.ErrInvalidChannel, "channel %d", h.Channel)
	}
	if h.Flags&flagReserved != 0 {
		return nil, errors.Errorf("reserved flag bits set: 0x%x", h.Flags)
	}
	size := h.Size() + len(payload)
	if size > mtu {
		return nil, errors.Wrapf(netslime.ErrPayloadTooLarge, "packet of %d bytes exceeds mtu %d", size, mtu)
	}

	out := make([]byte, size)
	out[0] = h.Version
	out[1] = byte(h.Channel)<<4 | h.Flags&0x0F
	binary.BigEndian.PutUint16(out[2:4], h.Sequence)
	binary.BigEndian.PutUint16(out[4:6], h.Ack)
	binary.BigEndian.PutUint32(out[6:10], h.AckBits)
	if h.Flags&FlagFragment != 0 {
		out[10] = h.FragmentIndex
		out[11] = h.FragmentCount
	}
	copy(out[h.Size():], payload)
	return out, nil
}

// Deframe parses a datagram. Structural problems are reported first; a
// packet that is well formed but carries another protocol version is
// returned together with a VersionMismatch error so the handshake can
// answer it.
func Deframe(data []byte, version uint8) (Packet, error) {
	if len(data) < HeaderSize {
		return Packet{}, frameErrorf(Truncated, "%d bytes, header needs %d", len(data), HeaderSize)
	}

	h := Header{
		Version:  data[0],
		Channel:  netslime.Channel(data[1] >> 4),
		Flags:    data[1] & 0x0F,
		Sequence: binary.BigEndian.Uint16(data[2:4]),
		Ack:      binary.BigEndian.Uint16(data[4:6]),
		AckBits:  binary.BigEndian.Uint32(data[6:10]),
	}
	if !h.Channel.Valid() {
		return Packet{}, frameErrorf(Malformed, "channel %d out of range", h.Channel)
	}
	if h.Flags&flagReserved != 0 {
		return Packet{}, frameErrorf(Malformed, "reserved flag set")
	}

	fragment := h.Flags&FlagFragment != 0
	ackOnly := h.Flags&FlagAckOnly != 0
	control := h.Flags&FlagControl != 0
	if (fragment && (ackOnly || control)) || (ackOnly && control) {
		return Packet{}, frameErrorf(Malformed, "conflicting flags 0x%x", h.Flags)
	}

	if fragment {
		if len(data) < FragmentHeaderSize {
			return Packet{}, frameErrorf(Truncated, "%d bytes, fragment header needs %d", len(data), FragmentHeaderSize)
		}
		h.FragmentIndex = data[10]
		h.FragmentCount = data[11]
		if h.FragmentCount == 0 || h.FragmentIndex >= h.FragmentCount {
			return Packet{}, frameErrorf(Malformed, "fragment %d of %d", h.FragmentIndex, h.FragmentCount)
		}
	}

	p := Packet{Header: h, Payload: data[h.Size():]}
	if ackOnly && len(p.Payload) != 0 {
		return Packet{}, frameErrorf(Malformed, "ack-only packet with %d payload bytes", len(p.Payload))
	}
	if h.Version != version {
		return p, frameErrorf(VersionMismatch, "version %d, want %d", h.Version, version)
	}
	return p, nil
}
