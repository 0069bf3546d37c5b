package protocol

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/luciancaetano/netslime/internal/bitmask"
)

// ControlKind identifies a connection control message.
type ControlKind uint8

const (
	ControlConnectRequest ControlKind = iota + 1
	ControlConnectAccept
	ControlConnectReject
	ControlConnectConfirm
	ControlHeartbeat
	ControlDisconnect
)

func (k ControlKind) String() string {
	switch k {
	case ControlConnectRequest:
		return "connect-request"
	case ControlConnectAccept:
		return "connect-accept"
	case ControlConnectReject:
		return "connect-reject"
	case ControlConnectConfirm:
		return "connect-confirm"
	case ControlHeartbeat:
		return "heartbeat"
	case ControlDisconnect:
		return "disconnect"
	}
	return fmt.Sprintf("control(%d)", uint8(k))
}

// RejectReason is carried by ControlConnectReject.
type RejectReason uint8

const (
	RejectNone RejectReason = iota
	RejectVersion
	RejectFull
)

// Control is a handshake or keep-alive message. It travels in packets with
// FlagControl set on the unreliable-unordered channel.
//
// Wire layout: kind(4) version(8) nonce(64) reason(4), ten bytes total.
type Control struct {
	Kind    ControlKind
	Version uint8
	Nonce   uint64
	Reason  RejectReason
}

const controlSize = 10

// Marshal bit-packs the control message.
func (c Control) Marshal() ([]byte, error) {
	buf := bitmask.NewBuffer(controlSize)
	if err := buf.WriteBits(uint64(c.Kind), 4); err != nil {
		return nil, errors.Wrap(err, "control kind")
	}
	if err := buf.WriteBits(uint64(c.Version), 8); err != nil {
		return nil, errors.Wrap(err, "control version")
	}
	if err := buf.WriteBits(c.Nonce, 64); err != nil {
		return nil, errors.Wrap(err, "control nonce")
	}
	if err := buf.WriteBits(uint64(c.Reason), 4); err != nil {
		return nil, errors.Wrap(err, "control reason")
	}
	return buf.Bytes(), nil
}

// ParseControl decodes a control payload.
func ParseControl(b []byte) (Control, error) {
	if len(b) != controlSize {
		return Control{}, frameErrorf(Malformed, "control payload of %d bytes", len(b))
	}
	buf := bitmask.FromBytes(b)

	var c Control
	kind, err := buf.ReadBits(4)
	if err != nil {
		return Control{}, err
	}
	version, err := buf.ReadBits(8)
	if err != nil {
		return Control{}, err
	}
	if c.Nonce, err = buf.ReadBits(64); err != nil {
		return Control{}, err
	}
	reason, err := buf.ReadBits(4)
	if err != nil {
		return Control{}, err
	}

	c.Kind = ControlKind(kind)
	c.Version = uint8(version)
	c.Reason = RejectReason(reason)
	if c.Kind < ControlConnectRequest || c.Kind > ControlDisconnect {
		return Control{}, frameErrorf(Malformed, "unknown control kind %d", kind)
	}
	return c, nil
}
