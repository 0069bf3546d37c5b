// Package protocol implements the netslime wire format: the fixed packet
// header, fragmentation and reassembly, handshake control messages, and the
// one-byte message kind prefixed to data payloads.
package protocol

import (
	"github.com/pkg/errors"

	"github.com/luciancaetano/netslime"
)

// Kind tags a data payload so several producers can share one channel.
type Kind uint8

const (
	// KindReplication carries replication entries.
	KindReplication Kind = 0x01
	// KindUser carries opaque gameplay messages.
	KindUser Kind = 0x02
)

const (
	kindSize       = 1
	maxMessageSize = 255 * (1500 - FragmentHeaderSize) // largest fragmented payload on an Ethernet MTU
)

// EncodeMessage prefixes body with its kind.
func EncodeMessage(kind Kind, body []byte) ([]byte, error) {
	if len(body) > maxMessageSize {
		return nil, errors.Wrapf(netslime.ErrPayloadTooLarge, "message size %d exceeds maximum %d bytes", len(body), maxMessageSize)
	}

	out := make([]byte, kindSize+len(body))
	out[0] = byte(kind)
	copy(out[kindSize:], body)
	return out, nil
}

// DecodeMessage splits a payload into its kind and body.
// The body slice references the input data for performance - do not modify it.
func DecodeMessage(data []byte) (Kind, []byte, error) {
	if len(data) < kindSize {
		return 0, nil, errors.New("message too short")
	}

	bodySize := len(data) - kindSize
	if bodySize > maxMessageSize {
		return 0, nil, errors.Wrapf(netslime.ErrPayloadTooLarge, "message size %d exceeds maximum %d bytes", bodySize, maxMessageSize)
	}

	kind := Kind(data[0])
	switch kind {
	case KindReplication, KindUser:
	default:
		return 0, nil, errors.Errorf("unknown message kind 0x%02x", data[0])
	}
	return kind, data[kindSize:], nil
}
