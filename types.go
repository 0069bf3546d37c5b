package netslime

import (
	"fmt"
	"math"
	"time"

	"github.com/pkg/errors"

	"github.com/luciancaetano/netslime/internal/bitmask"
)

// Channel identifies a reliability class multiplexed over one connection.
type Channel uint8

const (
	// UnreliableUnordered packets may be lost, duplicated or reordered.
	UnreliableUnordered Channel = iota
	// UnreliableSequenced packets may be lost, but an older packet is never
	// delivered after a newer one.
	UnreliableSequenced
	// ReliableOrdered packets are retransmitted until acknowledged and
	// delivered in send order.
	ReliableOrdered

	// NumChannels is the size of the fixed channel set.
	NumChannels
)

// Valid reports whether c is one of the fixed channels.
func (c Channel) Valid() bool { return c < NumChannels }

func (c Channel) String() string {
	switch c {
	case UnreliableUnordered:
		return "unreliable-unordered"
	case UnreliableSequenced:
		return "unreliable-sequenced"
	case ReliableOrdered:
		return "reliable-ordered"
	}
	return fmt.Sprintf("channel(%d)", uint8(c))
}

// ConnectionState is the lifecycle state of a connection.
type ConnectionState uint8

const (
	StateHandshaking ConnectionState = iota
	StateEstablished
	StateClosing
	StateClosed
	StateTimedOut
	StateRejected
)

// Terminal reports whether the connection has been released.
func (s ConnectionState) Terminal() bool {
	return s == StateClosed || s == StateTimedOut || s == StateRejected
}

func (s ConnectionState) String() string {
	switch s {
	case StateHandshaking:
		return "handshaking"
	case StateEstablished:
		return "established"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateTimedOut:
		return "timed-out"
	case StateRejected:
		return "rejected"
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// Role selects whether a host owns authoritative objects or mirrors them.
type Role uint8

const (
	RoleServer Role = iota
	RoleClient
)

func (r Role) String() string {
	if r == RoleServer {
		return "server"
	}
	return "client"
}

// ConnectionHandle identifies a connection for its whole lifetime.
type ConnectionHandle string

// StateChange describes one connection state transition.
type StateChange struct {
	Handle  ConnectionHandle
	Address string
	From    ConnectionState
	To      ConnectionState
	// Reason is empty for ordinary transitions and describes the cause of
	// rejections, timeouts and degraded channels.
	Reason string
}

// ConnectionInfo is a point-in-time view of a connection.
type ConnectionInfo struct {
	Handle       ConnectionHandle `json:"handle"`
	Address      string           `json:"address"`
	State        string           `json:"state"`
	Initiator    bool             `json:"initiator"`
	LastReceived time.Duration    `json:"lastReceived"`
	InFlight     int              `json:"inFlight"`
	Degraded     bool             `json:"degraded"`
}

// Message is a gameplay payload received on a channel.
type Message struct {
	Handle  ConnectionHandle
	Channel Channel
	Payload []byte
}

// ObjectID is the stable identifier of a replicated object.
type ObjectID uint32

// FieldID identifies a field within an object's schema.
type FieldID uint8

// TombstoneField is reserved in every object; an update carrying it removes
// the object.
const TombstoneField FieldID = 0xFF

// FieldKind is the wire type of a replicated field.
type FieldKind uint8

const (
	FieldBool FieldKind = iota
	FieldUint
	FieldInt
	FieldQuantized
)

func (k FieldKind) String() string {
	switch k {
	case FieldBool:
		return "bool"
	case FieldUint:
		return "uint"
	case FieldInt:
		return "int"
	case FieldQuantized:
		return "quantized"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Field declares one replicated field.
//
// Bits is the width for FieldUint and FieldInt. FieldQuantized uses Min, Max
// and Precision instead; FieldBool is always one bit.
type Field struct {
	ID        FieldID
	Name      string
	Kind      FieldKind
	Bits      int
	Min       float64
	Max       float64
	Precision float64
}

// Width returns the number of bits a value of f occupies on the wire.
func (f Field) Width() int {
	switch f.Kind {
	case FieldBool:
		return 1
	case FieldQuantized:
		return bitmask.QuantizedBits(f.Min, f.Max, f.Precision)
	}
	return f.Bits
}

// Schema is the set of fields of a replicated object.
type Schema []Field

// Validate checks ids are unique and not reserved, and widths are usable.
func (s Schema) Validate() error {
	seen := make(map[FieldID]bool, len(s))
	for _, f := range s {
		if f.ID == TombstoneField {
			return errors.Wrapf(ErrInvalidSchema, "field %q uses the reserved tombstone id", f.Name)
		}
		if seen[f.ID] {
			return errors.Wrapf(ErrInvalidSchema, "duplicate field id %d", f.ID)
		}
		seen[f.ID] = true

		switch f.Kind {
		case FieldBool:
		case FieldUint, FieldInt:
			if f.Bits < 1 || f.Bits > 64 {
				return errors.Wrapf(ErrInvalidSchema, "field %q has width %d", f.Name, f.Bits)
			}
		case FieldQuantized:
			if !finite(f.Min) || !finite(f.Max) || !finite(f.Precision) || f.Precision <= 0 || f.Max <= f.Min {
				return errors.Wrapf(ErrInvalidSchema, "field %q has quantization [%g,%g] step %g", f.Name, f.Min, f.Max, f.Precision)
			}
			// The step index travels as a uint64 and must stay exact.
			if steps := (f.Max - f.Min) / f.Precision; steps >= 1<<63 || math.IsInf(steps, 0) {
				return errors.Wrapf(ErrInvalidSchema, "field %q needs %g quantization steps", f.Name, steps)
			}
		default:
			return errors.Wrapf(ErrInvalidSchema, "field %q has unknown kind %d", f.Name, f.Kind)
		}
	}
	return nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// Lookup returns the field with the given id.
func (s Schema) Lookup(id FieldID) (Field, bool) {
	for _, f := range s {
		if f.ID == id {
			return f, true
		}
	}
	return Field{}, false
}

// FieldUpdate reports a change applied to a proxy.
type FieldUpdate struct {
	Handle   ConnectionHandle
	Object   ObjectID
	Field    FieldID
	Name     string
	Revision uint16
	// Value is bool, uint64, int64 or float64 depending on the field kind.
	Value any
	// Removed is set when the proxy was destroyed, either by a tombstone or
	// because its connection went away. Field is TombstoneField then.
	Removed bool
}
