package netslime

import (
	"context"
	"time"
)

// Host is the explicitly constructed context object that owns one transport
// and every connection made over it.
//
// A Host is driven by the game loop: all networking work happens inside
// Tick, and every callback is invoked synchronously from Tick.
//
// Example usage:
//
//	import "github.com/luciancaetano/netslime/slime"
//
//	h, err := slime.ListenUDP(ctx, slime.NewConfig(slime.RoleServer, ":7777"))
//	if err != nil {
//	    return err
//	}
//	defer h.Close()
//
//	h.RegisterReplicatedObject(42, netslime.Schema{
//	    {ID: 0, Name: "health", Kind: netslime.FieldUint, Bits: 8},
//	})
//	h.SetField(42, 0, uint8(80))
//
//	for range time.Tick(50 * time.Millisecond) {
//	    if err := h.Tick(50 * time.Millisecond); err != nil {
//	        return err
//	    }
//	}
type Host interface {
	// Connect starts a handshake with the peer at address and returns its
	// handle immediately. The connection reports Established or a terminal
	// state through the OnConnectionStateChanged callback.
	Connect(address string) (ConnectionHandle, error)

	// ConnectSession resolves a session through the online service and
	// connects to the returned address.
	ConnectSession(ctx context.Context, resolver AddressResolver, session string) (ConnectionHandle, error)

	// Disconnect begins a cooperative shutdown of the connection. Reliable
	// data still in flight is drained for a bounded time, unreliable data is
	// discarded.
	Disconnect(handle ConnectionHandle) error

	// RegisterReplicatedObject declares an object and its field schema.
	//
	// On a server host the object becomes authoritative and is replicated to
	// every established peer. On a client host the schema describes the
	// proxy that incoming updates for id are decoded into.
	RegisterReplicatedObject(id ObjectID, schema Schema) error

	// UnregisterReplicatedObject removes an authoritative object. Peers
	// receive a tombstone and drop their proxies.
	UnregisterReplicatedObject(id ObjectID) error

	// SetField changes an authoritative field. The value is encoded
	// according to the field schema; local misuse (wrong type, out of range)
	// is reported immediately.
	SetField(id ObjectID, field FieldID, value any) error

	// Send queues a gameplay message on the given channel.
	Send(handle ConnectionHandle, channel Channel, payload []byte) error

	// OnFieldUpdate registers the callback receiving proxy updates and
	// removals.
	OnFieldUpdate(fn FieldUpdateFn)

	// OnConnectionStateChanged registers the callback receiving connection
	// lifecycle transitions.
	OnConnectionStateChanged(fn StateChangeFn)

	// OnMessage registers the callback receiving gameplay messages.
	OnMessage(fn MessageFn)

	// Tick advances the host clock by dt and runs one network tick:
	// transport polling, reliability bookkeeping, keep-alive and timeout
	// detection, replication diffing and sending.
	//
	// Returns ErrTransportFatal when the transport failed; every connection
	// has been terminated by then.
	Tick(dt time.Duration) error

	// Connections returns a snapshot of the current connections.
	Connections() []ConnectionInfo

	// Close terminates every connection and releases the transport.
	Close() error
}

// FieldUpdateFn receives proxy field updates.
type FieldUpdateFn = func(update FieldUpdate)

// StateChangeFn receives connection state transitions.
type StateChangeFn = func(change StateChange)

// MessageFn receives gameplay messages.
type MessageFn = func(msg Message)

// AddressResolver is the opaque session or online service. The core only
// uses it to turn a session identifier into a peer address after
// matchmaking.
type AddressResolver interface {
	Resolve(ctx context.Context, session string) (string, error)
}

// StaticResolver resolves sessions from a fixed table.
type StaticResolver map[string]string

// Resolve implements AddressResolver.
func (r StaticResolver) Resolve(ctx context.Context, session string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	addr, ok := r[session]
	if !ok {
		return "", ErrUnknownSession
	}
	return addr, nil
}
