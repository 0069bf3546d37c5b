// Package netslime is a realtime game network transport and replication
// layer.
//
// A host owns one datagram transport (UDP, WebSocket or an in-memory
// network for tests) and multiplexes three channels over every connection:
// unreliable-unordered, unreliable-sequenced and reliable-ordered. A server
// host keeps authoritative objects and replicates field-level deltas to its
// peers; a client host mirrors them as proxies.
//
// # Quick Start
//
//	import "github.com/luciancaetano/netslime/slime"
//
//	server, err := slime.ListenUDP(ctx, slime.NewConfig(slime.RoleServer, ":7777"))
//	if err != nil {
//	    return err
//	}
//	server.RegisterReplicatedObject(1, netslime.Schema{
//	    {ID: 0, Name: "health", Kind: netslime.FieldUint, Bits: 8},
//	})
//	server.SetField(1, 0, uint8(80))
//
//	client, err := slime.ListenUDP(ctx, slime.NewConfig(slime.RoleClient, ":0"))
//	client.RegisterReplicatedObject(1, sameSchema)
//	client.OnFieldUpdate(func(u netslime.FieldUpdate) {
//	    log.Printf("object %d %s = %v", u.Object, u.Name, u.Value)
//	})
//	client.Connect("127.0.0.1:7777")
//
//	// Both sides tick from their game loop.
//	server.Tick(50 * time.Millisecond)
//	client.Tick(50 * time.Millisecond)
//
// # Packet Format
//
// Every datagram starts with a bit-packed header:
//
//	[version:8][channel:4][flags:4][sequence:16][ack:16][ackBits:32]
//
// Fragmented payloads add [fragIndex:8][fragCount:8]. Control packets
// (handshake, heartbeat, disconnect) travel on the unreliable-unordered
// channel with the control flag set. Data payloads start with a one-byte
// kind: replication entries or opaque gameplay messages.
//
// # Connections
//
// A connection moves Handshaking, Established, Closing and ends Closed,
// TimedOut or Rejected. Peers must speak the same protocol version. Silent
// peers time out after HeartbeatInterval times TimeoutMultiplier, and a
// reliable channel that exhausts its retries is reported as degraded.
//
// # Replication
//
// Fields are bool, unsigned, signed or quantized floats of a declared
// width. Only fields whose revision a peer has neither acknowledged nor in
// flight are sent, most recently changed first, within the room the
// reliable window has left. Removed objects are announced with a tombstone.
//
// # Rate Limiting
//
// Each remote address has its own token bucket:
//
//	// Default: 100 datagrams/second, burst 200
//	cfg.RateLimit = slime.DefaultRateLimitConfig()
//
//	// Disabled
//	cfg.RateLimit = slime.NoRateLimit()
//
// Datagrams over the limit are dropped; WebSocket peers over the limit are
// closed with code 1008 (Policy Violation).
//
// # Important
//
//   - All networking happens inside Tick; callbacks run synchronously from
//     it and must not call back into the host.
//   - Configure CheckOrigin in production (never use slime.AllOrigins() in
//     production)
package netslime
