package netslime

import "time"

// ProtocolVersion is the wire version spoken by this build. Peers must
// match exactly; the handshake rejects anything else.
const ProtocolVersion uint8 = 3

// Defaults shared by the configuration constructors.
const (
	DefaultMTU               = 1200
	DefaultHeartbeatInterval = time.Second
	DefaultTimeoutMultiplier = 5
	DefaultHandshakeInterval = 250 * time.Millisecond
	DefaultLingerTimeout     = 2 * time.Second
	DefaultSendWindow        = 32
	DefaultBaseRTO           = 100 * time.Millisecond
	DefaultMaxRTO            = 2 * time.Second
	DefaultMaxRetries        = 8
	DefaultReassemblyTimeout = 3 * time.Second
	DefaultReassemblyGroups  = 64
	DefaultMaxConnections    = 256
)

// Reasons attached to state changes.
const (
	ReasonVersionMismatch = "protocol version mismatch"
	ReasonRejected        = "rejected by peer"
	ReasonFull            = "server full"
	ReasonPeerClosed      = "closed by peer"
	ReasonLocalClose      = "closed locally"
	ReasonTimeout         = "no packets received"
	ReasonHandshake       = "handshake timed out"
	ReasonDegraded        = "reliable channel degraded"
	ReasonTransportFatal  = "transport failed"
)
