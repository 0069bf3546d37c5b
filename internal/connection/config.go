package connection

import (
	"time"

	"golang.org/x/time/rate"

	"github.com/luciancaetano/netslime"
	"github.com/luciancaetano/netslime/internal/reliability"
)

// Config tunes handshakes, keep-alive and shutdown of every connection of a
// Manager.
type Config struct {
	// Version is the protocol version spoken and required from peers.
	Version uint8
	MTU     int

	// HeartbeatInterval is the longest a connection stays silent.
	// A peer silent for TimeoutMultiplier intervals is timed out.
	HeartbeatInterval time.Duration
	TimeoutMultiplier int

	// HandshakeInterval is the ConnectRequest resend period.
	HandshakeInterval time.Duration

	// LingerTimeout bounds how long a closing connection drains its
	// reliable window.
	LingerTimeout time.Duration

	// DisconnectOnDegraded closes a connection whose reliable channel
	// exhausted its retries. When false the condition is only reported.
	DisconnectOnDegraded bool

	// MaxConnections caps tracked connections; further ConnectRequests are
	// rejected as full.
	MaxConnections int

	// HandshakeRate and HandshakeBurst limit ConnectRequests accepted from
	// unknown endpoints.
	HandshakeRate  rate.Limit
	HandshakeBurst int

	ReassemblyTimeout time.Duration
	ReassemblyGroups  int

	// MaxBacklog bounds reliable messages queued while the send window is
	// full.
	MaxBacklog int

	Reliability reliability.Config
}

// DefaultConfig returns the default connection configuration.
func DefaultConfig() *Config {
	rel := reliability.DefaultConfig()
	return &Config{
		Version:              netslime.ProtocolVersion,
		MTU:                  netslime.DefaultMTU,
		HeartbeatInterval:    netslime.DefaultHeartbeatInterval,
		TimeoutMultiplier:    netslime.DefaultTimeoutMultiplier,
		HandshakeInterval:    netslime.DefaultHandshakeInterval,
		LingerTimeout:        netslime.DefaultLingerTimeout,
		DisconnectOnDegraded: true,
		MaxConnections:       netslime.DefaultMaxConnections,
		HandshakeRate:        50,
		HandshakeBurst:       100,
		ReassemblyTimeout:    netslime.DefaultReassemblyTimeout,
		ReassemblyGroups:     netslime.DefaultReassemblyGroups,
		MaxBacklog:           256,
		Reliability:          rel,
	}
}

// Timeout is how long a peer may stay silent before it is timed out.
func (c *Config) Timeout() time.Duration {
	return c.HeartbeatInterval * time.Duration(c.TimeoutMultiplier)
}

func (c *Config) normalized() *Config {
	d := DefaultConfig()
	out := *c
	if out.MTU <= 0 {
		out.MTU = d.MTU
	}
	if out.HeartbeatInterval <= 0 {
		out.HeartbeatInterval = d.HeartbeatInterval
	}
	if out.TimeoutMultiplier <= 0 {
		out.TimeoutMultiplier = d.TimeoutMultiplier
	}
	if out.HandshakeInterval <= 0 {
		out.HandshakeInterval = d.HandshakeInterval
	}
	if out.LingerTimeout <= 0 {
		out.LingerTimeout = d.LingerTimeout
	}
	if out.MaxConnections <= 0 {
		out.MaxConnections = d.MaxConnections
	}
	if out.HandshakeRate <= 0 {
		out.HandshakeRate = d.HandshakeRate
	}
	if out.HandshakeBurst <= 0 {
		out.HandshakeBurst = d.HandshakeBurst
	}
	if out.ReassemblyTimeout <= 0 {
		out.ReassemblyTimeout = d.ReassemblyTimeout
	}
	if out.ReassemblyGroups <= 0 {
		out.ReassemblyGroups = d.ReassemblyGroups
	}
	if out.MaxBacklog <= 0 {
		out.MaxBacklog = d.MaxBacklog
	}
	out.Reliability.MTU = out.MTU
	return &out
}
