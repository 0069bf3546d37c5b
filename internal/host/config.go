package host

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/luciancaetano/netslime"
	"github.com/luciancaetano/netslime/internal/connection"
	"github.com/luciancaetano/netslime/internal/protocol"
)

// Config configures a Host.
type Config struct {
	Role       netslime.Role
	Connection *connection.Config

	// ReplicationBudget caps the bytes of one replication payload per peer
	// and tick. Zero uses four fragment payloads.
	ReplicationBudget int

	// MetricsRegistry receives the host collectors. Nil keeps them in a
	// private registry reachable through Host.Gatherer.
	MetricsRegistry prometheus.Registerer

	// Start is the clock origin. Zero uses the wall clock at construction.
	Start time.Time
}

// DefaultConfig returns the default configuration for role.
func DefaultConfig(role netslime.Role) *Config {
	return &Config{
		Role:       role,
		Connection: connection.DefaultConfig(),
	}
}

func (c *Config) normalized() *Config {
	out := *c
	if out.Connection == nil {
		out.Connection = connection.DefaultConfig()
	}
	if out.ReplicationBudget <= 0 {
		mtu := out.Connection.MTU
		if mtu <= 0 {
			mtu = netslime.DefaultMTU
		}
		out.ReplicationBudget = 4 * protocol.FragmentPayloadSize(mtu)
	}
	if out.Start.IsZero() {
		out.Start = time.Now()
	}
	return &out
}
