// Package connection runs the lifecycle of every peer of a host: the
// version-checked handshake, keep-alive and timeouts, cooperative shutdown,
// and the multiplexing of received packets onto the reliability channels.
package connection

import (
	"encoding/binary"
	"time"

	"github.com/google/uuid"

	"github.com/luciancaetano/netslime"
	"github.com/luciancaetano/netslime/internal/protocol"
	"github.com/luciancaetano/netslime/internal/reliability"
)

// Connection is one remote peer. It is owned by its Manager and must only
// be used from the goroutine driving it.
type Connection struct {
	handle    netslime.ConnectionHandle
	addr      string
	initiator bool
	nonce     uint64
	state     netslime.ConnectionState

	created       time.Time
	lastReceived  time.Time
	lastSent      time.Time
	lastHandshake time.Time
	closingSince  time.Time

	endpoint    *reliability.Endpoint
	reassembler *protocol.Reassembler
	backlog     [][]byte
}

func newConnection(cfg *Config, addr string, initiator bool, nonce uint64, now time.Time) *Connection {
	return &Connection{
		handle:       netslime.ConnectionHandle(uuid.New().String()),
		addr:         addr,
		initiator:    initiator,
		nonce:        nonce,
		state:        netslime.StateHandshaking,
		created:      now,
		lastReceived: now,
		lastSent:     now,
		endpoint:     reliability.NewEndpoint(cfg.Reliability),
		reassembler:  protocol.NewReassembler(cfg.ReassemblyTimeout, cfg.ReassemblyGroups),
	}
}

// newNonce draws a handshake nonce from a random uuid.
func newNonce() uint64 {
	u := uuid.New()
	return binary.BigEndian.Uint64(u[:8])
}

func (c *Connection) Handle() netslime.ConnectionHandle { return c.handle }
func (c *Connection) Address() string                   { return c.addr }
func (c *Connection) State() netslime.ConnectionState   { return c.state }
func (c *Connection) Initiator() bool                   { return c.initiator }

// Established reports whether gameplay data may flow.
func (c *Connection) Established() bool { return c.state == netslime.StateEstablished }

// Budget returns the reliable payload bytes that can be sent this tick
// without queueing.
func (c *Connection) Budget() int {
	if len(c.backlog) > 0 {
		return 0
	}
	return c.endpoint.Budget()
}

// Info returns a snapshot for diagnostics.
func (c *Connection) Info(now time.Time) netslime.ConnectionInfo {
	return netslime.ConnectionInfo{
		Handle:       c.handle,
		Address:      c.addr,
		State:        c.state.String(),
		Initiator:    c.initiator,
		LastReceived: now.Sub(c.lastReceived),
		InFlight:     c.endpoint.InFlight(),
		Degraded:     c.endpoint.Degraded(),
	}
}

func (c *Connection) release() {
	c.endpoint.Reset()
	c.reassembler.Clear()
	c.backlog = nil
}
