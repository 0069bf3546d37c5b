// Package slime is the entry point of netslime: it builds hosts over the
// UDP, WebSocket and in-memory transports.
package slime

import (
	"context"

	"github.com/pkg/errors"

	"github.com/luciancaetano/netslime"
	"github.com/luciancaetano/netslime/internal/host"
	"github.com/luciancaetano/netslime/internal/transport"
)

type Host = host.Host
type HostConfig = host.Config
type RateLimitConfig = transport.RateLimitConfig
type CheckOriginFn = transport.CheckOriginFn
type MemoryNetwork = transport.MemoryNetwork

const (
	RoleServer = netslime.RoleServer
	RoleClient = netslime.RoleClient
)

// Config configures a host and the transport it listens on.
type Config struct {
	// Addr is the local listen address. Client hosts may use ":0".
	Addr string
	Host *HostConfig
	// RateLimit limits inbound datagrams per remote address.
	RateLimit *RateLimitConfig
	// CheckOrigin validates WebSocket upgrade requests. Nil keeps the
	// same-origin check of gorilla/websocket.
	CheckOrigin CheckOriginFn
}

// NewConfig returns the default configuration of a role listening on addr.
//
// Example:
//
//	cfg := slime.NewConfig(slime.RoleServer, ":7777")
//	cfg.Host.Connection.HeartbeatInterval = 500 * time.Millisecond
//	h, err := slime.ListenUDP(ctx, cfg)
func NewConfig(role netslime.Role, addr string) *Config {
	return &Config{
		Addr:      addr,
		Host:      host.DefaultConfig(role),
		RateLimit: transport.DefaultRateLimitConfig(),
	}
}

// ListenUDP creates a host over a UDP socket bound to cfg.Addr.
func ListenUDP(ctx context.Context, cfg *Config) (*Host, error) {
	ucfg := transport.DefaultUDPConfig(cfg.Addr)
	if cfg.RateLimit != nil {
		ucfg.RateLimit = cfg.RateLimit
	}
	tr, err := transport.ListenUDP(ctx, ucfg)
	if err != nil {
		return nil, errors.Wrapf(err, "listen udp %s", cfg.Addr)
	}
	return host.New(hostConfig(cfg), tr), nil
}

// ListenWebSocket creates a host accepting WebSocket peers on cfg.Addr.
func ListenWebSocket(ctx context.Context, cfg *Config) (*Host, error) {
	tr, err := transport.ListenWebSocket(ctx, wsConfig(cfg))
	if err != nil {
		return nil, errors.Wrapf(err, "listen websocket %s", cfg.Addr)
	}
	return host.New(hostConfig(cfg), tr), nil
}

// DialWebSocket creates a client host whose transport is a single
// WebSocket to addr. The host still has to Connect to addr to handshake.
func DialWebSocket(ctx context.Context, addr string, cfg *Config) (*Host, error) {
	tr, err := transport.DialWebSocket(ctx, addr, wsConfig(cfg))
	if err != nil {
		return nil, errors.Wrapf(err, "dial websocket %s", addr)
	}
	return host.New(hostConfig(cfg), tr), nil
}

// NewMemoryNetwork returns an in-process network for tests and
// simulations.
func NewMemoryNetwork() *MemoryNetwork {
	return transport.NewMemoryNetwork()
}

// ListenMemory creates a host attached to n at cfg.Addr.
func ListenMemory(n *MemoryNetwork, cfg *Config) (*Host, error) {
	tr, err := n.Listen(cfg.Addr)
	if err != nil {
		return nil, err
	}
	return host.New(hostConfig(cfg), tr), nil
}

// AllOrigins returns a CheckOriginFn accepting every origin (dev only)
func AllOrigins() CheckOriginFn {
	return transport.AllOrigins()
}

// DefaultRateLimitConfig returns the default per-source rate limit
func DefaultRateLimitConfig() *RateLimitConfig {
	return transport.DefaultRateLimitConfig()
}

// NoRateLimit returns a configuration with rate limiting disabled
func NoRateLimit() *RateLimitConfig {
	return transport.NoRateLimit()
}

func hostConfig(cfg *Config) *HostConfig {
	if cfg.Host == nil {
		return host.DefaultConfig(netslime.RoleServer)
	}
	return cfg.Host
}

func wsConfig(cfg *Config) *transport.WebSocketConfig {
	wcfg := transport.DefaultWebSocketConfig(cfg.Addr)
	if cfg.RateLimit != nil {
		wcfg.RateLimit = cfg.RateLimit
	}
	wcfg.CheckOrigin = cfg.CheckOrigin
	return wcfg
}
