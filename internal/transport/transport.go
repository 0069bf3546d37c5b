// Package transport moves raw datagrams between endpoints.
//
// A Transport never retries and never blocks the caller: Send queues or
// drops, Poll drains whatever arrived since the last call. Transient socket
// conditions are swallowed; only an unrecoverable failure surfaces, as
// netslime.ErrTransportFatal.
package transport

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"github.com/luciancaetano/netslime"
)

// Datagram is one received packet and the endpoint it came from.
type Datagram struct {
	From string
	Data []byte
}

// Transport is a non-blocking datagram socket.
type Transport interface {
	// Send queues data for the endpoint. It returns nil for transient
	// failures (queue full, unreachable peer) and ErrTransportFatal once the
	// socket is gone.
	Send(to string, data []byte) error

	// Poll returns every datagram received since the last call without
	// blocking. ErrTransportFatal is returned once the socket failed and the
	// queue has been drained.
	Poll() ([]Datagram, error)

	// LocalAddr returns the bound address.
	LocalAddr() string

	// Close releases the socket and stops the I/O goroutines.
	Close() error
}

// RateLimitConfig defines per-source ingress limiting.
type RateLimitConfig struct {
	// MessagesPerSecond defines how many datagrams a source can send per second
	MessagesPerSecond rate.Limit
	// Burst defines the maximum burst size (token bucket capacity)
	Burst int
	// Enabled determines if rate limiting is active
	Enabled bool
}

// DefaultRateLimitConfig returns the default rate limit configuration
// Allows 100 datagrams per second with burst of 200
func DefaultRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		MessagesPerSecond: 100,
		Burst:             200,
		Enabled:           true,
	}
}

// NoRateLimit returns a configuration with rate limiting disabled
func NoRateLimit() *RateLimitConfig {
	return &RateLimitConfig{
		Enabled: false,
	}
}

const limiterIdle = time.Minute

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// limiterSet keeps one token bucket per source address.
type limiterSet struct {
	cfg       *RateLimitConfig
	mu        sync.Mutex
	entries   map[string]*limiterEntry
	lastPrune time.Time
}

func newLimiterSet(cfg *RateLimitConfig) *limiterSet {
	if cfg == nil {
		cfg = DefaultRateLimitConfig()
	}
	return &limiterSet{cfg: cfg, entries: make(map[string]*limiterEntry)}
}

// allow reports whether a datagram from source is within its budget.
func (s *limiterSet) allow(source string) bool {
	if !s.cfg.Enabled {
		return true
	}
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if now.Sub(s.lastPrune) > limiterIdle {
		for k, e := range s.entries {
			if now.Sub(e.lastSeen) > limiterIdle {
				delete(s.entries, k)
			}
		}
		s.lastPrune = now
	}

	e, ok := s.entries[source]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(s.cfg.MessagesPerSecond, s.cfg.Burst)}
		s.entries[source] = e
	}
	e.lastSeen = now
	return e.limiter.AllowN(now, 1)
}

func (s *limiterSet) forget(source string) {
	s.mu.Lock()
	delete(s.entries, source)
	s.mu.Unlock()
}

// fatalState records the first unrecoverable error of a transport.
type fatalState struct {
	mu  sync.RWMutex
	err error
}

func (f *fatalState) set(err error) {
	f.mu.Lock()
	if f.err == nil {
		f.err = err
	}
	f.mu.Unlock()
}

func (f *fatalState) get() error {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.err
}

// drain empties ch without blocking.
func drain(ch <-chan Datagram) []Datagram {
	var out []Datagram
	for {
		select {
		case d := <-ch:
			out = append(out, d)
		default:
			return out
		}
	}
}

var errClosed = errors.Wrap(netslime.ErrTransportFatal, "transport closed")
