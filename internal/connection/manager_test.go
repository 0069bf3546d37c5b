package connection

import (
	"bytes"
	"math/rand"
	"testing"
	"time"

	"github.com/pkg/errors"

	"github.com/luciancaetano/netslime"
	"github.com/luciancaetano/netslime/internal/protocol"
	"github.com/luciancaetano/netslime/internal/transport"
)

const step = 20 * time.Millisecond

type peer struct {
	tr       *transport.Memory
	m        *Manager
	changes  []netslime.StateChange
	payloads [][]byte
}

func newPeer(t *testing.T, n *transport.MemoryNetwork, addr string, cfg *Config) *peer {
	t.Helper()

	tr, err := n.Listen(addr)
	if err != nil {
		t.Fatal(err)
	}
	p := &peer{tr: tr}
	p.m = NewManager(cfg, tr, Handler{
		StateChanged: func(c *Connection, change netslime.StateChange) {
			p.changes = append(p.changes, change)
		},
		Payload: func(c *Connection, ch netslime.Channel, payload []byte) {
			p.payloads = append(p.payloads, append([]byte(nil), payload...))
		},
	}, nil)
	return p
}

func (p *peer) tick(now time.Time) {
	ds, _ := p.tr.Poll()
	for _, d := range ds {
		p.m.Receive(d, now)
	}
	p.m.Update(now)
	p.m.FlushAcks(now)
}

// reached returns the first transition into state
func (p *peer) reached(state netslime.ConnectionState) (netslime.StateChange, bool) {
	for _, c := range p.changes {
		if c.To == state && c.From != state {
			return c, true
		}
	}
	return netslime.StateChange{}, false
}

func run(now *time.Time, d time.Duration, peers ...*peer) {
	end := now.Add(d)
	for now.Before(end) {
		*now = now.Add(step)
		for _, p := range peers {
			p.tick(*now)
		}
	}
}

func establish(t *testing.T, cfgA, cfgB *Config) (*transport.MemoryNetwork, *peer, *peer, *Connection, time.Time) {
	t.Helper()

	n := transport.NewMemoryNetwork()
	a, b := newPeer(t, n, "a", cfgA), newPeer(t, n, "b", cfgB)
	now := time.Unix(0, 0)
	c, err := a.m.Connect("b", now)
	if err != nil {
		t.Fatal(err)
	}
	run(&now, 100*time.Millisecond, b, a)
	if _, ok := a.reached(netslime.StateEstablished); !ok {
		t.Fatalf("initiator not established: %+v", a.changes)
	}
	if _, ok := b.reached(netslime.StateEstablished); !ok {
		t.Fatalf("responder not established: %+v", b.changes)
	}
	return n, a, b, c, now
}

// TestHandshakeEstablishesBothSides tests the connect, accept, confirm flow
func TestHandshakeEstablishesBothSides(t *testing.T) {
	t.Parallel()

	_, a, b, c, _ := establish(t, DefaultConfig(), DefaultConfig())
	if !c.Initiator() || c.Address() != "b" {
		t.Errorf("connection = %+v", c.Info(time.Unix(0, 0)))
	}
	if got := len(b.m.Connections()); got != 1 {
		t.Fatalf("responder tracks %d connections", got)
	}
	if b.m.Connections()[0].Initiator() {
		t.Error("responder connection marked as initiator")
	}
	if a.changes[0].To != netslime.StateHandshaking {
		t.Errorf("first change = %+v, want creation in handshaking", a.changes[0])
	}
}

// TestHandshakeSurvivesLostAccept tests the request resend path
func TestHandshakeSurvivesLostAccept(t *testing.T) {
	t.Parallel()

	n := transport.NewMemoryNetwork()
	a, b := newPeer(t, n, "a", DefaultConfig()), newPeer(t, n, "b", DefaultConfig())
	dropped := 0
	n.SetFilter(func(from, to string, data []byte) [][]byte {
		if from == "b" && dropped < 3 {
			dropped++
			return nil
		}
		return [][]byte{data}
	})

	now := time.Unix(0, 0)
	a.m.Connect("b", now)
	run(&now, 2*time.Second, b, a)
	if dropped != 3 {
		t.Fatalf("dropped %d packets", dropped)
	}
	if _, ok := a.reached(netslime.StateEstablished); !ok {
		t.Errorf("initiator changes: %+v", a.changes)
	}
	if _, ok := b.reached(netslime.StateEstablished); !ok {
		t.Errorf("responder changes: %+v", b.changes)
	}
	if len(b.m.Connections()) != 1 {
		t.Errorf("resent requests created %d connections", len(b.m.Connections()))
	}
}

// TestVersionMismatchRejectsBothSides tests a 3 vs 4 handshake
func TestVersionMismatchRejectsBothSides(t *testing.T) {
	t.Parallel()

	n := transport.NewMemoryNetwork()
	v4 := DefaultConfig()
	v4.Version = 4
	a, b := newPeer(t, n, "a", DefaultConfig()), newPeer(t, n, "b", v4)

	now := time.Unix(0, 0)
	a.m.Connect("b", now)
	run(&now, time.Second, b, a)

	for name, p := range map[string]*peer{"initiator": a, "responder": b} {
		change, ok := p.reached(netslime.StateRejected)
		if !ok {
			t.Errorf("%s never rejected: %+v", name, p.changes)
			continue
		}
		if change.Reason != netslime.ReasonVersionMismatch {
			t.Errorf("%s reason = %q", name, change.Reason)
		}
		if _, ok := p.reached(netslime.StateEstablished); ok {
			t.Errorf("%s established across versions", name)
		}
		if len(p.m.Connections()) != 0 {
			t.Errorf("%s still tracks %d connections", name, len(p.m.Connections()))
		}
	}

	// No retry after rejection.
	before := len(b.changes)
	run(&now, time.Second, b, a)
	if len(b.changes) != before {
		t.Errorf("initiator kept retrying: %+v", b.changes[before:])
	}
}

// TestSilentPeerTimesOut tests the 5x heartbeat timeout
func TestSilentPeerTimesOut(t *testing.T) {
	t.Parallel()

	n, a, b, _, now := establish(t, DefaultConfig(), DefaultConfig())
	n.Partition("a", "b")

	run(&now, 4*time.Second, a, b)
	if _, ok := a.reached(netslime.StateTimedOut); ok {
		t.Fatal("timed out before five heartbeat intervals")
	}
	run(&now, 1500*time.Millisecond, a, b)
	for name, p := range map[string]*peer{"initiator": a, "responder": b} {
		change, ok := p.reached(netslime.StateTimedOut)
		if !ok || change.Reason != netslime.ReasonTimeout {
			t.Errorf("%s changes: %+v", name, p.changes)
		}
	}
}

// TestHeartbeatsKeepIdleConnectionAlive tests keep-alive without traffic
func TestHeartbeatsKeepIdleConnectionAlive(t *testing.T) {
	t.Parallel()

	_, a, b, c, now := establish(t, DefaultConfig(), DefaultConfig())
	run(&now, 20*time.Second, a, b)
	if c.State() != netslime.StateEstablished {
		t.Errorf("idle connection state = %s", c.State())
	}
	if len(b.m.Connections()) != 1 {
		t.Error("responder dropped the idle connection")
	}
}

// TestReliableDeliveryUnderLoss tests ordering with 30% loss both ways
func TestReliableDeliveryUnderLoss(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.Reliability.MaxRetries = 100
	cfg.TimeoutMultiplier = 100
	n, a, b, c, now := establish(t, cfg, cfg)

	rng := rand.New(rand.NewSource(3))
	n.SetFilter(func(from, to string, data []byte) [][]byte {
		if rng.Float64() < 0.3 {
			return nil
		}
		return [][]byte{data}
	})

	const total = 50
	for i := 0; i < total; i++ {
		if err := a.m.Enqueue(c, netslime.ReliableOrdered, []byte{byte(i)}, now); err != nil {
			t.Fatalf("Enqueue(%d) error = %v", i, err)
		}
	}
	run(&now, 30*time.Second, a, b)

	if len(b.payloads) != total {
		t.Fatalf("delivered %d of %d", len(b.payloads), total)
	}
	for i, p := range b.payloads {
		if int(p[0]) != i {
			t.Fatalf("position %d delivered %d", i, p[0])
		}
	}
	if c.endpoint.InFlight() != 0 {
		t.Errorf("InFlight() = %d after delivery", c.endpoint.InFlight())
	}
}

// TestFragmentedPayloads tests payloads larger than the MTU on every channel
func TestFragmentedPayloads(t *testing.T) {
	t.Parallel()

	_, a, b, c, now := establish(t, DefaultConfig(), DefaultConfig())
	big := bytes.Repeat([]byte("0123456789"), 300)

	for _, ch := range []netslime.Channel{netslime.UnreliableUnordered, netslime.ReliableOrdered} {
		if _, err := a.m.Send(c, ch, big, now); err != nil {
			t.Fatalf("Send(%s) error = %v", ch, err)
		}
	}
	run(&now, 100*time.Millisecond, a, b)

	if len(b.payloads) != 2 {
		t.Fatalf("delivered %d payloads, want 2", len(b.payloads))
	}
	for _, p := range b.payloads {
		if !bytes.Equal(p, big) {
			t.Errorf("reassembled %d bytes, want %d", len(p), len(big))
		}
	}

	huge := make([]byte, 256*protocol.FragmentPayloadSize(netslime.DefaultMTU))
	if _, err := a.m.Send(c, netslime.ReliableOrdered, huge, now); !errors.Is(err, netslime.ErrPayloadTooLarge) {
		t.Errorf("oversized Send() error = %v", err)
	}
}

// TestDisconnectDrainsThenCloses tests the closing linger and peer notice
func TestDisconnectDrainsThenCloses(t *testing.T) {
	t.Parallel()

	_, a, b, c, now := establish(t, DefaultConfig(), DefaultConfig())
	if _, err := a.m.Send(c, netslime.ReliableOrdered, []byte("last words"), now); err != nil {
		t.Fatal(err)
	}
	if err := a.m.Disconnect(c.Handle(), now); err != nil {
		t.Fatal(err)
	}
	if c.State() != netslime.StateClosing {
		t.Fatalf("state after Disconnect = %s", c.State())
	}
	if _, err := a.m.Send(c, netslime.UnreliableUnordered, []byte("x"), now); !errors.Is(err, netslime.ErrNotEstablished) {
		t.Errorf("Send() while closing error = %v", err)
	}

	run(&now, 500*time.Millisecond, a, b)
	if len(b.payloads) != 1 || string(b.payloads[0]) != "last words" {
		t.Errorf("responder got %q", b.payloads)
	}
	if change, ok := a.reached(netslime.StateClosed); !ok || change.Reason != netslime.ReasonLocalClose {
		t.Errorf("initiator changes: %+v", a.changes)
	}
	if change, ok := b.reached(netslime.StateClosed); !ok || change.Reason != netslime.ReasonPeerClosed {
		t.Errorf("responder changes: %+v", b.changes)
	}
	if err := a.m.Disconnect(c.Handle(), now); !errors.Is(err, netslime.ErrConnectionNotFound) {
		t.Errorf("second Disconnect() error = %v", err)
	}
}

// TestLingerBoundsClosing tests closing when the peer never acks
func TestLingerBoundsClosing(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.TimeoutMultiplier = 100
	cfg.Reliability.MaxRetries = 100
	n, a, _, c, now := establish(t, cfg, cfg)
	n.Partition("a", "b")

	a.m.Send(c, netslime.ReliableOrdered, []byte("lost"), now)
	a.m.Disconnect(c.Handle(), now)
	run(&now, cfg.LingerTimeout-step, a)
	if c.State() != netslime.StateClosing {
		t.Fatalf("state before linger = %s", c.State())
	}
	run(&now, 2*step, a)
	if c.State() != netslime.StateClosed {
		t.Errorf("state after linger = %s", c.State())
	}
}

// TestDegradedChannelCloses tests DisconnectOnDegraded
func TestDegradedChannelCloses(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		disconnect bool
		wantState  netslime.ConnectionState
	}{
		{"disconnect", true, netslime.StateClosed},
		{"report only", false, netslime.StateEstablished},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := DefaultConfig()
			cfg.TimeoutMultiplier = 100
			cfg.DisconnectOnDegraded = tt.disconnect
			cfg.Reliability.MaxRetries = 2
			cfg.Reliability.MaxRTO = 200 * time.Millisecond
			n, a, _, c, now := establish(t, cfg, cfg)
			n.Partition("a", "b")

			a.m.Send(c, netslime.ReliableOrdered, []byte("x"), now)
			run(&now, 2*time.Second, a)

			if c.State() != tt.wantState {
				t.Errorf("state = %s, want %s", c.State(), tt.wantState)
			}
			degraded := false
			for _, ch := range a.changes {
				if ch.Reason == netslime.ReasonDegraded {
					degraded = true
				}
			}
			if !degraded {
				t.Errorf("degraded never reported: %+v", a.changes)
			}
		})
	}
}

// TestServerFullRejects tests MaxConnections
func TestServerFullRejects(t *testing.T) {
	t.Parallel()

	n := transport.NewMemoryNetwork()
	cfg := DefaultConfig()
	cfg.MaxConnections = 1
	server := newPeer(t, n, "server", cfg)
	first, second := newPeer(t, n, "first", nil), newPeer(t, n, "second", nil)

	now := time.Unix(0, 0)
	first.m.Connect("server", now)
	run(&now, 100*time.Millisecond, server, first)
	second.m.Connect("server", now)
	run(&now, 100*time.Millisecond, server, first, second)

	if _, ok := first.reached(netslime.StateEstablished); !ok {
		t.Errorf("first client changes: %+v", first.changes)
	}
	if change, ok := second.reached(netslime.StateRejected); !ok || change.Reason != netslime.ReasonFull {
		t.Errorf("second client changes: %+v", second.changes)
	}
}

// TestHandshakeFloodGuard tests the request rate limit
func TestHandshakeFloodGuard(t *testing.T) {
	t.Parallel()

	n := transport.NewMemoryNetwork()
	cfg := DefaultConfig()
	cfg.HandshakeRate = 0.001
	cfg.HandshakeBurst = 1
	server := newPeer(t, n, "server", cfg)
	first, second := newPeer(t, n, "first", nil), newPeer(t, n, "second", nil)

	now := time.Unix(0, 0)
	first.m.Connect("server", now)
	second.m.Connect("server", now)
	run(&now, 6*time.Second, server, first, second)

	if _, ok := first.reached(netslime.StateEstablished); !ok {
		t.Errorf("first client changes: %+v", first.changes)
	}
	if change, ok := second.reached(netslime.StateTimedOut); !ok || change.Reason != netslime.ReasonHandshake {
		t.Errorf("second client changes: %+v", second.changes)
	}
}

// TestGarbageIsDropped tests that malformed input never creates state
func TestGarbageIsDropped(t *testing.T) {
	t.Parallel()

	n := transport.NewMemoryNetwork()
	server := newPeer(t, n, "server", nil)
	attacker, _ := n.Listen("attacker")

	inputs := [][]byte{
		nil,
		{0x03},
		bytes.Repeat([]byte{0xFF}, 40),
		{netslime.ProtocolVersion, 0x04, 0, 0, 0, 0, 0, 0, 0, 0, 1, 2},
		{netslime.ProtocolVersion, 0x00, 0, 1, 0, 0, 0, 0, 0, 0, 'h', 'i'},
	}
	now := time.Unix(0, 0)
	for _, in := range inputs {
		attacker.Send("server", in)
	}
	server.tick(now)
	if len(server.m.Connections()) != 0 || len(server.payloads) != 0 {
		t.Errorf("garbage created state: %d connections, %d payloads", len(server.m.Connections()), len(server.payloads))
	}
}

// TestCloseAllNotifiesPeers tests host shutdown
func TestCloseAllNotifiesPeers(t *testing.T) {
	t.Parallel()

	_, a, b, _, now := establish(t, DefaultConfig(), DefaultConfig())
	a.m.CloseAll(netslime.ReasonLocalClose, true, now)
	run(&now, 100*time.Millisecond, b)

	if len(a.m.Connections()) != 0 {
		t.Error("CloseAll left connections")
	}
	if change, ok := b.reached(netslime.StateClosed); !ok || change.Reason != netslime.ReasonPeerClosed {
		t.Errorf("peer changes: %+v", b.changes)
	}
}
