// Package reliability implements the per-channel delivery guarantees of a
// connection: pass-through for unreliable-unordered, newest-only for
// unreliable-sequenced, and windowed retransmission with in-order delivery
// for reliable-ordered.
package reliability

import (
	"time"

	"github.com/luciancaetano/netslime"
	"github.com/luciancaetano/netslime/internal/protocol"
)

// maxSendWindow keeps every in-flight sequence expressible by the cumulative
// ack plus the 32-bit selective ack field.
const maxSendWindow = 32

// Config tunes the reliable-ordered channel.
type Config struct {
	// SendWindow is the number of unacknowledged packets allowed in flight.
	SendWindow int
	// BaseRTO is the first retransmission timeout; it doubles on every
	// retry up to MaxRTO.
	BaseRTO time.Duration
	MaxRTO  time.Duration
	// MaxRetries is how many retransmissions a packet gets before the
	// channel is marked degraded.
	MaxRetries int
	// MTU bounds the packet size and therefore the window budget.
	MTU int
}

// DefaultConfig returns the default reliability configuration.
func DefaultConfig() Config {
	return Config{
		SendWindow: netslime.DefaultSendWindow,
		BaseRTO:    netslime.DefaultBaseRTO,
		MaxRTO:     netslime.DefaultMaxRTO,
		MaxRetries: netslime.DefaultMaxRetries,
		MTU:        netslime.DefaultMTU,
	}
}

func (c Config) normalized() Config {
	d := DefaultConfig()
	if c.SendWindow <= 0 || c.SendWindow > maxSendWindow {
		c.SendWindow = d.SendWindow
	}
	if c.BaseRTO <= 0 {
		c.BaseRTO = d.BaseRTO
	}
	if c.MaxRTO < c.BaseRTO {
		c.MaxRTO = c.BaseRTO
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.MTU <= protocol.FragmentHeaderSize {
		c.MTU = d.MTU
	}
	return c
}

// Outgoing is a packet ready for framing. The caller sets the version.
type Outgoing struct {
	Header  protocol.Header
	Payload []byte
}

// Endpoint holds one connection's sender and receiver state for every
// channel. It is not safe for concurrent use; the host tick owns it.
type Endpoint struct {
	cfg Config

	unorderedSeq uint16
	sequencedSeq uint16
	sequenced    sequencedReceiver

	sender   reliableSender
	receiver reliableReceiver
}

// NewEndpoint creates the channel state for one connection.
func NewEndpoint(cfg Config) *Endpoint {
	cfg = cfg.normalized()
	return &Endpoint{
		cfg:      cfg,
		sender:   reliableSender{cfg: cfg},
		receiver: newReliableReceiver(),
	}
}

// Send assigns the next sequence number of ch and stamps the current ack
// state. Reliable payloads are kept until acknowledged; ErrWindowFull means
// the caller should try again on a later tick.
func (e *Endpoint) Send(ch netslime.Channel, payload []byte, now time.Time) (Outgoing, error) {
	h := protocol.Header{Channel: ch}
	switch ch {
	case netslime.UnreliableUnordered:
		h.Sequence = e.unorderedSeq
		e.unorderedSeq++
	case netslime.UnreliableSequenced:
		h.Sequence = e.sequencedSeq
		e.sequencedSeq++
	case netslime.ReliableOrdered:
		seq, err := e.sender.send(payload, now)
		if err != nil {
			return Outgoing{}, err
		}
		h.Sequence = seq
	default:
		return Outgoing{}, netslime.ErrInvalidChannel
	}
	e.Stamp(&h)
	return Outgoing{Header: h, Payload: payload}, nil
}

// Stamp writes the reliable receive state into h and clears the pending ack.
func (e *Endpoint) Stamp(h *protocol.Header) {
	h.Ack, h.AckBits = e.receiver.ackState()
	e.receiver.dirty = false
}

// AckOnly returns a header carrying nothing but the receive state.
func (e *Endpoint) AckOnly() protocol.Header {
	h := protocol.Header{Channel: netslime.ReliableOrdered, Flags: protocol.FlagAckOnly}
	e.Stamp(&h)
	return h
}

// ProcessAcks applies the ack fields of any received packet and returns the
// reliable sequences acknowledged for the first time.
func (e *Endpoint) ProcessAcks(h protocol.Header) []uint16 {
	return e.sender.ack(h.Ack, h.AckBits)
}

// Deliver runs a received data payload through its channel and returns the
// payloads now deliverable, in order.
func (e *Endpoint) Deliver(h protocol.Header, payload []byte) [][]byte {
	switch h.Channel {
	case netslime.UnreliableUnordered:
		return [][]byte{payload}
	case netslime.UnreliableSequenced:
		if e.sequenced.accept(h.Sequence) {
			return [][]byte{payload}
		}
		return nil
	case netslime.ReliableOrdered:
		return e.receiver.receive(h.Sequence, payload)
	}
	return nil
}

// Retransmits returns reliable packets whose deadline passed, restamped with
// the current ack state. ErrDegraded is returned alongside them the first
// time a packet exceeds MaxRetries.
func (e *Endpoint) Retransmits(now time.Time) ([]Outgoing, error) {
	due, err := e.sender.due(now)
	if len(due) == 0 {
		return nil, err
	}
	out := make([]Outgoing, 0, len(due))
	for _, p := range due {
		h := protocol.Header{Channel: netslime.ReliableOrdered, Sequence: p.seq}
		e.Stamp(&h)
		out = append(out, Outgoing{Header: h, Payload: p.payload})
	}
	return out, err
}

// NeedsAck reports whether reliable data arrived since the last stamp.
func (e *Endpoint) NeedsAck() bool { return e.receiver.dirty }

// InFlight returns the number of unacknowledged reliable packets.
func (e *Endpoint) InFlight() int { return len(e.sender.window) }

// Degraded reports whether a reliable packet exceeded its retries and is
// still unacknowledged.
func (e *Endpoint) Degraded() bool { return e.sender.degraded }

// Budget returns how many reliable payload bytes the window can take now.
func (e *Endpoint) Budget() int {
	free := e.cfg.SendWindow - len(e.sender.window)
	if free <= 0 {
		return 0
	}
	return free * protocol.FragmentPayloadSize(e.cfg.MTU)
}

// Reset discards every pending packet and buffered arrival.
func (e *Endpoint) Reset() {
	e.sender.window = nil
	e.sender.degraded = false
	e.receiver = newReliableReceiver()
}
