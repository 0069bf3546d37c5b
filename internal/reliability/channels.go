package reliability

import (
	"time"

	"github.com/luciancaetano/netslime"
	"github.com/luciancaetano/netslime/internal/protocol"
)

// receiveWindow is how far past the next expected sequence an arrival may
// be buffered. Bit i of the ack field reports expected+i, so 31 is the last
// offset the peer can learn about.
const receiveWindow = 32

type sequencedReceiver struct {
	highest uint16
	any     bool
}

func (r *sequencedReceiver) accept(seq uint16) bool {
	if r.any && !protocol.SequenceGreaterThan(seq, r.highest) {
		return false
	}
	r.highest, r.any = seq, true
	return true
}

type pendingPacket struct {
	seq      uint16
	payload  []byte
	deadline time.Time
	rto      time.Duration
	retries  int
}

type reliableSender struct {
	cfg      Config
	next     uint16
	window   []*pendingPacket // ascending sequence order
	degraded bool
}

func (s *reliableSender) send(payload []byte, now time.Time) (uint16, error) {
	if len(s.window) >= s.cfg.SendWindow {
		return 0, netslime.ErrWindowFull
	}
	seq := s.next
	s.next++
	s.window = append(s.window, &pendingPacket{
		seq:      seq,
		payload:  payload,
		deadline: now.Add(s.cfg.BaseRTO),
		rto:      s.cfg.BaseRTO,
	})
	return seq, nil
}

func (s *reliableSender) ack(ack uint16, bits uint32) []uint16 {
	var acked []uint16
	kept := s.window[:0]
	for _, p := range s.window {
		if isAcked(p.seq, ack, bits) {
			acked = append(acked, p.seq)
			continue
		}
		kept = append(kept, p)
	}
	for i := len(kept); i < len(s.window); i++ {
		s.window[i] = nil
	}
	s.window = kept
	if len(s.window) == 0 {
		s.degraded = false
	}
	return acked
}

func isAcked(seq, ack uint16, bits uint32) bool {
	if protocol.SequenceDiff(ack, seq) >= 0 {
		return true
	}
	off := protocol.SequenceDiff(seq, ack) - 1
	return off < 32 && bits&(1<<uint(off)) != 0
}

func (s *reliableSender) due(now time.Time) ([]*pendingPacket, error) {
	var (
		out []*pendingPacket
		err error
	)
	for _, p := range s.window {
		if now.Before(p.deadline) {
			continue
		}
		if p.retries >= s.cfg.MaxRetries && !s.degraded {
			s.degraded = true
			err = netslime.ErrDegraded
		}
		p.retries++
		p.rto *= 2
		if p.rto > s.cfg.MaxRTO {
			p.rto = s.cfg.MaxRTO
		}
		p.deadline = now.Add(p.rto)
		out = append(out, p)
	}
	return out, err
}

type reliableReceiver struct {
	expected uint16
	buffer   map[uint16][]byte
	dirty    bool
}

func newReliableReceiver() reliableReceiver {
	return reliableReceiver{buffer: make(map[uint16][]byte)}
}

func (r *reliableReceiver) receive(seq uint16, payload []byte) [][]byte {
	// Duplicates still need an ack: the previous one was probably lost.
	r.dirty = true

	d := protocol.SequenceDiff(seq, r.expected)
	if d < 0 || d >= receiveWindow {
		return nil
	}
	if d > 0 {
		if _, ok := r.buffer[seq]; !ok {
			r.buffer[seq] = payload
		}
		return nil
	}

	out := [][]byte{payload}
	r.expected++
	for {
		next, ok := r.buffer[r.expected]
		if !ok {
			break
		}
		delete(r.buffer, r.expected)
		out = append(out, next)
		r.expected++
	}
	return out
}

func (r *reliableReceiver) ackState() (uint16, uint32) {
	ack := r.expected - 1
	var bits uint32
	for seq := range r.buffer {
		if off := protocol.SequenceDiff(seq, ack) - 1; off >= 0 && off < 32 {
			bits |= 1 << uint(off)
		}
	}
	return ack, bits
}
