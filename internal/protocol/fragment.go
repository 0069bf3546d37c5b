package protocol

import (
	"time"

	"github.com/golang/glog"
	"github.com/pkg/errors"

	"github.com/luciancaetano/netslime"
)

const maxFragments = 255

// FragmentPayloadSize returns how many payload bytes each fragment carries.
func FragmentPayloadSize(mtu int) int {
	return mtu - FragmentHeaderSize
}

// Fragment frames payload, splitting it into ordered fragments when it does
// not fit one unfragmented packet. Fragments share h.Sequence,
// which doubles as the fragment group id.
func Fragment(h Header, payload []byte, mtu int) ([][]byte, error) {
	if len(payload) <= MaxPayload(mtu) {
		h.Flags &^= FlagFragment
		b, err := Frame(h, payload, mtu)
		if err != nil {
			return nil, err
		}
		return [][]byte{b}, nil
	}
	if h.Flags&(FlagAckOnly|FlagControl) != 0 {
		return nil, errors.Wrap(netslime.ErrPayloadTooLarge, "control and ack-only packets cannot be fragmented")
	}

	chunk := FragmentPayloadSize(mtu)
	if chunk <= 0 {
		return nil, errors.Errorf("mtu %d leaves no room for fragment payload", mtu)
	}
	count := (len(payload) + chunk - 1) / chunk
	if count > maxFragments {
		return nil, errors.Wrapf(netslime.ErrPayloadTooLarge, "%d bytes need %d fragments, max %d", len(payload), count, maxFragments)
	}

	out := make([][]byte, 0, count)
	h.Flags |= FlagFragment
	h.FragmentCount = uint8(count)
	for i := 0; i < count; i++ {
		end := (i + 1) * chunk
		if end > len(payload) {
			end = len(payload)
		}
		h.FragmentIndex = uint8(i)
		b, err := Frame(h, payload[i*chunk:end], mtu)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

type groupKey struct {
	channel  netslime.Channel
	sequence uint16
}

type fragmentGroup struct {
	created  time.Time
	count    uint8
	received int
	parts    [][]byte
}

// Reassembler buffers fragments until their group is complete. Groups that
// do not complete within the timeout, or are pushed out by the group bound,
// are dropped silently: the transport is lossy and the reliability layer
// will resend what matters.
type Reassembler struct {
	timeout   time.Duration
	maxGroups int
	groups    map[groupKey]*fragmentGroup
}

// NewReassembler creates a reassembler keeping at most maxGroups incomplete
// groups for at most timeout each.
func NewReassembler(timeout time.Duration, maxGroups int) *Reassembler {
	if maxGroups < 1 {
		maxGroups = 1
	}
	return &Reassembler{
		timeout:   timeout,
		maxGroups: maxGroups,
		groups:    make(map[groupKey]*fragmentGroup),
	}
}

// Len returns the number of incomplete groups.
func (r *Reassembler) Len() int { return len(r.groups) }

// Add stores one fragment. When it completes its group the reassembled
// payload is returned with true.
func (r *Reassembler) Add(p Packet, now time.Time) ([]byte, bool) {
	if p.Flags&FlagFragment == 0 {
		return p.Payload, true
	}

	key := groupKey{channel: p.Channel, sequence: p.Sequence}
	g, ok := r.groups[key]
	if ok && g.count != p.FragmentCount {
		glog.V(2).Infof("fragment group %v: count changed %d -> %d, dropping", key, g.count, p.FragmentCount)
		delete(r.groups, key)
		return nil, false
	}
	if !ok {
		if len(r.groups) >= r.maxGroups {
			r.evictOldest()
		}
		g = &fragmentGroup{
			created: now,
			count:   p.FragmentCount,
			parts:   make([][]byte, p.FragmentCount),
		}
		r.groups[key] = g
	}

	if g.parts[p.FragmentIndex] != nil {
		return nil, false
	}
	part := make([]byte, len(p.Payload))
	copy(part, p.Payload)
	g.parts[p.FragmentIndex] = part
	g.received++
	if g.received < int(g.count) {
		return nil, false
	}

	delete(r.groups, key)
	size := 0
	for _, part := range g.parts {
		size += len(part)
	}
	out := make([]byte, 0, size)
	for _, part := range g.parts {
		out = append(out, part...)
	}
	return out, true
}

// Expire drops groups older than the timeout and returns how many.
func (r *Reassembler) Expire(now time.Time) int {
	dropped := 0
	for key, g := range r.groups {
		if now.Sub(g.created) >= r.timeout {
			delete(r.groups, key)
			dropped++
		}
	}
	return dropped
}

// Clear releases every buffered group.
func (r *Reassembler) Clear() {
	r.groups = make(map[groupKey]*fragmentGroup)
}

func (r *Reassembler) evictOldest() {
	var (
		oldest    groupKey
		oldestAt  time.Time
		haveFirst bool
	)
	for key, g := range r.groups {
		if !haveFirst || g.created.Before(oldestAt) {
			oldest, oldestAt, haveFirst = key, g.created, true
		}
	}
	if haveFirst {
		delete(r.groups, oldest)
	}
}
