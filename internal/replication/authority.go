// Package replication keeps authoritative object state and mirrors it on
// remote peers as field-level deltas.
//
// The authority tracks, per peer, what each peer has acknowledged and what
// is still in flight, so only changed fields are sent and a field is never
// resent while an identical revision is on its way. Proxies apply entries
// whose revision is newer than the last one applied, which makes duplicate
// and stale updates harmless.
package replication

import (
	"sort"

	"github.com/golang/glog"
	"github.com/pkg/errors"

	"github.com/luciancaetano/netslime"
	"github.com/luciancaetano/netslime/internal/bitmask"
	"github.com/luciancaetano/netslime/internal/protocol"
)

// PeerID identifies the receiving side of replication.
type PeerID = netslime.ConnectionHandle

type fieldState struct {
	raw      uint64
	revision uint16
	changed  uint64
}

type object struct {
	id      netslime.ObjectID
	schema  netslime.Schema
	fields  map[netslime.FieldID]*fieldState
	removed bool
	stamp   uint64
}

type snapshot struct {
	raw      uint64
	revision uint16
}

type peerState struct {
	acked    map[netslime.ObjectID]map[netslime.FieldID]snapshot
	pending  map[netslime.ObjectID]map[netslime.FieldID]uint16
	inflight map[uint16][]entry
	known    map[netslime.ObjectID]bool
	buried   map[netslime.ObjectID]bool
}

func newPeerState() *peerState {
	return &peerState{
		acked:    make(map[netslime.ObjectID]map[netslime.FieldID]snapshot),
		pending:  make(map[netslime.ObjectID]map[netslime.FieldID]uint16),
		inflight: make(map[uint16][]entry),
		known:    make(map[netslime.ObjectID]bool),
		buried:   make(map[netslime.ObjectID]bool),
	}
}

// Update is one replication payload built for a peer.
type Update struct {
	Payload []byte
	// Entries is the number of entries in Payload.
	Entries int
	// Deferred counts entries that did not fit the budget.
	Deferred int

	entries []entry
}

// Empty reports whether there is nothing to send.
func (u Update) Empty() bool { return u.Entries == 0 }

// Authority owns the authoritative objects of a server host. It is not safe
// for concurrent use.
type Authority struct {
	objects map[netslime.ObjectID]*object
	peers   map[PeerID]*peerState
	clock   uint64
}

// NewAuthority returns an empty authority.
func NewAuthority() *Authority {
	return &Authority{
		objects: make(map[netslime.ObjectID]*object),
		peers:   make(map[PeerID]*peerState),
	}
}

// Register creates an object whose fields start at their zero value.
func (a *Authority) Register(id netslime.ObjectID, schema netslime.Schema) error {
	if err := schema.Validate(); err != nil {
		return err
	}
	if _, ok := a.objects[id]; ok {
		return errors.Wrapf(netslime.ErrObjectExists, "object %d", id)
	}

	a.clock++
	o := &object{
		id:     id,
		schema: append(netslime.Schema(nil), schema...),
		fields: make(map[netslime.FieldID]*fieldState, len(schema)),
		stamp:  a.clock,
	}
	for _, f := range schema {
		o.fields[f.ID] = &fieldState{changed: a.clock}
	}
	a.objects[id] = o
	return nil
}

// Unregister removes an object. Peers that saw it receive a tombstone; the
// id can be reused once every peer acknowledged it.
func (a *Authority) Unregister(id netslime.ObjectID) error {
	o, ok := a.objects[id]
	if !ok || o.removed {
		return errors.Wrapf(netslime.ErrUnknownObject, "object %d", id)
	}
	a.clock++
	o.removed = true
	o.stamp = a.clock
	a.forget(o)
	return nil
}

// Set encodes value into the field and bumps its revision when the encoded
// value changed. It reports whether a new revision was created.
func (a *Authority) Set(id netslime.ObjectID, field netslime.FieldID, value any) (bool, error) {
	o, ok := a.objects[id]
	if !ok || o.removed {
		return false, errors.Wrapf(netslime.ErrUnknownObject, "object %d", id)
	}
	f, ok := o.schema.Lookup(field)
	if !ok {
		return false, errors.Wrapf(netslime.ErrUnknownField, "object %d field %d", id, field)
	}
	raw, err := encodeValue(f, value)
	if err != nil {
		return false, err
	}

	st := o.fields[field]
	if st.raw == raw {
		return false, nil
	}
	a.clock++
	st.raw = raw
	st.revision++
	st.changed = a.clock
	return true, nil
}

// Get returns the current decoded value of a field.
func (a *Authority) Get(id netslime.ObjectID, field netslime.FieldID) (any, uint16, bool) {
	o, ok := a.objects[id]
	if !ok || o.removed {
		return nil, 0, false
	}
	f, ok := o.schema.Lookup(field)
	if !ok {
		return nil, 0, false
	}
	st := o.fields[field]
	return decodeValue(f, st.raw), st.revision, true
}

// AddPeer starts replicating to peer. Every live object is sent in full.
func (a *Authority) AddPeer(peer PeerID) {
	if _, ok := a.peers[peer]; !ok {
		a.peers[peer] = newPeerState()
	}
}

// DropPeer releases every snapshot of peer.
func (a *Authority) DropPeer(peer PeerID) {
	if _, ok := a.peers[peer]; !ok {
		return
	}
	delete(a.peers, peer)
	for _, o := range a.objects {
		if o.removed {
			a.forget(o)
		}
	}
}

// BuildUpdate collects the fields peer has neither acknowledged nor in
// flight and packs as many whole entries as fit into budget bytes.
// Tombstones come first, then the most recently changed fields. The update
// must be passed to Sent once its reliable sequence is known.
func (a *Authority) BuildUpdate(peer PeerID, budget int) Update {
	ps, ok := a.peers[peer]
	if !ok {
		return Update{}
	}

	type candidate struct {
		entry
		stamp uint64
	}
	var tombs, fields []candidate
	for _, o := range a.objects {
		if o.removed {
			if ps.known[o.id] && !ps.buried[o.id] && !ps.tombInFlight(o.id) {
				tombs = append(tombs, candidate{entry{object: o.id, field: netslime.TombstoneField}, o.stamp})
			}
			continue
		}
		for _, f := range o.schema {
			st := o.fields[f.ID]
			if snap, ok := ps.acked[o.id][f.ID]; ok && snap.revision == st.revision {
				continue
			}
			if rev, ok := ps.pending[o.id][f.ID]; ok && rev == st.revision {
				continue
			}
			fields = append(fields, candidate{entry{
				object:   o.id,
				field:    f.ID,
				revision: st.revision,
				raw:      st.raw,
				width:    f.Width(),
			}, st.changed})
		}
	}

	sort.Slice(tombs, func(i, j int) bool { return tombs[i].object < tombs[j].object })
	sort.Slice(fields, func(i, j int) bool {
		if fields[i].stamp != fields[j].stamp {
			return fields[i].stamp > fields[j].stamp
		}
		if fields[i].object != fields[j].object {
			return fields[i].object < fields[j].object
		}
		return fields[i].field < fields[j].field
	})

	// One bit is kept for the end marker.
	free := budget*8 - 1
	var u Update
	for _, c := range append(tombs, fields...) {
		if c.bits() > free {
			u.Deferred++
			continue
		}
		free -= c.bits()
		u.entries = append(u.entries, c.entry)
	}
	if len(u.entries) == 0 {
		return u
	}

	bitsUsed := 1
	for _, e := range u.entries {
		bitsUsed += e.bits()
	}
	buf := bitmask.NewBuffer((bitsUsed + 7) / 8)
	for _, e := range u.entries {
		if err := writeEntry(buf, e); err != nil {
			glog.Errorf("replication: encode object %d field %d: %v", e.object, e.field, err)
			return Update{Deferred: u.Deferred + len(u.entries)}
		}
	}
	if err := buf.WriteBool(false); err != nil {
		glog.Errorf("replication: end marker: %v", err)
		return Update{Deferred: u.Deferred + len(u.entries)}
	}
	u.Payload = buf.Bytes()
	u.Entries = len(u.entries)
	return u
}

// Sent records the entries of u as in flight under the reliable sequence
// seq.
func (a *Authority) Sent(peer PeerID, seq uint16, u Update) {
	ps, ok := a.peers[peer]
	if !ok || u.Empty() {
		return
	}
	ps.inflight[seq] = u.entries
	for _, e := range u.entries {
		ps.known[e.object] = true
		if e.tombstone() {
			continue
		}
		if ps.pending[e.object] == nil {
			ps.pending[e.object] = make(map[netslime.FieldID]uint16)
		}
		ps.pending[e.object][e.field] = e.revision
	}
}

// Ack commits the entries sent under seq into peer's snapshot.
func (a *Authority) Ack(peer PeerID, seq uint16) {
	ps, ok := a.peers[peer]
	if !ok {
		return
	}
	entries, ok := ps.inflight[seq]
	if !ok {
		return
	}
	delete(ps.inflight, seq)

	for _, e := range entries {
		if e.tombstone() {
			ps.buried[e.object] = true
			delete(ps.acked, e.object)
			delete(ps.pending, e.object)
			if o, ok := a.objects[e.object]; ok && o.removed {
				a.forget(o)
			}
			continue
		}

		if rev, ok := ps.pending[e.object][e.field]; ok && rev == e.revision {
			delete(ps.pending[e.object], e.field)
			if len(ps.pending[e.object]) == 0 {
				delete(ps.pending, e.object)
			}
		}
		if o, ok := a.objects[e.object]; !ok || o.removed || ps.buried[e.object] {
			continue
		}
		snaps := ps.acked[e.object]
		if snaps == nil {
			snaps = make(map[netslime.FieldID]snapshot)
			ps.acked[e.object] = snaps
		}
		if cur, ok := snaps[e.field]; ok && !protocol.SequenceGreaterThan(e.revision, cur.revision) {
			continue
		}
		snaps[e.field] = snapshot{raw: e.raw, revision: e.revision}
	}
}

// Acked returns the revision peer acknowledged for a field.
func (a *Authority) Acked(peer PeerID, id netslime.ObjectID, field netslime.FieldID) (uint16, bool) {
	ps, ok := a.peers[peer]
	if !ok {
		return 0, false
	}
	snap, ok := ps.acked[id][field]
	return snap.revision, ok
}

// Objects returns the number of objects still tracked, tombstoned ones
// included.
func (a *Authority) Objects() int { return len(a.objects) }

// forget deletes a removed object once no peer still needs its tombstone.
func (a *Authority) forget(o *object) {
	for _, ps := range a.peers {
		if ps.known[o.id] && !ps.buried[o.id] {
			return
		}
	}
	delete(a.objects, o.id)
	for _, ps := range a.peers {
		delete(ps.known, o.id)
		delete(ps.buried, o.id)
		delete(ps.acked, o.id)
		delete(ps.pending, o.id)
		// Entries of this incarnation must not leak into a reused id.
		for seq, entries := range ps.inflight {
			kept := entries[:0:0]
			for _, e := range entries {
				if e.object != o.id {
					kept = append(kept, e)
				}
			}
			ps.inflight[seq] = kept
		}
	}
	glog.V(2).Infof("replication: object %d forgotten", o.id)
}

func (ps *peerState) tombInFlight(id netslime.ObjectID) bool {
	for _, entries := range ps.inflight {
		for _, e := range entries {
			if e.object == id && e.tombstone() {
				return true
			}
		}
	}
	return false
}
