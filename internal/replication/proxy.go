package replication

import (
	"sort"

	"github.com/pkg/errors"

	"github.com/luciancaetano/netslime"
	"github.com/luciancaetano/netslime/internal/protocol"
)

type proxyField struct {
	raw      uint64
	revision uint16
}

type proxy struct {
	fields map[netslime.FieldID]proxyField
}

// Proxies mirrors remote objects on a client host. Schemas are declared
// up front; updates for undeclared objects are rejected.
type Proxies struct {
	schemas map[netslime.ObjectID]netslime.Schema
	peers   map[PeerID]map[netslime.ObjectID]*proxy
}

// NewProxies returns an empty proxy set.
func NewProxies() *Proxies {
	return &Proxies{
		schemas: make(map[netslime.ObjectID]netslime.Schema),
		peers:   make(map[PeerID]map[netslime.ObjectID]*proxy),
	}
}

// Declare sets the schema updates for id are decoded with.
func (p *Proxies) Declare(id netslime.ObjectID, schema netslime.Schema) error {
	if err := schema.Validate(); err != nil {
		return err
	}
	if _, ok := p.schemas[id]; ok {
		return errors.Wrapf(netslime.ErrObjectExists, "object %d", id)
	}
	p.schemas[id] = append(netslime.Schema(nil), schema...)
	return nil
}

// Undeclare forgets the schema of id. Existing proxies are kept until
// their tombstone arrives.
func (p *Proxies) Undeclare(id netslime.ObjectID) error {
	if _, ok := p.schemas[id]; !ok {
		return errors.Wrapf(netslime.ErrUnknownObject, "object %d", id)
	}
	delete(p.schemas, id)
	return nil
}

// Apply decodes a replication payload from peer. Tombstones are applied
// first; a field is applied only when its revision is newer than the last
// one applied. Decoding stops at the first entry for an undeclared object
// or field; the entries before it are still applied and the error is
// returned alongside their updates.
func (p *Proxies) Apply(peer PeerID, payload []byte) ([]netslime.FieldUpdate, error) {
	entries, decodeErr := readEntries(payload, func(id netslime.ObjectID, field netslime.FieldID) (int, error) {
		schema, ok := p.schemas[id]
		if !ok {
			return 0, errors.Wrapf(netslime.ErrUnknownObject, "object %d", id)
		}
		f, ok := schema.Lookup(field)
		if !ok {
			return 0, errors.Wrapf(netslime.ErrUnknownField, "object %d field %d", id, field)
		}
		return f.Width(), nil
	})

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].tombstone() && !entries[j].tombstone()
	})

	objects := p.peers[peer]
	if objects == nil {
		objects = make(map[netslime.ObjectID]*proxy)
		p.peers[peer] = objects
	}

	var updates []netslime.FieldUpdate
	for _, e := range entries {
		if e.tombstone() {
			if _, ok := objects[e.object]; ok {
				delete(objects, e.object)
				updates = append(updates, removal(peer, e.object))
			}
			continue
		}

		schema, ok := p.schemas[e.object]
		if !ok {
			continue
		}
		f, _ := schema.Lookup(e.field)

		px := objects[e.object]
		if px == nil {
			px = &proxy{fields: make(map[netslime.FieldID]proxyField)}
			objects[e.object] = px
		}
		if cur, ok := px.fields[e.field]; ok && !protocol.SequenceGreaterThan(e.revision, cur.revision) {
			continue
		}
		px.fields[e.field] = proxyField{raw: e.raw, revision: e.revision}
		updates = append(updates, netslime.FieldUpdate{
			Handle:   peer,
			Object:   e.object,
			Field:    e.field,
			Name:     f.Name,
			Revision: e.revision,
			Value:    decodeValue(f, e.raw),
		})
	}
	return updates, decodeErr
}

// Value returns the last applied value of a proxy field.
func (p *Proxies) Value(peer PeerID, id netslime.ObjectID, field netslime.FieldID) (any, uint16, bool) {
	px, ok := p.peers[peer][id]
	if !ok {
		return nil, 0, false
	}
	pf, ok := px.fields[field]
	if !ok {
		return nil, 0, false
	}
	f, _ := p.schemas[id].Lookup(field)
	return decodeValue(f, pf.raw), pf.revision, true
}

// Len returns the number of proxies held for peer.
func (p *Proxies) Len(peer PeerID) int { return len(p.peers[peer]) }

// DropPeer removes every proxy of peer and returns their removal
// notifications, ordered by object id.
func (p *Proxies) DropPeer(peer PeerID) []netslime.FieldUpdate {
	objects := p.peers[peer]
	delete(p.peers, peer)

	ids := make([]netslime.ObjectID, 0, len(objects))
	for id := range objects {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	out := make([]netslime.FieldUpdate, 0, len(ids))
	for _, id := range ids {
		out = append(out, removal(peer, id))
	}
	return out
}

func removal(peer PeerID, id netslime.ObjectID) netslime.FieldUpdate {
	return netslime.FieldUpdate{
		Handle:  peer,
		Object:  id,
		Field:   netslime.TombstoneField,
		Removed: true,
	}
}
