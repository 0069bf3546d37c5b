package replication

import (
	"github.com/pkg/errors"

	"github.com/luciancaetano/netslime"
	"github.com/luciancaetano/netslime/internal/bitmask"
)

// Each entry is prefixed by a set "more" bit; a clear bit ends the list.
//
//	more(1) objectID(32) fieldID(8) revision(16) value(width)
//
// Tombstones carry TombstoneField and no value.
const entryHeaderBits = 1 + 32 + 8 + 16

type entry struct {
	object   netslime.ObjectID
	field    netslime.FieldID
	revision uint16
	raw      uint64
	width    int
}

func (e entry) tombstone() bool { return e.field == netslime.TombstoneField }

func (e entry) bits() int {
	if e.tombstone() {
		return entryHeaderBits
	}
	return entryHeaderBits + e.width
}

func writeEntry(buf *bitmask.Buffer, e entry) error {
	if err := buf.WriteBool(true); err != nil {
		return err
	}
	if err := buf.WriteBits(uint64(e.object), 32); err != nil {
		return err
	}
	if err := buf.WriteBits(uint64(e.field), 8); err != nil {
		return err
	}
	if err := buf.WriteBits(uint64(e.revision), 16); err != nil {
		return err
	}
	if e.tombstone() {
		return nil
	}
	return buf.WriteBits(e.raw, e.width)
}

// readEntries decodes entries until the end marker. widthOf resolves the
// value width of a field; when it fails the entries decoded so far are
// returned with its error.
func readEntries(payload []byte, widthOf func(netslime.ObjectID, netslime.FieldID) (int, error)) ([]entry, error) {
	buf := bitmask.FromBytes(payload)
	var out []entry
	for {
		more, err := buf.ReadBool()
		if err != nil {
			return out, errors.Wrap(err, "entry marker")
		}
		if !more {
			return out, nil
		}

		var e entry
		obj, err := buf.ReadBits(32)
		if err != nil {
			return out, errors.Wrap(err, "object id")
		}
		field, err := buf.ReadBits(8)
		if err != nil {
			return out, errors.Wrap(err, "field id")
		}
		rev, err := buf.ReadBits(16)
		if err != nil {
			return out, errors.Wrap(err, "revision")
		}
		e.object, e.field, e.revision = netslime.ObjectID(obj), netslime.FieldID(field), uint16(rev)

		if !e.tombstone() {
			if e.width, err = widthOf(e.object, e.field); err != nil {
				return out, err
			}
			if e.raw, err = buf.ReadBits(e.width); err != nil {
				return out, errors.Wrap(err, "value")
			}
		}
		out = append(out, e)
	}
}
