package replication

import (
	"math"

	"github.com/pkg/errors"

	"github.com/luciancaetano/netslime"
	"github.com/luciancaetano/netslime/internal/bitmask"
)

// encodeValue converts v into the raw wire bits of f. Raw values compare
// equal exactly when the decoded values would, so change detection works
// on raw values.
func encodeValue(f netslime.Field, v any) (uint64, error) {
	switch f.Kind {
	case netslime.FieldBool:
		b, ok := v.(bool)
		if !ok {
			return 0, errors.Wrapf(netslime.ErrEncodingOverflow, "field %q wants bool, got %T", f.Name, v)
		}
		if b {
			return 1, nil
		}
		return 0, nil

	case netslime.FieldUint:
		u, ok := asUint(v)
		if !ok {
			return 0, errors.Wrapf(netslime.ErrEncodingOverflow, "field %q wants an unsigned integer, got %T(%v)", f.Name, v, v)
		}
		if f.Bits < 64 && u>>uint(f.Bits) != 0 {
			return 0, errors.Wrapf(netslime.ErrEncodingOverflow, "field %q: %d does not fit in %d bits", f.Name, u, f.Bits)
		}
		return u, nil

	case netslime.FieldInt:
		i, ok := asInt(v)
		if !ok {
			return 0, errors.Wrapf(netslime.ErrEncodingOverflow, "field %q wants an integer, got %T(%v)", f.Name, v, v)
		}
		if f.Bits < 64 {
			lo, hi := int64(-1)<<uint(f.Bits-1), int64(1)<<uint(f.Bits-1)-1
			if i < lo || i > hi {
				return 0, errors.Wrapf(netslime.ErrEncodingOverflow, "field %q: %d does not fit in %d signed bits", f.Name, i, f.Bits)
			}
			return uint64(i) & (1<<uint(f.Bits) - 1), nil
		}
		return uint64(i), nil

	case netslime.FieldQuantized:
		x, ok := asFloat(v)
		if !ok {
			return 0, errors.Wrapf(netslime.ErrEncodingOverflow, "field %q wants a number, got %T", f.Name, v)
		}
		q, err := bitmask.Quantize(x, f.Min, f.Max, f.Precision)
		return q, errors.Wrapf(err, "field %q", f.Name)
	}
	return 0, errors.Wrapf(netslime.ErrInvalidSchema, "field %q has kind %s", f.Name, f.Kind)
}

// decodeValue is the inverse of encodeValue.
func decodeValue(f netslime.Field, raw uint64) any {
	switch f.Kind {
	case netslime.FieldBool:
		return raw == 1
	case netslime.FieldInt:
		if f.Bits < 64 {
			shift := uint(64 - f.Bits)
			return int64(raw<<shift) >> shift
		}
		return int64(raw)
	case netslime.FieldQuantized:
		return bitmask.Dequantize(raw, f.Min, f.Max, f.Precision)
	}
	return raw
}

func asUint(v any) (uint64, bool) {
	switch x := v.(type) {
	case uint:
		return uint64(x), true
	case uint8:
		return uint64(x), true
	case uint16:
		return uint64(x), true
	case uint32:
		return uint64(x), true
	case uint64:
		return x, true
	}
	if i, ok := asInt(v); ok && i >= 0 {
		return uint64(i), true
	}
	return 0, false
}

func asInt(v any) (int64, bool) {
	switch x := v.(type) {
	case int:
		return int64(x), true
	case int8:
		return int64(x), true
	case int16:
		return int64(x), true
	case int32:
		return int64(x), true
	case int64:
		return x, true
	case uint8:
		return int64(x), true
	case uint16:
		return int64(x), true
	case uint32:
		return int64(x), true
	case uint:
		if uint64(x) <= math.MaxInt64 {
			return int64(x), true
		}
	case uint64:
		if x <= math.MaxInt64 {
			return int64(x), true
		}
	}
	return 0, false
}

func asFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	}
	if i, ok := asInt(v); ok {
		return float64(i), true
	}
	return 0, false
}
