// Package bitmask packs heterogeneous fields into a dense, append-only bit
// buffer.
//
// Bits are written most-significant first, so a value that spans several
// bytes ends up in network byte order. Reads consume bits in the same order
// they were written.
package bitmask

import (
	"math"
	"math/bits"

	"github.com/pkg/errors"
)

var (
	// ErrEncodingOverflow is returned when a write does not fit the buffer
	// capacity or the value does not fit its declared width.
	ErrEncodingOverflow = errors.New("bitmask: encoding overflow")

	// ErrBufferUnderrun is returned when a read asks for more bits than
	// remain between the read cursor and the written data.
	ErrBufferUnderrun = errors.New("bitmask: buffer underrun")

	// ErrInvalidWidth is returned for widths outside 1..64.
	ErrInvalidWidth = errors.New("bitmask: invalid bit width")
)

// Buffer is an ordered sequence of bits with independent write and read
// cursors. The zero value has no capacity; use NewBuffer or FromBytes.
type Buffer struct {
	data     []byte
	writePos int
	readPos  int
}

// NewBuffer creates an empty buffer able to hold capacityBytes bytes.
func NewBuffer(capacityBytes int) *Buffer {
	if capacityBytes < 0 {
		capacityBytes = 0
	}
	return &Buffer{data: make([]byte, capacityBytes)}
}

// FromBytes creates a read buffer over a copy of b. Every bit of b counts
// as written.
func FromBytes(b []byte) *Buffer {
	data := make([]byte, len(b))
	copy(data, b)
	return &Buffer{data: data, writePos: len(b) * 8}
}

// Cap returns the capacity in bits.
func (b *Buffer) Cap() int { return len(b.data) * 8 }

// BitsWritten returns the position of the write cursor.
func (b *Buffer) BitsWritten() int { return b.writePos }

// BitsFree returns how many bits can still be written.
func (b *Buffer) BitsFree() int { return b.Cap() - b.writePos }

// BitsRemaining returns how many written bits have not been read yet.
func (b *Buffer) BitsRemaining() int { return b.writePos - b.readPos }

// Bytes returns the written bytes, including a partially filled last byte.
// The slice aliases the buffer.
func (b *Buffer) Bytes() []byte {
	return b.data[:(b.writePos+7)/8]
}

// Resize changes the capacity. It never discards written bits, so shrinking
// below the written length fails.
func (b *Buffer) Resize(capacityBytes int) error {
	if capacityBytes*8 < b.writePos {
		return errors.Wrapf(ErrEncodingOverflow, "resize to %d bytes would drop %d written bits", capacityBytes, b.writePos)
	}
	data := make([]byte, capacityBytes)
	copy(data, b.data)
	b.data = data
	return nil
}

// Reset rewinds the read cursor to the first bit.
func (b *Buffer) Reset() { b.readPos = 0 }

// WriteBits appends the low width bits of v.
func (b *Buffer) WriteBits(v uint64, width int) error {
	if width < 1 || width > 64 {
		return errors.Wrapf(ErrInvalidWidth, "width %d", width)
	}
	if width < 64 && v>>uint(width) != 0 {
		return errors.Wrapf(ErrEncodingOverflow, "value %d does not fit in %d bits", v, width)
	}
	if width > b.BitsFree() {
		return errors.Wrapf(ErrEncodingOverflow, "need %d bits, %d free", width, b.BitsFree())
	}

	for width > 0 {
		off := b.writePos & 7
		free := 8 - off
		n := free
		if width < n {
			n = width
		}
		chunk := byte(v>>uint(width-n)) & byte(1<<uint(n)-1)
		b.data[b.writePos>>3] |= chunk << uint(free-n)
		b.writePos += n
		width -= n
	}
	return nil
}

// ReadBits consumes width bits and returns them right aligned.
func (b *Buffer) ReadBits(width int) (uint64, error) {
	if width < 1 || width > 64 {
		return 0, errors.Wrapf(ErrInvalidWidth, "width %d", width)
	}
	if width > b.BitsRemaining() {
		return 0, errors.Wrapf(ErrBufferUnderrun, "need %d bits, %d remain", width, b.BitsRemaining())
	}

	var v uint64
	for width > 0 {
		off := b.readPos & 7
		avail := 8 - off
		n := avail
		if width < n {
			n = width
		}
		chunk := (b.data[b.readPos>>3] >> uint(avail-n)) & byte(1<<uint(n)-1)
		v = v<<uint(n) | uint64(chunk)
		b.readPos += n
		width -= n
	}
	return v, nil
}

// WriteBool appends a single bit.
func (b *Buffer) WriteBool(v bool) error {
	if v {
		return b.WriteBits(1, 1)
	}
	return b.WriteBits(0, 1)
}

// ReadBool consumes a single bit.
func (b *Buffer) ReadBool() (bool, error) {
	v, err := b.ReadBits(1)
	return v == 1, err
}

// WriteInt appends v as a width-bit two's complement integer.
func (b *Buffer) WriteInt(v int64, width int) error {
	if width < 1 || width > 64 {
		return errors.Wrapf(ErrInvalidWidth, "width %d", width)
	}
	if width < 64 {
		lo, hi := int64(-1)<<uint(width-1), int64(1)<<uint(width-1)-1
		if v < lo || v > hi {
			return errors.Wrapf(ErrEncodingOverflow, "value %d does not fit in %d signed bits", v, width)
		}
	}
	u := uint64(v)
	if width < 64 {
		u &= 1<<uint(width) - 1
	}
	return b.WriteBits(u, width)
}

// ReadInt consumes a width-bit two's complement integer.
func (b *Buffer) ReadInt(width int) (int64, error) {
	u, err := b.ReadBits(width)
	if err != nil {
		return 0, err
	}
	shift := uint(64 - width)
	return int64(u<<shift) >> shift, nil
}

// QuantizedBits returns the width used to encode a float in [min, max] at
// the given precision.
func QuantizedBits(min, max, precision float64) int {
	steps := quantizedSteps(min, max, precision)
	if steps == 0 {
		return 1
	}
	return bits.Len64(steps)
}

func quantizedSteps(min, max, precision float64) uint64 {
	if precision <= 0 || max <= min {
		return 0
	}
	return uint64(math.Round((max - min) / precision))
}

// Quantize maps v onto the integer grid of [min, max] with the given
// precision.
func Quantize(v, min, max, precision float64) (uint64, error) {
	if precision <= 0 || max <= min {
		return 0, errors.Wrapf(ErrEncodingOverflow, "bad quantization range [%g,%g] step %g", min, max, precision)
	}
	if math.IsNaN(v) || v < min || v > max {
		return 0, errors.Wrapf(ErrEncodingOverflow, "value %g outside [%g,%g]", v, min, max)
	}
	q := uint64(math.Round((v - min) / precision))
	if steps := quantizedSteps(min, max, precision); q > steps {
		q = steps
	}
	return q, nil
}

// Dequantize is the inverse of Quantize, up to precision.
func Dequantize(q uint64, min, max, precision float64) float64 {
	v := min + float64(q)*precision
	if v > max {
		v = max
	}
	return v
}

// WriteQuantized appends v mapped onto [min, max] in steps of precision.
// The round trip is exact only to within precision/2.
func (b *Buffer) WriteQuantized(v, min, max, precision float64) error {
	q, err := Quantize(v, min, max, precision)
	if err != nil {
		return err
	}
	return b.WriteBits(q, QuantizedBits(min, max, precision))
}

// ReadQuantized consumes a value written by WriteQuantized with the same
// parameters.
func (b *Buffer) ReadQuantized(min, max, precision float64) (float64, error) {
	q, err := b.ReadBits(QuantizedBits(min, max, precision))
	if err != nil {
		return 0, err
	}
	return Dequantize(q, min, max, precision), nil
}

// WriteBytes appends p eight bits at a time. The whole run is checked
// against the capacity before anything is written.
func (b *Buffer) WriteBytes(p []byte) error {
	if len(p)*8 > b.BitsFree() {
		return errors.Wrapf(ErrEncodingOverflow, "need %d bits, %d free", len(p)*8, b.BitsFree())
	}
	for _, c := range p {
		if err := b.WriteBits(uint64(c), 8); err != nil {
			return err
		}
	}
	return nil
}

// ReadBytes consumes n bytes.
func (b *Buffer) ReadBytes(n int) ([]byte, error) {
	if n < 0 {
		return nil, errors.Wrapf(ErrBufferUnderrun, "negative length %d", n)
	}
	if n > b.BitsRemaining()/8 {
		return nil, errors.Wrapf(ErrBufferUnderrun, "need %d bytes, %d bits remain", n, b.BitsRemaining())
	}
	out := make([]byte, n)
	for i := range out {
		v, err := b.ReadBits(8)
		if err != nil {
			return nil, err
		}
		out[i] = byte(v)
	}
	return out, nil
}

// Align pads the write cursor with zero bits up to the next byte boundary.
func (b *Buffer) Align() error {
	if pad := (8 - b.writePos&7) & 7; pad > 0 {
		return b.WriteBits(0, pad)
	}
	return nil
}
