package protocol

import (
	"bytes"
	"testing"

	"github.com/pkg/errors"

	"github.com/luciancaetano/netslime"
)

// TestEncodeMessage tests the EncodeMessage function with various inputs
func TestEncodeMessage(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		kind      Kind
		body      []byte
		wantError bool
	}{
		{
			name: "replication with body",
			kind: KindReplication,
			body: []byte("entries"),
		},
		{
			name: "user with empty body",
			kind: KindUser,
			body: []byte{},
		},
		{
			name: "user with nil body",
			kind: KindUser,
			body: nil,
		},
		{
			name: "body at max size",
			kind: KindUser,
			body: make([]byte, maxMessageSize),
		},
		{
			name:      "body exceeds max size",
			kind:      KindUser,
			body:      make([]byte, maxMessageSize+1),
			wantError: true,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			result, err := EncodeMessage(tt.kind, tt.body)
			if (err != nil) != tt.wantError {
				t.Errorf("EncodeMessage() error = %v, wantError %v", err, tt.wantError)
				return
			}
			if tt.wantError {
				if !errors.Is(err, netslime.ErrPayloadTooLarge) {
					t.Errorf("EncodeMessage() error = %v, want ErrPayloadTooLarge", err)
				}
				return
			}

			if len(result) != kindSize+len(tt.body) {
				t.Errorf("result length = %d, want %d", len(result), kindSize+len(tt.body))
			}
			if Kind(result[0]) != tt.kind {
				t.Errorf("encoded kind = %v, want %v", result[0], tt.kind)
			}
			if !bytes.Equal(result[kindSize:], tt.body) {
				t.Errorf("encoded body = %v, want %v", result[kindSize:], tt.body)
			}
		})
	}
}

// TestDecodeMessage tests the DecodeMessage function with various inputs
func TestDecodeMessage(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		data      []byte
		wantKind  Kind
		wantBody  []byte
		wantError bool
	}{
		{
			name:     "user with body",
			data:     []byte{0x02, 0x68, 0x69},
			wantKind: KindUser,
			wantBody: []byte("hi"),
		},
		{
			name:     "exactly kind size",
			data:     []byte{0x01},
			wantKind: KindReplication,
			wantBody: []byte{},
		},
		{
			name:      "empty",
			data:      []byte{},
			wantError: true,
		},
		{
			name:      "unknown kind",
			data:      []byte{0x7F, 0x00},
			wantError: true,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			kind, body, err := DecodeMessage(tt.data)
			if (err != nil) != tt.wantError {
				t.Errorf("DecodeMessage() error = %v, wantError %v", err, tt.wantError)
				return
			}
			if tt.wantError {
				return
			}
			if kind != tt.wantKind {
				t.Errorf("DecodeMessage() kind = %v, want %v", kind, tt.wantKind)
			}
			if !bytes.Equal(body, tt.wantBody) {
				t.Errorf("DecodeMessage() body = %v, want %v", body, tt.wantBody)
			}
		})
	}
}

// TestEncodePreservesInput tests that EncodeMessage doesn't modify the input body
func TestEncodePreservesInput(t *testing.T) {
	t.Parallel()

	body := []byte{0x01, 0x02, 0x03, 0x04}
	bodyCopy := append([]byte(nil), body...)

	if _, err := EncodeMessage(KindUser, body); err != nil {
		t.Fatalf("EncodeMessage() failed: %v", err)
	}
	if !bytes.Equal(body, bodyCopy) {
		t.Errorf("EncodeMessage() modified input: got %v, want %v", body, bodyCopy)
	}
}

// TestSequenceGreaterThan tests wrap-around sequence comparison
func TestSequenceGreaterThan(t *testing.T) {
	t.Parallel()

	tests := []struct {
		a, b uint16
		want bool
	}{
		{a: 1, b: 0, want: true},
		{a: 0, b: 1, want: false},
		{a: 5, b: 5, want: false},
		{a: 0, b: 0xFFFF, want: true},
		{a: 0xFFFF, b: 0, want: false},
		{a: 10, b: 0xFFF0, want: true},
		{a: 0x8000, b: 0, want: true},
		{a: 0, b: 0x8000, want: false},
	}

	for _, tt := range tests {
		if got := SequenceGreaterThan(tt.a, tt.b); got != tt.want {
			t.Errorf("SequenceGreaterThan(%d, %d) = %v, want %v", tt.a, tt.b, got, tt.want)
		}
	}

	if d := SequenceDiff(2, 0xFFFE); d != 4 {
		t.Errorf("SequenceDiff(2, 0xFFFE) = %d, want 4", d)
	}
	if d := SequenceDiff(0xFFFE, 2); d != -4 {
		t.Errorf("SequenceDiff(0xFFFE, 2) = %d, want -4", d)
	}
}

// BenchmarkEncodeMessage benchmarks the encoding operation
func BenchmarkEncodeMessage(b *testing.B) {
	body := []byte("benchmark test payload with some data")
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = EncodeMessage(KindUser, body)
	}
}

// BenchmarkDecodeMessage benchmarks the decoding operation
func BenchmarkDecodeMessage(b *testing.B) {
	data, _ := EncodeMessage(KindUser, []byte("benchmark test payload with some data"))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _, _ = DecodeMessage(data)
	}
}
