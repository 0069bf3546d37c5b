package netslime

import (
	"math"
	"testing"

	"github.com/pkg/errors"
)

// TestSchemaValidate tests which field declarations are accepted
func TestSchemaValidate(t *testing.T) {
	t.Parallel()

	quantized := func(min, max, precision float64) Schema {
		return Schema{{ID: 0, Name: "q", Kind: FieldQuantized, Min: min, Max: max, Precision: precision}}
	}

	tests := []struct {
		name    string
		schema  Schema
		wantErr bool
	}{
		{"empty", Schema{}, false},
		{"mixed kinds", Schema{
			{ID: 0, Name: "alive", Kind: FieldBool},
			{ID: 1, Name: "hp", Kind: FieldUint, Bits: 7},
			{ID: 2, Name: "dx", Kind: FieldInt, Bits: 64},
			{ID: 3, Name: "x", Kind: FieldQuantized, Min: -512, Max: 512, Precision: 0.05},
		}, false},
		{"tombstone id", Schema{{ID: TombstoneField, Name: "t", Kind: FieldBool}}, true},
		{"duplicate id", Schema{{ID: 1, Kind: FieldBool}, {ID: 1, Kind: FieldBool}}, true},
		{"zero width", Schema{{ID: 0, Kind: FieldUint, Bits: 0}}, true},
		{"too wide", Schema{{ID: 0, Kind: FieldInt, Bits: 65}}, true},
		{"unknown kind", Schema{{ID: 0, Kind: FieldKind(99)}}, true},
		{"zero precision", quantized(0, 1, 0), true},
		{"empty range", quantized(1, 1, 0.1), true},
		{"nan min", quantized(math.NaN(), 1, 0.1), true},
		{"nan max", quantized(0, math.NaN(), 0.1), true},
		{"nan precision", quantized(0, 1, math.NaN()), true},
		{"infinite max", quantized(0, math.Inf(1), 0.1), true},
		{"infinite min", quantized(math.Inf(-1), 0, 0.1), true},
		{"infinite precision", quantized(0, 1, math.Inf(1)), true},
		{"range overflows a float", quantized(-math.MaxFloat64, math.MaxFloat64, 1), true},
		{"too many steps", quantized(0, 1, 1e-19), true},
		{"just under 2^63 steps", quantized(0, 1<<62, 1), false},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			err := tt.schema.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr && !errors.Is(err, ErrInvalidSchema) {
				t.Errorf("Validate() error = %v, want ErrInvalidSchema", err)
			}
		})
	}
}
