package raster

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestTileBufferWidening(t *testing.T) {
	tb := NewTileBuffer(4)
	copy(tb.AsBytes(), []byte{0, 1, 128, 255})

	if got, want := tb.AsUnsignedShorts(), []uint16{0, 1, 128, 255}; !cmp.Equal(got, want) {
		t.Errorf("AsUnsignedShorts() = %v, want %v", got, want)
	}
	if got, want := tb.AsIntegers(), []int32{0, 1, 128, 255}; !cmp.Equal(got, want) {
		t.Errorf("AsIntegers() = %v, want %v", got, want)
	}
	if got, want := tb.AsDoubles(), []float64{0, 1, 128, 255}; !cmp.Equal(got, want) {
		t.Errorf("AsDoubles() = %v, want %v", got, want)
	}
	// Narrower arrays survive promotion.
	if got, want := tb.AsBytes(), []byte{0, 1, 128, 255}; !cmp.Equal(got, want) {
		t.Errorf("AsBytes() after widening = %v, want %v", got, want)
	}
	want := []Width{WidthByte, WidthUShort, WidthInt, WidthDouble}
	if got := tb.Materialized(); !cmp.Equal(got, want) {
		t.Errorf("Materialized() = %v, want %v", got, want)
	}
}

func TestTileBufferSignedWidening(t *testing.T) {
	tb := NewTileBuffer(3)
	copy(tb.AsShorts(), []int16{-32768, -1, 300})
	if got, want := tb.AsIntegers(), []int32{-32768, -1, 300}; !cmp.Equal(got, want) {
		t.Errorf("AsIntegers() = %v, want %v", got, want)
	}

	sb := NewTileBuffer(2)
	sb.signedBytes = true
	copy(sb.AsBytes(), []byte{0xff, 0x7f})
	if got, want := sb.AsShorts(), []int16{-1, 127}; !cmp.Equal(got, want) {
		t.Errorf("signed AsShorts() = %v, want %v", got, want)
	}
}

func TestTileBufferUnpopulatedIsZero(t *testing.T) {
	tb := NewTileBuffer(3)
	if got, want := tb.AsFloats(), []float32{0, 0, 0}; !cmp.Equal(got, want) {
		t.Errorf("AsFloats() = %v, want %v", got, want)
	}
}

func TestTileBufferRoundTripWidening(t *testing.T) {
	for v := 0; v < 256; v++ {
		stepped := NewTileBuffer(1)
		stepped.AsBytes()[0] = byte(v)
		stepped.AsUnsignedShorts()
		viaShorts := stepped.AsIntegers()[0]

		direct := NewTileBuffer(1)
		direct.AsBytes()[0] = byte(v)
		if got := direct.AsIntegers()[0]; got != viaShorts {
			t.Fatalf("value %d: 8->32 = %d, 8->16->32 = %d", v, got, viaShorts)
		}
	}
}

func TestTileBufferSetValueFanOut(t *testing.T) {
	tb := NewTileBuffer(4)
	tb.AsBytes()
	tb.AsUnsignedShorts()
	tb.AsFloats()

	tests := []struct {
		value     float64
		wantByte  uint8
		wantShort uint16
		wantFloat float32
	}{
		{255, 255, 255, 255},
		{300, 44, 300, 300},
		{-1, 255, 65535, -1},
		{7.9, 7, 7, 7.9},
	}
	for i, tc := range tests {
		tb.SetValue(i, tc.value)
		if got := tb.AsBytes()[i]; got != tc.wantByte {
			t.Errorf("SetValue(%d, %v): byte = %d, want %d", i, tc.value, got, tc.wantByte)
		}
		if got := tb.AsUnsignedShorts()[i]; got != tc.wantShort {
			t.Errorf("SetValue(%d, %v): ushort = %d, want %d", i, tc.value, got, tc.wantShort)
		}
		if got := tb.AsFloats()[i]; got != tc.wantFloat {
			t.Errorf("SetValue(%d, %v): float = %v, want %v", i, tc.value, got, tc.wantFloat)
		}
	}
}

func TestTileBufferSetValueOutOfRange(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("SetValue(4) on a 4 pixel tile did not panic")
		}
	}()
	tb := NewTileBuffer(4)
	tb.AsBytes()
	tb.SetValue(4, 1)
}

func TestFillBytes(t *testing.T) {
	for _, n := range []int{0, 1, 2, 7, 64, 1000} {
		buf := make([]byte, n)
		fillBytes(buf, 0xab)
		for i, b := range buf {
			if b != 0xab {
				t.Fatalf("len %d: buf[%d] = %#x, want 0xab", n, i, b)
			}
		}
	}
}
