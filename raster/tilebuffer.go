package raster

import (
	"fmt"
	"math"
)

// Width identifies one of the typed arrays a TileBuffer can materialize.
type Width uint8

const (
	WidthNone Width = iota
	WidthByte
	WidthUShort
	WidthShort
	WidthInt
	WidthFloat
	WidthDouble
)

var widthToLabel = map[Width]string{
	WidthNone:   "none",
	WidthByte:   "byte",
	WidthUShort: "ushort",
	WidthShort:  "short",
	WidthInt:    "int",
	WidthFloat:  "float",
	WidthDouble: "double",
}

func (w Width) String() string {
	v, ok := widthToLabel[w]
	if !ok {
		return fmt.Sprintf("width(%d)", uint8(w))
	}
	return v
}

// rank orders widths for widening; ushort and short share a rank and never
// widen into each other.
func (w Width) rank() int {
	switch w {
	case WidthByte:
		return 1
	case WidthUShort, WidthShort:
		return 2
	case WidthInt:
		return 3
	case WidthFloat:
		return 4
	case WidthDouble:
		return 5
	}
	return 0
}

// TileBuffer holds the samples of one band of one tile.
//
// Samples live in lazily allocated typed arrays. Asking for a wider array
// than the ones already populated widens the most recently materialized
// narrower array into it; the narrower array is kept, so a buffer can be
// inspected at several widths at once. SetValue writes through to every
// materialized array.
type TileBuffer struct {
	// BandID, Column and Row locate the tile in the raster's tile grid.
	BandID int
	Column int
	Row    int

	// NumPixelsRead is 0 for an absent (sparse) tile and the tile's pixel
	// count otherwise.
	NumPixelsRead int

	// Bitmask holds one bit per pixel, most significant bit first. A zero bit
	// means the pixel has no data. An empty mask means every pixel is valid.
	Bitmask []byte

	numPixels int

	// signedBytes makes the byte array widen with sign extension, for
	// CellType8BitS data.
	signedBytes bool

	bytes   []uint8
	ushorts []uint16
	shorts  []int16
	ints    []int32
	floats  []float32
	doubles []float64

	// order lists materialized widths, oldest first.
	order []Width
}

// NewTileBuffer returns an empty buffer sized for numPixels samples.
func NewTileBuffer(numPixels int) *TileBuffer {
	if numPixels < 0 {
		panic(fmt.Sprintf("raster: negative tile size %d", numPixels))
	}
	return &TileBuffer{numPixels: numPixels}
}

func (t *TileBuffer) NumPixels() int { return t.numPixels }

// Sparse reports whether the store had no data for this tile.
func (t *TileBuffer) Sparse() bool { return t.NumPixelsRead == 0 }

// SetNumPixelsRead records how many pixels the store returned. Only 0 and
// the tile's pixel count are meaningful.
func (t *TileBuffer) SetNumPixelsRead(n int) error {
	if n != 0 && n != t.numPixels {
		return fmt.Errorf("%w: %d pixels read, want 0 or %d", ErrProtocol, n, t.numPixels)
	}
	t.NumPixelsRead = n
	return nil
}

// Materialized returns the widths allocated so far, oldest first.
func (t *TileBuffer) Materialized() []Width {
	return append([]Width(nil), t.order...)
}

func (t *TileBuffer) has(w Width) bool {
	for _, m := range t.order {
		if m == w {
			return true
		}
	}
	return false
}

// source picks the most recently materialized array narrower than w.
func (t *TileBuffer) source(w Width) Width {
	for i := len(t.order) - 1; i >= 0; i-- {
		if t.order[i].rank() < w.rank() {
			return t.order[i]
		}
	}
	return WidthNone
}

func (t *TileBuffer) byteAt(i int) int64 {
	if t.signedBytes {
		return int64(int8(t.bytes[i]))
	}
	return int64(t.bytes[i])
}

// AsBytes returns the 8-bit array, allocating it zero-filled on first use.
func (t *TileBuffer) AsBytes() []uint8 {
	if !t.has(WidthByte) {
		t.bytes = make([]uint8, t.numPixels)
		t.order = append(t.order, WidthByte)
	}
	return t.bytes
}

// AsUnsignedShorts returns the unsigned 16-bit array. Bytes widen without
// sign extension.
func (t *TileBuffer) AsUnsignedShorts() []uint16 {
	if t.has(WidthUShort) {
		return t.ushorts
	}
	buf := make([]uint16, t.numPixels)
	if t.source(WidthUShort) == WidthByte {
		for i, v := range t.bytes {
			buf[i] = uint16(v)
		}
	}
	t.ushorts = buf
	t.order = append(t.order, WidthUShort)
	return buf
}

// AsShorts returns the signed 16-bit array.
func (t *TileBuffer) AsShorts() []int16 {
	if t.has(WidthShort) {
		return t.shorts
	}
	buf := make([]int16, t.numPixels)
	if t.source(WidthShort) == WidthByte {
		for i := range t.bytes {
			buf[i] = int16(t.byteAt(i))
		}
	}
	t.shorts = buf
	t.order = append(t.order, WidthShort)
	return buf
}

// AsIntegers returns the signed 32-bit array.
func (t *TileBuffer) AsIntegers() []int32 {
	if t.has(WidthInt) {
		return t.ints
	}
	buf := make([]int32, t.numPixels)
	switch t.source(WidthInt) {
	case WidthByte:
		for i := range t.bytes {
			buf[i] = int32(t.byteAt(i))
		}
	case WidthUShort:
		for i, v := range t.ushorts {
			buf[i] = int32(v)
		}
	case WidthShort:
		for i, v := range t.shorts {
			buf[i] = int32(v)
		}
	}
	t.ints = buf
	t.order = append(t.order, WidthInt)
	return buf
}

// AsFloats returns the 32-bit float array.
func (t *TileBuffer) AsFloats() []float32 {
	if t.has(WidthFloat) {
		return t.floats
	}
	buf := make([]float32, t.numPixels)
	switch t.source(WidthFloat) {
	case WidthByte:
		for i := range t.bytes {
			buf[i] = float32(t.byteAt(i))
		}
	case WidthUShort:
		for i, v := range t.ushorts {
			buf[i] = float32(v)
		}
	case WidthShort:
		for i, v := range t.shorts {
			buf[i] = float32(v)
		}
	case WidthInt:
		for i, v := range t.ints {
			buf[i] = float32(v)
		}
	}
	t.floats = buf
	t.order = append(t.order, WidthFloat)
	return buf
}

// AsDoubles returns the 64-bit float array.
func (t *TileBuffer) AsDoubles() []float64 {
	if t.has(WidthDouble) {
		return t.doubles
	}
	buf := make([]float64, t.numPixels)
	switch t.source(WidthDouble) {
	case WidthByte:
		for i := range t.bytes {
			buf[i] = float64(t.byteAt(i))
		}
	case WidthUShort:
		for i, v := range t.ushorts {
			buf[i] = float64(v)
		}
	case WidthShort:
		for i, v := range t.shorts {
			buf[i] = float64(v)
		}
	case WidthInt:
		for i, v := range t.ints {
			buf[i] = float64(v)
		}
	case WidthFloat:
		for i, v := range t.floats {
			buf[i] = float64(v)
		}
	}
	t.doubles = buf
	t.order = append(t.order, WidthDouble)
	return buf
}

// As materializes and returns the array for w as one of []uint8, []uint16,
// []int16, []int32, []float32 or []float64.
func (t *TileBuffer) As(w Width) any {
	switch w {
	case WidthByte:
		return t.AsBytes()
	case WidthUShort:
		return t.AsUnsignedShorts()
	case WidthShort:
		return t.AsShorts()
	case WidthInt:
		return t.AsIntegers()
	case WidthFloat:
		return t.AsFloats()
	case WidthDouble:
		return t.AsDoubles()
	}
	return nil
}

// Value reads sample i from the array for w without materializing it. It
// returns NaN when w has not been materialized.
func (t *TileBuffer) Value(w Width, i int) float64 {
	t.checkIndex(i)
	if !t.has(w) {
		return math.NaN()
	}
	switch w {
	case WidthByte:
		return float64(t.byteAt(i))
	case WidthUShort:
		return float64(t.ushorts[i])
	case WidthShort:
		return float64(t.shorts[i])
	case WidthInt:
		return float64(t.ints[i])
	case WidthFloat:
		return float64(t.floats[i])
	case WidthDouble:
		return t.doubles[i]
	}
	return math.NaN()
}

func (t *TileBuffer) checkIndex(i int) {
	if i < 0 || i >= t.numPixels {
		panic(fmt.Sprintf("raster: pixel index %d out of range [0,%d)", i, t.numPixels))
	}
}

// truncate converts v the way an integer narrowing cast does: toward zero,
// then wrapping to the destination width. NaN becomes 0.
func truncate(v float64) int64 {
	if math.IsNaN(v) {
		return 0
	}
	return int64(v)
}

// SetValue stores v at index i in every materialized array, converted to
// that array's type. An out-of-range index panics.
func (t *TileBuffer) SetValue(i int, v float64) {
	t.checkIndex(i)
	n := truncate(v)
	for _, w := range t.order {
		switch w {
		case WidthByte:
			t.bytes[i] = uint8(n)
		case WidthUShort:
			t.ushorts[i] = uint16(n)
		case WidthShort:
			t.shorts[i] = int16(n)
		case WidthInt:
			t.ints[i] = int32(n)
		case WidthFloat:
			t.floats[i] = float32(v)
		case WidthDouble:
			t.doubles[i] = v
		}
	}
}

// Fill stores v in every sample of every materialized array.
func (t *TileBuffer) Fill(v float64) {
	n := truncate(v)
	for _, w := range t.order {
		switch w {
		case WidthByte:
			fillBytes(t.bytes, uint8(n))
		case WidthUShort:
			x := uint16(n)
			for i := range t.ushorts {
				t.ushorts[i] = x
			}
		case WidthShort:
			x := int16(n)
			for i := range t.shorts {
				t.shorts[i] = x
			}
		case WidthInt:
			x := int32(n)
			for i := range t.ints {
				t.ints[i] = x
			}
		case WidthFloat:
			x := float32(v)
			for i := range t.floats {
				t.floats[i] = x
			}
		case WidthDouble:
			for i := range t.doubles {
				t.doubles[i] = v
			}
		}
	}
}

// fillBytes sets every byte of buf to v by doubling copies.
func fillBytes(buf []byte, v byte) {
	if len(buf) == 0 {
		return
	}
	buf[0] = v
	for j := 1; j < len(buf); j *= 2 {
		copy(buf[j:], buf[:j])
	}
}
