package raster

import (
	"fmt"
	"math"
	"strings"
)

// CellType is the sample encoding of a raster band.
type CellType uint8

const (
	CellTypeUnknown CellType = iota
	CellType1Bit
	CellType4Bit
	CellType8BitU
	CellType8BitS
	CellType16BitU
	CellType16BitS
	CellType32BitU
	CellType32BitS
	CellType32BitReal
	CellType64BitReal
)

var cellTypeToLabel = map[CellType]string{
	CellType1Bit:      "1bit",
	CellType4Bit:      "4bit",
	CellType8BitU:     "8bit_u",
	CellType8BitS:     "8bit_s",
	CellType16BitU:    "16bit_u",
	CellType16BitS:    "16bit_s",
	CellType32BitU:    "32bit_u",
	CellType32BitS:    "32bit_s",
	CellType32BitReal: "32bit_real",
	CellType64BitReal: "64bit_real",
}

func (c CellType) String() string {
	v, ok := cellTypeToLabel[c]
	if !ok {
		return fmt.Sprintf("unknown cell type %d", uint8(c))
	}
	return v
}

// ParseCellType accepts the names produced by String, case-insensitively.
func ParseCellType(s string) (CellType, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for c, label := range cellTypeToLabel {
		if label == name {
			return c, nil
		}
	}
	return CellTypeUnknown, fmt.Errorf("%w: unknown cell type %q", ErrConfig, s)
}

// BitsPerSample returns the native sample width in bits, 0 if unknown.
func (c CellType) BitsPerSample() int {
	switch c {
	case CellType1Bit:
		return 1
	case CellType4Bit:
		return 4
	case CellType8BitU, CellType8BitS:
		return 8
	case CellType16BitU, CellType16BitS:
		return 16
	case CellType32BitU, CellType32BitS, CellType32BitReal:
		return 32
	case CellType64BitReal:
		return 64
	}
	return 0
}

func (c CellType) Signed() bool {
	switch c {
	case CellType8BitS, CellType16BitS, CellType32BitS, CellType32BitReal, CellType64BitReal:
		return true
	}
	return false
}

func (c CellType) Real() bool {
	return c == CellType32BitReal || c == CellType64BitReal
}

func (c CellType) Valid() bool {
	_, ok := cellTypeToLabel[c]
	return ok
}

// TargetCellType returns the type consumers see by default when no band
// declares a no-data value. Packed sub-byte samples are widened to bytes.
func (c CellType) TargetCellType() CellType {
	if c == CellType1Bit || c == CellType4Bit {
		return CellType8BitU
	}
	return c
}

// widerTargets are the promotions used when a band's no-data value does
// not fit the native type.
var widerTargets = map[CellType]CellType{
	CellType8BitU:  CellType16BitU,
	CellType16BitS: CellType32BitS,
}

// TargetCellTypeFor returns the target type for native samples whose bands
// declare the given no-data values: the default target, widened when a
// no-data value only fits the wider type. A value that fits neither leaves
// the default, which DatasetInfo.Validate then rejects.
func TargetCellTypeFor(native CellType, bands []BandInfo) CellType {
	target := native.TargetCellType()
	for _, b := range bands {
		if !b.HasNoData || target.Represents(b.NoData) {
			continue
		}
		if wider, ok := widerTargets[target]; ok && target == native && wider.Represents(b.NoData) {
			target = wider
		}
	}
	return target
}

// Represents reports whether v is a valid sample of c. Real types hold any
// value, NaN included; integer types need an integral value in range.
// Sub-byte types are held one sample per byte.
func (c CellType) Represents(v float64) bool {
	if c.Real() {
		return true
	}
	if math.IsNaN(v) || math.Trunc(v) != v {
		return false
	}
	var lo, hi float64
	switch c {
	case CellType1Bit, CellType4Bit, CellType8BitU:
		lo, hi = 0, math.MaxUint8
	case CellType8BitS:
		lo, hi = math.MinInt8, math.MaxInt8
	case CellType16BitU:
		lo, hi = 0, math.MaxUint16
	case CellType16BitS:
		lo, hi = math.MinInt16, math.MaxInt16
	case CellType32BitU:
		lo, hi = 0, math.MaxUint32
	case CellType32BitS:
		lo, hi = math.MinInt32, math.MaxInt32
	default:
		return false
	}
	return v >= lo && v <= hi
}

// Width returns the TileBuffer array that holds samples of this type.
// 32-bit unsigned samples are held as doubles, which keep their full range.
func (c CellType) Width() Width {
	switch c {
	case CellType1Bit, CellType4Bit, CellType8BitU, CellType8BitS:
		return WidthByte
	case CellType16BitU:
		return WidthUShort
	case CellType16BitS:
		return WidthShort
	case CellType32BitS:
		return WidthInt
	case CellType32BitReal:
		return WidthFloat
	case CellType32BitU, CellType64BitReal:
		return WidthDouble
	}
	return WidthNone
}

// DefaultNoData is the sentinel used when a catalog declares none.
func (c CellType) DefaultNoData() float64 {
	switch c {
	case CellType1Bit:
		return 2
	case CellType4Bit:
		return 15
	case CellType8BitU:
		return math.MaxUint8
	case CellType8BitS:
		return math.MinInt8
	case CellType16BitU:
		return math.MaxUint16
	case CellType16BitS:
		return math.MinInt16
	case CellType32BitU:
		return math.MaxUint32
	case CellType32BitS:
		return math.MinInt32
	}
	return math.NaN()
}
