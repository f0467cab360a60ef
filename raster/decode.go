package raster

import (
	"fmt"
	"math"
)

// decodeRow turns a store row into a TileBuffer holding the native samples.
// Absent tiles still get a zero-filled native array so no-data can be
// written into it.
func decodeRow(info *DatasetInfo, row *TileRow) (*TileBuffer, error) {
	n := info.PixelsPerTile()
	if len(row.Bitmask) > 0 && len(row.Bitmask) < (n+7)/8 {
		return nil, fmt.Errorf("%w: tile (%d,%d) band %d: bitmask has %d bytes, want %d",
			ErrProtocol, row.Column, row.Row, row.BandID, len(row.Bitmask), (n+7)/8)
	}

	tile := NewTileBuffer(n)
	tile.BandID = row.BandID
	tile.Column = row.Column
	tile.Row = row.Row
	if err := tile.SetNumPixelsRead(row.NumPixelsRead); err != nil {
		return nil, fmt.Errorf("tile (%d,%d) band %d: %w", row.Column, row.Row, row.BandID, err)
	}
	if len(row.Bitmask) > 0 {
		tile.Bitmask = append([]byte(nil), row.Bitmask...)
	}
	tile.signedBytes = info.NativeCellType == CellType8BitS

	if row.NumPixelsRead == 0 {
		tile.As(info.NativeCellType.Width())
		return tile, nil
	}

	need := nativeSize(info.NativeCellType, n)
	if len(row.Pixels) < need {
		return nil, fmt.Errorf("%w: tile (%d,%d) band %d: %d pixel bytes, want %d",
			ErrProtocol, row.Column, row.Row, row.BandID, len(row.Pixels), need)
	}

	order := info.byteOrder()
	src := row.Pixels
	switch info.NativeCellType {
	case CellType1Bit:
		buf := tile.AsBytes()
		for i := range buf {
			buf[i] = (src[i/8] >> (7 - i%8)) & 1
		}
	case CellType4Bit:
		buf := tile.AsBytes()
		for i := range buf {
			buf[i] = (src[i/2] >> (4 * (1 - i%2))) & 0x0f
		}
	case CellType8BitU, CellType8BitS:
		copy(tile.AsBytes(), src)
	case CellType16BitU:
		buf := tile.AsUnsignedShorts()
		for i := range buf {
			buf[i] = order.Uint16(src[i*2:])
		}
	case CellType16BitS:
		buf := tile.AsShorts()
		for i := range buf {
			buf[i] = int16(order.Uint16(src[i*2:]))
		}
	case CellType32BitU:
		buf := tile.AsDoubles()
		for i := range buf {
			buf[i] = float64(order.Uint32(src[i*4:]))
		}
	case CellType32BitS:
		buf := tile.AsIntegers()
		for i := range buf {
			buf[i] = int32(order.Uint32(src[i*4:]))
		}
	case CellType32BitReal:
		buf := tile.AsFloats()
		for i := range buf {
			buf[i] = math.Float32frombits(order.Uint32(src[i*4:]))
		}
	case CellType64BitReal:
		buf := tile.AsDoubles()
		for i := range buf {
			buf[i] = math.Float64frombits(order.Uint64(src[i*8:]))
		}
	default:
		return nil, fmt.Errorf("%w: cannot decode cell type %s", ErrConfig, info.NativeCellType)
	}
	return tile, nil
}

// nativeSize is the payload size of n samples of cell type c.
func nativeSize(c CellType, n int) int {
	switch c {
	case CellType1Bit:
		return (n + 7) / 8
	case CellType4Bit:
		return (n + 1) / 2
	}
	return n * c.BitsPerSample() / 8
}
