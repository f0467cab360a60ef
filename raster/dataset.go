package raster

import (
	"encoding/binary"
	"fmt"
	"image"
)

// BandInfo describes one band of a raster.
type BandInfo struct {
	ID int
	// NoData is the band's sentinel value, meaningful when HasNoData is set.
	NoData    float64
	HasNoData bool
}

// DatasetInfo describes a raster at one pyramid level. It is produced by a
// Catalog and never mutated by the pipeline.
type DatasetInfo struct {
	RasterID string
	Level    int

	// NativeCellType is the encoding of samples as the store returns them,
	// TargetCellType the encoding handed to consumers.
	NativeCellType CellType
	TargetCellType CellType

	TileWidth  int
	TileHeight int

	// TilesAcross and TilesDown give the extent of the tile grid.
	TilesAcross int
	TilesDown   int

	// ImageWidth and ImageHeight are the level's size in pixels. Zero means
	// the full tile grid.
	ImageWidth  int
	ImageHeight int

	Bands []BandInfo

	// ByteOrder is used to decode multi-byte samples. Nil means big endian.
	ByteOrder binary.ByteOrder
}

func (d *DatasetInfo) PixelsPerTile() int { return d.TileWidth * d.TileHeight }

// Grid returns the whole tile grid as a rectangle in tile coordinates.
func (d *DatasetInfo) Grid() image.Rectangle {
	return image.Rect(0, 0, d.TilesAcross, d.TilesDown)
}

func (d *DatasetInfo) BandIDs() []int {
	ids := make([]int, len(d.Bands))
	for i, b := range d.Bands {
		ids[i] = b.ID
	}
	return ids
}

// BandIndex returns the position of a band id in Bands, or -1.
func (d *DatasetInfo) BandIndex(id int) int {
	for i, b := range d.Bands {
		if b.ID == id {
			return i
		}
	}
	return -1
}

// NoDataValues maps every band to its no-data value, falling back to the
// target cell type's default sentinel for bands that declare none.
func (d *DatasetInfo) NoDataValues() map[int]float64 {
	values := make(map[int]float64, len(d.Bands))
	for _, b := range d.Bands {
		if b.HasNoData {
			values[b.ID] = b.NoData
		} else {
			values[b.ID] = d.TargetCellType.DefaultNoData()
		}
	}
	return values
}

func (d *DatasetInfo) byteOrder() binary.ByteOrder {
	if d.ByteOrder == nil {
		return binary.BigEndian
	}
	return d.ByteOrder
}

// Validate reports malformed descriptions as ErrConfig.
func (d *DatasetInfo) Validate() error {
	if !d.NativeCellType.Valid() {
		return fmt.Errorf("%w: raster %s level %d: invalid native cell type %s", ErrConfig, d.RasterID, d.Level, d.NativeCellType)
	}
	if !d.TargetCellType.Valid() {
		return fmt.Errorf("%w: raster %s level %d: invalid target cell type %s", ErrConfig, d.RasterID, d.Level, d.TargetCellType)
	}
	if d.TileWidth <= 0 || d.TileHeight <= 0 {
		return fmt.Errorf("%w: raster %s level %d: invalid tile size %dx%d", ErrConfig, d.RasterID, d.Level, d.TileWidth, d.TileHeight)
	}
	if d.TilesAcross <= 0 || d.TilesDown <= 0 {
		return fmt.Errorf("%w: raster %s level %d: empty tile grid %dx%d", ErrConfig, d.RasterID, d.Level, d.TilesAcross, d.TilesDown)
	}
	if len(d.Bands) == 0 {
		return fmt.Errorf("%w: raster %s level %d: no bands", ErrConfig, d.RasterID, d.Level)
	}
	seen := make(map[int]struct{}, len(d.Bands))
	for _, b := range d.Bands {
		if _, ok := seen[b.ID]; ok {
			return fmt.Errorf("%w: raster %s level %d: duplicate band %d", ErrConfig, d.RasterID, d.Level, b.ID)
		}
		seen[b.ID] = struct{}{}
		if b.HasNoData && !d.TargetCellType.Represents(b.NoData) {
			return fmt.Errorf("%w: raster %s level %d: band %d no-data %g does not fit %s",
				ErrConfig, d.RasterID, d.Level, b.ID, b.NoData, d.TargetCellType)
		}
	}
	return nil
}
