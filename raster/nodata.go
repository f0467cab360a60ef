package raster

import (
	"fmt"
	"maps"
)

// NoDataApplier rewrites the samples of a tile that carry no data.
type NoDataApplier interface {
	Apply(tile *TileBuffer) error
}

// NoDataConverter replaces invalid pixels with the band's no-data value.
//
// One converter is built per raster and pyramid level and shared by every
// tile of that combination. It is read-only after construction and safe for
// concurrent use.
type NoDataConverter struct {
	pixelsPerTile int
	bitsPerSample int
	target        CellType
	noData        map[int]float64
}

// NewNoDataConverter binds tile size, target cell type and the per-band
// no-data values. For 8-bit unsigned targets the returned applier fills
// absent tiles with a raw byte fill.
func NewNoDataConverter(pixelsPerTile int, target CellType, noData map[int]float64) (NoDataApplier, error) {
	if pixelsPerTile <= 0 {
		return nil, fmt.Errorf("%w: invalid tile pixel count %d", ErrConfig, pixelsPerTile)
	}
	if !target.Valid() {
		return nil, fmt.Errorf("%w: invalid target cell type %s", ErrConfig, target)
	}
	if len(noData) == 0 {
		return nil, fmt.Errorf("%w: no band no-data values", ErrConfig)
	}
	c := &NoDataConverter{
		pixelsPerTile: pixelsPerTile,
		bitsPerSample: target.BitsPerSample(),
		target:        target,
		noData:        maps.Clone(noData),
	}
	if target == CellType8BitU {
		return &byteNoDataConverter{NoDataConverter: c}, nil
	}
	return c, nil
}

func (c *NoDataConverter) PixelsPerTile() int { return c.pixelsPerTile }
func (c *NoDataConverter) BitsPerSample() int { return c.bitsPerSample }
func (c *NoDataConverter) Target() CellType   { return c.target }

func (c *NoDataConverter) noDataFor(tile *TileBuffer) (float64, error) {
	v, ok := c.noData[tile.BandID]
	if !ok {
		return 0, fmt.Errorf("%w: no no-data value for band %d", ErrConfig, tile.BandID)
	}
	return v, nil
}

// Apply fills an absent tile entirely, or sets each pixel whose bitmask bit
// is zero. A fully read tile without a bitmask is left untouched.
func (c *NoDataConverter) Apply(tile *TileBuffer) error {
	noData, err := c.noDataFor(tile)
	if err != nil {
		return err
	}
	if tile.NumPixelsRead == 0 {
		for i := 0; i < tile.NumPixels(); i++ {
			tile.SetValue(i, noData)
		}
		return nil
	}
	applyBitmask(tile, noData)
	return nil
}

func applyBitmask(tile *TileBuffer, noData float64) {
	mask := tile.Bitmask
	if len(mask) == 0 {
		return
	}
	n := min(tile.NumPixels(), len(mask)*8)
	for i := 0; i < n; i++ {
		if (mask[i/8]>>(7-i%8))&1 == 0 {
			tile.SetValue(i, noData)
		}
	}
}

// byteNoDataConverter fills absent 8-bit tiles with a byte fill instead of
// per-pixel writes.
type byteNoDataConverter struct {
	*NoDataConverter
}

func (c *byteNoDataConverter) Apply(tile *TileBuffer) error {
	noData, err := c.noDataFor(tile)
	if err != nil {
		return err
	}
	if tile.NumPixelsRead == 0 {
		fillBytes(tile.AsBytes(), uint8(truncate(noData)))
		if len(tile.order) > 1 {
			tile.Fill(noData)
		}
		return nil
	}
	applyBitmask(tile, noData)
	return nil
}
