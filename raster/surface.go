package raster

import (
	"fmt"
	"image"
	"math"
)

// Surface is a banded pixel surface covering a rectangle of tiles. Each
// band is a plane of samples at the target cell type's width.
type Surface struct {
	// Rect is the covered rectangle in tile grid coordinates.
	Rect       image.Rectangle
	TileWidth  int
	TileHeight int
	CellType   CellType
	Bands      []BandInfo

	width, height int
	planes        []*TileBuffer
}

// NewSurface allocates a surface for rect with the layout of info.
func NewSurface(info *DatasetInfo, rect image.Rectangle) *Surface {
	s := &Surface{
		Rect:       rect,
		TileWidth:  info.TileWidth,
		TileHeight: info.TileHeight,
		CellType:   info.TargetCellType,
		Bands:      append([]BandInfo(nil), info.Bands...),
		width:      rect.Dx() * info.TileWidth,
		height:     rect.Dy() * info.TileHeight,
	}
	s.planes = make([]*TileBuffer, len(info.Bands))
	for i := range s.planes {
		p := NewTileBuffer(s.width * s.height)
		p.BandID = info.Bands[i].ID
		p.NumPixelsRead = p.NumPixels()
		p.signedBytes = s.CellType == CellType8BitS
		p.As(s.CellType.Width())
		s.planes[i] = p
	}
	return s
}

func (s *Surface) Width() int  { return s.width }
func (s *Surface) Height() int { return s.height }

// Plane returns the samples of band index i, row-major over the surface.
func (s *Surface) Plane(i int) *TileBuffer { return s.planes[i] }

// Put copies a processed tile into its place on the surface.
func (s *Surface) Put(tile *TileBuffer) error {
	idx := -1
	for i, b := range s.Bands {
		if b.ID == tile.BandID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("%w: band %d not on surface", ErrProtocol, tile.BandID)
	}
	if !(image.Point{X: tile.Column, Y: tile.Row}).In(s.Rect) {
		return fmt.Errorf("%w: tile (%d,%d) outside surface %v", ErrProtocol, tile.Column, tile.Row, s.Rect)
	}
	if tile.NumPixels() != s.TileWidth*s.TileHeight {
		return fmt.Errorf("%w: tile has %d pixels, want %d", ErrProtocol, tile.NumPixels(), s.TileWidth*s.TileHeight)
	}

	x0 := (tile.Column - s.Rect.Min.X) * s.TileWidth
	y0 := (tile.Row - s.Rect.Min.Y) * s.TileHeight
	plane := s.planes[idx]
	switch w := s.CellType.Width(); w {
	case WidthByte:
		blit(plane.AsBytes(), tile.AsBytes(), s.width, s.TileWidth, x0, y0)
	case WidthUShort:
		blit(plane.AsUnsignedShorts(), tile.AsUnsignedShorts(), s.width, s.TileWidth, x0, y0)
	case WidthShort:
		blit(plane.AsShorts(), tile.AsShorts(), s.width, s.TileWidth, x0, y0)
	case WidthInt:
		blit(plane.AsIntegers(), tile.AsIntegers(), s.width, s.TileWidth, x0, y0)
	case WidthFloat:
		blit(plane.AsFloats(), tile.AsFloats(), s.width, s.TileWidth, x0, y0)
	case WidthDouble:
		blit(plane.AsDoubles(), tile.AsDoubles(), s.width, s.TileWidth, x0, y0)
	default:
		return fmt.Errorf("%w: surface width %s", ErrConfig, w)
	}
	return nil
}

// blit copies a tile's rows into a plane of the given stride at (x0, y0).
func blit[T any](dst, src []T, stride, tileWidth, x0, y0 int) {
	for off := 0; off+tileWidth <= len(src); off += tileWidth {
		row := off / tileWidth
		start := (y0+row)*stride + x0
		copy(dst[start:start+tileWidth], src[off:off+tileWidth])
	}
}

// At returns the sample of band index band at pixel (x, y) of the surface.
func (s *Surface) At(band, x, y int) float64 {
	return s.planes[band].Value(s.CellType.Width(), y*s.width+x)
}

// Image renders band index band as a grayscale image. 8-bit surfaces map
// to image.Gray, signed ones offset by 128 so -128 is black, and unsigned
// 16-bit surfaces to image.Gray16 unchanged;
// wider types are stretched linearly between their minimum and maximum,
// skipping the band's no-data value.
func (s *Surface) Image(band int) (image.Image, error) {
	if band < 0 || band >= len(s.planes) {
		return nil, fmt.Errorf("band index %d out of range", band)
	}
	plane := s.planes[band]
	bounds := image.Rect(0, 0, s.width, s.height)
	switch s.CellType.Width() {
	case WidthByte:
		img := image.NewGray(bounds)
		copy(img.Pix, plane.AsBytes())
		if s.CellType == CellType8BitS {
			for i, b := range img.Pix {
				img.Pix[i] = b ^ 0x80
			}
		}
		return img, nil
	case WidthUShort:
		img := image.NewGray16(bounds)
		for i, v := range plane.AsUnsignedShorts() {
			img.Pix[2*i] = uint8(v >> 8)
			img.Pix[2*i+1] = uint8(v)
		}
		return img, nil
	}

	noData := s.CellType.DefaultNoData()
	if b := s.Bands[band]; b.HasNoData {
		noData = b.NoData
	}
	valid := func(v float64) bool { return !math.IsNaN(v) && v != noData }

	w := s.CellType.Width()
	lo, hi := math.Inf(1), math.Inf(-1)
	for i := 0; i < plane.NumPixels(); i++ {
		v := plane.Value(w, i)
		if valid(v) {
			lo, hi = math.Min(lo, v), math.Max(hi, v)
		}
	}
	img := image.NewGray16(bounds)
	if hi < lo {
		return img, nil
	}
	scale := 0.0
	if hi > lo {
		scale = math.MaxUint16 / (hi - lo)
	}
	for i := 0; i < plane.NumPixels(); i++ {
		v := plane.Value(w, i)
		if !valid(v) {
			continue
		}
		g := uint16(math.Round((v - lo) * scale))
		img.Pix[2*i] = uint8(g >> 8)
		img.Pix[2*i+1] = uint8(g)
	}
	return img, nil
}
