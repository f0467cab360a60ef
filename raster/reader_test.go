package raster

import (
	"context"
	"encoding/binary"
	"errors"
	"image"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
)

type staticCatalog map[string]*DatasetInfo

func (c staticCatalog) DatasetInfo(ctx context.Context, rasterID string, level int) (*DatasetInfo, error) {
	info, ok := c[rasterID]
	if !ok || info.Level != level {
		return nil, ErrNotFound
	}
	return info, nil
}

func TestReadPromotesAndFillsSparseTile(t *testing.T) {
	info := testInfo(2, 2)
	info.TargetCellType = CellType16BitU
	store := newFakeStore(info)
	native := map[image.Point][]byte{
		{0, 0}: {0, 1, 2, 3},
		{1, 0}: {128, 129, 200, 254},
		{0, 1}: {255, 127, 64, 32},
	}
	for p, px := range native {
		store.put(1, p.X, p.Y, px)
	}
	// Tile (1,1) is absent and comes back with NumPixelsRead == 0.

	r := NewTiledReader(staticCatalog{"dem": info}, store)
	defer r.Stop()
	surface, err := r.Read(context.Background(), "dem", 0, info.Grid())
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if surface.Width() != 4 || surface.Height() != 4 {
		t.Fatalf("surface is %dx%d, want 4x4", surface.Width(), surface.Height())
	}

	got := surface.Plane(0).AsUnsignedShorts()
	want := []uint16{
		0, 1, 128, 129,
		2, 3, 200, 254,
		255, 127, 255, 255,
		64, 32, 255, 255,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("surface samples mismatch (-want +got):\n%s", diff)
	}
	if opened, closed, _, _ := store.counts(); opened != 1 || closed != 1 {
		t.Errorf("sessions opened=%d closed=%d, want 1, 1", opened, closed)
	}
}

func TestReadBitmaskAndMultiByte(t *testing.T) {
	info := &DatasetInfo{
		RasterID:       "temp",
		Level:          2,
		NativeCellType: CellType16BitS,
		TargetCellType: CellType32BitS,
		TileWidth:      2,
		TileHeight:     1,
		TilesAcross:    1,
		TilesDown:      1,
		Bands:          []BandInfo{{ID: 4}, {ID: 5, NoData: -9999, HasNoData: true}},
		ByteOrder:      binary.LittleEndian,
	}
	store := newFakeStore(info)
	px := make([]byte, 4)
	binary.LittleEndian.PutUint16(px, uint16(0xfffe))
	binary.LittleEndian.PutUint16(px[2:], 42)
	store.put(4, 0, 0, px)
	store.tiles[cellKey{5, 0, 0}] = &TileRow{BandID: 5, NumPixelsRead: 2, Pixels: px, Bitmask: []byte{0x40}}

	r := NewTiledReader(staticCatalog{"temp": info}, store)
	defer r.Stop()
	surface, err := r.Read(context.Background(), "temp", 2, info.Grid())
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got, want := surface.Plane(0).AsIntegers(), []int32{-2, 42}; !cmp.Equal(got, want) {
		t.Errorf("band 4 = %v, want %v", got, want)
	}
	if got, want := surface.Plane(1).AsIntegers(), []int32{-9999, 42}; !cmp.Equal(got, want) {
		t.Errorf("band 5 = %v, want %v", got, want)
	}
	if got := surface.At(1, 1, 0); got != 42 {
		t.Errorf("At(1,1,0) = %v, want 42", got)
	}
}

func TestRead1BitRaster(t *testing.T) {
	info := testInfo(1, 1)
	info.NativeCellType = CellType1Bit
	info.TargetCellType = CellType8BitU
	info.TileWidth, info.TileHeight = 4, 2
	info.Bands = []BandInfo{{ID: 1}}
	store := newFakeStore(info)
	store.put(1, 0, 0, []byte{0b10110001})

	r := NewTiledReader(staticCatalog{"dem": info}, store)
	defer r.Stop()
	surface, err := r.Read(context.Background(), "dem", 0, info.Grid())
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got, want := surface.Plane(0).AsBytes(), []byte{1, 0, 1, 1, 0, 0, 0, 1}; !cmp.Equal(got, want) {
		t.Errorf("1-bit samples = %v, want %v", got, want)
	}
}

func TestRead4BitRaster(t *testing.T) {
	info := testInfo(1, 1)
	info.NativeCellType = CellType4Bit
	info.TargetCellType = CellType4Bit.TargetCellType()
	info.TileWidth, info.TileHeight = 2, 2
	info.Bands = []BandInfo{{ID: 1, NoData: 15, HasNoData: true}}
	store := newFakeStore(info)
	store.tiles[cellKey{1, 0, 0}] = &TileRow{
		BandID: 1, NumPixelsRead: 4, Bitmask: []byte{0xd0}, Pixels: []byte{0x3c, 0x0a},
	}

	r := NewTiledReader(staticCatalog{"dem": info}, store)
	defer r.Stop()
	surface, err := r.Read(context.Background(), "dem", 0, info.Grid())
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got, want := surface.Plane(0).AsBytes(), []byte{3, 12, 15, 10}; !cmp.Equal(got, want) {
		t.Errorf("4-bit samples = %v, want %v", got, want)
	}
}

func TestOpenConfigErrorsBeforeFetch(t *testing.T) {
	info := testInfo(1, 1)
	info.TargetCellType = CellType32BitS
	store := newFakeStore(info)

	r := NewTiledReader(staticCatalog{"dem": info}, store)
	defer r.Stop()
	_, err := r.Open(context.Background(), "dem", 0, info.Grid())
	if !errors.Is(err, ErrNotImplemented) {
		t.Errorf("Open: err = %v, want ErrNotImplemented", err)
	}
	if opened, _, _, _ := store.counts(); opened != 0 {
		t.Errorf("Open acquired %d sessions on a configuration error", opened)
	}

	if _, err := r.Open(context.Background(), "missing", 0, info.Grid()); !errors.Is(err, ErrNotFound) {
		t.Errorf("Open(missing): err = %v, want ErrNotFound", err)
	}
}

func TestTileSourceGetTile(t *testing.T) {
	info := testInfo(2, 2)
	info.TargetCellType = CellType16BitU
	store := newFakeStore(info)
	fillGrid(store)
	delete(store.tiles, cellKey{1, 0, 1})

	r := NewTiledReader(staticCatalog{"dem": info}, store)
	defer r.Stop()
	src, err := r.Open(context.Background(), "dem", 0, info.Grid())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer src.Close()

	tiles, err := src.GetTile(context.Background(), 0, 1)
	if err != nil {
		t.Fatalf("GetTile(0,1): %v", err)
	}
	if got, want := tiles[0].AsUnsignedShorts(), []uint16{255, 255, 255, 255}; !cmp.Equal(got, want) {
		t.Errorf("sparse tile = %v, want %v", got, want)
	}
	tiles, err = src.GetTile(context.Background(), 0, 0)
	if err != nil {
		t.Fatalf("GetTile(0,0): %v", err)
	}
	if got, want := tiles[0].AsUnsignedShorts(), []uint16{1, 1, 1, 1}; !cmp.Equal(got, want) {
		t.Errorf("side fetched tile = %v, want %v", got, want)
	}
}

func TestSurfaceImage(t *testing.T) {
	info := &DatasetInfo{
		RasterID:       "dem",
		NativeCellType: CellType32BitReal,
		TargetCellType: CellType32BitReal,
		TileWidth:      2,
		TileHeight:     1,
		TilesAcross:    1,
		TilesDown:      1,
		Bands:          []BandInfo{{ID: 1, NoData: -1, HasNoData: true}},
	}
	s := NewSurface(info, info.Grid())
	tile := NewTileBuffer(2)
	tile.BandID = 1
	copy(tile.AsFloats(), []float32{10, 20})
	if err := s.Put(tile); err != nil {
		t.Fatalf("Put: %v", err)
	}
	img, err := s.Image(0)
	if err != nil {
		t.Fatalf("Image: %v", err)
	}
	g := img.(*image.Gray16)
	if lo, hi := g.Gray16At(0, 0).Y, g.Gray16At(1, 0).Y; lo != 0 || hi != 0xffff {
		t.Errorf("stretched image = %d, %d, want 0, 65535", lo, hi)
	}
}

func TestReadWidensTargetForNoData(t *testing.T) {
	info := testInfo(1, 1)
	info.TileWidth, info.TileHeight = 2, 1
	info.Bands = []BandInfo{{ID: 1, NoData: -9999, HasNoData: true}}
	store := newFakeStore(info)

	r := NewTiledReader(staticCatalog{"dem": info}, store)
	defer r.Stop()
	if _, err := r.Read(context.Background(), "dem", 0, info.Grid()); !errors.Is(err, ErrConfig) {
		t.Fatalf("Read with no-data -9999 on 8bit_u: err = %v, want ErrConfig", err)
	}
	if opened, _, _, _ := store.counts(); opened != 0 {
		t.Errorf("rejected read acquired %d sessions", opened)
	}

	wide := testInfo(1, 1)
	wide.TileWidth, wide.TileHeight = 2, 1
	wide.Bands = []BandInfo{{ID: 1, NoData: 9999, HasNoData: true}}
	wide.TargetCellType = TargetCellTypeFor(wide.NativeCellType, wide.Bands)
	store = newFakeStore(wide)
	store.tiles[cellKey{1, 0, 0}] = &TileRow{BandID: 1, NumPixelsRead: 2, Bitmask: []byte{0x80}, Pixels: []byte{241, 241}}

	r = NewTiledReader(staticCatalog{"dem": wide}, store)
	defer r.Stop()
	surface, err := r.Read(context.Background(), "dem", 0, wide.Grid())
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if surface.CellType != CellType16BitU {
		t.Errorf("surface cell type = %s, want 16bit_u", surface.CellType)
	}
	if got, want := surface.Plane(0).AsUnsignedShorts(), []uint16{241, 9999}; !cmp.Equal(got, want) {
		t.Errorf("samples = %v, want %v", got, want)
	}
}

func TestRead32BitUnsignedKeepsRange(t *testing.T) {
	info := testInfo(1, 1)
	info.NativeCellType = CellType32BitU
	info.TargetCellType = CellType32BitU
	info.TileWidth, info.TileHeight = 2, 1
	info.Bands = []BandInfo{{ID: 1}}
	store := newFakeStore(info)
	px := make([]byte, 8)
	binary.BigEndian.PutUint32(px, 0xfffffffe)
	binary.BigEndian.PutUint32(px[4:], 7)
	store.tiles[cellKey{1, 0, 0}] = &TileRow{BandID: 1, NumPixelsRead: 2, Bitmask: []byte{0x80}, Pixels: px}

	r := NewTiledReader(staticCatalog{"dem": info}, store)
	defer r.Stop()
	surface, err := r.Read(context.Background(), "dem", 0, info.Grid())
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got, want := surface.Plane(0).AsDoubles(), []float64{0xfffffffe, math.MaxUint32}; !cmp.Equal(got, want) {
		t.Errorf("samples = %v, want %v", got, want)
	}

	img, err := surface.Image(0)
	if err != nil {
		t.Fatalf("Image: %v", err)
	}
	// The no-data pixel is skipped by the stretch and stays black.
	if got := img.(*image.Gray16).Gray16At(1, 0).Y; got != 0 {
		t.Errorf("no-data pixel = %d, want 0", got)
	}
}

func TestSurfaceImageSigned8Bit(t *testing.T) {
	info := testInfo(1, 1)
	info.NativeCellType = CellType8BitS
	info.TargetCellType = CellType8BitS
	info.TileWidth, info.TileHeight = 4, 1
	info.Bands = []BandInfo{{ID: 1}}
	s := NewSurface(info, info.Grid())
	tile := NewTileBuffer(4)
	tile.BandID = 1
	for i, v := range []int8{-128, -1, 0, 127} {
		tile.AsBytes()[i] = byte(v)
	}
	if err := s.Put(tile); err != nil {
		t.Fatalf("Put: %v", err)
	}
	img, err := s.Image(0)
	if err != nil {
		t.Fatalf("Image: %v", err)
	}
	if got, want := img.(*image.Gray).Pix, []byte{0, 127, 128, 255}; !cmp.Equal(got, want) {
		t.Errorf("gray levels = %v, want %v", got, want)
	}
}
