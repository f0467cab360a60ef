package sqlitestore_test

import (
	"context"
	"errors"
	"image"
	"io"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/akhenakh/tiledraster/raster"
	"github.com/akhenakh/tiledraster/store/sqlitestore"
)

func demInfo() *raster.DatasetInfo {
	return &raster.DatasetInfo{
		RasterID:       "dem",
		Level:          0,
		NativeCellType: raster.CellType8BitU,
		TargetCellType: raster.CellType16BitU,
		TileWidth:      2,
		TileHeight:     2,
		TilesAcross:    2,
		TilesDown:      2,
		ImageWidth:     4,
		ImageHeight:    4,
		Bands: []raster.BandInfo{
			{ID: 1, NoData: 255, HasNoData: true},
			{ID: 2},
		},
	}
}

func openSeeded(t *testing.T) *sqlitestore.Store {
	t.Helper()
	ctx := context.Background()
	s, err := sqlitestore.Open(filepath.Join(t.TempDir(), "raster.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	require.NoError(t, s.CreateRaster(ctx, demInfo()))

	w, err := s.NewTileWriter(ctx, "dem", 0)
	require.NoError(t, err)
	rows := []*raster.TileRow{
		{BandID: 1, Column: 0, Row: 0, NumPixelsRead: 4, Pixels: []byte{0, 1, 2, 3}},
		{BandID: 2, Column: 0, Row: 0, NumPixelsRead: 4, Pixels: []byte{9, 9, 9, 9}},
		{BandID: 1, Column: 1, Row: 0, NumPixelsRead: 4, Pixels: []byte{128, 129, 200, 254}},
		{BandID: 1, Column: 0, Row: 1, NumPixelsRead: 4, Bitmask: []byte{0xa0}, Pixels: []byte{7, 7, 7, 7}},
	}
	for _, r := range rows {
		require.NoError(t, w.WriteTile(ctx, r))
	}
	require.Equal(t, len(rows), w.Written())
	require.NoError(t, w.Commit())
	return s
}

func TestDatasetInfo(t *testing.T) {
	s := openSeeded(t)

	info, err := s.DatasetInfo(context.Background(), "dem", 0)
	require.NoError(t, err)
	require.Equal(t, raster.CellType8BitU, info.NativeCellType)
	require.Equal(t, raster.CellType16BitU, info.TargetCellType)
	require.Equal(t, image.Rect(0, 0, 2, 2), info.Grid())
	require.Equal(t, demInfo().Bands, info.Bands)
	require.NoError(t, info.Validate())

	_, err = s.DatasetInfo(context.Background(), "dem", 3)
	require.ErrorIs(t, err, raster.ErrNotFound)

	rasters, err := s.Rasters(context.Background())
	require.NoError(t, err)
	require.Equal(t, map[string][]int{"dem": {0}}, rasters)
}

func TestQuerySynthesizesAbsentTiles(t *testing.T) {
	s := openSeeded(t)
	ctx := context.Background()

	sess, err := s.OpenSession(ctx)
	require.NoError(t, err)
	defer sess.Close()

	// Bands are requested out of id order; rows must follow the request.
	q, err := sess.Query(ctx, raster.TileQuery{
		RasterID: "dem",
		Bands:    []int{2, 1},
		Rect:     image.Rect(0, 0, 2, 2),
	})
	require.NoError(t, err)
	defer q.Close()

	type key struct{ band, col, row, read int }
	var got []key
	for {
		r, err := q.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		got = append(got, key{r.BandID, r.Column, r.Row, r.NumPixelsRead})
	}
	require.Equal(t, []key{
		{2, 0, 0, 4}, {1, 0, 0, 4},
		{2, 1, 0, 0}, {1, 1, 0, 4},
		{2, 0, 1, 0}, {1, 0, 1, 4},
		{2, 1, 1, 0}, {1, 1, 1, 0},
	}, got)

	_, err = q.Next(ctx)
	require.ErrorIs(t, err, io.EOF)
}

func TestQuerySubRect(t *testing.T) {
	s := openSeeded(t)
	ctx := context.Background()

	sess, err := s.OpenSession(ctx)
	require.NoError(t, err)
	defer sess.Close()

	q, err := sess.Query(ctx, raster.TileQuery{RasterID: "dem", Bands: []int{1}, Rect: image.Rect(1, 0, 2, 1)})
	require.NoError(t, err)
	defer q.Close()

	r, err := q.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, []byte{128, 129, 200, 254}, r.Pixels)

	_, err = q.Next(ctx)
	require.ErrorIs(t, err, io.EOF)
}

func TestTiledReaderOverSQLite(t *testing.T) {
	s := openSeeded(t)
	reader := raster.NewTiledReader(s, s)
	defer reader.Stop()

	surface, err := reader.Read(context.Background(), "dem", 0, image.Rect(0, 0, 2, 2))
	require.NoError(t, err)
	require.Equal(t, 4, surface.Width())

	require.Equal(t, []uint16{
		0, 1, 128, 129,
		2, 3, 200, 254,
		7, 255, 255, 255,
		7, 255, 255, 255,
	}, surface.Plane(0).AsUnsignedShorts())

	// Band 2 has no declared no-data and falls back to the 16-bit default.
	require.Equal(t, []uint16{
		9, 9, 65535, 65535,
		9, 9, 65535, 65535,
		65535, 65535, 65535, 65535,
		65535, 65535, 65535, 65535,
	}, surface.Plane(1).AsUnsignedShorts())
}

func TestReadOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "raster.db")
	s, err := sqlitestore.Open(path)
	require.NoError(t, err)
	require.NoError(t, s.CreateRaster(context.Background(), demInfo()))
	require.NoError(t, s.Close())

	ro, err := sqlitestore.Open(path, sqlitestore.WithReadOnly())
	require.NoError(t, err)
	defer ro.Close()

	_, err = ro.DatasetInfo(context.Background(), "dem", 0)
	require.NoError(t, err)
	require.Error(t, ro.CreateRaster(context.Background(), demInfo()))
}

func TestNoDataOutsideTargetRange(t *testing.T) {
	ctx := context.Background()
	s, err := sqlitestore.Open(filepath.Join(t.TempDir(), "raster.db"))
	require.NoError(t, err)
	defer s.Close()

	info := demInfo()
	info.TargetCellType = raster.CellType8BitU
	info.Bands = []raster.BandInfo{{ID: 1, NoData: -9999, HasNoData: true}}
	require.ErrorIs(t, s.CreateRaster(ctx, info), raster.ErrConfig)

	info.Bands[0].NoData = 9999
	info.TargetCellType = raster.TargetCellTypeFor(info.NativeCellType, info.Bands)
	require.NoError(t, s.CreateRaster(ctx, info))

	reader := raster.NewTiledReader(s, s)
	defer reader.Stop()
	surface, err := reader.Read(ctx, "dem", 0, image.Rect(1, 1, 2, 2))
	require.NoError(t, err)
	require.Equal(t, raster.CellType16BitU, surface.CellType)
	require.Equal(t, []uint16{9999, 9999, 9999, 9999}, surface.Plane(0).AsUnsignedShorts())
}
