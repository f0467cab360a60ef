package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/akhenakh/tiledraster/raster"
)

// CreateRaster records the description of a raster level and its bands.
// Re-creating an existing level replaces its description.
func (s *Store) CreateRaster(ctx context.Context, info *raster.DatasetInfo) (err error) {
	if err := info.Validate(); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	_, err = tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO raster_levels (raster_id, level, native_cell_type, target_cell_type,
			tile_width, tile_height, tiles_across, tiles_down, image_width, image_height)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		info.RasterID, info.Level, info.NativeCellType.String(), info.TargetCellType.String(),
		info.TileWidth, info.TileHeight, info.TilesAcross, info.TilesDown, info.ImageWidth, info.ImageHeight)
	if err != nil {
		return fmt.Errorf("insert level: %w", err)
	}
	for _, b := range info.Bands {
		noData := sql.NullFloat64{Float64: b.NoData, Valid: b.HasNoData}
		_, err = tx.ExecContext(ctx, "INSERT OR REPLACE INTO raster_bands (raster_id, band_id, nodata) VALUES (?, ?, ?)",
			info.RasterID, b.ID, noData)
		if err != nil {
			return fmt.Errorf("insert band %d: %w", b.ID, err)
		}
	}
	return tx.Commit()
}

// TileWriter inserts tiles of one raster level in a single transaction.
type TileWriter struct {
	tx       *sql.Tx
	stmt     *sql.Stmt
	rasterID string
	level    int
	written  int
}

// NewTileWriter starts a write transaction. Commit or Rollback must be
// called.
func (s *Store) NewTileWriter(ctx context.Context, rasterID string, level int) (*TileWriter, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO raster_tiles (raster_id, level, tile_row, tile_column, band_id,
			num_pixels_read, bitmask, pixels)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	return &TileWriter{tx: tx, stmt: stmt, rasterID: rasterID, level: level}, nil
}

// WriteTile stores one band tile. Absent tiles need not be written.
func (w *TileWriter) WriteTile(ctx context.Context, row *raster.TileRow) error {
	_, err := w.stmt.ExecContext(ctx, w.rasterID, w.level, row.Row, row.Column, row.BandID,
		row.NumPixelsRead, row.Bitmask, row.Pixels)
	if err != nil {
		return fmt.Errorf("write tile (%d,%d) band %d: %w", row.Column, row.Row, row.BandID, err)
	}
	w.written++
	return nil
}

func (w *TileWriter) Written() int { return w.written }

func (w *TileWriter) Commit() error {
	return errors.Join(w.stmt.Close(), w.tx.Commit())
}

func (w *TileWriter) Rollback() error {
	return errors.Join(w.stmt.Close(), w.tx.Rollback())
}
