// Package sqlitestore keeps tiled rasters in a SQLite database.
//
// Each store session is a pooled database connection and each range query
// an open result set on it. Absent tiles are not stored; queries report
// them as rows with NumPixelsRead 0.
package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	_ "github.com/mattn/go-sqlite3"

	"github.com/akhenakh/tiledraster/raster"
)

const schema = `
CREATE TABLE IF NOT EXISTS raster_levels (
	raster_id        TEXT    NOT NULL,
	level            INTEGER NOT NULL,
	native_cell_type TEXT    NOT NULL,
	target_cell_type TEXT,
	tile_width       INTEGER NOT NULL,
	tile_height      INTEGER NOT NULL,
	tiles_across     INTEGER NOT NULL,
	tiles_down       INTEGER NOT NULL,
	image_width      INTEGER NOT NULL DEFAULT 0,
	image_height     INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (raster_id, level)
);
CREATE TABLE IF NOT EXISTS raster_bands (
	raster_id TEXT    NOT NULL,
	band_id   INTEGER NOT NULL,
	nodata    REAL,
	PRIMARY KEY (raster_id, band_id)
);
CREATE TABLE IF NOT EXISTS raster_tiles (
	raster_id       TEXT    NOT NULL,
	level           INTEGER NOT NULL,
	tile_row        INTEGER NOT NULL,
	tile_column     INTEGER NOT NULL,
	band_id         INTEGER NOT NULL,
	num_pixels_read INTEGER NOT NULL,
	bitmask         BLOB,
	pixels          BLOB,
	PRIMARY KEY (raster_id, level, tile_row, tile_column, band_id)
);
`

// Store implements raster.Store and raster.Catalog over SQLite.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

type storeConfig struct {
	Logger      *slog.Logger
	ReadOnly    bool
	MaxSessions int
}

type Option func(*storeConfig)

func WithLogger(logger *slog.Logger) Option {
	return func(c *storeConfig) { c.Logger = logger }
}

// WithReadOnly opens the database read-only and skips schema creation.
func WithReadOnly() Option {
	return func(c *storeConfig) { c.ReadOnly = true }
}

// WithMaxSessions caps the number of sessions open at once.
func WithMaxSessions(n int) Option {
	return func(c *storeConfig) { c.MaxSessions = n }
}

// Open opens or creates the database at filePath.
//
// The returned Store must be closed after use to release database resources.
func Open(filePath string, opts ...Option) (*Store, error) {
	config := storeConfig{
		Logger:      slog.New(slog.DiscardHandler),
		MaxSessions: 8,
	}
	for _, opt := range opts {
		opt(&config)
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000", filePath)
	if config.ReadOnly {
		dsn = fmt.Sprintf("file:%s?mode=ro", filePath)
	}

	var err error
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			db.Close()
		}
	}()
	db.SetMaxOpenConns(config.MaxSessions)

	if !config.ReadOnly {
		if _, err = db.Exec(schema); err != nil {
			return nil, fmt.Errorf("create schema: %w", err)
		}
	}
	return &Store{db: db, logger: config.Logger}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// DatasetInfo implements raster.Catalog.
func (s *Store) DatasetInfo(ctx context.Context, rasterID string, level int) (*raster.DatasetInfo, error) {
	info := &raster.DatasetInfo{RasterID: rasterID, Level: level}
	var native string
	var target sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT native_cell_type, target_cell_type, tile_width, tile_height,
		       tiles_across, tiles_down, image_width, image_height
		FROM raster_levels WHERE raster_id = ? AND level = ?`, rasterID, level).
		Scan(&native, &target, &info.TileWidth, &info.TileHeight,
			&info.TilesAcross, &info.TilesDown, &info.ImageWidth, &info.ImageHeight)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("raster %s level %d: %w", rasterID, level, raster.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	if info.NativeCellType, err = raster.ParseCellType(native); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, "SELECT band_id, nodata FROM raster_bands WHERE raster_id = ? ORDER BY band_id", rasterID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var band raster.BandInfo
		var noData sql.NullFloat64
		if err := rows.Scan(&band.ID, &noData); err != nil {
			return nil, err
		}
		band.NoData, band.HasNoData = noData.Float64, noData.Valid
		info.Bands = append(info.Bands, band)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	info.TargetCellType = raster.TargetCellTypeFor(info.NativeCellType, info.Bands)
	if target.Valid && target.String != "" {
		if info.TargetCellType, err = raster.ParseCellType(target.String); err != nil {
			return nil, err
		}
	}
	return info, nil
}

// Rasters lists the stored raster ids and their levels.
func (s *Store) Rasters(ctx context.Context) (map[string][]int, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT raster_id, level FROM raster_levels ORDER BY raster_id, level")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make(map[string][]int)
	for rows.Next() {
		var id string
		var level int
		if err := rows.Scan(&id, &level); err != nil {
			return nil, err
		}
		result[id] = append(result[id], level)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}
