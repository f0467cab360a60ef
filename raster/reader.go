package raster

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"time"

	"github.com/karlseguin/ccache/v3"
	"golang.org/x/sync/singleflight"
)

// TiledReader assembles tile rectangles from a raster store: it fetches
// native tiles, promotes them to the target cell type and rewrites pixels
// without data.
//
// A TiledReader is safe for concurrent use; each request gets its own
// cursor and session.
type TiledReader struct {
	catalog Catalog
	store   Store
	logger  *slog.Logger
	metrics *Metrics
	opts    []Option

	// infoCache holds resolved dataset descriptions, which are immutable and
	// shared by every request on the same raster level.
	infoCache *ccache.Cache[*DatasetInfo]
	infoTTL   time.Duration
	inflight  singleflight.Group
}

func NewTiledReader(catalog Catalog, store Store, opts ...Option) *TiledReader {
	cfg := newConfig(opts)
	r := &TiledReader{
		catalog: catalog,
		store:   store,
		logger:  cfg.logger,
		metrics: cfg.metrics,
		opts:    opts,
		infoTTL: cfg.infoCacheDuration,
	}
	if cfg.infoCacheDuration > 0 {
		r.infoCache = ccache.New(ccache.Configure[*DatasetInfo]().MaxSize(cfg.infoCacheSize).ItemsToPrune(cfg.infoItemsToPrune))
	}
	return r
}

// Stop releases the background cache worker.
func (r *TiledReader) Stop() {
	if r.infoCache != nil {
		r.infoCache.Stop()
	}
}

// DatasetInfo resolves and validates the description of a raster level.
func (r *TiledReader) DatasetInfo(ctx context.Context, rasterID string, level int) (*DatasetInfo, error) {
	key := fmt.Sprintf("%s/%d", rasterID, level)
	if r.infoCache != nil {
		if item := r.infoCache.Get(key); item != nil && !item.Expired() {
			return item.Value(), nil
		}
	}
	v, err, _ := r.inflight.Do(key, func() (any, error) {
		info, err := r.catalog.DatasetInfo(ctx, rasterID, level)
		if err != nil {
			return nil, err
		}
		if err := info.Validate(); err != nil {
			return nil, err
		}
		if r.infoCache != nil {
			r.infoCache.Set(key, info, r.infoTTL)
		}
		return info, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*DatasetInfo), nil
}

// pipeline is the per raster level processing bound at setup time.
type pipeline struct {
	info    *DatasetInfo
	promote Promoter
	noData  NoDataApplier
}

func newPipeline(info *DatasetInfo) (*pipeline, error) {
	promote, err := NewPromoter(info.NativeCellType, info.TargetCellType)
	if err != nil {
		return nil, err
	}
	noData, err := NewNoDataConverter(info.PixelsPerTile(), info.TargetCellType, info.NoDataValues())
	if err != nil {
		return nil, err
	}
	return &pipeline{info: info, promote: promote, noData: noData}, nil
}

// process promotes each tile, then applies no-data to the wide buffer.
func (p *pipeline) process(tiles []*TileBuffer) error {
	for i, t := range tiles {
		t = p.promote(t)
		if err := p.noData.Apply(t); err != nil {
			return err
		}
		tiles[i] = t
	}
	return nil
}

// TileSource is the per-tile pull interface over a tile rectangle. Tiles it
// returns are promoted and have no-data applied. Close must be called.
type TileSource struct {
	info   *DatasetInfo
	cursor *TileCursor
	pipe   *pipeline
}

// Open prepares a TileSource over rect, in tile grid coordinates.
// Configuration errors are reported here, before any tile is fetched.
func (r *TiledReader) Open(ctx context.Context, rasterID string, level int, rect image.Rectangle) (*TileSource, error) {
	info, err := r.DatasetInfo(ctx, rasterID, level)
	if err != nil {
		return nil, fmt.Errorf("resolve raster %s level %d: %w", rasterID, level, err)
	}
	pipe, err := newPipeline(info)
	if err != nil {
		return nil, err
	}
	cursor, err := NewTileCursor(r.store, info, rect, r.opts...)
	if err != nil {
		return nil, err
	}
	return &TileSource{info: info, cursor: cursor, pipe: pipe}, nil
}

func (s *TileSource) Info() *DatasetInfo { return s.info }

func (s *TileSource) Rect() image.Rectangle { return s.cursor.Rect() }

// Next returns the processed band tiles of the next cell in row-major
// order, or ErrNoMoreTiles.
func (s *TileSource) Next(ctx context.Context) ([]*TileBuffer, error) {
	tiles, err := s.cursor.Next(ctx)
	if err != nil {
		return nil, err
	}
	return s.finish(tiles)
}

// GetTile returns the processed band tiles of cell (x, y), relative to the
// rectangle origin.
func (s *TileSource) GetTile(ctx context.Context, x, y int) ([]*TileBuffer, error) {
	tiles, err := s.cursor.GetTile(ctx, x, y)
	if err != nil {
		return nil, err
	}
	return s.finish(tiles)
}

func (s *TileSource) finish(tiles []*TileBuffer) ([]*TileBuffer, error) {
	if err := s.pipe.process(tiles); err != nil {
		s.cursor.Close()
		return nil, err
	}
	return tiles, nil
}

func (s *TileSource) Close() error { return s.cursor.Close() }

// Read assembles rect, in tile grid coordinates, into a Surface.
func (r *TiledReader) Read(ctx context.Context, rasterID string, level int, rect image.Rectangle) (*Surface, error) {
	start := time.Now()
	src, err := r.Open(ctx, rasterID, level, rect)
	if err != nil {
		return nil, err
	}
	defer src.Close()

	surface := NewSurface(src.info, rect)
	for {
		tiles, err := src.Next(ctx)
		if errors.Is(err, ErrNoMoreTiles) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read raster %s level %d: %w", rasterID, level, err)
		}
		for _, t := range tiles {
			if err := surface.Put(t); err != nil {
				return nil, err
			}
		}
	}
	r.metrics.observeRead(time.Since(start))
	r.logger.Debug("raster read", "raster", rasterID, "level", level, "rect", rect, "duration", time.Since(start))
	return surface, nil
}
