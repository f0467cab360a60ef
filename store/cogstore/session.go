package cogstore

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"

	"golang.org/x/sync/errgroup"

	"github.com/akhenakh/tiledraster/raster"
)

// OpenSession implements raster.Store. Sessions share the COG tile cache
// and hold no connection of their own.
func (c *COG) OpenSession(ctx context.Context) (raster.Session, error) {
	return &session{cog: c}, nil
}

type session struct {
	cog    *COG
	closed bool
}

func (s *session) Close() error {
	if s.closed {
		return errors.New("session already closed")
	}
	s.closed = true
	return nil
}

func (s *session) Query(ctx context.Context, q raster.TileQuery) (raster.Query, error) {
	if s.closed {
		return nil, errors.New("query on closed session")
	}
	l, err := s.cog.level(q.RasterID, q.Level)
	if err != nil {
		return nil, err
	}
	grid := image.Rect(0, 0, l.tilesAcross, l.tilesDown)
	if q.Rect.Empty() || !q.Rect.In(grid) {
		return nil, fmt.Errorf("tile query %v outside grid %v", q.Rect, grid)
	}
	for _, b := range q.Bands {
		if b < 1 || b > l.samplesPerPixel {
			return nil, fmt.Errorf("band %d not in 1..%d", b, l.samplesPerPixel)
		}
	}

	qu := &query{cog: s.cog, level: l, rect: q.Rect, bands: q.Bands, cell: q.Rect.Min}
	if s.cog.prefetch > 0 {
		qu.startPrefetch(ctx, s.cog.prefetch)
	}
	return qu, nil
}

type query struct {
	cog   *COG
	level *level
	rect  image.Rectangle
	bands []int
	cell  image.Point
	band  int

	cancel   context.CancelFunc
	spawned  chan struct{}
	prefetch errgroup.Group
}

// startPrefetch warms the tile cache for the whole rectangle in the
// background. Failures are left for Next to report.
func (q *query) startPrefetch(ctx context.Context, limit int) {
	ctx, q.cancel = context.WithCancel(context.WithoutCancel(ctx))
	q.spawned = make(chan struct{})
	q.prefetch.SetLimit(limit)

	go func() {
		defer close(q.spawned)
		for y := q.rect.Min.Y; y < q.rect.Max.Y; y++ {
			for x := q.rect.Min.X; x < q.rect.Max.X; x++ {
				for _, b := range q.bands {
					if ctx.Err() != nil {
						return
					}
					q.prefetch.Go(func() error {
						if ctx.Err() != nil {
							return nil
						}
						if _, err := q.cog.bandTile(q.level, x, y, b); err != nil {
							q.cog.logger.Debug("prefetch failed", "level", q.level.index, "x", x, "y", y, "error", err)
						}
						return nil
					})
				}
			}
		}
	}()
}

func (q *query) Next(ctx context.Context) (*raster.TileRow, error) {
	if !q.cell.In(q.rect) {
		return nil, io.EOF
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	x, y, band := q.cell.X, q.cell.Y, q.bands[q.band]

	q.band++
	if q.band == len(q.bands) {
		q.band = 0
		q.cell.X++
		if q.cell.X == q.rect.Max.X {
			q.cell.X = q.rect.Min.X
			q.cell.Y++
		}
	}

	row := &raster.TileRow{BandID: band, Column: x, Row: y}
	pixels, err := q.cog.bandTile(q.level, x, y, band)
	if err != nil {
		return nil, err
	}
	if pixels != nil {
		row.Pixels = pixels
		row.NumPixelsRead = q.level.tileWidth * q.level.tileLength
	}
	return row, nil
}

func (q *query) Close() error {
	if q.cancel != nil {
		q.cancel()
		<-q.spawned
		q.prefetch.Wait()
	}
	return nil
}
