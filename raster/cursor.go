package raster

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"runtime"
)

type cursorState uint8

const (
	stateUnstarted cursorState = iota
	stateStreaming
	stateExhausted
	stateDisposed
)

var cursorStateToLabel = map[cursorState]string{
	stateUnstarted: "unstarted",
	stateStreaming: "streaming",
	stateExhausted: "exhausted",
	stateDisposed:  "disposed",
}

func (s cursorState) String() string { return cursorStateToLabel[s] }

// TileCursor walks a rectangle of tiles out of a Store, one grid cell per
// call, returning one TileBuffer per band.
//
// The cursor opens a session and a range query on the first Next and holds
// them until the last cell is returned, Close is called, or a fetch fails.
// Cells are visited in row-major order. GetTile serves forward requests by
// skipping ahead and anything else with a one-cell side query that leaves
// the streaming position untouched.
//
// A TileCursor is not safe for concurrent use. Callers that stop early must
// call Close; a cursor dropped without Close is released by a runtime
// cleanup and logged as a leak.
type TileCursor struct {
	store   Store
	info    *DatasetInfo
	rect    image.Rectangle
	bands   []int
	logger  *slog.Logger
	metrics *Metrics

	state cursorState
	// lastX and lastY are the last cell returned by Next, relative to
	// rect.Min. -1 before the first call.
	lastX, lastY int

	res     *cursorResources
	cleanup runtime.Cleanup
	err     error
}

// cursorResources is kept apart from TileCursor so the runtime cleanup can
// reach it without keeping the cursor alive.
type cursorResources struct {
	session  Session
	query    Query
	logger   *slog.Logger
	metrics  *Metrics
	released bool
}

// release closes the query and then the session. A query close failure is
// logged and does not prevent the session from being closed.
func (r *cursorResources) release() error {
	if r.released {
		return nil
	}
	r.released = true
	var queryErr, sessionErr error
	if r.query != nil {
		if queryErr = r.query.Close(); queryErr != nil {
			r.logger.Warn("closing tile query failed", "error", queryErr)
		}
		r.query = nil
	}
	if r.session != nil {
		sessionErr = r.session.Close()
		r.session = nil
		r.metrics.sessionClosed()
	}
	return errors.Join(queryErr, sessionErr)
}

// NewTileCursor returns an unstarted cursor over rect, in tile grid
// coordinates, for every band of info. No store resource is acquired
// until the first fetch.
func NewTileCursor(store Store, info *DatasetInfo, rect image.Rectangle, opts ...Option) (*TileCursor, error) {
	if err := info.Validate(); err != nil {
		return nil, err
	}
	if rect.Empty() || !rect.In(info.Grid()) {
		return nil, fmt.Errorf("%w: tile rectangle %v outside grid %v", ErrConfig, rect, info.Grid())
	}
	cfg := newConfig(opts)
	logger := cfg.logger.With("raster", info.RasterID, "level", info.Level)
	c := &TileCursor{
		store:   store,
		info:    info,
		rect:    rect,
		bands:   info.BandIDs(),
		logger:  logger,
		metrics: cfg.metrics,
		lastX:   -1,
		lastY:   -1,
		res:     &cursorResources{logger: logger, metrics: cfg.metrics},
	}
	c.cleanup = runtime.AddCleanup(c, func(r *cursorResources) {
		if r.session == nil && r.query == nil {
			return
		}
		r.logger.Warn("tile cursor was not closed, releasing session")
		r.release()
	}, c.res)
	return c, nil
}

// Rect returns the cursor's tile rectangle.
func (c *TileCursor) Rect() image.Rectangle { return c.rect }

// Position returns the last cell returned by Next relative to the
// rectangle origin, (-1, -1) before the first call.
func (c *TileCursor) Position() (x, y int) { return c.lastX, c.lastY }

// Next returns the band tiles of the next cell. It returns ErrNoMoreTiles
// once every cell has been returned.
func (c *TileCursor) Next(ctx context.Context) ([]*TileBuffer, error) {
	switch c.state {
	case stateDisposed:
		return nil, c.closedErr()
	case stateExhausted:
		return nil, ErrNoMoreTiles
	case stateUnstarted:
		if err := c.start(ctx); err != nil {
			return nil, c.fail(err)
		}
	}

	x, y := c.nextCell()
	tiles, err := c.readCell(ctx, c.res.query, x, y)
	if err != nil {
		return nil, c.fail(err)
	}
	c.lastX, c.lastY = x, y
	c.metrics.tileFetched("stream", len(tiles))

	if x == c.rect.Dx()-1 && y == c.rect.Dy()-1 {
		c.state = stateExhausted
		if err := c.res.release(); err != nil {
			c.logger.Warn("releasing exhausted cursor failed", "error", err)
		}
		c.cleanup.Stop()
	}
	return tiles, nil
}

// GetTile returns the band tiles of cell (x, y), relative to the rectangle
// origin.
func (c *TileCursor) GetTile(ctx context.Context, x, y int) ([]*TileBuffer, error) {
	if c.state == stateDisposed {
		return nil, c.closedErr()
	}
	if x < 0 || y < 0 || x >= c.rect.Dx() || y >= c.rect.Dy() {
		return nil, fmt.Errorf("%w: tile (%d,%d) outside %dx%d rectangle", ErrProtocol, x, y, c.rect.Dx(), c.rect.Dy())
	}

	forward := (x > c.lastX && y >= c.lastY) || (x <= c.lastX && y > c.lastY)
	if !forward {
		return c.sideFetch(ctx, x, y)
	}
	for {
		tiles, err := c.Next(ctx)
		if err != nil {
			return nil, err
		}
		if c.lastX == x && c.lastY == y {
			return tiles, nil
		}
	}
}

// Close releases the session and query. It is safe to call more than once.
func (c *TileCursor) Close() error {
	if c.state == stateDisposed {
		return nil
	}
	c.state = stateDisposed
	c.cleanup.Stop()
	return c.res.release()
}

func (c *TileCursor) start(ctx context.Context) error {
	session, err := c.store.OpenSession(ctx)
	if err != nil {
		return fmt.Errorf("open session: %w", err)
	}
	c.res.session = session
	c.metrics.sessionOpened()

	query, err := session.Query(ctx, c.query(c.rect))
	if err != nil {
		return fmt.Errorf("query tiles %v: %w", c.rect, err)
	}
	c.res.query = query
	c.state = stateStreaming
	c.logger.Debug("tile query opened", "rect", c.rect, "bands", c.bands)
	return nil
}

func (c *TileCursor) query(rect image.Rectangle) TileQuery {
	return TileQuery{
		RasterID: c.info.RasterID,
		Level:    c.info.Level,
		Bands:    c.bands,
		Rect:     rect,
	}
}

func (c *TileCursor) nextCell() (x, y int) {
	if c.lastX < 0 {
		return 0, 0
	}
	if c.lastX+1 < c.rect.Dx() {
		return c.lastX + 1, c.lastY
	}
	return 0, c.lastY + 1
}

// readCell reads one row per band for relative cell (x, y) from q.
func (c *TileCursor) readCell(ctx context.Context, q Query, x, y int) ([]*TileBuffer, error) {
	col, row := c.rect.Min.X+x, c.rect.Min.Y+y
	tiles := make([]*TileBuffer, 0, len(c.bands))
	for _, band := range c.bands {
		r, err := q.Next(ctx)
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: query ended before tile (%d,%d) band %d", ErrProtocol, col, row, band)
		}
		if err != nil {
			return nil, fmt.Errorf("fetch tile (%d,%d) band %d: %w", col, row, band, err)
		}
		if r.BandID != band || r.Column != col || r.Row != row {
			return nil, fmt.Errorf("%w: got tile (%d,%d) band %d, want (%d,%d) band %d",
				ErrProtocol, r.Column, r.Row, r.BandID, col, row, band)
		}
		tile, err := decodeRow(c.info, r)
		if err != nil {
			return nil, err
		}
		tiles = append(tiles, tile)
	}
	return tiles, nil
}

// sideFetch reads one cell with its own query, on the cursor's session when
// one is held and on a transient session otherwise. The cursor position is
// not changed.
func (c *TileCursor) sideFetch(ctx context.Context, x, y int) ([]*TileBuffer, error) {
	session := c.res.session
	if session == nil {
		s, err := c.store.OpenSession(ctx)
		if err != nil {
			return nil, c.fail(fmt.Errorf("open session: %w", err))
		}
		c.metrics.sessionOpened()
		defer func() {
			if err := s.Close(); err != nil {
				c.logger.Warn("closing side fetch session failed", "error", err)
			}
			c.metrics.sessionClosed()
		}()
		session = s
	}

	c.metrics.sideFetch()
	cell := image.Rect(c.rect.Min.X+x, c.rect.Min.Y+y, c.rect.Min.X+x+1, c.rect.Min.Y+y+1)
	tiles, err := c.fetchOne(ctx, session, cell, x, y)
	if err != nil {
		return nil, c.fail(err)
	}
	c.metrics.tileFetched("side", len(tiles))
	c.logger.Debug("side fetch", "tile_x", x, "tile_y", y, "last_x", c.lastX, "last_y", c.lastY)
	return tiles, nil
}

func (c *TileCursor) fetchOne(ctx context.Context, session Session, cell image.Rectangle, x, y int) ([]*TileBuffer, error) {
	q, err := session.Query(ctx, c.query(cell))
	if err != nil {
		return nil, fmt.Errorf("query tile %v: %w", cell.Min, err)
	}
	defer func() {
		if err := q.Close(); err != nil {
			c.logger.Warn("closing side fetch query failed", "error", err)
		}
	}()
	return c.readCell(ctx, q, x, y)
}

// fail disposes the cursor and returns err. Cleanup errors are logged so
// they never replace err.
func (c *TileCursor) fail(err error) error {
	c.err = err
	c.metrics.fetchFailed()
	if c.state != stateDisposed {
		c.state = stateDisposed
		c.cleanup.Stop()
		if cerr := c.res.release(); cerr != nil {
			c.logger.Warn("releasing failed cursor", "error", cerr, "cause", err)
		}
	}
	return err
}

func (c *TileCursor) closedErr() error {
	if c.err != nil {
		return fmt.Errorf("%w: %w", ErrCursorClosed, c.err)
	}
	return ErrCursorClosed
}
