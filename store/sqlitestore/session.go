package sqlitestore

import (
	"context"
	"database/sql"
	"fmt"
	"image"
	"io"
	"strings"

	"github.com/akhenakh/tiledraster/raster"
)

// OpenSession implements raster.Store by reserving a pooled connection.
func (s *Store) OpenSession(ctx context.Context) (raster.Session, error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	return &session{conn: conn}, nil
}

type session struct {
	conn *sql.Conn
}

func (s *session) Close() error {
	return s.conn.Close()
}

func (s *session) Query(ctx context.Context, q raster.TileQuery) (raster.Query, error) {
	if q.Rect.Empty() || len(q.Bands) == 0 {
		return nil, fmt.Errorf("empty tile query %v bands %v", q.Rect, q.Bands)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(q.Bands)), ",")
	args := []any{q.RasterID, q.Level, q.Rect.Min.Y, q.Rect.Max.Y - 1, q.Rect.Min.X, q.Rect.Max.X - 1}
	for _, b := range q.Bands {
		args = append(args, b)
	}
	rows, err := s.conn.QueryContext(ctx, `
		SELECT tile_row, tile_column, band_id, num_pixels_read, bitmask, pixels
		FROM raster_tiles
		WHERE raster_id = ? AND level = ?
		  AND tile_row BETWEEN ? AND ?
		  AND tile_column BETWEEN ? AND ?
		  AND band_id IN (`+placeholders+`)
		ORDER BY tile_row, tile_column, band_id`, args...)
	if err != nil {
		return nil, err
	}
	return &query{rows: rows, rect: q.Rect, bands: q.Bands, cell: q.Rect.Min}, nil
}

// query merges stored rows into the complete (cell, band) sequence the
// raster package expects, synthesizing rows for absent tiles.
type query struct {
	rows  *sql.Rows
	rect  image.Rectangle
	bands []int

	cell    image.Point
	band    int
	pending map[int]*raster.TileRow
	next    *raster.TileRow
	done    bool
}

func (q *query) Next(ctx context.Context) (*raster.TileRow, error) {
	if !q.cell.In(q.rect) {
		return nil, io.EOF
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if q.band == 0 {
		if err := q.loadCell(); err != nil {
			return nil, err
		}
	}

	id := q.bands[q.band]
	row, ok := q.pending[id]
	if !ok {
		row = &raster.TileRow{BandID: id, Column: q.cell.X, Row: q.cell.Y}
	}

	q.band++
	if q.band == len(q.bands) {
		q.band = 0
		q.cell.X++
		if q.cell.X == q.rect.Max.X {
			q.cell.X = q.rect.Min.X
			q.cell.Y++
		}
	}
	return row, nil
}

// loadCell collects the stored rows of the current cell.
func (q *query) loadCell() error {
	q.pending = make(map[int]*raster.TileRow, len(q.bands))
	for {
		if q.next == nil {
			row, err := q.scan()
			if err != nil {
				return err
			}
			if row == nil {
				return nil
			}
			q.next = row
		}
		if q.next.Row != q.cell.Y || q.next.Column != q.cell.X {
			return nil
		}
		q.pending[q.next.BandID] = q.next
		q.next = nil
	}
}

func (q *query) scan() (*raster.TileRow, error) {
	if q.done {
		return nil, nil
	}
	if !q.rows.Next() {
		q.done = true
		return nil, q.rows.Err()
	}
	var r raster.TileRow
	if err := q.rows.Scan(&r.Row, &r.Column, &r.BandID, &r.NumPixelsRead, &r.Bitmask, &r.Pixels); err != nil {
		return nil, err
	}
	return &r, nil
}

func (q *query) Close() error {
	return q.rows.Close()
}
