package raster

import (
	"context"
	"image"
)

// Catalog resolves raster descriptions.
type Catalog interface {
	// DatasetInfo returns the description of a raster at a pyramid level,
	// or an error wrapping ErrNotFound.
	DatasetInfo(ctx context.Context, rasterID string, level int) (*DatasetInfo, error)
}

// Store opens sessions against a raster store. Sessions are scarce pooled
// resources and must be closed.
type Store interface {
	OpenSession(ctx context.Context) (Session, error)
}

// Session issues tile range queries. A session is used by one goroutine at
// a time.
type Session interface {
	Query(ctx context.Context, q TileQuery) (Query, error)
	Close() error
}

// Query streams the rows of one range query.
//
// Rows come in row-major cell order: by grid row, then grid column, then in
// the order of TileQuery.Bands. Every (cell, band) pair of the rectangle
// yields exactly one row; absent tiles are reported with NumPixelsRead 0.
// Next returns io.EOF after the last row.
type Query interface {
	Next(ctx context.Context) (*TileRow, error)
	Close() error
}

// TileQuery selects a rectangle of tiles in tile grid coordinates.
type TileQuery struct {
	RasterID string
	Level    int
	Bands    []int
	Rect     image.Rectangle
}

// TileRow is one band of one tile as the store returns it.
type TileRow struct {
	BandID        int
	Column        int
	Row           int
	NumPixelsRead int
	Bitmask       []byte
	// Pixels holds the samples in the dataset's native cell type: packed
	// most significant bit first for 1-bit data, otherwise fixed-width
	// values in the dataset's byte order.
	Pixels []byte
}
