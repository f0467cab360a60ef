package raster

import "errors"

var (
	// ErrConfig marks pipeline setup failures: unknown cell types, missing
	// band no-data values, bad tile dimensions. They are never retried.
	ErrConfig = errors.New("raster: configuration error")

	// ErrNotImplemented is returned for promotion pairs with no rule.
	ErrNotImplemented = errors.New("raster: not implemented")

	// ErrProtocol marks caller or store misuse of the tile protocol, such as a
	// row with a partial pixel count.
	ErrProtocol = errors.New("raster: protocol error")

	// ErrNoMoreTiles is returned by Next once the rectangle is exhausted.
	ErrNoMoreTiles = errors.New("raster: no more tiles")

	// ErrCursorClosed is returned by a cursor after Close or after a failure.
	ErrCursorClosed = errors.New("raster: cursor closed")

	// ErrNotFound is returned by catalogs for unknown rasters or levels.
	ErrNotFound = errors.New("raster: not found")
)
