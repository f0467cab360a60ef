package raster

import (
	"context"
	"errors"
	"image"
	"io"
	"sync"
)

type cellKey struct{ band, col, row int }

var errConnectionReset = errors.New("connection reset")

// fakeStore serves rows from memory and counts every session and query it
// hands out, so tests can check that nothing leaks.
type fakeStore struct {
	info  *DatasetInfo
	tiles map[cellKey]*TileRow

	mu             sync.Mutex
	sessionsOpened int
	sessionsClosed int
	queries        []image.Rectangle
	queriesClosed  int

	openErr       error
	queryErr      error
	queryCloseErr error
	// failAfter makes the n-th row fetch of any query fail; 0 disables it.
	failAfter int
	rowsRead  int
}

func newFakeStore(info *DatasetInfo) *fakeStore {
	return &fakeStore{info: info, tiles: make(map[cellKey]*TileRow)}
}

// put stores a fully read tile.
func (s *fakeStore) put(band, col, row int, pixels []byte) {
	s.tiles[cellKey{band, col, row}] = &TileRow{
		BandID:        band,
		Column:        col,
		Row:           row,
		NumPixelsRead: s.info.PixelsPerTile(),
		Pixels:        pixels,
	}
}

func (s *fakeStore) counts() (opened, closed, queries, queriesClosed int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionsOpened, s.sessionsClosed, len(s.queries), s.queriesClosed
}

func (s *fakeStore) OpenSession(ctx context.Context) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.openErr != nil {
		return nil, s.openErr
	}
	s.sessionsOpened++
	return &fakeSession{store: s}, nil
}

type fakeSession struct {
	store  *fakeStore
	closed bool
}

func (f *fakeSession) Query(ctx context.Context, q TileQuery) (Query, error) {
	s := f.store
	s.mu.Lock()
	defer s.mu.Unlock()
	if f.closed {
		return nil, errors.New("session closed")
	}
	if s.queryErr != nil {
		return nil, s.queryErr
	}
	s.queries = append(s.queries, q.Rect)
	var rows []*TileRow
	for y := q.Rect.Min.Y; y < q.Rect.Max.Y; y++ {
		for x := q.Rect.Min.X; x < q.Rect.Max.X; x++ {
			for _, b := range q.Bands {
				r, ok := s.tiles[cellKey{b, x, y}]
				if !ok {
					r = &TileRow{BandID: b, Column: x, Row: y}
				}
				rows = append(rows, r)
			}
		}
	}
	return &fakeQuery{store: s, rows: rows}, nil
}

func (f *fakeSession) Close() error {
	s := f.store
	s.mu.Lock()
	defer s.mu.Unlock()
	if f.closed {
		return errors.New("session closed twice")
	}
	f.closed = true
	s.sessionsClosed++
	return nil
}

type fakeQuery struct {
	store *fakeStore
	rows  []*TileRow
	pos   int
}

func (q *fakeQuery) Next(ctx context.Context) (*TileRow, error) {
	s := q.store
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rowsRead++
	if s.failAfter > 0 && s.rowsRead >= s.failAfter {
		return nil, errConnectionReset
	}
	if q.pos >= len(q.rows) {
		return nil, io.EOF
	}
	r := q.rows[q.pos]
	q.pos++
	return r, nil
}

func (q *fakeQuery) Close() error {
	s := q.store
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queriesClosed++
	return s.queryCloseErr
}

// testInfo describes a single band 8-bit raster of w x h tiles of 2x2
// pixels.
func testInfo(w, h int) *DatasetInfo {
	return &DatasetInfo{
		RasterID:       "dem",
		NativeCellType: CellType8BitU,
		TargetCellType: CellType8BitU,
		TileWidth:      2,
		TileHeight:     2,
		TilesAcross:    w,
		TilesDown:      h,
		Bands:          []BandInfo{{ID: 1, NoData: 255, HasNoData: true}},
	}
}

// fillGrid stores a distinct tile for every cell and band: every pixel of
// cell (x, y) is 10*y + x + band.
func fillGrid(s *fakeStore) {
	info := s.info
	for y := 0; y < info.TilesDown; y++ {
		for x := 0; x < info.TilesAcross; x++ {
			for _, b := range info.Bands {
				px := make([]byte, nativeSize(info.NativeCellType, info.PixelsPerTile()))
				for i := range px {
					px[i] = byte(10*y + x + b.ID)
				}
				s.put(b.ID, x, y, px)
			}
		}
	}
}
