// Package cogstore serves tiles straight out of a Cloud Optimized GeoTIFF.
//
// Every image IFD is a pyramid level: level 0 is the full resolution image
// and the following IFDs its overviews. Every sample of a pixel is a band,
// numbered from 1. Tiles with a zero byte count are reported as sparse.
package cogstore

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/karlseguin/ccache/v3"
	"golang.org/x/sync/singleflight"

	"github.com/akhenakh/tiledraster/raster"
)

// COG implements raster.Store and raster.Catalog over one GeoTIFF.
// It is safe for concurrent use.
type COG struct {
	// reader is the underlying source. Tiles are fetched with concurrent,
	// stateless ReadAt calls, which suits remote sources.
	reader    io.ReaderAt
	rasterID  string
	byteOrder binary.ByteOrder
	bigTIFF   bool
	levels    []*level
	target    raster.CellType
	logger    *slog.Logger
	prefetch  int

	// tileCache holds decompressed tiles split into band planes, keyed by
	// level and chunk.
	tileCache *ccache.Cache[[][]byte]
	cacheTTL  time.Duration
	inflight  singleflight.Group

	// PixelScaleX and PixelScaleY are the ground size of a full resolution
	// pixel. PixelScaleY is negative for north-up images.
	PixelScaleX float64
	PixelScaleY float64
	tiepoint    []float64
}

// level is one image IFD.
type level struct {
	index           int
	imageWidth      int
	imageLength     int
	tileWidth       int
	tileLength      int
	tilesAcross     int
	tilesDown       int
	samplesPerPixel int
	planar          int
	bitsPerSample   int
	sampleFormat    int
	compression     int
	predictor       int
	cellType        raster.CellType
	tileOffsets     []uint64
	tileByteCounts  []uint64
	noData          float64
	hasNoData       bool
}

type cogConfig struct {
	Logger            *slog.Logger
	Target            raster.CellType
	CacheMaxSize      int64
	CacheItemsToPrune uint32
	CacheTTL          time.Duration
	Prefetch          int
}

type Option func(*cogConfig)

func WithLogger(logger *slog.Logger) Option {
	return func(c *cogConfig) { c.Logger = logger }
}

// WithTargetCellType sets the cell type tiles are promoted to. The default
// is the native type of each level, with 1-bit data widened to bytes.
func WithTargetCellType(ct raster.CellType) Option {
	return func(c *cogConfig) { c.Target = ct }
}

// WithTileCache sizes the decompressed tile cache.
func WithTileCache(maxSize int64, itemsToPrune uint32, ttl time.Duration) Option {
	return func(c *cogConfig) {
		c.CacheMaxSize = maxSize
		c.CacheItemsToPrune = itemsToPrune
		c.CacheTTL = ttl
	}
}

// WithPrefetch warms the tile cache for a whole query rectangle with up to
// n concurrent fetches as soon as the query is issued.
func WithPrefetch(n int) Option {
	return func(c *cogConfig) { c.Prefetch = n }
}

// Open parses the IFD chain of a GeoTIFF read from r and registers it under
// rasterID.
func Open(r io.ReaderAt, rasterID string, opts ...Option) (*COG, error) {
	config := cogConfig{
		Logger:            slog.New(slog.DiscardHandler),
		CacheMaxSize:      1024,
		CacheItemsToPrune: 100,
		CacheTTL:          10 * time.Minute,
	}
	for _, opt := range opts {
		opt(&config)
	}

	h, err := readHeader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read tiff header: %w", err)
	}
	ifds, err := readIFDs(r, h, config.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to read tiff tags: %w", err)
	}

	c := &COG{
		reader:    r,
		rasterID:  rasterID,
		byteOrder: h.byteOrder,
		bigTIFF:   h.bigTIFF,
		target:    config.Target,
		logger:    config.Logger,
		prefetch:  config.Prefetch,
		tileCache: ccache.New(ccache.Configure[[][]byte]().MaxSize(config.CacheMaxSize).ItemsToPrune(config.CacheItemsToPrune)),
		cacheTTL:  config.CacheTTL,
	}

	for i, t := range ifds {
		if t.firstOr(NewSubfileType, 0)&subfileMask != 0 {
			continue
		}
		lvl, err := parseLevel(t, len(c.levels))
		if err != nil {
			c.tileCache.Stop()
			return nil, fmt.Errorf("IFD %d: %w", i, err)
		}
		c.levels = append(c.levels, lvl)
	}
	if len(c.levels) == 0 {
		c.tileCache.Stop()
		return nil, errors.New("no image IFD")
	}

	if scale, ok := ifds[0].doubles(ModelPixelScale); ok && len(scale) >= 2 {
		c.PixelScaleX, c.PixelScaleY = scale[0], scale[1]
		if c.PixelScaleY > 0 {
			c.PixelScaleY = -c.PixelScaleY
		}
	}
	c.tiepoint, _ = ifds[0].doubles(ModelTiepoint)
	return c, nil
}

func parseLevel(t tags, index int) (*level, error) {
	l := &level{index: index}
	required := []struct {
		tag Tag
		dst *int
	}{
		{ImageWidth, &l.imageWidth},
		{ImageLength, &l.imageLength},
		{TileWidth, &l.tileWidth},
		{TileLength, &l.tileLength},
	}
	for _, r := range required {
		v, ok := t.first(r.tag)
		if !ok || v == 0 {
			if r.tag == TileWidth {
				return nil, fmt.Errorf("%w: image is not tiled", raster.ErrNotImplemented)
			}
			return nil, fmt.Errorf("missing or invalid tag: %s", r.tag)
		}
		*r.dst = int(v)
	}
	l.tilesAcross = (l.imageWidth + l.tileWidth - 1) / l.tileWidth
	l.tilesDown = (l.imageLength + l.tileLength - 1) / l.tileLength

	l.samplesPerPixel = int(t.firstOr(SamplesPerPixel, 1))
	l.planar = int(t.firstOr(PlanarConfiguration, PlanarChunky))
	l.bitsPerSample = int(t.firstOr(BitsPerSample, 1))
	l.sampleFormat = int(t.firstOr(SampleFormat, SampleFormatUInt))
	l.compression = int(t.firstOr(Compression, Uncompressed))
	l.predictor = int(t.firstOr(Predictor, PredictorNone))

	var err error
	if l.cellType, err = cellTypeOf(l.bitsPerSample, l.sampleFormat); err != nil {
		return nil, err
	}
	if l.bitsPerSample < 8 && l.planar == PlanarChunky && l.samplesPerPixel > 1 {
		return nil, fmt.Errorf("%w: interleaved %d-bit samples", raster.ErrNotImplemented, l.bitsPerSample)
	}

	var ok bool
	if l.tileOffsets, ok = t.uints(TileOffsets); !ok {
		return nil, errors.New("missing or invalid tag: TileOffsets")
	}
	if l.tileByteCounts, ok = t.uints(TileByteCounts); !ok {
		return nil, errors.New("missing or invalid tag: TileByteCounts")
	}
	if want := l.chunks(); len(l.tileOffsets) < want || len(l.tileByteCounts) < want {
		return nil, fmt.Errorf("%d tile offsets and %d byte counts, want %d",
			len(l.tileOffsets), len(l.tileByteCounts), want)
	}

	if s, ok := t.ascii(GDALNoData); ok {
		v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid GDAL nodata %q: %w", s, err)
		}
		l.noData, l.hasNoData = v, true
	}
	return l, nil
}

// cellTypeOf maps TIFF sample layout to a cell type.
func cellTypeOf(bits, format int) (raster.CellType, error) {
	switch {
	case bits == 1:
		return raster.CellType1Bit, nil
	case bits == 4:
		return raster.CellType4Bit, nil
	case bits == 8 && format == SampleFormatUInt:
		return raster.CellType8BitU, nil
	case bits == 8 && format == SampleFormatInt:
		return raster.CellType8BitS, nil
	case bits == 16 && format == SampleFormatUInt:
		return raster.CellType16BitU, nil
	case bits == 16 && format == SampleFormatInt:
		return raster.CellType16BitS, nil
	case bits == 32 && format == SampleFormatUInt:
		return raster.CellType32BitU, nil
	case bits == 32 && format == SampleFormatInt:
		return raster.CellType32BitS, nil
	case bits == 32 && format == SampleFormatFloat:
		return raster.CellType32BitReal, nil
	case bits == 64 && format == SampleFormatFloat:
		return raster.CellType64BitReal, nil
	}
	return raster.CellTypeUnknown, fmt.Errorf("%w: %d bits per sample with sample format %d",
		raster.ErrNotImplemented, bits, format)
}

// chunks is the number of stored tiles, across all planes.
func (l *level) chunks() int {
	n := l.tilesAcross * l.tilesDown
	if l.planar == PlanarSeparate {
		n *= l.samplesPerPixel
	}
	return n
}

func (c *COG) RasterID() string { return c.rasterID }

// Levels returns the number of pyramid levels.
func (c *COG) Levels() int { return len(c.levels) }

// Close stops the tile cache. It does not close the underlying reader.
func (c *COG) Close() error {
	c.tileCache.Stop()
	return nil
}

func (c *COG) level(rasterID string, index int) (*level, error) {
	if rasterID != c.rasterID || index < 0 || index >= len(c.levels) {
		return nil, fmt.Errorf("raster %s level %d: %w", rasterID, index, raster.ErrNotFound)
	}
	return c.levels[index], nil
}

// DatasetInfo implements raster.Catalog.
func (c *COG) DatasetInfo(ctx context.Context, rasterID string, index int) (*raster.DatasetInfo, error) {
	l, err := c.level(rasterID, index)
	if err != nil {
		return nil, err
	}
	info := &raster.DatasetInfo{
		RasterID:       rasterID,
		Level:          index,
		NativeCellType: l.cellType,
		TileWidth:      l.tileWidth,
		TileHeight:     l.tileLength,
		TilesAcross:    l.tilesAcross,
		TilesDown:      l.tilesDown,
		ImageWidth:     l.imageWidth,
		ImageHeight:    l.imageLength,
		ByteOrder:      c.byteOrder,
	}
	for b := 1; b <= l.samplesPerPixel; b++ {
		info.Bands = append(info.Bands, raster.BandInfo{ID: b, NoData: l.noData, HasNoData: l.hasNoData})
	}
	info.TargetCellType = raster.TargetCellTypeFor(l.cellType, info.Bands)
	if c.target != raster.CellTypeUnknown {
		info.TargetCellType = c.target
	}
	return info, nil
}

type Point struct{ Lon, Lat float64 }

type CornerCoordinates struct{ UpperLeft, LowerLeft, UpperRight, LowerRight Point }

// Bounds returns the georeferenced corners of the full resolution image.
func (c *COG) Bounds() (*CornerCoordinates, error) {
	if len(c.tiepoint) < 6 {
		return nil, errors.New("missing or invalid ModelTiepoint tag")
	}
	if c.PixelScaleX == 0 {
		return nil, errors.New("missing ModelPixelScale tag")
	}
	tieI, tieJ := c.tiepoint[0], c.tiepoint[1]
	tieLon, tieLat := c.tiepoint[3], c.tiepoint[4]

	ulLon := tieLon - tieI*c.PixelScaleX
	ulLat := tieLat - tieJ*c.PixelScaleY

	l := c.levels[0]
	totalWidth := float64(l.imageWidth) * c.PixelScaleX
	totalHeight := float64(l.imageLength) * c.PixelScaleY

	return &CornerCoordinates{
		UpperLeft:  Point{Lon: ulLon, Lat: ulLat},
		LowerLeft:  Point{Lon: ulLon, Lat: ulLat + totalHeight},
		UpperRight: Point{Lon: ulLon + totalWidth, Lat: ulLat},
		LowerRight: Point{Lon: ulLon + totalWidth, Lat: ulLat + totalHeight},
	}, nil
}

func (p Point) String() string { return fmt.Sprintf("(Lon: %f, Lat: %f)", p.Lon, p.Lat) }

func (cc *CornerCoordinates) String() string {
	return fmt.Sprintf("UL: %s, LR: %s", cc.UpperLeft, cc.LowerRight)
}

// Contains reports whether p lies inside the corners.
func (cc *CornerCoordinates) Contains(p Point) bool {
	minLon := math.Min(cc.UpperLeft.Lon, cc.LowerRight.Lon)
	maxLon := math.Max(cc.UpperLeft.Lon, cc.LowerRight.Lon)
	minLat := math.Min(cc.UpperLeft.Lat, cc.LowerRight.Lat)
	maxLat := math.Max(cc.UpperLeft.Lat, cc.LowerRight.Lat)
	return p.Lon >= minLon && p.Lon <= maxLon && p.Lat >= minLat && p.Lat <= maxLat
}

// PixelAt converts a coordinate to a full resolution pixel position.
func (c *COG) PixelAt(lon, lat float64) (x, y int, err error) {
	bounds, err := c.Bounds()
	if err != nil {
		return 0, 0, err
	}
	p := Point{Lon: lon, Lat: lat}
	if !bounds.Contains(p) {
		return 0, 0, fmt.Errorf("point %s does not fall inside the image bounds %s", p, bounds)
	}
	x = int(math.Abs(p.Lon-bounds.UpperLeft.Lon) / c.PixelScaleX)
	y = int(math.Abs(p.Lat-bounds.UpperLeft.Lat) / math.Abs(c.PixelScaleY))
	l := c.levels[0]
	return min(x, l.imageWidth-1), min(y, l.imageLength-1), nil
}
