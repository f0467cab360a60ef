package cogstore

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/image/tiff/lzw"

	"github.com/akhenakh/tiledraster/raster"
)

// bandTile returns the native samples of one band of tile (x, y), or nil
// when the tile is not stored.
func (c *COG) bandTile(l *level, x, y, band int) ([]byte, error) {
	idx := y*l.tilesAcross + x
	plane := 0
	if l.planar == PlanarSeparate {
		plane = band - 1
		idx += plane * l.tilesAcross * l.tilesDown
	}
	planes, err := c.chunk(l, idx)
	if err != nil || planes == nil {
		return nil, err
	}
	if l.planar == PlanarSeparate {
		return planes[0], nil
	}
	return planes[band-1], nil
}

// chunk returns a decoded stored tile split into band planes. Concurrent
// callers of the same chunk share one fetch.
func (c *COG) chunk(l *level, idx int) ([][]byte, error) {
	if l.tileByteCounts[idx] == 0 || l.tileOffsets[idx] == 0 {
		return nil, nil
	}
	key := fmt.Sprintf("%d/%d", l.index, idx)
	if item := c.tileCache.Get(key); item != nil && !item.Expired() {
		return item.Value(), nil
	}
	v, err, _ := c.inflight.Do(key, func() (any, error) {
		raw, err := c.fetchAndDecompressTile(l, idx)
		if err != nil {
			return nil, err
		}
		planes, err := c.decodeChunk(l, raw)
		if err != nil {
			return nil, err
		}
		c.tileCache.Set(key, planes, c.cacheTTL)
		return planes, nil
	})
	if err != nil {
		return nil, fmt.Errorf("tile %d of level %d: %w", idx, l.index, err)
	}
	return v.([][]byte), nil
}

// fetchAndDecompressTile performs the I/O to read and decompress a single
// stored tile.
func (c *COG) fetchAndDecompressTile(l *level, idx int) ([]byte, error) {
	offset := l.tileOffsets[idx]
	byteCount := l.tileByteCounts[idx]
	tileBytes := make([]byte, byteCount)
	if _, err := c.reader.ReadAt(tileBytes, int64(offset)); err != nil {
		return nil, fmt.Errorf("failed to read tile from source: %w", err)
	}

	switch l.compression {
	case Uncompressed:
		return tileBytes, nil
	case DEFLATE, DEFLATEPKZIP:
		z, err := zlib.NewReader(bytes.NewReader(tileBytes))
		if err != nil {
			return nil, fmt.Errorf("failed to create zlib reader for tile: %w", err)
		}
		defer z.Close()
		decompressed, err := io.ReadAll(z)
		if err != nil {
			return nil, fmt.Errorf("failed to decompress tile data: %w", err)
		}
		return decompressed, nil
	case LZW:
		r := lzw.NewReader(bytes.NewReader(tileBytes), lzw.MSB, 8)
		defer r.Close()
		decompressed, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("failed to decompress lzw tile data: %w", err)
		}
		return decompressed, nil
	default:
		return nil, fmt.Errorf("%w: compression type %d", raster.ErrNotImplemented, l.compression)
	}
}

// decodeChunk undoes the predictor and splits interleaved samples into
// band planes, keeping the file byte order.
func (c *COG) decodeChunk(l *level, raw []byte) ([][]byte, error) {
	spp := l.samplesPerPixel
	if l.planar == PlanarSeparate {
		spp = 1
	}
	n := l.tileWidth * l.tileLength
	var size int
	if l.cellType == raster.CellType1Bit {
		size = (l.tileWidth + 7) / 8 * l.tileLength
	} else {
		size = n * spp * l.bitsPerSample / 8
	}
	if len(raw) < size {
		return nil, fmt.Errorf("decoded tile has %d bytes, want %d", len(raw), size)
	}
	raw = raw[:size]

	switch l.predictor {
	case PredictorNone:
	case PredictorHorizontal:
		if l.bitsPerSample < 8 || l.sampleFormat == SampleFormatFloat {
			return nil, fmt.Errorf("%w: horizontal predictor on %s samples", raster.ErrNotImplemented, l.cellType)
		}
		undoHorizontalPrediction(raw, c.byteOrder, l.bitsPerSample/8, spp, l.tileWidth)
	default:
		return nil, fmt.Errorf("%w: predictor %d", raster.ErrNotImplemented, l.predictor)
	}

	if l.cellType == raster.CellType1Bit && l.tileWidth%8 != 0 {
		raw = packBits(raw, l.tileWidth, l.tileLength)
	}
	if spp == 1 {
		return [][]byte{raw}, nil
	}

	sampleSize := l.bitsPerSample / 8
	planes := make([][]byte, spp)
	for b := range planes {
		plane := make([]byte, n*sampleSize)
		for p := 0; p < n; p++ {
			src := (p*spp + b) * sampleSize
			copy(plane[p*sampleSize:(p+1)*sampleSize], raw[src:src+sampleSize])
		}
		planes[b] = plane
	}
	return planes, nil
}

// undoHorizontalPrediction reverses the horizontal differencing predictor
// in place. Samples are sampleSize bytes wide in the given byte order and
// each pixel holds spp interleaved samples.
func undoHorizontalPrediction(buf []byte, order binary.ByteOrder, sampleSize, spp, width int) {
	rowLen := width * spp * sampleSize
	step := spp * sampleSize
	for rowStart := 0; rowStart+rowLen <= len(buf); rowStart += rowLen {
		row := buf[rowStart : rowStart+rowLen]
		for i := step; i < rowLen; i += sampleSize {
			prev := i - step
			switch sampleSize {
			case 1:
				row[i] += row[prev]
			case 2:
				order.PutUint16(row[i:], order.Uint16(row[i:])+order.Uint16(row[prev:]))
			case 4:
				order.PutUint32(row[i:], order.Uint32(row[i:])+order.Uint32(row[prev:]))
			case 8:
				order.PutUint64(row[i:], order.Uint64(row[i:])+order.Uint64(row[prev:]))
			}
		}
	}
}

// packBits drops the per-row padding of 1-bit rows so pixels are packed
// contiguously.
func packBits(raw []byte, width, height int) []byte {
	stride := (width + 7) / 8
	out := make([]byte, (width*height+7)/8)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			bit := (raw[y*stride+x/8] >> (7 - x%8)) & 1
			i := y*width + x
			out[i/8] |= bit << (7 - i%8)
		}
	}
	return out
}
