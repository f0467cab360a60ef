package cogstore

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"math"
	"sort"
)

// testIFD describes one image of a classic TIFF built by buildTIFF.
type testIFD struct {
	width, height     int
	tileW, tileH      int
	bits, spp, format int
	planar            int
	compression       int
	predictor         int
	subfile           int
	noData            string
	// chunks holds the stored payload of each tile; nil marks a tile that
	// was never written.
	chunks [][]byte
	// scale and tiepoint add georeferencing when set.
	scale, tiepoint []float64
}

type testEntry struct {
	tag   Tag
	ftype fieldType
	count int
	data  []byte
}

// buildTIFF lays out a classic TIFF: header, then for each IFD its tile
// payloads, its out of line values and the directory itself.
func buildTIFF(order binary.ByteOrder, ifds ...testIFD) []byte {
	var buf bytes.Buffer
	if order == binary.LittleEndian {
		buf.WriteString("II")
	} else {
		buf.WriteString("MM")
	}
	binary.Write(&buf, order, uint16(tiffIdentifier))
	binary.Write(&buf, order, uint32(0))
	nextPtr := 4

	for _, d := range ifds {
		offsets := make([]uint32, len(d.chunks))
		counts := make([]uint32, len(d.chunks))
		for i, c := range d.chunks {
			if c == nil {
				continue
			}
			offsets[i] = uint32(buf.Len())
			counts[i] = uint32(len(c))
			buf.Write(c)
		}

		entries := []testEntry{
			shortEntry(order, ImageWidth, d.width),
			shortEntry(order, ImageLength, d.height),
			shortEntry(order, BitsPerSample, repeat(d.bits, d.spp)...),
			shortEntry(order, Compression, orDefault(d.compression, Uncompressed)),
			shortEntry(order, SamplesPerPixel, d.spp),
			shortEntry(order, PlanarConfiguration, orDefault(d.planar, PlanarChunky)),
			shortEntry(order, Predictor, orDefault(d.predictor, PredictorNone)),
			shortEntry(order, TileWidth, d.tileW),
			shortEntry(order, TileLength, d.tileH),
			longEntry(order, TileOffsets, offsets...),
			longEntry(order, TileByteCounts, counts...),
			shortEntry(order, SampleFormat, repeat(orDefault(d.format, SampleFormatUInt), d.spp)...),
		}
		if d.subfile != 0 {
			entries = append(entries, longEntry(order, NewSubfileType, uint32(d.subfile)))
		}
		if d.noData != "" {
			entries = append(entries, testEntry{GDALNoData, ASCII, len(d.noData) + 1, append([]byte(d.noData), 0)})
		}
		if d.scale != nil {
			entries = append(entries, doubleEntry(order, ModelPixelScale, d.scale...))
		}
		if d.tiepoint != nil {
			entries = append(entries, doubleEntry(order, ModelTiepoint, d.tiepoint...))
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].tag < entries[j].tag })

		valueOffsets := make([]uint32, len(entries))
		for i, e := range entries {
			if len(e.data) > 4 {
				if buf.Len()%2 == 1 {
					buf.WriteByte(0)
				}
				valueOffsets[i] = uint32(buf.Len())
				buf.Write(e.data)
			}
		}
		if buf.Len()%2 == 1 {
			buf.WriteByte(0)
		}

		ifdStart := buf.Len()
		out := buf.Bytes()
		order.PutUint32(out[nextPtr:], uint32(ifdStart))

		binary.Write(&buf, order, uint16(len(entries)))
		for i, e := range entries {
			binary.Write(&buf, order, uint16(e.tag))
			binary.Write(&buf, order, uint16(e.ftype))
			binary.Write(&buf, order, uint32(e.count))
			if len(e.data) > 4 {
				binary.Write(&buf, order, valueOffsets[i])
			} else {
				inline := make([]byte, 4)
				copy(inline, e.data)
				buf.Write(inline)
			}
		}
		nextPtr = buf.Len()
		binary.Write(&buf, order, uint32(0))
	}
	return buf.Bytes()
}

func shortEntry(order binary.ByteOrder, tag Tag, vals ...int) testEntry {
	data := make([]byte, 2*len(vals))
	for i, v := range vals {
		order.PutUint16(data[2*i:], uint16(v))
	}
	return testEntry{tag, SHORT, len(vals), data}
}

func longEntry(order binary.ByteOrder, tag Tag, vals ...uint32) testEntry {
	data := make([]byte, 4*len(vals))
	for i, v := range vals {
		order.PutUint32(data[4*i:], v)
	}
	return testEntry{tag, LONG, len(vals), data}
}

func doubleEntry(order binary.ByteOrder, tag Tag, vals ...float64) testEntry {
	data := make([]byte, 8*len(vals))
	for i, v := range vals {
		order.PutUint64(data[8*i:], math.Float64bits(v))
	}
	return testEntry{tag, DOUBLE, len(vals), data}
}

func repeat(v, n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func orDefault(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}

func deflate(p []byte) []byte {
	var buf bytes.Buffer
	z := zlib.NewWriter(&buf)
	z.Write(p)
	z.Close()
	return buf.Bytes()
}

// filled returns n bytes of value v.
func filled(n int, v byte) []byte {
	return bytes.Repeat([]byte{v}, n)
}

// lzwLiterals encodes p as a TIFF LZW stream made only of 9-bit literal
// codes between a clear code and an end code. Valid while fewer than 254
// codes are written.
func lzwLiterals(p []byte) []byte {
	codes := []uint32{256}
	for _, b := range p {
		codes = append(codes, uint32(b))
	}
	codes = append(codes, 257)

	var out []byte
	var acc uint32
	n := 0
	for _, c := range codes {
		acc = acc<<9 | c
		n += 9
		for n >= 8 {
			out = append(out, byte(acc>>(n-8)))
			n -= 8
		}
		acc &= 1<<n - 1
	}
	if n > 0 {
		out = append(out, byte(acc<<(8-n)))
	}
	return out
}
