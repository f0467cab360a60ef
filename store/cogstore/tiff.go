package cogstore

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
)

// maxIFDs bounds the IFD chain walk.
const maxIFDs = 256

// header is the TIFF file header.
type header struct {
	byteOrder binary.ByteOrder
	bigTIFF   bool
	ifdOffset uint64
}

// ifdEntry is a single entry of an Image File Directory.
type ifdEntry struct {
	Tag         Tag
	FType       fieldType
	Count       uint64
	ValueOffset uint64
	// ValueBytes holds the value when it fits inline.
	ValueBytes []byte
}

// tagData holds the parsed values of a tag in the typed slice matching
// its field type.
type tagData struct {
	fType      fieldType
	length     uint32
	byteData   []uint8
	asciiData  string
	shortData  []uint16
	longData   []uint32
	floatData  []float32
	doubleData []float64
	uint64Data []uint64
}

// tags is one parsed IFD.
type tags map[Tag]tagData

func readHeader(r io.ReaderAt) (header, error) {
	var h header
	sr := io.NewSectionReader(r, 0, 16)

	var byteOrderBytes uint16
	if err := binary.Read(sr, binary.BigEndian, &byteOrderBytes); err != nil {
		return h, err
	}
	switch byteOrderBytes {
	case littleEndian:
		h.byteOrder = binary.LittleEndian
	case bigEndian:
		h.byteOrder = binary.BigEndian
	default:
		return h, errors.New("invalid byte order")
	}

	var identifier uint16
	if err := binary.Read(sr, h.byteOrder, &identifier); err != nil {
		return h, err
	}
	switch identifier {
	case tiffIdentifier:
		var offset32 uint32
		if err := binary.Read(sr, h.byteOrder, &offset32); err != nil {
			return h, err
		}
		h.ifdOffset = uint64(offset32)
	case bigTiffIdentifier:
		h.bigTIFF = true
		var bytesize, reserved uint16
		if err := binary.Read(sr, h.byteOrder, &bytesize); err != nil {
			return h, err
		}
		if bytesize != bigTiffBytesize {
			return h, errors.New("invalid BigTIFF bytesize")
		}
		if err := binary.Read(sr, h.byteOrder, &reserved); err != nil {
			return h, err
		}
		if err := binary.Read(sr, h.byteOrder, &h.ifdOffset); err != nil {
			return h, err
		}
	default:
		return h, fmt.Errorf("invalid tiff identifier: %d", identifier)
	}
	return h, nil
}

// readIFDs walks the whole IFD chain. In a COG the first IFD is the full
// resolution image and the following ones its overviews and masks.
func readIFDs(r io.ReaderAt, h header, logger *slog.Logger) ([]tags, error) {
	if h.ifdOffset == 0 {
		return nil, errors.New("file contains no IFDs")
	}
	var ifds []tags
	seen := make(map[uint64]bool)
	for off := h.ifdOffset; off != 0; {
		if seen[off] || len(ifds) == maxIFDs {
			return nil, fmt.Errorf("IFD chain loops or exceeds %d entries", maxIFDs)
		}
		seen[off] = true

		t, next, err := readIFD(r, h, off, logger)
		if err != nil {
			return nil, fmt.Errorf("IFD %d: %w", len(ifds), err)
		}
		ifds = append(ifds, t)
		off = next
	}
	return ifds, nil
}

func readIFD(r io.ReaderAt, h header, off uint64, logger *slog.Logger) (tags, uint64, error) {
	countLen, entryLen, nextLen := 2, 12, 4
	if h.bigTIFF {
		countLen, entryLen, nextLen = 8, 20, 8
	}

	countBytes := make([]byte, countLen)
	if _, err := r.ReadAt(countBytes, int64(off)); err != nil {
		return nil, 0, fmt.Errorf("failed to read IFD entry count: %w", err)
	}
	var numEntries uint64
	if h.bigTIFF {
		numEntries = h.byteOrder.Uint64(countBytes)
	} else {
		numEntries = uint64(h.byteOrder.Uint16(countBytes))
	}
	if numEntries > 4096 {
		return nil, 0, fmt.Errorf("implausible IFD entry count %d", numEntries)
	}

	block := make([]byte, entryLen*int(numEntries)+nextLen)
	if _, err := r.ReadAt(block, int64(off)+int64(countLen)); err != nil {
		return nil, 0, fmt.Errorf("failed to read IFD block: %w", err)
	}
	var next uint64
	if h.bigTIFF {
		next = h.byteOrder.Uint64(block[len(block)-nextLen:])
	} else {
		next = uint64(h.byteOrder.Uint32(block[len(block)-nextLen:]))
	}

	result := make(tags)
	ifdReader := bytes.NewReader(block[:len(block)-nextLen])
	for i := uint64(0); i < numEntries; i++ {
		var entry ifdEntry
		var tag, ftype uint16
		binary.Read(ifdReader, h.byteOrder, &tag)
		binary.Read(ifdReader, h.byteOrder, &ftype)
		entry.Tag = Tag(tag)
		entry.FType = fieldType(ftype)
		if entry.FType.bytes() == 0 {
			logger.Warn("skipping tag with unrecognized field type", "tag", entry.Tag, "type", int(entry.FType))
			ifdReader.Seek(int64(entryLen-4), io.SeekCurrent)
			continue
		}

		offsetBytes := make([]byte, 8)
		if h.bigTIFF {
			binary.Read(ifdReader, h.byteOrder, &entry.Count)
			ifdReader.Read(offsetBytes)
			entry.ValueOffset = h.byteOrder.Uint64(offsetBytes)
		} else {
			var count32, offset32 uint32
			binary.Read(ifdReader, h.byteOrder, &count32)
			ifdReader.Read(offsetBytes[:4])
			offset32 = h.byteOrder.Uint32(offsetBytes)
			entry.Count = uint64(count32)
			entry.ValueOffset = uint64(offset32)
		}

		inline := uint64(4)
		if h.bigTIFF {
			inline = 8
		}
		if total := uint64(entry.FType.bytes()) * entry.Count; total <= inline {
			entry.ValueBytes = offsetBytes[:total]
		}

		value, err := entry.value(r, h.byteOrder)
		if err != nil {
			return nil, 0, fmt.Errorf("tag %s: %w", entry.Tag, err)
		}
		result[entry.Tag] = *value
	}
	return result, next, nil
}

func (e *ifdEntry) value(r io.ReaderAt, byteOrder binary.ByteOrder) (*tagData, error) {
	t := tagData{fType: e.FType, length: uint32(e.Count)}
	size := int64(e.FType.bytes()) * int64(e.Count)
	if e.Count > 1<<28 {
		return nil, fmt.Errorf("implausible value count %d", e.Count)
	}

	var reader io.Reader
	if e.ValueBytes != nil {
		reader = bytes.NewReader(e.ValueBytes)
	} else {
		reader = io.NewSectionReader(r, int64(e.ValueOffset), size)
	}

	var dst any
	switch e.FType {
	case ASCII:
		p := make([]uint8, e.Count)
		if _, err := io.ReadFull(reader, p); err != nil {
			return nil, err
		}
		t.asciiData = string(bytes.Trim(p, "\x00"))
		return &t, nil
	case SHORT, SSHORT:
		t.shortData = make([]uint16, e.Count)
		dst = t.shortData
	case LONG, SLONG:
		t.longData = make([]uint32, e.Count)
		dst = t.longData
	case FLOAT:
		t.floatData = make([]float32, e.Count)
		dst = t.floatData
	case DOUBLE:
		t.doubleData = make([]float64, e.Count)
		dst = t.doubleData
	case LONG8, SLONG8, IFD8:
		t.uint64Data = make([]uint64, e.Count)
		dst = t.uint64Data
	default:
		// BYTE, SBYTE, UNDEFINED and the rationals are kept raw.
		t.byteData = make([]uint8, size)
		dst = t.byteData
	}
	if err := binary.Read(reader, byteOrder, dst); err != nil {
		return nil, err
	}
	return &t, nil
}

// first returns the first value of an integer tag.
func (t tags) first(tag Tag) (uint64, bool) {
	v, ok := t.uints(tag)
	if !ok || len(v) == 0 {
		return 0, false
	}
	return v[0], true
}

// firstOr returns the first value of an integer tag, or def when absent.
func (t tags) firstOr(tag Tag, def uint64) uint64 {
	if v, ok := t.first(tag); ok {
		return v
	}
	return def
}

// uints widens an integer tag to uint64 values.
func (t tags) uints(tag Tag) ([]uint64, bool) {
	d, ok := t[tag]
	if !ok {
		return nil, false
	}
	switch d.fType {
	case SHORT:
		res := make([]uint64, len(d.shortData))
		for i, v := range d.shortData {
			res[i] = uint64(v)
		}
		return res, true
	case LONG:
		res := make([]uint64, len(d.longData))
		for i, v := range d.longData {
			res[i] = uint64(v)
		}
		return res, true
	case LONG8, IFD8:
		return d.uint64Data, true
	case BYTE:
		res := make([]uint64, len(d.byteData))
		for i, v := range d.byteData {
			res[i] = uint64(v)
		}
		return res, true
	}
	return nil, false
}

func (t tags) doubles(tag Tag) ([]float64, bool) {
	d, ok := t[tag]
	if !ok || d.fType != DOUBLE {
		return nil, false
	}
	return d.doubleData, true
}

func (t tags) ascii(tag Tag) (string, bool) {
	d, ok := t[tag]
	if !ok || d.fType != ASCII {
		return "", false
	}
	return d.asciiData, true
}
