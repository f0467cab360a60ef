package cogstore

import "fmt"

// Tag is a TIFF field tag.
type Tag uint16

const (
	NewSubfileType            Tag = 254
	ImageWidth                Tag = 256
	ImageLength               Tag = 257
	BitsPerSample             Tag = 258
	Compression               Tag = 259
	PhotometricInterpretation Tag = 262
	SamplesPerPixel           Tag = 277
	PlanarConfiguration       Tag = 284
	Predictor                 Tag = 317
	TileWidth                 Tag = 322
	TileLength                Tag = 323
	TileOffsets               Tag = 324
	TileByteCounts            Tag = 325
	SampleFormat              Tag = 339
	ModelPixelScale           Tag = 33550
	ModelTiepoint             Tag = 33922
	GeoKeyDirectory           Tag = 34735
	GDALMetadata              Tag = 42112
	GDALNoData                Tag = 42113
)

var tagToLabel = map[Tag]string{
	NewSubfileType:            "NewSubfileType",
	ImageWidth:                "ImageWidth",
	ImageLength:               "ImageLength",
	BitsPerSample:             "BitsPerSample",
	Compression:               "Compression",
	PhotometricInterpretation: "PhotometricInterpretation",
	SamplesPerPixel:           "SamplesPerPixel",
	PlanarConfiguration:       "PlanarConfiguration",
	Predictor:                 "Predictor",
	TileWidth:                 "TileWidth",
	TileLength:                "TileLength",
	TileOffsets:               "TileOffsets",
	TileByteCounts:            "TileByteCounts",
	SampleFormat:              "SampleFormat",
	ModelPixelScale:           "ModelPixelScale",
	ModelTiepoint:             "ModelTiepoint",
	GeoKeyDirectory:           "GeoKeyDirectory",
	GDALMetadata:              "GDALMetadata",
	GDALNoData:                "GDALNoData",
}

func (t Tag) String() string {
	v, ok := tagToLabel[t]
	if !ok {
		return fmt.Sprintf("%d", t)
	}
	return v
}

type fieldType uint16

const (
	BYTE      fieldType = 1
	ASCII     fieldType = 2
	SHORT     fieldType = 3
	LONG      fieldType = 4
	RATIONAL  fieldType = 5
	SBYTE     fieldType = 6
	UNDEFINED fieldType = 7
	SSHORT    fieldType = 8
	SLONG     fieldType = 9
	SRATIONAL fieldType = 10
	FLOAT     fieldType = 11
	DOUBLE    fieldType = 12
	LONG8     fieldType = 16
	SLONG8    fieldType = 17
	IFD8      fieldType = 18
)

// fieldTypeLen is the length of every field type in bytes.
var fieldTypeLen = [...]uint32{
	0, 1, 1, 2, // 0-3
	4, 8, 1, 1, // 4-7
	2, 4, 8, 4, // 8-11
	8,       // 12 (DOUBLE)
	0, 0, 0, // 13-15 (reserved)
	8, 8, 8, // 16-18 (LONG8, SLONG8, IFD8)
}

var fieldTypeToLabel = map[fieldType]string{
	BYTE:      "BYTE",
	ASCII:     "ASCII",
	SHORT:     "SHORT",
	LONG:      "LONG",
	RATIONAL:  "RATIONAL",
	SBYTE:     "SBYTE",
	UNDEFINED: "UNDEFINED",
	SSHORT:    "SSHORT",
	SLONG:     "SLONG",
	SRATIONAL: "SRATIONAL",
	FLOAT:     "FLOAT",
	DOUBLE:    "DOUBLE",
	LONG8:     "LONG8",
	SLONG8:    "SLONG8",
	IFD8:      "IFD8",
}

func (f fieldType) String() string {
	v, ok := fieldTypeToLabel[f]
	if !ok {
		return fmt.Sprintf("unrecognized field type %d", f)
	}
	return v
}

// bytes returns the size of one value of the type, or 0 if unrecognized.
func (f fieldType) bytes() uint32 {
	if int(f) >= len(fieldTypeLen) {
		return 0
	}
	return fieldTypeLen[f]
}

// Field values.
const (
	littleEndian      = 0x4949 // "II"
	bigEndian         = 0x4d4d // "MM"
	tiffIdentifier    = 42
	bigTiffIdentifier = 43
	bigTiffBytesize   = 8
)

const (
	Uncompressed = 1
	LZW          = 5
	DEFLATE      = 8
	DEFLATEPKZIP = 32946
)

const (
	PredictorNone = 1
	// PredictorHorizontal stores each sample as the difference to the one on
	// its left.
	PredictorHorizontal    = 2
	PredictorFloatingPoint = 3
)

const (
	SampleFormatUInt  = 1
	SampleFormatInt   = 2
	SampleFormatFloat = 3
)

const (
	PlanarChunky   = 1
	PlanarSeparate = 2
)

// subfileMask flags an IFD holding a transparency mask.
const subfileMask = 4
