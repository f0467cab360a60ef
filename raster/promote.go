package raster

import "fmt"

// Promoter widens a decoded native tile to the consumer's cell type. It
// keeps the tile's band, grid position, read count and bitmask.
//
// Promotion is additive: the target width is materialized on the tile
// passed in, which is returned. Callers get the same buffer, not a copy,
// and the native width stays readable.
type Promoter func(native *TileBuffer) *TileBuffer

type promotion struct {
	source, target CellType
}

// promotions is the closed table of supported sample depth promotions.
var promotions = map[promotion]Promoter{
	{CellType1Bit, CellType8BitU}:    promoteIdentity,
	{CellType4Bit, CellType8BitU}:    promoteIdentity,
	{CellType8BitU, CellType16BitU}:  promote8UTo16U,
	{CellType16BitS, CellType32BitS}: promote16STo32S,
}

// NewPromoter returns the promotion from source to target samples. Equal
// types promote as identity; pairs without a rule fail with
// ErrNotImplemented.
func NewPromoter(source, target CellType) (Promoter, error) {
	if !source.Valid() || !target.Valid() {
		return nil, fmt.Errorf("%w: invalid promotion %s -> %s", ErrConfig, source, target)
	}
	if source == target {
		return promoteIdentity, nil
	}
	p, ok := promotions[promotion{source, target}]
	if !ok {
		return nil, fmt.Errorf("%w: promotion from %s to %s: %w", ErrConfig, source, target, ErrNotImplemented)
	}
	return p, nil
}

// promoteIdentity covers packed sub-byte samples, which are unpacked to one
// byte per sample at decode time.
func promoteIdentity(native *TileBuffer) *TileBuffer { return native }

func promote8UTo16U(native *TileBuffer) *TileBuffer {
	native.AsUnsignedShorts()
	return native
}

func promote16STo32S(native *TileBuffer) *TileBuffer {
	native.AsIntegers()
	return native
}
