package core

import (
	"EmberTorrent/utils"
)

// Bitfield is a big-endian packed piece map as carried by bitfield and
// have messages.
type Bitfield []byte

// NewBitfield sizes an empty bitfield for numPieces pieces.
func NewBitfield(numPieces int) Bitfield {
	return make(Bitfield, (numPieces+7)/8)
}

// HasPiece reports whether the peer advertises piece index.
func (b Bitfield) HasPiece(index int) bool {
	return utils.IsBitSet(b, index)
}

// SetPiece marks piece index as advertised. Out-of-range indices are
// ignored, some clients pad their bitfields.
func (b Bitfield) SetPiece(index int) {
	utils.SetBit(b, index)
}
