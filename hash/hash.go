package hash

import (
	"bytes"
	"crypto/sha1"
)

// Sum returns the SHA-1 digest of data. Both piece verification and the
// metainfo info-hash use this digest.
func Sum(data []byte) [20]byte {
	return sha1.Sum(data)
}

// VerifyPiece reports whether the assembled piece bytes hash to the
// digest declared in the metainfo. Any mismatch rejects the whole piece.
func VerifyPiece(data []byte, expected [20]byte) bool {
	sum := sha1.Sum(data)
	return bytes.Equal(sum[:], expected[:])
}
