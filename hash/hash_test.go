package hash

import (
	"crypto/sha1"
	"testing"
)

func TestVerifyPiece(t *testing.T) {
	data := []byte("hello world")
	good := sha1.Sum(data)

	if !VerifyPiece(data, good) {
		t.Errorf("expected piece to verify against its own digest")
	}

	var bad [20]byte
	copy(bad[:], good[:])
	bad[0] ^= 0xff
	if VerifyPiece(data, bad) {
		t.Errorf("expected piece to fail against a corrupted digest")
	}

	if VerifyPiece([]byte("hello worle"), good) {
		t.Errorf("expected mutated data to fail verification")
	}
}

func TestSumMatchesStdlib(t *testing.T) {
	data := []byte{0, 1, 2, 3, 4, 5}
	if Sum(data) != sha1.Sum(data) {
		t.Errorf("Sum disagrees with crypto/sha1")
	}
}
