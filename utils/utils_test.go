package utils

import (
	"fmt"
	"testing"
)

func TestIsBitSet(t *testing.T) {
	var bitSetTests = []struct {
		field []byte
		index int
		want  bool
	}{
		{[]byte{0b10000000}, 0, true},
		{[]byte{0b10000000}, 1, false},
		{[]byte{0b00000001}, 7, true},
		{[]byte{0x00, 0b01000000}, 9, true},
		{[]byte{0x00, 0b01000000}, 8, false},
		{[]byte{0xff}, 8, false},  // past the end
		{[]byte{0xff}, -1, false}, // negative index
	}

	for i, cases := range bitSetTests {
		testName := fmt.Sprintf("bit set test %v", i)
		t.Run(testName, func(t *testing.T) {
			got := IsBitSet(cases.field, cases.index)
			if got != cases.want {
				t.Errorf("IsBitSet(%08b, %v) = %v, want %v", cases.field, cases.index, got, cases.want)
			}
		})
	}
}

func TestSetBit(t *testing.T) {
	field := make([]byte, 2)

	SetBit(field, 0)
	SetBit(field, 9)
	SetBit(field, 15)
	SetBit(field, 16) // ignored, out of range

	for _, i := range []int{0, 9, 15} {
		if !IsBitSet(field, i) {
			t.Errorf("bit %v should be set", i)
		}
	}
	for _, i := range []int{1, 8, 14} {
		if IsBitSet(field, i) {
			t.Errorf("bit %v should not be set", i)
		}
	}
}

func TestNewPeerID(t *testing.T) {
	id := NewPeerID()

	if string(id[:8]) != "-ET0001-" {
		t.Errorf("peer id prefix = %q, want %q", id[:8], "-ET0001-")
	}
	for i := 8; i < 20; i++ {
		if id[i] < '0' || id[i] > '9' {
			t.Errorf("peer id byte %v = %q, want a digit", i, id[i])
		}
	}
}
