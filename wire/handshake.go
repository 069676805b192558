package wire

import (
	"bytes"
	"fmt"
)

// protocolIdentifier is the fixed pstr of BitTorrent protocol v1.0.
const protocolIdentifier = "BitTorrent protocol"

// HandshakeLength is the exact size of a v1.0 handshake frame:
// 1 + 19 + 8 reserved + 20 info-hash + 20 peer id.
const HandshakeLength = 49 + len(protocolIdentifier)

// Handshake is the first frame each side sends. Unlike every other
// message it has no length prefix; its size is fixed.
type Handshake struct {
	InfoHash [20]byte
	PeerID   [20]byte
}

// Marshal serializes the handshake to its 68-byte wire form.
func (h *Handshake) Marshal() []byte {
	buf := make([]byte, HandshakeLength)
	buf[0] = byte(len(protocolIdentifier))
	curr := 1
	curr += copy(buf[curr:], protocolIdentifier)
	curr += 8 // reserved bytes stay zero
	curr += copy(buf[curr:], h.InfoHash[:])
	copy(buf[curr:], h.PeerID[:])
	return buf
}

// UnmarshalHandshake parses exactly HandshakeLength bytes. A wrong
// pstrlen or protocol identifier is ErrMalformed.
func UnmarshalHandshake(data []byte) (*Handshake, error) {
	if len(data) != HandshakeLength {
		return nil, fmt.Errorf("%w: handshake is %d bytes, want %d", ErrMalformed, len(data), HandshakeLength)
	}
	if int(data[0]) != len(protocolIdentifier) {
		return nil, fmt.Errorf("%w: handshake pstrlen %d", ErrMalformed, data[0])
	}
	if !bytes.Equal(data[1:20], []byte(protocolIdentifier)) {
		return nil, fmt.Errorf("%w: handshake protocol identifier %q", ErrMalformed, data[1:20])
	}

	h := &Handshake{}
	copy(h.InfoHash[:], data[28:48])
	copy(h.PeerID[:], data[48:68])
	return h, nil
}
