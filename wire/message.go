package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// MessageID identifies a peer wire message after the handshake.
type MessageID uint8

const (
	MsgChoke         MessageID = 0
	MsgUnchoke       MessageID = 1
	MsgInterested    MessageID = 2
	MsgNotInterested MessageID = 3
	MsgHave          MessageID = 4
	MsgBitfield      MessageID = 5
	MsgRequest       MessageID = 6
	MsgPiece         MessageID = 7
	MsgCancel        MessageID = 8
)

// maxFrameSize bounds the declared length prefix of a frame. The largest
// legitimate frame is a piece message carrying one block; anything past
// this is a malformed or hostile stream.
const maxFrameSize = 1 << 17

var (
	// ErrNeedMoreData means the buffered bytes do not yet hold a whole
	// frame. Feed more bytes and try again; the partial frame is kept.
	ErrNeedMoreData = errors.New("wire: need more data")

	// ErrMalformed means the stream cannot be a valid message sequence:
	// the declared length is inconsistent, an ID is unknown, or a fixed
	// payload has the wrong size.
	ErrMalformed = errors.New("wire: malformed message")
)

// Message is one wire frame: <length prefix><ID><payload>. A nil
// *Message stands for the keep-alive frame (zero length, no ID).
type Message struct {
	ID      MessageID
	Payload []byte
}

// Marshal serializes the message with its 4-byte big-endian length
// prefix. A nil message marshals to a keep-alive.
func (m *Message) Marshal() []byte {
	if m == nil {
		return make([]byte, 4)
	}
	length := uint32(len(m.Payload) + 1)
	buf := make([]byte, 4+length)
	binary.BigEndian.PutUint32(buf[0:4], length)
	buf[4] = byte(m.ID)
	copy(buf[5:], m.Payload)
	return buf
}

func (m *Message) String() string {
	if m == nil {
		return "keep-alive"
	}
	switch m.ID {
	case MsgChoke:
		return "choke"
	case MsgUnchoke:
		return "unchoke"
	case MsgInterested:
		return "interested"
	case MsgNotInterested:
		return "not interested"
	case MsgHave:
		return "have"
	case MsgBitfield:
		return "bitfield"
	case MsgRequest:
		return "request"
	case MsgPiece:
		return "piece"
	case MsgCancel:
		return "cancel"
	}
	return fmt.Sprintf("unknown(%d)", m.ID)
}

// NewInterested builds an interested message.
func NewInterested() *Message {
	return &Message{ID: MsgInterested}
}

// NewRequest builds a block request for (piece index, byte offset, length).
func NewRequest(index, begin, length int) *Message {
	payload := make([]byte, 12)
	binary.BigEndian.PutUint32(payload[0:4], uint32(index))
	binary.BigEndian.PutUint32(payload[4:8], uint32(begin))
	binary.BigEndian.PutUint32(payload[8:12], uint32(length))
	return &Message{ID: MsgRequest, Payload: payload}
}

// NewHave builds a have message for a piece index.
func NewHave(index int) *Message {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, uint32(index))
	return &Message{ID: MsgHave, Payload: payload}
}

// NewPiece builds a piece message carrying one block.
func NewPiece(index, begin int, block []byte) *Message {
	payload := make([]byte, 8+len(block))
	binary.BigEndian.PutUint32(payload[0:4], uint32(index))
	binary.BigEndian.PutUint32(payload[4:8], uint32(begin))
	copy(payload[8:], block)
	return &Message{ID: MsgPiece, Payload: payload}
}

// NewBitfield wraps a packed availability bitmap.
func NewBitfield(field []byte) *Message {
	payload := make([]byte, len(field))
	copy(payload, field)
	return &Message{ID: MsgBitfield, Payload: payload}
}

// ParseHave extracts the piece index from a have message.
func (m *Message) ParseHave() (int, error) {
	if m.ID != MsgHave {
		return 0, fmt.Errorf("%w: expected have, got %v", ErrMalformed, m)
	}
	if len(m.Payload) != 4 {
		return 0, fmt.Errorf("%w: have payload is %d bytes, want 4", ErrMalformed, len(m.Payload))
	}
	return int(binary.BigEndian.Uint32(m.Payload)), nil
}

// ParsePiece extracts (piece index, byte offset, block bytes) from a
// piece message. The block slice aliases the payload.
func (m *Message) ParsePiece() (index, begin int, block []byte, err error) {
	if m.ID != MsgPiece {
		return 0, 0, nil, fmt.Errorf("%w: expected piece, got %v", ErrMalformed, m)
	}
	if len(m.Payload) < 8 {
		return 0, 0, nil, fmt.Errorf("%w: piece payload is %d bytes, want at least 8", ErrMalformed, len(m.Payload))
	}
	index = int(binary.BigEndian.Uint32(m.Payload[0:4]))
	begin = int(binary.BigEndian.Uint32(m.Payload[4:8]))
	return index, begin, m.Payload[8:], nil
}

// ParseRequest extracts (piece index, byte offset, length) from a
// request or cancel message.
func (m *Message) ParseRequest() (index, begin, length int, err error) {
	if m.ID != MsgRequest && m.ID != MsgCancel {
		return 0, 0, 0, fmt.Errorf("%w: expected request or cancel, got %v", ErrMalformed, m)
	}
	if len(m.Payload) != 12 {
		return 0, 0, 0, fmt.Errorf("%w: request payload is %d bytes, want 12", ErrMalformed, len(m.Payload))
	}
	index = int(binary.BigEndian.Uint32(m.Payload[0:4]))
	begin = int(binary.BigEndian.Uint32(m.Payload[4:8]))
	length = int(binary.BigEndian.Uint32(m.Payload[8:12]))
	return index, begin, length, nil
}
