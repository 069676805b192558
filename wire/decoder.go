package wire

import (
	"encoding/binary"
	"fmt"
)

// Decoder reassembles wire messages from a stream of arbitrarily-sized
// chunks. Bytes are accumulated with Feed; Next pops one frame at a
// time. The split of the byte stream into chunks never changes the
// decoded message sequence.
type Decoder struct {
	buf []byte
}

// Feed appends bytes read from the network to the decode buffer.
func (d *Decoder) Feed(p []byte) {
	d.buf = append(d.buf, p...)
}

// Next decodes the next frame from the buffer.
//
// It returns ErrNeedMoreData while the buffer holds only part of a
// frame (the partial frame is preserved), ErrMalformed when the stream
// is invalid, and otherwise one message. A nil message with a nil error
// is a keep-alive.
func (d *Decoder) Next() (*Message, error) {
	if len(d.buf) < 4 {
		return nil, ErrNeedMoreData
	}

	length := binary.BigEndian.Uint32(d.buf[0:4])
	if length > maxFrameSize {
		return nil, fmt.Errorf("%w: declared frame length %d", ErrMalformed, length)
	}

	if length == 0 {
		d.buf = d.buf[4:]
		return nil, nil
	}

	if len(d.buf) < int(4+length) {
		return nil, ErrNeedMoreData
	}

	id := MessageID(d.buf[4])
	payload := make([]byte, length-1)
	copy(payload, d.buf[5:4+length])
	d.buf = d.buf[4+length:]

	msg := &Message{ID: id, Payload: payload}
	if err := validate(msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// validate rejects frames whose declared length contradicts the fixed
// payload shape of their ID.
func validate(m *Message) error {
	switch m.ID {
	case MsgChoke, MsgUnchoke, MsgInterested, MsgNotInterested:
		if len(m.Payload) != 0 {
			return fmt.Errorf("%w: %v carries a %d byte payload", ErrMalformed, m, len(m.Payload))
		}
	case MsgHave:
		if len(m.Payload) != 4 {
			return fmt.Errorf("%w: have payload is %d bytes, want 4", ErrMalformed, len(m.Payload))
		}
	case MsgRequest, MsgCancel:
		if len(m.Payload) != 12 {
			return fmt.Errorf("%w: %v payload is %d bytes, want 12", ErrMalformed, m, len(m.Payload))
		}
	case MsgPiece:
		if len(m.Payload) < 8 {
			return fmt.Errorf("%w: piece payload is %d bytes, want at least 8", ErrMalformed, len(m.Payload))
		}
	case MsgBitfield:
		// variable length, nothing to check here
	default:
		return fmt.Errorf("%w: unknown message id %d", ErrMalformed, m.ID)
	}
	return nil
}
