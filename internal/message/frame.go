package message

import (
	"encoding/binary"
	"fmt"
	"io"
)

type MessageID uint8

const (
	MessageAvailabilityRequest  MessageID = 1
	MessageAvailabilityResponse MessageID = 2
	MessageAvailabilityAbort    MessageID = 3
	MessageAvailabilityFailure  MessageID = 4
	MessageDataRequest          MessageID = 5
	MessageDataResponse         MessageID = 6
	MessageDataAbort            MessageID = 7
	MessageDataFailure          MessageID = 8
	MessageBatch                MessageID = 9
)

// MaxFrameLength bounds a single frame on the wire.
const MaxFrameLength = 16 << 20

// Frame is one length-prefixed message as it travels on a connection. A nil
// *Frame is a keep-alive.
type Frame struct {
	ID      MessageID
	Payload []byte
}

func (f *Frame) Serialize() []byte {
	if f == nil {
		return make([]byte, 4)
	}

	length := uint32(len(f.Payload) + 1) // +1 for id
	buf := make([]byte, 4+length)
	binary.BigEndian.PutUint32(buf[0:4], length)
	buf[4] = byte(f.ID)
	copy(buf[5:], f.Payload)
	return buf
}

func ReadFrame(reader io.Reader) (*Frame, error) {
	msgLen := make([]byte, 4)
	_, err := io.ReadFull(reader, msgLen)
	if err != nil {
		return nil, fmt.Errorf("buffer is too short: %w", err)
	}

	length := binary.BigEndian.Uint32(msgLen)

	if length == 0 {
		return nil, nil
	}
	if length > MaxFrameLength {
		return nil, fmt.Errorf("%w: frame of %d bytes", ErrMalformed, length)
	}

	payload := make([]byte, length)

	_, err = io.ReadFull(reader, payload)
	if err != nil {
		return nil, fmt.Errorf("payload is too short: %w", err)
	}

	return &Frame{
		ID:      MessageID(payload[0]),
		Payload: payload[1:],
	}, nil
}
