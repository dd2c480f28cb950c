package transport

import (
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
)

const ProtocolIdentifier = "gswarm protocol"

type Handshake struct {
	DeviceID uuid.UUID
}

func (h *Handshake) Serialize() []byte {
	buf := make([]byte, 1+len(ProtocolIdentifier)+len(h.DeviceID))
	buf[0] = byte(len(ProtocolIdentifier))
	curr := 1
	curr += copy(buf[curr:], ProtocolIdentifier)
	copy(buf[curr:], h.DeviceID[:])
	return buf
}

func (h *Handshake) Write(writer io.Writer) error {
	_, err := writer.Write(h.Serialize())
	return err
}

func ReadHandshake(reader io.Reader) (*Handshake, error) {
	buf := make([]byte, 1)
	if _, err := io.ReadFull(reader, buf); err != nil {
		return nil, fmt.Errorf("invalid handshake length: %w", err)
	}

	if int(buf[0]) != len(ProtocolIdentifier) {
		return nil, errors.New("invalid protocol length in handshake")
	}

	buf = make([]byte, len(ProtocolIdentifier))
	if _, err := io.ReadFull(reader, buf); err != nil {
		return nil, errors.New("invalid protocol in handshake")
	}

	if string(buf) != ProtocolIdentifier {
		return nil, errors.New("invalid protocol identifier in handshake")
	}

	var h Handshake
	if _, err := io.ReadFull(reader, h.DeviceID[:]); err != nil {
		return nil, err
	}

	if h.DeviceID == uuid.Nil {
		return nil, errors.New("empty device id in handshake")
	}

	return &h, nil
}
