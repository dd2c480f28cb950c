// Package message defines the peer protocol: availability and data
// sub-protocols keyed by (object type, object id), plus a batch container.
//
// Every variant is a concrete type implementing Message; a Frame that does not
// decode into one of them is rejected with ErrMalformed.
package message

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/jackpal/bencode-go"
)

var (
	ErrMalformed     = errors.New("malformed message")
	ErrUnknownID     = errors.New("unknown message id")
	ErrNestedBatch   = errors.New("batch inside batch")
	ErrEmptyObjectID = errors.New("empty object id")
)

type ObjectType uint8

const ObjectFile ObjectType = 1

// Key identifies the object a message is about.
type Key struct {
	Type ObjectType
	ID   string
}

func FileKey(id string) Key {
	return Key{Type: ObjectFile, ID: id}
}

func (k Key) ObjectKey() Key { return k }

type Message interface {
	MessageID() MessageID
	isMessage()
}

// Keyed is implemented by every variant except Batch.
type Keyed interface {
	Message
	ObjectKey() Key
}

type Range struct {
	Offset int64
	Length int64
}

type AvailabilityRequest struct{ Key }

type AvailabilityResponse struct {
	Key
	Ranges []Range
}

type AvailabilityAbort struct{ Key }

// AvailabilityFailure means the sender cannot help with the object right now.
type AvailabilityFailure struct {
	Key
	Reason string
}

type DataRequest struct {
	Key
	Offset int64
	Length int64
}

type DataResponse struct {
	Key
	Offset int64
	Data   []byte
}

type DataAbort struct {
	Key
	Offset int64
	Length int64
}

type DataFailure struct {
	Key
	Offset int64
	Length int64
	Reason string
}

// Batch carries several messages in one frame. Batches do not nest.
type Batch struct {
	Messages []Message
}

func (AvailabilityRequest) MessageID() MessageID  { return MessageAvailabilityRequest }
func (AvailabilityResponse) MessageID() MessageID { return MessageAvailabilityResponse }
func (AvailabilityAbort) MessageID() MessageID    { return MessageAvailabilityAbort }
func (AvailabilityFailure) MessageID() MessageID  { return MessageAvailabilityFailure }
func (DataRequest) MessageID() MessageID          { return MessageDataRequest }
func (DataResponse) MessageID() MessageID         { return MessageDataResponse }
func (DataAbort) MessageID() MessageID            { return MessageDataAbort }
func (DataFailure) MessageID() MessageID          { return MessageDataFailure }
func (Batch) MessageID() MessageID                { return MessageBatch }

func (AvailabilityRequest) isMessage()  {}
func (AvailabilityResponse) isMessage() {}
func (AvailabilityAbort) isMessage()    {}
func (AvailabilityFailure) isMessage()  {}
func (DataRequest) isMessage()          {}
func (DataResponse) isMessage()         {}
func (DataAbort) isMessage()            {}
func (DataFailure) isMessage()          {}
func (Batch) isMessage()                {}

type wireKey struct {
	Type int    `bencode:"type"`
	ID   string `bencode:"id"`
}

type wireAvailability struct {
	Type    int     `bencode:"type"`
	ID      string  `bencode:"id"`
	Offsets []int64 `bencode:"offsets"`
	Lengths []int64 `bencode:"lengths"`
	Reason  string  `bencode:"reason"`
}

type wireData struct {
	Type   int    `bencode:"type"`
	ID     string `bencode:"id"`
	Offset int64  `bencode:"offset"`
	Length int64  `bencode:"length"`
	Codec  int    `bencode:"codec"`
	Data   string `bencode:"data"`
	Reason string `bencode:"reason"`
}

type wireBatch struct {
	Frames []string `bencode:"frames"`
}

const (
	codecRaw = 0
	codecLZ4 = 1
)

// Encoder turns messages into frames. With Compress set, data responses are
// LZ4-compressed whenever that makes them smaller.
type Encoder struct {
	Compress bool
}

func Encode(msg Message) (*Frame, error) {
	return Encoder{}.Encode(msg)
}

func (e Encoder) Encode(msg Message) (*Frame, error) {
	var payload any

	switch m := msg.(type) {
	case AvailabilityRequest:
		payload = wireKey{Type: int(m.Type), ID: m.ID}
	case AvailabilityAbort:
		payload = wireKey{Type: int(m.Type), ID: m.ID}
	case AvailabilityResponse:
		w := wireAvailability{Type: int(m.Type), ID: m.ID}
		for _, r := range m.Ranges {
			w.Offsets = append(w.Offsets, r.Offset)
			w.Lengths = append(w.Lengths, r.Length)
		}
		payload = w
	case AvailabilityFailure:
		payload = wireAvailability{Type: int(m.Type), ID: m.ID, Reason: m.Reason}
	case DataRequest:
		payload = wireData{Type: int(m.Type), ID: m.ID, Offset: m.Offset, Length: m.Length}
	case DataAbort:
		payload = wireData{Type: int(m.Type), ID: m.ID, Offset: m.Offset, Length: m.Length}
	case DataFailure:
		payload = wireData{Type: int(m.Type), ID: m.ID, Offset: m.Offset, Length: m.Length, Reason: m.Reason}
	case DataResponse:
		w := wireData{Type: int(m.Type), ID: m.ID, Offset: m.Offset, Length: int64(len(m.Data)), Codec: codecRaw}
		data := m.Data
		if e.Compress {
			if packed, ok := compress(m.Data); ok {
				data = packed
				w.Codec = codecLZ4
			}
		}
		w.Data = string(data)
		payload = w
	case Batch:
		w := wireBatch{}
		for _, inner := range m.Messages {
			if _, nested := inner.(Batch); nested {
				return nil, ErrNestedBatch
			}
			f, err := e.Encode(inner)
			if err != nil {
				return nil, err
			}
			w.Frames = append(w.Frames, string(f.Serialize()))
		}
		payload = w
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownID, msg)
	}

	var buf bytes.Buffer
	if err := bencode.Marshal(&buf, payload); err != nil {
		return nil, fmt.Errorf("encode %T: %w", msg, err)
	}

	return &Frame{ID: msg.MessageID(), Payload: buf.Bytes()}, nil
}

func Decode(f *Frame) (Message, error) {
	if f == nil {
		return nil, fmt.Errorf("%w: keep-alive has no message", ErrMalformed)
	}

	switch f.ID {
	case MessageAvailabilityRequest, MessageAvailabilityAbort:
		var w wireKey
		if err := unmarshal(f.Payload, &w); err != nil {
			return nil, err
		}
		key, err := toKey(w.Type, w.ID)
		if err != nil {
			return nil, err
		}
		if f.ID == MessageAvailabilityRequest {
			return AvailabilityRequest{Key: key}, nil
		}
		return AvailabilityAbort{Key: key}, nil

	case MessageAvailabilityResponse, MessageAvailabilityFailure:
		var w wireAvailability
		if err := unmarshal(f.Payload, &w); err != nil {
			return nil, err
		}
		key, err := toKey(w.Type, w.ID)
		if err != nil {
			return nil, err
		}
		if f.ID == MessageAvailabilityFailure {
			return AvailabilityFailure{Key: key, Reason: w.Reason}, nil
		}
		if len(w.Offsets) != len(w.Lengths) {
			return nil, fmt.Errorf("%w: %d offsets, %d lengths", ErrMalformed, len(w.Offsets), len(w.Lengths))
		}
		ranges := make([]Range, 0, len(w.Offsets))
		for i := range w.Offsets {
			if w.Offsets[i] < 0 || w.Lengths[i] < 0 {
				return nil, fmt.Errorf("%w: negative range", ErrMalformed)
			}
			ranges = append(ranges, Range{Offset: w.Offsets[i], Length: w.Lengths[i]})
		}
		return AvailabilityResponse{Key: key, Ranges: ranges}, nil

	case MessageDataRequest, MessageDataResponse, MessageDataAbort, MessageDataFailure:
		var w wireData
		if err := unmarshal(f.Payload, &w); err != nil {
			return nil, err
		}
		key, err := toKey(w.Type, w.ID)
		if err != nil {
			return nil, err
		}
		if w.Offset < 0 || w.Length < 0 {
			return nil, fmt.Errorf("%w: negative range", ErrMalformed)
		}
		switch f.ID {
		case MessageDataRequest:
			return DataRequest{Key: key, Offset: w.Offset, Length: w.Length}, nil
		case MessageDataAbort:
			return DataAbort{Key: key, Offset: w.Offset, Length: w.Length}, nil
		case MessageDataFailure:
			return DataFailure{Key: key, Offset: w.Offset, Length: w.Length, Reason: w.Reason}, nil
		}
		data, err := unpack(w)
		if err != nil {
			return nil, err
		}
		return DataResponse{Key: key, Offset: w.Offset, Data: data}, nil

	case MessageBatch:
		var w wireBatch
		if err := unmarshal(f.Payload, &w); err != nil {
			return nil, err
		}
		batch := Batch{Messages: make([]Message, 0, len(w.Frames))}
		for _, raw := range w.Frames {
			inner, err := ReadFrame(bytes.NewReader([]byte(raw)))
			if err != nil {
				return nil, fmt.Errorf("%w: batch entry: %v", ErrMalformed, err)
			}
			if inner != nil && inner.ID == MessageBatch {
				return nil, ErrNestedBatch
			}
			msg, err := Decode(inner)
			if err != nil {
				return nil, err
			}
			batch.Messages = append(batch.Messages, msg)
		}
		return batch, nil
	}

	return nil, fmt.Errorf("%w: %d", ErrUnknownID, f.ID)
}

func unmarshal(payload []byte, v any) error {
	if err := bencode.Unmarshal(bytes.NewReader(payload), v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}

func toKey(t int, id string) (Key, error) {
	if t <= 0 || t > 255 {
		return Key{}, fmt.Errorf("%w: object type %d", ErrMalformed, t)
	}
	if id == "" {
		return Key{}, ErrEmptyObjectID
	}
	return Key{Type: ObjectType(t), ID: id}, nil
}

func unpack(w wireData) ([]byte, error) {
	switch w.Codec {
	case codecRaw:
		if int64(len(w.Data)) != w.Length {
			return nil, fmt.Errorf("%w: data length %d, header says %d", ErrMalformed, len(w.Data), w.Length)
		}
		return []byte(w.Data), nil
	case codecLZ4:
		return decompress([]byte(w.Data), w.Length)
	}
	return nil, fmt.Errorf("%w: codec %d", ErrMalformed, w.Codec)
}
