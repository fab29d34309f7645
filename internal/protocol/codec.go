package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrMalformed is returned when a frame is not a JSON object or a known
	// frame has fields of the wrong shape.
	ErrMalformed = errors.New("malformed frame")

	// ErrNotEncodable is returned when encoding an Unknown frame.
	ErrNotEncodable = errors.New("unknown frames cannot be encoded")
)

type envelope struct {
	Type Type `json:"type"`
}

// Encode serializes m as a JSON object with the "type" discriminator first.
func Encode(m Message) ([]byte, error) {
	if m == nil {
		return nil, fmt.Errorf("failed to encode message: nil message")
	}
	if _, ok := m.(Unknown); ok {
		return nil, ErrNotEncodable
	}

	body, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", m.Type(), err)
	}
	head, err := json.Marshal(envelope{Type: m.Type()})
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", m.Type(), err)
	}

	// Splice {"type":"x"} and {...fields} into one object.
	body = bytes.TrimSpace(body)
	if len(body) <= 2 {
		return head, nil
	}
	out := make([]byte, 0, len(head)+len(body))
	out = append(out, head[:len(head)-1]...)
	out = append(out, ',')
	out = append(out, body[1:]...)
	return out, nil
}

// Decode parses one frame. Frames with a missing or unrecognised tag decode to
// Unknown with a nil error. An error is returned only for input that is not a
// JSON object or a known frame whose fields do not match; the returned
// message is still an Unknown carrying the raw bytes.
func Decode(data []byte) (Message, error) {
	raw := json.RawMessage(append([]byte(nil), data...))

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Unknown{Raw: raw}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	var (
		msg Message
		err error
	)
	switch env.Type {
	case TypeRegister:
		msg, err = decodeAs[Register](data)
	case TypeHeartbeat:
		msg, err = Heartbeat{}, nil
	case TypeRunAnalysis:
		msg, err = decodeAs[RunAnalysis](data)
	case TypeRunAnalysisResponse:
		msg, err = decodeAs[RunAnalysisResponse](data)
	case TypeAnalysisUpdate:
		msg, err = decodeAs[AnalysisUpdate](data)
	case TypeStopAnalysis:
		msg, err = decodeAs[StopAnalysis](data)
	case TypeAck:
		msg, err = decodeAs[Ack](data)
	default:
		return Unknown{Tag: string(env.Type), Raw: raw}, nil
	}
	if err != nil {
		return Unknown{Tag: string(env.Type), Raw: raw}, fmt.Errorf("%w: %s: %v", ErrMalformed, env.Type, err)
	}
	return msg, nil
}

func decodeAs[T Message](data []byte) (Message, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}
