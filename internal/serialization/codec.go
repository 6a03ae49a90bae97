// Package serialization implements the payload codec for job records on the
// wire. Payloads carry a one-byte format prefix so JSON and protobuf encoded
// payloads can coexist in the same queue; bare JSON without a prefix is
// accepted for compatibility with older producers.
package serialization

import (
	"encoding/json"
	"errors"
	"fmt"

	"google.golang.org/protobuf/proto"
)

// PayloadFormat identifies the encoding of a serialized payload
type PayloadFormat byte

const (
	// FormatJSON is the default encoding for payloads submitted over the client API
	FormatJSON PayloadFormat = 0x00

	// FormatProtobuf is used for high-volume producers such as the hot-plug bridge
	FormatProtobuf PayloadFormat = 0x01
)

var (
	// ErrUnknownFormat is returned when the payload format cannot be determined
	ErrUnknownFormat = errors.New("unknown payload format")

	// ErrMarshalFailed is returned when marshaling fails
	ErrMarshalFailed = errors.New("failed to marshal payload")

	// ErrUnmarshalFailed is returned when unmarshaling fails
	ErrUnmarshalFailed = errors.New("failed to unmarshal payload")
)

// Codec serializes and deserializes job payloads with format detection
type Codec struct {
	// DefaultFormat is used when encoding new payloads
	DefaultFormat PayloadFormat
}

// NewCodec creates a codec with the given default format
func NewCodec(defaultFormat PayloadFormat) *Codec {
	return &Codec{DefaultFormat: defaultFormat}
}

// NewJSONCodec creates a codec that defaults to JSON
func NewJSONCodec() *Codec {
	return &Codec{DefaultFormat: FormatJSON}
}

// NewProtobufCodec creates a codec that defaults to protobuf
func NewProtobufCodec() *Codec {
	return &Codec{DefaultFormat: FormatProtobuf}
}

// Marshal encodes v using the default format and prepends the format byte
func (c *Codec) Marshal(v interface{}) ([]byte, error) {
	return c.MarshalWithFormat(v, c.DefaultFormat)
}

// MarshalWithFormat encodes v using the given format and prepends the format byte
func (c *Codec) MarshalWithFormat(v interface{}, format PayloadFormat) ([]byte, error) {
	var data []byte
	var err error

	switch format {
	case FormatJSON:
		data, err = json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("%w (JSON): %v", ErrMarshalFailed, err)
		}

	case FormatProtobuf:
		msg, ok := v.(proto.Message)
		if !ok {
			return nil, fmt.Errorf("%w: value does not implement proto.Message", ErrMarshalFailed)
		}
		data, err = proto.Marshal(msg)
		if err != nil {
			return nil, fmt.Errorf("%w (protobuf): %v", ErrMarshalFailed, err)
		}

	default:
		return nil, fmt.Errorf("%w: format %d", ErrUnknownFormat, format)
	}

	result := make([]byte, len(data)+1)
	result[0] = byte(format)
	copy(result[1:], data)
	return result, nil
}

// Unmarshal decodes data into v, detecting the format from the prefix byte
func (c *Codec) Unmarshal(data []byte, v interface{}) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: empty payload", ErrUnmarshalFailed)
	}

	format, payload, err := c.DetectFormat(data)
	if err != nil {
		return err
	}
	return c.UnmarshalWithFormat(payload, v, format)
}

// UnmarshalWithFormat decodes an unprefixed payload using the given format
func (c *Codec) UnmarshalWithFormat(data []byte, v interface{}, format PayloadFormat) error {
	switch format {
	case FormatJSON:
		if err := json.Unmarshal(data, v); err != nil {
			return fmt.Errorf("%w (JSON): %v", ErrUnmarshalFailed, err)
		}
		return nil

	case FormatProtobuf:
		msg, ok := v.(proto.Message)
		if !ok {
			return fmt.Errorf("%w: value does not implement proto.Message", ErrUnmarshalFailed)
		}
		if err := proto.Unmarshal(data, msg); err != nil {
			return fmt.Errorf("%w (protobuf): %v", ErrUnmarshalFailed, err)
		}
		return nil

	default:
		return fmt.Errorf("%w: format %d", ErrUnknownFormat, format)
	}
}

// DetectFormat returns the format of data and the payload without its prefix.
// Unprefixed payloads starting with '{' or '[' are treated as legacy JSON.
func (c *Codec) DetectFormat(data []byte) (PayloadFormat, []byte, error) {
	if len(data) == 0 {
		return FormatJSON, nil, fmt.Errorf("%w: empty payload", ErrUnknownFormat)
	}

	format := PayloadFormat(data[0])
	switch format {
	case FormatJSON, FormatProtobuf:
		if len(data) < 2 {
			return format, nil, fmt.Errorf("%w: payload too short", ErrUnmarshalFailed)
		}
		return format, data[1:], nil

	default:
		if data[0] == '{' || data[0] == '[' {
			return FormatJSON, data, nil
		}
		return FormatJSON, data, fmt.Errorf("%w: unknown format byte 0x%02X", ErrUnknownFormat, data[0])
	}
}

// IsProtobuf reports whether data carries the protobuf format prefix
func (c *Codec) IsProtobuf(data []byte) bool {
	return len(data) > 0 && PayloadFormat(data[0]) == FormatProtobuf
}

// IsJSON reports whether data is JSON, prefixed or legacy
func (c *Codec) IsJSON(data []byte) bool {
	if len(data) == 0 {
		return false
	}
	if PayloadFormat(data[0]) == FormatJSON {
		return true
	}
	return data[0] == '{' || data[0] == '['
}
