package serialization

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/types/known/structpb"
)

// ToProtoStruct converts an arbitrary JSON-encoded payload into a
// protobuf Struct so schemaless payloads can travel in protobuf format.
func ToProtoStruct(jsonPayload []byte) (*structpb.Struct, error) {
	var fields map[string]interface{}
	if err := json.Unmarshal(jsonPayload, &fields); err != nil {
		return nil, fmt.Errorf("payload is not a JSON object: %w", err)
	}

	st, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("payload is not representable as a proto struct: %w", err)
	}
	return st, nil
}

// FromProtoStruct converts a protobuf Struct back to its JSON encoding.
func FromProtoStruct(st *structpb.Struct) ([]byte, error) {
	if st == nil {
		return nil, fmt.Errorf("nil struct")
	}
	return json.Marshal(st.AsMap())
}

// EncodeStructPayload encodes a JSON object payload in protobuf format with
// the format prefix, for producers that ship schemaless payloads compactly.
func (c *Codec) EncodeStructPayload(jsonPayload []byte) ([]byte, error) {
	st, err := ToProtoStruct(jsonPayload)
	if err != nil {
		return nil, err
	}
	return c.MarshalWithFormat(st, FormatProtobuf)
}

// DecodeToJSON returns the JSON encoding of a payload regardless of the
// format it was stored in.
func (c *Codec) DecodeToJSON(data []byte) ([]byte, error) {
	format, payload, err := c.DetectFormat(data)
	if err != nil {
		return nil, err
	}

	switch format {
	case FormatJSON:
		return payload, nil
	case FormatProtobuf:
		st := &structpb.Struct{}
		if err := c.UnmarshalWithFormat(payload, st, FormatProtobuf); err != nil {
			return nil, err
		}
		return FromProtoStruct(st)
	default:
		return nil, fmt.Errorf("%w: format %d", ErrUnknownFormat, format)
	}
}
