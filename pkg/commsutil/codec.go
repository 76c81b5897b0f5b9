package commsutil

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

const codecLogPrefix = "commsutil:codec"

// Codec names.
const (
	CodecJSON    = "json"
	CodecMsgpack = "msgpack"
)

// Codec serializes channel messages.
type Codec interface {
	Name() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// JSONCodec encodes with encoding/json.
type JSONCodec struct{}

// Name implements Codec.
func (JSONCodec) Name() string { return CodecJSON }

// Marshal implements Codec.
func (JSONCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Unmarshal implements Codec.
func (JSONCodec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

// MsgpackCodec encodes with msgpack, honouring json struct tags so both
// codecs agree on field names.
type MsgpackCodec struct{}

// Name implements Codec.
func (MsgpackCodec) Name() string { return CodecMsgpack }

// Marshal implements Codec.
func (MsgpackCodec) Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag("json")
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Unmarshal implements Codec.
func (MsgpackCodec) Unmarshal(data []byte, v any) error {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.SetCustomStructTag("json")
	return dec.Decode(v)
}

// CodecByName returns the codec registered under name.
func CodecByName(name string) (Codec, error) {
	switch name {
	case "", CodecJSON:
		return JSONCodec{}, nil
	case CodecMsgpack:
		return MsgpackCodec{}, nil
	default:
		return nil, fmt.Errorf("%s - unknown codec %q", codecLogPrefix, name)
	}
}

// EncodePayload serializes a value to JSON bytes.
func EncodePayload(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

// DecodePayload deserializes JSON bytes into the given target.
func DecodePayload(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

// Convert copies an untyped value (as produced by a decoder) into a typed
// target by way of JSON.
func Convert(src any, dst any) error {
	data, err := EncodePayload(src)
	if err != nil {
		return fmt.Errorf("%s - convert encode: %w", codecLogPrefix, err)
	}
	if err := DecodePayload(data, dst); err != nil {
		return fmt.Errorf("%s - convert decode: %w", codecLogPrefix, err)
	}
	return nil
}
