package codec

import (
	"reflect"

	"github.com/hashicorp/go-msgpack/v2/codec"
)

// msgpackHandle is shared for encoding/decoding of structs.
var msgpackHandle = func() *codec.MsgpackHandle {
	h := &codec.MsgpackHandle{}
	h.RawToString = true
	h.MapType = reflect.TypeOf(map[string]interface{}(nil))
	return h
}()

// MsgpackCodec is the compact binary tuple encoding. Struct fields are keyed
// by the `codec` tag, falling back to the field name.
type MsgpackCodec struct{}

func (c *MsgpackCodec) Encode(v any) ([]byte, error) {
	var buf []byte
	err := codec.NewEncoderBytes(&buf, msgpackHandle).Encode(v)
	return buf, err
}

func (c *MsgpackCodec) Decode(data []byte, v any) error {
	return codec.NewDecoderBytes(data, msgpackHandle).Decode(v)
}

func (c *MsgpackCodec) Type() CodecType {
	return CodecTypeMsgpack
}
