// Package calldata defines CallData, the payload carried by every call and every
// response on a channel.
//
// A CallData is one of two variants, selected by an explicit Kind tag:
//
//	Create("hi")      -> KindSerialized, ReadSerialized() == "hi", ReadBinary() fails
//	CreateBinary(r)   -> KindBinary,     ReadBinary() == r,       ReadSerialized() fails
//	CreateError(msg)  -> KindSerialized, content = ErrorPrefix + JSON failure record
//
// There is no implicit conversion between the variants. Reading the wrong one
// returns ErrInvalidState.
package calldata

import (
	"errors"
	"fmt"
	"io"
	"strings"
)

// Kind discriminates the two CallData variants.
type Kind uint8

const (
	KindSerialized Kind = 0 // Text or structured value produced by a codec
	KindBinary     Kind = 1 // Raw byte stream
)

func (k Kind) String() string {
	switch k {
	case KindSerialized:
		return "serialized"
	case KindBinary:
		return "binary"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// ErrInvalidState is returned when a CallData is read as the variant it is not.
var ErrInvalidState = errors.New("calldata: invalid state")

// CallData is one RPC payload. The zero value is an empty serialized payload.
type CallData struct {
	kind   Kind
	value  string        // Valid when kind == KindSerialized
	stream io.ReadCloser // Valid when kind == KindBinary
}

// Empty is the payload used for acknowledgements that carry no value.
var Empty = Create("")

// Create wraps an already serialized value.
func Create(value string) CallData {
	return CallData{kind: KindSerialized, value: value}
}

// CreateBinary wraps a byte stream. A nil stream is treated as an empty one.
func CreateBinary(stream io.ReadCloser) CallData {
	if stream == nil {
		stream = io.NopCloser(strings.NewReader(""))
	}
	return CallData{kind: KindBinary, stream: stream}
}

// Kind reports which variant d holds.
func (d CallData) Kind() Kind { return d.kind }

// IsBinary reports whether d carries a byte stream.
func (d CallData) IsBinary() bool { return d.kind == KindBinary }

// ReadSerialized returns the serialized content of d.
func (d CallData) ReadSerialized() (string, error) {
	if d.kind != KindSerialized {
		return "", fmt.Errorf("%w: cannot read serialized content of a %s payload", ErrInvalidState, d.kind)
	}
	return d.value, nil
}

// ReadBinary returns the byte stream of d. The caller owns the stream and must
// close it.
func (d CallData) ReadBinary() (io.ReadCloser, error) {
	if d.kind != KindBinary {
		return nil, fmt.Errorf("%w: cannot read binary content of a %s payload", ErrInvalidState, d.kind)
	}
	return d.stream, nil
}

// Close releases the stream of a binary payload. It is a no-op for serialized
// payloads.
func (d CallData) Close() error {
	if d.kind == KindBinary && d.stream != nil {
		return d.stream.Close()
	}
	return nil
}

func (d CallData) String() string {
	if d.kind == KindBinary {
		return "CallData(binary)"
	}
	return fmt.Sprintf("CallData(%q)", d.value)
}
