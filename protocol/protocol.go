// Package protocol implements the binary frame protocol that carries packets
// over byte streams and message transports.
//
// A frame is a fixed 15-byte header followed by a variable-length body. The
// receiver reads the header first to learn the body length, then reads
// exactly that many bytes.
//
// Frame format:
//
//	0      3  4  5  6  7         11        15
//	┌──────┬──┬──┬──┬──┬─────────┬─────────┬───────────────┐
//	│magic │v │ct│mt│fl│   seq   │ bodyLen │    body ...    │
//	│ mrp  │02│  │  │  │ uint32  │ uint32  │ bodyLen bytes  │
//	└──────┴──┴──┴──┴──┴─────────┴─────────┴───────────────┘
//
// A packet larger than the transport allows is split over several frames
// sharing (msgType, seq); every frame but the last carries FlagMore.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Magic number bytes: "mrp".
// Used to reject non-protocol connections early (e.g., HTTP clients hitting
// the wrong port).
const (
	MagicNumber byte = 0x6d // 'm'
	MagicByte2  byte = 0x72 // 'r'
	MagicByte3  byte = 0x70 // 'p'
	Version     byte = 0x02
	HeaderSize  int  = 15 // 3 (magic) + 1 (version) + 1 (codec) + 1 (msgType) + 1 (flags) + 4 (seq) + 4 (bodyLen)

	// MaxBodyLen caps a single frame body. Packets above it must be chunked.
	MaxBodyLen uint32 = 16 << 20
)

var (
	ErrInvalidMagic  = errors.New("invalid magic number")
	ErrFrameTooLarge = errors.New("frame too large")
)

// MsgType distinguishes request, response, and heartbeat frames.
type MsgType byte

const (
	MsgTypeRequest   MsgType = 0 // Caller → host
	MsgTypeResponse  MsgType = 1 // Host → caller, echoes the request seq
	MsgTypeHeartbeat MsgType = 2 // KeepAlive ping (no body)
)

func (t MsgType) String() string {
	switch t {
	case MsgTypeRequest:
		return "request"
	case MsgTypeResponse:
		return "response"
	case MsgTypeHeartbeat:
		return "heartbeat"
	default:
		return fmt.Sprintf("msgtype(%d)", byte(t))
	}
}

// Flags qualify the payload of a frame.
type Flags byte

const (
	// FlagBinary marks the payload as a byte stream rather than serialized text.
	FlagBinary Flags = 1 << 0
	// FlagMore means further frames of the same packet follow.
	FlagMore Flags = 1 << 1
	// FlagAbort ends a partially sent packet; the receiver discards it.
	FlagAbort Flags = 1 << 2

	knownFlags = FlagBinary | FlagMore | FlagAbort
)

func (f Flags) Has(flag Flags) bool { return f&flag != 0 }

// Codec type constants, mirrored from codec package to avoid circular import.
const (
	CodecTypeJSON    byte = 0
	CodecTypeMsgpack byte = 1
)

// Header represents the fixed 15-byte frame header.
type Header struct {
	CodecType byte    // Serialization format of structured payloads: 0=JSON, 1=Msgpack
	MsgType   MsgType // Request, Response, or Heartbeat
	Flags     Flags   // Binary payload, more chunks follow
	Seq       uint32  // Correlation id, matches request ↔ response
	BodyLen   uint32  // Body length in bytes
}

// Frame is one header plus its body.
type Frame struct {
	Header
	Body []byte
}

// Encode writes a complete frame (header + body) to w. BodyLen is taken from
// body. The caller must hold a write lock if multiple goroutines share the
// same writer, otherwise frames will interleave and corrupt the stream.
func Encode(w io.Writer, h *Header, body []byte) error {
	if uint64(len(body)) > uint64(MaxBodyLen) {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(body))
	}
	h.BodyLen = uint32(len(body))

	buf := make([]byte, HeaderSize, HeaderSize+len(body))
	copy(buf[0:3], []byte{MagicNumber, MagicByte2, MagicByte3})
	buf[3] = Version
	buf[4] = h.CodecType
	buf[5] = byte(h.MsgType)
	buf[6] = byte(h.Flags)
	// Network byte order.
	binary.BigEndian.PutUint32(buf[7:11], h.Seq)
	binary.BigEndian.PutUint32(buf[11:15], h.BodyLen)

	// One write per frame so message transports see a whole frame.
	buf = append(buf, body...)
	_, err := w.Write(buf)
	return err
}

// Decode reads a complete frame (header + body) from r, rejecting bodies
// above MaxBodyLen.
func Decode(r io.Reader) (*Header, []byte, error) {
	return DecodeMax(r, MaxBodyLen)
}

// DecodeMax is Decode with an explicit body limit.
func DecodeMax(r io.Reader, maxBody uint32) (*Header, []byte, error) {
	headerBuf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, headerBuf); err != nil {
		return nil, nil, err
	}

	h, err := parseHeader(headerBuf)
	if err != nil {
		return nil, nil, err
	}
	if h.BodyLen > maxBody {
		return nil, nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, h.BodyLen, maxBody)
	}

	// Read exactly bodyLen bytes.
	body := make([]byte, h.BodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, nil, err
	}
	return h, body, nil
}

// DecodeFrame parses a frame held entirely in buf, as delivered by message
// transports.
func DecodeFrame(buf []byte) (*Frame, error) {
	if len(buf) < HeaderSize {
		return nil, fmt.Errorf("short frame: %d bytes", len(buf))
	}
	h, err := parseHeader(buf[:HeaderSize])
	if err != nil {
		return nil, err
	}
	if int(h.BodyLen) != len(buf)-HeaderSize {
		return nil, fmt.Errorf("frame body length mismatch: header says %d, got %d", h.BodyLen, len(buf)-HeaderSize)
	}
	return &Frame{Header: *h, Body: buf[HeaderSize:]}, nil
}

// EncodeFrame renders f as a single buffer.
func EncodeFrame(f *Frame) ([]byte, error) {
	var buf sliceWriter
	if err := Encode(&buf, &f.Header, f.Body); err != nil {
		return nil, err
	}
	return buf, nil
}

type sliceWriter []byte

func (s *sliceWriter) Write(p []byte) (int, error) {
	*s = append(*s, p...)
	return len(p), nil
}

func parseHeader(headerBuf []byte) (*Header, error) {
	// Reject non-protocol connections.
	if headerBuf[0] != MagicNumber || headerBuf[1] != MagicByte2 || headerBuf[2] != MagicByte3 {
		return nil, fmt.Errorf("%w: %x", ErrInvalidMagic, headerBuf[0:3])
	}
	if headerBuf[3] != Version {
		return nil, fmt.Errorf("unsupported version: %d", headerBuf[3])
	}
	if headerBuf[4] != CodecTypeJSON && headerBuf[4] != CodecTypeMsgpack {
		return nil, fmt.Errorf("unsupported codec type: %d", headerBuf[4])
	}
	msgType := MsgType(headerBuf[5])
	if msgType != MsgTypeRequest && msgType != MsgTypeResponse && msgType != MsgTypeHeartbeat {
		return nil, fmt.Errorf("unsupported message type: %d", msgType)
	}
	flags := Flags(headerBuf[6])
	if flags&^knownFlags != 0 {
		return nil, fmt.Errorf("unsupported flags: %#x", byte(flags))
	}

	return &Header{
		CodecType: headerBuf[4],
		MsgType:   msgType,
		Flags:     flags,
		Seq:       binary.BigEndian.Uint32(headerBuf[7:11]),
		BodyLen:   binary.BigEndian.Uint32(headerBuf[11:15]),
	}, nil
}
