package protocol

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/hashicorp/go-multierror"
)

var (
	ErrPacketTooLarge = errors.New("packet too large")
	ErrAborted        = errors.New("packet aborted by sender")
)

// Packet is one reassembled call or response.
type Packet struct {
	Type     MsgType
	Seq      uint32
	Codec    byte
	Binary   bool
	Endpoint string
	Channel  string
	Payload  []byte
}

// EncodePacketMeta renders the routing prefix that leads the body of a
// packet: u16 length + endpoint, u16 length + channel id.
func EncodePacketMeta(endpoint, channel string) ([]byte, error) {
	if len(endpoint) > math.MaxUint16 || len(channel) > math.MaxUint16 {
		return nil, fmt.Errorf("packet meta too long: endpoint %d bytes, channel %d bytes", len(endpoint), len(channel))
	}
	buf := make([]byte, 0, 4+len(endpoint)+len(channel))
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(endpoint)))
	buf = append(buf, endpoint...)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(channel)))
	buf = append(buf, channel...)
	return buf, nil
}

// DecodePacketMeta splits a packet body into its routing prefix and the
// payload bytes that follow. A body too short for the prefix yields
// io.ErrUnexpectedEOF.
func DecodePacketMeta(body []byte) (endpoint, channel string, payload []byte, err error) {
	endpoint, rest, err := readString16(body)
	if err != nil {
		return "", "", nil, fmt.Errorf("endpoint: %w", err)
	}
	channel, rest, err = readString16(rest)
	if err != nil {
		return "", "", nil, fmt.Errorf("channel: %w", err)
	}
	return endpoint, channel, rest, nil
}

func readString16(b []byte) (string, []byte, error) {
	if len(b) < 2 {
		return "", nil, io.ErrUnexpectedEOF
	}
	n := int(binary.BigEndian.Uint16(b))
	b = b[2:]
	if len(b) < n {
		return "", nil, io.ErrUnexpectedEOF
	}
	return string(b[:n]), b[n:], nil
}

// FrameWriter sends one frame atomically. It must not retain f.Body after
// returning.
type FrameWriter interface {
	WriteFrame(f *Frame) error
}

// WritePacket sends a packet as one or more frames of at most maxBody body
// bytes. The routing meta leads the packet body and may itself span frames.
// payload is consumed as it is read, so binary streams are never held in
// memory as a whole. If reading payload fails after frames went out, a
// FlagAbort frame terminates the packet before the read error is returned.
func WritePacket(w FrameWriter, h Header, endpoint, channel string, payload io.Reader, maxBody int) error {
	if maxBody <= 0 || uint64(maxBody) > uint64(MaxBodyLen) {
		maxBody = int(MaxBodyLen)
	}
	meta, err := EncodePacketMeta(endpoint, channel)
	if err != nil {
		return err
	}
	if payload == nil {
		payload = eofReader{}
	}

	br := bufio.NewReader(io.MultiReader(bytes.NewReader(meta), payload))
	// One buffer for every frame of the packet, grown to what is read.
	var chunk bytes.Buffer
	sent := false
	for {
		chunk.Reset()
		_, rerr := io.CopyN(&chunk, br, int64(maxBody))
		last := false
		switch {
		case rerr == io.EOF:
			last = true
		case rerr != nil:
			return abort(w, h, sent, rerr)
		default:
			if _, perr := br.Peek(1); perr == io.EOF {
				last = true
			} else if perr != nil {
				return abort(w, h, sent, perr)
			}
		}

		fh := h
		fh.Flags &^= FlagMore | FlagAbort
		if !last {
			fh.Flags |= FlagMore
		}
		if err := w.WriteFrame(&Frame{Header: fh, Body: chunk.Bytes()}); err != nil {
			return err
		}
		if last {
			return nil
		}
		sent = true
	}
}

func abort(w FrameWriter, h Header, sent bool, cause error) error {
	if !sent {
		return cause
	}
	h.Flags = (h.Flags &^ FlagMore) | FlagAbort
	if err := w.WriteFrame(&Frame{Header: h}); err != nil {
		return multierror.Append(cause, err)
	}
	return cause
}

type eofReader struct{}

func (eofReader) Read([]byte) (int, error) { return 0, io.EOF }

type assemblyKey struct {
	msgType MsgType
	seq     uint32
}

// maxMetaLen bounds the routing meta of any packet.
const maxMetaLen = 4 + 2*math.MaxUint16

type partialPacket struct {
	pkt    Packet
	buf    []byte
	routed bool
}

// Assembler rebuilds packets from frames. Frames of different packets may
// interleave; reassembly is keyed by (msgType, seq), never by arrival order.
// It is used by a single receive loop and is not safe for concurrent use.
type Assembler struct {
	maxPacket int
	partial   map[assemblyKey]*partialPacket
}

// NewAssembler bounds every reassembled packet (meta excluded) to maxPacket
// bytes. Zero means no bound.
func NewAssembler(maxPacket int) *Assembler {
	return &Assembler{maxPacket: maxPacket, partial: make(map[assemblyKey]*partialPacket)}
}

// Add consumes one frame. It returns the packet once its last frame arrived,
// nil while more frames are expected. An aborted packet is returned together
// with ErrAborted so the caller can fail whoever waits on its seq; any other
// error means the stream is corrupt.
func (a *Assembler) Add(f *Frame) (*Packet, error) {
	if f.MsgType == MsgTypeHeartbeat {
		return nil, fmt.Errorf("heartbeat frame is not part of a packet")
	}
	key := assemblyKey{f.MsgType, f.Seq}
	pp, started := a.partial[key]

	if f.Flags.Has(FlagAbort) {
		if !started {
			return nil, fmt.Errorf("abort for unknown %s %d", f.MsgType, f.Seq)
		}
		delete(a.partial, key)
		return &pp.pkt, ErrAborted
	}

	if !started {
		pp = &partialPacket{pkt: Packet{
			Type:   f.MsgType,
			Seq:    f.Seq,
			Codec:  f.CodecType,
			Binary: f.Flags.Has(FlagBinary),
		}}
	} else if pp.pkt.Binary != f.Flags.Has(FlagBinary) {
		delete(a.partial, key)
		return nil, fmt.Errorf("%s %d: binary flag changed mid-packet", f.MsgType, f.Seq)
	}
	// Always a copy: frame bodies belong to the transport.
	pp.buf = append(pp.buf, f.Body...)

	if !pp.routed {
		endpoint, channel, payload, err := DecodePacketMeta(pp.buf)
		switch {
		case err == nil:
			pp.pkt.Endpoint, pp.pkt.Channel = endpoint, channel
			pp.buf = payload
			pp.routed = true
		case errors.Is(err, io.ErrUnexpectedEOF) && f.Flags.Has(FlagMore) && len(pp.buf) <= maxMetaLen:
			a.partial[key] = pp
			return nil, nil
		default:
			delete(a.partial, key)
			return nil, fmt.Errorf("%s %d: malformed packet meta: %w", f.MsgType, f.Seq, err)
		}
	}

	if a.maxPacket > 0 && len(pp.buf) > a.maxPacket {
		delete(a.partial, key)
		return nil, fmt.Errorf("%w: %s %d exceeds %d bytes", ErrPacketTooLarge, f.MsgType, f.Seq, a.maxPacket)
	}

	if f.Flags.Has(FlagMore) {
		a.partial[key] = pp
		return nil, nil
	}
	delete(a.partial, key)
	pp.pkt.Payload = pp.buf
	return &pp.pkt, nil
}

// Pending returns the number of packets still being reassembled.
func (a *Assembler) Pending() int { return len(a.partial) }
