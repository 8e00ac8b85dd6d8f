// Package protocol parses the scrcpy video socket byte stream: a 12-byte
// codec metadata block sent once at stream start, followed by repeated
// 12-byte frame headers and variable-length H.264 payloads. The [Framer]
// tolerates arbitrary chunking of the input — a short read simply parks the
// state machine until more bytes arrive.
package protocol

import (
	"encoding/binary"
	"fmt"
	"log/slog"
)

const (
	codecMetaSize   = 12
	frameHeaderSize = 12

	// Packet sizes outside (0, maxSanePacketSize) when read big-endian are
	// assumed to be little-endian on the wire. See parsePacketSize.
	maxSanePacketSize = 10_000_000
)

// Default coded dimensions used until the codec metadata block arrives.
const (
	DefaultWidth  = 1080
	DefaultHeight = 1920
)

// CodecMeta is the stream-start metadata block: codec identifier and the
// coded video dimensions, all big-endian u32. Immutable once parsed.
type CodecMeta struct {
	CodecID uint32
	Width   uint32
	Height  uint32
}

// FrameHeader precedes every frame payload on the wire.
type FrameHeader struct {
	IsConfig   bool
	IsKeyFrame bool
	PTS        uint64 // 62 significant bits
	PacketSize uint32
}

// state is the framer's position in the wire protocol.
type state int

const (
	stateCodecMeta state = iota
	stateFrameHeader
	stateFrameData
)

func (s state) String() string {
	switch s {
	case stateCodecMeta:
		return "codec-meta"
	case stateFrameHeader:
		return "frame-header"
	case stateFrameData:
		return "frame-data"
	}
	return "unknown"
}

// Sink receives the framer's products. OnCodecMeta fires once when the
// metadata block is parsed; OnFramePayload fires for every complete frame
// payload. The payload slice aliases the framer's buffer and is only valid
// for the duration of the call.
type Sink interface {
	OnCodecMeta(meta CodecMeta)
	OnFramePayload(hdr FrameHeader, payload []byte)
}

// FramingError wraps a parse failure inside Feed. The framer recovers by
// discarding buffered bytes; the error is surfaced so callers can count it.
type FramingError struct {
	State string
	Err   error
}

func (e *FramingError) Error() string {
	return fmt.Sprintf("protocol: framing failed in state %s: %v", e.State, e.Err)
}

func (e *FramingError) Unwrap() error {
	return e.Err
}

// Framer reassembles the scrcpy video stream from arbitrarily-sized chunks.
// It is a three-state machine: codec metadata once, then frame header and
// frame data alternating. Not safe for concurrent use; one goroutine feeds it.
type Framer struct {
	log   *slog.Logger
	sink  Sink
	acc   accumulator
	state state

	meta     CodecMeta
	haveMeta bool
	pending  FrameHeader
}

// NewFramer creates a Framer delivering products to sink.
func NewFramer(sink Sink, log *slog.Logger) *Framer {
	if log == nil {
		log = slog.Default()
	}
	return &Framer{
		log:   log.With("component", "framer"),
		sink:  sink,
		state: stateCodecMeta,
	}
}

// VideoSize returns the coded dimensions from the metadata block, or the
// protocol defaults if it has not arrived yet.
func (f *Framer) VideoSize() (width, height uint32) {
	if !f.haveMeta {
		return DefaultWidth, DefaultHeight
	}
	return f.meta.Width, f.meta.Height
}

// Meta returns the parsed codec metadata and whether it has arrived.
func (f *Framer) Meta() (CodecMeta, bool) {
	return f.meta, f.haveMeta
}

// Buffered returns the number of unconsumed bytes held across calls.
func (f *Framer) Buffered() int {
	return f.acc.len()
}

// Feed appends chunk to the internal buffer and runs the state machine
// until it either exhausts the buffer or needs more bytes than are
// available. Partial data is retained verbatim for the next call.
//
// A parse failure discards all buffered bytes and forces the state back to
// frame-header (never codec-meta; metadata is trusted once parsed) so the
// stream can resynchronize on the next well-formed header. The failure is
// returned as a *FramingError.
func (f *Framer) Feed(chunk []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &FramingError{State: f.state.String(), Err: fmt.Errorf("panic: %v", r)}
			f.log.Warn("framer panic, dropping buffered bytes", "state", f.state.String(), "panic", r)
			f.acc.clear()
			f.pending = FrameHeader{}
			f.state = stateFrameHeader
		}
	}()

	f.acc.append(chunk)
	buf := f.acc.bytes()
	offset := 0

	for {
		switch f.state {
		case stateCodecMeta:
			if len(buf)-offset < codecMetaSize {
				f.acc.consumeLeaving(offset)
				return nil
			}
			f.meta = CodecMeta{
				CodecID: binary.BigEndian.Uint32(buf[offset : offset+4]),
				Width:   binary.BigEndian.Uint32(buf[offset+4 : offset+8]),
				Height:  binary.BigEndian.Uint32(buf[offset+8 : offset+12]),
			}
			f.haveMeta = true
			offset += codecMetaSize
			f.state = stateFrameHeader
			f.log.Info("codec metadata",
				"codecId", f.meta.CodecID,
				"width", f.meta.Width,
				"height", f.meta.Height)
			f.sink.OnCodecMeta(f.meta)

		case stateFrameHeader:
			if len(buf)-offset < frameHeaderSize {
				f.acc.consumeLeaving(offset)
				return nil
			}
			f.pending = parseFrameHeader(buf[offset : offset+frameHeaderSize])
			offset += frameHeaderSize
			if f.pending.PacketSize == 0 {
				// Heartbeat frame: header with no payload.
				f.pending = FrameHeader{}
				continue
			}
			f.state = stateFrameData

		case stateFrameData:
			need := int(f.pending.PacketSize)
			if len(buf)-offset < need {
				f.acc.consumeLeaving(offset)
				return nil
			}
			hdr := f.pending
			payload := buf[offset : offset+need]
			offset += need
			f.pending = FrameHeader{}
			f.state = stateFrameHeader
			f.sink.OnFramePayload(hdr, payload)
		}
	}
}

// parseFrameHeader decodes the 12-byte frame header. The flag byte is the
// eighth header byte: 0x80 marks a config packet, 0x40 a key frame. The PTS
// is 62 bits: the first seven bytes big-endian, then the low six bits of
// the flag byte.
func parseFrameHeader(hdr []byte) FrameHeader {
	var pts uint64
	for i := 0; i < 7; i++ {
		pts = pts<<8 | uint64(hdr[i])
	}
	pts = pts<<6 | uint64(hdr[7]&0x3F)

	return FrameHeader{
		IsConfig:   hdr[7]&0x80 != 0,
		IsKeyFrame: hdr[7]&0x40 != 0,
		PTS:        pts,
		PacketSize: parsePacketSize(hdr[8:12]),
	}
}

// parsePacketSize resolves the ambiguously-endianed size field: the
// big-endian reading wins when it falls in (0, 10_000_000), otherwise the
// little-endian reading is used. Senders have been observed emitting both.
func parsePacketSize(b []byte) uint32 {
	be := binary.BigEndian.Uint32(b)
	if be > 0 && be < maxSanePacketSize {
		return be
	}
	return binary.LittleEndian.Uint32(b)
}
