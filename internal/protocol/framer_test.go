package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

type recordingSink struct {
	metas    []CodecMeta
	headers  []FrameHeader
	payloads [][]byte
	panicOn  int // panic on the nth payload (1-based), 0 disables
}

func (r *recordingSink) OnCodecMeta(meta CodecMeta) {
	r.metas = append(r.metas, meta)
}

func (r *recordingSink) OnFramePayload(hdr FrameHeader, payload []byte) {
	if r.panicOn > 0 && len(r.payloads)+1 == r.panicOn {
		panic("sink exploded")
	}
	r.headers = append(r.headers, hdr)
	r.payloads = append(r.payloads, append([]byte(nil), payload...))
}

func codecMetaBytes(codecID, width, height uint32) []byte {
	b := make([]byte, 12)
	binary.BigEndian.PutUint32(b[0:4], codecID)
	binary.BigEndian.PutUint32(b[4:8], width)
	binary.BigEndian.PutUint32(b[8:12], height)
	return b
}

func frameHeaderBytes(config, key bool, pts uint64, size uint32) []byte {
	b := make([]byte, 12)
	// Bytes 0-6 carry the high 56 bits of the 62-bit PTS; byte 7 holds
	// the flags plus the low 6 bits.
	hi := pts >> 6
	for i := 6; i >= 0; i-- {
		b[i] = byte(hi)
		hi >>= 8
	}
	b[7] = byte(pts & 0x3F)
	if config {
		b[7] |= 0x80
	}
	if key {
		b[7] |= 0x40
	}
	binary.BigEndian.PutUint32(b[8:12], size)
	return b
}

func buildStream(payloads ...[]byte) []byte {
	stream := codecMetaBytes(7, 1080, 1920)
	for _, p := range payloads {
		stream = append(stream, frameHeaderBytes(false, false, 0, uint32(len(p)))...)
		stream = append(stream, p...)
	}
	return stream
}

func TestFramerSingleFeed(t *testing.T) {
	t.Parallel()
	sink := &recordingSink{}
	f := NewFramer(sink, nil)

	payload := []byte{0, 0, 0, 1, 0x65, 0x88, 0x84}
	if err := f.Feed(buildStream(payload)); err != nil {
		t.Fatalf("feed: %v", err)
	}

	if len(sink.metas) != 1 {
		t.Fatalf("metas = %d, want 1", len(sink.metas))
	}
	m := sink.metas[0]
	if m.CodecID != 7 || m.Width != 1080 || m.Height != 1920 {
		t.Errorf("meta = %+v", m)
	}
	if len(sink.payloads) != 1 || !bytes.Equal(sink.payloads[0], payload) {
		t.Fatalf("payloads = %v", sink.payloads)
	}
	if f.Buffered() != 0 {
		t.Errorf("buffered = %d after full consume", f.Buffered())
	}
}

func TestFramerByteAtATime(t *testing.T) {
	t.Parallel()
	p1 := []byte{0, 0, 0, 1, 0x67, 0x64, 0x00, 0x1F}
	p2 := []byte{0, 0, 0, 1, 0x65, 0x88}
	stream := buildStream(p1, p2)

	whole := &recordingSink{}
	f1 := NewFramer(whole, nil)
	if err := f1.Feed(stream); err != nil {
		t.Fatalf("whole feed: %v", err)
	}

	frag := &recordingSink{}
	f2 := NewFramer(frag, nil)
	for i := range stream {
		if err := f2.Feed(stream[i : i+1]); err != nil {
			t.Fatalf("fragmented feed at byte %d: %v", i, err)
		}
	}

	if len(whole.payloads) != len(frag.payloads) {
		t.Fatalf("payload counts differ: %d vs %d", len(whole.payloads), len(frag.payloads))
	}
	for i := range whole.payloads {
		if !bytes.Equal(whole.payloads[i], frag.payloads[i]) {
			t.Errorf("payload %d differs: %x vs %x", i, whole.payloads[i], frag.payloads[i])
		}
	}
	if len(frag.metas) != 1 {
		t.Errorf("fragmented metas = %d", len(frag.metas))
	}
}

func TestFramerSuspendRetainsBytes(t *testing.T) {
	t.Parallel()
	sink := &recordingSink{}
	f := NewFramer(sink, nil)

	stream := buildStream([]byte{0, 0, 0, 1, 0x65})
	split := 12 + 5 // mid frame header
	if err := f.Feed(stream[:split]); err != nil {
		t.Fatalf("first feed: %v", err)
	}
	if len(sink.payloads) != 0 {
		t.Fatal("no payload should be emitted before the header completes")
	}
	if err := f.Feed(stream[split:]); err != nil {
		t.Fatalf("second feed: %v", err)
	}
	if len(sink.payloads) != 1 {
		t.Fatalf("payloads = %d, want 1", len(sink.payloads))
	}
}

func TestFramerHeartbeat(t *testing.T) {
	t.Parallel()
	sink := &recordingSink{}
	f := NewFramer(sink, nil)

	stream := codecMetaBytes(7, 320, 240)
	stream = append(stream, frameHeaderBytes(false, false, 42, 0)...) // empty frame
	payload := []byte{0, 0, 0, 1, 0x41, 0x9A}
	stream = append(stream, frameHeaderBytes(false, false, 43, uint32(len(payload)))...)
	stream = append(stream, payload...)

	if err := f.Feed(stream); err != nil {
		t.Fatalf("feed: %v", err)
	}
	if len(sink.payloads) != 1 {
		t.Fatalf("heartbeat must not produce a payload: got %d", len(sink.payloads))
	}
	if !bytes.Equal(sink.payloads[0], payload) {
		t.Errorf("payload = %x", sink.payloads[0])
	}
}

func TestFrameHeaderFlagsAndPTS(t *testing.T) {
	t.Parallel()
	hdr := parseFrameHeader(frameHeaderBytes(true, true, 0x123456789A, 100))
	if !hdr.IsConfig || !hdr.IsKeyFrame {
		t.Errorf("flags = config:%v key:%v", hdr.IsConfig, hdr.IsKeyFrame)
	}
	if hdr.PTS != 0x123456789A {
		t.Errorf("pts = %#x, want %#x", hdr.PTS, uint64(0x123456789A))
	}
	if hdr.PacketSize != 100 {
		t.Errorf("packetSize = %d", hdr.PacketSize)
	}
}

func TestPacketSizeEndianHeuristic(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		b    []byte
		want uint32
	}{
		{"big-endian in range", []byte{0x00, 0x00, 0x00, 0x14}, 20},
		{"big-endian out of range, fall back to little", []byte{0x14, 0x00, 0x00, 0x00}, 20},
		{"zero stays zero", []byte{0x00, 0x00, 0x00, 0x00}, 0},
		{"big-endian just under cap", []byte{0x00, 0x98, 0x96, 0x7F}, 9999999},
	}
	for _, tc := range cases {
		if got := parsePacketSize(tc.b); got != tc.want {
			t.Errorf("%s: got %d, want %d", tc.name, got, tc.want)
		}
	}
}

func TestFramerRecoversFromSinkPanic(t *testing.T) {
	t.Parallel()
	sink := &recordingSink{panicOn: 1}
	f := NewFramer(sink, nil)

	err := f.Feed(buildStream([]byte{0, 0, 0, 1, 0x65}))
	var fe *FramingError
	if !errors.As(err, &fe) {
		t.Fatalf("expected *FramingError, got %v", err)
	}
	if f.Buffered() != 0 {
		t.Errorf("buffered bytes must be dropped on failure, got %d", f.Buffered())
	}

	// The framer must resynchronize on the next well-formed header without
	// re-reading codec metadata.
	sink.panicOn = 0
	payload := []byte{0, 0, 0, 1, 0x41, 0x9A}
	next := frameHeaderBytes(false, false, 1, uint32(len(payload)))
	next = append(next, payload...)
	if err := f.Feed(next); err != nil {
		t.Fatalf("feed after recovery: %v", err)
	}
	if len(sink.payloads) != 1 {
		t.Fatalf("payloads after recovery = %d, want 1", len(sink.payloads))
	}
	if len(sink.metas) != 1 {
		t.Errorf("metas = %d, codec metadata must not be re-parsed", len(sink.metas))
	}
}

func TestFramerVideoSizeDefaults(t *testing.T) {
	t.Parallel()
	f := NewFramer(&recordingSink{}, nil)
	if w, h := f.VideoSize(); w != DefaultWidth || h != DefaultHeight {
		t.Errorf("defaults = %dx%d", w, h)
	}
	if err := f.Feed(codecMetaBytes(7, 720, 1280)); err != nil {
		t.Fatalf("feed: %v", err)
	}
	if w, h := f.VideoSize(); w != 720 || h != 1280 {
		t.Errorf("after meta = %dx%d", w, h)
	}
}

func FuzzFramerFeed(f *testing.F) {
	f.Add([]byte{})
	f.Add(codecMetaBytes(7, 1080, 1920))
	f.Add(buildStream([]byte{0, 0, 0, 1, 0x65, 0x88}))
	f.Fuzz(func(t *testing.T, data []byte) {
		fr := NewFramer(&recordingSink{}, nil)
		// Feed in two chunks to exercise suspend paths. Errors are fine;
		// panics escaping Feed are not.
		mid := len(data) / 2
		_ = fr.Feed(data[:mid])
		_ = fr.Feed(data[mid:])
	})
}
