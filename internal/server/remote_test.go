package server

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/mbodnar/glimpse/internal/decode"
	"github.com/mbodnar/glimpse/internal/pipeline"
)

func TestRemoteDecoderLifecycle(t *testing.T) {
	t.Parallel()

	relay := NewRelay(nil)
	v := &fakeViewer{id: "v"}
	relay.AddViewer(v)
	dec := NewRemoteDecoder(relay)

	if dec.Readiness() != decode.Unconfigured {
		t.Fatalf("initial readiness = %s", dec.Readiness())
	}
	if err := dec.Submit(decode.Frame{Type: decode.FrameKey}); !errors.Is(err, decode.ErrClosed) {
		t.Fatalf("submit before configure: %v", err)
	}

	cfg := decode.Config{Codec: "avc1.64001f", CodedWidth: 1080, CodedHeight: 1920}
	if err := dec.Configure(cfg); err != nil {
		t.Fatal(err)
	}
	if dec.Readiness() != decode.Configured {
		t.Errorf("readiness after configure = %s", dec.Readiness())
	}
	if len(v.configs) != 1 || v.configs[0].Codec != "avc1.64001f" {
		t.Errorf("viewer configs = %+v", v.configs)
	}

	err := dec.Submit(decode.Frame{
		Type:            decode.FrameKey,
		TimestampMicros: 0,
		Payload:         []byte{0, 0, 0, 1, 0x65, 0x88},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(v.frames) != 1 || !v.frames[0].Key {
		t.Fatalf("viewer frames = %+v", v.frames)
	}

	if err := dec.Close(); err != nil {
		t.Fatal(err)
	}
	if dec.Readiness() != decode.Unconfigured {
		t.Errorf("readiness after close = %s", dec.Readiness())
	}

	// Close must clear the GOP cache so a late joiner gets nothing stale.
	late := &fakeViewer{id: "late"}
	relay.AddViewer(late)
	if len(late.frames) != 0 {
		t.Errorf("stale frames replayed after close: %d", len(late.frames))
	}
}

func TestRemoteDecoderReconfigure(t *testing.T) {
	t.Parallel()

	relay := NewRelay(nil)
	dec := NewRemoteDecoder(relay)

	if err := dec.Configure(decode.Config{Codec: "avc1.64001f"}); err != nil {
		t.Fatal(err)
	}
	if err := dec.Close(); err != nil {
		t.Fatal(err)
	}
	if err := dec.Configure(decode.Config{Codec: "avc1.640028"}); err != nil {
		t.Fatal(err)
	}
	if cfg, ok := relay.Config(); !ok || cfg.Codec != "avc1.640028" {
		t.Errorf("relay config = %+v ok=%v", cfg, ok)
	}
}

func TestRemoteDecoderAcceptsFramesWithoutViewers(t *testing.T) {
	t.Parallel()

	relay := NewRelay(nil)
	dec := NewRemoteDecoder(relay)
	if err := dec.Configure(decode.Config{Codec: "avc1.64001f"}); err != nil {
		t.Fatal(err)
	}
	if err := dec.Submit(decode.Frame{Type: decode.FrameKey, Payload: []byte{0, 0, 0, 1, 0x65}}); err != nil {
		t.Fatalf("submit with zero viewers: %v", err)
	}

	// The frame lands in the GOP cache for the first viewer to join.
	v := &fakeViewer{id: "v"}
	relay.AddViewer(v)
	if len(v.frames) != 1 {
		t.Errorf("replayed %d frames, want 1", len(v.frames))
	}
}

func TestSubmitCopiesPayload(t *testing.T) {
	t.Parallel()

	relay := NewRelay(nil)
	dec := NewRemoteDecoder(relay)
	if err := dec.Configure(decode.Config{Codec: "avc1.64001f"}); err != nil {
		t.Fatal(err)
	}

	// Submitters reuse their scan buffer between frames; the GOP cache
	// must not see the reuse.
	buf := []byte{0, 0, 0, 1, 0x65, 0x11, 0x11}
	if err := dec.Submit(decode.Frame{Type: decode.FrameKey, Payload: buf}); err != nil {
		t.Fatal(err)
	}
	copy(buf, []byte{0, 0, 0, 1, 0x41, 0x22, 0x22})
	if err := dec.Submit(decode.Frame{Type: decode.FrameDelta, TimestampMicros: 33333, Payload: buf}); err != nil {
		t.Fatal(err)
	}

	late := &fakeViewer{id: "late"}
	relay.AddViewer(late)
	if len(late.frames) != 2 {
		t.Fatalf("replayed %d frames, want 2", len(late.frames))
	}
	if got := late.frames[0].Data; !bytes.Equal(got, []byte{0, 0, 0, 1, 0x65, 0x11, 0x11}) {
		t.Errorf("replayed key frame = % x, want the bytes as submitted", got)
	}
	if got := late.frames[1].Data; !bytes.Equal(got, []byte{0, 0, 0, 1, 0x41, 0x22, 0x22}) {
		t.Errorf("replayed delta frame = % x", got)
	}
}

func streamMeta(codecID, width, height uint32) []byte {
	b := make([]byte, 12)
	binary.BigEndian.PutUint32(b[0:4], codecID)
	binary.BigEndian.PutUint32(b[4:8], width)
	binary.BigEndian.PutUint32(b[8:12], height)
	return b
}

func streamFramed(key bool, payload []byte) []byte {
	b := make([]byte, 12, 12+len(payload))
	if key {
		b[7] |= 0x40
	}
	binary.BigEndian.PutUint32(b[8:12], uint32(len(payload)))
	return append(b, payload...)
}

// TestLateJoinerReplayMatchesLive drives the full production wiring, where
// submitted payloads alias the scanner's carry-over buffer. A viewer that
// joins after several broadcasts must get the same bytes the live viewers
// got, not whatever the buffer holds by then.
func TestLateJoinerReplayMatchesLive(t *testing.T) {
	t.Parallel()

	relay := NewRelay(nil)
	live := &fakeViewer{id: "live"}
	relay.AddViewer(live)
	pipe := pipeline.New(NewRemoteDecoder(relay))

	sps := []byte{0, 0, 0, 1, 0x67, 0x64, 0x00, 0x1F}
	pps := []byte{0, 0, 0, 1, 0x68, 0xCE}
	idr := []byte{0, 0, 0, 1, 0x65, 0x88}
	slice1 := []byte{0, 0, 0, 1, 0x41, 0x11, 0x11, 0x11}
	slice2 := []byte{0, 0, 0, 1, 0x41, 0x22, 0x22, 0x22}

	pipe.Feed(streamMeta(7, 1080, 1920))
	first := append(append(append([]byte(nil), sps...), pps...), idr...)
	pipe.Feed(streamFramed(true, first))
	pipe.Feed(streamFramed(false, slice1))
	pipe.Feed(streamFramed(false, slice2))

	late := &fakeViewer{id: "late"}
	relay.AddViewer(late)
	if len(late.frames) == 0 {
		t.Fatal("no frames replayed")
	}
	if !late.frames[0].Key || !bytes.Contains(late.frames[0].Data, idr) {
		t.Errorf("replay frame 0 = % x, want a key frame containing the IDR", late.frames[0].Data)
	}

	if len(late.frames) != len(live.frames)-1 {
		t.Fatalf("replayed %d frames, live viewer got %d; replay should cover the current GOP",
			len(late.frames), len(live.frames))
	}
	for i, f := range late.frames {
		want := live.frames[i+1].Data
		if !bytes.Equal(f.Data, want) {
			t.Errorf("replay frame %d = % x, want % x as broadcast live", i, f.Data, want)
		}
	}
	sawSlice1 := false
	for _, f := range late.frames {
		if bytes.Contains(f.Data, slice1) {
			sawSlice1 = true
		}
	}
	if !sawSlice1 {
		t.Error("replay never delivered the first delta slice intact")
	}
}
