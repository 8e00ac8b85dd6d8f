// Package pipeline turns the raw scrcpy video byte stream into gated
// coded-frame submissions to an external H.264 decoder. It owns the stream
// framer, the Annex B scanner, the cached parameter sets, and the decoder
// readiness state machine: frames are only forwarded once the decoder is
// configured from SPS/PPS and a key frame is in hand, and repeated decode
// failures trigger a soft reset that re-gates on the next key frame.
package pipeline

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/mbodnar/glimpse/internal/annexb"
	"github.com/mbodnar/glimpse/internal/decode"
	"github.com/mbodnar/glimpse/internal/protocol"
)

// errorResetThreshold is the number of consecutive decode-output failures
// that triggers a soft reset of the decoder configuration.
const errorResetThreshold = 5

// frameIntervalMicros is the synthetic timestamp step between submitted
// frames (~30 fps). The wire PTS is not reused for decoder submission.
const frameIntervalMicros = 33333

// ErrSPSTooShort mirrors the annexb sentinel for callers that only import
// this package.
var ErrSPSTooShort = annexb.ErrSPSTooShort

// PictureEvent is delivered to the picture callback once per successfully
// decoded picture, together with a stats snapshot taken at delivery time.
type PictureEvent struct {
	Width  uint32
	Height uint32
	Stats  Stats
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithPictureHandler sets the callback invoked per decoded picture.
func WithPictureHandler(fn func(PictureEvent)) Option {
	return func(p *Pipeline) { p.onPicture = fn }
}

// WithErrorHandler sets the callback invoked on any recoverable failure.
func WithErrorHandler(fn func(error)) Option {
	return func(p *Pipeline) { p.onError = fn }
}

// WithLogger sets the pipeline's logger.
func WithLogger(log *slog.Logger) Option {
	return func(p *Pipeline) { p.log = log }
}

// Pipeline is the single-owner core: exactly one instance per stream, fed
// from one goroutine. The mutex exists only because the decoder's output
// callbacks and the stats API may arrive on other goroutines; the hot path
// has no internal concurrency.
type Pipeline struct {
	mu  sync.Mutex
	log *slog.Logger

	framer  *protocol.Framer
	scanner *annexb.Scanner
	dec     decode.Decoder

	// Cached parameter sets, start-code-inclusive. Both must be present
	// before a configuration attempt.
	sps []byte
	pps []byte

	configured        bool
	needsKeyFrame     bool
	keyFrameSeen      bool
	anyForwarded      bool
	frameIndex        uint64
	consecutiveErrors uint32
	lastPicture       *decode.Picture

	stats     Stats
	onPicture func(PictureEvent)
	onError   func(error)
	destroyed bool
}

// New creates a Pipeline submitting to dec.
func New(dec decode.Decoder, opts ...Option) *Pipeline {
	p := &Pipeline{
		dec:           dec,
		needsKeyFrame: true,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.log == nil {
		p.log = slog.Default()
	}
	p.log = p.log.With("component", "pipeline")
	p.framer = protocol.NewFramer(p, p.log)
	p.scanner = annexb.NewScanner(p.log)
	return p
}

// Feed pushes a chunk of raw socket bytes through the framer. Short chunks
// park the state machine; framing failures drop buffered bytes and are
// reported through the error callback, never returned as fatal.
func (p *Pipeline) Feed(chunk []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.destroyed {
		return
	}
	p.stats.TotalBytes += uint64(len(chunk))
	if err := p.framer.Feed(chunk); err != nil {
		p.stats.DecodeErrors++
		p.reportError(err)
	}
}

// OnCodecMeta implements protocol.Sink. The framer already retains the
// dimensions; nothing else reacts until parameter sets arrive.
func (p *Pipeline) OnCodecMeta(meta protocol.CodecMeta) {
	p.log.Info("stream metadata", "codecId", meta.CodecID, "width", meta.Width, "height", meta.Height)
}

// OnFramePayload implements protocol.Sink: one call per framed payload,
// holding one or more Annex B NAL units.
func (p *Pipeline) OnFramePayload(hdr protocol.FrameHeader, payload []byte) {
	p.stats.TotalPackets++
	p.scanner.Scan(payload, p.processNAL)
	p.stats.GarbageBytesSkipped = p.scanner.GarbageSkipped()
}

func (p *Pipeline) processNAL(u annexb.NALUnit) {
	switch u.Type {
	case annexb.NALTypeSPS:
		p.sps = append(p.sps[:0], u.Data...)
		p.stats.SPSCount++
		p.maybeConfigure()
	case annexb.NALTypePPS:
		p.pps = append(p.pps[:0], u.Data...)
		p.stats.PPSCount++
		p.maybeConfigure()
	case annexb.NALTypeIDR:
		p.stats.IDRCount++
		p.keyFrameSeen = true
		p.maybeConfigure()
	case annexb.NALTypeSlice:
		p.stats.PFrameCount++
	}

	p.dispatch(u)
}

// maybeConfigure attempts decoder configuration whenever parameter sets
// update or a key frame arrives. It is a no-op unless both SPS and PPS are
// cached, the pipeline is unconfigured, and the decoder reports itself
// unconfigured.
func (p *Pipeline) maybeConfigure() {
	if p.configured || len(p.sps) == 0 || len(p.pps) == 0 {
		return
	}
	if p.dec.Readiness() != decode.Unconfigured {
		return
	}

	codec, err := annexb.CodecString(annexb.StripStartCode(p.sps))
	if err != nil {
		p.reportError(fmt.Errorf("pipeline: configure: %w", err))
		return
	}

	// Prefer the dimensions of a picture the decoder has actually
	// produced; fall back to the wire metadata.
	width, height := p.framer.VideoSize()
	if p.lastPicture != nil {
		width, height = p.lastPicture.Width, p.lastPicture.Height
	}

	cfg := decode.Config{Codec: codec, CodedWidth: width, CodedHeight: height}
	if err := p.dec.Configure(cfg); err != nil {
		p.reportError(fmt.Errorf("pipeline: decoder rejected config %s: %w", codec, err))
		return
	}

	p.configured = true
	p.needsKeyFrame = true
	p.log.Info("decoder configured", "codec", codec, "width", width, "height", height)
}

// dispatch applies key-frame gating and forwards codable slices to the
// decoder. Only a key frame may be the first submission after
// (re)configuration, regardless of configured state.
func (p *Pipeline) dispatch(u annexb.NALUnit) {
	if p.needsKeyFrame && !u.IsKeyframe() {
		if u.Type >= annexb.NALTypeSlice && u.Type <= annexb.NALTypeIDR {
			p.stats.DroppedFrames++
		}
		return
	}
	if !p.configured || u.Type < annexb.NALTypeSlice || u.Type > annexb.NALTypeIDR {
		return
	}

	payload := u.Data
	if !p.anyForwarded && u.IsKeyframe() && len(p.sps) > 0 && len(p.pps) > 0 {
		// In-band parameter sets on the very first access unit, for
		// decoders that will not accept out-of-band configuration.
		payload = make([]byte, 0, len(p.sps)+len(p.pps)+len(u.Data))
		payload = append(payload, p.sps...)
		payload = append(payload, p.pps...)
		payload = append(payload, u.Data...)
	}

	frameType := decode.FrameDelta
	if u.IsKeyframe() {
		frameType = decode.FrameKey
	}
	frame := decode.Frame{
		Type:            frameType,
		TimestampMicros: p.frameIndex * frameIntervalMicros,
		Payload:         payload,
	}

	if err := p.dec.Submit(frame); err != nil {
		p.stats.DecodeErrors++
		if errors.Is(err, decode.ErrKeyframeRequired) {
			p.needsKeyFrame = true
		}
		p.reportError(fmt.Errorf("pipeline: submit %s frame: %w", frameType, err))
		return
	}

	p.frameIndex++
	p.anyForwarded = true
	if u.IsKeyframe() {
		p.needsKeyFrame = false
	}
}

// HandlePicture implements decode.OutputHandler: one successfully decoded
// picture. Resets the consecutive-error counter.
func (p *Pipeline) HandlePicture(pic decode.Picture) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.destroyed {
		return
	}
	p.consecutiveErrors = 0
	p.stats.DecodedFrames++
	p.lastPicture = &pic
	if p.onPicture != nil {
		p.onPicture(PictureEvent{Width: pic.Width, Height: pic.Height, Stats: p.stats})
	}
}

// HandleDecodeFailure implements decode.OutputHandler: the decoder failed
// on a frame it had accepted. Past the threshold of consecutive failures
// the decoder configuration is torn down; parsing state is kept so the
// next key frame on the wire resumes playback.
func (p *Pipeline) HandleDecodeFailure(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.destroyed {
		return
	}
	p.stats.DecodeErrors++
	p.stats.DroppedFrames++
	p.consecutiveErrors++
	p.reportError(fmt.Errorf("pipeline: decode failure (%d consecutive): %w", p.consecutiveErrors, err))

	if p.consecutiveErrors >= errorResetThreshold {
		p.log.Warn("decode failure threshold reached, resetting decoder", "consecutive", p.consecutiveErrors)
		p.resetLocked()
	}
}

// resetLocked drops decoder configuration and cached parameter sets and
// re-gates on a fresh key frame. The framer and the Annex B carry-over
// buffer are intentionally untouched, so parsing continues across the reset.
func (p *Pipeline) resetLocked() {
	if p.dec.Readiness() == decode.Configured {
		if err := p.dec.Close(); err != nil {
			p.log.Warn("closing decoder during reset", "error", err)
		}
	}
	p.configured = false
	p.needsKeyFrame = true
	p.keyFrameSeen = false
	p.sps = nil
	p.pps = nil
	p.consecutiveErrors = 0
}

// State is a point-in-time view of the decoder gating machine, exposed for
// the debug API.
type State struct {
	Configured        bool   `json:"configured"`
	NeedsKeyFrame     bool   `json:"needsKeyFrame"`
	KeyFrameSeen      bool   `json:"keyFrameSeen"`
	ConsecutiveErrors uint32 `json:"consecutiveErrors"`
}

// DecoderState returns the current gating state.
func (p *Pipeline) DecoderState() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return State{
		Configured:        p.configured,
		NeedsKeyFrame:     p.needsKeyFrame,
		KeyFrameSeen:      p.keyFrameSeen,
		ConsecutiveErrors: p.consecutiveErrors,
	}
}

// Stats returns a copy of the counters.
func (p *Pipeline) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// VideoSize returns the most recently parsed coded dimensions, or the
// protocol defaults before metadata arrives.
func (p *Pipeline) VideoSize() (width, height uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.framer.VideoSize()
}

// Destroy releases the decoder, drops all buffers, and clears callbacks.
// Statistics are frozen for inspection; subsequent Feed calls are no-ops.
func (p *Pipeline) Destroy() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.destroyed {
		return
	}
	p.destroyed = true
	if p.dec.Readiness() == decode.Configured {
		if err := p.dec.Close(); err != nil {
			p.log.Warn("closing decoder during destroy", "error", err)
		}
	}
	p.scanner.Reset()
	p.sps = nil
	p.pps = nil
	p.onPicture = nil
	p.onError = nil
}

func (p *Pipeline) reportError(err error) {
	p.log.Warn("pipeline error", "error", err)
	if p.onError != nil {
		p.onError(err)
	}
}
