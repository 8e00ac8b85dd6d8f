package server

import (
	"sync"

	"github.com/mbodnar/glimpse/internal/decode"
)

// RemoteDecoder satisfies decode.Decoder by shipping configuration and
// frames to browser-side WebCodecs decoders through the relay. It never
// calls back into the pipeline itself: decode results arrive
// asynchronously from viewer sessions, which invoke the pipeline's output
// handler directly.
type RemoteDecoder struct {
	relay *Relay

	mu        sync.Mutex
	readiness decode.Readiness
}

var _ decode.Decoder = (*RemoteDecoder)(nil)

// NewRemoteDecoder creates a RemoteDecoder broadcasting through relay.
func NewRemoteDecoder(relay *Relay) *RemoteDecoder {
	return &RemoteDecoder{relay: relay, readiness: decode.Unconfigured}
}

// Configure announces the decoder configuration to all viewers.
func (d *RemoteDecoder) Configure(cfg decode.Config) error {
	d.mu.Lock()
	d.readiness = decode.Configured
	d.mu.Unlock()

	d.relay.SetConfig(VideoConfig{
		Codec:       cfg.Codec,
		CodedWidth:  cfg.CodedWidth,
		CodedHeight: cfg.CodedHeight,
	})
	return nil
}

// Submit fans the frame out to all viewers. A frame is accepted even with
// zero viewers: the GOP cache keeps it for the next one to join.
func (d *RemoteDecoder) Submit(frame decode.Frame) error {
	d.mu.Lock()
	ready := d.readiness
	d.mu.Unlock()
	if ready != decode.Configured {
		return decode.ErrClosed
	}

	// The payload usually aliases the submitter's scan buffer, which is
	// rewritten on the next scan. The GOP cache outlives that, so copy.
	data := make([]byte, len(frame.Payload))
	copy(data, frame.Payload)

	d.relay.Broadcast(&VideoFrame{
		Key:             frame.Type == decode.FrameKey,
		TimestampMicros: frame.TimestampMicros,
		Data:            data,
	})
	return nil
}

// Readiness reports the broadcast-side configuration state.
func (d *RemoteDecoder) Readiness() decode.Readiness {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.readiness
}

// Close drops the configuration and the cached GOP. Viewers are told to
// tear down their decoders; the next Configure rebuilds them.
func (d *RemoteDecoder) Close() error {
	d.mu.Lock()
	d.readiness = decode.Unconfigured
	d.mu.Unlock()

	d.relay.ClearGOP()
	return nil
}
