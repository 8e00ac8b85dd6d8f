// Package server exposes the mirrored device stream to browser viewers:
// a gin HTTP API, gorilla/websocket viewer sessions driving WebCodecs
// decoders, and a relay hub fanning coded frames out to every session.
// Decoding happens in the viewer; sessions report decode results back and
// the server feeds them into the pipeline's output handler.
package server

import (
	"log/slog"
	"sync"
)

// VideoConfig is the decoder configuration announced to viewers before any
// frame. It mirrors the WebCodecs VideoDecoderConfig fields.
type VideoConfig struct {
	Codec       string `json:"codec"`
	CodedWidth  uint32 `json:"codedWidth"`
	CodedHeight uint32 `json:"codedHeight"`
}

// VideoFrame is one coded frame on its way to viewers.
type VideoFrame struct {
	Key             bool
	TimestampMicros uint64
	Data            []byte
}

// ViewerStats captures per-session delivery metrics for the stats API.
type ViewerStats struct {
	ID            string `json:"id"`
	FramesSent    uint64 `json:"framesSent"`
	FramesDropped uint64 `json:"framesDropped"`
	BytesSent     uint64 `json:"bytesSent"`
}

// Viewer is a single connected session receiving config and frames.
type Viewer interface {
	ID() string
	SendConfig(cfg VideoConfig)
	SendFrame(frame *VideoFrame)
	Stats() ViewerStats
}

// Relay is the fan-out hub for the stream. It remembers the current decoder
// config and caches the current GOP so late-joining viewers get decodable
// content immediately instead of waiting for the next key frame.
type Relay struct {
	log *slog.Logger

	mu        sync.RWMutex
	sessions  map[string]Viewer
	config    VideoConfig
	configSet bool

	gopMu    sync.RWMutex
	gopCache []*VideoFrame
}

// NewRelay creates a Relay with no viewers.
func NewRelay(log *slog.Logger) *Relay {
	if log == nil {
		log = slog.Default()
	}
	return &Relay{
		log:      log.With("component", "relay"),
		sessions: make(map[string]Viewer),
	}
}

// SetConfig stores the decoder configuration and announces it to connected
// viewers. Reconfiguration after a decoder reset replaces the stored value.
func (r *Relay) SetConfig(cfg VideoConfig) {
	r.mu.Lock()
	r.config = cfg
	r.configSet = true
	sessions := snapshot(r.sessions)
	r.mu.Unlock()

	r.log.Info("decoder config announced", "codec", cfg.Codec, "width", cfg.CodedWidth, "height", cfg.CodedHeight)
	for _, s := range sessions {
		s.SendConfig(cfg)
	}
}

// Config returns the current decoder configuration and whether one has
// been announced yet.
func (r *Relay) Config() (VideoConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.config, r.configSet
}

// AddViewer replays the stored config and the cached GOP to the viewer,
// then registers it for live delivery. Replay happens before registration
// so Broadcast cannot interleave live frames into the replay.
func (r *Relay) AddViewer(session Viewer) {
	r.mu.RLock()
	cfg, ok := r.config, r.configSet
	r.mu.RUnlock()
	if ok {
		session.SendConfig(cfg)
	}
	r.replayGOP(session)

	r.mu.Lock()
	r.sessions[session.ID()] = session
	r.mu.Unlock()

	r.log.Info("viewer added", "session", session.ID(), "viewers", r.ViewerCount())
}

// RemoveViewer unregisters a viewer by ID.
func (r *Relay) RemoveViewer(id string) {
	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()

	r.log.Info("viewer removed", "session", id, "viewers", r.ViewerCount())
}

// Broadcast sends a frame to all connected viewers and updates the GOP
// cache: a key frame restarts the cache, deltas extend it.
func (r *Relay) Broadcast(frame *VideoFrame) {
	r.gopMu.Lock()
	if frame.Key {
		r.gopCache = r.gopCache[:0]
	}
	r.gopCache = append(r.gopCache, frame)
	r.gopMu.Unlock()

	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, session := range r.sessions {
		session.SendFrame(frame)
	}
}

func (r *Relay) replayGOP(session Viewer) {
	r.gopMu.RLock()
	defer r.gopMu.RUnlock()
	for _, frame := range r.gopCache {
		session.SendFrame(frame)
	}
}

// ClearGOP drops the cached frames. Called when the decoder configuration
// is torn down so stale pre-reset frames are never replayed.
func (r *Relay) ClearGOP() {
	r.gopMu.Lock()
	r.gopCache = r.gopCache[:0]
	r.gopMu.Unlock()
}

// ViewerCount returns the number of currently connected viewers.
func (r *Relay) ViewerCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// ViewerStatsAll returns delivery metrics for every connected viewer.
func (r *Relay) ViewerStatsAll() []ViewerStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	stats := make([]ViewerStats, 0, len(r.sessions))
	for _, s := range r.sessions {
		stats = append(stats, s.Stats())
	}
	return stats
}

func snapshot(m map[string]Viewer) []Viewer {
	out := make([]Viewer, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}
	return out
}
