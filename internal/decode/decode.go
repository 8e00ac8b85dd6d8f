// Package decode defines the capability contract for the external H.264
// decoder. The pipeline drives a [Decoder] with configuration and coded
// frame submissions; the decoder asynchronously yields decoded pictures or
// failures to an [OutputHandler]. This package contains no decoding logic —
// implementations live with the transport that reaches the real decoder.
package decode

import "errors"

// Sentinel errors implementations should wrap so the pipeline can
// distinguish failure modes with errors.Is.
var (
	// ErrKeyframeRequired marks a submission rejected because the decoder
	// has no key frame to predict from.
	ErrKeyframeRequired = errors.New("decode: key frame required")

	// ErrClosed marks an operation on a released decoder.
	ErrClosed = errors.New("decode: decoder closed")
)

// Readiness is the decoder's configuration state.
type Readiness string

const (
	Unconfigured Readiness = "unconfigured"
	Configured   Readiness = "configured"
)

// Config carries everything needed to (re)configure a decoder.
type Config struct {
	Codec       string // RFC 6381 codec string, e.g. "avc1.64001f"
	CodedWidth  uint32
	CodedHeight uint32
}

// FrameType distinguishes key frames from delta frames at submission time.
type FrameType string

const (
	FrameKey   FrameType = "key"
	FrameDelta FrameType = "delta"
)

// Frame is one coded-frame submission. Payload is only valid for the
// duration of the Submit call; implementations that retain it must copy.
type Frame struct {
	Type            FrameType
	TimestampMicros uint64
	Payload         []byte
}

// Picture describes one decoded picture reported back by the decoder.
type Picture struct {
	Width  uint32
	Height uint32
}

// Decoder is the opaque external decoder capability. Configure and Submit
// report synchronous acceptance; decode outcomes arrive asynchronously via
// whatever OutputHandler the implementation was built with.
type Decoder interface {
	Configure(cfg Config) error
	Submit(frame Frame) error
	Readiness() Readiness
	Close() error
}

// OutputHandler receives the decoder's asynchronous output stream.
// Implementations must tolerate calls from a different goroutine than the
// one driving Submit.
type OutputHandler interface {
	HandlePicture(pic Picture)
	HandleDecodeFailure(err error)
}
