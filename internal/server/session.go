package server

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/mbodnar/glimpse/internal/decode"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// sendQueueDepth bounds per-viewer buffering; a slow viewer drops
	// frames rather than stalling the broadcast.
	sendQueueDepth = 64
)

// frameHeaderLen is the binary prefix on every frame message: one flag
// byte (bit 0 set for key frames) and a big-endian 64-bit timestamp in
// microseconds.
const frameHeaderLen = 9

// ControlSender forwards encoded scrcpy control bytes to the device.
type ControlSender interface {
	SendControlRaw(data []byte) error
}

// clientMessage is the JSON envelope for viewer-to-server text messages.
type clientMessage struct {
	Type    string `json:"type"`
	Width   uint32 `json:"width,omitempty"`
	Height  uint32 `json:"height,omitempty"`
	Message string `json:"message,omitempty"`
}

// serverMessage is the JSON envelope for server-to-viewer text messages.
type serverMessage struct {
	Type        string `json:"type"`
	SessionID   string `json:"sessionId,omitempty"`
	DeviceName  string `json:"deviceName,omitempty"`
	Codec       string `json:"codec,omitempty"`
	CodedWidth  uint32 `json:"codedWidth,omitempty"`
	CodedHeight uint32 `json:"codedHeight,omitempty"`
}

type outbound struct {
	binary bool
	data   []byte
}

// Session is one websocket viewer. Outbound config and frames flow through
// a bounded queue drained by the write pump; inbound messages carry decode
// results and raw control bytes.
type Session struct {
	id   string
	log  *slog.Logger
	conn *websocket.Conn

	output            decode.OutputHandler
	control           ControlSender
	onKeyframeRequest func()

	send chan outbound
	done chan struct{}

	framesSent    atomic.Uint64
	framesDropped atomic.Uint64
	bytesSent     atomic.Uint64
}

// SessionConfig wires a Session to its collaborators.
type SessionConfig struct {
	Conn              *websocket.Conn
	Log               *slog.Logger
	Output            decode.OutputHandler
	Control           ControlSender
	OnKeyframeRequest func()
	DeviceName        string
}

// NewSession creates a Session and queues its hello message.
func NewSession(cfg SessionConfig) *Session {
	id := uuid.NewString()
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	s := &Session{
		id:                id,
		log:               log.With("component", "session", "session", id),
		conn:              cfg.Conn,
		output:            cfg.Output,
		control:           cfg.Control,
		onKeyframeRequest: cfg.OnKeyframeRequest,
		send:              make(chan outbound, sendQueueDepth),
		done:              make(chan struct{}),
	}
	s.enqueueJSON(serverMessage{Type: "hello", SessionID: id, DeviceName: cfg.DeviceName})
	return s
}

// ID implements Viewer.
func (s *Session) ID() string { return s.id }

// SendConfig implements Viewer: the decoder configuration as a JSON text
// message.
func (s *Session) SendConfig(cfg VideoConfig) {
	s.enqueueJSON(serverMessage{
		Type:        "config",
		Codec:       cfg.Codec,
		CodedWidth:  cfg.CodedWidth,
		CodedHeight: cfg.CodedHeight,
	})
}

// SendFrame implements Viewer: a binary message with the frame header
// prefix. Frames are dropped, not queued unboundedly, when the viewer
// cannot keep up.
func (s *Session) SendFrame(frame *VideoFrame) {
	buf := make([]byte, frameHeaderLen+len(frame.Data))
	if frame.Key {
		buf[0] = 1
	}
	binary.BigEndian.PutUint64(buf[1:9], frame.TimestampMicros)
	copy(buf[frameHeaderLen:], frame.Data)

	select {
	case s.send <- outbound{binary: true, data: buf}:
	default:
		s.framesDropped.Add(1)
	}
}

// Stats implements Viewer.
func (s *Session) Stats() ViewerStats {
	return ViewerStats{
		ID:            s.id,
		FramesSent:    s.framesSent.Load(),
		FramesDropped: s.framesDropped.Load(),
		BytesSent:     s.bytesSent.Load(),
	}
}

func (s *Session) enqueueJSON(msg serverMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		s.log.Error("marshaling server message", "error", err)
		return
	}
	select {
	case s.send <- outbound{data: data}:
	case <-s.done:
	default:
		// The queue is jammed and text messages cannot be skipped the
		// way frames can: a viewer that misses a config can never
		// decode again. Tear the connection down instead of blocking
		// the broadcaster behind one slow viewer.
		s.log.Warn("send queue full, closing slow viewer")
		s.conn.Close()
	}
}

// Run drives the read and write pumps until the connection drops. It
// always returns after closing the connection.
func (s *Session) Run() {
	go s.writePump()
	s.readPump()
}

func (s *Session) readPump() {
	defer close(s.done)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Warn("viewer connection error", "error", err)
			}
			return
		}
		switch msgType {
		case websocket.BinaryMessage:
			// Raw scrcpy control bytes, relayed to the device verbatim.
			if s.control == nil {
				continue
			}
			if err := s.control.SendControlRaw(data); err != nil {
				s.log.Warn("forwarding control message", "error", err)
			}
		case websocket.TextMessage:
			s.handleText(data)
		}
	}
}

func (s *Session) handleText(data []byte) {
	var msg clientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.log.Warn("malformed client message", "error", err)
		return
	}
	switch msg.Type {
	case "decoded":
		if s.output != nil {
			s.output.HandlePicture(decode.Picture{Width: msg.Width, Height: msg.Height})
		}
	case "decodeError":
		if s.output != nil {
			err := errors.New(msg.Message)
			if msg.Message == "" {
				err = errors.New("viewer decode error")
			}
			s.output.HandleDecodeFailure(fmt.Errorf("session %s: %w", s.id, err))
		}
	case "keyframeRequest":
		if s.onKeyframeRequest != nil {
			s.onKeyframeRequest()
		}
	default:
		s.log.Debug("unknown client message type", "type", msg.Type)
	}
}

func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case out := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			msgType := websocket.TextMessage
			if out.binary {
				msgType = websocket.BinaryMessage
			}
			if err := s.conn.WriteMessage(msgType, out.data); err != nil {
				return
			}
			if out.binary {
				s.framesSent.Add(1)
				s.bytesSent.Add(uint64(len(out.data)))
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.done:
			return
		}
	}
}
