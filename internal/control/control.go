// Package control encodes scrcpy control messages for the device-side
// control socket. Each message type has a fixed binary layout with
// big-endian multi-byte fields; Encode returns the exact wire bytes for
// one message.
package control

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Control message type bytes, as consumed by the scrcpy server.
const (
	TypeInjectKeycode   byte = 0
	TypeInjectText      byte = 1
	TypeInjectTouch     byte = 2
	TypeInjectScroll    byte = 3
	TypeBackOrScreenOn  byte = 4
	TypeGetClipboard    byte = 8
	TypeSetClipboard    byte = 9
	TypeSetDisplayPower byte = 10
	TypeRotateDevice    byte = 11
	TypeResetVideo      byte = 17
)

// Android MotionEvent / KeyEvent action codes.
const (
	ActionDown byte = 0
	ActionUp   byte = 1
	ActionMove byte = 2
)

// Pointer button masks.
const (
	ButtonPrimary   uint32 = 1 << 0
	ButtonSecondary uint32 = 1 << 1
	ButtonTertiary  uint32 = 1 << 2
)

// maxTextLength bounds injected text and clipboard payloads, matching the
// scrcpy server's own limit.
const maxTextLength = 300_000

// Message is an encodable control message.
type Message interface {
	Encode() []byte
}

// Touch injects a single-pointer touch event. Position is in coded video
// coordinates; ScreenWidth/ScreenHeight carry the coded size the position
// was measured against so the server can rescale.
type Touch struct {
	Action       byte
	PointerID    uint64
	X            uint32
	Y            uint32
	ScreenWidth  uint16
	ScreenHeight uint16
	Pressure     float64 // 0..1
	ActionButton uint32
	Buttons      uint32
}

// Encode returns the 32-byte touch packet.
func (t Touch) Encode() []byte {
	buf := make([]byte, 32)
	buf[0] = TypeInjectTouch
	buf[1] = t.Action
	binary.BigEndian.PutUint64(buf[2:10], t.PointerID)
	binary.BigEndian.PutUint32(buf[10:14], t.X)
	binary.BigEndian.PutUint32(buf[14:18], t.Y)
	binary.BigEndian.PutUint16(buf[18:20], t.ScreenWidth)
	binary.BigEndian.PutUint16(buf[20:22], t.ScreenHeight)
	binary.BigEndian.PutUint16(buf[22:24], fixedPointPressure(t.Pressure))
	binary.BigEndian.PutUint32(buf[24:28], t.ActionButton)
	binary.BigEndian.PutUint32(buf[28:32], t.Buttons)
	return buf
}

// fixedPointPressure converts a 0..1 pressure to u16 fixed point, with 1.0
// mapping to 0xFFFF.
func fixedPointPressure(p float64) uint16 {
	if p >= 1 {
		return math.MaxUint16
	}
	if p <= 0 {
		return 0
	}
	return uint16(p * float64(1<<16))
}

// Key injects a physical key event.
type Key struct {
	Action    byte
	Keycode   uint32
	Repeat    uint32
	MetaState uint32
}

// Encode returns the 14-byte keycode packet.
func (k Key) Encode() []byte {
	buf := make([]byte, 14)
	buf[0] = TypeInjectKeycode
	buf[1] = k.Action
	binary.BigEndian.PutUint32(buf[2:6], k.Keycode)
	binary.BigEndian.PutUint32(buf[6:10], k.Repeat)
	binary.BigEndian.PutUint32(buf[10:14], k.MetaState)
	return buf
}

// Scroll injects a scroll event at a position.
type Scroll struct {
	X            uint32
	Y            uint32
	ScreenWidth  uint16
	ScreenHeight uint16
	HScroll      int16
	VScroll      int16
	Buttons      uint32
}

// Encode returns the 21-byte scroll packet.
func (s Scroll) Encode() []byte {
	buf := make([]byte, 21)
	buf[0] = TypeInjectScroll
	binary.BigEndian.PutUint32(buf[1:5], s.X)
	binary.BigEndian.PutUint32(buf[5:9], s.Y)
	binary.BigEndian.PutUint16(buf[9:11], s.ScreenWidth)
	binary.BigEndian.PutUint16(buf[11:13], s.ScreenHeight)
	binary.BigEndian.PutUint16(buf[13:15], uint16(s.HScroll))
	binary.BigEndian.PutUint16(buf[15:17], uint16(s.VScroll))
	binary.BigEndian.PutUint32(buf[17:21], s.Buttons)
	return buf
}

// Text injects a UTF-8 string as if typed.
type Text struct {
	Text string
}

// Encode returns the length-prefixed text packet, truncating past the
// server's text limit.
func (t Text) Encode() []byte {
	data := []byte(t.Text)
	if len(data) > maxTextLength {
		data = data[:maxTextLength]
	}
	buf := make([]byte, 5+len(data))
	buf[0] = TypeInjectText
	binary.BigEndian.PutUint32(buf[1:5], uint32(len(data)))
	copy(buf[5:], data)
	return buf
}

// BackOrScreenOn presses Back, or wakes the screen when it is off.
type BackOrScreenOn struct {
	Action byte
}

func (b BackOrScreenOn) Encode() []byte {
	return []byte{TypeBackOrScreenOn, b.Action}
}

// SetClipboard replaces the device clipboard, optionally pasting it.
type SetClipboard struct {
	Sequence uint64
	Paste    bool
	Text     string
}

func (c SetClipboard) Encode() []byte {
	data := []byte(c.Text)
	if len(data) > maxTextLength {
		data = data[:maxTextLength]
	}
	buf := make([]byte, 14+len(data))
	buf[0] = TypeSetClipboard
	binary.BigEndian.PutUint64(buf[1:9], c.Sequence)
	if c.Paste {
		buf[9] = 1
	}
	binary.BigEndian.PutUint32(buf[10:14], uint32(len(data)))
	copy(buf[14:], data)
	return buf
}

// GetClipboard requests the device clipboard content; the device answers
// with a clipboard device message on the same socket.
type GetClipboard struct {
	CopyKey byte
}

func (c GetClipboard) Encode() []byte {
	return []byte{TypeGetClipboard, c.CopyKey}
}

// SetDisplayPower turns the device display on or off.
type SetDisplayPower struct {
	On bool
}

func (p SetDisplayPower) Encode() []byte {
	mode := byte(0)
	if p.On {
		mode = 1
	}
	return []byte{TypeSetDisplayPower, mode}
}

// RotateDevice rotates the device screen one step.
type RotateDevice struct{}

func (RotateDevice) Encode() []byte {
	return []byte{TypeRotateDevice}
}

// ResetVideo forces the encoder to restart, producing a fresh key frame.
// Used to recover a viewer that joined mid-stream or lost sync.
type ResetVideo struct{}

func (ResetVideo) Encode() []byte {
	return []byte{TypeResetVideo}
}

// Device message type bytes, sent by the scrcpy server back over the
// control socket.
const (
	DeviceMsgClipboard    byte = 0
	DeviceMsgAckClipboard byte = 1
)

// DeviceMessage is a message received from the device control socket.
type DeviceMessage struct {
	Type          byte
	ClipboardText string // DeviceMsgClipboard
	Sequence      uint64 // DeviceMsgAckClipboard
}

// DecodeDeviceMessage parses one device message from the front of buf,
// returning the message and the number of bytes consumed. It returns
// (zero, 0, nil) when buf does not yet hold a complete message.
func DecodeDeviceMessage(buf []byte) (DeviceMessage, int, error) {
	if len(buf) == 0 {
		return DeviceMessage{}, 0, nil
	}
	switch buf[0] {
	case DeviceMsgClipboard:
		if len(buf) < 5 {
			return DeviceMessage{}, 0, nil
		}
		length := binary.BigEndian.Uint32(buf[1:5])
		if length > maxTextLength {
			return DeviceMessage{}, 0, fmt.Errorf("control: clipboard message length %d exceeds limit", length)
		}
		if len(buf) < 5+int(length) {
			return DeviceMessage{}, 0, nil
		}
		return DeviceMessage{
			Type:          DeviceMsgClipboard,
			ClipboardText: string(buf[5 : 5+length]),
		}, 5 + int(length), nil
	case DeviceMsgAckClipboard:
		if len(buf) < 9 {
			return DeviceMessage{}, 0, nil
		}
		return DeviceMessage{
			Type:     DeviceMsgAckClipboard,
			Sequence: binary.BigEndian.Uint64(buf[1:9]),
		}, 9, nil
	default:
		return DeviceMessage{}, 0, fmt.Errorf("control: unknown device message type 0x%02x", buf[0])
	}
}
