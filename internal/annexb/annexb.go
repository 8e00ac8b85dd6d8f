// Package annexb extracts H.264 NAL units from Annex B byte streams.
// It provides a stateful [Scanner] that tolerates arbitrary fragmentation
// of the input, plus helpers for classifying NAL units and deriving the
// RFC 6381 codec parameter string from SPS bytes.
package annexb

import (
	"errors"
	"fmt"
)

// H.264 NAL unit type constants as defined in ITU-T H.264 Table 7-1.
const (
	NALTypeSlice      = 1
	NALTypeIDR        = 5
	NALTypeSEI        = 6
	NALTypeSPS        = 7
	NALTypePPS        = 8
	NALTypeAUD        = 9
	NALTypeFillerData = 12
)

// ErrSPSTooShort is reported when an SPS NAL unit is too small to carry
// the profile, constraint, and level bytes needed for decoder configuration.
var ErrSPSTooShort = errors.New("annexb: SPS too short")

// NALUnit is a single NAL unit sliced out of an Annex B stream. Data
// includes the leading 3- or 4-byte start code.
type NALUnit struct {
	Type byte   // 5-bit nal_unit_type
	Data []byte // start-code-inclusive NAL bytes
}

// IsKeyframe reports whether the unit is an IDR slice (type 5).
func (u NALUnit) IsKeyframe() bool {
	return u.Type == NALTypeIDR
}

// Payload returns the NAL bytes with the leading start code stripped,
// so Payload()[0] is the NAL header byte.
func (u NALUnit) Payload() []byte {
	return StripStartCode(u.Data)
}

// findStartCode locates the next Annex B start code at or after from.
// It returns the start code position and the position of the first byte
// after it, or (-1, -1) if no start code exists in buf[from:].
func findStartCode(buf []byte, from int) (scStart, dataStart int) {
	for i := from; i+3 <= len(buf); i++ {
		if buf[i] != 0 || buf[i+1] != 0 {
			continue
		}
		if buf[i+2] == 1 {
			return i, i + 3
		}
		if i+4 <= len(buf) && buf[i+2] == 0 && buf[i+3] == 1 {
			return i, i + 4
		}
	}
	return -1, -1
}

// StripStartCode removes a leading 3- or 4-byte start code, if present.
func StripStartCode(data []byte) []byte {
	if len(data) >= 4 && data[0] == 0 && data[1] == 0 && data[2] == 0 && data[3] == 1 {
		return data[4:]
	}
	if len(data) >= 3 && data[0] == 0 && data[1] == 0 && data[2] == 1 {
		return data[3:]
	}
	return data
}

// NALType extracts the 5-bit nal_unit_type from start-code-inclusive data.
// Returns 0 if the data carries no byte after the start code.
func NALType(data []byte) byte {
	p := StripStartCode(data)
	if len(p) == 0 {
		return 0
	}
	return p[0] & 0x1F
}

// CodecString derives the RFC 6381 codec parameter string (e.g.
// "avc1.64001f") from SPS bytes with the start code already stripped, so
// sps[0] is the NAL header and sps[1] is profile_idc. The constraint byte
// is masked to its six flag bits and a zero level is clamped to 1 so the
// string never advertises level 0.
func CodecString(sps []byte) (string, error) {
	if len(sps) < 4 {
		return "", ErrSPSTooShort
	}
	profile := sps[1]
	constraint := sps[2] & 0x3F
	level := sps[3]
	if level < 1 {
		level = 1
	}
	return fmt.Sprintf("avc1.%02x%02x%02x", profile, constraint, level), nil
}
