package protocol

// accumulator owns the not-yet-consumed input bytes between Feed calls.
// Appended chunks are copied; consumeLeaving trims everything before the
// given offset and keeps the rest as the new buffer content.
type accumulator struct {
	buf []byte
}

func (a *accumulator) append(p []byte) {
	a.buf = append(a.buf, p...)
}

// bytes returns the contiguous unconsumed view. The slice aliases internal
// storage and is invalidated by the next append or consumeLeaving.
func (a *accumulator) bytes() []byte {
	return a.buf
}

func (a *accumulator) len() int {
	return len(a.buf)
}

// consumeLeaving discards everything before offset. The remainder becomes
// the new buffer content.
func (a *accumulator) consumeLeaving(offset int) {
	if offset <= 0 {
		return
	}
	if offset >= len(a.buf) {
		a.buf = a.buf[:0]
		return
	}
	a.buf = append(a.buf[:0], a.buf[offset:]...)
}

func (a *accumulator) clear() {
	a.buf = a.buf[:0]
}
