package annexb

import "log/slog"

// garbageLogBudget caps how many garbage-skip events are logged per
// Scanner. Counting continues past the budget; only logging stops.
const garbageLogBudget = 10

// Scanner accumulates Annex B bytes across calls and splits them into NAL
// units. Input may arrive fragmented at arbitrary boundaries: bytes that do
// not yet form a complete unit are carried over to the next call.
//
// A unit is emitted once its end is unambiguous — either a following start
// code was found, or the scanner reached the end of currently buffered
// bytes. In the second case the tail starting at the unit's own start code
// is retained, so if more of the unit arrives later it is re-extracted at
// full length on the next call. Units terminated by a real start code are
// consumed and never revisited.
type Scanner struct {
	buf            []byte
	garbageSkipped uint64
	garbageLogged  int
	log            *slog.Logger
}

// NewScanner creates a Scanner with an empty carry-over buffer.
func NewScanner(log *slog.Logger) *Scanner {
	if log == nil {
		log = slog.Default()
	}
	return &Scanner{log: log}
}

// GarbageSkipped returns the total number of bytes discarded because they
// preceded the first usable start code.
func (s *Scanner) GarbageSkipped() uint64 {
	return s.garbageSkipped
}

// Buffered returns the number of carried-over bytes awaiting more input.
func (s *Scanner) Buffered() int {
	return len(s.buf)
}

// Reset discards all carried-over bytes.
func (s *Scanner) Reset() {
	s.buf = nil
}

// Scan appends data to the carry-over buffer and invokes emit for every
// NAL unit that can be delimited. Emitted slices alias the internal buffer
// and are only valid until the next Scan call; callers that retain a unit
// must copy it.
func (s *Scanner) Scan(data []byte, emit func(NALUnit)) {
	s.buf = append(s.buf, data...)

	cursor := 0
	scStart, dataStart := findStartCode(s.buf, cursor)
	if scStart < 0 {
		// No start code anywhere. Drop all bytes that cannot begin a
		// start code and keep the last two as a possible prefix.
		keep := len(s.buf) - 2
		if keep > 0 {
			s.countGarbage(keep)
			s.buf = append(s.buf[:0], s.buf[keep:]...)
		}
		return
	}
	if scStart > 0 {
		s.countGarbage(scStart)
	}

	for {
		nextSC, _ := findStartCode(s.buf, dataStart)
		if nextSC < 0 {
			// Unit runs to the end of buffered bytes. Emit it if it has
			// at least a NAL header byte, then retain the tail from its
			// start code for re-extraction once more data arrives.
			if dataStart < len(s.buf) {
				unit := s.buf[scStart:]
				emit(NALUnit{Type: NALType(unit), Data: unit})
			}
			s.buf = append(s.buf[:0], s.buf[scStart:]...)
			return
		}
		unit := s.buf[scStart:nextSC]
		emit(NALUnit{Type: NALType(unit), Data: unit})
		scStart = nextSC
		_, dataStart = findStartCode(s.buf, nextSC)
	}
}

func (s *Scanner) countGarbage(n int) {
	s.garbageSkipped += uint64(n)
	if s.garbageLogged < garbageLogBudget {
		s.garbageLogged++
		s.log.Debug("skipped garbage before start code", "bytes", n, "total", s.garbageSkipped)
	}
}
