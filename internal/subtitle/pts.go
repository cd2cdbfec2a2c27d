package subtitle

// MPEG-TS presentation timestamps run on a 90 kHz clock and wrap at
// 2^33 ticks (roughly 26.5 hours). Comparisons near the wrap point must
// treat a small value as later than a value just below the maximum.
const (
	ptsMax = 1 << 33

	// Values within 30 seconds of the wrap point are considered to be
	// on opposite sides of it when compared.
	ptsWrapMargin = 90000 * 30
)

// PTS is a 33-bit MPEG-TS presentation timestamp.
type PTS struct {
	val uint64
}

// NewPTS builds a PTS, reducing overflowed inputs back into the 33-bit
// range.
func NewPTS(val uint64) PTS {
	for val >= ptsMax {
		val -= ptsMax
	}
	return PTS{val: val}
}

// Val returns the timestamp in 90 kHz ticks.
func (p PTS) Val() uint64 {
	return p.val
}

// Seconds converts the timestamp to seconds.
func (p PTS) Seconds() float64 {
	return float64(p.val) / 90000
}

// Add returns p advanced by other, wrapping at the 33-bit boundary.
func (p PTS) Add(other PTS) PTS {
	res := p.val + other.val
	if res >= ptsMax {
		res -= ptsMax
	}
	return PTS{val: res}
}

// Sub returns the distance from other to p, assuming p is the later
// timestamp and accounting for at most one wrap between them.
func (p PTS) Sub(other PTS) PTS {
	if p.val >= other.val {
		return PTS{val: p.val - other.val}
	}
	return PTS{val: p.val + ptsMax - other.val}
}

// After reports whether p is later than other on the wrapping clock.
func (p PTS) After(other PTS) bool {
	if p.val < ptsWrapMargin && other.val > ptsMax-ptsWrapMargin {
		return true
	}
	if p.val > ptsMax-ptsWrapMargin && other.val < ptsWrapMargin {
		return false
	}
	return p.val > other.val
}

// Before reports whether p is earlier than other on the wrapping clock.
func (p PTS) Before(other PTS) bool {
	return p.val != other.val && !p.After(other)
}
