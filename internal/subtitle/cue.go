// Package subtitle renders transcribed and translated caption cues into
// the delivery formats players consume: WebVTT text fragments for HLS
// and TTML-in-fMP4 segments for DASH.
package subtitle

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Cue is a single caption with absolute start and end times in seconds
// on the stream's media timeline.
type Cue struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// Overlaps reports whether the cue intersects the window [start, end).
// A cue that fully contains the window also counts.
func (c Cue) Overlaps(start, end float64) bool {
	return (start >= c.Start && start < c.End) ||
		(end > c.Start && end <= c.End) ||
		(start <= c.Start && end >= c.End)
}

// Duration returns the cue's display duration in seconds.
func (c Cue) Duration() float64 {
	return c.End - c.Start
}

// FormatTime renders seconds as a WebVTT timestamp, hh:mm:ss.mmm. Hours
// are not capped at two digits for streams longer than 100 hours.
func FormatTime(seconds float64) string {
	if seconds < 0 {
		seconds = 0
	}
	millis := int64(math.Round(seconds * 1000))

	h := millis / 3600000
	millis -= h * 3600000
	m := millis / 60000
	millis -= m * 60000
	s := millis / 1000
	millis -= s * 1000

	return fmt.Sprintf("%02d:%02d:%02d.%03d", h, m, s, millis)
}

// ParseTime parses a WebVTT timestamp. The hours component is optional,
// so both "01:02:03.456" and "02:03.456" are accepted.
func ParseTime(value string) (float64, error) {
	parts := strings.Split(strings.TrimSpace(value), ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, fmt.Errorf("invalid timestamp %q", value)
	}

	var hours, minutes int
	var err error
	secPart := parts[len(parts)-1]

	if len(parts) == 3 {
		if hours, err = strconv.Atoi(parts[0]); err != nil {
			return 0, fmt.Errorf("invalid timestamp %q: %w", value, err)
		}
	}
	if minutes, err = strconv.Atoi(parts[len(parts)-2]); err != nil {
		return 0, fmt.Errorf("invalid timestamp %q: %w", value, err)
	}
	seconds, err := strconv.ParseFloat(secPart, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid timestamp %q: %w", value, err)
	}

	return float64(hours)*3600 + float64(minutes)*60 + seconds, nil
}
