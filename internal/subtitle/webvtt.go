package subtitle

import (
	"bufio"
	"bytes"
	"fmt"
	"strings"
)

// TimestampMap anchors WebVTT cue times to the MPEG-TS timeline of a
// live stream. It is rendered as an X-TIMESTAMP-MAP header so players
// can align cues with the surrounding media segments.
type TimestampMap struct {
	// PTS is the 90 kHz timestamp of the first media fragment.
	PTS PTS
	// Local is the media time in seconds that PTS corresponds to.
	Local float64
}

// RenderWebVTT builds a WebVTT subtitle fragment covering the window
// [start, end). Only cues overlapping the window are included, with
// their original absolute times. For live streams a timestamp map
// header anchors those times to the stream's PTS clock.
func RenderWebVTT(start, end float64, cues []Cue, tsMap *TimestampMap) []byte {
	var b strings.Builder
	b.WriteString("WEBVTT\n")

	if tsMap != nil {
		fmt.Fprintf(&b, "X-TIMESTAMP-MAP=MPEGTS:%d,LOCAL:%s\n", tsMap.PTS.Val(), FormatTime(tsMap.Local))
	}

	for _, cue := range cues {
		if !cue.Overlaps(start, end) {
			continue
		}
		b.WriteString("\n")
		b.WriteString(FormatTime(cue.Start))
		b.WriteString(" --> ")
		b.WriteString(FormatTime(cue.End))
		b.WriteString("\n")
		b.WriteString(cue.Text)
		b.WriteString("\n")
	}

	b.WriteString("\n")
	return []byte(b.String())
}

// MarshalWebVTT serialises cues without a fragment window, used when
// re-emitting a translated copy of an origin subtitle fragment.
func MarshalWebVTT(cues []Cue, tsMap *TimestampMap) []byte {
	if len(cues) == 0 {
		return RenderWebVTT(0, 0, nil, tsMap)
	}
	first := cues[0]
	last := cues[len(cues)-1]
	return RenderWebVTT(first.Start, last.End, cues, tsMap)
}

// ParseWebVTT extracts cues and an optional timestamp map from a WebVTT
// document. Cue identifiers and styling blocks are ignored; only timing
// lines and their caption text survive.
func ParseWebVTT(data []byte) ([]Cue, *TimestampMap, error) {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var (
		cues  []Cue
		tsMap *TimestampMap
		first = true
	)

	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")

		if first {
			first = false
			if !strings.HasPrefix(line, "WEBVTT") {
				return nil, nil, fmt.Errorf("missing WEBVTT header")
			}
			continue
		}

		if strings.HasPrefix(line, "X-TIMESTAMP-MAP=") {
			if m, err := parseTimestampMap(line); err == nil {
				tsMap = m
			}
			continue
		}

		if !strings.Contains(line, "-->") {
			continue
		}

		parts := strings.SplitN(line, "-->", 2)
		start, err := ParseTime(parts[0])
		if err != nil {
			return nil, nil, fmt.Errorf("cue timing: %w", err)
		}
		// Cue settings may follow the end timestamp.
		endField := strings.Fields(strings.TrimSpace(parts[1]))
		if len(endField) == 0 {
			return nil, nil, fmt.Errorf("cue timing: missing end time")
		}
		endTime, err := ParseTime(endField[0])
		if err != nil {
			return nil, nil, fmt.Errorf("cue timing: %w", err)
		}

		var text []string
		for scanner.Scan() {
			textLine := strings.TrimRight(scanner.Text(), "\r")
			if textLine == "" {
				break
			}
			text = append(text, textLine)
		}

		cues = append(cues, Cue{
			Start: start,
			End:   endTime,
			Text:  strings.Join(text, "\n"),
		})
	}

	if err := scanner.Err(); err != nil {
		return nil, nil, err
	}
	return cues, tsMap, nil
}

func parseTimestampMap(line string) (*TimestampMap, error) {
	value := strings.TrimPrefix(line, "X-TIMESTAMP-MAP=")

	var m TimestampMap
	for _, field := range strings.Split(value, ",") {
		key, val, ok := strings.Cut(field, ":")
		if !ok {
			continue
		}
		switch key {
		case "MPEGTS":
			var ticks uint64
			if _, err := fmt.Sscanf(val, "%d", &ticks); err != nil {
				return nil, err
			}
			m.PTS = NewPTS(ticks)
		case "LOCAL":
			local, err := ParseTime(val)
			if err != nil {
				return nil, err
			}
			m.Local = local
		}
	}
	return &m, nil
}
