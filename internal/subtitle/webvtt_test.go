package subtitle

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderWebVTTVod(t *testing.T) {
	cues := []Cue{
		{Start: 2, End: 5, Text: "first line"},
		{Start: 8, End: 12, Text: "second line"},
		{Start: 30, End: 33, Text: "outside the window"},
	}

	got := string(RenderWebVTT(0, 10, cues, nil))

	want := "WEBVTT\n" +
		"\n00:00:02.000 --> 00:00:05.000\nfirst line\n" +
		"\n00:00:08.000 --> 00:00:12.000\nsecond line\n" +
		"\n"
	assert.Equal(t, want, got)
}

func TestRenderWebVTTLiveHeader(t *testing.T) {
	got := string(RenderWebVTT(0, 6, nil, &TimestampMap{PTS: NewPTS(900000), Local: 10}))

	want := "WEBVTT\n" +
		"X-TIMESTAMP-MAP=MPEGTS:900000,LOCAL:00:00:10.000\n" +
		"\n"
	assert.Equal(t, want, got)
}

func TestRenderWebVTTLiveHeaderWrapsOverflowedPTS(t *testing.T) {
	// Demuxer timestamps past the 33-bit boundary come back reduced into
	// the range players expect.
	got := string(RenderWebVTT(0, 6, nil, &TimestampMap{PTS: NewPTS((1 << 33) + 450000), Local: 5}))

	assert.Contains(t, got, "X-TIMESTAMP-MAP=MPEGTS:450000,LOCAL:00:00:05.000")
}

func TestRenderWebVTTKeepsAbsoluteTimes(t *testing.T) {
	// A cue spanning a fragment boundary appears in both fragments with
	// identical timing, letting players deduplicate it.
	cues := []Cue{{Start: 9, End: 11, Text: "spanning"}}

	first := string(RenderWebVTT(4, 10, cues, nil))
	second := string(RenderWebVTT(10, 16, cues, nil))

	assert.Contains(t, first, "00:00:09.000 --> 00:00:11.000")
	assert.Contains(t, second, "00:00:09.000 --> 00:00:11.000")
}

func TestParseWebVTT(t *testing.T) {
	doc := "WEBVTT\n" +
		"X-TIMESTAMP-MAP=MPEGTS:181500,LOCAL:00:00:02.000\n" +
		"\n" +
		"00:00:02.000 --> 00:00:05.000\n" +
		"hello\n" +
		"world\n" +
		"\n" +
		"00:00:08.500 --> 00:00:12.000\n" +
		"goodbye\n"

	cues, tsMap, err := ParseWebVTT([]byte(doc))
	require.NoError(t, err)
	require.Len(t, cues, 2)

	assert.InDelta(t, 2, cues[0].Start, 1e-9)
	assert.InDelta(t, 5, cues[0].End, 1e-9)
	assert.Equal(t, "hello\nworld", cues[0].Text)
	assert.InDelta(t, 8.5, cues[1].Start, 1e-9)
	assert.Equal(t, "goodbye", cues[1].Text)

	require.NotNil(t, tsMap)
	assert.Equal(t, uint64(181500), tsMap.PTS.Val())
	assert.InDelta(t, 2, tsMap.Local, 1e-9)
}

func TestParseWebVTTRejectsMissingHeader(t *testing.T) {
	_, _, err := ParseWebVTT([]byte("00:00:01.000 --> 00:00:02.000\nhi\n"))
	assert.Error(t, err)
}

func TestWebVTTRoundTrip(t *testing.T) {
	cues := []Cue{
		{Start: 1.25, End: 3.5, Text: "one"},
		{Start: 4, End: 6.75, Text: "two\nlines"},
	}

	parsed, _, err := ParseWebVTT(MarshalWebVTT(cues, nil))
	require.NoError(t, err)
	require.Len(t, parsed, 2)
	for i := range cues {
		assert.InDelta(t, cues[i].Start, parsed[i].Start, 0.0005)
		assert.InDelta(t, cues[i].End, parsed[i].End, 0.0005)
		assert.Equal(t, cues[i].Text, parsed[i].Text)
	}
}
