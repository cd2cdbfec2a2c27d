package subtitle

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderTTMLLayout(t *testing.T) {
	got := string(RenderTTML(0, 4*DashTimescale, []Cue{{Start: 1, End: 3, Text: "hello"}}))

	assert.True(t, strings.HasPrefix(got, "<?xml version=\"1.0\" encoding=\"utf-8\"?>\r\n"))
	assert.Contains(t, got, "xmlns:tts=\"http://www.w3.org/ns/ttml#styling\"")
	assert.Contains(t, got, "<style xml:id=\"s0\"")
	assert.Contains(t, got, "<region xml:id=\"r0\" tts:origin=\"2.84% 84.00%\" tts:extent=\"94.32% 16%\" />")
	assert.Contains(t, got, "<p  region=\"r0\" style=\"s0\" begin=\"00:00:01.000\" end=\"00:00:03.000\" >hello</p>\r\n")
	assert.True(t, strings.HasSuffix(got, "    </div>\r\n  </body>\r\n</tt>"))
}

func TestRenderTTMLWindowFilter(t *testing.T) {
	cues := []Cue{
		{Start: 1, End: 3, Text: "inside"},
		{Start: 10, End: 12, Text: "outside"},
	}

	got := string(RenderTTML(0, 4*DashTimescale, cues))
	assert.Contains(t, got, "inside")
	assert.NotContains(t, got, "outside")
}

func TestRenderTTMLEscapesText(t *testing.T) {
	got := string(RenderTTML(0, 4*DashTimescale, []Cue{
		{Start: 1, End: 3, Text: "a <b> c\nnext line"},
	}))

	assert.Contains(t, got, ">a b c<br/>next line</p>")
	assert.NotContains(t, got, "<b>")
}

func TestRenderTTMLEmptyWindow(t *testing.T) {
	got := string(RenderTTML(8*DashTimescale, 12*DashTimescale, []Cue{
		{Start: 1, End: 3, Text: "early"},
	}))

	assert.NotContains(t, got, "<p ")
	assert.True(t, strings.HasSuffix(got, "</tt>"))
}

func TestParseTTMLRoundTrip(t *testing.T) {
	cues := []Cue{
		{Start: 1.5, End: 3.25, Text: "first"},
		{Start: 4, End: 7, Text: "two\nlines"},
	}

	parsed, err := ParseTTML(RenderTTML(0, 10*DashTimescale, cues))
	require.NoError(t, err)
	require.Len(t, parsed, 2)

	for i := range cues {
		assert.InDelta(t, cues[i].Start, parsed[i].Start, 0.0005)
		assert.InDelta(t, cues[i].End, parsed[i].End, 0.0005)
		assert.Equal(t, cues[i].Text, parsed[i].Text)
	}
}
