package hls

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/easyott/eos/internal/language"
	"github.com/easyott/eos/internal/manifest"
	"github.com/easyott/eos/internal/urlutil"
)

const variantPlaylist = `#EXTM3U
#EXT-X-VERSION:4
#EXT-X-INDEPENDENT-SEGMENTS
#EXT-X-MEDIA:TYPE=AUDIO,GROUP-ID="aud",NAME="Deutsch",LANGUAGE="de",DEFAULT=YES,URI="audio/de/index.m3u8"
#EXT-X-MEDIA:TYPE=AUDIO,GROUP-ID="aud",NAME="English",LANGUAGE="en",DEFAULT=NO,URI="audio/en/index.m3u8"
#EXT-X-MEDIA:TYPE=SUBTITLES,GROUP-ID="sub",NAME="Deutsch",LANGUAGE="de",DEFAULT=YES,AUTOSELECT=YES,URI="text/de/index.m3u8"
#EXT-X-STREAM-INF:BANDWIDTH=2000000,CODECS="avc1.4d401f,mp4a.40.2",AUDIO="aud",SUBTITLES="sub"
video/high/index.m3u8
#EXT-X-STREAM-INF:BANDWIDTH=800000,CODECS="avc1.4d401e,mp4a.40.2",AUDIO="aud",SUBTITLES="sub"
video/low/index.m3u8
`

func mustRef(t *testing.T, raw string) urlutil.Ref {
	t.Helper()
	ref, err := urlutil.Parse(raw)
	require.NoError(t, err)
	return ref
}

func mustLang(t *testing.T, code string) language.Language {
	t.Helper()
	l, ok := language.Find(code)
	require.True(t, ok, "language %s not registered", code)
	return l
}

func parseVariantFixture(t *testing.T, data string) *Engine {
	t.Helper()
	e := NewEngine(false, nil)
	err := e.ParseVariant([]byte(data), mustRef(t, "https://origin.example/stream/index.m3u8"))
	require.NoError(t, err)
	return e
}

func TestParseVariantSplitsRenditions(t *testing.T) {
	e := parseVariantFixture(t, variantPlaylist)

	require.Len(t, e.video, 2)
	require.Len(t, e.audio, 2)
	require.Len(t, e.text, 1)

	assert.Equal(t, "https://origin.example/stream/video/high/index.m3u8", e.video[0].URL.String())
	assert.Equal(t, "https://origin.example/stream/audio/de/index.m3u8", e.audio[0].URL.String())
	assert.Equal(t, []string{"#EXT-X-INDEPENDENT-SEGMENTS"}, e.copyLines)

	// Origin subtitle tracks lose their default status.
	assert.Equal(t, "NO", e.text[0].Attrs.Get("DEFAULT"))
	assert.Equal(t, "NO", e.text[0].Attrs.Get("AUTOSELECT"))
}

func TestParseVariantRejectsMediaPlaylist(t *testing.T) {
	data := "#EXTM3U\n#EXT-X-VERSION:3\n#EXT-X-TARGETDURATION:6\n#EXTINF:6.0,\nseg0.ts\n#EXT-X-ENDLIST\n"
	e := NewEngine(false, nil)
	err := e.ParseVariant([]byte(data), mustRef(t, "https://origin.example/index.m3u8"))
	assert.Error(t, err)
}

func TestAddSubtitleRenditionPrefersMatchingAudio(t *testing.T) {
	e := parseVariantFixture(t, variantPlaylist)

	ref, err := e.AddSubtitleRendition(mustLang(t, "de-DE"), mustLang(t, "en-US"), mustLang(t, "en-US"))
	require.NoError(t, err)

	assert.Equal(t, "https://origin.example/stream/audio/de/index.m3u8", ref.Rendition.URL.String())

	require.Len(t, e.text, 2)
	added := e.text[1]
	assert.True(t, added.Synthesized)
	assert.Equal(t, `"en"`, added.Attrs.Get("LANGUAGE"))
	assert.Equal(t, `"English (US) (Eos)"`, added.Attrs.Get("NAME"))
	assert.Equal(t, "YES", added.Attrs.Get("DEFAULT"))
	assert.Equal(t, "YES", added.Attrs.Get("AUTOSELECT"))
	assert.Equal(t, `"sub"`, added.Attrs.Get("GROUP-ID"))

	uri := added.Attrs.GetUnquoted("URI")
	assert.Equal(t, fmt.Sprintf("%s/en-US/%s/index.m3u8",
		manifest.ManifestPrefix, ref.Rendition.URL.Fingerprint()), uri)

	got, ok := e.Reference("en-US")
	require.True(t, ok)
	assert.Same(t, ref, got)
}

func TestAddSubtitleRenditionAudioFallbackWithoutLanguage(t *testing.T) {
	data := strings.ReplaceAll(variantPlaylist, `NAME="Deutsch",LANGUAGE="de",DEFAULT=YES,`, `NAME="Main",DEFAULT=YES,`)
	data = strings.ReplaceAll(data, `NAME="English",LANGUAGE="en",DEFAULT=NO,`, `NAME="Alt",LANGUAGE="fr",DEFAULT=NO,`)
	e := parseVariantFixture(t, data)

	ref, err := e.AddSubtitleRendition(mustLang(t, "de-DE"), mustLang(t, "en-US"), mustLang(t, "de-DE"))
	require.NoError(t, err)

	// No LANGUAGE matches "de"; the untagged rendition wins as fallback.
	assert.Equal(t, "https://origin.example/stream/audio/de/index.m3u8", ref.Rendition.URL.String())
	assert.Equal(t, "NO", e.text[len(e.text)-1].Attrs.Get("DEFAULT"))
}

func TestAddSubtitleRenditionFallsBackToCheapestAACVideo(t *testing.T) {
	data := `#EXTM3U
#EXT-X-VERSION:4
#EXT-X-STREAM-INF:BANDWIDTH=2000000,CODECS="avc1.4d401f,mp4a.40.2"
video/high/index.m3u8
#EXT-X-STREAM-INF:BANDWIDTH=500000,CODECS="avc1.4d400d"
video/tiny/index.m3u8
#EXT-X-STREAM-INF:BANDWIDTH=800000,CODECS="avc1.4d401e,mp4a.40.2"
video/low/index.m3u8
`
	e := parseVariantFixture(t, data)

	ref, err := e.AddSubtitleRendition(mustLang(t, "de-DE"), mustLang(t, "en-US"), mustLang(t, "en-US"))
	require.NoError(t, err)

	// The 500k variant is cheapest but carries no AAC track.
	assert.Equal(t, "https://origin.example/stream/video/low/index.m3u8", ref.Rendition.URL.String())

	// No SUBTITLES group existed; a fresh one is assigned to every video.
	for _, v := range e.video {
		assert.Equal(t, `"WebVTT"`, v.Attrs.Get("SUBTITLES"))
	}
}

func TestAddSubtitleRenditionNoRenditions(t *testing.T) {
	e := NewEngine(false, nil)
	_, err := e.AddSubtitleRendition(mustLang(t, "de-DE"), mustLang(t, "en-US"), mustLang(t, "en-US"))
	assert.Error(t, err)
}

func TestCloneSubtitleRendition(t *testing.T) {
	e := parseVariantFixture(t, variantPlaylist)

	ref, err := e.CloneSubtitleRendition(mustLang(t, "de-DE"), mustLang(t, "en-US"), mustLang(t, "en-US"))
	require.NoError(t, err)

	assert.Equal(t, "https://origin.example/stream/text/de/index.m3u8", ref.Rendition.URL.String())

	added := e.text[len(e.text)-1]
	assert.True(t, added.Synthesized)
	assert.Equal(t, `"en"`, added.Attrs.Get("LANGUAGE"))
	assert.Equal(t, "YES", added.Attrs.Get("AUTOSELECT"))
	assert.Equal(t, "YES", added.Attrs.Get("DEFAULT"))
	// The matched origin rendition loses DEFAULT to the clone.
	assert.Equal(t, "NO", ref.Rendition.Attrs.Get("DEFAULT"))
}

func TestSetDefaultLanguage(t *testing.T) {
	e := parseVariantFixture(t, variantPlaylist)

	_, err := e.AddSubtitleRendition(mustLang(t, "de-DE"), mustLang(t, "en-US"), mustLang(t, "en-US"))
	require.NoError(t, err)
	_, err = e.CloneSubtitleRendition(mustLang(t, "de-DE"), mustLang(t, "es-ES"), mustLang(t, "en-US"))
	require.NoError(t, err)

	e.SetDefaultLanguage(mustLang(t, "es-ES"))

	byLang := map[string]string{}
	for _, tr := range e.text {
		if tr.Synthesized {
			byLang[tr.Attrs.GetUnquoted("LANGUAGE")] = tr.Attrs.Get("DEFAULT")
		}
	}
	assert.Equal(t, "NO", byLang["en"])
	assert.Equal(t, "YES", byLang["es"])
}

func TestBuildVariantOrder(t *testing.T) {
	e := parseVariantFixture(t, variantPlaylist)
	_, err := e.AddSubtitleRendition(mustLang(t, "de-DE"), mustLang(t, "en-US"), mustLang(t, "en-US"))
	require.NoError(t, err)
	e.MakeURLsAbsolute()

	out := string(e.BuildVariant())
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")

	require.GreaterOrEqual(t, len(lines), 10)
	assert.Equal(t, "#EXTM3U", lines[0])
	assert.Equal(t, "#EXT-X-VERSION:5", lines[1])
	assert.Equal(t, "#EXT-X-INDEPENDENT-SEGMENTS", lines[2])

	// Subtitle renditions precede audio renditions, which precede the
	// stream variants; each variant is followed by its bare URI.
	assert.Contains(t, lines[3], "TYPE=SUBTITLES")
	assert.Contains(t, lines[4], "TYPE=SUBTITLES")
	assert.Contains(t, lines[5], "TYPE=AUDIO")
	assert.Contains(t, lines[6], "TYPE=AUDIO")
	assert.True(t, strings.HasPrefix(lines[7], "#EXT-X-STREAM-INF:"))
	assert.Equal(t, "https://origin.example/stream/video/high/index.m3u8", lines[8])

	// STREAM-INF lines never embed the URI attribute.
	assert.NotContains(t, lines[7], "URI=")
}

func TestRedirectURLs(t *testing.T) {
	e := parseVariantFixture(t, variantPlaylist)
	e.RedirectURLs()

	videoURI := e.video[0].Attrs.Get("URI")
	assert.True(t, strings.HasPrefix(videoURI, manifest.LivePrefix+"/"))
	assert.True(t, strings.HasSuffix(videoURI, "/index.m3u8"))

	audioURI := e.audio[0].Attrs.Get("URI")
	assert.True(t, strings.HasPrefix(audioURI, `"`+manifest.LivePrefix+"/"))
	assert.True(t, strings.HasSuffix(audioURI, `/index.m3u8"`))
}

func TestReferenceWindow(t *testing.T) {
	ref := &Reference{}
	u := mustRef(t, "https://origin.example/seg/1.ts")
	ref.AppendFragment(manifest.Fragment{URL: u, StartTime: 10, Duration: 6})

	start, end, ok := ref.Window(u.Fingerprint())
	require.True(t, ok)
	assert.Equal(t, 10.0, start)
	assert.Equal(t, 16.0, end)

	_, _, ok = ref.Window("bogus")
	assert.False(t, ok)
}
