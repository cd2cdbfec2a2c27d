package session

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/easyott/eos/internal/manifest"
	"github.com/easyott/eos/internal/urlutil"
)

func fingerprintOf(t *testing.T, raw string) string {
	t.Helper()
	u, err := urlutil.Parse(raw)
	require.NoError(t, err)
	return u.Fingerprint()
}

func TestParseRequestVariant(t *testing.T) {
	origin := fingerprintOf(t, "https://origin.example.com/stream/master.m3u8")
	query := url.Values{"languages": {"en-US,ru-RU"}, "default": {"en-US"}}

	req, err := ParseRequest("/eos/v1/hls/vod/translate/de-DE/"+origin+"/eos_manifest.m3u8", query)
	require.NoError(t, err)

	assert.Equal(t, KindVariant, req.Kind)
	assert.Equal(t, manifest.ProtocolHLS, req.Key.Protocol)
	assert.Equal(t, manifest.StreamingVOD, req.Key.Streaming)
	assert.Equal(t, manifest.ModeTranslate, req.Key.Mode)
	assert.Equal(t, "de-DE", req.Key.SrcLang)
	assert.Equal(t, origin, req.Key.Origin)
	assert.Equal(t, []string{"en-US", "ru-RU"}, req.DstLanguages)
	assert.Equal(t, "en-US", req.Default)
}

func TestParseRequestVariantAcceptsShortCodes(t *testing.T) {
	origin := fingerprintOf(t, "https://origin.example.com/stream/manifest.mpd")
	query := url.Values{"languages": {"en"}}

	req, err := ParseRequest("/eos/v1/dash/live/transcribe/de/"+origin+"/eos_manifest.mpd", query)
	require.NoError(t, err)

	assert.Equal(t, KindVariant, req.Kind)
	// The key normalizes the source language to its full tag.
	assert.Equal(t, "de-DE", req.Key.SrcLang)
	assert.Equal(t, []string{"en"}, req.DstLanguages)
}

func TestParseRequestVariantRequiresLanguages(t *testing.T) {
	origin := fingerprintOf(t, "https://origin.example.com/stream/master.m3u8")

	_, err := ParseRequest("/eos/v1/hls/vod/translate/de-DE/"+origin+"/eos_manifest.m3u8", url.Values{})
	require.Error(t, err)
}

func TestParseRequestLiveManifest(t *testing.T) {
	origin := fingerprintOf(t, "https://origin.example.com/stream/master.m3u8")
	child := fingerprintOf(t, "https://origin.example.com/stream/video_1/index.m3u8")

	req, err := ParseRequest(
		"/eos/v1/hls/live/transcribe/de-DE/"+origin+"/eos_live/"+child+"/index.m3u8", nil)
	require.NoError(t, err)

	assert.Equal(t, KindLiveManifest, req.Kind)
	assert.Equal(t, child, req.LiveOrigin)
}

func TestParseRequestSubtitleManifest(t *testing.T) {
	origin := fingerprintOf(t, "https://origin.example.com/stream/master.m3u8")
	ref := fingerprintOf(t, "https://origin.example.com/stream/audio_de/index.m3u8")

	req, err := ParseRequest(
		"/eos/v1/hls/vod/transcribe/de-DE/"+origin+"/eos_manifest/en-US/"+ref+"/index.m3u8", nil)
	require.NoError(t, err)

	assert.Equal(t, KindSubtitleManifest, req.Kind)
	assert.Equal(t, "en-US", req.DstLang)
	assert.Equal(t, ref, req.Reference)
}

func TestParseRequestHLSFragment(t *testing.T) {
	origin := fingerprintOf(t, "https://origin.example.com/stream/master.m3u8")
	ref := fingerprintOf(t, "https://origin.example.com/stream/audio_de/index.m3u8")
	frag := fingerprintOf(t, "https://origin.example.com/stream/audio_de/seg_42.aac")

	req, err := ParseRequest(
		"/eos/v1/hls/vod/transcribe/de-DE/"+origin+
			"/eos_manifest/en-US/"+ref+"/eos_hls_fragment/"+frag, nil)
	require.NoError(t, err)

	assert.Equal(t, KindHLSFragment, req.Kind)
	assert.Equal(t, "en-US", req.DstLang)
	assert.Equal(t, ref, req.Reference)
	assert.Equal(t, frag, req.FragmentFingerprint)
}

func TestParseRequestDASHFragmentVODShape(t *testing.T) {
	origin := fingerprintOf(t, "https://origin.example.com/stream/manifest.mpd")

	req, err := ParseRequest(
		"/eos/v1/dash/vod/translate/de-DE/"+origin+
			"/eos_manifest/en-US/eos_dash_fragment/subs/de/seg-1234567.m4s", nil)
	require.NoError(t, err)

	assert.Equal(t, KindDASHFragment, req.Kind)
	assert.Equal(t, "en-US", req.DstLang)
	assert.Equal(t, "subs/de/seg-1234567.m4s", req.DashTail)
	assert.False(t, req.DashInit())

	ts, err := req.DashTimestampValue()
	require.NoError(t, err)
	assert.Equal(t, uint64(1234567), ts)
}

func TestParseRequestDASHFragmentLiveShape(t *testing.T) {
	origin := fingerprintOf(t, "https://origin.example.com/stream/manifest.mpd")

	req, err := ParseRequest(
		"/eos/v1/dash/live/transcribe/de-DE/"+origin+"/eos_dash_fragment/en-US/7200000", nil)
	require.NoError(t, err)

	assert.Equal(t, KindDASHFragment, req.Kind)
	assert.Equal(t, "en-US", req.DstLang)
	assert.Equal(t, "7200000", req.DashTail)

	ts, err := req.DashTimestampValue()
	require.NoError(t, err)
	assert.Equal(t, uint64(7200000), ts)
}

func TestParseRequestDASHInit(t *testing.T) {
	origin := fingerprintOf(t, "https://origin.example.com/stream/manifest.mpd")

	req, err := ParseRequest(
		"/eos/v1/dash/live/transcribe/de-DE/"+origin+"/eos_dash_fragment/en-US/Init", nil)
	require.NoError(t, err)
	assert.True(t, req.DashInit())

	// Some packagers encode the init marker inside a composite segment
	// name.
	req, err = ParseRequest(
		"/eos/v1/dash/vod/translate/de-DE/"+origin+
			"/eos_manifest/en-US/eos_dash_fragment/Fragments(text_de=Init)", nil)
	require.NoError(t, err)
	assert.True(t, req.DashInit())
}

func TestParseRequestRejectsMalformedPaths(t *testing.T) {
	origin := fingerprintOf(t, "https://origin.example.com/stream/master.m3u8")

	cases := map[string]string{
		"wrong service":       "/other/v1/hls/vod/translate/de-DE/" + origin + "/eos_manifest.m3u8",
		"wrong version":       "/eos/v2/hls/vod/translate/de-DE/" + origin + "/eos_manifest.m3u8",
		"bad protocol":        "/eos/v1/rtmp/vod/translate/de-DE/" + origin + "/eos_manifest.m3u8",
		"bad streaming":       "/eos/v1/hls/rewind/translate/de-DE/" + origin + "/eos_manifest.m3u8",
		"bad mode":            "/eos/v1/hls/vod/ocr/de-DE/" + origin + "/eos_manifest.m3u8",
		"unknown language":    "/eos/v1/hls/vod/translate/xx-XX/" + origin + "/eos_manifest.m3u8",
		"bad fingerprint":     "/eos/v1/hls/vod/translate/de-DE/%%%/eos_manifest.m3u8",
		"too short":           "/eos/v1/hls/vod/translate/de-DE/" + origin,
		"unknown leaf":        "/eos/v1/hls/vod/translate/de-DE/" + origin + "/something_else/x/y",
		"truncated subtitle":  "/eos/v1/hls/vod/translate/de-DE/" + origin + "/eos_manifest/en-US",
		"bad subtitle leaf":   "/eos/v1/hls/vod/translate/de-DE/" + origin + "/eos_manifest/en-US/" + origin + "/other",
		"unknown dst in path": "/eos/v1/hls/vod/translate/de-DE/" + origin + "/eos_manifest/xx-XX/" + origin + "/index.m3u8",
	}
	for name, path := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseRequest(path, url.Values{"languages": {"en-US"}})
			assert.Error(t, err)
		})
	}
}
