package session

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/easyott/eos/internal/config"
	"github.com/easyott/eos/internal/language"
	"github.com/easyott/eos/internal/manifest"
	"github.com/easyott/eos/internal/urlutil"
)

type fixedTranslator struct {
	out   []string
	calls int
}

func (f *fixedTranslator) Translate(_ context.Context, texts []string, _, _ language.Language) ([]string, error) {
	f.calls++
	if f.out != nil {
		return f.out, nil
	}
	return texts, nil
}

const originVariant = `#EXTM3U
#EXT-X-VERSION:4
#EXT-X-MEDIA:TYPE=AUDIO,GROUP-ID="aud",NAME="Deutsch",LANGUAGE="de",DEFAULT=YES,URI="audio/de/index.m3u8"
#EXT-X-MEDIA:TYPE=SUBTITLES,GROUP-ID="sub",NAME="Deutsch",LANGUAGE="de",DEFAULT=YES,URI="text/de/index.m3u8"
#EXT-X-STREAM-INF:BANDWIDTH=2000000,CODECS="avc1.4d401f,mp4a.40.2",AUDIO="aud",SUBTITLES="sub"
video/high/index.m3u8
`

const originSubtitlePlaylist = `#EXTM3U
#EXT-X-VERSION:3
#EXT-X-TARGETDURATION:4
#EXTINF:4.000,
seg0.vtt
#EXTINF:4.000,
seg1.vtt
#EXT-X-ENDLIST
`

const originWebVTT = "WEBVTT\n\n00:00:00.500 --> 00:00:02.000\nHallo Welt\n"

func translateOrigin(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/stream/master.m3u8":
			fmt.Fprint(w, originVariant)
		case "/stream/text/de/index.m3u8":
			fmt.Fprint(w, originSubtitlePlaylist)
		case "/stream/text/de/seg0.vtt":
			fmt.Fprint(w, originWebVTT)
		case "/stream/text/de/seg1.vtt":
			fmt.Fprint(w, "WEBVTT\n")
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func translateSession(t *testing.T, originURL string, tr *fixedTranslator) *Session {
	t.Helper()
	u, err := urlutil.Parse(originURL)
	require.NoError(t, err)

	cfg := &config.Config{}
	cfg.Session.IdleTTL = 4 * time.Hour
	cfg.Delay.Default = 60 * time.Second

	s, err := newSession(Key{
		Origin:    u.Fingerprint(),
		Protocol:  manifest.ProtocolHLS,
		Streaming: manifest.StreamingVOD,
		Mode:      manifest.ModeTranslate,
		SrcLang:   "de-DE",
	}, []string{"en-US"}, Deps{Config: cfg, Translator: tr})
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func TestSessionServesTranslatedVariant(t *testing.T) {
	srv := translateOrigin(t)
	s := translateSession(t, srv.URL+"/stream/master.m3u8", &fixedTranslator{})

	resp, err := s.OnRequest(context.Background(), &Request{Kind: KindVariant})
	require.NoError(t, err)

	assert.Equal(t, manifest.ContentTypeHLS, resp.ContentType)
	assert.Equal(t, manifest.CacheStatic, resp.Cache)

	body := string(resp.Body)
	assert.Contains(t, body, manifest.ManifestPrefix+"/en-US/")
	// The origin subtitle track survives alongside the clone.
	assert.Contains(t, body, `LANGUAGE="de"`)
	assert.Contains(t, body, `LANGUAGE="en"`)

	// The variant is cached.
	again, err := s.OnRequest(context.Background(), &Request{Kind: KindVariant})
	require.NoError(t, err)
	assert.Same(t, resp, again)
}

func TestSessionServesSubtitleManifest(t *testing.T) {
	srv := translateOrigin(t)
	s := translateSession(t, srv.URL+"/stream/master.m3u8", &fixedTranslator{})

	refURL, err := urlutil.Parse(srv.URL + "/stream/text/de/index.m3u8")
	require.NoError(t, err)
	fragURL, err := urlutil.Parse(srv.URL + "/stream/text/de/seg0.vtt")
	require.NoError(t, err)

	resp, err := s.OnRequest(context.Background(), &Request{
		Kind:      KindSubtitleManifest,
		DstLang:   "en-US",
		Reference: refURL.Fingerprint(),
	})
	require.NoError(t, err)

	body := string(resp.Body)
	assert.Contains(t, body, manifest.HLSFragmentPrefix+"/"+fragURL.Fingerprint())
	assert.Contains(t, body, "#EXT-X-ENDLIST")
	assert.NotContains(t, body, "seg0.vtt")
}

func TestSessionTranslatesSubtitleFragment(t *testing.T) {
	srv := translateOrigin(t)
	tr := &fixedTranslator{out: []string{"Hello world"}}
	s := translateSession(t, srv.URL+"/stream/master.m3u8", tr)

	refURL, err := urlutil.Parse(srv.URL + "/stream/text/de/index.m3u8")
	require.NoError(t, err)
	fragURL, err := urlutil.Parse(srv.URL + "/stream/text/de/seg0.vtt")
	require.NoError(t, err)

	resp, err := s.OnRequest(context.Background(), &Request{
		Kind:                KindHLSFragment,
		DstLang:             "en-US",
		Reference:           refURL.Fingerprint(),
		FragmentFingerprint: fragURL.Fingerprint(),
	})
	require.NoError(t, err)

	assert.Equal(t, manifest.ContentTypeWebVTT, resp.ContentType)
	body := string(resp.Body)
	assert.Contains(t, body, "Hello world")
	assert.NotContains(t, body, "Hallo Welt")
	// Cue timing survives translation.
	assert.Contains(t, body, "00:00:00.500")
	assert.Equal(t, 1, tr.calls)
}

func TestSessionPassesCaptionFreeFragmentThrough(t *testing.T) {
	srv := translateOrigin(t)
	tr := &fixedTranslator{out: []string{"unused"}}
	s := translateSession(t, srv.URL+"/stream/master.m3u8", tr)

	refURL, err := urlutil.Parse(srv.URL + "/stream/text/de/index.m3u8")
	require.NoError(t, err)
	fragURL, err := urlutil.Parse(srv.URL + "/stream/text/de/seg1.vtt")
	require.NoError(t, err)

	resp, err := s.OnRequest(context.Background(), &Request{
		Kind:                KindHLSFragment,
		DstLang:             "en-US",
		Reference:           refURL.Fingerprint(),
		FragmentFingerprint: fragURL.Fingerprint(),
	})
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(string(resp.Body), "WEBVTT"))
	assert.Zero(t, tr.calls)
}

func TestSessionStatus(t *testing.T) {
	srv := translateOrigin(t)
	s := translateSession(t, srv.URL+"/stream/master.m3u8", &fixedTranslator{})

	_, err := s.OnRequest(context.Background(), &Request{Kind: KindVariant})
	require.NoError(t, err)

	status := s.Status()
	assert.Equal(t, s.ID(), status.ID)
	assert.Equal(t, "active", status.State)
	assert.Equal(t, 1, status.Requests)
	assert.Equal(t, "0:00:00", status.Time)
	assert.Equal(t, "0.00%", status.Accuracy)
	assert.Equal(t, []string{"en-US"}, status.Languages)
}

func TestSessionAdoptsRedirectedOrigin(t *testing.T) {
	srv := translateOrigin(t)
	redirecting := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, srv.URL+"/stream/master.m3u8", http.StatusFound)
	}))
	t.Cleanup(redirecting.Close)

	s := translateSession(t, redirecting.URL+"/master.m3u8", &fixedTranslator{})

	_, err := s.OnRequest(context.Background(), &Request{Kind: KindVariant})
	require.NoError(t, err)

	// Relative origin URLs now resolve against the redirect target.
	assert.Equal(t, srv.URL+"/stream/master.m3u8", s.originURL.String())
}

func TestFormatEngineTime(t *testing.T) {
	assert.Equal(t, "0:00:00", formatEngineTime(0))
	assert.Equal(t, "0:01:05", formatEngineTime(65.4))
	assert.Equal(t, "2:03:04", formatEngineTime(2*3600+3*60+4))
}
