package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/easyott/eos/internal/config"
	"github.com/easyott/eos/internal/manifest"
	"github.com/easyott/eos/internal/urlutil"
)

func testManager(t *testing.T) *Manager {
	t.Helper()
	cfg := &config.Config{}
	cfg.Session.IdleTTL = 4 * time.Hour
	cfg.Session.ReaperSchedule = "@every 1m"
	cfg.Delay.Default = 60 * time.Second

	m, err := NewManager(Deps{Config: cfg})
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return m
}

func testKey(t *testing.T, mode manifest.Mode) Key {
	t.Helper()
	u, err := urlutil.Parse("https://origin.example.com/stream/master.m3u8")
	require.NoError(t, err)
	return Key{
		Origin:    u.Fingerprint(),
		Protocol:  manifest.ProtocolHLS,
		Streaming: manifest.StreamingVOD,
		Mode:      mode,
		SrcLang:   "de-DE",
	}
}

func TestManagerVariantMatchesExactLanguageSet(t *testing.T) {
	m := testManager(t)
	key := testKey(t, manifest.ModeTranslate)

	first, err := m.Get(&Request{Key: key, Kind: KindVariant, DstLanguages: []string{"en-US", "ru-RU"}})
	require.NoError(t, err)

	// Order does not matter, short codes normalize.
	same, err := m.Get(&Request{Key: key, Kind: KindVariant, DstLanguages: []string{"ru", "en"}})
	require.NoError(t, err)
	assert.Same(t, first, same)

	other, err := m.Get(&Request{Key: key, Kind: KindVariant, DstLanguages: []string{"en-US"}})
	require.NoError(t, err)
	assert.NotSame(t, first, other)
}

func TestManagerVariantMatchesTranscribeRequestedSet(t *testing.T) {
	m := testManager(t)
	key := testKey(t, manifest.ModeTranscribe)

	// The session serves de-DE too, but stays indexed by the request.
	first, err := m.Get(&Request{Key: key, Kind: KindVariant, DstLanguages: []string{"en-US"}})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"en-US", "de-DE"}, first.Languages())

	same, err := m.Get(&Request{Key: key, Kind: KindVariant, DstLanguages: []string{"en-US"}})
	require.NoError(t, err)
	assert.Same(t, first, same)
}

func TestManagerChildRequestMatchesCoveringSession(t *testing.T) {
	m := testManager(t)
	key := testKey(t, manifest.ModeTranslate)

	variant, err := m.Get(&Request{Key: key, Kind: KindVariant, DstLanguages: []string{"en-US", "ru-RU"}})
	require.NoError(t, err)

	covered, err := m.Get(&Request{Key: key, Kind: KindHLSFragment, DstLang: "ru-RU"})
	require.NoError(t, err)
	assert.Same(t, variant, covered)

	// An uncovered language spawns its own session.
	uncovered, err := m.Get(&Request{Key: key, Kind: KindHLSFragment, DstLang: "iw-IL"})
	require.NoError(t, err)
	assert.NotSame(t, variant, uncovered)
	assert.Equal(t, []string{"iw-IL"}, uncovered.Languages())
}

func TestManagerLiveRequestNeedsExistingSession(t *testing.T) {
	m := testManager(t)
	key := testKey(t, manifest.ModeTranscribe)
	key.Streaming = manifest.StreamingLive

	_, err := m.Get(&Request{Key: key, Kind: KindLiveManifest, Path: "/x"})
	require.Error(t, err)

	variant, err := m.Get(&Request{Key: key, Kind: KindVariant, DstLanguages: []string{"en-US"}})
	require.NoError(t, err)

	matched, err := m.Get(&Request{Key: key, Kind: KindLiveManifest})
	require.NoError(t, err)
	assert.Same(t, variant, matched)
}

func TestManagerByIDAndRemove(t *testing.T) {
	m := testManager(t)
	key := testKey(t, manifest.ModeTranslate)

	s, err := m.Get(&Request{Key: key, Kind: KindVariant, DstLanguages: []string{"en-US"}})
	require.NoError(t, err)

	got, ok := m.ByID(s.ID())
	require.True(t, ok)
	assert.Same(t, s, got)
	assert.Len(t, m.List(), 1)

	require.True(t, m.Remove(s.ID()))
	_, ok = m.ByID(s.ID())
	assert.False(t, ok)
	assert.False(t, m.Remove(s.ID()))

	// A fresh request after removal gets a new session.
	fresh, err := m.Get(&Request{Key: key, Kind: KindVariant, DstLanguages: []string{"en-US"}})
	require.NoError(t, err)
	assert.NotEqual(t, s.ID(), fresh.ID())
}

func TestManagerReapsIdleSessions(t *testing.T) {
	m := testManager(t)
	key := testKey(t, manifest.ModeTranslate)

	stale, err := m.Get(&Request{Key: key, Kind: KindVariant, DstLanguages: []string{"en-US"}})
	require.NoError(t, err)
	active, err := m.Get(&Request{Key: key, Kind: KindVariant, DstLanguages: []string{"ru-RU"}})
	require.NoError(t, err)

	stale.mu.Lock()
	stale.lastRequest = time.Now().Add(-5 * time.Hour)
	stale.mu.Unlock()

	m.reapIdle()

	_, ok := m.ByID(stale.ID())
	assert.False(t, ok)
	_, ok = m.ByID(active.ID())
	assert.True(t, ok)
}
