// Package session owns the per-stream state of the proxy: one session
// per (origin, protocol, streaming, mode, source language) key holds
// the rewritten manifests, the live delay buffers and the transcription
// pipeline, and answers every streaming request routed to it.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/easyott/eos/internal/config"
	"github.com/easyott/eos/internal/language"
	"github.com/easyott/eos/internal/livedelay"
	"github.com/easyott/eos/internal/manifest"
	"github.com/easyott/eos/internal/manifest/dash"
	"github.com/easyott/eos/internal/manifest/hls"
	"github.com/easyott/eos/internal/observability"
	"github.com/easyott/eos/internal/speech"
	"github.com/easyott/eos/internal/subtitle"
	"github.com/easyott/eos/internal/transcribe"
	"github.com/easyott/eos/internal/translate"
	"github.com/easyott/eos/internal/urlutil"
	"github.com/easyott/eos/pkg/httpclient"
)

// Deps carries the process-wide collaborators a session needs.
type Deps struct {
	Config     *config.Config
	Recognizer speech.Recognizer
	Translator translate.Translator
	Logger     *slog.Logger
}

// Session serves every streaming request of one logical stream. Request
// handling is tag-serialized by the dispatch pool (one in-flight
// request per session), so manifest state needs no lock of its own; the
// mutex covers the fields the management API reads concurrently.
type Session struct {
	id   string
	key  Key
	live bool
	src  language.Language
	dsts []language.Language
	// langSet is the manager's index key for this session.
	langSet string

	deps   Deps
	logger *slog.Logger
	client *httpclient.Client

	// ctx bounds the pollers and the pipeline; Close cancels it.
	ctx    context.Context
	cancel context.CancelFunc

	originURL urlutil.Ref
	hls       *hls.Engine
	dash      *dash.Engine

	manifestBuilt         bool
	subtitleManifestBuilt bool
	defaultLang           string
	variantCache          map[string]*manifest.Response
	variantContentType    string
	subtitleCache         map[string]*manifest.Response

	hlsPollers map[string]*livedelay.HLSPoller
	dashPoller *livedelay.DASHPoller
	refSetID   string

	mu          sync.Mutex
	pipeline    *transcribe.Pipeline
	requests    int
	lastRequest time.Time
	closed      bool
}

func newSession(key Key, dstLanguages []string, deps Deps) (*Session, error) {
	originURL, err := urlutil.FromFingerprint(key.Origin)
	if err != nil {
		return nil, fmt.Errorf("decoding origin fingerprint: %w", err)
	}

	src, ok := language.Find(key.SrcLang)
	if !ok {
		return nil, fmt.Errorf("unknown source language %q", key.SrcLang)
	}

	if key.Mode == manifest.ModeTranscribe && deps.Recognizer == nil {
		return nil, fmt.Errorf("no speech recognizer configured")
	}

	var dsts []language.Language
	srcIncluded := false
	for _, code := range dstLanguages {
		l, ok := language.Find(code)
		if !ok {
			return nil, fmt.Errorf("unknown destination language %q", code)
		}
		dsts = append(dsts, l)
		if l.BCP47 == src.BCP47 {
			srcIncluded = true
		}
	}
	// Transcription always produces the source language track.
	if key.Mode == manifest.ModeTranscribe && !srcIncluded {
		dsts = append(dsts, src)
	}
	if len(dsts) == 0 {
		return nil, fmt.Errorf("no destination languages")
	}

	id := uuid.NewString()
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = observability.WithComponent(logger, "session").With(slog.String("session_id", id))

	ctx, cancel := context.WithCancel(context.Background())

	s := &Session{
		id:            id,
		key:           key,
		live:          key.Streaming == manifest.StreamingLive,
		src:           src,
		dsts:          dsts,
		deps:          deps,
		logger:        logger,
		client:        httpclient.New(httpclient.DefaultConfig(), id, "manifest"),
		ctx:           ctx,
		cancel:        cancel,
		originURL:     originURL,
		variantCache:  make(map[string]*manifest.Response),
		subtitleCache: make(map[string]*manifest.Response),
		hlsPollers:    make(map[string]*livedelay.HLSPoller),
		lastRequest:   time.Now(),
	}

	switch key.Protocol {
	case manifest.ProtocolHLS:
		s.hls = hls.NewEngine(s.live, logger)
	case manifest.ProtocolDASH:
		s.dash = dash.NewEngine(s.live, logger)
	default:
		cancel()
		return nil, fmt.Errorf("unknown protocol %q", key.Protocol)
	}
	return s, nil
}

// ID returns the opaque session identifier.
func (s *Session) ID() string { return s.id }

// Key returns the session's identity key.
func (s *Session) Key() Key { return s.key }

// Languages returns the destination language tags of this session.
func (s *Session) Languages() []string {
	out := make([]string, len(s.dsts))
	for i, l := range s.dsts {
		out[i] = l.BCP47
	}
	return out
}

// HasLanguages reports whether every requested language is served by
// this session.
func (s *Session) HasLanguages(langs []string) bool {
	for _, want := range langs {
		found := false
		for _, l := range s.dsts {
			if l.BCP47 == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// LastRequest returns the time of the most recent request.
func (s *Session) LastRequest() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRequest
}

// OnRequest answers one streaming request.
func (s *Session) OnRequest(ctx context.Context, req *Request) (*manifest.Response, error) {
	s.mu.Lock()
	s.requests++
	s.lastRequest = time.Now()
	s.mu.Unlock()

	switch req.Kind {
	case KindVariant:
		return s.onVariantManifest(ctx, req)
	case KindLiveManifest:
		return s.onLiveManifest(ctx, req)
	case KindSubtitleManifest:
		return s.onSubtitleManifest(ctx, req)
	case KindHLSFragment, KindDASHFragment:
		return s.onSubtitleFragment(ctx, req)
	}
	return nil, fmt.Errorf("unhandled request kind %d", req.Kind)
}

// onVariantManifest serves the rewritten top-level manifest, fetching
// and transforming the origin on first call and starting the
// transcription machinery.
func (s *Session) onVariantManifest(ctx context.Context, req *Request) (*manifest.Response, error) {
	var defLang language.Language
	if req.Default != "" {
		if l, ok := language.Find(req.Default); ok {
			defLang = l
			s.defaultLang = l.BCP47
		}
	} else if s.defaultLang != "" {
		defLang, _ = language.Find(s.defaultLang)
	}
	cacheKey := defLang.BCP47
	if cacheKey == "" {
		cacheKey = "none"
	}

	if s.manifestBuilt {
		if resp, ok := s.variantCache[cacheKey]; ok {
			// HLS variants and VOD manifests are static; live DASH
			// embeds the timeline and is rebuilt every request.
			if s.key.Protocol == manifest.ProtocolHLS || !s.live {
				return resp, nil
			}
			return s.buildLiveMPD()
		}
		return s.rebuildWithDefault(cacheKey, defLang)
	}

	result, err := s.client.Get(ctx, s.originURL.String())
	if err != nil {
		return nil, fmt.Errorf("fetching origin manifest: %w", err)
	}
	// A redirected origin becomes the new base for every relative URL.
	if result.FinalURL != "" && result.FinalURL != s.originURL.String() {
		if u, err := urlutil.Parse(result.FinalURL); err == nil {
			s.logger.Info("origin manifest redirected", slog.String("url", u.String()))
			s.originURL = u
		}
	}

	var resp *manifest.Response
	switch s.key.Protocol {
	case manifest.ProtocolHLS:
		resp, err = s.buildHLSVariant(ctx, result.Body, defLang)
	case manifest.ProtocolDASH:
		resp, err = s.buildDASHVariant(ctx, result.Body, defLang)
	}
	if err != nil {
		return nil, err
	}

	s.manifestBuilt = true
	s.variantCache[cacheKey] = resp
	s.variantContentType = resp.ContentType
	return resp, nil
}

func (s *Session) buildHLSVariant(ctx context.Context, body []byte, defLang language.Language) (*manifest.Response, error) {
	if err := s.hls.ParseVariant(body, s.originURL); err != nil {
		return nil, err
	}
	if s.live {
		s.hls.RedirectURLs()
	} else {
		s.hls.MakeURLsAbsolute()
	}

	for _, dst := range s.dsts {
		var err error
		if s.key.Mode == manifest.ModeTranslate {
			_, err = s.hls.CloneSubtitleRendition(s.src, dst, defLang)
		} else {
			_, err = s.hls.AddSubtitleRendition(s.src, dst, defLang)
		}
		if err != nil {
			return nil, err
		}
	}

	if s.key.Mode == manifest.ModeTranscribe {
		if err := s.startTranscribe(ctx); err != nil {
			return nil, err
		}
	}

	cache := manifest.CacheStatic
	if s.live {
		cache = manifest.CacheNone
	}
	return &manifest.Response{
		Body:        s.hls.BuildVariant(),
		ContentType: manifest.ContentTypeHLS,
		Cache:       cache,
	}, nil
}

func (s *Session) buildDASHVariant(ctx context.Context, body []byte, defLang language.Language) (*manifest.Response, error) {
	if err := s.dash.ParseManifest(body, s.originURL); err != nil {
		return nil, err
	}

	if s.live {
		if err := s.startDASHLive(ctx); err != nil {
			return nil, err
		}
		return s.buildLiveMPD()
	}

	if err := s.dash.MakeURLsAbsolute(); err != nil {
		return nil, err
	}
	for _, dst := range s.dsts {
		var err error
		if s.key.Mode == manifest.ModeTranslate {
			_, err = s.dash.CloneSubtitleAdaptationSet(s.src, dst, defLang)
		} else {
			_, err = s.dash.AddSubtitleAdaptationSet(s.src, dst, defLang)
		}
		if err != nil {
			return nil, err
		}
	}

	if s.key.Mode == manifest.ModeTranscribe {
		if err := s.startTranscribe(ctx); err != nil {
			return nil, err
		}
	}

	body, err := s.dash.BuildManifest()
	if err != nil {
		return nil, err
	}
	return &manifest.Response{
		Body:        body,
		ContentType: manifest.ContentTypeMPD,
		Cache:       manifest.CacheStatic,
	}, nil
}

// startDASHLive launches the MPD poller, appends the synthesized
// subtitle sets to its delayed manifest and wires the transcription
// pipeline to the reference audio timeline.
func (s *Session) startDASHLive(ctx context.Context) error {
	poller := livedelay.NewDASHPoller(s.id, s.originURL, s.delaySeconds(), s.logger)
	if err := poller.Start(s.ctx); err != nil {
		return fmt.Errorf("starting MPD poller: %w", err)
	}
	s.dashPoller = poller

	if s.key.Mode == manifest.ModeTranslate {
		for _, dst := range s.dsts {
			if err := poller.CloneSubtitleSet(s.src, dst); err != nil {
				return err
			}
		}
		return nil
	}

	refSet := s.findAudioSet()
	if refSet == nil {
		return fmt.Errorf("no audio adaptation set for language %s", s.src.BCP47)
	}
	s.refSetID = refSet.ID
	for _, dst := range s.dsts {
		if err := poller.SetReference(refSet.ID, dst); err != nil {
			return err
		}
	}
	return s.startTranscribe(ctx)
}

func (s *Session) buildLiveMPD() (*manifest.Response, error) {
	body, _, err := s.dashPoller.DelayedView()
	if err != nil {
		return nil, err
	}
	return &manifest.Response{
		Body:        body,
		ContentType: manifest.ContentTypeMPD,
		Cache:       manifest.CacheNone,
	}, nil
}

// rebuildWithDefault re-emits the variant manifest with a different
// default subtitle language and caches the result.
func (s *Session) rebuildWithDefault(cacheKey string, defLang language.Language) (*manifest.Response, error) {
	var (
		body []byte
		err  error
	)
	switch s.key.Protocol {
	case manifest.ProtocolHLS:
		s.hls.SetDefaultLanguage(defLang)
		body = s.hls.BuildVariant()
	case manifest.ProtocolDASH:
		if s.live {
			return s.buildLiveMPD()
		}
		body, err = s.dash.BuildManifest()
		if err != nil {
			return nil, err
		}
	}

	cache := manifest.CacheStatic
	if s.live {
		cache = manifest.CacheNone
	}
	resp := &manifest.Response{Body: body, ContentType: s.variantContentType, Cache: cache}
	s.variantCache[cacheKey] = resp
	return resp, nil
}

// onLiveManifest serves the delayed view of one origin media playlist.
func (s *Session) onLiveManifest(_ context.Context, req *Request) (*manifest.Response, error) {
	if s.key.Protocol != manifest.ProtocolHLS {
		return nil, fmt.Errorf("live child manifests are an HLS request")
	}

	u, err := urlutil.FromFingerprint(req.LiveOrigin)
	if err != nil {
		return nil, fmt.Errorf("decoding live origin: %w", err)
	}
	poller, err := s.pollerFor(u)
	if err != nil {
		return nil, err
	}

	body, _ := poller.DelayedView()
	return &manifest.Response{
		Body:        body,
		ContentType: manifest.ContentTypeHLS,
		Cache:       manifest.CacheNone,
	}, nil
}

// onSubtitleManifest serves the subtitle child playlist of one
// destination language (HLS only).
func (s *Session) onSubtitleManifest(ctx context.Context, req *Request) (*manifest.Response, error) {
	if err := s.ensureManifest(ctx, req); err != nil {
		return nil, err
	}
	if s.key.Protocol != manifest.ProtocolHLS {
		return nil, fmt.Errorf("subtitle manifests are an HLS request")
	}

	if !s.live {
		if resp, ok := s.subtitleCache[req.DstLang]; ok {
			return resp, nil
		}
	}

	if s.live && s.key.Mode == manifest.ModeTranscribe {
		// The synthesized playlist mirrors the delayed reference window
		// so subtitles exist before players ask for them.
		u, err := urlutil.FromFingerprint(req.Reference)
		if err != nil {
			return nil, fmt.Errorf("decoding reference fingerprint: %w", err)
		}
		poller, err := s.pollerFor(u)
		if err != nil {
			return nil, err
		}
		_, fragments := poller.DelayedView()
		return &manifest.Response{
			Body:        hls.BuildLiveSubtitlePlaylist(fragments),
			ContentType: manifest.ContentTypeHLS,
			Cache:       manifest.CacheNone,
		}, nil
	}

	resp, err := s.cloneReferencePlaylist(ctx, req.DstLang, req.Reference)
	if err != nil {
		return nil, err
	}
	if !s.live {
		s.subtitleCache[req.DstLang] = resp
	}
	s.subtitleManifestBuilt = true
	return resp, nil
}

// cloneReferencePlaylist fetches the reference rendition's playlist,
// records its fragments for timing lookups, and re-emits it with
// segment URIs pointing at the service.
func (s *Session) cloneReferencePlaylist(ctx context.Context, dstLang, reference string) (*manifest.Response, error) {
	refURL, err := urlutil.FromFingerprint(reference)
	if err != nil {
		return nil, fmt.Errorf("decoding reference fingerprint: %w", err)
	}

	result, err := s.client.Get(ctx, refURL.String())
	if err != nil {
		return nil, fmt.Errorf("fetching reference playlist: %w", err)
	}

	pl, err := hls.ParseMediaPlaylist(result.Body, refURL)
	if err != nil {
		return nil, err
	}
	if ref, ok := s.hls.Reference(dstLang); ok {
		ref.SetFragments(pl.Fragments)
	}

	cache := manifest.CacheStatic
	if s.live {
		cache = manifest.CacheNone
	}
	return &manifest.Response{
		Body:        hls.CloneSubtitlePlaylist(pl),
		ContentType: manifest.ContentTypeHLS,
		Cache:       cache,
	}, nil
}

// onSubtitleFragment serves one subtitle fragment, translated from the
// origin or rendered from the transcription buffers.
func (s *Session) onSubtitleFragment(ctx context.Context, req *Request) (*manifest.Response, error) {
	if err := s.ensureManifest(ctx, req); err != nil {
		return nil, err
	}
	if s.key.Protocol == manifest.ProtocolHLS && !s.subtitleManifestBuilt && !s.live {
		if _, err := s.onSubtitleManifest(ctx, req); err != nil {
			return nil, err
		}
	}

	if s.key.Mode == manifest.ModeTranslate {
		return s.translateFragment(ctx, req)
	}
	return s.transcribeFragment(req)
}

// translateFragment fetches the origin subtitle segment, translates its
// cues preserving timing, and re-packs it in the original container.
func (s *Session) translateFragment(ctx context.Context, req *Request) (*manifest.Response, error) {
	var fragURL urlutil.Ref
	var err error
	if s.key.Protocol == manifest.ProtocolHLS {
		fragURL, err = urlutil.FromFingerprint(req.FragmentFingerprint)
	} else {
		fragURL, err = urlutil.Resolve(req.DashTail, s.originURL)
	}
	if err != nil {
		return nil, fmt.Errorf("resolving fragment URL: %w", err)
	}

	result, err := s.client.Get(ctx, fragURL.String())
	if err != nil {
		return nil, fmt.Errorf("fetching subtitle fragment: %w", err)
	}

	// Init segments carry no captions.
	if s.key.Protocol == manifest.ProtocolDASH && req.DashInit() {
		return &manifest.Response{
			Body:        result.Body,
			ContentType: manifest.ContentTypeBinary,
			Cache:       manifest.CacheStatic,
		}, nil
	}

	dst, ok := language.Find(req.DstLang)
	if !ok {
		return nil, fmt.Errorf("unknown destination language %q", req.DstLang)
	}

	if s.key.Protocol == manifest.ProtocolHLS {
		cues, tsMap, err := subtitle.ParseWebVTT(result.Body)
		if err != nil || len(cues) == 0 {
			// Caption-free segments pass through unchanged.
			return &manifest.Response{
				Body:        result.Body,
				ContentType: manifest.ContentTypeWebVTT,
				Cache:       manifest.CacheStatic,
			}, nil
		}
		s.translateCues(ctx, cues, dst)
		return &manifest.Response{
			Body:        subtitle.MarshalWebVTT(cues, tsMap),
			ContentType: manifest.ContentTypeWebVTT,
			Cache:       manifest.CacheStatic,
		}, nil
	}

	seg, err := subtitle.ParseMediaSegment(result.Body)
	if err != nil {
		return nil, fmt.Errorf("parsing subtitle fragment: %w", err)
	}
	cues, err := subtitle.ParseTTML(seg.TTML)
	if err != nil || len(cues) == 0 {
		return &manifest.Response{
			Body:        result.Body,
			ContentType: manifest.ContentTypeBinary,
			Cache:       manifest.CacheStatic,
		}, nil
	}
	s.translateCues(ctx, cues, dst)

	first := cues[0]
	last := cues[len(cues)-1]
	ttml := subtitle.RenderTTML(
		uint64(first.Start*subtitle.DashTimescale),
		uint64(last.End*subtitle.DashTimescale),
		cues,
	)
	body, err := seg.WithTTML(ttml)
	if err != nil {
		return nil, fmt.Errorf("re-packing subtitle fragment: %w", err)
	}
	return &manifest.Response{
		Body:        body,
		ContentType: manifest.ContentTypeBinary,
		Cache:       manifest.CacheStatic,
	}, nil
}

// translateCues replaces cue texts with their translation, keeping the
// source text in place for any sentence the translator fails on.
func (s *Session) translateCues(ctx context.Context, cues []subtitle.Cue, dst language.Language) {
	if s.deps.Translator == nil || dst.BCP47 == s.src.BCP47 {
		return
	}
	texts := make([]string, len(cues))
	for i, cue := range cues {
		texts[i] = cue.Text
	}
	translated, err := s.deps.Translator.Translate(ctx, texts, s.src, dst)
	if err != nil || len(translated) != len(cues) {
		if err != nil {
			s.logger.Error("translating subtitle fragment",
				slog.String("dst_lang", dst.BCP47),
				slog.String("error", err.Error()))
		}
		return
	}
	for i := range cues {
		cues[i].Text = translated[i]
	}
}

// transcribeFragment renders one subtitle fragment from the
// transcription buffers.
func (s *Session) transcribeFragment(req *Request) (*manifest.Response, error) {
	s.mu.Lock()
	pipeline := s.pipeline
	s.mu.Unlock()
	if pipeline == nil {
		return nil, fmt.Errorf("transcription is not running")
	}

	if s.key.Protocol == manifest.ProtocolHLS {
		ref, ok := s.hls.Reference(req.DstLang)
		if !ok {
			return nil, fmt.Errorf("no reference rendition for %s", req.DstLang)
		}
		start, end, ok := ref.Window(req.FragmentFingerprint)
		if !ok {
			return nil, fmt.Errorf("unknown fragment %s", req.FragmentFingerprint)
		}

		var tsMap *subtitle.TimestampMap
		if s.live {
			pts, local := pipeline.StartTimes()
			if pts != 0 || local != 0 {
				// NewPTS reduces demuxer values that overflowed the
				// 33-bit MPEG-TS range back into it.
				tsMap = &subtitle.TimestampMap{PTS: subtitle.NewPTS(uint64(pts)), Local: local}
			}
		}
		lines := pipeline.Lines(req.DstLang, start, end)
		return &manifest.Response{
			Body:        subtitle.RenderWebVTT(start, end, lines, tsMap),
			ContentType: manifest.ContentTypeWebVTT,
			Cache:       manifest.CacheNone,
		}, nil
	}

	if req.DashInit() {
		return &manifest.Response{
			Body:        subtitle.BuildInitSegment(subtitle.DashTimescale),
			ContentType: manifest.ContentTypeBinary,
			Cache:       manifest.CacheStatic,
		}, nil
	}

	ts, err := req.DashTimestampValue()
	if err != nil {
		return nil, err
	}
	// The synthesized live template runs at 1 kHz on the delay buffer
	// clock, the same clock transcription cues are anchored to. The VOD
	// template runs at the subtitle timescale.
	scale := float64(subtitle.DashTimescale)
	if s.live {
		scale = 1000
	}
	start := float64(ts) / scale
	end := start + dashSubtitleSegmentSeconds

	lines := pipeline.Lines(req.DstLang, start, end)
	ttml := subtitle.RenderTTML(
		uint64(start*subtitle.DashTimescale),
		uint64(end*subtitle.DashTimescale),
		lines,
	)
	return &manifest.Response{
		Body:        subtitle.BuildMediaSegment(ts, ttml),
		ContentType: manifest.ContentTypeBinary,
		Cache:       manifest.CacheNone,
	}, nil
}

const dashSubtitleSegmentSeconds = 4

// ensureManifest builds the variant manifest when a child request
// arrives before any variant request did.
func (s *Session) ensureManifest(ctx context.Context, req *Request) error {
	if s.manifestBuilt {
		return nil
	}
	_, err := s.onVariantManifest(ctx, req)
	return err
}

// startTranscribe launches the pipeline once per session.
func (s *Session) startTranscribe(ctx context.Context) error {
	s.mu.Lock()
	running := s.pipeline != nil
	s.mu.Unlock()
	if running {
		return nil
	}

	cfg := transcribe.Config{
		SessionID:      s.id,
		Protocol:       s.key.Protocol,
		Source:         s.src,
		Targets:        s.dsts,
		SampleRate:     s.deps.Config.Transcribe.SampleRate,
		StreamingLimit: s.deps.Config.Transcribe.StreamingLimit,
		LiveRetention:  s.deps.Config.Transcribe.LiveRetention,
		TmpPath:        s.deps.Config.App.TmpPath,
		FFmpegPath:     s.deps.Config.App.FFmpegPath,
		Recognizer:     s.deps.Recognizer,
		Translator:     s.deps.Translator,
		Logger:         s.logger,
	}

	var pipeline *transcribe.Pipeline
	if s.live {
		pipeline = transcribe.NewLive(cfg)
	} else {
		fragments, err := s.referenceFragments(ctx)
		if err != nil {
			return err
		}
		pipeline = transcribe.NewVOD(cfg, fragments)
	}

	if s.key.Protocol == manifest.ProtocolDASH {
		initURL, err := s.dashInitURL()
		if err != nil {
			return err
		}
		if err := pipeline.SetDASHInit(ctx, initURL); err != nil {
			return err
		}
	}

	if err := pipeline.Start(s.ctx); err != nil {
		return err
	}

	if s.live {
		if err := s.registerLiveListener(pipeline); err != nil {
			pipeline.Close()
			return err
		}
	}

	s.mu.Lock()
	s.pipeline = pipeline
	s.mu.Unlock()
	return nil
}

// referenceFragments returns the full fragment list of the VOD
// reference timeline, fetching the reference playlist when needed.
func (s *Session) referenceFragments(ctx context.Context) ([]manifest.Fragment, error) {
	dst := s.dsts[0].BCP47

	if s.key.Protocol == manifest.ProtocolDASH {
		ref, ok := s.dash.Reference(dst)
		if !ok {
			return nil, fmt.Errorf("no reference timeline for %s", dst)
		}
		return ref.Fragments(), nil
	}

	ref, ok := s.hls.Reference(dst)
	if !ok {
		return nil, fmt.Errorf("no reference rendition for %s", dst)
	}
	if len(ref.Fragments()) == 0 {
		fp := ref.Rendition.URL.Fingerprint()
		if _, err := s.cloneReferencePlaylist(ctx, dst, fp); err != nil {
			return nil, err
		}
		s.subtitleManifestBuilt = true
	}
	return ref.Fragments(), nil
}

func (s *Session) dashInitURL() (urlutil.Ref, error) {
	if s.live {
		u, ok := s.dashPoller.ReferenceInitURL()
		if !ok {
			return urlutil.Ref{}, fmt.Errorf("reference init segment not resolved yet")
		}
		return u, nil
	}
	ref, ok := s.dash.Reference(s.dsts[0].BCP47)
	if !ok {
		return urlutil.Ref{}, fmt.Errorf("no reference timeline for %s", s.dsts[0].BCP47)
	}
	return s.dash.InitializationURL(ref.SetID)
}

// registerLiveListener subscribes the pipeline to the reference
// timeline's delay buffer.
func (s *Session) registerLiveListener(pipeline *transcribe.Pipeline) error {
	if s.key.Protocol == manifest.ProtocolDASH {
		s.dashPoller.RegisterListener(pipeline, "")
		return nil
	}

	ref, ok := s.hls.Reference(s.dsts[0].BCP47)
	if !ok {
		return fmt.Errorf("no reference rendition for %s", s.dsts[0].BCP47)
	}
	poller, err := s.pollerFor(ref.Rendition.URL)
	if err != nil {
		return err
	}
	poller.RegisterListener(pipeline, "")
	// Mirror the reference timeline into the engine's fragment list so
	// fragment requests can look their windows up.
	for _, dst := range s.dsts {
		if r, ok := s.hls.Reference(dst.BCP47); ok {
			poller.RegisterListener(&fragmentRecorder{ref: r}, "")
		}
	}
	return nil
}

// fragmentRecorder appends buffered live fragments to a reference's
// fragment list.
type fragmentRecorder struct {
	ref *hls.Reference
}

func (r *fragmentRecorder) OnNewFragment(fragment manifest.Fragment, _ string) {
	r.ref.AppendFragment(fragment)
}

// pollerFor returns the delay buffer of one origin playlist, starting
// it on first use.
func (s *Session) pollerFor(u urlutil.Ref) (*livedelay.HLSPoller, error) {
	fp := u.Fingerprint()
	if p, ok := s.hlsPollers[fp]; ok {
		return p, nil
	}
	p := livedelay.NewHLSPoller(s.id, u, s.delaySeconds(), s.logger)
	if err := p.Start(s.ctx); err != nil {
		return nil, fmt.Errorf("starting playlist poller: %w", err)
	}
	s.hlsPollers[fp] = p
	return p, nil
}

func (s *Session) findAudioSet() *dash.SetInfo {
	for _, info := range s.dash.Sets() {
		if info.ContentType != "audio" {
			continue
		}
		for _, code := range s.src.Codes() {
			if info.Lang == code {
				return info
			}
		}
	}
	return nil
}

// delaySeconds returns the live delay for this session's source
// language.
func (s *Session) delaySeconds() float64 {
	if s.src.LiveDelay > 0 {
		return s.src.LiveDelay.Seconds()
	}
	return s.deps.Config.Delay.Default.Seconds()
}

// Status is the management view of one session.
type Status struct {
	ID        string   `json:"id"`
	State     string   `json:"state"`
	Requests  int      `json:"requests"`
	Time      string   `json:"time"`
	Accuracy  string   `json:"accuracy"`
	Languages []string `json:"languages"`
}

// Status reports the session's state, request count, engine time and
// recognition accuracy.
func (s *Session) Status() Status {
	s.mu.Lock()
	pipeline := s.pipeline
	requests := s.requests
	s.mu.Unlock()

	state := "active"
	engineSeconds := 0.0
	accuracy := 0.0
	if s.key.Mode == manifest.ModeTranscribe {
		if pipeline == nil {
			state = "not active"
		} else {
			state = pipeline.State()
			engineSeconds = pipeline.EngineSeconds()
			accuracy = pipeline.Accuracy()
		}
	}

	return Status{
		ID:        s.id,
		State:     state,
		Requests:  requests,
		Time:      formatEngineTime(engineSeconds),
		Accuracy:  fmt.Sprintf("%.2f%%", accuracy),
		Languages: s.Languages(),
	}
}

func formatEngineTime(seconds float64) string {
	total := int(seconds)
	return fmt.Sprintf("%d:%02d:%02d", total/3600, total/60%60, total%60)
}

// Disable pauses transcription; manifests keep being served.
func (s *Session) Disable() {
	s.mu.Lock()
	pipeline := s.pipeline
	s.mu.Unlock()
	if pipeline != nil {
		pipeline.Pause()
	}
}

// Enable resumes a paused transcription.
func (s *Session) Enable() {
	s.mu.Lock()
	pipeline := s.pipeline
	s.mu.Unlock()
	if pipeline != nil {
		pipeline.Resume(s.ctx)
	}
}

// Close stops the pollers and the pipeline and releases the session's
// resources. It is idempotent.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	pipeline := s.pipeline
	s.pipeline = nil
	s.mu.Unlock()

	for _, p := range s.hlsPollers {
		p.Close()
	}
	if s.dashPoller != nil {
		s.dashPoller.Close()
	}
	if pipeline != nil {
		pipeline.Close()
	}
	s.cancel()

	httpclient.DefaultStats.RemoveSession(s.id)
	s.logger.Info("session closed")
}
