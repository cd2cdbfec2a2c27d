package livedelay

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	m "github.com/Eyevinn/dash-mpd/mpd"

	"github.com/easyott/eos/internal/language"
	"github.com/easyott/eos/internal/manifest"
	"github.com/easyott/eos/internal/manifest/dash"
	"github.com/easyott/eos/internal/observability"
	"github.com/easyott/eos/internal/urlutil"
	"github.com/easyott/eos/pkg/httpclient"
)

// subtitleSegmentTicks is the synthesized subtitle segment duration in
// the 1000-per-second template timescale.
const subtitleSegmentTicks = 4000

type streamKey struct {
	contentType string
	id          string
}

// clonedSet is a translated duplicate of an origin subtitle set whose
// delayed timeline mirrors its source stream.
type clonedSet struct {
	as     *m.AdaptationSetType
	source streamKey
}

// dashStream accumulates the fragment timeline of one adaptation set
// across polls.
type dashStream struct {
	timeInManifest  float64
	currentTime     float64
	fragments       []manifest.Fragment
	timeInFragments float64
	maxTimestamp    int64
	timescale       uint32
	media           string
	initialization  string
}

// DASHPoller polls one live MPD, buffers every adaptation set's
// fragment timeline and serves a delayed rewrite of the manifest with
// the synthesized subtitle timeline attached.
type DASHPoller struct {
	logger *slog.Logger
	client *httpclient.Client
	url    urlutil.Ref
	delay  float64

	mu             sync.Mutex
	mpd            *m.MPD
	baseURLs       []string
	streams        map[streamKey]*dashStream
	referenceSetID string
	synthesized    []*m.AdaptationSetType
	cloned         []clonedSet
	listeners      []listenerEntry
	firstRead      bool
	longWindowSeen bool
	bufferTimeSet  bool

	cancel context.CancelFunc
	done   chan struct{}
}

// NewDASHPoller creates a poller for one live MPD.
func NewDASHPoller(sessionID string, url urlutil.Ref, delaySeconds float64, logger *slog.Logger) *DASHPoller {
	if logger == nil {
		logger = slog.Default()
	}
	logger = observability.WithComponent(logger, "livedelay")

	cfg := httpclient.DefaultConfig()
	cfg.Logger = logger
	return &DASHPoller{
		logger:    logger.With(slog.String("url", url.String())),
		client:    httpclient.New(cfg, sessionID, "dash live delay"),
		url:       url,
		delay:     delaySeconds,
		streams:   make(map[streamKey]*dashStream),
		firstRead: true,
		done:      make(chan struct{}),
	}
}

// RegisterListener subscribes to fragments newly observed on the
// reference audio timeline.
func (p *DASHPoller) RegisterListener(l Listener, param string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listeners = append(p.listeners, listenerEntry{listener: l, param: param})
}

// SetReference marks the audio adaptation set whose timeline feeds
// transcription and appends the synthesized subtitle set for dst to the
// delayed manifest. Must be called after Start has returned.
func (p *DASHPoller) SetReference(setID string, dst language.Language) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.mpd == nil {
		return fmt.Errorf("no manifest polled yet")
	}
	p.referenceSetID = setID

	as := m.NewAdaptationSet()
	as.MimeType = "application/mp4"
	as.Lang = dst.Code6391
	as.ContentComponents = append(as.ContentComponents, &m.ContentComponentType{
		Id:          m.Ptr(uint32(1)),
		ContentType: "text",
	})
	as.Roles = append(as.Roles, &m.DescriptorType{
		SchemeIdUri: "urn:mpeg:dash:role:2011",
		Value:       "subtitle",
	})

	rep := m.NewRepresentation()
	rep.Id = "eos-" + dst.Code6391
	rep.Bandwidth = 8000
	rep.Codecs = "stpp"
	rep.StartWithSAP = 1
	as.AppendRepresentation(rep)

	st := m.NewSegmentTemplate()
	st.SetTimescale(1000)
	st.Media = manifest.DASHFragmentPrefix + "/" + dst.BCP47 + "/$Time$"
	st.Initialization = manifest.DASHFragmentPrefix + "/" + dst.BCP47 + "/Init"
	st.SegmentTimeline = &m.SegmentTimelineType{}
	as.SegmentTemplate = st

	p.mpd.Periods[0].AppendAdaptationSet(as)
	p.synthesized = append(p.synthesized, as)
	return nil
}

// CloneSubtitleSet duplicates the origin text adaptation set matching
// src as a translated set for dst, routing its segments through the
// service. Must be called after Start has returned.
func (p *DASHPoller) CloneSubtitleSet(src, dst language.Language) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.mpd == nil {
		return fmt.Errorf("no manifest polled yet")
	}

	var origin *m.AdaptationSetType
	var originKey streamKey
	for _, as := range p.mpd.Periods[0].AdaptationSets {
		id, contentType := dash.SetIdentity(as)
		if contentType != "text" {
			continue
		}
		for _, code := range src.Codes() {
			if as.Lang == code {
				origin = as
				originKey = streamKey{contentType: contentType, id: id}
				break
			}
		}
		if origin != nil {
			break
		}
	}
	if origin == nil {
		return fmt.Errorf("no text adaptation set for language %s", src.BCP47)
	}
	if len(origin.Representations) == 0 || origin.SegmentTemplate == nil {
		return fmt.Errorf("text adaptation set %s has no segment template", originKey.id)
	}
	originRep := origin.Representations[0]
	originST := origin.SegmentTemplate

	as := m.NewAdaptationSet()
	as.SegmentAlignment = origin.SegmentAlignment
	as.ContentType = origin.ContentType
	as.MimeType = origin.MimeType
	as.Codecs = origin.Codecs
	as.Lang = dst.Code6392
	as.Roles = append(as.Roles, origin.Roles...)

	rep := m.NewRepresentation()
	rep.Id = originRep.Id + dst.Code6391
	rep.Bandwidth = originRep.Bandwidth
	rep.Codecs = originRep.Codecs
	as.AppendRepresentation(rep)

	// The origin template is absolute by now; the service route keeps
	// it verbatim so fragment requests can resolve the origin segment.
	st := m.NewSegmentTemplate()
	st.SetTimescale(originST.GetTimescale())
	st.Media = manifest.ManifestPrefix + "/" + dst.BCP47 + "/" +
		manifest.DASHFragmentPrefix + "/" + originST.Media
	st.Initialization = manifest.ManifestPrefix + "/" + dst.BCP47 + "/" +
		manifest.DASHFragmentPrefix + "/" + originST.Initialization
	st.SegmentTimeline = &m.SegmentTimelineType{}
	as.SegmentTemplate = st

	p.mpd.Periods[0].AppendAdaptationSet(as)
	p.cloned = append(p.cloned, clonedSet{as: as, source: originKey})
	return nil
}

// Start launches the poll loop and blocks until the first successful
// manifest read.
func (p *DASHPoller) Start(ctx context.Context) error {
	ctx, p.cancel = context.WithCancel(ctx)
	ready := make(chan struct{})
	go p.run(ctx, ready)

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the poll loop and waits for it to exit.
func (p *DASHPoller) Close() {
	if p.cancel != nil {
		p.cancel()
	}
	<-p.done
}

func (p *DASHPoller) run(ctx context.Context, ready chan<- struct{}) {
	defer close(p.done)

	signalled := false
	for {
		if err := p.poll(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Error("polling live manifest", slog.String("error", err.Error()))
		} else if !signalled {
			close(ready)
			signalled = true
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(pollInterval):
		}
	}
}

func (p *DASHPoller) poll(ctx context.Context) error {
	res, err := p.client.Get(ctx, p.url.String())
	if err != nil {
		return err
	}
	mpd, err := m.MPDFromBytes(res.Body)
	if err != nil {
		return fmt.Errorf("parsing live MPD: %w", err)
	}
	if len(mpd.Periods) == 0 {
		return fmt.Errorf("live MPD has no periods")
	}

	p.mu.Lock()

	if p.mpd == nil {
		p.mpd = mpd
	}

	if len(mpd.BaseURL) > 0 {
		p.baseURLs = append(p.baseURLs, string(mpd.BaseURL[0].Value))
		mpd.BaseURL = nil
	}
	period := mpd.Periods[0]
	if len(period.BaseURLs) > 0 {
		p.baseURLs = append(p.baseURLs, string(period.BaseURLs[0].Value))
		period.BaseURLs = nil
	}

	var fresh []manifest.Fragment

	for _, as := range period.AdaptationSets {
		id, contentType := dash.SetIdentity(as)
		st := as.SegmentTemplate
		if st == nil {
			continue
		}

		key := streamKey{contentType: contentType, id: id}
		s := p.streams[key]
		if s == nil {
			s = &dashStream{maxTimestamp: -1}
			p.streams[key] = s
		}
		s.timeInManifest = 0

		repID := ""
		minBandwidth := uint32(math.MaxUint32)
		for _, rep := range as.Representations {
			if rep.Bandwidth < minBandwidth {
				minBandwidth = rep.Bandwidth
				repID = rep.Id
			}
		}

		if err := p.absolutizeTemplate(st); err != nil {
			p.mu.Unlock()
			return err
		}
		s.timescale = st.GetTimescale()
		s.media = st.Media
		s.initialization = dash.ExpandTemplate(st.Initialization, repID, minBandwidth, 0)

		if st.SegmentTimeline == nil {
			continue
		}

		var timestamp uint64
		for _, entry := range st.SegmentTimeline.S {
			if entry.T != nil {
				timestamp = *entry.T
			}
			for i := 0; i <= entry.R; i++ {
				duration := float64(entry.D) / float64(s.timescale)
				s.timeInManifest += duration

				if int64(timestamp) > s.maxTimestamp {
					media := dash.ExpandTemplate(s.media, repID, minBandwidth, timestamp)
					u, err := urlutil.Parse(media)
					if err != nil {
						p.mu.Unlock()
						return fmt.Errorf("parsing segment URL %q: %w", media, err)
					}
					frag := manifest.Fragment{
						URL:       u,
						Duration:  duration,
						StartTime: s.currentTime,
						Timestamp: timestamp,
						Timescale: uint64(s.timescale),
						FirstRead: p.firstRead,
					}
					s.fragments = append(s.fragments, frag)
					s.timeInFragments += duration
					s.currentTime += duration
					s.maxTimestamp = int64(timestamp)

					if contentType == "audio" && id == p.referenceSetID {
						fresh = append(fresh, frag)
					}
				}
				timestamp += entry.D
			}
		}

		if s.timeInManifest > windowCapSeconds {
			if !p.longWindowSeen {
				p.longWindowSeen = true
				p.logger.Warn("live manifest window too long, capping",
					slog.Float64("window", s.timeInManifest))
			}
			s.timeInManifest = windowCapSeconds
		}

		// Evict at most one head fragment per poll once the buffer
		// exceeds the delay plus twice the manifest window.
		if s.timeInFragments > p.delay+2*s.timeInManifest && len(s.fragments) > 0 {
			s.timeInFragments -= s.fragments[0].Duration
			s.fragments = s.fragments[1:]
		}
	}

	p.firstRead = false
	listeners := append([]listenerEntry(nil), p.listeners...)
	p.mu.Unlock()

	for _, frag := range fresh {
		for _, entry := range listeners {
			entry.listener.OnNewFragment(frag, entry.param)
		}
	}
	return nil
}

// absolutizeTemplate rewrites a segment template's media and
// initialization to absolute URLs, collapsing any BaseURL prefix seen
// on the manifest.
func (p *DASHPoller) absolutizeTemplate(st *m.SegmentTemplateType) error {
	media := st.Media
	init := st.Initialization
	if len(p.baseURLs) > 0 {
		base := p.baseURLs[len(p.baseURLs)-1]
		media = base + media
		init = base + init
	}

	mediaURL, err := urlutil.Resolve(media, p.url)
	if err != nil {
		return fmt.Errorf("resolving media template: %w", err)
	}
	st.Media = mediaURL.String()

	initURL, err := urlutil.Resolve(init, p.url)
	if err != nil {
		return fmt.Errorf("resolving initialization template: %w", err)
	}
	st.Initialization = initURL.String()
	return nil
}

// ReferenceInitURL returns the absolute initialization segment URL of
// the reference audio stream.
func (p *DASHPoller) ReferenceInitURL() (urlutil.Ref, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := p.streams[streamKey{contentType: "audio", id: p.referenceSetID}]
	if s == nil || s.initialization == "" {
		return urlutil.Ref{}, false
	}
	u, err := urlutil.Parse(s.initialization)
	if err != nil {
		return urlutil.Ref{}, false
	}
	return u, true
}

// DelayedView rewrites every adaptation set's timeline to the delayed
// window, refreshes the manifest's timing attributes and returns the
// serialised MPD together with the reference stream's delayed window.
func (p *DASHPoller) DelayedView() ([]byte, []manifest.Fragment, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.mpd == nil {
		return nil, nil, fmt.Errorf("no manifest polled yet")
	}

	var (
		refWindow    []manifest.Fragment
		refTimescale float64
		refDuration  uint64
	)
	timelines := make(map[streamKey][]*m.S)

	period := p.mpd.Periods[0]
	for _, as := range period.AdaptationSets {
		if p.isSynthesized(as) {
			continue
		}
		id, contentType := dash.SetIdentity(as)
		st := as.SegmentTemplate
		key := streamKey{contentType: contentType, id: id}
		s := p.streams[key]
		if st == nil || s == nil {
			continue
		}

		start, end := delayWindow(s.fragments, s.timeInFragments, p.delay, s.timeInManifest)

		entries, _, durTicks := collapseTimeline(s.fragments[start:end], s.timescale)
		st.SegmentTimeline = &m.SegmentTimelineType{S: entries}
		timelines[key] = entries

		if contentType == "audio" && id == p.referenceSetID {
			refWindow = append([]manifest.Fragment(nil), s.fragments[start:end]...)
			refTimescale = float64(s.timescale)
			refDuration = durTicks
		}
	}

	// Cloned subtitle sets replay their source stream's delayed window.
	for _, c := range p.cloned {
		if entries, ok := timelines[c.source]; ok {
			c.as.SegmentTemplate.SegmentTimeline = &m.SegmentTimelineType{S: entries}
		}
	}

	if refDuration > 0 && len(refWindow) > 0 {
		// Synthesized segments are addressed on the delay buffer clock,
		// the clock transcription cues are anchored to. Origin $Time$
		// values would miss the cue window on streams whose timeline
		// does not start near zero.
		for _, as := range p.synthesized {
			as.SegmentTemplate.SegmentTimeline = &m.SegmentTimelineType{
				S: []*m.S{{
					T: m.Ptr(uint64(math.Round(refWindow[0].StartTime * 1000))),
					D: subtitleSegmentTicks,
					R: int(float64(refDuration) / refTimescale / 4),
				}},
			}
		}
	}

	p.mpd.PublishTime = m.ConvertToDateTime(float64(time.Now().UTC().Unix()))

	if !p.bufferTimeSet {
		delaySeconds := int(p.delay)
		p.mpd.SuggestedPresentationDelay = m.Seconds2DurPtr(delaySeconds)

		if p.mpd.TimeShiftBufferDepth != nil {
			depth := m.Duration(time.Duration(*p.mpd.TimeShiftBufferDepth) +
				time.Duration(delaySeconds)*time.Second)
			p.mpd.TimeShiftBufferDepth = &depth
		} else {
			p.mpd.TimeShiftBufferDepth = m.Seconds2DurPtr(delaySeconds)
		}

		if p.mpd.MaxSegmentDuration == nil ||
			time.Duration(*p.mpd.MaxSegmentDuration) < 4*time.Second {
			p.mpd.MaxSegmentDuration = m.Seconds2DurPtr(4)
		}
		p.bufferTimeSet = true
	}

	var buf bytes.Buffer
	if _, err := p.mpd.Write(&buf, "  ", true); err != nil {
		return nil, nil, fmt.Errorf("serialising delayed MPD: %w", err)
	}
	return buf.Bytes(), refWindow, nil
}

func (p *DASHPoller) isSynthesized(as *m.AdaptationSetType) bool {
	for _, syn := range p.synthesized {
		if syn == as {
			return true
		}
	}
	for _, c := range p.cloned {
		if c.as == as {
			return true
		}
	}
	return false
}

// collapseTimeline rebuilds a SegmentTimeline from a fragment window,
// merging contiguous equal-duration segments into repeat runs.
func collapseTimeline(fragments []manifest.Fragment, timescale uint32) ([]*m.S, uint64, uint64) {
	var (
		entries  []*m.S
		last     *m.S
		firstTS  uint64
		durSum   uint64
		nextTS   uint64
		haveLast bool
	)

	for i, frag := range fragments {
		durTicks := uint64(math.Round(frag.Duration * float64(timescale)))
		if i == 0 {
			firstTS = frag.Timestamp
		}

		if haveLast && last.D == durTicks && nextTS == frag.Timestamp {
			last.R++
		} else {
			entry := &m.S{D: durTicks}
			if i == 0 || nextTS != frag.Timestamp {
				entry.T = m.Ptr(frag.Timestamp)
			}
			entries = append(entries, entry)
			last = entry
			haveLast = true
		}

		durSum += durTicks
		nextTS = frag.Timestamp + durTicks
	}
	return entries, firstTS, durSum
}
