// Package dash rewrites MPD manifests with synthesized stpp subtitle
// adaptation sets and expands segment timelines into fragment lists.
package dash

import (
	"bytes"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	m "github.com/Eyevinn/dash-mpd/mpd"

	"github.com/easyott/eos/internal/language"
	"github.com/easyott/eos/internal/manifest"
	"github.com/easyott/eos/internal/observability"
	"github.com/easyott/eos/internal/urlutil"
)

const (
	// SubtitleTimescale is the timescale advertised by synthesized
	// subtitle segment templates.
	SubtitleTimescale = 10000000
	// subtitleSegmentSeconds is the fixed duration of one synthesized
	// subtitle segment.
	subtitleSegmentSeconds = 4
)

// SetInfo is the per-adaptation-set state recorded at parse time. Media
// and Initialization keep the origin's template strings before any URL
// rewriting.
type SetInfo struct {
	ID             string
	ContentType    string
	Lang           string
	Media          string
	Initialization string
	Timescale      uint32
	TotalFragments int
	TotalDuration  float64
}

// Reference ties a destination language to the origin adaptation set
// whose timing the synthesized subtitles follow, with that set's
// expanded fragment timeline.
type Reference struct {
	SetID string

	mu        sync.Mutex
	fragments []manifest.Fragment
}

// AppendFragment records a fragment observed on the reference timeline.
func (r *Reference) AppendFragment(f manifest.Fragment) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fragments = append(r.fragments, f)
}

// SetFragments replaces the fragment list.
func (r *Reference) SetFragments(fragments []manifest.Fragment) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fragments = fragments
}

// Fragments returns a copy of the recorded fragment list.
func (r *Reference) Fragments() []manifest.Fragment {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]manifest.Fragment(nil), r.fragments...)
}

// FragmentByURL returns the fragment with the given URL fingerprint and
// the fragment following it on the timeline, when one exists.
func (r *Reference) FragmentByURL(fingerprint string) (frag manifest.Fragment, next *manifest.Fragment, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, f := range r.fragments {
		if f.URL.Fingerprint() == fingerprint {
			if i+1 < len(r.fragments) {
				n := r.fragments[i+1]
				return f, &n, true
			}
			return f, nil, true
		}
	}
	return manifest.Fragment{}, nil, false
}

// Engine parses one origin MPD and rewrites it with synthesized stpp
// subtitle adaptation sets for a single session.
type Engine struct {
	logger *slog.Logger
	live   bool

	mpd         *m.MPD
	manifestURL urlutil.Ref

	sets   []*SetInfo
	nextID uint32

	// reference maps a destination BCP-47 tag to the adaptation set
	// backing its subtitle timing.
	reference map[string]*Reference

	// synthesized marks the adaptation sets this engine added, so URL
	// rewriting leaves their service-relative templates alone.
	synthesized map[*m.AdaptationSetType]bool
}

// NewEngine creates an engine for one session.
func NewEngine(live bool, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		logger:      observability.WithComponent(logger, "dash"),
		live:        live,
		reference:   make(map[string]*Reference),
		synthesized: make(map[*m.AdaptationSetType]bool),
	}
}

// ParseManifest ingests the origin MPD, recording per-adaptation-set
// identity, language, segment template and summed timeline duration.
func (e *Engine) ParseManifest(data []byte, manifestURL urlutil.Ref) error {
	mpd, err := m.MPDFromBytes(data)
	if err != nil {
		return fmt.Errorf("parsing MPD: %w", err)
	}
	if len(mpd.Periods) == 0 {
		return fmt.Errorf("MPD %s has no periods", manifestURL)
	}

	e.mpd = mpd
	e.manifestURL = manifestURL
	e.sets = nil
	e.nextID = 0

	period := mpd.Periods[0]
	for _, as := range period.AdaptationSets {
		id, contentType := SetIdentity(as)

		info := &SetInfo{
			ID:          id,
			ContentType: contentType,
		}
		if contentType == "audio" || contentType == "text" {
			info.Lang = as.Lang
		}

		st := as.SegmentTemplate
		if st == nil {
			return fmt.Errorf("adaptation set %s has no segment template", id)
		}
		info.Media = st.Media
		info.Initialization = st.Initialization
		info.Timescale = st.GetTimescale()

		if st.SegmentTimeline != nil {
			for _, s := range st.SegmentTimeline.S {
				repeat := s.R + 1
				info.TotalFragments += repeat
				info.TotalDuration += float64(repeat) * float64(s.D) / float64(info.Timescale)
			}
		}

		e.sets = append(e.sets, info)

		if n, err := strconv.ParseUint(id, 10, 32); err == nil && uint32(n) >= e.nextID {
			e.nextID = uint32(n) + 1
		}

		e.logger.Debug("parsed adaptation set",
			slog.String("id", info.ID),
			slog.String("content_type", info.ContentType),
			slog.String("lang", info.Lang),
			slog.Int("fragments", info.TotalFragments),
			slog.Float64("duration", info.TotalDuration),
		)
	}
	return nil
}

// SetIdentity returns the adaptation set's id and content type, falling
// back to the first content component when the set itself carries none.
func SetIdentity(as *m.AdaptationSetType) (string, string) {
	id := ""
	contentType := string(as.ContentType)

	if as.Id != nil {
		id = strconv.FormatUint(uint64(*as.Id), 10)
	} else if len(as.ContentComponents) > 0 {
		cc := as.ContentComponents[0]
		if cc.Id != nil {
			id = strconv.FormatUint(uint64(*cc.Id), 10)
		}
		contentType = string(cc.ContentType)
	}
	return id, contentType
}

// Sets returns the parsed adaptation set records.
func (e *Engine) Sets() []*SetInfo {
	return e.sets
}

// MakeURLsAbsolute rewrites every segment template's media and
// initialization to absolute form, for VOD sessions that let players
// fetch media from the origin. Template variables pass through
// untouched.
func (e *Engine) MakeURLsAbsolute() error {
	period := e.mpd.Periods[0]
	for _, as := range period.AdaptationSets {
		st := as.SegmentTemplate
		if st == nil || e.synthesized[as] {
			continue
		}
		media, err := urlutil.Resolve(st.Media, e.manifestURL)
		if err != nil {
			return fmt.Errorf("resolving media template: %w", err)
		}
		st.Media = media.String()

		init, err := urlutil.Resolve(st.Initialization, e.manifestURL)
		if err != nil {
			return fmt.Errorf("resolving initialization template: %w", err)
		}
		st.Initialization = init.String()
	}
	return nil
}

// AddSubtitleAdaptationSet synthesizes a text adaptation set for dst
// referencing the audio set whose language matches src, and expands the
// reference timeline into a fragment list for VOD sessions.
func (e *Engine) AddSubtitleAdaptationSet(src, dst, defaultLang language.Language) (*Reference, error) {
	matched := e.matchSet("audio", src)
	if matched == nil {
		return nil, fmt.Errorf("no audio adaptation set for language %s", src.BCP47)
	}

	as := m.NewAdaptationSet()
	as.Id = m.Ptr(e.nextID)
	e.nextID++
	as.SegmentAlignment = true
	as.ContentType = "text"
	as.MimeType = "application/mp4"
	as.Lang = dst.Code6392
	as.Roles = append(as.Roles, &m.DescriptorType{
		SchemeIdUri: "urn:mpeg:dash:role:2011",
		Value:       "subtitle",
	})

	rep := m.NewRepresentation()
	rep.Id = "eos-" + dst.Code6391
	rep.Bandwidth = 100
	rep.Codecs = "stpp"
	as.AppendRepresentation(rep)

	st := m.NewSegmentTemplate()
	st.SetTimescale(SubtitleTimescale)
	st.PresentationTimeOffset = m.Ptr(uint64(0))
	st.Media = servicePath(dst, matched.Media)
	st.Initialization = servicePath(dst, matched.Initialization)
	st.SegmentTimeline = &m.SegmentTimelineType{
		S: []*m.S{{
			D: subtitleSegmentSeconds * SubtitleTimescale,
			R: int(matched.TotalDuration / subtitleSegmentSeconds),
		}},
	}
	as.SegmentTemplate = st

	e.mpd.Periods[0].AppendAdaptationSet(as)
	e.synthesized[as] = true

	ref := &Reference{SetID: matched.ID}
	if !e.live {
		fragments, err := e.expandTimeline(matched)
		if err != nil {
			return nil, err
		}
		ref.SetFragments(fragments)
	}
	e.reference[dst.BCP47] = ref

	e.logger.Info("added subtitle adaptation set",
		slog.String("dst_lang", dst.BCP47),
		slog.String("reference_set", matched.ID),
	)
	return ref, nil
}

// CloneSubtitleAdaptationSet duplicates an origin text adaptation set
// in src as a translated set for dst, for translate-mode sessions.
func (e *Engine) CloneSubtitleAdaptationSet(src, dst, defaultLang language.Language) (*Reference, error) {
	matched := e.matchSet("text", src)
	if matched == nil {
		return nil, fmt.Errorf("no text adaptation set for language %s", src.BCP47)
	}
	origin := e.findAdaptationSet(matched.ID)
	if origin == nil || len(origin.Representations) == 0 {
		return nil, fmt.Errorf("adaptation set %s has no representations", matched.ID)
	}
	originRep := origin.Representations[0]

	as := m.NewAdaptationSet()
	as.Id = m.Ptr(e.nextID)
	e.nextID++
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

	originST := origin.SegmentTemplate
	st := m.NewSegmentTemplate()
	st.SetTimescale(originST.GetTimescale())
	st.Media = servicePath(dst, matched.Media)
	st.Initialization = servicePath(dst, matched.Initialization)
	st.SegmentTimeline = originST.SegmentTimeline
	as.SegmentTemplate = st

	e.mpd.Periods[0].AppendAdaptationSet(as)
	e.synthesized[as] = true

	ref := &Reference{SetID: matched.ID}
	if !e.live {
		fragments, err := e.expandTimeline(matched)
		if err != nil {
			return nil, err
		}
		ref.SetFragments(fragments)
	}
	e.reference[dst.BCP47] = ref
	return ref, nil
}

// Reference returns the reference registered for a destination
// language.
func (e *Engine) Reference(dstBCP47 string) (*Reference, bool) {
	ref, ok := e.reference[dstBCP47]
	return ref, ok
}

// BuildManifest serialises the rewritten MPD.
func (e *Engine) BuildManifest() ([]byte, error) {
	var buf bytes.Buffer
	if _, err := e.mpd.Write(&buf, "  ", true); err != nil {
		return nil, fmt.Errorf("serialising MPD: %w", err)
	}
	return buf.Bytes(), nil
}

func (e *Engine) matchSet(contentType string, lang language.Language) *SetInfo {
	for _, info := range e.sets {
		if info.ContentType != contentType {
			continue
		}
		for _, code := range lang.Codes() {
			if info.Lang == code {
				return info
			}
		}
	}
	return nil
}

func (e *Engine) findAdaptationSet(id string) *m.AdaptationSetType {
	for _, as := range e.mpd.Periods[0].AdaptationSets {
		asID, _ := SetIdentity(as)
		if asID == id {
			return as
		}
	}
	return nil
}

// expandTimeline walks the origin set's segment timeline, substituting
// the template variables of its first representation, and returns one
// fragment per segment with its timestamp and duration.
func (e *Engine) expandTimeline(info *SetInfo) ([]manifest.Fragment, error) {
	origin := e.findAdaptationSet(info.ID)
	if origin == nil || len(origin.Representations) == 0 {
		return nil, fmt.Errorf("adaptation set %s has no representations", info.ID)
	}
	st := origin.SegmentTemplate
	if st == nil || st.SegmentTimeline == nil {
		return nil, fmt.Errorf("adaptation set %s has no segment timeline", info.ID)
	}
	rep := origin.Representations[0]

	var (
		fragments []manifest.Fragment
		timestamp uint64
	)
	for _, s := range st.SegmentTimeline.S {
		if s.T != nil {
			timestamp = *s.T
		}
		for i := 0; i <= s.R; i++ {
			media := ExpandTemplate(info.Media, rep.Id, rep.Bandwidth, timestamp)
			u, err := urlutil.Resolve(media, e.manifestURL)
			if err != nil {
				return nil, fmt.Errorf("resolving segment URL %q: %w", media, err)
			}
			fragments = append(fragments, manifest.Fragment{
				URL:       u,
				Duration:  float64(s.D) / float64(info.Timescale),
				Timestamp: timestamp,
				Timescale: uint64(info.Timescale),
			})
			timestamp += s.D
		}
	}
	return fragments, nil
}

// InitializationURL returns the absolute URL of a set's initialization
// segment, with template variables substituted from its first
// representation.
func (e *Engine) InitializationURL(setID string) (urlutil.Ref, error) {
	for _, info := range e.sets {
		if info.ID != setID {
			continue
		}
		origin := e.findAdaptationSet(setID)
		if origin == nil || len(origin.Representations) == 0 {
			return urlutil.Ref{}, fmt.Errorf("adaptation set %s has no representations", setID)
		}
		rep := origin.Representations[0]
		init := ExpandTemplate(info.Initialization, rep.Id, rep.Bandwidth, 0)
		return urlutil.Resolve(init, e.manifestURL)
	}
	return urlutil.Ref{}, fmt.Errorf("unknown adaptation set %s", setID)
}

// ExpandTemplate substitutes the $RepresentationID$, $Bandwidth$ and
// $Time$ variables of a segment template.
func ExpandTemplate(media, representationID string, bandwidth uint32, timestamp uint64) string {
	media = strings.ReplaceAll(media, "$Bandwidth$", strconv.FormatUint(uint64(bandwidth), 10))
	media = strings.ReplaceAll(media, "$Time$", strconv.FormatUint(timestamp, 10))
	media = strings.ReplaceAll(media, "$RepresentationID$", representationID)
	return media
}

func servicePath(dst language.Language, originTemplate string) string {
	return fmt.Sprintf("%s/%s/%s/%s",
		manifest.ManifestPrefix, dst.BCP47, manifest.DASHFragmentPrefix, originTemplate)
}
