package hls

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/bluenviron/gohlslib/v2/pkg/playlist"

	"github.com/easyott/eos/internal/language"
	"github.com/easyott/eos/internal/manifest"
	"github.com/easyott/eos/internal/observability"
	"github.com/easyott/eos/internal/urlutil"
)

// Rendition is one entry of the variant playlist: a video stream, an
// audio rendition or a subtitle rendition, with its ordered attributes.
type Rendition struct {
	Attrs *Attributes
	URL   urlutil.Ref
	// Synthesized marks renditions this service added.
	Synthesized bool
}

// Reference ties a destination language to the origin rendition whose
// timing the synthesized subtitles follow, and accumulates that
// rendition's fragment list (cloned for VOD, appended for live).
type Reference struct {
	Rendition *Rendition

	mu        sync.Mutex
	fragments []manifest.Fragment
}

// AppendFragment records a fragment observed on the reference timeline.
func (r *Reference) AppendFragment(f manifest.Fragment) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fragments = append(r.fragments, f)
}

// SetFragments replaces the fragment list (VOD clone).
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

// Window returns the [start, end] times of the fragment with the given
// URL fingerprint, or false when the fragment is unknown.
func (r *Reference) Window(fingerprint string) (float64, float64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, f := range r.fragments {
		if f.URL.Fingerprint() == fingerprint {
			return f.StartTime, f.EndTime(), true
		}
	}
	return 0, 0, false
}

// Engine parses one origin variant playlist and rewrites it with
// synthesized subtitle renditions for a single session.
type Engine struct {
	logger *slog.Logger
	live   bool

	version   string
	copyLines []string

	video []*Rendition
	audio []*Rendition
	text  []*Rendition

	// reference maps a destination BCP-47 tag to the rendition backing
	// its subtitle timing.
	reference map[string]*Reference
}

// NewEngine creates an engine for one session.
func NewEngine(live bool, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		logger:    observability.WithComponent(logger, "hls"),
		live:      live,
		reference: make(map[string]*Reference),
	}
}

// ParseVariant ingests the origin variant playlist, splitting its
// renditions into video, audio and subtitle lists and keeping the
// remaining tags for verbatim re-emission.
func (e *Engine) ParseVariant(data []byte, manifestURL urlutil.Ref) error {
	pl, err := playlist.Unmarshal(data)
	if err != nil {
		return fmt.Errorf("parsing variant playlist: %w", err)
	}
	if _, ok := pl.(*playlist.Multivariant); !ok {
		return fmt.Errorf("playlist %s is not a variant playlist", manifestURL)
	}

	nextIsVideoURL := false

	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimRight(line, "\r")

		switch {
		case nextIsVideoURL:
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			video := e.video[len(e.video)-1]
			video.URL, err = urlutil.Resolve(line, manifestURL)
			if err != nil {
				return fmt.Errorf("resolving variant URI %q: %w", line, err)
			}
			nextIsVideoURL = false

		case strings.HasPrefix(line, "#EXT-X-VERSION:"):
			e.version = strings.TrimSpace(strings.TrimPrefix(line, "#EXT-X-VERSION:"))

		case strings.HasPrefix(line, "#EXT-X-STREAM-INF:"):
			e.video = append(e.video, &Rendition{
				Attrs: ParseAttributes(strings.TrimPrefix(line, "#EXT-X-STREAM-INF:")),
			})
			nextIsVideoURL = true

		case strings.HasPrefix(line, "#EXT-X-MEDIA:") && strings.Contains(line, "TYPE=AUDIO") && strings.Contains(line, `URI="`):
			r := &Rendition{Attrs: ParseAttributes(strings.TrimPrefix(line, "#EXT-X-MEDIA:"))}
			r.URL, err = urlutil.Resolve(r.Attrs.GetUnquoted("URI"), manifestURL)
			if err != nil {
				return fmt.Errorf("resolving audio URI: %w", err)
			}
			e.audio = append(e.audio, r)

		case strings.HasPrefix(line, "#EXT-X-MEDIA:") && strings.Contains(line, "TYPE=SUBTITLES") && strings.Contains(line, `URI="`):
			r := &Rendition{Attrs: ParseAttributes(strings.TrimPrefix(line, "#EXT-X-MEDIA:"))}
			// Origin subtitle tracks never win the default slot; the
			// synthesized track decides it.
			if r.Attrs.Has("DEFAULT") {
				r.Attrs.Set("DEFAULT", "NO")
			}
			if r.Attrs.Has("AUTOSELECT") {
				r.Attrs.Set("AUTOSELECT", "NO")
			}
			r.URL, err = urlutil.Resolve(r.Attrs.GetUnquoted("URI"), manifestURL)
			if err != nil {
				return fmt.Errorf("resolving subtitle URI: %w", err)
			}
			e.text = append(e.text, r)

		case strings.HasPrefix(line, "#EXT-X-START:"),
			strings.HasPrefix(line, "#EXT-X-INDEPENDENT-SEGMENTS"),
			strings.HasPrefix(line, "#EXT-X-MEDIA:"):
			e.copyLines = append(e.copyLines, line)
		}
	}
	return nil
}

// Renditions returns every parsed rendition, video first.
func (e *Engine) Renditions() []*Rendition {
	out := make([]*Rendition, 0, len(e.video)+len(e.audio)+len(e.text))
	out = append(out, e.video...)
	out = append(out, e.audio...)
	out = append(out, e.text...)
	return out
}

// MakeURLsAbsolute rewrites every rendition URI to its absolute form,
// for VOD sessions that let players fetch media from the origin.
func (e *Engine) MakeURLsAbsolute() {
	for _, v := range e.video {
		v.Attrs.Set("URI", v.URL.String())
	}
	for _, a := range e.audio {
		a.Attrs.Set("URI", Quote(a.URL.String()))
	}
	for _, t := range e.text {
		if t.Synthesized {
			continue
		}
		t.Attrs.Set("URI", Quote(t.URL.String()))
	}
}

// RedirectURLs rewrites every rendition URI to the service's delayed
// live path, keyed by the rendition's URL fingerprint.
func (e *Engine) RedirectURLs() {
	for _, v := range e.video {
		v.Attrs.Set("URI", livePath(v.URL))
	}
	for _, a := range e.audio {
		a.Attrs.Set("URI", Quote(livePath(a.URL)))
	}
	for _, t := range e.text {
		if t.Synthesized {
			continue
		}
		t.Attrs.Set("URI", Quote(livePath(t.URL)))
	}
}

func livePath(u urlutil.Ref) string {
	return manifest.LivePrefix + "/" + u.Fingerprint() + "/index.m3u8"
}

// AddSubtitleRendition synthesizes a subtitle rendition for dst and
// registers the reference rendition its timing follows: an audio
// rendition matching src when present, else the cheapest AAC video,
// else the cheapest video.
func (e *Engine) AddSubtitleRendition(src, dst, defaultLang language.Language) (*Reference, error) {
	matched := e.matchAudio(src)
	if matched == nil {
		matched = e.matchVideo()
	}
	if matched == nil {
		return nil, fmt.Errorf("no rendition can serve as timing reference for %s", src.BCP47)
	}

	groupID := e.subtitleGroupID()

	attrs := &Attributes{values: make(map[string]string)}
	attrs.Set("TYPE", "SUBTITLES")
	attrs.Set("GROUP-ID", groupID)
	attrs.Set("LANGUAGE", Quote(dst.Code6391))
	attrs.Set("NAME", Quote(dst.Name+" (Eos)"))
	attrs.Set("AUTOSELECT", "NO")
	attrs.Set("FORCED", "NO")
	attrs.Set("DEFAULT", "NO")
	if defaultLang.BCP47 == dst.BCP47 {
		attrs.Set("AUTOSELECT", "YES")
		attrs.Set("DEFAULT", "YES")
	}
	attrs.Set("URI", Quote(fmt.Sprintf("%s/%s/%s/index.m3u8",
		manifest.ManifestPrefix, dst.BCP47, matched.URL.Fingerprint())))

	e.text = append(e.text, &Rendition{Attrs: attrs, Synthesized: true})

	ref := &Reference{Rendition: matched}
	e.reference[dst.BCP47] = ref

	e.logger.Info("added subtitle rendition",
		slog.String("dst_lang", dst.BCP47),
		slog.String("reference", matched.URL.String()),
	)
	return ref, nil
}

// matchAudio returns the audio rendition whose LANGUAGE matches one of
// the source language's codes. Renditions without a LANGUAGE attribute
// act as a fallback when nothing matches.
func (e *Engine) matchAudio(src language.Language) *Rendition {
	var matched *Rendition
	for _, a := range e.audio {
		if !a.Attrs.Has("LANGUAGE") {
			matched = a
			continue
		}
		lang := a.Attrs.GetUnquoted("LANGUAGE")
		for _, code := range src.Codes() {
			if lang == code {
				return a
			}
		}
	}
	return matched
}

// matchVideo returns the lowest-bandwidth video advertising an AAC
// codec, or the lowest-bandwidth video overall.
func (e *Engine) matchVideo() *Rendition {
	if v := e.cheapestVideo(true); v != nil {
		return v
	}
	return e.cheapestVideo(false)
}

func (e *Engine) cheapestVideo(requireAAC bool) *Rendition {
	var (
		best          *Rendition
		bestBandwidth int
	)
	for _, v := range e.video {
		if requireAAC && !strings.Contains(v.Attrs.Get("CODECS"), "mp4a") {
			continue
		}
		bw, err := strconv.Atoi(v.Attrs.Get("BANDWIDTH"))
		if err != nil {
			continue
		}
		if best == nil || bw < bestBandwidth {
			best = v
			bestBandwidth = bw
		}
	}
	return best
}

// subtitleGroupID returns the SUBTITLES group already referenced by the
// video variants, assigning a fresh "WebVTT" group to all of them when
// none exists.
func (e *Engine) subtitleGroupID() string {
	groupID := ""
	for _, v := range e.video {
		if !v.Attrs.Has("SUBTITLES") {
			continue
		}
		if groupID == "" {
			groupID = v.Attrs.Get("SUBTITLES")
		} else if groupID != v.Attrs.Get("SUBTITLES") {
			e.logger.Warn("variants reference multiple SUBTITLES groups",
				slog.String("kept", groupID),
				slog.String("ignored", v.Attrs.Get("SUBTITLES")),
			)
		}
	}
	if groupID == "" {
		groupID = Quote("WebVTT")
		for _, v := range e.video {
			v.Attrs.Set("SUBTITLES", groupID)
		}
	}
	return groupID
}

// CloneSubtitleRendition duplicates an origin subtitle rendition in src
// as a translated rendition for dst, for translate-mode sessions.
func (e *Engine) CloneSubtitleRendition(src, dst, defaultLang language.Language) (*Reference, error) {
	var matched *Rendition
	for _, t := range e.text {
		lang := t.Attrs.GetUnquoted("LANGUAGE")
		for _, code := range src.Codes() {
			if lang == code {
				matched = t
				break
			}
		}
		if matched != nil {
			break
		}
	}
	if matched == nil {
		return nil, fmt.Errorf("no origin subtitle rendition for %s", src.BCP47)
	}

	attrs := matched.Attrs.Clone()
	attrs.Set("LANGUAGE", Quote(dst.Code6391))
	attrs.Set("NAME", Quote(dst.Name+" (Eos)"))
	attrs.Set("AUTOSELECT", "YES")
	if defaultLang.BCP47 == dst.BCP47 {
		attrs.Set("DEFAULT", "YES")
		if matched.Attrs.Has("DEFAULT") {
			matched.Attrs.Set("DEFAULT", "NO")
		}
	}
	attrs.Set("URI", Quote(fmt.Sprintf("%s/%s/%s/index.m3u8",
		manifest.ManifestPrefix, dst.BCP47, matched.URL.Fingerprint())))

	e.text = append(e.text, &Rendition{Attrs: attrs, Synthesized: true})

	ref := &Reference{Rendition: matched}
	e.reference[dst.BCP47] = ref
	return ref, nil
}

// SetDefaultLanguage flips the DEFAULT flag of every synthesized
// subtitle rendition so only defaultLang carries it.
func (e *Engine) SetDefaultLanguage(defaultLang language.Language) {
	for _, t := range e.text {
		if !t.Synthesized || !t.Attrs.Has("LANGUAGE") {
			continue
		}
		lang := t.Attrs.GetUnquoted("LANGUAGE")
		if lang == defaultLang.Code6391 || lang == defaultLang.Code6392 {
			t.Attrs.Set("DEFAULT", "YES")
		} else {
			t.Attrs.Set("DEFAULT", "NO")
		}
	}
}

// Reference returns the reference registered for a destination
// language.
func (e *Engine) Reference(dstBCP47 string) (*Reference, bool) {
	ref, ok := e.reference[dstBCP47]
	return ref, ok
}

// BuildVariant serialises the rewritten variant playlist: preserved
// tags first, then subtitle and audio renditions, then each video
// variant followed by its URI.
func (e *Engine) BuildVariant() []byte {
	var b strings.Builder

	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:5\n")

	for _, line := range e.copyLines {
		b.WriteString(line)
		b.WriteString("\n")
	}

	for _, t := range e.text {
		b.WriteString("#EXT-X-MEDIA:")
		b.WriteString(t.Attrs.Marshal(false))
		b.WriteString("\n")
	}
	for _, a := range e.audio {
		b.WriteString("#EXT-X-MEDIA:")
		b.WriteString(a.Attrs.Marshal(false))
		b.WriteString("\n")
	}
	for _, v := range e.video {
		b.WriteString("#EXT-X-STREAM-INF:")
		b.WriteString(v.Attrs.Marshal(true))
		b.WriteString("\n")
		b.WriteString(v.Attrs.Get("URI"))
		b.WriteString("\n")
	}

	return []byte(b.String())
}
