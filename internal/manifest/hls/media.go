package hls

import (
	"fmt"
	"strings"

	"github.com/bluenviron/gohlslib/v2/pkg/playlist"

	"github.com/easyott/eos/internal/manifest"
	"github.com/easyott/eos/internal/urlutil"
)

// MediaPlaylist is a parsed media playlist with fragments resolved to
// absolute URLs and per-segment key/discontinuity state.
type MediaPlaylist struct {
	TargetDuration int
	MediaSequence  uint64
	Endlist        bool
	Fragments      []manifest.Fragment
}

// segmentTags carries the per-segment state scraped from raw playlist
// lines that the structured parse does not expose.
type segmentTags struct {
	discontinuity bool
	encryption    *manifest.Encryption
}

// ParseMediaPlaylist parses a media playlist, resolving segment and key
// URLs against base. Fragment start times accumulate from zero and
// sequence numbers continue from EXT-X-MEDIA-SEQUENCE.
func ParseMediaPlaylist(data []byte, base urlutil.Ref) (*MediaPlaylist, error) {
	pl, err := playlist.Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("parsing media playlist: %w", err)
	}
	media, ok := pl.(*playlist.Media)
	if !ok {
		return nil, fmt.Errorf("playlist %s is not a media playlist", base)
	}

	tags, err := scanSegmentTags(data, base)
	if err != nil {
		return nil, err
	}

	out := &MediaPlaylist{
		TargetDuration: media.TargetDuration,
		MediaSequence:  uint64(media.MediaSequence),
		Endlist:        media.Endlist,
	}

	startTime := 0.0
	for i, seg := range media.Segments {
		if seg == nil {
			continue
		}
		frag := manifest.Fragment{
			Duration:  seg.Duration.Seconds(),
			StartTime: startTime,
			Sequence:  out.MediaSequence + uint64(i),
		}
		frag.URL, err = urlutil.Resolve(seg.URI, base)
		if err != nil {
			return nil, fmt.Errorf("resolving segment URI %q: %w", seg.URI, err)
		}
		if i < len(tags) {
			frag.Discontinuity = tags[i].discontinuity
			frag.Encryption = tags[i].encryption
		}
		startTime += frag.Duration
		out.Fragments = append(out.Fragments, frag)
	}
	return out, nil
}

// scanSegmentTags walks the raw playlist lines, associating each
// segment URI with the discontinuity marker preceding it and the key
// in effect at that point.
func scanSegmentTags(data []byte, base urlutil.Ref) ([]segmentTags, error) {
	var (
		out           []segmentTags
		discontinuity bool
		encryption    *manifest.Encryption
	)

	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		switch {
		case line == "#EXT-X-DISCONTINUITY":
			discontinuity = true

		case strings.HasPrefix(line, "#EXT-X-KEY:"):
			attrs := ParseAttributes(strings.TrimPrefix(line, "#EXT-X-KEY:"))
			if attrs.Get("METHOD") == "NONE" {
				encryption = nil
				continue
			}
			enc := &manifest.Encryption{
				Method: attrs.Get("METHOD"),
				IV:     attrs.Get("IV"),
			}
			keyURL, err := urlutil.Resolve(attrs.GetUnquoted("URI"), base)
			if err != nil {
				return nil, fmt.Errorf("resolving key URI: %w", err)
			}
			enc.KeyURI = keyURL
			encryption = enc

		case line != "" && !strings.HasPrefix(line, "#"):
			out = append(out, segmentTags{
				discontinuity: discontinuity,
				encryption:    encryption,
			})
			discontinuity = false
		}
	}
	return out, nil
}

// CloneSubtitlePlaylist re-emits a parsed reference playlist as the
// subtitle child playlist: every segment URI is replaced by the
// service's fragment path keyed by the origin segment's fingerprint.
// Key tags are dropped since the emitted subtitle fragments are
// plaintext.
func CloneSubtitlePlaylist(pl *MediaPlaylist) []byte {
	var b strings.Builder

	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:5\n")
	fmt.Fprintf(&b, "#EXT-X-TARGETDURATION:%d\n", pl.TargetDuration)
	if pl.MediaSequence > 0 {
		fmt.Fprintf(&b, "#EXT-X-MEDIA-SEQUENCE:%d\n", pl.MediaSequence)
	}

	for _, frag := range pl.Fragments {
		if frag.Discontinuity {
			b.WriteString("#EXT-X-DISCONTINUITY\n")
		}
		fmt.Fprintf(&b, "#EXTINF:%.3f,\n", frag.Duration)
		b.WriteString(fragmentPath(frag))
		b.WriteString("\n")
	}

	if pl.Endlist {
		b.WriteString("#EXT-X-ENDLIST\n")
	}
	return []byte(b.String())
}

// BuildLiveSubtitlePlaylist renders the subtitle child playlist over
// the delayed fragment window of a live session.
func BuildLiveSubtitlePlaylist(fragments []manifest.Fragment) []byte {
	var b strings.Builder

	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:5\n")
	b.WriteString("#EXT-X-TARGETDURATION:15\n")

	if len(fragments) > 0 {
		fmt.Fprintf(&b, "#EXT-X-MEDIA-SEQUENCE:%d\n", fragments[0].Sequence)
	}

	for _, frag := range fragments {
		if frag.Discontinuity {
			b.WriteString("#EXT-X-DISCONTINUITY\n")
		}
		fmt.Fprintf(&b, "#EXTINF:%.2f,\n", frag.Duration)
		b.WriteString(fragmentPath(frag))
		b.WriteString("\n")
	}
	return []byte(b.String())
}

func fragmentPath(frag manifest.Fragment) string {
	return manifest.HLSFragmentPrefix + "/" + frag.URL.Fingerprint()
}

// BuildDelayedMediaPlaylist re-emits the delayed window of an origin
// media playlist with segment URLs kept absolute, for players pulling
// audio and video through the delay buffer.
func BuildDelayedMediaPlaylist(targetDuration int, fragments []manifest.Fragment) []byte {
	var b strings.Builder

	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:5\n")
	fmt.Fprintf(&b, "#EXT-X-TARGETDURATION:%d\n", targetDuration)

	if len(fragments) > 0 {
		fmt.Fprintf(&b, "#EXT-X-MEDIA-SEQUENCE:%d\n", fragments[0].Sequence)
	}

	currentKey := ""
	for _, frag := range fragments {
		if frag.Discontinuity {
			b.WriteString("#EXT-X-DISCONTINUITY\n")
		}
		if key := keyLine(frag.Encryption); key != currentKey {
			if key != "" {
				b.WriteString(key)
				b.WriteString("\n")
			}
			currentKey = key
		}
		fmt.Fprintf(&b, "#EXTINF:%.2f,\n", frag.Duration)
		b.WriteString(frag.URL.String())
		b.WriteString("\n")
	}
	return []byte(b.String())
}

func keyLine(enc *manifest.Encryption) string {
	if enc == nil {
		return ""
	}
	line := "#EXT-X-KEY:METHOD=" + enc.Method + ",URI=" + Quote(enc.KeyURI.String())
	if enc.IV != "" {
		line += ",IV=" + enc.IV
	}
	return line
}
