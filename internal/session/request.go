package session

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/easyott/eos/internal/language"
	"github.com/easyott/eos/internal/manifest"
	"github.com/easyott/eos/internal/urlutil"
)

// Key identifies a logical session: two requests carrying the same key
// share manifest state and the transcription pipeline.
type Key struct {
	Origin    string
	Protocol  manifest.Protocol
	Streaming manifest.Streaming
	Mode      manifest.Mode
	SrcLang   string
}

// Kind is the request subtype derived from the trailing path segments.
type Kind int

const (
	// KindVariant is the rewritten top-level manifest.
	KindVariant Kind = iota
	// KindLiveManifest is a delayed video/audio child playlist.
	KindLiveManifest
	// KindSubtitleManifest is the synthesized subtitle child playlist.
	KindSubtitleManifest
	// KindHLSFragment is a WebVTT subtitle fragment.
	KindHLSFragment
	// KindDASHFragment is an fMP4 subtitle fragment or init segment.
	KindDASHFragment
)

// Request is one parsed streaming request under /eos/v1/.
type Request struct {
	Path string
	Key  Key
	Kind Kind

	Src language.Language

	// DstLanguages is the validated language list of a variant request.
	DstLanguages []string
	// Default is the requested default subtitle language, when given.
	Default string

	// DstLang is the destination language of a subtitle manifest or
	// fragment request.
	DstLang string
	// LiveOrigin is the fingerprint of the origin playlist behind a
	// delayed live request.
	LiveOrigin string
	// Reference is the fingerprint of the reference rendition playlist.
	Reference string
	// FragmentFingerprint identifies the origin segment of an HLS
	// subtitle fragment request.
	FragmentFingerprint string
	// DashTail is the origin-relative remainder of a DASH fragment
	// path, with template variables already substituted by the player.
	DashTail string
}

// ParseRequest validates a streaming path and its query parameters and
// synthesizes the session key.
func ParseRequest(path string, query url.Values) (*Request, error) {
	t := strings.Split(strings.Trim(path, "/"), "/")
	if len(t) < 8 {
		return nil, fmt.Errorf("path %q has too few segments", path)
	}
	if t[0] != manifest.ServiceName {
		return nil, fmt.Errorf("unknown service %q", t[0])
	}
	if t[1] != "v1" {
		return nil, fmt.Errorf("unknown version %q", t[1])
	}

	protocol, err := manifest.ParseProtocol(t[2])
	if err != nil {
		return nil, err
	}
	streaming, err := manifest.ParseStreaming(t[3])
	if err != nil {
		return nil, err
	}
	mode, err := manifest.ParseMode(t[4])
	if err != nil {
		return nil, err
	}
	src, ok := language.Find(t[5])
	if !ok {
		return nil, fmt.Errorf("unknown source language %q", t[5])
	}
	origin := t[6]
	if _, err := urlutil.FromFingerprint(origin); err != nil {
		return nil, fmt.Errorf("invalid origin fingerprint: %w", err)
	}

	req := &Request{
		Path: path,
		Key: Key{
			Origin:    origin,
			Protocol:  protocol,
			Streaming: streaming,
			Mode:      mode,
			SrcLang:   src.BCP47,
		},
		Src: src,
	}

	rest := t[7:]
	switch {
	case rest[0] == manifest.ManifestPrefix+".m3u8" || rest[0] == manifest.ManifestPrefix+".mpd":
		req.Kind = KindVariant
		langs := strings.Split(query.Get("languages"), ",")
		for _, l := range langs {
			if _, ok := language.Find(l); !ok {
				return nil, fmt.Errorf("unknown destination language %q", l)
			}
			req.DstLanguages = append(req.DstLanguages, l)
		}
		if d := query.Get("default"); d != "" {
			if _, ok := language.Find(d); !ok {
				return nil, fmt.Errorf("unknown default language %q", d)
			}
			req.Default = d
		}

	case rest[0] == manifest.LivePrefix:
		if len(rest) < 3 {
			return nil, fmt.Errorf("truncated live manifest path %q", path)
		}
		if _, err := urlutil.FromFingerprint(rest[1]); err != nil {
			return nil, fmt.Errorf("invalid live origin fingerprint: %w", err)
		}
		req.Kind = KindLiveManifest
		req.LiveOrigin = rest[1]

	case rest[0] == manifest.DASHFragmentPrefix:
		// Live DASH subtitle template: eos_dash_fragment/{dst}/{time|Init}.
		if len(rest) < 3 {
			return nil, fmt.Errorf("truncated fragment path %q", path)
		}
		if _, ok := language.Find(rest[1]); !ok {
			return nil, fmt.Errorf("unknown destination language %q", rest[1])
		}
		req.Kind = KindDASHFragment
		req.DstLang = rest[1]
		req.DashTail = strings.Join(rest[2:], "/")

	case rest[0] == manifest.ManifestPrefix:
		if len(rest) < 4 {
			return nil, fmt.Errorf("truncated subtitle path %q", path)
		}
		if _, ok := language.Find(rest[1]); !ok {
			return nil, fmt.Errorf("unknown destination language %q", rest[1])
		}
		req.DstLang = rest[1]

		if rest[2] == manifest.DASHFragmentPrefix {
			// VOD DASH subtitle template keeps the origin media path:
			// eos_manifest/{dst}/eos_dash_fragment/{origin path}.
			req.Kind = KindDASHFragment
			req.DashTail = strings.Join(rest[3:], "/")
			break
		}

		if _, err := urlutil.FromFingerprint(rest[2]); err != nil {
			return nil, fmt.Errorf("invalid reference fingerprint: %w", err)
		}
		req.Reference = rest[2]

		switch {
		case rest[3] == "index.m3u8":
			req.Kind = KindSubtitleManifest
		case rest[3] == manifest.HLSFragmentPrefix && len(rest) >= 5:
			req.Kind = KindHLSFragment
			req.FragmentFingerprint = rest[4]
		default:
			return nil, fmt.Errorf("unknown subtitle path %q", path)
		}

	default:
		return nil, fmt.Errorf("unknown request path %q", path)
	}

	return req, nil
}

// DashTimestamp returns the last component of a DASH fragment path,
// which carries the substituted $Time$ value or the Init marker.
func (r *Request) DashTimestamp() string {
	if i := strings.LastIndex(r.DashTail, "/"); i >= 0 {
		return r.DashTail[i+1:]
	}
	return r.DashTail
}

// DashInit reports whether a DASH fragment request addresses the
// initialization segment.
func (r *Request) DashInit() bool {
	ts := r.DashTimestamp()
	return ts == "Init" || strings.Contains(ts, "=Init")
}

// DashTimestampValue parses the numeric timestamp out of the fragment
// path's last component, tolerating a trailing extension.
func (r *Request) DashTimestampValue() (uint64, error) {
	ts := r.DashTimestamp()
	start := 0
	for start < len(ts) && (ts[start] < '0' || ts[start] > '9') {
		start++
	}
	end := start
	for end < len(ts) && ts[end] >= '0' && ts[end] <= '9' {
		end++
	}
	if start == end {
		return 0, fmt.Errorf("no timestamp in fragment path %q", ts)
	}
	return strconv.ParseUint(ts[start:end], 10, 64)
}
