// Package manifest defines the entities shared by the HLS and DASH
// engines: fragments, parsed manifests and response envelopes.
package manifest

import (
	"fmt"
	"strings"

	"github.com/easyott/eos/internal/urlutil"
)

// Protocol identifies the streaming protocol of an origin.
type Protocol string

const (
	ProtocolHLS  Protocol = "hls"
	ProtocolDASH Protocol = "dash"
)

// ParseProtocol parses a protocol path token.
func ParseProtocol(s string) (Protocol, error) {
	switch Protocol(strings.ToLower(s)) {
	case ProtocolHLS:
		return ProtocolHLS, nil
	case ProtocolDASH:
		return ProtocolDASH, nil
	}
	return "", fmt.Errorf("unknown protocol %q", s)
}

// Streaming identifies whether the origin is live or on-demand.
type Streaming string

const (
	StreamingVOD  Streaming = "vod"
	StreamingLive Streaming = "live"
)

// ParseStreaming parses a streaming path token.
func ParseStreaming(s string) (Streaming, error) {
	switch Streaming(strings.ToLower(s)) {
	case StreamingVOD:
		return StreamingVOD, nil
	case StreamingLive:
		return StreamingLive, nil
	}
	return "", fmt.Errorf("unknown streaming type %q", s)
}

// Mode identifies how subtitles are produced.
type Mode string

const (
	ModeTranslate  Mode = "translate"
	ModeTranscribe Mode = "transcribe"
	ModeOCR        Mode = "ocr"
)

// ParseMode parses a mode path token.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(s)) {
	case ModeTranslate:
		return ModeTranslate, nil
	case ModeTranscribe:
		return ModeTranscribe, nil
	case ModeOCR:
		return ModeOCR, nil
	}
	return "", fmt.Errorf("unknown mode %q", s)
}

// Encryption describes HLS segment encryption as delivered by the
// playlist.
type Encryption struct {
	// Method is the EXT-X-KEY METHOD attribute (only AES-128 is acted
	// upon; other methods pass through untouched).
	Method string
	// KeyURI is the resolved key delivery URL.
	KeyURI urlutil.Ref
	// IV is the delivered initialization vector in 0x-hex form; empty
	// means derive from the media sequence number.
	IV string
}

// Fragment is one media segment referenced by a manifest.
type Fragment struct {
	URL urlutil.Ref

	// Duration in seconds.
	Duration float64
	// StartTime is the cumulative start offset in seconds within the
	// owning buffer or fragment list.
	StartTime float64

	// Sequence is the HLS media sequence number.
	Sequence uint64
	// Timestamp and Timescale carry the DASH $Time$ value.
	Timestamp uint64
	Timescale uint64

	// FirstRead marks fragments present on the very first poll of a
	// live buffer; these are not transcribed.
	FirstRead bool
	// Discontinuity marks an EXT-X-DISCONTINUITY (HLS) or period break
	// (DASH) immediately before this fragment.
	Discontinuity bool

	Encryption *Encryption
}

// EndTime returns StartTime + Duration.
func (f Fragment) EndTime() float64 {
	return f.StartTime + f.Duration
}

// Path tokens used inside rewritten manifests and request routes.
const (
	ServiceName        = "eos"
	ManifestPrefix     = "eos_manifest"
	HLSFragmentPrefix  = "eos_hls_fragment"
	DASHFragmentPrefix = "eos_dash_fragment"
	LivePrefix         = "eos_live"
)

// Content types served by the proxy.
const (
	ContentTypeHLS    = "application/vnd.apple.mpegurl"
	ContentTypeMPD    = "application/dash+xml"
	ContentTypeWebVTT = "text/vtt"
	ContentTypeBinary = "application/octet-stream"
)

// CachePolicy selects the Cache-Control header of a response.
type CachePolicy int

const (
	// CacheNone disables caching (live manifests).
	CacheNone CachePolicy = iota
	// CacheStatic allows week-long caching (immutable segments).
	CacheStatic
)

// HeaderValue returns the Cache-Control value for the policy.
func (p CachePolicy) HeaderValue() string {
	if p == CacheStatic {
		return "max-age=604800"
	}
	return "max-age=0,no-cache,no-store"
}

// Response is the result envelope crossing component boundaries in
// place of raw handler errors.
type Response struct {
	Body        []byte
	ContentType string
	Cache       CachePolicy
}
