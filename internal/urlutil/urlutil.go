// Package urlutil provides URL resolution and fingerprinting primitives.
//
// Origin URLs travel inside the service's own URL scheme as URL-safe
// base64 fingerprints. Two refs with equal fingerprints always point at
// the same absolute URL.
package urlutil

import (
	"crypto/md5" //nolint:gosec // collision avoidance for temp names, not security
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"
)

// Ref is an absolute URL reference.
//
// The zero value is empty and invalid; construct with Parse, Resolve or
// FromFingerprint.
type Ref struct {
	raw string
}

// Parse constructs a Ref from an absolute URL.
func Parse(raw string) (Ref, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Ref{}, fmt.Errorf("parsing URL: %w", err)
	}
	if !u.IsAbs() {
		return Ref{}, fmt.Errorf("URL is not absolute: %s", raw)
	}
	return Ref{raw: u.String()}, nil
}

// Resolve constructs a Ref from a possibly-relative URL and a parent.
// Absolute inputs pass through unchanged; relative inputs are resolved
// against the parent. Resolving an already-absolute URL is the identity
// regardless of parent.
func Resolve(raw string, parent Ref) (Ref, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Ref{}, fmt.Errorf("parsing URL: %w", err)
	}
	if u.IsAbs() {
		return Ref{raw: u.String()}, nil
	}
	if parent.IsZero() {
		return Ref{}, fmt.Errorf("relative URL %q requires a parent", raw)
	}
	base, err := url.Parse(parent.raw)
	if err != nil {
		return Ref{}, fmt.Errorf("parsing parent URL: %w", err)
	}
	return Ref{raw: base.ResolveReference(u).String()}, nil
}

// IsZero reports whether the ref is empty.
func (r Ref) IsZero() bool {
	return r.raw == ""
}

// String returns the absolute URL.
func (r Ref) String() string {
	return r.raw
}

// Fingerprint returns the URL-safe unpadded base64 encoding of the
// absolute URL, suitable for embedding in a path segment.
func (r Ref) Fingerprint() string {
	return base64.RawURLEncoding.EncodeToString([]byte(r.raw))
}

// Hash returns the hex MD5 of the absolute URL, used for collision-free
// temp file names.
func (r Ref) Hash() string {
	sum := md5.Sum([]byte(r.raw)) //nolint:gosec // see package import comment
	return hex.EncodeToString(sum[:])
}

// FromFingerprint decodes a fingerprint produced by Ref.Fingerprint.
// Padded encodings are accepted for compatibility with older clients.
func FromFingerprint(fp string) (Ref, error) {
	data, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(fp, "="))
	if err != nil {
		return Ref{}, fmt.Errorf("decoding URL fingerprint: %w", err)
	}
	return Parse(string(data))
}
