// Package hls rewrites HLS variant playlists, clones subtitle media
// playlists and renders the delayed live views served to players.
package hls

import (
	"strings"
)

// Attributes is the ordered attribute list of one HLS tag line. Values
// keep their original serialised form, including surrounding quotes, so
// a parse/marshal round trip preserves the origin's formatting.
type Attributes struct {
	keys   []string
	values map[string]string
}

// ParseAttributes splits a tag line's attribute list on commas outside
// quoted values.
func ParseAttributes(line string) *Attributes {
	a := &Attributes{values: make(map[string]string)}

	for _, param := range splitParams(line) {
		key, value, ok := strings.Cut(param, "=")
		if !ok {
			continue
		}
		a.Set(key, value)
	}
	return a
}

func splitParams(line string) []string {
	var (
		parts    []string
		current  strings.Builder
		inQuotes bool
	)
	for _, r := range line {
		switch {
		case r == '"':
			inQuotes = !inQuotes
			current.WriteRune(r)
		case r == ',' && !inQuotes:
			parts = append(parts, current.String())
			current.Reset()
		default:
			current.WriteRune(r)
		}
	}
	if current.Len() > 0 {
		parts = append(parts, current.String())
	}
	return parts
}

// Has reports whether the attribute is present.
func (a *Attributes) Has(key string) bool {
	_, ok := a.values[key]
	return ok
}

// Get returns the raw attribute value, quotes included for quoted
// attributes. Missing attributes return the empty string.
func (a *Attributes) Get(key string) string {
	return a.values[key]
}

// GetUnquoted returns the attribute value with surrounding quotes
// removed.
func (a *Attributes) GetUnquoted(key string) string {
	return Unquote(a.values[key])
}

// Set stores an attribute, appending new keys in insertion order.
func (a *Attributes) Set(key, value string) {
	if _, ok := a.values[key]; !ok {
		a.keys = append(a.keys, key)
	}
	a.values[key] = value
}

// Clone returns a deep copy.
func (a *Attributes) Clone() *Attributes {
	c := &Attributes{
		keys:   append([]string(nil), a.keys...),
		values: make(map[string]string, len(a.values)),
	}
	for k, v := range a.values {
		c.values[k] = v
	}
	return c
}

// Marshal serialises the attributes with TYPE forced first; the rest
// keep insertion order. The URI attribute is omitted when excludeURI is
// set, for tags whose URI follows on the next line.
func (a *Attributes) Marshal(excludeURI bool) string {
	var b strings.Builder
	first := true

	if v, ok := a.values["TYPE"]; ok {
		b.WriteString("TYPE=")
		b.WriteString(v)
		first = false
	}

	for _, key := range a.keys {
		if key == "TYPE" {
			continue
		}
		if key == "URI" && excludeURI {
			continue
		}
		if !first {
			b.WriteString(",")
		}
		first = false
		b.WriteString(key)
		b.WriteString("=")
		b.WriteString(a.values[key])
	}
	return b.String()
}

// Quote wraps a value in double quotes.
func Quote(s string) string {
	return "\"" + s + "\""
}

// Unquote strips one pair of surrounding double quotes, if present.
func Unquote(s string) string {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return s[1 : len(s)-1]
	}
	return s
}
