// Package language holds the registry of languages the service can
// transcribe to and translate between.
package language

import (
	"time"

	"golang.org/x/text/language"
)

// Language describes one supported language.
type Language struct {
	// Name is the human-readable display name.
	Name string
	// Code6391 is the two-letter ISO 639-1 code.
	Code6391 string
	// Code6392 is the three-letter ISO 639-2 code.
	Code6392 string
	// BCP47 is the full locale tag as the recognizer expects it
	// (including legacy forms such as iw-IL).
	BCP47 string
	// Model selects the recognizer model variant.
	Model string
	// Enhanced requests the recognizer's enhanced model when available.
	Enhanced bool
	// LiveDelay is the recommended live delay for this language.
	LiveDelay time.Duration
	// RightToLeft marks languages whose recognizer output must be
	// reversed for display.
	RightToLeft bool
}

// Codes returns all codes that identify this language.
func (l Language) Codes() []string {
	return []string{l.Code6391, l.Code6392, l.BCP47}
}

var registry = []Language{
	{Name: "English (US)", Code6391: "en", Code6392: "eng", BCP47: "en-US", Model: "video", Enhanced: true, LiveDelay: 60 * time.Second},
	{Name: "English (UK)", Code6391: "en", Code6392: "eng", BCP47: "en-GB", Model: "default", Enhanced: true, LiveDelay: 60 * time.Second},
	{Name: "Deutsch (DE)", Code6391: "de", Code6392: "deu", BCP47: "de-DE", Model: "default", Enhanced: true, LiveDelay: 60 * time.Second},
	{Name: "Deutsch (CH)", Code6391: "de", Code6392: "deu", BCP47: "de-CH", Model: "default", Enhanced: true, LiveDelay: 60 * time.Second},
	{Name: "Hebrew (IL)", Code6391: "he", Code6392: "heb", BCP47: "iw-IL", Model: "default", Enhanced: true, LiveDelay: 120 * time.Second, RightToLeft: true},
	{Name: "Spanish (ES)", Code6391: "es", Code6392: "spa", BCP47: "es-ES", Model: "default", Enhanced: true, LiveDelay: 60 * time.Second},
	{Name: "Russian (RU)", Code6391: "ru", Code6392: "rus", BCP47: "ru-RU", Model: "default", Enhanced: true, LiveDelay: 120 * time.Second},
	{Name: "French (FR)", Code6391: "fr", Code6392: "fra", BCP47: "fr-FR", Model: "default", Enhanced: true, LiveDelay: 60 * time.Second},
	{Name: "Italian (IT)", Code6391: "it", Code6392: "ita", BCP47: "it-IT", Model: "default", Enhanced: true, LiveDelay: 60 * time.Second},
	{Name: "Portuguese (BR)", Code6391: "pt", Code6392: "por", BCP47: "pt-BR", Model: "default", Enhanced: true, LiveDelay: 60 * time.Second},
	{Name: "Arabic (IL)", Code6391: "ar", Code6392: "ara", BCP47: "ar-IL", Model: "default", Enhanced: true, LiveDelay: 60 * time.Second},
	{Name: "Arabic (EG)", Code6391: "ar", Code6392: "ara", BCP47: "ar-EG", Model: "default", Enhanced: true, LiveDelay: 60 * time.Second},
	{Name: "Arabic (PS)", Code6391: "ar", Code6392: "ara", BCP47: "ar-PS", Model: "default", Enhanced: true, LiveDelay: 60 * time.Second},
}

// matcher resolves loose client tags (bare "de", region variants) onto
// the registry. Built once; legacy tags like iw-IL are parsed through
// their canonical form.
var (
	matcherTags []language.Tag
	matcher     language.Matcher
)

func init() {
	matcherTags = make([]language.Tag, len(registry))
	for i, l := range registry {
		matcherTags[i] = language.Make(l.BCP47)
	}
	matcher = language.NewMatcher(matcherTags)
}

// All returns the full registry in declaration order.
func All() []Language {
	out := make([]Language, len(registry))
	copy(out, registry)
	return out
}

// Find returns the language whose BCP-47 code equals the given code.
func Find(code string) (Language, bool) {
	for _, l := range registry {
		if l.BCP47 == code {
			return l, true
		}
	}
	return Language{}, false
}

// Match resolves a client-supplied tag to the closest registry entry,
// falling back to BCP-47 matching when no exact code matches. Bare
// primary tags resolve to their first registry entry ("de" to de-DE).
func Match(code string) (Language, bool) {
	if l, ok := Find(code); ok {
		return l, true
	}
	tag, err := language.Parse(code)
	if err != nil {
		return Language{}, false
	}
	_, idx, conf := matcher.Match(tag)
	if conf == language.No {
		return Language{}, false
	}
	return registry[idx], true
}
