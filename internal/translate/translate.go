// Package translate abstracts text translation between the languages a
// session serves.
package translate

import (
	"context"

	"github.com/easyott/eos/internal/language"
)

// Translator translates plain-text lines from src to dst, preserving
// order and count.
type Translator interface {
	Translate(ctx context.Context, texts []string, src, dst language.Language) ([]string, error)
}
