package translate

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"google.golang.org/genai"

	"github.com/easyott/eos/internal/language"
	"github.com/easyott/eos/internal/observability"
)

const defaultModel = "gemini-2.0-flash"

// GeminiConfig configures the Gemini-backed translator.
type GeminiConfig struct {
	// ProjectID selects the Vertex AI backend when set.
	ProjectID string
	// ServiceAccountFile is exported as GOOGLE_APPLICATION_CREDENTIALS
	// before the client is built.
	ServiceAccountFile string
	// Model overrides the default generation model.
	Model string
	Logger *slog.Logger
}

// Gemini translates subtitle lines with a Gemini text model.
type Gemini struct {
	client *genai.Client
	model  string
	logger *slog.Logger
}

// NewGemini builds a translator client.
func NewGemini(ctx context.Context, cfg GeminiConfig) (*Gemini, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = observability.WithComponent(logger, "translate")

	if cfg.ServiceAccountFile != "" {
		if err := os.Setenv("GOOGLE_APPLICATION_CREDENTIALS", cfg.ServiceAccountFile); err != nil {
			return nil, fmt.Errorf("setting credentials path: %w", err)
		}
	}

	clientCfg := &genai.ClientConfig{}
	if cfg.ProjectID != "" {
		clientCfg.Backend = genai.BackendVertexAI
		clientCfg.Project = cfg.ProjectID
		clientCfg.Location = "global"
	}

	client, err := genai.NewClient(ctx, clientCfg)
	if err != nil {
		return nil, fmt.Errorf("creating genai client: %w", err)
	}

	model := cfg.Model
	if model == "" {
		model = defaultModel
	}
	return &Gemini{client: client, model: model, logger: logger}, nil
}

// Translate sends the lines as one prompt and expects one translated
// line back per input line.
func (g *Gemini) Translate(ctx context.Context, texts []string, src, dst language.Language) ([]string, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	var prompt strings.Builder
	fmt.Fprintf(&prompt,
		"Translate the following %d subtitle line(s) from %s to %s. "+
			"Reply with exactly %d line(s), one translation per input line, "+
			"in the same order, with no numbering and no commentary.\n\n",
		len(texts), src.Name, dst.Name, len(texts))
	for _, t := range texts {
		prompt.WriteString(strings.ReplaceAll(t, "\n", " "))
		prompt.WriteString("\n")
	}

	resp, err := g.client.Models.GenerateContent(ctx, g.model,
		genai.Text(prompt.String()),
		&genai.GenerateContentConfig{Temperature: genai.Ptr[float32](0)})
	if err != nil {
		return nil, fmt.Errorf("translating %s to %s: %w", src.Code6391, dst.Code6391, err)
	}

	var out []string
	for _, line := range strings.Split(strings.TrimSpace(resp.Text()), "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			out = append(out, line)
		}
	}
	if len(out) != len(texts) {
		return nil, fmt.Errorf("translation returned %d lines for %d inputs", len(out), len(texts))
	}
	return out, nil
}
