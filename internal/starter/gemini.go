package starter

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/whisper/radar/internal/logger"
)

const defaultModel = "gemini-2.5-flash"

// contentGenerator is the subset of *genai.Models used here.
type contentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// Gemini generates starters with the Gemini API.
type Gemini struct {
	models    contentGenerator
	modelName string
	log       *zap.Logger
}

// NewGemini creates a Gemini generator.
func NewGemini(ctx context.Context, apiKey, model string, log *zap.Logger) (*Gemini, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, errors.New("starter: gemini api key is required")
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("starter: create genai client: %w", err)
	}

	return newGemini(client.Models, model, log), nil
}

func newGemini(models contentGenerator, model string, log *zap.Logger) *Gemini {
	if model = strings.TrimSpace(model); model == "" {
		model = defaultModel
	}
	return &Gemini{models: models, modelName: model, log: logger.Named(log, "starter")}
}

// Model returns the configured model name.
func (g *Gemini) Model() string {
	return g.modelName
}

// Starter implements Generator.
func (g *Gemini) Starter(ctx context.Context, req Request) (string, error) {
	resp, err := g.models.GenerateContent(ctx, g.modelName, genai.Text(Prompt(req)), nil)
	if err != nil {
		return "", fmt.Errorf("starter: generate content: %w", err)
	}

	var builder strings.Builder
	for _, candidate := range resp.Candidates {
		if candidate == nil || candidate.Content == nil {
			continue
		}
		for _, part := range candidate.Content.Parts {
			if part == nil {
				continue
			}
			text := strings.TrimSpace(part.Text)
			if text == "" {
				continue
			}
			if builder.Len() > 0 {
				builder.WriteString("\n")
			}
			builder.WriteString(text)
		}
	}

	output := strings.TrimSpace(builder.String())
	if output == "" {
		return "", errors.New("starter: gemini returned an empty response")
	}

	g.log.Debug("starter generated",
		zap.String("from", req.From),
		zap.String("to", req.Other()),
		zap.String("model", g.modelName))
	return output, nil
}
