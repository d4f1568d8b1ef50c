package ai

import "context"

// GeminiGenerator wraps GeminiClient with a fixed model for chat generation.
type GeminiGenerator struct {
	client *GeminiClient
	model  string
}

// NewGeminiGenerator builds a Gemini-based ChatGenerator.
func NewGeminiGenerator(client *GeminiClient, model string) *GeminiGenerator {
	return &GeminiGenerator{client: client, model: model}
}

// GenerateChat implements ChatGenerator using Gemini.
func (g *GeminiGenerator) GenerateChat(ctx context.Context, req ChatRequest) (string, error) {
	return g.client.GenerateChat(ctx, g.model, req)
}
