package ai

import (
	"context"
	"fmt"
	"strings"
)

// Message roles accepted by ChatGenerator.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one prior conversation turn.
type Message struct {
	Role    string
	Content string
}

// ChatRequest is one generation call. JSON asks the provider to constrain
// output to a JSON object.
type ChatRequest struct {
	System   string
	Messages []Message
	JSON     bool
}

// ChatGenerator produces the next assistant turn for a conversation.
// All LLM providers (Gemini, Ollama, OpenAI-compatible) implement this interface.
type ChatGenerator interface {
	GenerateChat(ctx context.Context, req ChatRequest) (string, error)
}

// Provider names accepted by NewChatGenerator.
const (
	ProviderGemini       = "gemini"
	ProviderOllama       = "ollama"
	ProviderOpenAICompat = "openai-compat"
)

// ProviderConfig selects and configures a generation provider.
type ProviderConfig struct {
	Provider string
	Model    string
	APIKey   string
	BaseURL  string
}

// NewChatGenerator builds the generator named by cfg.Provider.
func NewChatGenerator(cfg ProviderConfig) (ChatGenerator, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case ProviderGemini, "":
		client, err := NewGeminiClient(cfg.APIKey, cfg.BaseURL)
		if err != nil {
			return nil, err
		}
		return NewGeminiGenerator(client, cfg.Model), nil
	case ProviderOllama:
		return NewOllamaGenerator(NewOllamaClient(cfg.BaseURL), cfg.Model), nil
	case ProviderOpenAICompat, "openai":
		if strings.TrimSpace(cfg.BaseURL) == "" {
			return nil, fmt.Errorf("openai-compat base url required")
		}
		return NewOpenAICompatGenerator(cfg.BaseURL, cfg.APIKey, cfg.Model), nil
	default:
		return nil, fmt.Errorf("unknown generation provider %q", cfg.Provider)
	}
}
