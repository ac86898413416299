package llm

import (
	"context"
	"fmt"

	"github.com/autopoiesis-io/autopoiesis/pkg/config"
)

// NewClient builds the configured provider's client. The "mock" provider
// answers every call with a canned line so the server runs without
// credentials.
func NewClient(cfg config.LLMConfig) (Client, error) {
	switch cfg.Provider {
	case "", "anthropic":
		return NewAnthropicClient(cfg)
	case "mock":
		return mockClient{}, nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
}

type mockClient struct{}

func (mockClient) Generate(_ context.Context, _ *Request) (<-chan Chunk, error) {
	turn := TextTurn("mock response")
	chunks := make(chan Chunk, len(turn))
	for _, chunk := range turn {
		chunks <- chunk
	}
	close(chunks)
	return chunks, nil
}

func (mockClient) Close() error { return nil }
