package feedback

import (
	"context"
	"net/http"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
)

// CompletionService is the token-streaming chat-completion boundary.
// The callback is invoked once per received token chunk, in order.
type CompletionService interface {
	Complete(ctx context.Context, prompt string, onChunk func(chunk string) error) error
}

type HTTPDoer interface {
	Do(*http.Request) (*http.Response, error)
}

// LLM streams chat completions from an OpenAI-compatible API server.
type LLM struct {
	ServerURL   string
	APIKey      string
	Model       string
	Temperature float64
	MaxTokens   int
	HTTPClient  HTTPDoer

	llm *openai.LLM
}

func (c *LLM) Complete(ctx context.Context, prompt string, onChunk func(chunk string) error) error {
	if c.llm == nil {
		llm, err := openai.New(
			openai.WithHTTPClient(c.HTTPClient),
			openai.WithBaseURL(c.ServerURL+"/v1"),
			openai.WithToken(c.APIKey),
			openai.WithModel(c.Model),
		)
		if err != nil {
			return err
		}

		c.llm = llm
	}

	messages := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeHuman, prompt),
	}

	_, err := c.llm.GenerateContent(ctx, messages,
		llms.WithStreamingFunc(func(_ context.Context, chunk []byte) error {
			if len(chunk) == 0 {
				return nil
			}

			return onChunk(string(chunk))
		}),
		llms.WithTemperature(c.Temperature),
		llms.WithMaxTokens(c.MaxTokens),
	)

	return err
}
