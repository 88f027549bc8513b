package llm

import (
	"context"
	"io"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAIChat implements Chat against the OpenAI (or an OpenAI-compatible)
// chat completions endpoint.
type OpenAIChat struct {
	client *openai.Client
	model  string
}

// NewOpenAIChat builds an OpenAIChat backend. baseURL may be empty to use
// the default OpenAI endpoint.
func NewOpenAIChat(apiKey, model, baseURL string) *OpenAIChat {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	client := openai.NewClient(opts...)
	return &OpenAIChat{client: &client, model: model}
}

func (c *OpenAIChat) Model() string { return c.model }

func (c *OpenAIChat) Stream(ctx context.Context, system string, messages []Message) (<-chan string, <-chan error) {
	out := make(chan string, 16)
	errc := make(chan error, 1)

	params := openai.ChatCompletionNewParams{
		Model:    c.model,
		Messages: convMessages(system, messages),
	}

	go func() {
		defer close(out)
		defer close(errc)
		stream := c.client.Chat.Completions.NewStreaming(ctx, params)
		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) == 0 {
				continue
			}
			if delta := chunk.Choices[0].Delta.Content; delta != "" {
				select {
				case out <- delta:
				case <-ctx.Done():
					return
				}
			}
		}
		if err := stream.Err(); err != nil && err != io.EOF {
			errc <- err
		}
	}()

	return out, errc
}

func convMessages(system string, messages []Message) []openai.ChatCompletionMessageParamUnion {
	params := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages)+1)
	if system != "" {
		params = append(params, openai.SystemMessage(system))
	}
	for _, m := range messages {
		switch m.Role {
		case "assistant":
			params = append(params, openai.AssistantMessage(m.Content))
		default:
			params = append(params, openai.UserMessage(m.Content))
		}
	}
	return params
}
