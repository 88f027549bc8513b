package llm

import (
	"context"
	"iter"

	"google.golang.org/genai"
)

// GeminiChat implements Chat against Google's Gemini API via
// google.golang.org/genai.
type GeminiChat struct {
	client *genai.Client
	model  string
}

// NewGeminiChat builds a GeminiChat backend.
func NewGeminiChat(ctx context.Context, apiKey, model string) (*GeminiChat, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return nil, err
	}
	return &GeminiChat{client: client, model: model}, nil
}

func (g *GeminiChat) Model() string { return g.model }

func (g *GeminiChat) Stream(ctx context.Context, system string, messages []Message) (<-chan string, <-chan error) {
	out := make(chan string, 16)
	errc := make(chan error, 1)

	contents := make([]*genai.Content, 0, len(messages))
	for _, m := range messages {
		role := "user"
		if m.Role == "assistant" {
			role = "model"
		}
		contents = append(contents, &genai.Content{Role: role, Parts: []*genai.Part{{Text: m.Content}}})
	}

	var config *genai.GenerateContentConfig
	if system != "" {
		config = &genai.GenerateContentConfig{
			SystemInstruction: &genai.Content{Parts: []*genai.Part{{Text: system}}},
		}
	}

	go func() {
		defer close(out)
		defer close(errc)
		var seq iter.Seq2[*genai.GenerateContentResponse, error]
		seq = g.client.Models.GenerateContentStream(ctx, g.model, contents, config)
		for resp, err := range seq {
			if err != nil {
				errc <- err
				return
			}
			if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
				continue
			}
			for _, part := range resp.Candidates[0].Content.Parts {
				if part.Text == "" {
					continue
				}
				select {
				case out <- part.Text:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, errc
}
