package daemon

import (
	"context"
	"fmt"

	"github.com/reveries/reveries/pkg/config"
	"github.com/reveries/reveries/pkg/embed"
	"github.com/reveries/reveries/pkg/llm"
)

// buildEmbedder constructs the configured embedding backend, grounded on
// pkg/embed's DashScope/OpenAI implementations (spec §6: "Embedding.
// embed(text) -> vector<float>. Dimensionality constant across a single
// daemon lifetime.").
func buildEmbedder(cfg config.EmbedConfig) (embed.Embedder, error) {
	switch cfg.Backend {
	case "dashscope":
		opts := []embed.Option{embed.WithModel(cfg.Model)}
		if cfg.BaseURL != "" {
			opts = append(opts, embed.WithBaseURL(cfg.BaseURL))
		}
		return embed.NewDashScope(cfg.APIKey, opts...), nil
	case "openai", "":
		opts := []embed.Option{embed.WithModel(cfg.Model)}
		if cfg.BaseURL != "" {
			opts = append(opts, embed.WithBaseURL(cfg.BaseURL))
		}
		return embed.NewOpenAI(cfg.APIKey, opts...), nil
	default:
		return nil, fmt.Errorf("daemon: unknown embed backend %q", cfg.Backend)
	}
}

// buildChat constructs the configured chat-completion backend (spec §6's
// streaming chat contract), registering it on llm.DefaultMux so the same
// backend can be looked up by pattern elsewhere (e.g. a future CLI
// diagnostic command).
func buildChat(ctx context.Context, cfg config.ChatConfig) (llm.Chat, error) {
	switch cfg.Backend {
	case "gemini":
		c, err := llm.NewGeminiChat(ctx, cfg.APIKey, cfg.Model)
		if err != nil {
			return nil, fmt.Errorf("daemon: build gemini chat: %w", err)
		}
		registerChat("gemini/"+cfg.Model, c)
		return c, nil
	case "openai", "":
		c := llm.NewOpenAIChat(cfg.APIKey, cfg.Model, cfg.BaseURL)
		registerChat("openai/"+cfg.Model, c)
		return c, nil
	default:
		return nil, fmt.Errorf("daemon: unknown chat backend %q", cfg.Backend)
	}
}

// registerChat registers a backend on the default mux, tolerating a
// duplicate pattern (e.g. chat and abstraction sharing one model) since
// the mux otherwise errors on re-registration.
func registerChat(pattern string, c llm.Chat) {
	if _, err := llm.Get(pattern); err == nil {
		return
	}
	_ = llm.Handle(pattern, c)
}
