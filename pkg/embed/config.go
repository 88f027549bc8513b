package embed

import "net/http"

// config holds the construction-time settings shared by [DashScope] and
// [OpenAI]. The daemon's backend selection (pkg/daemon's buildEmbedder)
// sets these once at Wake from the static config file and never touches
// them again for the rest of the process lifetime, matching spec §6's
// "dimensionality constant across a single daemon lifetime."
type config struct {
	model      string
	dim        int
	baseURL    string
	httpClient *http.Client
}

// Option configures an embedder at construction time.
type Option func(*config)

// WithModel sets the embedding model name.
func WithModel(model string) Option {
	return func(c *config) { c.model = model }
}

// WithDimension sets the desired output vector dimensionality. Not all
// models support this (e.g. text-embedding-v1/v2 have fixed dims); for
// those the configured value is passed to the API but ignored server-side.
func WithDimension(dim int) Option {
	return func(c *config) { c.dim = dim }
}

// WithBaseURL overrides the API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) { c.baseURL = url }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *config) { c.httpClient = client }
}
