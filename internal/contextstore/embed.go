package contextstore

import (
	"context"
	"fmt"
	"net/http"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
)

// DefaultEmbeddingModel is used when no model is configured.
const DefaultEmbeddingModel = oai.EmbeddingModelTextEmbedding3Small

// Embedder turns text into an embedding vector for semantic search.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Compile-time interface check.
var _ Embedder = (*OpenAIEmbedder)(nil)

// OpenAIEmbedder implements [Embedder] with the OpenAI embeddings API.
type OpenAIEmbedder struct {
	client oai.Client
	model  string
}

type embedderConfig struct {
	baseURL string
	timeout time.Duration
}

// EmbedderOption configures an [OpenAIEmbedder].
type EmbedderOption func(*embedderConfig)

// WithBaseURL overrides the default API base URL.
func WithBaseURL(url string) EmbedderOption {
	return func(c *embedderConfig) { c.baseURL = url }
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) EmbedderOption {
	return func(c *embedderConfig) { c.timeout = d }
}

// NewOpenAIEmbedder creates the embedder. An empty model selects
// [DefaultEmbeddingModel].
func NewOpenAIEmbedder(apiKey, model string, opts ...EmbedderOption) (*OpenAIEmbedder, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("contextstore: embedder api key must not be empty")
	}
	if model == "" {
		model = DefaultEmbeddingModel
	}

	cfg := &embedderConfig{}
	for _, o := range opts {
		o(cfg)
	}
	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{Timeout: cfg.timeout}))
	}
	return &OpenAIEmbedder{client: oai.NewClient(reqOpts...), model: model}, nil
}

// Embed implements [Embedder].
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := e.client.Embeddings.New(ctx, oai.EmbeddingNewParams{
		Model: e.model,
		Input: oai.EmbeddingNewParamsInputUnion{
			OfString: param.NewOpt(text),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("contextstore: embed: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("contextstore: empty embeddings response")
	}
	out := make([]float32, len(resp.Data[0].Embedding))
	for i, v := range resp.Data[0].Embedding {
		out[i] = float32(v)
	}
	return out, nil
}
