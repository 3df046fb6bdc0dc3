package embedding

import (
	"context"
	"fmt"

	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/packages/param"
)

const (
	// defaultDimensions matches text-embedding-3-small's native size and the
	// JSON column the chunks table stores vectors in.
	defaultDimensions = 1536

	// maxBatchSize caps one Embed call. The OpenAI API accepts up to 2048
	// inputs per request; a Q&A source never comes close, but the guard
	// keeps a runaway caller from producing an oversized request.
	maxBatchSize = 2048
)

// OpenAIProvider implements Provider using the official OpenAI SDK.
type OpenAIProvider struct {
	sdk        openai.Client
	model      openai.EmbeddingModel
	dimensions int
}

var _ Provider = (*OpenAIProvider)(nil)

// Option configures an OpenAIProvider.
type Option func(*OpenAIProvider)

// WithModel overrides the embedding model (default text-embedding-3-small).
func WithModel(model openai.EmbeddingModel) Option {
	return func(p *OpenAIProvider) { p.model = model }
}

// WithDimensions sets the requested vector dimension. It must match the
// dimension expected by whatever consumes the stored vectors.
func WithDimensions(dim int) Option {
	return func(p *OpenAIProvider) { p.dimensions = dim }
}

// NewOpenAIProvider creates an embedding provider backed by the OpenAI API.
func NewOpenAIProvider(apiKey string, opts ...Option) *OpenAIProvider {
	p := &OpenAIProvider{
		sdk:        openai.NewClient(option.WithAPIKey(apiKey)),
		model:      openai.EmbeddingModelTextEmbedding3Small,
		dimensions: defaultDimensions,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Dimensions reports the configured vector length.
func (p *OpenAIProvider) Dimensions() int { return p.dimensions }

// Embed sends the whole batch in one request and returns the vectors in
// input order. The response is validated for count and dimension so a
// provider hiccup can never produce a chunk set that silently disagrees
// with its questions.
func (p *OpenAIProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, ErrEmptyBatch
	}
	if len(texts) > maxBatchSize {
		return nil, fmt.Errorf("%w: %d texts (max %d)", ErrBatchTooLarge, len(texts), maxBatchSize)
	}
	for i, t := range texts {
		if t == "" {
			return nil, fmt.Errorf("%w (index %d)", ErrEmptyText, i)
		}
	}

	resp, err := p.sdk.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Input: openai.EmbeddingNewParamsInputUnion{
			OfArrayOfStrings: texts,
		},
		Model:      p.model,
		Dimensions: param.NewOpt(int64(p.dimensions)),
	})
	if err != nil {
		return nil, fmt.Errorf("openai embeddings: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrCountMismatch, len(resp.Data), len(texts))
	}

	// The API tags each datum with its input index; place by Index rather
	// than trusting response ordering.
	out := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || int(d.Index) >= len(out) {
			return nil, fmt.Errorf("%w: index %d out of range", ErrCountMismatch, d.Index)
		}
		if len(d.Embedding) != p.dimensions {
			return nil, fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(d.Embedding), p.dimensions)
		}
		vec := make([]float32, len(d.Embedding))
		for i, f := range d.Embedding {
			vec[i] = float32(f)
		}
		out[d.Index] = vec
	}
	for i, v := range out {
		if v == nil {
			return nil, fmt.Errorf("%w: missing vector for index %d", ErrCountMismatch, i)
		}
	}
	return out, nil
}
