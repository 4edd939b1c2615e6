package knowledge

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	openai "github.com/sashabaranov/go-openai"
)

// Embedder turns text into a fixed-dimension vector. Implementations are
// shared across components and must be safe for concurrent use.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
}

// EmbeddingClient captures the subset of the go-openai client the embedder
// uses, so tests can substitute a stub.
type EmbeddingClient interface {
	CreateEmbeddings(ctx context.Context, req openai.EmbeddingRequestConverter) (openai.EmbeddingResponse, error)
}

// OpenAIEmbedder implements Embedder via the OpenAI embeddings API.
type OpenAIEmbedder struct {
	client     EmbeddingClient
	model      openai.EmbeddingModel
	dimensions int
}

// NewOpenAIEmbedder builds an embedder. Dimensions must match the model's
// output size; the knowledge store is fixed to it at initialization.
func NewOpenAIEmbedder(client EmbeddingClient, model string, dimensions int) (*OpenAIEmbedder, error) {
	if client == nil {
		return nil, fmt.Errorf("embedding client is required")
	}
	if model == "" {
		model = string(openai.SmallEmbedding3)
	}
	if dimensions <= 0 {
		dimensions = 1536
	}
	return &OpenAIEmbedder{
		client:     client,
		model:      openai.EmbeddingModel(model),
		dimensions: dimensions,
	}, nil
}

// NewOpenAIEmbedderFromAPIKey builds an embedder with the default HTTP client.
func NewOpenAIEmbedderFromAPIKey(apiKey, model string, dimensions int) (*OpenAIEmbedder, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("embedding api key is required")
	}
	return NewOpenAIEmbedder(openai.NewClient(apiKey), model, dimensions)
}

// Dimensions implements Embedder.
func (e *OpenAIEmbedder) Dimensions() int { return e.dimensions }

// Embed implements Embedder with bounded retry on transient failures.
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	var vec []float32

	operation := func() error {
		resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
			Input: []string{text},
			Model: e.model,
		})
		if err != nil {
			return err
		}
		if len(resp.Data) == 0 {
			return backoff.Permanent(fmt.Errorf("embedding response has no data"))
		}
		vec = resp.Data[0].Embedding
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(
			backoff.WithInitialInterval(250*time.Millisecond),
			backoff.WithMaxInterval(2*time.Second),
		), 2),
		ctx,
	)
	if err := backoff.Retry(operation, policy); err != nil {
		return nil, fmt.Errorf("embed text: %w", err)
	}
	if len(vec) != e.dimensions {
		return nil, fmt.Errorf("embedding has %d dimensions, expected %d", len(vec), e.dimensions)
	}
	return vec, nil
}
