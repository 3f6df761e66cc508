package embedding

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	openai "github.com/sashabaranov/go-openai"
)

type OpenAIProvider struct {
	client    *openai.Client
	model     openai.EmbeddingModel
	dimension int
}

func NewOpenAIProvider(client *openai.Client, model string, dimension int) *OpenAIProvider {
	return &OpenAIProvider{
		client:    client,
		model:     openai.EmbeddingModel(model),
		dimension: dimension,
	}
}

func (p *OpenAIProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := p.client.CreateEmbeddings(ctx, openai.EmbeddingRequestStrings{
		Input:      []string{text},
		Model:      p.model,
		Dimensions: p.dimension,
	})
	if err != nil {
		return nil, classifyOpenAIError(err)
	}
	if len(resp.Data) != 1 {
		return nil, fmt.Errorf("%w: %d embeddings for one input", ErrMalformedResponse, len(resp.Data))
	}
	return resp.Data[0].Embedding, nil
}

func classifyOpenAIError(err error) error {
	status := 0
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return classifyStatus(status, err)
}

func classifyStatus(status int, err error) error {
	switch {
	case status == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %v", ErrRateLimited, err)
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	case status >= 400 && status < 500:
		// The request itself is wrong; another attempt will not help.
		return fmt.Errorf("%w: status %d: %v", ErrMalformedResponse, status, err)
	default:
		return fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
}
