package embedding

import (
	"context"
	"errors"
	"fmt"

	"onlyone/pkg/huggingface"
)

// HuggingFaceProvider calls a feature-extraction endpoint serving a
// sentence-transformers model, e.g. all-MiniLM-L6-v2 (384 dimensions).
type HuggingFaceProvider struct {
	client   *huggingface.Client
	endpoint string
}

func NewHuggingFaceProvider(client *huggingface.Client, endpoint string) *HuggingFaceProvider {
	return &HuggingFaceProvider{client: client, endpoint: endpoint}
}

type featureRequest struct {
	Inputs  string          `json:"inputs"`
	Options map[string]bool `json:"options,omitempty"`
}

func (p *HuggingFaceProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	var out []float32
	err := p.client.PostJSON(ctx, p.endpoint, featureRequest{
		Inputs:  text,
		Options: map[string]bool{"wait_for_model": true},
	}, &out)
	if err == nil {
		return out, nil
	}

	var statusErr *huggingface.StatusError
	switch {
	case errors.As(err, &statusErr):
		return nil, classifyStatus(statusErr.Code, err)
	case errors.Is(err, huggingface.ErrDecode):
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	case errors.Is(err, context.DeadlineExceeded):
		return nil, fmt.Errorf("%w: %v", ErrTimeout, err)
	default:
		return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
}
