// Package embedding turns post text into a fixed-size unit vector.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"onlyone/pkg/common"
	"onlyone/pkg/logger"
)

var (
	ErrTimeout             = errors.New("embedding: provider timed out")
	ErrProviderUnavailable = errors.New("embedding: provider unavailable")
	ErrRateLimited         = errors.New("embedding: provider rate limited")
	ErrMalformedResponse   = errors.New("embedding: malformed provider response")
	ErrDimensionMismatch   = errors.New("embedding: dimension mismatch")
)

// IsRetryable reports whether err may succeed on a later attempt.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrProviderUnavailable) ||
		errors.Is(err, ErrRateLimited)
}

//go:generate mockgen -source=embedding.go -destination=mock_embedding.go -package=embedding

// Provider is the remote model. Implementations classify their failures
// with the sentinel errors above.
type Provider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

type Options struct {
	Dimension   int
	Timeout     time.Duration
	MaxAttempts int
	Backoff     time.Duration
	MaxBackoff  time.Duration
}

type Client struct {
	provider Provider
	opts     Options
	sleep    func(context.Context, time.Duration) error
}

func NewClient(p Provider, opts Options) *Client {
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 8 * opts.Backoff
	}
	return &Client{provider: p, opts: opts, sleep: sleepCtx}
}

func (c *Client) Dimension() int {
	return c.opts.Dimension
}

// Embed normalizes text, asks the provider for its vector and returns it
// scaled to unit length. Retryable failures are retried with exponential
// backoff up to MaxAttempts; the last error is returned.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	text = common.NormalizeText(text)
	backoff := c.opts.Backoff

	var lastErr error
	for attempt := 1; attempt <= c.opts.MaxAttempts; attempt++ {
		vec, err := c.embedOnce(ctx, text)
		if err == nil {
			return vec, nil
		}
		lastErr = err
		if !IsRetryable(err) || attempt == c.opts.MaxAttempts {
			break
		}

		logger.Log(ctx).Warnw("embedding: request failed, will retry",
			"attempt", attempt,
			"backoff", backoff,
			"error", err,
		)
		if err := c.sleep(ctx, backoff); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		backoff *= 2
		if backoff > c.opts.MaxBackoff {
			backoff = c.opts.MaxBackoff
		}
	}
	return nil, lastErr
}

func (c *Client) embedOnce(ctx context.Context, text string) ([]float32, error) {
	callCtx := ctx
	if c.opts.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, c.opts.Timeout)
		defer cancel()
	}

	vec, err := c.provider.Embed(callCtx, text)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return nil, err
	}
	if c.opts.Dimension > 0 && len(vec) != c.opts.Dimension {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(vec), c.opts.Dimension)
	}
	return Normalize(vec)
}

// Normalize scales vec to unit length, so cosine similarity is a dot
// product. Zero and non-finite vectors are rejected as malformed.
func Normalize(vec []float32) ([]float32, error) {
	if len(vec) == 0 {
		return nil, fmt.Errorf("%w: empty vector", ErrMalformedResponse)
	}
	var sum float64
	for _, v := range vec {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, fmt.Errorf("%w: non-finite component", ErrMalformedResponse)
		}
		sum += f * f
	}
	if sum == 0 {
		return nil, fmt.Errorf("%w: zero vector", ErrMalformedResponse)
	}
	norm := math.Sqrt(sum)
	out := make([]float32, len(vec))
	for i, v := range vec {
		out[i] = float32(float64(v) / norm)
	}
	return out, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
