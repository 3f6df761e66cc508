package embedding

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	gomock "github.com/golang/mock/gomock"
	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"

	"onlyone/pkg/huggingface"
)

func newTestClient(p Provider, opts Options) (*Client, *[]time.Duration) {
	c := NewClient(p, opts)
	slept := &[]time.Duration{}
	c.sleep = func(_ context.Context, d time.Duration) error {
		*slept = append(*slept, d)
		return nil
	}
	return c, slept
}

func norm(v []float32) float64 {
	var s float64
	for _, x := range v {
		s += float64(x) * float64(x)
	}
	return math.Sqrt(s)
}

func TestClientEmbed(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	ctx := context.Background()
	provider := NewMockProvider(ctrl)
	opts := Options{Dimension: 2, MaxAttempts: 3, Backoff: 100 * time.Millisecond}

	t.Run("should normalize text and vector", func(t *testing.T) {
		c, _ := newTestClient(provider, opts)
		provider.EXPECT().Embed(gomock.Any(), "i meditated for 20 minutes").Return([]float32{3, 4}, nil)

		vec, err := c.Embed(ctx, "  I meditated   for 20 MINUTES ")
		assert.Nil(t, err)
		assert.InDelta(t, 0.6, vec[0], 1e-6)
		assert.InDelta(t, 0.8, vec[1], 1e-6)
		assert.InDelta(t, 1.0, norm(vec), 1e-6)
	})

	t.Run("should retry rate limits with growing backoff", func(t *testing.T) {
		c, slept := newTestClient(provider, opts)
		gomock.InOrder(
			provider.EXPECT().Embed(gomock.Any(), "hi there").Return(nil, fmt.Errorf("%w: slow down", ErrRateLimited)),
			provider.EXPECT().Embed(gomock.Any(), "hi there").Return(nil, fmt.Errorf("%w: 503", ErrProviderUnavailable)),
			provider.EXPECT().Embed(gomock.Any(), "hi there").Return([]float32{1, 0}, nil),
		)

		vec, err := c.Embed(ctx, "hi there")
		assert.Nil(t, err)
		assert.Equal(t, []float32{1, 0}, vec)
		assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, *slept)
	})

	t.Run("should give up after max attempts", func(t *testing.T) {
		c, slept := newTestClient(provider, opts)
		provider.EXPECT().Embed(gomock.Any(), "hi there").
			Return(nil, fmt.Errorf("%w: down", ErrProviderUnavailable)).
			Times(3)

		_, err := c.Embed(ctx, "hi there")
		assert.ErrorIs(t, err, ErrProviderUnavailable)
		assert.True(t, IsRetryable(err))
		assert.Len(t, *slept, 2)
	})

	t.Run("should not retry malformed responses", func(t *testing.T) {
		c, slept := newTestClient(provider, opts)
		provider.EXPECT().Embed(gomock.Any(), "hi there").Return(nil, fmt.Errorf("%w: junk", ErrMalformedResponse))

		_, err := c.Embed(ctx, "hi there")
		assert.ErrorIs(t, err, ErrMalformedResponse)
		assert.False(t, IsRetryable(err))
		assert.Empty(t, *slept)
	})

	t.Run("should reject wrong dimension", func(t *testing.T) {
		c, _ := newTestClient(provider, opts)
		provider.EXPECT().Embed(gomock.Any(), "hi there").Return([]float32{1, 0, 0}, nil)

		_, err := c.Embed(ctx, "hi there")
		assert.ErrorIs(t, err, ErrDimensionMismatch)
		assert.False(t, IsRetryable(err))
	})

	t.Run("should reject zero vector", func(t *testing.T) {
		c, _ := newTestClient(provider, opts)
		provider.EXPECT().Embed(gomock.Any(), "hi there").Return([]float32{0, 0}, nil)

		_, err := c.Embed(ctx, "hi there")
		assert.ErrorIs(t, err, ErrMalformedResponse)
	})

	t.Run("should report provider deadline as timeout", func(t *testing.T) {
		c, _ := newTestClient(provider, Options{Dimension: 2, MaxAttempts: 1, Timeout: time.Millisecond})
		provider.EXPECT().Embed(gomock.Any(), "hi there").DoAndReturn(func(ctx context.Context, _ string) ([]float32, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		})

		_, err := c.Embed(ctx, "hi there")
		assert.ErrorIs(t, err, ErrTimeout)
	})
}

func TestNormalize(t *testing.T) {
	_, err := Normalize(nil)
	assert.ErrorIs(t, err, ErrMalformedResponse)

	_, err = Normalize([]float32{float32(math.NaN()), 1})
	assert.ErrorIs(t, err, ErrMalformedResponse)

	vec, err := Normalize([]float32{0, 5, 0})
	assert.Nil(t, err)
	assert.Equal(t, []float32{0, 1, 0}, vec)
}

func TestHuggingFaceProvider(t *testing.T) {
	t.Run("should decode feature vector", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "Bearer hf-token", r.Header.Get("Authorization"))
			w.Write([]byte(`[0.1, 0.2, 0.3]`))
		}))
		defer srv.Close()

		p := NewHuggingFaceProvider(huggingface.NewClient("hf-token", time.Second), srv.URL)
		vec, err := p.Embed(context.Background(), "hello")
		assert.Nil(t, err)
		assert.Equal(t, []float32{0.1, 0.2, 0.3}, vec)
	})

	cases := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{"should map 429 to rate limited", http.StatusTooManyRequests, `{"error":"slow"}`, ErrRateLimited},
		{"should map 503 to unavailable", http.StatusServiceUnavailable, `{"error":"loading"}`, ErrProviderUnavailable},
		{"should map bad body to malformed", http.StatusOK, `{"not":"a vector"}`, ErrMalformedResponse},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(c.status)
				w.Write([]byte(c.body))
			}))
			defer srv.Close()

			p := NewHuggingFaceProvider(huggingface.NewClient("", time.Second), srv.URL)
			_, err := p.Embed(context.Background(), "hello")
			assert.ErrorIs(t, err, c.want)
		})
	}
}

func TestOpenAIProvider(t *testing.T) {
	newProvider := func(h http.HandlerFunc) (*OpenAIProvider, func()) {
		srv := httptest.NewServer(h)
		cfg := openai.DefaultConfig("test-key")
		cfg.BaseURL = srv.URL + "/v1"
		return NewOpenAIProvider(openai.NewClientWithConfig(cfg), "text-embedding-3-small", 2), srv.Close
	}

	t.Run("should return the embedding", func(t *testing.T) {
		p, done := newProvider(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/v1/embeddings", r.URL.Path)
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"object":"list","data":[{"object":"embedding","index":0,"embedding":[0.6,0.8]}],"model":"text-embedding-3-small"}`))
		})
		defer done()

		vec, err := p.Embed(context.Background(), "hello")
		assert.Nil(t, err)
		assert.Equal(t, []float32{0.6, 0.8}, vec)
	})

	t.Run("should map 429 to rate limited", func(t *testing.T) {
		p, done := newProvider(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error":{"message":"slow down","type":"requests"}}`))
		})
		defer done()

		_, err := p.Embed(context.Background(), "hello")
		assert.ErrorIs(t, err, ErrRateLimited)
	})

	t.Run("should map server errors to unavailable", func(t *testing.T) {
		p, done := newProvider(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadGateway)
			w.Write([]byte(`{"error":{"message":"upstream","type":"server_error"}}`))
		})
		defer done()

		_, err := p.Embed(context.Background(), "hello")
		assert.ErrorIs(t, err, ErrProviderUnavailable)
	})

	t.Run("should reject empty data", func(t *testing.T) {
		p, done := newProvider(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"object":"list","data":[],"model":"text-embedding-3-small"}`))
		})
		defer done()

		_, err := p.Embed(context.Background(), "hello")
		assert.ErrorIs(t, err, ErrMalformedResponse)
	})
}
