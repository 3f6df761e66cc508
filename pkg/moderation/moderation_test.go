package moderation

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	gomock "github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"

	"onlyone/pkg/cache"
)

type stubClassifier struct {
	category Category
	score    float32
	err      error
	delay    time.Duration
	calls    int32
}

func (s *stubClassifier) Category() Category {
	return s.category
}

// Classify ignores ctx; timeouts are enforced by the pipeline.
func (s *stubClassifier) Classify(_ context.Context, _ string) (Classification, error) {
	atomic.AddInt32(&s.calls, 1)
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	if s.err != nil {
		return Classification{}, s.err
	}
	return Classification{Label: string(s.category), Score: s.score}, nil
}

func (s *stubClassifier) Calls() int {
	return int(atomic.LoadInt32(&s.calls))
}

func stub(c Category, score float32) *stubClassifier {
	return &stubClassifier{category: c, score: score}
}

func checks(threshold float32, cls ...*stubClassifier) []Check {
	out := make([]Check, 0, len(cls))
	for _, c := range cls {
		out = append(out, Check{Classifier: c, Threshold: threshold})
	}
	return out
}

var testOpts = Options{CheckTimeout: time.Second, CacheTTL: time.Minute, Policy: FailClosed}

func TestModerate(t *testing.T) {
	ctx := context.Background()

	t.Run("should accept content below every threshold", func(t *testing.T) {
		p := NewPipeline(nil, testOpts, checks(0.7,
			stub(CategoryToxicity, 0.1), stub(CategorySpam, 0.69), stub(CategoryHate, 0))...)

		v, err := p.Moderate(ctx, "I meditated for 20 minutes")
		assert.Nil(t, err)
		assert.True(t, v.Accepted)
		assert.Equal(t, Category(""), v.Reason)
		assert.False(t, v.Degraded)
		assert.Equal(t, float32(0.69), v.Scores[CategorySpam])
		assert.Len(t, v.Scores, 3)
	})

	t.Run("should reject at the threshold", func(t *testing.T) {
		p := NewPipeline(nil, testOpts, checks(0.7, stub(CategorySpam, 0.7))...)

		v, err := p.Moderate(ctx, "buy now")
		assert.Nil(t, err)
		assert.False(t, v.Accepted)
		assert.Equal(t, CategorySpam, v.Reason)
	})

	t.Run("should report the highest scoring rejection", func(t *testing.T) {
		p := NewPipeline(nil, testOpts, checks(0.5,
			stub(CategorySpam, 0.8), stub(CategoryToxicity, 0.95), stub(CategoryAdult, 0.6))...)

		v, err := p.Moderate(ctx, "whatever")
		assert.Nil(t, err)
		assert.False(t, v.Accepted)
		assert.Equal(t, CategoryToxicity, v.Reason)
	})

	t.Run("should prefer spam over toxicity when spam scores higher", func(t *testing.T) {
		p := NewPipeline(nil, testOpts,
			Check{Classifier: stub(CategoryToxicity, 0.6), Threshold: 0.5},
			Check{Classifier: stub(CategorySpam, 0.9), Threshold: 0.6})

		v, err := p.Moderate(ctx, "whatever")
		assert.Nil(t, err)
		assert.Equal(t, CategorySpam, v.Reason)
	})

	t.Run("should break score ties by category name in any check order", func(t *testing.T) {
		forward := NewPipeline(nil, testOpts, checks(0.5,
			stub(CategoryToxicity, 0.8), stub(CategoryHate, 0.8))...)
		backward := NewPipeline(nil, testOpts, checks(0.5,
			stub(CategoryHate, 0.8), stub(CategoryToxicity, 0.8))...)

		v1, err := forward.Moderate(ctx, "x y z")
		assert.Nil(t, err)
		v2, err := backward.Moderate(ctx, "x y z")
		assert.Nil(t, err)

		assert.Equal(t, CategoryHate, v1.Reason)
		assert.Equal(t, v1, v2)
	})

	t.Run("should serve repeated content from cache", func(t *testing.T) {
		tox, spam := stub(CategoryToxicity, 0.9), stub(CategorySpam, 0.1)
		p := NewPipeline(cache.NewMemory(), testOpts, checks(0.7, tox, spam)...)

		first, err := p.Moderate(ctx, "You are all stupid idiots")
		assert.Nil(t, err)
		second, err := p.Moderate(ctx, "  you are ALL   stupid idiots ")
		assert.Nil(t, err)

		assert.Equal(t, first, second)
		assert.False(t, second.Accepted)
		assert.Equal(t, CategoryToxicity, second.Reason)
		assert.Equal(t, 1, tox.Calls())
		assert.Equal(t, 1, spam.Calls())
	})

	t.Run("should merge partial failures without caching them", func(t *testing.T) {
		broken := &stubClassifier{category: CategoryHate, err: errors.New("provider down")}
		tox := stub(CategoryToxicity, 0.2)
		p := NewPipeline(cache.NewMemory(), testOpts, checks(0.7, broken, tox)...)

		v, err := p.Moderate(ctx, "nice day")
		assert.Nil(t, err)
		assert.True(t, v.Accepted)
		assert.True(t, v.Degraded)
		_, scored := v.Scores[CategoryHate]
		assert.False(t, scored)

		_, err = p.Moderate(ctx, "nice day")
		assert.Nil(t, err)
		assert.Equal(t, 2, tox.Calls())
	})

	t.Run("should not wait for a slow check past its timeout", func(t *testing.T) {
		slow := &stubClassifier{category: CategoryAdult, score: 0.9, delay: 500 * time.Millisecond}
		opts := testOpts
		opts.CheckTimeout = 20 * time.Millisecond
		p := NewPipeline(nil, opts, checks(0.7, slow, stub(CategorySpam, 0.1))...)

		start := time.Now()
		v, err := p.Moderate(ctx, "hello")
		assert.Nil(t, err)
		assert.Less(t, int64(time.Since(start)), int64(400*time.Millisecond))
		assert.True(t, v.Accepted)
		assert.True(t, v.Degraded)
	})

	t.Run("should fail closed when every check failed", func(t *testing.T) {
		p := NewPipeline(cache.NewMemory(), testOpts, checks(0.7,
			&stubClassifier{category: CategorySpam, err: errors.New("boom")},
			&stubClassifier{category: CategoryHate, err: errors.New("boom")})...)

		_, err := p.Moderate(ctx, "hello")
		assert.True(t, errors.Is(err, ErrUnavailable))
	})

	t.Run("should accept degraded when failing open", func(t *testing.T) {
		opts := testOpts
		opts.Policy = FailOpen
		p := NewPipeline(cache.NewMemory(), opts, checks(0.7,
			&stubClassifier{category: CategorySpam, err: errors.New("boom")})...)

		v, err := p.Moderate(ctx, "hello")
		assert.Nil(t, err)
		assert.True(t, v.Accepted)
		assert.True(t, v.Degraded)
	})
}

func TestModerateNormalizesInput(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	cl := NewMockClassifier(ctrl)
	cl.EXPECT().Category().Return(CategoryToxicity).AnyTimes()
	cl.EXPECT().Classify(gomock.Any(), "walked 5 miles in the rain").
		Return(Classification{Label: "clean", Score: 0.01}, nil)

	p := NewPipeline(nil, testOpts, Check{Classifier: cl, Threshold: 0.7})
	v, err := p.Moderate(context.Background(), "Walked 5 miles\tin the RAIN")
	assert.Nil(t, err)
	assert.True(t, v.Accepted)
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy("open")
	assert.Nil(t, err)
	assert.Equal(t, FailOpen, p)

	_, err = ParsePolicy("sometimes")
	assert.NotNil(t, err)
}

func TestCategoryMessage(t *testing.T) {
	assert.Equal(t, "Your post was flagged as toxic.", CategoryToxicity.Message())
	assert.Equal(t, "Your post does not meet our content guidelines.", Category("other").Message())
}
