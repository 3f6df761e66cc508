package similarity

import (
	"context"
	"errors"
	"testing"
	"time"

	gomock "github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"

	"onlyone/pkg/cache"
	"onlyone/pkg/post"
)

var (
	phoenix = post.Location{City: "Phoenix", State: "Arizona", Country: "USA"}
	opts    = Options{Threshold: 0.8, CandidateLimit: 100, CacheTTL: time.Minute}
)

func TestCosineSimilarity(t *testing.T) {
	t.Run("should score parallel and orthogonal vectors", func(t *testing.T) {
		sim, err := CosineSimilarity([]float32{1, 0}, []float32{2, 0})
		assert.Nil(t, err)
		assert.InDelta(t, 1.0, sim, 1e-6)

		sim, err = CosineSimilarity([]float32{1, 0}, []float32{0, 3})
		assert.Nil(t, err)
		assert.InDelta(t, 0.0, sim, 1e-6)
	})

	t.Run("should treat a zero vector as dissimilar", func(t *testing.T) {
		sim, err := CosineSimilarity([]float32{0, 0}, []float32{1, 1})
		assert.Nil(t, err)
		assert.Equal(t, float32(0), sim)
	})

	t.Run("should refuse mismatched dimensions", func(t *testing.T) {
		_, err := CosineSimilarity([]float32{1, 0, 0}, []float32{1, 0})
		assert.True(t, errors.Is(err, ErrDimensionMismatch))
	})
}

func TestFindMatches(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	ctx := context.Background()
	store := NewMockCandidateStore(ctrl)

	candidates := []post.Candidate{
		{Id: "far", Embedding: []float32{0, 1}},
		{Id: "b-close", Embedding: []float32{0.9, 0.1}},
		{Id: "exact", Embedding: []float32{1, 0}},
		{Id: "a-close", Embedding: []float32{0.9, 0.1}},
	}

	t.Run("should keep matches above threshold, most similar first", func(t *testing.T) {
		m := NewMatcher(store, nil, opts)
		store.EXPECT().FindCandidates(gomock.Any(), post.CandidateQuery{
			Ref:   post.NewRef(post.ScopeCity, phoenix),
			Limit: 100,
		}).Return(candidates, nil)

		matches, err := m.FindMatches(ctx, Query{
			Embedding: []float32{1, 0},
			Scope:     post.ScopeCity,
			Location:  phoenix,
		})
		assert.Nil(t, err)
		assert.Len(t, matches, 3)
		assert.Equal(t, post.PostId("exact"), matches[0].PostId)
		assert.Equal(t, post.PostId("a-close"), matches[1].PostId)
		assert.Equal(t, post.PostId("b-close"), matches[2].PostId)
	})

	t.Run("should include a candidate exactly at the threshold", func(t *testing.T) {
		o := opts
		o.Threshold = 1
		m := NewMatcher(store, nil, o)
		store.EXPECT().FindCandidates(gomock.Any(), gomock.Any()).
			Return([]post.Candidate{{Id: "edge", Embedding: []float32{3, 4}}}, nil)

		matches, err := m.FindMatches(ctx, Query{Embedding: []float32{3, 4}, Scope: post.ScopeWorld})
		assert.Nil(t, err)
		assert.Len(t, matches, 1)
	})

	t.Run("should search only the window the caller asks for", func(t *testing.T) {
		m := NewMatcher(store, nil, opts)
		day := time.Date(2024, 3, 9, 0, 0, 0, 0, time.UTC)
		store.EXPECT().FindCandidates(gomock.Any(), post.CandidateQuery{
			Ref:   post.NewRef(post.ScopeWorld, post.Location{}),
			Since: day,
			Limit: 100,
		}).Return(nil, nil)

		matches, err := m.FindMatches(ctx, Query{Embedding: []float32{1, 0}, Scope: post.ScopeWorld, Since: day})
		assert.Nil(t, err)
		assert.Empty(t, matches)
	})

	t.Run("should propagate store errors instead of reporting no matches", func(t *testing.T) {
		m := NewMatcher(store, nil, opts)
		store.EXPECT().FindCandidates(gomock.Any(), gomock.Any()).Return(nil, errors.New("connection reset"))

		matches, err := m.FindMatches(ctx, Query{Embedding: []float32{1, 0}, Scope: post.ScopeWorld})
		assert.NotNil(t, err)
		assert.Nil(t, matches)
	})

	t.Run("should fail on a stored embedding of another dimension", func(t *testing.T) {
		m := NewMatcher(store, nil, opts)
		store.EXPECT().FindCandidates(gomock.Any(), gomock.Any()).
			Return([]post.Candidate{{Id: "old", Embedding: []float32{1, 0, 0}}}, nil)

		_, err := m.FindMatches(ctx, Query{Embedding: []float32{1, 0}, Scope: post.ScopeWorld})
		assert.True(t, errors.Is(err, ErrDimensionMismatch))
	})

	t.Run("should serve repeated text from cache until invalidated", func(t *testing.T) {
		c := cache.NewMemory()
		m := NewMatcher(store, c, opts)
		q := Query{Text: "i meditated", Embedding: []float32{1, 0}, Scope: post.ScopeCity, Location: phoenix}

		store.EXPECT().FindCandidates(gomock.Any(), gomock.Any()).Return(candidates, nil).Times(2)

		first, err := m.FindMatches(ctx, q)
		assert.Nil(t, err)
		second, err := m.FindMatches(ctx, q)
		assert.Nil(t, err)
		assert.Equal(t, first, second)

		assert.Nil(t, c.Del(ctx, CacheKeys(q.Text, post.ScopeCity.Ancestors(phoenix), time.Time{})...))
		_, err = m.FindMatches(ctx, q)
		assert.Nil(t, err)
	})

	t.Run("should not serve yesterday's window after midnight", func(t *testing.T) {
		c := cache.NewMemory()
		m := NewMatcher(store, c, opts)
		yesterday := time.Date(2024, 3, 8, 0, 0, 0, 0, time.UTC)
		today := yesterday.Add(24 * time.Hour)
		q := Query{Text: "i meditated", Embedding: []float32{1, 0}, Scope: post.ScopeWorld, Since: yesterday}

		store.EXPECT().FindCandidates(gomock.Any(), gomock.Any()).
			Return([]post.Candidate{{Id: "old", Embedding: []float32{1, 0}}}, nil)
		store.EXPECT().FindCandidates(gomock.Any(), gomock.Any()).Return(nil, nil)

		first, err := m.FindMatches(ctx, q)
		assert.Nil(t, err)
		assert.Len(t, first, 1)

		q.Since = today
		second, err := m.FindMatches(ctx, q)
		assert.Nil(t, err)
		assert.Empty(t, second)
	})
}

func TestCacheKey(t *testing.T) {
	city := post.NewRef(post.ScopeCity, phoenix)
	state := post.NewRef(post.ScopeState, phoenix)

	day := time.Date(2024, 3, 9, 0, 0, 0, 0, time.UTC)
	all := time.Time{}

	assert.NotEqual(t, CacheKey("x", city, all), CacheKey("x", state, all))
	assert.NotEqual(t, CacheKey("x", city, all), CacheKey("x", city, day))
	assert.NotEqual(t, CacheKey("x", city, day), CacheKey("x", city, day.Add(24*time.Hour)))
	assert.Equal(t, CacheKey("x", city, all),
		CacheKey("x", post.NewRef(post.ScopeCity, post.Location{City: "phoenix", State: "ARIZONA", Country: "usa"}), all))

	keys := CacheKeys("x", post.ScopeCity.Ancestors(phoenix), day)
	assert.Len(t, keys, 8)
	assert.Contains(t, keys, CacheKey("x", state, day))
}
