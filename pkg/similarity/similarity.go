// Package similarity finds approved posts semantically close to a new one
// within its comparable set.
package similarity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"onlyone/pkg/cache"
	"onlyone/pkg/logger"
	"onlyone/pkg/post"
)

var ErrDimensionMismatch = errors.New("similarity: embedding dimension mismatch")

//go:generate mockgen -source=similarity.go -destination=mock_similarity.go -package=similarity

type CandidateStore interface {
	FindCandidates(ctx context.Context, q post.CandidateQuery) ([]post.Candidate, error)
}

type Match struct {
	PostId     post.PostId `json:"post_id"`
	Similarity float32     `json:"similarity"`
}

type Query struct {
	// Normalized content; identifies the query in the cache. Empty disables caching.
	Text      string
	Embedding []float32
	Scope     post.Scope
	Location  post.Location
	// Zero searches every post; otherwise only posts created at or after Since.
	Since time.Time
}

func (q Query) Ref() post.Ref {
	return post.NewRef(q.Scope, q.Location)
}

type Options struct {
	Threshold      float32
	CandidateLimit int
	CacheTTL       time.Duration
}

type Matcher struct {
	store CandidateStore
	cache cache.Cache
	opts  Options
}

func NewMatcher(store CandidateStore, c cache.Cache, opts Options) *Matcher {
	return &Matcher{store: store, cache: c, opts: opts}
}

func (m *Matcher) Threshold() float32 {
	return m.opts.Threshold
}

// CacheKey is the cache entry a query for text against ref, over posts
// created since the given time, is stored under.
func CacheKey(text string, ref post.Ref, since time.Time) string {
	window := "all"
	if !since.IsZero() {
		window = since.UTC().Format(time.RFC3339)
	}
	parts := append([]string{text, window}, ref.KeyParts()...)
	return cache.Key(cache.NamespaceSimilar, parts...)
}

// CacheKeys lists every entry a new post with text invalidates: the
// all-time and the day windows of each comparable set it joins.
func CacheKeys(text string, refs []post.Ref, day time.Time) []string {
	keys := make([]string, 0, 2*len(refs))
	for _, ref := range refs {
		keys = append(keys, CacheKey(text, ref, time.Time{}), CacheKey(text, ref, day))
	}
	return keys
}

// StartOfDay is midnight UTC of t's day.
func StartOfDay(t time.Time) time.Time {
	return t.UTC().Truncate(24 * time.Hour)
}

// FindMatches returns candidates whose cosine similarity to q.Embedding
// reaches the threshold, most similar first. Store failures are returned
// as is; they never turn into an empty match list.
func (m *Matcher) FindMatches(ctx context.Context, q Query) ([]Match, error) {
	ref := q.Ref()
	var key string
	if q.Text != "" {
		key = CacheKey(q.Text, ref, q.Since)
		if matches, ok := m.lookup(ctx, key); ok {
			return matches, nil
		}
	}

	cq := post.CandidateQuery{Ref: ref, Since: q.Since, Limit: m.opts.CandidateLimit}
	candidates, err := m.store.FindCandidates(ctx, cq)
	if err != nil {
		return nil, fmt.Errorf("similarity: failed to load candidates for %s: %w", cq, err)
	}

	matches := make([]Match, 0)
	for _, c := range candidates {
		sim, err := CosineSimilarity(q.Embedding, c.Embedding)
		if err != nil {
			return nil, fmt.Errorf("similarity: candidate %s: %w", c.Id, err)
		}
		if sim >= m.opts.Threshold {
			matches = append(matches, Match{PostId: c.Id, Similarity: sim})
		}
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Similarity != matches[j].Similarity {
			return matches[i].Similarity > matches[j].Similarity
		}
		return matches[i].PostId < matches[j].PostId
	})

	if key != "" {
		m.remember(ctx, key, matches)
	}
	return matches, nil
}

// CosineSimilarity of a and b. A zero vector is similar to nothing.
func CosineSimilarity(a, b []float32) (float32, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("%w: %d vs %d", ErrDimensionMismatch, len(a), len(b))
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0, nil
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb))), nil
}

func (m *Matcher) lookup(ctx context.Context, key string) ([]Match, bool) {
	if m.cache == nil {
		return nil, false
	}
	raw, err := m.cache.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, cache.ErrMiss) {
			logger.Log(ctx).Warnw("similarity: cache read failed", "error", err)
		}
		return nil, false
	}
	var matches []Match
	if err := json.Unmarshal(raw, &matches); err != nil {
		logger.Log(ctx).Warnw("similarity: dropping undecodable cache entry", "key", key, "error", err)
		return nil, false
	}
	return matches, true
}

func (m *Matcher) remember(ctx context.Context, key string, matches []Match) {
	if m.cache == nil {
		return
	}
	raw, err := json.Marshal(matches)
	if err != nil {
		logger.Log(ctx).Warnw("similarity: can't encode matches", "error", err)
		return
	}
	if err := m.cache.Set(ctx, key, raw, m.opts.CacheTTL); err != nil {
		logger.Log(ctx).Warnw("similarity: cache write failed", "error", err)
	}
}
