// Package moderation decides whether a post may be published. Each category
// check runs concurrently under its own timeout; the verdicts are merged
// deterministically and memoized by normalized content.
package moderation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"onlyone/pkg/cache"
	"onlyone/pkg/common"
	"onlyone/pkg/logger"
)

type Category string

const (
	CategoryAdult    Category = "adult"
	CategoryHate     Category = "hate"
	CategorySpam     Category = "spam"
	CategoryToxicity Category = "toxicity"
)

var messages = map[Category]string{
	CategoryAdult:    "Your post was flagged as adult content.",
	CategoryHate:     "Your post was flagged as hateful.",
	CategorySpam:     "Your post was flagged as spam.",
	CategoryToxicity: "Your post was flagged as toxic.",
}

// Message is the user-facing explanation for a rejection in c.
func (c Category) Message() string {
	if msg, ok := messages[c]; ok {
		return msg
	}
	return "Your post does not meet our content guidelines."
}

// ErrUnavailable means no check produced a result.
var ErrUnavailable = errors.New("moderation: all checks failed")

type Policy string

const (
	// FailClosed rejects content when every check failed.
	FailClosed Policy = "closed"
	// FailOpen accepts content when every check failed.
	FailOpen Policy = "open"
)

func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case FailClosed, FailOpen:
		return Policy(s), nil
	}
	return "", fmt.Errorf("moderation: unknown failure policy %q", s)
}

type Classification struct {
	Label string
	// Confidence that the text belongs to the category, in [0, 1].
	Score float32
}

//go:generate mockgen -source=moderation.go -destination=mock_moderation.go -package=moderation

type Classifier interface {
	Category() Category
	Classify(ctx context.Context, text string) (Classification, error)
}

// Check rejects content whose score reaches Threshold.
type Check struct {
	Classifier Classifier
	Threshold  float32
}

type Verdict struct {
	Accepted bool                 `json:"accepted"`
	Reason   Category             `json:"reason,omitempty"`
	Scores   map[Category]float32 `json:"scores"`
	// Degraded marks verdicts reached without every check; they are never cached.
	Degraded bool `json:"degraded,omitempty"`
}

type Options struct {
	CheckTimeout time.Duration
	CacheTTL     time.Duration
	Policy       Policy
}

type Pipeline struct {
	checks []Check
	cache  cache.Cache
	opts   Options
}

func NewPipeline(c cache.Cache, opts Options, checks ...Check) *Pipeline {
	if opts.Policy == "" {
		opts.Policy = FailClosed
	}
	return &Pipeline{checks: checks, cache: c, opts: opts}
}

func (p *Pipeline) Policy() Policy {
	return p.opts.Policy
}

type checkResult struct {
	check Check
	cl    Classification
	err   error
}

// Moderate returns the verdict for text. With a fail-closed policy it
// returns ErrUnavailable when every check failed.
func (p *Pipeline) Moderate(ctx context.Context, text string) (Verdict, error) {
	normalized := common.NormalizeText(text)
	key := cache.Key(cache.NamespaceModeration, normalized)

	if v, ok := p.cached(ctx, key); ok {
		return v, nil
	}

	results := make([]checkResult, len(p.checks))
	var g errgroup.Group
	for i, c := range p.checks {
		i, c := i, c
		g.Go(func() error {
			results[i] = p.run(ctx, c, normalized)
			return nil
		})
	}
	_ = g.Wait()

	verdict, failed := merge(results)
	for _, r := range results {
		if r.err != nil {
			logger.Log(ctx).Warnw("moderation: check failed",
				"category", r.check.Classifier.Category(),
				"error", r.err,
			)
		}
	}

	if failed > 0 && failed == len(results) {
		if p.opts.Policy == FailOpen {
			logger.Log(ctx).Warnw("moderation: every check failed, accepting under fail-open policy")
			return Verdict{Accepted: true, Scores: map[Category]float32{}, Degraded: true}, nil
		}
		return Verdict{}, fmt.Errorf("%w: %d checks", ErrUnavailable, failed)
	}
	if failed > 0 {
		verdict.Degraded = true
		return verdict, nil
	}

	p.store(ctx, key, verdict)
	return verdict, nil
}

// run isolates one check behind its timeout, even when the classifier
// ignores its context.
func (p *Pipeline) run(ctx context.Context, c Check, text string) checkResult {
	if p.opts.CheckTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.opts.CheckTimeout)
		defer cancel()
	}

	done := make(chan checkResult, 1)
	go func() {
		cl, err := c.Classifier.Classify(ctx, text)
		done <- checkResult{check: c, cl: cl, err: err}
	}()

	select {
	case r := <-done:
		return r
	case <-ctx.Done():
		return checkResult{check: c, err: fmt.Errorf("moderation: %s check: %w", c.Classifier.Category(), ctx.Err())}
	}
}

// merge folds the results into one verdict. Any rejecting check rejects;
// the reason is the rejecting category with the highest score, ties going
// to the lexically smallest category name.
func merge(results []checkResult) (Verdict, int) {
	v := Verdict{Accepted: true, Scores: make(map[Category]float32, len(results))}
	failed := 0
	var best float32

	for _, r := range results {
		if r.err != nil {
			failed++
			continue
		}
		cat := r.check.Classifier.Category()
		if prev, ok := v.Scores[cat]; !ok || r.cl.Score > prev {
			v.Scores[cat] = r.cl.Score
		}
		if r.cl.Score < r.check.Threshold {
			continue
		}
		if v.Accepted || r.cl.Score > best || (r.cl.Score == best && cat < v.Reason) {
			v.Accepted = false
			v.Reason = cat
			best = r.cl.Score
		}
	}
	return v, failed
}

func (p *Pipeline) cached(ctx context.Context, key string) (Verdict, bool) {
	if p.cache == nil {
		return Verdict{}, false
	}
	raw, err := p.cache.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, cache.ErrMiss) {
			logger.Log(ctx).Warnw("moderation: cache read failed", "error", err)
		}
		return Verdict{}, false
	}
	var v Verdict
	if err := json.Unmarshal(raw, &v); err != nil {
		logger.Log(ctx).Warnw("moderation: dropping undecodable cache entry", "key", key, "error", err)
		return Verdict{}, false
	}
	return v, true
}

func (p *Pipeline) store(ctx context.Context, key string, v Verdict) {
	if p.cache == nil {
		return
	}
	raw, err := json.Marshal(v)
	if err != nil {
		logger.Log(ctx).Warnw("moderation: can't encode verdict", "error", err)
		return
	}
	if err := p.cache.Set(ctx, key, raw, p.opts.CacheTTL); err != nil {
		logger.Log(ctx).Warnw("moderation: cache write failed", "error", err)
	}
}
