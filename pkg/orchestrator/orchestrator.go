// Package orchestrator turns a submission into a scored, persisted post:
// validate, moderate, embed, match and count, score, persist, invalidate.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"onlyone/pkg/audit"
	"onlyone/pkg/cache"
	"onlyone/pkg/common"
	"onlyone/pkg/embedding"
	"onlyone/pkg/feed"
	"onlyone/pkg/logger"
	"onlyone/pkg/moderation"
	"onlyone/pkg/post"
	"onlyone/pkg/scoring"
	"onlyone/pkg/similarity"
)

//go:generate mockgen -source=orchestrator.go -destination=mock_orchestrator.go -package=orchestrator

type Moderator interface {
	Moderate(ctx context.Context, text string) (moderation.Verdict, error)
}

type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

type Matcher interface {
	FindMatches(ctx context.Context, q similarity.Query) ([]similarity.Match, error)
}

type Store interface {
	Insert(ctx context.Context, p *post.Post) error
	CountApproved(ctx context.Context, ref post.Ref, since time.Time) (int, error)
}

type AuditLog interface {
	Record(ctx context.Context, e *audit.Entry) error
}

type Deps struct {
	Moderator Moderator
	Embedder  Embedder
	Matcher   Matcher
	Store     Store
	Cache     cache.Cache
	// Optional.
	Audit AuditLog
}

type Options struct {
	// Upper bound for one submission, from validation to persistence.
	RequestBudget time.Duration
	CountTTL      time.Duration
	TemporalTTL   time.Duration
	// Feed pages dropped from the cache after each new post.
	FeedPages int
	Temporal  bool
}

type Orchestrator struct {
	deps   Deps
	opts   Options
	now    func() time.Time
	newId  func() post.PostId
	report func(error)
}

func New(deps Deps, opts Options) *Orchestrator {
	return &Orchestrator{
		deps: deps,
		opts: opts,
		now:  time.Now,
		newId: func() post.PostId {
			return post.PostId(uuid.NewString())
		},
		report: func(err error) {
			sentry.CaptureException(err)
		},
	}
}

// CreatePost runs a submission through the pipeline. Validation and
// moderation rejections are returned in the Outcome; everything else that
// stops the post is a *Failure.
func (o *Orchestrator) CreatePost(ctx context.Context, req Request) (*Outcome, error) {
	if o.opts.RequestBudget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.opts.RequestBudget)
		defer cancel()
	}
	log := logger.Log(ctx)

	state := StateValidating
	log.Debugw("orchestrator: state", "state", state)
	req.Content = strings.TrimSpace(req.Content)
	req.Location = req.Location.Normalize()
	if rej := validate(req); rej != nil {
		log.Infow("orchestrator: rejected", "kind", rej.Kind, "field", rej.Field, "reason", rej.Reason)
		return &Outcome{State: StateRejected, Rejection: rej}, nil
	}
	normalized := common.NormalizeText(req.Content)

	state = StateModerating
	log.Debugw("orchestrator: state", "state", state)
	verdict, err := o.deps.Moderator.Moderate(ctx, req.Content)
	switch {
	case err != nil && ctx.Err() != nil:
		// A cancelled request is not a provider outage.
		return nil, o.fail(ctx, state, ctx.Err())
	case errors.Is(err, moderation.ErrUnavailable):
		rej := &Rejection{
			Kind:     RejectedModeration,
			Category: ReasonModerationUnavailable,
			Message:  "We couldn't review your post right now. Please try again in a moment.",
		}
		log.Warnw("orchestrator: rejected, moderation unavailable", "error", err)
		o.audit(ctx, normalized, req.Content, rej.Category, nil, true)
		return &Outcome{State: StateRejected, Rejection: rej}, nil
	case err != nil:
		return nil, o.fail(ctx, state, err)
	case !verdict.Accepted:
		rej := &Rejection{
			Kind:     RejectedModeration,
			Category: string(verdict.Reason),
			Message:  verdict.Reason.Message(),
		}
		log.Infow("orchestrator: rejected", "kind", rej.Kind, "category", rej.Category)
		o.audit(ctx, normalized, req.Content, rej.Category, verdict.Scores, false)
		return &Outcome{State: StateRejected, Rejection: rej}, nil
	}
	if verdict.Degraded {
		log.Warnw("orchestrator: accepted on a degraded moderation verdict")
	}

	state = StateEmbedding
	log.Debugw("orchestrator: state", "state", state)
	vec, err := o.deps.Embedder.Embed(ctx, req.Content)
	if err != nil {
		return nil, o.fail(ctx, state, err)
	}

	state = StateMatching
	log.Debugw("orchestrator: state", "state", state)
	ref := post.NewRef(req.Scope, req.Location)
	query := similarity.Query{
		Text:      normalized,
		Embedding: vec,
		Scope:     req.Scope,
		Location:  req.Location,
	}
	now := o.now()
	day := similarity.StartOfDay(now)
	matches, existing, err := o.matchAndCount(ctx, query, ref, countKey(ref), o.opts.CountTTL)
	if err != nil {
		return nil, o.fail(ctx, state, err)
	}

	state = StateScoring
	log.Debugw("orchestrator: state", "state", state)
	// The new post is one of the posts in scope.
	result := scoring.Score(len(matches), existing+1)
	temporal := o.temporal(ctx, query, ref, day, len(matches))

	state = StatePersisting
	log.Debugw("orchestrator: state", "state", state)
	if err := ctx.Err(); err != nil {
		return nil, o.fail(ctx, state, err)
	}
	p := &post.Post{
		Id:               o.newId(),
		Content:          normalized,
		InputType:        req.InputType,
		Scope:            req.Scope,
		Location:         req.Location,
		Embedding:        vec,
		MatchCount:       len(matches),
		Percentile:       result.Percentile,
		Tier:             result.Tier,
		ModerationStatus: post.StatusApproved,
		Created:          now.UTC(),
	}
	if err := o.deps.Store.Insert(ctx, p); err != nil {
		return nil, o.fail(ctx, state, err)
	}

	o.invalidate(ctx, normalized, req.Scope.Ancestors(req.Location), day)
	log.Infow("orchestrator: post created",
		"post_id", p.Id,
		"scope", p.Scope,
		"match_count", p.MatchCount,
		"percentile", p.Percentile,
		"tier", p.Tier,
	)

	return &Outcome{
		State: StateDone,
		Post: &Projection{
			Id:          p.Id,
			Content:     p.Content,
			InputType:   p.InputType,
			Scope:       p.Scope,
			Location:    p.Location,
			MatchCount:  p.MatchCount,
			Percentile:  p.Percentile,
			Tier:        p.Tier,
			DisplayText: result.DisplayText,
			Temporal:    temporal,
			Created:     p.Created,
		},
	}, nil
}

func validate(req Request) *Rejection {
	n := utf8.RuneCountInString(req.Content)
	switch {
	case n < post.MinContentLen:
		return validationError("content", "too_short",
			fmt.Sprintf("Posts need at least %d characters.", post.MinContentLen))
	case n > post.MaxContentLen:
		return validationError("content", "too_long",
			fmt.Sprintf("Posts can't be longer than %d characters.", post.MaxContentLen))
	case !req.InputType.Valid():
		return validationError("input_type", "invalid",
			"Choose whether this is an action or a day summary.")
	case !req.Scope.Valid():
		return validationError("scope", "invalid",
			"Choose a scope: city, state, country or world.")
	}
	if field := post.MissingField(req.Scope, req.Location); field != "" {
		return validationError(field, "required",
			fmt.Sprintf("A %s post needs a %s.", req.Scope, field))
	}
	return nil
}

func validationError(field, reason, msg string) *Rejection {
	return &Rejection{Kind: RejectedValidation, Field: field, Reason: reason, Message: msg}
}

// matchAndCount runs the match search and the scope count concurrently,
// both over posts created since q.Since.
func (o *Orchestrator) matchAndCount(ctx context.Context, q similarity.Query, ref post.Ref, key string, ttl time.Duration) ([]similarity.Match, int, error) {
	var (
		matches []similarity.Match
		total   int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		matches, err = o.deps.Matcher.FindMatches(gctx, q)
		return err
	})
	g.Go(func() error {
		var err error
		total, err = o.count(gctx, ref, q.Since, key, ttl)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, 0, err
	}
	return matches, total, nil
}

func (o *Orchestrator) count(ctx context.Context, ref post.Ref, since time.Time, key string, ttl time.Duration) (int, error) {
	if o.deps.Cache != nil {
		raw, err := o.deps.Cache.Get(ctx, key)
		if err == nil {
			if n, err := strconv.Atoi(string(raw)); err == nil {
				return n, nil
			}
		} else if !errors.Is(err, cache.ErrMiss) {
			logger.Log(ctx).Warnw("orchestrator: count cache read failed", "error", err)
		}
	}

	n, err := o.deps.Store.CountApproved(ctx, ref, since)
	if err != nil {
		return 0, err
	}
	if o.deps.Cache != nil {
		if err := o.deps.Cache.Set(ctx, key, []byte(strconv.Itoa(n)), ttl); err != nil {
			logger.Log(ctx).Warnw("orchestrator: count cache write failed", "error", err)
		}
	}
	return n, nil
}

// temporal scores the post against today's posts only. A post nobody
// matched overall can't be matched today either, so that case skips the
// store entirely.
func (o *Orchestrator) temporal(ctx context.Context, q similarity.Query, ref post.Ref, day time.Time, matchCount int) *Temporal {
	if !o.opts.Temporal {
		return nil
	}
	if matchCount == 0 {
		return &Temporal{Tier: scoring.TierElite, DisplayText: scoring.OnlyYou}
	}

	q.Since = day
	matches, existing, err := o.matchAndCount(ctx, q, ref, temporalKey(ref, day), o.opts.TemporalTTL)
	if err != nil {
		logger.Log(ctx).Warnw("orchestrator: temporal breakdown failed", "error", err)
		return nil
	}
	res := scoring.Score(len(matches), existing+1)
	return &Temporal{
		MatchCount:  len(matches),
		Percentile:  res.Percentile,
		Tier:        res.Tier,
		DisplayText: res.DisplayText,
	}
}

func countKey(ref post.Ref) string {
	return cache.Key(cache.NamespaceCount, ref.KeyParts()...)
}

func temporalKey(ref post.Ref, day time.Time) string {
	return cache.Key(cache.NamespaceTemporal, append(ref.KeyParts(), day.Format("2006-01-02"))...)
}

// invalidate drops every cached value the new post made stale. Failures only
// delay freshness until the entries expire.
func (o *Orchestrator) invalidate(ctx context.Context, normalized string, refs []post.Ref, day time.Time) {
	if o.deps.Cache == nil {
		return
	}
	keys := similarity.CacheKeys(normalized, refs, day)
	for _, ref := range refs {
		keys = append(keys, countKey(ref), temporalKey(ref, day))
	}
	keys = append(keys, feed.CacheKeys(refs, o.opts.FeedPages)...)

	if err := o.deps.Cache.Del(context.WithoutCancel(ctx), keys...); err != nil {
		logger.Log(ctx).Warnw("orchestrator: cache invalidation failed", "keys", len(keys), "error", err)
	}
}

func (o *Orchestrator) audit(ctx context.Context, normalized, content, category string, scores map[moderation.Category]float32, unavailable bool) {
	if o.deps.Audit == nil {
		return
	}
	e := &audit.Entry{
		ContentHash: cache.Hash(normalized),
		Content:     content,
		Category:    category,
		Unavailable: unavailable,
		Created:     o.now().UTC(),
	}
	if len(scores) > 0 {
		e.Scores = make(map[string]float32, len(scores))
		for c, s := range scores {
			e.Scores[string(c)] = s
		}
	}
	if err := o.deps.Audit.Record(context.WithoutCancel(ctx), e); err != nil {
		logger.Log(ctx).Warnw("orchestrator: audit record failed", "error", err)
	}
}

func (o *Orchestrator) fail(ctx context.Context, stage State, err error) error {
	f := &Failure{Kind: classify(err), Stage: stage, Err: err}
	if f.Kind == Fatal {
		logger.Log(ctx).Errorw("orchestrator: fatal failure", "stage", stage, "error", err)
		o.report(f)
	} else {
		logger.Log(ctx).Warnw("orchestrator: transient failure", "stage", stage, "error", err)
	}
	return f
}

func classify(err error) FailureKind {
	switch {
	case errors.Is(err, embedding.ErrMalformedResponse),
		errors.Is(err, embedding.ErrDimensionMismatch),
		errors.Is(err, similarity.ErrDimensionMismatch),
		errors.Is(err, post.ErrConstraintViolation):
		return Fatal
	}
	return Transient
}
