// Package feed serves cached pages of approved posts per comparable set.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"onlyone/pkg/cache"
	"onlyone/pkg/logger"
	"onlyone/pkg/post"
)

//go:generate mockgen -source=feed.go -destination=mock_feed.go -package=feed

type Store interface {
	ListFeed(ctx context.Context, ref post.Ref, limit, offset int) ([]*post.Post, error)
}

type Page struct {
	Number  int          `json:"page"`
	Posts   []*post.Post `json:"posts"`
	HasMore bool         `json:"has_more"`
}

type Reader struct {
	store    Store
	cache    cache.Cache
	pageSize int
	ttl      time.Duration
}

func NewReader(store Store, c cache.Cache, pageSize int, ttl time.Duration) *Reader {
	if pageSize <= 0 {
		pageSize = 20
	}
	return &Reader{store: store, cache: c, pageSize: pageSize, ttl: ttl}
}

func CacheKey(ref post.Ref, page int) string {
	return cache.PageKey(cache.NamespaceFeed, page, ref.KeyParts()...)
}

// CacheKeys lists the first pages of every ref.
func CacheKeys(refs []post.Ref, pages int) []string {
	keys := make([]string, 0, len(refs)*pages)
	for _, ref := range refs {
		for p := 1; p <= pages; p++ {
			keys = append(keys, CacheKey(ref, p))
		}
	}
	return keys
}

// Page returns the 1-based page of ref's feed, newest posts first.
func (r *Reader) Page(ctx context.Context, ref post.Ref, page int) (*Page, error) {
	if page < 1 {
		page = 1
	}
	key := CacheKey(ref, page)
	if p, ok := r.lookup(ctx, key); ok {
		return p, nil
	}

	posts, err := r.store.ListFeed(ctx, ref, r.pageSize+1, (page-1)*r.pageSize)
	if err != nil {
		return nil, fmt.Errorf("feed: failed listing %s page %d: %w", ref, page, err)
	}
	p := &Page{Number: page, Posts: posts}
	if len(posts) > r.pageSize {
		p.Posts, p.HasMore = posts[:r.pageSize], true
	}
	if p.Posts == nil {
		p.Posts = []*post.Post{}
	}

	r.remember(ctx, key, p)
	return p, nil
}

func (r *Reader) lookup(ctx context.Context, key string) (*Page, bool) {
	if r.cache == nil {
		return nil, false
	}
	raw, err := r.cache.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, cache.ErrMiss) {
			logger.Log(ctx).Warnw("feed: cache read failed", "error", err)
		}
		return nil, false
	}
	p := new(Page)
	if err := json.Unmarshal(raw, p); err != nil {
		return nil, false
	}
	return p, true
}

func (r *Reader) remember(ctx context.Context, key string, p *Page) {
	if r.cache == nil {
		return
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return
	}
	if err := r.cache.Set(ctx, key, raw, r.ttl); err != nil {
		logger.Log(ctx).Warnw("feed: cache write failed", "error", err)
	}
}
