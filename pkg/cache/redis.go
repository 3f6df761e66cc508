package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gomodule/redigo/redis"
)

//go:generate mockgen -destination=mock_conn.go -package=cache github.com/gomodule/redigo/redis Conn

type connSource interface {
	GetContext(ctx context.Context) (redis.Conn, error)
}

type Redis struct {
	pool connSource
}

// NewRedisPool dials lazily; the first command reports connection problems.
func NewRedisPool(url string, maxIdle int, dialTimeout time.Duration) *redis.Pool {
	return &redis.Pool{
		MaxIdle:     maxIdle,
		IdleTimeout: 5 * time.Minute,
		DialContext: func(ctx context.Context) (redis.Conn, error) {
			return redis.DialURLContext(ctx, url,
				redis.DialConnectTimeout(dialTimeout),
				redis.DialReadTimeout(dialTimeout),
				redis.DialWriteTimeout(dialTimeout),
			)
		},
		TestOnBorrow: func(c redis.Conn, t time.Time) error {
			if time.Since(t) < time.Minute {
				return nil
			}
			_, err := c.Do("PING")
			return err
		},
	}
}

func NewRedis(pool *redis.Pool) *Redis {
	return &Redis{pool: pool}
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	conn, err := r.pool.GetContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("cache/redis: can't get connection: %w", err)
	}
	defer conn.Close()

	val, err := redis.Bytes(conn.Do("GET", key))
	if errors.Is(err, redis.ErrNil) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, fmt.Errorf("cache/redis: GET %s failed: %w", key, err)
	}
	return val, nil
}

func (r *Redis) Set(ctx context.Context, key string, val []byte, ttl time.Duration) error {
	conn, err := r.pool.GetContext(ctx)
	if err != nil {
		return fmt.Errorf("cache/redis: can't get connection: %w", err)
	}
	defer conn.Close()

	if ttl > 0 {
		_, err = conn.Do("SET", key, val, "PX", ttl.Milliseconds())
	} else {
		_, err = conn.Do("SET", key, val)
	}
	if err != nil {
		return fmt.Errorf("cache/redis: SET %s failed: %w", key, err)
	}
	return nil
}

func (r *Redis) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	conn, err := r.pool.GetContext(ctx)
	if err != nil {
		return fmt.Errorf("cache/redis: can't get connection: %w", err)
	}
	defer conn.Close()

	if _, err := conn.Do("DEL", redis.Args{}.AddFlat(keys)...); err != nil {
		return fmt.Errorf("cache/redis: DEL failed: %w", err)
	}
	return nil
}
