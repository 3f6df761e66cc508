package cache

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/valkey-io/valkey-go"
)

type ValkeyOptions struct {
	Address  string
	Password string
	TLS      bool
	Timeout  time.Duration
}

// Valkey is the Cache backend for Valkey deployments.
type Valkey struct {
	client valkey.Client
}

func NewValkey(ctx context.Context, opts ValkeyOptions) (*Valkey, error) {
	clientOpts := valkey.ClientOption{
		InitAddress:      []string{opts.Address},
		Password:         opts.Password,
		ConnWriteTimeout: opts.Timeout,
		SelectDB:         0,
	}
	if opts.TLS {
		clientOpts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	client, err := valkey.NewClient(clientOpts)
	if err != nil {
		return nil, fmt.Errorf("cache/valkey: failed to create client: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Do(pingCtx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("cache/valkey: failed to ping: %w", err)
	}
	return &Valkey{client: client}, nil
}

func (v *Valkey) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := v.client.Do(ctx, v.client.B().Get().Key(key).Build()).AsBytes()
	if valkey.IsValkeyNil(err) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, fmt.Errorf("cache/valkey: GET %s failed: %w", key, err)
	}
	return val, nil
}

func (v *Valkey) Set(ctx context.Context, key string, val []byte, ttl time.Duration) error {
	cmd := v.client.B().Set().Key(key).Value(valkey.BinaryString(val))
	var err error
	if ttl > 0 {
		err = v.client.Do(ctx, cmd.PxMilliseconds(ttl.Milliseconds()).Build()).Error()
	} else {
		err = v.client.Do(ctx, cmd.Build()).Error()
	}
	if err != nil {
		return fmt.Errorf("cache/valkey: SET %s failed: %w", key, err)
	}
	return nil
}

func (v *Valkey) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := v.client.Do(ctx, v.client.B().Del().Key(keys...).Build()).Error(); err != nil {
		return fmt.Errorf("cache/valkey: DEL failed: %w", err)
	}
	return nil
}

func (v *Valkey) Close() {
	v.client.Close()
}
