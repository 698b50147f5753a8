// Package store holds the Nonce Store, Validation Cache and Settlement Ledger
// implementations used by the payment engine.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/andrewreder/paygate/go-api/x402"
)

const (
	nonceKeyPrefix      = "x402:nonce:"
	validationKeyPrefix = "x402:validation:"
)

// OpenRedis parses url, connects and pings. The caller owns the returned client.
func OpenRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// RedisNonceStore keeps issued nonces as TTL'd keys. Issue uses SETNX so a
// nonce can only be registered once.
type RedisNonceStore struct {
	rdb redis.Cmdable
}

func NewRedisNonceStore(rdb redis.Cmdable) *RedisNonceStore {
	return &RedisNonceStore{rdb: rdb}
}

func (s *RedisNonceStore) Issue(ctx context.Context, nonce string, meta x402.NonceMetadata, ttl time.Duration) error {
	payload, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal nonce metadata: %w", err)
	}
	ok, err := s.rdb.SetNX(ctx, nonceKeyPrefix+nonce, payload, ttl).Result()
	if err != nil {
		return fmt.Errorf("issue nonce: %w", err)
	}
	if !ok {
		return x402.ErrNonceExists
	}
	return nil
}

func (s *RedisNonceStore) Peek(ctx context.Context, nonce string) (*x402.NonceMetadata, error) {
	raw, err := s.rdb.Get(ctx, nonceKeyPrefix+nonce).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("peek nonce: %w", err)
	}
	var meta x402.NonceMetadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("decode nonce metadata: %w", err)
	}
	return &meta, nil
}

// Consume deletes the nonce. Deleting an absent nonce is not an error.
func (s *RedisNonceStore) Consume(ctx context.Context, nonce string) error {
	if err := s.rdb.Del(ctx, nonceKeyPrefix+nonce).Err(); err != nil {
		return fmt.Errorf("consume nonce: %w", err)
	}
	return nil
}

// RedisValidationCache stores validation results under (nonce, resource).
type RedisValidationCache struct {
	rdb redis.Cmdable
}

func NewRedisValidationCache(rdb redis.Cmdable) *RedisValidationCache {
	return &RedisValidationCache{rdb: rdb}
}

func validationKey(nonce, resource string) string {
	return validationKeyPrefix + nonce + ":" + resource
}

func (c *RedisValidationCache) Get(ctx context.Context, nonce, resource string) (*x402.ValidatedPayment, error) {
	raw, err := c.rdb.Get(ctx, validationKey(nonce, resource)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get validation: %w", err)
	}
	var v x402.ValidatedPayment
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("decode validation: %w", err)
	}
	return &v, nil
}

func (c *RedisValidationCache) Put(ctx context.Context, result *x402.ValidatedPayment, ttl time.Duration) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal validation: %w", err)
	}
	if err := c.rdb.Set(ctx, validationKey(result.Proof.Nonce, result.Resource), payload, ttl).Err(); err != nil {
		return fmt.Errorf("put validation: %w", err)
	}
	return nil
}
