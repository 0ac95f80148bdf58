// Package oracle defines the spot-price source consumed by the pricing
// engine. The engine treats the source as a black box returning the latest
// fixed-point price; freshness policy lives with the source, not the
// engine.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// ErrNoPrice is returned before the first price has been published.
var ErrNoPrice = errors.New("oracle: no spot price available")

// PriceSource supplies the latest spot price.
type PriceSource interface {
	// GetSpotPrice returns the most recent spot price.
	GetSpotPrice(ctx context.Context) (decimal.Decimal, error)

	// IsFresh reports whether the latest price is recent enough to act on.
	IsFresh(ctx context.Context) bool
}

// StaticSource is a manually-fed price source used in development, tests,
// and as the sink for an external feed pushed over the API.
type StaticSource struct {
	mu        sync.RWMutex
	price     decimal.Decimal
	updatedAt time.Time
	maxAge    time.Duration
	now       func() time.Time
}

// NewStaticSource creates a source whose prices go stale after maxAge.
// An initial zero price means "unset" until SetPrice is called.
func NewStaticSource(maxAge time.Duration) *StaticSource {
	return &StaticSource{maxAge: maxAge, now: time.Now}
}

// SetPrice publishes a new spot price.
func (s *StaticSource) SetPrice(price decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.price = price
	s.updatedAt = s.now()
}

func (s *StaticSource) GetSpotPrice(_ context.Context) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.updatedAt.IsZero() {
		return decimal.Zero, ErrNoPrice
	}
	return s.price, nil
}

func (s *StaticSource) IsFresh(_ context.Context) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.updatedAt.IsZero() {
		return false
	}
	return s.now().Sub(s.updatedAt) <= s.maxAge
}

// RedisSource reads the spot price published to a Redis hash by an
// external feed. The hash carries two fields: "price" (decimal string)
// and "updated_at" (unix seconds). The source is read-only; the feed
// owns the write side.
type RedisSource struct {
	rdb    *redis.Client
	key    string
	maxAge time.Duration
	now    func() time.Time
}

// NewRedisSource creates a source reading the feed hash at key.
func NewRedisSource(rdb *redis.Client, key string, maxAge time.Duration) *RedisSource {
	return &RedisSource{rdb: rdb, key: key, maxAge: maxAge, now: time.Now}
}

func (s *RedisSource) GetSpotPrice(ctx context.Context) (decimal.Decimal, error) {
	raw, err := s.rdb.HGet(ctx, s.key, "price").Result()
	if err == redis.Nil {
		return decimal.Zero, ErrNoPrice
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("oracle: read feed: %w", err)
	}
	price, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("oracle: malformed feed price %q: %w", raw, err)
	}
	return price, nil
}

func (s *RedisSource) IsFresh(ctx context.Context) bool {
	raw, err := s.rdb.HGet(ctx, s.key, "updated_at").Result()
	if err != nil {
		return false
	}
	sec, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return false
	}
	return s.now().Sub(time.Unix(sec, 0)) <= s.maxAge
}
