package service

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	paymentGuardPrefix = "payment-handle:"

	// DefaultPaymentGuardTTL bounds how long a used payment handle is
	// remembered. The orders table unique key covers anything older.
	DefaultPaymentGuardTTL = 24 * time.Hour
)

// PaymentGuard prevents one payment handle from being applied to two
// orders concurrently.
type PaymentGuard interface {
	// Acquire claims handle. It returns false if the handle is already claimed.
	Acquire(ctx context.Context, handle string) (bool, error)

	// Release frees a claim after the order could not be created.
	Release(ctx context.Context, handle string) error
}

// RedisPaymentGuard claims handles with SET NX.
type RedisPaymentGuard struct {
	client redis.UniversalClient
	ttl    time.Duration
}

var _ PaymentGuard = (*RedisPaymentGuard)(nil)

// NewRedisPaymentGuard returns a guard backed by client.
func NewRedisPaymentGuard(client redis.UniversalClient, ttl time.Duration) *RedisPaymentGuard {
	if ttl <= 0 {
		ttl = DefaultPaymentGuardTTL
	}
	return &RedisPaymentGuard{client: client, ttl: ttl}
}

func (g *RedisPaymentGuard) Acquire(ctx context.Context, handle string) (bool, error) {
	ok, err := g.client.SetNX(ctx, paymentGuardPrefix+handle, 1, g.ttl).Result()
	if err != nil {
		return false, err
	}
	return ok, nil
}

func (g *RedisPaymentGuard) Release(ctx context.Context, handle string) error {
	return g.client.Del(ctx, paymentGuardPrefix+handle).Err()
}

// NoopPaymentGuard always grants the claim. Replays are then caught only by
// the orders table unique key.
type NoopPaymentGuard struct{}

func (NoopPaymentGuard) Acquire(context.Context, string) (bool, error) { return true, nil }

func (NoopPaymentGuard) Release(context.Context, string) error { return nil }
