package utils

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/capital_ledger/config"
	"github.com/bsm/redislock"
	"github.com/shopspring/decimal"
)

// ParseDecimal converts a string to a decimal.Decimal value.
func ParseDecimal(value string) (decimal.Decimal, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return decimal.Zero, errors.New("empty decimal string")
	}

	dec, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Zero, err
	}

	return dec, nil
}

func NewFalse() *bool {
	b := false
	return &b
}

// WithLock runs fn while holding the Redis lock "<lockType>:<key>".
// A busy lock is retried `retries` times, `interval` apart, before ErrLockNotObtained.
// The lock is released when fn returns, whatever fn returns.
func WithLock(ctx context.Context, lockType string, key string, ttl time.Duration, retries int, interval time.Duration, moduleName string, functionName string, fn func(ctx context.Context) error) error {
	logger := config.GetLogger()
	locker := config.GetRedisLock()
	if locker == nil {
		config.LogError(logger, moduleName, functionName, "Redis lock not initialized", key, errors.New("redis lock is nil"))
		return ErrLockNotInitialized
	}

	lockKey := fmt.Sprintf("%s:%s", lockType, key)
	opts := &redislock.Options{
		RetryStrategy: redislock.LimitRetry(redislock.LinearBackoff(interval), retries),
	}
	lock, err := locker.Obtain(ctx, lockKey, ttl, opts)
	if errors.Is(err, redislock.ErrNotObtained) {
		config.LogError(logger, moduleName, functionName, "Could not obtain lock", lockKey, err)
		return fmt.Errorf("%w: %s", ErrLockNotObtained, lockKey)
	} else if err != nil {
		config.LogError(logger, moduleName, functionName, "Error obtaining lock", lockKey, err)
		return err
	}
	defer func() {
		// Release with a fresh context so a cancelled caller does not leave the key behind until TTL.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if rerr := lock.Release(releaseCtx); rerr != nil && !errors.Is(rerr, redislock.ErrLockNotHeld) {
			config.LogError(logger, moduleName, functionName, "Error releasing lock", lockKey, rerr)
		}
	}()

	return fn(ctx)
}
