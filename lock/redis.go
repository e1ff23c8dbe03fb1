// Package lock provides cross-process implementations of earnings.Locker.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// ErrNotAcquired is returned when the lock could not be taken before the
// wait timeout.
var ErrNotAcquired = errors.New("lock not acquired")

// releaseScript deletes the key only if it still holds our token, so an
// expired lock re-acquired by another process is never released by us.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker serializes per-worker commands across server instances.
type RedisLocker struct {
	client redis.Cmdable
	prefix string
	ttl    time.Duration
	wait   time.Duration
	retry  time.Duration
	logger logrus.FieldLogger
}

// Options tunes the lock. Zero values get defaults.
type Options struct {
	Prefix string        // key prefix, default "earnings:lock:"
	TTL    time.Duration // lease length, default 10s
	Wait   time.Duration // max time to wait for a held key, default 5s
	Retry  time.Duration // poll interval while waiting, default 25ms
}

// NewRedisLocker creates a new RedisLocker.
func NewRedisLocker(client redis.Cmdable, opts Options, logger logrus.FieldLogger) *RedisLocker {
	if opts.Prefix == "" {
		opts.Prefix = "earnings:lock:"
	}
	if opts.TTL <= 0 {
		opts.TTL = 10 * time.Second
	}
	if opts.Wait <= 0 {
		opts.Wait = 5 * time.Second
	}
	if opts.Retry <= 0 {
		opts.Retry = 25 * time.Millisecond
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &RedisLocker{
		client: client,
		prefix: opts.Prefix,
		ttl:    opts.TTL,
		wait:   opts.Wait,
		retry:  opts.Retry,
		logger: logger,
	}
}

// Lock acquires key with SET NX PX and a random token, polling until the
// key is free, ctx is done or the wait timeout passes.
func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	redisKey := l.prefix + key
	token := uuid.NewString()
	deadline := time.Now().Add(l.wait)

	for {
		ok, err := l.client.SetNX(ctx, redisKey, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire %s: %w", redisKey, err)
		}
		if ok {
			break
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("acquire %s: %w", redisKey, ErrNotAcquired)
		}

		timer := time.NewTimer(l.retry)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	return func() {
		// Release even if the command's ctx was cancelled.
		rctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := releaseScript.Run(rctx, l.client, []string{redisKey}, token).Err(); err != nil {
			l.logger.WithError(err).WithField("key", redisKey).Warn("failed to release lock")
		}
	}, nil
}
