package cache

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ebrett/jupiter-sub001/internal/lock"
)

const lockKeyPrefix = "lock:"

// releaseScript deletes the lock only while it still holds our token.
// KEYS[1] = lock key, ARGV[1] = owner token.
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`)

// renewScript pushes the expiry out while the lock still holds our token.
// KEYS[1] = lock key, ARGV[1] = owner token, ARGV[2] = ttl in milliseconds.
var renewScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)

// RedisLocker is a single-instance Redis lock: SET NX PX with a random owner
// token, released by compare-and-delete. A live holder extends the key every
// ttl/3, so the TTL only bounds how long a crashed holder can block others.
type RedisLocker struct {
	client redis.UniversalClient
	ttl    time.Duration
	renew  time.Duration
	poll   time.Duration
	logger *zap.Logger
}

var _ lock.Locker = (*RedisLocker)(nil)

// NewRedisLocker constructs a locker whose keys expire after ttl.
func NewRedisLocker(client redis.UniversalClient, ttl time.Duration, logger *zap.Logger) *RedisLocker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisLocker{client: client, ttl: ttl, renew: ttl / 3, poll: 50 * time.Millisecond, logger: logger}
}

func (l *RedisLocker) Acquire(ctx context.Context, key string) (func(), error) {
	var raw [16]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return nil, fmt.Errorf("lock token: %w", err)
	}
	token := hex.EncodeToString(raw[:])
	redisKey := lockKeyPrefix + key

	ticker := time.NewTicker(l.poll)
	defer ticker.Stop()
	for {
		ok, err := l.client.SetNX(ctx, redisKey, token, l.ttl).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, errors.Join(lock.ErrNotAcquired, ctx.Err())
			}
			return nil, fmt.Errorf("acquire %s: %w", key, err)
		}
		if ok {
			return l.releaser(redisKey, token), nil
		}
		select {
		case <-ctx.Done():
			return nil, errors.Join(lock.ErrNotAcquired, ctx.Err())
		case <-ticker.C:
		}
	}
}

// releaser starts the renewal loop and returns the func that stops it and
// deletes the key.
func (l *RedisLocker) releaser(redisKey, token string) func() {
	stop := make(chan struct{})
	done := make(chan struct{})
	go l.keepAlive(redisKey, token, stop, done)

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done
			// The caller's context may already be cancelled; release regardless.
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := releaseScript.Run(ctx, l.client, []string{redisKey}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
				l.log().Warn("release lock failed", zap.String("key", redisKey), zap.Error(err))
			}
		})
	}
}

func (l *RedisLocker) keepAlive(redisKey, token string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(l.renew)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		ctx, cancel := context.WithTimeout(context.Background(), l.renew)
		extended, err := renewScript.Run(ctx, l.client, []string{redisKey}, token, l.ttl.Milliseconds()).Int64()
		cancel()
		switch {
		case err != nil:
			// A later tick may still land before the key expires.
			l.log().Warn("extend lock failed", zap.String("key", redisKey), zap.Error(err))
		case extended == 0:
			l.log().Error("lock lost before release", zap.String("key", redisKey))
			return
		}
	}
}

func (l *RedisLocker) log() *zap.Logger {
	if l != nil && l.logger != nil {
		return l.logger
	}
	return zap.L()
}
