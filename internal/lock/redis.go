package lock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// releaseScript deletes the key only while it still carries our token, so
// a holder whose lease expired can never release a successor's lock.
var releaseScript = redis.NewScript(`
	if redis.call('GET', KEYS[1]) == ARGV[1] then
		return redis.call('DEL', KEYS[1])
	end
	return 0
`)

// Redis is a Locker backed by SET NX PX.  Every lock carries a lease so a
// crashed holder cannot block a slot forever; the lease must exceed the
// longest critical section.
type Redis struct {
	rdb    redis.UniversalClient
	prefix string
	lease  time.Duration
	poll   time.Duration
	log    *zap.Logger
}

// NewRedis returns a Redis locker.  Keys are stored under prefix.
func NewRedis(rdb redis.UniversalClient, prefix string, lease time.Duration, log *zap.Logger) *Redis {
	if lease <= 0 {
		lease = 30 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Redis{rdb: rdb, prefix: prefix, lease: lease, poll: 25 * time.Millisecond, log: log}
}

func (r *Redis) Acquire(ctx context.Context, key string, wait time.Duration) (Unlock, error) {
	name := r.prefix + key
	token := uuid.NewString()
	deadline := time.Now().Add(wait)
	delay := r.poll

	for {
		ok, err := r.rdb.SetNX(ctx, name, token, r.lease).Result()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, err
		}
		if ok {
			break
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, ErrTimeout
		}
		t := time.NewTimer(min(delay, remaining))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		}
		delay = min(delay*2, 200*time.Millisecond)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// release even when the caller's context is already done
			relCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			n, err := releaseScript.Run(relCtx, r.rdb, []string{name}, token).Int64()
			if err != nil && !errors.Is(err, redis.Nil) {
				r.log.Warn("redis lock release failed", zap.String("key", key), zap.Error(err))
				return
			}
			if n == 0 {
				r.log.Warn("redis lock lease expired before release", zap.String("key", key))
			}
		})
	}, nil
}
