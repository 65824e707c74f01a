package lock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	backend "github.com/redis/go-redis/v9"
)

// ErrLockLost is returned by an Unlock whose key expired or was taken over
// before it was released.
var ErrLockLost = errors.New("distributed lock lost before release")

const unlockScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`

// RedisLocker implements Locker with SET NX PX, for caches shared between
// hosts (e.g. over NFS) where flock is not reliable.
type RedisLocker struct {
	client *backend.Client
	prefix string
	ttl    time.Duration
	poll   time.Duration
}

// NewRedisLocker creates a locker. ttl bounds how long a crashed holder
// can block others.
func NewRedisLocker(client *backend.Client, prefix string, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &RedisLocker{client: client, prefix: prefix, ttl: ttl, poll: 100 * time.Millisecond}
}

// Key returns the Redis key used for key.
func (l *RedisLocker) Key(key string) string {
	return l.prefix + "lock:" + key
}

func (l *RedisLocker) Lock(ctx context.Context, key string) (Unlock, error) {
	lockKey := l.Key(key)
	token, err := newToken()
	if err != nil {
		return nil, err
	}

	ticker := time.NewTicker(l.poll)
	defer ticker.Stop()

	for {
		ok, err := l.client.SetNX(ctx, lockKey, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("redis error acquiring lock: %w", err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}

	var once sync.Once
	var unlockErr error
	return func() error {
		once.Do(func() {
			// Release must not be skipped because the caller's ctx ended.
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			n, err := l.client.Eval(ctx, unlockScript, []string{lockKey}, token).Int()
			switch {
			case err != nil:
				unlockErr = fmt.Errorf("redis error releasing lock: %w", err)
			case n == 0:
				unlockErr = ErrLockLost
			}
		})
		return unlockErr
	}, nil
}

func newToken() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(b[:]), nil
}
