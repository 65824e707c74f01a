package lazypp

import (
	"time"

	backend "github.com/redis/go-redis/v9"

	"github.com/gen740/lazypp/internal/lock"
	"github.com/gen740/lazypp/internal/metrics"
)

type (
	// Locker acquires exclusive ownership of a task hash across processes.
	Locker = lock.Locker

	// Unlock releases a lock taken by a Locker.
	Unlock = lock.Unlock

	FileLocker  = lock.FileLocker
	RedisLocker = lock.RedisLocker

	// Metrics records task evaluations on a private Prometheus registry.
	Metrics = metrics.Metrics
)

// ErrLockLost is returned when a Redis lock expired before release.
var ErrLockLost = lock.ErrLockLost

// NewFileLocker locks {dir}/{hash}.lock with flock.
func NewFileLocker(dir string) *FileLocker {
	return lock.NewFileLocker(dir)
}

// NewRedisLocker locks {prefix}lock:{hash} in Redis, for caches shared by
// hosts where flock is unreliable.
func NewRedisLocker(client *backend.Client, prefix string, ttl time.Duration) *RedisLocker {
	return lock.NewRedisLocker(client, prefix, ttl)
}

// NewMetrics creates the task collectors.
func NewMetrics() *Metrics {
	return metrics.New()
}
