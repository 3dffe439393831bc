package progress

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

// WriteGuard serialises writers for one principal. The returned release must be called once.
type WriteGuard interface {
	Acquire(ctx context.Context, principal Principal) (func(), error)
}

// ErrWriteGuardTimeout indicates that a lock could not be obtained before the wait bound.
var ErrWriteGuardTimeout = errors.New("progress: write guard wait exceeded")

// MutexWriteGuard serialises writers inside one process.
type MutexWriteGuard struct {
	mutex sync.Mutex
	locks map[Principal]*principalLock
}

type principalLock struct {
	mutex   sync.Mutex
	holders int
}

// NewMutexWriteGuard constructs an in-process guard.
func NewMutexWriteGuard() *MutexWriteGuard {
	return &MutexWriteGuard{locks: make(map[Principal]*principalLock)}
}

// Acquire blocks until no other writer holds the principal.
func (guard *MutexWriteGuard) Acquire(ctx context.Context, principal Principal) (func(), error) {
	guard.mutex.Lock()
	lock, ok := guard.locks[principal]
	if !ok {
		lock = &principalLock{}
		guard.locks[principal] = lock
	}
	lock.holders++
	guard.mutex.Unlock()

	lock.mutex.Lock()

	var once sync.Once
	release := func() {
		once.Do(func() {
			lock.mutex.Unlock()
			guard.mutex.Lock()
			lock.holders--
			if lock.holders == 0 {
				delete(guard.locks, principal)
			}
			guard.mutex.Unlock()
		})
	}
	return release, nil
}

// releaseLockScript deletes the key only while it still holds the caller's token.
var releaseLockScript = goredis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

const (
	defaultRedisLockPrefix   = "vocabloop:progress-lock:"
	defaultRedisLockTTL      = 10 * time.Second
	defaultRedisLockInterval = 50 * time.Millisecond
)

// RedisWriteGuardConfig wires a guard shared by every replica connected to one Redis.
type RedisWriteGuardConfig struct {
	Client        goredis.UniversalClient
	KeyPrefix     string
	TTL           time.Duration
	RetryInterval time.Duration
}

// RedisWriteGuard implements a SET NX PX lease per principal.
type RedisWriteGuard struct {
	client        goredis.UniversalClient
	keyPrefix     string
	ttl           time.Duration
	retryInterval time.Duration
}

// NewRedisWriteGuard validates the configuration and applies defaults.
func NewRedisWriteGuard(cfg RedisWriteGuardConfig) (*RedisWriteGuard, error) {
	if cfg.Client == nil {
		return nil, errMissingRedisClient
	}
	guard := &RedisWriteGuard{
		client:        cfg.Client,
		keyPrefix:     cfg.KeyPrefix,
		ttl:           cfg.TTL,
		retryInterval: cfg.RetryInterval,
	}
	if guard.keyPrefix == "" {
		guard.keyPrefix = defaultRedisLockPrefix
	}
	if guard.ttl <= 0 {
		guard.ttl = defaultRedisLockTTL
	}
	if guard.retryInterval <= 0 {
		guard.retryInterval = defaultRedisLockInterval
	}
	return guard, nil
}

// Acquire polls until the lease is taken, the context ends, or one TTL has elapsed.
func (guard *RedisWriteGuard) Acquire(ctx context.Context, principal Principal) (func(), error) {
	key := guard.keyPrefix + principal.String()
	token := uuid.NewString()
	deadline := time.Now().Add(guard.ttl)

	for {
		acquired, err := guard.client.SetNX(ctx, key, token, guard.ttl).Result()
		if err != nil {
			return nil, err
		}
		if acquired {
			break
		}
		if time.Now().After(deadline) {
			return nil, ErrWriteGuardTimeout
		}
		timer := time.NewTimer(guard.retryInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	releaseContext := context.WithoutCancel(ctx)
	var once sync.Once
	release := func() {
		once.Do(func() {
			_ = releaseLockScript.Run(releaseContext, guard.client, []string{key}, token).Err()
		})
	}
	return release, nil
}
