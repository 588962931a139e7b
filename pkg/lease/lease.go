// Package lease provides short-lived exclusive leases keyed by string.
package lease

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	// ErrHeld is returned by Acquire when another holder owns the key.
	ErrHeld = errors.New("lease held")
	// ErrLost is returned by Renew when the lease expired and was taken or
	// removed.
	ErrLost = errors.New("lease lost")
)

// Lease is an acquired key. Release is idempotent.
type Lease interface {
	Key() string
	// Renew extends the lease to ttl from now while it is still ours.
	Renew(ctx context.Context, ttl time.Duration) error
	Release(ctx context.Context) error
}

// Locker hands out leases.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error)
}

// AccountSyncKey is the lease key serializing syncs of one account.
func AccountSyncKey(accountID int64) string {
	return fmt.Sprintf("lease:sync:account:%d", accountID)
}

// UserSweepKey is the lease key serializing automation sweeps of one user.
func UserSweepKey(userID int64) string {
	return fmt.Sprintf("lease:sweep:user:%d", userID)
}

// releaseScript deletes the key only when it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RedisLocker implements Locker with SET NX PX and a compare-and-delete release.
type RedisLocker struct {
	rdb *redis.Client
}

func NewRedisLocker(rdb *redis.Client) *RedisLocker {
	return &RedisLocker{rdb: rdb}
}

func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error) {
	token := uuid.NewString()
	ok, err := l.rdb.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lease %s: %w", key, err)
	}
	if !ok {
		return nil, ErrHeld
	}
	return &redisLease{rdb: l.rdb, key: key, token: token}, nil
}

type redisLease struct {
	rdb   *redis.Client
	key   string
	token string
	once  sync.Once
	err   error
}

func (l *redisLease) Key() string { return l.key }

func (l *redisLease) Renew(ctx context.Context, ttl time.Duration) error {
	n, err := renewScript.Run(ctx, l.rdb, []string{l.key}, l.token, ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("failed to renew lease %s: %w", l.key, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrLost, l.key)
	}
	return nil
}

func (l *redisLease) Release(ctx context.Context) error {
	l.once.Do(func() {
		if err := releaseScript.Run(ctx, l.rdb, []string{l.key}, l.token).Err(); err != nil {
			l.err = fmt.Errorf("failed to release lease %s: %w", l.key, err)
		}
	})
	return l.err
}

// LocalLocker is an in-process Locker for single-instance runs and tests.
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]localEntry
	now  func() time.Time
}

type localEntry struct {
	token   uint64
	expires time.Time
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]localEntry), now: time.Now}
}

var localTokens struct {
	sync.Mutex
	next uint64
}

func (l *LocalLocker) Acquire(_ context.Context, key string, ttl time.Duration) (Lease, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if e, ok := l.held[key]; ok && now.Before(e.expires) {
		return nil, ErrHeld
	}

	localTokens.Lock()
	localTokens.next++
	token := localTokens.next
	localTokens.Unlock()

	l.held[key] = localEntry{token: token, expires: now.Add(ttl)}
	return &localLease{locker: l, key: key, token: token}, nil
}

type localLease struct {
	locker *LocalLocker
	key    string
	token  uint64
}

func (l *localLease) Key() string { return l.key }

func (l *localLease) Renew(_ context.Context, ttl time.Duration) error {
	l.locker.mu.Lock()
	defer l.locker.mu.Unlock()
	e, ok := l.locker.held[l.key]
	if !ok || e.token != l.token || !l.locker.now().Before(e.expires) {
		return fmt.Errorf("%w: %s", ErrLost, l.key)
	}
	e.expires = l.locker.now().Add(ttl)
	l.locker.held[l.key] = e
	return nil
}

func (l *localLease) Release(context.Context) error {
	l.locker.mu.Lock()
	defer l.locker.mu.Unlock()
	if e, ok := l.locker.held[l.key]; ok && e.token == l.token {
		delete(l.locker.held, l.key)
	}
	return nil
}

// KeepAlive renews l every ttl/3 until stop is called. The returned context
// is cancelled when the lease is lost. Renewal errors other than ErrLost are
// retried on the next tick.
func KeepAlive(ctx context.Context, l Lease, ttl time.Duration, onError func(error)) (context.Context, func()) {
	ctx, cancel := context.WithCancelCause(ctx)
	interval := ttl / 3
	if interval <= 0 {
		return ctx, func() { cancel(nil) }
	}

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Go(func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			err := l.Renew(context.WithoutCancel(ctx), ttl)
			if err == nil {
				continue
			}
			if onError != nil {
				onError(err)
			}
			if errors.Is(err, ErrLost) {
				cancel(err)
				return
			}
		}
	})

	var once sync.Once
	return ctx, func() {
		once.Do(func() {
			close(done)
			wg.Wait()
			cancel(nil)
		})
	}
}
