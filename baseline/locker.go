package baseline

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bsm/redislock"
)

// Locker serializes work on a key. The returned unlock must be called exactly
// once; it never blocks on the caller's context.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

var ErrLockNotObtained = errors.New("baseline lock not obtained")

// LocalLocker is an in-process keyed mutex. Entries are reference counted and
// removed once no goroutine holds or waits on the key.
type LocalLocker struct {
	mu   sync.Mutex
	keys map[string]*localEntry
}

type localEntry struct {
	ch   chan struct{}
	refs int
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{keys: make(map[string]*localEntry)}
}

func (l *LocalLocker) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	e, ok := l.keys[key]
	if !ok {
		e = &localEntry{ch: make(chan struct{}, 1)}
		l.keys[key] = e
	}
	e.refs++
	l.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(key, e)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.ch
			l.release(key, e)
		})
	}, nil
}

func (l *LocalLocker) release(key string, e *localEntry) {
	l.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(l.keys, key)
	}
	l.mu.Unlock()
}

// Len reports the number of keys currently held or waited on.
func (l *LocalLocker) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.keys)
}

// RedisLocker holds the key in Redis so several service instances serialize
// on the same vendor. Obtain retries until the context deadline (or TTL when
// the context has none).
type RedisLocker struct {
	client  *redislock.Client
	ttl     time.Duration
	backoff time.Duration
}

func NewRedisLocker(client *redislock.Client, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisLocker{client: client, ttl: ttl, backoff: 50 * time.Millisecond}
}

func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	if l.client == nil {
		return nil, fmt.Errorf("%w: redis lock client not ready", ErrLockNotObtained)
	}
	lock, err := l.client.Obtain(ctx, "lock:"+key, l.ttl, &redislock.Options{
		RetryStrategy: redislock.LinearBackoff(l.backoff),
	})
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, fmt.Errorf("%w: %s", ErrLockNotObtained, key)
	}
	if err != nil {
		return nil, err
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			_ = lock.Release(context.Background())
		})
	}, nil
}

// MySQLLocker uses GET_LOCK. The lock is connection scoped, so each key is
// held on a dedicated connection taken from the pool until unlock.
type MySQLLocker struct {
	db      *sql.DB
	timeout time.Duration
}

func NewMySQLLocker(db *sql.DB, timeout time.Duration) *MySQLLocker {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &MySQLLocker{db: db, timeout: timeout}
}

func (l *MySQLLocker) Lock(ctx context.Context, key string) (func(), error) {
	conn, err := l.db.Conn(ctx)
	if err != nil {
		return nil, err
	}
	wait := l.timeout
	if deadline, ok := ctx.Deadline(); ok {
		if until := time.Until(deadline); until < wait {
			wait = until
		}
	}
	var ok sql.NullInt64
	if err := conn.QueryRowContext(ctx, "SELECT GET_LOCK(?, ?)", key, int(wait.Seconds())).Scan(&ok); err != nil {
		_ = conn.Close()
		return nil, err
	}
	if !ok.Valid || ok.Int64 != 1 {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: %s", ErrLockNotObtained, key)
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			var released sql.NullInt64
			_ = conn.QueryRowContext(context.Background(), "SELECT RELEASE_LOCK(?)", key).Scan(&released)
			_ = conn.Close()
		})
	}, nil
}
