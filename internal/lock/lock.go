// Package lock provides named, non-blocking mutual exclusion for
// long-running jobs, across processes through Redis or within one process.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
)

// ErrLocked is returned when another holder owns the lock.
var ErrLocked = errors.New("lock: already held")

// ErrLost is returned by Extend once the lease has expired or been released.
var ErrLost = errors.New("lock: lease lost")

// Lease is a held lock. Long jobs call Extend between steps so the lock
// does not expire under them.
type Lease interface {
	Extend(ctx context.Context) error
	Release(ctx context.Context) error
}

// Locker acquires named locks without waiting for them.
type Locker interface {
	TryLock(ctx context.Context, name string, ttl time.Duration) (Lease, error)
}

// Local is an in-process Locker. TTL is ignored; locks live until released.
type Local struct {
	mu   sync.Mutex
	held map[string]*localLease
}

func NewLocal() *Local {
	return &Local{held: make(map[string]*localLease)}
}

func (l *Local) TryLock(_ context.Context, name string, _ time.Duration) (Lease, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[name]; ok {
		return nil, fmt.Errorf("%w: %s", ErrLocked, name)
	}
	lease := &localLease{owner: l, name: name}
	l.held[name] = lease
	return lease, nil
}

type localLease struct {
	owner *Local
	name  string
}

func (le *localLease) Extend(context.Context) error {
	le.owner.mu.Lock()
	defer le.owner.mu.Unlock()
	if le.owner.held[le.name] != le {
		return fmt.Errorf("%w: %s", ErrLost, le.name)
	}
	return nil
}

func (le *localLease) Release(context.Context) error {
	le.owner.mu.Lock()
	defer le.owner.mu.Unlock()
	if le.owner.held[le.name] == le {
		delete(le.owner.held, le.name)
	}
	return nil
}

// Redis is a Locker backed by redsync.
type Redis struct {
	client redis.UniversalClient
	rs     *redsync.Redsync
}

func NewRedis(client redis.UniversalClient) *Redis {
	return &Redis{client: client, rs: redsync.New(goredis.NewPool(client))}
}

func (r *Redis) TryLock(ctx context.Context, name string, ttl time.Duration) (Lease, error) {
	m := r.rs.NewMutex(name, redsync.WithExpiry(ttl), redsync.WithTries(1))
	if err := m.LockContext(ctx); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if pingErr := r.client.Ping(ctx).Err(); pingErr != nil {
			return nil, fmt.Errorf("lock %s: %w", name, pingErr)
		}
		return nil, fmt.Errorf("%w: %s", ErrLocked, name)
	}
	return &redisLease{m: m, name: name}, nil
}

type redisLease struct {
	m    *redsync.Mutex
	name string
}

// Extend resets the expiry to the full ttl.
func (le *redisLease) Extend(ctx context.Context) error {
	ok, err := le.m.ExtendContext(ctx)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrLost, le.name, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrLost, le.name)
	}
	return nil
}

func (le *redisLease) Release(ctx context.Context) error {
	if _, err := le.m.UnlockContext(ctx); err != nil {
		return fmt.Errorf("unlock %s: %w", le.name, err)
	}
	return nil
}
