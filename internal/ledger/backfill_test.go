package ledger

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"housecup.org/internal/docstore"
	"housecup.org/internal/lock"
	"housecup.org/internal/policy"
	"housecup.org/internal/sequence"
)

func TestBackfillAssignsMissingIDs(t *testing.T) {
	f := newFixture(t, WithBatchLimit(2))
	require.NoError(t, f.store.Set(f.ctx, sequence.DefaultCounter, docstore.Data{"count": 1}, false))
	f.member("admin", "GOOGE001", policy.RoleAdmin, "", 0)
	f.member("c", "", policy.RoleMember, "", 0)
	f.member("a", PendingExternalID, policy.RoleMember, "", 0)
	f.member("b", "", policy.RoleMember, "", 0)

	res, err := f.eng.Backfill(f.ctx, "admin")
	require.NoError(t, err)
	require.Equal(t, 3, res.Updated)
	require.Equal(t, 1, res.Skipped)
	require.Equal(t, []string{"GOOGE002", "GOOGE003", "GOOGE004"}, res.Assigned)

	for id, want := range map[string]string{"a": "GOOGE002", "b": "GOOGE003", "c": "GOOGE004"} {
		m, err := f.eng.GetMember(f.ctx, id)
		require.NoError(t, err)
		require.Equal(t, want, m.ExternalID)
	}

	res, err = f.eng.Backfill(f.ctx, "admin")
	require.NoError(t, err)
	require.Zero(t, res.Updated)
	require.Equal(t, 4, res.Skipped)
}

func TestBackfillIsExclusive(t *testing.T) {
	locker := lock.NewLocal()
	f := newFixture(t, WithLocker(locker))
	f.member("admin", "A0", policy.RoleAdmin, "", 0)

	lease, err := locker.TryLock(context.Background(), backfillLock, time.Minute)
	require.NoError(t, err)

	_, err = f.eng.Backfill(f.ctx, "admin")
	require.ErrorIs(t, err, ErrConflict)

	require.NoError(t, lease.Release(context.Background()))
	_, err = f.eng.Backfill(f.ctx, "admin")
	require.NoError(t, err)
}

func TestBackfillRequiresAdmin(t *testing.T) {
	f := newFixture(t)
	f.member("mgr", "A0", policy.RoleManager, "", 0)
	_, err := f.eng.Backfill(f.ctx, "mgr")
	require.True(t, policy.IsDenied(err))
}

// leaseLocker hands out leases that count renewals and expire after keep
// of them.
type leaseLocker struct {
	mu      sync.Mutex
	keep    int
	extends int
}

func (l *leaseLocker) TryLock(context.Context, string, time.Duration) (lock.Lease, error) {
	return l, nil
}

func (l *leaseLocker) Extend(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.extends++
	if l.extends > l.keep {
		return fmt.Errorf("%w: expired", lock.ErrLost)
	}
	return nil
}

func (l *leaseLocker) Release(context.Context) error { return nil }

func TestBackfillRenewsLockPerChunk(t *testing.T) {
	locker := &leaseLocker{keep: 10}
	f := newFixture(t, WithBatchLimit(2), WithLocker(locker))
	f.member("admin", "GOOGE000", policy.RoleAdmin, "", 0)
	for _, id := range []string{"a", "b", "c"} {
		f.member(id, "", policy.RoleMember, "", 0)
	}

	res, err := f.eng.Backfill(f.ctx, "admin")
	require.NoError(t, err)
	require.Equal(t, 3, res.Updated)
	require.Equal(t, 2, locker.extends)
}

func TestBackfillStopsWhenLockIsLost(t *testing.T) {
	locker := &leaseLocker{keep: 0}
	f := newFixture(t, WithBatchLimit(2), WithLocker(locker))
	f.member("admin", "GOOGE000", policy.RoleAdmin, "", 0)
	for _, id := range []string{"a", "b", "c"} {
		f.member(id, "", policy.RoleMember, "", 0)
	}

	res, err := f.eng.Backfill(f.ctx, "admin")
	require.ErrorIs(t, err, ErrConflict)
	require.Equal(t, 2, res.Updated)

	m, err := f.eng.GetMember(f.ctx, "c")
	require.NoError(t, err)
	require.False(t, m.HasExternalID())
}
