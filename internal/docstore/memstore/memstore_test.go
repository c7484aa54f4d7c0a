package memstore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"housecup.org/internal/docstore"
)

func TestSetMergeUpdate(t *testing.T) {
	ctx := context.Background()
	s := New()
	ref := docstore.Doc("users", "u1")

	require.NoError(t, s.Set(ctx, ref, docstore.Data{"name": "Ann", "points": 5}, false))
	require.NoError(t, s.Set(ctx, ref, docstore.Data{"email": "ann@example.com"}, true))
	require.NoError(t, s.Update(ctx, ref, docstore.Data{"points": docstore.Increment(7)}))

	snap, err := s.Get(ctx, ref)
	require.NoError(t, err)
	require.True(t, snap.Exists)

	var got struct {
		Name   string `json:"name"`
		Email  string `json:"email"`
		Points int64  `json:"points"`
	}
	require.NoError(t, snap.DataTo(&got))
	require.Equal(t, "Ann", got.Name)
	require.Equal(t, "ann@example.com", got.Email)
	require.EqualValues(t, 12, got.Points)

	require.NoError(t, s.Set(ctx, ref, docstore.Data{"name": "Replaced"}, false))
	snap, err = s.Get(ctx, ref)
	require.NoError(t, err)
	require.NotContains(t, snap.Data, "email")
}

func TestUpdateMissingDocument(t *testing.T) {
	s := New()
	err := s.Update(context.Background(), docstore.Doc("users", "nobody"), docstore.Data{"points": 1})
	require.ErrorIs(t, err, docstore.ErrNotFound)
	require.Zero(t, s.Len())
}

func TestIncrementOnAbsentField(t *testing.T) {
	ctx := context.Background()
	s := New()
	ref := docstore.Doc("metadata", "userCounter")
	require.NoError(t, s.Set(ctx, ref, docstore.Data{"count": docstore.Increment(1)}, true))
	require.NoError(t, s.Set(ctx, ref, docstore.Data{"count": docstore.Increment(1)}, true))

	snap, err := s.Get(ctx, ref)
	require.NoError(t, err)
	n, ok := docstore.Int(snap.Data["count"])
	require.True(t, ok)
	require.EqualValues(t, 2, n)
}

func TestServerTimestampsIncrease(t *testing.T) {
	ctx := context.Background()
	fixed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	s := New(WithClock(func() time.Time { return fixed }))

	a := docstore.Doc("events", "a")
	b := docstore.Doc("events", "b")
	require.NoError(t, s.Set(ctx, a, docstore.Data{"at": docstore.ServerTimestamp}, false))
	require.NoError(t, s.Set(ctx, b, docstore.Data{"at": docstore.ServerTimestamp}, false))

	sa, _ := s.Get(ctx, a)
	sb, _ := s.Get(ctx, b)
	require.Less(t, sa.Data["at"].(string), sb.Data["at"].(string))
}

func TestQueryFiltersOrderAndLimit(t *testing.T) {
	ctx := context.Background()
	s := New()
	users := docstore.Collection{Path: "users"}
	seed := []docstore.Data{
		{"customId": "A001", "points": 10, "groupId": "g1"},
		{"customId": "A002", "points": 30, "groupId": "g1"},
		{"customId": "A003", "points": 20, "groupId": "g2"},
	}
	for i, d := range seed {
		require.NoError(t, s.Set(ctx, users.Doc(string(rune('a'+i))), d, false))
	}
	// nested documents are not children of users
	require.NoError(t, s.Set(ctx, users.Doc("a").Collection("point_history").Doc("h1"), docstore.Data{"groupId": "g1"}, false))

	got, err := s.Query(ctx, users.Query().Where("groupId", docstore.OpEqual, "g1").Order("points", true))
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "b", got[0].Ref.ID())
	require.Equal(t, "a", got[1].Ref.ID())

	got, err = s.Query(ctx, users.Query().Where("customId", docstore.OpIn, []string{"A003", "A001", "X"}))
	require.NoError(t, err)
	require.Len(t, got, 2)

	got, err = s.Query(ctx, users.Query().Order("points", true).Take(1))
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "b", got[0].Ref.ID())
}

func TestTransactionRetriesOnConflict(t *testing.T) {
	ctx := context.Background()
	s := New()
	ref := docstore.Doc("users", "u1")
	require.NoError(t, s.Set(ctx, ref, docstore.Data{"points": 1}, false))

	interfered := false
	s.beforeCommit = func() {
		if !interfered {
			interfered = true
			// a concurrent writer lands between read and commit
			require.NoError(t, s.apply(ctx, nil, []docstore.Write{mustWrite(t, docstore.WriteUpdate, ref, docstore.Data{"points": 100})}))
		}
	}

	attempts := 0
	err := s.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		attempts++
		snap, err := tx.Get(ctx, ref)
		if err != nil {
			return err
		}
		n, _ := docstore.Int(snap.Data["points"])
		return tx.Update(ref, docstore.Data{"points": n + 1})
	})
	require.NoError(t, err)
	require.Equal(t, 2, attempts)

	snap, _ := s.Get(ctx, ref)
	n, _ := docstore.Int(snap.Data["points"])
	require.EqualValues(t, 101, n)
}

func TestTransactionGivesUpAfterMaxAttempts(t *testing.T) {
	ctx := context.Background()
	s := New(WithMaxAttempts(3))
	ref := docstore.Doc("users", "u1")
	require.NoError(t, s.Set(ctx, ref, docstore.Data{"points": 1}, false))
	s.beforeCommit = func() {
		require.NoError(t, s.apply(ctx, nil, []docstore.Write{mustWrite(t, docstore.WriteUpdate, ref, docstore.Data{"points": docstore.Increment(1)})}))
	}

	attempts := 0
	err := s.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		attempts++
		_, err := tx.Get(ctx, ref)
		if err != nil {
			return err
		}
		return tx.Update(ref, docstore.Data{"points": 0})
	})
	require.ErrorIs(t, err, docstore.ErrConflict)
	require.Equal(t, 3, attempts)
}

func TestTransactionBodyErrorAborts(t *testing.T) {
	ctx := context.Background()
	s := New()
	boom := errors.New("boom")
	err := s.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		require.NoError(t, tx.Set(docstore.Doc("users", "u1"), docstore.Data{"points": 1}, false))
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.Zero(t, s.Len())
}

func TestTransactionRejectsReadAfterWrite(t *testing.T) {
	ctx := context.Background()
	s := New()
	err := s.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		if err := tx.Set(docstore.Doc("users", "u1"), docstore.Data{}, false); err != nil {
			return err
		}
		_, err := tx.Get(ctx, docstore.Doc("users", "u2"))
		return err
	})
	require.ErrorIs(t, err, docstore.ErrReadAfterWrite)
}

func TestBatchLimitAndAtomicity(t *testing.T) {
	ctx := context.Background()
	s := New(WithBatchLimit(2))

	b := s.Batch()
	require.NoError(t, b.Set(docstore.Doc("users", "a"), docstore.Data{"points": 1}, false))
	require.NoError(t, b.Set(docstore.Doc("users", "b"), docstore.Data{"points": 1}, false))
	require.ErrorIs(t, b.Set(docstore.Doc("users", "c"), docstore.Data{}, false), docstore.ErrBatchFull)
	require.NoError(t, b.Commit(ctx))
	require.Equal(t, 2, s.Len())

	b = s.Batch()
	require.NoError(t, b.Set(docstore.Doc("users", "c"), docstore.Data{"points": 1}, false))
	require.NoError(t, b.Update(docstore.Doc("users", "missing"), docstore.Data{"points": 1}))
	require.ErrorIs(t, b.Commit(ctx), docstore.ErrNotFound)
	require.Equal(t, 2, s.Len())
}

func TestConcurrentIncrementsAreNotLost(t *testing.T) {
	ctx := context.Background()
	s := New(WithMaxAttempts(50))
	ref := docstore.Doc("metadata", "userCounter")

	const workers = 20
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- s.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
				snap, err := tx.Get(ctx, ref)
				if err != nil {
					return err
				}
				n, _ := docstore.Int(snap.Data["count"])
				return tx.Set(ref, docstore.Data{"count": n + 1}, true)
			})
		}()
	}
	wg.Wait()
	close(errs)

	ok := 0
	for err := range errs {
		if err == nil {
			ok++
		} else {
			require.ErrorIs(t, err, docstore.ErrConflict)
		}
	}
	snap, _ := s.Get(ctx, ref)
	n, _ := docstore.Int(snap.Data["count"])
	require.EqualValues(t, ok, n)
}

func mustWrite(t *testing.T, kind docstore.WriteKind, ref docstore.Ref, data docstore.Data) docstore.Write {
	t.Helper()
	w, err := docstore.NewWrite(kind, ref, data)
	require.NoError(t, err)
	return w
}
