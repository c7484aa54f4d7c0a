package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"housecup.org/internal/docstore"
	"housecup.org/internal/docstore/memstore"
	"housecup.org/internal/policy"
	"housecup.org/internal/stream"
)

type fixture struct {
	t     *testing.T
	ctx   context.Context
	store docstore.Store
	eng   *Engine
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	return newFixtureOn(t, memstore.New(), opts...)
}

func newFixtureOn(t *testing.T, store docstore.Store, opts ...Option) *fixture {
	t.Helper()
	eng, err := New(store, opts...)
	require.NoError(t, err)
	return &fixture{t: t, ctx: context.Background(), store: store, eng: eng}
}

func (f *fixture) member(id, externalID string, role policy.Role, groupID string, points int64) Member {
	f.t.Helper()
	m := Member{ID: id, ExternalID: externalID, Name: "name-" + id, Email: id + "@example.com", Points: points, GroupID: groupID, Role: role}
	require.NoError(f.t, f.store.Set(f.ctx, f.eng.memberRef(id), memberData(m), false))
	return m
}

func (f *fixture) group(id string, points int64, managerID string) {
	f.t.Helper()
	err := f.store.Set(f.ctx, f.eng.groupRef(id), docstore.Data{"name": "group " + id, "points": points, "managerId": managerID}, false)
	require.NoError(f.t, err)
}

func (f *fixture) points(id string) int64 {
	f.t.Helper()
	m, err := f.eng.GetMember(f.ctx, id)
	require.NoError(f.t, err)
	return m.Points
}

func (f *fixture) groupPoints(id string) int64 {
	f.t.Helper()
	g, err := f.eng.GetGroup(f.ctx, id)
	require.NoError(f.t, err)
	return g.Points
}

func (f *fixture) history(id string) []HistoryEntry {
	f.t.Helper()
	h, err := f.eng.History(f.ctx, id, 0)
	require.NoError(f.t, err)
	return h
}

func TestAdjustPointsUpdatesMemberGroupAndHistory(t *testing.T) {
	f := newFixture(t)
	f.group("g1", 200, "")
	f.member("admin", "GOOGE000", policy.RoleAdmin, "", 0)
	f.member("m", "GOOGE001", policy.RoleMember, "g1", 50)

	got, err := f.eng.AdjustPoints(f.ctx, "m", 30, "  helped out  ", "admin")
	require.NoError(t, err)
	require.EqualValues(t, 80, got.Points)
	require.EqualValues(t, 80, f.points("m"))
	require.EqualValues(t, 230, f.groupPoints("g1"))

	h := f.history("m")
	require.Len(t, h, 1)
	require.EqualValues(t, 30, h[0].PointsAdded)
	require.Equal(t, "helped out", h[0].Remark)
	require.Equal(t, "admin", h[0].AwardedByID)
	require.Equal(t, "name-admin", h[0].AwardedByName)
	require.Equal(t, "m", h[0].AwardedToID)
	require.False(t, h[0].Timestamp.IsZero())
}

func TestAdjustPointsValidation(t *testing.T) {
	f := newFixture(t)
	f.member("admin", "A1", policy.RoleAdmin, "", 0)
	f.member("m", "M1", policy.RoleMember, "", 10)

	cases := []struct {
		name            string
		member, awarder string
		delta           int64
		remark          string
		want            error
	}{
		{"zero delta", "m", "admin", 0, "x", ErrValidation},
		{"blank remark", "m", "admin", 5, "   ", ErrValidation},
		{"no awarder", "m", "", 5, "x", ErrValidation},
		{"no member", "", "admin", 5, "x", ErrValidation},
		{"unknown member", "ghost", "admin", 5, "x", ErrNotFound},
		{"unknown awarder", "m", "ghost", 5, "x", ErrNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.eng.AdjustPoints(f.ctx, tc.member, tc.delta, tc.remark, tc.awarder)
			require.ErrorIs(t, err, tc.want)
		})
	}
	require.EqualValues(t, 10, f.points("m"))
	require.Empty(t, f.history("m"))
}

func TestAdjustPointsDeniedLeavesNoTrace(t *testing.T) {
	f := newFixture(t)
	f.group("c", 0, "mgr")
	f.group("d", 100, "")
	f.member("mgr", "G1", policy.RoleManager, "c", 0)
	f.member("peer", "G2", policy.RoleMember, "c", 0)
	f.member("other", "G3", policy.RoleMember, "d", 100)

	_, err := f.eng.AdjustPoints(f.ctx, "other", 10, "nope", "mgr")
	require.True(t, policy.IsDenied(err), "got %v", err)
	require.EqualValues(t, 100, f.points("other"))
	require.EqualValues(t, 100, f.groupPoints("d"))
	require.Empty(t, f.history("other"))

	_, err = f.eng.AdjustPoints(f.ctx, "mgr", 10, "self", "mgr")
	require.True(t, policy.IsDenied(err))

	_, err = f.eng.AdjustPoints(f.ctx, "other", 10, "member", "peer")
	require.True(t, policy.IsDenied(err))

	got, err := f.eng.AdjustPoints(f.ctx, "peer", 10, "own group", "mgr")
	require.NoError(t, err)
	require.EqualValues(t, 10, got.Points)
}

func TestAdjustPointsClampsAtZero(t *testing.T) {
	f := newFixture(t)
	f.group("g", 20, "")
	f.member("admin", "A1", policy.RoleAdmin, "", 0)
	f.member("m", "M1", policy.RoleMember, "g", 20)

	got, err := f.eng.AdjustPoints(f.ctx, "m", -50, "penalty", "admin")
	require.NoError(t, err)
	require.EqualValues(t, 0, got.Points)
	require.EqualValues(t, 0, f.groupPoints("g"))
	h := f.history("m")
	require.Len(t, h, 1)
	require.EqualValues(t, -20, h[0].PointsAdded)

	_, err = f.eng.AdjustPoints(f.ctx, "m", -5, "again", "admin")
	require.ErrorIs(t, err, ErrValidation)
	require.Len(t, f.history("m"), 1)
}

func TestAdjustPointsWithoutClamp(t *testing.T) {
	f := newFixture(t, WithClampNegative(false))
	f.member("admin", "A1", policy.RoleAdmin, "", 0)
	f.member("m", "M1", policy.RoleMember, "", 5)

	got, err := f.eng.AdjustPoints(f.ctx, "m", -8, "penalty", "admin")
	require.NoError(t, err)
	require.EqualValues(t, -3, got.Points)
}

func TestAdjustPointsSkipsMissingGroup(t *testing.T) {
	f := newFixture(t)
	f.member("admin", "A1", policy.RoleAdmin, "", 0)
	f.member("m", "M1", policy.RoleMember, "gone", 5)

	got, err := f.eng.AdjustPoints(f.ctx, "m", 5, "ok", "admin")
	require.NoError(t, err)
	require.EqualValues(t, 10, got.Points)
	_, err = f.eng.GetGroup(f.ctx, "gone")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestConcurrentAdjustmentsKeepAggregate(t *testing.T) {
	f := newFixture(t)
	f.group("g", 0, "")
	f.member("admin", "A1", policy.RoleAdmin, "", 0)
	f.member("a", "M1", policy.RoleMember, "g", 0)
	f.member("b", "M2", policy.RoleMember, "g", 0)

	const n = 10
	errs := make(chan error, 2*n)
	for i := 0; i < n; i++ {
		for _, id := range []string{"a", "b"} {
			go func(id string) {
				_, err := f.eng.AdjustPoints(f.ctx, id, 1, "tick", "admin")
				errs <- err
			}(id)
		}
	}
	var ok int64
	for i := 0; i < 2*n; i++ {
		err := <-errs
		if err == nil {
			ok++
			continue
		}
		require.ErrorIs(t, err, ErrConflict)
	}
	total := f.points("a") + f.points("b")
	require.Equal(t, ok, total)
	require.Equal(t, total, f.groupPoints("g"))
	require.Len(t, append(f.history("a"), f.history("b")...), int(ok))
}

func TestAdjustPointsPublishesEvent(t *testing.T) {
	s := stream.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := s.Subscribe(ctx)

	f := newFixture(t, WithPublisher(s))
	f.member("admin", "A1", policy.RoleAdmin, "", 0)
	f.member("m", "M1", policy.RoleMember, "g", 1)

	_, err := f.eng.AdjustPoints(f.ctx, "m", 4, "ok", "admin")
	require.NoError(t, err)

	select {
	case evt := <-events:
		require.Equal(t, stream.KindAdjusted, evt.Kind)
		require.Equal(t, "m", evt.MemberID)
		require.EqualValues(t, 4, evt.Delta)
		require.EqualValues(t, 5, evt.Points)
		require.Equal(t, "admin", evt.ActorID)
	case <-time.After(time.Second):
		t.Fatal("no event published")
	}
}

func TestClassify(t *testing.T) {
	require.ErrorIs(t, classify("op", docstore.ErrConflict), ErrConflict)
	require.ErrorIs(t, classify("op", docstore.ErrTxTooLarge), ErrValidation)
	require.ErrorIs(t, classify("op", errors.New("socket closed")), ErrStoreUnavailable)
	require.ErrorIs(t, classify("op", context.Canceled), context.Canceled)
	require.NotErrorIs(t, classify("op", context.Canceled), ErrStoreUnavailable)
	require.Nil(t, classify("op", nil))
}
