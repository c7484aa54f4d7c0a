package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRefs(t *testing.T) {
	ref := Doc("users", "u1").Collection("point_history").Doc("h1")
	require.Equal(t, "users/u1/point_history/h1", ref.Path)
	require.Equal(t, "h1", ref.ID())
	require.Equal(t, "users/u1/point_history", ref.Parent().Path)
	require.NoError(t, ref.Validate())

	require.ErrorIs(t, Ref{Path: "users"}.Validate(), ErrInvalidRef)
	require.ErrorIs(t, Ref{Path: "users//x/y"}.Validate(), ErrInvalidRef)
	require.ErrorIs(t, Doc("users", "").Validate(), ErrInvalidRef)
}

func TestApplyWriteTransforms(t *testing.T) {
	now := time.Date(2024, 1, 2, 3, 4, 5, 6, time.UTC)
	cur := Data{"points": json.Number("40"), "name": "Ann"}

	w, err := NewWrite(WriteUpdate, Doc("users", "u1"), Data{"points": Increment(-15), "at": ServerTimestamp})
	require.NoError(t, err)
	next, exists, err := ApplyWrite(cur, true, w, now)
	require.NoError(t, err)
	require.True(t, exists)
	n, _ := Int(next["points"])
	require.EqualValues(t, 25, n)
	require.Equal(t, "Ann", next["name"])
	require.Equal(t, "2024-01-02T03:04:05.000000006Z", next["at"])

	// the input document is not mutated
	require.Equal(t, json.Number("40"), cur["points"])

	w, err = NewWrite(WriteSet, Doc("users", "u1"), Data{"points": Increment(3)})
	require.NoError(t, err)
	next, _, err = ApplyWrite(cur, true, w, now)
	require.NoError(t, err)
	n, _ = Int(next["points"])
	require.EqualValues(t, 3, n)
	require.NotContains(t, next, "name")

	w, err = NewWrite(WriteUpdate, Doc("users", "u2"), Data{"points": 1})
	require.NoError(t, err)
	_, _, err = ApplyWrite(nil, false, w, now)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestNormalizeRejectsBadFieldNames(t *testing.T) {
	_, err := Normalize(Data{"a.b": 1})
	require.Error(t, err)
	_, err = Normalize(Data{"": 1})
	require.Error(t, err)
}

func TestCompiledQueryMatchesNumbersAcrossTypes(t *testing.T) {
	c, err := Collection{Path: "users"}.Query().Where("points", OpEqual, int64(5)).Compile()
	require.NoError(t, err)
	require.True(t, c.Matches(Data{"points": json.Number("5")}))
	require.False(t, c.Matches(Data{"points": json.Number("6")}))
	require.False(t, c.Matches(Data{}))

	_, err = Collection{Path: "users"}.Query().Where("customId", OpIn, "notaslice").Compile()
	require.Error(t, err)
}

func TestRunWithRetryStopsOnPlainErrors(t *testing.T) {
	RetryBase = time.Millisecond
	calls := 0
	boom := errors.New("boom")
	err := RunWithRetry(context.Background(), 4, func(context.Context) error {
		calls++
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.Equal(t, 1, calls)

	calls = 0
	err = RunWithRetry(context.Background(), 4, func(context.Context) error {
		calls++
		return Retryable(errors.New("row moved"))
	})
	require.ErrorIs(t, err, ErrConflict)
	require.Equal(t, 4, calls)
	require.Contains(t, err.Error(), "after 4 attempts")
}

func TestWriteBatchCommitOnce(t *testing.T) {
	var got []Write
	b := NewWriteBatch(3, func(_ context.Context, ws []Write) error {
		got = ws
		return nil
	})
	require.NoError(t, b.Delete(Doc("users", "a")))
	require.True(t, b.Room(2))
	require.False(t, b.Room(3))
	require.NoError(t, b.Commit(context.Background()))
	require.Len(t, got, 1)
	require.Error(t, b.Commit(context.Background()))
}
