package ids

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewIsSortable(t *testing.T) {
	prev := New()
	for i := 0; i < 1000; i++ {
		next := New()
		require.Less(t, prev, next)
		prev = next
	}
}

func TestTime(t *testing.T) {
	before := time.Now().Add(-time.Millisecond)
	ts, err := Time(New())
	require.NoError(t, err)
	require.WithinDuration(t, before, ts, time.Second)

	_, err = Time("not-a-ulid")
	require.Error(t, err)
}
