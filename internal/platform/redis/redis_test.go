package redis

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLocalLocker(t *testing.T) {
	ctx := context.Background()
	l := NewLocalLocker()

	unlock, err := l.Lock(ctx, "recur:s1", time.Minute)
	require.NoError(t, err)

	_, err = l.Lock(ctx, "recur:s1", time.Minute)
	require.ErrorIs(t, err, ErrLockHeld)

	other, err := l.Lock(ctx, "recur:s2", time.Minute)
	require.NoError(t, err)
	other()

	unlock()
	again, err := l.Lock(ctx, "recur:s1", time.Minute)
	require.NoError(t, err)
	again()
}
