package lock_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"stageline/internal/lock"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestTryLockExcludes(t *testing.T) {
	k := lock.NewKeyed()
	unlock, ok := k.TryLock("task:1")
	require.True(t, ok)

	_, ok = k.TryLock("task:1")
	assert.False(t, ok)

	other, ok := k.TryLock("task:2")
	require.True(t, ok)
	other()

	unlock()
	unlock()
	again, ok := k.TryLock("task:1")
	require.True(t, ok)
	again()
	assert.Equal(t, 0, k.Len())
}

func TestLockWaitsAndHonoursContext(t *testing.T) {
	k := lock.NewKeyed()
	unlock, err := k.Lock(context.Background(), "group")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = k.Lock(ctx, "group")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	unlock()
	assert.Equal(t, 0, k.Len())
}

func TestLockSerializes(t *testing.T) {
	k := lock.NewKeyed()
	var wg sync.WaitGroup
	counter := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := k.Lock(context.Background(), "shared")
			if err != nil {
				return
			}
			counter++
			unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 20, counter)
	assert.Equal(t, 0, k.Len())
}
