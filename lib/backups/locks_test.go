package backups

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyedLocksReleaseEntries(t *testing.T) {
	locks := newKeyedLocks()

	unlock := locks.lock("bk-1")
	assert.Equal(t, 1, locks.size())
	unlock()
	assert.Equal(t, 0, locks.size())

	for i := 0; i < 100; i++ {
		locks.lock("bk-1")()
	}
	assert.Equal(t, 0, locks.size())
}

func TestKeyedLocksSerializeSameKey(t *testing.T) {
	locks := newKeyedLocks()
	unlock := locks.lock("bk-1")

	acquired := make(chan struct{})
	go func() {
		locks.lock("bk-1")()
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("second holder got the lock while the first still held it")
	case <-time.After(50 * time.Millisecond):
	}

	// Other keys are independent.
	locks.lock("bk-2")()

	unlock()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("waiter never acquired the lock")
	}
	assert.Equal(t, 0, locks.size())
}

func TestKeyedLocksConcurrentHolders(t *testing.T) {
	locks := newKeyedLocks()
	var (
		wg      sync.WaitGroup
		holders int
		maxSeen int
		mu      sync.Mutex
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := locks.lock("bk-1")
			defer unlock()
			mu.Lock()
			holders++
			maxSeen = max(maxSeen, holders)
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			holders--
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.Equal(t, 1, maxSeen)
	assert.Equal(t, 0, locks.size())
}

func TestManagerDropsLockAfterDelete(t *testing.T) {
	env := newTestEnv(t)
	seedDelete(env)

	require.NoError(t, env.m.DeleteBackup(context.Background(), "bk-1"))
	assert.Equal(t, 0, env.m.locks.size())
}
