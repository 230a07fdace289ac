package syncutil

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestShardedMutex_SerializesSameKey(t *testing.T) {
	var m ShardedMutex
	var counter int

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := m.Lock("payment-1")
			defer unlock()
			counter++
		}()
	}
	wg.Wait()

	if counter != 50 {
		t.Errorf("Expected 50 increments, got %d", counter)
	}
}

func TestShardedMutex_DifferentKeysDoNotBlock(t *testing.T) {
	var m ShardedMutex

	unlockA := m.Lock("payment-a")
	defer unlockA()

	done := make(chan struct{})
	go func() {
		// Scan keys until one lands on a different shard than payment-a.
		keys := []string{"payment-b", "payment-c", "payment-d", "payment-e", "payment-f"}
		for _, k := range keys {
			if shardIndex(k) != shardIndex("payment-a") {
				unlock := m.Lock(k)
				unlock()
				close(done)
				return
			}
		}
		t.Error("no key hashed to a different shard")
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on a different shard blocked behind payment-a")
	}
}

func TestContextShardedMutex_LockAndUnlock(t *testing.T) {
	m := NewContextShardedMutex()

	unlock, err := m.LockContext(context.Background(), "payment-1")
	if err != nil {
		t.Fatalf("LockContext: %v", err)
	}
	unlock()

	// Re-acquirable after unlock.
	unlock, err = m.LockContext(context.Background(), "payment-1")
	if err != nil {
		t.Fatalf("LockContext after unlock: %v", err)
	}
	unlock()
}

func TestContextShardedMutex_CancelledWhileWaiting(t *testing.T) {
	m := NewContextShardedMutex()

	unlock, err := m.LockContext(context.Background(), "payment-1")
	if err != nil {
		t.Fatalf("LockContext: %v", err)
	}
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := m.LockContext(ctx, "payment-1"); err != context.DeadlineExceeded {
		t.Errorf("Expected DeadlineExceeded, got %v", err)
	}
}

func TestContextShardedMutex_AlreadyCancelled(t *testing.T) {
	m := NewContextShardedMutex()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// A held lock plus a dead context must fail, never deadlock.
	unlock, err := m.LockContext(context.Background(), "payment-1")
	if err != nil {
		t.Fatalf("LockContext: %v", err)
	}
	defer unlock()

	if _, err := m.LockContext(ctx, "payment-1"); err == nil {
		t.Error("Expected error from cancelled context")
	}
}

func TestContextShardedMutex_ConcurrentMixedKeys(t *testing.T) {
	m := NewContextShardedMutex()
	counters := make(map[string]int)
	var mu sync.Mutex

	var wg sync.WaitGroup
	keys := []string{"a", "b", "c"}
	for i := 0; i < 30; i++ {
		key := keys[i%len(keys)]
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := m.LockContext(context.Background(), key)
			if err != nil {
				t.Errorf("LockContext(%s): %v", key, err)
				return
			}
			defer unlock()
			mu.Lock()
			counters[key]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	for _, k := range keys {
		if counters[k] != 10 {
			t.Errorf("key %s: expected 10, got %d", k, counters[k])
		}
	}
}
