// Package syncutil provides per-key locking primitives with bounded memory.
package syncutil

import (
	"context"
	"hash/fnv"
	"sync"
)

const numShards = 128

func shardIndex(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % numShards
}

// ShardedMutex maps string keys onto a fixed pool of mutexes. Memory stays
// constant no matter how many keys are locked over time; keys that hash to
// the same shard contend with each other.
//
// The zero value is ready to use.
type ShardedMutex struct {
	shards [numShards]sync.Mutex
}

// Lock acquires the shard for key and returns its unlock function.
func (s *ShardedMutex) Lock(key string) func() {
	mu := &s.shards[shardIndex(key)]
	mu.Lock()
	return mu.Unlock
}

// ContextShardedMutex is the cancellable variant: acquisition blocks in a
// select against ctx.Done, so a caller whose request deadline expires while
// waiting gives up instead of queueing forever. Must be built with
// NewContextShardedMutex.
type ContextShardedMutex struct {
	shards [numShards]chan struct{}
}

// NewContextShardedMutex returns a mutex pool with every shard unlocked.
func NewContextShardedMutex() *ContextShardedMutex {
	m := &ContextShardedMutex{}
	for i := range m.shards {
		m.shards[i] = make(chan struct{}, 1)
		m.shards[i] <- struct{}{}
	}
	return m
}

// LockContext acquires the shard for key or fails with ctx.Err(). On success
// the caller owns the shard until it calls the returned unlock function.
func (m *ContextShardedMutex) LockContext(ctx context.Context, key string) (func(), error) {
	ch := m.shards[shardIndex(key)]
	select {
	case <-ch:
		return func() { ch <- struct{}{} }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
