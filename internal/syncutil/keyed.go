// Package syncutil provides keyed locking for serializing work on one
// payment or one processor reference inside a single process.
package syncutil

import (
	"context"
	"hash/fnv"
)

const defaultShards = 256

// KeyedMutex is a fixed pool of channel-backed locks selected by hashing
// a string key. Memory stays bounded however many keys are seen; two
// keys that land on the same shard serialize with each other.
type KeyedMutex struct {
	shards []chan struct{}
}

// NewKeyedMutex creates a KeyedMutex with n shards (256 when n <= 0).
func NewKeyedMutex(n int) *KeyedMutex {
	if n <= 0 {
		n = defaultShards
	}
	m := &KeyedMutex{shards: make([]chan struct{}, n)}
	for i := range m.shards {
		m.shards[i] = make(chan struct{}, 1)
	}
	return m
}

// Lock acquires the lock for key, giving up when ctx is done. The
// returned function releases it.
func (m *KeyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	ch := m.shard(key)
	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *KeyedMutex) shard(key string) chan struct{} {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return m.shards[h.Sum32()%uint32(len(m.shards))]
}
