// Package locking provides per-subscription mutual exclusion.
//
// Every interactive billing operation and every renewal-engine unit for the
// same subscription must be serialized, so an upgrade cannot race a
// scheduled renewal into a double charge. Locks are keyed by subscription
// ID over a fixed shard pool, so memory stays bounded no matter how many
// subscriptions exist; keys that hash to the same shard occasionally
// contend with each other.
package locking

import (
	"context"
	"hash/fnv"
)

const shardCount = 512

// SubscriptionLocks is a fixed pool of channel-based mutexes keyed by
// subscription ID. The channel implementation lets waiters bail out when
// their context is cancelled.
type SubscriptionLocks struct {
	shards [shardCount]chan struct{}
}

// NewSubscriptionLocks creates a new lock pool with all shards unlocked.
func NewSubscriptionLocks() *SubscriptionLocks {
	l := &SubscriptionLocks{}
	for i := range l.shards {
		l.shards[i] = make(chan struct{}, 1)
		l.shards[i] <- struct{}{}
	}
	return l
}

// Acquire takes the lock for the given subscription ID, waiting until it is
// free or ctx is cancelled. On success it returns a release function the
// caller MUST invoke; on cancellation it returns nil and the context error.
func (l *SubscriptionLocks) Acquire(ctx context.Context, subscriptionID string) (func(), error) {
	shard := l.shards[shardIndex(subscriptionID)]
	select {
	case <-shard:
		return func() { shard <- struct{}{} }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TryAcquire takes the lock only if it is immediately free. It returns the
// release function and true, or nil and false if the lock is held.
func (l *SubscriptionLocks) TryAcquire(subscriptionID string) (func(), bool) {
	shard := l.shards[shardIndex(subscriptionID)]
	select {
	case <-shard:
		return func() { shard <- struct{}{} }, true
	default:
		return nil, false
	}
}

func shardIndex(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % shardCount
}
