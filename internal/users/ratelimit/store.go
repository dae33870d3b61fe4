// Copyright (c) 2026 Yomira. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package ratelimit

import (
	"context"
	"slices"
	"sync"
	"time"
)

// Store persists attempt timestamps per bucket id.
//
// Implementations must be safe for concurrent use and must return timestamps
// oldest first.
type Store interface {
	// Load returns every stored timestamp of the bucket.
	Load(context context.Context, bucket string) ([]time.Time, error)

	// Append stores one timestamp. window is the bucket's policy window; stores
	// with native expiry use it to drop idle buckets.
	Append(context context.Context, bucket string, at time.Time, window time.Duration) error

	// Prune removes timestamps at or before cutoff, dropping the bucket when it empties.
	Prune(context context.Context, bucket string, cutoff time.Time) error

	// Delete removes the bucket entirely.
	Delete(context context.Context, bucket string) error

	// Buckets lists the ids of every stored bucket.
	Buckets(context context.Context) ([]string, error)
}

// MemoryStore keeps timestamps in process memory. Used in tests and by the CLI
// when no durable store is configured.
type MemoryStore struct {
	mu       sync.Mutex
	attempts map[string][]time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{attempts: make(map[string][]time.Time)}
}

// Load implements [Store].
func (store *MemoryStore) Load(_ context.Context, bucket string) ([]time.Time, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return slices.Clone(store.attempts[bucket]), nil
}

// Append implements [Store].
func (store *MemoryStore) Append(_ context.Context, bucket string, at time.Time, _ time.Duration) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.attempts[bucket] = insertSorted(store.attempts[bucket], at)
	return nil
}

// Prune implements [Store].
func (store *MemoryStore) Prune(_ context.Context, bucket string, cutoff time.Time) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	kept := dropUntil(store.attempts[bucket], cutoff)
	if len(kept) == 0 {
		delete(store.attempts, bucket)
		return nil
	}
	store.attempts[bucket] = kept
	return nil
}

// Delete implements [Store].
func (store *MemoryStore) Delete(_ context.Context, bucket string) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	delete(store.attempts, bucket)
	return nil
}

// Buckets implements [Store].
func (store *MemoryStore) Buckets(_ context.Context) ([]string, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	ids := make([]string, 0, len(store.attempts))
	for id := range store.attempts {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids, nil
}

// insertSorted keeps the list ordered even when clocks are injected out of order.
func insertSorted(list []time.Time, at time.Time) []time.Time {
	index, _ := slices.BinarySearchFunc(list, at, func(element, target time.Time) int {
		return element.Compare(target)
	})
	return slices.Insert(list, index, at)
}

// dropUntil returns the suffix of the sorted list strictly after cutoff.
func dropUntil(list []time.Time, cutoff time.Time) []time.Time {
	index := 0
	for index < len(list) && !list[index].After(cutoff) {
		index++
	}
	return slices.Clone(list[index:])
}
