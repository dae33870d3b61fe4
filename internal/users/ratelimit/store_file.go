// Copyright (c) 2026 Yomira. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"
)

// FileStore persists buckets as a JSON document on local disk. It gives the
// terminal client the same "survives a restart" behavior the API gets from Redis.
//
// The file is re-read on every call so several processes sharing it see each
// other's attempts; writes replace it atomically.
type FileStore struct {
	mu   sync.Mutex
	path string
}

// NewFileStore creates a store at path. The file is created on first write.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (store *FileStore) read() (map[string][]time.Time, error) {
	data, err := os.ReadFile(store.path)
	if errors.Is(err, fs.ErrNotExist) {
		return make(map[string][]time.Time), nil
	}
	if err != nil {
		return nil, fmt.Errorf("file_attempts_read_failed: %w", err)
	}

	buckets := make(map[string][]time.Time)
	if len(data) == 0 {
		return buckets, nil
	}
	if err := json.Unmarshal(data, &buckets); err != nil {
		return nil, fmt.Errorf("file_attempts_decode_failed: %w", err)
	}
	return buckets, nil
}

func (store *FileStore) write(buckets map[string][]time.Time) error {
	data, err := json.Marshal(buckets)
	if err != nil {
		return fmt.Errorf("file_attempts_encode_failed: %w", err)
	}

	directory := filepath.Dir(store.path)
	if err := os.MkdirAll(directory, 0o700); err != nil {
		return fmt.Errorf("file_attempts_mkdir_failed: %w", err)
	}

	temporary, err := os.CreateTemp(directory, ".attempts-*")
	if err != nil {
		return fmt.Errorf("file_attempts_temp_failed: %w", err)
	}
	defer func() { _ = os.Remove(temporary.Name()) }()

	if _, err := temporary.Write(data); err != nil {
		_ = temporary.Close()
		return fmt.Errorf("file_attempts_write_failed: %w", err)
	}
	if err := temporary.Close(); err != nil {
		return fmt.Errorf("file_attempts_write_failed: %w", err)
	}
	if err := os.Rename(temporary.Name(), store.path); err != nil {
		return fmt.Errorf("file_attempts_rename_failed: %w", err)
	}
	return nil
}

// mutate runs change over the current document and writes it back.
func (store *FileStore) mutate(change func(buckets map[string][]time.Time)) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	buckets, err := store.read()
	if err != nil {
		return err
	}
	change(buckets)
	return store.write(buckets)
}

// Load implements [Store].
func (store *FileStore) Load(_ context.Context, bucket string) ([]time.Time, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	buckets, err := store.read()
	if err != nil {
		return nil, err
	}
	attempts := buckets[bucket]
	slices.SortFunc(attempts, time.Time.Compare)
	return attempts, nil
}

// Append implements [Store].
func (store *FileStore) Append(_ context.Context, bucket string, at time.Time, _ time.Duration) error {
	return store.mutate(func(buckets map[string][]time.Time) {
		buckets[bucket] = insertSorted(buckets[bucket], at)
	})
}

// Prune implements [Store].
func (store *FileStore) Prune(_ context.Context, bucket string, cutoff time.Time) error {
	return store.mutate(func(buckets map[string][]time.Time) {
		attempts := buckets[bucket]
		slices.SortFunc(attempts, time.Time.Compare)
		if kept := dropUntil(attempts, cutoff); len(kept) > 0 {
			buckets[bucket] = kept
		} else {
			delete(buckets, bucket)
		}
	})
}

// Delete implements [Store].
func (store *FileStore) Delete(_ context.Context, bucket string) error {
	return store.mutate(func(buckets map[string][]time.Time) {
		delete(buckets, bucket)
	})
}

// Buckets implements [Store].
func (store *FileStore) Buckets(_ context.Context) ([]string, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	buckets, err := store.read()
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(buckets))
	for id := range buckets {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids, nil
}
