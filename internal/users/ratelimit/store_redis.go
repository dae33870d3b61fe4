// Copyright (c) 2026 Yomira. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/taibuivan/passage/pkg/uuid"
)

// RedisStore keeps each bucket as a sorted set scored by attempt time in
// milliseconds. The set expires one window after its last attempt.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore creates a store writing keys under prefix.
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

func (store *RedisStore) key(bucket string) string {
	return store.prefix + bucket
}

// Load implements [Store].
func (store *RedisStore) Load(context context.Context, bucket string) ([]time.Time, error) {
	scores, err := store.client.ZRangeWithScores(context, store.key(bucket), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis_attempts_load_failed: %w", err)
	}

	attempts := make([]time.Time, 0, len(scores))
	for _, entry := range scores {
		attempts = append(attempts, time.UnixMilli(int64(entry.Score)))
	}
	return attempts, nil
}

// Append implements [Store].
//
// Members carry a random suffix so two attempts in the same millisecond are both kept.
func (store *RedisStore) Append(context context.Context, bucket string, at time.Time, window time.Duration) error {
	key := store.key(bucket)
	millis := at.UnixMilli()

	pipe := store.client.TxPipeline()
	pipe.ZAdd(context, key, redis.Z{
		Score:  float64(millis),
		Member: strconv.FormatInt(millis, 10) + ":" + uuid.New(),
	})
	pipe.PExpire(context, key, window)

	if _, err := pipe.Exec(context); err != nil {
		return fmt.Errorf("redis_attempts_append_failed: %w", err)
	}
	return nil
}

// Prune implements [Store]. Redis drops a sorted set once its last member is removed.
func (store *RedisStore) Prune(context context.Context, bucket string, cutoff time.Time) error {
	maxScore := strconv.FormatInt(cutoff.UnixMilli(), 10)
	if err := store.client.ZRemRangeByScore(context, store.key(bucket), "-inf", maxScore).Err(); err != nil {
		return fmt.Errorf("redis_attempts_prune_failed: %w", err)
	}
	return nil
}

// Delete implements [Store].
func (store *RedisStore) Delete(context context.Context, bucket string) error {
	if err := store.client.Del(context, store.key(bucket)).Err(); err != nil {
		return fmt.Errorf("redis_attempts_delete_failed: %w", err)
	}
	return nil
}

// Buckets implements [Store] with a cursor scan over the prefix.
func (store *RedisStore) Buckets(context context.Context) ([]string, error) {
	var ids []string
	iterator := store.client.Scan(context, 0, store.prefix+"*", 100).Iterator()
	for iterator.Next(context) {
		ids = append(ids, strings.TrimPrefix(iterator.Val(), store.prefix))
	}
	if err := iterator.Err(); err != nil {
		return nil, fmt.Errorf("redis_attempts_scan_failed: %w", err)
	}
	return ids, nil
}
