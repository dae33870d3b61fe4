// Copyright (c) 2026 Yomira. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/taibuivan/passage/internal/platform/apperr"
)

// errExpiredTTL is returned when a session would be stored already expired.
var errExpiredTTL = errors.New("session: non-positive ttl")

// RedisRepository implements [Repository] using Redis string keys with a TTL.
type RedisRepository struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisRepository creates a repository whose keys start with prefix.
func NewRedisRepository(client redis.UniversalClient, prefix string) *RedisRepository {
	return &RedisRepository{client: client, prefix: prefix}
}

func (repository *RedisRepository) key(tokenHash string) string {
	return repository.prefix + tokenHash
}

/*
Save stores the session under the refresh token hash.

Parameters:
  - context: context.Context
  - tokenHash: string (sec.HashToken of the refresh token)
  - session: Session
  - ttl: time.Duration (Must be positive; Redis drops the key when it elapses)

Returns:
  - error: Encoding or connectivity errors
*/
func (repository *RedisRepository) Save(context context.Context, tokenHash string, session Session, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("redis_session_set_failed: %w", errExpiredTTL)
	}

	payload, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("redis_session_encode_failed: %w", err)
	}

	if err := repository.client.Set(context, repository.key(tokenHash), payload, ttl).Err(); err != nil {
		return fmt.Errorf("redis_session_set_failed: %w", err)
	}
	return nil
}

/*
Take loads and removes the session stored under tokenHash in one GETDEL.

Description: Of several concurrent callers only one receives the session; the
rest see apperr.NotFound, as they do for absent or expired keys.
*/
func (repository *RedisRepository) Take(context context.Context, tokenHash string) (*Session, error) {
	payload, err := repository.client.GetDel(context, repository.key(tokenHash)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, apperr.NotFound("Session")
		}
		return nil, fmt.Errorf("redis_session_take_failed: %w", err)
	}

	var session Session
	if err := json.Unmarshal(payload, &session); err != nil {
		return nil, fmt.Errorf("redis_session_decode_failed: %w", err)
	}
	return &session, nil
}

// Delete removes the session. Deleting a missing key succeeds.
func (repository *RedisRepository) Delete(context context.Context, tokenHash string) error {
	if err := repository.client.Del(context, repository.key(tokenHash)).Err(); err != nil {
		return fmt.Errorf("redis_session_delete_failed: %w", err)
	}
	return nil
}
