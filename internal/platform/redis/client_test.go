// Copyright (c) 2026 Yomira. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package redis_test

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taibuivan/passage/internal/platform/redis"
)

/*
TestNewClient covers a reachable server, a stopped server and a malformed URL.
*/
func TestNewClient(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	server := miniredis.RunT(t)

	client, err := redis.NewClient(context.Background(), "redis://"+server.Addr()+"/0", logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	assert.NoError(t, redis.Ping(context.Background(), client))

	server.Close()
	assert.Error(t, redis.Ping(context.Background(), client))

	_, err = redis.NewClient(context.Background(), "not a url", logger)
	assert.Error(t, err)
}
