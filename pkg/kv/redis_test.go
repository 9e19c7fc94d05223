package kv

import (
	"context"
	"fmt"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisBackend(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	b := NewRedis(client, "vtubers", testLogger())
	t.Cleanup(func() { _ = b.Close() })

	testBackend(t, b)
}

func TestRedisURL(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	s, err := Open(ctx, "state", fmt.Sprintf("redis://%s/0/state", mr.Addr()), nil, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	_, _, err = s.Put(ctx, &Pair{Key: "bilibili_since", Value: map[string]any{"suisei": 7.0}})
	require.NoError(t, err)

	assert.True(t, mr.Exists("stargazer:state"))
	assert.Equal(t, `{"suisei":7}`, mr.HGet("stargazer:state", "bilibili_since"))
}
