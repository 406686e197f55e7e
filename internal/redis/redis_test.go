package redis

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}
	inner := redis.NewClient(&redis.Options{Addr: addr})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := inner.Ping(ctx).Err(); err != nil {
		t.Skipf("redis unavailable: %v", err)
	}
	t.Cleanup(func() { inner.Close() })
	return Wrap(inner)
}

func TestTaggedInvalidation(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()
	prefix := fmt.Sprintf("test:%d", time.Now().UnixNano())
	key := prefix + ":record"
	tag := prefix + ":tag"

	type record struct {
		Name string `json:"name"`
	}
	require.NoError(t, client.SetTagged(ctx, key, record{Name: "Acme"}, time.Minute, tag))

	var got record
	require.NoError(t, client.GetJSON(ctx, key, &got))
	assert.Equal(t, "Acme", got.Name)

	require.NoError(t, client.InvalidateTags(ctx, tag))
	err := client.GetJSON(ctx, key, &got)
	assert.True(t, errors.Is(err, ErrCacheMiss))
}

func TestNilClientErrors(t *testing.T) {
	var c *Client
	assert.Error(t, c.Set(context.Background(), "k", "v", time.Second))
	assert.Error(t, c.InvalidateTags(context.Background(), "t"))
	assert.NoError(t, c.Close())
	assert.Nil(t, c.Raw())
}
