package session

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aixgo-dev/orchestra/agent"
)

func setupMiniredis(t *testing.T) (*miniredis.Miniredis, *RedisBackend) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	backend := NewRedisBackendFromClient(client, "test:", 0)
	t.Cleanup(func() { _ = backend.Close() })
	return mr, backend
}

func backends(t *testing.T) map[string]Backend {
	_, rb := setupMiniredis(t)
	fb, err := NewFileBackend(t.TempDir())
	require.NoError(t, err)
	return map[string]Backend{
		"memory": NewMemoryBackend(),
		"redis":  rb,
		"file":   fb,
	}
}

func TestBackends(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			id := "user/42 ../weird"

			_, err := b.LoadThread(ctx, id)
			assert.ErrorIs(t, err, ErrThreadNotFound)

			now := time.Now().UTC().Truncate(time.Millisecond)
			require.NoError(t, b.SaveThread(ctx, &Metadata{ID: id, CreatedAt: now, UpdatedAt: now}))

			require.NoError(t, b.AppendMessage(ctx, id, agent.UserMessage("What's 2+2?")))
			require.NoError(t, b.AppendMessage(ctx, id, agent.AssistantMessage("math", "4")))

			meta, err := b.LoadThread(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, 2, meta.MessageCount)
			assert.True(t, meta.CreatedAt.Equal(now))

			msgs, err := b.LoadMessages(ctx, id)
			require.NoError(t, err)
			require.Len(t, msgs, 2)
			assert.Equal(t, agent.RoleUser, msgs[0].Role)
			assert.Equal(t, "math", msgs[1].Agent)

			require.NoError(t, b.Ping(ctx))
			require.NoError(t, b.DeleteThread(ctx, id))
			_, err = b.LoadThread(ctx, id)
			assert.ErrorIs(t, err, ErrThreadNotFound)
			msgs, err = b.LoadMessages(ctx, id)
			require.NoError(t, err)
			assert.Empty(t, msgs)

			require.NoError(t, b.Close())
			assert.ErrorIs(t, b.Ping(ctx), ErrStorageClosed)
		})
	}
}

func TestRedisBackendTTL(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	b := NewRedisBackendFromClient(client, "", time.Minute)
	ctx := context.Background()

	require.NoError(t, b.SaveThread(ctx, &Metadata{ID: "s"}))
	require.NoError(t, b.AppendMessage(ctx, "s", agent.UserMessage("hi")))
	assert.True(t, mr.Exists(defaultRedisPrefix+"messages:s"))

	mr.FastForward(2 * time.Minute)
	_, err := b.LoadThread(ctx, "s")
	assert.ErrorIs(t, err, ErrThreadNotFound)
}

func TestNewRedisBackendRequiresAddr(t *testing.T) {
	_, err := NewRedisBackend(RedisConfig{})
	assert.Error(t, err)
}

func TestManagerRehydratesFromRedis(t *testing.T) {
	_, backend := setupMiniredis(t)
	ctx := context.Background()

	first := NewManager(backend)
	th, err := first.GetOrCreateThread(ctx, "s")
	require.NoError(t, err)
	_, err = first.Append(ctx, th, agent.UserMessage("remember me"))
	require.NoError(t, err)

	// a second process sharing the same Redis sees the history
	second := NewManager(backend)
	th2, err := second.Get(ctx, "s")
	require.NoError(t, err)
	require.Equal(t, 1, th2.Len())
	assert.Equal(t, "remember me", th2.Messages()[0].Content)
}
