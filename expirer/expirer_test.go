package expirer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/walletconnect/relay-core/store/memory"
)

func TestExpirer_SetHasGet(t *testing.T) {
	ctx := context.Background()
	e := New(memory.New(), "wc-test")
	require.NoError(t, e.Init(ctx))

	deadline := time.Now().Add(time.Hour)
	require.NoError(t, e.Set(ctx, "topic-a", deadline))

	assert.True(t, e.Has("topic-a"))
	got, ok := e.Get("topic-a")
	require.True(t, ok)
	assert.Equal(t, deadline.Unix(), got.Unix())

	assert.False(t, e.Has("unknown-topic"))
}

func TestExpirer_DeleteIsIdempotent(t *testing.T) {
	ctx := context.Background()
	e := New(memory.New(), "wc-test")
	require.NoError(t, e.Init(ctx))
	require.NoError(t, e.Set(ctx, "topic-a", time.Now().Add(time.Hour)))

	require.NoError(t, e.Delete(ctx, "topic-a"))
	require.NoError(t, e.Delete(ctx, "topic-a"))
	assert.False(t, e.Has("topic-a"))
}

func TestExpirer_SweepFiresExpired(t *testing.T) {
	ctx := context.Background()
	e := New(memory.New(), "wc-test")
	require.NoError(t, e.Init(ctx))

	var mu sync.Mutex
	var fired []string
	e.OnExpired(func(target string) {
		mu.Lock()
		fired = append(fired, target)
		mu.Unlock()
	})

	require.NoError(t, e.Set(ctx, "already-due", time.Now().Add(-time.Minute)))
	require.NoError(t, e.Set(ctx, "far-future", time.Now().Add(time.Hour)))

	e.Start()
	defer e.Close()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(fired) == 1 && fired[0] == "already-due"
	}, 3*time.Second, 20*time.Millisecond)

	assert.True(t, e.Has("far-future"))
	assert.False(t, e.Has("already-due"))
}

func TestExpirer_PersistsAcrossInit(t *testing.T) {
	ctx := context.Background()
	backend := memory.New()

	e1 := New(backend, "wc-test")
	require.NoError(t, e1.Init(ctx))
	deadline := time.Now().Add(time.Hour)
	require.NoError(t, e1.Set(ctx, "topic-a", deadline))

	e2 := New(backend, "wc-test")
	require.NoError(t, e2.Init(ctx))
	assert.True(t, e2.Has("topic-a"))
}

func TestExpirer_SetOverwritesExisting(t *testing.T) {
	ctx := context.Background()
	e := New(memory.New(), "wc-test")
	require.NoError(t, e.Init(ctx))

	first := time.Now().Add(time.Hour)
	second := time.Now().Add(2 * time.Hour)
	require.NoError(t, e.Set(ctx, "topic-a", first))
	require.NoError(t, e.Set(ctx, "topic-a", second))

	got, ok := e.Get("topic-a")
	require.True(t, ok)
	assert.Equal(t, second.Unix(), got.Unix())
}
