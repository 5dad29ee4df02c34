package keychain

import (
	"context"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/walletconnect/relay-core/rcerr"
	"github.com/walletconnect/relay-core/store/memory"
)

func newTestKeychain(t *testing.T) *Keychain {
	t.Helper()
	kc := New(memory.New(), "walletconnect-test")
	require.NoError(t, kc.Init(context.Background()))
	return kc
}

func TestKeychain_SetGetDeleteSymKey(t *testing.T) {
	ctx := context.Background()
	kc := newTestKeychain(t)

	t.Run("topic is sha256 of key", func(t *testing.T) {
		key := make([]byte, SymKeySize)
		_, err := rand.Read(key)
		require.NoError(t, err)

		topic, err := kc.SetSymKey(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, Topic(key), topic)
		assert.True(t, kc.HasKeys(topic))

		got, err := kc.GetSymKey(ctx, topic)
		require.NoError(t, err)
		assert.Equal(t, key, got)
	})

	t.Run("idempotent set", func(t *testing.T) {
		key := make([]byte, SymKeySize)
		_, err := rand.Read(key)
		require.NoError(t, err)

		topic1, err := kc.SetSymKey(ctx, key)
		require.NoError(t, err)
		topic2, err := kc.SetSymKey(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, topic1, topic2)
	})

	t.Run("missing key", func(t *testing.T) {
		_, err := kc.GetSymKey(ctx, "deadbeef")
		require.ErrorIs(t, err, rcerr.ErrNoMatchingKey)
	})

	t.Run("delete is idempotent", func(t *testing.T) {
		key := make([]byte, SymKeySize)
		_, err := rand.Read(key)
		require.NoError(t, err)
		topic, err := kc.SetSymKey(ctx, key)
		require.NoError(t, err)

		require.NoError(t, kc.DeleteSymKey(ctx, topic))
		require.NoError(t, kc.DeleteSymKey(ctx, topic))
		assert.False(t, kc.HasKeys(topic))
	})

	t.Run("override topic", func(t *testing.T) {
		key := make([]byte, SymKeySize)
		_, err := rand.Read(key)
		require.NoError(t, err)

		topic, err := kc.SetSymKeyWithTopic(ctx, key, "custom-topic")
		require.NoError(t, err)
		assert.Equal(t, "custom-topic", topic)
		got, err := kc.GetSymKey(ctx, topic)
		require.NoError(t, err)
		assert.Equal(t, key, got)
	})
}

func TestKeychain_GenerateSharedKey(t *testing.T) {
	ctx := context.Background()
	a := newTestKeychain(t)
	b := newTestKeychain(t)

	aPub, err := a.GenerateKeyPair(ctx)
	require.NoError(t, err)
	bPub, err := b.GenerateKeyPair(ctx)
	require.NoError(t, err)

	topicA, err := a.GenerateSharedKey(ctx, aPub, bPub, "")
	require.NoError(t, err)
	topicB, err := b.GenerateSharedKey(ctx, bPub, aPub, "")
	require.NoError(t, err)

	// Both sides must derive the same symmetric key and topic.
	assert.Equal(t, topicA, topicB)

	keyA, err := a.GetSymKey(ctx, topicA)
	require.NoError(t, err)
	keyB, err := b.GetSymKey(ctx, topicB)
	require.NoError(t, err)
	assert.Equal(t, keyA, keyB)
	assert.Equal(t, topicA, Topic(keyA))
}

func TestKeychain_GenerateSharedKey_UnknownSelfKey(t *testing.T) {
	ctx := context.Background()
	kc := newTestKeychain(t)

	_, err := kc.GenerateSharedKey(ctx, "not-a-key", "also-not-a-key", "")
	require.ErrorIs(t, err, rcerr.ErrNoMatchingKey)
}
