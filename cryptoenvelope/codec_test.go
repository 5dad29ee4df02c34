package cryptoenvelope

import (
	"context"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/walletconnect/relay-core/keychain"
	"github.com/walletconnect/relay-core/store/memory"
)

func newTestCodec(t *testing.T) (*Codec, string) {
	t.Helper()
	kc := keychain.New(memory.New(), "test")
	require.NoError(t, kc.Init(context.Background()))

	key := make([]byte, keychain.SymKeySize)
	_, err := rand.Read(key)
	require.NoError(t, err)
	topic, err := kc.SetSymKey(context.Background(), key)
	require.NoError(t, err)

	return NewCodec(kc), topic
}

func TestCodec_EncodeDecodeRoundTrip(t *testing.T) {
	codec, topic := newTestCodec(t)

	ciphertext, err := codec.Encode(context.Background(), topic, `{"id":1}`)
	require.NoError(t, err)

	plaintext, err := codec.Decode(context.Background(), topic, ciphertext)
	require.NoError(t, err)
	assert.Equal(t, `{"id":1}`, plaintext)
}

func TestCodec_OnEncodedFires(t *testing.T) {
	codec, topic := newTestCodec(t)

	var gotErr error
	fired := false
	codec.OnEncoded(func(err error) {
		fired = true
		gotErr = err
	})

	_, err := codec.Encode(context.Background(), topic, "payload")
	require.NoError(t, err)
	assert.True(t, fired)
	assert.NoError(t, gotErr)

	fired = false
	_, err = codec.Encode(context.Background(), "unknown-topic", "payload")
	require.Error(t, err)
	assert.True(t, fired)
	assert.Error(t, gotErr)
}

func TestCodec_OnDecodedFires(t *testing.T) {
	codec, topic := newTestCodec(t)
	ciphertext, err := codec.Encode(context.Background(), topic, "payload")
	require.NoError(t, err)

	var gotErr error
	fired := false
	codec.OnDecoded(func(err error) {
		fired = true
		gotErr = err
	})

	_, err = codec.Decode(context.Background(), topic, ciphertext)
	require.NoError(t, err)
	assert.True(t, fired)
	assert.NoError(t, gotErr)

	fired = false
	_, err = codec.Decode(context.Background(), topic, "not-valid-base64!!!")
	require.Error(t, err)
	assert.True(t, fired)
	assert.Error(t, gotErr)
}
