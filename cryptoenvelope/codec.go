package cryptoenvelope

import (
	"context"
	"fmt"

	"github.com/walletconnect/relay-core/keychain"
	"github.com/walletconnect/relay-core/rcerr"
)

// Codec is the per-topic envelope encoder/decoder described in spec §4.2:
// Encode/Decode, keyed by topic through a Keychain.
type Codec struct {
	keys *keychain.Keychain

	onEncoded func(err error)
	onDecoded func(err error)
}

// NewCodec creates a Codec reading symmetric keys from keys.
func NewCodec(keys *keychain.Keychain) *Codec {
	return &Codec{keys: keys}
}

// OnEncoded registers the callback fired after every Encode call
// completes, with the resulting error (nil on success).
func (c *Codec) OnEncoded(fn func(err error)) { c.onEncoded = fn }

// OnDecoded registers the callback fired after every Decode call
// completes, with the resulting error (nil on success).
func (c *Codec) OnDecoded(fn func(err error)) { c.onDecoded = fn }

// Encode looks up topic's symmetric key and encodes payload as a type-0
// envelope, base64-encoded for transport.
func (c *Codec) Encode(ctx context.Context, topic, payload string) (out string, err error) {
	if c.onEncoded != nil {
		defer func() { c.onEncoded(err) }()
	}

	key, err := c.keys.GetSymKey(ctx, topic)
	if err != nil {
		return "", fmt.Errorf("encode %s: %w", topic, err)
	}
	return Encode(key, payload, TypeSym, nil)
}

// Decode looks up topic's symmetric key and decodes message, returning
// the original payload string.
func (c *Codec) Decode(ctx context.Context, topic, message string) (out string, err error) {
	if c.onDecoded != nil {
		defer func() { c.onDecoded(err) }()
	}

	key, err := c.keys.GetSymKey(ctx, topic)
	if err != nil {
		return "", fmt.Errorf("decode %s: %w", topic, err)
	}
	decoded, err := Decode(key, message)
	if err != nil {
		return "", fmt.Errorf("decode %s: %w", topic, err)
	}
	if decoded.Type != TypeSym {
		return "", fmt.Errorf("decode %s: %w: expected type-0 envelope", topic, rcerr.ErrInvalidEnvelope)
	}
	return decoded.Payload, nil
}
