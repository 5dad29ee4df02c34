// Package keychain persists symmetric keys by topic and provides the
// X25519 key-agreement helpers used to bootstrap them, per spec §4.1.
// Grounded on crypto/keys/x25519.go's GenerateX25519KeyPair/
// DeriveSharedSecret and crypto/storage/memory.go's persistence shape.
package keychain

import (
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/walletconnect/relay-core/rcerr"
	"github.com/walletconnect/relay-core/store"
)

// SymKeySize is the fixed size of every topic's symmetric key.
const SymKeySize = 32

// symKeyRecord is the persisted form of a keychain entry: the hex-encoded
// symmetric key under its topic.
type symKeyRecord struct {
	KeyHex string `json:"key_hex"`
}

// privKeyRecord is the persisted form of an X25519 private key, indexed
// under its own public-key hex.
type privKeyRecord struct {
	PrivateHex string `json:"private_hex"`
}

// Keychain is the sole persistent owner of symmetric keys; callers
// receive by-value copies and must not cache them (spec §3).
type Keychain struct {
	symKeys  *store.Store[symKeyRecord]
	privKeys *store.Store[privKeyRecord]
}

// New creates a Keychain over backend, namespaced under contextPrefix.
func New(backend store.Backend, contextPrefix string) *Keychain {
	return &Keychain{
		symKeys:  store.New[symKeyRecord](backend, contextPrefix, "keychain_sym"),
		privKeys: store.New[privKeyRecord](backend, contextPrefix, "keychain_priv"),
	}
}

// Init rehydrates the keychain from its backend.
func (k *Keychain) Init(ctx context.Context) error {
	if err := k.symKeys.Init(ctx); err != nil {
		return err
	}
	return k.privKeys.Init(ctx)
}

// Topic derives a topic (64-char lowercase hex) from a 32-byte key, used
// both for symmetric topics and key-agreement-initiating topics.
func Topic(key []byte) string {
	sum := sha256.Sum256(key)
	return hex.EncodeToString(sum[:])
}

// SetSymKey persists key, deriving its topic as sha256(key). Idempotent.
func (k *Keychain) SetSymKey(ctx context.Context, key []byte) (string, error) {
	return k.SetSymKeyWithTopic(ctx, key, Topic(key))
}

// SetSymKeyWithTopic persists key under an out-of-band topic (e.g. one
// parsed from a pairing URI), rather than deriving it from the key.
func (k *Keychain) SetSymKeyWithTopic(ctx context.Context, key []byte, topic string) (string, error) {
	if len(key) != SymKeySize {
		return "", fmt.Errorf("set sym key: want %d bytes, got %d", SymKeySize, len(key))
	}
	if err := k.symKeys.Set(ctx, topic, symKeyRecord{KeyHex: hex.EncodeToString(key)}); err != nil {
		return "", fmt.Errorf("set sym key: %w", err)
	}
	return topic, nil
}

// HasKeys reports whether topic has a symmetric key.
func (k *Keychain) HasKeys(topic string) bool {
	return k.symKeys.Has(topic)
}

// GetSymKey returns the symmetric key for topic, or ErrNoMatchingKey.
func (k *Keychain) GetSymKey(ctx context.Context, topic string) ([]byte, error) {
	rec, err := k.symKeys.Get(ctx, topic)
	if err != nil {
		return nil, fmt.Errorf("get sym key %s: %w", topic, rcerr.ErrNoMatchingKey)
	}
	key, err := hex.DecodeString(rec.KeyHex)
	if err != nil {
		return nil, fmt.Errorf("get sym key %s: decode: %w", topic, err)
	}
	return key, nil
}

// DeleteSymKey removes topic's key. Idempotent.
func (k *Keychain) DeleteSymKey(ctx context.Context, topic string) error {
	if !k.symKeys.Has(topic) {
		return nil
	}
	if err := k.symKeys.Delete(ctx, topic, "deleted"); err != nil {
		return fmt.Errorf("delete sym key %s: %w", topic, err)
	}
	return nil
}

// GenerateKeyPair creates a new X25519 key pair, persists the private key
// under its own public-key hex, and returns the public key hex.
func (k *Keychain) GenerateKeyPair(ctx context.Context) (string, error) {
	priv, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return "", fmt.Errorf("generate key pair: %w", err)
	}
	pubHex := hex.EncodeToString(priv.PublicKey().Bytes())
	privHex := hex.EncodeToString(priv.Bytes())

	if err := k.privKeys.Set(ctx, pubHex, privKeyRecord{PrivateHex: privHex}); err != nil {
		return "", fmt.Errorf("generate key pair: persist: %w", err)
	}
	return pubHex, nil
}

// GenerateSharedKey performs ECDH(selfPriv, peerPub) and derives a 32-byte
// symmetric key via HKDF-SHA256(salt=empty, ikm=secret, info=empty),
// storing it under overrideTopic if given, or sha256(symKey) otherwise.
func (k *Keychain) GenerateSharedKey(ctx context.Context, selfPubHex, peerPubHex, overrideTopic string) (string, error) {
	rec, err := k.privKeys.Get(ctx, selfPubHex)
	if err != nil {
		return "", fmt.Errorf("generate shared key: %w", rcerr.ErrNoMatchingKey)
	}
	privBytes, err := hex.DecodeString(rec.PrivateHex)
	if err != nil {
		return "", fmt.Errorf("generate shared key: decode private: %w", err)
	}
	peerPubBytes, err := hex.DecodeString(peerPubHex)
	if err != nil {
		return "", fmt.Errorf("generate shared key: decode peer public: %w", err)
	}

	priv, err := ecdh.X25519().NewPrivateKey(privBytes)
	if err != nil {
		return "", fmt.Errorf("generate shared key: bad private key: %w", err)
	}
	peerPub, err := ecdh.X25519().NewPublicKey(peerPubBytes)
	if err != nil {
		return "", fmt.Errorf("generate shared key: bad peer public key: %w", err)
	}

	secret, err := priv.ECDH(peerPub)
	if err != nil {
		return "", fmt.Errorf("generate shared key: ecdh: %w", err)
	}

	h := hkdf.New(sha256.New, secret, nil, nil)
	symKey := make([]byte, SymKeySize)
	if _, err := io.ReadFull(h, symKey); err != nil {
		return "", fmt.Errorf("generate shared key: hkdf: %w", err)
	}

	topic := overrideTopic
	if topic == "" {
		topic = Topic(symKey)
	}
	return k.SetSymKeyWithTopic(ctx, symKey, topic)
}
