// Package cryptoenvelope implements the WalletConnect relay envelope
// format of spec §4.2: ChaCha20-Poly1305 AEAD framing with a type byte
// and (for type 1) a sender public key, base64-encoded for transport.
// Grounded on session/session.go's chacha20poly1305.New/HKDF construction.
package cryptoenvelope

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/walletconnect/relay-core/rcerr"
)

// Type identifies the envelope's framing, per spec §3.
type Type byte

const (
	// TypeSym is a symmetric envelope: [0x00|iv(12)|ciphertext|tag].
	TypeSym Type = 0x00
	// TypeKeyAgreement is a key-agreement proposal envelope:
	// [0x01|senderPublicKey(32)|iv(12)|ciphertext|tag].
	TypeKeyAgreement Type = 0x01
)

const (
	ivSize        = 12
	pubKeySize    = 32
	typeByteSize  = 1
	minSymLen     = typeByteSize + ivSize + chacha20poly1305.Overhead
	minKeyAgreeLen = typeByteSize + pubKeySize + ivSize + chacha20poly1305.Overhead
)

// Encode serializes payload to UTF-8, takes topic's symmetric key,
// generates a random 12-byte IV, seals it with ChaCha20-Poly1305 (no
// associated data), and returns the base64-encoded envelope.
//
// senderPub is required and must be exactly 32 bytes when typ is
// TypeKeyAgreement; it is ignored for TypeSym.
func Encode(key []byte, payload string, typ Type, senderPub []byte) (string, error) {
	if len(key) != chacha20poly1305.KeySize {
		return "", fmt.Errorf("encode: %w", rcerr.ErrNoMatchingKey)
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return "", fmt.Errorf("encode: new aead: %w", err)
	}

	iv := make([]byte, ivSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", fmt.Errorf("encode: random iv: %w", err)
	}

	ct := aead.Seal(nil, iv, []byte(payload), nil)

	var buf []byte
	switch typ {
	case TypeSym:
		buf = make([]byte, 0, typeByteSize+ivSize+len(ct))
		buf = append(buf, byte(TypeSym))
		buf = append(buf, iv...)
		buf = append(buf, ct...)
	case TypeKeyAgreement:
		if len(senderPub) != pubKeySize {
			return "", fmt.Errorf("encode: %w: sender public key must be %d bytes", rcerr.ErrInvalidEnvelope, pubKeySize)
		}
		buf = make([]byte, 0, typeByteSize+pubKeySize+ivSize+len(ct))
		buf = append(buf, byte(TypeKeyAgreement))
		buf = append(buf, senderPub...)
		buf = append(buf, iv...)
		buf = append(buf, ct...)
	default:
		return "", fmt.Errorf("encode: %w: unknown type %d", rcerr.ErrInvalidEnvelope, typ)
	}

	return base64.StdEncoding.EncodeToString(buf), nil
}

// Decoded is the result of a successful Decode.
type Decoded struct {
	Type      Type
	SenderPub []byte // only set for TypeKeyAgreement
	Payload   string
}

// Decode parses a base64 envelope, validates its type byte against the
// given key, and opens the AEAD seal. It fails with ErrInvalidEnvelope on
// a bad type byte or short frame, and ErrAuthenticationFailed if the AEAD
// tag does not verify.
func Decode(key []byte, message string) (*Decoded, error) {
	raw, err := base64.StdEncoding.DecodeString(message)
	if err != nil {
		return nil, fmt.Errorf("decode: %w: bad base64: %v", rcerr.ErrInvalidEnvelope, err)
	}
	if len(raw) < typeByteSize {
		return nil, fmt.Errorf("decode: %w: empty envelope", rcerr.ErrInvalidEnvelope)
	}

	typ := Type(raw[0])
	var senderPub, iv, ct []byte

	switch typ {
	case TypeSym:
		if len(raw) < minSymLen {
			return nil, fmt.Errorf("decode: %w: short sym envelope", rcerr.ErrInvalidEnvelope)
		}
		iv = raw[typeByteSize : typeByteSize+ivSize]
		ct = raw[typeByteSize+ivSize:]
	case TypeKeyAgreement:
		if len(raw) < minKeyAgreeLen {
			return nil, fmt.Errorf("decode: %w: short key-agreement envelope", rcerr.ErrInvalidEnvelope)
		}
		senderPub = raw[typeByteSize : typeByteSize+pubKeySize]
		iv = raw[typeByteSize+pubKeySize : typeByteSize+pubKeySize+ivSize]
		ct = raw[typeByteSize+pubKeySize+ivSize:]
	default:
		return nil, fmt.Errorf("decode: %w: unknown type byte 0x%02x", rcerr.ErrInvalidEnvelope, raw[0])
	}

	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("decode: %w", rcerr.ErrNoMatchingKey)
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("decode: new aead: %w", err)
	}

	pt, err := aead.Open(nil, iv, ct, nil)
	if err != nil {
		return nil, fmt.Errorf("decode: %w", rcerr.ErrAuthenticationFailed)
	}

	return &Decoded{Type: typ, SenderPub: senderPub, Payload: string(pt)}, nil
}
