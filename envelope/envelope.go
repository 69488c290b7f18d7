// Package envelope implements the symmetric crypto envelope shared between
// the listener and its implants: AEAD encryption with an ASCII-safe,
// base64-framed wire form, plus the XOR key-masking used to hand an
// implant's key to it without ever transmitting the key in the clear.
package envelope

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// KeySize is the length in bytes of a per-implant symmetric key.
const KeySize = chacha20poly1305.KeySize

// GenerateKey returns a fresh random per-implant key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("envelope: generate key: %w", err)
	}
	return key, nil
}

// Encrypt seals plaintext under key and returns a base64-encoded envelope
// (nonce || ciphertext). The result is ASCII-safe and fits directly into a
// JSON string field.
func Encrypt(plaintext []byte, key []byte) (string, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return "", fmt.Errorf("envelope: new aead: %w", err)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("envelope: nonce: %w", err)
	}

	sealed := aead.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// EncryptString is Encrypt for a UTF-8 plaintext.
func EncryptString(plaintext string, key []byte) (string, error) {
	return Encrypt([]byte(plaintext), key)
}

// DecryptToBytes reverses Encrypt, returning the raw plaintext bytes.
// Any malformed envelope or AEAD authentication failure is reported as a
// single opaque error — callers must treat it as "bad key" per the
// listener's error-handling policy, never distinguishing the cause.
func DecryptToBytes(envelopeB64 string, key []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("envelope: new aead: %w", err)
	}

	raw, err := base64.StdEncoding.DecodeString(envelopeB64)
	if err != nil {
		return nil, fmt.Errorf("envelope: bad base64: %w", err)
	}

	if len(raw) < aead.NonceSize() {
		return nil, fmt.Errorf("envelope: truncated envelope")
	}
	nonce, ciphertext := raw[:aead.NonceSize()], raw[aead.NonceSize():]

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("envelope: open: %w", err)
	}
	return plaintext, nil
}

// Decrypt reverses Encrypt, returning the plaintext as a UTF-8 string.
func Decrypt(envelopeB64 string, key []byte) (string, error) {
	b, err := DecryptToBytes(envelopeB64, key)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// XORMask XORs key against mask byte-wise. The two slices must be the same
// length; the listener's key and process-startup XOR secret are always
// sized KeySize, so a mismatch indicates a configuration error.
func XORMask(key, mask []byte) ([]byte, error) {
	if len(key) != len(mask) {
		return nil, fmt.Errorf("envelope: xor_mask: length mismatch (%d vs %d)", len(key), len(mask))
	}
	out := make([]byte, len(key))
	for i := range key {
		out[i] = key[i] ^ mask[i]
	}
	return out, nil
}

// MaskedKeyB64 produces the wire form of an implant key: base64 of the key
// XORed with the listener's process-startup secret. The listener must never
// transmit the raw key — this is the only form that crosses the wire.
func MaskedKeyB64(implantKey, listenerXORKey []byte) (string, error) {
	masked, err := XORMask(implantKey, listenerXORKey)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(masked), nil
}
