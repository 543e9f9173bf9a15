// Package crypto seals linked-account tokens at rest with AES-256-GCM. Each
// sealed value records the id of the key that produced it so keys can rotate
// without rewriting old rows at once.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
)

// ErrUnknownKey is returned when a value was sealed with a key the ring lacks.
var ErrUnknownKey = errors.New("crypto: unknown key id")

// Cipher is a single AES-256-GCM key.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher builds a cipher from a base64-encoded 32-byte key
// (openssl rand -base64 32).
func NewCipher(base64Key string) (*Cipher, error) {
	if base64Key == "" {
		return nil, fmt.Errorf("encryption key is empty")
	}
	key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(base64Key))
	if err != nil {
		return nil, fmt.Errorf("invalid encryption key: base64 decode failed: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("invalid encryption key: must be 32 bytes (256 bits), got %d bytes", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

// Seal encrypts plaintext and returns base64(nonce || ciphertext || tag).
// Empty input stays empty.
func (c *Cipher) Seal(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	out := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(out), nil
}

// Open reverses Seal. Tampered or foreign ciphertext fails authentication.
func (c *Cipher) Open(sealed string) (string, error) {
	if sealed == "" {
		return "", nil
	}
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", fmt.Errorf("base64 decode failed: %w", err)
	}
	n := c.aead.NonceSize()
	if len(raw) < n+c.aead.Overhead() {
		return "", fmt.Errorf("ciphertext too short: got %d bytes", len(raw))
	}
	plain, err := c.aead.Open(nil, raw[:n], raw[n:], nil)
	if err != nil {
		return "", fmt.Errorf("decryption failed: authentication or integrity check failed")
	}
	return string(plain), nil
}

// Keyring holds the current sealing key plus older keys kept for reading.
type Keyring struct {
	current string
	keys    map[string]*Cipher
}

// NewKeyring builds a ring whose current key is keys[currentID].
func NewKeyring(currentID string, keys map[string]string) (*Keyring, error) {
	kr := &Keyring{current: currentID, keys: make(map[string]*Cipher, len(keys))}
	for id, k := range keys {
		c, err := NewCipher(k)
		if err != nil {
			return nil, fmt.Errorf("key %q: %w", id, err)
		}
		kr.keys[id] = c
	}
	if _, ok := kr.keys[currentID]; !ok {
		return nil, fmt.Errorf("%w: current key %q", ErrUnknownKey, currentID)
	}
	return kr, nil
}

// ParseKeyring reads the current key plus a comma separated list of
// "id:base64key" retired keys.
func ParseKeyring(currentID, currentKey, retired string) (*Keyring, error) {
	keys := map[string]string{currentID: currentKey}
	for _, part := range strings.Split(retired, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, key, ok := strings.Cut(part, ":")
		if !ok || id == "" {
			return nil, fmt.Errorf("malformed retired key entry %q", part)
		}
		if id == currentID {
			continue
		}
		keys[id] = key
	}
	return NewKeyring(currentID, keys)
}

// CurrentID returns the id used by Seal.
func (k *Keyring) CurrentID() string { return k.current }

// IDs lists the known key ids.
func (k *Keyring) IDs() []string {
	out := make([]string, 0, len(k.keys))
	for id := range k.keys {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Seal encrypts with the current key and returns the ciphertext and key id.
func (k *Keyring) Seal(plaintext string) (sealed, keyID string, err error) {
	sealed, err = k.keys[k.current].Seal(plaintext)
	return sealed, k.current, err
}

// Open decrypts a value sealed under keyID.
func (k *Keyring) Open(sealed, keyID string) (string, error) {
	c, ok := k.keys[keyID]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownKey, keyID)
	}
	return c.Open(sealed)
}
