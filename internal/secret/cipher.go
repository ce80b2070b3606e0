// Package secret implements the credential cipher used to store provider
// credential bags at rest: AES-256-GCM with an HKDF-derived key.
package secret

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"golang.org/x/crypto/hkdf"
)

// encPrefix marks values written by this cipher. Stored values without it are
// legacy plaintext rows.
const encPrefix = "gcm1:"

// ErrDecrypt is returned in strict mode when a stored value cannot be decrypted.
var ErrDecrypt = errors.New("credential decrypt failed")

// Cipher encrypts and decrypts credential strings with a process-wide key.
//
// Strict mode treats any undecryptable stored value as an error. Passthrough
// mode (the default) returns such values unchanged, covering legacy rows
// written before encryption was introduced; new writes always encrypt.
type Cipher struct {
	aead   cipher.AEAD
	strict bool
}

// New derives an AES-256 key from secretKey via HKDF-SHA256 and returns a
// ready Cipher. secretKey must be at least 32 bytes.
func New(secretKey string, strict bool) (*Cipher, error) {
	if len(secretKey) < 32 {
		return nil, fmt.Errorf("secret key too short: %d bytes, need 32", len(secretKey))
	}

	key := make([]byte, 32)
	kdf := hkdf.New(sha256.New, []byte(secretKey), nil, []byte("provider-credentials"))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return &Cipher{aead: aead, strict: strict}, nil
}

// Encrypt seals plaintext and returns "gcm1:" + base64(nonce || ciphertext).
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return encPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt. Values without the cipher prefix, and values that
// fail to decrypt, are returned as-is in passthrough mode and rejected in
// strict mode.
func (c *Cipher) Decrypt(stored string) (string, error) {
	raw, ok := strings.CutPrefix(stored, encPrefix)
	if !ok {
		if c.strict {
			return "", fmt.Errorf("%w: value is not encrypted", ErrDecrypt)
		}
		return stored, nil
	}

	sealed, err := base64.StdEncoding.DecodeString(raw)
	if err != nil || len(sealed) < c.aead.NonceSize() {
		return c.fallback(stored, err)
	}
	nonce, ciphertext := sealed[:c.aead.NonceSize()], sealed[c.aead.NonceSize():]
	plaintext, err := c.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return c.fallback(stored, err)
	}
	return string(plaintext), nil
}

func (c *Cipher) fallback(stored string, err error) (string, error) {
	if c.strict {
		return "", fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	slog.Warn("credential decrypt failed, passing stored value through", "error", err)
	return stored, nil
}
