// Package seal encrypts sensitive participant fields at rest. Ciphertexts
// carry an integer version tag so records written under an older algorithm
// remain readable after rotation: encoding always uses the highest version,
// decoding dispatches on the stored tag.
package seal

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
)

// KeySize is the required key length in bytes.
const KeySize = 32

var (
	// ErrUnknownVersion is returned when a stored version tag has no strategy.
	ErrUnknownVersion = errors.New("unknown encryption version")
	// ErrInvalidKey is returned for keys of the wrong length.
	ErrInvalidKey = errors.New("encryption key must be 32 bytes")
)

type strategy struct {
	version int
	seal    func(key, plaintext []byte) ([]byte, error)
	open    func(key, ciphertext []byte) ([]byte, error)
}

// Codec applies the ordered strategy table to one key.
type Codec struct {
	key        []byte
	strategies []strategy
}

// New builds a Codec. Strategies are ordered by version ascending; the last
// entry is the current encoder.
func New(key []byte) (*Codec, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKey
	}
	return &Codec{
		key: append([]byte(nil), key...),
		strategies: []strategy{
			{version: 1, seal: sealAESGCM, open: openAESGCM},
			{version: 2, seal: sealChaCha, open: openChaCha},
		},
	}, nil
}

// Encode encrypts plaintext with the highest strategy version and returns the
// version tag alongside the ciphertext.
func (c *Codec) Encode(plaintext []byte) (int, []byte, error) {
	current := c.strategies[len(c.strategies)-1]
	out, err := current.seal(c.key, plaintext)
	if err != nil {
		return 0, nil, err
	}
	return current.version, out, nil
}

// Decode decrypts ciphertext written under any known version.
func (c *Codec) Decode(version int, ciphertext []byte) ([]byte, error) {
	for _, s := range c.strategies {
		if s.version == version {
			return s.open(c.key, ciphertext)
		}
	}
	return nil, fmt.Errorf("%w: %d", ErrUnknownVersion, version)
}

func sealAESGCM(key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return sealAEAD(aead, plaintext)
}

func openAESGCM(key, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return openAEAD(aead, ciphertext)
}

func sealChaCha(key, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	return sealAEAD(aead, plaintext)
}

func openChaCha(key, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	return openAEAD(aead, ciphertext)
}

func sealAEAD(aead cipher.AEAD, plaintext []byte) ([]byte, error) {
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

func openAEAD(aead cipher.AEAD, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < aead.NonceSize() {
		return nil, errors.New("ciphertext shorter than nonce")
	}
	nonce, sealed := ciphertext[:aead.NonceSize()], ciphertext[aead.NonceSize():]
	return aead.Open(nil, nonce, sealed, nil)
}
