package vaultsync

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/pbkdf2"
)

const (
	payloadKeySize   = 32
	payloadSaltSize  = 32
	pbkdf2Iterations = 100000
)

// PayloadCipher encrypts changeset payloads before they leave the machine.
// The AEAD is chosen per the security context's encryption level: standard is
// AES-256-GCM, enhanced is XChaCha20-Poly1305. The nonce is prepended to the
// ciphertext.
type PayloadCipher struct {
	standard cipher.AEAD
	enhanced cipher.AEAD
	salt     []byte
}

// NewPayloadCipher derives both AEADs from a raw 32-byte key.
func NewPayloadCipher(key []byte) (*PayloadCipher, error) {
	if len(key) != payloadKeySize {
		return nil, &ConfigurationError{Field: "sync key", Reason: "must be 32 bytes"}
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	xchacha, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	return &PayloadCipher{standard: gcm, enhanced: xchacha}, nil
}

// NewPayloadCipherFromPassword derives the key via PBKDF2 with a random salt.
func NewPayloadCipherFromPassword(password string) (*PayloadCipher, error) {
	if password == "" {
		return nil, &ConfigurationError{Field: "sync key password", Reason: "must not be empty"}
	}
	salt := make([]byte, payloadSaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	key := pbkdf2.Key([]byte(password), salt, pbkdf2Iterations, payloadKeySize, sha256.New)
	c, err := NewPayloadCipher(key)
	if err != nil {
		return nil, err
	}
	c.salt = salt
	return c, nil
}

// Salt returns the key-derivation salt, if the cipher was password-derived.
func (c *PayloadCipher) Salt() []byte {
	return c.salt
}

func (c *PayloadCipher) aead(level EncryptionLevel) (cipher.AEAD, error) {
	switch level {
	case EncryptionStandard:
		return c.standard, nil
	case EncryptionEnhanced:
		return c.enhanced, nil
	default:
		return nil, errors.New("unknown encryption level: " + string(level))
	}
}

func (c *PayloadCipher) Encrypt(level EncryptionLevel, plaintext []byte) ([]byte, error) {
	aead, err := c.aead(level)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

func (c *PayloadCipher) Decrypt(level EncryptionLevel, ciphertext []byte) ([]byte, error) {
	aead, err := c.aead(level)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < aead.NonceSize() {
		return nil, errors.New("ciphertext too short")
	}
	nonce := ciphertext[:aead.NonceSize()]
	return aead.Open(nil, nonce, ciphertext[aead.NonceSize():], nil)
}
