package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

const (
	saltSize   = 16
	keySize    = 32 // AES-256
	iterations = 100000
)

var (
	ErrEmptyPassphrase  = errors.New("secret passphrase is required")
	ErrCiphertextShort  = errors.New("ciphertext too short")
	ErrDecryptionFailed = errors.New("decryption failed: invalid passphrase or corrupted data")
)

// Sealer encrypts credential secrets at rest.
// Layout: salt(16) | nonce | AES-256-GCM ciphertext, key = PBKDF2-SHA256(passphrase, salt).
type Sealer struct {
	passphrase []byte
}

// NewSealer creates a Sealer for the given passphrase
func NewSealer(passphrase string) (*Sealer, error) {
	if passphrase == "" {
		return nil, ErrEmptyPassphrase
	}
	return &Sealer{passphrase: []byte(passphrase)}, nil
}

func (s *Sealer) deriveKey(salt []byte) []byte {
	return pbkdf2.Key(s.passphrase, salt, iterations, keySize, sha256.New)
}

func (s *Sealer) gcm(salt []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(s.deriveKey(salt))
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Seal encrypts a plaintext secret
func (s *Sealer) Seal(plaintext string) ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, err
	}

	gcm, err := s.gcm(salt)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)

	out := make([]byte, saltSize+len(sealed))
	copy(out, salt)
	copy(out[saltSize:], sealed)
	return out, nil
}

// Open decrypts data produced by Seal
func (s *Sealer) Open(data []byte) (string, error) {
	if len(data) < saltSize {
		return "", ErrCiphertextShort
	}
	salt, rest := data[:saltSize], data[saltSize:]

	gcm, err := s.gcm(salt)
	if err != nil {
		return "", err
	}
	if len(rest) < gcm.NonceSize() {
		return "", ErrCiphertextShort
	}

	nonce, ciphertext := rest[:gcm.NonceSize()], rest[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", ErrDecryptionFailed
	}
	return string(plaintext), nil
}
