// Package crypto seals exchange credentials at rest with AES-256-GCM.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

const (
	// KeySize is the required size for AES-256 keys (32 bytes)
	KeySize = 32
	// NonceSize is the size of GCM nonce (12 bytes)
	NonceSize = 12

	envelopePrefix = "ENC[v"
	envelopeSep    = "]:"
)

var (
	ErrInvalidKey        = errors.New("invalid encryption key: must be 32 bytes")
	ErrInvalidCiphertext = errors.New("invalid ciphertext format")
	ErrDecryptionFailed  = errors.New("decryption failed")
)

// IsEncrypted reports whether s looks like an ENC[vN]: envelope.
func IsEncrypted(s string) bool {
	_, _, err := parseEnvelope(s)
	return err == nil
}

// parseEnvelope splits ENC[vN]:base64 into the key version and raw bytes.
func parseEnvelope(s string) (int, []byte, error) {
	if !strings.HasPrefix(s, envelopePrefix) {
		return 0, nil, ErrInvalidCiphertext
	}
	rest := s[len(envelopePrefix):]
	idx := strings.Index(rest, envelopeSep)
	if idx <= 0 {
		return 0, nil, ErrInvalidCiphertext
	}
	version, err := strconv.Atoi(rest[:idx])
	if err != nil || version <= 0 {
		return 0, nil, ErrInvalidCiphertext
	}
	data, err := base64.StdEncoding.DecodeString(rest[idx+len(envelopeSep):])
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %v", ErrInvalidCiphertext, err)
	}
	if len(data) < NonceSize {
		return 0, nil, ErrInvalidCiphertext
	}
	return version, data, nil
}

func formatEnvelope(version int, data []byte) string {
	return envelopePrefix + strconv.Itoa(version) + envelopeSep + base64.StdEncoding.EncodeToString(data)
}

// sealer holds one AES-GCM key version.
type sealer struct {
	version int
	aead    cipher.AEAD
}

func newSealer(key []byte, version int) (*sealer, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKey
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return &sealer{version: version, aead: aead}, nil
}

func (s *sealer) seal(plaintext string) (string, error) {
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	return formatEnvelope(s.version, s.aead.Seal(nonce, nonce, []byte(plaintext), nil)), nil
}

func (s *sealer) open(data []byte) (string, error) {
	plaintext, err := s.aead.Open(nil, data[:NonceSize], data[NonceSize:], nil)
	if err != nil {
		return "", ErrDecryptionFailed
	}
	return string(plaintext), nil
}
