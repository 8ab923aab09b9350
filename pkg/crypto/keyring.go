package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
)

// DefaultKeyEnv is the primary key variable; rotated keys use DefaultKeyEnv_V2, _V3, ...
const DefaultKeyEnv = "MASTER_ENCRYPTION_KEY"

const maxKeyVersions = 10

var (
	ErrKeyNotFound    = errors.New("encryption key not found")
	ErrVersionMissing = errors.New("key version not configured")
)

// KeyRing holds every loaded key version. New data is sealed with the newest
// version; old envelopes open with the version they name.
type KeyRing struct {
	mu      sync.RWMutex
	current int
	keys    map[int]*sealer
}

// NewKeyRing builds a ring from raw keys indexed by version.
func NewKeyRing(keys map[int][]byte) (*KeyRing, error) {
	if len(keys) == 0 {
		return nil, ErrKeyNotFound
	}
	kr := &KeyRing{keys: make(map[int]*sealer, len(keys))}
	for v, key := range keys {
		if v <= 0 {
			return nil, fmt.Errorf("key version %d: must be positive", v)
		}
		s, err := newSealer(key, v)
		if err != nil {
			return nil, fmt.Errorf("key version %d: %w", v, err)
		}
		kr.keys[v] = s
		if v > kr.current {
			kr.current = v
		}
	}
	return kr, nil
}

// LoadKeyRingFromEnv reads base64 keys from prefix (v1) and prefix_Vn (n = 2..10).
// The v1 key is required.
func LoadKeyRingFromEnv(prefix string) (*KeyRing, error) {
	if prefix == "" {
		prefix = DefaultKeyEnv
	}
	keys := make(map[int][]byte)
	for v := 1; v <= maxKeyVersions; v++ {
		name := prefix
		if v > 1 {
			name = fmt.Sprintf("%s_V%d", prefix, v)
		}
		raw := os.Getenv(name)
		if raw == "" {
			if v == 1 {
				return nil, fmt.Errorf("load primary key %s: %w", name, ErrKeyNotFound)
			}
			continue
		}
		key, err := base64.StdEncoding.DecodeString(raw)
		if err != nil {
			return nil, fmt.Errorf("decode key %s: %w", name, err)
		}
		keys[v] = key
	}
	return NewKeyRing(keys)
}

// Encrypt seals plaintext with the newest key version.
func (kr *KeyRing) Encrypt(plaintext string) (string, error) {
	kr.mu.RLock()
	s := kr.keys[kr.current]
	kr.mu.RUnlock()
	if s == nil {
		return "", ErrVersionMissing
	}
	return s.seal(plaintext)
}

// Decrypt opens an envelope with the key version it names.
func (kr *KeyRing) Decrypt(ciphertext string) (string, error) {
	version, data, err := parseEnvelope(ciphertext)
	if err != nil {
		return "", err
	}
	kr.mu.RLock()
	s := kr.keys[version]
	kr.mu.RUnlock()
	if s == nil {
		return "", fmt.Errorf("key version %d: %w", version, ErrVersionMissing)
	}
	return s.open(data)
}

// ReEncrypt moves an envelope onto the newest key version.
func (kr *KeyRing) ReEncrypt(ciphertext string) (string, error) {
	plaintext, err := kr.Decrypt(ciphertext)
	if err != nil {
		return "", fmt.Errorf("decrypt for re-encryption: %w", err)
	}
	return kr.Encrypt(plaintext)
}

// Versions lists loaded key versions in ascending order.
func (kr *KeyRing) Versions() []int {
	kr.mu.RLock()
	defer kr.mu.RUnlock()
	out := make([]int, 0, len(kr.keys))
	for v := range kr.keys {
		out = append(out, v)
	}
	sort.Ints(out)
	return out
}

// GenerateKey returns a random base64 AES-256 key for MASTER_ENCRYPTION_KEY.
func GenerateKey() (string, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return "", fmt.Errorf("generate random key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}
