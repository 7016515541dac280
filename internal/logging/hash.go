package logging

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/netip"
	"sync"

	"golang.org/x/crypto/blake2b"
)

// IPHasher pseudonymizes client addresses for logs with a keyed BLAKE2b
// hash, so the same address yields the same token without exposing it.
type IPHasher struct {
	mu  sync.RWMutex
	key []byte
}

// NewIPHasher creates a hasher with a random key.
func NewIPHasher() *IPHasher {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		panic(fmt.Sprintf("logging: read random key: %v", err))
	}
	return &IPHasher{key: key}
}

// GenerateHashKey returns a random hex key suitable for SetKey.
func GenerateHashKey() (string, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return "", fmt.Errorf("generate hash key: %w", err)
	}
	return hex.EncodeToString(key), nil
}

// SetKey replaces the key with a hex-encoded one, typically loaded from
// the journal so tokens stay stable across restarts.
func (h *IPHasher) SetKey(hexKey string) error {
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return fmt.Errorf("decode hash key: %w", err)
	}
	if len(key) == 0 || len(key) > blake2b.Size {
		return fmt.Errorf("hash key must be 1-%d bytes, got %d", blake2b.Size, len(key))
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.key = key
	return nil
}

// Hash returns a 12 hex character token for addr.
func (h *IPHasher) Hash(addr netip.Addr) string {
	h.mu.RLock()
	key := h.key
	h.mu.RUnlock()

	mac, err := blake2b.New(6, key)
	if err != nil {
		return "invalid"
	}
	b := addr.Unmap().As16()
	mac.Write(b[:])
	return hex.EncodeToString(mac.Sum(nil))
}
