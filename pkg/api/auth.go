package api

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"

	"golang.org/x/crypto/bcrypt"

	"github.com/ethpandaops/journeyoor/pkg/config"
)

// keyVerifier matches presented tokens against bcrypt hashes. Verified
// tokens are remembered by digest so bcrypt runs once per token.
type keyVerifier struct {
	keys []config.APIKeyConfig

	mu       sync.RWMutex
	verified map[string]string
}

func newKeyVerifier(keys []config.APIKeyConfig) *keyVerifier {
	return &keyVerifier{
		keys:     keys,
		verified: make(map[string]string, len(keys)),
	}
}

// open reports whether ingestion is unauthenticated.
func (k *keyVerifier) open() bool {
	return len(k.keys) == 0
}

// verify returns the name of the key matching token.
func (k *keyVerifier) verify(token string) (string, bool) {
	digest := tokenDigest(token)

	k.mu.RLock()
	name, ok := k.verified[digest]
	k.mu.RUnlock()

	if ok {
		return name, true
	}

	for _, key := range k.keys {
		if bcrypt.CompareHashAndPassword([]byte(key.Hash), []byte(token)) != nil {
			continue
		}

		k.mu.Lock()
		k.verified[digest] = key.Name
		k.mu.Unlock()

		return key.Name, true
	}

	return "", false
}

func tokenDigest(token string) string {
	sum := sha256.Sum256([]byte(token))

	return hex.EncodeToString(sum[:])
}
