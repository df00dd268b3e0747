package identity

import (
	"PerpSettle/internal/errs"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// ErrEmptyToken is returned when hashing an empty API token.
var ErrEmptyToken = errors.New("token cannot be empty")

// maxTokenLength is bcrypt's input limit.
const maxTokenLength = 72

// HashToken produces the bcrypt hash stored in configuration for an API token.
func HashToken(token string, cost int) (string, error) {
	if token == "" {
		return "", ErrEmptyToken
	}
	if len(token) > maxTokenLength {
		return "", fmt.Errorf("token exceeds %d bytes", maxTokenLength)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(token), cost)
	if err != nil {
		return "", fmt.Errorf("hash token: %w", err)
	}
	return string(hash), nil
}

// Authenticator verifies that a request claiming to come from a caller carries that caller's token.
type Authenticator struct {
	mu     sync.RWMutex
	hashes map[uuid.UUID][]byte
}

func NewAuthenticator() *Authenticator {
	return &Authenticator{hashes: make(map[uuid.UUID][]byte)}
}

// AddCredential registers a bcrypt hash for caller.
func (a *Authenticator) AddCredential(caller uuid.UUID, tokenHash string) error {
	if _, err := bcrypt.Cost([]byte(tokenHash)); err != nil {
		return fmt.Errorf("credential for %s: %w", caller, err)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.hashes[caller] = []byte(tokenHash)
	return nil
}

// Verify fails with errs.ErrUnauthorized unless token matches caller's registered hash.
func (a *Authenticator) Verify(caller uuid.UUID, token string) error {
	a.mu.RLock()
	hash, ok := a.hashes[caller]
	a.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: unknown caller %s", errs.ErrUnauthorized, caller)
	}
	if err := bcrypt.CompareHashAndPassword(hash, []byte(token)); err != nil {
		return fmt.Errorf("%w: bad token for %s", errs.ErrUnauthorized, caller)
	}
	return nil
}
