package models

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// confirmationTTL bounds how long a download confirmation token stays
// redeemable.
const confirmationTTL = 10 * time.Minute

// PendingConfirmation is a one-shot approval handed to a client that asked
// for a model which is not on disk. The client echoes Token back to start
// the actual download.
type PendingConfirmation struct {
	Token          string
	ModelID        string
	EstimatedBytes int64
	CreatedAt      time.Time
}

type confirmationStore struct {
	mu      sync.Mutex
	pending map[string]PendingConfirmation
	now     func() time.Time
}

func newConfirmationStore() *confirmationStore {
	return &confirmationStore{
		pending: make(map[string]PendingConfirmation),
		now:     time.Now,
	}
}

// create mints a random token tied to modelID. Stale entries are pruned on
// the way in so the map cannot grow unbounded under clients that never
// confirm.
func (s *confirmationStore) create(modelID string, estimatedBytes int64) (PendingConfirmation, error) {
	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return PendingConfirmation{}, fmt.Errorf("error while generating confirmation token: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked()

	confirmation := PendingConfirmation{
		Token:          hex.EncodeToString(raw),
		ModelID:        modelID,
		EstimatedBytes: estimatedBytes,
		CreatedAt:      s.now(),
	}
	s.pending[confirmation.Token] = confirmation
	return confirmation, nil
}

// consume redeems a token. Tokens are single-use and expire after
// confirmationTTL; unknown, reused, and expired tokens all report false.
func (s *confirmationStore) consume(token string) (PendingConfirmation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked()

	confirmation, ok := s.pending[token]
	if !ok {
		return PendingConfirmation{}, false
	}
	delete(s.pending, token)
	return confirmation, true
}

func (s *confirmationStore) pruneLocked() {
	cutoff := s.now().Add(-confirmationTTL)
	for token, confirmation := range s.pending {
		if confirmation.CreatedAt.Before(cutoff) {
			delete(s.pending, token)
		}
	}
}
