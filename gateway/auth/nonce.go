package auth

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
)

// NonceStore tracks the highest accepted nonce per identity. Reserve must be
// atomic per identity: of two racing requests carrying the same nonce exactly
// one may win.
type NonceStore interface {
	// Reserve accepts the nonce and records it as the identity's new
	// high-water mark, or fails with ErrNonceReplayed when the nonce is not
	// strictly greater than the last accepted one. An identity with no
	// recorded nonce accepts any value.
	Reserve(ctx context.Context, identity string, nonce uint64) error
	// Last returns the identity's current high-water mark, and whether one
	// has been recorded yet.
	Last(ctx context.Context, identity string) (uint64, bool, error)
}

const nonceStripes = 64

// stripeFor spreads identities over a fixed mutex set so concurrent requests
// for distinct identities never serialise on one lock.
func stripeFor(identity string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(identity))
	return h.Sum32() % nonceStripes
}

// MemoryNonceStore keeps nonce high-water marks in process memory. Suitable
// for tests and single-process sandboxes; production uses the LevelDB store.
type MemoryNonceStore struct {
	stripes [nonceStripes]sync.Mutex
	seen    sync.Map
}

func NewMemoryNonceStore() *MemoryNonceStore {
	return &MemoryNonceStore{}
}

func (s *MemoryNonceStore) Reserve(_ context.Context, identity string, nonce uint64) error {
	stripe := &s.stripes[stripeFor(identity)]
	stripe.Lock()
	defer stripe.Unlock()
	if last, ok := s.seen.Load(identity); ok {
		if nonce <= last.(uint64) {
			return fmt.Errorf("nonce %d for %s not above %d: %w", nonce, identity, last.(uint64), ErrNonceReplayed)
		}
	}
	s.seen.Store(identity, nonce)
	return nil
}

func (s *MemoryNonceStore) Last(_ context.Context, identity string) (uint64, bool, error) {
	last, ok := s.seen.Load(identity)
	if !ok {
		return 0, false, nil
	}
	return last.(uint64), true, nil
}
