package auth

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
)

const nonceKeyPrefix = "nonce:"

// LevelDBNonceStore is the durable NonceStore. One key per identity holds the
// big-endian high-water mark; per-identity atomicity comes from striped locks
// around the read-compare-write cycle.
type LevelDBNonceStore struct {
	db      *leveldb.DB
	stripes [nonceStripes]sync.Mutex
}

// NewLevelDBNonceStore opens (or creates) a LevelDB database at the provided path.
func NewLevelDBNonceStore(path string) (*LevelDBNonceStore, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, fmt.Errorf("leveldb nonce store path required")
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return nil, fmt.Errorf("resolve leveldb nonce path: %w", err)
	}
	db, err := leveldb.OpenFile(abs, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb nonce store: %w", err)
	}
	return &LevelDBNonceStore{db: db}, nil
}

// Close releases the underlying LevelDB resources.
func (s *LevelDBNonceStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Reserve implements NonceStore.
func (s *LevelDBNonceStore) Reserve(ctx context.Context, identity string, nonce uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	stripe := &s.stripes[stripeFor(identity)]
	stripe.Lock()
	defer stripe.Unlock()

	key := []byte(nonceKeyPrefix + identity)
	existing, err := s.db.Get(key, nil)
	switch {
	case errors.Is(err, leveldb.ErrNotFound):
		// First request from this identity: any nonce bootstraps the counter.
	case err != nil:
		return fmt.Errorf("load nonce for %s: %w", identity, err)
	default:
		last := binary.BigEndian.Uint64(existing)
		if nonce <= last {
			return fmt.Errorf("nonce %d for %s not above %d: %w", nonce, identity, last, ErrNonceReplayed)
		}
	}
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, nonce)
	if err := s.db.Put(key, buf, nil); err != nil {
		return fmt.Errorf("record nonce for %s: %w", identity, err)
	}
	return nil
}

// Last implements NonceStore.
func (s *LevelDBNonceStore) Last(ctx context.Context, identity string) (uint64, bool, error) {
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}
	val, err := s.db.Get([]byte(nonceKeyPrefix+identity), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("load nonce for %s: %w", identity, err)
	}
	return binary.BigEndian.Uint64(val), true, nil
}
