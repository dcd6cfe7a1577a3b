package registry

import (
	"context"
	"errors"
	"sync"

	"dwebid/go-backend/internal/idkey"
	"dwebid/go-backend/pkg/models"

	"github.com/mr-tron/base58/base58"
	"golang.org/x/crypto/blake2b"
)

var (
	ErrNotFound      = errors.New("registry record not found")
	ErrStaleSequence = errors.New("registry sequence is not greater than stored")
	ErrBadSignature  = errors.New("registry record signature does not verify")
)

// MutableStore is the signed mutable-record primitive the registry is
// built on. Put returns the storage key the record landed at. The store
// is the sole arbiter for concurrent writers: a record whose sequence
// is not strictly greater than the stored one is rejected with
// ErrStaleSequence.
type MutableStore interface {
	Put(ctx context.Context, rec models.RegistryRecord) (string, error)
	Get(ctx context.Context, username string) (models.RegistryRecord, error)
}

// MemoryStore is an in-process MutableStore. It enforces the same
// signature and sequence checks a DHT-backed store would.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]models.RegistryRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]models.RegistryRecord)}
}

func (s *MemoryStore) Put(ctx context.Context, rec models.RegistryRecord) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	ok, err := idkey.VerifyRegistryRecord(rec.PublicKey, rec.Username, rec.Sequence, rec.DiscoveryKey, rec.Signature)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", ErrBadSignature
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, found := s.records[rec.Username]; found && rec.Sequence <= existing.Sequence {
		return "", ErrStaleSequence
	}
	s.records[rec.Username] = rec.Clone()
	return storageKey(rec.Username), nil
}

func (s *MemoryStore) Get(ctx context.Context, username string) (models.RegistryRecord, error) {
	if err := ctx.Err(); err != nil {
		return models.RegistryRecord{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, found := s.records[username]
	if !found {
		return models.RegistryRecord{}, ErrNotFound
	}
	return rec.Clone(), nil
}

func storageKey(username string) string {
	h := blake2b.Sum256([]byte(username))
	return "mr1" + base58.Encode(h[:])
}
