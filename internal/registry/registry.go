// Package registry binds human-readable usernames to identity keys in
// a globally shared mutable-record store.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"dwebid/go-backend/internal/idkey"
	"dwebid/go-backend/pkg/models"
)

var (
	ErrUsernameTaken   = errors.New("username is taken")
	ErrUsernameMissing = errors.New("username is required")
	ErrNotMaster       = errors.New("only the master device may write to the registry")
	ErrWriteLimited    = errors.New("registry writes for this username are rate limited")
)

// NameRegistry wraps a MutableStore with the availability check,
// signing, and the monotonic sequence guard. The availability check is
// best-effort: two devices racing to register the same name are
// arbitrated by the store itself.
type NameRegistry struct {
	store  MutableStore
	writes *keyLimiter
	log    *slog.Logger
	now    func() time.Time
}

func New(store MutableStore, log *slog.Logger) *NameRegistry {
	if log == nil {
		log = slog.Default()
	}
	return &NameRegistry{
		store:  store,
		writes: newKeyLimiter(5, 32, 10*time.Minute),
		log:    log,
		now:    time.Now,
	}
}

// IsAvailable reports whether no record exists for username. A simple
// miss is not an error; only a store failure is.
func (r *NameRegistry) IsAvailable(ctx context.Context, username string) (bool, error) {
	if username == "" {
		return false, ErrUsernameMissing
	}
	_, err := r.store.Get(ctx, username)
	if errors.Is(err, ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("registry availability check: %w", err)
	}
	return false, nil
}

// Register writes the first record for username with sequence 0.
func (r *NameRegistry) Register(ctx context.Context, username string, kp idkey.Keypair, discoveryKey string) (models.RegistryRecord, error) {
	if username == "" {
		return models.RegistryRecord{}, ErrUsernameMissing
	}
	if !kp.HasSecret() {
		return models.RegistryRecord{}, ErrNotMaster
	}
	if !r.writes.Allow(username, r.now()) {
		return models.RegistryRecord{}, ErrWriteLimited
	}
	available, err := r.IsAvailable(ctx, username)
	if err != nil {
		return models.RegistryRecord{}, err
	}
	if !available {
		return models.RegistryRecord{}, ErrUsernameTaken
	}

	rec, err := r.buildRecord(username, kp, discoveryKey, 0)
	if err != nil {
		return models.RegistryRecord{}, err
	}
	key, err := r.store.Put(ctx, rec)
	if err != nil {
		// Lost the race after the availability check passed.
		if errors.Is(err, ErrStaleSequence) {
			return models.RegistryRecord{}, ErrUsernameTaken
		}
		return models.RegistryRecord{}, fmt.Errorf("registry put: %w", err)
	}
	registryOps.WithLabelValues("register").Inc()
	r.log.Info("username registered", "username", username, "storage_key", key)
	return rec, nil
}

// Update writes a new record for username with sequence = currentSeq+1.
// currentSeq must match the caller's view of the stored sequence; a
// stale view fails with ErrStaleSequence rather than clobbering a
// newer record.
func (r *NameRegistry) Update(ctx context.Context, username string, kp idkey.Keypair, newDiscoveryKey string, currentSeq uint64) (models.RegistryRecord, error) {
	if username == "" {
		return models.RegistryRecord{}, ErrUsernameMissing
	}
	if !kp.HasSecret() {
		return models.RegistryRecord{}, ErrNotMaster
	}
	if !r.writes.Allow(username, r.now()) {
		return models.RegistryRecord{}, ErrWriteLimited
	}
	stored, err := r.store.Get(ctx, username)
	if err != nil {
		return models.RegistryRecord{}, fmt.Errorf("registry update lookup: %w", err)
	}
	if currentSeq < stored.Sequence {
		return models.RegistryRecord{}, ErrStaleSequence
	}

	rec, err := r.buildRecord(username, kp, newDiscoveryKey, stored.Sequence+1)
	if err != nil {
		return models.RegistryRecord{}, err
	}
	key, err := r.store.Put(ctx, rec)
	if err != nil {
		return models.RegistryRecord{}, fmt.Errorf("registry put: %w", err)
	}
	registryOps.WithLabelValues("update").Inc()
	r.log.Info("registration updated", "username", username, "sequence", rec.Sequence, "storage_key", key)
	return rec, nil
}

func (r *NameRegistry) Lookup(ctx context.Context, username string) (models.RegistryRecord, error) {
	if username == "" {
		return models.RegistryRecord{}, ErrUsernameMissing
	}
	rec, err := r.store.Get(ctx, username)
	if err != nil {
		return models.RegistryRecord{}, err
	}
	registryOps.WithLabelValues("lookup").Inc()
	return rec, nil
}

func (r *NameRegistry) CurrentSequence(ctx context.Context, username string) (uint64, error) {
	rec, err := r.Lookup(ctx, username)
	if err != nil {
		return 0, err
	}
	return rec.Sequence, nil
}

func (r *NameRegistry) buildRecord(username string, kp idkey.Keypair, discoveryKey string, seq uint64) (models.RegistryRecord, error) {
	sig, err := idkey.SignRegistryRecord(kp, username, seq, discoveryKey)
	if err != nil {
		return models.RegistryRecord{}, err
	}
	return models.RegistryRecord{
		Username:     username,
		DiscoveryKey: discoveryKey,
		PublicKey:    append([]byte(nil), kp.PublicKey...),
		Sequence:     seq,
		Signature:    sig,
		Timestamp:    r.now().UTC(),
	}, nil
}
