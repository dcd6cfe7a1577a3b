package registry

import (
	"context"
	"errors"
	"strings"
	"testing"

	"dwebid/go-backend/internal/idkey"
)

func newTestRegistry(t *testing.T) (*NameRegistry, idkey.Keypair, string) {
	t.Helper()
	kp, err := idkey.NewKeypair()
	if err != nil {
		t.Fatalf("new keypair: %v", err)
	}
	dk, err := idkey.DiscoveryKey(kp.PublicKey)
	if err != nil {
		t.Fatalf("discovery key: %v", err)
	}
	return New(NewMemoryStore(), nil), kp, dk
}

func TestRegisterAndLookup(t *testing.T) {
	ctx := context.Background()
	reg, kp, dk := newTestRegistry(t)

	available, err := reg.IsAvailable(ctx, "alice")
	if err != nil {
		t.Fatalf("availability: %v", err)
	}
	if !available {
		t.Fatal("fresh registry must report alice as available")
	}

	rec, err := reg.Register(ctx, "alice", kp, dk)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if rec.Sequence != 0 {
		t.Fatalf("first record must have sequence 0, got %d", rec.Sequence)
	}

	got, err := reg.Lookup(ctx, "alice")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if got.DiscoveryKey != dk {
		t.Fatalf("lookup discovery key mismatch: %q vs %q", got.DiscoveryKey, dk)
	}
	ok, err := idkey.VerifyRegistryRecord(got.PublicKey, got.Username, got.Sequence, got.DiscoveryKey, got.Signature)
	if err != nil || !ok {
		t.Fatalf("stored record must verify, ok=%v err=%v", ok, err)
	}
}

func TestRegisterRejectsTakenUsername(t *testing.T) {
	ctx := context.Background()
	reg, kp, dk := newTestRegistry(t)
	if _, err := reg.Register(ctx, "alice", kp, dk); err != nil {
		t.Fatalf("register: %v", err)
	}

	other, err := idkey.NewKeypair()
	if err != nil {
		t.Fatalf("new keypair: %v", err)
	}
	otherDK, err := idkey.DiscoveryKey(other.PublicKey)
	if err != nil {
		t.Fatalf("discovery key: %v", err)
	}
	if _, err := reg.Register(ctx, "alice", other, otherDK); !errors.Is(err, ErrUsernameTaken) {
		t.Fatalf("expected ErrUsernameTaken, got %v", err)
	}

	if available, err := reg.IsAvailable(ctx, "alice"); err != nil || available {
		t.Fatalf("alice must be unavailable after registration, available=%v err=%v", available, err)
	}
}

func TestRegisterRequiresMasterKey(t *testing.T) {
	ctx := context.Background()
	reg, kp, dk := newTestRegistry(t)
	slave := idkey.Keypair{PublicKey: kp.PublicKey}
	if _, err := reg.Register(ctx, "alice", slave, dk); !errors.Is(err, ErrNotMaster) {
		t.Fatalf("expected ErrNotMaster, got %v", err)
	}
}

func TestRegisterRequiresUsername(t *testing.T) {
	ctx := context.Background()
	reg, kp, dk := newTestRegistry(t)
	if _, err := reg.Register(ctx, "", kp, dk); !errors.Is(err, ErrUsernameMissing) {
		t.Fatalf("expected ErrUsernameMissing, got %v", err)
	}
}

func TestUpdateIncrementsSequence(t *testing.T) {
	ctx := context.Background()
	reg, kp, dk := newTestRegistry(t)
	if _, err := reg.Register(ctx, "alice", kp, dk); err != nil {
		t.Fatalf("register: %v", err)
	}

	seq, err := reg.CurrentSequence(ctx, "alice")
	if err != nil {
		t.Fatalf("current sequence: %v", err)
	}
	updated, err := reg.Update(ctx, "alice", kp, dk, seq)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Sequence != seq+1 {
		t.Fatalf("expected sequence %d, got %d", seq+1, updated.Sequence)
	}

	got, err := reg.Lookup(ctx, "alice")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if got.Sequence != updated.Sequence {
		t.Fatalf("stored sequence %d, want %d", got.Sequence, updated.Sequence)
	}
}

func TestUpdateRejectsStaleSequence(t *testing.T) {
	ctx := context.Background()
	reg, kp, dk := newTestRegistry(t)
	if _, err := reg.Register(ctx, "alice", kp, dk); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := reg.Update(ctx, "alice", kp, dk, 0); err != nil {
		t.Fatalf("update: %v", err)
	}
	// Stored sequence is now 1; a writer still holding 0 must fail.
	if _, err := reg.Update(ctx, "alice", kp, dk, 0); !errors.Is(err, ErrStaleSequence) {
		t.Fatalf("expected ErrStaleSequence, got %v", err)
	}
}

func TestMemoryStoreRejectsBadSignature(t *testing.T) {
	ctx := context.Background()
	reg, kp, dk := newTestRegistry(t)
	rec, err := reg.Register(ctx, "alice", kp, dk)
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	store := NewMemoryStore()
	forged := rec.Clone()
	forged.Sequence = 7
	if _, err := store.Put(ctx, forged); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("expected ErrBadSignature, got %v", err)
	}
}

func TestStorageKeyIsPrefixedHash(t *testing.T) {
	key := storageKey("alice")
	if !strings.HasPrefix(key, "mr1") {
		t.Fatalf("expected mr1 prefix, got %q", key)
	}
	if key == storageKey("bob") {
		t.Fatal("distinct usernames must map to distinct storage keys")
	}
}
