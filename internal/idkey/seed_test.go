package idkey

import (
	"bytes"
	"errors"
	"testing"
	"time"
)

func TestSeedCreateExportRoundTrip(t *testing.T) {
	mgr := NewSeedManager()
	mnemonic, kp, err := mgr.Create("correct horse")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !mgr.ValidateMnemonic(mnemonic) {
		t.Fatalf("created mnemonic is invalid: %q", mnemonic)
	}
	if !kp.HasSecret() {
		t.Fatal("derived keypair must carry the secret key")
	}

	exported, err := mgr.Export("correct horse")
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if exported != mnemonic {
		t.Fatal("exported mnemonic differs from created one")
	}
}

func TestSeedImportIsDeterministic(t *testing.T) {
	mgr := NewSeedManager()
	mnemonic, kp1, err := mgr.Create("pw")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	other := NewSeedManager()
	_, kp2, err := other.Import(mnemonic, "different pw")
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if !bytes.Equal(kp1.PublicKey, kp2.PublicKey) {
		t.Fatal("same mnemonic must derive the same keypair")
	}
}

func TestKeypairFromMnemonic(t *testing.T) {
	mnemonic, kp1, err := NewMnemonicKeypair()
	if err != nil {
		t.Fatalf("new mnemonic: %v", err)
	}
	kp2, err := KeypairFromMnemonic(mnemonic)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	if !bytes.Equal(kp1.PublicKey, kp2.PublicKey) {
		t.Fatal("same mnemonic must derive the same keypair")
	}
	if _, err := KeypairFromMnemonic(" "); !errors.Is(err, ErrMnemonicRequired) {
		t.Fatalf("expected ErrMnemonicRequired, got %v", err)
	}
	if _, err := KeypairFromMnemonic("junk words"); !errors.Is(err, ErrInvalidMnemonic) {
		t.Fatalf("expected ErrInvalidMnemonic, got %v", err)
	}
}

func TestSeedImportRejectsInvalidInput(t *testing.T) {
	mgr := NewSeedManager()
	if _, _, err := mgr.Import("", "pw"); !errors.Is(err, ErrMnemonicRequired) {
		t.Fatalf("expected ErrMnemonicRequired, got %v", err)
	}
	if _, _, err := mgr.Import("not a real mnemonic", "pw"); !errors.Is(err, ErrInvalidMnemonic) {
		t.Fatalf("expected ErrInvalidMnemonic, got %v", err)
	}
	if _, _, err := mgr.Create(" "); !errors.Is(err, ErrPasswordRequired) {
		t.Fatalf("expected ErrPasswordRequired, got %v", err)
	}
}

func TestSeedExportWrongPasswordLocksWithBackoff(t *testing.T) {
	current := time.Unix(1_700_000_000, 0)
	mgr := newSeedManagerWithClock(func() time.Time { return current })
	if _, _, err := mgr.Create("right"); err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := mgr.Export("wrong"); !errors.Is(err, ErrInvalidPassword) {
		t.Fatalf("expected ErrInvalidPassword, got %v", err)
	}
	if _, err := mgr.Export("right"); !errors.Is(err, ErrPasswordLocked) {
		t.Fatalf("expected ErrPasswordLocked during backoff, got %v", err)
	}

	current = current.Add(2 * time.Second)
	if _, err := mgr.Export("right"); err != nil {
		t.Fatalf("export after backoff: %v", err)
	}
}

func TestSeedExportWithoutSeed(t *testing.T) {
	mgr := NewSeedManager()
	if _, err := mgr.Export("pw"); !errors.Is(err, ErrSeedNotAvailable) {
		t.Fatalf("expected ErrSeedNotAvailable, got %v", err)
	}
}
