package idkey

import (
	"crypto/ed25519"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"dwebid/go-backend/internal/securestore"

	"github.com/tyler-smith/go-bip39"
	"golang.org/x/crypto/hkdf"
)

const hkdfInfoSigning = "dwebid/identity/signing/v1"

var (
	ErrInvalidMnemonic  = errors.New("invalid mnemonic")
	ErrInvalidPassword  = errors.New("invalid password")
	ErrSeedNotAvailable = errors.New("seed is not available")
	ErrPasswordRequired = errors.New("password is required")
	ErrMnemonicRequired = errors.New("mnemonic is required")
	ErrPasswordLocked   = errors.New("password attempts are temporarily locked")
)

// SeedManager creates and guards the mnemonic the master keypair is
// derived from. The mnemonic is held only as an encrypted envelope.
type SeedManager struct {
	mu             sync.RWMutex
	envelope       *securestore.Envelope
	failedAttempts int
	lockedUntil    time.Time
	now            func() time.Time
}

func NewSeedManager() *SeedManager {
	return &SeedManager{now: time.Now}
}

func newSeedManagerWithClock(now func() time.Time) *SeedManager {
	return &SeedManager{now: now}
}

// Create generates a fresh 256-bit mnemonic and derives the master
// keypair from it.
func (s *SeedManager) Create(password string) (mnemonic string, kp Keypair, err error) {
	if strings.TrimSpace(password) == "" {
		return "", Keypair{}, ErrPasswordRequired
	}
	entropy, err := bip39.NewEntropy(256)
	if err != nil {
		return "", Keypair{}, err
	}
	mnemonic, err = bip39.NewMnemonic(entropy)
	if err != nil {
		return "", Keypair{}, err
	}
	return s.Import(mnemonic, password)
}

// Import derives the master keypair from an existing mnemonic and
// stores the mnemonic encrypted under password.
func (s *SeedManager) Import(mnemonic, password string) (string, Keypair, error) {
	mnemonic = strings.TrimSpace(mnemonic)
	if mnemonic == "" {
		return "", Keypair{}, ErrMnemonicRequired
	}
	if strings.TrimSpace(password) == "" {
		return "", Keypair{}, ErrPasswordRequired
	}
	kp, err := KeypairFromMnemonic(mnemonic)
	if err != nil {
		return "", Keypair{}, err
	}
	env, err := securestore.EncryptEnvelope(password, []byte(mnemonic))
	if err != nil {
		return "", Keypair{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.envelope = env
	return mnemonic, kp, nil
}

// Export returns the mnemonic after checking password. Repeated wrong
// passwords lock the manager with exponential backoff.
func (s *SeedManager) Export(password string) (string, error) {
	if strings.TrimSpace(password) == "" {
		return "", ErrPasswordRequired
	}

	s.mu.Lock()
	env := s.envelope
	if err := s.ensureUnlocked(); err != nil {
		s.mu.Unlock()
		return "", err
	}
	s.mu.Unlock()
	if env == nil {
		return "", ErrSeedNotAvailable
	}

	plaintext, err := securestore.DecryptEnvelope(password, env)
	if err != nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.onFailedPasswordAttempt()
		return "", ErrInvalidPassword
	}
	s.mu.Lock()
	s.resetPasswordAttemptState()
	s.mu.Unlock()

	mnemonic := strings.TrimSpace(string(plaintext))
	if !bip39.IsMnemonicValid(mnemonic) {
		return "", fmt.Errorf("%w: corrupted mnemonic", ErrInvalidMnemonic)
	}
	return mnemonic, nil
}

func (s *SeedManager) ValidateMnemonic(mnemonic string) bool {
	return bip39.IsMnemonicValid(strings.TrimSpace(mnemonic))
}

func (s *SeedManager) ensureUnlocked() error {
	if s.lockedUntil.IsZero() {
		return nil
	}
	if s.now().Before(s.lockedUntil) {
		return ErrPasswordLocked
	}
	return nil
}

func (s *SeedManager) onFailedPasswordAttempt() {
	s.failedAttempts++
	backoff := failedAttemptBackoff(s.failedAttempts)
	s.lockedUntil = s.now().Add(backoff)
}

func (s *SeedManager) resetPasswordAttemptState() {
	s.failedAttempts = 0
	s.lockedUntil = time.Time{}
}

func failedAttemptBackoff(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	// 1s, 2s, 4s... up to 32s max.
	shift := attempt - 1
	if shift > 5 {
		shift = 5
	}
	return time.Second * time.Duration(1<<shift)
}

// NewMnemonicKeypair generates a fresh 256-bit mnemonic and derives
// the master keypair from it.
func NewMnemonicKeypair() (string, Keypair, error) {
	entropy, err := bip39.NewEntropy(256)
	if err != nil {
		return "", Keypair{}, err
	}
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return "", Keypair{}, err
	}
	kp, err := KeypairFromMnemonic(mnemonic)
	if err != nil {
		return "", Keypair{}, err
	}
	return mnemonic, kp, nil
}

// KeypairFromMnemonic derives the master signing keypair from a
// mnemonic. The same mnemonic always yields the same keypair.
func KeypairFromMnemonic(mnemonic string) (Keypair, error) {
	mnemonic = strings.TrimSpace(mnemonic)
	if mnemonic == "" {
		return Keypair{}, ErrMnemonicRequired
	}
	if !bip39.IsMnemonicValid(mnemonic) {
		return Keypair{}, ErrInvalidMnemonic
	}
	return KeypairFromSeed(bip39.NewSeed(mnemonic, ""))
}

// KeypairFromSeed derives the master signing keypair from raw seed
// bytes via HKDF.
func KeypairFromSeed(seedBytes []byte) (Keypair, error) {
	signingSeed, err := hkdfExpand(seedBytes, hkdfInfoSigning, ed25519.SeedSize)
	if err != nil {
		return Keypair{}, err
	}
	priv := ed25519.NewKeyFromSeed(signingSeed)
	pub := priv.Public().(ed25519.PublicKey)
	return Keypair{
		PublicKey: append(ed25519.PublicKey(nil), pub...),
		SecretKey: append(ed25519.PrivateKey(nil), priv...),
	}, nil
}

func hkdfExpand(seed []byte, info string, outLen int) ([]byte, error) {
	reader := hkdf.New(sha256.New, seed, nil, []byte(info))
	out := make([]byte, outLen)
	if _, err := io.ReadFull(reader, out); err != nil {
		return nil, err
	}
	return out, nil
}
