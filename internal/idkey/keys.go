package idkey

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/mr-tron/base58/base58"
	"golang.org/x/crypto/blake2b"
)

const (
	discoveryKeyPrefix = "dk1"
	signingDomain      = "dwebid/registry/v1"
)

var (
	ErrInvalidPublicKey = errors.New("invalid public key")
	ErrInvalidSignature = errors.New("invalid registry signature")
	ErrMissingSecretKey = errors.New("keypair has no secret key")
)

// Keypair holds an ed25519 identity keypair. SecretKey is nil on slave
// devices; it never leaves the master device.
type Keypair struct {
	PublicKey ed25519.PublicKey
	SecretKey ed25519.PrivateKey
}

func NewKeypair() (Keypair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return Keypair{}, err
	}
	return Keypair{
		PublicKey: append(ed25519.PublicKey(nil), pub...),
		SecretKey: append(ed25519.PrivateKey(nil), priv...),
	}, nil
}

func (k Keypair) Clone() Keypair {
	return Keypair{
		PublicKey: append(ed25519.PublicKey(nil), k.PublicKey...),
		SecretKey: append(ed25519.PrivateKey(nil), k.SecretKey...),
	}
}

// HasSecret reports whether this keypair can sign, i.e. whether the
// running device is the master.
func (k Keypair) HasSecret() bool {
	return len(k.SecretKey) == ed25519.PrivateKeySize
}

// DiscoveryKey derives the replication topic for a public key.
func DiscoveryKey(publicKey []byte) (string, error) {
	if len(publicKey) != ed25519.PublicKeySize {
		return "", fmt.Errorf("%w: size %d", ErrInvalidPublicKey, len(publicKey))
	}
	h := blake2b.Sum256(publicKey)
	return discoveryKeyPrefix + base58.Encode(h[:]), nil
}

// VerifyDiscoveryKey reports whether dk was derived from publicKey.
func VerifyDiscoveryKey(dk string, publicKey []byte) (bool, error) {
	expected, err := DiscoveryKey(publicKey)
	if err != nil {
		return false, err
	}
	return dk == expected, nil
}

// SignRegistryRecord signs (username, sequence, discoveryKey) with the
// master secret key.
func SignRegistryRecord(kp Keypair, username string, sequence uint64, discoveryKey string) ([]byte, error) {
	if !kp.HasSecret() {
		return nil, ErrMissingSecretKey
	}
	return ed25519.Sign(kp.SecretKey, registrySigningBytes(username, sequence, discoveryKey)), nil
}

// VerifyRegistryRecord verifies a registry record signature against the
// record's own public key.
func VerifyRegistryRecord(publicKey []byte, username string, sequence uint64, discoveryKey string, signature []byte) (bool, error) {
	if len(publicKey) != ed25519.PublicKeySize {
		return false, ErrInvalidPublicKey
	}
	if len(signature) != ed25519.SignatureSize {
		return false, ErrInvalidSignature
	}
	return ed25519.Verify(publicKey, registrySigningBytes(username, sequence, discoveryKey), signature), nil
}

// Canonical and deterministic byte encoding for registry signatures.
func registrySigningBytes(username string, sequence uint64, discoveryKey string) []byte {
	b := make([]byte, 0, len(signingDomain)+len(username)+len(discoveryKey)+10)
	b = append(b, []byte(signingDomain)...)
	b = append(b, 0)
	b = append(b, []byte(username)...)
	b = append(b, 0)
	b = binary.BigEndian.AppendUint64(b, sequence)
	b = append(b, []byte(discoveryKey)...)
	return b
}
