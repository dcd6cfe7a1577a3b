// Package identitydoc composes the name registry, the replicated
// document store, the authorization gate, and the device registrar
// into the owner-facing identity document API.
package identitydoc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"dwebid/go-backend/internal/authgate"
	"dwebid/go-backend/internal/device"
	"dwebid/go-backend/internal/docstore"
	"dwebid/go-backend/internal/idkey"
	"dwebid/go-backend/internal/registry"
	"dwebid/go-backend/pkg/models"
)

const (
	// DefaultLabel is reserved for the owner's published identity and
	// can never be removed.
	DefaultLabel = "default"

	identityPrefix   = "!identities!"
	secretSuffix     = "!SECRET"
	profileKey       = "!user"
	remoteUserPrefix = "!user!"

	defaultIdentityKey = identityPrefix + DefaultLabel
)

var (
	ErrMissingField        = errors.New("missing required field")
	ErrNoDefaultIdentity   = errors.New("no default identity has been published")
	ErrNoIdentityForSecret = errors.New("identity must exist before its secret can be set")
	ErrSecretExists        = errors.New("identity secret is already set")
	ErrSubIdentityExists   = errors.New("sub-identity already exists")
	ErrRemoteUserExists    = errors.New("remote user is already linked")
	ErrCannotDeleteDefault = errors.New("the default identity cannot be removed")

	// ErrNotFound is returned by read paths when a key has never been
	// written or has been tombstoned.
	ErrNotFound = docstore.ErrKeyNotFound
)

// Observer receives notifications about completed mutations. It is
// optional; correctness never depends on one being attached.
type Observer interface {
	OnRegistered(models.RegistryRecord)
	OnUserDataAdded(models.Profile)
	OnRemoteUserAdded(models.RemoteUser)
	OnSubIdentityAdded(models.SubIdentity)
	OnDeviceAdded(models.DeviceRecord)
}

// Options configures a Document. OwnerKey nil means this device is the
// master and owns the write key; a non-nil OwnerKey opens a slave
// replica of that owner's document.
type Options struct {
	User       string
	RootDir    string
	Passphrase string
	OwnerKey   []byte
	Keypair    *idkey.Keypair
	Registry   *registry.NameRegistry
	Observer   Observer
	Logger     *slog.Logger
}

// Document is the identity document façade. Every public operation
// implicitly completes open() before evaluating authorization, so call
// order does not matter to callers.
type Document struct {
	user     string
	kp       idkey.Keypair
	dk       string
	ownerKey []byte

	registry *registry.NameRegistry
	store    *docstore.Store
	devices  *device.Registrar
	gate     *authgate.Gate
	observer Observer
	log      *slog.Logger
	now      func() time.Time

	openMu       sync.Mutex
	opened       bool
	masterDevice bool
}

func New(opts Options) (*Document, error) {
	user := strings.TrimSpace(opts.User)
	if user == "" {
		return nil, fmt.Errorf("%w: user", ErrMissingField)
	}
	if strings.TrimSpace(opts.RootDir) == "" {
		return nil, fmt.Errorf("%w: root dir", ErrMissingField)
	}
	if opts.Registry == nil {
		return nil, fmt.Errorf("%w: registry", ErrMissingField)
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	var kp idkey.Keypair
	var dk string
	var err error
	if len(opts.OwnerKey) == 0 {
		if opts.Keypair != nil {
			kp = opts.Keypair.Clone()
		} else {
			kp, err = idkey.NewKeypair()
			if err != nil {
				return nil, err
			}
		}
		dk, err = idkey.DiscoveryKey(kp.PublicKey)
	} else {
		kp = idkey.Keypair{PublicKey: append([]byte(nil), opts.OwnerKey...)}
		dk, err = idkey.DiscoveryKey(opts.OwnerKey)
	}
	if err != nil {
		return nil, err
	}

	store := docstore.New(docstore.WithSnapshotFile(
		filepath.Join(opts.RootDir, "documents", user+".json"),
		opts.Passphrase,
	))
	return &Document{
		user:     user,
		kp:       kp,
		dk:       dk,
		ownerKey: append([]byte(nil), opts.OwnerKey...),
		registry: opts.Registry,
		store:    store,
		devices:  device.NewRegistrar(opts.RootDir, user, opts.Passphrase, store, log),
		gate:     authgate.New(),
		observer: opts.Observer,
		log:      log,
		now:      time.Now,
	}, nil
}

// Open establishes whether this device is the master or a slave. It is
// idempotent once it has succeeded; a transient storage failure leaves
// the document unopened so the caller can retry.
func (d *Document) Open(ctx context.Context) error {
	d.openMu.Lock()
	err := d.openLocked()
	d.openMu.Unlock()
	if err != nil {
		return err
	}
	return d.gate.WaitReady(ctx)
}

func (d *Document) openLocked() error {
	if !d.opened {
		if err := d.gate.Begin(); err != nil {
			return err
		}
		res, err := d.store.Open(d.ownerKey)
		if err != nil {
			d.gate.Fail()
			return err
		}
		if res.Role == docstore.RoleMaster {
			d.gate.CompleteMaster()
		} else {
			d.gate.CompleteSlave(func() bool {
				return d.store.Authorized(d.store.WriterID())
			})
		}
		d.opened = true
		d.log.Info("identity document opened", "user", d.user, "role", res.Role)
	}
	if d.store.Role() == docstore.RoleMaster && !d.masterDevice {
		if err := d.ensureMasterDevice(); err != nil {
			return err
		}
		d.masterDevice = true
	}
	return nil
}

func (d *Document) ensureMasterDevice() error {
	if _, err := d.devices.Master(); err == nil {
		return nil
	} else if !errors.Is(err, device.ErrDeviceNotFound) {
		return err
	}
	_, err := d.devices.AddMaster(device.MasterDeviceID)
	if errors.Is(err, device.ErrDeviceExists) {
		return nil
	}
	return err
}

func (d *Document) ensureWritable(ctx context.Context) error {
	if err := d.Open(ctx); err != nil {
		return err
	}
	return d.gate.Permit()
}

// Register binds the username to this identity's public key in the
// global registry, then mirrors the published snapshot into the local
// document so offline reads never need the network.
func (d *Document) Register(ctx context.Context) (models.RegistryRecord, error) {
	if err := d.ensureWritable(ctx); err != nil {
		return models.RegistryRecord{}, err
	}
	rec, err := d.registry.Register(ctx, d.user, d.kp, d.dk)
	if err != nil {
		return models.RegistryRecord{}, err
	}
	if err := d.mirrorSnapshot(rec); err != nil {
		return models.RegistryRecord{}, err
	}
	if d.observer != nil {
		d.observer.OnRegistered(rec.Clone())
	}
	return rec, nil
}

// UpdateRegistration publishes a new registry record with an
// incremented sequence. An empty newDiscoveryKey keeps the current one.
func (d *Document) UpdateRegistration(ctx context.Context, newDiscoveryKey string) (models.RegistryRecord, error) {
	if err := d.ensureWritable(ctx); err != nil {
		return models.RegistryRecord{}, err
	}
	dk := strings.TrimSpace(newDiscoveryKey)
	if dk == "" {
		dk = d.dk
	}
	seq, err := d.registry.CurrentSequence(ctx, d.user)
	if err != nil {
		return models.RegistryRecord{}, err
	}
	rec, err := d.registry.Update(ctx, d.user, d.kp, dk, seq)
	if err != nil {
		return models.RegistryRecord{}, err
	}
	d.dk = rec.DiscoveryKey
	if err := d.mirrorSnapshot(rec); err != nil {
		return models.RegistryRecord{}, err
	}
	return rec, nil
}

func (d *Document) mirrorSnapshot(rec models.RegistryRecord) error {
	return d.store.PutJSON(defaultIdentityKey, models.IdentitySnapshot{
		User:         d.user,
		DiscoveryKey: rec.DiscoveryKey,
		PublicKey:    append([]byte(nil), rec.PublicKey...),
		Timestamp:    d.now().UTC(),
	})
}

// AddUserData writes the owner's profile. A default identity must have
// been published first; profile data is meaningless without one.
func (d *Document) AddUserData(ctx context.Context, p models.Profile) (models.Profile, error) {
	if err := d.ensureWritable(ctx); err != nil {
		return models.Profile{}, err
	}
	for field, value := range map[string]string{
		"avatar":      p.Avatar,
		"bio":         p.Bio,
		"location":    p.Location,
		"url":         p.URL,
		"displayName": p.DisplayName,
	} {
		if strings.TrimSpace(value) == "" {
			return models.Profile{}, fmt.Errorf("%w: %s", ErrMissingField, field)
		}
	}
	if _, err := d.store.Get(defaultIdentityKey); err != nil {
		if errors.Is(err, docstore.ErrKeyNotFound) {
			return models.Profile{}, ErrNoDefaultIdentity
		}
		return models.Profile{}, err
	}
	p.User = d.user
	if err := d.store.PutJSON(profileKey, p); err != nil {
		return models.Profile{}, err
	}
	if d.observer != nil {
		d.observer.OnUserDataAdded(p)
	}
	return p, nil
}

// GetUserData returns the owner's profile.
func (d *Document) GetUserData(ctx context.Context) (models.Profile, error) {
	if err := d.Open(ctx); err != nil {
		return models.Profile{}, err
	}
	var p models.Profile
	if err := d.store.GetJSON(profileKey, &p); err != nil {
		return models.Profile{}, err
	}
	return p, nil
}

// GetDefaultUser returns the owner's published identity snapshot.
func (d *Document) GetDefaultUser(ctx context.Context) (models.IdentitySnapshot, error) {
	if err := d.Open(ctx); err != nil {
		return models.IdentitySnapshot{}, err
	}
	var snap models.IdentitySnapshot
	if err := d.store.GetJSON(defaultIdentityKey, &snap); err != nil {
		return models.IdentitySnapshot{}, err
	}
	return snap, nil
}

// AddRemoteUser links another identity to this document.
func (d *Document) AddRemoteUser(ctx context.Context, remote models.RemoteUser) (models.RemoteUser, error) {
	if err := d.ensureWritable(ctx); err != nil {
		return models.RemoteUser{}, err
	}
	if strings.TrimSpace(remote.Username) == "" {
		return models.RemoteUser{}, fmt.Errorf("%w: username", ErrMissingField)
	}
	if len(remote.PublicKey) == 0 {
		return models.RemoteUser{}, fmt.Errorf("%w: public key", ErrMissingField)
	}
	key := remoteUserPrefix + remote.Username
	if _, err := d.store.Get(key); err == nil {
		return models.RemoteUser{}, ErrRemoteUserExists
	} else if !errors.Is(err, docstore.ErrKeyNotFound) {
		return models.RemoteUser{}, err
	}
	if err := d.store.PutJSON(key, remote); err != nil {
		return models.RemoteUser{}, err
	}
	if d.observer != nil {
		d.observer.OnRemoteUserAdded(remote.Clone())
	}
	return remote, nil
}

func (d *Document) GetRemoteUser(ctx context.Context, username string) (models.RemoteUser, error) {
	if err := d.Open(ctx); err != nil {
		return models.RemoteUser{}, err
	}
	var remote models.RemoteUser
	if err := d.store.GetJSON(remoteUserPrefix+username, &remote); err != nil {
		return models.RemoteUser{}, err
	}
	return remote, nil
}

func (d *Document) GetRemoteUsers(ctx context.Context) ([]models.RemoteUser, error) {
	if err := d.Open(ctx); err != nil {
		return nil, err
	}
	it := d.store.List(remoteUserPrefix)
	out := make([]models.RemoteUser, 0, it.Len())
	for {
		entry, ok := it.Next()
		if !ok {
			return out, nil
		}
		var remote models.RemoteUser
		if err := d.store.GetJSON(entry.Key, &remote); err != nil {
			return nil, err
		}
		out = append(out, remote)
	}
}

// RemoteDiscoveryKey resolves a remote user's discovery key through
// the global registry.
func (d *Document) RemoteDiscoveryKey(ctx context.Context, username string) (string, error) {
	if err := d.Open(ctx); err != nil {
		return "", err
	}
	rec, err := d.registry.Lookup(ctx, username)
	if err != nil {
		return "", err
	}
	return rec.DiscoveryKey, nil
}

// AddSubIdentity binds a third-party account under a user-chosen
// label.
func (d *Document) AddSubIdentity(ctx context.Context, label string, sub models.SubIdentity) (models.SubIdentity, error) {
	if err := d.ensureWritable(ctx); err != nil {
		return models.SubIdentity{}, err
	}
	label = strings.TrimSpace(label)
	if label == "" {
		return models.SubIdentity{}, fmt.Errorf("%w: label", ErrMissingField)
	}
	for field, value := range map[string]string{
		"platform": sub.Platform,
		"address":  sub.Address,
		"username": sub.Username,
	} {
		if strings.TrimSpace(value) == "" {
			return models.SubIdentity{}, fmt.Errorf("%w: %s", ErrMissingField, field)
		}
	}
	if len(sub.PublicKey) == 0 {
		return models.SubIdentity{}, fmt.Errorf("%w: public key", ErrMissingField)
	}
	key := identityPrefix + label
	if _, err := d.store.Get(key); err == nil {
		return models.SubIdentity{}, ErrSubIdentityExists
	} else if !errors.Is(err, docstore.ErrKeyNotFound) {
		return models.SubIdentity{}, err
	}
	sub.Label = label
	sub.Timestamp = d.now().UTC()
	if err := d.store.PutJSON(key, sub); err != nil {
		return models.SubIdentity{}, err
	}
	if d.observer != nil {
		d.observer.OnSubIdentityAdded(sub.Clone())
	}
	return sub, nil
}

func (d *Document) GetSubIdentity(ctx context.Context, label string) (models.SubIdentity, error) {
	if err := d.Open(ctx); err != nil {
		return models.SubIdentity{}, err
	}
	var sub models.SubIdentity
	if err := d.store.GetJSON(identityPrefix+label, &sub); err != nil {
		return models.SubIdentity{}, err
	}
	return sub, nil
}

// AddIdentitySecret stores the secret material for an existing
// sub-identity. A secret can be written at most once per label; there
// is no rotation through this path.
func (d *Document) AddIdentitySecret(ctx context.Context, label string, secret []byte) error {
	if err := d.ensureWritable(ctx); err != nil {
		return err
	}
	if len(secret) == 0 {
		return fmt.Errorf("%w: secret", ErrMissingField)
	}
	idKey := identityPrefix + label
	secretKey := idKey + secretSuffix
	if _, err := d.store.Get(secretKey); err == nil {
		return ErrSecretExists
	} else if !errors.Is(err, docstore.ErrKeyNotFound) {
		return err
	}
	if _, err := d.store.Get(idKey); err != nil {
		if errors.Is(err, docstore.ErrKeyNotFound) {
			return ErrNoIdentityForSecret
		}
		return err
	}
	return d.store.PutJSON(secretKey, secret)
}

func (d *Document) GetSecret(ctx context.Context, label string) ([]byte, error) {
	if err := d.Open(ctx); err != nil {
		return nil, err
	}
	var secret []byte
	if err := d.store.GetJSON(identityPrefix+label+secretSuffix, &secret); err != nil {
		return nil, err
	}
	return secret, nil
}

// RemoveIdentity tombstones a sub-identity and its secret as one
// logical unit. A missing secret is a no-op, not a failure.
func (d *Document) RemoveIdentity(ctx context.Context, label string) error {
	if err := d.ensureWritable(ctx); err != nil {
		return err
	}
	label = strings.TrimSpace(label)
	if label == DefaultLabel {
		return ErrCannotDeleteDefault
	}
	idKey := identityPrefix + label
	secretKey := idKey + secretSuffix
	if _, err := d.store.Get(idKey); err != nil {
		return err
	}
	if err := d.store.Delete(idKey); err != nil {
		return err
	}
	if _, err := d.store.Get(secretKey); err == nil {
		return d.store.Delete(secretKey)
	} else if !errors.Is(err, docstore.ErrKeyNotFound) {
		return err
	}
	return nil
}

// AddDevice registers a new slave device for this identity.
func (d *Document) AddDevice(ctx context.Context, label string) (models.DeviceRecord, error) {
	if err := d.ensureWritable(ctx); err != nil {
		return models.DeviceRecord{}, err
	}
	rec, err := d.devices.Add(label)
	if err != nil {
		return models.DeviceRecord{}, err
	}
	if d.observer != nil {
		d.observer.OnDeviceAdded(rec)
	}
	return rec, nil
}

func (d *Document) GetDevices(ctx context.Context) ([]models.DeviceRecord, error) {
	if err := d.Open(ctx); err != nil {
		return nil, err
	}
	return d.devices.List()
}

func (d *Document) GetMasterDevice(ctx context.Context) (models.DeviceRecord, error) {
	if err := d.Open(ctx); err != nil {
		return models.DeviceRecord{}, err
	}
	return d.devices.Master()
}

// AuthorizeReplica grants a slave replica's writer key the right to
// mutate the document. The grant replicates like any other append.
func (d *Document) AuthorizeReplica(ctx context.Context, writerID string) error {
	if err := d.ensureWritable(ctx); err != nil {
		return err
	}
	return d.store.Authorize(writerID)
}

// Replicate synchronizes the document with a peer device over conn for
// the lifetime of the connection; conn is closed on return. Slaves
// replicate freely; only mutations are gated.
func (d *Document) Replicate(ctx context.Context, conn io.ReadWriteCloser) error {
	if err := d.Open(ctx); err != nil {
		return err
	}
	return d.store.Replicate(ctx, conn)
}

// WriterID is this replica's writer key, the value a master passes to
// AuthorizeReplica.
func (d *Document) WriterID() string {
	return d.store.WriterID()
}

// DiscoveryKey is the replication topic for this identity.
func (d *Document) DiscoveryKey() string {
	return d.dk
}

func (d *Document) Role() string {
	return d.store.Role()
}

func (d *Document) PublicKey() []byte {
	return append([]byte(nil), d.kp.PublicKey...)
}

func (d *Document) Close() error {
	return d.store.Close()
}
