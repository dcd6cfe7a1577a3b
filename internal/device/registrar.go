// Package device manages the device records of one identity: a local
// credential file per device plus a mirrored entry in the replicated
// document.
package device

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"dwebid/go-backend/internal/docstore"
	"dwebid/go-backend/internal/securestore"
	"dwebid/go-backend/pkg/models"

	"github.com/mr-tron/base58/base58"
)

const (
	// MasterDeviceID is the fixed id of the single master device.
	MasterDeviceID = "master"

	KeyPrefix = "!devices!"

	credentialExt = ".device"
	deviceIDBytes = 32
)

var (
	ErrDeviceExists   = errors.New("device already exists")
	ErrDeviceNotFound = errors.New("device not found")
	ErrLabelRequired  = errors.New("device label is required")
)

// Registrar creates and lists device records. Credential files live
// under <rootDir>/devices/<user>/ and are owned exclusively by the
// registrar.
type Registrar struct {
	user       string
	dir        string
	passphrase string
	store      *docstore.Store
	log        *slog.Logger
	now        func() time.Time
}

func NewRegistrar(rootDir, user, passphrase string, store *docstore.Store, log *slog.Logger) *Registrar {
	if log == nil {
		log = slog.Default()
	}
	return &Registrar{
		user:       user,
		dir:        filepath.Join(rootDir, "devices", user),
		passphrase: strings.TrimSpace(passphrase),
		store:      store,
		log:        log,
		now:        time.Now,
	}
}

// Add registers a new slave device under a random 256-bit identifier.
func (r *Registrar) Add(label string) (models.DeviceRecord, error) {
	label = strings.TrimSpace(label)
	if label == "" {
		return models.DeviceRecord{}, ErrLabelRequired
	}
	id, err := newDeviceID()
	if err != nil {
		return models.DeviceRecord{}, err
	}
	return r.add(id, label)
}

// AddMaster registers the master device under the fixed "master" id;
// there is exactly one master per identity.
func (r *Registrar) AddMaster(label string) (models.DeviceRecord, error) {
	label = strings.TrimSpace(label)
	if label == "" {
		label = MasterDeviceID
	}
	return r.add(MasterDeviceID, label)
}

func (r *Registrar) add(id, label string) (models.DeviceRecord, error) {
	path := r.credentialPath(id)
	if _, err := os.Stat(path); err == nil {
		return models.DeviceRecord{}, ErrDeviceExists
	} else if !os.IsNotExist(err) {
		return models.DeviceRecord{}, fmt.Errorf("device credential stat: %w", err)
	}

	rec := models.DeviceRecord{
		DeviceID:  id,
		Label:     label,
		User:      r.user,
		CreatedAt: r.now().UTC(),
	}
	if err := securestore.WriteJSONFile(path, r.passphrase, rec); err != nil {
		return models.DeviceRecord{}, fmt.Errorf("device credential write: %w", err)
	}
	if err := r.store.PutJSON(KeyPrefix+id, rec); err != nil {
		return models.DeviceRecord{}, err
	}
	r.log.Info("device registered", "device_id", id, "label", label)
	return rec, nil
}

// List scans the document for all device records, in key order.
func (r *Registrar) List() ([]models.DeviceRecord, error) {
	it := r.store.List(KeyPrefix)
	out := make([]models.DeviceRecord, 0, it.Len())
	for {
		entry, ok := it.Next()
		if !ok {
			return out, nil
		}
		var rec models.DeviceRecord
		if err := unmarshalRecord(entry.Value, &rec); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
}

// Master returns the master device record.
func (r *Registrar) Master() (models.DeviceRecord, error) {
	var rec models.DeviceRecord
	err := r.store.GetJSON(KeyPrefix+MasterDeviceID, &rec)
	if errors.Is(err, docstore.ErrKeyNotFound) {
		return models.DeviceRecord{}, ErrDeviceNotFound
	}
	if err != nil {
		return models.DeviceRecord{}, err
	}
	return rec, nil
}

// ReadCredential loads a device's local credential file.
func (r *Registrar) ReadCredential(id string) (models.DeviceRecord, error) {
	data, err := securestore.ReadFileMaybeEncrypted(r.credentialPath(id), r.passphrase)
	if err != nil {
		if os.IsNotExist(err) {
			return models.DeviceRecord{}, ErrDeviceNotFound
		}
		return models.DeviceRecord{}, fmt.Errorf("device credential read: %w", err)
	}
	var rec models.DeviceRecord
	if err := unmarshalRecord(data, &rec); err != nil {
		return models.DeviceRecord{}, err
	}
	return rec, nil
}

func (r *Registrar) credentialPath(id string) string {
	return filepath.Join(r.dir, id+credentialExt)
}

func unmarshalRecord(data []byte, rec *models.DeviceRecord) error {
	if err := json.Unmarshal(data, rec); err != nil {
		return fmt.Errorf("device record decode: %w", err)
	}
	return nil
}

func newDeviceID() (string, error) {
	buf := make([]byte, deviceIDBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return "dev1" + base58.Encode(buf), nil
}
