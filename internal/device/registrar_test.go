package device

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"dwebid/go-backend/internal/docstore"
	"dwebid/go-backend/internal/testutil/fsperm"
)

func newTestRegistrar(t *testing.T) (*Registrar, string) {
	t.Helper()
	root := t.TempDir()
	store := docstore.New()
	if _, err := store.Open(nil); err != nil {
		t.Fatalf("open store: %v", err)
	}
	return NewRegistrar(root, "alice", "", store, nil), root
}

func TestAddMasterAndLookup(t *testing.T) {
	reg, _ := newTestRegistrar(t)

	rec, err := reg.AddMaster("laptop")
	if err != nil {
		t.Fatalf("add master: %v", err)
	}
	if rec.DeviceID != MasterDeviceID {
		t.Fatalf("master must use the fixed id, got %q", rec.DeviceID)
	}

	got, err := reg.Master()
	if err != nil {
		t.Fatalf("master lookup: %v", err)
	}
	if got.Label != "laptop" || got.User != "alice" {
		t.Fatalf("unexpected master record: %+v", got)
	}

	if _, err := reg.AddMaster("again"); !errors.Is(err, ErrDeviceExists) {
		t.Fatalf("expected ErrDeviceExists, got %v", err)
	}
}

func TestAddSlaveDevices(t *testing.T) {
	reg, _ := newTestRegistrar(t)

	phone, err := reg.Add("phone")
	if err != nil {
		t.Fatalf("add phone: %v", err)
	}
	if !strings.HasPrefix(phone.DeviceID, "dev1") {
		t.Fatalf("expected dev1 prefix, got %q", phone.DeviceID)
	}
	tablet, err := reg.Add("tablet")
	if err != nil {
		t.Fatalf("add tablet: %v", err)
	}
	if phone.DeviceID == tablet.DeviceID {
		t.Fatal("device ids must be unique")
	}

	if _, err := reg.Add(" "); !errors.Is(err, ErrLabelRequired) {
		t.Fatalf("expected ErrLabelRequired, got %v", err)
	}

	devices, err := reg.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(devices) != 2 {
		t.Fatalf("expected 2 devices, got %d", len(devices))
	}
}

func TestMasterNotFound(t *testing.T) {
	reg, _ := newTestRegistrar(t)
	if _, err := reg.Master(); !errors.Is(err, ErrDeviceNotFound) {
		t.Fatalf("expected ErrDeviceNotFound, got %v", err)
	}
}

func TestCredentialFileRoundTrip(t *testing.T) {
	reg, root := newTestRegistrar(t)
	rec, err := reg.Add("phone")
	if err != nil {
		t.Fatalf("add: %v", err)
	}

	path := filepath.Join(root, "devices", "alice", rec.DeviceID+".device")
	fsperm.AssertPrivateFilePerm(t, path)
	fsperm.AssertPrivateDirPerm(t, filepath.Join(root, "devices", "alice"))

	loaded, err := reg.ReadCredential(rec.DeviceID)
	if err != nil {
		t.Fatalf("read credential: %v", err)
	}
	if loaded.DeviceID != rec.DeviceID || loaded.Label != "phone" {
		t.Fatalf("unexpected credential: %+v", loaded)
	}

	if _, err := reg.ReadCredential("dev1missing"); !errors.Is(err, ErrDeviceNotFound) {
		t.Fatalf("expected ErrDeviceNotFound, got %v", err)
	}
}
