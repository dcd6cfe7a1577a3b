package securestore

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"dwebid/go-backend/internal/testutil/fsperm"
)

func TestWriteJSONFilePlaintext(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "doc.json")
	if err := WriteJSONFile(path, "", map[string]int{"seq": 3}); err != nil {
		t.Fatalf("write: %v", err)
	}
	fsperm.AssertPrivateDirPerm(t, filepath.Dir(path))
	fsperm.AssertPrivateFilePerm(t, path)

	data, err := ReadFileMaybeEncrypted(path, "")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var out map[string]int
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out["seq"] != 3 {
		t.Fatalf("unexpected payload: %v", out)
	}
}

func TestWriteJSONFileSealed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doc.json")
	if err := WriteJSONFile(path, "pw", map[string]string{"k": "v"}); err != nil {
		t.Fatalf("write: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("raw read: %v", err)
	}
	if json.Valid(raw) {
		t.Fatal("sealed file must not be plain JSON")
	}

	data, err := ReadFileMaybeEncrypted(path, "pw")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var out map[string]string
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out["k"] != "v" {
		t.Fatalf("unexpected payload: %v", out)
	}

	if _, err := ReadFileMaybeEncrypted(path, "wrong"); !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("expected ErrAuthFailed, got %v", err)
	}
}

func TestReadMissingFileKeepsOSError(t *testing.T) {
	_, err := ReadFileMaybeEncrypted(filepath.Join(t.TempDir(), "absent"), "")
	if !os.IsNotExist(err) {
		t.Fatalf("expected not-exist error, got %v", err)
	}
}
