package securestore

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// ReadFileMaybeEncrypted reads a state file. With an empty passphrase
// the raw bytes are returned; otherwise the envelope is opened.
func ReadFileMaybeEncrypted(path, passphrase string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if passphrase == "" {
		return raw, nil
	}
	return Decrypt(passphrase, raw)
}

// WriteJSONFile marshals v, optionally seals it, and writes it with
// private permissions, creating the parent directory if absent.
func WriteJSONFile(path, passphrase string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if passphrase != "" {
		payload, err = Encrypt(passphrase, payload)
		if err != nil {
			return err
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(path, payload, 0o600)
}
