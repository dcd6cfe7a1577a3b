package privacylog

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestSanitizeArgsFingerprintsIdentifiers(t *testing.T) {
	args := SanitizeArgs(
		"writer_id", "dk1WriterAbc",
		"device_id", "dev1Phone",
		"role", "master",
	)
	if len(args) != 6 {
		t.Fatalf("unexpected args length: %d", len(args))
	}
	if got := args[0]; got != "writer_id_fp" {
		t.Fatalf("unexpected key: %v", got)
	}
	if got := args[1].(string); !strings.HasPrefix(got, "fp_") {
		t.Fatalf("unexpected fingerprint value: %q", got)
	}
	if got := args[4]; got != "role" {
		t.Fatalf("expected untouched key, got %v", got)
	}
}

func TestSanitizingHandlerRedactsSecrets(t *testing.T) {
	var buf bytes.Buffer
	base := slog.NewJSONHandler(&buf, nil)
	logger := slog.New(WrapHandler(base))
	logger.Info("test", "discovery_key", "dk1abc", "seed_phrase", "abandon abandon", "status", "ok")

	var payload map[string]any
	if err := json.Unmarshal(buf.Bytes(), &payload); err != nil {
		t.Fatalf("decode log json: %v", err)
	}
	if _, ok := payload["discovery_key"]; ok {
		t.Fatal("discovery_key should not be present")
	}
	if _, ok := payload["discovery_key_fp"]; !ok {
		t.Fatal("discovery_key_fp should be present")
	}
	if got, _ := payload["seed_phrase"].(string); got != redactedValue {
		t.Fatalf("expected redacted seed phrase, got %q", got)
	}
	if got, _ := payload["status"].(string); got != "ok" {
		t.Fatalf("expected status untouched, got %q", got)
	}
}

func TestSanitizingHandlerImplementsSlogHandlerContract(t *testing.T) {
	var buf bytes.Buffer
	h := WrapHandler(slog.NewJSONHandler(&buf, nil))
	if !h.Enabled(context.Background(), slog.LevelInfo) {
		t.Fatal("expected handler enabled for info")
	}
	rec := slog.NewRecord(time.Now().UTC(), slog.LevelInfo, "msg", 0)
	rec.AddAttrs(slog.String("public_key", "pk1"))
	if err := h.Handle(context.Background(), rec); err != nil {
		t.Fatalf("handle failed: %v", err)
	}
	if !strings.Contains(buf.String(), "public_key_fp") {
		t.Fatalf("expected sanitized public_key key, got %s", buf.String())
	}
}
