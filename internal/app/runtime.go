// Package app composes the node: configuration, logging, the name
// registry, the identity document, and the swarm transport.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"dwebid/go-backend/internal/config"
	"dwebid/go-backend/internal/identitydoc"
	"dwebid/go-backend/internal/idkey"
	"dwebid/go-backend/internal/platform/privacylog"
	"dwebid/go-backend/internal/registry"
	"dwebid/go-backend/internal/securestore"
	"dwebid/go-backend/internal/swarm"
)

func DefaultLogger() *slog.Logger {
	return slog.New(privacylog.WrapHandler(slog.NewJSONHandler(os.Stdout, nil)))
}

type storedSeed struct {
	Mnemonic string `json:"mnemonic"`
}

// Runtime owns the wired node components for one local user.
type Runtime struct {
	cfg   config.Config
	log   *slog.Logger
	hub   *EventHub
	seeds *idkey.SeedManager
	doc   *identitydoc.Document
	node  *swarm.Node
}

func NewRuntime(cfg config.Config, log *slog.Logger) (*Runtime, error) {
	if log == nil {
		log = DefaultLogger()
	}
	if cfg.Identity.User == "" {
		return nil, errors.New("identity user is required")
	}

	mnemonic, kp, err := loadOrCreateSeed(cfg.Identity.RootDir, cfg.Identity.User, cfg.Identity.Passphrase, cfg.Identity.Mnemonic)
	if err != nil {
		return nil, fmt.Errorf("load identity seed: %w", err)
	}
	var seeds *idkey.SeedManager
	if cfg.Identity.Passphrase != "" {
		seeds = idkey.NewSeedManager()
		if _, _, err := seeds.Import(mnemonic, cfg.Identity.Passphrase); err != nil {
			return nil, fmt.Errorf("arm seed manager: %w", err)
		}
	}

	reg := registry.New(registry.NewMemoryStore(), log)
	hub := NewEventHub(256)
	doc, err := identitydoc.New(identitydoc.Options{
		User:       cfg.Identity.User,
		RootDir:    cfg.Identity.RootDir,
		Passphrase: cfg.Identity.Passphrase,
		Keypair:    &kp,
		Registry:   reg,
		Observer:   hub,
		Logger:     log,
	})
	if err != nil {
		return nil, err
	}

	node := swarm.NewNode(cfg.Network)
	node.OnConnection(func(topic string, conn io.ReadWriteCloser) {
		defer conn.Close()
		if err := doc.Replicate(context.Background(), conn); err != nil {
			log.Debug("replication session ended", "topic", topic, "error", err)
		}
	})
	return &Runtime{cfg: cfg, log: log, hub: hub, seeds: seeds, doc: doc, node: node}, nil
}

// Run opens the document, joins the swarm on its discovery key, and
// blocks until the context is cancelled.
func (r *Runtime) Run(ctx context.Context) error {
	if err := r.doc.Open(ctx); err != nil {
		return fmt.Errorf("open identity document: %w", err)
	}
	if err := r.node.Start(ctx); err != nil {
		return fmt.Errorf("start swarm: %w", err)
	}
	if err := r.node.Join(r.doc.DiscoveryKey()); err != nil {
		return fmt.Errorf("join discovery topic: %w", err)
	}
	r.log.Info("node running",
		"user", r.cfg.Identity.User,
		"role", r.doc.Role(),
		"discovery_key", r.doc.DiscoveryKey(),
	)

	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.node.Stop(stopCtx); err != nil {
		r.log.Warn("swarm stop failed", "error", err)
	}
	return r.doc.Close()
}

func (r *Runtime) Document() *identitydoc.Document { return r.doc }

func (r *Runtime) Events() *EventHub { return r.hub }

func (r *Runtime) SwarmStatus() swarm.Status { return r.node.Status() }

// ExportMnemonic returns the backup mnemonic after checking password.
// Requires the identity passphrase to be configured.
func (r *Runtime) ExportMnemonic(password string) (string, error) {
	if r.seeds == nil {
		return "", idkey.ErrSeedNotAvailable
	}
	return r.seeds.Export(password)
}

// ServeMetrics exposes the prometheus registry until ctx is cancelled.
// An empty addr disables the endpoint.
func (r *Runtime) ServeMetrics(ctx context.Context, addr string) error {
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// loadOrCreateSeed keeps the master identity as a bip39 mnemonic under
// the identity root and derives the signing keypair from it on every
// boot, so restarts and restores from the mnemonic backup agree on the
// public key. importMnemonic, when set on first boot, restores an
// existing identity instead of creating a fresh one.
func loadOrCreateSeed(rootDir, user, passphrase, importMnemonic string) (string, idkey.Keypair, error) {
	path := filepath.Join(rootDir, "keys", user+".seed")
	data, err := securestore.ReadFileMaybeEncrypted(path, passphrase)
	if err == nil {
		var stored storedSeed
		if err := json.Unmarshal(data, &stored); err != nil {
			return "", idkey.Keypair{}, fmt.Errorf("parse seed file: %w", err)
		}
		kp, err := idkey.KeypairFromMnemonic(stored.Mnemonic)
		if err != nil {
			return "", idkey.Keypair{}, err
		}
		return stored.Mnemonic, kp, nil
	}
	if !os.IsNotExist(err) {
		return "", idkey.Keypair{}, err
	}

	mnemonic := strings.TrimSpace(importMnemonic)
	var kp idkey.Keypair
	if mnemonic == "" {
		mnemonic, kp, err = idkey.NewMnemonicKeypair()
	} else {
		kp, err = idkey.KeypairFromMnemonic(mnemonic)
	}
	if err != nil {
		return "", idkey.Keypair{}, err
	}
	if err := securestore.WriteJSONFile(path, passphrase, storedSeed{Mnemonic: mnemonic}); err != nil {
		return "", idkey.Keypair{}, err
	}
	return mnemonic, kp, nil
}
