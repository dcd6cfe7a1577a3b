package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"dwebid/go-backend/internal/app"
	"dwebid/go-backend/internal/config"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "Path to config.yaml (optional)")
	user := flag.String("user", "", "Local username (overrides config)")
	rootDir := flag.String("root-dir", "", "Directory for identity data (overrides config)")
	metricsAddr := flag.String("metrics-addr", "", "Prometheus listen address (optional)")
	transport := flag.String("transport", "", "Network transport override: go-waku | mock")
	flag.Parse()
	if *showVersion {
		fmt.Printf("dwebid-node version=%s commit=%s build_date=%s\n", version, commit, buildDate)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if *user != "" {
		_ = os.Setenv("DWEB_IDENTITY_USER", *user)
	}
	if *rootDir != "" {
		_ = os.Setenv("DWEB_IDENTITY_ROOT", *rootDir)
	}
	if *transport != "" {
		_ = os.Setenv("DWEB_NETWORK_TRANSPORT", *transport)
	}

	cfg := config.LoadFromPath(*configPath)
	rt, err := app.NewRuntime(cfg, app.DefaultLogger())
	if err != nil {
		log.Fatalf("dwebid-node failed to initialize: %v", err)
	}
	if *metricsAddr != "" {
		go func() {
			if err := rt.ServeMetrics(ctx, *metricsAddr); err != nil {
				log.Printf("metrics server failed: %v", err)
			}
		}()
	}

	log.Println("dwebid-node starting")
	if err := rt.Run(ctx); err != nil {
		log.Fatalf("dwebid-node failed: %v", err)
	}
	log.Println("dwebid-node stopped")
}
