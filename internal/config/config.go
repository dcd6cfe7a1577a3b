// Package config loads the node configuration from YAML with
// environment overrides layered on top.
package config

import (
	"os"
	"strings"
	"time"

	"dwebid/go-backend/internal/swarm"

	"gopkg.in/yaml.v3"
)

type NodeConfig struct {
	Identity IdentityConfig    `yaml:"identity"`
	Network  NodeNetworkConfig `yaml:"network"`
}

type IdentityConfig struct {
	RootDir    string `yaml:"rootDir"`
	User       string `yaml:"user"`
	Passphrase string `yaml:"passphrase"`
	// Mnemonic restores an existing identity on first boot. Env-only;
	// a recovery phrase must never sit in a config file on disk.
	Mnemonic string `yaml:"-"`
}

type NodeNetworkConfig struct {
	Transport           string        `yaml:"transport"`
	Port                int           `yaml:"port"`
	BootstrapNodes      []string      `yaml:"bootstrapNodes"`
	MinPeers            int           `yaml:"minPeers"`
	ReconnectInterval   time.Duration `yaml:"reconnectInterval"`
	ReconnectBackoffMax time.Duration `yaml:"reconnectBackoffMax"`
}

// Config is the fully resolved runtime configuration.
type Config struct {
	Identity IdentityConfig
	Network  swarm.Config
}

func Default() Config {
	home, _ := os.UserHomeDir()
	rootDir := ".dwebid"
	if home != "" {
		rootDir = home + string(os.PathSeparator) + ".dwebid"
	}
	return Config{
		Identity: IdentityConfig{RootDir: rootDir},
		Network:  swarm.DefaultConfig(),
	}
}

// LoadFromPath reads the first readable candidate config file, merges
// it over the defaults, and applies environment overrides last. A
// missing or malformed file falls back to defaults plus environment.
func LoadFromPath(configPath string) Config {
	cfg := Default()

	candidates := make([]string, 0, 2)
	if configPath != "" {
		candidates = append(candidates, configPath)
	} else {
		candidates = append(candidates,
			"go-backend/configs/config.yaml",
			"configs/config.yaml",
		)
	}

	for _, path := range candidates {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}

		var parsed NodeConfig
		if err := yaml.Unmarshal(data, &parsed); err != nil {
			continue
		}

		merged := cfg
		Merge(&merged, parsed)
		ApplyEnvOverrides(&merged)
		return merged
	}

	ApplyEnvOverrides(&cfg)
	return cfg
}

func Merge(dst *Config, src NodeConfig) {
	if src.Identity.RootDir != "" {
		dst.Identity.RootDir = src.Identity.RootDir
	}
	if src.Identity.User != "" {
		dst.Identity.User = src.Identity.User
	}
	if src.Identity.Passphrase != "" {
		dst.Identity.Passphrase = src.Identity.Passphrase
	}
	if src.Network.Transport != "" {
		dst.Network.Transport = src.Network.Transport
	}
	if src.Network.Port != 0 {
		dst.Network.Port = src.Network.Port
	}
	if src.Network.BootstrapNodes != nil {
		dst.Network.BootstrapNodes = src.Network.BootstrapNodes
	}
	if src.Network.MinPeers != 0 {
		dst.Network.MinPeers = src.Network.MinPeers
	}
	if src.Network.ReconnectInterval != 0 {
		dst.Network.ReconnectInterval = src.Network.ReconnectInterval
	}
	if src.Network.ReconnectBackoffMax != 0 {
		dst.Network.ReconnectBackoffMax = src.Network.ReconnectBackoffMax
	}
}

// ApplyEnvOverrides lets the environment win over file values. The
// passphrase is intentionally env-only in most deployments so it never
// lands in a config file on disk.
func ApplyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("DWEB_IDENTITY_ROOT")); v != "" {
		cfg.Identity.RootDir = v
	}
	if v := strings.TrimSpace(os.Getenv("DWEB_IDENTITY_USER")); v != "" {
		cfg.Identity.User = v
	}
	if v := os.Getenv("DWEB_IDENTITY_PASSPHRASE"); v != "" {
		cfg.Identity.Passphrase = v
	}
	if v := strings.TrimSpace(os.Getenv("DWEB_IDENTITY_MNEMONIC")); v != "" {
		cfg.Identity.Mnemonic = v
	}
	if v := strings.TrimSpace(os.Getenv("DWEB_NETWORK_TRANSPORT")); v != "" {
		cfg.Network.Transport = v
	}
	if v := strings.TrimSpace(os.Getenv("DWEB_NETWORK_BOOTSTRAP")); v != "" {
		cfg.Network.BootstrapNodes = splitList(v)
	}
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
