// Package rconfig is the cmd/rondevu demo CLI's persisted configuration:
// the rendezvous server URL, this device's issued credential, claimed
// username, and ed25519 keypair, stored as a single TOML file the way the
// teacher's internal/config package stores bamgate's config.toml.
package rconfig

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// DefaultServerURL is used when neither the config file nor --server set one.
const DefaultServerURL = "https://rondevu.example.com"

// Config is the on-disk shape of config.toml. Holds a bearer credential and
// an ed25519 keypair, so permissions are tightened to 0600 on save.
type Config struct {
	ServerURL   string   `toml:"server_url"`
	PeerID      string   `toml:"peer_id,omitempty"`
	Secret      string   `toml:"secret,omitempty"`
	Username    string   `toml:"username,omitempty"`
	PublicKey   string   `toml:"public_key,omitempty"`
	PrivateKey  string   `toml:"private_key,omitempty"`
	STUNServers []string `toml:"stun_servers,omitempty"`
}

// DefaultSTUNServers is the default set of public STUN servers.
var DefaultSTUNServers = []string{
	"stun:stun.cloudflare.com:3478",
	"stun:stun.l.google.com:19302",
}

// DefaultConfig returns a Config populated with sensible defaults; the
// rendezvous-specific fields are left empty until Register/claim fill them.
func DefaultConfig() *Config {
	return &Config{
		ServerURL:   DefaultServerURL,
		STUNServers: append([]string(nil), DefaultSTUNServers...),
	}
}

// DefaultPath returns ~/.config/rondevu/config.toml, honoring XDG_CONFIG_HOME.
func DefaultPath() (string, error) {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("determining home directory: %w", err)
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "rondevu", "config.toml"), nil
}

// Load reads path, returning DefaultConfig() (not an error) if it does not
// yet exist — a fresh run of the CLI before "register" is a normal state.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes cfg to path, creating parent directories as needed. The file
// is 0600 since it may carry a bearer secret and a private key.
func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating config directory %s: %w", dir, err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("opening config file %s: %w", path, err)
	}
	defer f.Close()
	if err := f.Chmod(0600); err != nil {
		return fmt.Errorf("setting permissions on config file %s: %w", path, err)
	}

	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		return fmt.Errorf("writing config file %s: %w", path, err)
	}
	return nil
}

// HasCredential reports whether Register has been run.
func (c *Config) HasCredential() bool {
	return c.PeerID != "" && c.Secret != ""
}

// HasKeypair reports whether a signing keypair has been generated.
func (c *Config) HasKeypair() bool {
	return c.PublicKey != "" && c.PrivateKey != ""
}
