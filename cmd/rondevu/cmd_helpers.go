package main

import (
	"fmt"

	"github.com/xtr-dev/rondevu-client/internal/rconfig"
	"github.com/xtr-dev/rondevu-client/internal/signaling"
	"github.com/xtr-dev/rondevu-client/pkg/protocol"
)

// resolvedConfigPath returns the --config flag value, or the platform
// default if unset.
func resolvedConfigPath() (string, error) {
	if globalConfigPath != "" {
		return globalConfigPath, nil
	}
	return rconfig.DefaultPath()
}

// loadConfig loads the config file, applying --server as an override.
func loadConfig() (*rconfig.Config, string, error) {
	path, err := resolvedConfigPath()
	if err != nil {
		return nil, "", fmt.Errorf("resolving config path: %w", err)
	}
	cfg, err := rconfig.Load(path)
	if err != nil {
		return nil, "", fmt.Errorf("loading config: %w", err)
	}
	if globalServerURL != "" {
		cfg.ServerURL = globalServerURL
	}
	return cfg, path, nil
}

// signalingClient builds a Client from the loaded config's server URL and
// credential (the zero credential if Register has not been run yet).
func signalingClient(cfg *rconfig.Config) *signaling.Client {
	return signaling.NewClient(signaling.ClientConfig{
		BaseURL: cfg.ServerURL,
		Credential: protocol.Credential{
			PeerID: cfg.PeerID,
			Secret: cfg.Secret,
		},
		Logger: globalLogger,
	})
}

// saveConfig persists cfg to path, wrapping any error with its context.
func saveConfig(path string, cfg *rconfig.Config) error {
	if err := rconfig.Save(path, cfg); err != nil {
		return fmt.Errorf("saving config: %w", err)
	}
	return nil
}
