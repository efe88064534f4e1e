package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Register this device with the rendezvous server",
	Long: `Issues a new {peerId, secret} credential from the rendezvous server
and saves it to the config file. Re-running this replaces the existing
credential -- any offers or services published under the old one become
unreachable.`,
	RunE: runRegister,
}

func runRegister(cmd *cobra.Command, args []string) error {
	cfg, path, err := loadConfig()
	if err != nil {
		return err
	}

	if cfg.HasCredential() {
		confirmed, err := confirmOverwrite(
			"Replace existing device credential?",
			"Any offers or services published under the current peerId become unreachable.",
		)
		if err != nil {
			return fmt.Errorf("confirmation cancelled: %w", err)
		}
		if !confirmed {
			fmt.Fprintln(cmd.ErrOrStderr(), "cancelled, credential unchanged")
			return nil
		}
	}

	sc := signalingClient(cfg)
	cred, err := sc.Register(context.Background())
	if err != nil {
		return fmt.Errorf("registering: %w", err)
	}

	cfg.PeerID = cred.PeerID
	cfg.Secret = cred.Secret
	if err := saveConfig(path, cfg); err != nil {
		return err
	}

	fmt.Fprintf(os.Stderr, "registered: peerId=%s\n", cred.PeerID)
	return nil
}
