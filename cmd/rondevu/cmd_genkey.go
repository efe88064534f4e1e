package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/xtr-dev/rondevu-client/pkg/cryptocap"
)

var genkeyCmd = &cobra.Command{
	Use:   "genkey",
	Short: "Generate an ed25519 signing keypair and save it to the config file",
	Long: `Generates a new ed25519 keypair used to sign username claims and
service publishes. The keypair is saved to the config file;
re-running this replaces it -- any username claimed under the old public
key can no longer be proven by this device.`,
	RunE: runGenkey,
}

func runGenkey(cmd *cobra.Command, args []string) error {
	cfg, path, err := loadConfig()
	if err != nil {
		return err
	}

	if cfg.HasKeypair() {
		confirmed, err := confirmOverwrite(
			"Replace existing signing keypair?",
			"Any username claimed under the current public key can no longer be proven by this device.",
		)
		if err != nil {
			return fmt.Errorf("confirmation cancelled: %w", err)
		}
		if !confirmed {
			fmt.Fprintln(cmd.ErrOrStderr(), "cancelled, keypair unchanged")
			return nil
		}
	}

	var signer cryptocap.Ed25519
	kp, err := signer.GenerateKeypair()
	if err != nil {
		return fmt.Errorf("generating keypair: %w", err)
	}

	cfg.PublicKey = kp.PublicKey
	cfg.PrivateKey = kp.PrivateKey
	if err := saveConfig(path, cfg); err != nil {
		return err
	}

	fmt.Fprintf(cmd.ErrOrStderr(), "public key: %s\n", kp.PublicKey)
	return nil
}
