package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/xtr-dev/rondevu-client/pkg/cryptocap"
	"github.com/xtr-dev/rondevu-client/pkg/protocol"
)

var claimCmd = &cobra.Command{
	Use:   "claim <username>",
	Short: "Claim a username with a signed proof of key possession",
	Long: `Claims username on the rendezvous server, proving possession of the
local private key by signing the canonical message "claim:<username>:<unixMillis>". Requires 'rondevu genkey' to have been run first.`,
	Args: cobra.ExactArgs(1),
	RunE: runClaim,
}

func runClaim(cmd *cobra.Command, args []string) error {
	username := args[0]

	cfg, path, err := loadConfig()
	if err != nil {
		return err
	}
	if !cfg.HasKeypair() {
		return fmt.Errorf("no signing keypair configured, run 'rondevu genkey' first")
	}

	var signer cryptocap.Ed25519
	message := protocol.ClaimMessage(username, time.Now().UnixMilli())
	signature, err := signer.Sign(cfg.PrivateKey, []byte(message))
	if err != nil {
		return fmt.Errorf("signing claim message: %w", err)
	}

	sc := signalingClient(cfg)
	if err := sc.ClaimUsername(context.Background(), username, cfg.PublicKey, signature, message); err != nil {
		return fmt.Errorf("claiming username %q: %w", username, err)
	}

	cfg.Username = username
	if err := saveConfig(path, cfg); err != nil {
		return err
	}

	fmt.Fprintf(cmd.ErrOrStderr(), "claimed username: %s\n", username)
	return nil
}
