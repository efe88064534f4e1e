package main

import (
	"fmt"
	"os"

	"github.com/skip2/go-qrcode"
	"github.com/spf13/cobra"
)

var qrCmd = &cobra.Command{
	Use:   "qr <uuid-or-username/fqn>",
	Short: "Display a QR code for a service identifier",
	Long: `Displays a QR code containing a service's uuid (or "username/fqn"
pairing string), so another device can scan it instead of typing the
identifier by hand when running 'rondevu connect'.`,
	Args: cobra.ExactArgs(1),
	RunE: runQR,
}

func runQR(cmd *cobra.Command, args []string) error {
	identifier := args[0]

	qr, err := qrcode.New(identifier, qrcode.Medium)
	if err != nil {
		return fmt.Errorf("generating QR code: %w", err)
	}

	fmt.Fprintln(os.Stderr, qr.ToSmallString(false))
	fmt.Fprintf(os.Stderr, "Service: %s\n", identifier)
	return nil
}
