// Command rondevu is a demo CLI over the rendezvous client library: it
// registers a device, claims a username, publishes a Durable Service, and
// connects to one, all as plain-text chat over a Durable Channel.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// version is set at build time via -ldflags "-X main.version=...".
var version = "dev"

var (
	globalConfigPath string
	globalServerURL  string
	globalVerbose    bool
	globalLogger     *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "rondevu",
	Short: "Peer-to-peer WebRTC signaling over a rendezvous server",
	Long: `rondevu demonstrates the rendevu-client library: peers exchange SDP
offers and ICE candidates through a rendezvous server, then talk directly
over WebRTC data channels once connected.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := slog.LevelInfo
		if globalVerbose {
			level = slog.LevelDebug
		}
		globalLogger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&globalConfigPath, "config", "", "path to config file (default: ~/.config/rondevu/config.toml)")
	rootCmd.PersistentFlags().StringVar(&globalServerURL, "server", "", "rendezvous server base URL (overrides config)")
	rootCmd.PersistentFlags().BoolVarP(&globalVerbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(registerCmd)
	rootCmd.AddCommand(claimCmd)
	rootCmd.AddCommand(genkeyCmd)
	rootCmd.AddCommand(publishCmd)
	rootCmd.AddCommand(connectCmd)
	rootCmd.AddCommand(qrCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the rondevu version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version)
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
