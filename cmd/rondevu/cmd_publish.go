package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/xtr-dev/rondevu-client/internal/durchannel"
	"github.com/xtr-dev/rondevu-client/internal/durservice"
	"github.com/xtr-dev/rondevu-client/pkg/cryptocap"
	"github.com/xtr-dev/rondevu-client/pkg/rtccap"
)

var (
	publishFQN    string
	publishPublic bool
	publishTTL    time.Duration
)

var publishCmd = &cobra.Command{
	Use:   "publish",
	Short: "Publish a service and chat with anyone who connects to it",
	Long: `Publishes a Durable Service under the configured username and FQN,
then relays stdin/stdout as a broadcast chat: every line typed is sent to
every connected peer, and every message received is printed with the
connection id that sent it. Requires 'rondevu claim' to have been run.`,
	RunE: runPublish,
}

func init() {
	publishCmd.Flags().StringVar(&publishFQN, "fqn", "", "service FQN, e.g. chat.example@1.0.0 (required)")
	publishCmd.Flags().BoolVar(&publishPublic, "public", false, "list the service in public discovery")
	publishCmd.Flags().DurationVar(&publishTTL, "ttl", 5*time.Minute, "offer/service TTL before refresh")
	_ = publishCmd.MarkFlagRequired("fqn")
}

func runPublish(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Username == "" || !cfg.HasKeypair() {
		return fmt.Errorf("no claimed username/keypair configured, run 'rondevu claim' first")
	}

	var mu sync.Mutex
	channels := make(map[string]*durchannel.Channel)

	svc := durservice.New(durservice.Config{
		Username:         cfg.Username,
		PublicKey:        cfg.PublicKey,
		PrivateKey:       cfg.PrivateKey,
		ServiceFQN:       publishFQN,
		IsPublic:         publishPublic,
		TTL:              publishTTL,
		ICE:              rtccap.ICEConfig{Servers: cfg.STUNServers},
	}, signalingClient(cfg), rtccap.PionFactory{}, cryptocap.Ed25519{}, globalLogger,
		func(c durservice.Connection) {
			mu.Lock()
			channels[c.ID] = c.Channel
			mu.Unlock()

			fmt.Fprintf(os.Stderr, "[connected %s]\n", c.ID)
			c.Channel.OnMessage(func(data []byte) {
				fmt.Printf("%s: %s\n", c.ID, data)
			})
			c.Channel.OnStateChange(func(s durchannel.State) {
				if s == durchannel.StateClosed {
					mu.Lock()
					delete(channels, c.ID)
					mu.Unlock()
					fmt.Fprintf(os.Stderr, "[disconnected %s]\n", c.ID)
				}
			})
		},
		func(err error, phase string) {
			fmt.Fprintf(os.Stderr, "service error (%s): %v\n", phase, err)
		},
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigs
		cancel()
	}()

	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("starting service: %w", err)
	}
	defer svc.Close()

	fmt.Fprintf(os.Stderr, "publishing %s as %s/%s (uuid=%s)\n", publishFQN, cfg.Username, publishFQN, svc.Service().UUID)
	fmt.Fprintln(os.Stderr, "type to broadcast to every connected peer, Ctrl-C to stop")

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		line := scanner.Bytes()
		mu.Lock()
		for id, ch := range channels {
			if err := ch.Send(line); err != nil {
				fmt.Fprintf(os.Stderr, "send to %s failed: %v\n", id, err)
			}
		}
		mu.Unlock()
	}
	return nil
}
