package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/xtr-dev/rondevu-client/internal/durchannel"
	"github.com/xtr-dev/rondevu-client/internal/durconn"
	"github.com/xtr-dev/rondevu-client/pkg/rtccap"
)

var (
	connectUUID     string
	connectUsername string
	connectFQN      string
)

var connectCmd = &cobra.Command{
	Use:   "connect",
	Short: "Connect to a published service and chat over a Durable Channel",
	Long: `Connects to a service addressed either by --uuid or by --username
plus --fqn, opens a "chat" Durable Channel, and relays stdin/stdout: lines
typed are sent, messages received are printed. The connection reconnects
automatically on transport failure.`,
	RunE: runConnect,
}

func init() {
	connectCmd.Flags().StringVar(&connectUUID, "uuid", "", "target service uuid")
	connectCmd.Flags().StringVar(&connectUsername, "username", "", "target service owner's username")
	connectCmd.Flags().StringVar(&connectFQN, "fqn", "", "target service FQN, e.g. chat.example@1.0.0")
}

func runConnect(cmd *cobra.Command, args []string) error {
	if connectUUID == "" && (connectUsername == "" || connectFQN == "") {
		return fmt.Errorf("either --uuid or both --username and --fqn are required")
	}

	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	conn := durconn.New(durconn.Config{
		ICE: rtccap.ICEConfig{Servers: cfg.STUNServers},
	}, signalingClient(cfg), rtccap.PionFactory{}, durconn.Target{
		UUID:       connectUUID,
		Username:   connectUsername,
		ServiceFQN: connectFQN,
	}, globalLogger)

	conn.OnStateChange(func(s durconn.State) {
		fmt.Fprintf(os.Stderr, "[%s]\n", s)
	})
	conn.OnFailed(func(err error, permanent bool) {
		fmt.Fprintf(os.Stderr, "connection failed (permanent=%v): %v\n", permanent, err)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigs
		cancel()
	}()

	if err := conn.Connect(ctx); err != nil {
		return fmt.Errorf("connecting: %w", err)
	}
	defer conn.Close()

	ch, err := conn.CreateChannel("chat", durchannel.Config{Ordered: true})
	if err != nil {
		return fmt.Errorf("creating chat channel: %w", err)
	}
	ch.OnMessage(func(data []byte) {
		fmt.Printf("peer: %s\n", data)
	})

	fmt.Fprintln(os.Stderr, "connected, type to chat, Ctrl-C to stop")

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		if err := ch.Send(scanner.Bytes()); err != nil {
			fmt.Fprintf(os.Stderr, "send failed: %v\n", err)
		}
	}
	return nil
}
