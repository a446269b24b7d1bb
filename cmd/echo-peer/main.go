// ABOUTME: Minimal relay peer that acknowledges every greeting it receives
// ABOUTME: Used for end-to-end checks of agents running against a relay

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/2389/coven-a2a/internal/agent"
	"github.com/2389/coven-a2a/internal/config"
	"github.com/2389/coven-a2a/internal/envelope"
	"github.com/2389/coven-a2a/internal/logging"
	"github.com/2389/coven-a2a/internal/transport"
	"github.com/2389/coven-a2a/internal/transport/relay"
)

func main() {
	if err := run(); err != nil && !errors.Is(err, pflag.ErrHelp) {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		url      string
		address  string
		name     string
		logLevel string
	)
	fs := pflag.NewFlagSet("echo-peer", pflag.ContinueOnError)
	fs.StringVar(&url, "url", "http://localhost:8740", "relay base URL")
	fs.StringVar(&address, "address", "echo", "account address to log in as")
	fs.StringVar(&name, "name", "", "name used in acknowledgements (default: address)")
	fs.StringVar(&logLevel, "log-level", "info", "debug, info, warn or error")
	if err := fs.Parse(os.Args[1:]); err != nil {
		return err
	}
	if name == "" {
		name = address
	}

	password := os.Getenv("A2A_PASSWORD")
	if password == "" {
		return fmt.Errorf("A2A_PASSWORD must be set")
	}

	logger := logging.New(config.LoggingConfig{Level: logLevel}, os.Stderr)

	ctx, cancel := agent.NotifyShutdown(context.Background())
	defer cancel()

	dialer := &relay.Dialer{URL: url, Address: address, Password: password, Logger: logger}
	tr, err := dialer.Dial(ctx)
	if err != nil {
		return fmt.Errorf("connecting to relay: %w", err)
	}
	defer tr.Close()

	logger.Info("echo peer ready", "address", address, "relay", url)
	err = serve(ctx, tr, name, logger)
	if ctx.Err() != nil {
		logger.Info("echo peer stopped")
		return nil
	}
	return err
}

// serve answers greetings until ctx ends or the transport fails.
func serve(ctx context.Context, tr transport.Transport, name string, logger *slog.Logger) error {
	for {
		in, err := tr.Receive(ctx, 30*time.Second)
		if err != nil {
			return err
		}
		if in == nil || in.Kind() != envelope.KindGreeting {
			continue
		}
		if in.From == "" {
			logger.Warn("greeting without sender", "id", in.ID)
			continue
		}

		logger.Info("greeting received", "from", in.From, "text", in.Text())
		reply := envelope.NewResponse(in.From, in.ID, "Greeting acknowledged by "+name, time.Now())
		if err := tr.Send(ctx, reply); err != nil {
			if transport.IsFatal(err) {
				return err
			}
			logger.Warn("reply failed", "to", in.From, "error", err)
		}
	}
}
