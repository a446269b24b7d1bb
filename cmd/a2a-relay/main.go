// ABOUTME: Entry point for a2a-relay, the websocket relay agents log in to
// ABOUTME: Commands: serve, account add/list, health

package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/pflag"

	"github.com/2389/coven-a2a/internal/agent"
	"github.com/2389/coven-a2a/internal/config"
	"github.com/2389/coven-a2a/internal/logging"
	"github.com/2389/coven-a2a/internal/relay"
	"github.com/2389/coven-a2a/internal/store"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
            ___                  _
  __ _ |_  ) __ _   _ __ ___ | | __ _ _   _
 / _' | / / / _' | | '__/ _ \| |/ _' | | | |
| (_| |/___| (_| | | | |  __/| | (_| | |_| |
 \__,_|     \__,_| |_|  \___||_|\__,_|\__, |
                                      |___/
`

func usage(w io.Writer) {
	fmt.Fprintln(w, "Usage: a2a-relay <command> [flags]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve                  Start the relay server")
	fmt.Fprintln(w, "  account add ADDRESS    Create an account (password from A2A_PASSWORD or stdin)")
	fmt.Fprintln(w, "  account list           List accounts")
	fmt.Fprintln(w, "  health                 Check relay health")
	fmt.Fprintln(w, "  version                Print the version")
}

func main() {
	if len(os.Args) < 2 {
		usage(os.Stdout)
		os.Exit(1)
	}

	ctx, cancel := agent.NotifyShutdown(context.Background())
	defer cancel()

	args := os.Args[2:]
	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx, args)
	case "account":
		err = runAccount(ctx, args, os.Stdin, os.Stdout)
	case "health":
		err = runHealth(ctx, args, os.Stdout)
	case "version":
		fmt.Println(version)
	case "help", "-h", "--help":
		usage(os.Stdout)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil && !errors.Is(err, pflag.ErrHelp) {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newFlagSet(name string, configFlag *string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.StringVarP(configFlag, "config", "c", "", "config file (default: $A2A_CONFIG or ~/.config/coven-a2a/relay.yaml)")
	return fs
}

func loadRelayConfig(flagValue string) (*config.Config, string, error) {
	path := config.ResolvePath(flagValue, "relay.yaml")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, path, fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.ValidateRelay(); err != nil {
		return nil, path, fmt.Errorf("validating relay config: %w", err)
	}
	return cfg, path, nil
}

func runServe(ctx context.Context, args []string) error {
	var configFlag string
	if err := newFlagSet("serve", &configFlag).Parse(args); err != nil {
		return err
	}

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, configPath, err := loadRelayConfig(configFlag)
	if err != nil {
		return err
	}
	logger := logging.New(cfg.Logging, os.Stderr)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Relay.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Database:  %s\n", cfg.Relay.Database)
	green.Print("    ▶ ")
	fmt.Printf("Mailbox:   %d envelopes per address\n\n", cfg.Relay.MailboxSize)

	s, err := store.NewSQLiteStore(cfg.Relay.Database)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer s.Close()

	srv, err := relay.New(relay.Config{
		HTTPAddr:    cfg.Relay.HTTPAddr,
		JWTSecret:   cfg.Relay.JWTSecret,
		TokenTTL:    cfg.Relay.TokenTTL,
		MailboxSize: cfg.Relay.MailboxSize,
	}, s, logger)
	if err != nil {
		return fmt.Errorf("creating relay: %w", err)
	}

	logger.Info("starting a2a-relay", "config", configPath, "http_addr", cfg.Relay.HTTPAddr)
	return srv.Run(ctx)
}

func runAccount(ctx context.Context, args []string, in io.Reader, out io.Writer) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: a2a-relay account add ADDRESS | account list")
	}

	var configFlag string
	fs := newFlagSet("account "+args[0], &configFlag)
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}

	cfg, _, err := loadRelayConfig(configFlag)
	if err != nil {
		return err
	}
	s, err := store.NewSQLiteStore(cfg.Relay.Database)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer s.Close()

	switch args[0] {
	case "add":
		if fs.NArg() != 1 {
			return fmt.Errorf("usage: a2a-relay account add ADDRESS")
		}
		return addAccount(ctx, s, fs.Arg(0), in, out)
	case "list":
		return listAccounts(ctx, s, out)
	default:
		return fmt.Errorf("unknown account command: %s", args[0])
	}
}

// readPassword prefers A2A_PASSWORD and falls back to the first line of in.
func readPassword(in io.Reader) (string, error) {
	if p := os.Getenv("A2A_PASSWORD"); p != "" {
		return p, nil
	}
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("reading password: %w", err)
	}
	p := strings.TrimRight(line, "\r\n")
	if p == "" {
		return "", fmt.Errorf("password is required (set A2A_PASSWORD or pipe it on stdin)")
	}
	return p, nil
}

func addAccount(ctx context.Context, accounts store.Accounts, address string, in io.Reader, out io.Writer) error {
	address = strings.TrimSpace(address)
	if address == "" {
		return fmt.Errorf("address cannot be empty")
	}
	password, err := readPassword(in)
	if err != nil {
		return err
	}
	if err := accounts.CreateAccount(ctx, address, password); err != nil {
		return fmt.Errorf("creating account: %w", err)
	}

	green := color.New(color.FgGreen)
	green.Fprint(out, "✓ ")
	fmt.Fprintf(out, "Created account %s\n", address)
	return nil
}

func listAccounts(ctx context.Context, accounts store.Accounts, out io.Writer) error {
	list, err := accounts.ListAccounts(ctx)
	if err != nil {
		return fmt.Errorf("listing accounts: %w", err)
	}
	if len(list) == 0 {
		fmt.Fprintln(out, "No accounts.")
		return nil
	}

	table := tablewriter.NewWriter(out)
	table.SetHeader([]string{"Address", "Created", "Last Login"})
	for _, a := range list {
		last := "never"
		if a.LastLoginAt != nil {
			last = a.LastLoginAt.Format(time.RFC3339)
		}
		table.Append([]string{a.Address, a.CreatedAt.Format(time.RFC3339), last})
	}
	table.Render()
	return nil
}

func runHealth(ctx context.Context, args []string, out io.Writer) error {
	var (
		configFlag string
		url        string
	)
	fs := newFlagSet("health", &configFlag)
	fs.StringVar(&url, "url", "", "relay base URL (default: derived from relay.http_addr)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if url == "" {
		cfg, _, err := loadRelayConfig(configFlag)
		if err != nil {
			return err
		}
		url = baseURL(cfg.Relay.HTTPAddr)
	}
	return checkHealth(ctx, http.DefaultClient, url, out)
}

// baseURL turns a listen address like ":8740" into a dialable URL.
func baseURL(addr string) string {
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return "http://" + addr
}

func checkHealth(ctx context.Context, client *http.Client, base string, out io.Writer) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(base, "/")+"/health", nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	var health relay.HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return fmt.Errorf("decoding health response: %w", err)
	}

	fmt.Fprintf(out, "%s (%d sessions)\n", health.Status, len(health.Sessions))
	for _, s := range health.Sessions {
		fmt.Fprintf(out, "  %s\n", s.Address)
	}
	return nil
}
