// ABOUTME: Entry point for a2a-agent, which runs cyclic greeting agents
// ABOUTME: Commands: run (supervise configured agents), init (write sample config), journal

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/pflag"

	"github.com/2389/coven-a2a/internal/agent"
	"github.com/2389/coven-a2a/internal/config"
	"github.com/2389/coven-a2a/internal/logging"
	"github.com/2389/coven-a2a/internal/store"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
            ___                                _
  __ _ |_  ) __ _        __ _  __ _  ___ _ __ | |_
 / _' | / / / _' |_____ / _' |/ _' |/ _ \ '_ \|  _|
| (_| |/___| (_| |_____| (_| | (_| |  __/ | | | |_
 \__,_|     \__,_|      \__,_|\__, |\___|_| |_|\__|
                              |___/
`

func usage(w io.Writer) {
	fmt.Fprintln(w, "Usage: a2a-agent <command> [flags]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  run       Run every configured agent until interrupted")
	fmt.Fprintln(w, "  init      Write a sample config file")
	fmt.Fprintln(w, "  journal   Print recent journaled envelopes")
	fmt.Fprintln(w, "  version   Print the version")
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
	case "run":
		err = runAgents(ctx, args)
	case "init":
		err = runInit(args, os.Stdout)
	case "journal":
		err = runJournal(ctx, args, os.Stdout)
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

func loadConfig(flagValue string) (*config.Config, string, error) {
	path := config.ResolvePath(flagValue, "agent.yaml")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, path, fmt.Errorf("loading config: %w", err)
	}
	return cfg, path, nil
}

func runAgents(ctx context.Context, args []string) error {
	var configFlag string
	fs := pflag.NewFlagSet("run", pflag.ContinueOnError)
	fs.StringVarP(&configFlag, "config", "c", "", "config file (default: $A2A_CONFIG or ~/.config/coven-a2a/agent.yaml)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, configPath, err := loadConfig(configFlag)
	if err != nil {
		return err
	}
	if len(cfg.Agents) == 0 {
		return fmt.Errorf("no agents configured in %s", configPath)
	}

	logger := logging.New(cfg.Logging, os.Stderr)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Transport: %s\n", cfg.Transport.Kind)
	for _, a := range cfg.Agents {
		green.Print("    ▶ ")
		fmt.Printf("Agent:     %s ", a.Name)
		gray.Printf("(%s → %s, every %s)\n", a.Address, a.Peer, a.CyclePeriod)
	}
	if cfg.Journal.Path != "" {
		green.Print("    ▶ ")
		fmt.Printf("Journal:   %s\n", cfg.Journal.Path)
	}
	fmt.Println()

	var journal store.Journal
	if cfg.Journal.Path != "" {
		s, err := store.NewSQLiteStore(cfg.Journal.Path)
		if err != nil {
			return fmt.Errorf("opening journal: %w", err)
		}
		defer s.Close()
		journal = s
	}

	sup, err := buildSupervisor(cfg, journal, logger)
	if err != nil {
		return err
	}

	logger.Info("starting agents", "count", sup.Len(), "transport", cfg.Transport.Kind)
	err = sup.Run(ctx)
	if err != nil {
		logger.Error("agents stopped with error", "error", err)
		return err
	}
	logger.Info("all agents stopped")
	return nil
}

func runInit(args []string, out io.Writer) error {
	var (
		configFlag string
		force      bool
	)
	fs := pflag.NewFlagSet("init", pflag.ContinueOnError)
	fs.StringVarP(&configFlag, "config", "c", "", "where to write the config")
	fs.BoolVarP(&force, "force", "f", false, "overwrite an existing file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	path := config.ResolvePath(configFlag, "agent.yaml")
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(config.Sample), 0600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	green := color.New(color.FgGreen)
	green.Fprint(out, "✓ ")
	fmt.Fprintf(out, "Wrote %s\n", path)
	return nil
}

func runJournal(ctx context.Context, args []string, out io.Writer) error {
	var (
		configFlag string
		filter     store.EnvelopeFilter
		direction  string
	)
	fs := pflag.NewFlagSet("journal", pflag.ContinueOnError)
	fs.StringVarP(&configFlag, "config", "c", "", "config file")
	fs.StringVar(&filter.Agent, "agent", "", "only rows for this agent")
	fs.StringVar(&filter.Kind, "kind", "", "only greeting or response rows")
	fs.StringVar(&direction, "direction", "", "only in or out rows")
	fs.IntVarP(&filter.Limit, "limit", "n", 20, "maximum rows to print")
	if err := fs.Parse(args); err != nil {
		return err
	}

	switch store.Direction(direction) {
	case "", store.DirectionInbound, store.DirectionOutbound:
		filter.Direction = store.Direction(direction)
	default:
		return fmt.Errorf("--direction must be in or out")
	}

	cfg, _, err := loadConfig(configFlag)
	if err != nil {
		return err
	}
	if cfg.Journal.Path == "" {
		return fmt.Errorf("journal.path is not set")
	}

	s, err := store.NewSQLiteStore(cfg.Journal.Path)
	if err != nil {
		return fmt.Errorf("opening journal: %w", err)
	}
	defer s.Close()

	rows, err := s.ListEnvelopes(ctx, filter)
	if err != nil {
		return fmt.Errorf("listing envelopes: %w", err)
	}
	printJournal(out, rows)
	return nil
}

func printJournal(out io.Writer, rows []*store.EnvelopeRecord) {
	if len(rows) == 0 {
		fmt.Fprintln(out, "No envelopes recorded.")
		return
	}

	table := tablewriter.NewWriter(out)
	table.SetHeader([]string{"#", "Time", "Agent", "Dir", "Kind", "Peer", "Text", "Error"})
	table.SetAutoWrapText(false)
	for _, r := range rows {
		table.Append([]string{
			strconv.FormatInt(r.ID, 10),
			r.CreatedAt.Format("15:04:05"),
			r.Agent,
			string(r.Direction),
			r.Kind,
			r.Peer,
			r.Text,
			r.Error,
		})
	}
	table.Render()
}
