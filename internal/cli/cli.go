// ============================================================================
// hackops CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra command tree for the on-site services, the print agents and
// the staff console.
//
// Command Structure:
//   hackops                              # Root command
//   ├── serve [--agents N]               # gRPC + /metrics, optional local agents
//   ├── agent [--server addr | --local]  # print dispatch agent next to a printer
//   ├── record <participant> <action>    # staff: record an on-site action
//   ├── submit <participant> <photo>     # staff: queue a photo print
//   ├── cancel <participant> <job>       # staff: withdraw a pending print
//   ├── history <participant>            # staff: actions and prints of one person
//   ├── status                           # job counts and agent heartbeats
//   ├── export -o file                   # atomic JSON export of the store
//   └── journal verify|dump              # audit journal tools
//
// Global flags:
//   --config, -c   YAML config (default configs/default.yaml), HACKOPS_* overrides
//   --server       gRPC address of `hackops serve` for staff commands and agents
//
// Signal Handling:
//   serve and agent stop on SIGINT/SIGTERM. Agents finish recording the
//   outcome of a print already sent to the printer before exiting.
//
// ============================================================================

package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ChuLiYu/hackops/internal/config"
	"github.com/ChuLiYu/hackops/internal/store"
	"github.com/ChuLiYu/hackops/internal/store/badgerstore"
	"github.com/ChuLiYu/hackops/internal/store/sqlitestore"
	"github.com/ChuLiYu/hackops/internal/transport/grpcqueue"
	"github.com/spf13/cobra"
)

// Version is stamped at build time with -ldflags "-X ...cli.Version=...".
var Version = "dev"

// rpcTimeout bounds a single staff console call.
const rpcTimeout = 10 * time.Second

type rootOptions struct {
	configPath string
	server     string
}

// BuildCLI returns the root command.
func BuildCLI() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:   "hackops",
		Short: "hackops: on-site action guard and photo print dispatch",
		Long: `hackops records on-site participant actions and dispatches photo prints:
- guarded check-in, swag, photobooth and meal records
- one photo print per participant
- print agents with atomic claims, retries and automatic reconnects`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "configs/default.yaml", "config file path")
	rootCmd.PersistentFlags().StringVar(&opts.server, "server", "", "hackops server address (default: derived from server.listen)")

	rootCmd.AddCommand(buildServeCommand(opts))
	rootCmd.AddCommand(buildAgentCommand(opts))
	rootCmd.AddCommand(buildRecordCommand(opts))
	rootCmd.AddCommand(buildSubmitCommand(opts))
	rootCmd.AddCommand(buildCancelCommand(opts))
	rootCmd.AddCommand(buildHistoryCommand(opts))
	rootCmd.AddCommand(buildStatusCommand(opts))
	rootCmd.AddCommand(buildExportCommand(opts))
	rootCmd.AddCommand(buildJournalCommand(opts))

	return rootCmd
}

// load reads the config and installs the configured slog handler on w.
func (o *rootOptions) load(w io.Writer) (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	setupLogging(cfg.Log, w)
	return cfg, nil
}

func setupLogging(c config.LogConfig, w io.Writer) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Level)); err != nil {
		level = slog.LevelInfo
	}
	handlerOpts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	if c.Format == "json" {
		h = slog.NewJSONHandler(w, handlerOpts)
	} else {
		h = slog.NewTextHandler(w, handlerOpts)
	}
	slog.SetDefault(slog.New(h))
	slog.SetLogLoggerLevel(level)
}

// serverTarget resolves the address staff commands and remote agents dial.
func (o *rootOptions) serverTarget(cfg *config.Config) string {
	if o.server != "" {
		return o.server
	}
	listen := cfg.Server.Listen
	if strings.HasPrefix(listen, ":") {
		return "localhost" + listen
	}
	return listen
}

func (o *rootOptions) dial(cfg *config.Config) (*grpcqueue.Client, error) {
	target := o.serverTarget(cfg)
	client, err := grpcqueue.Dial(target)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", target, err)
	}
	return client, nil
}

// openStore opens the backend selected by store.driver.
func openStore(ctx context.Context, c config.StoreConfig) (store.Store, error) {
	switch c.Driver {
	case config.DriverSQLite:
		if dir := filepath.Dir(c.Path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create store dir: %w", err)
			}
		}
		s, err := sqlitestore.Open(ctx, c.Path, sqlitestore.WithPollInterval(c.PollInterval))
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.DriverBadger:
		s, err := badgerstore.Open(c.Path)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", c.Driver)
	}
}
