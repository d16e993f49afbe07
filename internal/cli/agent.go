package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/ChuLiYu/hackops/internal/agent"
	"github.com/ChuLiYu/hackops/internal/config"
	"github.com/ChuLiYu/hackops/internal/journal"
	"github.com/ChuLiYu/hackops/internal/metrics"
	"github.com/ChuLiYu/hackops/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

func buildAgentCommand(opts *rootOptions) *cobra.Command {
	var (
		local         bool
		id            string
		metricsListen string
	)

	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Run a print dispatch agent",
		Long: `Run a print agent next to a photo printer. By default the agent talks to
the hackops server over gRPC (--server). With --local it works directly on a
shared sqlite store (store.driver=sqlite) on this machine.

Give each agent a stable --id (or agent.id) so that a restarted agent resumes
the prints it had claimed.

A --local agent journals its claims and outcomes to its own file next to
journal.path (journal-<id>.log), so that each file keeps one sequence.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			if id != "" {
				cfg.Agent.ID = id
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runAgent(ctx, opts, cfg, local, metricsListen)
		},
	}

	cmd.Flags().BoolVar(&local, "local", false, "use the local sqlite store instead of the server")
	cmd.Flags().StringVar(&id, "id", "", "agent identity (default: agent.id or <hostname>-<uuid>)")
	cmd.Flags().StringVar(&metricsListen, "metrics-listen", "", "serve agent metrics on this address")
	return cmd
}

func runAgent(ctx context.Context, opts *rootOptions, cfg *config.Config, local bool, metricsListen string) error {
	log := slog.Default()

	id := cfg.Agent.ID
	if id == "" {
		id = agent.DefaultID()
	}

	var q agent.Queue
	if local {
		if cfg.Store.Driver != config.DriverSQLite {
			return errors.New("--local needs store.driver=sqlite; badger stores are single-process")
		}
		st, err := openStore(ctx, cfg.Store)
		if err != nil {
			return fmt.Errorf("failed to open store: %w", err)
		}
		defer st.Close()

		var j *journal.Journal
		if cfg.Journal.Path != "" {
			path := agentJournalPath(cfg.Journal.Path, id)
			if j, err = openJournal(path); err != nil {
				return err
			}
			defer j.Close()
		}
		q = store.NewQueue(st, store.WithJournal(j))
		log.Info("Agent using local store", "path", cfg.Store.Path, "journal", j.Path())
	} else {
		client, err := opts.dial(cfg)
		if err != nil {
			return err
		}
		defer client.Close()
		q = client
		log.Info("Agent using server", "addr", opts.serverTarget(cfg))
	}

	d, err := newDriver(cfg.Agent.Printer)
	if err != nil {
		return err
	}

	var agentOpts []agent.Option
	if metricsListen != "" {
		reg := prometheus.NewRegistry()
		m, err := metrics.NewCollector(reg)
		if err != nil {
			return fmt.Errorf("failed to register metrics: %w", err)
		}
		agentOpts = append(agentOpts, agent.WithMetrics(m))

		srv := metrics.NewServer(metricsListen, reg)
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("Metrics server failed", "error", err)
			}
		}()
		defer srv.Close()
	}

	return agent.New(q, d, agentConfig(cfg.Agent, id), agentOpts...).Run(ctx)
}

// agentJournalPath names a standalone agent's journal after the shared one:
// data/journal.log becomes data/journal-<id>.log.
func agentJournalPath(base, id string) string {
	ext := filepath.Ext(base)
	return strings.TrimSuffix(base, ext) + "-" + id + ext
}
