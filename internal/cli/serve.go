package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/ChuLiYu/hackops/internal/agent"
	"github.com/ChuLiYu/hackops/internal/config"
	"github.com/ChuLiYu/hackops/internal/directory"
	"github.com/ChuLiYu/hackops/internal/guard"
	"github.com/ChuLiYu/hackops/internal/journal"
	"github.com/ChuLiYu/hackops/internal/metrics"
	"github.com/ChuLiYu/hackops/internal/printer"
	"github.com/ChuLiYu/hackops/internal/printqueue"
	"github.com/ChuLiYu/hackops/internal/store"
	"github.com/ChuLiYu/hackops/internal/transport/grpcqueue"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const shutdownTimeout = 10 * time.Second

func buildServeCommand(opts *rootOptions) *cobra.Command {
	var agents int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the hackops server",
		Long: `Open the store and the participant directory, then serve the gRPC API for
staff consoles and remote print agents, and Prometheus metrics on /metrics.
--agents starts that many print agents inside the server process.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg, agents)
		},
	}

	cmd.Flags().IntVar(&agents, "agents", 0, "number of in-process print agents")
	return cmd
}

func runServe(ctx context.Context, cfg *config.Config, agents int) error {
	log := slog.Default()

	st, err := openStore(ctx, cfg.Store)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	roster, err := directory.LoadRoster(cfg.Directory.Roster)
	if err != nil {
		return fmt.Errorf("failed to load roster: %w", err)
	}
	log.Info("Roster loaded", "path", cfg.Directory.Roster, "participants", roster.Len())

	var j *journal.Journal
	if cfg.Journal.Path != "" {
		if j, err = openJournal(cfg.Journal.Path); err != nil {
			return err
		}
		defer j.Close()
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m, err := metrics.NewCollector(reg)
	if err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}

	recorder := guard.NewRecorder(roster, st, guard.WithJournal(j), guard.WithMetrics(m))
	svcOpts := []printqueue.Option{printqueue.WithJournal(j), printqueue.WithMetrics(m)}
	if deadline, ok := cfg.PrintDeadline(); ok {
		svcOpts = append(svcOpts, printqueue.WithDeadline(deadline))
		log.Info("Print submissions close", "at", deadline)
	}
	prints := printqueue.NewService(roster, st, printqueue.Namespace{Prefix: cfg.Photos.Prefix}, svcOpts...)
	queue := store.NewQueue(st, store.WithJournal(j))

	lis, err := net.Listen("tcp", cfg.Server.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.Server.Listen, err)
	}

	grpcServer := grpc.NewServer()
	grpcqueue.NewServer(recorder, prints, queue, st).Register(grpcServer)
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus(grpcqueue.ServiceDesc.ServiceName, healthpb.HealthCheckResponse_SERVING)

	errCh := make(chan error, 2)
	go func() {
		log.Info("gRPC server listening", "addr", lis.Addr().String())
		if err := grpcServer.Serve(lis); err != nil {
			errCh <- fmt.Errorf("grpc server: %w", err)
		}
	}()

	var metricsServer *http.Server
	if cfg.Server.MetricsListen != "" {
		metricsServer = metrics.NewServer(cfg.Server.MetricsListen, reg)
		go func() {
			log.Info("Metrics server listening", "addr", cfg.Server.MetricsListen)
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	agentCtx, stopAgents := context.WithCancel(ctx)
	defer stopAgents()
	var wg sync.WaitGroup
	for i := 0; i < agents; i++ {
		d, err := newDriver(cfg.Agent.Printer)
		if err != nil {
			return err
		}
		a := agent.New(queue, d, agentConfig(cfg.Agent, localAgentID(cfg.Agent.ID, i)), agent.WithMetrics(m))
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := a.Run(agentCtx); err != nil {
				log.Error("Agent stopped", "agent", a.ID(), "error", err)
			}
		}()
	}

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	log.Info("System started successfully", "store", cfg.Store.Driver, "agents", agents)

	var runErr error
loop:
	for {
		select {
		case <-ctx.Done():
			log.Info("Received shutdown signal, stopping gracefully")
			break loop
		case err := <-errCh:
			runErr = err
			break loop
		case <-hup:
			if err := roster.Reload(); err != nil {
				log.Error("Failed to reload roster", "error", err)
				continue
			}
			log.Info("Roster reloaded", "participants", roster.Len())
		}
	}

	healthServer.Shutdown()
	stopAgents()
	wg.Wait()

	stopped := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(shutdownTimeout):
		grpcServer.Stop()
	}

	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			log.Warn("Metrics server shutdown", "error", err)
		}
	}

	log.Info("System stopped")
	return runErr
}

func openJournal(path string) (*journal.Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create journal dir: %w", err)
	}
	j, err := journal.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	return j, nil
}

func agentConfig(c config.AgentConfig, id string) agent.Config {
	return agent.Config{
		ID:                id,
		MaxAttempts:       c.MaxAttempts,
		PrintTimeout:      c.PrintTimeout,
		RetryDelay:        c.RetryDelay,
		HeartbeatInterval: c.HeartbeatInterval,
		ReconnectDelay:    c.ReconnectDelay,
		ReconnectJitter:   c.ReconnectJitter,
		KeepAwake:         c.KeepAwake,
	}
}

func newDriver(c config.PrinterConfig) (printer.Driver, error) {
	d, err := printer.New(c.Driver, c.Command, c.PhotoRoot, c.FailureRate)
	if err != nil {
		return nil, fmt.Errorf("failed to create printer driver: %w", err)
	}
	return d, nil
}

// localAgentID names the i-th in-process agent. A configured id keeps the
// names stable across restarts so agents resume their own claims.
func localAgentID(base string, i int) string {
	if base == "" {
		return agent.DefaultID()
	}
	return fmt.Sprintf("%s-%d", base, i+1)
}
