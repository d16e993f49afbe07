package cli

import (
	"fmt"
	"time"

	"github.com/ChuLiYu/hackops/internal/journal"
	"github.com/ChuLiYu/hackops/internal/snapshot"
	"github.com/ChuLiYu/hackops/pkg/types"
	"github.com/spf13/cobra"
)

func buildExportCommand(opts *rootOptions) *cobra.Command {
	var (
		output string
		keep   int
	)

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export the store as JSON",
		Long: `Write every action record, print job and agent heartbeat to one JSON file
for the analytics side. The file is replaced atomically; the previous export
is kept as a timestamped backup.

A badger store is locked by a running server, so export from badger after
stopping it. sqlite stores can be exported while running.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			st, err := openStore(cmd.Context(), cfg.Store)
			if err != nil {
				return fmt.Errorf("failed to open store: %w", err)
			}
			defer st.Close()

			export, err := snapshot.Capture(cmd.Context(), st, time.Now())
			if err != nil {
				return err
			}
			if err := snapshot.NewManager(output).WriteWithBackup(export, keep); err != nil {
				return err
			}

			counts := export.JobsByStatus()
			fmt.Fprintf(cmd.OutOrStdout(), "Exported %d actions, %d print jobs (%d completed), %d agents to %s\n",
				len(export.Actions), len(export.Jobs), counts[types.StatusCompleted], len(export.Agents), output)
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "export file path")
	cmd.Flags().IntVar(&keep, "keep", 3, "number of previous exports to keep")
	_ = cmd.MarkFlagRequired("output")
	return cmd
}

func buildJournalCommand(opts *rootOptions) *cobra.Command {
	var path string

	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Inspect the audit journal",
	}
	cmd.PersistentFlags().StringVar(&path, "path", "", "journal file (default: journal.path)")

	resolve := func(cmd *cobra.Command) (string, error) {
		if path != "" {
			return path, nil
		}
		cfg, err := opts.load(cmd.ErrOrStderr())
		if err != nil {
			return "", err
		}
		if cfg.Journal.Path == "" {
			return "", fmt.Errorf("no journal configured")
		}
		return cfg.Journal.Path, nil
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "verify",
		Short: "Check every journal entry's checksum and sequence",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := resolve(cmd)
			if err != nil {
				return err
			}
			n, err := journal.Verify(p)
			if err != nil {
				return fmt.Errorf("journal %s: %w", p, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Journal %s OK: %d events\n", p, n)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "dump",
		Short: "Print journal events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := resolve(cmd)
			if err != nil {
				return err
			}
			return journal.Dump(p, cmd.OutOrStdout())
		},
	})

	return cmd
}
