package cli

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/whysosaket/intercom-agent/internal/app"
	"github.com/whysosaket/intercom-agent/internal/config"
)

const version = "0.1.0"

func NewRoot(logger *slog.Logger) *cobra.Command {
	var envFile string
	root := &cobra.Command{
		Use:   "intercom-agent",
		Short: "Confidence-gated support agent for Intercom with Slack review",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return config.LoadDotEnv(envFile)
		},
	}
	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before reading the environment")

	root.AddCommand(newServeCommand(logger))
	root.AddCommand(newSyncCommand(logger))
	root.AddCommand(newChatCommand())
	root.AddCommand(newVersionCommand())

	return root
}

func newServeCommand(logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook server, coordinator and operator API",
		RunE: func(cmd *cobra.Command, args []string) error {
			runtime, err := app.New(config.FromEnv(), logger)
			if err != nil {
				return err
			}
			defer runtime.Close()

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return runtime.Run(ctx)
		},
	}
}

func newSyncCommand(logger *slog.Logger) *cobra.Command {
	var (
		fromSnapshot bool
		snapshotPath string
	)
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Import answered Intercom conversations into the catalogue",
		RunE: func(cmd *cobra.Command, args []string) error {
			runtime, err := app.New(config.FromEnv(), logger)
			if err != nil {
				return err
			}
			defer runtime.Close()

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			summary, err := runtime.Sync(ctx, snapshotPath, fromSnapshot || snapshotPath != "")
			if err != nil {
				return err
			}
			encoder := json.NewEncoder(cmd.OutOrStdout())
			encoder.SetIndent("", "  ")
			return encoder.Encode(summary)
		},
	}
	cmd.Flags().BoolVar(&fromSnapshot, "from-snapshot", false, "ingest the last saved snapshot instead of calling Intercom")
	cmd.Flags().StringVar(&snapshotPath, "snapshot", "", "snapshot file to ingest (implies --from-snapshot)")
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print CLI version",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Println(version)
		},
	}
}
