package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/threatwire/clusterd/config"
)

func runCMD() *cobra.Command {
	var cfgPath string
	var run = &cobra.Command{
		Use:   "run",
		Short: "Execute a single clustering run and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig(cfgPath)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			rt, err := buildRuntime(ctx, cfg, false)
			if err != nil {
				return err
			}
			defer rt.Close()

			summary, err := rt.engine.Run(ctx)
			if err != nil {
				return fmt.Errorf("clustering run: %w", err)
			}
			rt.logger.Printf("run %s: considered=%d created=%d merged=%d skipped=%d",
				summary.RunID, summary.ArticlesConsidered, summary.ClustersCreated,
				summary.ClustersMerged, summary.Skipped())
			return nil
		},
	}
	run.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is .)")

	return run
}
