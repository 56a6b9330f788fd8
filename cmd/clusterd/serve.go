package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/threatwire/clusterd/config"
	srv "github.com/threatwire/clusterd/internal/server"
)

func serveCMD() *cobra.Command {
	var cfgPath string
	var serve = &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler and ops HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig(cfgPath)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			rt, err := buildRuntime(ctx, cfg, cfg.Telemetry.Enabled)
			if err != nil {
				return err
			}
			defer rt.Close()

			if cfg.Scheduler.Enabled {
				sched := &srv.Scheduler{
					Runs:     rt.store,
					Engine:   rt.engine,
					CronSpec: cfg.Scheduler.CronSpec,
					Interval: cfg.Scheduler.TickInterval,
					Logger:   log.New(log.Writer(), "[SCHED] ", log.LstdFlags),
				}
				sched.Start()
				defer sched.Stop()
			}

			e := srv.New(rt.store, rt.engine)
			go func() {
				if err := e.Start(cfg.Telemetry.Address); err != nil && err != http.ErrServerClosed {
					rt.logger.Printf("ops server stopped: %v", err)
					stop()
				}
			}()

			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return e.Shutdown(shutdownCtx)
		},
	}
	serve.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is .)")

	return serve
}
