package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/reportsync/internal/api"
	"github.com/kimhsiao/reportsync/internal/logging"
	"github.com/kimhsiao/reportsync/internal/sync/scheduler"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the control API with background sync",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := openApp(ctx, cfg, true)
		if err != nil {
			return err
		}
		defer a.Close()

		var prober scheduler.Prober
		if a.client != nil {
			prober = a.client
		} else {
			logging.Warn("No sync endpoint configured, uploads are disabled", nil)
		}
		sched := scheduler.NewScheduler(a.engine, prober, &scheduler.SchedulerConfig{
			SyncInterval:  cfg.SyncInterval,
			ProbeInterval: cfg.ProbeInterval,
		})
		sched.Start(ctx)
		defer sched.Stop()

		apiServer := api.NewServer(a.engine)
		defer apiServer.Close()

		srv := &http.Server{
			Addr:              cfg.APIAddr,
			Handler:           apiServer,
			ReadHeaderTimeout: 10 * time.Second,
		}

		errCh := make(chan error, 1)
		go func() {
			logging.Info("Control API listening", map[string]interface{}{"addr": cfg.APIAddr, "device_id": a.engine.DeviceID()})
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
			close(errCh)
		}()

		select {
		case err := <-errCh:
			if err != nil {
				return err
			}
		case <-ctx.Done():
		}

		logging.Info("Shutting down", nil)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
