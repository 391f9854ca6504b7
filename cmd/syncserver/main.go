// Command syncserver runs the reference batch sync endpoint.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/reportsync/internal/config"
	"github.com/kimhsiao/reportsync/internal/logging"
	"github.com/kimhsiao/reportsync/internal/server"
)

var (
	envFile string
	cfg     *config.ServerConfig
)

var rootCmd = &cobra.Command{
	Use:          "syncserver",
	Short:        "Reference batch endpoint for reportsync clients",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		v, err := config.New(envFile)
		if err != nil {
			return err
		}
		cfg, err = config.LoadServer(v)
		if err != nil {
			return err
		}
		logging.Init(os.Stderr, logging.ParseLevel(cfg.LogLevel))
		return nil
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve POST /sync/batch",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		repo, closeRepo, err := openRepository(ctx)
		if err != nil {
			return err
		}
		defer closeRepo()

		auth := server.NewAuthenticator(cfg.JWTSecret, cfg.JWTExpiry, cfg.EnrollmentKeyHash)
		srv := &http.Server{
			Addr:              ":" + cfg.ServerPort,
			Handler:           server.NewRouter(server.NewBatchHandler(repo), auth),
			ReadHeaderTimeout: 10 * time.Second,
		}

		go func() {
			logging.Info("Sync server listening", map[string]interface{}{"port": cfg.ServerPort})
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logging.Error("Server error", err)
				stop()
			}
		}()

		<-ctx.Done()
		logging.Info("Shutting down server", nil)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	},
}

// openRepository uses Postgres when database_url is set and process memory
// otherwise.
func openRepository(ctx context.Context) (server.RecordRepository, func(), error) {
	if cfg.DatabaseURL == "" {
		logging.Warn("database_url not set, records are kept in memory", nil)
		return server.NewMemoryRepository(), func() {}, nil
	}

	pool, err := server.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	repo := server.NewPostgresRepository(pool)
	if err := repo.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}
	return repo, pool.Close, nil
}

var tokenCmd = &cobra.Command{
	Use:   "token <device-id>",
	Short: "Issue a bearer token for a device",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		auth := server.NewAuthenticator(cfg.JWTSecret, cfg.JWTExpiry, "")
		token, expiresAt, err := auth.IssueToken(args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		logging.Info("Token issued", map[string]interface{}{"device_id": args[0], "expires_at": expiresAt.Format(time.RFC3339)})
		return nil
	},
}

var hashKeyCmd = &cobra.Command{
	Use:   "hash-key <enrollment-key>",
	Short: "Print the bcrypt hash to set as enrollment_key_hash",
	Args:  cobra.ExactArgs(1),
	// Hashing needs no server settings.
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
	RunE: func(cmd *cobra.Command, args []string) error {
		hash, err := server.HashEnrollmentKey(args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), hash)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file with REPORTSYNC_* settings")
	rootCmd.AddCommand(serveCmd, tokenCmd, hashKeyCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
