package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/kimhsiao/reportsync/internal/config"
	"github.com/kimhsiao/reportsync/internal/db"
	"github.com/kimhsiao/reportsync/internal/logging"
	syncpkg "github.com/kimhsiao/reportsync/internal/sync"
	"github.com/kimhsiao/reportsync/internal/sync/remote"
	"github.com/kimhsiao/reportsync/internal/sync/store"
)

var (
	envFile string
	cfg     *config.Config
)

var rootCmd = &cobra.Command{
	Use:           "reportsync",
	Short:         "Offline-first sync client for teacher reports",
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: false,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		v, err := config.New(envFile)
		if err != nil {
			return err
		}
		if err := bindFlags(v, cmd); err != nil {
			return err
		}
		cfg, err = config.Load(v)
		if err != nil {
			return err
		}
		logging.Init(os.Stderr, logging.ParseLevel(cfg.LogLevel))
		return nil
	},
}

// flagKeys maps persistent flags to config keys.
var flagKeys = map[string]string{
	"endpoint":  "endpoint",
	"data-dir":  "data_dir",
	"store":     "store",
	"redis-url": "redis_url",
	"api-addr":  "api_addr",
	"log-level": "log_level",
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&envFile, "env-file", ".env", "dotenv file with REPORTSYNC_* settings")
	flags.String("endpoint", "", "sync server base URL")
	flags.String("data-dir", "", "directory of the sqlite queue")
	flags.String("store", "", "queue store: sqlite, redis or memory")
	flags.String("redis-url", "", "redis URL for the redis store")
	flags.String("api-addr", "", "listen address of the control API")
	flags.String("log-level", "", "debug, info, warn or error")
}

// bindFlags lets explicitly set flags override file and environment values.
func bindFlags(v *viper.Viper, cmd *cobra.Command) error {
	for flag, key := range flagKeys {
		f := cmd.Flags().Lookup(flag)
		if f == nil || !f.Changed {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("bind flag %s: %w", flag, err)
		}
	}
	return nil
}

// app is an opened queue with its engine.
type app struct {
	backend store.Backend
	engine  *syncpkg.Engine
	client  *remote.Client
}

// openBackend opens the configured queue store.
func openBackend(ctx context.Context, c *config.Config) (store.Backend, error) {
	switch c.Store {
	case config.StoreRedis:
		client, err := store.NewRedisClient(ctx, c.RedisURL)
		if err != nil {
			return nil, err
		}
		return store.NewRedis(client, ""), nil
	case config.StoreMemory:
		return store.NewMemory(), nil
	default:
		if err := os.MkdirAll(c.DataDir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		return db.OpenStore(c.DataDir)
	}
}

// openApp opens the store and builds the engine. One-shot commands pass
// online=false so enqueueing never starts a background pass.
func openApp(ctx context.Context, c *config.Config, online bool) (*app, error) {
	backend, err := openBackend(ctx, c)
	if err != nil {
		return nil, err
	}

	deviceID, err := syncpkg.EnsureDeviceID(ctx, backend)
	if err != nil {
		backend.Close()
		return nil, err
	}

	a := &app{backend: backend}
	deps := syncpkg.Deps{
		Store: backend,
		Meta:  backend,
		Audit: backend,
	}
	if c.Configured() {
		a.client = remote.New(c.Endpoint, remote.Chain(
			&remote.StoredToken{Meta: backend, DeviceID: deviceID},
			remote.StaticToken(c.Token),
		))
		deps.Remote = a.client
	}

	a.engine, err = syncpkg.NewEngine(ctx, deps, &syncpkg.Config{
		BatchSize:   c.BatchSize,
		MaxRetries:  c.MaxRetries,
		BaseBackoff: c.BaseBackoff,
		MaxBackoff:  c.MaxBackoff,
	})
	if err != nil {
		backend.Close()
		return nil, err
	}
	if !online {
		a.engine.SetOnline(false)
	}
	return a, nil
}

func (a *app) Close() {
	a.engine.Close()
	if err := a.backend.Close(); err != nil {
		logging.Error("Failed to close store", err)
	}
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
