// somigrate - saved objects index migrations
//
// Brings every saved objects index up to date with the registered types,
// against Elasticsearch or an object store bucket.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	savedobjects "github.com/adrianmcphee/savedobjects"
	"github.com/adrianmcphee/savedobjects/internal/config"
)

var (
	configPath string
	cfg        *config.Config
	logger     *savedobjects.ZapLogger
)

var rootCmd = &cobra.Command{
	Use:           "somigrate",
	Short:         "Migrate saved objects indices",
	Long:          "somigrate reports and applies saved object migrations: mapping updates and document transforms, with the alias swapped atomically at the end.",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.LoadConfig(configPath, cmd.Root())
		if err != nil {
			return err
		}
		logger, err = savedobjects.NewProductionZapLogger(cfg.LogLevel)
		return err
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configPath, "config", "", "config file (default ./somigrate.yaml)")
	flags.String("log-level", "info", "debug, info, warn or error")
	flags.String("store", config.StoreElasticsearch, "elasticsearch or backend")
	flags.String("types-file", "", "JSON file declaring saved object types")
	flags.String("backend", "", "object store URL (s3://bucket/prefix, gs://bucket, file:///path); implies --store backend")
	flags.String("index", savedobjects.DefaultIndex, "default saved objects alias")
	flags.Int("batch-size", savedobjects.DefaultBatchSize, "documents per batch")
	flags.Duration("max-wait", 0, "how long to wait for another instance (0 waits forever)")

	rootCmd.AddCommand(statusCmd, migrateCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		if logger != nil {
			logger.Error("somigrate failed", "error", err)
			_ = logger.Sync()
		} else {
			os.Stderr.WriteString("somigrate: " + err.Error() + "\n")
		}
		os.Exit(1)
	}
}

// newMigrator wires the configured store, lease and metrics. The returned
// cleanup releases the lease connection.
func newMigrator(ctx context.Context, metrics savedobjects.Metrics) (*savedobjects.Migrator, func(), error) {
	registry, err := config.LoadTypes(cfg.TypesFile)
	if err != nil {
		return nil, nil, err
	}
	gateway, err := cfg.NewGateway(ctx, logger, metrics)
	if err != nil {
		return nil, nil, err
	}

	opts := savedobjects.MigratorOptions{
		Config:   cfg.Migrations,
		Registry: registry,
		Gateway:  gateway,
		Logger:   logger,
		Metrics:  metrics,
	}
	cleanup := func() {}
	if lease := cfg.NewLease(); lease != nil {
		opts.Lease = lease
		cleanup = func() {
			if err := lease.Close(); err != nil {
				logger.Warn("failed to close lease client", "error", err)
			}
		}
	}

	m, err := savedobjects.NewMigrator(opts)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	return m, cleanup, nil
}

// serveMetrics exposes registry on addr until the returned func is called.
func serveMetrics(addr string, registry *prometheus.Registry) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server stopped", "addr", addr, "error", err)
		}
	}()
	logger.Info("serving metrics", "addr", addr)

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
	}
}
