package cmd

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/rpcsentinel/rpcsentinel/internal/core/detector"
	"github.com/rpcsentinel/rpcsentinel/internal/core/router"
	"github.com/rpcsentinel/rpcsentinel/internal/core/store"
	"github.com/rpcsentinel/rpcsentinel/internal/core/worker"
	"github.com/rpcsentinel/rpcsentinel/internal/observability"
	"github.com/rpcsentinel/rpcsentinel/internal/server"
)

var (
	serverPort int
	serverHost string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the proxy",
	Long: `Start the JSON-RPC proxy with graceful shutdown support.

On SIGINT or SIGTERM the proxy stops accepting new requests, stops
health probes, waits for worker queues to drain, flushes statistics,
and closes the database.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		observability.InitServerLogger("rpcsentinel", cfg.Logging.Level)
		logger := observability.ServerLogger
		defer logger.Sync() // nolint:errcheck // stderr sync errors are benign

		logger.Info("initializing proxy",
			zap.String("version", versionInfo.Version),
			zap.Strings("endpoints", cfg.Endpoints),
			zap.String("host", cfg.Server.Host),
			zap.Int("port", cfg.Server.Port))

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		st, err := store.Open(ctx, cfg.Store)
		if err != nil {
			return err
		}
		defer st.Close() // nolint:errcheck // close again on early return is harmless

		if err := st.Migrate(ctx); err != nil {
			return err
		}

		var metrics *observability.Metrics
		if cfg.Metrics.Enabled {
			metrics = observability.NewMetrics(prometheus.DefaultRegisterer)
		}

		det := detector.New(st, cfg.RateLimit, logger)

		workers := make([]*worker.Worker, 0, len(cfg.Endpoints))
		for _, endpoint := range cfg.Endpoints {
			id, err := st.EnsureEndpoint(ctx, endpoint)
			if err != nil {
				return err
			}
			w := worker.New(id, endpoint, det, st, cfg.Worker, logger)
			if metrics != nil {
				w.Observer = metrics
			}
			workers = append(workers, w)
		}

		pool := worker.NewPool(workers)
		prober := worker.NewProber(pool, cfg.Worker.HealthCheckInterval, logger)
		rt := router.New(pool, cfg.Router.MaxHoldTime, logger)

		srv := server.New(server.Options{
			Config:  cfg.Server,
			Router:  rt,
			Pool:    pool,
			Store:   st,
			Metrics: metrics,
			Logger:  logger,
		})

		proberCtx, stopProber := context.WithCancel(ctx)
		defer stopProber()
		go prober.Run(proberCtx)

		if metrics != nil {
			go observeGauges(proberCtx, pool, metrics)
		}

		errChan := make(chan error, 1)
		go func() {
			if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errChan <- err
			}
		}()

		select {
		case err := <-errChan:
			return err
		case <-ctx.Done():
		}

		logger.Info("shutdown signal received")
		stopProber()

		shutdownTimeout := cfg.Server.ShutdownTimeout
		if shutdownTimeout <= 0 {
			shutdownTimeout = 30 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown failed", zap.Error(err))
			return err
		}

		if !drainQueues(shutdownCtx, pool) {
			logger.Warn("worker queues did not drain before timeout")
		}

		if err := st.Close(); err != nil {
			logger.Error("store close failed", zap.Error(err))
			return err
		}

		logger.Info("shutdown complete")
		return nil
	},
}

// drainQueues waits for every worker queue to empty, polling until ctx
// expires. Returns true when all queues drained.
func drainQueues(ctx context.Context, pool *worker.Pool) bool {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		pending := 0
		for _, w := range pool.All() {
			pending += w.QueueLength()
		}
		if pending == 0 {
			return true
		}

		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

// observeGauges refreshes the queue-depth and availability gauges.
func observeGauges(ctx context.Context, pool *worker.Pool, metrics *observability.Metrics) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			available := 0
			for _, status := range pool.Statuses() {
				metrics.QueueDepth.WithLabelValues(status.URL).Set(float64(status.QueueLength))
				if status.Available {
					available++
				}
			}
			metrics.WorkersAvailable.Set(float64(available))
		}
	}
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serverHost, "host", "0.0.0.0", "server host")
	serveCmd.Flags().IntVarP(&serverPort, "port", "p", 8545, "server port")
	serveCmd.Flags().StringSlice("endpoint", nil, "upstream endpoint url (repeatable)")

	_ = viper.BindPFlag("server.host", serveCmd.Flags().Lookup("host"))
	_ = viper.BindPFlag("server.port", serveCmd.Flags().Lookup("port"))
	_ = viper.BindPFlag("endpoints", serveCmd.Flags().Lookup("endpoint"))
}
