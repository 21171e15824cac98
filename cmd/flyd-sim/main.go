package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/devghori1264/aerophoenix/portmacros/internal/api"
	"github.com/devghori1264/aerophoenix/portmacros/internal/config"
	"github.com/devghori1264/aerophoenix/portmacros/internal/logging"
	"github.com/devghori1264/aerophoenix/portmacros/internal/machinerpc"
	natsclient "github.com/devghori1264/aerophoenix/portmacros/internal/nats"
	"github.com/devghori1264/aerophoenix/portmacros/internal/server"
	"github.com/devghori1264/aerophoenix/portmacros/internal/storage"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "flyd-sim",
		Short: "Simulated machine service publishing lifecycle events",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			noNATS, _ := cmd.Flags().GetBool("no-nats")
			return run(cfg, !noNATS)
		},
	}
	cmd.Flags().String("config", "", "HCL configuration file")
	cmd.Flags().String("grpc-addr", ":50051", "gRPC listen address")
	cmd.Flags().String("http-addr", ":8080", "HTTP shim listen address")
	cmd.Flags().String("db", "./data/badger", "Badger DB path")
	cmd.Flags().String("nats", "nats://localhost:4222", "NATS URL for lifecycle events")
	cmd.Flags().Int("port-base", 21212, "first host port handed to machine servers")
	cmd.Flags().Bool("no-nats", false, "do not publish lifecycle events")
	return cmd
}

// loadConfig reads the config file, applies flags that were set explicitly
// and validates the result.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	flags := cmd.Flags()
	cfg := config.Default()
	if path, _ := flags.GetString("config"); path != "" {
		var err error
		if cfg, err = config.Read(path); err != nil {
			return nil, err
		}
	}
	if flags.Changed("grpc-addr") {
		cfg.Flyd.GRPCAddr, _ = flags.GetString("grpc-addr")
	}
	if flags.Changed("http-addr") {
		cfg.Flyd.HTTPAddr, _ = flags.GetString("http-addr")
	}
	if flags.Changed("db") {
		cfg.Flyd.DBPath, _ = flags.GetString("db")
	}
	if flags.Changed("nats") {
		cfg.NATS.URL, _ = flags.GetString("nats")
	}
	if flags.Changed("port-base") {
		cfg.Flyd.PortBase, _ = flags.GetInt("port-base")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func run(cfg *config.Config, withNATS bool) error {
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		return err
	}
	defer logger.Sync()

	bootDelay, err := cfg.BootDelayDuration()
	if err != nil {
		return err
	}

	// Create storage
	store, err := storage.NewBadgerStore(cfg.Flyd.DBPath)
	if err != nil {
		return fmt.Errorf("open badger store: %w", err)
	}
	defer store.Close()

	opts := server.Options{
		BootDelay: bootDelay,
		PortBase:  cfg.Flyd.PortBase,
		Logger:    logger,
	}
	if withNATS {
		nc, err := natsclient.Connect(cfg.NATS.URL, "aerophoenix-flyd-sim", logger)
		if err != nil {
			return err
		}
		publisher := natsclient.NewPublisher(nc, cfg.NATS.Subject)
		defer publisher.Close()
		opts.Notifier = publisher
	}
	srv := server.New(store, opts)

	// Start gRPC server
	lis, err := net.Listen("tcp", cfg.Flyd.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Flyd.GRPCAddr, err)
	}
	grpcServer := grpc.NewServer()
	machinerpc.Register(grpcServer, srv)

	go func() {
		logger.Info("gRPC server listening", zap.String("addr", cfg.Flyd.GRPCAddr))
		if err := grpcServer.Serve(lis); err != nil {
			logger.Fatal("grpc serve error", zap.Error(err))
		}
	}()

	// Start HTTP shim
	httpServer := &http.Server{
		Addr:    cfg.Flyd.HTTPAddr,
		Handler: api.NewHTTPHandler(srv, logger),
	}
	go func() {
		logger.Info("HTTP shim listening", zap.String("addr", cfg.Flyd.HTTPAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("http listen", zap.Error(err))
		}
	}()

	// Metrics endpoint
	metricsMux := http.NewServeMux()
	api.RegisterMetrics(metricsMux, prometheus.DefaultGatherer)
	metricsServer := &http.Server{Addr: cfg.Flyd.MetricsAddr, Handler: metricsMux}
	go func() {
		logger.Info("Prometheus metrics available", zap.String("addr", cfg.Flyd.MetricsAddr))
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("metrics server", zap.Error(err))
		}
	}()

	// Graceful shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	logger.Info("shutdown initiated")

	grpcServer.GracefulStop()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Warn("http server shutdown error", zap.Error(err))
	}
	_ = metricsServer.Shutdown(ctx)
	srv.Wait()
	logger.Info("shutdown complete")
	return nil
}
