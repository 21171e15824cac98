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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/devghori1264/aerophoenix/portmacros/internal/api"
	"github.com/devghori1264/aerophoenix/portmacros/internal/config"
	"github.com/devghori1264/aerophoenix/portmacros/internal/logging"
	"github.com/devghori1264/aerophoenix/portmacros/internal/machinerpc"
	"github.com/devghori1264/aerophoenix/portmacros/internal/macro"
	"github.com/devghori1264/aerophoenix/portmacros/internal/metrics"
	natsclient "github.com/devghori1264/aerophoenix/portmacros/internal/nats"
	"github.com/devghori1264/aerophoenix/portmacros/internal/portmacro"
	"github.com/devghori1264/aerophoenix/portmacros/internal/telemetry"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "macrod",
		Short: "Keeps ${server.port.*} macros in step with a workspace machine",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}
	cmd.Flags().String("config", "", "HCL configuration file")
	cmd.Flags().String("workspace", "", "only follow machines of this workspace")
	cmd.Flags().String("machine", "", "machine to resolve on startup")
	cmd.Flags().String("flyd", "localhost:50051", "flyd-sim gRPC address")
	cmd.Flags().String("nats", "nats://localhost:4222", "NATS URL for lifecycle events")
	cmd.Flags().String("http-addr", ":8081", "HTTP listen address")
	return cmd
}

// loadConfig reads the config file, applies flags that were set explicitly
// and only then validates.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	flags := cmd.Flags()
	cfg := config.Default()
	if path, _ := flags.GetString("config"); path != "" {
		var err error
		if cfg, err = config.Read(path); err != nil {
			return nil, err
		}
	}
	if flags.Changed("workspace") {
		cfg.WorkspaceID, _ = flags.GetString("workspace")
	}
	if flags.Changed("machine") {
		cfg.MachineID, _ = flags.GetString("machine")
	}
	if flags.Changed("flyd") {
		cfg.Flyd.GRPCAddr, _ = flags.GetString("flyd")
	}
	if flags.Changed("nats") {
		cfg.NATS.URL, _ = flags.GetString("nats")
	}
	if flags.Changed("http-addr") {
		cfg.HTTPAddr, _ = flags.GetString("http-addr")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func run(parent context.Context, cfg *config.Config) error {
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		return err
	}
	defer logger.Sync()

	fetchTimeout, err := cfg.FetchTimeoutDuration()
	if err != nil {
		return err
	}

	tp, err := telemetry.NewProvider("macrod", cfg.Telemetry.Traces, os.Stdout)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = tp.Shutdown(ctx)
	}()

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m, err := metrics.NewResolver(promReg)
	if err != nil {
		return err
	}

	registry := macro.NewRegistry(logger)
	registry.OnChange(m.ObserveRegistry)

	client, err := machinerpc.Dial(cfg.Flyd.GRPCAddr)
	if err != nil {
		return err
	}
	defer client.Close()

	resolver := portmacro.New(client, registry, portmacro.Options{
		FetchTimeout: fetchTimeout,
		Metrics:      m,
		Tracer:       tp.Tracer("github.com/devghori1264/aerophoenix/portmacros/internal/portmacro"),
		Logger:       logger,
	})

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runDone := make(chan error, 1)
	go func() { runDone <- resolver.Run(ctx) }()

	nc, err := natsclient.Connect(cfg.NATS.URL, "aerophoenix-macrod", logger)
	if err != nil {
		stop()
		<-runDone
		return err
	}
	defer nc.Drain()

	sub := natsclient.NewSubscriber(resolver, natsclient.Filter{
		WorkspaceID: cfg.WorkspaceID,
		MachineID:   cfg.MachineID,
	}, logger)
	if err := sub.Subscribe(ctx, nc, cfg.NATS.Subject); err != nil {
		stop()
		<-runDone
		return err
	}
	defer sub.Unsubscribe()

	if cfg.MachineID != "" {
		if err := resolver.OnEnvironmentStarted(ctx, cfg.WorkspaceID, cfg.MachineID); err != nil {
			logger.Warn("bootstrap cycle not queued", zap.Error(err))
		}
	}

	mux := api.NewMacroHandler(registry, resolver, logger)
	api.RegisterMetrics(mux, promReg)
	httpServer := &http.Server{Addr: cfg.HTTPAddr, Handler: mux}
	go func() {
		logger.Info("macro agent listening",
			zap.String("addr", cfg.HTTPAddr),
			zap.String("flyd", cfg.Flyd.GRPCAddr),
			zap.String("subject", cfg.NATS.Subject))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http listen", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server shutdown error", zap.Error(err))
	}
	if err := <-runDone; err != nil && !errors.Is(err, context.Canceled) {
		logger.Warn("resolver exited", zap.Error(err))
	}
	logger.Info("shutdown complete", zap.Int("macros_left", registry.Len()))
	return nil
}
