package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"wsrpc/metrics"
	"wsrpc/middleware"
	"wsrpc/registry"
	"wsrpc/server"
)

func newServeCmd(a *app) *cobra.Command {
	var (
		listen    string
		advertise string
		drain     time.Duration
		maxRate   float64
		retries   int
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the demo Calc service",
		RunE: func(cmd *cobra.Command, args []string) error {
			if listen != "" {
				a.cfg.ListenAddress = listen
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx, advertise, drain, maxRate, retries)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "override listen_address")
	cmd.Flags().StringVar(&advertise, "advertise", "", "URL registered in etcd (default ws://127.0.0.1<listen><path>)")
	cmd.Flags().DurationVar(&drain, "drain", 10*time.Second, "how long shutdown waits for in-flight calls")
	cmd.Flags().Float64Var(&maxRate, "max-rate", 0, "calls per second admitted across all clients (0 = unlimited)")
	cmd.Flags().IntVar(&retries, "retries", 0, "extra attempts for handlers failing with TIMEOUT or CONNECTION_FAILED")
	return cmd
}

func (a *app) serve(ctx context.Context, advertise string, drain time.Duration, maxRate float64, retries int) error {
	cfg := a.cfg

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m, err := metrics.New(reg)
	if err != nil {
		return err
	}

	opts, err := server.ConfigOptions(cfg, a.log)
	if err != nil {
		return err
	}
	opts = append(opts, server.WithMetrics(m))

	etcd, err := a.etcd()
	if err != nil {
		return fmt.Errorf("failed to connect registry: %w", err)
	}
	if etcd != nil {
		defer etcd.Close()
		if advertise == "" {
			advertise = "ws://127.0.0.1" + cfg.ListenAddress + cfg.Path
		}
		opts = append(opts, server.WithRegistry(etcd, advertise, cfg.Registry.TTL))
	}

	srv := server.New(opts...)
	srv.Use(middleware.Logging(a.log.Named("calls")))
	srv.Use(middleware.Tracing(otel.Tracer("wsrpc/server")))
	if maxRate > 0 {
		srv.Use(middleware.RateLimit(maxRate, max(1, int(maxRate))))
	}
	if retries > 0 {
		srv.Use(middleware.Retry(retries, 50*time.Millisecond, a.log))
	}
	if cfg.CallTimeout > 0 {
		srv.Use(middleware.Timeout(cfg.CallTimeout))
	}
	if err := srv.Register(calcService()); err != nil {
		return err
	}

	if etcd != nil && cfg.Obfuscation.Enabled {
		store := registry.NewMappingStore(etcd.Client(), cfg.Registry.MappingKey, a.log)
		if err := store.Publish(ctx, srv.Resolver().Export()); err != nil {
			return fmt.Errorf("failed to publish mapping: %w", err)
		}
	}

	if cfg.MetricsAddress != "" {
		metricsSrv := &http.Server{
			Addr:              cfg.MetricsAddress,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			if err := metricsSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				a.log.Error("metrics server stopped", zap.Error(err))
			}
		}()
		defer metricsSrv.Close()
		a.log.Info("metrics available", zap.String("address", cfg.MetricsAddress))
	}

	served := make(chan error, 1)
	go func() { served <- srv.ListenAndServe(cfg.ListenAddress, cfg.Path) }()

	select {
	case err := <-served:
		return err
	case <-ctx.Done():
	}
	a.log.Info("shutting down", zap.Duration("drain", drain))
	if err := srv.Shutdown(drain); err != nil {
		return err
	}
	return <-served
}
