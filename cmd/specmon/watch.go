package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/SEBv15/go-certifspec/logger"
	"github.com/SEBv15/go-certifspec/spec"
)

func watchCmd() *cobra.Command {
	var (
		host     string
		port     int
		name     string
		addr     string
		props    []string
		logLevel string
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Watch properties and serve a metrics endpoint",
		Long: `Connect to a server and serve Prometheus metrics until
interrupted.

Each --prop property is subscribed on the server and exported as a
spec_property_value gauge; updates arrive as change events. The
session's traffic counters are exported alongside.

Examples:
  specmon watch --host spec1.example.edu --port 6510 --prop var/NPTS
  specmon watch --prop motor/tth/position --prop scaler/sec/value
  specmon watch --addr :9643`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(host, port, name, addr, props, logLevel)
		},
	}

	cmd.Flags().StringVarP(&host, "host", "H", "127.0.0.1", "Server host")
	cmd.Flags().IntVarP(&port, "port", "p", 0, "Server port; 0 scans the default port range")
	cmd.Flags().StringVar(&name, "name", "specmon", "Client name announced to the server")
	cmd.Flags().StringVar(&addr, "addr", ":9643", "Listen address for the metrics endpoint")
	cmd.Flags().StringArrayVar(&props, "prop", nil, "Property to export as a gauge (repeatable)")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn, error")

	return cmd
}

func runWatch(host string, port int, name string, addr string, props []string, logLevel string) error {
	log := logger.NewSlog(parseLevel(logLevel), false)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	opts := []spec.ConnOption{
		spec.WithLogger(log),
		spec.WithClientName(name),
	}

	var (
		client *spec.Client
		err    error
	)
	if port > 0 {
		client, err = spec.Connect(ctx, host, port, opts...)
	} else {
		client, err = spec.Discover(ctx, host, opts...)
	}
	if err != nil {
		return err
	}
	defer client.Close()

	log.Info("connected", "server", client.ServerName(), "host", host)

	registry := prometheus.NewRegistry()
	gauge := newPropertyGauge()
	registry.MustRegister(gauge)
	registry.MustRegister(upGauge(client))
	for _, collector := range connectionCollectors(client.Metrics()) {
		registry.MustRegister(collector)
	}

	update := propertyUpdater(gauge)
	for _, prop := range props {
		if _, err := client.Subscribe(ctx, prop, update); err != nil {
			return fmt.Errorf("failed to watch %s: %w", prop, err)
		}
		log.Info("watching property", "property", prop)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	server := &http.Server{Addr: addr, Handler: mux}
	go func() {
		log.Info("metrics endpoint listening", "addr", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics endpoint failed", "error", err)
			cancel()
		}
	}()

	exitSig := make(chan os.Signal, 1)
	signal.Notify(exitSig, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-exitSig:
		log.Info("exit signal received", "signal", sig.String())
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("metrics endpoint shutdown failed", "error", err)
	}

	return client.Close()
}

func parseLevel(s string) logger.Level {
	switch strings.ToLower(s) {
	case "debug":
		return logger.DebugLevel
	case "info":
		return logger.InfoLevel
	case "warn", "warning":
		return logger.WarnLevel
	case "error":
		return logger.ErrorLevel
	default:
		return logger.InfoLevel
	}
}
