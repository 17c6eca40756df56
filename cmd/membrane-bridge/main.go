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

	"github.com/KimMachineGun/automemlimit/memlimit"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/szibis/membrane-bridge/internal/bridge"
	"github.com/szibis/membrane-bridge/internal/config"
	"github.com/szibis/membrane-bridge/internal/health"
	"github.com/szibis/membrane-bridge/internal/intake"
	"github.com/szibis/membrane-bridge/internal/logging"
	"github.com/szibis/membrane-bridge/internal/membrane"
	"github.com/szibis/membrane-bridge/internal/telemetry"
)

const (
	serviceName = "membrane-bridge"
	// readyMaxFill is the queue fill ratio at which /ready starts failing.
	readyMaxFill     = 0.9
	statsLogInterval = 30 * time.Second
)

func main() {
	cfg := config.ParseFlags()

	if cfg.ShowHelp {
		config.PrintUsage()
		os.Exit(0)
	}
	if cfg.ShowVersion {
		config.PrintVersion()
		os.Exit(0)
	}
	if cfg.ValidateOnly {
		if cfg.ConfigFile == "" {
			fmt.Fprintln(os.Stderr, "Error: -validate requires -config")
			os.Exit(2)
		}
		result := config.ValidateFile(cfg.ConfigFile)
		fmt.Println(result.JSON())
		if !result.Valid {
			os.Exit(1)
		}
		os.Exit(0)
	}

	if err := cfg.Validate(); err != nil {
		logging.Fatal("invalid configuration", logging.F("error", err.Error()))
	}

	level, _ := logging.ParseLevel(cfg.LogLevel)
	logging.SetLevel(level)
	logging.SetResource(map[string]string{
		"service.name":    serviceName,
		"service.version": config.Version(),
	})

	if cfg.MemoryLimitRatio > 0 {
		limit, err := memlimit.SetGoMemLimitWithOpts(
			memlimit.WithRatio(cfg.MemoryLimitRatio),
			memlimit.WithProvider(memlimit.ApplyFallback(memlimit.FromCgroup, memlimit.FromSystem)),
		)
		if err != nil {
			logging.Warn("failed to set memory limit", logging.F("error", err.Error()))
		} else {
			logging.Info("memory limit set", logging.F("limit_bytes", limit, "ratio", cfg.MemoryLimitRatio))
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		logging.Fatal("membrane-bridge stopped with error", logging.F("error", err.Error()))
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	tel, err := telemetry.Init(ctx, cfg.TelemetryConfig(), serviceName, config.Version())
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	if tel.Enabled() {
		logging.SetHook(tel.NewLogHook())
		logging.Info("OTLP telemetry enabled", logging.F(
			"endpoint", cfg.TelemetryEndpoint,
			"protocol", cfg.TelemetryProtocol,
		))
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), tel.ShutdownTimeout())
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			logging.Warn("telemetry shutdown failed", logging.F("error", err.Error()))
		}
	}()

	client, err := membrane.New(cfg.MembraneConfig())
	if err != nil {
		return fmt.Errorf("create membrane client: %w", err)
	}

	b := bridge.New(bridge.Config{
		DefaultSensitivity: cfg.DefaultSensitivity,
		FlushTimeout:       cfg.FlushTimeout,
		Logger:             logging.Default(),
	}, client, cfg.DeliveryOptions()...)

	checker := health.New()
	b.RegisterHealth(checker, readyMaxFill)

	in, err := intake.New(intake.Config{
		Addr:              cfg.IntakeListenAddr,
		Path:              cfg.IntakePath,
		MaxBodySize:       cfg.IntakeMaxBodySize,
		ReadHeaderTimeout: cfg.IntakeReadHeaderTimeout,
		WriteTimeout:      cfg.IntakeWriteTimeout,
		IdleTimeout:       cfg.IntakeIdleTimeout,
		TLS:               cfg.IntakeTLSConfig(),
		Auth:              cfg.IntakeAuthConfig(),
	}, b, logging.Default())
	if err != nil {
		_ = b.Shutdown(ctx)
		return fmt.Errorf("create intake: %w", err)
	}

	statsMux := http.NewServeMux()
	statsMux.Handle("/metrics", promhttp.Handler())
	checker.Register(statsMux)
	statsServer := &http.Server{
		Addr:              cfg.StatsAddr,
		Handler:           statsMux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logging.Info("registered bridge", logging.F(
		"membrane_endpoint", client.Endpoint(),
		"intake_addr", cfg.IntakeListenAddr,
		"intake_path", cfg.IntakePath,
		"stats_addr", cfg.StatsAddr,
		"buffer_size", b.Manager().Capacity(),
		"default_sensitivity", cfg.DefaultSensitivity,
	))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(in.Start)
	g.Go(func() error {
		b.StartPeriodicLogging(gctx, statsLogInterval)
		return nil
	})
	g.Go(func() error {
		ln, err := net.Listen("tcp", cfg.StatsAddr)
		if err != nil {
			return fmt.Errorf("stats listener: %w", err)
		}
		logging.Info("stats endpoint started", logging.F("addr", ln.Addr().String()))
		if err := statsServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()

		logging.Info("shutting down")
		checker.SetShuttingDown()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.FlushTimeout+10*time.Second)
		defer cancel()

		if err := in.Stop(shutdownCtx); err != nil {
			logging.Warn("intake shutdown failed", logging.F("error", err.Error()))
		}
		if err := b.Shutdown(shutdownCtx); err != nil {
			logging.Warn("bridge shutdown incomplete", logging.F("error", err.Error()))
		}
		if err := statsServer.Shutdown(shutdownCtx); err != nil {
			logging.Warn("stats server shutdown failed", logging.F("error", err.Error()))
		}
		return nil
	})

	err = g.Wait()
	logging.Info("membrane-bridge stopped")
	return err
}
