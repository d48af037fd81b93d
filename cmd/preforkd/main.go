package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bc-dunia/preforkd/internal/admin"
	"github.com/bc-dunia/preforkd/internal/app"
	"github.com/bc-dunia/preforkd/internal/auth"
	"github.com/bc-dunia/preforkd/internal/config"
	"github.com/bc-dunia/preforkd/internal/events"
	"github.com/bc-dunia/preforkd/internal/health"
	"github.com/bc-dunia/preforkd/internal/metrics"
	"github.com/bc-dunia/preforkd/internal/otel"
	"github.com/bc-dunia/preforkd/internal/supervisor"
)

// version is stamped by the release build via -ldflags.
var version = "dev"

const samplerInterval = 5 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	cfg := config.Default()
	cfg.ApplyEnv()

	flag.StringVar(&cfg.BindAddr, "bind", cfg.BindAddr, "Data socket address (host:port or unix:/path)")
	flag.StringVar(&cfg.AdminAddr, "admin-addr", cfg.AdminAddr, "Admin API address (empty disables the admin server)")
	flag.StringVar(&cfg.AdminToken, "admin-token", cfg.AdminToken, "Static token protecting the admin API (empty disables auth)")
	flag.IntVar(&cfg.Workers, "workers", cfg.Workers, "Worker pool size")
	flag.DurationVar(&cfg.RequestTimeout, "request-timeout", cfg.RequestTimeout, "Per-request handler budget; a worker exceeding it is retired")
	flag.DurationVar(&cfg.GracePeriod, "grace-period", cfg.GracePeriod, "Graceful shutdown budget for in-flight requests")
	flag.DurationVar(&cfg.KeepAlive, "keepalive", cfg.KeepAlive, "Idle keep-alive connection budget")
	flag.DurationVar(&cfg.StartupTimeout, "startup-timeout", cfg.StartupTimeout, "Budget for a spawned worker to become ready")
	flag.DurationVar(&cfg.HeartbeatGrace, "heartbeat-grace", cfg.HeartbeatGrace, "Slack added to the request timeout before a worker counts as overdue")
	flag.DurationVar(&cfg.MonitorInterval, "monitor-interval", cfg.MonitorInterval, "Health monitor poll period (0 derives request-timeout/2)")
	flag.IntVar(&cfg.MaxRequests, "max-requests", cfg.MaxRequests, "Recycle a worker after this many requests (0 disables)")
	flag.IntVar(&cfg.MaxRequestsJitter, "max-requests-jitter", cfg.MaxRequestsJitter, "Random extra requests added to each worker's recycle quota")
	flag.IntVar(&cfg.CrashLoopLimit, "crash-loop-limit", cfg.CrashLoopLimit, "Crash-class exits per slot tolerated inside the crash-loop window")
	flag.DurationVar(&cfg.CrashLoopWindow, "crash-loop-window", cfg.CrashLoopWindow, "Sliding window for crash-loop detection")
	flag.IntVar(&cfg.EventBufferSize, "event-buffer", cfg.EventBufferSize, "Lifecycle event ring capacity")
	flag.StringVar(&cfg.OTelExporter, "otel-exporter", cfg.OTelExporter, "OpenTelemetry exporter: none, stdout, otlp-grpc, otlp-http")
	flag.StringVar(&cfg.OTelEndpoint, "otel-endpoint", cfg.OTelEndpoint, "OTLP collector endpoint")
	otelInsecure := flag.Bool("otel-insecure", false, "Disable TLS for OTLP connections")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("preforkd %s\n", version)
		return 0
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		return 2
	}

	events.SetGlobalEventLogger(events.NewEventLogger(os.Getpid()))

	ctx := context.Background()

	tracer, otelMetrics, err := setupTelemetry(ctx, cfg, *otelInsecure)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to set up telemetry: %v\n", err)
		return 1
	}
	defer flushTelemetry(tracer, otelMetrics)

	ring := events.NewRing(cfg.EventBufferSize)
	collector := metrics.NewCollector()

	sampler, err := health.NewSampler(samplerInterval)
	if err != nil {
		log.Printf("[Main] process sampler unavailable: %v", err)
		sampler = nil
	} else {
		sampler.Start()
		defer sampler.Stop()
		collector.SetProcessProvider(sampler)
	}

	monitor := health.NewMonitor(cfg.RequestTimeout, cfg.HeartbeatGrace, cfg.EffectiveMonitorInterval())

	appCfg := app.DefaultConfig()
	appCfg.Version = version
	handler := app.New(appCfg)

	sup := supervisor.New(cfg, handler)
	sup.SetMonitor(monitor)
	sup.SetRing(ring)
	sup.SetCollector(collector)
	if sampler != nil {
		sup.SetSampler(sampler)
	}
	if tracer != nil {
		sup.SetTracer(tracer)
	}
	collector.SetPoolProvider(sup)

	monitor.Start()
	defer monitor.Stop()

	if err := sup.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start: %v\n", err)
		return 1
	}

	if err := sup.WaitReady(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Pool never became ready: %v\n", err)
		return 1
	}
	log.Printf("[Main] preforkd %s serving on %s with %d workers", version, sup.Addr(), cfg.Workers)

	var adminSrv *admin.Server
	if cfg.AdminAddr != "" {
		adminSrv = admin.NewServer(cfg.AdminAddr, sup)
		adminSrv.SetCollector(collector)
		adminSrv.SetRing(ring)
		if sampler != nil {
			adminSrv.SetSampler(sampler)
		}
		if tracer != nil {
			adminSrv.SetTracer(tracer)
		}
		if cfg.AdminToken != "" {
			adminSrv.SetAuthConfig(&auth.Config{
				Mode:   auth.AuthModeToken,
				Tokens: []string{cfg.AdminToken},
			})
		}
		if err := adminSrv.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to start admin server: %v\n", err)
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			sup.Shutdown(shutdownCtx, supervisor.ShutdownImmediate)
			return 1
		}
		log.Printf("[Main] admin API on %s", adminSrv.URL())
	}

	sigCh := make(chan os.Signal, 4)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT, syscall.SIGHUP)
	go handleSignals(sigCh, sup)

	err = sup.Wait(ctx)
	signal.Stop(sigCh)

	if adminSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		adminSrv.Shutdown(shutdownCtx)
		cancel()
	}

	if err != nil {
		log.Printf("[Main] preforkd exited: %v", err)
		return 1
	}
	log.Printf("[Main] preforkd stopped")
	return 0
}

// handleSignals translates process signals into supervisor operations:
// SIGTERM and the first SIGINT drain gracefully, a second SIGINT or a
// SIGQUIT aborts immediately, SIGHUP rolls the pool onto a fresh
// generation.
func handleSignals(sigCh <-chan os.Signal, sup *supervisor.Supervisor) {
	interrupted := false
	for sig := range sigCh {
		switch sig {
		case syscall.SIGHUP:
			log.Printf("[Main] SIGHUP: rolling reload")
			go func() {
				if err := sup.Reload(context.Background()); err != nil {
					log.Printf("[Main] reload failed: %v", err)
				}
			}()
		case syscall.SIGTERM:
			log.Printf("[Main] SIGTERM: graceful shutdown")
			go sup.Shutdown(context.Background(), supervisor.ShutdownGraceful)
		case syscall.SIGINT:
			if interrupted {
				log.Printf("[Main] second SIGINT: immediate shutdown")
				go sup.Shutdown(context.Background(), supervisor.ShutdownImmediate)
				continue
			}
			interrupted = true
			log.Printf("[Main] SIGINT: graceful shutdown (interrupt again to force)")
			go sup.Shutdown(context.Background(), supervisor.ShutdownGraceful)
		case syscall.SIGQUIT:
			log.Printf("[Main] SIGQUIT: immediate shutdown")
			go sup.Shutdown(context.Background(), supervisor.ShutdownImmediate)
		}
	}
}

func setupTelemetry(ctx context.Context, cfg *config.Config, insecure bool) (*otel.Tracer, *otel.Metrics, error) {
	if cfg.OTelExporter == "" || cfg.OTelExporter == "none" {
		return nil, nil, nil
	}

	exporter := otel.ExporterType(cfg.OTelExporter)
	tracer, err := otel.NewTracer(ctx, &otel.Config{
		Enabled:        true,
		ServiceName:    "preforkd",
		ServiceVersion: version,
		ExporterType:   exporter,
		OTLPEndpoint:   cfg.OTelEndpoint,
		OTLPInsecure:   insecure,
		SampleRate:     1.0,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("tracer: %w", err)
	}
	otel.SetGlobalTracer(tracer)

	otelMetrics, err := otel.NewMetrics(ctx, &otel.MetricsConfig{
		Enabled:        true,
		ServiceName:    "preforkd",
		ServiceVersion: version,
		ExporterType:   exporter,
		OTLPEndpoint:   cfg.OTelEndpoint,
		OTLPInsecure:   insecure,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("metrics: %w", err)
	}
	otel.SetGlobalMetrics(otelMetrics)

	return tracer, otelMetrics, nil
}

func flushTelemetry(tracer *otel.Tracer, otelMetrics *otel.Metrics) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if otelMetrics != nil {
		if err := otelMetrics.Shutdown(ctx); err != nil {
			log.Printf("[Main] metrics shutdown: %v", err)
		}
	}
	if tracer != nil {
		if err := tracer.Shutdown(ctx); err != nil {
			log.Printf("[Main] tracer shutdown: %v", err)
		}
	}
}
