package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/castbridge/castbridge/internal/config"
	"github.com/castbridge/castbridge/internal/control"
	"github.com/castbridge/castbridge/internal/discovery"
	"github.com/castbridge/castbridge/internal/events"
	"github.com/castbridge/castbridge/internal/relay"
	"github.com/castbridge/castbridge/internal/server"
	"github.com/castbridge/castbridge/internal/topology"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfgFile := flag.String("config", os.Getenv("CASTBRIDGE_CONFIG"), "config file path (or set CASTBRIDGE_CONFIG)")
	advertise := flag.String("advertise", "", "base URL devices should use to reach this process, e.g. http://192.168.1.10:8090")
	flag.Parse()

	cfg, err := config.Load(*cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		return 1
	}

	logger, err := setupLogger(cfg.Logging.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		return 1
	}
	defer logger.Sync()

	logger.Info("configuration loaded",
		zap.String("port", cfg.Server.Port),
		zap.Int("maxConsumers", cfg.Relay.MaxConsumers),
		zap.Int("maxBufferFrames", cfg.Relay.MaxBufferFrames),
		zap.Duration("producerTimeout", cfg.Relay.ProducerTimeout()),
	)

	// Device-facing components
	controlClient := control.NewClient(cfg.Control.RatePerSecond, cfg.Control.Timeout(), logger)
	discoverySvc := discovery.NewService(discovery.Config{
		Timeout:       cfg.Discovery.Timeout(),
		RetryCount:    cfg.Discovery.RetryCount,
		RetryInterval: cfg.Discovery.RetryInterval(),
		CacheTTL:      cfg.Discovery.CacheTTL(),
		SearchTarget:  cfg.Discovery.SearchTarget,
	}, logger)
	resolver := topology.NewResolver(controlClient, discoverySvc, logger)

	eventMgr := events.NewManager(events.Config{
		ListenPort:      cfg.Events.ListenPort,
		RequestedLease:  cfg.Events.Lease(),
		RenewalMargin:   cfg.Events.RenewalMargin(),
		MinRenewalDelay: cfg.Events.MinRenewalDelay(),
	}, logger)
	eventMgr.OnNotification(func(deviceIP string, ev events.Event) {
		logger.Debug("device event",
			zap.String("device", deviceIP),
			zap.String("type", string(ev.Type)),
		)
	})
	if err := eventMgr.Start(); err != nil {
		logger.Error("failed to start event listener", zap.Error(err))
		return 1
	}
	defer eventMgr.Close()

	rl := relay.New(relay.Config{
		MaxConsumers:    cfg.Relay.MaxConsumers,
		MaxBufferFrames: cfg.Relay.MaxBufferFrames,
		TokenTTL:        cfg.Relay.TokenTTL(),
	}, logger)

	srv := server.NewServer(discoverySvc, resolver, controlClient, eventMgr, rl, *advertise, logger)
	router := server.NewRouter(srv, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	monitor := server.NewMonitor(rl, controlClient, eventMgr, cfg.Relay.ProducerTimeout(), logger)
	go monitor.Run(ctx)

	// No write timeout: /stream responses are open-ended.
	httpServer := &http.Server{
		Addr:        ":" + cfg.Server.Port,
		Handler:     router,
		ReadTimeout: 30 * time.Second,
	}

	go func() {
		logger.Info("starting server", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
		return 1
	}

	logger.Info("server stopped")
	return 0
}

func setupLogger(level string) (*zap.Logger, error) {
	zapConfig := zap.NewProductionConfig()
	zapConfig.DisableStacktrace = true

	if level != "" {
		var lvl zapcore.Level
		if err := lvl.UnmarshalText([]byte(level)); err == nil {
			zapConfig.Level = zap.NewAtomicLevelAt(lvl)
		}
	}

	return zapConfig.Build()
}
