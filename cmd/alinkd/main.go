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

	"github.com/nexus-edge/alink-device/internal/adapter/config"
	"github.com/nexus-edge/alink-device/internal/adapter/modbus"
	"github.com/nexus-edge/alink-device/internal/adapter/mqtt"
	"github.com/nexus-edge/alink-device/internal/domain"
	"github.com/nexus-edge/alink-device/internal/health"
	"github.com/nexus-edge/alink-device/internal/metrics"
	"github.com/nexus-edge/alink-device/internal/service"
	"github.com/nexus-edge/alink-device/pkg/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var version = "dev"

func main() {
	logger := logging.NewLogger("info", "json")
	logger.Info().
		Str("version", version).
		Str("service", "alinkd").
		Msg("Starting Alink device adapter")

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./config/config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logger = logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metricsRegistry := metrics.NewRegistry(prometheus.DefaultRegisterer)

	// One transport session per adapter
	session := mqtt.NewSession(mqtt.SessionConfig{
		Port:           cfg.MQTT.Port,
		TLS:            cfg.MQTT.TLS,
		KeepAlive:      cfg.MQTT.KeepAlive,
		ConnectTimeout: cfg.MQTT.ConnectTimeout,
		CleanSession:   cfg.MQTT.CleanSession,
	}, logger, metricsRegistry)

	link, err := service.NewLink(service.LinkConfig{
		Identity: cfg.Device,
		Capacity: cfg.Registry.Capacity,
		Decimals: cfg.Reporting.Decimals,
	}, session, logger, metricsRegistry)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to configure device adapter")
	}
	if cfg.Logging.Debug {
		link.SetDebug(os.Stdout)
	}

	// Recorded now, issued by the supervisor once connected
	if _, err := link.SubscribeAttributeSetting(cfg.MQTT.QoS); err != nil && !errors.Is(err, domain.ErrNotConnected) {
		logger.Warn().Err(err).Msg("Failed to subscribe to attribute settings")
	}

	var (
		fieldBus   *modbus.Client
		reporter   *service.Reporter
		setpoints  *service.SetpointHandler
		fieldProbe health.Probe
	)
	if len(cfg.Modbus.Tags) > 0 {
		fieldBus, err = modbus.NewClient(modbus.ClientConfig{
			Address:    cfg.Modbus.Address,
			SlaveID:    cfg.Modbus.SlaveID,
			Timeout:    cfg.Modbus.Timeout,
			MaxRetries: cfg.Modbus.MaxRetries,
			RetryDelay: cfg.Modbus.RetryDelay,
			Tags:       cfg.Modbus.Tags,
		}, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to create Modbus client")
		}
		defer fieldBus.Disconnect()
		fieldProbe = fieldBus

		if cfg.ReportingEnabled() {
			reporter = service.NewReporter(service.ReporterConfig{
				Interval: cfg.Reporting.Interval,
				QoS:      cfg.Reporting.QoS,
				Decimals: cfg.Reporting.Decimals,
			}, fieldBus, link, logger, metricsRegistry)
		}

		if cfg.SetpointsEnabled() {
			setpointConfig := service.DefaultSetpointConfig()
			setpointConfig.WriteTimeout = cfg.Setpoints.WriteTimeout
			setpointConfig.QoS = cfg.Reporting.QoS
			setpointConfig.Decimals = cfg.Reporting.Decimals
			setpointConfig.EnableAcknowledgement = cfg.SetpointsAcknowledge()
			setpointConfig.FailureEvent = cfg.Setpoints.FailureEvent
			setpointConfig.MaxConcurrentWrites = cfg.Setpoints.MaxConcurrentWrites

			setpoints = service.NewSetpointHandler(setpointConfig, cfg.Modbus.Tags, fieldBus, link, logger, metricsRegistry)
		}
	}

	supervisor := service.NewSupervisor(service.SupervisorConfig{
		CheckInterval:  cfg.MQTT.CheckInterval,
		ConnectTimeout: cfg.MQTT.ConnectTimeout,
		MaxFailures:    cfg.Breaker.MaxFailures,
		OpenTimeout:    cfg.Breaker.OpenTimeout,
	}, session, link, logger, metricsRegistry)

	healthChecker := health.NewChecker(link, fieldProbe, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", healthChecker.HealthHandler)
	mux.HandleFunc("/health/live", healthChecker.LiveHandler)
	mux.HandleFunc("/health/ready", healthChecker.ReadyHandler)
	mux.HandleFunc("/status", link.StatusHandler)
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      mux,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	go func() {
		logger.Info().Int("port", cfg.HTTP.Port).Msg("HTTP server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("HTTP server error")
		}
	}()

	if setpoints != nil {
		if err := setpoints.Start(); err != nil {
			logger.Fatal().Err(err).Msg("Failed to bind setpoint attributes")
		}
	}
	if err := supervisor.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start connection supervisor")
	}
	if reporter != nil {
		if err := reporter.Start(ctx); err != nil {
			logger.Fatal().Err(err).Msg("Failed to start attribute reporter")
		}
	}

	logger.Info().Msg("Alink device adapter started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info().Msg("Shutdown signal received, stopping services...")

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if reporter != nil {
		if err := reporter.Stop(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("Error stopping attribute reporter")
		}
	}
	if setpoints != nil {
		if err := setpoints.Stop(); err != nil {
			logger.Error().Err(err).Msg("Error stopping setpoint handler")
		}
	}
	supervisor.Stop()
	session.Disconnect()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Error stopping HTTP server")
	}

	logger.Info().Msg("Alink device adapter stopped")
}
