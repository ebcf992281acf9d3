// Package app wires the poller components together and runs them until the
// process is asked to stop.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/ahmeth-sd/scada-modbus-demo/internal/adapter/config"
	"github.com/ahmeth-sd/scada-modbus-demo/internal/adapter/modbus"
	"github.com/ahmeth-sd/scada-modbus-demo/internal/adapter/mqtt"
	"github.com/ahmeth-sd/scada-modbus-demo/internal/domain"
	"github.com/ahmeth-sd/scada-modbus-demo/internal/health"
	"github.com/ahmeth-sd/scada-modbus-demo/internal/metrics"
	"github.com/ahmeth-sd/scada-modbus-demo/internal/service"
	"github.com/ahmeth-sd/scada-modbus-demo/internal/version"
	"github.com/ahmeth-sd/scada-modbus-demo/pkg/logging"
)

// ServiceName is reported in logs and health responses.
const ServiceName = "modbus-poller"

// Run starts every component and blocks until ctx is cancelled. Only
// configuration and startup errors are returned; device failures never stop it.
func Run(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	metricsRegistry := metrics.NewRegistry(prometheus.DefaultRegisterer)
	deviceLogger := logging.WithDeviceContext(logger, cfg.Device.DeviceName, cfg.Device.Address)

	publisher, err := mqtt.NewPublisher(mqtt.Config{
		BrokerURL:          cfg.MQTT.BrokerURL,
		ClientID:           cfg.MQTT.ClientID,
		Username:           cfg.MQTT.Username,
		Password:           cfg.MQTT.Password,
		CleanSession:       cfg.MQTT.CleanSession,
		QoS:                cfg.MQTT.QoS,
		KeepAlive:          cfg.MQTT.KeepAlive,
		ConnectTimeout:     cfg.MQTT.ConnectTimeout,
		ReconnectDelay:     cfg.MQTT.ReconnectDelay,
		TLSEnabled:         cfg.MQTT.TLSEnabled,
		TLSCertFile:        cfg.MQTT.TLSCertFile,
		TLSKeyFile:         cfg.MQTT.TLSKeyFile,
		TLSCAFile:          cfg.MQTT.TLSCAFile,
		BufferSize:         cfg.MQTT.BufferSize,
		AlarmBuffer:        cfg.MQTT.AlarmBufferSize,
		PublishTimeout:     cfg.MQTT.PublishTimeout,
		TopicPrefix:        cfg.MQTT.TopicPrefix,
		RetryDelay:         cfg.MQTT.RetryDelay,
		MaxPublishAttempts: cfg.MQTT.MaxPublishAttempts,
		BreakerFailures:    uint32(cfg.MQTT.BreakerFailures),
		BreakerTimeout:     cfg.MQTT.BreakerTimeout,
	}, logger, metricsRegistry)
	if err != nil {
		return fmt.Errorf("failed to create MQTT publisher: %w", err)
	}

	if err := publisher.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", err)
	}
	defer publisher.Disconnect()

	client, err := modbus.NewClient(modbus.ClientConfig{
		Address:     cfg.Device.Address,
		SlaveID:     byte(cfg.Device.SlaveID),
		Timeout:     cfg.Polling.TransactionTimeout,
		IdleTimeout: cfg.Device.IdleTimeout,
		BlockStart:  uint16(cfg.Device.StartAddress),
	}, deviceLogger)
	if err != nil {
		return fmt.Errorf("failed to create Modbus client: %w", err)
	}
	defer client.Close()

	poller := service.NewPoller(service.PollerConfig{
		Range:   domain.BlockRange(uint16(cfg.Device.StartAddress)),
		Period:  cfg.Polling.PollPeriod,
		Timeout: cfg.Polling.TransactionTimeout,
		Backoff: service.BackoffPolicy{
			Base: cfg.Polling.BackoffBase,
			Max:  cfg.Polling.BackoffMax,
		},
		CommandQueueSize: cfg.Polling.CommandQueueSize,
	}, client, modbus.Decode, service.NewSystemClock(), deviceLogger, metricsRegistry)

	detector := service.NewAlarmDetector(service.AlarmConfig{
		RaiseThreshold: cfg.Alarm.RaiseThreshold,
		RaiseHold:      cfg.Alarm.RaiseHold(),
		ClearThreshold: cfg.Alarm.ClearThreshold,
		ClearHold:      cfg.Alarm.ClearHold(),
	})

	pipeline := service.NewPipeline(service.PipelineConfig{
		StaleFailureLimit: cfg.Polling.StaleFailureLimit,
	}, detector, publisher, deviceLogger, metricsRegistry)

	cmdConfig := service.DefaultCommandConfig(cfg.MQTT.TopicPrefix)
	cmdConfig.QoS = cfg.MQTT.QoS
	cmdHandler := service.NewCommandHandler(publisher, poller, cmdConfig, logger, metricsRegistry)
	if err := cmdHandler.Start(); err != nil {
		logger.Warn().Err(err).Msg("Failed to start command handler (setpoint writes disabled)")
	}
	defer func() { _ = cmdHandler.Stop() }()

	healthChecker := health.NewChecker(health.Config{
		ServiceName:    ServiceName,
		ServiceVersion: version.Short(),
	})
	healthChecker.AddCheck("mqtt", publisher)
	healthChecker.AddCheck("device", pipeline)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", healthChecker.HealthHandler)
	mux.HandleFunc("/health/live", healthChecker.LivenessHandler)
	mux.HandleFunc("/health/ready", healthChecker.ReadinessHandler)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/status", StatusHandler(cfg.Device.DeviceName, poller, pipeline, publisher, cmdHandler))

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      mux,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	go func() {
		logger.Info().Int("port", cfg.HTTP.Port).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("HTTP server error")
		}
	}()

	pollDone := make(chan struct{})
	go func() {
		defer close(pollDone)
		poller.Run(ctx, pipeline)
	}()

	logger.Info().
		Str("device", cfg.Device.Address).
		Str("mqtt_broker", cfg.MQTT.BrokerURL).
		Str("telemetry_topic", publisher.TelemetryTopic()).
		Str("alarm_topic", publisher.AlarmTopic()).
		Msg("Modbus poller started successfully")

	<-ctx.Done()
	logger.Info().Msg("Shutdown signal received, initiating graceful shutdown...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Polling.ShutdownTimeout)
	defer cancel()

	if err := cmdHandler.Stop(); err != nil {
		logger.Error().Err(err).Msg("Error stopping command handler")
	}

	select {
	case <-pollDone:
	case <-shutdownCtx.Done():
		logger.Warn().Msg("Timeout waiting for poll loop to stop")
	}

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Error shutting down HTTP server")
	}

	logger.Info().Msg("Modbus poller stopped")
	return nil
}

// Narrow views of the components reported by the status endpoint.
type (
	pollerStatus   interface{ Status() service.PollerStatus }
	pipelineStatus interface{ Status() service.PipelineStatus }
	busStatus      interface {
		IsConnected() bool
		IsReconnecting() bool
		BufferSize() int
		Stats() map[string]uint64
		ActiveTopics() []mqtt.TopicStat
	}
	commandStats interface{ Stats() map[string]uint64 }
)

// StatusResponse is the body of the /status endpoint.
type StatusResponse struct {
	Service   string                 `json:"service"`
	Version   string                 `json:"version"`
	Device    string                 `json:"device"`
	Timestamp time.Time              `json:"timestamp"`
	Poller    service.PollerStatus   `json:"poller"`
	Pipeline  service.PipelineStatus `json:"pipeline"`
	MQTT      MQTTStatus             `json:"mqtt"`
	Commands  map[string]uint64      `json:"commands"`
}

// MQTTStatus summarises the publisher.
type MQTTStatus struct {
	Connected    bool              `json:"connected"`
	Reconnecting bool              `json:"reconnecting"`
	BufferSize   int               `json:"buffer_size"`
	Stats        map[string]uint64 `json:"stats"`
	Topics       []mqtt.TopicStat  `json:"topics"`
}

// StatusHandler serves a JSON snapshot of the running components.
func StatusHandler(device string, poller pollerStatus, pipeline pipelineStatus, bus busStatus, commands commandStats) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		response := StatusResponse{
			Service:   ServiceName,
			Version:   version.Short(),
			Device:    device,
			Timestamp: time.Now(),
			Poller:    poller.Status(),
			Pipeline:  pipeline.Status(),
			MQTT: MQTTStatus{
				Connected:    bus.IsConnected(),
				Reconnecting: bus.IsReconnecting(),
				BufferSize:   bus.BufferSize(),
				Stats:        bus.Stats(),
				Topics:       bus.ActiveTopics(),
			},
			Commands: commands.Stats(),
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(response)
	}
}
