package service

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/ahmeth-sd/scada-modbus-demo/internal/domain"
	"github.com/ahmeth-sd/scada-modbus-demo/internal/health"
	"github.com/ahmeth-sd/scada-modbus-demo/internal/metrics"
)

// Publisher interface defines the methods needed for publishing to the event bus.
// Implementations must not block the caller and must keep per-stream order.
type Publisher interface {
	PublishTelemetry(ctx context.Context, msg domain.TelemetryMessage) error
	PublishAlarm(ctx context.Context, msg domain.AlarmMessage) error
}

// PipelineConfig holds configuration for the pipeline.
type PipelineConfig struct {
	// StaleFailureLimit is the number of consecutive failures after which
	// the last good values are no longer republished and quality turns BAD.
	StaleFailureLimit int
}

// PipelineStats tracks publishing statistics.
type PipelineStats struct {
	Readings           atomic.Uint64
	Failures           atomic.Uint64
	TelemetryPublished atomic.Uint64
	AlarmsPublished    atomic.Uint64
	PublishErrors      atomic.Uint64
}

// PipelineStatus is a point-in-time snapshot of the pipeline.
type PipelineStatus struct {
	Quality        domain.Quality          `json:"quality"`
	LastValues     *domain.TelemetryValues `json:"last_values,omitempty"`
	LastReadingAt  *time.Time              `json:"last_reading_at,omitempty"`
	AlarmStatus    domain.AlarmStatus      `json:"alarm_status"`
	AlarmPhase     domain.AlarmPhase       `json:"alarm_phase"`
	LastTransition *time.Time              `json:"last_transition,omitempty"`
	Telemetry      uint64                  `json:"telemetry_published"`
	Alarms         uint64                  `json:"alarms_published"`
	PublishErrors  uint64                  `json:"publish_errors"`
}

// Pipeline consumes poll outcomes: it marks telemetry quality, feeds the alarm
// detector, and hands messages to the publisher. It runs on the poll goroutine.
type Pipeline struct {
	config    PipelineConfig
	detector  *AlarmDetector
	publisher Publisher
	logger    zerolog.Logger
	metrics   *metrics.Registry
	stats     *PipelineStats

	mu       sync.RWMutex
	last     *domain.Reading
	quality  domain.Quality
	failures int
	lastErr  error
}

// NewPipeline creates a new pipeline. metricsReg may be nil.
func NewPipeline(
	config PipelineConfig,
	detector *AlarmDetector,
	publisher Publisher,
	logger zerolog.Logger,
	metricsReg *metrics.Registry,
) *Pipeline {
	if config.StaleFailureLimit <= 0 {
		config.StaleFailureLimit = 3
	}

	return &Pipeline{
		config:    config,
		detector:  detector,
		publisher: publisher,
		logger:    logger.With().Str("component", "pipeline").Logger(),
		metrics:   metricsReg,
		stats:     &PipelineStats{},
		quality:   domain.QualityBad,
	}
}

// HandleReading publishes a good reading and feeds its temperature to the detector.
func (p *Pipeline) HandleReading(ctx context.Context, r domain.Reading) {
	p.stats.Readings.Add(1)

	last := r
	p.mu.Lock()
	p.last = &last
	p.quality = r.Quality
	p.failures = 0
	p.lastErr = nil
	p.mu.Unlock()

	if p.metrics != nil {
		p.metrics.RecordTemperature(r.TempC)
	}

	p.publishTelemetry(ctx, domain.NewTelemetryMessage(r))

	event, ok := p.detector.Observe(r.TempC, r.Timestamp)
	if !ok {
		return
	}

	log := p.logger.Info()
	if event.Raised() {
		log = p.logger.Warn()
	}
	log.Str("alarm_id", event.ID.String()).
		Str("from", string(event.From)).
		Str("to", string(event.To)).
		Float64("temp_c", event.TriggeringValue).
		Float64("threshold", event.Threshold).
		Msg("Temperature alarm transition")

	if p.metrics != nil {
		p.metrics.RecordAlarmTransition(string(event.To), event.Raised())
	}

	if err := p.publisher.PublishAlarm(ctx, domain.NewAlarmMessage(r.DeviceID, event)); err != nil {
		p.stats.PublishErrors.Add(1)
		p.logger.Error().Err(err).Str("alarm_id", event.ID.String()).Msg("Failed to publish alarm")
		return
	}
	p.stats.AlarmsPublished.Add(1)
}

// HandleFailure publishes degraded telemetry for a failed tick. The detector
// sees the tick as a gap.
func (p *Pipeline) HandleFailure(ctx context.Context, f domain.PollFailure) {
	p.stats.Failures.Add(1)
	p.detector.MarkGap()

	p.mu.Lock()
	var last *domain.Reading
	quality := domain.QualityBad
	if p.last != nil && f.ConsecutiveFailures < p.config.StaleFailureLimit {
		quality = domain.QualityStale
		r := *p.last
		last = &r
	}
	p.quality = quality
	p.failures = f.ConsecutiveFailures
	p.lastErr = f.Err
	p.mu.Unlock()

	p.publishTelemetry(ctx, domain.NewFailureTelemetryMessage(f, last, quality))
}

func (p *Pipeline) publishTelemetry(ctx context.Context, msg domain.TelemetryMessage) {
	if err := p.publisher.PublishTelemetry(ctx, msg); err != nil {
		p.stats.PublishErrors.Add(1)
		p.logger.Debug().Err(err).Str("quality", string(msg.Quality)).Msg("Failed to publish telemetry")
		return
	}
	p.stats.TelemetryPublished.Add(1)
}

// Status returns a snapshot of the pipeline and detector state.
func (p *Pipeline) Status() PipelineStatus {
	alarm := p.detector.State()

	p.mu.RLock()
	status := PipelineStatus{
		Quality:     p.quality,
		AlarmStatus: alarm.Status(),
		AlarmPhase:  alarm.Phase,
	}
	if !alarm.LastTransition.Wall.IsZero() {
		at := alarm.LastTransition.Wall
		status.LastTransition = &at
	}
	if p.last != nil {
		status.LastValues = domain.NewTelemetryMessage(*p.last).Values
		at := p.last.Timestamp.Wall
		status.LastReadingAt = &at
	}
	p.mu.RUnlock()

	status.Telemetry = p.stats.TelemetryPublished.Load()
	status.Alarms = p.stats.AlarmsPublished.Load()
	status.PublishErrors = p.stats.PublishErrors.Load()
	return status
}

// HealthCheck maps telemetry quality to a health level. GOOD is healthy.
// STALE is degraded: the device missed polls but fewer than StaleFailureLimit,
// and the last good values are still served. BAD is unhealthy. Before the
// first poll outcome the check is degraded.
func (p *Pipeline) HealthCheck(ctx context.Context) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	switch {
	case p.quality == domain.QualityGood:
		return nil
	case p.quality == domain.QualityStale:
		return health.Degraded(fmt.Errorf("%w: serving last good values after %d consecutive failures: %v",
			domain.ErrDeviceDegraded, p.failures, p.lastErr))
	case p.failures == 0:
		return health.Degraded(fmt.Errorf("%w: awaiting first reading", domain.ErrDeviceDegraded))
	default:
		return fmt.Errorf("%w: %d consecutive failures: %v", domain.ErrDeviceUnavailable, p.failures, p.lastErr)
	}
}
