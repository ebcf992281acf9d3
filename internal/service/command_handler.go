package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ahmeth-sd/scada-modbus-demo/internal/domain"
	"github.com/ahmeth-sd/scada-modbus-demo/internal/metrics"
)

// CommandBus is the subset of the MQTT adapter the command handler needs.
type CommandBus interface {
	Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error
	Unsubscribe(topic string) error
	PublishRaw(ctx context.Context, topic string, payload []byte) error
}

// WriteSubmitter queues register writes for the poll loop.
type WriteSubmitter interface {
	SubmitWrite(cmd WriteCommand) error
}

// CommandHandler handles setpoint commands received via MQTT.
// Writes are not executed here; they are queued to the poller, which is the
// only component allowed to transact with the device.
type CommandHandler struct {
	bus     CommandBus
	poller  WriteSubmitter
	logger  zerolog.Logger
	metrics *metrics.Registry
	config  CommandConfig
	stats   *CommandStats
	running atomic.Bool
}

// CommandConfig holds configuration for the command handler.
type CommandConfig struct {
	// SetpointTopic is the topic setpoint commands arrive on
	// Default: "demo/cmd/setpoint"
	SetpointTopic string

	// ResponseTopic is where command results are published
	// Default: "demo/cmd/response"
	ResponseTopic string

	// SetpointOffset is the offset of the setpoint register within the device block
	SetpointOffset uint16

	// QoS is the MQTT QoS level for command messages
	QoS byte

	// EnableAcknowledgement determines if responses should be published
	EnableAcknowledgement bool
}

// DefaultCommandConfig returns sensible defaults for command handling.
func DefaultCommandConfig(prefix string) CommandConfig {
	return CommandConfig{
		SetpointTopic:         prefix + "/cmd/setpoint",
		ResponseTopic:         prefix + "/cmd/response",
		SetpointOffset:        7,
		QoS:                   1,
		EnableAcknowledgement: true,
	}
}

// CommandStats tracks command handling statistics.
type CommandStats struct {
	CommandsReceived  atomic.Uint64
	CommandsSucceeded atomic.Uint64
	CommandsFailed    atomic.Uint64
	CommandsRejected  atomic.Uint64
}

// SetpointCommand is the payload of a setpoint command.
type SetpointCommand struct {
	// RequestID correlates the response; generated when absent
	RequestID string `json:"request_id,omitempty"`

	// Value is the setpoint in watts
	Value *int64 `json:"value"`
}

// CommandResponse is published for every received command.
type CommandResponse struct {
	RequestID string    `json:"request_id"`
	Value     int64     `json:"value"`
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Duration  int64     `json:"duration_ms"`
}

// NewCommandHandler creates a new command handler. metricsReg may be nil.
func NewCommandHandler(
	bus CommandBus,
	poller WriteSubmitter,
	config CommandConfig,
	logger zerolog.Logger,
	metricsReg *metrics.Registry,
) *CommandHandler {
	defaults := DefaultCommandConfig("demo")
	if config.SetpointTopic == "" {
		config.SetpointTopic = defaults.SetpointTopic
	}
	if config.ResponseTopic == "" {
		config.ResponseTopic = defaults.ResponseTopic
	}

	return &CommandHandler{
		bus:     bus,
		poller:  poller,
		logger:  logger.With().Str("component", "command-handler").Logger(),
		metrics: metricsReg,
		config:  config,
		stats:   &CommandStats{},
	}
}

// SubscribedTopics returns the MQTT topics this handler subscribes to.
func (h *CommandHandler) SubscribedTopics() []string {
	return []string{h.config.SetpointTopic}
}

// Start subscribes to the setpoint topic.
func (h *CommandHandler) Start() error {
	if h.running.Load() {
		return nil
	}

	if err := h.bus.Subscribe(h.config.SetpointTopic, h.config.QoS, h.handleSetpoint); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrMQTTSubscribeFailed, err)
	}

	h.running.Store(true)
	h.logger.Info().Str("topic", h.config.SetpointTopic).Msg("Command handler started")
	return nil
}

// Stop unsubscribes from the setpoint topic.
func (h *CommandHandler) Stop() error {
	if !h.running.Swap(false) {
		return nil
	}

	if err := h.bus.Unsubscribe(h.config.SetpointTopic); err != nil {
		h.logger.Debug().Err(err).Msg("Failed to unsubscribe")
	}
	h.logger.Info().Msg("Command handler stopped")
	return nil
}

// handleSetpoint handles JSON setpoint commands.
// Payload: {"request_id": "...", "value": 1500}
func (h *CommandHandler) handleSetpoint(topic string, payload []byte) {
	h.stats.CommandsReceived.Add(1)
	received := time.Now()

	var cmd SetpointCommand
	if err := json.Unmarshal(payload, &cmd); err != nil {
		h.logger.Warn().Err(err).Str("topic", topic).Msg("Failed to parse setpoint command")
		h.reject(cmd, 0, "invalid payload: "+err.Error())
		return
	}
	if cmd.RequestID == "" {
		cmd.RequestID = uuid.NewString()
	}
	if cmd.Value == nil {
		h.reject(cmd, 0, "value is required")
		return
	}
	value := *cmd.Value
	if value < 0 || value > 0xFFFF {
		h.reject(cmd, value, fmt.Sprintf("%v: %d out of range 0..65535", domain.ErrInvalidWriteValue, value))
		return
	}

	write := WriteCommand{
		Offset: h.config.SetpointOffset,
		Value:  uint16(value),
		Done: func(err error) {
			h.complete(cmd.RequestID, value, err, time.Since(received))
		},
	}

	if err := h.poller.SubmitWrite(write); err != nil {
		h.logger.Warn().Str("request_id", cmd.RequestID).Msg("Command rejected: queue full (back-pressure)")
		h.reject(cmd, value, err.Error())
		return
	}

	h.logger.Debug().Str("request_id", cmd.RequestID).Int64("value", value).Msg("Setpoint command queued")
}

func (h *CommandHandler) reject(cmd SetpointCommand, value int64, reason string) {
	h.stats.CommandsRejected.Add(1)
	h.record("rejected")
	h.sendResponse(CommandResponse{
		RequestID: cmd.RequestID,
		Value:     value,
		Error:     reason,
		Timestamp: time.Now(),
	})
}

func (h *CommandHandler) complete(requestID string, value int64, err error, took time.Duration) {
	resp := CommandResponse{
		RequestID: requestID,
		Value:     value,
		Success:   err == nil,
		Timestamp: time.Now(),
		Duration:  took.Milliseconds(),
	}

	if err != nil {
		resp.Error = err.Error()
		h.stats.CommandsFailed.Add(1)
		h.record("failed")
		h.logger.Error().Err(err).Str("request_id", requestID).Int64("value", value).Msg("Setpoint write failed")
	} else {
		h.stats.CommandsSucceeded.Add(1)
		h.record("succeeded")
	}

	h.sendResponse(resp)
}

func (h *CommandHandler) record(result string) {
	if h.metrics != nil {
		h.metrics.RecordCommand(result)
	}
}

// sendResponse publishes a response to the command.
func (h *CommandHandler) sendResponse(resp CommandResponse) {
	if !h.config.EnableAcknowledgement {
		return
	}

	payload, err := json.Marshal(resp)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to marshal response")
		return
	}

	if err := h.bus.PublishRaw(context.Background(), h.config.ResponseTopic, payload); err != nil {
		h.logger.Error().Err(err).Msg("Failed to publish response")
	}
}

// Stats returns a snapshot of command handling statistics.
func (h *CommandHandler) Stats() map[string]uint64 {
	return map[string]uint64{
		"commands_received":  h.stats.CommandsReceived.Load(),
		"commands_succeeded": h.stats.CommandsSucceeded.Load(),
		"commands_failed":    h.stats.CommandsFailed.Load(),
		"commands_rejected":  h.stats.CommandsRejected.Load(),
	}
}
