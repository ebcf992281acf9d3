package app_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahmeth-sd/scada-modbus-demo/internal/adapter/mqtt"
	"github.com/ahmeth-sd/scada-modbus-demo/internal/app"
	"github.com/ahmeth-sd/scada-modbus-demo/internal/domain"
	"github.com/ahmeth-sd/scada-modbus-demo/internal/service"
)

type stubPoller struct{ status service.PollerStatus }

func (s stubPoller) Status() service.PollerStatus { return s.status }

type stubPipeline struct{ status service.PipelineStatus }

func (s stubPipeline) Status() service.PipelineStatus { return s.status }

type stubBus struct{}

func (stubBus) IsConnected() bool        { return false }
func (stubBus) IsReconnecting() bool     { return true }
func (stubBus) BufferSize() int          { return 4 }
func (stubBus) Stats() map[string]uint64 { return map[string]uint64{"messages_published": 10} }
func (stubBus) ActiveTopics() []mqtt.TopicStat {
	return []mqtt.TopicStat{{Topic: "demo/telemetry", Count: 10}}
}

type stubCommands struct{}

func (stubCommands) Stats() map[string]uint64 { return map[string]uint64{"commands_received": 2} }

func statusHandler() http.HandlerFunc {
	return app.StatusHandler("battery-1",
		stubPoller{status: service.PollerStatus{Phase: service.PollRetrying, BackoffStage: 2, ConsecutiveFailures: 2}},
		stubPipeline{status: service.PipelineStatus{Quality: domain.QualityStale, AlarmStatus: domain.AlarmNormal}},
		stubBus{},
		stubCommands{},
	)
}

// TestStatusHandler tests the status snapshot body.
func TestStatusHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	statusHandler()(rec, httptest.NewRequest(http.MethodGet, "/status", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var resp app.StatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

	assert.Equal(t, app.ServiceName, resp.Service)
	assert.Equal(t, "battery-1", resp.Device)
	assert.Equal(t, service.PollRetrying, resp.Poller.Phase)
	assert.Equal(t, 2, resp.Poller.BackoffStage)
	assert.Equal(t, domain.QualityStale, resp.Pipeline.Quality)
	assert.False(t, resp.MQTT.Connected)
	assert.True(t, resp.MQTT.Reconnecting)
	assert.Contains(t, rec.Body.String(), `"reconnecting":true`)
	assert.Equal(t, 4, resp.MQTT.BufferSize)
	require.Len(t, resp.MQTT.Topics, 1)
	assert.Equal(t, "demo/telemetry", resp.MQTT.Topics[0].Topic)
	assert.Equal(t, uint64(2), resp.Commands["commands_received"])
}

// TestStatusHandlerMethodNotAllowed tests that only GET is served.
func TestStatusHandlerMethodNotAllowed(t *testing.T) {
	rec := httptest.NewRecorder()
	statusHandler()(rec, httptest.NewRequest(http.MethodPost, "/status", nil))

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
