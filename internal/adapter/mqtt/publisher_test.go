package mqtt

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahmeth-sd/scada-modbus-demo/internal/domain"
	"github.com/ahmeth-sd/scada-modbus-demo/internal/metrics"
)

// =============================================================================
// Fake Broker Client
// =============================================================================

type fakeToken struct {
	err error
}

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Error() error                   { return t.err }

func (t *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m *fakeMessage) Duplicate() bool   { return false }
func (m *fakeMessage) Qos() byte         { return 1 }
func (m *fakeMessage) Retained() bool    { return false }
func (m *fakeMessage) Topic() string     { return m.topic }
func (m *fakeMessage) MessageID() uint16 { return 1 }
func (m *fakeMessage) Payload() []byte   { return m.payload }
func (m *fakeMessage) Ack()              {}

type publishCall struct {
	topic   string
	payload string
	err     error
}

// fakeClient implements pahomqtt.Client in memory. failNext makes the next
// publishes fail.
type fakeClient struct {
	connected atomic.Bool
	failNext  atomic.Int32
	alwaysErr error

	mu        sync.Mutex
	publishes []publishCall
	subs      map[string]pahomqtt.MessageHandler
}

func newFakeClient(connected bool) *fakeClient {
	c := &fakeClient{subs: make(map[string]pahomqtt.MessageHandler)}
	c.connected.Store(connected)
	return c
}

func (c *fakeClient) IsConnected() bool      { return c.connected.Load() }
func (c *fakeClient) IsConnectionOpen() bool { return c.connected.Load() }
func (c *fakeClient) Connect() pahomqtt.Token {
	return &fakeToken{}
}
func (c *fakeClient) Disconnect(quiesce uint) { c.connected.Store(false) }

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token {
	var err error
	switch {
	case c.alwaysErr != nil:
		err = c.alwaysErr
	case c.failNext.Load() > 0:
		c.failNext.Add(-1)
		err = errors.New("broker rejected publish")
	}

	c.mu.Lock()
	c.publishes = append(c.publishes, publishCall{topic: topic, payload: string(payload.([]byte)), err: err})
	c.mu.Unlock()
	return &fakeToken{err: err}
}

func (c *fakeClient) Subscribe(topic string, qos byte, callback pahomqtt.MessageHandler) pahomqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs[topic] = callback
	return &fakeToken{}
}

func (c *fakeClient) SubscribeMultiple(filters map[string]byte, callback pahomqtt.MessageHandler) pahomqtt.Token {
	for topic := range filters {
		c.Subscribe(topic, 0, callback)
	}
	return &fakeToken{}
}

func (c *fakeClient) Unsubscribe(topics ...string) pahomqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, topic := range topics {
		delete(c.subs, topic)
	}
	return &fakeToken{}
}

func (c *fakeClient) AddRoute(topic string, callback pahomqtt.MessageHandler) {}

func (c *fakeClient) OptionsReader() pahomqtt.ClientOptionsReader {
	return pahomqtt.ClientOptionsReader{}
}

func (c *fakeClient) deliver(topic, payload string) {
	c.mu.Lock()
	handler := c.subs[topic]
	c.mu.Unlock()
	handler(c, &fakeMessage{topic: topic, payload: []byte(payload)})
}

// delivered returns the payloads of successful publishes in order.
func (c *fakeClient) delivered() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, call := range c.publishes {
		if call.err == nil {
			out = append(out, call.payload)
		}
	}
	return out
}

func (c *fakeClient) attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.publishes)
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.TopicPrefix = "site"
	cfg.RetryDelay = time.Millisecond
	return cfg
}

func startPublisher(t *testing.T, cfg Config, client *fakeClient, reg *metrics.Registry) *Publisher {
	t.Helper()
	p, err := NewPublisher(cfg, zerolog.Nop(), reg)
	require.NoError(t, err)
	require.NoError(t, p.start(context.Background(), client))
	t.Cleanup(p.Disconnect)
	return p
}

// =============================================================================
// Construction Tests
// =============================================================================

// TestNewPublisher tests defaults and required fields.
func TestNewPublisher(t *testing.T) {
	_, err := NewPublisher(Config{}, zerolog.Nop(), nil)
	assert.ErrorIs(t, err, domain.ErrMQTTConnectionFailed)

	p, err := NewPublisher(Config{BrokerURL: "tcp://localhost:1883"}, zerolog.Nop(), nil)
	require.NoError(t, err)
	assert.Equal(t, "demo/telemetry", p.TelemetryTopic())
	assert.Equal(t, "demo/alarms", p.AlarmTopic())
	assert.Equal(t, 1000, cap(p.messageBuffer))
	assert.Equal(t, 100, cap(p.alarmBuffer))
	assert.False(t, p.IsConnected())
}

// TestConnectBadTLS tests that TLS material is checked before connecting.
func TestConnectBadTLS(t *testing.T) {
	cfg := testConfig()
	cfg.TLSEnabled = true
	cfg.TLSCAFile = "/nonexistent/ca.pem"

	p, err := NewPublisher(cfg, zerolog.Nop(), nil)
	require.NoError(t, err)

	err = p.Connect(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TLS")
}

// =============================================================================
// Ordering Tests
// =============================================================================

// TestPublishPreservesOrder tests FIFO delivery within a stream.
func TestPublishPreservesOrder(t *testing.T) {
	client := newFakeClient(true)
	p := startPublisher(t, testConfig(), client, nil)
	ctx := context.Background()

	var want []string
	for i := 0; i < 50; i++ {
		payload := fmt.Sprintf(`{"seq":%d}`, i)
		want = append(want, payload)
		require.NoError(t, p.PublishRaw(ctx, "site/raw", []byte(payload)))
	}

	require.Eventually(t, func() bool { return len(client.delivered()) == 50 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, want, client.delivered())
	assert.Equal(t, uint64(50), p.Stats()["messages_published"])
}

// TestPublishRetriesHeadMessage tests that a failing message is retried before the next one.
func TestPublishRetriesHeadMessage(t *testing.T) {
	client := newFakeClient(true)
	client.failNext.Store(2)
	cfg := testConfig()
	cfg.BreakerFailures = 10
	p := startPublisher(t, cfg, client, nil)
	ctx := context.Background()

	require.NoError(t, p.PublishRaw(ctx, "site/raw", []byte("A")))
	require.NoError(t, p.PublishRaw(ctx, "site/raw", []byte("B")))

	require.Eventually(t, func() bool { return len(client.delivered()) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"A", "B"}, client.delivered())
	assert.Equal(t, 4, client.attempts())
	assert.Equal(t, uint64(2), p.Stats()["messages_failed"])
}

// TestPublishWaitsForConnection tests that messages queue until the broker is reachable.
func TestPublishWaitsForConnection(t *testing.T) {
	client := newFakeClient(false)
	p := startPublisher(t, testConfig(), client, nil)

	require.NoError(t, p.PublishTelemetry(context.Background(), domain.TelemetryMessage{Quality: domain.QualityBad}))
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, client.delivered())
	assert.ErrorIs(t, p.HealthCheck(context.Background()), domain.ErrMQTTNotConnected)

	client.connected.Store(true)
	p.onConnect(client)

	require.Eventually(t, func() bool { return len(client.delivered()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Contains(t, client.delivered()[0], `"quality":"BAD"`)
	assert.NoError(t, p.HealthCheck(context.Background()))
}

// =============================================================================
// Buffer Tests
// =============================================================================

// TestBufferDropsOldest tests overflow behaviour without a running processor.
func TestBufferDropsOldest(t *testing.T) {
	cfg := testConfig()
	cfg.BufferSize = 3
	reg := metrics.NewRegistry(prometheus.NewRegistry())
	p, err := NewPublisher(cfg, zerolog.Nop(), reg)
	require.NoError(t, err)

	for i := 1; i <= 5; i++ {
		require.NoError(t, p.PublishRaw(context.Background(), "site/raw", []byte(fmt.Sprint(i))))
	}

	assert.Equal(t, 3, p.BufferSize())
	assert.Equal(t, uint64(2), p.Stats()["messages_dropped"])
	assert.Equal(t, float64(2), testutil.ToFloat64(reg.MQTTMessagesDropped))
	assert.Equal(t, float64(3), testutil.ToFloat64(reg.MQTTBufferSize))

	var kept []string
	for len(p.messageBuffer) > 0 {
		kept = append(kept, string((<-p.messageBuffer).Payload))
	}
	assert.Equal(t, []string{"3", "4", "5"}, kept)
}

// TestBufferOverflowKeepsAlarms tests that telemetry overflow never evicts
// alarm messages.
func TestBufferOverflowKeepsAlarms(t *testing.T) {
	cfg := testConfig()
	cfg.BufferSize = 2
	p, err := NewPublisher(cfg, zerolog.Nop(), nil)
	require.NoError(t, err)
	ctx := context.Background()

	raise := domain.NewAlarmEvent(domain.AlarmNormal, domain.AlarmActive, 65, 60, domain.Timestamp{Wall: time.Now()})
	cleared := domain.NewAlarmEvent(domain.AlarmActive, domain.AlarmNormal, 54, 55, domain.Timestamp{Wall: time.Now()})

	require.NoError(t, p.PublishAlarm(ctx, domain.NewAlarmMessage(1, raise)))
	for i := 0; i < 5; i++ {
		require.NoError(t, p.PublishTelemetry(ctx, domain.TelemetryMessage{Quality: domain.QualityGood}))
	}
	require.NoError(t, p.PublishAlarm(ctx, domain.NewAlarmMessage(1, cleared)))

	assert.Equal(t, 4, p.BufferSize())
	assert.Equal(t, uint64(3), p.Stats()["messages_dropped"])
	require.Len(t, p.alarmBuffer, 2)
	assert.Contains(t, string((<-p.alarmBuffer).Payload), `"to_state":"ALARM"`)
	assert.Contains(t, string((<-p.alarmBuffer).Payload), `"to_state":"NORMAL"`)
}

// TestAlarmsDeliveredFirst tests that queued alarms are published ahead of
// queued telemetry.
func TestAlarmsDeliveredFirst(t *testing.T) {
	client := newFakeClient(false)
	p := startPublisher(t, testConfig(), client, nil)
	ctx := context.Background()

	event := domain.NewAlarmEvent(domain.AlarmNormal, domain.AlarmActive, 65, 60, domain.Timestamp{Wall: time.Now()})
	require.NoError(t, p.PublishTelemetry(ctx, domain.TelemetryMessage{Quality: domain.QualityGood}))
	require.Eventually(t, func() bool { return p.BufferSize() == 0 }, time.Second, time.Millisecond)
	for i := 0; i < 3; i++ {
		require.NoError(t, p.PublishTelemetry(ctx, domain.TelemetryMessage{Quality: domain.QualityGood}))
	}
	require.NoError(t, p.PublishAlarm(ctx, domain.NewAlarmMessage(1, event)))

	client.connected.Store(true)
	p.onConnect(client)

	require.Eventually(t, func() bool { return len(client.delivered()) == 5 }, 2*time.Second, 5*time.Millisecond)
	client.mu.Lock()
	topics := make([]string, 0, len(client.publishes))
	for _, call := range client.publishes {
		topics = append(topics, call.topic)
	}
	client.mu.Unlock()
	// The first telemetry message was already the head when the alarm arrived.
	assert.Equal(t, []string{"site/telemetry", "site/alarms", "site/telemetry", "site/telemetry", "site/telemetry"}, topics)
}

// TestAlarmRetriedPastAttemptLimit tests that an alarm is not abandoned after
// MaxPublishAttempts while telemetry is.
func TestAlarmRetriedPastAttemptLimit(t *testing.T) {
	client := newFakeClient(true)
	client.failNext.Store(6)
	cfg := testConfig()
	cfg.MaxPublishAttempts = 2
	cfg.BreakerFailures = 100
	p := startPublisher(t, cfg, client, nil)
	ctx := context.Background()

	event := domain.NewAlarmEvent(domain.AlarmActive, domain.AlarmNormal, 54, 55, domain.Timestamp{Wall: time.Now()})
	require.NoError(t, p.PublishAlarm(ctx, domain.NewAlarmMessage(1, event)))

	require.Eventually(t, func() bool { return len(client.delivered()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Contains(t, client.delivered()[0], `"to_state":"NORMAL"`)
	assert.Equal(t, 7, client.attempts())

	client.failNext.Store(2)
	require.NoError(t, p.PublishRaw(ctx, "site/raw", []byte("dropped")))
	require.NoError(t, p.PublishRaw(ctx, "site/raw", []byte("next")))

	require.Eventually(t, func() bool { return len(client.delivered()) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "next", client.delivered()[1])
	assert.Equal(t, 10, client.attempts())
}

// TestPublishTopics tests the topic of each stream.
func TestPublishTopics(t *testing.T) {
	client := newFakeClient(true)
	reg := metrics.NewRegistry(prometheus.NewRegistry())
	p := startPublisher(t, testConfig(), client, reg)
	ctx := context.Background()

	event := domain.NewAlarmEvent(domain.AlarmNormal, domain.AlarmActive, 65, 60, domain.Timestamp{Wall: time.Now()})
	require.NoError(t, p.PublishTelemetry(ctx, domain.TelemetryMessage{Quality: domain.QualityGood}))
	require.NoError(t, p.PublishAlarm(ctx, domain.NewAlarmMessage(1, event)))

	require.Eventually(t, func() bool { return client.attempts() == 2 }, 2*time.Second, 5*time.Millisecond)

	client.mu.Lock()
	byTopic := make(map[string]string)
	for _, call := range client.publishes {
		byTopic[call.topic] = call.payload
	}
	client.mu.Unlock()
	require.Contains(t, byTopic, "site/telemetry")
	require.Contains(t, byTopic, "site/alarms")
	assert.Contains(t, byTopic["site/alarms"], `"type":"TEMP_HIGH"`)

	require.Eventually(t, func() bool { return len(p.ActiveTopics()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, float64(1), testutil.ToFloat64(reg.MQTTMessagesPublished.WithLabelValues(StreamAlarms)))
}

// =============================================================================
// Circuit Breaker Tests
// =============================================================================

// TestBreakerOpensOnFailures tests that repeated failures degrade health.
func TestBreakerOpensOnFailures(t *testing.T) {
	client := newFakeClient(true)
	client.alwaysErr = errors.New("not authorized")
	cfg := testConfig()
	cfg.BreakerFailures = 2
	cfg.MaxPublishAttempts = 2
	p := startPublisher(t, cfg, client, nil)

	require.NoError(t, p.PublishRaw(context.Background(), "site/raw", []byte("x")))

	require.Eventually(t, func() bool {
		return p.HealthCheck(context.Background()) != nil
	}, 2*time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, p.HealthCheck(context.Background()), domain.ErrMQTTPublishFailed)
	assert.Equal(t, 2, client.attempts())
}

// =============================================================================
// Subscription Tests
// =============================================================================

// TestSubscribeDispatch tests handler dispatch and restore after reconnect.
func TestSubscribeDispatch(t *testing.T) {
	client := newFakeClient(true)
	p := startPublisher(t, testConfig(), client, nil)

	got := make(chan string, 2)
	require.NoError(t, p.Subscribe("site/cmd/setpoint", 1, func(topic string, payload []byte) {
		got <- topic + " " + string(payload)
	}))

	client.deliver("site/cmd/setpoint", `{"value":1}`)
	assert.Equal(t, `site/cmd/setpoint {"value":1}`, <-got)

	// Simulate a reconnect with a clean session.
	client.mu.Lock()
	client.subs = make(map[string]pahomqtt.MessageHandler)
	client.mu.Unlock()
	p.onConnectionLost(client, errors.New("EOF"))
	assert.False(t, p.IsConnected())
	assert.False(t, p.IsReconnecting())
	p.onReconnecting(client, nil)
	assert.True(t, p.IsReconnecting())
	p.onConnect(client)
	assert.False(t, p.IsReconnecting())

	client.deliver("site/cmd/setpoint", `{"value":2}`)
	assert.Equal(t, `site/cmd/setpoint {"value":2}`, <-got)
	assert.Equal(t, uint64(1), p.Stats()["reconnect_count"])

	require.NoError(t, p.Unsubscribe("site/cmd/setpoint"))
	client.mu.Lock()
	assert.Empty(t, client.subs)
	client.mu.Unlock()
}
