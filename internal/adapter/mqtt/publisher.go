// Package mqtt provides the event bus publisher with automatic reconnection,
// per-stream ordered buffering, and a circuit breaker around broker publishes.
package mqtt

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/ahmeth-sd/scada-modbus-demo/internal/domain"
	"github.com/ahmeth-sd/scada-modbus-demo/internal/metrics"
)

// Streams name the independent message streams for stats and metrics.
const (
	StreamTelemetry = "telemetry"
	StreamAlarms    = "alarms"
	StreamCommands  = "commands"
)

// Publisher publishes telemetry and alarm messages to the MQTT broker.
//
// Alarm transitions and all other messages wait in two FIFO queues drained by
// a single goroutine, so each stream reaches the broker in the order it was
// produced. Alarms are taken first. Telemetry overflow evicts only telemetry
// and command responses, and an alarm is retried until it is delivered or the
// publisher stops. Callers never block on the network.
type Publisher struct {
	config        Config
	client        pahomqtt.Client
	logger        zerolog.Logger
	metrics       *metrics.Registry
	breaker       *gobreaker.CircuitBreaker
	mu            sync.RWMutex
	connected     atomic.Bool
	reconnecting  atomic.Bool
	alarmBuffer   chan *BufferedMessage
	messageBuffer chan *BufferedMessage
	done          chan struct{}
	wg            sync.WaitGroup
	stats         *PublisherStats
	topicMu       sync.RWMutex
	topicStats    map[string]*TopicStat
	subMu         sync.Mutex
	subscriptions map[string]subscription
}

type subscription struct {
	qos     byte
	handler func(topic string, payload []byte)
}

// TopicStat tracks publish activity for a given topic.
type TopicStat struct {
	Topic            string    `json:"topic"`
	Count            uint64    `json:"count"`
	LastPublished    time.Time `json:"last_published"`
	LastPayloadBytes int       `json:"last_payload_bytes"`
}

// Config holds MQTT publisher configuration.
type Config struct {
	BrokerURL      string
	ClientID       string
	Username       string
	Password       string
	CleanSession   bool
	QoS            byte
	KeepAlive      time.Duration
	ConnectTimeout time.Duration
	ReconnectDelay time.Duration
	TLSEnabled     bool
	TLSCertFile    string
	TLSKeyFile     string
	TLSCAFile      string
	BufferSize     int
	AlarmBuffer    int
	PublishTimeout time.Duration
	RetainMessages bool

	// TopicPrefix is prepended to every topic, e.g. "demo/telemetry"
	TopicPrefix string

	// RetryDelay is the pause between attempts to publish the head message
	RetryDelay time.Duration

	// MaxPublishAttempts bounds attempts per telemetry or command message
	// while connected. Alarm messages are not bounded.
	MaxPublishAttempts int

	// BreakerFailures is the number of consecutive failures that opens the breaker
	BreakerFailures uint32

	// BreakerTimeout is how long the breaker stays open before probing
	BreakerTimeout time.Duration
}

// BufferedMessage represents a message waiting to be published.
type BufferedMessage struct {
	Stream    string
	Topic     string
	Payload   []byte
	QoS       byte
	Retained  bool
	Timestamp time.Time
}

// PublisherStats tracks publisher performance metrics.
type PublisherStats struct {
	MessagesPublished atomic.Uint64
	MessagesFailed    atomic.Uint64
	MessagesBuffered  atomic.Uint64
	MessagesDropped   atomic.Uint64
	BytesSent         atomic.Uint64
	ReconnectCount    atomic.Uint64
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		BrokerURL:          "tcp://localhost:1883",
		ClientID:           "modbus-poller",
		CleanSession:       true,
		QoS:                1,
		KeepAlive:          30 * time.Second,
		ConnectTimeout:     10 * time.Second,
		ReconnectDelay:     5 * time.Second,
		BufferSize:         1000,
		AlarmBuffer:        100,
		PublishTimeout:     5 * time.Second,
		TopicPrefix:        "demo",
		RetryDelay:         500 * time.Millisecond,
		MaxPublishAttempts: 5,
		BreakerFailures:    5,
		BreakerTimeout:     10 * time.Second,
	}
}

// NewPublisher creates a new MQTT publisher. metricsReg may be nil.
func NewPublisher(config Config, logger zerolog.Logger, metricsReg *metrics.Registry) (*Publisher, error) {
	defaults := DefaultConfig()
	if config.BrokerURL == "" {
		return nil, fmt.Errorf("%w: broker URL is required", domain.ErrMQTTConnectionFailed)
	}
	if config.BufferSize <= 0 {
		config.BufferSize = defaults.BufferSize
	}
	if config.AlarmBuffer <= 0 {
		config.AlarmBuffer = defaults.AlarmBuffer
	}
	if config.PublishTimeout <= 0 {
		config.PublishTimeout = defaults.PublishTimeout
	}
	if config.KeepAlive <= 0 {
		config.KeepAlive = defaults.KeepAlive
	}
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = defaults.ConnectTimeout
	}
	if config.ReconnectDelay <= 0 {
		config.ReconnectDelay = defaults.ReconnectDelay
	}
	if config.TopicPrefix == "" {
		config.TopicPrefix = defaults.TopicPrefix
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = defaults.RetryDelay
	}
	if config.MaxPublishAttempts <= 0 {
		config.MaxPublishAttempts = defaults.MaxPublishAttempts
	}
	if config.BreakerFailures == 0 {
		config.BreakerFailures = defaults.BreakerFailures
	}
	if config.BreakerTimeout <= 0 {
		config.BreakerTimeout = defaults.BreakerTimeout
	}

	p := &Publisher{
		config:        config,
		logger:        logger.With().Str("component", "mqtt-publisher").Logger(),
		metrics:       metricsReg,
		alarmBuffer:   make(chan *BufferedMessage, config.AlarmBuffer),
		messageBuffer: make(chan *BufferedMessage, config.BufferSize),
		done:          make(chan struct{}),
		stats:         &PublisherStats{},
		topicStats:    make(map[string]*TopicStat),
		subscriptions: make(map[string]subscription),
	}

	p.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "mqtt-publish",
		MaxRequests: 1,
		Timeout:     config.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= config.BreakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			p.logger.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Publish circuit breaker state changed")
		},
	})

	return p, nil
}

// TelemetryTopic returns the topic telemetry is published on.
func (p *Publisher) TelemetryTopic() string {
	return p.config.TopicPrefix + "/telemetry"
}

// AlarmTopic returns the topic alarm transitions are published on.
func (p *Publisher) AlarmTopic() string {
	return p.config.TopicPrefix + "/alarms"
}

// Connect establishes the connection to the MQTT broker and starts the
// buffer processor.
func (p *Publisher) Connect(ctx context.Context) error {
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(p.config.BrokerURL)
	opts.SetClientID(p.config.ClientID)
	opts.SetCleanSession(p.config.CleanSession)
	opts.SetKeepAlive(p.config.KeepAlive)
	opts.SetConnectTimeout(p.config.ConnectTimeout)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(p.config.ReconnectDelay)
	opts.SetMaxReconnectInterval(p.config.ReconnectDelay)

	if p.config.Username != "" {
		opts.SetUsername(p.config.Username)
		opts.SetPassword(p.config.Password)
	}

	if p.config.TLSEnabled {
		tlsConfig, err := p.createTLSConfig()
		if err != nil {
			return fmt.Errorf("failed to create TLS config: %w", err)
		}
		opts.SetTLSConfig(tlsConfig)
	}

	opts.SetOnConnectHandler(p.onConnect)
	opts.SetConnectionLostHandler(p.onConnectionLost)
	opts.SetReconnectingHandler(p.onReconnecting)

	p.logger.Info().Str("broker", p.config.BrokerURL).Msg("Connecting to MQTT broker")
	return p.start(ctx, pahomqtt.NewClient(opts))
}

// start connects client and launches the buffer processor. Publishing never
// waits for the broker: with connect retry enabled, messages queue until the
// first connection succeeds.
func (p *Publisher) start(ctx context.Context, client pahomqtt.Client) error {
	p.mu.Lock()
	p.client = client
	p.mu.Unlock()

	token := client.Connect()

	connectDone := make(chan bool, 1)
	go func() {
		connectDone <- token.WaitTimeout(p.config.ConnectTimeout)
	}()

	select {
	case success := <-connectDone:
		if success && token.Error() != nil {
			return fmt.Errorf("%w: %v", domain.ErrMQTTConnectionFailed, token.Error())
		}
		if !success {
			p.logger.Warn().Msg("MQTT broker not reachable yet, buffering until connected")
		}
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", domain.ErrMQTTConnectionFailed, ctx.Err())
	}

	if client.IsConnected() {
		p.connected.Store(true)
	}

	p.done = make(chan struct{})
	p.wg.Add(1)
	go p.processBuffer()

	return nil
}

// Disconnect drains the buffer and disconnects from the MQTT broker.
func (p *Publisher) Disconnect() {
	p.logger.Info().Msg("Disconnecting from MQTT broker")

	select {
	case <-p.done:
	default:
		close(p.done)
	}
	p.wg.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.client != nil && p.client.IsConnected() {
		p.client.Disconnect(1000)
	}

	p.connected.Store(false)
	p.reconnecting.Store(false)
	p.logger.Info().Msg("Disconnected from MQTT broker")
}

// PublishTelemetry queues a telemetry message.
func (p *Publisher) PublishTelemetry(ctx context.Context, msg domain.TelemetryMessage) error {
	payload, err := msg.ToJSON()
	if err != nil {
		return fmt.Errorf("failed to serialize telemetry: %w", err)
	}
	return p.enqueue(StreamTelemetry, p.TelemetryTopic(), payload)
}

// PublishAlarm queues an alarm message.
func (p *Publisher) PublishAlarm(ctx context.Context, msg domain.AlarmMessage) error {
	payload, err := msg.ToJSON()
	if err != nil {
		return fmt.Errorf("failed to serialize alarm: %w", err)
	}
	return p.enqueue(StreamAlarms, p.AlarmTopic(), payload)
}

// PublishRaw queues an arbitrary payload, used for command responses.
func (p *Publisher) PublishRaw(ctx context.Context, topic string, payload []byte) error {
	return p.enqueue(StreamCommands, topic, payload)
}

// queueFor returns the queue of stream.
func (p *Publisher) queueFor(stream string) chan *BufferedMessage {
	if stream == StreamAlarms {
		return p.alarmBuffer
	}
	return p.messageBuffer
}

// enqueue adds a message to its stream's queue. When the queue is full its
// oldest message is dropped so the newest state always gets through.
func (p *Publisher) enqueue(stream, topic string, payload []byte) error {
	msg := &BufferedMessage{
		Stream:    stream,
		Topic:     topic,
		Payload:   payload,
		QoS:       p.config.QoS,
		Retained:  p.config.RetainMessages,
		Timestamp: time.Now(),
	}
	queue := p.queueFor(stream)

	defer p.updateBufferGauge()

	select {
	case queue <- msg:
		p.stats.MessagesBuffered.Add(1)
		return nil
	default:
	}

	select {
	case dropped := <-queue:
		p.recordDrop(dropped)
	default:
	}

	select {
	case queue <- msg:
		p.stats.MessagesBuffered.Add(1)
		return nil
	default:
		p.recordDrop(msg)
		return domain.ErrBufferFull
	}
}

func (p *Publisher) recordDrop(msg *BufferedMessage) {
	p.stats.MessagesDropped.Add(1)
	if p.metrics != nil {
		p.metrics.RecordMQTTDrop()
	}
	log := p.logger.Warn()
	if msg.Stream == StreamAlarms {
		log = p.logger.Error()
	}
	log.Str("stream", msg.Stream).Str("topic", msg.Topic).Msg("Buffer full, dropped oldest message")
}

func (p *Publisher) updateBufferGauge() {
	if p.metrics != nil {
		p.metrics.UpdateMQTTBufferSize(p.BufferSize())
	}
}

// processBuffer is the single consumer of both queues. It retries the head
// message before taking the next one, which keeps each stream in order.
func (p *Publisher) processBuffer() {
	defer p.wg.Done()

	for {
		select {
		case msg := <-p.alarmBuffer:
			if !p.process(msg) {
				return
			}
			continue
		default:
		}

		select {
		case <-p.done:
			p.drainBuffer()
			return
		case msg := <-p.alarmBuffer:
			if !p.process(msg) {
				return
			}
		case msg := <-p.messageBuffer:
			if !p.process(msg) {
				return
			}
		}
	}
}

func (p *Publisher) process(msg *BufferedMessage) bool {
	p.updateBufferGauge()
	if !p.deliver(msg) {
		p.drainBuffer()
		return false
	}
	return true
}

// deliver publishes msg, waiting out disconnects and retrying failures. Alarm
// messages are retried until shutdown; others give up after
// MaxPublishAttempts. It returns false if shutdown was requested meanwhile.
func (p *Publisher) deliver(msg *BufferedMessage) bool {
	bounded := msg.Stream != StreamAlarms
	attempts := 0
	for {
		if p.connected.Load() {
			err := p.publishGuarded(msg)
			if err == nil {
				return true
			}

			if !errors.Is(err, gobreaker.ErrOpenState) && !errors.Is(err, gobreaker.ErrTooManyRequests) {
				attempts++
			}
			if bounded && attempts >= p.config.MaxPublishAttempts {
				p.logger.Error().Err(err).Str("topic", msg.Topic).Int("attempts", attempts).Msg("Giving up on message")
				return true
			}
			if !bounded && attempts > 0 && attempts%p.config.MaxPublishAttempts == 0 {
				p.logger.Warn().Err(err).Str("topic", msg.Topic).Int("attempts", attempts).Msg("Alarm still undelivered, retrying")
			} else {
				p.logger.Debug().Err(err).Str("topic", msg.Topic).Msg("Publish failed, retrying")
			}
		}

		select {
		case <-p.done:
			// Give the head message one last chance during the drain.
			p.publishDuringDrain(msg)
			return false
		case <-time.After(p.config.RetryDelay):
		}
	}
}

func (p *Publisher) publishGuarded(msg *BufferedMessage) error {
	ctx, cancel := context.WithTimeout(context.Background(), p.config.PublishTimeout)
	defer cancel()

	_, err := p.breaker.Execute(func() (interface{}, error) {
		return nil, p.publishRaw(ctx, msg)
	})
	return err
}

// publishRaw publishes one message and waits for the broker acknowledgement.
func (p *Publisher) publishRaw(ctx context.Context, msg *BufferedMessage) error {
	p.mu.RLock()
	client := p.client
	p.mu.RUnlock()

	if client == nil {
		return domain.ErrMQTTNotConnected
	}

	start := time.Now()
	token := client.Publish(msg.Topic, msg.QoS, msg.Retained, msg.Payload)

	publishDone := make(chan bool, 1)
	go func() {
		publishDone <- token.WaitTimeout(p.config.PublishTimeout)
	}()

	var err error
	select {
	case success := <-publishDone:
		if !success {
			err = fmt.Errorf("%w: publish timeout", domain.ErrMQTTPublishFailed)
		} else if token.Error() != nil {
			err = fmt.Errorf("%w: %v", domain.ErrMQTTPublishFailed, token.Error())
		}
	case <-ctx.Done():
		err = fmt.Errorf("%w: %v", domain.ErrMQTTPublishFailed, ctx.Err())
	}

	if p.metrics != nil {
		p.metrics.RecordMQTTPublish(msg.Stream, err == nil, time.Since(start).Seconds())
	}
	if err != nil {
		p.stats.MessagesFailed.Add(1)
		return err
	}

	p.stats.MessagesPublished.Add(1)
	p.stats.BytesSent.Add(uint64(len(msg.Payload)))
	p.recordTopicPublish(msg.Topic, len(msg.Payload))
	return nil
}

// drainBuffer attempts to publish all remaining buffered messages, alarms first.
func (p *Publisher) drainBuffer() {
	deadline := time.Now().Add(5 * time.Second)
	for _, queue := range []chan *BufferedMessage{p.alarmBuffer, p.messageBuffer} {
		for len(queue) > 0 {
			if time.Now().After(deadline) {
				p.logger.Warn().Int("count", p.BufferSize()).Msg("Timeout draining buffer, messages dropped")
				return
			}
			select {
			case msg := <-queue:
				p.publishDuringDrain(msg)
			default:
			}
		}
	}
}

func (p *Publisher) publishDuringDrain(msg *BufferedMessage) {
	if !p.connected.Load() {
		return
	}
	if err := p.publishGuarded(msg); err != nil {
		p.logger.Warn().Err(err).Str("topic", msg.Topic).Msg("Failed to drain buffered message")
	}
}

// Subscribe registers handler for topic. Subscriptions are restored after
// every reconnect.
func (p *Publisher) Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error {
	p.subMu.Lock()
	p.subscriptions[topic] = subscription{qos: qos, handler: handler}
	p.subMu.Unlock()

	if !p.connected.Load() {
		return nil
	}

	p.mu.RLock()
	client := p.client
	p.mu.RUnlock()

	return p.subscribe(client, topic, subscription{qos: qos, handler: handler})
}

// Unsubscribe removes the subscription for topic.
func (p *Publisher) Unsubscribe(topic string) error {
	p.subMu.Lock()
	delete(p.subscriptions, topic)
	p.subMu.Unlock()

	p.mu.RLock()
	client := p.client
	p.mu.RUnlock()

	if client == nil || !p.connected.Load() {
		return nil
	}

	token := client.Unsubscribe(topic)
	if token.WaitTimeout(p.config.PublishTimeout) && token.Error() != nil {
		return token.Error()
	}
	return nil
}

func (p *Publisher) subscribe(client pahomqtt.Client, topic string, sub subscription) error {
	if client == nil {
		return domain.ErrMQTTNotConnected
	}

	token := client.Subscribe(topic, sub.qos, func(_ pahomqtt.Client, m pahomqtt.Message) {
		sub.handler(m.Topic(), m.Payload())
	})
	if !token.WaitTimeout(p.config.PublishTimeout) {
		return fmt.Errorf("%w: timeout on %s", domain.ErrMQTTSubscribeFailed, topic)
	}
	if token.Error() != nil {
		return fmt.Errorf("%w: %v", domain.ErrMQTTSubscribeFailed, token.Error())
	}
	return nil
}

func (p *Publisher) recordTopicPublish(topic string, payloadBytes int) {
	p.topicMu.Lock()
	defer p.topicMu.Unlock()

	stat, ok := p.topicStats[topic]
	if !ok {
		stat = &TopicStat{Topic: topic}
		p.topicStats[topic] = stat
	}
	stat.Count++
	stat.LastPublished = time.Now()
	stat.LastPayloadBytes = payloadBytes
}

// ActiveTopics returns the published topics, most recent first.
func (p *Publisher) ActiveTopics() []TopicStat {
	p.topicMu.RLock()
	out := make([]TopicStat, 0, len(p.topicStats))
	for _, stat := range p.topicStats {
		out = append(out, *stat)
	}
	p.topicMu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].LastPublished.After(out[j].LastPublished)
	})
	return out
}

// createTLSConfig creates TLS configuration for secure connections.
func (p *Publisher) createTLSConfig() (*tls.Config, error) {
	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS12,
	}

	if p.config.TLSCAFile != "" {
		caCert, err := os.ReadFile(p.config.TLSCAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate: %w", err)
		}
		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse CA certificate")
		}
		tlsConfig.RootCAs = caCertPool
	}

	if p.config.TLSCertFile != "" && p.config.TLSKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(p.config.TLSCertFile, p.config.TLSKeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	return tlsConfig, nil
}

// onConnect is called when the client connects to the broker.
func (p *Publisher) onConnect(client pahomqtt.Client) {
	p.connected.Store(true)
	p.reconnecting.Store(false)
	p.logger.Info().Msg("MQTT connection established")

	p.subMu.Lock()
	subs := make(map[string]subscription, len(p.subscriptions))
	for topic, sub := range p.subscriptions {
		subs[topic] = sub
	}
	p.subMu.Unlock()

	for topic, sub := range subs {
		if err := p.subscribe(client, topic, sub); err != nil {
			p.logger.Error().Err(err).Str("topic", topic).Msg("Failed to restore subscription")
		}
	}
}

// onConnectionLost is called when the connection is lost.
func (p *Publisher) onConnectionLost(client pahomqtt.Client, err error) {
	p.connected.Store(false)
	p.logger.Warn().Err(err).Msg("MQTT connection lost")
}

// onReconnecting is called when the client is attempting to reconnect.
func (p *Publisher) onReconnecting(client pahomqtt.Client, opts *pahomqtt.ClientOptions) {
	p.reconnecting.Store(true)
	p.stats.ReconnectCount.Add(1)
	p.logger.Info().Msg("Attempting to reconnect to MQTT broker")
}

// IsConnected returns true if the publisher is connected to the broker.
func (p *Publisher) IsConnected() bool {
	return p.connected.Load()
}

// IsReconnecting reports whether the client is retrying a lost connection.
func (p *Publisher) IsReconnecting() bool {
	return p.reconnecting.Load()
}

// Stats returns publisher statistics.
func (p *Publisher) Stats() map[string]uint64 {
	return map[string]uint64{
		"messages_published": p.stats.MessagesPublished.Load(),
		"messages_failed":    p.stats.MessagesFailed.Load(),
		"messages_buffered":  p.stats.MessagesBuffered.Load(),
		"messages_dropped":   p.stats.MessagesDropped.Load(),
		"bytes_sent":         p.stats.BytesSent.Load(),
		"reconnect_count":    p.stats.ReconnectCount.Load(),
	}
}

// BufferSize returns the current number of buffered messages.
func (p *Publisher) BufferSize() int {
	return len(p.alarmBuffer) + len(p.messageBuffer)
}

// HealthCheck implements the health.Checker interface.
func (p *Publisher) HealthCheck(ctx context.Context) error {
	if !p.connected.Load() {
		return domain.ErrMQTTNotConnected
	}
	if p.breaker.State() == gobreaker.StateOpen {
		return fmt.Errorf("%w: circuit breaker open", domain.ErrMQTTPublishFailed)
	}
	return nil
}
