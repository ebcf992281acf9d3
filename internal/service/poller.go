// Package service provides the polling loop, the alarm detector, and the
// pipeline that connects device readings to the event bus.
package service

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/ahmeth-sd/scada-modbus-demo/internal/domain"
	"github.com/ahmeth-sd/scada-modbus-demo/internal/metrics"
)

// TransactionClient performs single-attempt register transactions.
type TransactionClient interface {
	ReadBlock(ctx context.Context, rng domain.AddressRange) (domain.RegisterBlock, error)
	WriteRegister(ctx context.Context, offset, value uint16) error
}

// Decoder turns a raw register block into a reading.
type Decoder func(block domain.RegisterBlock, ts domain.Timestamp) domain.Reading

// OutcomeHandler receives exactly one outcome per completed poll tick.
type OutcomeHandler interface {
	HandleReading(ctx context.Context, r domain.Reading)
	HandleFailure(ctx context.Context, f domain.PollFailure)
}

// PollPhase is the poller state exposed for status and metrics.
type PollPhase string

const (
	PollIdle     PollPhase = "IDLE"
	PollPolling  PollPhase = "POLLING"
	PollSuccess  PollPhase = "SUCCESS"
	PollRetrying PollPhase = "RETRYING"
)

// PollerConfig holds configuration for the poller.
type PollerConfig struct {
	// Range is the register block read every tick
	Range domain.AddressRange

	// Period is the nominal cadence, measured from cycle start
	Period time.Duration

	// Timeout bounds a single transaction
	Timeout time.Duration

	// Backoff is applied after failed ticks
	Backoff BackoffPolicy

	// CommandQueueSize bounds queued register writes
	CommandQueueSize int
}

// WriteCommand is a register write executed by the poller between reads.
// Done, if set, is called from the poll goroutine with the write result.
type WriteCommand struct {
	Offset uint16
	Value  uint16
	Done   func(err error)
}

// PollerStats tracks polling statistics.
type PollerStats struct {
	TotalPolls    atomic.Uint64
	SuccessPolls  atomic.Uint64
	FailedPolls   atomic.Uint64
	WritesApplied atomic.Uint64
	WritesFailed  atomic.Uint64
}

// PollerStatus is a point-in-time snapshot of the poller.
type PollerStatus struct {
	Phase               PollPhase     `json:"phase"`
	BackoffStage        int           `json:"backoff_stage"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	NextDelay           time.Duration `json:"next_delay_ns"`
	LastError           string        `json:"last_error,omitempty"`
	LastSuccess         *time.Time    `json:"last_success,omitempty"`
	TotalPolls          uint64        `json:"total_polls"`
	SuccessPolls        uint64        `json:"success_polls"`
	FailedPolls         uint64        `json:"failed_polls"`
}

// Poller drives the fixed-period polling loop against one device. It is the
// only component that transacts with the device.
type Poller struct {
	config   PollerConfig
	client   TransactionClient
	decode   Decoder
	clock    Clock
	logger   zerolog.Logger
	metrics  *metrics.Registry
	commands chan WriteCommand
	stats    *PollerStats

	mu          sync.RWMutex
	state       PollState
	phase       PollPhase
	lastErr     error
	lastSuccess time.Time
}

// NewPoller creates a new poller. metricsReg may be nil.
func NewPoller(
	config PollerConfig,
	client TransactionClient,
	decode Decoder,
	clock Clock,
	logger zerolog.Logger,
	metricsReg *metrics.Registry,
) *Poller {
	if config.Range.Count == 0 {
		config.Range = domain.BlockRange(config.Range.Start)
	}
	if config.Period <= 0 {
		config.Period = time.Second
	}
	if config.Timeout <= 0 {
		config.Timeout = time.Second
	}
	if config.Backoff.Base <= 0 {
		config.Backoff.Base = time.Second
	}
	if config.Backoff.Max < config.Backoff.Base {
		config.Backoff.Max = 30 * time.Second
	}
	if config.CommandQueueSize <= 0 {
		config.CommandQueueSize = 16
	}
	if clock == nil {
		clock = NewSystemClock()
	}

	return &Poller{
		config:   config,
		client:   client,
		decode:   decode,
		clock:    clock,
		logger:   logger.With().Str("component", "poller").Logger(),
		metrics:  metricsReg,
		commands: make(chan WriteCommand, config.CommandQueueSize),
		stats:    &PollerStats{},
		phase:    PollIdle,
	}
}

// Run polls until ctx is cancelled. Transaction failures never end the loop;
// they are reported to handler and retried after a backoff delay.
func (p *Poller) Run(ctx context.Context, handler OutcomeHandler) {
	p.logger.Info().
		Dur("period", p.config.Period).
		Dur("timeout", p.config.Timeout).
		Dur("backoff_base", p.config.Backoff.Base).
		Dur("backoff_max", p.config.Backoff.Max).
		Msg("Starting poll loop")
	defer p.setPhase(PollIdle)

	for {
		if ctx.Err() != nil {
			p.logger.Info().Msg("Poll loop stopped")
			return
		}

		delay, ok := p.cycle(ctx, handler)
		if !ok {
			p.logger.Info().Msg("Poll loop stopped during transaction")
			return
		}

		if err := p.clock.Sleep(ctx, delay); err != nil {
			p.logger.Info().Msg("Poll loop stopped")
			return
		}
	}
}

// cycle runs one tick and returns the sleep before the next one. It returns
// false when ctx ended mid-transaction; that tick produces no outcome.
func (p *Poller) cycle(ctx context.Context, handler OutcomeHandler) (time.Duration, bool) {
	start := p.clock.Now()
	p.setPhase(PollPolling)
	p.stats.TotalPolls.Add(1)

	p.applyCommands(ctx)

	txCtx, cancel := context.WithTimeout(ctx, p.config.Timeout)
	block, err := p.client.ReadBlock(txCtx, p.config.Range)
	cancel()

	if ctx.Err() != nil {
		return 0, false
	}

	now := p.clock.Now()
	if err != nil {
		return p.fail(ctx, handler, err, now), true
	}

	reading := p.decode(block, now)

	p.mu.Lock()
	recovered := p.state.ConsecutiveFailures
	next := domain.Timestamp{Wall: start.Wall.Add(p.config.Period), Mono: start.Mono + p.config.Period}
	p.state.RecordSuccess(next)
	p.phase = PollSuccess
	p.lastErr = nil
	p.lastSuccess = now.Wall
	p.mu.Unlock()

	p.stats.SuccessPolls.Add(1)
	if recovered > 0 {
		p.logger.Info().Int("failures", recovered).Msg("Device polling recovered")
	}
	if p.metrics != nil {
		p.metrics.RecordPollSuccess(now.Sub(start).Seconds())
	}

	handler.HandleReading(ctx, reading)
	p.setPhase(PollIdle)

	delay := p.config.Period - now.Sub(start)
	if delay < 0 {
		delay = 0
	}
	return delay, true
}

func (p *Poller) fail(ctx context.Context, handler OutcomeHandler, err error, now domain.Timestamp) time.Duration {
	kind := domain.KindOf(err)

	p.mu.Lock()
	prevStage := p.state.Stage
	delay := p.state.RecordFailure(p.config.Backoff, now)
	failure := domain.PollFailure{
		Kind:                kind,
		Stage:               p.state.Stage,
		ConsecutiveFailures: p.state.ConsecutiveFailures,
		Delay:               delay,
		Err:                 err,
		Timestamp:           now,
	}
	p.phase = PollRetrying
	p.lastErr = err
	p.mu.Unlock()

	p.stats.FailedPolls.Add(1)

	event := p.logger.Debug()
	if failure.ConsecutiveFailures == 1 || failure.Stage != prevStage {
		event = p.logger.Warn()
	}
	event.Err(err).
		Str("kind", string(kind)).
		Str("class", string(kind.Class())).
		Int("stage", failure.Stage).
		Int("consecutive_failures", failure.ConsecutiveFailures).
		Dur("retry_in", delay).
		Msg("Poll failed")

	if p.metrics != nil {
		p.metrics.RecordPollFailure(string(kind), string(kind.Class()), failure.Stage, failure.ConsecutiveFailures)
	}

	handler.HandleFailure(ctx, failure)
	return delay
}

// applyCommands executes queued writes without blocking on an empty queue.
func (p *Poller) applyCommands(ctx context.Context) {
	for {
		select {
		case cmd := <-p.commands:
			txCtx, cancel := context.WithTimeout(ctx, p.config.Timeout)
			err := p.client.WriteRegister(txCtx, cmd.Offset, cmd.Value)
			cancel()

			if err != nil {
				p.stats.WritesFailed.Add(1)
				p.logger.Warn().Err(err).Uint16("offset", cmd.Offset).Msg("Register write failed")
			} else {
				p.stats.WritesApplied.Add(1)
				p.logger.Info().Uint16("offset", cmd.Offset).Uint16("value", cmd.Value).Msg("Register written")
			}
			if cmd.Done != nil {
				cmd.Done(err)
			}
		default:
			return
		}
	}
}

// SubmitWrite queues a register write for the next poll tick.
func (p *Poller) SubmitWrite(cmd WriteCommand) error {
	select {
	case p.commands <- cmd:
		return nil
	default:
		return domain.ErrCommandQueueFull
	}
}

func (p *Poller) setPhase(phase PollPhase) {
	p.mu.Lock()
	p.phase = phase
	p.mu.Unlock()
}

// Status returns a snapshot of the poller state.
func (p *Poller) Status() PollerStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()

	status := PollerStatus{
		Phase:               p.phase,
		BackoffStage:        p.state.Stage,
		ConsecutiveFailures: p.state.ConsecutiveFailures,
		NextDelay:           p.state.NextDelay(p.config.Backoff),
		TotalPolls:          p.stats.TotalPolls.Load(),
		SuccessPolls:        p.stats.SuccessPolls.Load(),
		FailedPolls:         p.stats.FailedPolls.Load(),
	}
	if !p.lastSuccess.IsZero() {
		at := p.lastSuccess
		status.LastSuccess = &at
	}
	if p.lastErr != nil {
		status.LastError = p.lastErr.Error()
	}
	return status
}
