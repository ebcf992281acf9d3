package service_test

import (
	"context"
	"sync"
	"time"

	"github.com/ahmeth-sd/scada-modbus-demo/internal/domain"
	"github.com/ahmeth-sd/scada-modbus-demo/internal/service"
)

// =============================================================================
// Fake Clock
// =============================================================================

// fakeClock is a simulated clock. Sleep advances time instantly.
type fakeClock struct {
	mu     sync.Mutex
	now    domain.Timestamp
	sleeps []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: domain.Timestamp{Wall: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}}
}

func (c *fakeClock) Now() domain.Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.sleeps = append(c.sleeps, d)
	c.mu.Unlock()
	c.Advance(d)
	return nil
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = domain.Timestamp{Wall: c.now.Wall.Add(d), Mono: c.now.Mono + d}
}

func (c *fakeClock) Sleeps() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.sleeps...)
}

// =============================================================================
// Fake Transaction Client
// =============================================================================

// step is one scripted read. elapsed is how long the transaction takes.
type step struct {
	block   domain.RegisterBlock
	err     error
	elapsed time.Duration
}

// fakeClient replays a script of reads and cancels the run once it is exhausted.
type fakeClient struct {
	clock  *fakeClock
	script []step
	cancel context.CancelFunc

	mu       sync.Mutex
	reads    int
	writes   []service.WriteCommand
	writeErr error
	trace    []string
}

func (c *fakeClient) ReadBlock(ctx context.Context, rng domain.AddressRange) (domain.RegisterBlock, error) {
	c.mu.Lock()
	c.trace = append(c.trace, "read")
	i := c.reads
	c.reads++
	c.mu.Unlock()

	if i >= len(c.script) {
		c.cancel()
		return domain.RegisterBlock{}, ctx.Err()
	}

	s := c.script[i]
	c.clock.Advance(s.elapsed)
	return s.block, s.err
}

func (c *fakeClient) WriteRegister(ctx context.Context, offset, value uint16) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.trace = append(c.trace, "write")
	c.writes = append(c.writes, service.WriteCommand{Offset: offset, Value: value})
	return c.writeErr
}

func timeoutErr() error {
	return domain.NewTransactionError(domain.FailureTimeout, "read", context.DeadlineExceeded)
}

func okStep(temp uint16, elapsed time.Duration) step {
	var block domain.RegisterBlock
	block[5] = temp
	return step{block: block, elapsed: elapsed}
}

func failStep(err error, elapsed time.Duration) step {
	return step{err: err, elapsed: elapsed}
}

// =============================================================================
// Recording Handler
// =============================================================================

type recordingHandler struct {
	mu       sync.Mutex
	readings []domain.Reading
	failures []domain.PollFailure
	order    []string
}

func (h *recordingHandler) HandleReading(ctx context.Context, r domain.Reading) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.readings = append(h.readings, r)
	h.order = append(h.order, "reading")
}

func (h *recordingHandler) HandleFailure(ctx context.Context, f domain.PollFailure) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failures = append(h.failures, f)
	h.order = append(h.order, "failure")
}

func (h *recordingHandler) stages() []int {
	h.mu.Lock()
	defer h.mu.Unlock()
	stages := make([]int, 0, len(h.failures))
	for _, f := range h.failures {
		stages = append(stages, f.Stage)
	}
	return stages
}

// =============================================================================
// Recording Publisher
// =============================================================================

type recordingPublisher struct {
	mu        sync.Mutex
	telemetry []domain.TelemetryMessage
	alarms    []domain.AlarmMessage
	err       error
}

func (p *recordingPublisher) PublishTelemetry(ctx context.Context, msg domain.TelemetryMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.telemetry = append(p.telemetry, msg)
	return nil
}

func (p *recordingPublisher) PublishAlarm(ctx context.Context, msg domain.AlarmMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.alarms = append(p.alarms, msg)
	return nil
}

// at returns a timestamp at the given monotonic offset.
func at(d time.Duration) domain.Timestamp {
	return domain.Timestamp{Wall: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC).Add(d), Mono: d}
}
