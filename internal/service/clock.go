package service

import (
	"context"
	"time"

	"github.com/ahmeth-sd/scada-modbus-demo/internal/domain"
)

// Clock is the time source for the poller and the alarm detector.
// Tests inject a simulated clock so no real sleeping is needed.
type Clock interface {
	// Now returns the current wall time and monotonic offset.
	Now() domain.Timestamp

	// Sleep blocks for d or until ctx is done, whichever comes first.
	Sleep(ctx context.Context, d time.Duration) error
}

type systemClock struct {
	start time.Time
}

// NewSystemClock returns a Clock backed by the runtime monotonic clock.
func NewSystemClock() Clock {
	return &systemClock{start: time.Now()}
}

func (c *systemClock) Now() domain.Timestamp {
	now := time.Now()
	return domain.Timestamp{Wall: now, Mono: now.Sub(c.start)}
}

func (c *systemClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
