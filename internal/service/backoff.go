package service

import (
	"time"

	"github.com/ahmeth-sd/scada-modbus-demo/internal/domain"
)

// BackoffPolicy computes retry delays as min(Base * 2^stage, Max).
type BackoffPolicy struct {
	Base time.Duration
	Max  time.Duration
}

// Delay returns the backoff delay for the given stage.
func (p BackoffPolicy) Delay(stage int) time.Duration {
	if p.Base >= p.Max {
		return p.Max
	}
	d := p.Base
	for i := 0; i < stage; i++ {
		d *= 2
		if d >= p.Max {
			return p.Max
		}
	}
	return d
}

// MaxStage is the smallest stage whose delay reaches Max. The stage counter
// saturates there.
func (p BackoffPolicy) MaxStage() int {
	stage := 0
	for p.Delay(stage) < p.Max {
		stage++
	}
	return stage
}

// PollState is the retry bookkeeping owned by the poller.
type PollState struct {
	Stage               int
	ConsecutiveFailures int
	NextAttempt         domain.Timestamp
}

// RecordFailure applies one failed attempt at now and returns the delay to
// wait before the next attempt.
func (s *PollState) RecordFailure(policy BackoffPolicy, now domain.Timestamp) time.Duration {
	delay := policy.Delay(s.Stage)
	s.ConsecutiveFailures++
	if s.Stage < policy.MaxStage() {
		s.Stage++
	}
	s.NextAttempt = domain.Timestamp{Wall: now.Wall.Add(delay), Mono: now.Mono + delay}
	return delay
}

// RecordSuccess clears stage and failure count together, however many
// failures came before.
func (s *PollState) RecordSuccess(next domain.Timestamp) {
	s.Stage = 0
	s.ConsecutiveFailures = 0
	s.NextAttempt = next
}

// NextDelay is the delay the next failure would incur.
func (s PollState) NextDelay(policy BackoffPolicy) time.Duration {
	return policy.Delay(s.Stage)
}
