package service

import (
	"sync"
	"time"

	"github.com/ahmeth-sd/scada-modbus-demo/internal/domain"
)

// AlarmConfig holds the hysteresis and hold parameters of the detector.
type AlarmConfig struct {
	RaiseThreshold float64
	RaiseHold      time.Duration
	ClearThreshold float64
	ClearHold      time.Duration
}

// DefaultAlarmConfig returns the default high temperature alarm parameters.
func DefaultAlarmConfig() AlarmConfig {
	return AlarmConfig{
		RaiseThreshold: 60.0,
		RaiseHold:      5 * time.Second,
		ClearThreshold: 58.0,
		ClearHold:      3 * time.Second,
	}
}

// AlarmDetector debounces a scalar series into a NORMAL/ALARM status.
// A crossing must hold for longer than the hold duration before it is
// confirmed; the band between the clear and raise thresholds never changes
// the status.
//
// Hold time only accrues between consecutive valid samples. An interval that
// spans a MarkGap call is skipped, so a missed tick neither completes nor
// restarts a pending confirmation.
type AlarmDetector struct {
	config AlarmConfig

	mu         sync.RWMutex
	state      domain.AlarmState
	held       time.Duration
	lastSample domain.Timestamp
	gap        bool
}

// NewAlarmDetector creates a detector in the NORMAL phase.
func NewAlarmDetector(config AlarmConfig) *AlarmDetector {
	return &AlarmDetector{
		config: config,
		state:  domain.AlarmState{Phase: domain.PhaseNormal},
	}
}

// Observe feeds one valid sample and returns the confirmed transition, if any.
func (d *AlarmDetector) Observe(value float64, ts domain.Timestamp) (domain.AlarmEvent, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	defer func() { d.gap = false }()

	switch d.state.Phase {
	case domain.PhaseNormal:
		if value > d.config.RaiseThreshold {
			d.startCandidate(domain.PhaseConfirmingAlarm, ts)
		}

	case domain.PhaseConfirmingAlarm:
		if value <= d.config.RaiseThreshold {
			d.dropCandidate(domain.PhaseNormal)
			return domain.AlarmEvent{}, false
		}
		if d.accrue(ts) > d.config.RaiseHold {
			return d.confirm(domain.PhaseAlarm, value, d.config.RaiseThreshold, ts), true
		}

	case domain.PhaseAlarm:
		if value < d.config.ClearThreshold {
			d.startCandidate(domain.PhaseConfirmingClear, ts)
		}

	case domain.PhaseConfirmingClear:
		if value >= d.config.ClearThreshold {
			d.dropCandidate(domain.PhaseAlarm)
			return domain.AlarmEvent{}, false
		}
		if d.accrue(ts) > d.config.ClearHold {
			return d.confirm(domain.PhaseNormal, value, d.config.ClearThreshold, ts), true
		}
	}

	return domain.AlarmEvent{}, false
}

// MarkGap records a tick that produced no valid sample.
func (d *AlarmDetector) MarkGap() {
	d.mu.Lock()
	d.gap = true
	d.mu.Unlock()
}

// State returns a snapshot of the detector state.
func (d *AlarmDetector) State() domain.AlarmState {
	d.mu.RLock()
	defer d.mu.RUnlock()

	state := d.state
	if state.CandidateStart != nil {
		start := *state.CandidateStart
		state.CandidateStart = &start
	}
	return state
}

// Held returns the hold time accrued by the pending candidate.
func (d *AlarmDetector) Held() time.Duration {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.held
}

func (d *AlarmDetector) startCandidate(phase domain.AlarmPhase, ts domain.Timestamp) {
	start := ts
	d.state.Phase = phase
	d.state.CandidateStart = &start
	d.held = 0
	d.lastSample = ts
}

func (d *AlarmDetector) dropCandidate(phase domain.AlarmPhase) {
	d.state.Phase = phase
	d.state.CandidateStart = nil
	d.held = 0
}

func (d *AlarmDetector) accrue(ts domain.Timestamp) time.Duration {
	if !d.gap {
		d.held += ts.Sub(d.lastSample)
	}
	d.lastSample = ts
	return d.held
}

func (d *AlarmDetector) confirm(to domain.AlarmPhase, value, threshold float64, ts domain.Timestamp) domain.AlarmEvent {
	from := d.state.Status()
	d.state.Phase = to
	d.state.CandidateStart = nil
	d.state.LastTransition = ts
	d.held = 0
	return domain.NewAlarmEvent(from, to.Status(), value, threshold, ts)
}
