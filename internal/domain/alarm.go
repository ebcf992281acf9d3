package domain

import (
	"github.com/google/uuid"
)

// AlarmStatus is the externally visible alarm state.
type AlarmStatus string

const (
	AlarmNormal AlarmStatus = "NORMAL"
	AlarmActive AlarmStatus = "ALARM"
)

// AlarmPhase is the internal detector phase, including the pending sub-states.
type AlarmPhase string

const (
	PhaseNormal          AlarmPhase = "NORMAL"
	PhaseConfirmingAlarm AlarmPhase = "CONFIRMING_ALARM"
	PhaseAlarm           AlarmPhase = "ALARM"
	PhaseConfirmingClear AlarmPhase = "CONFIRMING_CLEAR"
)

// Status collapses the phase into the externally visible status.
func (p AlarmPhase) Status() AlarmStatus {
	switch p {
	case PhaseAlarm, PhaseConfirmingClear:
		return AlarmActive
	default:
		return AlarmNormal
	}
}

// AlarmState is a snapshot of the detector state.
type AlarmState struct {
	Phase AlarmPhase

	// CandidateStart is set only while a transition is being confirmed.
	CandidateStart *Timestamp

	// LastTransition is the time of the last confirmed transition, zero if none.
	LastTransition Timestamp
}

// Status returns the externally visible status.
func (s AlarmState) Status() AlarmStatus {
	return s.Phase.Status()
}

// AlarmEvent is emitted exactly once per confirmed transition.
type AlarmEvent struct {
	ID              uuid.UUID
	From            AlarmStatus
	To              AlarmStatus
	TriggeringValue float64
	Threshold       float64
	Timestamp       Timestamp
}

// NewAlarmEvent creates an alarm event with a fresh ID.
func NewAlarmEvent(from, to AlarmStatus, value, threshold float64, ts Timestamp) AlarmEvent {
	return AlarmEvent{
		ID:              uuid.New(),
		From:            from,
		To:              to,
		TriggeringValue: value,
		Threshold:       threshold,
		Timestamp:       ts,
	}
}

// Raised reports whether the event is a NORMAL→ALARM transition.
func (e AlarmEvent) Raised() bool {
	return e.To == AlarmActive
}
