package domain

import (
	"encoding/json"
	"time"
)

// AlarmTypeTempHigh is the only alarm type raised by the detector.
const AlarmTypeTempHigh = "TEMP_HIGH"

// TelemetryValues holds the decoded engineering values of a reading.
type TelemetryValues struct {
	StatusBits uint16  `json:"status_bits"`
	PowerW     int     `json:"power_w"`
	VoltageV   float64 `json:"voltage_v"`
	CurrentA   float64 `json:"current_a"`
	TempC      float64 `json:"temp_c"`
	SocPct     float64 `json:"soc_pct"`
	SetpointW  int     `json:"setpoint_w"`
}

// TelemetryMessage is the payload published on the telemetry topic.
// Values is nil when no reading is available for a failed tick.
type TelemetryMessage struct {
	DeviceID     *int             `json:"device_id"`
	Values       *TelemetryValues `json:"values"`
	Quality      Quality          `json:"quality"`
	Timestamp    time.Time        `json:"ts"`
	Error        string           `json:"error,omitempty"`
	ErrorKind    FailureKind      `json:"error_kind,omitempty"`
	BackoffStage int              `json:"backoff_stage,omitempty"`
}

// AlarmMessage is the payload published on the alarm topic.
type AlarmMessage struct {
	ID              string      `json:"id"`
	DeviceID        int         `json:"device_id"`
	Type            string      `json:"type"`
	FromState       AlarmStatus `json:"from_state"`
	ToState         AlarmStatus `json:"to_state"`
	TriggeringValue float64     `json:"triggering_value"`
	Threshold       float64     `json:"threshold"`
	Timestamp       time.Time   `json:"ts"`
}

// NewTelemetryMessage builds a telemetry payload from a reading.
func NewTelemetryMessage(r Reading) TelemetryMessage {
	id := r.DeviceID
	return TelemetryMessage{
		DeviceID: &id,
		Values: &TelemetryValues{
			StatusBits: r.StatusBits,
			PowerW:     r.PowerW,
			VoltageV:   r.VoltageV,
			CurrentA:   r.CurrentA,
			TempC:      r.TempC,
			SocPct:     r.SocPct,
			SetpointW:  r.SetpointW,
		},
		Quality:   r.Quality,
		Timestamp: r.Timestamp.Wall.UTC(),
	}
}

// NewFailureTelemetryMessage builds a degraded telemetry payload for a failed tick.
// When last is non-nil its values are republished with the given quality.
func NewFailureTelemetryMessage(f PollFailure, last *Reading, quality Quality) TelemetryMessage {
	var msg TelemetryMessage
	if last != nil {
		msg = NewTelemetryMessage(*last)
	}
	msg.Quality = quality
	msg.Timestamp = f.Timestamp.Wall.UTC()
	msg.ErrorKind = f.Kind
	msg.BackoffStage = f.Stage
	if f.Err != nil {
		msg.Error = f.Err.Error()
	}
	return msg
}

// NewAlarmMessage builds an alarm payload from an alarm event.
func NewAlarmMessage(deviceID int, e AlarmEvent) AlarmMessage {
	return AlarmMessage{
		ID:              e.ID.String(),
		DeviceID:        deviceID,
		Type:            AlarmTypeTempHigh,
		FromState:       e.From,
		ToState:         e.To,
		TriggeringValue: e.TriggeringValue,
		Threshold:       e.Threshold,
		Timestamp:       e.Timestamp.Wall.UTC(),
	}
}

// ToJSON serializes the telemetry payload.
func (m TelemetryMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// ToJSON serializes the alarm payload.
func (m AlarmMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}
