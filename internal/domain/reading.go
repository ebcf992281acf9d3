// Package domain contains core business entities.
package domain

import "time"

// Quality represents the quality/reliability of a reading.
type Quality string

const (
	QualityGood  Quality = "GOOD"
	QualityStale Quality = "STALE"
	QualityBad   Quality = "BAD"
)

// BlockSize is the number of 16-bit words read in one transaction.
const BlockSize = 10

// RegisterBlock is the raw snapshot of one read transaction.
// It is an array so that copies never share backing storage.
type RegisterBlock [BlockSize]uint16

// Timestamp pairs a wall-clock time with a monotonic offset.
// Durations must be computed from Mono; Wall is only for publishing.
type Timestamp struct {
	Wall time.Time
	Mono time.Duration
}

// Sub returns the monotonic duration between t and u.
func (t Timestamp) Sub(u Timestamp) time.Duration {
	return t.Mono - u.Mono
}

// Reading is a decoded snapshot of the device registers.
// Readings are passed by value and never mutated after creation.
type Reading struct {
	DeviceID   int
	StatusBits uint16
	PowerW     int
	VoltageV   float64
	CurrentA   float64
	TempC      float64
	SocPct     float64
	SetpointW  int

	// Reserved holds the pass-through words at addresses 8-9.
	Reserved [2]uint16

	Quality   Quality
	Timestamp Timestamp
}

// PollFailure is the explicit signal emitted for a failed poll tick.
type PollFailure struct {
	Kind                FailureKind
	Stage               int
	ConsecutiveFailures int
	Delay               time.Duration
	Err                 error
	Timestamp           Timestamp
}

// Class returns the failure class of the failure kind.
func (f PollFailure) Class() FailureClass {
	return f.Kind.Class()
}

// AddressRange is a contiguous span of holding registers.
type AddressRange struct {
	Start uint16
	Count uint16
}

// BlockRange returns the range covering one device block starting at start.
func BlockRange(start uint16) AddressRange {
	return AddressRange{Start: start, Count: BlockSize}
}
