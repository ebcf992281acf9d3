// Package domain contains core business entities.
package domain

import (
	"errors"
	"fmt"
)

// Device errors.
var (
	ErrInvalidSlaveID    = errors.New("invalid slave ID")
	ErrInvalidDataLength = errors.New("invalid data length")
	ErrTagNotWritable    = errors.New("register is not writable")
	ErrInvalidWriteValue = errors.New("invalid value for write operation")
)

// MQTT errors.
var (
	ErrMQTTConnectionFailed = errors.New("MQTT connection failed")
	ErrMQTTPublishFailed    = errors.New("MQTT publish failed")
	ErrMQTTNotConnected     = errors.New("MQTT client not connected")
	ErrMQTTSubscribeFailed  = errors.New("MQTT subscribe failed")
	ErrBufferFull           = errors.New("message buffer full")
)

// Service errors.
var (
	ErrCommandQueueFull  = errors.New("command queue full")
	ErrDeviceDegraded    = errors.New("device polling degraded")
	ErrDeviceUnavailable = errors.New("device unavailable")
	ErrInvalidConfig     = errors.New("invalid configuration")
)

// FailureKind classifies a single failed transaction.
type FailureKind string

const (
	FailureConnectionRefused FailureKind = "connection_refused"
	FailureTimeout           FailureKind = "timeout"
	FailureProtocolError     FailureKind = "protocol_error"
	FailureDisconnected      FailureKind = "disconnected"
)

// FailureClass groups failure kinds for retry and observability purposes.
// Both classes are retried identically.
type FailureClass string

const (
	ClassTransport FailureClass = "transport"
	ClassProtocol  FailureClass = "protocol"
)

// Class returns the failure class of the kind.
func (k FailureKind) Class() FailureClass {
	if k == FailureProtocolError {
		return ClassProtocol
	}
	return ClassTransport
}

// TransactionError is returned by the transaction client for every failed attempt.
type TransactionError struct {
	Kind FailureKind
	Op   string
	Err  error
}

// NewTransactionError creates a new transaction error.
func NewTransactionError(kind FailureKind, op string, err error) *TransactionError {
	return &TransactionError{Kind: kind, Op: op, Err: err}
}

// Error implements the error interface.
func (e *TransactionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

// Unwrap returns the underlying error.
func (e *TransactionError) Unwrap() error {
	return e.Err
}

// KindOf extracts the failure kind from err. Errors that did not come from
// the transaction client are reported as disconnects.
func KindOf(err error) FailureKind {
	var te *TransactionError
	if errors.As(err, &te) {
		return te.Kind
	}
	return FailureDisconnected
}

// IsTransport reports whether err is a transport-level transaction failure.
func IsTransport(err error) bool {
	return err != nil && KindOf(err).Class() == ClassTransport
}

// IsProtocol reports whether err is a malformed-response transaction failure.
func IsProtocol(err error) bool {
	return err != nil && KindOf(err).Class() == ClassProtocol
}

// ConfigError describes an invalid configuration value. It is fatal at startup.
type ConfigError struct {
	Field  string
	Reason string
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Reason)
}

// Unwrap lets callers match ErrInvalidConfig.
func (e *ConfigError) Unwrap() error {
	return ErrInvalidConfig
}

// NewConfigError creates a configuration error for the given field.
func NewConfigError(field, format string, args ...interface{}) *ConfigError {
	return &ConfigError{Field: field, Reason: fmt.Sprintf(format, args...)}
}
