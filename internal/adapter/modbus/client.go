// Package modbus provides the Modbus TCP transaction client and the register
// codec for the fixed 10-word device block.
package modbus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/goburrow/modbus"
	"github.com/rs/zerolog"

	"github.com/ahmeth-sd/scada-modbus-demo/internal/domain"
)

// Client performs single-attempt transactions against one Modbus TCP endpoint.
// It owns the connection handle and nothing else; retry policy belongs to the caller.
type Client struct {
	config    ClientConfig
	logger    zerolog.Logger
	mu        sync.Mutex    // guards handler and client
	inflight  chan struct{} // one-slot semaphore; goburrow clients are not thread-safe
	handler   *modbus.TCPClientHandler
	client    modbus.Client
	connected atomic.Bool
	stats     *ClientStats
}

// ClientConfig holds configuration for a Modbus client.
type ClientConfig struct {
	// Address is the host:port of the device
	Address string

	// SlaveID is the Modbus slave/unit ID (1-247)
	SlaveID byte

	// Timeout bounds one transaction, including dialing
	Timeout time.Duration

	// IdleTimeout is how long an unused connection is kept open
	IdleTimeout time.Duration

	// BlockStart is the first holding register of the device block
	BlockStart uint16
}

// ClientStats tracks client performance metrics.
type ClientStats struct {
	ReadCount     atomic.Uint64
	WriteCount    atomic.Uint64
	ErrorCount    atomic.Uint64
	DialCount     atomic.Uint64
	TotalReadTime atomic.Int64 // nanoseconds
}

// NewClient creates a new Modbus client. It does not dial; the first
// transaction does.
func NewClient(config ClientConfig, logger zerolog.Logger) (*Client, error) {
	if config.Address == "" {
		return nil, fmt.Errorf("modbus address is required")
	}
	if config.SlaveID == 0 || config.SlaveID > 247 {
		return nil, domain.ErrInvalidSlaveID
	}
	if config.Timeout == 0 {
		config.Timeout = time.Second
	}
	if config.IdleTimeout == 0 {
		config.IdleTimeout = 30 * time.Second
	}

	return &Client{
		config:   config,
		logger:   logger.With().Str("component", "modbus-client").Str("address", config.Address).Logger(),
		inflight: make(chan struct{}, 1),
		stats:    &ClientStats{},
	}, nil
}

// ReadBlock reads one register block. One attempt, one round trip.
func (c *Client) ReadBlock(ctx context.Context, rng domain.AddressRange) (domain.RegisterBlock, error) {
	var block domain.RegisterBlock
	if rng.Count != domain.BlockSize {
		return block, domain.NewTransactionError(domain.FailureProtocolError, "read",
			fmt.Errorf("%w: range of %d registers", domain.ErrInvalidDataLength, rng.Count))
	}

	start := time.Now()
	defer func() {
		c.stats.TotalReadTime.Add(time.Since(start).Nanoseconds())
	}()

	data, err := c.do(ctx, "read", func(client modbus.Client) ([]byte, error) {
		return client.ReadHoldingRegisters(rng.Start, rng.Count)
	})
	if err != nil {
		return block, err
	}

	block, err = blockFromBytes(data)
	if err != nil {
		c.stats.ErrorCount.Add(1)
		c.closeHandler()
		return block, domain.NewTransactionError(domain.FailureProtocolError, "read", err)
	}

	c.stats.ReadCount.Add(1)
	return block, nil
}

// WriteRegister writes a single writable holding register. offset is the
// position within the device block, as in RegisterMap.
func (c *Client) WriteRegister(ctx context.Context, offset, value uint16) error {
	def, ok := Lookup(offset)
	if !ok || def.Access != AccessWritable {
		return fmt.Errorf("%w: offset %d", domain.ErrTagNotWritable, offset)
	}

	_, err := c.do(ctx, "write", func(client modbus.Client) ([]byte, error) {
		return client.WriteSingleRegister(c.config.BlockStart+offset, value)
	})
	if err != nil {
		return err
	}

	c.stats.WriteCount.Add(1)
	return nil
}

type txResult struct {
	data []byte
	err  error
}

// do runs fn on a dedicated goroutine so the caller can stop waiting when ctx
// ends. Waiting for an earlier transaction to finish counts against ctx, and a
// request is never put on the wire once ctx is done. The library call itself
// is bounded by the ctx deadline, so an abandoned transaction frees the slot
// no later than the caller gave up.
func (c *Client) do(ctx context.Context, op string, fn func(modbus.Client) ([]byte, error)) ([]byte, error) {
	select {
	case c.inflight <- struct{}{}:
	case <-ctx.Done():
		return nil, c.abandon(ctx, op)
	}
	if ctx.Err() != nil {
		<-c.inflight
		return nil, c.abandon(ctx, op)
	}

	timeout := c.config.Timeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}

	done := make(chan txResult, 1)
	go func() {
		defer func() { <-c.inflight }()
		data, err := c.transact(timeout, fn)
		done <- txResult{data: data, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			kind := classify(res.err)
			c.stats.ErrorCount.Add(1)
			c.logger.Debug().Err(res.err).Str("op", op).Str("kind", string(kind)).Msg("Modbus transaction failed")
			return nil, domain.NewTransactionError(kind, op, res.err)
		}
		return res.data, nil
	case <-ctx.Done():
		return nil, c.abandon(ctx, op)
	}
}

func (c *Client) abandon(ctx context.Context, op string) error {
	c.stats.ErrorCount.Add(1)
	return domain.NewTransactionError(kindForContext(ctx.Err()), op, ctx.Err())
}

// transact dials if needed and performs one library call. Must hold the
// inflight slot.
func (c *Client) transact(timeout time.Duration, fn func(modbus.Client) ([]byte, error)) ([]byte, error) {
	client, err := c.ensureConnected(timeout)
	if err != nil {
		return nil, err
	}

	data, err := fn(client)
	if err != nil {
		var mbErr *modbus.ModbusError
		if !errors.As(err, &mbErr) {
			// The stream may hold a late response; start over with a fresh connection.
			c.closeHandler()
		}
		return nil, err
	}
	return data, nil
}

// ensureConnected returns the open client, dialing if needed. timeout bounds
// the dial and the next request.
func (c *Client) ensureConnected(timeout time.Duration) (modbus.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != nil {
		c.handler.Timeout = timeout
		return c.client, nil
	}

	handler := modbus.NewTCPClientHandler(c.config.Address)
	handler.Timeout = timeout
	handler.IdleTimeout = c.config.IdleTimeout
	handler.SlaveId = c.config.SlaveID
	if c.logger.GetLevel() <= zerolog.TraceLevel {
		wire := c.logger.With().Str("stream", "wire").Logger()
		handler.Logger = log.New(&wire, "", 0)
	}

	c.stats.DialCount.Add(1)
	if err := handler.Connect(); err != nil {
		return nil, err
	}

	c.handler = handler
	c.client = modbus.NewClient(handler)
	c.connected.Store(true)
	c.logger.Info().Msg("Connected to Modbus device")
	return c.client, nil
}

func (c *Client) closeHandler() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.handler != nil {
		if err := c.handler.Close(); err != nil {
			c.logger.Debug().Err(err).Msg("Error closing Modbus connection")
		}
	}
	if c.connected.Swap(false) {
		c.logger.Warn().Msg("Modbus connection dropped")
	}
	c.handler = nil
	c.client = nil
}

// Close closes the connection to the device.
func (c *Client) Close() error {
	c.closeHandler()
	return nil
}

// IsConnected returns true if the client currently holds an open connection.
func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

// GetStats returns the client statistics as a map.
func (c *Client) GetStats() map[string]uint64 {
	return map[string]uint64{
		"read_count":    c.stats.ReadCount.Load(),
		"write_count":   c.stats.WriteCount.Load(),
		"error_count":   c.stats.ErrorCount.Load(),
		"dial_count":    c.stats.DialCount.Load(),
		"total_read_ns": uint64(c.stats.TotalReadTime.Load()),
	}
}

// classify maps a library or network error to a failure kind.
func classify(err error) domain.FailureKind {
	var mbErr *modbus.ModbusError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &mbErr):
		return domain.FailureProtocolError
	case errors.Is(err, syscall.ECONNREFUSED):
		return domain.FailureConnectionRefused
	case errors.Is(err, context.DeadlineExceeded) || isTimeout(err):
		return domain.FailureTimeout
	case errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, net.ErrClosed),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EPIPE),
		errors.Is(err, context.Canceled):
		return domain.FailureDisconnected
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return domain.FailureDisconnected
	}

	// Anything else came from response validation inside the library.
	return domain.FailureProtocolError
}

func kindForContext(err error) domain.FailureKind {
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.FailureTimeout
	}
	return domain.FailureDisconnected
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
