// Package modbus reads device attributes from a Modbus TCP slave and writes
// setpoints back to it.
package modbus

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goburrow/modbus"
	"github.com/nexus-edge/alink-device/internal/domain"
	"github.com/nexus-edge/alink-device/pkg/logging"
	"github.com/rs/zerolog"
)

const (
	defaultTimeout     = 5 * time.Second
	defaultIdleTimeout = 30 * time.Second
	defaultMaxRetries  = 3
	defaultRetryDelay  = 100 * time.Millisecond
	maxBackoff         = 10 * time.Second
)

// Client represents a Modbus client connection to a single slave.
type Client struct {
	config  ClientConfig
	handler *modbus.TCPClientHandler
	client  modbus.Client
	logger  zerolog.Logger

	// mu guards the connection; ioMu serialises requests on it
	mu        sync.RWMutex
	ioMu      sync.Mutex
	connected atomic.Bool
	lastError error

	stats ClientStats
}

// ClientConfig configures the connection to one slave and the tags read from it.
type ClientConfig struct {
	Address string // host:port
	SlaveID byte   // unit identifier, 1-247

	// Timeout bounds dialing and each response
	Timeout     time.Duration
	IdleTimeout time.Duration

	// MaxRetries transient failures are retried, doubling RetryDelay each time
	MaxRetries int
	RetryDelay time.Duration

	// Tags are the values Poll reads, in report order
	Tags []*domain.Tag
}

func (c *ClientConfig) validate() error {
	if c.Address == "" {
		return errors.New("modbus: address is required")
	}
	if c.SlaveID < 1 || c.SlaveID > 247 {
		return domain.ErrInvalidSlaveID
	}
	for _, tag := range c.Tags {
		if err := tag.Validate(); err != nil {
			return fmt.Errorf("tag %q: %w", tag.ID, err)
		}
	}

	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = defaultIdleTimeout
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = defaultMaxRetries
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = defaultRetryDelay
	}
	return nil
}

// ClientStats counts requests against the slave.
type ClientStats struct {
	ReadCount     atomic.Uint64
	WriteCount    atomic.Uint64
	ErrorCount    atomic.Uint64
	RetryCount    atomic.Uint64
	TotalReadTime atomic.Int64 // nanoseconds
}

// NewClient validates the configuration and its tags. It does not dial.
func NewClient(config ClientConfig, logger zerolog.Logger) (*Client, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}

	return &Client{
		config: config,
		logger: logging.WithComponent(logger, "modbus").With().
			Str("address", config.Address).
			Uint8("slave_id", config.SlaveID).
			Logger(),
	}, nil
}

// Connect dials the slave. It is a no-op when already connected.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected.Load() {
		return nil
	}

	handler, err := c.dial(ctx)
	if err != nil {
		c.lastError = err
		return err
	}

	c.handler = handler
	c.client = modbus.NewClient(handler)
	c.connected.Store(true)
	c.lastError = nil

	c.logger.Info().Msg("Field bus connected")
	return nil
}

// dial opens a TCP handler, giving up when ctx ends. A dial that outlives
// ctx is closed once it completes.
func (c *Client) dial(ctx context.Context) (*modbus.TCPClientHandler, error) {
	handler := modbus.NewTCPClientHandler(c.config.Address)
	handler.SlaveId = c.config.SlaveID
	handler.Timeout = c.config.Timeout
	handler.IdleTimeout = c.config.IdleTimeout

	result := make(chan error, 1)
	go func() { result <- handler.Connect() }()

	select {
	case err := <-result:
		if err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrConnectionFailed, err)
		}
		return handler, nil
	case <-ctx.Done():
		go func() {
			if <-result == nil {
				handler.Close()
			}
		}()
		return nil, fmt.Errorf("%w: %v", domain.ErrConnectionTimeout, ctx.Err())
	}
}

// Disconnect closes the connection. Closing an idle client is not an error.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected.Swap(false) {
		return nil
	}

	var err error
	if c.handler != nil {
		err = c.handler.Close()
	}
	c.handler = nil
	c.client = nil

	if err != nil {
		c.logger.Warn().Err(err).Msg("Field bus closed with error")
	} else {
		c.logger.Debug().Msg("Field bus disconnected")
	}
	return nil
}

// IsConnected reports whether a connection to the slave is open.
func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

// Tags returns the configured tags.
func (c *Client) Tags() []*domain.Tag {
	return c.config.Tags
}

// Poll reads every enabled configured tag, connecting first if needed.
// A failed tag yields a sample with non-good quality rather than an error;
// the error is only returned when the slave cannot be reached at all.
func (c *Client) Poll(ctx context.Context) ([]*domain.Sample, error) {
	if !c.IsConnected() {
		if err := c.Connect(ctx); err != nil {
			return nil, err
		}
	}

	tags := make([]*domain.Tag, 0, len(c.config.Tags))
	for _, tag := range c.config.Tags {
		if tag.Enabled {
			tags = append(tags, tag)
		}
	}
	return c.ReadTags(ctx, tags)
}

// ReadTags reads tags in order. Failed reads produce error-quality samples.
func (c *Client) ReadTags(ctx context.Context, tags []*domain.Tag) ([]*domain.Sample, error) {
	results := make([]*domain.Sample, 0, len(tags))
	for _, tag := range tags {
		select {
		case <-ctx.Done():
			return results, ctx.Err()
		default:
		}

		sample, err := c.ReadTag(ctx, tag)
		if err != nil {
			c.logger.Warn().Err(err).Str("tag", tag.ID).Msg("Tag read failed")
		}
		results = append(results, sample)
	}
	return results, nil
}

// ReadTag reads a single tag from the slave.
func (c *Client) ReadTag(ctx context.Context, tag *domain.Tag) (*domain.Sample, error) {
	began := time.Now()
	defer func() { c.stats.TotalReadTime.Add(int64(time.Since(began))) }()

	if !c.connected.Load() {
		return errorSample(tag, domain.ErrConnectionClosed), domain.ErrConnectionClosed
	}

	var rawBytes []byte
	err := c.withRetry(ctx, "read", func() error {
		var rerr error
		rawBytes, rerr = c.readRegisters(tag)
		return rerr
	})
	if err != nil {
		c.stats.ErrorCount.Add(1)
		return errorSample(tag, err), err
	}

	c.stats.ReadCount.Add(1)

	value, err := parseValue(rawBytes, tag)
	if err != nil {
		return errorSample(tag, err), err
	}

	return domain.NewSample(tag.ID, applyScaling(value, tag), tag.Unit, domain.QualityGood).
		WithRawValue(value), nil
}

// WriteTag writes a setpoint. value is a decoded JSON value: float64 or bool.
func (c *Client) WriteTag(ctx context.Context, tag *domain.Tag, value interface{}) error {
	if !tag.IsWritable() {
		return fmt.Errorf("%w: %s", domain.ErrTagNotWritable, tag.ID)
	}
	if !c.IsConnected() {
		if err := c.Connect(ctx); err != nil {
			return err
		}
	}

	err := c.withRetry(ctx, "write", func() error {
		return c.writeValue(tag, value)
	})
	if err != nil {
		c.stats.ErrorCount.Add(1)
		return err
	}

	c.stats.WriteCount.Add(1)
	c.logger.Debug().Str("tag", tag.ID).Interface("value", value).Msg("Setpoint written")
	return nil
}

// withRetry runs op, retrying transient failures with exponential backoff.
func (c *Client) withRetry(ctx context.Context, kind string, op func() error) error {
	var err error
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			c.stats.RetryCount.Add(1)
			delay := c.backoff(attempt)
			c.logger.Debug().
				Str("op", kind).
				Int("attempt", attempt).
				Dur("delay", delay).
				Msg("Retrying Modbus request")

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		err = op()
		if err == nil {
			return nil
		}
		if !isRetryableError(err) {
			return err
		}
		if isConnectionError(err) {
			c.logger.Warn().Err(err).Str("op", kind).Msg("Field bus connection broken, redialing")
			c.reconnect(ctx)
		}
	}
	return err
}

// readFuncs maps each table to its read function code.
var readFuncs = map[domain.RegisterType]func(modbus.Client, uint16, uint16) ([]byte, error){
	domain.RegisterTypeCoil:            modbus.Client.ReadCoils,
	domain.RegisterTypeDiscreteInput:   modbus.Client.ReadDiscreteInputs,
	domain.RegisterTypeHoldingRegister: modbus.Client.ReadHoldingRegisters,
	domain.RegisterTypeInputRegister:   modbus.Client.ReadInputRegisters,
}

// readRegisters issues one read request for tag.
func (c *Client) readRegisters(tag *domain.Tag) ([]byte, error) {
	read, ok := readFuncs[tag.RegisterType]
	if !ok {
		return nil, domain.ErrInvalidRegisterType
	}
	client := c.modbusClient()
	if client == nil {
		return nil, domain.ErrConnectionClosed
	}

	c.ioMu.Lock()
	defer c.ioMu.Unlock()

	data, err := read(client, tag.Address, tag.RegisterCount)
	if err != nil {
		return nil, translateModbusError(domain.ErrReadFailed, err)
	}
	return data, nil
}

// writeValue encodes value for the tag and issues the matching write function.
func (c *Client) writeValue(tag *domain.Tag, value interface{}) error {
	client := c.modbusClient()
	if client == nil {
		return domain.ErrConnectionClosed
	}

	c.ioMu.Lock()
	defer c.ioMu.Unlock()

	if tag.RegisterType == domain.RegisterTypeCoil {
		on, err := toBool(value)
		if err != nil {
			return err
		}
		var coil uint16
		if on {
			coil = 0xFF00
		}
		if _, err := client.WriteSingleCoil(tag.Address, coil); err != nil {
			return translateModbusError(domain.ErrWriteFailed, err)
		}
		return nil
	}

	// A single bit of a holding register needs read-modify-write.
	if tag.DataType == domain.DataTypeBool && tag.BitPosition != nil {
		on, err := toBool(value)
		if err != nil {
			return err
		}
		current, err := client.ReadHoldingRegisters(tag.Address, 1)
		if err != nil {
			return translateModbusError(domain.ErrReadFailed, err)
		}
		if len(current) < 2 {
			return domain.ErrInvalidDataLength
		}
		word := setBit(uint16(current[0])<<8|uint16(current[1]), *tag.BitPosition, on)
		if _, err := client.WriteSingleRegister(tag.Address, word); err != nil {
			return translateModbusError(domain.ErrWriteFailed, err)
		}
		return nil
	}

	data, err := encodeValue(value, tag)
	if err != nil {
		return err
	}

	if len(data) == 2 {
		_, err = client.WriteSingleRegister(tag.Address, uint16(data[0])<<8|uint16(data[1]))
	} else {
		_, err = client.WriteMultipleRegisters(tag.Address, uint16(len(data)/2), data)
	}
	if err != nil {
		return translateModbusError(domain.ErrWriteFailed, err)
	}
	return nil
}

func (c *Client) modbusClient() modbus.Client {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.client
}

// backoff doubles RetryDelay per attempt, capped at maxBackoff.
func (c *Client) backoff(attempt int) time.Duration {
	return min(c.config.RetryDelay<<attempt, maxBackoff)
}

func (c *Client) reconnect(ctx context.Context) {
	c.Disconnect()
	if err := c.Connect(ctx); err != nil {
		c.logger.Error().Err(err).Msg("Field bus redial failed")
	}
}

// Stats returns client statistics
func (c *Client) Stats() map[string]interface{} {
	c.mu.RLock()
	lastErr := ""
	if c.lastError != nil {
		lastErr = c.lastError.Error()
	}
	c.mu.RUnlock()

	return map[string]interface{}{
		"connected":    c.IsConnected(),
		"address":      c.config.Address,
		"tags":         len(c.config.Tags),
		"reads":        c.stats.ReadCount.Load(),
		"writes":       c.stats.WriteCount.Load(),
		"errors":       c.stats.ErrorCount.Load(),
		"retries":      c.stats.RetryCount.Load(),
		"read_time_ms": time.Duration(c.stats.TotalReadTime.Load()).Milliseconds(),
		"last_error":   lastErr,
	}
}

// errorSample is the value-less sample reported for a failed read.
func errorSample(tag *domain.Tag, err error) *domain.Sample {
	return domain.NewSample(tag.ID, nil, tag.Unit, qualityOf(err))
}

func qualityOf(err error) domain.Quality {
	switch {
	case isTimeout(err):
		return domain.QualityTimeout
	case isConnectionError(err), errors.Is(err, domain.ErrConnectionClosed):
		return domain.QualityNotConnected
	default:
		return domain.QualityBad
	}
}

// Network errors, timeouts included, are transient; Modbus exceptions are not.
func isRetryableError(err error) bool {
	return isConnectionError(err)
}

func isConnectionError(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr)
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// translateModbusError wraps a library error, keeping network errors
// reachable through errors.As for retry classification.
func translateModbusError(kind error, err error) error {
	return fmt.Errorf("%w: %w", kind, err)
}
