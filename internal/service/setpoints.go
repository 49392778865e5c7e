package service

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/nexus-edge/alink-device/internal/domain"
	"github.com/nexus-edge/alink-device/internal/metrics"
	"github.com/nexus-edge/alink-device/pkg/logging"
	"github.com/rs/zerolog"
)

// Writer is the field-bus write operation a setpoint ends in.
type Writer interface {
	WriteTag(ctx context.Context, tag *domain.Tag, value interface{}) error
}

// SetpointLink is the part of Link the setpoint handler needs.
type SetpointLink interface {
	Bind(name string, handler Handler) error
	Unbind(name string) error
	SendMultipleAttributes(fragment string, qos byte) (uint16, error)
	SendEvent(eventID, fragment string, qos byte) (uint16, error)
}

// SetpointConfig holds configuration for setpoint handling.
type SetpointConfig struct {
	// WriteTimeout is the timeout for one field-bus write
	WriteTimeout time.Duration

	// QoS is used for acknowledgement reports
	QoS byte

	// Decimals is the precision of echoed float values, nil for DefaultDecimals
	Decimals *int

	// EnableAcknowledgement echoes accepted values as an attribute report
	// and reports rejected ones as FailureEvent
	EnableAcknowledgement bool

	// FailureEvent is the event identifier used for rejected setpoints
	FailureEvent string

	// MaxConcurrentWrites limits concurrent write operations
	MaxConcurrentWrites int
}

// DefaultSetpointConfig returns sensible defaults for setpoint handling.
func DefaultSetpointConfig() SetpointConfig {
	return SetpointConfig{
		WriteTimeout:          5 * time.Second,
		QoS:                   0,
		EnableAcknowledgement: true,
		FailureEvent:          "setpoint_error",
		MaxConcurrentWrites:   4,
	}
}

// SetpointStats tracks setpoint handling statistics.
type SetpointStats struct {
	Received  atomic.Uint64
	Succeeded atomic.Uint64
	Failed    atomic.Uint64
	Rejected  atomic.Uint64
}

// SetpointHandler binds every writable tag as an attribute and turns values
// set by the cloud into field-bus writes. Writes run off the dispatch path.
type SetpointHandler struct {
	config  SetpointConfig
	tags    []*domain.Tag
	writer  Writer
	link    SetpointLink
	logger  zerolog.Logger
	metrics *metrics.Registry

	bound []string

	// mu orders delivery admission against Stop
	mu      sync.Mutex
	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	slots   chan struct{}

	stats SetpointStats
}

// NewSetpointHandler creates a setpoint handler for the writable tags among tags.
func NewSetpointHandler(
	config SetpointConfig,
	tags []*domain.Tag,
	writer Writer,
	link SetpointLink,
	logger zerolog.Logger,
	metricsReg *metrics.Registry,
) *SetpointHandler {
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 5 * time.Second
	}
	config.Decimals = decimalsOrDefault(config.Decimals)
	if config.FailureEvent == "" {
		config.FailureEvent = "setpoint_error"
	}
	if config.MaxConcurrentWrites <= 0 {
		config.MaxConcurrentWrites = 4
	}

	writable := make([]*domain.Tag, 0, len(tags))
	for _, tag := range tags {
		if tag.Enabled && tag.IsWritable() {
			writable = append(writable, tag)
		}
	}

	return &SetpointHandler{
		config:  config,
		tags:    writable,
		writer:  writer,
		link:    link,
		logger:  logging.WithComponent(logger, "setpoints"),
		metrics: metricsReg,
		slots:   make(chan struct{}, config.MaxConcurrentWrites),
	}
}

// Start binds the writable tags.
func (h *SetpointHandler) Start() error {
	if h.running.Load() {
		return nil
	}

	h.ctx, h.cancel = context.WithCancel(context.Background())
	for _, tag := range h.tags {
		if err := h.link.Bind(tag.ID, h.handlerFor(tag)); err != nil {
			h.unbindAll()
			h.cancel()
			return fmt.Errorf("bind setpoint %s: %w", tag.ID, err)
		}
		h.bound = append(h.bound, tag.ID)
	}

	h.mu.Lock()
	h.running.Store(true)
	h.mu.Unlock()
	h.logger.Info().Int("tags", len(h.tags)).Msg("Setpoint handler started")
	return nil
}

// Stop unbinds the tags and waits for in-flight writes.
func (h *SetpointHandler) Stop() error {
	h.mu.Lock()
	if !h.running.Load() {
		h.mu.Unlock()
		return nil
	}
	h.running.Store(false)
	h.mu.Unlock()

	h.unbindAll()
	h.cancel()
	h.wg.Wait()

	h.logger.Info().Msg("Setpoint handler stopped")
	return nil
}

func (h *SetpointHandler) unbindAll() {
	for _, name := range h.bound {
		if err := h.link.Unbind(name); err != nil {
			h.logger.Warn().Err(err).Str("tag", name).Msg("Failed to unbind setpoint")
		}
	}
	h.bound = nil
}

func (h *SetpointHandler) handlerFor(tag *domain.Tag) Handler {
	return func(value interface{}) {
		if !h.admit() {
			return
		}
		h.stats.Received.Add(1)

		switch value.(type) {
		case float64, bool:
		default:
			h.stats.Rejected.Add(1)
			h.logger.Warn().
				Str("tag", tag.ID).
				Interface("value", value).
				Msg("Setpoint value must be a number or boolean")
			h.acknowledge(tag, value, fmt.Errorf("%w: %T", domain.ErrInvalidDataType, value))
			h.wg.Done()
			return
		}

		go func() {
			defer h.wg.Done()
			h.process(tag, value)
		}()
	}
}

// admit registers a delivery with the wait group unless Stop has begun.
// On true the caller owns one wg.Done.
func (h *SetpointHandler) admit() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.running.Load() {
		return false
	}
	h.wg.Add(1)
	return true
}

// process performs one write.
func (h *SetpointHandler) process(tag *domain.Tag, value interface{}) {
	select {
	case h.slots <- struct{}{}:
		defer func() { <-h.slots }()
	case <-h.ctx.Done():
		return
	}

	startTime := time.Now()

	ctx, cancel := context.WithTimeout(h.ctx, h.config.WriteTimeout)
	defer cancel()

	if err := h.writer.WriteTag(ctx, tag, value); err != nil {
		h.stats.Failed.Add(1)
		h.metrics.IncSetpointFailures()
		h.logger.Error().
			Err(err).
			Str("tag", tag.ID).
			Interface("value", value).
			Msg("Setpoint write failed")
		h.acknowledge(tag, value, err)
		return
	}

	h.stats.Succeeded.Add(1)
	h.metrics.IncSetpointWrites()
	h.logger.Debug().
		Str("tag", tag.ID).
		Interface("value", value).
		Dur("duration", time.Since(startTime)).
		Msg("Setpoint written")
	h.acknowledge(tag, value, nil)
}

// acknowledge reports the outcome back to the platform.
func (h *SetpointHandler) acknowledge(tag *domain.Tag, value interface{}, writeErr error) {
	if !h.config.EnableAcknowledgement {
		return
	}

	if writeErr != nil {
		fragment, err := json.Marshal(map[string]string{
			"attribute": tag.ID,
			"error":     writeErr.Error(),
		})
		if err != nil {
			h.logger.Error().Err(err).Msg("Failed to marshal setpoint failure")
			return
		}
		if _, err := h.link.SendEvent(h.config.FailureEvent, string(fragment), h.config.QoS); err != nil {
			h.logger.Warn().Err(err).Str("tag", tag.ID).Msg("Failed to report setpoint failure")
		}
		return
	}

	sample := domain.NewSample(tag.ID, value, tag.Unit, domain.QualityGood)
	fragment, _, err := domain.SamplesFragment([]*domain.Sample{sample}, *h.config.Decimals)
	if err != nil {
		h.logger.Error().Err(err).Str("tag", tag.ID).Msg("Failed to render setpoint echo")
		return
	}
	if _, err := h.link.SendMultipleAttributes(fragment, h.config.QoS); err != nil {
		h.logger.Warn().Err(err).Str("tag", tag.ID).Msg("Failed to echo setpoint")
	}
}

// Stats returns setpoint handling statistics
func (h *SetpointHandler) Stats() map[string]uint64 {
	return map[string]uint64{
		"setpoints_received":  h.stats.Received.Load(),
		"setpoints_succeeded": h.stats.Succeeded.Load(),
		"setpoints_failed":    h.stats.Failed.Load(),
		"setpoints_rejected":  h.stats.Rejected.Load(),
	}
}
