package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nexus-edge/alink-device/internal/domain"
	"github.com/nexus-edge/alink-device/internal/metrics"
	"github.com/nexus-edge/alink-device/pkg/logging"
	"github.com/rs/zerolog"
)

// Source produces the samples of one report cycle.
type Source interface {
	Poll(ctx context.Context) ([]*domain.Sample, error)
}

// AttributeSender is the part of Link the reporter publishes through.
type AttributeSender interface {
	IsConnected() bool
	SendMultipleAttributes(fragment string, qos byte) (uint16, error)
}

// ReporterConfig holds configuration for the periodic reporter.
type ReporterConfig struct {
	Interval    time.Duration
	QoS         byte
	Decimals    *int
	ReadTimeout time.Duration
}

// ReporterStats tracks report statistics.
type ReporterStats struct {
	Cycles         atomic.Uint64
	Skipped        atomic.Uint64
	Failed         atomic.Uint64
	Reports        atomic.Uint64
	SamplesRead    atomic.Uint64
	SamplesDropped atomic.Uint64
}

// Reporter periodically reads a Source and publishes the good samples as
// one multi-attribute report. Cycles are skipped while the link is down.
type Reporter struct {
	config  ReporterConfig
	source  Source
	sender  AttributeSender
	logger  zerolog.Logger
	metrics *metrics.Registry

	started atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu         sync.RWMutex
	lastReport time.Time
	lastError  error

	stats ReporterStats
}

// NewReporter creates a new periodic reporter.
func NewReporter(
	config ReporterConfig,
	source Source,
	sender AttributeSender,
	logger zerolog.Logger,
	metricsReg *metrics.Registry,
) *Reporter {
	if config.Interval <= 0 {
		config.Interval = 10 * time.Second
	}
	config.Decimals = decimalsOrDefault(config.Decimals)
	if config.ReadTimeout <= 0 {
		config.ReadTimeout = config.Interval
	}

	return &Reporter{
		config:  config,
		source:  source,
		sender:  sender,
		logger:  logging.WithComponent(logger, "reporter"),
		metrics: metricsReg,
	}
}

// Start begins the report loop.
func (r *Reporter) Start(ctx context.Context) error {
	if !r.started.CompareAndSwap(false, true) {
		return nil
	}

	ctx, r.cancel = context.WithCancel(ctx)

	r.logger.Info().
		Dur("interval", r.config.Interval).
		Uint8("qos", r.config.QoS).
		Msg("Starting attribute reporter")

	r.wg.Add(1)
	go r.run(ctx)
	return nil
}

// Stop gracefully stops the reporter.
func (r *Reporter) Stop(ctx context.Context) error {
	if !r.started.Load() {
		return nil
	}

	r.logger.Info().Msg("Stopping attribute reporter")
	r.cancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		r.logger.Warn().Msg("Timeout waiting for reporter to stop")
	}

	r.started.Store(false)
	return nil
}

func (r *Reporter) run(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.ReportOnce(ctx); err != nil && !errors.Is(err, domain.ErrNotConnected) {
				r.logger.Warn().Err(err).Msg("Report cycle failed")
			}
		}
	}
}

// ReportOnce performs a single report cycle. It returns ErrNotConnected
// without touching the source when the link is down.
func (r *Reporter) ReportOnce(ctx context.Context) error {
	r.stats.Cycles.Add(1)

	if !r.sender.IsConnected() {
		r.stats.Skipped.Add(1)
		r.logger.Debug().Msg("Link down, report cycle skipped")
		return domain.ErrNotConnected
	}

	startTime := time.Now()

	readCtx, cancel := context.WithTimeout(ctx, r.config.ReadTimeout)
	defer cancel()

	samples, err := r.source.Poll(readCtx)
	if err != nil {
		return r.fail(err)
	}
	r.stats.SamplesRead.Add(uint64(len(samples)))

	fragment, count, err := domain.SamplesFragment(samples, *r.config.Decimals)
	if err != nil {
		return r.fail(err)
	}
	r.stats.SamplesDropped.Add(uint64(len(samples) - count))

	if count == 0 {
		r.logger.Debug().Int("samples", len(samples)).Msg("No good samples to report")
		return nil
	}

	if _, err := r.sender.SendMultipleAttributes(fragment, r.config.QoS); err != nil {
		return r.fail(err)
	}

	r.stats.Reports.Add(1)
	r.metrics.AddSamplesReported(count)
	r.metrics.ObserveReportDuration(time.Since(startTime).Seconds())

	r.mu.Lock()
	r.lastReport = time.Now()
	r.lastError = nil
	r.mu.Unlock()

	r.logger.Debug().
		Int("samples_read", len(samples)).
		Int("samples_reported", count).
		Dur("duration", time.Since(startTime)).
		Msg("Report cycle completed")
	return nil
}

func (r *Reporter) fail(err error) error {
	r.stats.Failed.Add(1)
	r.mu.Lock()
	r.lastError = err
	r.mu.Unlock()
	return err
}

// Stats returns reporter statistics
func (r *Reporter) Stats() map[string]interface{} {
	r.mu.RLock()
	lastReport := r.lastReport
	lastErr := ""
	if r.lastError != nil {
		lastErr = r.lastError.Error()
	}
	r.mu.RUnlock()

	return map[string]interface{}{
		"running":         r.started.Load(),
		"cycles":          r.stats.Cycles.Load(),
		"skipped":         r.stats.Skipped.Load(),
		"failed":          r.stats.Failed.Load(),
		"reports":         r.stats.Reports.Load(),
		"samples_read":    r.stats.SamplesRead.Load(),
		"samples_dropped": r.stats.SamplesDropped.Load(),
		"last_report":     lastReport,
		"last_error":      lastErr,
	}
}
