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
	"github.com/sony/gobreaker/v2"
)

// Connector dials the broker.
type Connector interface {
	Connect(ctx context.Context) error
	IsConnected() bool
}

// Resubscriber restores subscriptions after a reconnect.
type Resubscriber interface {
	Resubscribe() error
}

// SupervisorConfig holds configuration for the connection supervisor.
type SupervisorConfig struct {
	// CheckInterval is how often the connection is checked
	CheckInterval time.Duration

	// ConnectTimeout bounds one connection attempt
	ConnectTimeout time.Duration

	// MaxFailures is the number of consecutive failed attempts that opens the breaker
	MaxFailures uint32

	// OpenTimeout is how long the breaker stays open before a trial attempt
	OpenTimeout time.Duration
}

// Supervisor keeps the MQTT session connected. Each check moves the link
// through disconnected, connecting and connected; connection attempts go
// through a circuit breaker so a rejecting broker is not hammered.
type Supervisor struct {
	config  SupervisorConfig
	conn    Connector
	link    Resubscriber
	breaker *gobreaker.CircuitBreaker[struct{}]
	logger  zerolog.Logger
	metrics *metrics.Registry

	state atomic.Value // domain.LinkStatus

	// resubscribePending is set until subscriptions are restored for the
	// current connection
	resubscribePending atomic.Bool

	started atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	attempts    atomic.Uint64
	connects    atomic.Uint64
	failures    atomic.Uint64
	rejected    atomic.Uint64
	lastChange  atomic.Int64
	lastErrorMu sync.RWMutex
	lastError   error
}

// NewSupervisor creates a connection supervisor.
func NewSupervisor(
	config SupervisorConfig,
	conn Connector,
	link Resubscriber,
	logger zerolog.Logger,
	metricsReg *metrics.Registry,
) *Supervisor {
	if config.CheckInterval <= 0 {
		config.CheckInterval = 10 * time.Second
	}
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = 10 * time.Second
	}
	if config.MaxFailures == 0 {
		config.MaxFailures = 5
	}
	if config.OpenTimeout <= 0 {
		config.OpenTimeout = time.Minute
	}

	s := &Supervisor{
		config:  config,
		conn:    conn,
		link:    link,
		logger:  logging.WithComponent(logger, "supervisor"),
		metrics: metricsReg,
	}
	s.state.Store(domain.LinkStatusDisconnected)

	s.breaker = gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "mqtt-connect",
		MaxRequests: 1,
		Timeout:     config.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= config.MaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			s.logger.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Connect breaker state changed")
		},
	})

	return s
}

// Start runs a check immediately and then every CheckInterval.
func (s *Supervisor) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return nil
	}

	ctx, s.cancel = context.WithCancel(ctx)

	s.logger.Info().
		Dur("interval", s.config.CheckInterval).
		Uint32("max_failures", s.config.MaxFailures).
		Msg("Starting connection supervisor")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(s.config.CheckInterval)
		defer ticker.Stop()

		s.Check(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Check(ctx)
			}
		}
	}()
	return nil
}

// Stop stops the check loop. It does not disconnect the session.
func (s *Supervisor) Stop() {
	if !s.started.Load() {
		return
	}
	s.cancel()
	s.wg.Wait()
	s.started.Store(false)
}

// Check performs one supervision step and returns the resulting state.
func (s *Supervisor) Check(ctx context.Context) domain.LinkStatus {
	if s.conn.IsConnected() {
		if s.State() != domain.LinkStatusConnected {
			// Connected outside the supervisor, e.g. by an explicit Connect.
			s.onConnected()
		} else if s.resubscribePending.Load() {
			s.restoreSubscriptions()
		}
		return domain.LinkStatusConnected
	}

	if s.State() == domain.LinkStatusConnected {
		s.logger.Warn().Msg("Link lost")
	}
	s.setState(domain.LinkStatusConnecting)

	s.attempts.Add(1)
	s.metrics.IncReconnectAttempts()

	_, err := s.breaker.Execute(func() (struct{}, error) {
		attemptCtx, cancel := context.WithTimeout(ctx, s.config.ConnectTimeout)
		defer cancel()
		return struct{}{}, s.conn.Connect(attemptCtx)
	})
	if err != nil {
		s.setState(domain.LinkStatusDisconnected)
		s.recordError(err)

		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			s.rejected.Add(1)
			s.logger.Debug().Msg("Connect breaker open, attempt skipped")
		} else {
			s.failures.Add(1)
			s.logger.Warn().Err(err).Msg("Connection attempt failed")
		}
		return domain.LinkStatusDisconnected
	}

	s.onConnected()
	return domain.LinkStatusConnected
}

func (s *Supervisor) onConnected() {
	s.connects.Add(1)
	s.setState(domain.LinkStatusConnected)
	s.recordError(nil)
	s.logger.Info().Msg("Link established")

	s.resubscribePending.Store(true)
	s.restoreSubscriptions()
}

// restoreSubscriptions retries on every check until one pass succeeds.
func (s *Supervisor) restoreSubscriptions() {
	if err := s.link.Resubscribe(); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to restore subscriptions, retrying on next check")
		return
	}
	s.resubscribePending.Store(false)
}

// State returns the current link state.
func (s *Supervisor) State() domain.LinkStatus {
	return s.state.Load().(domain.LinkStatus)
}

// BreakerState returns the connect breaker state.
func (s *Supervisor) BreakerState() string {
	return s.breaker.State().String()
}

func (s *Supervisor) setState(state domain.LinkStatus) {
	if s.state.Swap(state) != state {
		s.lastChange.Store(time.Now().UnixMilli())
	}
}

func (s *Supervisor) recordError(err error) {
	s.lastErrorMu.Lock()
	s.lastError = err
	s.lastErrorMu.Unlock()
}

// Stats returns supervisor statistics
func (s *Supervisor) Stats() map[string]interface{} {
	s.lastErrorMu.RLock()
	lastErr := ""
	if s.lastError != nil {
		lastErr = s.lastError.Error()
	}
	s.lastErrorMu.RUnlock()

	return map[string]interface{}{
		"state":          string(s.State()),
		"breaker":        s.BreakerState(),
		"attempts":       s.attempts.Load(),
		"connects":       s.connects.Load(),
		"failures":       s.failures.Load(),
		"rejected":       s.rejected.Load(),
		"resubscribing":  s.resubscribePending.Load(),
		"last_change_ms": s.lastChange.Load(),
		"last_error":     lastErr,
	}
}
