package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nexus-edge/alink-device/internal/domain"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConnector struct {
	mu        sync.Mutex
	connected bool
	err       error
	attempts  int
}

func (f *fakeConnector) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts++
	if f.err != nil {
		return f.err
	}
	f.connected = true
	return nil
}

func (f *fakeConnector) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeConnector) set(connected bool, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = connected
	f.err = err
}

func (f *fakeConnector) attemptCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts
}

type countingResubscriber struct {
	calls atomic.Int32
	err   error
}

func (c *countingResubscriber) Resubscribe() error {
	c.calls.Add(1)
	return c.err
}

func TestSupervisorConnectsAndResubscribes(t *testing.T) {
	conn := &fakeConnector{}
	resub := &countingResubscriber{}
	s := NewSupervisor(SupervisorConfig{}, conn, resub, zerolog.Nop(), nil)

	assert.Equal(t, domain.LinkStatusDisconnected, s.State())

	state := s.Check(context.Background())
	assert.Equal(t, domain.LinkStatusConnected, state)
	assert.Equal(t, domain.LinkStatusConnected, s.State())
	assert.Equal(t, int32(1), resub.calls.Load())

	// Steady state does nothing.
	s.Check(context.Background())
	assert.Equal(t, 1, conn.attemptCount())
	assert.Equal(t, int32(1), resub.calls.Load())
}

func TestSupervisorReconnectsAfterLoss(t *testing.T) {
	conn := &fakeConnector{}
	resub := &countingResubscriber{}
	s := NewSupervisor(SupervisorConfig{}, conn, resub, zerolog.Nop(), nil)

	s.Check(context.Background())
	conn.set(false, nil)

	assert.Equal(t, domain.LinkStatusConnected, s.Check(context.Background()))
	assert.Equal(t, 2, conn.attemptCount())
	assert.Equal(t, int32(2), resub.calls.Load())
}

func TestSupervisorFailedAttempt(t *testing.T) {
	conn := &fakeConnector{err: domain.ErrConnectionTimeout}
	s := NewSupervisor(SupervisorConfig{}, conn, &countingResubscriber{}, zerolog.Nop(), nil)

	assert.Equal(t, domain.LinkStatusDisconnected, s.Check(context.Background()))
	assert.Equal(t, domain.LinkStatusDisconnected, s.State())

	stats := s.Stats()
	assert.Equal(t, uint64(1), stats["failures"])
	assert.Equal(t, domain.ErrConnectionTimeout.Error(), stats["last_error"])
}

func TestSupervisorBreakerOpens(t *testing.T) {
	conn := &fakeConnector{err: errors.New("not authorized")}
	s := NewSupervisor(SupervisorConfig{MaxFailures: 2, OpenTimeout: time.Hour}, conn, &countingResubscriber{}, zerolog.Nop(), nil)

	s.Check(context.Background())
	s.Check(context.Background())
	assert.Equal(t, "open", s.BreakerState())

	s.Check(context.Background())
	assert.Equal(t, 2, conn.attemptCount())
	assert.Equal(t, uint64(1), s.Stats()["rejected"])
}

func TestSupervisorAdoptsExternalConnection(t *testing.T) {
	conn := &fakeConnector{connected: true}
	resub := &countingResubscriber{}
	s := NewSupervisor(SupervisorConfig{}, conn, resub, zerolog.Nop(), nil)

	assert.Equal(t, domain.LinkStatusConnected, s.Check(context.Background()))
	assert.Zero(t, conn.attemptCount())
	assert.Equal(t, int32(1), resub.calls.Load())
}

func TestSupervisorLoop(t *testing.T) {
	conn := &fakeConnector{}
	s := NewSupervisor(SupervisorConfig{CheckInterval: 10 * time.Millisecond}, conn, &countingResubscriber{}, zerolog.Nop(), nil)

	require.NoError(t, s.Start(context.Background()))
	assert.Eventually(t, func() bool {
		return s.State() == domain.LinkStatusConnected
	}, time.Second, 5*time.Millisecond)

	conn.set(false, nil)
	assert.Eventually(t, func() bool {
		return conn.attemptCount() >= 2 && s.State() == domain.LinkStatusConnected
	}, time.Second, 5*time.Millisecond)

	s.Stop()
	assert.Equal(t, false, s.started.Load())
}

type flakyResubscriber struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *flakyResubscriber) Resubscribe() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.err
}

func (f *flakyResubscriber) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func TestSupervisorRetriesResubscribeWhileConnected(t *testing.T) {
	conn := &fakeConnector{}
	resub := &flakyResubscriber{err: domain.ErrNotConnected}
	s := NewSupervisor(SupervisorConfig{}, conn, resub, zerolog.Nop(), nil)

	assert.Equal(t, domain.LinkStatusConnected, s.Check(context.Background()))
	assert.Equal(t, true, s.Stats()["resubscribing"])

	// Still failing: retried on the next check without a new connect.
	s.Check(context.Background())
	assert.Equal(t, 2, resub.calls)

	resub.fail(nil)
	s.Check(context.Background())
	assert.Equal(t, 3, resub.calls)
	assert.Equal(t, false, s.Stats()["resubscribing"])

	// Restored: steady state again.
	s.Check(context.Background())
	assert.Equal(t, 3, resub.calls)
	assert.Equal(t, 1, conn.attemptCount())
}
