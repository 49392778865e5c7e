package service

import (
	"errors"
	"sync"
	"testing"

	"github.com/nexus-edge/alink-device/internal/domain"
	"github.com/nexus-edge/alink-device/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

type published struct {
	topic    string
	qos      byte
	retained bool
	payload  string
}

// fakeTransport records every request made by a Link.
type fakeTransport struct {
	mu           sync.Mutex
	connected    bool
	creds        domain.Credentials
	handler      func(topic string, payload []byte)
	subscribed   []Subscription
	unsubscribed []string
	published    []published
	nextID       uint16

	subscribeErr error
	publishErr   error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{connected: true}
}

func (f *fakeTransport) Configure(creds domain.Credentials) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creds = creds
	return nil
}

func (f *fakeTransport) SetMessageHandler(handler func(topic string, payload []byte)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = handler
}

func (f *fakeTransport) id() uint16 {
	f.nextID++
	return f.nextID
}

func (f *fakeTransport) Subscribe(topic string, qos byte) (uint16, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subscribeErr != nil {
		return 0, f.subscribeErr
	}
	f.subscribed = append(f.subscribed, Subscription{Topic: topic, QoS: qos})
	return f.id(), nil
}

func (f *fakeTransport) Unsubscribe(topic string) (uint16, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubscribed = append(f.unsubscribed, topic)
	return f.id(), nil
}

func (f *fakeTransport) Publish(topic string, qos byte, retained bool, payload []byte) (uint16, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return 0, f.publishErr
	}
	f.published = append(f.published, published{topic: topic, qos: qos, retained: retained, payload: string(payload)})
	return f.id(), nil
}

func (f *fakeTransport) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeTransport) setConnected(c bool) {
	f.mu.Lock()
	f.connected = c
	f.mu.Unlock()
}

func (f *fakeTransport) deliver(topic, payload string) {
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	h(topic, []byte(payload))
}

func (f *fakeTransport) publishes() []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]published(nil), f.published...)
}

func (f *fakeTransport) subscriptions() []Subscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Subscription(nil), f.subscribed...)
}

var errBrokerRejected = errors.New("broker rejected request")

func newTestMetrics() (*metrics.Registry, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	return metrics.NewRegistry(reg), reg
}

// metricValue reads a counter or gauge by name, 0 when absent.
func metricValue(t *testing.T, g prometheus.Gatherer, name string) float64 {
	t.Helper()

	families, err := g.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name || len(mf.GetMetric()) == 0 {
			continue
		}
		m := mf.GetMetric()[0]
		if c := m.GetCounter(); c != nil {
			return c.GetValue()
		}
		if gauge := m.GetGauge(); gauge != nil {
			return gauge.GetValue()
		}
	}
	return 0
}
