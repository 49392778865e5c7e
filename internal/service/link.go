package service

import (
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/nexus-edge/alink-device/internal/domain"
	"github.com/nexus-edge/alink-device/internal/metrics"
	"github.com/nexus-edge/alink-device/pkg/logging"
	"github.com/rs/zerolog"
)

const (
	// DefaultDecimals is the number of decimal places used by SendAttribute.
	DefaultDecimals = 2

	maxQoS = 2
)

// Transport is the MQTT session a Link owns. Subscribe, Unsubscribe and
// Publish must not block; they return a non-zero packet identifier once the
// request has been handed to the network layer.
type Transport interface {
	Configure(creds domain.Credentials) error
	SetMessageHandler(handler func(topic string, payload []byte))
	Subscribe(topic string, qos byte) (uint16, error)
	Unsubscribe(topic string) (uint16, error)
	Publish(topic string, qos byte, retained bool, payload []byte) (uint16, error)
	IsConnected() bool
}

// LinkConfig contains device adapter configuration
type LinkConfig struct {
	Identity domain.DeviceIdentity

	// Capacity is the number of dispatch registry slots
	Capacity int

	// Decimals is the precision of SendAttribute, nil for DefaultDecimals.
	// Zero is a valid precision.
	Decimals *int

	// Now supplies the timestamp credentials are signed with
	Now func() time.Time
}

func decimalsOrDefault(decimals *int) *int {
	if decimals == nil || *decimals < 0 {
		d := DefaultDecimals
		return &d
	}
	d := *decimals
	return &d
}

// Link is the device-side Alink adapter. It owns exactly one transport
// session, derives the credentials it logs in with, routes inbound messages
// to registered handlers and formats outbound reports.
type Link struct {
	config    LinkConfig
	transport Transport
	registry  *Registry
	logger    zerolog.Logger
	metrics   *metrics.Registry

	creds   domain.Credentials
	credsMu sync.RWMutex

	debug atomic.Pointer[zerolog.Logger]

	// settingQoS is the QoS of the attribute-setting subscription, -1 when not subscribed
	settingQoS atomic.Int32

	messagesReceived atomic.Uint64
	parseErrors      atomic.Uint64
	published        atomic.Uint64
	publishFailed    atomic.Uint64
	startTime        time.Time
}

// NewLink creates a device adapter and configures transport with the derived credentials.
func NewLink(
	config LinkConfig,
	transport Transport,
	logger zerolog.Logger,
	metricsReg *metrics.Registry,
) (*Link, error) {
	if transport == nil {
		return nil, domain.ErrTransportRequired
	}
	if config.Capacity <= 0 {
		config.Capacity = DefaultCapacity
	}
	config.Decimals = decimalsOrDefault(config.Decimals)
	if config.Now == nil {
		config.Now = time.Now
	}

	l := &Link{
		config:    config,
		transport: transport,
		registry:  NewRegistry(config.Capacity, ""),
		logger:    logging.WithComponent(logger, "alink"),
		metrics:   metricsReg,
		startTime: time.Now(),
	}
	l.settingQoS.Store(-1)

	if _, err := l.Configure(config.Identity); err != nil {
		return nil, err
	}

	transport.SetMessageHandler(l.Dispatch)
	return l, nil
}

// Configure derives credentials for the identity and applies them to the
// transport. It is called once by NewLink; calling it again re-signs with a
// fresh timestamp.
func (l *Link) Configure(id domain.DeviceIdentity) (domain.Credentials, error) {
	if err := id.Validate(); err != nil {
		return domain.Credentials{}, fmt.Errorf("invalid device identity: %w", err)
	}

	creds := domain.DeriveCredentials(id, l.config.Now().UnixMilli())
	if err := l.transport.Configure(creds); err != nil {
		return domain.Credentials{}, fmt.Errorf("configure transport: %w", err)
	}

	l.credsMu.Lock()
	l.config.Identity = id
	l.creds = creds
	l.credsMu.Unlock()

	l.registry.SetSettingTopic(creds.AttributeSettingTopic)

	l.logger.Info().
		Str("device", id.String()).
		Str("broker", creds.BrokerHost).
		Str("client_id", creds.ClientID).
		Msg("Device credentials derived")

	return creds, nil
}

// Credentials returns the credentials currently in use.
func (l *Link) Credentials() domain.Credentials {
	l.credsMu.RLock()
	defer l.credsMu.RUnlock()
	return l.creds
}

// Registry exposes the dispatch registry.
func (l *Link) Registry() *Registry {
	return l.registry
}

// SetCapacity reallocates the dispatch registry, discarding all registrations.
func (l *Link) SetCapacity(n int) error {
	if err := l.registry.Configure(n); err != nil {
		return err
	}
	l.metrics.SetRegistryEntries(0)
	return nil
}

// SetDebug makes every inbound and outbound topic/payload pair be written to w.
// A nil writer turns the output off.
func (l *Link) SetDebug(w io.Writer) {
	if w == nil {
		l.debug.Store(nil)
		return
	}
	dl := logging.NewDebugLogger(w)
	l.debug.Store(&dl)
}

func (l *Link) trace(direction, topic string, payload []byte) {
	if dl := l.debug.Load(); dl != nil {
		dl.Log().
			Str("direction", direction).
			Str("topic", topic).
			Bytes("payload", payload).
			Msg("alink traffic")
	}
}

// Bind registers handler for an attribute of the device's data model.
// Values set by the cloud on the attribute-setting topic are delivered to it.
func (l *Link) Bind(name string, handler Handler) error {
	if err := l.registry.Bind(name, handler); err != nil {
		return err
	}
	l.metrics.SetRegistryEntries(l.registry.Len())
	return nil
}

// Unbind removes an attribute binding.
func (l *Link) Unbind(name string) error {
	if err := l.registry.Unbind(name); err != nil {
		return err
	}
	l.metrics.SetRegistryEntries(l.registry.Len())
	return nil
}

// SubscribeTopic registers handler for topic and asks the transport to
// subscribe. It returns the packet identifier, or 0 with an error that tells
// a local registration failure (ErrEmptyName, ErrRegistryFull) apart from a
// transport failure (ErrNotConnected, ErrSubscribeFailed). The registration
// is kept when only the transport step fails.
func (l *Link) SubscribeTopic(topic string, handler Handler, qos byte) (uint16, error) {
	if qos > maxQoS {
		return 0, domain.ErrInvalidQoS
	}
	if err := l.registry.put(topic, handler, true, qos); err != nil {
		return 0, err
	}
	l.metrics.SetRegistryEntries(l.registry.Len())

	return l.subscribe(topic, qos)
}

// UnsubscribeTopic clears the registration for topic and asks the transport
// to unsubscribe. Nothing is sent when topic was never registered.
func (l *Link) UnsubscribeTopic(topic string) (uint16, error) {
	if _, ok := l.registry.remove(topic); !ok {
		return 0, fmt.Errorf("%w: %s", domain.ErrNotBound, topic)
	}
	l.metrics.SetRegistryEntries(l.registry.Len())

	l.metrics.IncSubscribeRequests()
	id, err := l.transport.Unsubscribe(topic)
	if err != nil {
		l.metrics.IncSubscribeFailures()
		return 0, fmt.Errorf("%w: %s: %w", domain.ErrUnsubscribeFailed, topic, err)
	}
	return id, nil
}

// SubscribeAttributeSetting subscribes to the attribute-setting topic.
// Attribute handlers do not depend on it: the platform may deliver property
// settings without an explicit subscription.
func (l *Link) SubscribeAttributeSetting(qos byte) (uint16, error) {
	if qos > maxQoS {
		return 0, domain.ErrInvalidQoS
	}
	l.settingQoS.Store(int32(qos))
	return l.subscribe(l.Credentials().AttributeSettingTopic, qos)
}

func (l *Link) subscribe(topic string, qos byte) (uint16, error) {
	l.metrics.IncSubscribeRequests()
	id, err := l.transport.Subscribe(topic, qos)
	if err != nil {
		l.metrics.IncSubscribeFailures()
		return 0, fmt.Errorf("%w: %s: %w", domain.ErrSubscribeFailed, topic, err)
	}
	return id, nil
}

// Resubscribe re-issues every topic subscription held in the registry, plus
// the attribute-setting subscription if one was made. It returns the first
// error encountered but attempts all of them.
func (l *Link) Resubscribe() error {
	var firstErr error

	for _, sub := range l.registry.Subscriptions() {
		if _, err := l.subscribe(sub.Topic, sub.QoS); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if qos := l.settingQoS.Load(); qos >= 0 {
		if _, err := l.subscribe(l.Credentials().AttributeSettingTopic, byte(qos)); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}

// Dispatch is the transport's inbound message entry point.
func (l *Link) Dispatch(topic string, payload []byte) {
	l.messagesReceived.Add(1)
	l.metrics.IncMessagesReceived()
	l.trace("inbound", topic, payload)

	result, err := l.registry.Dispatch(topic, payload)
	if err != nil {
		l.parseErrors.Add(1)
		l.metrics.IncParseErrors()
		if dl := l.debug.Load(); dl != nil {
			dl.Log().Err(err).Str("topic", topic).Msg("inbound payload dropped")
		}
		return
	}

	if result.Invoked == 0 {
		l.metrics.IncMessagesUnrouted()
		return
	}
	l.metrics.AddHandlersInvoked(result.Invoked)

	for _, name := range result.Panicked {
		l.metrics.IncHandlerPanics()
		l.logger.Error().
			Str("topic", topic).
			Str("name", name).
			Msg("Handler panic recovered")
	}
}

// SendAttribute reports a numeric attribute with the configured precision.
func (l *Link) SendAttribute(name string, value float64, qos byte) (uint16, error) {
	return l.SendAttributeFloat(name, value, *l.config.Decimals, qos)
}

// SendAttributeFloat reports a numeric attribute rounded to decimals places.
func (l *Link) SendAttributeFloat(name string, value float64, decimals int, qos byte) (uint16, error) {
	params, err := domain.FloatFragment(name, value, decimals)
	if err != nil {
		return 0, err
	}
	return l.sendAttributes(params, qos)
}

// SendAttributeInt reports an integer attribute. Booleans are sent as 0/1.
func (l *Link) SendAttributeInt(name string, value int64, qos byte) (uint16, error) {
	params, err := domain.IntFragment(name, value)
	if err != nil {
		return 0, err
	}
	return l.sendAttributes(params, qos)
}

// SendAttributeString reports a string attribute.
func (l *Link) SendAttributeString(name, value string, qos byte) (uint16, error) {
	params, err := domain.StringFragment(name, value)
	if err != nil {
		return 0, err
	}
	return l.sendAttributes(params, qos)
}

// SendMultipleAttributes reports a pre-built JSON object such as
// {"temperature":21.5,"humidity":40}. The fragment is validated but sent verbatim.
func (l *Link) SendMultipleAttributes(fragment string, qos byte) (uint16, error) {
	if !json.Valid([]byte(fragment)) {
		return 0, fmt.Errorf("%w: attribute fragment", domain.ErrInvalidPayload)
	}
	return l.sendAttributes(fragment, qos)
}

// SendEvent reports an event. An empty fragment sends {}.
func (l *Link) SendEvent(eventID, fragment string, qos byte) (uint16, error) {
	if eventID == "" {
		return 0, domain.ErrInvalidEventID
	}
	if fragment != "" && !json.Valid([]byte(fragment)) {
		return 0, fmt.Errorf("%w: event fragment", domain.ErrInvalidPayload)
	}
	payload := domain.FormatEventReport(eventID, fragment)
	return l.publish(l.Credentials().EventTopic(eventID), payload, qos)
}

// SendCustom publishes payload unchanged on topic.
func (l *Link) SendCustom(topic, payload string, qos byte) (uint16, error) {
	if topic == "" {
		return 0, domain.ErrEmptyName
	}
	return l.publish(topic, payload, qos)
}

func (l *Link) sendAttributes(params string, qos byte) (uint16, error) {
	payload := domain.FormatAttributeReport(params)
	return l.publish(l.Credentials().AttributeReportTopic, payload, qos)
}

// publish hands a retained message to the transport. The connection check is
// advisory: the transport reports a drop that happens after it.
func (l *Link) publish(topic, payload string, qos byte) (uint16, error) {
	if qos > maxQoS {
		return 0, domain.ErrInvalidQoS
	}
	if !l.transport.IsConnected() {
		l.publishFailed.Add(1)
		l.metrics.IncPublishFailures()
		return 0, domain.ErrNotConnected
	}

	l.trace("outbound", topic, []byte(payload))

	l.metrics.IncPublishes()
	id, err := l.transport.Publish(topic, qos, true, []byte(payload))
	if err != nil {
		l.publishFailed.Add(1)
		l.metrics.IncPublishFailures()
		return 0, fmt.Errorf("%w: %s: %w", domain.ErrPublishFailed, topic, err)
	}

	l.published.Add(1)
	return id, nil
}

// IsConnected reports whether the transport is connected.
func (l *Link) IsConnected() bool {
	return l.transport.IsConnected()
}

// Stats returns adapter statistics
func (l *Link) Stats() map[string]interface{} {
	creds := l.Credentials()
	return map[string]interface{}{
		"connected":         l.IsConnected(),
		"broker":            creds.BrokerHost,
		"client_id":         creds.ClientID,
		"registry_capacity": l.registry.Capacity(),
		"registry_names":    l.registry.Names(),
		"messages_received": l.messagesReceived.Load(),
		"parse_errors":      l.parseErrors.Load(),
		"published":         l.published.Load(),
		"publish_failed":    l.publishFailed.Load(),
	}
}

// StatusHandler returns current adapter status
func (l *Link) StatusHandler(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{
		"service":   "alinkd",
		"uptime":    time.Since(l.startTime).String(),
		"uptime_ms": time.Since(l.startTime).Milliseconds(),
		"link":      l.Stats(),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(status)
}
