package mqtt

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/nexus-edge/alink-device/internal/domain"
	"github.com/nexus-edge/alink-device/internal/metrics"
	"github.com/nexus-edge/alink-device/pkg/logging"
	"github.com/rs/zerolog"
)

// Session is the single MQTT connection of a device. Requests never wait for
// the broker: Subscribe, Unsubscribe and Publish hand the packet to paho and
// return an identifier, while a background watch logs acknowledgement failures.
type Session struct {
	config  SessionConfig
	logger  zerolog.Logger
	metrics *metrics.Registry

	// newClient is replaced in tests
	newClient func(*paho.ClientOptions) paho.Client

	mu     sync.RWMutex
	client paho.Client
	broker string

	handler   func(topic string, payload []byte)
	handlerMu sync.RWMutex

	isConnected atomic.Bool
	nextID      atomic.Uint32

	messagesReceived atomic.Uint64
	requestsSent     atomic.Uint64
	ackFailures      atomic.Uint64
	connects         atomic.Uint64
	connectionsLost  atomic.Uint64
}

// NewSession creates an unconfigured MQTT session.
func NewSession(config SessionConfig, logger zerolog.Logger, metricsReg *metrics.Registry) *Session {
	config.applyDefaults()
	return &Session{
		config:    config,
		logger:    logging.WithComponent(logger, "mqtt-session"),
		metrics:   metricsReg,
		newClient: paho.NewClient,
	}
}

// Configure builds a new client for creds. A connected client is dropped first.
func (s *Session) Configure(creds domain.Credentials) error {
	if creds.BrokerHost == "" || creds.ClientID == "" {
		return fmt.Errorf("%w: incomplete credentials", domain.ErrConnectionFailed)
	}

	opts := buildClientOptions(s.config, creds).
		SetDefaultPublishHandler(s.onMessage).
		SetOnConnectHandler(s.onConnect).
		SetConnectionLostHandler(s.onConnectionLost)

	s.mu.Lock()
	old := s.client
	s.client = s.newClient(opts)
	s.broker = brokerURL(s.config, creds.BrokerHost)
	s.mu.Unlock()

	if old != nil && old.IsConnected() {
		old.Disconnect(disconnectQuiesce)
		s.setConnected(false)
	}

	s.logger.Debug().
		Str("broker", s.broker).
		Str("client_id", creds.ClientID).
		Msg("MQTT client configured")
	return nil
}

// SetMessageHandler sets the callback for every inbound message.
func (s *Session) SetMessageHandler(handler func(topic string, payload []byte)) {
	s.handlerMu.Lock()
	s.handler = handler
	s.handlerMu.Unlock()
}

// Connect dials the broker and waits for the CONNACK, bounded by ctx and the
// configured connect timeout.
func (s *Session) Connect(ctx context.Context) error {
	client := s.currentClient()
	if client == nil {
		return fmt.Errorf("%w: session not configured", domain.ErrConnectionFailed)
	}

	s.logger.Info().
		Str("broker", s.Broker()).
		Msg("Connecting to MQTT broker")

	token := client.Connect()

	timer := time.NewTimer(s.config.ConnectTimeout)
	defer timer.Stop()

	select {
	case <-token.Done():
	case <-timer.C:
		return domain.ErrConnectionTimeout
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrConnectionFailed, err)
	}

	// paho runs OnConnect on its own goroutine, so the CONNACK is the
	// point requests become valid.
	s.setConnected(true)
	return nil
}

// Disconnect closes the connection, letting in-flight work drain briefly.
func (s *Session) Disconnect() {
	if client := s.currentClient(); client != nil {
		client.Disconnect(disconnectQuiesce)
	}
	s.setConnected(false)
	s.logger.Info().Msg("Disconnected from MQTT broker")
}

// IsConnected returns current connection status
func (s *Session) IsConnected() bool {
	client := s.currentClient()
	return client != nil && s.isConnected.Load() && client.IsConnected()
}

// Subscribe requests a subscription without waiting for the SUBACK.
func (s *Session) Subscribe(topic string, qos byte) (uint16, error) {
	client, err := s.connectedClient()
	if err != nil {
		return 0, err
	}

	token := client.Subscribe(topic, qos, nil)
	s.watch("subscribe", topic, token)
	return s.packetID(), nil
}

// Unsubscribe requests an unsubscription without waiting for the UNSUBACK.
func (s *Session) Unsubscribe(topic string) (uint16, error) {
	client, err := s.connectedClient()
	if err != nil {
		return 0, err
	}

	token := client.Unsubscribe(topic)
	s.watch("unsubscribe", topic, token)
	return s.packetID(), nil
}

// Publish hands a message to paho. QoS 0 messages carry no packet
// identifier on the wire and report 1.
func (s *Session) Publish(topic string, qos byte, retained bool, payload []byte) (uint16, error) {
	client, err := s.connectedClient()
	if err != nil {
		return 0, err
	}

	token := client.Publish(topic, qos, retained, payload)
	s.watch("publish", topic, token)
	if qos == 0 {
		return 1, nil
	}
	return s.packetID(), nil
}

// Broker returns the broker URL of the current client.
func (s *Session) Broker() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.broker
}

// Stats returns session statistics
func (s *Session) Stats() map[string]interface{} {
	return map[string]interface{}{
		"connected":         s.IsConnected(),
		"broker":            s.Broker(),
		"messages_received": s.messagesReceived.Load(),
		"requests_sent":     s.requestsSent.Load(),
		"ack_failures":      s.ackFailures.Load(),
		"connects":          s.connects.Load(),
		"connections_lost":  s.connectionsLost.Load(),
	}
}

func (s *Session) currentClient() paho.Client {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.client
}

func (s *Session) connectedClient() (paho.Client, error) {
	client := s.currentClient()
	if client == nil || !s.isConnected.Load() || !client.IsConnected() {
		return nil, domain.ErrNotConnected
	}
	s.requestsSent.Add(1)
	return client, nil
}

// packetID returns the next request identifier, skipping 0.
func (s *Session) packetID() uint16 {
	for {
		if id := uint16(s.nextID.Add(1)); id != 0 {
			return id
		}
	}
}

// watch observes a token in the background so the caller never blocks on the broker.
func (s *Session) watch(op, topic string, token paho.Token) {
	go func() {
		timer := time.NewTimer(s.config.AckTimeout)
		defer timer.Stop()

		select {
		case <-token.Done():
		case <-timer.C:
			s.logger.Warn().
				Str("op", op).
				Str("topic", topic).
				Dur("timeout", s.config.AckTimeout).
				Msg("No acknowledgement from broker")
			return
		}

		if err := token.Error(); err != nil {
			s.ackFailures.Add(1)
			switch op {
			case "publish":
				s.metrics.IncPublishFailures()
			default:
				s.metrics.IncSubscribeFailures()
			}
			s.logger.Error().
				Err(err).
				Str("op", op).
				Str("topic", topic).
				Msg("MQTT request failed")
		}
	}()
}

func (s *Session) setConnected(connected bool) {
	s.isConnected.Store(connected)
	s.metrics.SetConnected(connected)
}

// onConnect is called when connection is established. Connect has
// already marked the session connected by the time it runs.
func (s *Session) onConnect(client paho.Client) {
	s.connects.Add(1)
	s.logger.Info().Str("broker", s.Broker()).Msg("Connected to MQTT broker")
}

// onConnectionLost is called when connection is lost
func (s *Session) onConnectionLost(client paho.Client, err error) {
	s.connectionsLost.Add(1)
	s.setConnected(false)
	s.logger.Warn().Err(err).Msg("Connection lost to MQTT broker")
}

// onMessage forwards every inbound message to the handler
func (s *Session) onMessage(client paho.Client, msg paho.Message) {
	s.messagesReceived.Add(1)

	s.handlerMu.RLock()
	handler := s.handler
	s.handlerMu.RUnlock()

	if handler != nil {
		handler(msg.Topic(), msg.Payload())
	}
}
