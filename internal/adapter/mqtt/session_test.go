package mqtt

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/nexus-edge/alink-device/internal/domain"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testCreds = domain.DeriveCredentials(domain.DeviceIdentity{
	ProductKey:   "PK1",
	DeviceName:   "DEV1",
	DeviceSecret: "SECRET1",
}, 1000)

type fakeToken struct {
	err  error
	done chan struct{}
}

func completedToken(err error) *fakeToken {
	t := &fakeToken{err: err, done: make(chan struct{})}
	close(t.done)
	return t
}

func pendingToken() *fakeToken {
	return &fakeToken{done: make(chan struct{})}
}

func (t *fakeToken) Wait() bool { <-t.done; return true }

func (t *fakeToken) WaitTimeout(d time.Duration) bool { return true }

func (t *fakeToken) Done() <-chan struct{} { return t.done }

func (t *fakeToken) Error() error { return t.err }

type fakeMessage struct {
	paho.Message
	topic   string
	payload []byte
}

func (m fakeMessage) Topic() string   { return m.topic }
func (m fakeMessage) Payload() []byte { return m.payload }

// fakeClient implements the parts of paho.Client a Session uses.
type fakeClient struct {
	paho.Client

	mu           sync.Mutex
	opts         *paho.ClientOptions
	connected    bool
	connectToken *fakeToken
	ackErr       error
	subscribed   []string
	unsubscribed []string
	published    []string
	disconnects  int

	// holdOnConnect delays the OnConnect callback until closed
	holdOnConnect chan struct{}
	onConnectDone chan struct{}
}

// Connect completes the token first and fires OnConnect from its own
// goroutine afterwards, the order paho uses.
func (c *fakeClient) Connect() paho.Token {
	if c.connectToken != nil {
		return c.connectToken
	}
	c.mu.Lock()
	c.connected = true
	hold := c.holdOnConnect
	done := make(chan struct{})
	c.onConnectDone = done
	c.mu.Unlock()

	go func() {
		defer close(done)
		if hold != nil {
			<-hold
		}
		c.opts.OnConnect(c)
	}()
	return completedToken(nil)
}

func (c *fakeClient) subscriptions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.subscribed...)
}

func (c *fakeClient) Disconnect(quiesce uint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	c.disconnects++
}

func (c *fakeClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeClient) Subscribe(topic string, qos byte, callback paho.MessageHandler) paho.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribed = append(c.subscribed, topic)
	return completedToken(c.ackErr)
}

func (c *fakeClient) Unsubscribe(topics ...string) paho.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unsubscribed = append(c.unsubscribed, topics...)
	return completedToken(c.ackErr)
}

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.published = append(c.published, topic)
	return completedToken(c.ackErr)
}

func newTestSession(t *testing.T, cfg SessionConfig) (*Session, *[]*fakeClient) {
	t.Helper()

	s := NewSession(cfg, zerolog.Nop(), nil)
	clients := &[]*fakeClient{}
	s.newClient = func(opts *paho.ClientOptions) paho.Client {
		c := &fakeClient{opts: opts}
		*clients = append(*clients, c)
		return c
	}
	return s, clients
}

func TestBuildClientOptions(t *testing.T) {
	cfg := SessionConfig{TLS: true, CleanSession: true}
	cfg.applyDefaults()

	opts := buildClientOptions(cfg, testCreds)

	require.Len(t, opts.Servers, 1)
	assert.Equal(t, "ssl://PK1.iot-as-mqtt.cn-shanghai.aliyuncs.com:8883", opts.Servers[0].String())
	assert.Equal(t, testCreds.ClientID, opts.ClientID)
	assert.Equal(t, "DEV1&PK1", opts.Username)
	assert.Equal(t, testCreds.Password, opts.Password)
	assert.Equal(t, int64(60), opts.KeepAlive)
	assert.Equal(t, defaultConnectTimeout, opts.ConnectTimeout)
	assert.True(t, opts.CleanSession)
	assert.False(t, opts.AutoReconnect)
	require.NotNil(t, opts.TLSConfig)
	assert.Equal(t, testCreds.BrokerHost, opts.TLSConfig.ServerName)
}

func TestBrokerURLPlain(t *testing.T) {
	cfg := SessionConfig{}
	cfg.applyDefaults()
	assert.Equal(t, "tcp://PK1.iot-as-mqtt.cn-shanghai.aliyuncs.com:1883", brokerURL(cfg, testCreds.BrokerHost))
}

func TestSessionRequiresConfiguration(t *testing.T) {
	s, _ := newTestSession(t, SessionConfig{})

	assert.False(t, s.IsConnected())
	assert.ErrorIs(t, s.Connect(context.Background()), domain.ErrConnectionFailed)

	_, err := s.Publish("t", 0, false, []byte("x"))
	assert.ErrorIs(t, err, domain.ErrNotConnected)
}

func TestSessionConfigureRejectsIncompleteCredentials(t *testing.T) {
	s, _ := newTestSession(t, SessionConfig{})
	assert.ErrorIs(t, s.Configure(domain.Credentials{}), domain.ErrConnectionFailed)
}

func TestSessionConnectAndRequests(t *testing.T) {
	s, clients := newTestSession(t, SessionConfig{})
	require.NoError(t, s.Configure(testCreds))
	require.NoError(t, s.Connect(context.Background()))
	assert.True(t, s.IsConnected())

	client := (*clients)[0]

	subID, err := s.Subscribe("/a", 1)
	require.NoError(t, err)
	assert.NotZero(t, subID)

	unsubID, err := s.Unsubscribe("/a")
	require.NoError(t, err)
	assert.NotZero(t, unsubID)
	assert.NotEqual(t, subID, unsubID)

	id, err := s.Publish(testCreds.AttributeReportTopic, 0, true, []byte("{}"))
	require.NoError(t, err)
	assert.Equal(t, uint16(1), id)

	id, err = s.Publish(testCreds.AttributeReportTopic, 1, true, []byte("{}"))
	require.NoError(t, err)
	assert.NotZero(t, id)

	assert.Equal(t, []string{"/a"}, client.subscribed)
	assert.Equal(t, []string{"/a"}, client.unsubscribed)
	assert.Len(t, client.published, 2)
	assert.Equal(t, uint64(4), s.Stats()["requests_sent"])
}

func TestSessionUsableBeforeOnConnectRuns(t *testing.T) {
	s, clients := newTestSession(t, SessionConfig{})
	require.NoError(t, s.Configure(testCreds))

	client := (*clients)[0]
	client.holdOnConnect = make(chan struct{})

	require.NoError(t, s.Connect(context.Background()))
	assert.True(t, s.IsConnected())

	_, err := s.Subscribe("/a", 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"/a"}, client.subscriptions())

	close(client.holdOnConnect)
	<-client.onConnectDone
	assert.True(t, s.IsConnected())
	assert.Equal(t, uint64(1), s.Stats()["connects"])
}

func TestSessionPacketIDSkipsZero(t *testing.T) {
	s, _ := newTestSession(t, SessionConfig{})
	s.nextID.Store(0xFFFE)

	assert.Equal(t, uint16(0xFFFF), s.packetID())
	assert.Equal(t, uint16(1), s.packetID())
}

func TestSessionConnectTimeout(t *testing.T) {
	s, clients := newTestSession(t, SessionConfig{ConnectTimeout: 20 * time.Millisecond})
	require.NoError(t, s.Configure(testCreds))
	(*clients)[0].connectToken = pendingToken()

	assert.ErrorIs(t, s.Connect(context.Background()), domain.ErrConnectionTimeout)
	assert.False(t, s.IsConnected())
}

func TestSessionConnectCancelled(t *testing.T) {
	s, clients := newTestSession(t, SessionConfig{ConnectTimeout: time.Minute})
	require.NoError(t, s.Configure(testCreds))
	(*clients)[0].connectToken = pendingToken()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, s.Connect(ctx), context.Canceled)
}

func TestSessionConnectRefused(t *testing.T) {
	s, clients := newTestSession(t, SessionConfig{})
	require.NoError(t, s.Configure(testCreds))
	(*clients)[0].connectToken = completedToken(errors.New("not authorized"))

	err := s.Connect(context.Background())
	assert.ErrorIs(t, err, domain.ErrConnectionFailed)
	assert.Contains(t, err.Error(), "not authorized")
}

func TestSessionConnectionLost(t *testing.T) {
	s, clients := newTestSession(t, SessionConfig{})
	require.NoError(t, s.Configure(testCreds))
	require.NoError(t, s.Connect(context.Background()))

	client := (*clients)[0]
	client.opts.OnConnectionLost(client, errors.New("EOF"))

	assert.False(t, s.IsConnected())
	_, err := s.Subscribe("/a", 0)
	assert.ErrorIs(t, err, domain.ErrNotConnected)
	assert.Empty(t, client.subscribed)
	assert.Equal(t, uint64(1), s.Stats()["connections_lost"])
}

func TestSessionReconfigureDropsConnectedClient(t *testing.T) {
	s, clients := newTestSession(t, SessionConfig{})
	require.NoError(t, s.Configure(testCreds))
	require.NoError(t, s.Connect(context.Background()))

	require.NoError(t, s.Configure(testCreds))

	require.Len(t, *clients, 2)
	assert.Equal(t, 1, (*clients)[0].disconnects)
	assert.False(t, s.IsConnected())
}

func TestSessionAckFailureIsCounted(t *testing.T) {
	s, clients := newTestSession(t, SessionConfig{})
	require.NoError(t, s.Configure(testCreds))
	require.NoError(t, s.Connect(context.Background()))
	(*clients)[0].ackErr = errors.New("not authorized")

	id, err := s.Subscribe("/forbidden", 1)
	require.NoError(t, err)
	assert.NotZero(t, id)

	assert.Eventually(t, func() bool {
		return s.Stats()["ack_failures"] == uint64(1)
	}, time.Second, 5*time.Millisecond)
}

func TestSessionForwardsMessages(t *testing.T) {
	s, clients := newTestSession(t, SessionConfig{})
	require.NoError(t, s.Configure(testCreds))

	var gotTopic, gotPayload string
	s.SetMessageHandler(func(topic string, payload []byte) {
		gotTopic, gotPayload = topic, string(payload)
	})

	client := (*clients)[0]
	client.opts.DefaultPublishHandler(client, fakeMessage{topic: "/a", payload: []byte(`{"x":1}`)})

	assert.Equal(t, "/a", gotTopic)
	assert.Equal(t, `{"x":1}`, gotPayload)
	assert.Equal(t, uint64(1), s.Stats()["messages_received"])
}

func TestSessionDisconnect(t *testing.T) {
	s, clients := newTestSession(t, SessionConfig{})
	require.NoError(t, s.Configure(testCreds))
	require.NoError(t, s.Connect(context.Background()))

	s.Disconnect()

	assert.False(t, s.IsConnected())
	assert.Equal(t, 1, (*clients)[0].disconnects)
}
