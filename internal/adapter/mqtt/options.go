package mqtt

import (
	"crypto/tls"
	"fmt"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/nexus-edge/alink-device/internal/domain"
)

const (
	defaultPort           = 1883
	defaultTLSPort        = 8883
	defaultKeepAlive      = 60 * time.Second
	defaultConnectTimeout = 10 * time.Second
	defaultAckTimeout     = 10 * time.Second

	// disconnectQuiesce is how long Disconnect waits for in-flight work, in milliseconds
	disconnectQuiesce = 250

	tlsMinVersion = tls.VersionTLS12
)

// SessionConfig contains MQTT session configuration.
// Broker host and login values come from the derived credentials.
type SessionConfig struct {
	Port           int
	TLS            bool
	KeepAlive      time.Duration
	ConnectTimeout time.Duration
	CleanSession   bool

	// AckTimeout bounds how long a background acknowledgement watch runs
	AckTimeout time.Duration
}

func (c *SessionConfig) applyDefaults() {
	if c.Port == 0 {
		c.Port = defaultPort
		if c.TLS {
			c.Port = defaultTLSPort
		}
	}
	if c.KeepAlive == 0 {
		c.KeepAlive = defaultKeepAlive
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = defaultConnectTimeout
	}
	if c.AckTimeout == 0 {
		c.AckTimeout = defaultAckTimeout
	}
}

// brokerURL renders the broker address for the derived host.
func brokerURL(cfg SessionConfig, host string) string {
	scheme := "tcp"
	if cfg.TLS {
		scheme = "ssl"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, host, cfg.Port)
}

// buildClientOptions creates paho options for one set of credentials.
//
// Reconnection is left to the caller: the signed client id embeds a
// timestamp, so the supervisor decides when to dial again.
func buildClientOptions(cfg SessionConfig, creds domain.Credentials) *paho.ClientOptions {
	opts := paho.NewClientOptions().
		AddBroker(brokerURL(cfg, creds.BrokerHost)).
		SetClientID(creds.ClientID).
		SetUsername(creds.Username).
		SetPassword(creds.Password).
		SetKeepAlive(cfg.KeepAlive).
		SetConnectTimeout(cfg.ConnectTimeout).
		SetCleanSession(cfg.CleanSession).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetOrderMatters(false)

	if cfg.TLS {
		opts.SetTLSConfig(&tls.Config{
			MinVersion: tlsMinVersion,
			ServerName: creds.BrokerHost,
		})
	}

	return opts
}
