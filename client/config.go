package client

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"math/rand/v2"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/axmq/mqttc/encoding"
	"github.com/axmq/mqttc/metrics"
	"github.com/axmq/mqttc/pkg/logger"
)

// Default network ports per the MQTT specification
const (
	DefaultPort    = 1883
	DefaultTLSPort = 8883
)

// EnvServer is the environment variable consulted for a default broker
// URI when the configuration carries no host. It is read once, at client
// construction.
const EnvServer = "MQTT_SERVER"

// Config holds every recognized client option
type Config struct {
	// Host and Port identify the broker. Port 0 selects the default for
	// the transport: 1883 plain, 8883 TLS.
	Host string
	Port int

	// Version selects the protocol revision: "3.1.0" or "3.1.1"
	// (the default).
	Version string

	// SSL wraps the TCP stream in TLS. TLSConfig, when set, is used as
	// the base configuration; otherwise one is built from the file
	// options below. The server name for SNI and certificate
	// verification is the configured host unless TLSConfig already sets
	// ServerName.
	SSL           bool
	TLSConfig     *tls.Config
	CertFile      string
	KeyFile       string
	CAFile        string
	TLSMinVersion uint16

	// KeepAlive is the interval between pings; 0 disables keep-alive
	KeepAlive time.Duration

	CleanSession bool

	// ClientID is the session identifier. For protocol 3.1.0 an empty
	// id is auto-generated at connect time; for 3.1.1 an empty id is
	// transmitted as zero-length and requires CleanSession.
	ClientID string

	// AckTimeout bounds each packet round-trip, including the initial
	// CONNACK wait; ResendLimit bounds retransmissions per packet.
	AckTimeout  time.Duration
	ResendLimit int

	// ReconnectLimit bounds reconnection attempts (0 disables
	// reconnection); the sleep after failed attempt n, before the next
	// one, is ReconnectBackoff**n seconds.
	ReconnectLimit   int
	ReconnectBackoff time.Duration

	Username string
	Password string

	// Last Will and Testament; the will is registered when WillTopic is
	// non-empty
	WillTopic   string
	WillPayload []byte
	WillQoS     encoding.QoS
	WillRetain  bool

	// OnReconnect runs after a successful reconnect so the application
	// can re-subscribe or re-publish its presence. An error from the
	// callback surfaces on the next Get and disconnects the session.
	OnReconnect func(*Client) error

	// Logger defaults to a discard logger; Metrics may be nil
	Logger  logger.Logger
	Metrics *metrics.Metrics
}

// DefaultConfig returns the default client configuration
func DefaultConfig() *Config {
	return &Config{
		Version:          "3.1.1",
		KeepAlive:        15 * time.Second,
		CleanSession:     true,
		AckTimeout:       5 * time.Second,
		ResendLimit:      5,
		ReconnectLimit:   5,
		ReconnectBackoff: 5 * time.Second,
		Logger:           logger.Nop(),
	}
}

// ApplyURL fills the endpoint options from a connection string of the
// form mqtt://[user:pass@]host[:port] or mqtts://…; credentials are
// URI-unescaped. Any other scheme is rejected.
func (c *Config) ApplyURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("parse broker URI: %w", err)
	}

	switch u.Scheme {
	case "mqtt":
		c.SSL = false
	case "mqtts":
		c.SSL = true
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}

	c.Host = u.Hostname()
	if portStr := u.Port(); portStr != "" {
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return fmt.Errorf("parse broker port: %w", err)
		}
		c.Port = port
	}

	if u.User != nil {
		// url.User fields are already unescaped
		c.Username = u.User.Username()
		if password, ok := u.User.Password(); ok {
			c.Password = password
		}
	}

	return nil
}

// protocolVersion maps the Version string to its wire representation
func (c *Config) protocolVersion() (encoding.ProtocolVersion, error) {
	switch c.Version {
	case "", "3.1.1":
		return encoding.Version311, nil
	case "3.1.0":
		return encoding.Version310, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidVersion, c.Version)
	}
}

// port returns the effective port for the transport
func (c *Config) port() int {
	if c.Port != 0 {
		return c.Port
	}
	if c.SSL {
		return DefaultTLSPort
	}
	return DefaultPort
}

// ackTimeout returns the effective acknowledgement timeout
func (c *Config) ackTimeout() time.Duration {
	if c.AckTimeout > 0 {
		return c.AckTimeout
	}
	return 5 * time.Second
}

// buildTLSConfig assembles the client-side TLS configuration: the
// configured base (or one loaded from the cert/key/CA files) with the
// server name set to the broker host for SNI and verification when the
// base does not already name one
func (c *Config) buildTLSConfig() (*tls.Config, error) {
	var cfg *tls.Config
	if c.TLSConfig != nil {
		cfg = c.TLSConfig.Clone()
	} else {
		cfg = &tls.Config{MinVersion: c.TLSMinVersion}

		if c.CertFile != "" && c.KeyFile != "" {
			cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
			if err != nil {
				return nil, fmt.Errorf("failed to load certificate: %w", err)
			}
			cfg.Certificates = []tls.Certificate{cert}
		}

		if c.CAFile != "" {
			caCert, err := os.ReadFile(c.CAFile)
			if err != nil {
				return nil, fmt.Errorf("failed to read CA file: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(caCert) {
				return nil, fmt.Errorf("failed to parse CA certificate")
			}
			cfg.RootCAs = pool
		}
	}

	if cfg.ServerName == "" {
		cfg.ServerName = c.Host
	}

	return cfg, nil
}

const clientIDCharset = "abcdefghijklmnopqrstuvwxyz0123456789"

// generateClientID returns a fresh identifier of the form "gomqtt"
// followed by 16 random lowercase alphanumerics, which keeps it within
// the 23-character limit of MQTT 3.1.0
func generateClientID() string {
	id := make([]byte, 16)
	for i := range id {
		id[i] = clientIDCharset[rand.IntN(len(clientIDCharset))]
	}
	return "gomqtt" + string(id)
}
