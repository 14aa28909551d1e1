package transport

import (
	"crypto/tls"
	"errors"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/jonboulle/clockwork"
)

const (
	DefaultConnectTimeout  = 30 * time.Second
	DefaultReconnectPeriod = 5 * time.Second
	DefaultMaxReconnects   = 10
	DefaultDispatchWorkers = 4
	DefaultEventBuffer     = 16
)

type Config struct {
	Logger *slog.Logger
	Clock  clockwork.Clock

	// BrokerURL is the broker endpoint, e.g. tls://broker.plant.local:8883.
	BrokerURL string

	// ClientPrefix seeds the MQTT client id: <prefix>-<short random>.
	ClientPrefix string

	CertFile string
	KeyFile  string
	CAFile   string

	// TLSMinVersion defaults to TLS 1.3.
	TLSMinVersion uint16

	KeepAlive       time.Duration
	ConnectTimeout  time.Duration
	ReconnectPeriod time.Duration
	MaxReconnects   int
	DispatchWorkers int
	EventBuffer     int

	// NewPahoClient overrides the paho constructor in tests.
	NewPahoClient func(*mqtt.ClientOptions) mqtt.Client
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.BrokerURL == "" {
		return errors.New("broker url is required")
	}
	if c.ClientPrefix == "" {
		c.ClientPrefix = "otgraph"
	}
	if c.CertFile == "" || c.KeyFile == "" || c.CAFile == "" {
		return errors.New("client cert, key, and ca paths are required")
	}
	if c.TLSMinVersion == 0 {
		c.TLSMinVersion = tls.VersionTLS13
	}
	if c.KeepAlive <= 0 {
		c.KeepAlive = 30 * time.Second
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.ReconnectPeriod <= 0 {
		c.ReconnectPeriod = DefaultReconnectPeriod
	}
	if c.MaxReconnects <= 0 {
		c.MaxReconnects = DefaultMaxReconnects
	}
	if c.DispatchWorkers <= 0 {
		c.DispatchWorkers = DefaultDispatchWorkers
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = DefaultEventBuffer
	}
	if c.NewPahoClient == nil {
		c.NewPahoClient = mqtt.NewClient
	}
	return nil
}
