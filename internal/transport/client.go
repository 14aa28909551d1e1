// Package transport is the broker-facing MQTT client. It owns the TLS
// material, the connection state machine, and handler dispatch; reconnection
// is driven here rather than by the underlying library so every attempt is
// observable on the event stream.
package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/alitto/pond/v2"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/fieldlight/otgraph/internal/faults"
	"github.com/fieldlight/otgraph/internal/metrics"
)

type State string

const (
	StateIdle         State = "idle"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateClosed       State = "closed"
)

// ConnectionEvent is one observable transition of the session state machine.
// Attempt carries the reconnect attempt index while reconnecting.
type ConnectionEvent struct {
	State   State
	Attempt int
	Err     error
}

// Handler receives a message payload for a subscribed topic. Handlers run on
// the dispatch pool; a panicking handler is recovered and logged without
// disturbing other deliveries.
type Handler func(topic string, payload []byte)

type subscription struct {
	filter  string
	qos     byte
	handler Handler
}

type Client struct {
	cfg      Config
	log      *slog.Logger
	clientID string

	tlsCfg *tls.Config
	leaf   *x509.Certificate

	mu           sync.Mutex
	paho         mqtt.Client
	state        State
	subs         []subscription
	reconnecting bool
	closed       bool

	events   chan ConnectionEvent
	closedCh chan struct{}
	dispatch pond.Pool
	stopOnce sync.Once
}

// New validates cfg and loads the TLS material eagerly so a missing or
// unreadable certificate fails at startup rather than mid-pipeline.
func New(cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, faults.Config("transport.new", "invalid config", err)
	}

	keypair, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, faults.Connection("transport.new", "loading client keypair", err)
	}
	leaf, err := x509.ParseCertificate(keypair.Certificate[0])
	if err != nil {
		return nil, faults.Connection("transport.new", "parsing client certificate", err)
	}
	caPEM, err := os.ReadFile(cfg.CAFile)
	if err != nil {
		return nil, faults.Connection("transport.new", "reading ca bundle", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, faults.Connection("transport.new", "ca bundle contains no certificates", nil)
	}

	c := &Client{
		cfg:      cfg,
		log:      cfg.Logger.With("component", "transport"),
		clientID: fmt.Sprintf("%s-%s", cfg.ClientPrefix, uuid.NewString()[:8]),
		tlsCfg: &tls.Config{
			MinVersion:   cfg.TLSMinVersion,
			Certificates: []tls.Certificate{keypair},
			RootCAs:      pool,
		},
		leaf:     leaf,
		state:    StateIdle,
		events:   make(chan ConnectionEvent, cfg.EventBuffer),
		closedCh: make(chan struct{}),
		dispatch: pond.NewPool(cfg.DispatchWorkers),
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.BrokerURL).
		SetClientID(c.clientID).
		SetTLSConfig(c.tlsCfg).
		SetKeepAlive(cfg.KeepAlive).
		SetCleanSession(true).
		SetAutoReconnect(false).
		SetConnectTimeout(cfg.ConnectTimeout).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) { c.onConnectionLost(err) })
	c.paho = cfg.NewPahoClient(opts)

	return c, nil
}

// ClientID returns the per-process MQTT client identity.
func (c *Client) ClientID() string { return c.clientID }

// Events exposes the state transition stream. The channel is closed when the
// client closes, either by Close or by reconnect exhaustion.
func (c *Client) Events() <-chan ConnectionEvent { return c.events }

// State returns the current session state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect performs the mutual-TLS handshake with the broker. The client
// certificate validity window is checked against the clock first so an
// expired certificate fails fast with a clear message.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return faults.Connection("transport.connect", "client closed", faults.ErrStopped)
	}
	c.state = StateConnecting
	c.mu.Unlock()
	c.emit(ConnectionEvent{State: StateConnecting})

	now := c.cfg.Clock.Now()
	if now.After(c.leaf.NotAfter) {
		c.setState(StateIdle)
		return faults.Connection("transport.connect", fmt.Sprintf("client certificate expired %s", c.leaf.NotAfter.Format("2006-01-02")), nil)
	}
	if now.Before(c.leaf.NotBefore) {
		c.setState(StateIdle)
		return faults.Connection("transport.connect", "client certificate not yet valid", nil)
	}

	if err := c.waitToken(ctx, c.paho.Connect()); err != nil {
		c.setState(StateIdle)
		return faults.Connection("transport.connect", "broker handshake failed", err).WithTarget(c.cfg.BrokerURL)
	}

	c.setState(StateConnected)
	c.emit(ConnectionEvent{State: StateConnected})
	metrics.TransportConnects.Inc()
	c.log.Info("connected to broker", "broker", c.cfg.BrokerURL, "client_id", c.clientID)
	return c.resubscribe()
}

// Publish JSON-encodes payload ([]byte and json.RawMessage pass through) and
// publishes it. Safe for concurrent callers. Fails with ErrNotConnected while
// the session is down.
func (c *Client) Publish(ctx context.Context, topic string, payload any, qos byte, retain bool) error {
	if strings.ContainsAny(topic, "+#") {
		return faults.Validation("transport.publish", fmt.Sprintf("topic %q contains wildcards", topic), nil)
	}

	var body []byte
	switch p := payload.(type) {
	case []byte:
		body = p
	case json.RawMessage:
		body = p
	default:
		var err error
		if body, err = json.Marshal(payload); err != nil {
			return faults.Validation("transport.publish", "payload not encodable", err)
		}
	}

	c.mu.Lock()
	if c.state != StateConnected {
		c.mu.Unlock()
		metrics.TransportPublishErrors.WithLabelValues(topic).Inc()
		return faults.Connection("transport.publish", "session down", faults.ErrNotConnected).WithTarget(topic)
	}
	paho := c.paho
	c.mu.Unlock()

	if err := c.waitToken(ctx, paho.Publish(topic, qos, retain, body)); err != nil {
		metrics.TransportPublishErrors.WithLabelValues(topic).Inc()
		return faults.Connection("transport.publish", "publish failed", err).WithTarget(topic)
	}
	metrics.TransportPublishes.WithLabelValues(topic).Inc()
	return nil
}

// Subscribe registers a handler for a topic filter. Filters may use + for a
// single level and a trailing # for the remainder. Subscriptions survive
// reconnects.
func (c *Client) Subscribe(filter string, qos byte, handler Handler) error {
	if err := validateFilter(filter); err != nil {
		return err
	}
	if handler == nil {
		return faults.Validation("transport.subscribe", "handler is required", nil)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return faults.Connection("transport.subscribe", "client closed", faults.ErrStopped)
	}
	sub := subscription{filter: filter, qos: qos, handler: handler}
	c.subs = append(c.subs, sub)
	connected := c.state == StateConnected
	paho := c.paho
	c.mu.Unlock()

	if !connected {
		return nil
	}
	if err := c.waitToken(context.Background(), paho.Subscribe(filter, qos, c.dispatcher(sub))); err != nil {
		return faults.Connection("transport.subscribe", "subscribe failed", err).WithTarget(filter)
	}
	return nil
}

// Close tears the session down and closes the event stream. Idempotent.
func (c *Client) Close() error {
	c.closeWith(nil)
	c.stopOnce.Do(c.dispatch.StopAndWait)
	return nil
}

func (c *Client) dispatcher(sub subscription) mqtt.MessageHandler {
	return func(_ mqtt.Client, msg mqtt.Message) {
		topic, payload := msg.Topic(), msg.Payload()
		c.dispatch.Submit(func() {
			defer func() {
				if r := recover(); r != nil {
					metrics.TransportHandlerPanics.Inc()
					c.log.Error("subscribe handler panicked", "topic", topic, "panic", r)
				}
			}()
			sub.handler(topic, payload)
		})
	}
}

func (c *Client) resubscribe() error {
	c.mu.Lock()
	subs := make([]subscription, len(c.subs))
	copy(subs, c.subs)
	paho := c.paho
	c.mu.Unlock()

	for _, sub := range subs {
		if err := c.waitToken(context.Background(), paho.Subscribe(sub.filter, sub.qos, c.dispatcher(sub))); err != nil {
			return faults.Connection("transport.subscribe", "resubscribe failed", err).WithTarget(sub.filter)
		}
	}
	return nil
}

func (c *Client) onConnectionLost(reason error) {
	c.mu.Lock()
	if c.closed || c.reconnecting {
		c.mu.Unlock()
		return
	}
	c.reconnecting = true
	c.state = StateReconnecting
	c.mu.Unlock()

	c.log.Warn("broker connection lost", "error", reason)
	go c.reconnectLoop(reason)
}

// reconnectLoop retries at the fixed base period, bounded by MaxReconnects.
// On exhaustion it emits a terminal closed event and shuts the session.
func (c *Client) reconnectLoop(reason error) {
	defer func() {
		c.mu.Lock()
		c.reconnecting = false
		c.mu.Unlock()
	}()

	for attempt := 1; attempt <= c.cfg.MaxReconnects; attempt++ {
		c.emit(ConnectionEvent{State: StateReconnecting, Attempt: attempt, Err: reason})
		metrics.TransportReconnectAttempts.Inc()

		select {
		case <-c.closedCh:
			return
		case <-c.cfg.Clock.After(c.cfg.ReconnectPeriod):
		}

		if err := c.waitToken(context.Background(), c.paho.Connect()); err != nil {
			c.log.Warn("reconnect attempt failed", "attempt", attempt, "error", err)
			continue
		}

		c.setState(StateConnected)
		c.emit(ConnectionEvent{State: StateConnected, Attempt: attempt})
		metrics.TransportConnects.Inc()
		if err := c.resubscribe(); err != nil {
			c.log.Error("resubscribe after reconnect failed", "error", err)
		}
		c.log.Info("reconnected to broker", "attempt", attempt)
		return
	}

	c.log.Error("reconnect attempts exhausted", "attempts", c.cfg.MaxReconnects)
	c.closeWith(fmt.Errorf("reconnect attempts exhausted after %d tries: %w", c.cfg.MaxReconnects, reason))
}

func (c *Client) closeWith(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.state = StateClosed
	close(c.closedCh)
	paho := c.paho
	c.mu.Unlock()

	if paho.IsConnected() {
		paho.Disconnect(250)
	}

	// Terminal event, then close the stream.
	select {
	case c.events <- ConnectionEvent{State: StateClosed, Err: err}:
	default:
	}
	close(c.events)
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.state = s
	}
}

func (c *Client) emit(ev ConnectionEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.events <- ev:
	default:
		c.log.Debug("event stream full, dropping", "state", ev.State, "attempt", ev.Attempt)
	}
}

// waitToken waits for a paho token honoring ctx and the configured connect
// timeout, whichever fires first.
func (c *Client) waitToken(ctx context.Context, tok mqtt.Token) error {
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return faults.Timeout("transport.token", "operation canceled", ctx.Err())
	case <-c.cfg.Clock.After(c.cfg.ConnectTimeout):
		return faults.Timeout("transport.token", fmt.Sprintf("no broker response within %s", c.cfg.ConnectTimeout), nil)
	}
}

// validateFilter enforces MQTT filter syntax: + occupies a whole level, #
// occupies the final level only.
func validateFilter(filter string) error {
	if filter == "" {
		return faults.Validation("transport.subscribe", "empty topic filter", nil)
	}
	levels := strings.Split(filter, "/")
	for i, level := range levels {
		if strings.Contains(level, "#") {
			if level != "#" || i != len(levels)-1 {
				return faults.Validation("transport.subscribe", fmt.Sprintf("filter %q: # must be the final level", filter), nil)
			}
		}
		if strings.Contains(level, "+") && level != "+" {
			return faults.Validation("transport.subscribe", fmt.Sprintf("filter %q: + must occupy a whole level", filter), nil)
		}
	}
	return nil
}
