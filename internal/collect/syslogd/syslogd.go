// Package syslogd receives syslog messages over UDP and TCP, parses them
// as RFC 5424 with a tolerant RFC 3164 fallback, flags security events,
// and emits the results as syslog telemetry records.
package syslogd

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	syslog "github.com/leodido/go-syslog/v4"
	"github.com/leodido/go-syslog/v4/rfc3164"
	"github.com/leodido/go-syslog/v4/rfc5424"

	"github.com/fieldlight/otgraph/internal/collect"
	"github.com/fieldlight/otgraph/internal/faults"
	"github.com/fieldlight/otgraph/internal/metrics"
	"github.com/fieldlight/otgraph/internal/model"
)

const (
	DefaultReadTimeout   = 250 * time.Millisecond
	DefaultBufferBytes   = 8192
	DefaultBatchSize     = 64
	DefaultFlushInterval = time.Second

	readErrBackoff = 10 * time.Millisecond

	// RFC 5424 default PRI when a message carries none.
	defaultFacility = 1
	defaultSeverity = 5
)

// securityKeywords mark a message as a security event regardless of its
// severity. Matching is case insensitive.
var securityKeywords = []string{
	"failed", "denied", "violation", "unauthorized", "attack", "malware",
}

// Config carries the dependencies and tunables for the syslog server.
// At least one listener must be supplied; both may be.
type Config struct {
	Logger      *slog.Logger
	Clock       clockwork.Clock
	UDPListener *net.UDPConn
	TCPListener net.Listener
	Sink        collect.Sink

	ReadTimeout   time.Duration
	BufferBytes   int
	BatchSize     int
	FlushInterval time.Duration
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.UDPListener == nil && c.TCPListener == nil {
		return errors.New("at least one listener is required")
	}
	if c.Sink == nil {
		return errors.New("sink is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = DefaultReadTimeout
	}
	if c.BufferBytes <= 0 {
		c.BufferBytes = DefaultBufferBytes
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = DefaultFlushInterval
	}
	return nil
}

type rawMessage struct {
	data   []byte
	client string
}

// Server receives syslog over the configured listeners. Parsing and
// batching happen on the single Run loop; reader goroutines only move
// bytes. TCP uses newline framing, which is what most field devices send.
type Server struct {
	cfg   Config
	log   *slog.Logger
	clock clockwork.Clock

	p5424 syslog.Machine
	p3164 syslog.Machine

	pending []model.TelemetryRecord

	connMu sync.Mutex
	conns  map[net.Conn]struct{}

	healthMu sync.Mutex
	health   collect.Health
}

func New(cfg Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, faults.Config("syslogd.new", "invalid config", err)
	}
	return &Server{
		cfg:   cfg,
		log:   cfg.Logger.With("component", "syslogd"),
		clock: cfg.Clock,
		p5424: rfc5424.NewParser(),
		p3164: rfc3164.NewParser(rfc3164.WithBestEffort(), rfc3164.WithYear(rfc3164.CurrentYear{})),
		conns: make(map[net.Conn]struct{}),
		health: collect.Health{
			Collector: "syslog",
			Targets:   listenerCount(cfg),
		},
	}, nil
}

func listenerCount(cfg Config) int {
	n := 0
	if cfg.UDPListener != nil {
		n++
	}
	if cfg.TCPListener != nil {
		n++
	}
	return n
}

func (s *Server) Name() string { return "syslog" }

// Run receives messages until ctx is canceled, then parses whatever was
// already read and flushes the final batch.
func (s *Server) Run(ctx context.Context) error {
	messages := make(chan rawMessage, 1024)

	go func() {
		<-ctx.Done()
		if s.cfg.UDPListener != nil {
			_ = s.cfg.UDPListener.Close()
		}
		if s.cfg.TCPListener != nil {
			_ = s.cfg.TCPListener.Close()
		}
		s.closeConns()
	}()

	var wg sync.WaitGroup
	if s.cfg.UDPListener != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.readUDP(ctx, messages)
		}()
	}
	if s.cfg.TCPListener != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.acceptTCP(ctx, messages)
		}()
	}

	flush := s.clock.NewTicker(s.cfg.FlushInterval)
	defer flush.Stop()

	s.log.Info("syslog server started",
		"udp", s.cfg.UDPListener != nil, "tcp", s.cfg.TCPListener != nil)

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			s.drain(messages)
			return nil
		case m := <-messages:
			s.handleMessage(m)
			if len(s.pending) >= s.cfg.BatchSize {
				s.flush(ctx)
			}
		case <-flush.Chan():
			s.flush(ctx)
		}
	}
}

func (s *Server) drain(messages <-chan rawMessage) {
	for {
		select {
		case m := <-messages:
			s.handleMessage(m)
		default:
			ctx, cancel := context.WithTimeout(context.Background(), collect.DefaultDrainTimeout)
			s.flush(ctx)
			cancel()
			return
		}
	}
}

func (s *Server) readUDP(ctx context.Context, messages chan<- rawMessage) {
	buf := make([]byte, s.cfg.BufferBytes)
	for {
		if ctx.Err() != nil {
			return
		}
		if err := s.cfg.UDPListener.SetReadDeadline(s.clock.Now().Add(s.cfg.ReadTimeout)); err != nil {
			if isClosedNetErr(err) {
				return
			}
			s.log.Warn("set read deadline failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-s.clock.After(readErrBackoff):
			}
			continue
		}
		n, addr, err := s.cfg.UDPListener.ReadFromUDP(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			if isClosedNetErr(err) {
				return
			}
			s.log.Warn("udp read error", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-s.clock.After(readErrBackoff):
			}
			continue
		}
		if n == 0 {
			continue
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		select {
		case messages <- rawMessage{data: data, client: addr.IP.String()}:
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) acceptTCP(ctx context.Context, messages chan<- rawMessage) {
	for {
		conn, err := s.cfg.TCPListener.Accept()
		if err != nil {
			if ctx.Err() != nil || isClosedNetErr(err) {
				return
			}
			s.log.Warn("accept error", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-s.clock.After(readErrBackoff):
			}
			continue
		}
		s.trackConn(conn)
		go s.readConn(ctx, conn, messages)
	}
}

// readConn reads newline-framed messages from one TCP client. Shutdown
// unblocks the read by closing the connection.
func (s *Server) readConn(ctx context.Context, conn net.Conn, messages chan<- rawMessage) {
	defer s.untrackConn(conn)

	client := conn.RemoteAddr().String()
	if host, _, err := net.SplitHostPort(client); err == nil {
		client = host
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), s.cfg.BufferBytes)
	for scanner.Scan() {
		line := bytes.TrimRight(scanner.Bytes(), "\r")
		if len(line) == 0 {
			continue
		}
		data := make([]byte, len(line))
		copy(data, line)
		select {
		case messages <- rawMessage{data: data, client: client}:
		case <-ctx.Done():
			return
		}
	}
	if err := scanner.Err(); err != nil && !isClosedNetErr(err) && ctx.Err() == nil {
		s.log.Debug("tcp client read ended", "client", client, "error", err)
	}
}

func (s *Server) trackConn(conn net.Conn) {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	s.conns[conn] = struct{}{}
}

func (s *Server) untrackConn(conn net.Conn) {
	s.connMu.Lock()
	delete(s.conns, conn)
	s.connMu.Unlock()
	_ = conn.Close()
}

func (s *Server) closeConns() {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	for conn := range s.conns {
		_ = conn.Close()
	}
}

func (s *Server) handleMessage(m rawMessage) {
	now := s.clock.Now()
	payload, format, err := s.parse(m.data, m.client, now)
	if err != nil {
		metrics.SyslogParseErrors.Inc()
		s.noteFailure(now, err.Error())
		s.log.Debug("unparseable syslog message", "client", m.client, "error", err)
		return
	}
	metrics.SyslogMessages.WithLabelValues(format).Inc()
	if payload.SecurityEvent {
		metrics.SyslogSecurityEvents.Inc()
	}

	rec, err := model.NewTelemetryRecord(now, payload)
	if err != nil {
		metrics.SyslogParseErrors.Inc()
		s.noteFailure(now, err.Error())
		return
	}
	rec.SetMeta("format", format)
	s.pending = append(s.pending, rec)
	s.noteSuccess(now)
}

// parse tries strict RFC 5424 first and falls back to best-effort
// RFC 3164, which covers the loose formats embedded devices send.
func (s *Server) parse(data []byte, client string, received time.Time) (*model.SyslogPayload, string, error) {
	if m, err := s.p5424.Parse(data); err == nil && m != nil {
		if sm, ok := m.(*rfc5424.SyslogMessage); ok {
			return s.payloadFrom(&sm.Base, sm.StructuredData, client, received), "rfc5424", nil
		}
	}

	m, err := s.p3164.Parse(data)
	if m != nil {
		if sm, ok := m.(*rfc3164.SyslogMessage); ok && sm.Message != nil {
			return s.payloadFrom(&sm.Base, nil, client, received), "rfc3164", nil
		}
	}
	if err == nil {
		err = errors.New("message matched no known format")
	}
	return nil, "", err
}

func (s *Server) payloadFrom(base *syslog.Base, sd *map[string]map[string]string, client string, received time.Time) *model.SyslogPayload {
	p := &model.SyslogPayload{
		Facility:  defaultFacility,
		Severity:  defaultSeverity,
		Timestamp: received,
		Client:    client,
	}
	if base.Facility != nil {
		p.Facility = int(*base.Facility)
	}
	if base.Severity != nil {
		p.Severity = int(*base.Severity)
	}
	if base.Timestamp != nil {
		p.Timestamp = base.Timestamp.UTC()
	}
	if base.Hostname != nil {
		p.Hostname = *base.Hostname
	}
	if base.Appname != nil {
		p.AppName = *base.Appname
	}
	if base.ProcID != nil {
		p.ProcID = *base.ProcID
	}
	if base.MsgID != nil {
		p.MsgID = *base.MsgID
	}
	if base.Message != nil {
		p.Message = strings.TrimSpace(*base.Message)
	}
	if sd != nil {
		p.Structured = *sd
	}
	p.SecurityEvent = isSecurityEvent(p.Severity, p.Message)
	return p
}

func isSecurityEvent(severity int, message string) bool {
	if severity <= 3 {
		return true
	}
	lower := strings.ToLower(message)
	for _, kw := range securityKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

func (s *Server) flush(ctx context.Context) {
	if len(s.pending) == 0 {
		return
	}
	batch := s.pending
	s.pending = nil
	if err := s.cfg.Sink.Emit(ctx, batch); err != nil {
		metrics.CollectorSinkDrops.WithLabelValues(s.Name()).Inc()
		s.log.Error("sink rejected batch", "size", len(batch), "error", err)
	}
}

func (s *Server) Health() collect.Health {
	s.healthMu.Lock()
	defer s.healthMu.Unlock()
	return s.health
}

func (s *Server) noteSuccess(now time.Time) {
	s.healthMu.Lock()
	defer s.healthMu.Unlock()
	s.health.LastPollAt = now
	s.health.LastSuccessAt = now
	s.health.ConsecutiveFailures = 0
	s.health.LastError = ""
}

func (s *Server) noteFailure(now time.Time, msg string) {
	s.healthMu.Lock()
	defer s.healthMu.Unlock()
	s.health.LastPollAt = now
	s.health.Errors++
	s.health.ConsecutiveFailures++
	s.health.LastError = msg
}

func isClosedNetErr(err error) bool {
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "use of closed network connection") ||
		strings.Contains(msg, "bad file descriptor")
}
