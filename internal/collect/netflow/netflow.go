// Package netflow ingests NetFlow v5 and v9 datagrams over UDP, resolves
// v9 templates per exporter, aggregates flows by five-tuple inside a fixed
// window, and emits the aggregates as flow telemetry records.
package netflow

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/netsampler/goflow2/v2/decoders/netflow"

	"github.com/fieldlight/otgraph/internal/collect"
	"github.com/fieldlight/otgraph/internal/faults"
	"github.com/fieldlight/otgraph/internal/metrics"
	"github.com/fieldlight/otgraph/internal/model"
)

const (
	DefaultReadTimeout       = 250 * time.Millisecond
	DefaultBufferSizePackets = 1024
	DefaultBufferSizeBytes   = 65535
	DefaultAggregationWindow = time.Minute
	DefaultPendingLimit      = 10000
	DefaultPendingTTL        = 5 * time.Minute

	readErrBackoff = 10 * time.Millisecond
	sweepInterval  = 30 * time.Second
)

// Config carries the dependencies and tunables for the NetFlow server.
// The UDP listener is injected so callers control the bind address and
// tests can hand in a loopback socket.
type Config struct {
	Logger   *slog.Logger
	Clock    clockwork.Clock
	Listener *net.UDPConn
	Sink     collect.Sink

	// Version restricts which datagram formats are accepted: "5", "9", or
	// "both" (default). Detection still reads the header; this only rejects.
	Version string

	ReadTimeout       time.Duration
	BufferSizePackets int
	BufferSizeBytes   int
	AggregationWindow time.Duration
	PendingLimit      int
	PendingTTL        time.Duration
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Listener == nil {
		return errors.New("listener is required")
	}
	if c.Sink == nil {
		return errors.New("sink is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	switch c.Version {
	case "", "both", "5", "9":
	default:
		return fmt.Errorf("unknown netflow version %q", c.Version)
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = DefaultReadTimeout
	}
	if c.BufferSizePackets <= 0 {
		c.BufferSizePackets = DefaultBufferSizePackets
	}
	if c.BufferSizeBytes <= 0 {
		c.BufferSizeBytes = DefaultBufferSizeBytes
	}
	if c.AggregationWindow <= 0 {
		c.AggregationWindow = DefaultAggregationWindow
	}
	if c.PendingLimit <= 0 {
		c.PendingLimit = DefaultPendingLimit
	}
	if c.PendingTTL <= 0 {
		c.PendingTTL = DefaultPendingTTL
	}
	return nil
}

type packet struct {
	data []byte
	addr *net.UDPAddr
}

type pendingPacket struct {
	data []byte
	at   time.Time
}

// exporterState is per-exporter v9 decode state. Template IDs are only
// meaningful within the (exporter, source-id) scope, which the goflow2
// template system keys internally, so one system per exporter suffices.
type exporterState struct {
	templates netflow.NetFlowTemplateSystem
	pending   []pendingPacket
}

// aggFlow accumulates one five-tuple inside the current window.
type aggFlow struct {
	key      flowKey
	bytes    uint64
	packets  uint64
	first    time.Time
	last     time.Time
	tcpFlags uint8
	tos      uint8
	exporter string
}

// Server reads NetFlow datagrams from a UDP socket and emits aggregated
// flow records. Decode and aggregation state is owned by the single Run
// loop; only health snapshots cross goroutines.
type Server struct {
	cfg   Config
	log   *slog.Logger
	clock clockwork.Clock

	acceptV5 bool
	acceptV9 bool

	exporters     map[string]*exporterState
	agg           map[flowKey]*aggFlow
	pendingCount  int
	templatesSeen map[string]struct{}

	healthMu sync.Mutex
	health   collect.Health
}

func New(cfg Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, faults.Config("netflow.new", "invalid config", err)
	}
	return &Server{
		cfg:           cfg,
		log:           cfg.Logger.With("component", "netflow"),
		clock:         cfg.Clock,
		acceptV5:      cfg.Version != "9",
		acceptV9:      cfg.Version != "5",
		exporters:     make(map[string]*exporterState),
		agg:           make(map[flowKey]*aggFlow),
		templatesSeen: make(map[string]struct{}),
		health:        collect.Health{Collector: "netflow", Targets: 1},
	}, nil
}

func (s *Server) Name() string { return "netflow" }

// Run reads datagrams until ctx is canceled, then drains buffered packets
// and flushes the open aggregation window before returning.
func (s *Server) Run(ctx context.Context) error {
	packets := make(chan packet, s.cfg.BufferSizePackets)

	go func() {
		<-ctx.Done()
		_ = s.cfg.Listener.Close()
	}()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.readLoop(ctx, packets)
	}()

	flush := s.clock.NewTicker(s.cfg.AggregationWindow)
	defer flush.Stop()
	sweep := s.clock.NewTicker(sweepInterval)
	defer sweep.Stop()

	s.log.Info("netflow server started", "addr", s.cfg.Listener.LocalAddr().String(),
		"window", s.cfg.AggregationWindow.String())

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			s.drain(packets)
			return nil
		case p := <-packets:
			s.handlePacket(p)
		case <-flush.Chan():
			s.flush(ctx)
		case <-sweep.Chan():
			s.sweepPending()
		}
	}
}

// drain decodes packets already read off the wire and flushes the final
// window under a fresh deadline so shutdown does not lose accepted data.
func (s *Server) drain(packets <-chan packet) {
	for {
		select {
		case p := <-packets:
			s.handlePacket(p)
		default:
			ctx, cancel := context.WithTimeout(context.Background(), collect.DefaultDrainTimeout)
			s.flush(ctx)
			cancel()
			return
		}
	}
}

func (s *Server) readLoop(ctx context.Context, packets chan<- packet) {
	buf := make([]byte, s.cfg.BufferSizeBytes)
	for {
		if ctx.Err() != nil {
			return
		}
		if err := s.cfg.Listener.SetReadDeadline(s.clock.Now().Add(s.cfg.ReadTimeout)); err != nil {
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
		n, addr, err := s.cfg.Listener.ReadFromUDP(buf)
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
		metrics.NetFlowPackets.Inc()
		data := make([]byte, n)
		copy(data, buf[:n])
		select {
		case packets <- packet{data: data, addr: addr}:
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) handlePacket(p packet) {
	now := s.clock.Now()
	s.noteReceived(now)
	if len(p.data) < 2 {
		s.noteFailure(now, "short datagram")
		metrics.NetFlowDecodeErrors.Inc()
		return
	}
	exporter := p.addr.IP.String()
	version := binary.BigEndian.Uint16(p.data[:2])
	if !s.versionAccepted(version) {
		s.noteFailure(now, "version not accepted: "+strconv.Itoa(int(version)))
		metrics.NetFlowDecodeErrors.Inc()
		s.log.Warn("netflow version not accepted", "version", version, "exporter", exporter)
		return
	}
	switch version {
	case 5:
		flows, dropped, err := decodeV5(p.data)
		if err != nil {
			s.noteFailure(now, err.Error())
			metrics.NetFlowDecodeErrors.Inc()
			s.log.Warn("netflow decode error", "version", 5, "exporter", exporter, "error", err)
			return
		}
		if dropped > 0 {
			metrics.NetFlowInvalidFlows.Add(float64(dropped))
		}
		s.absorb(flows, exporter, "5")
	case 9:
		if !s.handleV9(p.data, exporter) {
			return
		}
	}
	s.noteSuccess(now)
}

// versionAccepted applies the configured format restriction; anything other
// than v5 or v9 is never accepted.
func (s *Server) versionAccepted(v uint16) bool {
	switch v {
	case 5:
		return s.acceptV5
	case 9:
		return s.acceptV9
	}
	return false
}

// handleV9 decodes one v9 datagram. Datagrams that reference a template
// the exporter has not announced yet are buffered and replayed when a
// packet carrying template flowsets arrives.
func (s *Server) handleV9(data []byte, exporter string) bool {
	st := s.exporterState(exporter)
	res, err := decodeV9(data, st.templates)
	if err != nil {
		if errors.Is(err, netflow.ErrorTemplateNotFound) {
			s.bufferPending(st, exporter, pendingPacket{data: data, at: s.clock.Now()})
			return true
		}
		s.noteFailure(s.clock.Now(), err.Error())
		metrics.NetFlowDecodeErrors.Inc()
		s.log.Warn("netflow decode error", "version", 9, "exporter", exporter, "error", err)
		return false
	}
	s.absorbV9(res, exporter)
	if len(res.templateIDs) > 0 {
		s.trackTemplates(exporter, res.templateIDs)
		s.replayPending(st, exporter)
	}
	return true
}

func (s *Server) exporterState(exporter string) *exporterState {
	st, ok := s.exporters[exporter]
	if !ok {
		st = &exporterState{templates: netflow.CreateTemplateSystem()}
		s.exporters[exporter] = st
	}
	return st
}

func (s *Server) bufferPending(st *exporterState, exporter string, pp pendingPacket) {
	if s.pendingCount >= s.cfg.PendingLimit {
		metrics.NetFlowPendingDropped.Inc()
		s.log.Debug("pending buffer full, dropping datagram", "exporter", exporter)
		return
	}
	st.pending = append(st.pending, pp)
	s.pendingCount++
}

// replayPending re-decodes datagrams that were waiting on templates.
// Datagrams still missing a template go back in the buffer with their
// original arrival time so the TTL keeps counting.
func (s *Server) replayPending(st *exporterState, exporter string) {
	pending := st.pending
	st.pending = nil
	s.pendingCount -= len(pending)
	for _, pp := range pending {
		res, err := decodeV9(pp.data, st.templates)
		if err != nil {
			if errors.Is(err, netflow.ErrorTemplateNotFound) {
				s.bufferPending(st, exporter, pp)
				continue
			}
			metrics.NetFlowDecodeErrors.Inc()
			s.log.Warn("netflow decode error", "version", 9, "exporter", exporter, "error", err)
			continue
		}
		s.absorbV9(res, exporter)
	}
}

func (s *Server) sweepPending() {
	cutoff := s.clock.Now().Add(-s.cfg.PendingTTL)
	for _, st := range s.exporters {
		kept := st.pending[:0]
		for _, pp := range st.pending {
			if pp.at.Before(cutoff) {
				metrics.NetFlowPendingDropped.Inc()
				s.pendingCount--
				continue
			}
			kept = append(kept, pp)
		}
		st.pending = kept
	}
}

func (s *Server) trackTemplates(exporter string, ids []uint16) {
	for _, id := range ids {
		s.templatesSeen[exporter+"/"+strconv.Itoa(int(id))] = struct{}{}
	}
	metrics.NetFlowTemplates.Set(float64(len(s.templatesSeen)))
}

func (s *Server) absorbV9(res v9Result, exporter string) {
	if res.dropped > 0 {
		metrics.NetFlowInvalidFlows.Add(float64(res.dropped))
	}
	s.absorb(res.flows, exporter, "9")
}

func (s *Server) absorb(flows []rawFlow, exporter, version string) {
	for i := range flows {
		s.merge(&flows[i], exporter)
	}
	if len(flows) > 0 {
		metrics.NetFlowFlows.WithLabelValues(version).Add(float64(len(flows)))
	}
}

func (s *Server) merge(f *rawFlow, exporter string) {
	a, ok := s.agg[f.key]
	if !ok {
		s.agg[f.key] = &aggFlow{
			key:      f.key,
			bytes:    f.bytes,
			packets:  f.packets,
			first:    f.first,
			last:     f.last,
			tcpFlags: f.tcpFlags,
			tos:      f.tos,
			exporter: exporter,
		}
		return
	}
	a.bytes += f.bytes
	a.packets += f.packets
	if f.first.Before(a.first) {
		a.first = f.first
	}
	if f.last.After(a.last) {
		a.last = f.last
	}
	a.tcpFlags |= f.tcpFlags
}

// flush closes the current aggregation window and hands the aggregates to
// the sink as one batch, tagging industrial protocols by port.
func (s *Server) flush(ctx context.Context) {
	if len(s.agg) == 0 {
		return
	}
	aggs := make([]*aggFlow, 0, len(s.agg))
	for _, a := range s.agg {
		aggs = append(aggs, a)
	}
	s.agg = make(map[flowKey]*aggFlow)
	slices.SortFunc(aggs, func(x, y *aggFlow) int {
		return strings.Compare(x.key.String(), y.key.String())
	})

	now := s.clock.Now()
	batch := make([]model.TelemetryRecord, 0, len(aggs))
	for _, a := range aggs {
		p := &model.FlowPayload{
			SrcIP:    a.key.srcIP,
			DstIP:    a.key.dstIP,
			SrcPort:  a.key.srcPort,
			DstPort:  a.key.dstPort,
			Protocol: a.key.protocol,
			Bytes:    a.bytes,
			Packets:  a.packets,
			First:    a.first,
			Last:     a.last,
			TCPFlags: a.tcpFlags,
			ToS:      a.tos,
			Exporter: a.exporter,
		}
		if name, ok := classifyIndustrial(&a.key); ok {
			p.Industrial = true
			p.IndustrialProtocol = name
		}
		rec, err := model.NewTelemetryRecord(now, p)
		if err != nil {
			metrics.NetFlowInvalidFlows.Inc()
			s.log.Warn("aggregated flow rejected", "flow", a.key.String(), "error", err)
			continue
		}
		rec.SetMeta("exporter", a.exporter)
		batch = append(batch, rec)
	}
	if len(batch) == 0 {
		return
	}
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

func (s *Server) noteReceived(now time.Time) {
	s.healthMu.Lock()
	defer s.healthMu.Unlock()
	s.health.LastPollAt = now
}

func (s *Server) noteSuccess(now time.Time) {
	s.healthMu.Lock()
	defer s.healthMu.Unlock()
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

func (k flowKey) String() string {
	return k.srcIP + ":" + strconv.Itoa(k.srcPort) + ">" +
		k.dstIP + ":" + strconv.Itoa(k.dstPort) + "/" + strconv.Itoa(k.protocol)
}

func isClosedNetErr(err error) bool {
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "use of closed network connection") ||
		strings.Contains(msg, "bad file descriptor")
}
