package netflow

import (
	"bytes"
	"context"
	"encoding/binary"
	"log/slog"
	"net"
	"os"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/fieldlight/otgraph/internal/faults"
	"github.com/fieldlight/otgraph/internal/model"
)

var testStart = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

func newTestServer(t *testing.T, mutate func(*Config)) (*Server, *chanSink) {
	t.Helper()
	ln, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	sink := newChanSink()
	cfg := Config{
		Logger:   slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})),
		Clock:    clockwork.NewFakeClockAt(testStart),
		Listener: ln,
		Sink:     sink,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	s, err := New(cfg)
	require.NoError(t, err)
	return s, sink
}

type chanSink struct {
	ch chan []model.TelemetryRecord
}

func newChanSink() *chanSink {
	return &chanSink{ch: make(chan []model.TelemetryRecord, 16)}
}

func (s *chanSink) Emit(_ context.Context, batch []model.TelemetryRecord) error {
	s.ch <- batch
	return nil
}

func (s *chanSink) recv(t *testing.T) []model.TelemetryRecord {
	t.Helper()
	select {
	case batch := <-s.ch:
		return batch
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a batch")
		return nil
	}
}

func exporterAddr(ip string) *net.UDPAddr {
	return &net.UDPAddr{IP: net.ParseIP(ip), Port: 2055}
}

func ip4(s string) [4]byte {
	ip := net.ParseIP(s).To4()
	return [4]byte{ip[0], ip[1], ip[2], ip[3]}
}

type v5rec struct {
	src, dst         string
	srcPort, dstPort uint16
	proto            uint8
	pkts, octets     uint32
	first, last      uint32
	flags, tos       uint8
}

func buildV5(uptimeMS, unixSecs uint32, recs ...v5rec) []byte {
	buf := new(bytes.Buffer)
	w := func(v any) { _ = binary.Write(buf, binary.BigEndian, v) }
	w(uint16(5))
	w(uint16(len(recs)))
	w(uptimeMS)
	w(unixSecs)
	w(uint32(0)) // residual nanoseconds
	w(uint32(1)) // flow sequence
	w(uint8(0))  // engine type
	w(uint8(0))  // engine id
	w(uint16(0)) // sampling interval
	for _, r := range recs {
		w(ip4(r.src))
		w(ip4(r.dst))
		w([4]byte{}) // next hop
		w(uint16(1)) // input ifindex
		w(uint16(2)) // output ifindex
		w(r.pkts)
		w(r.octets)
		w(r.first)
		w(r.last)
		w(r.srcPort)
		w(r.dstPort)
		w(uint8(0)) // pad
		w(r.flags)
		w(r.proto)
		w(r.tos)
		w(uint16(0)) // src as
		w(uint16(0)) // dst as
		w(uint8(24)) // src mask
		w(uint8(24)) // dst mask
		w(uint16(0)) // pad
	}
	return buf.Bytes()
}

type v9field struct{ typ, length uint16 }

// testTemplateFields lays out a record as src/dst address, ports, protocol,
// byte and packet counters, switch timestamps, TCP flags, and ToS.
var testTemplateFields = []v9field{
	{8, 4}, {12, 4}, {7, 2}, {11, 2}, {4, 1},
	{1, 4}, {2, 4}, {22, 4}, {21, 4}, {6, 1}, {5, 1},
}

func v9Header(flowSets uint16, uptimeMS, unixSecs uint32) *bytes.Buffer {
	buf := new(bytes.Buffer)
	w := func(v any) { _ = binary.Write(buf, binary.BigEndian, v) }
	w(uint16(9))
	w(flowSets)
	w(uptimeMS)
	w(unixSecs)
	w(uint32(7)) // sequence
	w(uint32(0)) // source id
	return buf
}

func appendTemplateFlowSet(buf *bytes.Buffer, templateID uint16, fields []v9field) {
	w := func(v any) { _ = binary.Write(buf, binary.BigEndian, v) }
	w(uint16(0))
	w(uint16(4 + 4 + 4*len(fields)))
	w(templateID)
	w(uint16(len(fields)))
	for _, f := range fields {
		w(f.typ)
		w(f.length)
	}
}

func appendDataFlowSet(buf *bytes.Buffer, templateID uint16, values []byte) {
	w := func(v any) { _ = binary.Write(buf, binary.BigEndian, v) }
	pad := (4 - (4+len(values))%4) % 4
	w(templateID)
	w(uint16(4 + len(values) + pad))
	buf.Write(values)
	buf.Write(make([]byte, pad))
}

func v9Values(src, dst string, srcPort, dstPort uint16, proto uint8, octets, pkts, firstMS, lastMS uint32, flags, tos uint8) []byte {
	buf := new(bytes.Buffer)
	w := func(v any) { _ = binary.Write(buf, binary.BigEndian, v) }
	w(ip4(src))
	w(ip4(dst))
	w(srcPort)
	w(dstPort)
	w(proto)
	w(octets)
	w(pkts)
	w(firstMS)
	w(lastMS)
	w(flags)
	w(tos)
	return buf.Bytes()
}

func flowOf(t *testing.T, rec model.TelemetryRecord) *model.FlowPayload {
	t.Helper()
	p, ok := rec.Data.(*model.FlowPayload)
	require.True(t, ok, "record carries %T", rec.Data)
	return p
}

func TestNetFlow_V5AggregatesWindow(t *testing.T) {
	t.Parallel()

	s, sink := newTestServer(t, nil)
	exportedAt := uint32(testStart.Unix())

	// Two records of the same five-tuple plus one unrelated flow. The
	// exporter has been up for 60s; the flow ran from T-10s to T-5s.
	pkt := buildV5(60_000, exportedAt,
		v5rec{src: "10.0.30.7", dst: "10.0.10.5", srcPort: 49152, dstPort: 502, proto: 6,
			pkts: 10, octets: 1000, first: 50_000, last: 52_000, flags: 0x02},
		v5rec{src: "10.0.30.7", dst: "10.0.10.5", srcPort: 49152, dstPort: 502, proto: 6,
			pkts: 5, octets: 500, first: 53_000, last: 55_000, flags: 0x10},
		v5rec{src: "10.0.40.9", dst: "10.0.40.10", srcPort: 40000, dstPort: 8080, proto: 17,
			pkts: 1, octets: 64, first: 54_000, last: 54_000},
	)
	s.handlePacket(packet{data: pkt, addr: exporterAddr("192.0.2.10")})
	s.flush(context.Background())

	batch := sink.recv(t)
	require.Len(t, batch, 2)

	modbus := flowOf(t, batch[0])
	require.Equal(t, "10.0.30.7", modbus.SrcIP)
	require.Equal(t, "10.0.10.5", modbus.DstIP)
	require.Equal(t, 49152, modbus.SrcPort)
	require.Equal(t, 502, modbus.DstPort)
	require.Equal(t, 6, modbus.Protocol)
	require.Equal(t, uint64(1500), modbus.Bytes)
	require.Equal(t, uint64(15), modbus.Packets)
	require.Equal(t, testStart.Add(-10*time.Second), modbus.First)
	require.Equal(t, testStart.Add(-5*time.Second), modbus.Last)
	require.Equal(t, uint8(0x12), modbus.TCPFlags)
	require.True(t, modbus.Industrial)
	require.Equal(t, "Modbus", modbus.IndustrialProtocol)
	require.Equal(t, "192.0.2.10", modbus.Exporter)
	require.Equal(t, "192.0.2.10", batch[0].Metadata["exporter"])

	plain := flowOf(t, batch[1])
	require.False(t, plain.Industrial)
	require.Empty(t, plain.IndustrialProtocol)
	require.Equal(t, uint64(64), plain.Bytes)

	require.Zero(t, s.Health().ConsecutiveFailures)
	require.Equal(t, testStart, s.Health().LastSuccessAt)
}

func TestNetFlow_V5DropsZeroPortFlows(t *testing.T) {
	t.Parallel()

	s, sink := newTestServer(t, nil)
	pkt := buildV5(1000, uint32(testStart.Unix()),
		v5rec{src: "10.0.30.7", dst: "10.0.10.5", srcPort: 49152, dstPort: 0, proto: 6,
			pkts: 1, octets: 40, first: 100, last: 200},
		v5rec{src: "10.0.30.7", dst: "10.0.10.6", srcPort: 49152, dstPort: 102, proto: 6,
			pkts: 2, octets: 80, first: 100, last: 200},
	)
	s.handlePacket(packet{data: pkt, addr: exporterAddr("192.0.2.10")})
	s.flush(context.Background())

	batch := sink.recv(t)
	require.Len(t, batch, 1)
	kept := flowOf(t, batch[0])
	require.Equal(t, 102, kept.DstPort)
	require.Equal(t, "S7comm", kept.IndustrialProtocol)
}

func TestNetFlow_V9TemplateAndDataInOnePacket(t *testing.T) {
	t.Parallel()

	s, sink := newTestServer(t, nil)
	exportedAt := uint32(testStart.Unix())

	buf := v9Header(2, 60_000, exportedAt)
	appendTemplateFlowSet(buf, 256, testTemplateFields)
	appendDataFlowSet(buf, 256, v9Values(
		"10.0.30.7", "10.0.10.8", 49153, 44818, 6, 4096, 32, 50_000, 55_000, 0x18, 0))

	s.handlePacket(packet{data: buf.Bytes(), addr: exporterAddr("192.0.2.20")})

	require.Zero(t, s.pendingCount)
	require.Contains(t, s.templatesSeen, "192.0.2.20/256")

	s.flush(context.Background())
	batch := sink.recv(t)
	require.Len(t, batch, 1)

	flow := flowOf(t, batch[0])
	require.Equal(t, "10.0.30.7", flow.SrcIP)
	require.Equal(t, "10.0.10.8", flow.DstIP)
	require.Equal(t, 44818, flow.DstPort)
	require.Equal(t, uint64(4096), flow.Bytes)
	require.Equal(t, uint64(32), flow.Packets)
	require.Equal(t, testStart.Add(-10*time.Second), flow.First)
	require.Equal(t, testStart.Add(-5*time.Second), flow.Last)
	require.Equal(t, uint8(0x18), flow.TCPFlags)
	require.True(t, flow.Industrial)
	require.Equal(t, "EtherNet/IP", flow.IndustrialProtocol)
}

func TestNetFlow_V9DataBeforeTemplateIsBuffered(t *testing.T) {
	t.Parallel()

	s, sink := newTestServer(t, nil)
	exportedAt := uint32(testStart.Unix())
	exp := exporterAddr("192.0.2.21")

	data := v9Header(1, 60_000, exportedAt)
	appendDataFlowSet(data, 256, v9Values(
		"10.0.30.7", "10.0.20.4", 50000, 20000, 6, 512, 4, 50_000, 51_000, 0x02, 0))
	s.handlePacket(packet{data: data.Bytes(), addr: exp})

	require.Equal(t, 1, s.pendingCount)
	s.flush(context.Background())
	require.Empty(t, sink.ch)

	tmpl := v9Header(1, 61_000, exportedAt+1)
	appendTemplateFlowSet(tmpl, 256, testTemplateFields)
	s.handlePacket(packet{data: tmpl.Bytes(), addr: exp})

	require.Zero(t, s.pendingCount)
	s.flush(context.Background())
	batch := sink.recv(t)
	require.Len(t, batch, 1)
	flow := flowOf(t, batch[0])
	require.Equal(t, 20000, flow.DstPort)
	require.Equal(t, "DNP3", flow.IndustrialProtocol)
	require.Equal(t, uint64(512), flow.Bytes)
}

func TestNetFlow_PendingExpiresAfterTTL(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClockAt(testStart)
	s, sink := newTestServer(t, func(cfg *Config) {
		cfg.Clock = clock
		cfg.PendingTTL = time.Minute
	})

	data := v9Header(1, 1000, uint32(testStart.Unix()))
	appendDataFlowSet(data, 300, v9Values(
		"10.0.30.7", "10.0.20.4", 50000, 502, 6, 512, 4, 100, 200, 0, 0))
	s.handlePacket(packet{data: data.Bytes(), addr: exporterAddr("192.0.2.22")})
	require.Equal(t, 1, s.pendingCount)

	clock.Advance(2 * time.Minute)
	s.sweepPending()
	require.Zero(t, s.pendingCount)

	// Late template finds nothing to replay.
	tmpl := v9Header(1, 2000, uint32(testStart.Unix())+120)
	appendTemplateFlowSet(tmpl, 300, testTemplateFields)
	s.handlePacket(packet{data: tmpl.Bytes(), addr: exporterAddr("192.0.2.22")})
	s.flush(context.Background())
	require.Empty(t, sink.ch)
}

func TestNetFlow_PendingBufferIsBounded(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t, func(cfg *Config) { cfg.PendingLimit = 2 })
	exp := exporterAddr("192.0.2.23")
	for i := 0; i < 5; i++ {
		data := v9Header(1, 1000, uint32(testStart.Unix()))
		appendDataFlowSet(data, 300, v9Values(
			"10.0.30.7", "10.0.20.4", uint16(50000+i), 502, 6, 512, 4, 100, 200, 0, 0))
		s.handlePacket(packet{data: data.Bytes(), addr: exp})
	}
	require.Equal(t, 2, s.pendingCount)
}

func TestNetFlow_UnsupportedVersionIsCounted(t *testing.T) {
	t.Parallel()

	s, sink := newTestServer(t, nil)
	buf := new(bytes.Buffer)
	_ = binary.Write(buf, binary.BigEndian, uint16(7))
	buf.Write(make([]byte, 22))

	s.handlePacket(packet{data: buf.Bytes(), addr: exporterAddr("192.0.2.24")})
	require.Equal(t, 1, s.Health().ConsecutiveFailures)
	require.Contains(t, s.Health().LastError, "version not accepted")

	s.flush(context.Background())
	require.Empty(t, sink.ch)
}

func TestNetFlow_VersionRestrictionRejectsV5(t *testing.T) {
	t.Parallel()

	s, sink := newTestServer(t, func(cfg *Config) { cfg.Version = "9" })
	pkt := buildV5(60_000, uint32(testStart.Unix()), v5rec{
		src: "10.0.30.7", dst: "10.0.10.5", srcPort: 49152, dstPort: 502, proto: 6,
		pkts: 10, octets: 1000, first: 50_000, last: 55_000,
	})

	s.handlePacket(packet{data: pkt, addr: exporterAddr("192.0.2.25")})
	require.Equal(t, 1, s.Health().ConsecutiveFailures)
	require.Contains(t, s.Health().LastError, "version not accepted")

	s.flush(context.Background())
	require.Empty(t, sink.ch)
}

func TestNetFlow_RunIngestsOverUDP(t *testing.T) {
	t.Parallel()

	s, sink := newTestServer(t, func(cfg *Config) {
		cfg.Clock = clockwork.NewRealClock()
		cfg.AggregationWindow = 50 * time.Millisecond
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	conn, err := net.DialUDP("udp", nil, s.cfg.Listener.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)
	defer conn.Close()

	now := uint32(time.Now().Unix())
	pkt := buildV5(60_000, now, v5rec{
		src: "10.0.30.7", dst: "10.0.10.5", srcPort: 49152, dstPort: 502, proto: 6,
		pkts: 10, octets: 1000, first: 50_000, last: 55_000,
	})
	_, err = conn.Write(pkt)
	require.NoError(t, err)

	batch := sink.recv(t)
	require.Len(t, batch, 1)
	require.Equal(t, "Modbus", flowOf(t, batch[0]).IndustrialProtocol)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestNetFlow_ShutdownFlushesOpenWindow(t *testing.T) {
	t.Parallel()

	s, sink := newTestServer(t, func(cfg *Config) {
		cfg.Clock = clockwork.NewRealClock()
		cfg.AggregationWindow = time.Hour
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	conn, err := net.DialUDP("udp", nil, s.cfg.Listener.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)
	defer conn.Close()

	pkt := buildV5(60_000, uint32(time.Now().Unix()), v5rec{
		src: "10.0.30.7", dst: "10.0.10.5", srcPort: 49152, dstPort: 4840, proto: 6,
		pkts: 2, octets: 256, first: 50_000, last: 55_000,
	})
	_, err = conn.Write(pkt)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return !s.Health().LastSuccessAt.IsZero()
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}

	batch := sink.recv(t)
	require.Len(t, batch, 1)
	require.Equal(t, "OPC-UA", flowOf(t, batch[0]).IndustrialProtocol)
}

func TestNetFlow_ConfigRejects(t *testing.T) {
	t.Parallel()

	ln, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	base := func() Config {
		return Config{
			Logger:   slog.New(slog.NewTextHandler(os.Stderr, nil)),
			Listener: ln,
			Sink:     newChanSink(),
		}
	}

	for name, mutate := range map[string]func(*Config){
		"missing logger":   func(c *Config) { c.Logger = nil },
		"missing listener": func(c *Config) { c.Listener = nil },
		"missing sink":     func(c *Config) { c.Sink = nil },
		"bad version":      func(c *Config) { c.Version = "v5" },
	} {
		t.Run(name, func(t *testing.T) {
			cfg := base()
			mutate(&cfg)
			_, err := New(cfg)
			require.Error(t, err)
			require.True(t, faults.Is(err, faults.KindConfig))
		})
	}
}
