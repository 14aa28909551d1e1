package netflow

import (
	"bytes"
	"fmt"
	"net"
	"time"

	"github.com/netsampler/goflow2/v2/decoders/netflow"
	"github.com/netsampler/goflow2/v2/decoders/netflowlegacy"
)

// flowKey is the aggregation key. Flows sharing a key within one
// aggregation window collapse into a single record.
type flowKey struct {
	srcIP    string
	dstIP    string
	srcPort  int
	dstPort  int
	protocol int
}

// rawFlow is one decoded flow record before aggregation.
type rawFlow struct {
	key      flowKey
	bytes    uint64
	packets  uint64
	first    time.Time
	last     time.Time
	tcpFlags uint8
	tos      uint8
}

func (f *rawFlow) valid() bool {
	return f.key.srcIP != "" && f.key.dstIP != "" &&
		f.key.srcPort >= 1 && f.key.srcPort <= 65535 &&
		f.key.dstPort >= 1 && f.key.dstPort <= 65535
}

func v5Addr(a netflowlegacy.IPAddress) string {
	ip := make(net.IP, 4)
	ip[0] = byte(a >> 24)
	ip[1] = byte(a >> 16)
	ip[2] = byte(a >> 8)
	ip[3] = byte(a)
	return ip.String()
}

// decodeV5 decodes a NetFlow v5 datagram. Record timestamps arrive as
// milliseconds of exporter uptime and are rebased onto wall time using
// the header's boot instant. Flows with a zero port are discarded.
func decodeV5(data []byte) (flows []rawFlow, dropped int, err error) {
	var pkt netflowlegacy.PacketNetFlowV5
	if err := netflowlegacy.DecodeMessageVersion(bytes.NewBuffer(data), &pkt); err != nil {
		return nil, 0, fmt.Errorf("decode v5: %w", err)
	}

	boot := time.Unix(int64(pkt.UnixSecs), int64(pkt.UnixNSecs)).
		Add(-time.Duration(pkt.SysUptime) * time.Millisecond)

	for _, rec := range pkt.Records {
		f := rawFlow{
			key: flowKey{
				srcIP:    v5Addr(rec.SrcAddr),
				dstIP:    v5Addr(rec.DstAddr),
				srcPort:  int(rec.SrcPort),
				dstPort:  int(rec.DstPort),
				protocol: int(rec.Proto),
			},
			bytes:    uint64(rec.DOctets),
			packets:  uint64(rec.DPkts),
			first:    boot.Add(time.Duration(rec.First) * time.Millisecond).UTC(),
			last:     boot.Add(time.Duration(rec.Last) * time.Millisecond).UTC(),
			tcpFlags: uint8(rec.TCPFlags),
			tos:      uint8(rec.Tos),
		}
		if !f.valid() {
			dropped++
			continue
		}
		flows = append(flows, f)
	}
	return flows, dropped, nil
}

// v9Result carries everything decodeV9 learned from one datagram.
type v9Result struct {
	flows       []rawFlow
	dropped     int
	templateIDs []uint16
}

// decodeV9 decodes a NetFlow v9 datagram against the exporter's template
// system. A missing template surfaces as netflow.ErrorTemplateNotFound
// so the caller can buffer the datagram until the template arrives.
func decodeV9(data []byte, templates netflow.NetFlowTemplateSystem) (v9Result, error) {
	var res v9Result
	var pkt netflow.NFv9Packet
	var ipfix netflow.IPFIXPacket
	if err := netflow.DecodeMessageVersion(bytes.NewBuffer(data), templates, &pkt, &ipfix); err != nil {
		return res, fmt.Errorf("decode v9: %w", err)
	}

	boot := time.Unix(int64(pkt.UnixSeconds), 0).
		Add(-time.Duration(pkt.SystemUptime) * time.Millisecond)
	exported := time.Unix(int64(pkt.UnixSeconds), 0).UTC()

	for _, flowSet := range pkt.FlowSets {
		switch fs := flowSet.(type) {
		case netflow.TemplateFlowSet:
			for _, rec := range fs.Records {
				res.templateIDs = append(res.templateIDs, rec.TemplateId)
			}
		case netflow.NFv9OptionsTemplateFlowSet:
			for _, rec := range fs.Records {
				res.templateIDs = append(res.templateIDs, rec.TemplateId)
			}
		case netflow.DataFlowSet:
			for _, rec := range fs.Records {
				f := decodeV9Record(rec.Values, boot, exported)
				if !f.valid() {
					res.dropped++
					continue
				}
				res.flows = append(res.flows, f)
			}
		}
	}
	return res, nil
}

func decodeV9Record(fields []netflow.DataField, boot, exported time.Time) rawFlow {
	f := rawFlow{first: exported, last: exported}
	for _, df := range fields {
		v, ok := df.Value.([]byte)
		if !ok {
			continue
		}
		switch df.Type {
		case netflow.NFV9_FIELD_IPV4_SRC_ADDR:
			if len(v) == 4 {
				f.key.srcIP = net.IP(v).String()
			}
		case netflow.NFV9_FIELD_IPV4_DST_ADDR:
			if len(v) == 4 {
				f.key.dstIP = net.IP(v).String()
			}
		case netflow.NFV9_FIELD_L4_SRC_PORT:
			f.key.srcPort = int(beUint(v))
		case netflow.NFV9_FIELD_L4_DST_PORT:
			f.key.dstPort = int(beUint(v))
		case netflow.NFV9_FIELD_PROTOCOL:
			f.key.protocol = int(beUint(v))
		case netflow.NFV9_FIELD_IN_BYTES:
			f.bytes = beUint(v)
		case netflow.NFV9_FIELD_IN_PKTS:
			f.packets = beUint(v)
		case netflow.NFV9_FIELD_FIRST_SWITCHED:
			f.first = boot.Add(time.Duration(beUint(v)) * time.Millisecond).UTC()
		case netflow.NFV9_FIELD_LAST_SWITCHED:
			f.last = boot.Add(time.Duration(beUint(v)) * time.Millisecond).UTC()
		case netflow.NFV9_FIELD_TCP_FLAGS:
			f.tcpFlags = uint8(beUint(v))
		case netflow.NFV9_FIELD_SRC_TOS:
			f.tos = uint8(beUint(v))
		}
	}
	return f
}

// beUint reads a big-endian unsigned integer of 1 to 8 bytes.
func beUint(b []byte) uint64 {
	var v uint64
	if len(b) > 8 {
		b = b[:8]
	}
	for _, x := range b {
		v = v<<8 | uint64(x)
	}
	return v
}
