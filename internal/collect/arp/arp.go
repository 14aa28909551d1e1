// Package arp reads the local kernel neighbor cache and bridge forwarding
// database over netlink. It is strictly passive: configured discovery CIDRs
// only scope which already-observed addresses are kept, nothing is probed.
package arp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"

	"github.com/jonboulle/clockwork"
	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"github.com/fieldlight/otgraph/internal/faults"
	"github.com/fieldlight/otgraph/internal/model"
)

// Netlinker is the slice of the netlink API the collector touches; tests
// substitute a fake.
type Netlinker interface {
	Neighbors(family int) ([]netlink.Neigh, error)
	BridgeFDB() ([]netlink.Neigh, error)
	Links() ([]netlink.Link, error)
}

type Config struct {
	Logger *slog.Logger
	Clock  clockwork.Clock

	// DiscoverCIDRs, when set, restricts kept neighbor entries to these
	// subnets.
	DiscoverCIDRs []string

	// Netlink overrides the kernel interface in tests.
	Netlink Netlinker

	cidrs []*net.IPNet
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Netlink == nil {
		c.Netlink = kernelNetlink{}
	}
	for _, raw := range c.DiscoverCIDRs {
		_, ipnet, err := net.ParseCIDR(raw)
		if err != nil {
			return fmt.Errorf("bad discovery cidr %q: %w", raw, err)
		}
		c.cidrs = append(c.cidrs, ipnet)
	}
	return nil
}

type Collector struct {
	cfg  Config
	log  *slog.Logger
	host string
}

func New(cfg Config) (*Collector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, faults.Config("arp.new", "invalid config", err)
	}
	host, _ := os.Hostname()
	return &Collector{cfg: cfg, log: cfg.Logger.With("collector", "arp"), host: host}, nil
}

func (c *Collector) Name() string                  { return "arp" }
func (c *Collector) Source() model.TelemetrySource { return model.SourceARP }
func (c *Collector) TargetCount() int              { return 1 }

// Collect snapshots the IPv4 neighbor cache and the bridge FDB. Either table
// alone is enough for a successful poll.
func (c *Collector) Collect(ctx context.Context) ([]model.TelemetryRecord, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	links, err := c.linkNames()
	if err != nil {
		return nil, faults.Collector("arp.links", "listing links", err)
	}

	neighbors, neighErr := c.cfg.Netlink.Neighbors(netlink.FAMILY_V4)
	fdb, fdbErr := c.cfg.Netlink.BridgeFDB()
	if neighErr != nil && fdbErr != nil {
		return nil, faults.Collector("arp.collect", "neighbor cache unavailable", errors.Join(neighErr, fdbErr))
	}
	if neighErr != nil {
		c.log.Warn("neighbor list failed", "error", neighErr)
	}
	if fdbErr != nil {
		c.log.Warn("bridge fdb list failed", "error", fdbErr)
	}

	now := c.cfg.Clock.Now()
	var records []model.TelemetryRecord

	entries, skipped := c.arpEntries(neighbors, links)
	if len(entries) > 0 {
		rec, err := model.NewTelemetryRecord(now, &model.ARPPayload{Host: c.host, Entries: entries})
		if err != nil {
			return nil, faults.Validation("arp.record", "payload rejected", err)
		}
		if skipped > 0 {
			rec.SetMeta("outside_discovery_cidrs", strconv.Itoa(skipped))
		}
		records = append(records, rec)
	}

	if fdbEntries := c.fdbEntries(fdb, links); len(fdbEntries) > 0 {
		rec, err := model.NewTelemetryRecord(now, &model.MACTablePayload{Host: c.host, Entries: fdbEntries})
		if err != nil {
			return nil, faults.Validation("arp.record", "fdb payload rejected", err)
		}
		records = append(records, rec)
	}
	return records, nil
}

func (c *Collector) arpEntries(neighbors []netlink.Neigh, links map[int]string) ([]model.ARPEntry, int) {
	var entries []model.ARPEntry
	skipped := 0
	for _, n := range neighbors {
		if n.State&validNeighStates == 0 || len(n.HardwareAddr) == 0 || n.IP == nil {
			continue
		}
		ip := n.IP.To4()
		if ip == nil {
			continue
		}
		if !c.inScope(ip) {
			skipped++
			continue
		}
		mac, err := model.CanonicalMAC(n.HardwareAddr.String())
		if err != nil {
			continue
		}
		kind := "dynamic"
		if n.State&netlink.NUD_PERMANENT != 0 {
			kind = "static"
		}
		entries = append(entries, model.ARPEntry{
			IP:        ip.String(),
			MAC:       mac,
			Interface: links[n.LinkIndex],
			VLAN:      n.Vlan,
			Kind:      kind,
		})
	}
	return entries, skipped
}

func (c *Collector) fdbEntries(fdb []netlink.Neigh, links map[int]string) []model.FDBEntry {
	var entries []model.FDBEntry
	for _, n := range fdb {
		if len(n.HardwareAddr) == 0 {
			continue
		}
		mac, err := model.CanonicalMAC(n.HardwareAddr.String())
		if err != nil {
			continue
		}
		entries = append(entries, model.FDBEntry{
			MAC:       mac,
			Interface: links[n.LinkIndex],
			VLAN:      n.Vlan,
		})
	}
	return entries
}

func (c *Collector) linkNames() (map[int]string, error) {
	links, err := c.cfg.Netlink.Links()
	if err != nil {
		return nil, err
	}
	names := make(map[int]string, len(links))
	for _, link := range links {
		attrs := link.Attrs()
		if attrs == nil {
			continue
		}
		names[attrs.Index] = attrs.Name
	}
	return names, nil
}

func (c *Collector) inScope(ip net.IP) bool {
	if len(c.cfg.cidrs) == 0 {
		return true
	}
	for _, cidr := range c.cfg.cidrs {
		if cidr.Contains(ip) {
			return true
		}
	}
	return false
}

// validNeighStates are the kernel states that carry a trustworthy MAC.
// Incomplete and failed entries never do; noarp entries are local pseudo
// devices.
const validNeighStates = netlink.NUD_REACHABLE | netlink.NUD_STALE |
	netlink.NUD_DELAY | netlink.NUD_PROBE | netlink.NUD_PERMANENT

type kernelNetlink struct{}

func (kernelNetlink) Neighbors(family int) ([]netlink.Neigh, error) {
	return netlink.NeighList(0, family)
}

func (kernelNetlink) BridgeFDB() ([]netlink.Neigh, error) {
	return netlink.NeighList(0, unix.AF_BRIDGE)
}

func (kernelNetlink) Links() ([]netlink.Link, error) {
	return netlink.LinkList()
}
