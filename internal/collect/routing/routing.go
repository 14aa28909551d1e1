// Package routing snapshots the kernel IPv4 routing table over netlink.
// Default routes and static routes reveal gateways and layer boundaries the
// neighbor tables cannot.
package routing

import (
	"context"
	"errors"
	"log/slog"
	"os"

	"github.com/jonboulle/clockwork"
	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"github.com/fieldlight/otgraph/internal/faults"
	"github.com/fieldlight/otgraph/internal/model"
)

// Netlinker is the slice of the netlink API the collector touches.
type Netlinker interface {
	Routes(family int) ([]netlink.Route, error)
	Links() ([]netlink.Link, error)
}

type Config struct {
	Logger *slog.Logger
	Clock  clockwork.Clock

	// Netlink overrides the kernel interface in tests.
	Netlink Netlinker
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
	return nil
}

type Collector struct {
	cfg  Config
	log  *slog.Logger
	host string
}

func New(cfg Config) (*Collector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, faults.Config("routing.new", "invalid config", err)
	}
	host, _ := os.Hostname()
	return &Collector{cfg: cfg, log: cfg.Logger.With("collector", "routing"), host: host}, nil
}

func (c *Collector) Name() string                  { return "routing" }
func (c *Collector) Source() model.TelemetrySource { return model.SourceRouting }
func (c *Collector) TargetCount() int              { return 1 }

func (c *Collector) Collect(ctx context.Context) ([]model.TelemetryRecord, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	routes, err := c.cfg.Netlink.Routes(netlink.FAMILY_V4)
	if err != nil {
		return nil, faults.Collector("routing.collect", "route list failed", err)
	}
	links, err := c.linkNames()
	if err != nil {
		return nil, faults.Collector("routing.links", "listing links", err)
	}

	entries := make([]model.RouteEntry, 0, len(routes))
	for _, r := range routes {
		entry := model.RouteEntry{
			Interface: links[r.LinkIndex],
			Metric:    r.Priority,
			Proto:     protoName(r.Protocol),
		}
		if r.Dst != nil {
			if r.Dst.IP.To4() == nil {
				continue
			}
			entry.Destination = r.Dst.String()
		} else {
			// Nil destination is the default route.
			entry.Destination = "0.0.0.0/0"
		}
		if gw := r.Gw.To4(); gw != nil {
			entry.Gateway = gw.String()
		}
		entries = append(entries, entry)
	}
	if len(entries) == 0 {
		return nil, nil
	}

	rec, err := model.NewTelemetryRecord(c.cfg.Clock.Now(), &model.RoutingPayload{Host: c.host, Routes: entries})
	if err != nil {
		return nil, faults.Validation("routing.record", "payload rejected", err)
	}
	return []model.TelemetryRecord{rec}, nil
}

func (c *Collector) linkNames() (map[int]string, error) {
	links, err := c.cfg.Netlink.Links()
	if err != nil {
		return nil, err
	}
	names := make(map[int]string, len(links))
	for _, link := range links {
		if attrs := link.Attrs(); attrs != nil {
			names[attrs.Index] = attrs.Name
		}
	}
	return names, nil
}

func protoName(proto netlink.RouteProtocol) string {
	switch int(proto) {
	case unix.RTPROT_KERNEL:
		return "kernel"
	case unix.RTPROT_BOOT:
		return "boot"
	case unix.RTPROT_STATIC:
		return "static"
	case unix.RTPROT_DHCP:
		return "dhcp"
	case unix.RTPROT_RA:
		return "ra"
	default:
		return ""
	}
}

type kernelNetlink struct{}

func (kernelNetlink) Routes(family int) ([]netlink.Route, error) {
	return netlink.RouteList(nil, family)
}

func (kernelNetlink) Links() ([]netlink.Link, error) {
	return netlink.LinkList()
}
