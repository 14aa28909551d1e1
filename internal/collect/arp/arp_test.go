package arp

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"os"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"github.com/vishvananda/netlink"

	"github.com/fieldlight/otgraph/internal/faults"
	"github.com/fieldlight/otgraph/internal/model"
)

func TestARP_CollectNeighborsAndFDB(t *testing.T) {
	t.Parallel()

	nl := &fakeNetlink{
		neighbors: []netlink.Neigh{
			neigh("10.0.10.20", "00:1c:06:11:22:33", 2, netlink.NUD_REACHABLE),
			neigh("10.0.10.21", "28:63:36:aa:bb:cc", 2, netlink.NUD_PERMANENT),
			neigh("10.0.10.22", "", 2, netlink.NUD_INCOMPLETE), // no MAC yet
			neigh("10.0.10.23", "52:54:00:00:00:01", 2, netlink.NUD_FAILED),
		},
		fdb: []netlink.Neigh{
			fdbNeigh("00:1c:06:44:55:66", 3, 20),
		},
		links: []netlink.Link{
			&netlink.Device{LinkAttrs: netlink.LinkAttrs{Index: 2, Name: "eth0"}},
			&netlink.Device{LinkAttrs: netlink.LinkAttrs{Index: 3, Name: "br0"}},
		},
	}
	c := newTestARP(t, nl, nil)

	records, err := c.Collect(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 2)

	arpPayload := records[0].Data.(*model.ARPPayload)
	require.Len(t, arpPayload.Entries, 2)
	require.Equal(t, "10.0.10.20", arpPayload.Entries[0].IP)
	require.Equal(t, "00:1c:06:11:22:33", arpPayload.Entries[0].MAC)
	require.Equal(t, "eth0", arpPayload.Entries[0].Interface)
	require.Equal(t, "dynamic", arpPayload.Entries[0].Kind)
	require.Equal(t, "static", arpPayload.Entries[1].Kind)

	fdbPayload := records[1].Data.(*model.MACTablePayload)
	require.Len(t, fdbPayload.Entries, 1)
	require.Equal(t, "00:1c:06:44:55:66", fdbPayload.Entries[0].MAC)
	require.Equal(t, "br0", fdbPayload.Entries[0].Interface)
	require.Equal(t, 20, fdbPayload.Entries[0].VLAN)
}

func TestARP_DiscoveryCIDRsScopeEntries(t *testing.T) {
	t.Parallel()

	nl := &fakeNetlink{
		neighbors: []netlink.Neigh{
			neigh("10.0.10.20", "00:1c:06:11:22:33", 2, netlink.NUD_REACHABLE),
			neigh("192.168.50.9", "00:1c:06:77:88:99", 2, netlink.NUD_REACHABLE),
		},
		links: []netlink.Link{
			&netlink.Device{LinkAttrs: netlink.LinkAttrs{Index: 2, Name: "eth0"}},
		},
	}
	c := newTestARP(t, nl, []string{"10.0.10.0/24"})

	records, err := c.Collect(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 1)

	payload := records[0].Data.(*model.ARPPayload)
	require.Len(t, payload.Entries, 1)
	require.Equal(t, "10.0.10.20", payload.Entries[0].IP)
	require.Equal(t, "1", records[0].Metadata["outside_discovery_cidrs"])
}

func TestARP_BothTablesFailing(t *testing.T) {
	t.Parallel()

	nl := &fakeNetlink{
		neighErr: errors.New("netlink: permission denied"),
		fdbErr:   errors.New("netlink: permission denied"),
	}
	c := newTestARP(t, nl, nil)

	_, err := c.Collect(context.Background())
	require.Error(t, err)
	require.True(t, faults.Is(err, faults.KindCollector))
}

func TestARP_OneTableFailingIsTolerated(t *testing.T) {
	t.Parallel()

	nl := &fakeNetlink{
		neighbors: []netlink.Neigh{
			neigh("10.0.10.20", "00:1c:06:11:22:33", 2, netlink.NUD_STALE),
		},
		fdbErr: errors.New("no bridge"),
	}
	c := newTestARP(t, nl, nil)

	records, err := c.Collect(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, model.SourceARP, records[0].Source)
}

func TestARP_ConfigRejectsBadCIDR(t *testing.T) {
	t.Parallel()

	_, err := New(Config{
		Logger:        slog.New(slog.NewTextHandler(os.Stderr, nil)),
		DiscoverCIDRs: []string{"10.0.10.0/33"},
		Netlink:       &fakeNetlink{},
	})
	require.Error(t, err)
	require.True(t, faults.Is(err, faults.KindConfig))
}

func newTestARP(t *testing.T, nl Netlinker, cidrs []string) *Collector {
	t.Helper()
	c, err := New(Config{
		Logger:        slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})),
		Clock:         clockwork.NewFakeClockAt(time.Date(2024, 3, 15, 10, 30, 0, 0, time.UTC)),
		DiscoverCIDRs: cidrs,
		Netlink:       nl,
	})
	require.NoError(t, err)
	return c
}

func neigh(ip, mac string, linkIndex int, state int) netlink.Neigh {
	n := netlink.Neigh{
		LinkIndex: linkIndex,
		Family:    netlink.FAMILY_V4,
		State:     state,
		IP:        net.ParseIP(ip),
	}
	if mac != "" {
		hw, _ := net.ParseMAC(mac)
		n.HardwareAddr = hw
	}
	return n
}

func fdbNeigh(mac string, linkIndex, vlan int) netlink.Neigh {
	hw, _ := net.ParseMAC(mac)
	return netlink.Neigh{
		LinkIndex:    linkIndex,
		State:        netlink.NUD_PERMANENT,
		HardwareAddr: hw,
		Vlan:         vlan,
	}
}

type fakeNetlink struct {
	neighbors []netlink.Neigh
	fdb       []netlink.Neigh
	links     []netlink.Link
	neighErr  error
	fdbErr    error
	linksErr  error
}

func (f *fakeNetlink) Neighbors(int) ([]netlink.Neigh, error) {
	return f.neighbors, f.neighErr
}

func (f *fakeNetlink) BridgeFDB() ([]netlink.Neigh, error) {
	return f.fdb, f.fdbErr
}

func (f *fakeNetlink) Links() ([]netlink.Link, error) {
	return f.links, f.linksErr
}
