package model_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fieldlight/otgraph/internal/model"
)

func TestModel_ZoneForLevel_FixedMapping(t *testing.T) {
	t.Parallel()

	tests := []struct {
		level model.PurdueLevel
		zone  model.SecurityZone
	}{
		{model.PurdueLevel0, model.ZoneProcess},
		{model.PurdueLevel1, model.ZoneControl},
		{model.PurdueLevel2, model.ZoneSupervisory},
		{model.PurdueLevel3, model.ZoneOperations},
		{model.PurdueLevel4, model.ZoneEnterprise},
		{model.PurdueLevel5, model.ZoneEnterprise},
		{model.PurdueLevelDMZ, model.ZoneDMZ},
	}
	for _, tt := range tests {
		require.Equal(t, tt.zone, model.ZoneForLevel(tt.level), "level %s", tt.level)
	}
}

func TestModel_SecurityZone_TrustOrdering(t *testing.T) {
	t.Parallel()

	require.Equal(t, 0, model.ZoneUntrusted.TrustLevel())
	require.Equal(t, 1, model.ZoneProcess.TrustLevel())
	require.Equal(t, 2, model.ZoneControl.TrustLevel())
	require.Equal(t, 3, model.ZoneSupervisory.TrustLevel())
	require.Equal(t, 4, model.ZoneOperations.TrustLevel())
	require.Equal(t, 5, model.ZoneDMZ.TrustLevel())
	require.Equal(t, 6, model.ZoneEnterprise.TrustLevel())
}

func TestModel_PurdueLevel_JSON(t *testing.T) {
	t.Parallel()

	b, err := model.PurdueLevel1.MarshalJSON()
	require.NoError(t, err)
	require.Equal(t, "1", string(b))

	b, err = model.PurdueLevelDMZ.MarshalJSON()
	require.NoError(t, err)
	require.Equal(t, `"dmz"`, string(b))

	var l model.PurdueLevel
	require.NoError(t, l.UnmarshalJSON([]byte(`"dmz"`)))
	require.Equal(t, model.PurdueLevelDMZ, l)
	require.NoError(t, l.UnmarshalJSON([]byte(`3`)))
	require.Equal(t, model.PurdueLevel3, l)
	require.Error(t, l.UnmarshalJSON([]byte(`7`)))
	require.Error(t, l.UnmarshalJSON([]byte(`"basement"`)))
}

func TestModel_Device_TouchNeverRegresses(t *testing.T) {
	t.Parallel()

	t0 := time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC)
	d := model.NewDevice(t0, "plc-line1")
	require.Equal(t, d.DiscoveredAt, d.LastSeenAt)

	d.Touch(t0.Add(10 * time.Second))
	require.Equal(t, t0.Add(10*time.Second), d.LastSeenAt)

	d.Touch(t0.Add(-time.Hour))
	require.Equal(t, t0.Add(10*time.Second), d.LastSeenAt)
	require.False(t, d.LastSeenAt.Before(d.DiscoveredAt))
}

func TestModel_Device_UpsertInterface(t *testing.T) {
	t.Parallel()

	d := model.NewDevice(time.Now(), "sw-01")

	changed := d.UpsertInterface(model.NetworkInterface{Name: "ge-0/0/1", MAC: "28:63:36:aa:bb:cc", AdminUp: true, OperUp: true})
	require.True(t, changed)
	require.Len(t, d.Interfaces, 1)

	// Same MAC fills empty fields, does not duplicate.
	changed = d.UpsertInterface(model.NetworkInterface{MAC: "28:63:36:aa:bb:cc", IP: "10.0.1.50", AdminUp: true, OperUp: true})
	require.True(t, changed)
	require.Len(t, d.Interfaces, 1)
	require.Equal(t, "10.0.1.50", d.Interfaces[0].IP)
	require.Equal(t, "ge-0/0/1", d.Interfaces[0].Name)

	// Identical upsert is a no-op.
	changed = d.UpsertInterface(model.NetworkInterface{MAC: "28:63:36:aa:bb:cc", IP: "10.0.1.50", AdminUp: true, OperUp: true})
	require.False(t, changed)

	changed = d.UpsertInterface(model.NetworkInterface{Name: "ge-0/0/2", MAC: "28:63:36:aa:bb:cd"})
	require.True(t, changed)
	require.Len(t, d.Interfaces, 2)
}

func TestModel_Device_ValidateRejectsNonCanonicalMAC(t *testing.T) {
	t.Parallel()

	d := model.NewDevice(time.Now(), "plc-1")
	d.Interfaces = []model.NetworkInterface{{Name: "eth0", MAC: "28:63:36:AA:BB:CC"}}
	require.Error(t, d.Validate())

	d.Interfaces[0].MAC = "28:63:36:aa:bb:cc"
	require.NoError(t, d.Validate())
}

func TestModel_Connection_Validate(t *testing.T) {
	t.Parallel()

	ts := time.Now()
	c := model.NewConnection(ts, "dev-a", "dev-b", model.ConnectionEthernet)
	c.Port = 502
	require.NoError(t, c.Validate())

	self := model.NewConnection(ts, "dev-a", "dev-a", model.ConnectionEthernet)
	require.Error(t, self.Validate())

	c.Port = 65536
	require.Error(t, c.Validate())
}

func TestModel_Snapshot_ReferentialConsistency(t *testing.T) {
	t.Parallel()

	ts := time.Now()
	a := model.NewDevice(ts, "a")
	b := model.NewDevice(ts, "b")
	conn := model.NewConnection(ts, a.ID, b.ID, model.ConnectionEthernet)

	snap := model.NewTopologySnapshot(ts, []model.Device{a, b}, []model.Connection{conn}, nil)
	require.NoError(t, snap.Validate())
	require.Equal(t, 2, snap.Summary.DeviceCount)
	require.Equal(t, 1, snap.Summary.ConnectionCount)

	orphan := model.NewTopologySnapshot(ts, []model.Device{a}, []model.Connection{conn}, nil)
	require.Error(t, orphan.Validate())
}
