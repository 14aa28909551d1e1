package modbus

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/fieldlight/otgraph/internal/faults"
	"github.com/fieldlight/otgraph/internal/model"
)

func TestModbus_CollectDecodesDeclaredRegisters(t *testing.T) {
	t.Parallel()

	conn := &fakeConn{
		coils:    map[uint16][]byte{5: {0x01}},
		holding:  map[uint16][]byte{0: {0x01, 0x18}, 10: {0x41, 0xc8, 0x00, 0x00}},
		input:    map[uint16][]byte{3: {0xff, 0x38}},
		discrete: map[uint16][]byte{1: {0x00}},
	}
	c := newTestModbus(t, conn, []RegisterSpec{
		{Name: "pump_running", Kind: "coil", Address: 5, Type: "bool"},
		{Name: "door_open", Kind: "discrete_input", Address: 1, Type: "bool"},
		{Name: "speed_rpm", Kind: "holding", Address: 0, Type: "uint16"},
		{Name: "tank_temp", Kind: "holding", Address: 10, Type: "float32", Scale: 0.5, Unit: "degC"},
		{Name: "level_offset", Kind: "input", Address: 3, Type: "int16", Scale: 0.1},
	})

	records, err := c.Collect(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, model.SourceModbus, records[0].Source)

	payload := records[0].Data.(*model.ModbusPayload)
	require.Equal(t, "10.0.20.8:502", payload.Target)
	require.Equal(t, 1, payload.UnitID)
	require.Len(t, payload.Readings, 5)

	byName := map[string]model.RegisterReading{}
	for _, r := range payload.Readings {
		byName[r.Name] = r
	}
	require.Equal(t, 1.0, byName["pump_running"].Value)
	require.Equal(t, 0.0, byName["door_open"].Value)
	require.Equal(t, 280.0, byName["speed_rpm"].Value)
	require.InDelta(t, 12.5, byName["tank_temp"].Value, 0.001) // 25.0 * 0.5
	require.Equal(t, "degC", byName["tank_temp"].Unit)
	require.InDelta(t, -20.0, byName["level_offset"].Value, 0.001) // -200 * 0.1
}

func TestModbus_RegisterFailureSkipsRegisterOnly(t *testing.T) {
	t.Parallel()

	conn := &fakeConn{
		holding:    map[uint16][]byte{0: {0x00, 0x2a}},
		holdingErr: map[uint16]error{7: errors.New("illegal data address")},
	}
	c := newTestModbus(t, conn, []RegisterSpec{
		{Name: "good", Kind: "holding", Address: 0, Type: "uint16"},
		{Name: "bad", Kind: "holding", Address: 7, Type: "uint16"},
	})

	records, err := c.Collect(context.Background())
	require.NoError(t, err)

	payload := records[0].Data.(*model.ModbusPayload)
	require.Len(t, payload.Readings, 1)
	require.Equal(t, "good", payload.Readings[0].Name)
	require.Equal(t, 42.0, payload.Readings[0].Value)
}

func TestModbus_AllRegistersFailingFailsTarget(t *testing.T) {
	t.Parallel()

	conn := &fakeConn{
		holdingErr: map[uint16]error{0: errors.New("timeout")},
	}
	c := newTestModbus(t, conn, []RegisterSpec{
		{Name: "only", Kind: "holding", Address: 0, Type: "uint16"},
	})

	_, err := c.Collect(context.Background())
	require.Error(t, err)
	require.True(t, faults.Is(err, faults.KindCollector))
}

func TestModbus_DialFailure(t *testing.T) {
	t.Parallel()

	c, err := New(Config{
		Logger:    slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})),
		Targets:   []Target{{Host: "10.0.20.8", Port: 502, UnitID: 1}},
		Registers: []RegisterSpec{{Name: "only", Kind: "holding", Address: 0}},
		Dial: func(Target) (Conn, error) {
			return nil, errors.New("connection refused")
		},
	})
	require.NoError(t, err)

	_, err = c.Collect(context.Background())
	require.Error(t, err)
	require.True(t, faults.Is(err, faults.KindCollector))
	require.Contains(t, err.Error(), "connection refused")
}

func TestModbus_ConfigRejects(t *testing.T) {
	t.Parallel()

	base := func() Config {
		return Config{
			Logger:    slog.New(slog.NewTextHandler(os.Stderr, nil)),
			Targets:   []Target{{Host: "10.0.20.8", Port: 502}},
			Registers: []RegisterSpec{{Name: "x", Kind: "holding"}},
		}
	}

	cfg := base()
	cfg.Registers = nil
	_, err := New(cfg)
	require.Error(t, err)

	cfg = base()
	cfg.Registers[0].Kind = "analog"
	_, err = New(cfg)
	require.Error(t, err)

	cfg = base()
	cfg.Registers[0].Type = "float64"
	_, err = New(cfg)
	require.Error(t, err)

	cfg = base()
	cfg.Registers = []RegisterSpec{{Name: "x", Kind: "coil", Type: "uint16"}}
	_, err = New(cfg)
	require.Error(t, err)
}

func newTestModbus(t *testing.T, conn Conn, registers []RegisterSpec) *Collector {
	t.Helper()
	c, err := New(Config{
		Logger:    slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})),
		Clock:     clockwork.NewFakeClockAt(time.Date(2024, 3, 15, 10, 30, 0, 0, time.UTC)),
		Targets:   []Target{{Host: "10.0.20.8", Port: 502, UnitID: 1}},
		Registers: registers,
		Dial:      func(Target) (Conn, error) { return conn, nil },
	})
	require.NoError(t, err)
	return c
}

type fakeConn struct {
	coils       map[uint16][]byte
	discrete    map[uint16][]byte
	holding     map[uint16][]byte
	input       map[uint16][]byte
	coilErr     map[uint16]error
	discreteErr map[uint16]error
	holdingErr  map[uint16]error
	inputErr    map[uint16]error
	closed      bool
}

func (f *fakeConn) ReadCoils(address, _ uint16) ([]byte, error) {
	if err := f.coilErr[address]; err != nil {
		return nil, err
	}
	return f.coils[address], nil
}

func (f *fakeConn) ReadDiscreteInputs(address, _ uint16) ([]byte, error) {
	if err := f.discreteErr[address]; err != nil {
		return nil, err
	}
	return f.discrete[address], nil
}

func (f *fakeConn) ReadHoldingRegisters(address, _ uint16) ([]byte, error) {
	if err := f.holdingErr[address]; err != nil {
		return nil, err
	}
	return f.holding[address], nil
}

func (f *fakeConn) ReadInputRegisters(address, _ uint16) ([]byte, error) {
	if err := f.inputErr[address]; err != nil {
		return nil, err
	}
	return f.input[address], nil
}

func (f *fakeConn) Close() error {
	f.closed = true
	return nil
}
