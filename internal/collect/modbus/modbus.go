// Package modbus polls Modbus/TCP targets for a declared register set.
// Register values are decoded big-endian per their declared type, scaled,
// and emitted one payload per target.
package modbus

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	gomodbus "github.com/goburrow/modbus"
	"github.com/jonboulle/clockwork"

	"github.com/fieldlight/otgraph/internal/faults"
	"github.com/fieldlight/otgraph/internal/model"
)

type Target struct {
	Host   string
	Port   uint16
	UnitID uint8
}

func (t Target) String() string { return fmt.Sprintf("%s:%d", t.Host, t.Port) }

// RegisterSpec declares one register group to read from every target.
type RegisterSpec struct {
	Name    string
	Kind    string // coil, discrete_input, holding, input
	Address uint16
	Type    string // uint16, int16, uint32, int32, float32, bool
	Scale   float64
	Unit    string
}

func (r *RegisterSpec) validate() error {
	if r.Name == "" {
		return errors.New("register name is required")
	}
	switch r.Kind {
	case "coil", "discrete_input", "holding", "input":
	default:
		return fmt.Errorf("register %s: unknown kind %q", r.Name, r.Kind)
	}
	switch r.Type {
	case "uint16", "int16", "uint32", "int32", "float32", "bool":
	case "":
		r.Type = "uint16"
	default:
		return fmt.Errorf("register %s: unknown type %q", r.Name, r.Type)
	}
	if (r.Kind == "coil" || r.Kind == "discrete_input") && r.Type != "bool" {
		return fmt.Errorf("register %s: %s reads are bool", r.Name, r.Kind)
	}
	if r.Scale == 0 {
		r.Scale = 1
	}
	return nil
}

// quantity is the number of registers (or bits) one read covers.
func (r RegisterSpec) quantity() uint16 {
	switch r.Type {
	case "uint32", "int32", "float32":
		return 2
	default:
		return 1
	}
}

// Conn is the slice of the Modbus client API the collector uses.
type Conn interface {
	ReadCoils(address, quantity uint16) ([]byte, error)
	ReadDiscreteInputs(address, quantity uint16) ([]byte, error)
	ReadHoldingRegisters(address, quantity uint16) ([]byte, error)
	ReadInputRegisters(address, quantity uint16) ([]byte, error)
	Close() error
}

type Config struct {
	Logger *slog.Logger
	Clock  clockwork.Clock

	Targets   []Target
	Registers []RegisterSpec
	Timeout   time.Duration

	// Dial overrides connection construction in tests.
	Dial func(target Target) (Conn, error)
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if len(c.Targets) == 0 {
		return errors.New("at least one target is required")
	}
	if len(c.Registers) == 0 {
		return errors.New("at least one register is required")
	}
	for i := range c.Registers {
		if err := c.Registers[i].validate(); err != nil {
			return err
		}
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	return nil
}

type Collector struct {
	cfg Config
	log *slog.Logger
}

func New(cfg Config) (*Collector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, faults.Config("modbus.new", "invalid config", err)
	}
	c := &Collector{cfg: cfg, log: cfg.Logger.With("collector", "modbus")}
	if c.cfg.Dial == nil {
		c.cfg.Dial = c.dial
	}
	return c, nil
}

func (c *Collector) Name() string                  { return "modbus" }
func (c *Collector) Source() model.TelemetrySource { return model.SourceModbus }
func (c *Collector) TargetCount() int              { return len(c.cfg.Targets) }

// Collect polls targets sequentially; Modbus devices are commonly serial
// gateways that tolerate one connection at a time. A register read failure
// skips that register only.
func (c *Collector) Collect(ctx context.Context) ([]model.TelemetryRecord, error) {
	var (
		records []model.TelemetryRecord
		errs    []error
	)
	for _, target := range c.cfg.Targets {
		if ctx.Err() != nil {
			break
		}
		rec, err := c.pollTarget(target)
		if err != nil {
			c.log.Warn("target poll failed", "target", target.String(), "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", target.String(), err))
			continue
		}
		records = append(records, rec)
	}
	if len(records) == 0 && len(errs) > 0 {
		return nil, faults.Collector("modbus.collect", "no target answered", errors.Join(errs...))
	}
	return records, nil
}

func (c *Collector) pollTarget(target Target) (model.TelemetryRecord, error) {
	conn, err := c.cfg.Dial(target)
	if err != nil {
		return model.TelemetryRecord{}, faults.Connection("modbus.connect", "target unreachable", err).WithTarget(target.String())
	}
	defer conn.Close()

	readings := make([]model.RegisterReading, 0, len(c.cfg.Registers))
	for _, spec := range c.cfg.Registers {
		value, err := c.readRegister(conn, spec)
		if err != nil {
			c.log.Warn("register read failed",
				"target", target.String(), "register", spec.Name, "address", spec.Address, "error", err)
			continue
		}
		readings = append(readings, model.RegisterReading{
			Name:    spec.Name,
			Kind:    spec.Kind,
			Address: spec.Address,
			Value:   value,
			Unit:    spec.Unit,
		})
	}
	if len(readings) == 0 {
		return model.TelemetryRecord{}, faults.Collector("modbus.read", "every register read failed", nil).WithTarget(target.String())
	}

	rec, err := model.NewTelemetryRecord(c.cfg.Clock.Now(), &model.ModbusPayload{
		Target:   target.String(),
		UnitID:   int(target.UnitID),
		Readings: readings,
	})
	if err != nil {
		return model.TelemetryRecord{}, faults.Validation("modbus.record", "payload rejected", err).WithTarget(target.String())
	}
	rec.SetMeta("target", target.String())
	return rec, nil
}

func (c *Collector) readRegister(conn Conn, spec RegisterSpec) (float64, error) {
	var (
		raw []byte
		err error
	)
	switch spec.Kind {
	case "coil":
		raw, err = conn.ReadCoils(spec.Address, 1)
	case "discrete_input":
		raw, err = conn.ReadDiscreteInputs(spec.Address, 1)
	case "holding":
		raw, err = conn.ReadHoldingRegisters(spec.Address, spec.quantity())
	case "input":
		raw, err = conn.ReadInputRegisters(spec.Address, spec.quantity())
	}
	if err != nil {
		return 0, err
	}
	value, err := decode(raw, spec)
	if err != nil {
		return 0, err
	}
	return value * spec.Scale, nil
}

func decode(raw []byte, spec RegisterSpec) (float64, error) {
	if spec.Kind == "coil" || spec.Kind == "discrete_input" {
		if len(raw) < 1 {
			return 0, errors.New("empty bit response")
		}
		if raw[0]&0x01 != 0 {
			return 1, nil
		}
		return 0, nil
	}

	switch spec.Type {
	case "uint16", "bool":
		if len(raw) < 2 {
			return 0, errors.New("short register response")
		}
		v := binary.BigEndian.Uint16(raw)
		if spec.Type == "bool" {
			if v != 0 {
				return 1, nil
			}
			return 0, nil
		}
		return float64(v), nil
	case "int16":
		if len(raw) < 2 {
			return 0, errors.New("short register response")
		}
		return float64(int16(binary.BigEndian.Uint16(raw))), nil
	case "uint32":
		if len(raw) < 4 {
			return 0, errors.New("short register response")
		}
		return float64(binary.BigEndian.Uint32(raw)), nil
	case "int32":
		if len(raw) < 4 {
			return 0, errors.New("short register response")
		}
		return float64(int32(binary.BigEndian.Uint32(raw))), nil
	case "float32":
		if len(raw) < 4 {
			return 0, errors.New("short register response")
		}
		return float64(math.Float32frombits(binary.BigEndian.Uint32(raw))), nil
	default:
		return 0, fmt.Errorf("unknown type %q", spec.Type)
	}
}

func (c *Collector) dial(target Target) (Conn, error) {
	handler := gomodbus.NewTCPClientHandler(target.String())
	handler.Timeout = c.cfg.Timeout
	handler.SlaveId = target.UnitID
	if err := handler.Connect(); err != nil {
		return nil, err
	}
	return &tcpConn{handler: handler, client: gomodbus.NewClient(handler)}, nil
}

type tcpConn struct {
	handler *gomodbus.TCPClientHandler
	client  gomodbus.Client
}

func (c *tcpConn) ReadCoils(address, quantity uint16) ([]byte, error) {
	return c.client.ReadCoils(address, quantity)
}

func (c *tcpConn) ReadDiscreteInputs(address, quantity uint16) ([]byte, error) {
	return c.client.ReadDiscreteInputs(address, quantity)
}

func (c *tcpConn) ReadHoldingRegisters(address, quantity uint16) ([]byte, error) {
	return c.client.ReadHoldingRegisters(address, quantity)
}

func (c *tcpConn) ReadInputRegisters(address, quantity uint16) ([]byte, error) {
	return c.client.ReadInputRegisters(address, quantity)
}

func (c *tcpConn) Close() error { return c.handler.Close() }
