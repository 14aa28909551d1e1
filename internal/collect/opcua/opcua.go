// Package opcua samples a monitored node list from one OPC-UA endpoint and
// emits value changes. The session is held across polls and rebuilt after a
// read failure.
package opcua

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/gopcua/opcua"
	"github.com/gopcua/opcua/ua"
	"github.com/jonboulle/clockwork"

	"github.com/fieldlight/otgraph/internal/faults"
	"github.com/fieldlight/otgraph/internal/model"
)

// Conn is the slice of the OPC-UA client API the collector uses.
type Conn interface {
	Read(ctx context.Context, req *ua.ReadRequest) (*ua.ReadResponse, error)
	Close(ctx context.Context) error
}

type Config struct {
	Logger *slog.Logger
	Clock  clockwork.Clock

	Endpoint     string
	SecurityMode string // None, Sign, SignAndEncrypt
	Nodes        []string

	// Dial overrides session construction in tests.
	Dial func(ctx context.Context) (Conn, error)

	nodeIDs []*ua.NodeID
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Endpoint == "" {
		return errors.New("endpoint is required")
	}
	switch c.SecurityMode {
	case "", "None", "Sign", "SignAndEncrypt":
	default:
		return fmt.Errorf("unknown security mode %q", c.SecurityMode)
	}
	if len(c.Nodes) == 0 {
		return errors.New("at least one node is required")
	}
	for _, raw := range c.Nodes {
		id, err := ua.ParseNodeID(raw)
		if err != nil {
			return fmt.Errorf("bad node id %q: %w", raw, err)
		}
		c.nodeIDs = append(c.nodeIDs, id)
	}
	return nil
}

type Collector struct {
	cfg Config
	log *slog.Logger

	mu   sync.Mutex
	conn Conn
	last map[string]string
}

func New(cfg Config) (*Collector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, faults.Config("opcua.new", "invalid config", err)
	}
	c := &Collector{
		cfg:  cfg,
		log:  cfg.Logger.With("collector", "opcua", "endpoint", cfg.Endpoint),
		last: map[string]string{},
	}
	if c.cfg.Dial == nil {
		c.cfg.Dial = c.dial
	}
	return c, nil
}

func (c *Collector) Name() string                  { return "opcua" }
func (c *Collector) Source() model.TelemetrySource { return model.SourceOPCUA }
func (c *Collector) TargetCount() int              { return len(c.cfg.Nodes) }

// Collect reads every monitored node in one request and emits a record per
// node whose rendered value differs from the previous poll.
func (c *Collector) Collect(ctx context.Context) ([]model.TelemetryRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		conn, err := c.cfg.Dial(ctx)
		if err != nil {
			if isSecurityStatus(err) {
				return nil, faults.Security("opcua.connect", "server rejected our identity", err).WithTarget(c.cfg.Endpoint)
			}
			return nil, faults.Connection("opcua.connect", "endpoint unreachable", err).WithTarget(c.cfg.Endpoint)
		}
		c.conn = conn
	}

	nodes := make([]*ua.ReadValueID, len(c.cfg.nodeIDs))
	for i, id := range c.cfg.nodeIDs {
		nodes[i] = &ua.ReadValueID{NodeID: id}
	}
	resp, err := c.conn.Read(ctx, &ua.ReadRequest{
		NodesToRead:        nodes,
		TimestampsToReturn: ua.TimestampsToReturnBoth,
	})
	if err != nil {
		// Session is likely dead; drop it so the next poll redials.
		_ = c.conn.Close(ctx)
		c.conn = nil
		if isSecurityStatus(err) {
			return nil, faults.Security("opcua.read", "server denied the read", err).WithTarget(c.cfg.Endpoint)
		}
		return nil, faults.Collector("opcua.read", "node read failed", err).WithTarget(c.cfg.Endpoint)
	}
	if len(resp.Results) != len(c.cfg.Nodes) {
		return nil, faults.Collector("opcua.read", "result count mismatch", nil).WithTarget(c.cfg.Endpoint)
	}

	now := c.cfg.Clock.Now()
	var records []model.TelemetryRecord
	for i, result := range resp.Results {
		nodeID := c.cfg.Nodes[i]
		if result.Status != ua.StatusOK || result.Value == nil {
			if isSecurityStatus(result.Status) {
				c.log.Error("node read denied", "node", nodeID, "status", uint32(result.Status))
			} else {
				c.log.Warn("node read bad quality", "node", nodeID, "status", uint32(result.Status))
			}
			delete(c.last, nodeID)
			continue
		}

		rendered, numeric, dataType := renderVariant(result.Value.Value())
		if prev, ok := c.last[nodeID]; ok && prev == rendered {
			continue
		}
		c.last[nodeID] = rendered

		payload := &model.OPCUAPayload{
			Endpoint:   c.cfg.Endpoint,
			NodeID:     nodeID,
			Value:      rendered,
			Numeric:    numeric,
			DataType:   dataType,
			Quality:    uint32(result.Status),
			SourceTime: result.SourceTimestamp.UTC(),
		}
		rec, err := model.NewTelemetryRecord(now, payload)
		if err != nil {
			c.log.Warn("node payload rejected", "node", nodeID, "error", err)
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

// Close tears down the held session, if any.
func (c *Collector) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close(ctx)
	c.conn = nil
	return err
}

func (c *Collector) dial(ctx context.Context) (Conn, error) {
	mode := c.cfg.SecurityMode
	if mode == "" {
		mode = "None"
	}
	client, err := opcua.NewClient(c.cfg.Endpoint,
		opcua.SecurityModeString(mode),
		opcua.AuthAnonymous(),
	)
	if err != nil {
		return nil, err
	}
	if err := client.Connect(ctx); err != nil {
		return nil, err
	}
	return client, nil
}

// securityStatuses are the handshake and access results that mean the server
// refused our identity rather than failed to answer.
var securityStatuses = []ua.StatusCode{
	ua.StatusBadUserAccessDenied,
	ua.StatusBadIdentityTokenInvalid,
	ua.StatusBadIdentityTokenRejected,
	ua.StatusBadCertificateInvalid,
	ua.StatusBadCertificateUntrusted,
	ua.StatusBadSecurityChecksFailed,
}

func isSecurityStatus(err error) bool {
	for _, code := range securityStatuses {
		if errors.Is(err, code) {
			return true
		}
	}
	return false
}

// renderVariant turns a variant's Go value into its string form, a numeric
// mirror when the value is a number, and a coarse data-type label.
func renderVariant(v any) (rendered string, numeric *float64, dataType string) {
	num := func(f float64) *float64 { return &f }
	switch val := v.(type) {
	case nil:
		return "", nil, ""
	case bool:
		return strconv.FormatBool(val), nil, "bool"
	case string:
		return val, nil, "string"
	case float32:
		return strconv.FormatFloat(float64(val), 'g', -1, 32), num(float64(val)), "float32"
	case float64:
		return strconv.FormatFloat(val, 'g', -1, 64), num(val), "float64"
	case int8:
		return strconv.FormatInt(int64(val), 10), num(float64(val)), "int8"
	case int16:
		return strconv.FormatInt(int64(val), 10), num(float64(val)), "int16"
	case int32:
		return strconv.FormatInt(int64(val), 10), num(float64(val)), "int32"
	case int64:
		return strconv.FormatInt(val, 10), num(float64(val)), "int64"
	case uint8:
		return strconv.FormatUint(uint64(val), 10), num(float64(val)), "uint8"
	case uint16:
		return strconv.FormatUint(uint64(val), 10), num(float64(val)), "uint16"
	case uint32:
		return strconv.FormatUint(uint64(val), 10), num(float64(val)), "uint32"
	case uint64:
		return strconv.FormatUint(val, 10), num(float64(val)), "uint64"
	default:
		return fmt.Sprintf("%v", val), nil, fmt.Sprintf("%T", val)
	}
}
