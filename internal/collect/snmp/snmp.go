// Package snmp polls SNMPv3 agents for the system group, interface table,
// neighbor tables (ipNetToMedia, dot1dTpFdb, LLDP), and entity identity.
// Bridge and ARP rows are emitted as their own records so downstream parsing
// treats them uniformly with the kernel-derived ones.
package snmp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gosnmp/gosnmp"
	"github.com/jonboulle/clockwork"

	"github.com/fieldlight/otgraph/internal/faults"
	"github.com/fieldlight/otgraph/internal/model"
)

type Target struct {
	Host string
	Port uint16
}

func (t Target) String() string { return fmt.Sprintf("%s:%d", t.Host, t.Port) }

// Session is the slice of gosnmp the collector uses; tests substitute a fake.
type Session interface {
	Connect() error
	Get(oids []string) (*gosnmp.SnmpPacket, error)
	BulkWalkAll(root string) ([]gosnmp.SnmpPDU, error)
	Close() error
}

type Config struct {
	Logger *slog.Logger
	Clock  clockwork.Clock

	Targets       []Target
	SecurityLevel string
	User          string
	AuthProtocol  string
	AuthKey       string
	PrivProtocol  string
	PrivKey       string
	Timeout       time.Duration
	Retries       int
	MaxConcurrent int

	// NewSession overrides session construction in tests.
	NewSession func(ctx context.Context, target Target) Session
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
	if c.User == "" {
		return errors.New("security name is required")
	}
	if _, err := msgFlags(c.SecurityLevel); err != nil {
		return err
	}
	if _, err := authProtocol(c.AuthProtocol); err != nil {
		return err
	}
	if _, err := privProtocol(c.PrivProtocol); err != nil {
		return err
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	if c.Retries < 0 {
		return errors.New("retries must not be negative")
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 10
	}
	return nil
}

type Collector struct {
	cfg Config
	log *slog.Logger
}

func New(cfg Config) (*Collector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, faults.Config("snmp.new", "invalid config", err)
	}
	c := &Collector{cfg: cfg, log: cfg.Logger.With("collector", "snmp")}
	if c.cfg.NewSession == nil {
		c.cfg.NewSession = c.newGoSNMPSession
	}
	return c, nil
}

func (c *Collector) Name() string                  { return "snmp" }
func (c *Collector) Source() model.TelemetrySource { return model.SourceSNMP }
func (c *Collector) TargetCount() int              { return len(c.cfg.Targets) }

// Collect polls every target with bounded concurrency. A failed target is
// logged and skipped; the poll as a whole fails only when no target answered.
func (c *Collector) Collect(ctx context.Context) ([]model.TelemetryRecord, error) {
	var (
		mu      sync.Mutex
		records []model.TelemetryRecord
		errs    []error
	)
	sem := make(chan struct{}, c.cfg.MaxConcurrent)
	var wg sync.WaitGroup

	for _, target := range c.cfg.Targets {
		target := target
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			recs, err := c.pollTarget(ctx, target)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if faults.Is(err, faults.KindSecurity) {
					c.log.Error("target rejected credentials", "target", target.String(), "error", err)
				} else {
					c.log.Warn("target poll failed", "target", target.String(), "error", err)
				}
				errs = append(errs, fmt.Errorf("%s: %w", target.String(), err))
				return
			}
			records = append(records, recs...)
		}()
	}
	wg.Wait()

	if len(records) == 0 && len(errs) > 0 {
		joined := errors.Join(errs...)
		// A single credential rejection outranks unreachable targets: the
		// USM user and keys are shared across the whole target list.
		for _, err := range errs {
			if faults.Is(err, faults.KindSecurity) {
				return nil, faults.Security("snmp.collect", "agent rejected credentials", joined)
			}
		}
		return nil, faults.Collector("snmp.collect", "no target answered", joined)
	}
	return records, nil
}

// pollTarget walks one agent. The system group is mandatory; any other
// subtree that fails marks the payload partial and the walk moves on.
func (c *Collector) pollTarget(ctx context.Context, target Target) ([]model.TelemetryRecord, error) {
	session := c.cfg.NewSession(ctx, target)
	if err := session.Connect(); err != nil {
		return nil, faults.Connection("snmp.connect", "agent unreachable", err).WithTarget(target.String())
	}
	defer session.Close()

	payload := &model.SNMPPayload{Target: target.Host}
	if err := c.readSystemGroup(session, payload); err != nil {
		if isSecurityErr(err) {
			return nil, faults.Security("snmp.auth", "agent rejected credentials", err).WithTarget(target.String())
		}
		return nil, faults.Collector("snmp.system", "system group read failed", err).WithTarget(target.String())
	}

	if ifs, err := walkInterfaces(session); err != nil {
		payload.Partial = true
		c.log.Warn("interface walk failed", "target", target.String(), "error", err)
	} else {
		payload.Interfaces = ifs
	}

	if arp, err := walkARPTable(session); err != nil {
		payload.Partial = true
		c.log.Warn("arp walk failed", "target", target.String(), "error", err)
	} else {
		payload.ARPEntries = arp
	}

	if fdb, err := walkFDBTable(session); err != nil {
		payload.Partial = true
		c.log.Warn("fdb walk failed", "target", target.String(), "error", err)
	} else {
		payload.FDBEntries = fdb
	}

	if neighbors, err := walkLLDPTable(session); err != nil {
		payload.Partial = true
		c.log.Warn("lldp walk failed", "target", target.String(), "error", err)
	} else {
		payload.Neighbors = neighbors
	}

	if entity, err := walkEntityTable(session); err != nil {
		c.log.Debug("entity walk failed", "target", target.String(), "error", err)
	} else {
		payload.Entity = entity
	}

	now := c.cfg.Clock.Now()
	records := make([]model.TelemetryRecord, 0, 3)

	rec, err := model.NewTelemetryRecord(now, payload)
	if err != nil {
		return nil, faults.Validation("snmp.record", "payload rejected", err).WithTarget(target.String())
	}
	rec.SetMeta("target", target.String())
	records = append(records, rec)

	// Side records so the neighbor evidence flows through the same parse
	// lanes as kernel-derived entries.
	if len(payload.ARPEntries) > 0 {
		arpRec, err := model.NewTelemetryRecord(now, &model.ARPPayload{Host: target.Host, Entries: payload.ARPEntries})
		if err == nil {
			arpRec.SetMeta("target", target.String())
			records = append(records, arpRec)
		}
	}
	if len(payload.FDBEntries) > 0 {
		fdbRec, err := model.NewTelemetryRecord(now, &model.MACTablePayload{Host: target.Host, Entries: payload.FDBEntries})
		if err == nil {
			fdbRec.SetMeta("target", target.String())
			records = append(records, fdbRec)
		}
	}
	return records, nil
}

func (c *Collector) readSystemGroup(session Session, payload *model.SNMPPayload) error {
	packet, err := session.Get([]string{
		oidSysDescr, oidSysObjectID, oidSysUpTime, oidSysName, oidSysLocation, oidSysServices,
	})
	if err != nil {
		return err
	}
	for _, pdu := range packet.Variables {
		switch pdu.Name {
		case oidSysDescr:
			payload.SysDescr = pduString(pdu)
		case oidSysObjectID:
			payload.SysObjectID = pduString(pdu)
		case oidSysUpTime:
			payload.SysUpTime = uint32(pduInt(pdu))
		case oidSysName:
			payload.SysName = pduString(pdu)
		case oidSysLocation:
			payload.SysLocation = pduString(pdu)
		case oidSysServices:
			payload.SysServices = int(pduInt(pdu))
		}
	}
	return nil
}

func (c *Collector) newGoSNMPSession(ctx context.Context, target Target) Session {
	flags, _ := msgFlags(c.cfg.SecurityLevel)
	auth, _ := authProtocol(c.cfg.AuthProtocol)
	priv, _ := privProtocol(c.cfg.PrivProtocol)

	return &goSNMPSession{g: &gosnmp.GoSNMP{
		Context:       ctx,
		Target:        target.Host,
		Port:          target.Port,
		Transport:     "udp",
		Version:       gosnmp.Version3,
		SecurityModel: gosnmp.UserSecurityModel,
		MsgFlags:      flags,
		SecurityParameters: &gosnmp.UsmSecurityParameters{
			UserName:                 c.cfg.User,
			AuthenticationProtocol:   auth,
			AuthenticationPassphrase: c.cfg.AuthKey,
			PrivacyProtocol:          priv,
			PrivacyPassphrase:        c.cfg.PrivKey,
		},
		Timeout: c.cfg.Timeout,
		Retries: c.cfg.Retries,
		MaxOids: gosnmp.MaxOids,
	}}
}

type goSNMPSession struct {
	g *gosnmp.GoSNMP
}

func (s *goSNMPSession) Connect() error { return s.g.Connect() }

func (s *goSNMPSession) Get(oids []string) (*gosnmp.SnmpPacket, error) { return s.g.Get(oids) }

func (s *goSNMPSession) BulkWalkAll(root string) ([]gosnmp.SnmpPDU, error) {
	return s.g.BulkWalkAll(root)
}

func (s *goSNMPSession) Close() error {
	if s.g.Conn == nil {
		return nil
	}
	return s.g.Conn.Close()
}

// isSecurityErr spots USM credential failures in gosnmp's error text: the
// local digest check and the usmStats report counters agents send back.
func isSecurityErr(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, frag := range []string{"not authentic", "authentication", "decrypt", "unknown user", "wrong digest"} {
		if strings.Contains(msg, frag) {
			return true
		}
	}
	return false
}

func msgFlags(level string) (gosnmp.SnmpV3MsgFlags, error) {
	switch level {
	case "authPriv", "":
		return gosnmp.AuthPriv, nil
	case "authNoPriv":
		return gosnmp.AuthNoPriv, nil
	case "noAuthNoPriv":
		return gosnmp.NoAuthNoPriv, nil
	default:
		return 0, fmt.Errorf("unknown security level %q", level)
	}
}

func authProtocol(name string) (gosnmp.SnmpV3AuthProtocol, error) {
	switch strings.ToUpper(name) {
	case "MD5":
		return gosnmp.MD5, nil
	case "SHA", "SHA1":
		return gosnmp.SHA, nil
	case "SHA256", "":
		return gosnmp.SHA256, nil
	case "SHA384":
		return gosnmp.SHA384, nil
	case "SHA512":
		return gosnmp.SHA512, nil
	default:
		return 0, fmt.Errorf("unknown auth protocol %q", name)
	}
}

func privProtocol(name string) (gosnmp.SnmpV3PrivProtocol, error) {
	switch strings.ToUpper(name) {
	case "DES":
		return gosnmp.DES, nil
	case "AES", "AES128", "":
		return gosnmp.AES, nil
	case "AES256":
		return gosnmp.AES256, nil
	default:
		return 0, fmt.Errorf("unknown privacy protocol %q", name)
	}
}
