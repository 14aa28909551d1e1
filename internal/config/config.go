// Package config loads and validates the process configuration from
// environment variables. Flags defined by the CLI override individual
// fields after Load; Validate then fills defaults and rejects anything a
// running pipeline could not survive.
package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fieldlight/otgraph/internal/faults"
)

const envPrefix = "OTGRAPH_"

type Config struct {
	Env       string
	AppName   string
	LogLevel  string
	LogFormat string

	Broker    BrokerConfig
	Database  DatabaseConfig
	SNMP      SNMPConfig
	Collector CollectorConfig
	Syslog    SyslogConfig
	NetFlow   NetFlowConfig
	OPCUA     OPCUAConfig
	Modbus    ModbusConfig
	Routing   RoutingConfig
	ARP       ARPConfig
	Security  SecurityConfig
	Alerting  AlertingConfig
	Archive   ArchiveConfig

	MetricsAddr string
	PprofAddr   string
	DrainWindow time.Duration
}

type BrokerConfig struct {
	URL              string
	CertFile         string
	KeyFile          string
	CAFile           string
	KeepAlive        time.Duration
	ReconnectPeriod  time.Duration
	MaxReconnects    int
	TelemetryTopic   string
	AlertTopic       string
	DispatchWorkers  int
	DisablePublisher bool
}

type DatabaseConfig struct {
	Host     string
	Port     int
	Name     string
	User     string
	Password Secret
	SSLMode  string
	PoolSize int
}

// ConnString renders the pgx connection string.
func (d DatabaseConfig) ConnString() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		url.QueryEscape(d.User), url.QueryEscape(d.Password.Reveal()), d.Host, d.Port, d.Name, d.SSLMode)
}

type SNMPTarget struct {
	Host string
	Port uint16
}

type SNMPConfig struct {
	Enabled       bool
	Targets       []SNMPTarget
	SecurityLevel string // authPriv, authNoPriv, noAuthNoPriv
	User          string
	AuthProtocol  string // MD5, SHA, SHA256, SHA384, SHA512
	AuthKey       Secret
	PrivProtocol  string // DES, AES, AES256
	PrivKey       Secret
	Timeout       time.Duration
	Retries       int
}

type CollectorConfig struct {
	PollInterval  time.Duration
	Timeout       time.Duration
	Retries       int
	BatchSize     int
	FlushInterval time.Duration
	MaxConcurrent int
}

type SyslogConfig struct {
	Enabled  bool
	Port     int
	Protocol string // udp, tcp, both
}

type NetFlowConfig struct {
	Enabled bool
	Port    int
	Version string // 5, 9, both
}

type OPCUAConfig struct {
	Enabled          bool
	Endpoint         string
	SecurityMode     string // None, Sign, SignAndEncrypt
	Nodes            []string
	SamplingInterval time.Duration
}

type ModbusTarget struct {
	Host   string
	Port   uint16
	UnitID uint8
}

// ModbusRegister declares one register every Modbus target is polled for.
type ModbusRegister struct {
	Name    string
	Kind    string // coil, discrete_input, holding, input
	Address uint16
	Type    string // uint16, int16, uint32, int32, float32, bool
	Scale   float64
	Unit    string
}

type ModbusConfig struct {
	Enabled   bool
	Targets   []ModbusTarget
	Registers []ModbusRegister
}

type RoutingConfig struct {
	Enabled bool
}

type ARPConfig struct {
	Enabled       bool
	DiscoverCIDRs []string
}

type SecurityConfig struct {
	EncryptionKey Secret
	TLSMinVersion string // "1.2" or "1.3"
}

type AlertingConfig struct {
	WebhookURL   string
	EmailEnabled bool
	EmailFrom    string
	EmailTo      []string
	SMTPHost     string
	SMTPPort     int
}

type ArchiveConfig struct {
	Bucket    string
	Region    string
	Endpoint  string
	KeyPrefix string
	AccessKey string
	SecretKey Secret
}

// Load reads the full configuration from OTGRAPH_* environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Env:       getenv("ENV", "development"),
		AppName:   getenv("APP_NAME", "otgraph"),
		LogLevel:  getenv("LOG_LEVEL", "info"),
		LogFormat: getenv("LOG_FORMAT", "text"),
		Broker: BrokerConfig{
			URL:             getenv("BROKER_URL", ""),
			CertFile:        getenv("BROKER_CERT", ""),
			KeyFile:         getenv("BROKER_KEY", ""),
			CAFile:          getenv("BROKER_CA", ""),
			KeepAlive:       getdur("BROKER_KEEPALIVE", 30*time.Second),
			ReconnectPeriod: getdur("BROKER_RECONNECT_PERIOD", 5*time.Second),
			MaxReconnects:   getint("BROKER_MAX_RECONNECTS", 10),
			TelemetryTopic:  getenv("BROKER_TELEMETRY_TOPIC", "scada/telemetry"),
			AlertTopic:      getenv("BROKER_ALERT_TOPIC", "scada/alerts"),
			DispatchWorkers: getint("BROKER_DISPATCH_WORKERS", 4),
		},
		Database: DatabaseConfig{
			Host:     getenv("DB_HOST", ""),
			Port:     getint("DB_PORT", 5432),
			Name:     getenv("DB_NAME", ""),
			User:     getenv("DB_USER", ""),
			Password: Secret(getenv("DB_PASSWORD", "")),
			SSLMode:  getenv("DB_SSLMODE", "require"),
			PoolSize: getint("DB_POOL_SIZE", 10),
		},
		SNMP: SNMPConfig{
			Enabled:       getbool("SNMP_ENABLED", true),
			SecurityLevel: getenv("SNMP_SECURITY_LEVEL", "authPriv"),
			User:          getenv("SNMP_USER", ""),
			AuthProtocol:  getenv("SNMP_AUTH_PROTOCOL", "SHA256"),
			AuthKey:       Secret(getenv("SNMP_AUTH_KEY", "")),
			PrivProtocol:  getenv("SNMP_PRIV_PROTOCOL", "AES"),
			PrivKey:       Secret(getenv("SNMP_PRIV_KEY", "")),
			Timeout:       getdur("SNMP_TIMEOUT", 5*time.Second),
			Retries:       getint("SNMP_RETRIES", 1),
		},
		Collector: CollectorConfig{
			PollInterval:  getdur("POLL_INTERVAL", time.Minute),
			Timeout:       getdur("COLLECT_TIMEOUT", 10*time.Second),
			Retries:       getint("COLLECT_RETRIES", 3),
			BatchSize:     getint("BATCH_SIZE", 100),
			FlushInterval: getdur("FLUSH_INTERVAL", 10*time.Second),
			MaxConcurrent: getint("MAX_CONCURRENT", 10),
		},
		Syslog: SyslogConfig{
			Enabled:  getbool("SYSLOG_ENABLED", true),
			Port:     getint("SYSLOG_PORT", 514),
			Protocol: getenv("SYSLOG_PROTOCOL", "udp"),
		},
		NetFlow: NetFlowConfig{
			Enabled: getbool("NETFLOW_ENABLED", true),
			Port:    getint("NETFLOW_PORT", 2055),
			Version: getenv("NETFLOW_VERSION", "both"),
		},
		OPCUA: OPCUAConfig{
			Enabled:          getbool("OPCUA_ENABLED", false),
			Endpoint:         getenv("OPCUA_ENDPOINT", ""),
			SecurityMode:     getenv("OPCUA_SECURITY_MODE", "SignAndEncrypt"),
			Nodes:            getlist("OPCUA_NODES"),
			SamplingInterval: getdur("OPCUA_SAMPLING_INTERVAL", time.Second),
		},
		Modbus: ModbusConfig{
			Enabled: getbool("MODBUS_ENABLED", false),
		},
		Routing: RoutingConfig{
			Enabled: getbool("ROUTING_ENABLED", true),
		},
		ARP: ARPConfig{
			Enabled:       getbool("ARP_ENABLED", true),
			DiscoverCIDRs: getlist("ARP_DISCOVER_CIDRS"),
		},
		Security: SecurityConfig{
			EncryptionKey: Secret(getenv("ENCRYPTION_KEY", "")),
			TLSMinVersion: getenv("TLS_MIN", "1.3"),
		},
		Alerting: AlertingConfig{
			WebhookURL:   getenv("ALERT_WEBHOOK_URL", ""),
			EmailEnabled: getbool("ALERT_EMAIL_ENABLED", false),
			EmailFrom:    getenv("ALERT_EMAIL_FROM", ""),
			EmailTo:      getlist("ALERT_EMAIL_TO"),
			SMTPHost:     getenv("ALERT_EMAIL_SMTP_HOST", ""),
			SMTPPort:     getint("ALERT_EMAIL_SMTP_PORT", 587),
		},
		Archive: ArchiveConfig{
			Bucket:    getenv("ARCHIVE_BUCKET", ""),
			Region:    getenv("ARCHIVE_REGION", "us-east-1"),
			Endpoint:  getenv("ARCHIVE_ENDPOINT", ""),
			KeyPrefix: getenv("ARCHIVE_KEY_PREFIX", "snapshots"),
			AccessKey: getenv("ARCHIVE_ACCESS_KEY", ""),
			SecretKey: Secret(getenv("ARCHIVE_SECRET_KEY", "")),
		},
		MetricsAddr: getenv("METRICS_ADDR", ":2112"),
		PprofAddr:   getenv("PPROF_ADDR", ""),
		DrainWindow: getdur("DRAIN_WINDOW", 30*time.Second),
	}

	var err error
	if cfg.SNMP.Targets, err = parseSNMPTargets(getlist("SNMP_TARGETS")); err != nil {
		return nil, err
	}
	if cfg.Modbus.Targets, err = parseModbusTargets(getlist("MODBUS_TARGETS")); err != nil {
		return nil, err
	}
	if cfg.Modbus.Registers, err = parseModbusRegisters(getlist("MODBUS_REGISTERS")); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate fills defaults and rejects invalid settings. All failures are
// configuration faults, fatal at startup.
func (c *Config) Validate() error {
	if c.AppName == "" {
		c.AppName = "otgraph"
	}
	if c.DrainWindow <= 0 {
		c.DrainWindow = 30 * time.Second
	}

	if c.Broker.URL == "" {
		return faults.Config("config.broker", "broker url is required", nil)
	}
	u, err := url.Parse(c.Broker.URL)
	if err != nil {
		return faults.Config("config.broker", fmt.Sprintf("broker url %q unparseable", c.Broker.URL), err)
	}
	switch u.Scheme {
	case "tls", "ssl", "mqtts", "tcp":
	default:
		return faults.Config("config.broker", fmt.Sprintf("unsupported broker scheme %q", u.Scheme), nil)
	}
	if c.Broker.CertFile == "" || c.Broker.KeyFile == "" || c.Broker.CAFile == "" {
		return faults.Config("config.broker", "client cert, key, and ca paths are all required", nil)
	}
	if c.Broker.ReconnectPeriod <= 0 {
		c.Broker.ReconnectPeriod = 5 * time.Second
	}
	if c.Broker.MaxReconnects <= 0 {
		c.Broker.MaxReconnects = 10
	}
	if c.Broker.KeepAlive <= 0 {
		c.Broker.KeepAlive = 30 * time.Second
	}
	if c.Broker.DispatchWorkers <= 0 {
		c.Broker.DispatchWorkers = 4
	}
	if c.Broker.TelemetryTopic == "" {
		c.Broker.TelemetryTopic = "scada/telemetry"
	}
	if c.Broker.AlertTopic == "" {
		c.Broker.AlertTopic = "scada/alerts"
	}

	if c.Database.Host == "" || c.Database.Name == "" || c.Database.User == "" {
		return faults.Config("config.database", "db host, name, and user are required", nil)
	}
	if c.Database.Port <= 0 || c.Database.Port > 65535 {
		return faults.Config("config.database", fmt.Sprintf("db port %d out of range", c.Database.Port), nil)
	}
	switch c.Database.SSLMode {
	case "disable", "allow", "prefer", "require", "verify-ca", "verify-full":
	default:
		return faults.Config("config.database", fmt.Sprintf("unknown sslmode %q", c.Database.SSLMode), nil)
	}
	if c.Database.PoolSize <= 0 {
		c.Database.PoolSize = 10
	}
	if c.Database.PoolSize > 200 {
		return faults.Config("config.database", fmt.Sprintf("pool size %d exceeds 200", c.Database.PoolSize), nil)
	}

	if err := c.validateCollector(); err != nil {
		return err
	}
	if err := c.validateSNMP(); err != nil {
		return err
	}
	if err := c.validateListeners(); err != nil {
		return err
	}
	if err := c.validateSecurity(); err != nil {
		return err
	}
	if err := c.validateAlerting(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validateCollector() error {
	cc := &c.Collector
	if cc.PollInterval == 0 {
		cc.PollInterval = time.Minute
	}
	if cc.PollInterval < time.Second || cc.PollInterval > time.Hour {
		return faults.Config("config.collector", fmt.Sprintf("poll interval %s outside 1s-1h", cc.PollInterval), nil)
	}
	if cc.Timeout == 0 {
		cc.Timeout = 10 * time.Second
	}
	if cc.Timeout < time.Second || cc.Timeout > 60*time.Second {
		return faults.Config("config.collector", fmt.Sprintf("timeout %s outside 1s-60s", cc.Timeout), nil)
	}
	if cc.Retries < 0 || cc.Retries > 10 {
		return faults.Config("config.collector", fmt.Sprintf("retries %d outside 0-10", cc.Retries), nil)
	}
	if cc.BatchSize == 0 {
		cc.BatchSize = 100
	}
	if cc.BatchSize < 1 || cc.BatchSize > 1000 {
		return faults.Config("config.collector", fmt.Sprintf("batch size %d outside 1-1000", cc.BatchSize), nil)
	}
	if cc.FlushInterval <= 0 {
		cc.FlushInterval = 10 * time.Second
	}
	if cc.MaxConcurrent == 0 {
		cc.MaxConcurrent = 10
	}
	if cc.MaxConcurrent < 1 || cc.MaxConcurrent > 100 {
		return faults.Config("config.collector", fmt.Sprintf("max concurrent %d outside 1-100", cc.MaxConcurrent), nil)
	}
	return nil
}

func (c *Config) validateSNMP() error {
	s := &c.SNMP
	if !s.Enabled || len(s.Targets) == 0 {
		return nil
	}
	switch s.SecurityLevel {
	case "authPriv", "authNoPriv", "noAuthNoPriv":
	default:
		return faults.Config("config.snmp", fmt.Sprintf("unknown security level %q", s.SecurityLevel), nil)
	}
	if c.Env == "production" && s.SecurityLevel != "authPriv" {
		return faults.Config("config.snmp", "production requires authPriv", nil)
	}
	if s.SecurityLevel != "noAuthNoPriv" {
		switch s.AuthProtocol {
		case "MD5", "SHA", "SHA256", "SHA384", "SHA512":
		default:
			return faults.Config("config.snmp", fmt.Sprintf("unknown auth protocol %q", s.AuthProtocol), nil)
		}
		if s.User == "" {
			return faults.Config("config.snmp", "security name is required", nil)
		}
		if len(s.AuthKey.Reveal()) < 8 {
			return faults.Config("config.snmp", "auth key must be at least 8 characters", nil)
		}
	}
	if s.SecurityLevel == "authPriv" {
		switch s.PrivProtocol {
		case "DES", "AES", "AES256":
		default:
			return faults.Config("config.snmp", fmt.Sprintf("unknown priv protocol %q", s.PrivProtocol), nil)
		}
		if len(s.PrivKey.Reveal()) < 8 {
			return faults.Config("config.snmp", "priv key must be at least 8 characters", nil)
		}
	}
	if s.Timeout <= 0 {
		s.Timeout = 5 * time.Second
	}
	if s.Retries < 0 || s.Retries > 10 {
		return faults.Config("config.snmp", fmt.Sprintf("retries %d outside 0-10", s.Retries), nil)
	}
	return nil
}

func (c *Config) validateListeners() error {
	if c.Syslog.Enabled {
		if c.Syslog.Port < 1 || c.Syslog.Port > 65535 {
			return faults.Config("config.syslog", fmt.Sprintf("port %d out of range", c.Syslog.Port), nil)
		}
		switch c.Syslog.Protocol {
		case "udp", "tcp", "both":
		default:
			return faults.Config("config.syslog", fmt.Sprintf("unknown protocol %q", c.Syslog.Protocol), nil)
		}
	}
	if c.NetFlow.Enabled {
		if c.NetFlow.Port < 1 || c.NetFlow.Port > 65535 {
			return faults.Config("config.netflow", fmt.Sprintf("port %d out of range", c.NetFlow.Port), nil)
		}
		switch c.NetFlow.Version {
		case "5", "9", "both":
		default:
			return faults.Config("config.netflow", fmt.Sprintf("unknown version %q", c.NetFlow.Version), nil)
		}
	}
	if c.OPCUA.Enabled {
		if c.OPCUA.Endpoint == "" {
			return faults.Config("config.opcua", "endpoint is required", nil)
		}
		switch c.OPCUA.SecurityMode {
		case "None", "Sign", "SignAndEncrypt":
		default:
			return faults.Config("config.opcua", fmt.Sprintf("unknown security mode %q", c.OPCUA.SecurityMode), nil)
		}
		if len(c.OPCUA.Nodes) == 0 {
			return faults.Config("config.opcua", "at least one monitored node is required", nil)
		}
		if c.OPCUA.SamplingInterval <= 0 {
			c.OPCUA.SamplingInterval = time.Second
		}
	}
	if c.Modbus.Enabled {
		if len(c.Modbus.Targets) == 0 {
			return faults.Config("config.modbus", "at least one target is required", nil)
		}
		if len(c.Modbus.Registers) == 0 {
			return faults.Config("config.modbus", "at least one register is required", nil)
		}
	}
	for _, cidr := range c.ARP.DiscoverCIDRs {
		if _, _, err := net.ParseCIDR(cidr); err != nil {
			return faults.Config("config.arp", fmt.Sprintf("bad discovery cidr %q", cidr), err)
		}
	}
	return nil
}

func (c *Config) validateSecurity() error {
	key := c.Security.EncryptionKey.Reveal()
	if key != "" {
		if len(key) < 32 {
			return faults.Config("config.security", "encryption key must be at least 32 characters", nil)
		}
		if entropyBitsPerChar(key) < 3.0 {
			return faults.Config("config.security", "encryption key entropy too low", nil)
		}
	} else if c.Env == "production" {
		return faults.Config("config.security", "encryption key is required in production", nil)
	}
	switch c.Security.TLSMinVersion {
	case "", "1.3":
		c.Security.TLSMinVersion = "1.3"
	case "1.2":
		if c.Env == "production" {
			return faults.Config("config.security", "production requires TLS 1.3", nil)
		}
	default:
		return faults.Config("config.security", fmt.Sprintf("unsupported TLS version %q", c.Security.TLSMinVersion), nil)
	}
	return nil
}

func (c *Config) validateAlerting() error {
	a := &c.Alerting
	if a.WebhookURL != "" {
		u, err := url.Parse(a.WebhookURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return faults.Config("config.alerting", fmt.Sprintf("bad webhook url %q", a.WebhookURL), err)
		}
	}
	if a.EmailEnabled {
		if a.EmailFrom == "" || len(a.EmailTo) == 0 || a.SMTPHost == "" {
			return faults.Config("config.alerting", "email alerting requires from, to, and smtp host", nil)
		}
		if a.SMTPPort < 1 || a.SMTPPort > 65535 {
			return faults.Config("config.alerting", fmt.Sprintf("smtp port %d out of range", a.SMTPPort), nil)
		}
	}
	return nil
}

func parseSNMPTargets(raw []string) ([]SNMPTarget, error) {
	var out []SNMPTarget
	for _, t := range raw {
		host, port := t, uint16(161)
		if h, p, err := net.SplitHostPort(t); err == nil {
			n, err := strconv.Atoi(p)
			if err != nil || n < 1 || n > 65535 {
				return nil, faults.Config("config.snmp", fmt.Sprintf("bad target port in %q", t), err)
			}
			host, port = h, uint16(n)
		}
		if host == "" {
			return nil, faults.Config("config.snmp", fmt.Sprintf("empty host in target %q", t), nil)
		}
		out = append(out, SNMPTarget{Host: host, Port: port})
	}
	return out, nil
}

// parseModbusTargets reads host[:port][/unit] entries.
func parseModbusTargets(raw []string) ([]ModbusTarget, error) {
	var out []ModbusTarget
	for _, t := range raw {
		entry, unit := t, 1
		if i := strings.LastIndex(t, "/"); i >= 0 {
			n, err := strconv.Atoi(t[i+1:])
			if err != nil || n < 0 || n > 255 {
				return nil, faults.Config("config.modbus", fmt.Sprintf("bad unit id in %q", t), err)
			}
			entry, unit = t[:i], n
		}
		host, port := entry, uint16(502)
		if h, p, err := net.SplitHostPort(entry); err == nil {
			n, err := strconv.Atoi(p)
			if err != nil || n < 1 || n > 65535 {
				return nil, faults.Config("config.modbus", fmt.Sprintf("bad port in %q", t), err)
			}
			host, port = h, uint16(n)
		}
		if host == "" {
			return nil, faults.Config("config.modbus", fmt.Sprintf("empty host in target %q", t), nil)
		}
		out = append(out, ModbusTarget{Host: host, Port: port, UnitID: uint8(unit)})
	}
	return out, nil
}

// parseModbusRegisters reads name:kind:address[:type[:scale[:unit]]]
// entries. Bit registers default to bool, word registers to uint16.
func parseModbusRegisters(raw []string) ([]ModbusRegister, error) {
	var out []ModbusRegister
	for _, entry := range raw {
		parts := strings.Split(entry, ":")
		if len(parts) < 3 || len(parts) > 6 {
			return nil, faults.Config("config.modbus", fmt.Sprintf("register %q is not name:kind:address[:type[:scale[:unit]]]", entry), nil)
		}
		reg := ModbusRegister{Name: parts[0], Kind: parts[1], Scale: 1}
		if reg.Name == "" {
			return nil, faults.Config("config.modbus", fmt.Sprintf("empty register name in %q", entry), nil)
		}
		addr, err := strconv.ParseUint(parts[2], 10, 16)
		if err != nil {
			return nil, faults.Config("config.modbus", fmt.Sprintf("bad register address in %q", entry), err)
		}
		reg.Address = uint16(addr)
		if len(parts) > 3 && parts[3] != "" {
			reg.Type = parts[3]
		}
		if len(parts) > 4 && parts[4] != "" {
			if reg.Scale, err = strconv.ParseFloat(parts[4], 64); err != nil || reg.Scale == 0 {
				return nil, faults.Config("config.modbus", fmt.Sprintf("bad register scale in %q", entry), err)
			}
		}
		if len(parts) > 5 {
			reg.Unit = parts[5]
		}

		switch reg.Kind {
		case "coil", "discrete_input":
			if reg.Type == "" {
				reg.Type = "bool"
			}
			if reg.Type != "bool" {
				return nil, faults.Config("config.modbus", fmt.Sprintf("register %q: bit registers must be bool", entry), nil)
			}
		case "holding", "input":
			if reg.Type == "" {
				reg.Type = "uint16"
			}
			switch reg.Type {
			case "uint16", "int16", "uint32", "int32", "float32":
			default:
				return nil, faults.Config("config.modbus", fmt.Sprintf("register %q: unknown type %q", entry, reg.Type), nil)
			}
		default:
			return nil, faults.Config("config.modbus", fmt.Sprintf("register %q: unknown kind %q", entry, reg.Kind), nil)
		}
		out = append(out, reg)
	}
	return out, nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(envPrefix + key); v != "" {
		return v
	}
	return fallback
}

func getint(key string, fallback int) int {
	if v := os.Getenv(envPrefix + key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getbool(key string, fallback bool) bool {
	if v := os.Getenv(envPrefix + key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getdur(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(envPrefix + key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func getlist(key string) []string {
	v := os.Getenv(envPrefix + key)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
