package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/fieldlight/otgraph/internal/archive"
	"github.com/fieldlight/otgraph/internal/collect"
	"github.com/fieldlight/otgraph/internal/collect/arp"
	"github.com/fieldlight/otgraph/internal/collect/modbus"
	"github.com/fieldlight/otgraph/internal/collect/netflow"
	"github.com/fieldlight/otgraph/internal/collect/opcua"
	"github.com/fieldlight/otgraph/internal/collect/routing"
	"github.com/fieldlight/otgraph/internal/collect/snmp"
	"github.com/fieldlight/otgraph/internal/collect/syslogd"
	"github.com/fieldlight/otgraph/internal/config"
	"github.com/fieldlight/otgraph/internal/correlate"
	"github.com/fieldlight/otgraph/internal/faults"
	"github.com/fieldlight/otgraph/internal/logging"
	"github.com/fieldlight/otgraph/internal/metrics"
	"github.com/fieldlight/otgraph/internal/model"
	"github.com/fieldlight/otgraph/internal/pipeline"
	"github.com/fieldlight/otgraph/internal/risk"
	"github.com/fieldlight/otgraph/internal/store"
	"github.com/fieldlight/otgraph/internal/transport"
)

var (
	flagEnvFile     string
	flagLogLevel    string
	flagLogFormat   string
	flagMetricsAddr string
	flagDrainWindow time.Duration

	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "otgraphd",
	Short: "OT network topology discovery daemon",
	Long: `otgraphd watches an industrial control network through passive and active
collectors (SNMP, ARP, NetFlow, syslog, OPC-UA, Modbus, routing tables),
correlates what they see into a live device topology, and raises security
and connectivity alerts over MQTT.`,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("otgraphd %s (commit: %s, built: %s)\n", version, commit, date)
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the discovery pipeline (service mode)",
	Long: `Run starts every enabled collector, the correlation engine, the risk
scheduler, and the metrics endpoint, and blocks until SIGINT/SIGTERM or a
fatal component failure.`,
	Run: func(cmd *cobra.Command, args []string) {
		os.Exit(run())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagEnvFile, "env-file", "", "Load environment from this file before reading OTGRAPH_* variables")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "Log level (debug, info, warn, error); overrides OTGRAPH_LOG_LEVEL")
	rootCmd.PersistentFlags().StringVar(&flagLogFormat, "log-format", "", "Log format (text, json); overrides OTGRAPH_LOG_FORMAT")

	runCmd.Flags().StringVar(&flagMetricsAddr, "metrics-addr", "", "Metrics listen address; overrides OTGRAPH_METRICS_ADDR")
	runCmd.Flags().DurationVar(&flagDrainWindow, "drain-window", 0, "Shutdown drain window; overrides OTGRAPH_DRAIN_WINDOW")

	cobra.EnableCommandSorting = false
	rootCmd.AddCommand(runCmd)
}

func main() {
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

// run is the service entrypoint. Exit codes: 0 clean shutdown, 1 fatal
// configuration error, 2 fatal runtime error.
func run() int {
	if flagEnvFile != "" {
		if err := godotenv.Load(flagEnvFile); err != nil {
			fmt.Fprintf(os.Stderr, "env file %s: %v\n", flagEnvFile, err)
			return 1
		}
	} else {
		// Load .env if it exists.
		_ = godotenv.Load()
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if flagLogLevel != "" {
		cfg.LogLevel = flagLogLevel
	}
	if flagLogFormat != "" {
		cfg.LogFormat = flagLogFormat
	}
	if flagMetricsAddr != "" {
		cfg.MetricsAddr = flagMetricsAddr
	}
	if flagDrainWindow > 0 {
		cfg.DrainWindow = flagDrainWindow
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	log, err := logging.New(os.Stderr, logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	log.Info("otgraphd starting", "version", version, "env", cfg.Env)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(ctx, store.Config{
		Logger:     log,
		ConnString: cfg.Database.ConnString(),
		MaxConns:   int32(cfg.Database.PoolSize),
	})
	if err != nil {
		log.Error("database unavailable", "error", err)
		return exitCode(err)
	}
	defer db.Close()
	if err := db.Migrate(ctx); err != nil {
		log.Error("schema migration failed", "error", err)
		return 2
	}
	st := db.Store()

	client, err := transport.New(transport.Config{
		Logger:          log,
		BrokerURL:       cfg.Broker.URL,
		ClientPrefix:    cfg.AppName,
		CertFile:        cfg.Broker.CertFile,
		KeyFile:         cfg.Broker.KeyFile,
		CAFile:          cfg.Broker.CAFile,
		TLSMinVersion:   tlsMinVersion(cfg.Security.TLSMinVersion),
		KeepAlive:       cfg.Broker.KeepAlive,
		ReconnectPeriod: cfg.Broker.ReconnectPeriod,
		MaxReconnects:   cfg.Broker.MaxReconnects,
		DispatchWorkers: cfg.Broker.DispatchWorkers,
	})
	if err != nil {
		log.Error("broker client rejected", "error", err)
		return 1
	}
	if err := client.Connect(ctx); err != nil {
		log.Error("broker unreachable", "error", err)
		return 2
	}
	defer client.Close()
	go watchTransport(log, client.Events())

	var publisher pipeline.Publisher = client
	if cfg.Broker.DisablePublisher {
		publisher = nil
	}

	// One pool bounds persistence and alert delivery to the DB pool size.
	pool := pond.NewPool(cfg.Database.PoolSize)
	defer pool.StopAndWait()

	alerts, err := pipeline.NewAlertSink(pipeline.AlertSinkConfig{
		Logger:     log,
		Store:      st,
		Pool:       pool,
		Publisher:  publisher,
		Topic:      cfg.Broker.AlertTopic,
		WebhookURL: cfg.Alerting.WebhookURL,
	})
	if err != nil {
		log.Error("alert sink rejected", "error", err)
		return 1
	}

	riskNotify := make(chan string, 64)
	var snapshots chan model.TopologySnapshot
	if cfg.Archive.Bucket != "" {
		snapshots = make(chan model.TopologySnapshot, 4)
	}

	engine, err := correlate.New(correlate.Config{
		Logger:       log,
		Store:        st,
		Alerts:       alerts,
		RiskNotify:   riskNotify,
		SnapshotSink: snapshots,
	})
	if err != nil {
		log.Error("correlation engine rejected", "error", err)
		return 1
	}

	scheduler, err := risk.NewScheduler(risk.SchedulerConfig{
		Logger: log,
		Store:  st,
		Alerts: alerts,
		Notify: riskNotify,
	})
	if err != nil {
		log.Error("risk scheduler rejected", "error", err)
		return 1
	}

	fanout, err := pipeline.NewTelemetryFanout(pipeline.SinkConfig{
		Logger:    log,
		Store:     st,
		Engine:    engine,
		Pool:      pool,
		Publisher: publisher,
		Topic:     cfg.Broker.TelemetryTopic,
	})
	if err != nil {
		log.Error("telemetry sink rejected", "error", err)
		return 1
	}

	services, err := buildCollectors(log, cfg, fanout, alerts)
	if err != nil {
		log.Error("collector setup failed", "error", err)
		return exitCode(err)
	}
	manager, err := collect.NewManager(collect.ManagerConfig{
		Logger:   log,
		Services: services,
	})
	if err != nil {
		log.Error("collector manager rejected", "error", err)
		return 1
	}

	metricsSrv, err := metrics.NewServer(metrics.ServerConfig{
		Logger:    log,
		Addr:      cfg.MetricsAddr,
		PprofAddr: cfg.PprofAddr,
	})
	if err != nil {
		log.Error("metrics server rejected", "error", err)
		return 1
	}

	components := []collect.Service{metricsSrv, engine, scheduler, manager}
	if snapshots != nil {
		s3c, err := archive.NewS3Client(ctx, archive.S3Options{
			Region:    cfg.Archive.Region,
			AccessKey: cfg.Archive.AccessKey,
			SecretKey: cfg.Archive.SecretKey.Reveal(),
			Endpoint:  cfg.Archive.Endpoint,
		})
		if err != nil {
			log.Error("archive client rejected", "error", err)
			return 1
		}
		uploader, err := archive.New(archive.Config{
			Logger:    log,
			Client:    s3c,
			Bucket:    cfg.Archive.Bucket,
			KeyPrefix: cfg.Archive.KeyPrefix,
			Snapshots: snapshots,
		})
		if err != nil {
			log.Error("archive uploader rejected", "error", err)
			return 1
		}
		components = append(components, uploader)
	}

	sup, err := pipeline.NewSupervisor(pipeline.SupervisorConfig{
		Logger:     log,
		Components: components,
	})
	if err != nil {
		log.Error("supervisor rejected", "error", err)
		return 1
	}

	// Force exit when draining overruns the window.
	go func() {
		<-ctx.Done()
		time.Sleep(cfg.DrainWindow)
		log.Error("drain window expired, terminating", "window", cfg.DrainWindow)
		os.Exit(2)
	}()

	if err := sup.Run(ctx); err != nil {
		log.Error("pipeline failed", "error", err)
		return exitCode(err)
	}
	log.Info("shutdown complete")
	return 0
}

// buildCollectors assembles the enabled collectors. Pollers are wrapped in
// runners sharing the global poll and batch settings; listeners run as
// services directly.
func buildCollectors(log *slog.Logger, cfg *config.Config, fanout *pipeline.TelemetryFanout, alerts *pipeline.AlertSink) ([]collect.Service, error) {
	var services []collect.Service

	newRunner := func(col collect.Collector, interval time.Duration) error {
		runner, err := collect.NewRunner(collect.RunnerConfig{
			Logger:        log,
			Collector:     col,
			Sink:          fanout.Sink(col.Name()),
			Alerts:        alerts,
			PollInterval:  interval,
			PollTimeout:   cfg.Collector.Timeout,
			Retries:       cfg.Collector.Retries,
			BatchSize:     cfg.Collector.BatchSize,
			FlushInterval: cfg.Collector.FlushInterval,
		})
		if err != nil {
			return err
		}
		services = append(services, runner)
		return nil
	}

	if cfg.SNMP.Enabled {
		if len(cfg.SNMP.Targets) == 0 {
			log.Warn("snmp enabled with no targets, skipping")
		} else {
			targets := make([]snmp.Target, 0, len(cfg.SNMP.Targets))
			for _, t := range cfg.SNMP.Targets {
				targets = append(targets, snmp.Target{Host: t.Host, Port: t.Port})
			}
			col, err := snmp.New(snmp.Config{
				Logger:        log,
				Targets:       targets,
				SecurityLevel: cfg.SNMP.SecurityLevel,
				User:          cfg.SNMP.User,
				AuthProtocol:  cfg.SNMP.AuthProtocol,
				AuthKey:       cfg.SNMP.AuthKey.Reveal(),
				PrivProtocol:  cfg.SNMP.PrivProtocol,
				PrivKey:       cfg.SNMP.PrivKey.Reveal(),
				Timeout:       cfg.SNMP.Timeout,
				Retries:       cfg.SNMP.Retries,
				MaxConcurrent: cfg.Collector.MaxConcurrent,
			})
			if err != nil {
				return nil, err
			}
			if err := newRunner(col, cfg.Collector.PollInterval); err != nil {
				return nil, err
			}
		}
	}

	if cfg.ARP.Enabled {
		col, err := arp.New(arp.Config{Logger: log, DiscoverCIDRs: cfg.ARP.DiscoverCIDRs})
		if err != nil {
			return nil, err
		}
		if err := newRunner(col, cfg.Collector.PollInterval); err != nil {
			return nil, err
		}
	}

	if cfg.Routing.Enabled {
		col, err := routing.New(routing.Config{Logger: log})
		if err != nil {
			return nil, err
		}
		if err := newRunner(col, cfg.Collector.PollInterval); err != nil {
			return nil, err
		}
	}

	if cfg.OPCUA.Enabled {
		col, err := opcua.New(opcua.Config{
			Logger:       log,
			Endpoint:     cfg.OPCUA.Endpoint,
			SecurityMode: cfg.OPCUA.SecurityMode,
			Nodes:        cfg.OPCUA.Nodes,
		})
		if err != nil {
			return nil, err
		}
		if err := newRunner(col, cfg.OPCUA.SamplingInterval); err != nil {
			return nil, err
		}
	}

	if cfg.Modbus.Enabled {
		targets := make([]modbus.Target, 0, len(cfg.Modbus.Targets))
		for _, t := range cfg.Modbus.Targets {
			targets = append(targets, modbus.Target{Host: t.Host, Port: t.Port, UnitID: t.UnitID})
		}
		registers := make([]modbus.RegisterSpec, 0, len(cfg.Modbus.Registers))
		for _, r := range cfg.Modbus.Registers {
			registers = append(registers, modbus.RegisterSpec{
				Name:    r.Name,
				Kind:    r.Kind,
				Address: r.Address,
				Type:    r.Type,
				Scale:   r.Scale,
				Unit:    r.Unit,
			})
		}
		col, err := modbus.New(modbus.Config{
			Logger:    log,
			Targets:   targets,
			Registers: registers,
			Timeout:   cfg.Collector.Timeout,
		})
		if err != nil {
			return nil, err
		}
		if err := newRunner(col, cfg.Collector.PollInterval); err != nil {
			return nil, err
		}
	}

	if cfg.NetFlow.Enabled {
		conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: cfg.NetFlow.Port})
		if err != nil {
			return nil, faults.Config("netflow.listen", "cannot bind", err).WithTarget(fmt.Sprintf(":%d", cfg.NetFlow.Port))
		}
		srv, err := netflow.New(netflow.Config{
			Logger:   log,
			Listener: conn,
			Sink:     fanout.Sink("netflow"),
			Version:  cfg.NetFlow.Version,
		})
		if err != nil {
			return nil, err
		}
		services = append(services, srv)
	}

	if cfg.Syslog.Enabled {
		syslogCfg := syslogd.Config{
			Logger:        log,
			Sink:          fanout.Sink("syslog"),
			BatchSize:     cfg.Collector.BatchSize,
			FlushInterval: cfg.Collector.FlushInterval,
		}
		if cfg.Syslog.Protocol == "udp" || cfg.Syslog.Protocol == "both" {
			conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: cfg.Syslog.Port})
			if err != nil {
				return nil, faults.Config("syslog.listen", "cannot bind udp", err).WithTarget(fmt.Sprintf(":%d", cfg.Syslog.Port))
			}
			syslogCfg.UDPListener = conn
		}
		if cfg.Syslog.Protocol == "tcp" || cfg.Syslog.Protocol == "both" {
			ln, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Syslog.Port))
			if err != nil {
				return nil, faults.Config("syslog.listen", "cannot bind tcp", err).WithTarget(fmt.Sprintf(":%d", cfg.Syslog.Port))
			}
			syslogCfg.TCPListener = ln
		}
		srv, err := syslogd.New(syslogCfg)
		if err != nil {
			return nil, err
		}
		services = append(services, srv)
	}

	if len(services) == 0 {
		return nil, faults.Config("collectors", "no collectors enabled", nil)
	}
	return services, nil
}

// watchTransport surfaces session transitions in the log. Reconnects happen
// inside the client; a closed session here means reconnects were exhausted
// and the pipeline continues store-only.
func watchTransport(log *slog.Logger, events <-chan transport.ConnectionEvent) {
	for ev := range events {
		switch ev.State {
		case transport.StateConnected:
			log.Info("broker session up")
		case transport.StateReconnecting:
			log.Warn("broker session lost, reconnecting", "attempt", ev.Attempt, "error", ev.Err)
		case transport.StateClosed:
			log.Error("broker session closed", "error", ev.Err)
		}
	}
}

func tlsMinVersion(v string) uint16 {
	if v == "1.2" {
		return tls.VersionTLS12
	}
	return tls.VersionTLS13
}

func exitCode(err error) int {
	if faults.Is(err, faults.KindConfig) {
		return 1
	}
	return 2
}
