package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CollectorPolls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "otgraph_collector_polls_total",
		Help: "Completed collector polls.",
	}, []string{"collector"})

	CollectorPollErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "otgraph_collector_poll_errors_total",
		Help: "Collector polls that failed after retries.",
	}, []string{"collector"})

	CollectorPollSkips = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "otgraph_collector_poll_skips_total",
		Help: "Ticks skipped because the previous poll was still running.",
	}, []string{"collector"})

	CollectorRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "otgraph_collector_retries_total",
		Help: "Retry attempts across collector polls.",
	}, []string{"collector"})

	CollectorSecurityFaults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "otgraph_collector_security_faults_total",
		Help: "Polls that failed on authentication, authorization, or certificate checks.",
	}, []string{"collector"})

	CollectorRecords = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "otgraph_collector_records_total",
		Help: "Telemetry records emitted by collectors.",
	}, []string{"collector"})

	CollectorBatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "otgraph_collector_batches_total",
		Help: "Batches flushed downstream.",
	}, []string{"collector"})

	CollectorSinkDrops = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "otgraph_collector_sink_drops_total",
		Help: "Batches dropped because the downstream sink rejected them.",
	}, []string{"collector"})

	ServiceRestarts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "otgraph_service_restarts_total",
		Help: "Supervised services restarted after a failure.",
	}, []string{"service"})

	TransportConnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "otgraph_transport_connects_total",
		Help: "Successful broker connections.",
	})

	TransportReconnectAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "otgraph_transport_reconnect_attempts_total",
		Help: "Reconnect attempts against the broker.",
	})

	TransportPublishes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "otgraph_transport_publishes_total",
		Help: "Messages published, by topic.",
	}, []string{"topic"})

	TransportPublishErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "otgraph_transport_publish_errors_total",
		Help: "Publish failures, by topic.",
	}, []string{"topic"})

	TransportHandlerPanics = promauto.NewCounter(prometheus.CounterOpts{
		Name: "otgraph_transport_handler_panics_total",
		Help: "Panics recovered inside subscribe handlers.",
	})

	NetFlowPackets = promauto.NewCounter(prometheus.CounterOpts{
		Name: "otgraph_netflow_packets_received_total",
		Help: "NetFlow datagrams received.",
	})

	NetFlowDecodeErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "otgraph_netflow_decode_errors_total",
		Help: "NetFlow datagrams that failed to decode.",
	})

	NetFlowFlows = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "otgraph_netflow_flows_total",
		Help: "Flow records decoded, by NetFlow version.",
	}, []string{"version"})

	NetFlowTemplates = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "otgraph_netflow_templates_cached",
		Help: "v9 templates currently cached.",
	})

	NetFlowPendingDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "otgraph_netflow_pending_dropped_total",
		Help: "Buffered flows dropped waiting for a template.",
	})

	NetFlowInvalidFlows = promauto.NewCounter(prometheus.CounterOpts{
		Name: "otgraph_netflow_invalid_flows_total",
		Help: "Decoded flow records discarded for invalid fields.",
	})

	SyslogMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "otgraph_syslog_messages_total",
		Help: "Syslog messages parsed, by RFC format.",
	}, []string{"format"})

	SyslogParseErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "otgraph_syslog_parse_errors_total",
		Help: "Syslog payloads that failed both parsers.",
	})

	SyslogSecurityEvents = promauto.NewCounter(prometheus.CounterOpts{
		Name: "otgraph_syslog_security_events_total",
		Help: "Messages recognized as security events.",
	})

	ParseErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "otgraph_parse_errors_total",
		Help: "Records dropped by per-source parsers.",
	}, []string{"source"})

	CorrelatorObservations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "otgraph_correlator_observations_total",
		Help: "Observations consumed by the correlation engine.",
	}, []string{"source"})

	DevicesCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "otgraph_correlator_devices_created_total",
		Help: "Devices created by identity resolution.",
	})

	DevicesUpdated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "otgraph_correlator_devices_updated_total",
		Help: "Devices updated by identity resolution.",
	})

	DevicesMerged = promauto.NewCounter(prometheus.CounterOpts{
		Name: "otgraph_correlator_devices_merged_total",
		Help: "Duplicate devices merged.",
	})

	ConnectionsUpserted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "otgraph_correlator_connections_upserted_total",
		Help: "Connection upserts applied.",
	})

	IPCacheEntries = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "otgraph_correlator_ip_cache_entries",
		Help: "Entries in the IP to device cache.",
	})

	Snapshots = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "otgraph_correlator_snapshots_total",
		Help: "Topology snapshots written, by trigger (interval or changes).",
	}, []string{"trigger"})

	AlertsEmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "otgraph_alerts_emitted_total",
		Help: "Alerts emitted by the pipeline, by type and severity.",
	}, []string{"type", "severity"})

	RiskAssessments = promauto.NewCounter(prometheus.CounterOpts{
		Name: "otgraph_risk_assessments_total",
		Help: "Risk assessments computed.",
	})

	StoreErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "otgraph_store_errors_total",
		Help: "Repository operations that failed, by repository.",
	}, []string{"repo"})

	StoreRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "otgraph_store_retries_total",
		Help: "Transient database failures retried.",
	})

	ArchiveUploads = promauto.NewCounter(prometheus.CounterOpts{
		Name: "otgraph_archive_uploads_total",
		Help: "Snapshots uploaded to the archive bucket.",
	})

	ArchiveErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "otgraph_archive_errors_total",
		Help: "Snapshot archive upload failures.",
	})
)
