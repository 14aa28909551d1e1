// Package pipeline wires the stages together: collector batches flow to the
// broker and the store, parsed observations to the correlation engine, and
// alerts out through every configured sink. The supervisor keeps the
// long-running components alive and decides which failures are fatal.
package pipeline

import (
	"context"

	"github.com/google/uuid"

	"github.com/fieldlight/otgraph/internal/parse"
)

// Default broker topics. The config layer overrides them per deployment.
const (
	DefaultTelemetryTopic = "scada/telemetry"
	DefaultAlertTopic     = "scada/alerts"

	qosTelemetry byte = 1
	qosAlerts    byte = 2
)

// Publisher sends one message to the broker. The transport client implements
// it; a nil Publisher runs the pipeline store-only.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any, qos byte, retain bool) error
}

// Enqueuer accepts parsed observations for correlation. It blocks while the
// correlator inbox is full, which is the pipeline's backpressure.
type Enqueuer interface {
	Enqueue(ctx context.Context, recordID uuid.UUID, obs parse.Observation) error
}
