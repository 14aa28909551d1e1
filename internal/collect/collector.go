// Package collect defines the collector contract and the machinery shared by
// every telemetry source: the polling runner with retry and batching, and the
// manager that supervises collector lifecycles.
package collect

import (
	"context"
	"time"

	"github.com/fieldlight/otgraph/internal/model"
)

// Collector is a pull-based telemetry source. Collect performs one poll
// across the collector's targets and returns whatever records it gathered.
// Implementations must honor ctx cancellation and keep partial results:
// one unreachable target must not discard the rest of the poll.
type Collector interface {
	Name() string
	Source() model.TelemetrySource
	Collect(ctx context.Context) ([]model.TelemetryRecord, error)
	TargetCount() int
}

// Service is anything with a blocking run loop: a Runner wrapping a polling
// collector, or a push-based listener that owns its own socket.
type Service interface {
	Name() string
	Run(ctx context.Context) error
}

// Sink receives batches of telemetry records from a runner. Emit must be safe
// for concurrent use; runners for different sources flush independently.
type Sink interface {
	Emit(ctx context.Context, batch []model.TelemetryRecord) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, batch []model.TelemetryRecord) error

func (f SinkFunc) Emit(ctx context.Context, batch []model.TelemetryRecord) error {
	return f(ctx, batch)
}

// Emitter receives alerts raised by a runner's poll loop. The pipeline's
// alert sink implements it; Emit runs on the poller goroutine.
type Emitter interface {
	Emit(ctx context.Context, a model.Alert)
}

// Health is a point-in-time report of a collector service: failed polls for
// runners, undecodable datagrams or messages for listeners. Errors counts
// failures over the service's lifetime; ConsecutiveFailures resets on the
// first success.
type Health struct {
	Collector           string    `json:"collector"`
	Targets             int       `json:"targets"`
	LastPollAt          time.Time `json:"last_poll_at,omitzero"`
	LastSuccessAt       time.Time `json:"last_success_at,omitzero"`
	Errors              uint64    `json:"errors"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastError           string    `json:"last_error,omitempty"`
}

// HealthReporter is implemented by services that can describe their own
// liveness. The manager logs these on its health interval.
type HealthReporter interface {
	Health() Health
}
