package telemetry

import (
	"context"
	"strconv"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/meridianhq/meridian/internal/events"
)

const engineScopeName = "github.com/meridianhq/meridian/internal/engine"

// MetricsHandler counts engine events on the bus as OTel metrics. Register
// it on the event bus in serve; when telemetry is disabled the no-op meter
// makes every recording free.
type MetricsHandler struct {
	lifecycle   metric.Int64Counter
	errors      metric.Int64Counter
	connections metric.Int64Counter
	pruned      metric.Int64Counter
}

// NewMetricsHandler builds the handler and its instruments.
func NewMetricsHandler() *MetricsHandler {
	m := Meter(engineScopeName)
	lifecycle, _ := m.Int64Counter("meridian.channel.lifecycle",
		metric.WithDescription("Channel and engine lifecycle transitions"),
	)
	errors, _ := m.Int64Counter("meridian.message.errors",
		metric.WithDescription("Messages that finished in ERROR"),
	)
	connections, _ := m.Int64Counter("meridian.connector.transitions",
		metric.WithDescription("Connector connection state transitions"),
	)
	pruned, _ := m.Int64Counter("meridian.messages.pruned",
		metric.WithDescription("Messages removed by the data pruner"),
	)
	return &MetricsHandler{
		lifecycle:   lifecycle,
		errors:      errors,
		connections: connections,
		pruned:      pruned,
	}
}

func (h *MetricsHandler) ID() string { return "metrics" }

func (h *MetricsHandler) Handles() []events.Type {
	return []events.Type{
		events.TypeEngineStarted, events.TypeEngineStopped,
		events.TypeChannelDeployed, events.TypeChannelUndeployed,
		events.TypeChannelStarted, events.TypeChannelStopped,
		events.TypeConnection, events.TypeMessageError,
		events.TypePrunerRun, events.TypeMessagesRemoved,
	}
}

// Priority 90: metrics run after audit and functional handlers.
func (h *MetricsHandler) Priority() int { return 90 }

func (h *MetricsHandler) Handle(ctx context.Context, event *events.Event) error {
	channel := attribute.String("channel_id", event.ChannelID)
	switch event.Type {
	case events.TypeMessageError:
		h.errors.Add(ctx, 1, metric.WithAttributes(channel))
	case events.TypeConnection:
		h.connections.Add(ctx, 1, metric.WithAttributes(
			channel, attribute.String("state", string(event.State))))
	case events.TypePrunerRun, events.TypeMessagesRemoved:
		h.pruned.Add(ctx, prunedCount(event), metric.WithAttributes(channel))
	default:
		h.lifecycle.Add(ctx, 1, metric.WithAttributes(
			channel, attribute.String("transition", string(event.Type))))
	}
	return nil
}

func prunedCount(event *events.Event) int64 {
	raw := event.Attributes["messages_pruned"]
	if raw == "" {
		raw = event.Attributes["count"]
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 1
	}
	return n
}
