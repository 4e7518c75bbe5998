package observability

import (
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"escrowd/core/events"
	"escrowd/core/types"
)

type eventMetrics struct {
	emitted *prometheus.CounterVec
}

var (
	eventMetricsOnce sync.Once
	eventRegistry    *eventMetrics
)

func eventCounters() *eventMetrics {
	eventMetricsOnce.Do(func() {
		eventRegistry = &eventMetrics{
			emitted: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrowd",
				Subsystem: "events",
				Name:      "emitted_total",
				Help:      "Escrow lifecycle events segmented by event type.",
			}, []string{"type"}),
		}
		prometheus.MustRegister(eventRegistry.emitted)
	})
	return eventRegistry
}

// EventSink is an events.Emitter that logs every escrow lifecycle event as a
// structured line and counts it in Prometheus.
type EventSink struct {
	logger *slog.Logger
}

// NewEventSink builds a sink around the supplied logger. A nil logger falls
// back to the process default.
func NewEventSink(logger *slog.Logger) *EventSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventSink{logger: logger}
}

// Emit implements events.Emitter.
func (s *EventSink) Emit(evt events.Event) {
	if s == nil || evt == nil {
		return
	}
	eventType := evt.EventType()
	if eventType == "" {
		return
	}
	eventCounters().emitted.WithLabelValues(eventType).Inc()

	args := []any{slog.String("event", eventType)}
	if carrier, ok := evt.(interface{ Event() *types.Event }); ok {
		if payload := carrier.Event(); payload != nil {
			for key, value := range payload.Attributes {
				args = append(args, slog.String(key, value))
			}
		}
	}
	s.logger.Info("escrow event", args...)
}
