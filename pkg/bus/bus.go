// Package bus fans normalized events out to registered dispatchers.
package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

// Event is a normalized notification about a subject's activity.
type Event struct {
	Type    string         `json:"type"`
	Subject string         `json:"vtuber"`
	Payload map[string]any `json:"data"`
}

// Dispatcher receives every dispatched event.
type Dispatcher func(ctx context.Context, evt Event) error

type entry struct {
	name string
	fn   Dispatcher
}

var tracer = otel.Tracer("bus")

var eventsDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "stargazer_bus_events_dispatched_total",
	Help: "The number of events dispatched by type",
}, []string{"type"})

var dispatchFailures = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "stargazer_bus_dispatch_failures_total",
	Help: "The number of dispatcher calls that failed or panicked",
}, []string{"dispatcher"})

// Bus delivers events to its dispatchers in registration order, best effort.
type Bus struct {
	logger *slog.Logger

	mu          sync.RWMutex
	dispatchers []entry
}

func New(logger *slog.Logger) *Bus {
	return &Bus{logger: logger.With("module", "bus")}
}

func (b *Bus) Register(name string, fn Dispatcher) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dispatchers = append(b.dispatchers, entry{name: name, fn: fn})
}

// Dispatch calls every dispatcher. Failures are logged and counted and never
// stop delivery to the remaining dispatchers.
func (b *Bus) Dispatch(ctx context.Context, evt Event) {
	ctx, span := tracer.Start(ctx, "Dispatch")
	defer span.End()
	span.SetAttributes(attribute.String("type", evt.Type), attribute.String("subject", evt.Subject))

	b.mu.RLock()
	dispatchers := append([]entry(nil), b.dispatchers...)
	b.mu.RUnlock()

	eventsDispatched.WithLabelValues(evt.Type).Inc()
	b.logger.Debug("dispatching event", "type", evt.Type, "subject", evt.Subject)

	for _, d := range dispatchers {
		if err := b.call(ctx, d, evt); err != nil {
			dispatchFailures.WithLabelValues(d.name).Inc()
			b.logger.Error("dispatcher failed", "dispatcher", d.name, "type", evt.Type, "error", err)
		}
	}
}

func (b *Bus) call(ctx context.Context, d entry, evt Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return d.fn(ctx, evt)
}
