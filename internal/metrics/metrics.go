package metrics

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/Iron-Ham/conductor/internal/event"
	"github.com/Iron-Ham/conductor/internal/model"
)

const meterName = "conductor"

// Metrics holds all conductor metric instruments.
type Metrics struct {
	SessionsStarted  metric.Int64Counter
	SessionsFinished metric.Int64Counter
	SessionsBlocked  metric.Int64Counter
	ActiveSessions   metric.Int64UpDownCounter
	OutputBytes      metric.Int64Counter
	Errors           metric.Int64Counter
	SessionDuration  metric.Float64Histogram
}

// New creates all metric instruments from mp. A nil mp uses the global
// provider.
func New(mp metric.MeterProvider) (*Metrics, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(meterName)
	m := &Metrics{}
	var err error

	m.SessionsStarted, err = meter.Int64Counter("conductor.sessions.started",
		metric.WithDescription("Number of agent processes launched"))
	if err != nil {
		return nil, err
	}

	m.SessionsFinished, err = meter.Int64Counter("conductor.sessions.finished",
		metric.WithDescription("Number of sessions that reached a final or approval status"))
	if err != nil {
		return nil, err
	}

	m.SessionsBlocked, err = meter.Int64Counter("conductor.sessions.blocked",
		metric.WithDescription("Number of sessions marked blocked by the sweep"))
	if err != nil {
		return nil, err
	}

	m.ActiveSessions, err = meter.Int64UpDownCounter("conductor.sessions.active",
		metric.WithDescription("Sessions currently planning or running"))
	if err != nil {
		return nil, err
	}

	m.OutputBytes, err = meter.Int64Counter("conductor.output.bytes",
		metric.WithDescription("Bytes of agent output received"),
		metric.WithUnit("By"))
	if err != nil {
		return nil, err
	}

	m.Errors, err = meter.Int64Counter("conductor.errors",
		metric.WithDescription("Background failures reported by the orchestrator"))
	if err != nil {
		return nil, err
	}

	m.SessionDuration, err = meter.Float64Histogram("conductor.session.duration_seconds",
		metric.WithDescription("Session run time in seconds"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}

	return m, nil
}

// Attach subscribes the instruments to bus and returns the subscription id.
func (m *Metrics) Attach(bus *event.Bus) string {
	return bus.SubscribeAll(m.Record)
}

// Record updates the instruments for one event.
func (m *Metrics) Record(e event.Event) {
	ctx := context.Background()

	switch ev := e.(type) {
	case event.SessionChangedEvent:
		m.recordSession(ctx, ev)
	case event.SessionActivityEvent:
		m.OutputBytes.Add(ctx, int64(ev.Bytes))
	case event.ErrorEvent:
		m.Errors.Add(ctx, 1, metric.WithAttributes(attribute.String("op", ev.Op)))
	}
}

func (m *Metrics) recordSession(ctx context.Context, ev event.SessionChangedEvent) {
	s := ev.Session
	phase := metric.WithAttributes(attribute.String("phase", string(s.Phase)))

	wasActive := ev.Previous.IsActive()
	isActive := s.Status.IsActive() && !ev.Removed
	switch {
	case isActive && !wasActive:
		m.ActiveSessions.Add(ctx, 1, phase)
	case wasActive && !isActive:
		m.ActiveSessions.Add(ctx, -1, phase)
	}

	if ev.Removed || ev.Previous == s.Status {
		return
	}

	if s.Status.IsActive() && ev.Previous == model.StatusQueued {
		m.SessionsStarted.Add(ctx, 1, phase)
	}
	if s.Status == model.StatusBlocked {
		m.SessionsBlocked.Add(ctx, 1, phase)
	}
	if (s.Status.IsTerminal() || s.Status == model.StatusAwaitingApproval) && s.EndedAt != nil {
		m.SessionsFinished.Add(ctx, 1, metric.WithAttributes(
			attribute.String("phase", string(s.Phase)),
			attribute.String("status", string(s.Status)),
		))
		if s.StartedAt != nil {
			m.SessionDuration.Record(ctx, s.Duration(*s.EndedAt).Seconds(), phase)
		}
	}
}
