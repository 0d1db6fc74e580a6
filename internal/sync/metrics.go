package sync

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
)

const (
	otelScope       = "exchangesync/sync"
	spanPass        = "sync.pass"
	metricCreated   = "exchangesync.sync.items.created"
	metricUpdated   = "exchangesync.sync.items.updated"
	metricDeleted   = "exchangesync.sync.items.deleted"
	metricConflicts = "exchangesync.sync.conflicts"
	metricErrors    = "exchangesync.sync.errors"
	metricPasses    = "exchangesync.sync.passes"
)

// passMetrics records a trace span and counters for every sync pass. The
// instruments are always non-nil (no-op when telemetry is disabled).
type passMetrics struct {
	tracer       trace.Tracer
	cntCreated   metric.Int64Counter
	cntUpdated   metric.Int64Counter
	cntDeleted   metric.Int64Counter
	cntConflicts metric.Int64Counter
	cntErrors    metric.Int64Counter
	cntPasses    metric.Int64Counter
}

func newPassMetrics(logger *slog.Logger) *passMetrics {
	meter := otel.Meter(otelScope)

	mustCounter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		if err != nil {
			logger.Error("creating OTel counter", "name", name, "error", err)
			return noop.Int64Counter{}
		}
		return c
	}

	return &passMetrics{
		tracer:       otel.Tracer(otelScope),
		cntCreated:   mustCounter(metricCreated, "Number of events created during sync"),
		cntUpdated:   mustCounter(metricUpdated, "Number of events updated during sync"),
		cntDeleted:   mustCounter(metricDeleted, "Number of events deleted during sync"),
		cntConflicts: mustCounter(metricConflicts, "Number of conflict resolutions during sync"),
		cntErrors:    mustCounter(metricErrors, "Number of item errors encountered during sync"),
		cntPasses:    mustCounter(metricPasses, "Number of sync passes, by outcome"),
	}
}

// observe runs one pass inside a span and records its stats.
func (m *passMetrics) observe(ctx context.Context, user string, run func(context.Context) (Stats, error)) (Stats, error) {
	ctx, span := m.tracer.Start(ctx, spanPass, trace.WithAttributes(attribute.String("sync.user", user)))
	defer span.End()

	stats, err := run(ctx)

	userAttr := metric.WithAttributes(attribute.String("sync.user", user))
	if stats.Created > 0 {
		m.cntCreated.Add(ctx, int64(stats.Created), userAttr)
	}
	if stats.Updated > 0 {
		m.cntUpdated.Add(ctx, int64(stats.Updated), userAttr)
	}
	if stats.Deleted > 0 {
		m.cntDeleted.Add(ctx, int64(stats.Deleted), userAttr)
	}
	if stats.Conflicts > 0 {
		m.cntConflicts.Add(ctx, int64(stats.Conflicts), userAttr)
	}
	if stats.Errors > 0 {
		m.cntErrors.Add(ctx, int64(stats.Errors), userAttr)
	}
	outcome := "ok"
	if err != nil {
		outcome = "aborted"
	}
	m.cntPasses.Add(ctx, 1, metric.WithAttributes(
		attribute.String("sync.user", user),
		attribute.String("sync.outcome", outcome),
	))

	span.SetAttributes(
		attribute.Int("sync.created", stats.Created),
		attribute.Int("sync.updated", stats.Updated),
		attribute.Int("sync.deleted", stats.Deleted),
		attribute.Int("sync.conflicts", stats.Conflicts),
		attribute.Int("sync.errors", stats.Errors),
	)
	if err != nil {
		span.RecordError(err)
	}
	return stats, err
}
