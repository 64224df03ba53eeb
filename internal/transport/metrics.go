package transport

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// busTracer is the OTel tracer for transport-level spans. It uses the
// global provider, a no-op until telemetry.Init is called.
var busTracer = otel.Tracer("github.com/sqlbus/sqlbus/transport")

// busMetrics holds OTel instruments for the transport. Registered against
// the global delegating meter at init time, so they forward to the real
// provider once telemetry.Init runs.
var busMetrics struct {
	receives         metric.Int64Counter
	emptyReceives    metric.Int64Counter
	sends            metric.Int64Counter
	deadlockRetries  metric.Int64Counter
	expiredDeleted   metric.Int64Counter
	leasesReclaimed  metric.Int64Counter
	receiveLatencyMs metric.Float64Histogram
}

func init() {
	m := otel.Meter("github.com/sqlbus/sqlbus/transport")
	busMetrics.receives, _ = m.Int64Counter("sqlbus.receive_count",
		metric.WithDescription("Messages leased by Receive"),
		metric.WithUnit("{message}"),
	)
	busMetrics.emptyReceives, _ = m.Int64Counter("sqlbus.empty_receive_count",
		metric.WithDescription("Receive polls that found no deliverable row"),
		metric.WithUnit("{poll}"),
	)
	busMetrics.sends, _ = m.Int64Counter("sqlbus.send_count",
		metric.WithDescription("Messages inserted at scope commit"),
		metric.WithUnit("{message}"),
	)
	busMetrics.deadlockRetries, _ = m.Int64Counter("sqlbus.deadlock_retry_count",
		metric.WithDescription("Ack delete and nack lease-clear statements retried after error 1213"),
		metric.WithUnit("{retry}"),
	)
	busMetrics.expiredDeleted, _ = m.Int64Counter("sqlbus.expired_deleted_count",
		metric.WithDescription("TTL-expired rows removed by the sweeper"),
		metric.WithUnit("{row}"),
	)
	busMetrics.leasesReclaimed, _ = m.Int64Counter("sqlbus.lease_reclaimed_count",
		metric.WithDescription("Leases cleared by the ack-timeout reclaim pass"),
		metric.WithUnit("{row}"),
	)
	busMetrics.receiveLatencyMs, _ = m.Float64Histogram("sqlbus.receive_latency_ms",
		metric.WithDescription("Wall time of one receive attempt"),
		metric.WithUnit("ms"),
	)
}

// endSpan records an error (if any) and ends the span.
func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
