package backups

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Metrics holds the metrics instruments for backup operations.
type Metrics struct {
	operationDuration metric.Float64Histogram
	statusTransitions metric.Int64Counter
	notifications     metric.Int64Counter
	tempReclaimed     metric.Int64Counter
	recovered         metric.Int64Counter
	tracer            trace.Tracer
}

// newBackupMetrics creates and registers all backup metrics.
func newBackupMetrics(meter metric.Meter, tracer trace.Tracer, q *DeleteQueue) (*Metrics, error) {
	operationDuration, err := meter.Float64Histogram(
		"backupd_backups_operation_duration_seconds",
		metric.WithDescription("Time to run a backup operation"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	statusTransitions, err := meter.Int64Counter(
		"backupd_backups_status_transitions_total",
		metric.WithDescription("Total number of backup status transitions"),
	)
	if err != nil {
		return nil, err
	}

	notifications, err := meter.Int64Counter(
		"backupd_backups_notifications_total",
		metric.WithDescription("Total number of usage notifications emitted"),
	)
	if err != nil {
		return nil, err
	}

	tempReclaimed, err := meter.Int64Counter(
		"backupd_backups_temp_resources_reclaimed_total",
		metric.WithDescription("Temporary volumes and snapshots deleted after backups"),
	)
	if err != nil {
		return nil, err
	}

	recovered, err := meter.Int64Counter(
		"backupd_backups_recovered_total",
		metric.WithDescription("Backups reconciled by the startup recovery scan"),
	)
	if err != nil {
		return nil, err
	}

	deleteQueue, err := meter.Int64ObservableGauge(
		"backupd_backups_delete_queue",
		metric.WithDescription("Deletions running or waiting on the delete queue"),
	)
	if err != nil {
		return nil, err
	}

	_, err = meter.RegisterCallback(
		func(ctx context.Context, o metric.Observer) error {
			o.ObserveInt64(deleteQueue, int64(q.ActiveCount()),
				metric.WithAttributes(attribute.String("state", "active")))
			o.ObserveInt64(deleteQueue, int64(q.PendingCount()),
				metric.WithAttributes(attribute.String("state", "pending")))
			return nil
		},
		deleteQueue,
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		operationDuration: operationDuration,
		statusTransitions: statusTransitions,
		notifications:     notifications,
		tempReclaimed:     tempReclaimed,
		recovered:         recovered,
		tracer:            tracer,
	}, nil
}

// recordDuration records operation duration.
func (m *manager) recordDuration(ctx context.Context, operation string, start time.Time, err error) {
	if m.metrics == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.metrics.operationDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(
			attribute.String("operation", operation),
			attribute.String("status", status),
		))
}

// recordTransition records a status transition.
func (m *manager) recordTransition(ctx context.Context, from, to Status) {
	if m.metrics == nil || from == to {
		return
	}
	m.metrics.statusTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("from", string(from)),
			attribute.String("to", string(to)),
		))
}

func (m *manager) recordNotification(ctx context.Context, event string) {
	if m.metrics == nil {
		return
	}
	m.metrics.notifications.Add(ctx, 1, metric.WithAttributes(attribute.String("event", event)))
}

func (m *Metrics) recordReclaimed(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.tempReclaimed.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

func (m *manager) recordRecovery(ctx context.Context, status Status, err error) {
	if m.metrics == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.metrics.recovered.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("status", string(status)),
			attribute.String("outcome", outcome),
		))
}

// startSpan starts a tracing span if a tracer is configured.
func (m *manager) startSpan(ctx context.Context, name string) (context.Context, func()) {
	if m.metrics == nil || m.metrics.tracer == nil {
		return ctx, func() {}
	}
	ctx, span := m.metrics.tracer.Start(ctx, name)
	return ctx, func() { span.End() }
}
