// Package backups runs the backup lifecycle on a backup worker host: create,
// restore, delete, export, import and status reset, plus the startup scan that
// reconciles work a crash left half done.
package backups

import (
	"context"
	"errors"
	"fmt"

	"github.com/onkernel/backupd/lib/attach"
	"github.com/onkernel/backupd/lib/logger"
	"github.com/onkernel/backupd/lib/volumes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Manager handles backup requests addressed to this host.
type Manager interface {
	CreateBackup(ctx context.Context, id string) error
	RestoreBackup(ctx context.Context, id, volumeID string) error
	DeleteBackup(ctx context.Context, id string) error
	ExportRecord(ctx context.Context, id string) (*ExportedRecord, error)
	ImportRecord(ctx context.Context, id string, req ImportRequest) error
	ResetStatus(ctx context.Context, id string, status Status) error
	SupportsForceDelete(ctx context.Context) bool
	Capabilities(ctx context.Context) Capabilities

	// RecoverIncompleteOperations reconciles every backup owned by this host.
	// It must run before the host accepts requests.
	RecoverIncompleteOperations(ctx context.Context) error

	// Drain waits for queued deletions to finish.
	Drain(ctx context.Context) error
}

// DeviceBroker attaches backup sources and restore targets to this host.
type DeviceBroker interface {
	Attach(ctx context.Context, target attach.Target, props volumes.ConnectorProperties) (*attach.Attachment, error)
	Detach(ctx context.Context, a *attach.Attachment, target attach.Target, props volumes.ConnectorProperties, force bool) error
}

type manager struct {
	cfg       Config
	store     Store
	volumes   volumes.API
	broker    DeviceBroker
	driver    Driver
	forwarder Forwarder
	notifier  Notifier
	temp      *TempTracker
	deletes   *DeleteQueue
	metrics   *Metrics
	locks     *keyedLocks
}

var _ Manager = (*manager)(nil)

// NewManager creates a backup manager. meter and tracer may be nil.
func NewManager(
	cfg Config,
	store Store,
	vols volumes.API,
	broker DeviceBroker,
	driver Driver,
	forwarder Forwarder,
	notifier Notifier,
	meter metric.Meter,
	tracer trace.Tracer,
) (Manager, error) {
	if driver == nil {
		return nil, fmt.Errorf("backup driver is required")
	}
	if cfg.Host == "" {
		return nil, fmt.Errorf("backup host is required")
	}

	m := &manager{
		cfg:       cfg,
		store:     store,
		volumes:   vols,
		broker:    broker,
		driver:    driver,
		forwarder: forwarder,
		notifier:  notifier,
		deletes:   NewDeleteQueue(cfg.MaxConcurrentDeletes),
		locks:     newKeyedLocks(),
	}

	if meter != nil {
		metrics, err := newBackupMetrics(meter, tracer, m.deletes)
		if err != nil {
			return nil, fmt.Errorf("create metrics: %w", err)
		}
		m.metrics = metrics
	}
	m.temp = NewTempTracker(store, vols, m.metrics)

	return m, nil
}

// lockBackup serializes operations on one backup within this process.
func (m *manager) lockBackup(id string) func() {
	return m.locks.lock(id)
}

// setStatus moves b to status, guarded on the status b was loaded with.
func (m *manager) setStatus(ctx context.Context, b *Backup, status Status, reason string) error {
	from := b.Status
	b.Status = status
	if reason != "" {
		b.FailReason = reason
	}
	if err := m.store.SaveBackup(ctx, b, from); err != nil {
		b.Status = from
		return fmt.Errorf("set backup %s status %s: %w", b.Id, status, err)
	}
	m.recordTransition(ctx, from, status)
	return nil
}

// failBackup records reason on b and moves it to status. A failed write is
// logged; the caller's original error is what surfaces.
func (m *manager) failBackup(ctx context.Context, b *Backup, status Status, reason string) {
	if err := m.setStatus(ctx, b, status, reason); err != nil {
		logger.FromContext(ctx).ErrorContext(ctx, "failed to record backup failure",
			"backup_id", b.Id, "status", status, "reason", reason, "error", err)
	}
}

// setVolumeStatus moves a volume from expected to status and logs if that
// fails. A volume that left expected in the meantime keeps its new status.
func (m *manager) setVolumeStatus(ctx context.Context, volumeID, expected, status string, previous *string) {
	err := m.store.UpdateVolume(ctx, volumeID, volumes.Update{Status: status, PreviousStatus: previous, Expected: expected})
	switch {
	case err == nil:
	case errors.Is(err, volumes.ErrStatusConflict):
		logger.FromContext(ctx).WarnContext(ctx, "volume moved on before status update, not overwriting",
			"volume_id", volumeID, "expected", expected, "status", status, "error", err)
	default:
		logger.FromContext(ctx).ErrorContext(ctx, "failed to update volume status",
			"volume_id", volumeID, "status", status, "error", err)
	}
}

// checkService rejects a backup written by a different driver.
func (m *manager) checkService(b *Backup) error {
	if b.Service != "" && b.Service != m.cfg.DriverName {
		return fmt.Errorf("%w: the backup service currently configured [%s] is not the backup service that was used to create this backup [%s]",
			ErrInvalidBackup, m.cfg.DriverName, b.Service)
	}
	return nil
}

// driverWorking reports driver health for drivers that can report it.
func (m *manager) driverWorking(ctx context.Context) bool {
	if hc, ok := m.driver.(HealthChecker); ok {
		return hc.IsWorking(ctx)
	}
	return true
}

func (m *manager) SupportsForceDelete(ctx context.Context) bool {
	return m.driver.SupportsForceDelete()
}

func (m *manager) Capabilities(ctx context.Context) Capabilities {
	return Capabilities{
		Host:                m.cfg.Host,
		DriverName:          m.cfg.DriverName,
		SupportsVerify:      m.driver.Verifier() != nil,
		SupportsForceDelete: m.driver.SupportsForceDelete(),
	}
}

func (m *manager) Drain(ctx context.Context) error {
	return m.deletes.Drain(ctx)
}
