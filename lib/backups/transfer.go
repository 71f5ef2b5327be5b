package backups

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/onkernel/backupd/lib/logger"
)

// ExportRecord returns a portable record of an available backup.
func (m *manager) ExportRecord(ctx context.Context, id string) (*ExportedRecord, error) {
	log := logger.FromContext(ctx)
	ctx, end := m.startSpan(ctx, "ExportRecord")
	defer end()

	b, err := m.store.GetBackup(ctx, id)
	if err != nil {
		return nil, err
	}
	if b.Status != StatusAvailable {
		return nil, fmt.Errorf("%w: Export backup aborted, expected backup status %s but got %s.", ErrInvalidBackup, StatusAvailable, b.Status)
	}
	if err := m.checkService(b); err != nil {
		return nil, err
	}

	driverInfo, err := m.driver.ExportRecord(ctx, b)
	if err != nil {
		return nil, fmt.Errorf("%w: export backup %s: %v", ErrInvalidBackup, id, err)
	}
	url, err := encodeRecord(b, driverInfo)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBackup, err)
	}

	log.InfoContext(ctx, "exported backup record", "backup_id", id)
	return &ExportedRecord{BackupService: b.Service, BackupURL: url}, nil
}

// ImportRecord loads an exported record into the backup id. If this host
// runs a different driver the request moves on to the next candidate host.
func (m *manager) ImportRecord(ctx context.Context, id string, req ImportRequest) (err error) {
	start := time.Now()
	log := logger.FromContext(ctx)
	ctx, end := m.startSpan(ctx, "ImportRecord")
	defer end()
	defer func() { m.recordDuration(ctx, "import", start, err) }()

	unlock := m.lockBackup(id)
	defer unlock()

	b, err := m.store.GetBackup(ctx, id)
	if err != nil {
		return err
	}

	if req.BackupService != m.cfg.DriverName {
		return m.forwardImport(ctx, b, req)
	}

	rec, err := decodeRecord(req.BackupURL)
	if err != nil {
		m.failBackup(ctx, b, StatusError, err.Error())
		return fmt.Errorf("%w: %v", ErrInvalidBackup, err)
	}

	if err := m.driver.ImportRecord(ctx, b, rec.driverInfo); err != nil {
		reason := fmt.Sprintf("Driver failed to import backup record: %v", err)
		m.failBackup(ctx, b, StatusError, reason)
		return fmt.Errorf("%w: %s", ErrInvalidBackup, reason)
	}

	if missing := rec.missing(); len(missing) > 0 {
		reason := fmt.Sprintf("Driver successfully decoded imported backup data, but there are missing fields (%s).", strings.Join(missing, ", "))
		m.failBackup(ctx, b, StatusError, reason)
		return fmt.Errorf("%w: %s", ErrInvalidBackup, reason)
	}

	if recordID := rec.id(); recordID != b.Id {
		reason := fmt.Sprintf("Trying to import backup metadata from id %s into backup %s.", recordID, b.Id)
		m.failBackup(ctx, b, StatusError, reason)
		return fmt.Errorf("%w: %s", ErrRecordMismatch, reason)
	}

	loaded := b.Status
	if err := rec.applyTo(b); err != nil {
		m.failBackup(ctx, b, StatusError, err.Error())
		return fmt.Errorf("%w: %v", ErrInvalidBackup, err)
	}
	b.Service = m.cfg.DriverName
	b.AvailabilityZone = m.cfg.AvailabilityZone
	b.Host = m.cfg.Host
	if err := m.store.SaveBackup(ctx, b, loaded); err != nil {
		return fmt.Errorf("save imported backup %s: %w", id, err)
	}

	if v := m.driver.Verifier(); v == nil {
		log.WarnContext(ctx, "driver cannot verify backups, skipping verification of imported record",
			"backup_id", id, "driver", m.cfg.DriverName)
	} else if err := v.Verify(ctx, b.Id); err != nil {
		reason := fmt.Sprintf("Imported backup %s failed verification: %v", id, err)
		m.failBackup(ctx, b, StatusError, reason)
		return fmt.Errorf("%w: %s", ErrInvalidBackup, reason)
	}

	if err := m.setStatus(ctx, b, StatusAvailable, ""); err != nil {
		return err
	}
	log.InfoContext(ctx, "imported backup record", "backup_id", id)
	return nil
}

// forwardImport pops candidate hosts from the end of the list until one
// accepts the request. Each hop receives its own copy of what is left, so no
// request can be forwarded more times than the original list was long.
func (m *manager) forwardImport(ctx context.Context, b *Backup, req ImportRequest) error {
	log := logger.FromContext(ctx)

	hosts := slices.Clone(req.BackupHosts)
	hops := len(hosts)
	switch {
	case req.HopsLeft < 0:
		hops = 0
	case req.HopsLeft > 0 && req.HopsLeft < hops:
		hops = req.HopsLeft
	}

	for m.forwarder != nil && len(hosts) > 0 && hops > 0 {
		host := hosts[len(hosts)-1]
		hosts = hosts[:len(hosts)-1]
		hops--
		if host == m.cfg.Host {
			continue
		}

		next := ImportRequest{
			BackupService: req.BackupService,
			BackupURL:     req.BackupURL,
			BackupHosts:   slices.Clone(hosts),
			HopsLeft:      hops,
		}
		if hops == 0 {
			next.HopsLeft = NoHopsLeft
		}
		if err := m.forwarder.ImportRecord(ctx, host, b.Id, next); err != nil {
			log.WarnContext(ctx, "failed to forward import record, trying next host", "backup_id", b.Id, "host", host, "error", err)
			continue
		}
		log.InfoContext(ctx, "forwarded import record", "backup_id", b.Id, "host", host, "remaining_hosts", len(hosts))
		return nil
	}

	reason := fmt.Sprintf("Import record failed, cannot find backup service to perform the import. Request service %s.", req.BackupService)
	m.failBackup(ctx, b, StatusError, reason)
	return fmt.Errorf("%w: %s", ErrServiceNotFound, reason)
}

// ResetStatus forces a backup to available or error. Forcing to available
// from anything but restoring requires the driver to verify the data first.
// Errored temporary resources are reclaimed whatever the outcome.
func (m *manager) ResetStatus(ctx context.Context, id string, status Status) error {
	log := logger.FromContext(ctx)
	ctx, end := m.startSpan(ctx, "ResetStatus")
	defer end()

	unlock := m.lockBackup(id)
	defer unlock()

	b, err := m.store.GetBackup(ctx, id)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := m.temp.ReclaimIfErrored(context.WithoutCancel(ctx), b); cerr != nil {
			log.WarnContext(ctx, "failed to reclaim temporary resources after status reset", "backup_id", id, "error", cerr)
		}
	}()

	log.InfoContext(ctx, "reset backup status", "backup_id", id, "from", b.Status, "to", status)

	if status != StatusAvailable && status != StatusError {
		return fmt.Errorf("%w: cannot reset backup to status %s", ErrInvalidBackup, status)
	}

	if err := m.checkService(b); err != nil {
		m.failBackup(ctx, b, StatusError, err.Error())
		return err
	}

	if status == StatusAvailable && b.Status != StatusRestoring {
		if b.Service == "" {
			return fmt.Errorf("%w: backup %s has no recorded service to verify against", ErrInvalidBackup, id)
		}
		v := m.driver.Verifier()
		if v == nil {
			return fmt.Errorf("%w: driver %s", ErrVerifyUnsupported, m.cfg.DriverName)
		}
		if err := v.Verify(ctx, b.Id); err != nil {
			log.ErrorContext(ctx, "backup verification failed", "backup_id", id, "error", err)
			if errors.Is(err, ErrInvalidBackup) {
				return err
			}
			return fmt.Errorf("%w: backup %s failed verification: %v", ErrInvalidBackup, id, err)
		}
	}

	return m.setStatus(ctx, b, status, "")
}
