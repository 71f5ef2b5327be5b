package backups

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a backup record does not exist.
	ErrNotFound = errors.New("backup not found")

	// ErrInvalidBackup is returned when the backup is in the wrong status or
	// belongs to a different driver.
	ErrInvalidBackup = errors.New("invalid backup")

	// ErrInvalidVolume is returned when the volume is in the wrong status.
	ErrInvalidVolume = errors.New("invalid volume")

	// ErrInvalidSnapshot is returned when the source snapshot is in the wrong status.
	ErrInvalidSnapshot = errors.New("invalid snapshot")

	// ErrServiceNotFound is returned when no host can import a record.
	ErrServiceNotFound = errors.New("backup service not found")

	// ErrVerifyUnsupported is returned when verification is required but the driver cannot verify.
	ErrVerifyUnsupported = errors.New("backup verification not supported by driver")

	// ErrStatusConflict is returned when a conditional save finds the record
	// no longer in the expected status.
	ErrStatusConflict = errors.New("backup status changed concurrently")

	// ErrRecordMismatch is returned when an imported record describes a
	// different backup than the one it is imported into.
	ErrRecordMismatch = fmt.Errorf("%w: record id mismatch", ErrInvalidBackup)

	// ErrInvalidRecord is returned when an exported record cannot be decoded.
	ErrInvalidRecord = errors.New("invalid backup record")
)
