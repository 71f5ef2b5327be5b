package rpc

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/onkernel/backupd/lib/backups"
	"github.com/onkernel/backupd/lib/volumes"
)

var (
	// ErrInvalidVersion is returned for an unparseable version string.
	ErrInvalidVersion = errors.New("invalid rpc version")

	// ErrVersionMismatch is returned when the server cannot serve the caller's pinned version.
	ErrVersionMismatch = errors.New("rpc version not supported")

	// ErrBadRequest is returned for a malformed request body.
	ErrBadRequest = errors.New("bad rpc request")

	// ErrDraining is returned for casts received while the server shuts down.
	ErrDraining = errors.New("rpc server draining")
)

// Error codes carried in error replies.
const (
	CodeBackupNotFound    = "backup_not_found"
	CodeVolumeNotFound    = "volume_not_found"
	CodeSnapshotNotFound  = "snapshot_not_found"
	CodeInvalidBackup     = "invalid_backup"
	CodeRecordMismatch    = "record_mismatch"
	CodeInvalidVolume     = "invalid_volume"
	CodeInvalidSnapshot   = "invalid_snapshot"
	CodeServiceNotFound   = "service_not_found"
	CodeVerifyUnsupported = "verify_unsupported"
	CodeConflict          = "conflict"
	CodeVersionMismatch   = "version_mismatch"
	CodeBadRequest        = "bad_request"
	CodeUnavailable       = "unavailable"
	CodeInternal          = "internal"
)

type errorKind struct {
	err    error
	code   string
	status int
}

// errorKinds is ordered most specific first.
var errorKinds = []errorKind{
	{backups.ErrRecordMismatch, CodeRecordMismatch, http.StatusBadRequest},
	{backups.ErrNotFound, CodeBackupNotFound, http.StatusNotFound},
	{volumes.ErrNotFound, CodeVolumeNotFound, http.StatusNotFound},
	{volumes.ErrSnapshotNotFound, CodeSnapshotNotFound, http.StatusNotFound},
	{backups.ErrStatusConflict, CodeConflict, http.StatusConflict},
	{backups.ErrInvalidBackup, CodeInvalidBackup, http.StatusBadRequest},
	{backups.ErrInvalidVolume, CodeInvalidVolume, http.StatusBadRequest},
	{backups.ErrInvalidSnapshot, CodeInvalidSnapshot, http.StatusBadRequest},
	{backups.ErrServiceNotFound, CodeServiceNotFound, http.StatusBadRequest},
	{backups.ErrVerifyUnsupported, CodeVerifyUnsupported, http.StatusBadRequest},
	{ErrVersionMismatch, CodeVersionMismatch, http.StatusBadRequest},
	{ErrInvalidVersion, CodeBadRequest, http.StatusBadRequest},
	{ErrBadRequest, CodeBadRequest, http.StatusBadRequest},
	{ErrDraining, CodeUnavailable, http.StatusServiceUnavailable},
}

// classify maps an error to its reply code and HTTP status.
func classify(err error) (string, int) {
	for _, k := range errorKinds {
		if errors.Is(err, k.err) {
			return k.code, k.status
		}
	}
	return CodeInternal, http.StatusInternalServerError
}

// errorBody is the JSON body of an error reply.
type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// RemoteError is an error reply from a remote server. errors.Is matches the
// sentinel the code was produced from.
type RemoteError struct {
	Status  int
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("rpc %s (%d): %s", e.Code, e.Status, e.Message)
}

func (e *RemoteError) Unwrap() error {
	for _, k := range errorKinds {
		if k.code == e.Code && k.code != CodeBadRequest {
			return k.err
		}
	}
	if e.Code == CodeBadRequest {
		return ErrBadRequest
	}
	return nil
}
