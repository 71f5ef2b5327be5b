package volumes

import "errors"

var (
	ErrNotFound         = errors.New("volume not found")
	ErrSnapshotNotFound = errors.New("snapshot not found")
	ErrStatusConflict   = errors.New("volume status changed")
)
