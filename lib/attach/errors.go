package attach

import "errors"

var (
	// ErrUnsupportedProtocol is returned for a driver_volume_type with no local connector.
	ErrUnsupportedProtocol = errors.New("unsupported connection protocol")

	// ErrMissingConnectionData is returned when a backend omits a key the connector needs.
	ErrMissingConnectionData = errors.New("missing connection data")

	// ErrDeviceNotFound is returned when the device never shows up on this host.
	ErrDeviceNotFound = errors.New("device not found")

	// ErrNotDevice is returned when a connector yields a directory instead of a device.
	ErrNotDevice = errors.New("attached path is not a device")
)
