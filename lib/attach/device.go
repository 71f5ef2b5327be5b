package attach

import (
	"context"
	"fmt"
	"io"
	"os"
	"syscall"

	"github.com/onkernel/backupd/lib/logger"
)

// Mode is the access mode a device is opened with.
type Mode int

const (
	ModeRead Mode = iota
	ModeWrite
)

// OpenDevice opens an attached device for the duration of fn.
//
// When secure is false the node is temporarily chowned to the current user
// and handed back to its owner after fn returns. Stream handles are passed
// to fn without being opened.
func OpenDevice(ctx context.Context, dev *Device, mode Mode, secure bool, fn func(rw io.ReadWriter) error) error {
	if dev.Handle != nil {
		return fn(dev.Handle)
	}

	info, err := os.Stat(dev.Path)
	if err != nil {
		return fmt.Errorf("stat device: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf("%w: %s", ErrNotDevice, dev.Path)
	}

	open := func() error {
		flag := os.O_RDONLY
		if mode == ModeWrite {
			flag = os.O_WRONLY
		}
		f, err := os.OpenFile(dev.Path, flag, 0)
		if err != nil {
			return fmt.Errorf("open device: %w", err)
		}
		defer f.Close()

		if err := fn(f); err != nil {
			return err
		}
		if mode == ModeWrite {
			if err := f.Sync(); err != nil {
				return fmt.Errorf("sync device: %w", err)
			}
		}
		return nil
	}

	if secure {
		return open()
	}
	return TemporaryChown(ctx, dev.Path, os.Getuid(), open)
}

// TemporaryChown gives uid ownership of path while fn runs and restores the
// original owner afterwards, even if fn fails.
func TemporaryChown(ctx context.Context, path string, uid int, fn func() error) (err error) {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok || int(st.Uid) == uid {
		return fn()
	}

	original := int(st.Uid)
	if err := os.Chown(path, uid, -1); err != nil {
		return fmt.Errorf("chown %s: %w", path, err)
	}
	defer func() {
		if rerr := os.Chown(path, original, -1); rerr != nil {
			logger.FromContext(ctx).ErrorContext(ctx, "failed to restore device owner", "path", path, "uid", original, "error", rerr)
			if err == nil {
				err = fmt.Errorf("restore owner of %s: %w", path, rerr)
			}
		}
	}()
	return fn()
}
