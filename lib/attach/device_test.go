package attach

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenDeviceReadsNode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sdb")
	require.NoError(t, os.WriteFile(path, []byte("block data"), 0600))

	for _, secure := range []bool{true, false} {
		var got []byte
		err := OpenDevice(context.Background(), &Device{Path: path}, ModeRead, secure, func(rw io.ReadWriter) error {
			var err error
			got, err = io.ReadAll(rw)
			return err
		})
		require.NoError(t, err)
		assert.Equal(t, "block data", string(got))
	}
}

func TestOpenDeviceWritesNode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sdc")
	require.NoError(t, os.WriteFile(path, make([]byte, 8), 0600))

	err := OpenDevice(context.Background(), &Device{Path: path}, ModeWrite, false, func(rw io.ReadWriter) error {
		_, err := rw.Write([]byte("restored"))
		return err
	})
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "restored", string(data))
}

func TestOpenDeviceRejectsDirectory(t *testing.T) {
	err := OpenDevice(context.Background(), &Device{Path: t.TempDir()}, ModeRead, true, func(io.ReadWriter) error {
		t.Fatal("callback must not run for a directory")
		return nil
	})
	assert.ErrorIs(t, err, ErrNotDevice)
}

func TestOpenDevicePassesHandleThrough(t *testing.T) {
	var buf bytes.Buffer
	err := OpenDevice(context.Background(), &Device{Path: "rbd:pool/img", Handle: &buf}, ModeWrite, false, func(rw io.ReadWriter) error {
		_, err := rw.Write([]byte("x"))
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, "x", buf.String())
}

func TestTemporaryChownSameOwnerRunsCallback(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sdd")
	require.NoError(t, os.WriteFile(path, nil, 0600))

	called := false
	err := TemporaryChown(context.Background(), path, os.Getuid(), func() error {
		called = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, called)
}

func TestTemporaryChownPropagatesCallbackError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sde")
	require.NoError(t, os.WriteFile(path, nil, 0600))

	err := TemporaryChown(context.Background(), path, os.Getuid(), func() error {
		return io.ErrUnexpectedEOF
	})
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}
