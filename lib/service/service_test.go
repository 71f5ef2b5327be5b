package service

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/onkernel/backupd/lib/backups"
	"github.com/onkernel/backupd/lib/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeManager struct {
	backups.Manager

	mu         sync.Mutex
	events     []string
	recoverErr error
}

func (f *fakeManager) log(e string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, e)
}

func (f *fakeManager) RecoverIncompleteOperations(ctx context.Context) error {
	f.log("recover")
	return f.recoverErr
}

func (f *fakeManager) CreateBackup(ctx context.Context, id string) error {
	f.log("create " + id)
	return nil
}

func (f *fakeManager) Drain(ctx context.Context) error {
	f.log("drain")
	return nil
}

func (f *fakeManager) snapshot() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.events...)
}

func TestStartServesAfterRecovery(t *testing.T) {
	m := &fakeManager{}
	srv := rpc.NewServer(rpc.Options{})

	h, err := Start(context.Background(), Options{Addr: "127.0.0.1:0", Manager: m, Server: srv})
	require.NoError(t, err)
	assert.Equal(t, []string{"recover"}, m.snapshot())

	client := rpc.NewBackupClient(rpc.NewClient("http://"+h.Addr(), rpc.ServerVersion, nil))
	require.NoError(t, client.CreateBackup(context.Background(), "bk-1"))

	require.Eventually(t, func() bool {
		return len(m.snapshot()) == 2
	}, 2*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.Shutdown(ctx))
	assert.Equal(t, []string{"recover", "create bk-1", "drain"}, m.snapshot())

	select {
	case err := <-h.Done():
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("serve loop did not exit")
	}

	_, err = http.Get("http://" + h.Addr() + "/rpc/version")
	assert.Error(t, err, "listener is closed")
}

func TestStartRecoveryFailureDoesNotListen(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	m := &fakeManager{recoverErr: errors.New("database unavailable")}
	_, err = Start(context.Background(), Options{Addr: addr, Manager: m, Server: rpc.NewServer(rpc.Options{})})
	assert.ErrorContains(t, err, "database unavailable")

	_, err = net.DialTimeout("tcp", addr, 200*time.Millisecond)
	assert.Error(t, err)
}

func TestStartRequiresDependencies(t *testing.T) {
	_, err := Start(context.Background(), Options{Addr: "127.0.0.1:0"})
	assert.Error(t, err)
}
