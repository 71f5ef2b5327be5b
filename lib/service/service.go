// Package service starts and stops the backup worker's RPC endpoint.
//
// Start returns a Handle that owns the listener and everything serving on it;
// Shutdown takes the same Handle. There is no package-level server state.
package service

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/onkernel/backupd/lib/backups"
	"github.com/onkernel/backupd/lib/logger"
	"github.com/onkernel/backupd/lib/rpc"
)

// Options configures Start.
type Options struct {
	// Addr is the listen address, for example ":8080".
	Addr    string
	Manager backups.Manager
	Server  *rpc.Server

	// ReadHeaderTimeout bounds how long a client may take to send headers.
	ReadHeaderTimeout time.Duration
}

// Handle is a running worker.
type Handle struct {
	srv     *http.Server
	ln      net.Listener
	server  *rpc.Server
	manager backups.Manager
	done    chan error
}

// Start reconciles the work this host owns, then begins serving requests.
// Nothing is listening until recovery has finished.
func Start(ctx context.Context, opts Options) (*Handle, error) {
	log := logger.FromContext(ctx)

	if opts.Manager == nil || opts.Server == nil {
		return nil, fmt.Errorf("service: manager and server are required")
	}
	if opts.ReadHeaderTimeout == 0 {
		opts.ReadHeaderTimeout = 10 * time.Second
	}

	log.InfoContext(ctx, "recovering incomplete backup operations")
	if err := opts.Manager.RecoverIncompleteOperations(ctx); err != nil {
		return nil, fmt.Errorf("recover incomplete operations: %w", err)
	}

	rpc.RegisterBackupHandlers(opts.Server, opts.Manager)

	ln, err := net.Listen("tcp", opts.Addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", opts.Addr, err)
	}

	h := &Handle{
		srv: &http.Server{
			Handler:           opts.Server,
			ReadHeaderTimeout: opts.ReadHeaderTimeout,
			BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
		},
		ln:      ln,
		server:  opts.Server,
		manager: opts.Manager,
		done:    make(chan error, 1),
	}

	go func() {
		err := h.srv.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		h.done <- err
		close(h.done)
	}()

	log.InfoContext(ctx, "backup worker listening", "addr", h.Addr())
	return h, nil
}

// Addr returns the address the worker is listening on.
func (h *Handle) Addr() string {
	return h.ln.Addr().String()
}

// Done yields the serve error, or nil after a clean shutdown, then closes.
func (h *Handle) Done() <-chan error {
	return h.done
}

// Shutdown stops accepting requests, then waits for in-flight cast handlers
// and queued deletions until ctx expires.
func (h *Handle) Shutdown(ctx context.Context) error {
	log := logger.FromContext(ctx)

	var errs []error
	if err := h.srv.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown http server: %w", err))
	}
	log.InfoContext(ctx, "rpc listener closed")

	if err := h.server.Drain(ctx); err != nil {
		errs = append(errs, fmt.Errorf("drain rpc handlers: %w", err))
	}
	if err := h.manager.Drain(ctx); err != nil {
		errs = append(errs, fmt.Errorf("drain delete queue: %w", err))
	}
	if len(errs) == 0 {
		log.InfoContext(ctx, "backup worker stopped")
	}
	return errors.Join(errs...)
}
