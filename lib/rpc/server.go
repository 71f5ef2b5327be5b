// Package rpc carries versioned backup requests over HTTP/JSON.
//
// Every method is served at POST /rpc/{topic}/{method}. A call replies 200
// with a JSON result. A cast replies 202 once its arguments decode and then
// runs in the background, detached from the request.
package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/onkernel/backupd/lib/logger"
	mw "github.com/onkernel/backupd/lib/middleware"
	"github.com/riandyrn/otelchi"
)

// Server dispatches calls and casts to registered handlers.
type Server struct {
	root    chi.Router
	router  chi.Router
	version Version

	mu       sync.Mutex
	draining bool
	casts    sync.WaitGroup
}

// Options configures a Server.
type Options struct {
	// Version is the advertised version. Zero means ServerVersion.
	Version Version

	// Logger is injected into every request context.
	Logger *slog.Logger
	// AccessLogger logs one line per request. Nil disables access logs.
	AccessLogger *slog.Logger
	// TracingService enables otelchi spans under this service name.
	TracingService string
	// Metrics records HTTP metrics. Nil disables them.
	Metrics func(http.Handler) http.Handler
}

// NewServer creates a server with the standard middleware chain.
func NewServer(opts Options) *Server {
	if opts.Version == (Version{}) {
		opts.Version = ServerVersion
	}
	s := &Server{version: opts.Version}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if opts.TracingService != "" {
		r.Use(otelchi.Middleware(opts.TracingService, otelchi.WithChiRoutes(r)))
	}
	r.Use(mw.InjectLogger(opts.Logger))
	if opts.AccessLogger != nil {
		r.Use(mw.AccessLogger(opts.AccessLogger))
	}
	if opts.Metrics != nil {
		r.Use(opts.Metrics)
	}

	r.Get("/rpc/version", s.handleVersion)
	s.root = r
	s.router = r.With(s.checkVersion)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.root.ServeHTTP(w, r)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": s.version.String()})
}

// checkVersion rejects callers pinned to a version this server cannot serve.
func (s *Server) checkVersion(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get(HeaderVersion)
		if header == "" {
			writeError(w, r, fmt.Errorf("%w: missing %s header", ErrBadRequest, HeaderVersion))
			return
		}
		pin, err := ParseVersion(header)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if !s.version.Accepts(pin) {
			writeError(w, r, fmt.Errorf("%w: caller pinned to %s, server is %s", ErrVersionMismatch, pin, s.version))
			return
		}
		w.Header().Set(HeaderVersion, s.version.String())
		next.ServeHTTP(w, r)
	})
}

// HandleCall registers a request/response method.
func HandleCall[A, R any](s *Server, topic, method string, fn func(ctx context.Context, args A) (R, error)) {
	s.router.Post(route(topic, method), func(w http.ResponseWriter, r *http.Request) {
		var args A
		if err := decodeArgs(r, &args); err != nil {
			writeError(w, r, err)
			return
		}
		res, err := fn(r.Context(), args)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	})
}

// HandleCast registers a fire-and-forget method. fn runs on its own
// goroutine with the request's values but not its cancellation.
func HandleCast[A any](s *Server, topic, method string, fn func(ctx context.Context, args A) error) {
	s.router.Post(route(topic, method), func(w http.ResponseWriter, r *http.Request) {
		var args A
		if err := decodeArgs(r, &args); err != nil {
			writeError(w, r, err)
			return
		}
		if !s.beginCast() {
			writeError(w, r, ErrDraining)
			return
		}

		ctx := context.WithoutCancel(r.Context())
		msgID := r.Header.Get(HeaderMessageID)
		go func() {
			defer s.casts.Done()
			log := logger.FromContext(ctx)
			if err := fn(ctx, args); err != nil {
				log.ErrorContext(ctx, "rpc cast failed", "topic", topic, "method", method, "message_id", msgID, "error", err)
				return
			}
			log.DebugContext(ctx, "rpc cast handled", "topic", topic, "method", method, "message_id", msgID)
		}()
		w.WriteHeader(http.StatusAccepted)
	})
}

func (s *Server) beginCast() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.draining {
		return false
	}
	s.casts.Add(1)
	return true
}

// Drain stops accepting casts and waits for running ones to finish or for
// ctx to end.
func (s *Server) Drain(ctx context.Context) error {
	s.mu.Lock()
	s.draining = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.casts.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("drain rpc casts: %w", ctx.Err())
	}
}

func route(topic, method string) string {
	return "/rpc/" + topic + "/" + method
}

func decodeArgs(r *http.Request, dst any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return fmt.Errorf("%w: decode arguments: %v", ErrBadRequest, err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	code, status := classify(err)
	log := logger.FromContext(r.Context())
	if status >= http.StatusInternalServerError {
		log.ErrorContext(r.Context(), "rpc request failed", "path", r.URL.Path, "code", code, "error", err)
	} else {
		log.InfoContext(r.Context(), "rpc request rejected", "path", r.URL.Path, "code", code, "error", err)
	}
	writeJSON(w, status, errorBody{Code: code, Message: err.Error()})
}
