// Package metrics implements the HTTP server of the daemon that exposes the
// Prometheus collectors.
package metrics

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/xid"
	"github.com/rs/zerolog"
	"go.dedis.ch/ballot"
	"golang.org/x/xerrors"
)

type key int

const (
	requestIDKey key = 0
)

const shutdownTimeout = 10 * time.Second

// Server is an HTTP server that logs every request it handles.
type Server struct {
	sync.Mutex

	mux    *http.ServeMux
	server *http.Server
	logger zerolog.Logger
	addr   string
	ln     net.Listener
	done   chan struct{}
}

// NewServer creates a new server that will listen on the address. An empty
// port picks a random free one.
func NewServer(addr string) *Server {
	logger := ballot.Logger.With().Str("role", "metrics").Logger()

	nextRequestID := func() string {
		return xid.New().String()
	}

	mux := http.NewServeMux()

	return &Server{
		mux: mux,
		server: &http.Server{
			Handler:           tracing(nextRequestID)(logging(logger)(mux)),
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger: logger,
		addr:   addr,
	}
}

// RegisterHandler registers the handler for the path. It panics if the path
// is already registered.
func (s *Server) RegisterHandler(path string, handler http.Handler) {
	s.mux.Handle(path, handler)
}

// Listen opens the socket and serves the requests in the background until
// the server is stopped.
func (s *Server) Listen() error {
	s.Lock()
	defer s.Unlock()

	if s.ln != nil {
		return xerrors.New("server is already listening")
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return xerrors.Errorf("failed to listen on '%s': %v", s.addr, err)
	}

	s.ln = ln
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)

		err := s.server.Serve(ln)
		if err != nil && err != http.ErrServerClosed {
			s.logger.Err(err).Msg("server stopped unexpectedly")
		}
	}()

	s.logger.Info().Msgf("server is ready to handle requests at http://%s", ln.Addr())

	return nil
}

// GetAddr returns the address the server listens on, or nil if it is not
// listening.
func (s *Server) GetAddr() net.Addr {
	s.Lock()
	defer s.Unlock()

	if s.ln == nil {
		return nil
	}

	return s.ln.Addr()
}

// Stop gracefully shuts the server down. It does nothing if the server is not
// listening. A stopped server cannot listen again.
func (s *Server) Stop() error {
	s.Lock()
	defer s.Unlock()

	if s.ln == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	s.server.SetKeepAlivesEnabled(false)

	err := s.server.Shutdown(ctx)
	if err != nil {
		return xerrors.Errorf("failed to shut down: %v", err)
	}

	<-s.done
	s.ln = nil

	s.logger.Info().Msg("server stopped")

	return nil
}

// logging is a utility function that logs the http server events
func logging(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				requestID, ok := r.Context().Value(requestIDKey).(string)
				if !ok {
					requestID = "unknown"
				}
				logger.Debug().Str("requestID", requestID).
					Str("method", r.Method).
					Str("url", r.URL.Path).
					Str("remoteAddr", r.RemoteAddr).
					Str("agent", r.UserAgent()).Msg("")
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// tracing is a utility function that adds header tracing
func tracing(nextRequestID func() string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := r.Header.Get("X-Request-Id")
			if requestID == "" {
				requestID = nextRequestID()
			}
			ctx := context.WithValue(r.Context(), requestIDKey, requestID)
			w.Header().Set("X-Request-Id", requestID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
