package http

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/rhuss/promptrun/pkg/storage"
	"github.com/rhuss/promptrun/pkg/transport"
)

// Server runs an Adapter on a listener and drains it on shutdown.
type Server struct {
	srv     *http.Server
	adapter *Adapter
	log     *slog.Logger

	addr         string
	maxBody      int64
	readTimeout  time.Duration
	writeTimeout time.Duration
	drain        time.Duration
	mounts       []mount
	wrappers     []func(http.Handler) http.Handler
}

type mount struct {
	pattern string
	h       http.Handler
}

// ServerOption configures a Server.
type ServerOption func(*Server)

func WithAddr(addr string) ServerOption {
	return func(s *Server) { s.addr = addr }
}

// WithMaxBodySize caps request bodies; 0 keeps the adapter default.
func WithMaxBodySize(n int64) ServerOption {
	return func(s *Server) { s.maxBody = n }
}

// WithTimeouts sets the read and write timeouts. The write timeout must
// cover a whole streamed run; 0 leaves it unbounded.
func WithTimeouts(read, write time.Duration) ServerOption {
	return func(s *Server) { s.readTimeout, s.writeTimeout = read, write }
}

// WithShutdownTimeout bounds how long shutdown waits for in-flight runs.
func WithShutdownTimeout(d time.Duration) ServerOption {
	return func(s *Server) { s.drain = d }
}

func WithLogger(l *slog.Logger) ServerOption {
	return func(s *Server) { s.log = l }
}

// WithHandler mounts h next to the API routes.
func WithHandler(pattern string, h http.Handler) ServerOption {
	return func(s *Server) { s.mounts = append(s.mounts, mount{pattern, h}) }
}

// WithHTTPMiddleware wraps the whole handler, first given outermost.
func WithHTTPMiddleware(mw ...func(http.Handler) http.Handler) ServerOption {
	return func(s *Server) { s.wrappers = append(s.wrappers, mw...) }
}

// NewServer builds a server for p. store may be nil. Run creation always
// goes through recovery, request id and logging middleware.
func NewServer(p transport.Pipeline, store storage.RunStore, opts ...ServerOption) *Server {
	s := &Server{addr: ":8080", drain: 30 * time.Second}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = slog.Default()
	}

	s.adapter = NewAdapter(p, store, Config{MaxBodySize: s.maxBody},
		transport.Recovery(),
		transport.RequestID(),
		transport.Logging(s.log),
	)
	for _, m := range s.mounts {
		s.adapter.Handle(m.pattern, m.h)
	}

	h := s.adapter.Handler()
	for i := len(s.wrappers) - 1; i >= 0; i-- {
		h = s.wrappers[i](h)
	}
	s.srv = &http.Server{
		Addr:              s.addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       s.readTimeout,
		WriteTimeout:      s.writeTimeout,
	}
	return s
}

// Handler returns the wrapped handler.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

// Run listens on the configured address and serves until ctx ends.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	return s.ServeOn(ctx, ln)
}

// ServeOn serves on ln until ctx ends, then shuts down gracefully.
func (s *Server) ServeOn(ctx context.Context, ln net.Listener) error {
	served := make(chan error, 1)
	go func() {
		s.log.Info("server starting", slog.String("addr", ln.Addr().String()))
		err := s.srv.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		served <- err
	}()

	select {
	case err := <-served:
		return err
	case <-ctx.Done():
	}

	s.log.Info("shutting down", slog.Duration("timeout", s.drain), slog.Int("in_flight", s.adapter.InFlight().Len()))
	sctx, cancel := context.WithTimeout(context.Background(), s.drain)
	defer cancel()
	if err := s.srv.Shutdown(sctx); err != nil {
		s.log.Error("shutdown failed", slog.String("error", err.Error()))
		return err
	}
	s.log.Info("server stopped")
	return nil
}
