package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/KenyBoi/algotrendy-v2.6-sub008/internal/broker"
	"github.com/KenyBoi/algotrendy-v2.6-sub008/internal/engine"
)

// Server hosts the HTTP JSON API and the gRPC health endpoint.
type Server struct {
	registry *broker.Registry
	engine   *engine.Engine
	log      *slog.Logger

	httpAddr string
	grpcAddr string
}

// NewServer creates a Server over the given registry and engine.
func NewServer(registry *broker.Registry, eng *engine.Engine, httpAddr, grpcAddr string, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		registry: registry,
		engine:   eng,
		log:      log,
		httpAddr: httpAddr,
		grpcAddr: grpcAddr,
	}
}

// Handler returns the HTTP handler; exposed for tests.
func (s *Server) Handler() http.Handler {
	return s.routes()
}

// ListenAndServe starts the HTTP and gRPC listeners and blocks until ctx is
// cancelled or a listener fails. Shutdown drains in-flight requests for up
// to 10 seconds.
func (s *Server) ListenAndServe(ctx context.Context) error {
	httpSrv := &http.Server{
		Addr:              s.httpAddr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		s.log.Info("http listening", "addr", s.httpAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	var grpcStop func()
	if s.grpcAddr != "" {
		lis, err := net.Listen("tcp", s.grpcAddr)
		if err != nil {
			httpSrv.Close()
			return fmt.Errorf("grpc listen: %w", err)
		}
		grpcStop = s.serveHealth(lis, errCh)
	}

	select {
	case err := <-errCh:
		if grpcStop != nil {
			grpcStop()
		}
		httpSrv.Close()
		return err
	case <-ctx.Done():
	}

	s.log.Info("shutting down")
	if grpcStop != nil {
		grpcStop()
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}
