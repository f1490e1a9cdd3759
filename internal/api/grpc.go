package api

import (
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/KenyBoi/algotrendy-v2.6-sub008/internal/domain"
)

// serveHealth runs a gRPC server exposing the standard health service, with
// one per-broker service entry tracking each adapter's connection state. It
// returns a stop function.
func (s *Server) serveHealth(lis net.Listener, errCh chan<- error) func() {
	srv := grpc.NewServer()
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)

	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			s.updateBrokerHealth(hs)
			select {
			case <-done:
				return
			case <-ticker.C:
			}
		}
	}()

	go func() {
		s.log.Info("grpc health listening", "addr", lis.Addr().String())
		if err := srv.Serve(lis); err != nil {
			errCh <- err
		}
	}()

	return func() {
		close(done)
		srv.GracefulStop()
	}
}

func (s *Server) updateBrokerHealth(hs *health.Server) {
	for _, name := range s.registry.Names() {
		b, err := s.registry.Get(name)
		if err != nil {
			continue
		}
		status := healthpb.HealthCheckResponse_NOT_SERVING
		if b.State() == domain.ConnConnected {
			status = healthpb.HealthCheckResponse_SERVING
		}
		hs.SetServingStatus("broker."+name, status)
	}
}
