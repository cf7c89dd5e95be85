package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Service wraps the HTTP server as a suture-supervised service,
// translating the blocking ListenAndServe into a context-aware Serve.
type Service struct {
	server          *http.Server
	shutdownTimeout time.Duration
}

// NewService wraps srv for supervision. shutdownTimeout bounds graceful
// shutdown once the supervisor cancels the service context.
func NewService(srv *http.Server, shutdownTimeout time.Duration) *Service {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	return &Service{server: srv, shutdownTimeout: shutdownTimeout}
}

// Serve implements suture.Service.
func (s *Service) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http server shutdown: %w", err)
		}
		<-errCh
		return ctx.Err()
	}
}

// String identifies the service in supervisor logs.
func (s *Service) String() string {
	return "http-server"
}
