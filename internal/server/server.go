package server

import (
	"context"
	"net"
	"net/http"
	"time"
)

const _shutdownGrace = 5 * time.Second

// HTTPServer serves the candle read API.
type HTTPServer struct {
	s *http.Server
}

func NewHTTPServer(ctx context.Context, port string, handler http.Handler) *HTTPServer {
	return &HTTPServer{
		s: &http.Server{
			Handler:           handler,
			Addr:              ":" + port,
			ReadHeaderTimeout: 10 * time.Second,
			BaseContext: func(listener net.Listener) context.Context {
				return ctx
			},
		},
	}
}

func (s *HTTPServer) Run(ctx context.Context) error {
	errCh := make(chan error)
	go func() {
		errCh <- s.s.ListenAndServe()
	}()
	select {
	case <-ctx.Done():
		// the run context is already cancelled, give in-flight scans a
		// bounded grace period
		shutdownCtx, cancel := context.WithTimeout(context.Background(), _shutdownGrace)
		defer cancel()
		return s.s.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
