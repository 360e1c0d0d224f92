package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"hostflow/internal/worker"
)

const WorkerName = "http-server"

// ServerWorker runs an http.Server under a worker.Registry. The listener is
// bound in Start so address errors surface as start failures.
type ServerWorker struct {
	srv    *http.Server
	logger zerolog.Logger

	mu   sync.Mutex
	ln   net.Listener
	done chan struct{}
}

var _ worker.Worker = (*ServerWorker)(nil)

func NewServerWorker(addr string, h http.Handler, logger zerolog.Logger) *ServerWorker {
	return &ServerWorker{
		srv: &http.Server{
			Addr:              addr,
			Handler:           h,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger.With().Str("worker", WorkerName).Logger(),
	}
}

func (s *ServerWorker) Name() string { return WorkerName }

func (s *ServerWorker) Kind() worker.Kind { return worker.KindManual }

func (s *ServerWorker) Period() time.Duration { return 0 }

// Addr returns the bound address, or "" before Start.
func (s *ServerWorker) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

func (s *ServerWorker) Start(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return nil
	}
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.srv.Addr, err)
	}
	s.ln = ln
	s.done = make(chan struct{})
	go func(done chan struct{}) {
		defer close(done)
		s.logger.Info().Str("addr", ln.Addr().String()).Msg("HTTP server starting")
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("http server")
		}
	}(s.done)
	return nil
}

func (s *ServerWorker) Stop(ctx context.Context) error {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done == nil {
		return nil
	}
	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	<-done
	return nil
}
