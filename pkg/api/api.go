package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/lucid-vigil/hostwatch/pkg/faults"
	"github.com/lucid-vigil/hostwatch/pkg/stream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// StatusSource reports the state of the link to the collector.
type StatusSource interface {
	Status() stream.Status
}

// BufferSource reports how many events wait to be sent.
type BufferSource interface {
	Len() int
}

// FaultSource exposes fault counters.
type FaultSource interface {
	GetStats() faults.Stats
}

// Health is the body returned by /healthz.
type Health struct {
	Status   string        `json:"status"`
	Stream   stream.Status `json:"stream"`
	Buffered int           `json:"buffered_events"`
	Faults   faults.Stats  `json:"faults"`
}

// Server is the agent's local health and metrics endpoint.
type Server struct {
	stream   StatusSource
	buffer   BufferSource
	faults   FaultSource
	registry *prometheus.Registry
	mux      *http.ServeMux
}

func NewServer(st StatusSource, buf BufferSource, fs FaultSource, reg *prometheus.Registry) *Server {
	s := &Server{stream: st, buffer: buf, faults: fs, registry: reg, mux: http.NewServeMux()}
	s.mux.HandleFunc("/healthz", s.healthzHandler)
	s.mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return s
}

func (s *Server) Handler() http.Handler {
	return s.mux
}

// StartAPIServer serves on the given port until ctx is cancelled.
func (s *Server) StartAPIServer(ctx context.Context, port string) error {
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           s.mux,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Msgf("API server starting on :%s", port)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		log.Info().Msg("API server shutting down")
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) healthzHandler(w http.ResponseWriter, r *http.Request) {
	h := Health{Status: "ok"}
	if s.stream != nil {
		h.Stream = s.stream.Status()
		if h.Stream.State == stream.StateFailed.String() {
			h.Status = "degraded"
		}
	}
	if s.buffer != nil {
		h.Buffered = s.buffer.Len()
	}
	if s.faults != nil {
		h.Faults = s.faults.GetStats()
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(h); err != nil {
		log.Warn().Err(err).Msg("Failed to write health response")
	}
}
