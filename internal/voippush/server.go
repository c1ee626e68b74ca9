package voippush

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// Server is the device-local HTTP receiver that push transports deliver
// payloads to. It applies the processing deadline and reports completion
// back to the transport with the response.
type Server struct {
	router   *chi.Mux
	gateway  *Gateway
	deadline time.Duration
	logger   *slog.Logger
}

// NewServer creates the receiver. deadline is the maximum payload
// processing time; the gateway's completion must fire within it.
func NewServer(gateway *Gateway, deadline time.Duration, logger *slog.Logger) *Server {
	s := &Server{
		router:   chi.NewRouter(),
		gateway:  gateway,
		deadline: deadline,
		logger:   logger.With("subsystem", "push-receiver"),
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.router.Post("/push", s.handlePush)
	s.router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

// handlePush accepts one raw payload and blocks until the gateway signals
// completion or the deadline passes. The 204 tells the transport the
// payload was consumed either way; redelivery of call pushes is worse than
// a dropped one.
func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)

	var payload Payload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		s.logger.Warn("undecodable push payload", "error", err)
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.deadline)
	defer cancel()

	done := make(chan struct{})
	go s.gateway.Handle(ctx, payload, func() { close(done) })

	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Error("push processing missed its deadline", "deadline", s.deadline.String())
	}
	w.WriteHeader(http.StatusNoContent)
}
