package web

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/example/spot-allocator/internal/allocator"
	"github.com/example/spot-allocator/internal/events"
	"github.com/example/spot-allocator/internal/holdtoken"
)

// Server exposes the allocator over JSON HTTP.
type Server struct {
	Allocator *allocator.Coordinator
	Tokens    *holdtoken.Issuer
	Stream    *EventStream
	Publisher *events.Publisher

	// Ready reports backing store health for /healthz. Nil means always ready.
	Ready func(ctx context.Context) error
}

func (s *Server) Routes() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/reservations", s.handleCreateReservation).Methods(http.MethodPost)
	v1.HandleFunc("/reservations/{id}", s.handleGetReservation).Methods(http.MethodGet)
	v1.HandleFunc("/reservations/{id}", s.handleCancelReservation).Methods(http.MethodDelete)
	v1.HandleFunc("/reservations/{id}/confirm", s.handleConfirmReservation).Methods(http.MethodPost)
	v1.HandleFunc("/spots/{id}", s.handleGetSpot).Methods(http.MethodGet)
	v1.HandleFunc("/spots/{id}", s.handlePutSpot).Methods(http.MethodPut)
	v1.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	if s.Stream != nil {
		v1.Handle("/events", s.Stream).Methods(http.MethodGet)
	}

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "no such route")
	})
	return RequestLogger(r, nil)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.Ready != nil {
		if err := s.Ready(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "internal_error", err.Error())
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	out := struct {
		Allocator allocator.Stats `json:"allocator"`
		Events    *events.Stats   `json:"events,omitempty"`
	}{Allocator: s.Allocator.Stats()}
	if s.Publisher != nil {
		st := s.Publisher.Stats()
		out.Events = &st
	}
	writeJSON(w, http.StatusOK, out)
}

func Start(ctx context.Context, addr string, h http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	log.Printf("web: listening on %s", addr)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
