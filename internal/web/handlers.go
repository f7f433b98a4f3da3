package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/example/spot-allocator/internal/allocator"
	"github.com/example/spot-allocator/internal/geo"
	"github.com/example/spot-allocator/internal/holdtoken"
	"github.com/example/spot-allocator/internal/interval"
	"github.com/example/spot-allocator/internal/reservation"
	"github.com/example/spot-allocator/internal/spot"
)

const holdTokenHeader = "X-Hold-Token"

type createReservationRequest struct {
	RequesterID string          `json:"requester_id"`
	Anchor      geo.Point       `json:"anchor"`
	Window      interval.Window `json:"window"`
	Classes     []string        `json:"classes"`
	Priority    int             `json:"priority"`
}

type reservationView struct {
	reservation.Reservation
	Classes []string `json:"classes"`

	HoldToken       string `json:"hold_token,omitempty"`
	QueuePosition   *int   `json:"queue_position,omitempty"`
	WaitHintSeconds *int   `json:"wait_hint_seconds,omitempty"`
}

func newReservationView(r reservation.Reservation) reservationView {
	return reservationView{Reservation: r, Classes: r.Filter.Names()}
}

type spotView struct {
	spot.Resource
	Classes []string `json:"classes"`
}

func newSpotView(r spot.Resource) spotView {
	return spotView{Resource: r, Classes: r.Classes.Names()}
}

type putSpotRequest struct {
	Location     geo.Point `json:"location"`
	Classes      []string  `json:"classes"`
	OutOfService bool      `json:"out_of_service"`
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", allocator.ErrInvalidRequest, err)
	}
	return nil
}

func (s *Server) handleCreateReservation(w http.ResponseWriter, r *http.Request) {
	var req createReservationRequest
	if err := decode(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	filter, err := spot.ParseClassList(req.Classes)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	res, err := s.Allocator.RequestAllocation(r.Context(), allocator.Request{
		RequesterID: req.RequesterID,
		Anchor:      req.Anchor,
		Window:      req.Window,
		Filter:      filter,
		Priority:    req.Priority,
	})
	if err != nil {
		writeErr(w, err)
		return
	}

	view := newReservationView(res.Reservation)
	if res.Held() {
		view.HoldToken, err = s.holdToken(res.Reservation)
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, view)
		return
	}

	pos := res.Position
	hint := int(res.WaitHint / time.Second)
	view.QueuePosition = &pos
	view.WaitHintSeconds = &hint
	w.Header().Set("Location", "/v1/reservations/"+res.Reservation.ID)
	writeJSON(w, http.StatusAccepted, view)
}

func (s *Server) handleGetReservation(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	res, err := s.Allocator.GetReservationState(r.Context(), id)
	if err != nil {
		writeErr(w, err)
		return
	}
	view := newReservationView(res)
	if res.State == reservation.StateHeld {
		// Reservations held from the queue only ever get their token here.
		view.HoldToken, err = s.holdToken(res)
		if err != nil {
			writeErr(w, err)
			return
		}
	}
	if pos, ok := s.Allocator.QueuePosition(id); ok {
		view.QueuePosition = &pos
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) holdToken(r reservation.Reservation) (string, error) {
	return s.Tokens.Issue(holdtoken.Claims{
		ReservationID: r.ID,
		ResourceID:    r.ResourceID,
		ExpiresAt:     r.HoldExpiresAt,
	})
}

func (s *Server) handleConfirmReservation(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if s.Tokens.Enabled() {
		if _, err := s.Tokens.Verify(r.Header.Get(holdTokenHeader), id); err != nil {
			writeErr(w, err)
			return
		}
	}
	res, err := s.Allocator.Confirm(r.Context(), id)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newReservationView(res))
}

func (s *Server) handleCancelReservation(w http.ResponseWriter, r *http.Request) {
	if _, err := s.Allocator.Cancel(r.Context(), mux.Vars(r)["id"]); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetSpot(w http.ResponseWriter, r *http.Request) {
	res, err := s.Allocator.GetResourceState(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newSpotView(res))
}

func (s *Server) handlePutSpot(w http.ResponseWriter, r *http.Request) {
	var req putSpotRequest
	if err := decode(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	classes, err := spot.ParseClassList(req.Classes)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	res, err := s.Allocator.UpsertSpot(r.Context(), spot.Spec{
		ID:           mux.Vars(r)["id"],
		Location:     req.Location,
		Classes:      classes,
		OutOfService: req.OutOfService,
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newSpotView(res))
}
