package web

import (
	"encoding/json"
	"errors"
	"log"
	"math"
	"net/http"
	"strconv"

	"github.com/example/spot-allocator/internal/allocator"
	"github.com/example/spot-allocator/internal/geo"
	"github.com/example/spot-allocator/internal/holdtoken"
	"github.com/example/spot-allocator/internal/interval"
	"github.com/example/spot-allocator/internal/reservation"
	"github.com/example/spot-allocator/internal/spot"
)

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("web: encode response failed: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorBody{Error: msg, Code: code})
}

// writeErr maps domain errors onto HTTP status codes and stable error codes.
func writeErr(w http.ResponseWriter, err error) {
	var exhausted *allocator.ExhaustedError
	switch {
	case errors.Is(err, interval.ErrInvalidWindow):
		writeError(w, http.StatusBadRequest, "invalid_window", err.Error())
	case errors.Is(err, allocator.ErrInvalidRequest),
		errors.Is(err, spot.ErrInvalidSpot),
		errors.Is(err, geo.ErrInvalidPoint):
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, reservation.ErrNotFound), errors.Is(err, spot.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, holdtoken.ErrInvalid):
		writeError(w, http.StatusForbidden, "invalid_hold_token", err.Error())
	case errors.Is(err, allocator.ErrHoldExpired):
		writeError(w, http.StatusGone, "hold_expired", err.Error())
	case errors.Is(err, allocator.ErrNotHeld):
		writeError(w, http.StatusConflict, "not_held", err.Error())
	case errors.Is(err, spot.ErrNotFree), errors.Is(err, spot.ErrConflictDetected):
		writeError(w, http.StatusConflict, "conflict", err.Error())
	case errors.As(err, &exhausted):
		secs := int(math.Ceil(exhausted.RetryAfter.Seconds()))
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(secs))
		writeError(w, http.StatusServiceUnavailable, "allocation_exhausted", err.Error())
	default:
		log.Printf("web: internal error: %v", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
	}
}
