/*
errors.go - Engine error kinds to HTTP responses

STATUS MAPPING:
  ValidationError              400 validation_failed
  (no or bad token)            401 unauthorized
  ForbiddenError               403 forbidden
  NotFoundError                404 not_found
  InsufficientBalanceError     409 insufficient_balance
  OutOfStockError              409 out_of_stock
  InvalidStateTransitionError  409 invalid_state_transition
  ErrAlreadyExists             409 conflict
  ConsistencyError             500 consistency_error
  anything else                500 internal_error

  The code is stable; clients switch on it, not on the message. 5xx
  responses never echo the underlying error.

SEE ALSO:
  - points/errors.go: The error taxonomy
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/tutortrack/points-engine/metrics"
	"github.com/tutortrack/points-engine/points"
)

const (
	codeNotFound            = "not_found"
	codeInsufficientBalance = "insufficient_balance"
	codeOutOfStock          = "out_of_stock"
	codeInvalidTransition   = "invalid_state_transition"
	codeValidation          = "validation_failed"
	codeForbidden           = "forbidden"
	codeUnauthorized        = "unauthorized"
	codeConflict            = "conflict"
	codeConsistency         = "consistency_error"
	codeInternal            = "internal_error"
)

// respondError writes err as an ErrorResponse and records it.
func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, err error) {
	status, body := errorResponse(err)
	h.metrics.CoreError(err)

	log := logger(r)
	switch {
	case points.IsFatal(err):
		log.Error().Err(err).Str("kind", metrics.Kind(err)).Msg("consistency violation")
	case status >= http.StatusInternalServerError:
		log.Error().Err(err).Msg("request failed")
	default:
		log.Debug().Err(err).Str("code", body.Code).Msg("request rejected")
	}

	writeJSON(w, status, body)
}

func errorResponse(err error) (int, ErrorResponse) {
	var (
		notFound   *points.NotFoundError
		balance    *points.InsufficientBalanceError
		stock      *points.OutOfStockError
		transition *points.InvalidStateTransitionError
		invalid    *points.ValidationError
	)

	switch {
	case points.IsFatal(err):
		return http.StatusInternalServerError, ErrorResponse{
			Error: "the operation could not be completed consistently",
			Code:  codeConsistency,
		}
	case errors.As(err, &invalid):
		return http.StatusBadRequest, ErrorResponse{
			Error:   err.Error(),
			Code:    codeValidation,
			Details: map[string]string{"field": invalid.Field},
		}
	case errors.Is(err, points.ErrForbidden):
		return http.StatusForbidden, ErrorResponse{Error: err.Error(), Code: codeForbidden}
	case errors.As(err, &notFound):
		return http.StatusNotFound, ErrorResponse{
			Error:   err.Error(),
			Code:    codeNotFound,
			Details: map[string]string{"kind": notFound.Kind, "id": notFound.ID},
		}
	case errors.As(err, &balance):
		return http.StatusConflict, ErrorResponse{
			Error: err.Error(),
			Code:  codeInsufficientBalance,
			Details: map[string]int64{
				"balance":   balance.Balance,
				"requested": balance.Requested,
				"shortfall": balance.Shortfall(),
			},
		}
	case errors.As(err, &stock):
		return http.StatusConflict, ErrorResponse{
			Error:   err.Error(),
			Code:    codeOutOfStock,
			Details: map[string]int64{"available": stock.Available},
		}
	case errors.As(err, &transition):
		return http.StatusConflict, ErrorResponse{
			Error: err.Error(),
			Code:  codeInvalidTransition,
			Details: map[string]string{
				"from": string(transition.From),
				"to":   string(transition.To),
			},
		}
	case errors.Is(err, points.ErrAlreadyExists):
		return http.StatusConflict, ErrorResponse{Error: err.Error(), Code: codeConflict}
	default:
		return http.StatusInternalServerError, ErrorResponse{
			Error: "internal server error",
			Code:  codeInternal,
		}
	}
}

// FieldError is one failed validator rule.
type FieldError struct {
	Field string `json:"field"`
	Rule  string `json:"rule"`
	Param string `json:"param,omitempty"`
}

// decode reads a JSON body into dst and runs its validate tags.
// It writes the 400 itself and returns false on failure.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, codeValidation, "invalid request body", err.Error())
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			writeError(w, http.StatusBadRequest, codeValidation, "invalid request body", err.Error())
			return false
		}
		fields := make([]FieldError, len(verrs))
		for i, fe := range verrs {
			fields[i] = FieldError{Field: fe.Field(), Rule: fe.Tag(), Param: fe.Param()}
		}
		writeError(w, http.StatusBadRequest, codeValidation, "request validation failed", fields)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	writeJSON(w, status, ErrorResponse{Error: message, Code: code, Details: details})
}

func logger(r *http.Request) *zerolog.Logger {
	return hlog.FromRequest(r)
}
