package httputil

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/ignite/campaign-delivery/internal/pkg/logger"
)

// ErrorResponse is the error envelope of the delivery API. Code is a stable
// machine-readable form of the status, Error the human-readable reason.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errorCodes = map[int]string{
	http.StatusBadRequest:          "invalid_request",
	http.StatusNotFound:            "not_found",
	http.StatusConflict:            "conflict",
	http.StatusInternalServerError: "internal",
	http.StatusServiceUnavailable:  "unavailable",
}

// JSON writes data with the given status.
func JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Warn("response encode failed", "status", status, "error", err.Error())
	}
}

func OK(w http.ResponseWriter, data any) { JSON(w, http.StatusOK, data) }

// Created is used for scheduled sends: the schedule entry now exists.
func Created(w http.ResponseWriter, data any) { JSON(w, http.StatusCreated, data) }

// Accepted acknowledges work that continues in the background, such as an
// immediate send or a processing trigger.
func Accepted(w http.ResponseWriter, data any) { JSON(w, http.StatusAccepted, data) }

// Error writes an ErrorResponse. Statuses without a dedicated code fall
// back to "error".
func Error(w http.ResponseWriter, status int, message string) {
	code, ok := errorCodes[status]
	if !ok {
		code = "error"
	}
	JSON(w, status, ErrorResponse{Error: message, Code: code})
}

func BadRequest(w http.ResponseWriter, message string) {
	Error(w, http.StatusBadRequest, message)
}

func NotFound(w http.ResponseWriter, message string) {
	Error(w, http.StatusNotFound, message)
}

func Conflict(w http.ResponseWriter, message string) {
	Error(w, http.StatusConflict, message)
}

// InternalError logs err and answers with a generic 500. Repository and
// transport errors can carry SQL or addresses, so they never reach the client.
func InternalError(w http.ResponseWriter, err error) {
	logger.Error("request failed", "error", err.Error())
	Error(w, http.StatusInternalServerError, "internal server error")
}

// Decode reads a JSON body into dst and writes a 400 on failure. An empty
// body is rejected.
func Decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	return decode(w, r, dst, false)
}

// DecodeOptional is Decode for endpoints whose body may be omitted. An
// empty body leaves dst at its zero value.
func DecodeOptional(w http.ResponseWriter, r *http.Request, dst any) bool {
	return decode(w, r, dst, true)
}

func decode(w http.ResponseWriter, r *http.Request, dst any, optional bool) bool {
	if r.Body == nil {
		if optional {
			return true
		}
		BadRequest(w, "request body is required")
		return false
	}
	err := json.NewDecoder(r.Body).Decode(dst)
	switch {
	case err == nil:
		return true
	case errors.Is(err, io.EOF):
		if optional {
			return true
		}
		BadRequest(w, "request body is required")
		return false
	default:
		BadRequest(w, "invalid JSON: "+err.Error())
		return false
	}
}
