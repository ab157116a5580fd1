package console

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/ystepanoff/apol/node"
	proto "github.com/ystepanoff/apol/protocol"
)

const (
	ErrCodeBadRequest  = "BAD_REQUEST"
	ErrCodeNotFound    = "NOT_FOUND"
	ErrCodeConflict    = "CONFLICT"
	ErrCodeTimeout     = "TIMEOUT"
	ErrCodeInternal    = "INTERNAL_ERROR"
	ErrCodeUnavailable = "UNAVAILABLE"
)

// APIError is the JSON body of every failed console request.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string { return e.Message }

func BadRequest(message string) *APIError {
	return &APIError{Status: http.StatusBadRequest, Code: ErrCodeBadRequest, Message: message}
}

func NotFound(message string) *APIError {
	return &APIError{Status: http.StatusNotFound, Code: ErrCodeNotFound, Message: message}
}

// ToAPIError maps node and protocol errors onto HTTP statuses.
func ToAPIError(err error) *APIError {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	switch {
	case errors.Is(err, proto.ErrUnknownSubsystem):
		return NotFound(err.Error())
	case errors.Is(err, proto.ErrUnknownRequest),
		errors.Is(err, proto.ErrNoRequest),
		errors.Is(err, proto.ErrInvalidPower),
		errors.Is(err, node.ErrUnknownInput),
		errors.Is(err, node.ErrUnsupportedInput):
		return BadRequest(err.Error())
	case errors.Is(err, proto.ErrQueueFull):
		return &APIError{Status: http.StatusConflict, Code: ErrCodeConflict, Message: err.Error()}
	case errors.Is(err, proto.ErrCarrierBusy), errors.Is(err, proto.ErrTransmitFailed):
		return &APIError{Status: http.StatusServiceUnavailable, Code: ErrCodeUnavailable, Message: err.Error()}
	case errors.Is(err, context.DeadlineExceeded):
		return &APIError{Status: http.StatusGatewayTimeout, Code: ErrCodeTimeout, Message: "node did not respond in time"}
	}
	return &APIError{Status: http.StatusInternalServerError, Code: ErrCodeInternal, Message: err.Error()}
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

func respondOK(w http.ResponseWriter, data interface{}) {
	respondJSON(w, http.StatusOK, data)
}

func respondAccepted(w http.ResponseWriter, message string) {
	respondJSON(w, http.StatusAccepted, map[string]string{"message": message})
}

func respondError(w http.ResponseWriter, err error) {
	apiErr := ToAPIError(err)
	respondJSON(w, apiErr.Status, apiErr)
}

func decodeJSON(r *http.Request, target interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(target); err != nil {
		return BadRequest(fmt.Sprintf("invalid JSON body: %v", err))
	}
	return nil
}
