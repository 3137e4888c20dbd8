package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rhuss/promptrun/pkg/api"
	"github.com/rhuss/promptrun/pkg/storage"
)

// StatusClientClosedRequest is sent when the client went away first.
const StatusClientClosedRequest = 499

// HTTPStatus maps an API error type to an HTTP status.
func HTTPStatus(err *api.APIError) int {
	switch err.Type {
	case api.ErrorTypeInvalidRequest:
		return http.StatusBadRequest
	case api.ErrorTypeUnauthorized:
		return http.StatusUnauthorized
	case api.ErrorTypeNotFound:
		return http.StatusNotFound
	case api.ErrorTypeTooManyRequests:
		return http.StatusTooManyRequests
	case api.ErrorTypeModelError:
		return http.StatusBadGateway
	case api.ErrorTypeCancelled:
		return StatusClientClosedRequest
	}
	return http.StatusInternalServerError
}

// AsAPIError converts any error into an APIError. Storage sentinels map to
// not found and conflict, context errors to cancelled.
func AsAPIError(err error) *api.APIError {
	var apiErr *api.APIError
	switch {
	case errors.As(err, &apiErr):
		return apiErr
	case errors.Is(err, storage.ErrNotFound):
		return api.NewNotFoundError(err.Error())
	case errors.Is(err, storage.ErrConflict):
		return api.NewInvalidRequestError("id", err.Error())
	case errors.Is(err, context.Canceled):
		return &api.APIError{Type: api.ErrorTypeCancelled, Message: api.MessageCancelled}
	}
	return api.ToAPIError(err)
}

// WriteError writes err as a JSON error body with a matching status.
func WriteError(w http.ResponseWriter, err error) {
	apiErr := AsAPIError(err)
	WriteErrorStatus(w, apiErr, HTTPStatus(apiErr))
}

// WriteErrorStatus writes apiErr with an explicit status.
func WriteErrorStatus(w http.ResponseWriter, apiErr *api.APIError, status int) {
	WriteJSON(w, status, api.ErrorResponse{Error: apiErr})
}

// WriteJSON writes v as a JSON body.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
