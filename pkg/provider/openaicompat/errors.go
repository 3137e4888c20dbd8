package openaicompat

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/rhuss/promptrun/pkg/api"
	"github.com/rhuss/promptrun/pkg/provider"
)

// statusError turns a non-2xx response into an APIError. Backends answer
// 404 for an unknown model, so that case names the model.
func statusError(resp *http.Response, model string) *api.APIError {
	msg := errorMessage(resp.Body)
	fallback := func(s string) string {
		if msg != "" {
			return msg
		}
		return s
	}

	switch code := resp.StatusCode; {
	case code == http.StatusNotFound:
		return provider.ModelNotFound(model, msg)
	case code == http.StatusBadRequest:
		return api.NewInvalidRequestError("", fallback("invalid request to backend"))
	case code == http.StatusUnauthorized, code == http.StatusForbidden:
		return api.NewServerError(fallback("backend authentication failed"))
	case code == http.StatusTooManyRequests:
		return api.NewTooManyRequestsError(fallback("backend rate limit exceeded"))
	default:
		return api.NewModelError(fallback(fmt.Sprintf("backend server error (HTTP %d)", code)))
	}
}

func transportError(err error) *api.APIError {
	return api.NewServerError("backend connection error: " + err.Error())
}

// errorMessage reads the {"error":{"message":...}} envelope. Anything else
// yields "".
func errorMessage(body io.Reader) string {
	if body == nil {
		return ""
	}
	var envelope struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(io.LimitReader(body, 4096)).Decode(&envelope); err != nil {
		return ""
	}
	return envelope.Error.Message
}
