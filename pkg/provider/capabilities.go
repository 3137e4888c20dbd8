package provider

import (
	"fmt"
	"slices"

	"github.com/rhuss/promptrun/pkg/api"
)

// ValidateModel checks a requested model against the provider's declared
// models. An empty SupportedModels list accepts any model and leaves the
// decision to the backend.
func ValidateModel(caps ProviderCapabilities, model string) *api.APIError {
	if model == "" {
		return api.NewInvalidRequestError("model", "model is required")
	}
	if len(caps.SupportedModels) == 0 || slices.Contains(caps.SupportedModels, model) {
		return nil
	}
	return api.NewNotFoundError(fmt.Sprintf("model %q not found", model))
}

// ModelNotFound returns the error adapters use when the backend rejects a
// model, naming the requested model id.
func ModelNotFound(model, detail string) *api.APIError {
	msg := fmt.Sprintf("model %q not found", model)
	if detail != "" {
		msg += ": " + detail
	}
	return &api.APIError{Type: api.ErrorTypeNotFound, Code: "model_not_found", Param: "model", Message: msg}
}
