package api

import (
	"fmt"
	"strings"
)

// ValidationConfig holds configurable limits for request validation.
type ValidationConfig struct {
	MaxPromptSize int
	MaxSourceSize int
}

// DefaultValidationConfig returns a ValidationConfig with sensible defaults.
func DefaultValidationConfig() ValidationConfig {
	return ValidationConfig{
		MaxPromptSize: 64 * 1024,
		MaxSourceSize: 1024 * 1024, // 1MB
	}
}

// ValidateRunRequest checks a RunRequest. It returns the first failure, or nil.
func ValidateRunRequest(req *RunRequest, cfg ValidationConfig) *APIError {
	return validatePrompt(req.Prompt, cfg)
}

// ValidateGenerateRequest checks a GenerateRequest.
func ValidateGenerateRequest(req *GenerateRequest, cfg ValidationConfig) *APIError {
	return validatePrompt(req.Prompt, cfg)
}

// ValidateCompileRequest checks a CompileRequest.
func ValidateCompileRequest(req *CompileRequest, cfg ValidationConfig) *APIError {
	return validateSource("source", req.Source, cfg)
}

// ValidateExecuteRequest checks an ExecuteRequest. Exactly one of source
// and artifact must be set.
func ValidateExecuteRequest(req *ExecuteRequest, cfg ValidationConfig) *APIError {
	switch {
	case req.Source != "" && req.Artifact != nil:
		return NewInvalidRequestError("source", "source and artifact are mutually exclusive")
	case req.Artifact != nil:
		if req.Artifact.ID == "" {
			return NewInvalidRequestError("artifact.id", "artifact id is required")
		}
		return validateSource("artifact.source", string(req.Artifact.Source), cfg)
	default:
		return validateSource("source", req.Source, cfg)
	}
}

func validatePrompt(prompt string, cfg ValidationConfig) *APIError {
	if strings.TrimSpace(prompt) == "" {
		return NewInvalidRequestError("prompt", "prompt is required")
	}
	if cfg.MaxPromptSize > 0 && len(prompt) > cfg.MaxPromptSize {
		return NewInvalidRequestError("prompt",
			fmt.Sprintf("prompt exceeds maximum size of %d bytes", cfg.MaxPromptSize))
	}
	return nil
}

func validateSource(param, src string, cfg ValidationConfig) *APIError {
	if strings.TrimSpace(src) == "" {
		return NewInvalidRequestError(param, "source is required")
	}
	if cfg.MaxSourceSize > 0 && len(src) > cfg.MaxSourceSize {
		return NewInvalidRequestError(param,
			fmt.Sprintf("source exceeds maximum size of %d bytes", cfg.MaxSourceSize))
	}
	return nil
}
