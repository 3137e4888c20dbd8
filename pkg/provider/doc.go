// Package provider defines the backend-neutral interface for chat model
// inference. Each adapter (ollama, openaicompat) speaks its own wire
// protocol internally and surfaces the same ProviderRequest,
// ProviderResponse and ProviderEvent types to the generator.
package provider
