// Package openaicompat is a Provider for any OpenAI-compatible Chat
// Completions backend (vLLM, LiteLLM, llama.cpp server). It handles request
// serialization, response parsing, SSE chunk streaming and error mapping.
package openaicompat
