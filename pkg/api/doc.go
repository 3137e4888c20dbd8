// Package api defines the core types shared by every stage of the
// prompt-to-execution pipeline.
//
// The pipeline turns a natural-language prompt into running Go code:
// a model streams [GenerationChunk] values, the accumulated text is reduced
// to plain source, the source is compiled into an [Artifact] (or a list of
// [Diagnostic] values), and the artifact is executed in a sandbox that
// produces an [ExecutionResult].
//
// The package performs no I/O and depends only on the standard library.
//
// Error handling follows two tracks:
//   - Expected failures (compile errors, timeouts, cancellation) are data:
//     they travel inside [CompileResult] and [ExecutionResult].
//   - [PipelineError] classifies failures by [Kind] when a stage has to
//     return an error, and [APIError] carries them over HTTP.
//
// Sandbox execution follows the lifecycle validated by
// [ValidateSandboxTransition]:
//
//	idle -> loading -> running -> {completed|timed_out|faulted|cancelled} -> unloaded
package api
