// Package engine drives the prompt-to-execution pipeline. An Engine wires a
// generator, a compiler and a sandbox runner together, emits progress events
// while a run advances, and persists finished runs when a store is
// configured. Each stage is also exposed on its own for callers that only
// need generation, compilation or execution.
package engine
