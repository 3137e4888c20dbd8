// Package transport holds the protocol-neutral side of the promptrun API:
// the interfaces the HTTP adapter dispatches to, the RunCreator middleware
// chain, error-to-status mapping and the registry of in-flight runs that
// lets a client cancel a run by ID.
//
// The HTTP/SSE adapter lives in the http subpackage.
package transport
