// Package auth authenticates promptrun API callers.
//
// Authenticators vote Yes, No or Abstain on each request and a Chain takes
// the first non-abstaining vote. The HTTP middleware attaches the resulting
// Identity to the request context, scopes run storage to the caller's
// tenant and applies per-tier rate limits.
package auth
