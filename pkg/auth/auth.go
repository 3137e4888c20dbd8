package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

// Decision is an authenticator's vote on a request.
type Decision int

const (
	// Yes accepts the request with an identity.
	Yes Decision = iota
	// No rejects the request; the credentials were understood but invalid.
	No
	// Abstain defers to the next authenticator.
	Abstain
)

func (d Decision) String() string {
	switch d {
	case Yes:
		return "yes"
	case No:
		return "no"
	default:
		return "abstain"
	}
}

// Result is the outcome of one authentication attempt.
type Result struct {
	Decision Decision
	Identity *Identity // set when Decision is Yes
	Err      error     // set when Decision is No
}

// Identity is an authenticated caller.
type Identity struct {
	Subject     string
	TenantID    string // empty means the caller sees every tenant's runs
	ServiceTier string
	Scopes      []string
}

// Tier returns the service tier, "default" when unset.
func (id *Identity) Tier() string {
	if id == nil || id.ServiceTier == "" {
		return "default"
	}
	return id.ServiceTier
}

// HasScope reports whether the identity was granted scope.
func (id *Identity) HasScope(scope string) bool {
	if id == nil {
		return false
	}
	for _, s := range id.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// Authenticator votes on a request's credentials.
type Authenticator interface {
	Authenticate(ctx context.Context, r *http.Request) Result
}

// AuthenticatorFunc adapts a function to Authenticator.
type AuthenticatorFunc func(ctx context.Context, r *http.Request) Result

func (f AuthenticatorFunc) Authenticate(ctx context.Context, r *http.Request) Result {
	return f(ctx, r)
}

var (
	ErrUnauthenticated = errors.New("authentication required")
	ErrTooManyRequests = errors.New("rate limit exceeded")
)

// Anonymous is the identity granted when every authenticator abstains and
// the chain allows anonymous access.
var Anonymous = Identity{Subject: "anonymous", ServiceTier: "default"}

// Chain evaluates authenticators in order and stops at the first Yes or No.
type Chain struct {
	Authenticators []Authenticator

	// AllowAnonymous accepts requests on which every authenticator
	// abstained. With no authenticators this disables authentication.
	AllowAnonymous bool
}

// Authenticate runs the chain.
func (c *Chain) Authenticate(ctx context.Context, r *http.Request) Result {
	for _, a := range c.Authenticators {
		if res := a.Authenticate(ctx, r); res.Decision != Abstain {
			return res
		}
	}
	if c.AllowAnonymous {
		id := Anonymous
		return Result{Decision: Yes, Identity: &id}
	}
	return Result{Decision: No, Err: ErrUnauthenticated}
}

// BearerToken returns the token of an "Authorization: Bearer" header. ok is
// false when the header is absent or uses another scheme; an empty token
// with ok true means the scheme was present without a value.
func BearerToken(r *http.Request) (token string, ok bool) {
	h := r.Header.Get("Authorization")
	scheme, rest, found := strings.Cut(h, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	return strings.TrimSpace(rest), true
}
