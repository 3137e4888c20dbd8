// Package apikey authenticates callers by static API keys presented as a
// bearer token or in the X-API-Key header. Keys are held only as SHA-256
// hashes.
package apikey

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"net/http"

	"github.com/rhuss/promptrun/pkg/auth"
)

// HeaderName is the alternative header carrying a raw API key.
const HeaderName = "X-API-Key"

// Entry binds a plaintext key to the identity it grants.
type Entry struct {
	Key      string
	Identity auth.Identity
}

type hashedEntry struct {
	hash     [sha256.Size]byte
	identity auth.Identity
}

// Authenticator matches presented keys against its key set.
type Authenticator struct {
	keys []hashedEntry
}

// New hashes entries. Entries with an empty key are ignored.
func New(entries []Entry) *Authenticator {
	a := &Authenticator{}
	for _, e := range entries {
		if e.Key == "" {
			continue
		}
		a.keys = append(a.keys, hashedEntry{hash: sha256.Sum256([]byte(e.Key)), identity: e.Identity})
	}
	return a
}

// Len returns the number of usable keys.
func (a *Authenticator) Len() int { return len(a.keys) }

// Authenticate abstains without credentials, says No to an unknown key.
func (a *Authenticator) Authenticate(_ context.Context, r *http.Request) auth.Result {
	key := r.Header.Get(HeaderName)
	if key == "" {
		token, ok := auth.BearerToken(r)
		if !ok {
			return auth.Result{Decision: auth.Abstain}
		}
		key = token
	}
	if key == "" {
		return auth.Result{Decision: auth.No, Err: auth.ErrUnauthenticated}
	}

	sum := sha256.Sum256([]byte(key))
	// Every entry is compared so the match position does not leak.
	var found *auth.Identity
	for i := range a.keys {
		if subtle.ConstantTimeCompare(sum[:], a.keys[i].hash[:]) == 1 && found == nil {
			id := a.keys[i].identity
			found = &id
		}
	}
	if found == nil {
		return auth.Result{Decision: auth.No, Err: auth.ErrUnauthenticated}
	}
	return auth.Result{Decision: auth.Yes, Identity: found}
}
