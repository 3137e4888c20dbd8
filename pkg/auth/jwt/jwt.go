// Package jwt authenticates bearer JWTs against a JWKS endpoint.
//
// RSA (RS256/384/512) and ECDSA (ES256/384/512) keys are accepted. The key
// set is cached for CacheTTL and refetched early when a token names an
// unknown key id, at most once per MinRefresh.
package jwt

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"

	"github.com/rhuss/promptrun/pkg/auth"
	"github.com/rhuss/promptrun/pkg/debug"
)

// Config configures an Authenticator. Empty Issuer or Audience disables
// that check.
type Config struct {
	Issuer   string
	Audience string
	JWKSURL  string

	UserClaim   string // default "sub"
	TenantClaim string // default "tenant_id"
	TierClaim   string // default "tier"
	ScopesClaim string // default "scope"; space separated string or array

	CacheTTL   time.Duration // default 1h
	MinRefresh time.Duration // default 30s
	HTTPClient *http.Client
}

func (c *Config) setDefaults() {
	if c.UserClaim == "" {
		c.UserClaim = "sub"
	}
	if c.TenantClaim == "" {
		c.TenantClaim = "tenant_id"
	}
	if c.TierClaim == "" {
		c.TierClaim = "tier"
	}
	if c.ScopesClaim == "" {
		c.ScopesClaim = "scope"
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = time.Hour
	}
	if c.MinRefresh <= 0 {
		c.MinRefresh = 30 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
}

var validMethods = []string{"RS256", "RS384", "RS512", "ES256", "ES384", "ES512"}

// Authenticator validates JWT bearer tokens.
type Authenticator struct {
	cfg    Config
	keys   *keySet
	parser *jwtlib.Parser
}

// New creates an Authenticator.
func New(cfg Config) *Authenticator {
	cfg.setDefaults()
	opts := []jwtlib.ParserOption{jwtlib.WithValidMethods(validMethods), jwtlib.WithExpirationRequired()}
	if cfg.Issuer != "" {
		opts = append(opts, jwtlib.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwtlib.WithAudience(cfg.Audience))
	}
	return &Authenticator{
		cfg:    cfg,
		keys:   &keySet{cfg: &cfg, keys: map[string]crypto.PublicKey{}},
		parser: jwtlib.NewParser(opts...),
	}
}

// Authenticate abstains without a bearer token and says No to any token
// that fails verification.
func (a *Authenticator) Authenticate(ctx context.Context, r *http.Request) auth.Result {
	raw, ok := auth.BearerToken(r)
	if !ok {
		return auth.Result{Decision: auth.Abstain}
	}
	if raw == "" {
		return auth.Result{Decision: auth.No, Err: errors.New("empty bearer token")}
	}
	// Opaque API keys share the bearer header; leave them to other authenticators.
	if strings.Count(raw, ".") != 2 {
		return auth.Result{Decision: auth.Abstain}
	}

	claims := jwtlib.MapClaims{}
	_, err := a.parser.ParseWithClaims(raw, claims, func(t *jwtlib.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("token has no kid header")
		}
		return a.keys.get(ctx, kid)
	})
	if err != nil {
		debug.Log("auth", "jwt rejected", "error", err)
		return auth.Result{Decision: auth.No, Err: fmt.Errorf("invalid JWT: %w", err)}
	}

	id := &auth.Identity{
		Subject:     stringClaim(claims, a.cfg.UserClaim),
		TenantID:    stringClaim(claims, a.cfg.TenantClaim),
		ServiceTier: stringClaim(claims, a.cfg.TierClaim),
		Scopes:      scopes(claims[a.cfg.ScopesClaim]),
	}
	if id.Subject == "" {
		return auth.Result{Decision: auth.No, Err: fmt.Errorf("JWT has no %q claim", a.cfg.UserClaim)}
	}
	return auth.Result{Decision: auth.Yes, Identity: id}
}

func stringClaim(claims jwtlib.MapClaims, name string) string {
	s, _ := claims[name].(string)
	return s
}

func scopes(v any) []string {
	switch v := v.(type) {
	case string:
		if f := strings.Fields(v); len(f) > 0 {
			return f
		}
	case []any:
		var out []string
		for _, item := range v {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// keySet caches the verification keys served at cfg.JWKSURL.
type keySet struct {
	cfg *Config

	mu        sync.Mutex
	keys      map[string]crypto.PublicKey
	fetchedAt time.Time
}

func (s *keySet) get(ctx context.Context, kid string) (crypto.PublicKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	age := time.Since(s.fetchedAt)
	key, ok := s.keys[kid]
	if ok && age < s.cfg.CacheTTL {
		return key, nil
	}
	// Unknown kid: refetch unless we just did.
	if age >= s.cfg.MinRefresh || age >= s.cfg.CacheTTL {
		if err := s.refresh(ctx); err != nil {
			if ok {
				debug.Log("auth", "jwks refresh failed, using cached key", "kid", kid, "error", err)
				return key, nil
			}
			return nil, err
		}
		if key, ok = s.keys[kid]; ok {
			return key, nil
		}
	}
	return nil, fmt.Errorf("key %q not in JWKS", kid)
}

type jwks struct {
	Keys []jwk `json:"keys"`
}

type jwk struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Use string `json:"use"`
	N   string `json:"n"`
	E   string `json:"e"`
	Crv string `json:"crv"`
	X   string `json:"x"`
	Y   string `json:"y"`
}

// refresh replaces the cached keys. Called with mu held.
func (s *keySet) refresh(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.JWKSURL, nil)
	if err != nil {
		return fmt.Errorf("jwks request: %w", err)
	}
	resp, err := s.cfg.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("fetch jwks: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch jwks: status %d", resp.StatusCode)
	}

	var doc jwks
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return fmt.Errorf("decode jwks: %w", err)
	}

	keys := make(map[string]crypto.PublicKey, len(doc.Keys))
	for _, k := range doc.Keys {
		if k.Use != "" && k.Use != "sig" {
			continue
		}
		pub, err := k.publicKey()
		if err != nil {
			debug.Log("auth", "skipping jwk", "kid", k.Kid, "error", err)
			continue
		}
		keys[k.Kid] = pub
	}
	s.keys = keys
	s.fetchedAt = time.Now()
	debug.Log("auth", "jwks refreshed", "keys", len(keys))
	return nil
}

func (k jwk) publicKey() (crypto.PublicKey, error) {
	switch k.Kty {
	case "RSA":
		n, err := b64Int(k.N)
		if err != nil {
			return nil, fmt.Errorf("modulus: %w", err)
		}
		e, err := b64Int(k.E)
		if err != nil {
			return nil, fmt.Errorf("exponent: %w", err)
		}
		if !e.IsInt64() || e.Int64() > 1<<31-1 {
			return nil, errors.New("exponent out of range")
		}
		return &rsa.PublicKey{N: n, E: int(e.Int64())}, nil
	case "EC":
		var curve elliptic.Curve
		switch k.Crv {
		case "P-256":
			curve = elliptic.P256()
		case "P-384":
			curve = elliptic.P384()
		case "P-521":
			curve = elliptic.P521()
		default:
			return nil, fmt.Errorf("unsupported curve %q", k.Crv)
		}
		x, err := b64Int(k.X)
		if err != nil {
			return nil, fmt.Errorf("x: %w", err)
		}
		y, err := b64Int(k.Y)
		if err != nil {
			return nil, fmt.Errorf("y: %w", err)
		}
		if !curve.IsOnCurve(x, y) {
			return nil, errors.New("point not on curve")
		}
		return &ecdsa.PublicKey{Curve: curve, X: x, Y: y}, nil
	default:
		return nil, fmt.Errorf("unsupported key type %q", k.Kty)
	}
}

func b64Int(s string) (*big.Int, error) {
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, err
	}
	return new(big.Int).SetBytes(b), nil
}
