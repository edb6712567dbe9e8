// Package authn turns opaque bearer tokens into trusted principals by
// validating them against a rotating remote key set. There is no development
// fallback: an unreachable key set fails closed.
package authn

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"
)

const (
	defaultCacheTTL           = time.Hour
	defaultMinRefreshInterval = 30 * time.Second
	defaultHTTPTimeout        = 10 * time.Second

	// TenantClaim is the claim carrying the tenant identity; Subject is the
	// fallback for issuers that put the account id in sub.
	TenantClaim = "tenant_id"
)

var (
	ErrInvalidConfig     = errors.New("authn: invalid config")
	ErrInvalidToken      = errors.New("authn: invalid token")
	ErrKeySetUnavailable = errors.New("authn: key set unavailable")
)

// Principal is a verified caller identity.
type Principal struct {
	Tenant  string
	Subject string
	Claims  jwt.MapClaims
}

type Config struct {
	JWKSURL  string
	Issuer   string
	Audience string

	// CacheTTL bounds how long a fetched key set is trusted. Default 1h.
	CacheTTL time.Duration
	// MinRefreshInterval rate-limits forced refreshes on unknown key ids.
	MinRefreshInterval time.Duration

	HTTPClient *http.Client
	Now        func() time.Time
}

// Verifier validates RS256 bearer tokens against a cached JWKS key set.
// Safe for concurrent use; reads are lock-free apart from an RWMutex, and at
// most one refresh runs at a time with concurrent callers sharing its result.
type Verifier struct {
	cfg    Config
	client *http.Client
	parser *jwt.Parser
	now    func() time.Time

	mu          sync.RWMutex
	keys        map[string]*rsa.PublicKey
	fetchedAt   time.Time
	lastAttempt time.Time

	sf singleflight.Group
}

func NewVerifier(cfg Config) (*Verifier, error) {
	if strings.TrimSpace(cfg.JWKSURL) == "" {
		return nil, fmt.Errorf("%w: jwks url is required", ErrInvalidConfig)
	}
	if strings.TrimSpace(cfg.Issuer) == "" {
		return nil, fmt.Errorf("%w: expected issuer is required", ErrInvalidConfig)
	}
	if strings.TrimSpace(cfg.Audience) == "" {
		return nil, fmt.Errorf("%w: expected audience is required", ErrInvalidConfig)
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = defaultCacheTTL
	}
	if cfg.MinRefreshInterval <= 0 {
		cfg.MinRefreshInterval = defaultMinRefreshInterval
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: defaultHTTPTimeout}
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{"RS256"}),
		jwt.WithIssuer(cfg.Issuer),
		jwt.WithAudience(cfg.Audience),
		jwt.WithExpirationRequired(),
	)
	return &Verifier{
		cfg:    cfg,
		client: client,
		parser: parser,
		now:    now,
	}, nil
}

// Verify validates signature, issuer, audience, expiry, and not-before, and
// returns the principal carried by the token.
func (v *Verifier) Verify(ctx context.Context, token string) (Principal, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Principal{}, fmt.Errorf("%w: empty token", ErrInvalidToken)
	}

	unverified, _, err := v.parser.ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	kid, _ := unverified.Header["kid"].(string)
	if kid == "" {
		return Principal{}, fmt.Errorf("%w: missing kid header", ErrInvalidToken)
	}

	key, err := v.keyFor(ctx, kid)
	if err != nil {
		return Principal{}, err
	}

	parsed, err := v.parser.Parse(token, func(*jwt.Token) (any, error) { return key, nil })
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return Principal{}, fmt.Errorf("%w: unexpected claims type", ErrInvalidToken)
	}

	subject, _ := claims.GetSubject()
	tenant, _ := claims[TenantClaim].(string)
	if tenant == "" {
		tenant = subject
	}
	if strings.TrimSpace(tenant) == "" {
		return Principal{}, fmt.Errorf("%w: token carries no tenant identity", ErrInvalidToken)
	}
	// The tenant id becomes a path segment in blob keys; separators would let
	// one tenant alias another's prefix.
	if strings.ContainsAny(tenant, "/\\") {
		return Principal{}, fmt.Errorf("%w: tenant identity contains a path separator", ErrInvalidToken)
	}
	return Principal{Tenant: tenant, Subject: subject, Claims: claims}, nil
}

// keyFor returns the signing key for kid, forcing one rate-limited refresh
// when the kid is absent from the cache (key rotation).
func (v *Verifier) keyFor(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	if key := v.cachedKey(kid, false); key != nil {
		return key, nil
	}

	_, err, _ := v.sf.Do("jwks-refresh", func() (any, error) {
		return nil, v.refresh(ctx)
	})
	if err != nil {
		// A fresh-enough cache can still serve other kids; this kid cannot
		// be resolved without the endpoint.
		return nil, fmt.Errorf("%w: %v", ErrKeySetUnavailable, err)
	}

	if key := v.cachedKey(kid, true); key != nil {
		return key, nil
	}
	return nil, fmt.Errorf("%w: unknown key id %q", ErrInvalidToken, kid)
}

// cachedKey returns the kid's key when present and, unless ignoreTTL, the
// cache is still within its TTL.
func (v *Verifier) cachedKey(kid string, ignoreTTL bool) *rsa.PublicKey {
	now := v.now().UTC()
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.keys == nil {
		return nil
	}
	if !ignoreTTL && now.After(v.fetchedAt.Add(v.cfg.CacheTTL)) {
		return nil
	}
	return v.keys[kid]
}

func (v *Verifier) refresh(ctx context.Context) error {
	now := v.now().UTC()

	v.mu.Lock()
	if now.Sub(v.lastAttempt) < v.cfg.MinRefreshInterval && v.keys != nil {
		v.mu.Unlock()
		return nil
	}
	v.lastAttempt = now
	v.mu.Unlock()

	keys, err := fetchKeySet(ctx, v.client, v.cfg.JWKSURL)
	if err != nil {
		return err
	}

	v.mu.Lock()
	v.keys = keys
	v.fetchedAt = v.now().UTC()
	v.mu.Unlock()
	return nil
}
