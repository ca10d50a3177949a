// Package auth implements FlowGate's route-level authentication
// evaluators (§4.5): basic auth, static API keys, and JWT bearer tokens,
// combined with any-of semantics — a request is authorized if any one
// configured evaluator accepts it.
package auth

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4/jwt"
	"golang.org/x/crypto/bcrypt"

	"github.com/flowgate/flowgate/internal/config"
	"github.com/flowgate/flowgate/internal/flowgate"
)

// Evaluator decides whether a request carries acceptable credentials.
type Evaluator interface {
	// Authenticate inspects r and returns the authenticated principal
	// name (for logging) and whether it accepted the request. An error
	// is returned only for malformed evaluator configuration, never for
	// an unauthenticated request (that's a plain "false").
	Authenticate(r *http.Request) (principal string, ok bool, err error)
}

// Chain is an ordered list of evaluators combined with any-of semantics:
// the request is authorized if at least one evaluator accepts it.
type Chain struct {
	evaluators   []Evaluator
	excludePaths []string
}

// Build constructs a Chain from a route's AuthConfig. A nil cfg (route
// has no "auth" attachment) yields a nil *Chain, and callers should
// treat that as "no authentication required" — Authorize on a nil
// *Chain always allows the request.
func Build(cfg *config.AuthConfig) (*Chain, error) {
	if cfg == nil {
		return nil, nil
	}
	c := &Chain{excludePaths: cfg.ExcludePaths}
	if cfg.Basic != nil {
		b, err := newBasicAuth(cfg.Basic)
		if err != nil {
			return nil, err
		}
		c.evaluators = append(c.evaluators, b)
	}
	if cfg.APIKeys != nil {
		c.evaluators = append(c.evaluators, newAPIKeyAuth(cfg.APIKeys))
	}
	if cfg.JWT != nil {
		j, err := newJWTAuth(cfg.JWT)
		if err != nil {
			return nil, err
		}
		c.evaluators = append(c.evaluators, j)
	}
	if len(c.evaluators) == 0 {
		return nil, fmt.Errorf("auth: at least one of basic, api_keys, jwt must be configured")
	}
	return c, nil
}

// Authorize reports whether r is authorized under the chain. A nil
// Chain always authorizes. If the request path is in ExcludePaths, it
// is authorized without consulting any evaluator.
func (c *Chain) Authorize(r *http.Request) (principal string, ok bool) {
	if c == nil {
		return "", true
	}
	for _, p := range c.excludePaths {
		if p == r.URL.Path {
			return "", true
		}
	}
	for _, ev := range c.evaluators {
		if principal, ok, err := ev.Authenticate(r); err == nil && ok {
			return principal, true
		}
	}
	return "", false
}

// challenger is implemented by evaluators whose scheme has a standard
// WWW-Authenticate challenge (§4.5: "401 for basic/jwt with
// WWW-Authenticate"). api_keys has no such standard challenge, so
// apiKeyAuth does not implement it.
type challenger interface {
	Challenge() string
}

// Challenge returns the WWW-Authenticate header value to send alongside
// a 401 for this chain, joining one challenge per evaluator that has
// one. A nil Chain (no auth configured) returns "".
func (c *Chain) Challenge() string {
	if c == nil {
		return ""
	}
	var challenges []string
	for _, ev := range c.evaluators {
		if ch, ok := ev.(challenger); ok {
			challenges = append(challenges, ch.Challenge())
		}
	}
	return strings.Join(challenges, ", ")
}

// --- basic auth ---

type basicAuth struct {
	credentials map[string]string // username -> password or bcrypt hash
	realm       string
}

func newBasicAuth(cfg *config.BasicAuthConfig) (*basicAuth, error) {
	if len(cfg.Credentials) == 0 {
		return nil, fmt.Errorf("auth: basic auth requires at least one credential")
	}
	realm := cfg.Realm
	if realm == "" {
		realm = "restricted"
	}
	return &basicAuth{credentials: cfg.Credentials, realm: realm}, nil
}

func (b *basicAuth) Challenge() string {
	return fmt.Sprintf(`Basic realm=%q`, b.realm)
}

func (b *basicAuth) Authenticate(r *http.Request) (string, bool, error) {
	user, pass, ok := r.BasicAuth()
	if !ok {
		return "", false, nil
	}
	want, exists := b.credentials[user]
	if !exists {
		return "", false, nil
	}
	if strings.HasPrefix(want, "$2") {
		if err := bcrypt.CompareHashAndPassword([]byte(want), []byte(pass)); err != nil {
			return "", false, nil
		}
		return user, true, nil
	}
	if subtle.ConstantTimeCompare([]byte(want), []byte(pass)) != 1 {
		return "", false, nil
	}
	return user, true, nil
}

// --- api key auth ---

type apiKeyAuth struct {
	keys       map[string]struct{}
	header     string
	queryParam string
}

func newAPIKeyAuth(cfg *config.APIKeyConfig) *apiKeyAuth {
	keys := make(map[string]struct{}, len(cfg.Keys))
	for _, k := range cfg.Keys {
		keys[k] = struct{}{}
	}
	header := cfg.Header
	if header == "" {
		header = "X-API-Key"
	}
	return &apiKeyAuth{keys: keys, header: header, queryParam: cfg.QueryParam}
}

func (a *apiKeyAuth) Authenticate(r *http.Request) (string, bool, error) {
	key := r.Header.Get(a.header)
	if key == "" && a.queryParam != "" {
		key = r.URL.Query().Get(a.queryParam)
	}
	if key == "" {
		return "", false, nil
	}
	if _, ok := a.keys[key]; !ok {
		return "", false, nil
	}
	return "api-key", true, nil
}

// --- jwt auth ---

type jwtAuth struct {
	key       any
	issuer    string
	audience  []string
}

func newJWTAuth(cfg *config.JWTConfig) (*jwtAuth, error) {
	var key any
	switch {
	case cfg.Secret != "":
		key = []byte(cfg.Secret)
	case cfg.PublicKey != "":
		parsed, err := parsePublicKeyPEM(cfg.PublicKey)
		if err != nil {
			return nil, flowgate.Wrap(flowgate.KindConfigInvalid, "auth.jwt", err)
		}
		key = parsed
	default:
		return nil, fmt.Errorf("auth: jwt requires either secret or public_key")
	}
	return &jwtAuth{key: key, issuer: cfg.Issuer, audience: cfg.Audience}, nil
}

func (j *jwtAuth) Challenge() string {
	return "Bearer"
}

func (j *jwtAuth) Authenticate(r *http.Request) (string, bool, error) {
	authz := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(authz, prefix) {
		return "", false, nil
	}
	raw := strings.TrimSpace(authz[len(prefix):])
	if raw == "" {
		return "", false, nil
	}

	token, err := jwt.ParseSigned(raw, []jwt.SignatureAlgorithm{
		jwt.HS256, jwt.RS256, jwt.ES256,
	})
	if err != nil {
		return "", false, nil
	}

	var claims jwt.Claims
	if err := token.Claims(j.key, &claims); err != nil {
		return "", false, nil
	}

	expected := jwt.Expected{Time: time.Now()}
	if j.issuer != "" {
		expected.Issuer = j.issuer
	}
	if len(j.audience) > 0 {
		expected.AnyAudience = j.audience
	}
	if err := claims.Validate(expected); err != nil {
		return "", false, nil
	}

	return claims.Subject, true, nil
}
