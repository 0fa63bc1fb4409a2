package usertoken

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

const (
	defaultIssuer   = "amplified-auth"
	defaultAudience = "amplified-api"
	defaultLeeway   = 30 * time.Second
)

var errUnknownKey = errors.New("unknown token key")

// Role is the caller's permission level.
type Role string

const (
	RoleStudent Role = "student"
	RoleTutor   Role = "tutor"
	RoleAdmin   Role = "admin"
)

var roleRank = map[Role]int{RoleStudent: 1, RoleTutor: 2, RoleAdmin: 3}

// ParseRole maps a claim value to a Role; unknown values are rejected.
func ParseRole(s string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	if r == "" {
		return RoleStudent, nil
	}
	if _, ok := roleRank[r]; !ok {
		return "", fmt.Errorf("unknown role %q", s)
	}
	return r, nil
}

// Principal is the authenticated caller.
type Principal struct {
	Subject string
	Role    Role
}

// Claims are the access-token claims issued by the identity provider. Issuers
// send either a single role or a roles list.
type Claims struct {
	Role  string   `json:"role,omitempty"`
	Roles []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// principalRole returns the most privileged known role in the claims. Unknown
// entries in roles are ignored; an unknown single role is an error.
func (c Claims) principalRole() (Role, error) {
	best, err := ParseRole(c.Role)
	if err != nil {
		return "", err
	}
	for _, raw := range c.Roles {
		r, err := ParseRole(raw)
		if err != nil {
			continue
		}
		if roleRank[r] > roleRank[best] {
			best = r
		}
	}
	return best, nil
}

// Config configures user access-token verification.
type Config struct {
	JWKSURL  string
	Issuer   string
	Audience string
	Leeway   time.Duration
	// MinRefreshInterval spaces JWKS refetches triggered by unknown key ids.
	MinRefreshInterval time.Duration
	HTTPClient         *http.Client
}

// Verifier validates RS256 access tokens against the issuer's JWKS.
type Verifier struct {
	parser *jwt.Parser
	jwks   *jwksCache
}

// NewVerifier fetches the key set once and returns a verifier.
func NewVerifier(ctx context.Context, cfg Config) (*Verifier, error) {
	jwksURL := strings.TrimSpace(cfg.JWKSURL)
	if jwksURL == "" {
		return nil, errors.New("token verifier requires jwksURL")
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		issuer = defaultIssuer
	}
	audience := strings.TrimSpace(cfg.Audience)
	if audience == "" {
		audience = defaultAudience
	}
	leeway := cfg.Leeway
	if leeway <= 0 {
		leeway = defaultLeeway
	}
	minInterval := cfg.MinRefreshInterval
	if minInterval <= 0 {
		minInterval = defaultMinRefreshInterval
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}

	v := &Verifier{
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
			jwt.WithIssuer(issuer),
			jwt.WithAudience(audience),
			jwt.WithIssuedAt(),
			jwt.WithExpirationRequired(),
			jwt.WithLeeway(leeway),
		),
		jwks: &jwksCache{url: jwksURL, client: client, minInterval: minInterval, now: time.Now},
	}
	if err := v.jwks.refresh(ctx, true); err != nil {
		return nil, err
	}
	return v, nil
}

// Verify validates the token and returns the caller. A token without any role
// claim authenticates a student.
func (v *Verifier) Verify(ctx context.Context, token string) (Principal, error) {
	claims, err := v.parse(token)
	if errors.Is(err, errUnknownKey) || (err != nil && v.jwks.expired()) {
		if refreshErr := v.jwks.refresh(ctx, true); refreshErr != nil && !errors.Is(refreshErr, errRefreshThrottled) {
			return Principal{}, refreshErr
		}
		claims, err = v.parse(token)
	}
	if err != nil {
		return Principal{}, err
	}
	subject := strings.TrimSpace(claims.Subject)
	if subject == "" {
		return Principal{}, errors.New("token subject missing")
	}
	role, err := claims.principalRole()
	if err != nil {
		return Principal{}, err
	}
	return Principal{Subject: subject, Role: role}, nil
}

func (v *Verifier) parse(token string) (Claims, error) {
	var claims Claims
	_, err := v.parser.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		key, ok := v.jwks.key(strings.TrimSpace(kid))
		if !ok {
			return nil, errUnknownKey
		}
		return key, nil
	})
	return claims, err
}
