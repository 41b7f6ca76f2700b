// Package auth mints and verifies short-lived service identity tokens.
//
// Tokens are stateless HMAC-signed JWTs. Validation depends only on the
// token, the shared secret and the clock.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// SystemSubject is the subject of every machine-to-machine token.
	SystemSubject = "system"

	RoleService = "service"
	RoleSystem  = "system"

	DefaultTTL       = 60 * time.Minute
	DefaultAlgorithm = "HS256"
)

var ErrUnauthorized = errors.New("unauthorized")

// Claims is the token body exchanged between services.
type Claims struct {
	jwt.RegisteredClaims
	Name    string   `json:"name"`
	Email   string   `json:"email"`
	Roles   []string `json:"roles"`
	Service string   `json:"service"`
}

// HasRole reports whether the claims carry role.
func (c Claims) HasRole(role string) bool {
	for _, r := range c.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// ServiceToken is a signed token together with the claims it carries.
type ServiceToken struct {
	Token     string    `json:"token"`
	Service   string    `json:"service"`
	Roles     []string  `json:"roles"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Config is the shared signing configuration.
type Config struct {
	Secret    string
	Algorithm string
}

func (c Config) method() (jwt.SigningMethod, error) {
	alg := strings.TrimSpace(c.Algorithm)
	if alg == "" {
		alg = DefaultAlgorithm
	}
	switch alg {
	case jwt.SigningMethodHS256.Alg(), jwt.SigningMethodHS384.Alg(), jwt.SigningMethodHS512.Alg():
		return jwt.GetSigningMethod(alg), nil
	default:
		return nil, fmt.Errorf("unsupported signing algorithm %q", alg)
	}
}

func (c Config) check() (jwt.SigningMethod, error) {
	if strings.TrimSpace(c.Secret) == "" {
		return nil, errors.New("jwt secret not configured")
	}
	return c.method()
}

// Issuer mints service tokens.
type Issuer struct {
	Config Config
	Now    func() time.Time
}

func NewIssuer(cfg Config) *Issuer {
	return &Issuer{Config: cfg, Now: time.Now}
}

func (i *Issuer) now() time.Time {
	if i.Now != nil {
		return i.Now()
	}
	return time.Now()
}

// Issue signs a token for serviceName valid for ttl. A non-positive ttl
// means DefaultTTL.
func (i *Issuer) Issue(serviceName string, ttl time.Duration) (ServiceToken, error) {
	method, err := i.Config.check()
	if err != nil {
		return ServiceToken{}, err
	}
	serviceName = strings.TrimSpace(serviceName)
	if serviceName == "" {
		return ServiceToken{}, errors.New("service name required")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	iat := jwt.NewNumericDate(i.now())
	exp := jwt.NewNumericDate(iat.Time.Add(ttl))
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   SystemSubject,
			IssuedAt:  iat,
			ExpiresAt: exp,
		},
		Name:    "Service " + serviceName,
		Email:   serviceName + "@system.local",
		Roles:   []string{RoleService, RoleSystem},
		Service: serviceName,
	}
	signed, err := jwt.NewWithClaims(method, claims).SignedString([]byte(i.Config.Secret))
	if err != nil {
		return ServiceToken{}, fmt.Errorf("sign token: %w", err)
	}
	return ServiceToken{
		Token:     signed,
		Service:   serviceName,
		Roles:     claims.Roles,
		IssuedAt:  iat.Time,
		ExpiresAt: exp.Time,
	}, nil
}

// AuthHeader returns an Authorization header value for one outbound call.
func (i *Issuer) AuthHeader(serviceName string) (string, error) {
	tok, err := i.Issue(serviceName, 0)
	if err != nil {
		return "", err
	}
	return "Bearer " + tok.Token, nil
}

// Validator verifies inbound service tokens.
type Validator struct {
	Config Config
	Now    func() time.Time
}

func NewValidator(cfg Config) *Validator {
	return &Validator{Config: cfg, Now: time.Now}
}

func (v *Validator) now() time.Time {
	if v.Now != nil {
		return v.Now()
	}
	return time.Now()
}

// Validate returns the token claims, or an error wrapping ErrUnauthorized.
func (v *Validator) Validate(token string) (Claims, error) {
	method, err := v.Config.check()
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{method.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(v.now),
	)
	claims := &Claims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(v.Config.Secret), nil
	})
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if !parsed.Valid {
		return Claims{}, fmt.Errorf("%w: invalid token", ErrUnauthorized)
	}
	if claims.Subject == "" {
		return Claims{}, fmt.Errorf("%w: subject claim required", ErrUnauthorized)
	}
	if !claims.HasRole(RoleService) {
		return Claims{}, fmt.Errorf("%w: %s role required", ErrUnauthorized, RoleService)
	}
	return *claims, nil
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}
