// Package adminauth issues and checks the bearer tokens that guard the
// operator endpoints.
package adminauth

import (
	"errors"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// RoleAdmin grants access to the /admin routes.
const RoleAdmin = "admin"

const issuer = "boxoffice"

var (
	ErrInvalidToken  = errors.New("invalid token")
	ErrNoSecret      = errors.New("admin jwt secret is not configured")
	ErrShortSecret   = errors.New("admin jwt secret must be at least 32 bytes")
	ErrMissingRole   = errors.New("token lacks required role")
	ErrMissingBearer = errors.New("missing bearer token")
)

// MinSecretLength is the shortest HS256 key accepted.
const MinSecretLength = 32

type Claims struct {
	Roles []string `json:"roles"`
	jwt.RegisteredClaims
}

// HasRole reports whether the claims grant role.
func (c *Claims) HasRole(role string) bool {
	return slices.Contains(c.Roles, role)
}

// Tokens signs and validates HS256 tokens with a shared secret.
type Tokens struct {
	secret []byte
	now    func() time.Time
}

func NewTokens(secret string) (*Tokens, error) {
	if secret == "" {
		return nil, ErrNoSecret
	}
	if len(secret) < MinSecretLength {
		return nil, ErrShortSecret
	}
	return &Tokens{secret: []byte(secret), now: time.Now}, nil
}

// Issue mints a token for subject valid for ttl.
func (t *Tokens) Issue(subject string, roles []string, ttl time.Duration) (string, error) {
	now := t.now()
	claims := Claims{
		Roles: roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    issuer,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(t.secret)
}

// Validate parses tokenString and checks its signature, issuer and expiry.
func (t *Tokens) Validate(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return t.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithTimeFunc(t.now),
	)
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
