// Package jwt mints and verifies the HS256 bearer tokens the API accepts.
package jwt

import (
	"errors"
	"fmt"
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const issuer = "buildplane"

// Role decides which API operations a token may call.
type Role string

const (
	// RoleDeveloper may manage projects and builds.
	RoleDeveloper Role = "developer"
	// RoleOperator may additionally drain builders and reset caches.
	RoleOperator Role = "operator"
)

// ParseRole maps a flag value to a Role.
func ParseRole(v string) (Role, error) {
	switch r := Role(strings.ToLower(strings.TrimSpace(v))); r {
	case "", RoleDeveloper:
		return RoleDeveloper, nil
	case RoleOperator:
		return RoleOperator, nil
	default:
		return "", fmt.Errorf("unknown role %q", v)
	}
}

// ErrNoSecret is returned when a keyring is built without a signing secret.
var ErrNoSecret = errors.New("jwt signing secret is empty")

// Claims is the token payload. The subject owns the builds the token schedules.
type Claims struct {
	Role Role `json:"role"`
	jwtlib.RegisteredClaims
}

// UserID returns the token subject.
func (c *Claims) UserID() string { return c.Subject }

// Operator reports whether the token carries the operator role.
func (c *Claims) Operator() bool { return c.Role == RoleOperator }

// Keyring signs and verifies tokens with one shared secret.
type Keyring struct {
	secret []byte
	now    func() time.Time
}

func NewKeyring(secret string) (*Keyring, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, ErrNoSecret
	}
	return &Keyring{secret: []byte(secret), now: time.Now}, nil
}

// Mint issues a token for userID that expires after ttl.
func (k *Keyring) Mint(userID string, role Role, ttl time.Duration) (string, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", errors.New("jwt subject is empty")
	}
	if role == "" {
		role = RoleDeveloper
	}
	now := k.now()
	claims := Claims{
		Role: role,
		RegisteredClaims: jwtlib.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    issuer,
			Subject:   userID,
			IssuedAt:  jwtlib.NewNumericDate(now),
			ExpiresAt: jwtlib.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims).SignedString(k.secret)
}

// Verify checks the signature, issuer, expiry and role of token.
func (k *Keyring) Verify(token string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwtlib.ParseWithClaims(token, claims, func(*jwtlib.Token) (any, error) {
		return k.secret, nil
	},
		jwtlib.WithValidMethods([]string{jwtlib.SigningMethodHS256.Name}),
		jwtlib.WithIssuer(issuer),
		jwtlib.WithExpirationRequired(),
		jwtlib.WithTimeFunc(k.now),
	)
	if err != nil {
		return nil, err
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", jwtlib.ErrTokenInvalidClaims)
	}
	if claims.Role != RoleDeveloper && claims.Role != RoleOperator {
		return nil, fmt.Errorf("%w: unknown role %q", jwtlib.ErrTokenInvalidClaims, claims.Role)
	}
	return claims, nil
}
