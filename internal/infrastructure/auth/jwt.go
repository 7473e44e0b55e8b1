package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/garyjia/trip-allowance/internal/application/port"
)

var (
	// ErrInvalidToken is returned for tokens that fail verification
	ErrInvalidToken = errors.New("invalid token")

	// ErrMissingSecret is returned when no signing secret is configured
	ErrMissingSecret = errors.New("jwt secret not configured")
)

// Claims carried by access tokens
type Claims struct {
	UserID string `json:"uid"`
	Role   string `json:"role"`
	Email  string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// JWTProvider verifies and issues HS256 access tokens. It implements
// port.IdentityProvider; credentials are the raw bearer token.
type JWTProvider struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// NewJWTProvider creates a provider for the given secret
func NewJWTProvider(secret, issuer string) (*JWTProvider, error) {
	if secret == "" {
		return nil, ErrMissingSecret
	}
	return &JWTProvider{secret: []byte(secret), issuer: issuer, now: time.Now}, nil
}

// GenerateToken signs a token for the user valid for ttl
func (p *JWTProvider) GenerateToken(user port.AuthContext, ttl time.Duration) (string, error) {
	now := p.now()
	claims := Claims{
		UserID: user.UserID,
		Role:   user.Role,
		Email:  user.Email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.UserID,
			Issuer:    p.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(p.secret)
}

// Authenticate verifies a token and returns the user it identifies
func (p *JWTProvider) Authenticate(_ context.Context, tokenString string) (port.AuthContext, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(p.now),
		jwt.WithExpirationRequired(),
	}
	if p.issuer != "" {
		opts = append(opts, jwt.WithIssuer(p.issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return p.secret, nil
	}, opts...)
	if err != nil {
		return port.AuthContext{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.UserID == "" {
		return port.AuthContext{}, ErrInvalidToken
	}

	return port.AuthContext{UserID: claims.UserID, Role: claims.Role, Email: claims.Email}, nil
}

var _ port.IdentityProvider = (*JWTProvider)(nil)
