package server

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/louisbranch/switchboard/internal/chat"
	"github.com/louisbranch/switchboard/internal/chat/session"
	apperrors "github.com/louisbranch/switchboard/internal/platform/errors"
)

const (
	tokenIssuer     = "switchboard-hub"
	defaultTokenTTL = 12 * time.Hour
)

// TokenAuthority issues and verifies HMAC-signed access tokens.
type TokenAuthority struct {
	secret []byte
	now    func() time.Time
}

// NewTokenAuthority builds an authority from a shared secret.
func NewTokenAuthority(secret string) (*TokenAuthority, error) {
	secret = strings.TrimSpace(secret)
	if len(secret) < 16 {
		return nil, errors.New("token secret must be at least 16 characters")
	}
	return &TokenAuthority{secret: []byte(secret), now: time.Now}, nil
}

// Issue signs a token for user. A non-positive ttl uses the default.
func (a *TokenAuthority) Issue(user chat.User, ttl time.Duration) (string, error) {
	if strings.TrimSpace(user.ID) == "" {
		return "", apperrors.New(apperrors.CodeValidation, "user id is required")
	}
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	now := a.now().UTC()
	claims := session.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   user.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Role:         user.Role.String(),
		DepartmentID: user.DepartmentID,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Authenticate verifies token and returns the identity it carries.
func (a *TokenAuthority) Authenticate(token string) (chat.User, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return chat.User{}, apperrors.New(apperrors.CodeNotAuthenticated, "access token is required")
	}

	var claims session.Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil {
		return chat.User{}, mapJWTError(err)
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return chat.User{}, apperrors.New(apperrors.CodeNotAuthenticated, "token subject is required")
	}
	return chat.User{
		ID:           claims.Subject,
		Role:         chat.ParseRole(claims.Role),
		DepartmentID: claims.DepartmentID,
		Active:       true,
	}, nil
}

// mapJWTError translates jwt library errors to application errors.
func mapJWTError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return apperrors.New(apperrors.CodeNotAuthenticated, "access token is expired")
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return apperrors.New(apperrors.CodeNotAuthenticated, "access token signature is invalid")
	case errors.Is(err, jwt.ErrTokenUnverifiable):
		return apperrors.New(apperrors.CodeNotAuthenticated, "access token alg is invalid")
	default:
		return apperrors.Wrap(apperrors.CodeNotAuthenticated, "access token is invalid", err)
	}
}
