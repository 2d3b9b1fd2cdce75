// Package session reads the signed-in user's credentials and profile.
//
// Session state is written by the login surface; this package only consumes
// it. Access tokens are treated as opaque unless they parse as a JWT, in
// which case the registered expiry and subject claims are honored.
package session

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/louisbranch/switchboard/internal/chat"
	"github.com/louisbranch/switchboard/internal/chat/api"
	apperrors "github.com/louisbranch/switchboard/internal/platform/errors"
)

// ErrNoSession is returned when no signed-in session exists.
var ErrNoSession = apperrors.New(apperrors.CodeNotAuthenticated, "no active session")

// Session is the bearer credential plus the user it belongs to.
type Session struct {
	Token string
	User  chat.User
	// ExpiresAt is zero when the token carries no expiry.
	ExpiresAt time.Time
}

// Expired reports whether the token expired at or before now.
func (s Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !s.ExpiresAt.After(now)
}

// Source loads the current session.
type Source interface {
	Load(ctx context.Context) (Session, error)
}

// Static is a fixed session, used by tests and embedders.
type Static Session

// Load returns the static session after the same checks as every source.
func (s Static) Load(context.Context) (Session, error) {
	return Resolve(Session(s), time.Now())
}

// Claims is the JWT claim set carried by switchboard access tokens.
type Claims struct {
	jwt.RegisteredClaims
	Role         string `json:"role,omitempty"`
	DepartmentID string `json:"department_id,omitempty"`
}

// ParseClaims decodes a JWT without verifying its signature; the hub and
// store do that. ok is false for opaque tokens.
func ParseClaims(token string) (Claims, bool) {
	var claims Claims
	if strings.Count(token, ".") != 2 {
		return Claims{}, false
	}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return Claims{}, false
	}
	return claims, true
}

// Resolve validates s and fills expiry and missing profile fields from the
// token claims.
func Resolve(s Session, now time.Time) (Session, error) {
	s.Token = strings.TrimSpace(s.Token)
	if s.Token == "" {
		return Session{}, ErrNoSession
	}
	if claims, ok := ParseClaims(s.Token); ok {
		if claims.ExpiresAt != nil && s.ExpiresAt.IsZero() {
			s.ExpiresAt = claims.ExpiresAt.Time.UTC()
		}
		if s.User.ID == "" {
			s.User.ID = claims.Subject
		}
		if s.User.Role == chat.RoleUnspecified && claims.Role != "" {
			s.User.Role = chat.ParseRole(claims.Role)
		}
		if s.User.DepartmentID == "" {
			s.User.DepartmentID = claims.DepartmentID
		}
	}
	if strings.TrimSpace(s.User.ID) == "" {
		return Session{}, apperrors.New(apperrors.CodeNotAuthenticated, "session has no user")
	}
	if s.Expired(now) {
		return Session{}, apperrors.WithMetadata(apperrors.CodeNotAuthenticated, "session expired", map[string]string{
			"UserID": s.User.ID,
		})
	}
	return s, nil
}

// TokenFunc adapts a Source to the bearer token callback used by the store
// client and the hub.
func TokenFunc(source Source) api.TokenFunc {
	return func(ctx context.Context) (string, error) {
		if source == nil {
			return "", errors.New("session: source is not configured")
		}
		s, err := source.Load(ctx)
		if err != nil {
			return "", err
		}
		return s.Token, nil
	}
}
