// Package session turns a paired device plus user credentials into a
// renewable session token.
package session

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/rickgao/brokerlink/internal/api"
	"github.com/rickgao/brokerlink/internal/errs"
	"github.com/rickgao/brokerlink/internal/logging"
)

// Session is an authenticated session. A Session is never mutated; refresh
// produces a new one and revokes the old.
type Session struct {
	UserID    string
	SessionID string
	Token     string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// NeedsRefresh reports whether now is within skew of expiry.
func (s *Session) NeedsRefresh(now time.Time, skew time.Duration) bool {
	return !now.Before(s.ExpiresAt.Add(-skew))
}

// Expired reports whether the session is past its expiry.
func (s *Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

func (s *Session) String() string {
	return fmt.Sprintf("session %s user %s token %s expires %s",
		s.SessionID, s.UserID, logging.RedactToken(s.Token), s.ExpiresAt.Format(time.RFC3339))
}

// LogValue keeps the token out of logs.
func (s *Session) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("session_id", s.SessionID),
		slog.String("user_id", s.UserID),
		slog.Time("expires_at", s.ExpiresAt),
	)
}

// fromResponse builds a Session, filling gaps from the token's claims. The
// token signature is not verified here; the server does that on every use.
func fromResponse(resp *api.SessionResponse, now time.Time) (*Session, error) {
	if resp.Token == "" {
		return nil, errs.New("session", errs.ErrSessionDenied, "server returned no token")
	}

	s := &Session{
		UserID:    resp.UserID,
		SessionID: resp.SessionID,
		Token:     resp.Token,
		IssuedAt:  resp.IssuedAt,
		ExpiresAt: resp.ExpiresAt,
	}

	if s.ExpiresAt.IsZero() || s.SessionID == "" || s.UserID == "" || s.IssuedAt.IsZero() {
		claims := jwt.RegisteredClaims{}
		if _, _, err := jwt.NewParser().ParseUnverified(resp.Token, &claims); err == nil {
			if s.ExpiresAt.IsZero() && claims.ExpiresAt != nil {
				s.ExpiresAt = claims.ExpiresAt.Time
			}
			if s.IssuedAt.IsZero() && claims.IssuedAt != nil {
				s.IssuedAt = claims.IssuedAt.Time
			}
			if s.SessionID == "" {
				s.SessionID = claims.ID
			}
			if s.UserID == "" {
				s.UserID = claims.Subject
			}
		}
	}

	if s.ExpiresAt.IsZero() {
		return nil, errs.New("session", errs.ErrSessionDenied, "session has no expiry")
	}
	if s.IssuedAt.IsZero() {
		s.IssuedAt = now
	}
	return s, nil
}
