package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/rickgao/brokerlink/internal/api"
	"github.com/rickgao/brokerlink/internal/auth"
	"github.com/rickgao/brokerlink/internal/errs"
	"github.com/rickgao/brokerlink/internal/keystore"
	"github.com/rickgao/brokerlink/internal/metrics"
)

// API is the subset of the REST client the authenticator needs.
type API interface {
	Login(ctx context.Context, env api.Envelope) (*api.SessionResponse, error)
	Refresh(ctx context.Context, token string, env api.Envelope) (*api.SessionResponse, error)
	Logout(ctx context.Context, token string) error
}

// KeyLoader loads the persisted device identity.
type KeyLoader interface {
	Load(ctx context.Context) (*keystore.DeviceKeyPair, error)
}

// Config holds authenticator configuration.
type Config struct {
	// RefreshSkew is how long before expiry a session is refreshed.
	RefreshSkew time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{RefreshSkew: time.Minute}
}

// Authenticator issues, refreshes and revokes sessions.
type Authenticator struct {
	cfg     Config
	api     API
	keys    KeyLoader
	signer  *auth.Signer
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	refreshes singleflight.Group

	mu      sync.Mutex
	current *Session
	revoked map[string]struct{} // session IDs
}

// New creates an Authenticator.
func New(cfg Config, client API, keys KeyLoader, logger *slog.Logger) *Authenticator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Authenticator{
		cfg:     cfg,
		api:     client,
		keys:    keys,
		signer:  auth.NewSigner(),
		logger:  logger,
		now:     time.Now,
		revoked: make(map[string]struct{}),
	}
}

// SetMetrics attaches collectors. Call before first use.
func (a *Authenticator) SetMetrics(m *metrics.Metrics) {
	a.metrics = m
}

// Current returns the live session, or nil.
func (a *Authenticator) Current() *Session {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current
}

// Revoked reports whether s was superseded or logged out.
func (a *Authenticator) Revoked(s *Session) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.revoked[s.SessionID]
	return ok
}

// Login proves possession of the device key and exchanges creds for a session.
func (a *Authenticator) Login(ctx context.Context, creds auth.Credentials) (*Session, error) {
	const op = "session.login"

	if !creds.Valid() {
		return nil, errs.New(op, errs.ErrInvalidCredentials, "username and password are required")
	}

	kp, err := a.loadKey(ctx, op)
	if err != nil {
		return nil, err
	}

	env, err := a.signer.SignJSON(api.LoginPayload{
		Username: creds.Username,
		Password: creds.Password,
		DeviceID: kp.DeviceID,
	}, kp)
	if err != nil {
		return nil, err
	}

	resp, err := a.api.Login(ctx, env)
	if err != nil {
		a.logger.Warn("login failed", "user", creds, "error", err)
		return nil, err
	}

	s, err := fromResponse(resp, a.now())
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	if a.current != nil {
		a.revoked[a.current.SessionID] = struct{}{}
	}
	a.current = s
	a.mu.Unlock()

	a.logger.Info("session established", "session", s, "device", kp)
	return s, nil
}

// RefreshIfNeeded returns s unchanged while it is outside the refresh
// window, and otherwise performs a signed refresh. Concurrent callers for
// the same session share one refresh. Any refresh failure is reported as
// errs.ErrSessionExpired.
func (a *Authenticator) RefreshIfNeeded(ctx context.Context, s *Session) (*Session, error) {
	const op = "session.refresh"

	if s == nil {
		return nil, errs.New(op, errs.ErrSessionExpired, "no session")
	}

	a.mu.Lock()
	cur := a.current
	_, superseded := a.revoked[s.SessionID]
	a.mu.Unlock()

	if superseded {
		// Someone already refreshed past s; hand back the successor.
		if cur != nil && cur.SessionID != s.SessionID {
			return cur, nil
		}
		return nil, errs.New(op, errs.ErrSessionExpired, "session revoked")
	}

	if !s.NeedsRefresh(a.now(), a.cfg.RefreshSkew) {
		return s, nil
	}

	v, err, _ := a.refreshes.Do(s.SessionID, func() (any, error) {
		a.mu.Lock()
		cur := a.current
		_, done := a.revoked[s.SessionID]
		a.mu.Unlock()
		if done && cur != nil && cur.SessionID != s.SessionID {
			return cur, nil
		}
		return a.refresh(ctx, s)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Session), nil
}

func (a *Authenticator) refresh(ctx context.Context, old *Session) (*Session, error) {
	const op = "session.refresh"

	kp, err := a.loadKey(ctx, op)
	if err != nil {
		a.metrics.IncRefresh("failed")
		return nil, errs.Wrap(op, errs.ErrSessionExpired, err)
	}

	env, err := a.signer.SignJSON(api.RefreshPayload{
		SessionID: old.SessionID,
		DeviceID:  kp.DeviceID,
	}, kp)
	if err != nil {
		a.metrics.IncRefresh("failed")
		return nil, errs.Wrap(op, errs.ErrSessionExpired, err)
	}

	resp, err := a.api.Refresh(ctx, old.Token, env)
	if err != nil {
		a.metrics.IncRefresh("failed")
		a.logger.Warn("session refresh failed", "session", old, "error", err)
		return nil, errs.Wrap(op, errs.ErrSessionExpired, err)
	}

	next, err := fromResponse(resp, a.now())
	if err != nil {
		a.metrics.IncRefresh("failed")
		return nil, errs.Wrap(op, errs.ErrSessionExpired, err)
	}

	a.mu.Lock()
	a.revoked[old.SessionID] = struct{}{}
	a.current = next
	a.mu.Unlock()

	a.metrics.IncRefresh("ok")
	a.logger.Info("session refreshed", "old", old.SessionID, "session", next)
	return next, nil
}

// Logout revokes s on the server when possible and always drops it locally.
func (a *Authenticator) Logout(ctx context.Context, s *Session) error {
	if s == nil {
		return nil
	}

	if err := a.api.Logout(ctx, s.Token); err != nil {
		a.logger.Warn("server-side logout failed, clearing local session anyway", "session", s, "error", err)
	}

	a.mu.Lock()
	a.revoked[s.SessionID] = struct{}{}
	if a.current != nil && a.current.SessionID == s.SessionID {
		a.current = nil
	}
	a.mu.Unlock()

	a.logger.Info("logged out", "session", s)
	return nil
}

// Invalidate drops the current session without contacting the server. It
// runs when the device identity is cleared.
func (a *Authenticator) Invalidate() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.current != nil {
		a.revoked[a.current.SessionID] = struct{}{}
		a.current = nil
		a.logger.Info("session invalidated")
	}
}

func (a *Authenticator) loadKey(ctx context.Context, op string) (*keystore.DeviceKeyPair, error) {
	kp, err := a.keys.Load(ctx)
	if errors.Is(err, errs.ErrNotFound) {
		return nil, errs.Wrap(op, errs.ErrDeviceNotPaired, err)
	}
	if err != nil {
		return nil, err
	}
	return kp, nil
}
