package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/rickgao/brokerlink/internal/api"
	"github.com/rickgao/brokerlink/internal/auth"
	"github.com/rickgao/brokerlink/internal/errs"
	"github.com/rickgao/brokerlink/internal/keystore"
)

// stubAPI issues sessions and verifies device signatures.
type stubAPI struct {
	t       *testing.T
	keys    *keystore.Store
	ttl     time.Duration
	delay   time.Duration
	omitExp bool

	refreshErr error
	logoutErr  error

	seq       atomic.Int64
	logins    atomic.Int32
	refreshes atomic.Int32
	logouts   atomic.Int32
}

func (s *stubAPI) verify(env api.Envelope) error {
	kp, err := s.keys.Load(context.Background())
	if err != nil {
		return err
	}
	return auth.Verify(env, kp.PublicKey, time.Now(), time.Minute)
}

func (s *stubAPI) issue(user string) *api.SessionResponse {
	n := s.seq.Add(1)
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   user,
		ID:        fmt.Sprintf("s-%d", n),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	if err != nil {
		s.t.Fatalf("sign token: %v", err)
	}
	resp := &api.SessionResponse{Token: token}
	if !s.omitExp {
		resp.UserID = user
		resp.SessionID = claims.ID
		resp.IssuedAt = now
		resp.ExpiresAt = now.Add(s.ttl)
	}
	return resp
}

func (s *stubAPI) Login(_ context.Context, env api.Envelope) (*api.SessionResponse, error) {
	s.logins.Add(1)
	if err := s.verify(env); err != nil {
		return nil, errs.New("api.login", errs.ErrSessionDenied, err.Error())
	}
	var p api.LoginPayload
	json.Unmarshal(env.Payload, &p)
	if p.Password != "pw" {
		return nil, errs.New("api.login", errs.ErrInvalidCredentials, "")
	}
	return s.issue(p.Username), nil
}

func (s *stubAPI) Refresh(_ context.Context, token string, env api.Envelope) (*api.SessionResponse, error) {
	s.refreshes.Add(1)
	time.Sleep(s.delay)
	if s.refreshErr != nil {
		return nil, s.refreshErr
	}
	if err := s.verify(env); err != nil {
		return nil, errs.New("api.refresh", errs.ErrSessionDenied, err.Error())
	}
	return s.issue("alice"), nil
}

func (s *stubAPI) Logout(context.Context, string) error {
	s.logouts.Add(1)
	return s.logoutErr
}

func newPairedStore(t *testing.T) *keystore.Store {
	t.Helper()
	ctx := context.Background()
	store, err := keystore.NewStore(keystore.NewMemoryBackend(), keystore.PlaintextSealer{}, nil)
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	kp, err := store.Generate(ctx)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if err := store.Save(ctx, kp); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	return store
}

func newTestAuthenticator(t *testing.T, ttl time.Duration) (*Authenticator, *stubAPI) {
	t.Helper()
	store := newPairedStore(t)
	stub := &stubAPI{t: t, keys: store, ttl: ttl}
	return New(Config{RefreshSkew: time.Minute}, stub, store, nil), stub
}

var alice = auth.Credentials{Username: "alice", Password: "pw"}

func TestLogin_NotPaired(t *testing.T) {
	store, _ := keystore.NewStore(keystore.NewMemoryBackend(), keystore.PlaintextSealer{}, nil)
	stub := &stubAPI{t: t, keys: store, ttl: time.Hour}
	a := New(DefaultConfig(), stub, store, nil)

	_, err := a.Login(context.Background(), alice)
	if !errors.Is(err, errs.ErrDeviceNotPaired) {
		t.Errorf("Login error = %v, want ErrDeviceNotPaired", err)
	}
	if stub.logins.Load() != 0 {
		t.Error("server was contacted without a device key")
	}
}

func TestLogin(t *testing.T) {
	a, _ := newTestAuthenticator(t, time.Hour)

	s, err := a.Login(context.Background(), alice)
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	if s.UserID != "alice" {
		t.Errorf("UserID = %q, want %q", s.UserID, "alice")
	}
	if a.Current() != s {
		t.Error("Current does not return the new session")
	}

	_, err = a.Login(context.Background(), auth.Credentials{Username: "alice", Password: "nope"})
	if !errors.Is(err, errs.ErrInvalidCredentials) {
		t.Errorf("Login with bad password = %v, want ErrInvalidCredentials", err)
	}
}

func TestLogin_ClaimsFallback(t *testing.T) {
	a, stub := newTestAuthenticator(t, time.Hour)
	stub.omitExp = true

	s, err := a.Login(context.Background(), alice)
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	if s.ExpiresAt.IsZero() || time.Until(s.ExpiresAt) < 59*time.Minute {
		t.Errorf("ExpiresAt = %v, want about one hour from now", s.ExpiresAt)
	}
	if s.SessionID != "s-1" || s.UserID != "alice" {
		t.Errorf("claims not applied: %+v", s)
	}
}

func TestRefreshIfNeeded_NoOp(t *testing.T) {
	a, stub := newTestAuthenticator(t, time.Hour)
	s, _ := a.Login(context.Background(), alice)

	got, err := a.RefreshIfNeeded(context.Background(), s)
	if err != nil {
		t.Fatalf("RefreshIfNeeded failed: %v", err)
	}
	if got != s {
		t.Error("expected the same session outside the refresh window")
	}
	if stub.refreshes.Load() != 0 {
		t.Errorf("refreshes = %d, want 0", stub.refreshes.Load())
	}
}

func TestRefreshIfNeeded_Refreshes(t *testing.T) {
	a, stub := newTestAuthenticator(t, 30*time.Second)
	s, _ := a.Login(context.Background(), alice)
	stub.ttl = time.Hour

	next, err := a.RefreshIfNeeded(context.Background(), s)
	if err != nil {
		t.Fatalf("RefreshIfNeeded failed: %v", err)
	}
	if next.SessionID == s.SessionID || next.Token == s.Token {
		t.Error("expected a new session")
	}
	if !a.Revoked(s) {
		t.Error("old session should be revoked")
	}
	if a.Current() != next {
		t.Error("Current should be the refreshed session")
	}

	// The superseded session resolves to its successor without another call.
	again, err := a.RefreshIfNeeded(context.Background(), s)
	if err != nil {
		t.Fatalf("RefreshIfNeeded on superseded session failed: %v", err)
	}
	if again != next {
		t.Error("expected successor for superseded session")
	}
	if stub.refreshes.Load() != 1 {
		t.Errorf("refreshes = %d, want 1", stub.refreshes.Load())
	}
}

func TestRefreshIfNeeded_Concurrent(t *testing.T) {
	a, stub := newTestAuthenticator(t, 30*time.Second)
	s, _ := a.Login(context.Background(), alice)
	stub.delay = 50 * time.Millisecond

	var wg sync.WaitGroup
	results := make([]*Session, 10)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _ = a.RefreshIfNeeded(context.Background(), s)
		}(i)
	}
	wg.Wait()

	if stub.refreshes.Load() != 1 {
		t.Errorf("refreshes = %d, want 1", stub.refreshes.Load())
	}
	for i, r := range results {
		if r == nil || r.SessionID != results[0].SessionID {
			t.Errorf("result %d = %v, want shared session", i, r)
		}
	}
}

func TestRefreshIfNeeded_Failure(t *testing.T) {
	a, stub := newTestAuthenticator(t, 30*time.Second)
	s, _ := a.Login(context.Background(), alice)
	stub.refreshErr = errs.New("api.refresh", errs.ErrInvalidCredentials, "revoked")

	_, err := a.RefreshIfNeeded(context.Background(), s)
	if !errors.Is(err, errs.ErrSessionExpired) {
		t.Errorf("RefreshIfNeeded = %v, want ErrSessionExpired", err)
	}

	if _, err := a.RefreshIfNeeded(context.Background(), nil); !errors.Is(err, errs.ErrSessionExpired) {
		t.Errorf("RefreshIfNeeded(nil) = %v, want ErrSessionExpired", err)
	}
}

func TestLogout_AlwaysClearsLocal(t *testing.T) {
	a, stub := newTestAuthenticator(t, time.Hour)
	s, _ := a.Login(context.Background(), alice)
	stub.logoutErr = errs.New("api.logout", errs.ErrNetwork, "")

	if err := a.Logout(context.Background(), s); err != nil {
		t.Errorf("Logout = %v, want nil", err)
	}
	if a.Current() != nil {
		t.Error("Current should be nil after Logout")
	}
	if !a.Revoked(s) {
		t.Error("session should be revoked after Logout")
	}
	if stub.logouts.Load() != 1 {
		t.Errorf("logouts = %d, want 1", stub.logouts.Load())
	}
	if _, err := a.RefreshIfNeeded(context.Background(), s); !errors.Is(err, errs.ErrSessionExpired) {
		t.Errorf("RefreshIfNeeded after Logout = %v, want ErrSessionExpired", err)
	}
}

func TestInvalidate_OnKeyStoreClear(t *testing.T) {
	store := newPairedStore(t)
	stub := &stubAPI{t: t, keys: store, ttl: time.Hour}
	a := New(DefaultConfig(), stub, store, nil)
	store.OnClear(a.Invalidate)

	s, err := a.Login(context.Background(), alice)
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	if err := store.Clear(context.Background()); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}

	if a.Current() != nil {
		t.Error("session survived keystore Clear")
	}
	if !a.Revoked(s) {
		t.Error("session should be revoked")
	}
}

func TestSession_NeverLogsToken(t *testing.T) {
	a, _ := newTestAuthenticator(t, time.Hour)
	s, _ := a.Login(context.Background(), alice)

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	logger.Info("test", "session", s)

	if strings.Contains(buf.String(), s.Token) {
		t.Error("log output contains the token")
	}
	if strings.Contains(s.String(), s.Token) {
		t.Error("String() contains the token")
	}
	if !strings.Contains(buf.String(), s.SessionID) {
		t.Error("log output should contain the session id")
	}
}
