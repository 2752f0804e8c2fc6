package brokertest

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/rickgao/brokerlink/internal/api"
	"github.com/rickgao/brokerlink/internal/auth"
)

type tokenClaims struct {
	DeviceID string `json:"dev"`
	jwt.RegisteredClaims
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		json.NewEncoder(w).Encode(v)
	}
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, api.ErrorResponse{Code: code, Message: msg})
}

func (b *Broker) handleInitiate(w http.ResponseWriter, r *http.Request) {
	var req api.InitiatePairingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if pw, ok := b.cfg.Users[req.Username]; !ok || pw != req.Password {
		writeError(w, http.StatusUnauthorized, "invalid_credentials", "unknown user or wrong password")
		return
	}
	pub, err := base64.StdEncoding.DecodeString(req.PublicKey)
	if err != nil || len(pub) != 32 || req.DeviceID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid device key")
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.devices[req.DeviceID]; ok {
		writeError(w, http.StatusConflict, "already_paired", "device already registered")
		return
	}

	c := &challenge{
		id:        uuid.NewString(),
		userID:    req.Username,
		deviceID:  req.DeviceID,
		publicKey: pub,
		code:      randomCode(),
		expiresAt: time.Now().Add(b.cfg.ChallengeTTL),
		attempts:  b.cfg.MaxAttempts,
	}
	b.challenges[c.id] = c
	b.lastCode = c.code

	attempts := c.attempts
	writeJSON(w, http.StatusOK, api.InitiatePairingResponse{
		ChallengeID:         c.id,
		VerificationMessage: "Enter the code sent to the email on file for " + req.Username,
		ExpiresAt:           c.expiresAt,
		AttemptsRemaining:   &attempts,
	})
}

func (b *Broker) handleComplete(w http.ResponseWriter, r *http.Request) {
	var req api.CompletePairingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.challenges[req.ChallengeID]
	if !ok || c.deviceID != req.DeviceID {
		writeError(w, http.StatusGone, "challenge_expired", "unknown or consumed challenge")
		return
	}
	if time.Now().After(c.expiresAt) {
		delete(b.challenges, c.id)
		writeError(w, http.StatusGone, "challenge_expired", "challenge expired")
		return
	}
	if req.Code != c.code {
		c.attempts--
		if c.attempts <= 0 {
			delete(b.challenges, c.id)
		}
		remaining := max(c.attempts, 0)
		writeJSON(w, http.StatusUnprocessableEntity, api.ErrorResponse{
			Code:              "invalid_code",
			Message:           "verification code does not match",
			AttemptsRemaining: &remaining,
		})
		return
	}

	delete(b.challenges, c.id)
	b.devices[c.deviceID] = &device{id: c.deviceID, userID: c.userID, publicKey: c.publicKey}

	writeJSON(w, http.StatusOK, api.CompletePairingResponse{
		DeviceID: c.deviceID,
		UserID:   c.userID,
		PairedAt: time.Now(),
	})
}

// verifyEnvelope checks the device signature and decodes the payload.
func (b *Broker) verifyEnvelope(w http.ResponseWriter, r *http.Request, payload any) (*device, bool) {
	var env api.Envelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return nil, false
	}

	b.mu.Lock()
	dev, ok := b.devices[env.DeviceID]
	b.mu.Unlock()
	if !ok {
		writeError(w, http.StatusForbidden, "device_not_paired", "unknown device")
		return nil, false
	}
	if err := auth.Verify(env, dev.publicKey, time.Now(), time.Minute); err != nil {
		writeError(w, http.StatusForbidden, "session_denied", err.Error())
		return nil, false
	}
	if err := json.Unmarshal(env.Payload, payload); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return nil, false
	}
	return dev, true
}

func (b *Broker) handleLogin(w http.ResponseWriter, r *http.Request) {
	var p api.LoginPayload
	dev, ok := b.verifyEnvelope(w, r, &p)
	if !ok {
		return
	}
	if pw, ok := b.cfg.Users[p.Username]; !ok || pw != p.Password || dev.userID != p.Username {
		writeError(w, http.StatusUnauthorized, "invalid_credentials", "unknown user or wrong password")
		return
	}

	resp, err := b.issue(dev)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (b *Broker) handleRefresh(w http.ResponseWriter, r *http.Request) {
	old, err := b.authorize(bearer(r))
	if err != nil {
		writeError(w, http.StatusUnauthorized, "session_expired", err.Error())
		return
	}

	var p api.RefreshPayload
	dev, ok := b.verifyEnvelope(w, r, &p)
	if !ok {
		return
	}
	if dev.id != old.deviceID || p.SessionID != old.id {
		writeError(w, http.StatusForbidden, "session_denied", "refresh does not match session")
		return
	}

	resp, err := b.issue(dev)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}

	b.mu.Lock()
	old.revoked = true
	b.mu.Unlock()

	writeJSON(w, http.StatusOK, resp)
}

func (b *Broker) handleLogout(w http.ResponseWriter, r *http.Request) {
	s, err := b.authorize(bearer(r))
	if err != nil {
		writeError(w, http.StatusUnauthorized, "session_expired", err.Error())
		return
	}

	b.mu.Lock()
	s.revoked = true
	b.mu.Unlock()

	w.WriteHeader(http.StatusNoContent)
}

// issue creates a session and its signed token.
func (b *Broker) issue(dev *device) (*api.SessionResponse, error) {
	now := time.Now()
	s := &session{
		id:        uuid.NewString(),
		userID:    dev.userID,
		deviceID:  dev.id,
		expiresAt: now.Add(b.cfg.TokenTTL),
	}

	claims := tokenClaims{
		DeviceID: dev.id,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   s.userID,
			ID:        s.id,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(s.expiresAt),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(b.signKey)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	b.sessions[s.id] = s
	b.mu.Unlock()

	// Expiry is left to the token claims.
	return &api.SessionResponse{
		UserID:    s.userID,
		SessionID: s.id,
		Token:     token,
	}, nil
}

// authorize validates a token and returns its live session.
func (b *Broker) authorize(token string) (*session, error) {
	if token == "" {
		return nil, errors.New("missing token")
	}

	var claims tokenClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return b.pubKey, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}))
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.sessions[claims.ID]
	if !ok || s.revoked {
		return nil, errors.New("session revoked")
	}
	if time.Now().After(s.expiresAt) {
		return nil, errors.New("session expired")
	}
	return s, nil
}

func bearer(r *http.Request) string {
	return strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
}
