package api

import (
	"time"

	"github.com/rickgao/brokerlink/internal/auth"
)

// InitiatePairingRequest is the body of POST /v1/pairing/initiate.
type InitiatePairingRequest struct {
	Username  string `json:"username"`
	Password  string `json:"password"`
	DeviceID  string `json:"device_id"`
	PublicKey string `json:"public_key"`
	Algorithm string `json:"algorithm"`
}

// InitiatePairingResponse describes the issued challenge.
type InitiatePairingResponse struct {
	ChallengeID         string    `json:"challenge_id"`
	VerificationMessage string    `json:"verification_message"`
	ExpiresAt           time.Time `json:"expires_at"`
	AttemptsRemaining   *int      `json:"attempts_remaining,omitempty"`
}

// CompletePairingRequest is the body of POST /v1/pairing/complete.
type CompletePairingRequest struct {
	ChallengeID string `json:"challenge_id"`
	DeviceID    string `json:"device_id"`
	Code        string `json:"code"`
}

// CompletePairingResponse confirms the device registration.
type CompletePairingResponse struct {
	DeviceID string    `json:"device_id"`
	UserID   string    `json:"user_id"`
	PairedAt time.Time `json:"paired_at"`
}

// LoginPayload is signed into the envelope sent to /v1/session/login.
type LoginPayload struct {
	Username string `json:"username"`
	Password string `json:"password"`
	DeviceID string `json:"device_id"`
}

// RefreshPayload is signed into the envelope sent to /v1/session/refresh.
type RefreshPayload struct {
	SessionID string `json:"session_id"`
	DeviceID  string `json:"device_id"`
}

// SessionResponse is returned by login and refresh. Expiry fields may be
// omitted, in which case the token claims are authoritative.
type SessionResponse struct {
	UserID    string    `json:"user_id"`
	SessionID string    `json:"session_id"`
	Token     string    `json:"token"`
	IssuedAt  time.Time `json:"issued_at,omitzero"`
	ExpiresAt time.Time `json:"expires_at,omitzero"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Code              string `json:"code"`
	Message           string `json:"message"`
	AttemptsRemaining *int   `json:"attempts_remaining,omitempty"`
}

// Envelope is the wire form of a signed request body.
type Envelope = auth.SignedEnvelope
