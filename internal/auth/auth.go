// Package auth signs pairing and session requests with the device key.
package auth

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/rickgao/brokerlink/internal/errs"
	"github.com/rickgao/brokerlink/internal/keystore"
)

// SignedEnvelope proves possession of the device key for one payload.
type SignedEnvelope struct {
	DeviceID  string          `json:"device_id"`
	Timestamp int64           `json:"timestamp"` // Unix milliseconds
	Payload   json.RawMessage `json:"payload"`
	Signature string          `json:"signature"`
}

// Signer produces SignedEnvelopes.
type Signer struct {
	now func() time.Time
}

// NewSigner returns a Signer using the wall clock.
func NewSigner() *Signer {
	return &Signer{now: time.Now}
}

// Sign signs payload with kp. The timestamp is part of the signed message, so
// the same payload signed at the same millisecond always yields the same
// signature. A nil or empty keypair fails with errs.ErrDeviceNotPaired.
func (s *Signer) Sign(payload []byte, kp *keystore.DeviceKeyPair) (SignedEnvelope, error) {
	if !kp.Valid() {
		return SignedEnvelope{}, errs.New("auth.sign", errs.ErrDeviceNotPaired, "no device key")
	}
	if !json.Valid(payload) {
		return SignedEnvelope{}, errs.New("auth.sign", errs.ErrInvalidArgument, "payload is not JSON")
	}

	timestampMs := s.now().UnixMilli()
	sig := ed25519.Sign(kp.PrivateKey, message(timestampMs, kp.DeviceID, payload))

	return SignedEnvelope{
		DeviceID:  kp.DeviceID,
		Timestamp: timestampMs,
		Payload:   json.RawMessage(payload),
		Signature: base64.StdEncoding.EncodeToString(sig),
	}, nil
}

// SignJSON marshals v and signs the result.
func (s *Signer) SignJSON(v any, kp *keystore.DeviceKeyPair) (SignedEnvelope, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return SignedEnvelope{}, fmt.Errorf("auth.sign: marshal payload: %w", err)
	}
	return s.Sign(payload, kp)
}

// Verify checks env against pub and rejects timestamps further than maxSkew
// from now. A zero maxSkew disables the freshness check.
func Verify(env SignedEnvelope, pub ed25519.PublicKey, now time.Time, maxSkew time.Duration) error {
	sig, err := base64.StdEncoding.DecodeString(env.Signature)
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	if len(pub) != ed25519.PublicKeySize {
		return fmt.Errorf("bad public key length %d", len(pub))
	}
	if !ed25519.Verify(pub, message(env.Timestamp, env.DeviceID, env.Payload), sig) {
		return fmt.Errorf("signature mismatch")
	}
	if maxSkew > 0 {
		skew := now.Sub(time.UnixMilli(env.Timestamp))
		if skew < 0 {
			skew = -skew
		}
		if skew > maxSkew {
			return fmt.Errorf("timestamp skew %v exceeds %v", skew, maxSkew)
		}
	}
	return nil
}

// message is timestamp_ms + "." + device_id + "." + payload.
func message(timestampMs int64, deviceID string, payload []byte) []byte {
	ts := strconv.FormatInt(timestampMs, 10)
	msg := make([]byte, 0, len(ts)+len(deviceID)+len(payload)+2)
	msg = append(msg, ts...)
	msg = append(msg, '.')
	msg = append(msg, deviceID...)
	msg = append(msg, '.')
	return append(msg, payload...)
}
