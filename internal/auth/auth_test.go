package auth

import (
	"encoding/base64"
	"errors"
	"testing"
	"time"

	"github.com/rickgao/brokerlink/internal/errs"
	"github.com/rickgao/brokerlink/internal/keystore"
)

func newTestKeyPair(t *testing.T) *keystore.DeviceKeyPair {
	t.Helper()
	kp, err := keystore.NewDeviceKeyPair(time.Now())
	if err != nil {
		t.Fatalf("failed to generate test key: %v", err)
	}
	return kp
}

func fixedSigner(at time.Time) *Signer {
	return &Signer{now: func() time.Time { return at }}
}

func TestSigner_Sign(t *testing.T) {
	kp := newTestKeyPair(t)
	at := time.UnixMilli(1_700_000_000_123)

	env, err := fixedSigner(at).Sign([]byte(`{"username":"alice"}`), kp)
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}

	if env.DeviceID != kp.DeviceID {
		t.Errorf("DeviceID = %q, want %q", env.DeviceID, kp.DeviceID)
	}
	if env.Timestamp != at.UnixMilli() {
		t.Errorf("Timestamp = %d, want %d", env.Timestamp, at.UnixMilli())
	}
	if _, err := base64.StdEncoding.DecodeString(env.Signature); err != nil {
		t.Errorf("Signature is not valid base64: %q", env.Signature)
	}

	if err := Verify(env, kp.PublicKey, at, time.Minute); err != nil {
		t.Errorf("Verify failed: %v", err)
	}
}

func TestSigner_Deterministic(t *testing.T) {
	kp := newTestKeyPair(t)
	payload := []byte(`{"session_id":"s-1"}`)

	at := time.UnixMilli(1_700_000_000_000)
	a, _ := fixedSigner(at).Sign(payload, kp)
	b, _ := fixedSigner(at).Sign(payload, kp)
	if a.Signature != b.Signature {
		t.Error("same inputs and timestamp produced different signatures")
	}

	c, _ := fixedSigner(at.Add(time.Millisecond)).Sign(payload, kp)
	if a.Signature == c.Signature {
		t.Error("timestamp is not covered by the signature")
	}
}

func TestSigner_NoKey(t *testing.T) {
	_, err := NewSigner().Sign([]byte(`{}`), nil)
	if !errors.Is(err, errs.ErrDeviceNotPaired) {
		t.Errorf("Sign error = %v, want ErrDeviceNotPaired", err)
	}

	_, err = NewSigner().Sign([]byte(`{}`), &keystore.DeviceKeyPair{DeviceID: "d"})
	if !errors.Is(err, errs.ErrDeviceNotPaired) {
		t.Errorf("Sign with empty keypair = %v, want ErrDeviceNotPaired", err)
	}
}

func TestSigner_SignJSON(t *testing.T) {
	kp := newTestKeyPair(t)
	env, err := NewSigner().SignJSON(map[string]string{"a": "b"}, kp)
	if err != nil {
		t.Fatalf("SignJSON failed: %v", err)
	}
	if string(env.Payload) != `{"a":"b"}` {
		t.Errorf("Payload = %s, want {\"a\":\"b\"}", env.Payload)
	}
}

func TestVerify_Rejects(t *testing.T) {
	kp := newTestKeyPair(t)
	other := newTestKeyPair(t)
	at := time.UnixMilli(1_700_000_000_000)
	env, _ := fixedSigner(at).Sign([]byte(`{"x":1}`), kp)

	tests := []struct {
		name string
		env  SignedEnvelope
		now  time.Time
		pub  []byte
	}{
		{"wrong key", env, at, other.PublicKey},
		{"tampered payload", withPayload(env, `{"x":2}`), at, kp.PublicKey},
		{"tampered timestamp", withTimestamp(env, env.Timestamp+1), at, kp.PublicKey},
		{"stale", env, at.Add(10 * time.Minute), kp.PublicKey},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := Verify(tt.env, tt.pub, tt.now, time.Minute); err == nil {
				t.Error("expected Verify to fail")
			}
		})
	}
}

func withPayload(env SignedEnvelope, p string) SignedEnvelope {
	env.Payload = []byte(p)
	return env
}

func withTimestamp(env SignedEnvelope, ts int64) SignedEnvelope {
	env.Timestamp = ts
	return env
}
