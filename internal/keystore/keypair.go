package keystore

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Algorithm is the signature scheme of every device key.
const Algorithm = "ed25519"

// DeviceKeyPair is the device identity registered with the broker.
type DeviceKeyPair struct {
	DeviceID   string
	PublicKey  ed25519.PublicKey
	PrivateKey ed25519.PrivateKey
	CreatedAt  time.Time
}

// NewDeviceKeyPair creates a fresh identity with a random device ID.
func NewDeviceKeyPair(now time.Time) (*DeviceKeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ed25519 key: %w", err)
	}
	return &DeviceKeyPair{
		DeviceID:   uuid.NewString(),
		PublicKey:  pub,
		PrivateKey: priv,
		CreatedAt:  now.UTC(),
	}, nil
}

// PublicKeyBase64 returns the raw public key, base64 encoded, as sent during pairing.
func (k *DeviceKeyPair) PublicKeyBase64() string {
	return base64.StdEncoding.EncodeToString(k.PublicKey)
}

// Fingerprint is a short, log-safe identifier for the public key.
func (k *DeviceKeyPair) Fingerprint() string {
	sum := sha256.Sum256(k.PublicKey)
	return hex.EncodeToString(sum[:8])
}

// LogValue keeps private material out of logs.
func (k *DeviceKeyPair) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("device_id", k.DeviceID),
		slog.String("fingerprint", k.Fingerprint()),
	)
}

// Valid reports whether the pair holds usable key material.
func (k *DeviceKeyPair) Valid() bool {
	return k != nil &&
		len(k.PrivateKey) == ed25519.PrivateKeySize &&
		len(k.PublicKey) == ed25519.PublicKeySize
}
