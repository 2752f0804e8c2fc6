package keystore

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rickgao/brokerlink/internal/errs"
)

const (
	recordKey     = "device/identity"
	recordVersion = 1
)

// record is the persisted form of a DeviceKeyPair.
type record struct {
	Version    int       `json:"version"`
	DeviceID   string    `json:"device_id"`
	Algorithm  string    `json:"algorithm"`
	PublicKey  string    `json:"public_key"`
	Sealer     string    `json:"sealer"`
	Salt       string    `json:"salt,omitempty"`
	Ciphertext string    `json:"ciphertext"`
	CreatedAt  time.Time `json:"created_at"`
}

// Store owns the single persisted device identity.
type Store struct {
	backend Backend
	sealer  Sealer
	logger  *slog.Logger
	now     func() time.Time

	mu     sync.Mutex
	cached *DeviceKeyPair
	hooks  []func()
}

// NewStore creates a Store. A Sealer is mandatory; pass PlaintextSealer{}
// explicitly to opt out of encryption.
func NewStore(backend Backend, sealer Sealer, logger *slog.Logger) (*Store, error) {
	if backend == nil {
		return nil, errs.New("keystore.new", errs.ErrInvalidArgument, "backend is required")
	}
	if sealer == nil {
		return nil, errs.New("keystore.new", errs.ErrInvalidArgument, "sealer is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if sealer.Name() == plaintextSealerName {
		logger.Warn("keystore is storing the device private key unencrypted")
	}
	return &Store{
		backend: backend,
		sealer:  sealer,
		logger:  logger,
		now:     time.Now,
	}, nil
}

// Generate creates a new, not yet persisted keypair. It fails with
// errs.ErrAlreadyPaired when an identity is already stored.
func (s *Store) Generate(ctx context.Context) (*DeviceKeyPair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.backend.Get(ctx, recordKey); err == nil {
		return nil, errs.New("keystore.generate", errs.ErrAlreadyPaired, "")
	} else if !errors.Is(err, errs.ErrNotFound) {
		return nil, fmt.Errorf("keystore.generate: %w", err)
	}

	kp, err := NewDeviceKeyPair(s.now())
	if err != nil {
		return nil, fmt.Errorf("keystore.generate: %w", err)
	}
	s.logger.Debug("device keypair generated", "device", kp)
	return kp, nil
}

// Save persists kp. It fails with errs.ErrAlreadyPaired when an identity is
// already stored.
func (s *Store) Save(ctx context.Context, kp *DeviceKeyPair) error {
	if !kp.Valid() {
		return errs.New("keystore.save", errs.ErrInvalidArgument, "keypair has no key material")
	}

	aad := []byte(kp.DeviceID)
	salt, sealed, err := s.sealer.Seal(kp.PrivateKey.Seed(), aad)
	if err != nil {
		return fmt.Errorf("keystore.save: seal: %w", err)
	}

	rec := record{
		Version:    recordVersion,
		DeviceID:   kp.DeviceID,
		Algorithm:  Algorithm,
		PublicKey:  kp.PublicKeyBase64(),
		Sealer:     s.sealer.Name(),
		Salt:       base64.StdEncoding.EncodeToString(salt),
		Ciphertext: base64.StdEncoding.EncodeToString(sealed),
		CreatedAt:  kp.CreatedAt,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("keystore.save: marshal: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.backend.Create(ctx, recordKey, data); err != nil {
		if errors.Is(err, ErrExists) {
			return errs.New("keystore.save", errs.ErrAlreadyPaired, "")
		}
		return fmt.Errorf("keystore.save: %w", err)
	}
	s.cached = kp

	s.logger.Info("device identity stored", "device", kp, "sealer", s.sealer.Name())
	return nil
}

// Load returns the stored identity, or errs.ErrNotFound.
func (s *Store) Load(ctx context.Context) (*DeviceKeyPair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cached != nil {
		return s.cached, nil
	}

	data, err := s.backend.Get(ctx, recordKey)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return nil, errs.New("keystore.load", errs.ErrNotFound, "no device identity")
		}
		return nil, fmt.Errorf("keystore.load: %w", err)
	}

	kp, err := s.decode(data)
	if err != nil {
		return nil, err
	}
	s.cached = kp
	return kp, nil
}

func (s *Store) decode(data []byte) (*DeviceKeyPair, error) {
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("keystore.load: decode record: %w", err)
	}
	if rec.Version != recordVersion || rec.Algorithm != Algorithm {
		return nil, fmt.Errorf("keystore.load: unsupported record version %d algorithm %q", rec.Version, rec.Algorithm)
	}
	if rec.Sealer != s.sealer.Name() {
		return nil, fmt.Errorf("keystore.load: record sealed with %q, store uses %q", rec.Sealer, s.sealer.Name())
	}

	salt, err := base64.StdEncoding.DecodeString(rec.Salt)
	if err != nil {
		return nil, fmt.Errorf("keystore.load: decode salt: %w", err)
	}
	sealed, err := base64.StdEncoding.DecodeString(rec.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("keystore.load: decode ciphertext: %w", err)
	}
	pub, err := base64.StdEncoding.DecodeString(rec.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("keystore.load: decode public key: %w", err)
	}

	seed, err := s.sealer.Open(salt, sealed, []byte(rec.DeviceID))
	if err != nil {
		return nil, errs.Wrap("keystore.load", errs.ErrInvalidCredentials, err)
	}
	defer zero(seed)
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("keystore.load: bad seed length %d", len(seed))
	}

	priv := ed25519.NewKeyFromSeed(seed)
	derived := priv.Public().(ed25519.PublicKey)
	if !derived.Equal(ed25519.PublicKey(pub)) {
		return nil, fmt.Errorf("keystore.load: public key does not match private key")
	}

	return &DeviceKeyPair{
		DeviceID:   rec.DeviceID,
		PublicKey:  derived,
		PrivateKey: priv,
		CreatedAt:  rec.CreatedAt,
	}, nil
}

// Clear removes the stored identity and runs every OnClear hook.
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	if err := s.backend.Delete(ctx, recordKey); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("keystore.clear: %w", err)
	}
	s.cached = nil
	hooks := append([]func(){}, s.hooks...)
	s.mu.Unlock()

	s.logger.Info("device identity cleared")
	for _, fn := range hooks {
		fn()
	}
	return nil
}

// OnClear registers fn to run after Clear.
func (s *Store) OnClear(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, fn)
}

// Close releases the backend.
func (s *Store) Close() error {
	return s.backend.Close()
}
