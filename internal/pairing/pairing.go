// Package pairing registers a new device identity with the broker through a
// challenge and an out-of-band verification code.
package pairing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rickgao/brokerlink/internal/api"
	"github.com/rickgao/brokerlink/internal/auth"
	"github.com/rickgao/brokerlink/internal/errs"
	"github.com/rickgao/brokerlink/internal/keystore"
)

// State is the position of a Flow in the pairing state machine.
type State int

const (
	StateUnpaired State = iota
	StateChallengeIssued
	StatePaired
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUnpaired:
		return "unpaired"
	case StateChallengeIssued:
		return "challenge_issued"
	case StatePaired:
		return "paired"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Challenge is an issued pairing challenge.
type Challenge struct {
	ID                  string
	VerificationMessage string
	ExpiresAt           time.Time

	// AttemptsRemaining is -1 when the server did not say.
	AttemptsRemaining int
}

// API is the subset of the REST client the flow needs.
type API interface {
	InitiatePairing(ctx context.Context, req api.InitiatePairingRequest) (*api.InitiatePairingResponse, error)
	CompletePairing(ctx context.Context, req api.CompletePairingRequest) (*api.CompletePairingResponse, error)
}

// KeyStore is the subset of keystore.Store the flow needs.
type KeyStore interface {
	Generate(ctx context.Context) (*keystore.DeviceKeyPair, error)
	Save(ctx context.Context, kp *keystore.DeviceKeyPair) error
}

// Config holds pairing configuration.
type Config struct {
	// ChallengeTimeout caps how long a challenge is honored locally,
	// whatever expiry the server reports.
	ChallengeTimeout time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{ChallengeTimeout: 10 * time.Minute}
}

// Flow drives one device through pairing. It is safe for concurrent use, but
// calls are serialized.
type Flow struct {
	cfg    Config
	api    API
	keys   KeyStore
	logger *slog.Logger
	now    func() time.Time

	mu        sync.Mutex
	state     State
	challenge *Challenge
	deadline  time.Time
	pending   *keystore.DeviceKeyPair
	completed string // challenge ID consumed by a successful Complete
}

// New creates a Flow in the Unpaired state.
func New(cfg Config, client API, keys KeyStore, logger *slog.Logger) *Flow {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ChallengeTimeout <= 0 {
		cfg.ChallengeTimeout = DefaultConfig().ChallengeTimeout
	}
	return &Flow{
		cfg:    cfg,
		api:    client,
		keys:   keys,
		logger: logger,
		now:    time.Now,
	}
}

// State returns the current state.
func (f *Flow) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Initiate generates a device keypair and asks the server for a challenge.
// It may be called again from ChallengeIssued or Failed; the previous
// challenge and keypair are discarded.
func (f *Flow) Initiate(ctx context.Context, creds auth.Credentials) (Challenge, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.state == StatePaired {
		return Challenge{}, errs.New("pairing.initiate", errs.ErrAlreadyPaired, "")
	}
	if !creds.Valid() {
		return Challenge{}, errs.New("pairing.initiate", errs.ErrInvalidCredentials, "username and password are required")
	}

	kp, err := f.keys.Generate(ctx)
	if err != nil {
		return Challenge{}, err
	}

	resp, err := f.api.InitiatePairing(ctx, api.InitiatePairingRequest{
		Username:  creds.Username,
		Password:  creds.Password,
		DeviceID:  kp.DeviceID,
		PublicKey: kp.PublicKeyBase64(),
		Algorithm: keystore.Algorithm,
	})
	if err != nil {
		f.logger.Warn("pairing initiate failed", "user", creds, "error", err)
		return Challenge{}, err
	}

	ch := Challenge{
		ID:                  resp.ChallengeID,
		VerificationMessage: resp.VerificationMessage,
		ExpiresAt:           resp.ExpiresAt,
		AttemptsRemaining:   -1,
	}
	if resp.AttemptsRemaining != nil {
		ch.AttemptsRemaining = *resp.AttemptsRemaining
	}

	deadline := f.now().Add(f.cfg.ChallengeTimeout)
	if !ch.ExpiresAt.IsZero() && ch.ExpiresAt.Before(deadline) {
		deadline = ch.ExpiresAt
	}

	f.state = StateChallengeIssued
	f.challenge = &ch
	f.deadline = deadline
	f.pending = kp

	f.logger.Info("pairing challenge issued",
		"challenge_id", ch.ID,
		"device", kp,
		"deadline", deadline,
	)
	return ch, nil
}

// Complete submits the verification code for challengeID. On success the
// keypair is persisted and the flow becomes Paired.
func (f *Flow) Complete(ctx context.Context, challengeID, code string) (*keystore.DeviceKeyPair, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	const op = "pairing.complete"

	if f.state == StatePaired && f.completed == challengeID {
		return nil, errs.New(op, errs.ErrChallengeExpired, "challenge already consumed")
	}
	if f.state != StateChallengeIssued || f.challenge == nil || f.challenge.ID != challengeID {
		return nil, errs.New(op, errs.ErrChallengeExpired, "no active challenge with this id")
	}
	if code == "" {
		return nil, errs.New(op, errs.ErrInvalidCode, "code is required")
	}
	if !f.now().Before(f.deadline) {
		f.fail("expired locally")
		return nil, errs.New(op, errs.ErrChallengeExpired, "challenge deadline passed")
	}

	resp, err := f.api.CompletePairing(ctx, api.CompletePairingRequest{
		ChallengeID: challengeID,
		DeviceID:    f.pending.DeviceID,
		Code:        code,
	})
	if err != nil {
		return nil, f.handleCompleteError(err)
	}

	kp := f.pending
	if resp.DeviceID != "" && resp.DeviceID != kp.DeviceID {
		f.fail("device id mismatch")
		return nil, errs.New(op, errs.ErrChallengeExpired, "server confirmed a different device")
	}

	if err := f.keys.Save(ctx, kp); err != nil {
		f.fail("persist failed")
		return nil, fmt.Errorf("%s: persist keypair: %w", op, err)
	}

	f.state = StatePaired
	f.completed = challengeID
	f.challenge = nil
	f.pending = nil

	f.logger.Info("device paired", "device", kp, "user_id", resp.UserID)
	return kp, nil
}

func (f *Flow) handleCompleteError(err error) error {
	switch {
	case errors.Is(err, errs.ErrInvalidCode):
		if n, ok := errs.RemainingAttempts(err); ok {
			f.challenge.AttemptsRemaining = n
			if n == 0 {
				f.fail("attempts exhausted")
			}
		}
		f.logger.Warn("pairing code rejected", "challenge_id", f.challenge.ID, "attempts_remaining", f.challenge.AttemptsRemaining)
	case errors.Is(err, errs.ErrChallengeExpired), errors.Is(err, errs.ErrAlreadyPaired):
		f.fail(err.Error())
	default:
		// Network and rate-limit failures leave the challenge usable.
		f.logger.Warn("pairing complete failed", "error", err)
	}
	return err
}

// fail moves to Failed and drops the challenge. Must be called with mu held.
func (f *Flow) fail(reason string) {
	f.logger.Warn("pairing failed", "reason", reason)
	f.state = StateFailed
	f.challenge = nil
	f.pending = nil
}

// Challenge returns the active challenge, if any.
func (f *Flow) Challenge() (Challenge, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.challenge == nil {
		return Challenge{}, false
	}
	return *f.challenge, true
}
