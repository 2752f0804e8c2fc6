package keystore

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// Sealer protects private key material at rest.
type Sealer interface {
	// Name is recorded alongside sealed data so Open can refuse a mismatch.
	Name() string
	Seal(plaintext, aad []byte) (salt, sealed []byte, err error)
	Open(salt, sealed, aad []byte) ([]byte, error)
}

var (
	ErrPassphraseTooShort = errors.New("keystore: passphrase too short")
	ErrUnsealFailed       = errors.New("keystore: unseal failed, wrong passphrase or corrupted record")
)

const (
	MinPassphraseLength = 8
	SaltLength          = 16

	passphraseSealerName = "argon2id-chacha20poly1305"
	plaintextSealerName  = "plaintext"
	hkdfInfoPrefix       = "brokerlink/keystore/v1:"
)

// KDFParams tunes Argon2id.
type KDFParams struct {
	Time    uint32
	Memory  uint32 // KiB
	Threads uint8
}

// DefaultKDFParams returns the interactive-login Argon2id profile.
func DefaultKDFParams() KDFParams {
	return KDFParams{
		Time:    3,
		Memory:  64 * 1024,
		Threads: 4,
	}
}

// PassphraseSealer derives a per-record key from a passphrase.
type PassphraseSealer struct {
	passphrase []byte
	params     KDFParams
}

// NewPassphraseSealer copies passphrase; callers may wipe their copy afterwards.
func NewPassphraseSealer(passphrase []byte, params KDFParams) (*PassphraseSealer, error) {
	if len(passphrase) < MinPassphraseLength {
		return nil, ErrPassphraseTooShort
	}
	if params.Time == 0 || params.Memory == 0 || params.Threads == 0 {
		params = DefaultKDFParams()
	}
	p := make([]byte, len(passphrase))
	copy(p, passphrase)
	return &PassphraseSealer{passphrase: p, params: params}, nil
}

func (s *PassphraseSealer) Name() string { return passphraseSealerName }

// Seal encrypts plaintext under a fresh salt. The output is nonce || ciphertext.
func (s *PassphraseSealer) Seal(plaintext, aad []byte) ([]byte, []byte, error) {
	salt := make([]byte, SaltLength)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, nil, fmt.Errorf("generate salt: %w", err)
	}

	aead, err := s.cipher(salt, aad)
	if err != nil {
		return nil, nil, err
	}

	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, fmt.Errorf("generate nonce: %w", err)
	}

	return salt, aead.Seal(nonce, nonce, plaintext, aad), nil
}

func (s *PassphraseSealer) Open(salt, sealed, aad []byte) ([]byte, error) {
	if len(salt) != SaltLength {
		return nil, ErrUnsealFailed
	}

	aead, err := s.cipher(salt, aad)
	if err != nil {
		return nil, err
	}

	if len(sealed) < aead.NonceSize()+aead.Overhead() {
		return nil, ErrUnsealFailed
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]

	plaintext, err := aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, ErrUnsealFailed
	}
	return plaintext, nil
}

// cipher derives master = Argon2id(passphrase, salt) and then a subkey bound
// to aad with HKDF, so a record moved under another device ID will not open.
func (s *PassphraseSealer) cipher(salt, aad []byte) (cipher.AEAD, error) {
	master := argon2.IDKey(s.passphrase, salt, s.params.Time, s.params.Memory, s.params.Threads, chacha20poly1305.KeySize)
	defer zero(master)

	info := append([]byte(hkdfInfoPrefix), aad...)
	subkey := make([]byte, chacha20poly1305.KeySize)
	defer zero(subkey)
	if _, err := io.ReadFull(hkdf.New(sha256.New, master, salt, info), subkey); err != nil {
		return nil, fmt.Errorf("derive subkey: %w", err)
	}

	aead, err := chacha20poly1305.New(subkey)
	if err != nil {
		return nil, fmt.Errorf("create aead: %w", err)
	}
	return aead, nil
}

// PlaintextSealer stores key material unencrypted. Development only.
type PlaintextSealer struct{}

func (PlaintextSealer) Name() string { return plaintextSealerName }

func (PlaintextSealer) Seal(plaintext, _ []byte) ([]byte, []byte, error) {
	out := make([]byte, len(plaintext))
	copy(out, plaintext)
	return nil, out, nil
}

func (PlaintextSealer) Open(_, sealed, _ []byte) ([]byte, error) {
	out := make([]byte, len(sealed))
	copy(out, sealed)
	return out, nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
